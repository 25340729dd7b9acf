package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/AgentPay-Network/payment_layer/internal/app/apperr"
	domain "github.com/AgentPay-Network/payment_layer/internal/app/domain/escrow"
	webhookdomain "github.com/AgentPay-Network/payment_layer/internal/app/domain/webhook"
	"github.com/AgentPay-Network/payment_layer/internal/app/storage/memory"
)

type recorder struct {
	mu     sync.Mutex
	events []webhookdomain.EventType
}

func (r *recorder) Emit(_ context.Context, eventType webhookdomain.EventType, _, _ map[string]any) (webhookdomain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	return webhookdomain.Event{Type: eventType}, nil
}

func (r *recorder) observed() []webhookdomain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]webhookdomain.EventType(nil), r.events...)
}

func TestHappyPath(t *testing.T) {
	store := memory.New()
	rec := &recorder{}
	svc := New(store, rec, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, CreateRequest{
		Payer:   "A",
		Payee:   "B",
		Amount:  500,
		Purpose: "x",
		Token:   domain.TokenPrimaryNative,
		Conditions: domain.Conditions{
			RequiresApproval: true,
			RequiresDelivery: true,
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.State != domain.StatePending {
		t.Fatalf("expected pending, got %s", created.State)
	}

	funded, err := svc.Fund(ctx, created.ID, "0xFUND")
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if funded.State != domain.StateFunded {
		t.Fatalf("expected funded, got %s", funded.State)
	}
	if funded.SettlementHash != "0xFUND" {
		t.Fatalf("expected funding hash recorded")
	}

	if _, err := svc.Approve(ctx, created.ID, "A"); err != nil {
		t.Fatalf("approve A: %v", err)
	}
	locked, err := svc.Approve(ctx, created.ID, "B")
	if err != nil {
		t.Fatalf("approve B: %v", err)
	}
	if locked.State != domain.StateLocked {
		t.Fatalf("expected locked after both approvals, got %s", locked.State)
	}

	afterProof, err := svc.SubmitDelivery(ctx, created.ID, domain.DeliveryProof{SubmittedBy: "B", Data: []byte("ok")})
	if err != nil {
		t.Fatalf("submit delivery: %v", err)
	}
	if afterProof.State != domain.StateLocked {
		t.Fatalf("expected still locked after delivery, got %s", afterProof.State)
	}
	if afterProof.Proof == nil {
		t.Fatalf("expected proof recorded")
	}

	released, err := svc.Release(ctx, created.ID, "done")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.State != domain.StateReleased {
		t.Fatalf("expected released, got %s", released.State)
	}
	if released.Timeline.ReleasedAt == nil || released.Timeline.RefundedAt != nil {
		t.Fatalf("expected exactly the released instant set")
	}

	want := []webhookdomain.EventType{
		webhookdomain.TypeEscrowCreated,
		webhookdomain.TypeEscrowFunded,
		webhookdomain.TypeEscrowLocked,
		webhookdomain.TypeEscrowReleased,
	}
	got := rec.observed()
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestCreateValidation(t *testing.T) {
	svc := New(memory.New(), nil, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"zero amount", CreateRequest{Payer: "A", Payee: "B", Amount: 0, Token: domain.TokenPrimaryNative}},
		{"negative amount", CreateRequest{Payer: "A", Payee: "B", Amount: -1, Token: domain.TokenPrimaryNative}},
		{"empty payer", CreateRequest{Payer: "", Payee: "B", Amount: 1, Token: domain.TokenPrimaryNative}},
		{"unknown token", CreateRequest{Payer: "A", Payee: "B", Amount: 1, Token: "doge"}},
	}
	for _, tc := range cases {
		if _, err := svc.Create(ctx, tc.req); !apperr.Is(err, apperr.KindInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", tc.name, err)
		}
	}
}

func TestStableTokenRequiresApproval(t *testing.T) {
	svc := New(memory.New(), nil, nil)

	created, err := svc.Create(context.Background(), CreateRequest{
		Payer: "A", Payee: "B", Amount: 10, Token: domain.TokenERC20Stable,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created.Conditions.RequiresApproval {
		t.Fatalf("expected stable-token escrow to require approval")
	}
}

func TestFundAutoLocksWithoutApproval(t *testing.T) {
	rec := &recorder{}
	svc := New(memory.New(), rec, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, CreateRequest{
		Payer: "A", Payee: "B", Amount: 10, Token: domain.TokenPrimaryNative,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	funded, err := svc.Fund(ctx, created.ID, "0xA")
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if funded.State != domain.StateLocked {
		t.Fatalf("expected auto-lock, got %s", funded.State)
	}
	if funded.Timeline.FundedAt == nil || funded.Timeline.LockedAt == nil {
		t.Fatalf("expected both funded and locked instants set")
	}

	got := rec.observed()
	if len(got) != 3 || got[1] != webhookdomain.TypeEscrowFunded || got[2] != webhookdomain.TypeEscrowLocked {
		t.Fatalf("expected funded then locked events, got %v", got)
	}
}

func TestDuplicateApproverRejected(t *testing.T) {
	svc := New(memory.New(), nil, nil)
	ctx := context.Background()

	created, _ := svc.Create(ctx, CreateRequest{
		Payer: "A", Payee: "B", Amount: 10, Token: domain.TokenPrimaryNative,
		Conditions: domain.Conditions{RequiresApproval: true},
	})
	if _, err := svc.Fund(ctx, created.ID, "0x1"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := svc.Approve(ctx, created.ID, "A"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := svc.Approve(ctx, created.ID, "A"); !apperr.Is(err, apperr.KindPreconditionViolated) {
		t.Fatalf("expected precondition violation for duplicate approver, got %v", err)
	}
}

func TestAutoReleaseOnDeliveryOnlyEscrow(t *testing.T) {
	rec := &recorder{}
	svc := New(memory.New(), rec, nil)
	ctx := context.Background()

	created, _ := svc.Create(ctx, CreateRequest{
		Payer: "A", Payee: "B", Amount: 10, Token: domain.TokenPrimaryNative,
		Conditions: domain.Conditions{RequiresDelivery: true},
	})
	if _, err := svc.Fund(ctx, created.ID, "0x1"); err != nil {
		t.Fatalf("fund: %v", err)
	}

	released, err := svc.SubmitDelivery(ctx, created.ID, domain.DeliveryProof{SubmittedBy: "B", Data: []byte("done")})
	if err != nil {
		t.Fatalf("submit delivery: %v", err)
	}
	if released.State != domain.StateReleased {
		t.Fatalf("expected auto-release, got %s", released.State)
	}
	if released.ReleaseReason != "automatic - delivery confirmed" {
		t.Fatalf("unexpected release reason %q", released.ReleaseReason)
	}
	if released.Proof == nil {
		t.Fatalf("expected proof persisted before release")
	}
}

func TestReleaseRequiresProof(t *testing.T) {
	svc := New(memory.New(), nil, nil)
	ctx := context.Background()

	created, _ := svc.Create(ctx, CreateRequest{
		Payer: "A", Payee: "B", Amount: 10, Token: domain.TokenPrimaryNative,
		Conditions: domain.Conditions{RequiresApproval: true, RequiresDelivery: true},
	})
	svc.Fund(ctx, created.ID, "0x1")
	svc.Approve(ctx, created.ID, "A")
	svc.Approve(ctx, created.ID, "B")

	_, err := svc.Release(ctx, created.ID, "early")
	if !apperr.Is(err, apperr.KindPreconditionViolated) {
		t.Fatalf("expected precondition violation, got %v", err)
	}
}

func TestTerminalTransitionIdempotence(t *testing.T) {
	svc := New(memory.New(), nil, nil)
	ctx := context.Background()

	created, _ := svc.Create(ctx, CreateRequest{
		Payer: "A", Payee: "B", Amount: 10, Token: domain.TokenPrimaryNative,
	})
	svc.Fund(ctx, created.ID, "0x1")

	released, err := svc.Release(ctx, created.ID, "done")
	if err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := svc.Release(ctx, created.ID, "again"); !apperr.Is(err, apperr.KindPreconditionViolated) {
		t.Fatalf("expected precondition violation on repeat release, got %v", err)
	}

	after, _ := svc.Get(ctx, created.ID)
	if after.State != released.State || !after.Timeline.ReleasedAt.Equal(*released.Timeline.ReleasedAt) {
		t.Fatalf("repeat release must not change state")
	}
}

func TestDisputeAndResolve(t *testing.T) {
	svc := New(memory.New(), nil, nil)
	ctx := context.Background()

	created, _ := svc.Create(ctx, CreateRequest{
		Payer: "A", Payee: "B", Amount: 10, Token: domain.TokenPrimaryNative,
	})
	svc.Fund(ctx, created.ID, "0x1")

	disputed, err := svc.Dispute(ctx, created.ID, "A", "not delivered")
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if disputed.State != domain.StateDisputed || disputed.Dispute == nil {
		t.Fatalf("expected disputed with record, got %s", disputed.State)
	}

	resolved, err := svc.ResolveDispute(ctx, created.ID, DecisionRefund, "judge-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.State != domain.StateRefunded {
		t.Fatalf("expected refunded, got %s", resolved.State)
	}
	if resolved.RefundReason != "arbiter decision by judge-1" {
		t.Fatalf("unexpected refund reason %q", resolved.RefundReason)
	}
	if resolved.ArbiterID != "judge-1" {
		t.Fatalf("expected arbiter recorded")
	}
}

func TestProcessTimeouts(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil)
	ctx := context.Background()

	created, _ := svc.Create(ctx, CreateRequest{
		Payer: "A", Payee: "B", Amount: 10, Token: domain.TokenPrimaryNative,
		Conditions:     domain.Conditions{RequiresApproval: true},
		TimeoutMinutes: 1,
	})
	if _, err := svc.Fund(ctx, created.ID, "0x1"); err != nil {
		t.Fatalf("fund: %v", err)
	}

	// Not yet eligible.
	refunded, err := svc.ProcessTimeouts(ctx)
	if err != nil {
		t.Fatalf("process timeouts: %v", err)
	}
	if len(refunded) != 0 {
		t.Fatalf("expected no refunds before timeout, got %v", refunded)
	}

	// Rewind the deadline past due.
	e, _ := store.GetEscrow(ctx, created.ID)
	past := time.Now().UTC().Add(-time.Minute)
	e.TimeoutAt = &past
	if _, err := store.UpdateEscrow(ctx, e); err != nil {
		t.Fatalf("rewind timeout: %v", err)
	}

	refunded, err = svc.ProcessTimeouts(ctx)
	if err != nil {
		t.Fatalf("process timeouts: %v", err)
	}
	if len(refunded) != 1 || refunded[0] != created.ID {
		t.Fatalf("expected refund of %s, got %v", created.ID, refunded)
	}

	after, _ := svc.Get(ctx, created.ID)
	if after.State != domain.StateRefunded || after.RefundReason != "automatic timeout" {
		t.Fatalf("expected automatic timeout refund, got %s (%q)", after.State, after.RefundReason)
	}

	// Idempotent: a second sweep refunds nothing.
	refunded, err = svc.ProcessTimeouts(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(refunded) != 0 {
		t.Fatalf("expected empty second sweep, got %v", refunded)
	}
}

func TestTimelineMonotonicity(t *testing.T) {
	svc := New(memory.New(), nil, nil)
	ctx := context.Background()

	created, _ := svc.Create(ctx, CreateRequest{
		Payer: "A", Payee: "B", Amount: 10, Token: domain.TokenPrimaryNative,
		Conditions: domain.Conditions{RequiresApproval: true},
	})
	svc.Fund(ctx, created.ID, "0x1")
	svc.Approve(ctx, created.ID, "A")
	svc.Approve(ctx, created.ID, "B")
	released, err := svc.Release(ctx, created.ID, "done")
	if err != nil {
		t.Fatalf("release: %v", err)
	}

	tl := released.Timeline
	if tl.FundedAt.Before(tl.CreatedAt) {
		t.Fatalf("funded before created")
	}
	if tl.LockedAt.Before(*tl.FundedAt) {
		t.Fatalf("locked before funded")
	}
	if tl.ReleasedAt.Before(*tl.LockedAt) {
		t.Fatalf("released before locked")
	}
}
