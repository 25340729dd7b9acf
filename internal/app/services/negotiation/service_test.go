package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/AgentPay-Network/payment_layer/internal/app/apperr"
	escrowdomain "github.com/AgentPay-Network/payment_layer/internal/app/domain/escrow"
	domain "github.com/AgentPay-Network/payment_layer/internal/app/domain/quote"
	escrowsvc "github.com/AgentPay-Network/payment_layer/internal/app/services/escrow"
	"github.com/AgentPay-Network/payment_layer/internal/app/storage/memory"
)

func newServices(t *testing.T) (*Service, *escrowsvc.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	escrowService := escrowsvc.New(store, nil, nil)
	return New(store, escrowService, nil), escrowService, store
}

func TestAcceptCreatesLinkedEscrow(t *testing.T) {
	svc, escrowService, _ := newServices(t)
	ctx := context.Background()

	q, err := svc.CreateQuote(ctx, CreateQuoteRequest{
		ProviderID: "P", ClientID: "C", Service: "translation",
		Price: 100, Token: string(escrowdomain.TokenPrimaryNative),
		Terms:           domain.Terms{DeliveryTimeMinutes: 30},
		ValidForMinutes: 60,
	})
	if err != nil {
		t.Fatalf("create quote: %v", err)
	}
	if q.State != domain.StatePending {
		t.Fatalf("expected pending, got %s", q.State)
	}
	if !q.Terms.EscrowRequired {
		t.Fatalf("expected escrow required by default")
	}
	if q.Terms.RefundPolicy != "none" {
		t.Fatalf("expected refund policy default none, got %q", q.Terms.RefundPolicy)
	}

	accepted, err := svc.Accept(ctx, q.ID, "C")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.State != domain.StateAccepted {
		t.Fatalf("expected accepted, got %s", accepted.State)
	}
	if accepted.AgreedPrice == nil || *accepted.AgreedPrice != 100 {
		t.Fatalf("expected agreed price 100")
	}
	if accepted.EscrowID == "" {
		t.Fatalf("expected linked escrow")
	}

	esc, err := escrowService.Get(ctx, accepted.EscrowID)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if esc.Payer != "C" || esc.Payee != "P" {
		t.Fatalf("escrow parties mismatch: payer=%s payee=%s", esc.Payer, esc.Payee)
	}
	if esc.Amount != 100 {
		t.Fatalf("escrow amount mismatch: %v", esc.Amount)
	}
	if !esc.Conditions.RequiresApproval || !esc.Conditions.RequiresDelivery {
		t.Fatalf("expected approval and delivery conditions")
	}
	if !esc.Conditions.RequiresClientConfirmation {
		t.Fatalf("expected client confirmation without auto-release")
	}
	if esc.TimeoutAt == nil {
		t.Fatalf("expected timeout set from delivery time")
	}
}

func TestAcceptAuthorization(t *testing.T) {
	svc, _, _ := newServices(t)
	ctx := context.Background()

	q, _ := svc.CreateQuote(ctx, CreateQuoteRequest{
		ProviderID: "P", ClientID: "C", Service: "s", Price: 10,
		Token: string(escrowdomain.TokenPrimaryNative), ValidForMinutes: 60,
	})

	if _, err := svc.Accept(ctx, q.ID, "P"); !apperr.Is(err, apperr.KindUnauthorized) {
		t.Fatalf("expected unauthorized for provider accepting, got %v", err)
	}
	if _, err := svc.Reject(ctx, q.ID, "intruder", ""); !apperr.Is(err, apperr.KindUnauthorized) {
		t.Fatalf("expected unauthorized for stranger rejecting, got %v", err)
	}
	if _, err := svc.AcceptCounter(ctx, q.ID, "C", -1); !apperr.Is(err, apperr.KindUnauthorized) {
		t.Fatalf("expected unauthorized for client accepting counter, got %v", err)
	}
}

func TestAcceptExpiryBoundary(t *testing.T) {
	svc, _, store := newServices(t)
	ctx := context.Background()

	noEscrow := false
	q, _ := svc.CreateQuote(ctx, CreateQuoteRequest{
		ProviderID: "P", ClientID: "C", Service: "s", Price: 10,
		Token: string(escrowdomain.TokenPrimaryNative), ValidForMinutes: 60,
		EscrowRequired: &noEscrow,
	})

	// Expired one millisecond ago: rejected.
	stored, _ := store.GetQuote(ctx, q.ID)
	stored.ExpiresAt = time.Now().UTC().Add(-time.Millisecond)
	if _, err := store.UpdateQuote(ctx, stored); err != nil {
		t.Fatalf("rewind expiry: %v", err)
	}
	if _, err := svc.Accept(ctx, q.ID, "C"); !apperr.Is(err, apperr.KindPreconditionViolated) {
		t.Fatalf("expected precondition violation past expiry, got %v", err)
	}

	// Still inside the window: accepted.
	stored, _ = store.GetQuote(ctx, q.ID)
	stored.ExpiresAt = time.Now().UTC().Add(time.Minute)
	if _, err := store.UpdateQuote(ctx, stored); err != nil {
		t.Fatalf("restore expiry: %v", err)
	}
	if _, err := svc.Accept(ctx, q.ID, "C"); err != nil {
		t.Fatalf("accept inside window: %v", err)
	}
}

func TestCounterOfferFlow(t *testing.T) {
	svc, escrowService, _ := newServices(t)
	ctx := context.Background()

	q, _ := svc.CreateQuote(ctx, CreateQuoteRequest{
		ProviderID: "P", ClientID: "C", Service: "s", Price: 100,
		Token: string(escrowdomain.TokenPrimaryNative),
		Terms: domain.Terms{DeliveryTimeMinutes: 30}, ValidForMinutes: 60,
	})

	countered, err := svc.CounterOffer(ctx, q.ID, "C", 80, nil)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if countered.State != domain.StateCountered {
		t.Fatalf("expected countered, got %s", countered.State)
	}
	if len(countered.Counters) != 1 || countered.Counters[0].Price != 80 {
		t.Fatalf("expected one counter at 80")
	}

	accepted, err := svc.AcceptCounter(ctx, q.ID, "P", -1)
	if err != nil {
		t.Fatalf("accept counter: %v", err)
	}
	if accepted.State != domain.StateAccepted {
		t.Fatalf("expected accepted, got %s", accepted.State)
	}
	if accepted.AgreedPrice == nil || *accepted.AgreedPrice != 80 {
		t.Fatalf("expected agreed price 80")
	}
	if accepted.EscrowID == "" {
		t.Fatalf("expected linked escrow")
	}

	esc, _ := escrowService.Get(ctx, accepted.EscrowID)
	if esc.Amount != 80 {
		t.Fatalf("expected escrow amount 80, got %v", esc.Amount)
	}
}

func TestDeliveryAndConfirmation(t *testing.T) {
	svc, escrowService, _ := newServices(t)
	ctx := context.Background()

	q, _ := svc.CreateQuote(ctx, CreateQuoteRequest{
		ProviderID: "P", ClientID: "C", Service: "s", Price: 50,
		Token: string(escrowdomain.TokenPrimaryNative), ValidForMinutes: 60,
	})
	accepted, err := svc.Accept(ctx, q.ID, "C")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Walk the escrow to locked the way callers would.
	if _, err := escrowService.Fund(ctx, accepted.EscrowID, "0xF"); err != nil {
		t.Fatalf("fund escrow: %v", err)
	}
	if _, err := escrowService.Approve(ctx, accepted.EscrowID, "C"); err != nil {
		t.Fatalf("approve client: %v", err)
	}
	if _, err := escrowService.Approve(ctx, accepted.EscrowID, "P"); err != nil {
		t.Fatalf("approve provider: %v", err)
	}

	if _, err := svc.MarkDelivered(ctx, q.ID, "C", []byte("x")); !apperr.Is(err, apperr.KindUnauthorized) {
		t.Fatalf("expected unauthorized for client delivering, got %v", err)
	}

	delivered, err := svc.MarkDelivered(ctx, q.ID, "P", []byte("artifact"))
	if err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if delivered.Delivery == nil {
		t.Fatalf("expected delivery record")
	}

	esc, _ := escrowService.Get(ctx, accepted.EscrowID)
	if esc.Proof == nil {
		t.Fatalf("expected proof forwarded to escrow")
	}
	if esc.State != escrowdomain.StateLocked {
		t.Fatalf("expected escrow still locked, got %s", esc.State)
	}

	confirmed, err := svc.ConfirmDelivery(ctx, q.ID, "C")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Delivery.ConfirmedAt == nil {
		t.Fatalf("expected confirmation instant")
	}

	esc, _ = escrowService.Get(ctx, accepted.EscrowID)
	if esc.State != escrowdomain.StateReleased {
		t.Fatalf("expected escrow released on confirmation, got %s", esc.State)
	}

	// A second confirmation is not an error: the escrow is simply no longer
	// locked.
	if _, err := svc.ConfirmDelivery(ctx, q.ID, "C"); err != nil {
		t.Fatalf("repeat confirm: %v", err)
	}
}

func TestProcessExpirations(t *testing.T) {
	svc, _, store := newServices(t)
	ctx := context.Background()

	q, _ := svc.CreateQuote(ctx, CreateQuoteRequest{
		ProviderID: "P", ClientID: "C", Service: "s", Price: 10,
		Token: string(escrowdomain.TokenPrimaryNative), ValidForMinutes: 60,
	})

	expired, err := svc.ProcessExpirations(ctx)
	if err != nil {
		t.Fatalf("process expirations: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expected nothing expired yet, got %v", expired)
	}

	stored, _ := store.GetQuote(ctx, q.ID)
	stored.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	store.UpdateQuote(ctx, stored)

	expired, err = svc.ProcessExpirations(ctx)
	if err != nil {
		t.Fatalf("process expirations: %v", err)
	}
	if len(expired) != 1 || expired[0] != q.ID {
		t.Fatalf("expected %s expired, got %v", q.ID, expired)
	}

	after, _ := svc.Get(ctx, q.ID)
	if after.State != domain.StateExpired {
		t.Fatalf("expected expired, got %s", after.State)
	}
}
