package escrow

import (
	"context"
	"testing"
	"time"

	domain "github.com/AgentPay-Network/payment_layer/internal/app/domain/escrow"
	"github.com/AgentPay-Network/payment_layer/internal/app/storage/memory"
)

func TestSweeperRefundsTimedOutEscrows(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, CreateRequest{
		Payer: "A", Payee: "B", Amount: 10, Token: domain.TokenPrimaryNative,
		Conditions:     domain.Conditions{RequiresApproval: true},
		TimeoutMinutes: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Fund(ctx, created.ID, "0x1"); err != nil {
		t.Fatalf("fund: %v", err)
	}

	e, _ := store.GetEscrow(ctx, created.ID)
	past := time.Now().UTC().Add(-time.Minute)
	e.TimeoutAt = &past
	if _, err := store.UpdateEscrow(ctx, e); err != nil {
		t.Fatalf("rewind timeout: %v", err)
	}

	sweeper := NewSweeper(svc, 10*time.Millisecond, nil)
	if err := sweeper.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sweeper.Stop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		after, _ := svc.Get(ctx, created.ID)
		if after.State == domain.StateRefunded {
			if after.RefundReason != "automatic timeout" {
				t.Fatalf("unexpected refund reason %q", after.RefundReason)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweeper did not refund in time, state %s", after.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
