package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AgentPay-Network/payment_layer/internal/app/apperr"
	"github.com/AgentPay-Network/payment_layer/internal/app/domain/escrow"
	"github.com/AgentPay-Network/payment_layer/internal/app/domain/webhook"
)

func TestEscrowRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	now := time.Now().UTC()
	created, err := store.CreateEscrow(ctx, escrow.Escrow{
		Payer: "A", Payee: "B", Amount: 42, Token: escrow.TokenPrimaryNative,
		State: escrow.StatePending, Timeline: escrow.Timeline{CreatedAt: now},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated id")
	}

	created.State = escrow.StateFunded
	if _, err := store.UpdateEscrow(ctx, created); err != nil {
		t.Fatalf("update: %v", err)
	}

	// A fresh instance reads the same snapshot back.
	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.GetEscrow(ctx, created.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.State != escrow.StateFunded || got.Amount != 42 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if _, err := reopened.GetEscrow(ctx, "missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSnapshotIsPrettyJSONObject(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.CreateEscrow(ctx, escrow.Escrow{
		ID: "E1", Payer: "A", Payee: "B", Amount: 1,
		Token: escrow.TokenPrimaryNative, State: escrow.StatePending,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "escrows.json"))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	var snapshot map[string]escrow.Escrow
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatalf("snapshot is not a JSON object: %v", err)
	}
	if _, ok := snapshot["E1"]; !ok {
		t.Fatalf("expected escrow keyed by id")
	}
	if !json.Valid(data) || data[1] != '\n' {
		t.Fatalf("expected pretty-printed snapshot")
	}

	// No temp files are left behind.
	entries, _ := os.ReadDir(dir)
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".json" {
			t.Fatalf("unexpected leftover file %s", entry.Name())
		}
	}
}

func TestQueueCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	next := time.Now().UTC().Add(time.Minute)
	queue := []webhook.Delivery{
		{SubscriptionID: "S1", EventID: "ev1", EventType: webhook.TypeEscrowReleased, Payload: json.RawMessage(`{"id":"ev1"}`), Attempt: 2, NextAttemptAt: &next, Status: webhook.DeliveryPending},
	}
	if err := store.CheckpointQueue(ctx, queue); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	loaded, err := reopened.LoadQueue(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected one delivery, got %d", len(loaded))
	}
	d := loaded[0]
	if d.SubscriptionID != "S1" || d.Attempt != 2 || d.NextAttemptAt == nil {
		t.Fatalf("delivery mismatch: %+v", d)
	}
	if string(d.Payload) != `{"id":"ev1"}` {
		t.Fatalf("payload bytes must survive the round trip, got %s", d.Payload)
	}

	// An empty checkpoint clears the snapshot.
	if err := store.CheckpointQueue(ctx, nil); err != nil {
		t.Fatalf("empty checkpoint: %v", err)
	}
	loaded, _ = reopened.LoadQueue(ctx)
	if len(loaded) != 0 {
		t.Fatalf("expected cleared queue, got %d", len(loaded))
	}
}

func TestEventLogBound(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dir, WithMaxLogEntries(3))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	types := []webhook.EventType{
		webhook.TypeEscrowCreated,
		webhook.TypeEscrowFunded,
		webhook.TypeEscrowLocked,
		webhook.TypeEscrowReleased,
		webhook.TypeEscrowRefunded,
	}
	for i, eventType := range types {
		if err := store.AppendLog(ctx, webhook.LogEntry{Type: eventType, EventID: string(rune('a' + i)), Timestamp: time.Now().UTC()}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := store.ListLog(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected log truncated to 3, got %d", len(entries))
	}
	if entries[0].Type != webhook.TypeEscrowLocked || entries[2].Type != webhook.TypeEscrowRefunded {
		t.Fatalf("expected oldest entries dropped, got %v", entries)
	}

	limited, _ := store.ListLog(ctx, 2)
	if len(limited) != 2 || limited[0].Type != webhook.TypeEscrowReleased {
		t.Fatalf("expected most recent two entries, got %v", limited)
	}
}
