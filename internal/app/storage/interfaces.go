package storage

import (
	"context"

	"github.com/AgentPay-Network/payment_layer/internal/app/domain/escrow"
	"github.com/AgentPay-Network/payment_layer/internal/app/domain/quote"
	"github.com/AgentPay-Network/payment_layer/internal/app/domain/tip"
	"github.com/AgentPay-Network/payment_layer/internal/app/domain/webhook"
)

// EscrowStore persists escrow records. Create and Update commit the whole
// collection snapshot before returning.
type EscrowStore interface {
	CreateEscrow(ctx context.Context, e escrow.Escrow) (escrow.Escrow, error)
	UpdateEscrow(ctx context.Context, e escrow.Escrow) (escrow.Escrow, error)
	GetEscrow(ctx context.Context, id string) (escrow.Escrow, error)
	ListEscrows(ctx context.Context) ([]escrow.Escrow, error)
}

// QuoteStore persists negotiation quotes.
type QuoteStore interface {
	CreateQuote(ctx context.Context, q quote.Quote) (quote.Quote, error)
	UpdateQuote(ctx context.Context, q quote.Quote) (quote.Quote, error)
	GetQuote(ctx context.Context, id string) (quote.Quote, error)
	ListQuotes(ctx context.Context) ([]quote.Quote, error)
}

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub webhook.Subscription) (webhook.Subscription, error)
	UpdateSubscription(ctx context.Context, sub webhook.Subscription) (webhook.Subscription, error)
	GetSubscription(ctx context.Context, id string) (webhook.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]webhook.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// DeliveryQueue persists the webhook delivery queue as one snapshot. The
// dispatcher owns the live queue in memory; CheckpointQueue replaces the
// durable snapshot atomically and LoadQueue rehydrates it at startup.
type DeliveryQueue interface {
	CheckpointQueue(ctx context.Context, queue []webhook.Delivery) error
	LoadQueue(ctx context.Context) ([]webhook.Delivery, error)
}

// EventLog records emitted events, bounded to the most recent entries.
type EventLog interface {
	AppendLog(ctx context.Context, entry webhook.LogEntry) error
	ListLog(ctx context.Context, limit int) ([]webhook.LogEntry, error)
}

// TipStore persists tip records.
type TipStore interface {
	CreateTip(ctx context.Context, t tip.Tip) (tip.Tip, error)
	UpdateTip(ctx context.Context, t tip.Tip) (tip.Tip, error)
	GetTip(ctx context.Context, id string) (tip.Tip, error)
	ListTips(ctx context.Context) ([]tip.Tip, error)
}
