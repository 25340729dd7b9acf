package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AgentPay-Network/payment_layer/internal/app/apperr"
	"github.com/AgentPay-Network/payment_layer/internal/app/domain/escrow"
	"github.com/AgentPay-Network/payment_layer/internal/app/domain/quote"
	"github.com/AgentPay-Network/payment_layer/internal/app/domain/tip"
	"github.com/AgentPay-Network/payment_layer/internal/app/domain/webhook"
)

// Store is a thread-safe in-memory persistence layer implementing every
// storage interface. It is intended for tests and prototyping and
// deliberately keeps the implementation simple.
type Store struct {
	mu            sync.RWMutex
	escrows       map[string]escrow.Escrow
	quotes        map[string]quote.Quote
	subscriptions map[string]webhook.Subscription
	tips          map[string]tip.Tip
	queue         []webhook.Delivery
	log           []webhook.LogEntry
	maxLogEntries int
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		escrows:       make(map[string]escrow.Escrow),
		quotes:        make(map[string]quote.Quote),
		subscriptions: make(map[string]webhook.Subscription),
		tips:          make(map[string]tip.Tip),
		maxLogEntries: 10000,
	}
}

// EscrowStore implementation --------------------------------------------------

func (s *Store) CreateEscrow(_ context.Context, e escrow.Escrow) (escrow.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	} else if _, exists := s.escrows[e.ID]; exists {
		return escrow.Escrow{}, apperr.InvalidInput("escrow %s already exists", e.ID)
	}
	e.UpdatedAt = time.Now().UTC()
	s.escrows[e.ID] = cloneEscrow(e)
	return cloneEscrow(e), nil
}

func (s *Store) UpdateEscrow(_ context.Context, e escrow.Escrow) (escrow.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.escrows[e.ID]; !ok {
		return escrow.Escrow{}, apperr.NotFound("escrow", e.ID)
	}
	e.UpdatedAt = time.Now().UTC()
	s.escrows[e.ID] = cloneEscrow(e)
	return cloneEscrow(e), nil
}

func (s *Store) GetEscrow(_ context.Context, id string) (escrow.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.escrows[id]
	if !ok {
		return escrow.Escrow{}, apperr.NotFound("escrow", id)
	}
	return cloneEscrow(e), nil
}

func (s *Store) ListEscrows(_ context.Context) ([]escrow.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]escrow.Escrow, 0, len(s.escrows))
	for _, e := range s.escrows {
		result = append(result, cloneEscrow(e))
	}
	return result, nil
}

// QuoteStore implementation ---------------------------------------------------

func (s *Store) CreateQuote(_ context.Context, q quote.Quote) (quote.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q.ID == "" {
		q.ID = uuid.NewString()
	} else if _, exists := s.quotes[q.ID]; exists {
		return quote.Quote{}, apperr.InvalidInput("quote %s already exists", q.ID)
	}
	q.UpdatedAt = time.Now().UTC()
	s.quotes[q.ID] = cloneQuote(q)
	return cloneQuote(q), nil
}

func (s *Store) UpdateQuote(_ context.Context, q quote.Quote) (quote.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.quotes[q.ID]; !ok {
		return quote.Quote{}, apperr.NotFound("quote", q.ID)
	}
	q.UpdatedAt = time.Now().UTC()
	s.quotes[q.ID] = cloneQuote(q)
	return cloneQuote(q), nil
}

func (s *Store) GetQuote(_ context.Context, id string) (quote.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[id]
	if !ok {
		return quote.Quote{}, apperr.NotFound("quote", id)
	}
	return cloneQuote(q), nil
}

func (s *Store) ListQuotes(_ context.Context) ([]quote.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]quote.Quote, 0, len(s.quotes))
	for _, q := range s.quotes {
		result = append(result, cloneQuote(q))
	}
	return result, nil
}

// SubscriptionStore implementation --------------------------------------------

func (s *Store) CreateSubscription(_ context.Context, sub webhook.Subscription) (webhook.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	} else if _, exists := s.subscriptions[sub.ID]; exists {
		return webhook.Subscription{}, apperr.InvalidInput("subscription %s already exists", sub.ID)
	}
	sub.UpdatedAt = time.Now().UTC()
	s.subscriptions[sub.ID] = cloneSubscription(sub)
	return cloneSubscription(sub), nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub webhook.Subscription) (webhook.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[sub.ID]; !ok {
		return webhook.Subscription{}, apperr.NotFound("subscription", sub.ID)
	}
	sub.UpdatedAt = time.Now().UTC()
	s.subscriptions[sub.ID] = cloneSubscription(sub)
	return cloneSubscription(sub), nil
}

func (s *Store) GetSubscription(_ context.Context, id string) (webhook.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return webhook.Subscription{}, apperr.NotFound("subscription", id)
	}
	return cloneSubscription(sub), nil
}

func (s *Store) ListSubscriptions(_ context.Context) ([]webhook.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]webhook.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		result = append(result, cloneSubscription(sub))
	}
	return result, nil
}

func (s *Store) DeleteSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[id]; !ok {
		return apperr.NotFound("subscription", id)
	}
	delete(s.subscriptions, id)
	return nil
}

// DeliveryQueue implementation ------------------------------------------------

func (s *Store) CheckpointQueue(_ context.Context, queue []webhook.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = append([]webhook.Delivery(nil), queue...)
	return nil
}

func (s *Store) LoadQueue(_ context.Context) ([]webhook.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]webhook.Delivery(nil), s.queue...), nil
}

// EventLog implementation -----------------------------------------------------

func (s *Store) AppendLog(_ context.Context, entry webhook.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log = append(s.log, entry)
	if over := len(s.log) - s.maxLogEntries; over > 0 {
		s.log = append([]webhook.LogEntry(nil), s.log[over:]...)
	}
	return nil
}

func (s *Store) ListLog(_ context.Context, limit int) ([]webhook.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.log
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]webhook.LogEntry(nil), entries...), nil
}

// TipStore implementation -----------------------------------------------------

func (s *Store) CreateTip(_ context.Context, t tip.Tip) (tip.Tip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	} else if _, exists := s.tips[t.ID]; exists {
		return tip.Tip{}, apperr.InvalidInput("tip %s already exists", t.ID)
	}
	t.UpdatedAt = time.Now().UTC()
	s.tips[t.ID] = cloneTip(t)
	return cloneTip(t), nil
}

func (s *Store) UpdateTip(_ context.Context, t tip.Tip) (tip.Tip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tips[t.ID]; !ok {
		return tip.Tip{}, apperr.NotFound("tip", t.ID)
	}
	t.UpdatedAt = time.Now().UTC()
	s.tips[t.ID] = cloneTip(t)
	return cloneTip(t), nil
}

func (s *Store) GetTip(_ context.Context, id string) (tip.Tip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tips[id]
	if !ok {
		return tip.Tip{}, apperr.NotFound("tip", id)
	}
	return cloneTip(t), nil
}

func (s *Store) ListTips(_ context.Context) ([]tip.Tip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]tip.Tip, 0, len(s.tips))
	for _, t := range s.tips {
		result = append(result, cloneTip(t))
	}
	return result, nil
}

// Helpers ---------------------------------------------------------------------

func cloneEscrow(e escrow.Escrow) escrow.Escrow {
	e.Approvals = append([]string(nil), e.Approvals...)
	if e.Proof != nil {
		proof := *e.Proof
		proof.Data = append([]byte(nil), proof.Data...)
		e.Proof = &proof
	}
	if e.Dispute != nil {
		dispute := *e.Dispute
		e.Dispute = &dispute
	}
	return e
}

func cloneQuote(q quote.Quote) quote.Quote {
	q.Counters = append([]quote.CounterOffer(nil), q.Counters...)
	if q.AgreedPrice != nil {
		price := *q.AgreedPrice
		q.AgreedPrice = &price
	}
	if q.Delivery != nil {
		delivery := *q.Delivery
		delivery.Proof = append([]byte(nil), delivery.Proof...)
		q.Delivery = &delivery
	}
	return q
}

func cloneSubscription(sub webhook.Subscription) webhook.Subscription {
	sub.EventTypes = append([]webhook.EventType(nil), sub.EventTypes...)
	sub.Headers = copyMap(sub.Headers)
	return sub
}

func cloneTip(t tip.Tip) tip.Tip {
	if t.Settlement != nil {
		settlement := *t.Settlement
		t.Settlement = &settlement
	}
	return t
}

func copyMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
