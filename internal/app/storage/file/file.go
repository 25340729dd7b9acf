package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AgentPay-Network/payment_layer/internal/app/apperr"
	"github.com/AgentPay-Network/payment_layer/internal/app/domain/escrow"
	"github.com/AgentPay-Network/payment_layer/internal/app/domain/quote"
	"github.com/AgentPay-Network/payment_layer/internal/app/domain/tip"
	"github.com/AgentPay-Network/payment_layer/internal/app/domain/webhook"
)

const (
	escrowsFile       = "escrows.json"
	quotesFile        = "quotes.json"
	subscriptionsFile = "subscriptions.json"
	tipsFile          = "tips.json"
	queueFile         = "delivery_queue.json"
	eventLogFile      = "event_log.json"
)

// Store persists every collection as a pretty-printed JSON snapshot file in a
// single directory. Each mutation rewrites the owning collection's file via a
// temp-file write and atomic rename, so a crash leaves either the prior or
// the new snapshot intact.
type Store struct {
	dir           string
	maxLogEntries int

	mu            sync.RWMutex
	escrows       map[string]escrow.Escrow
	quotes        map[string]quote.Quote
	subscriptions map[string]webhook.Subscription
	tips          map[string]tip.Tip
	log           []webhook.LogEntry
}

// Option adjusts store construction.
type Option func(*Store)

// WithMaxLogEntries bounds the event log to the most recent n entries.
func WithMaxLogEntries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxLogEntries = n
		}
	}
}

// Open loads (or initialises) the snapshot files under dir.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("data directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	s := &Store{
		dir:           dir,
		maxLogEntries: 10000,
		escrows:       make(map[string]escrow.Escrow),
		quotes:        make(map[string]quote.Quote),
		subscriptions: make(map[string]webhook.Subscription),
		tips:          make(map[string]tip.Tip),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := loadSnapshot(s.path(escrowsFile), &s.escrows); err != nil {
		return nil, err
	}
	if err := loadSnapshot(s.path(quotesFile), &s.quotes); err != nil {
		return nil, err
	}
	if err := loadSnapshot(s.path(subscriptionsFile), &s.subscriptions); err != nil {
		return nil, err
	}
	if err := loadSnapshot(s.path(tipsFile), &s.tips); err != nil {
		return nil, err
	}
	if err := loadSnapshot(s.path(eventLogFile), &s.log); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func loadSnapshot(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// writeSnapshot writes pretty JSON to a temp file in the same directory and
// renames it over the target.
func writeSnapshot(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
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
	s.escrows[e.ID] = e
	if err := writeSnapshot(s.path(escrowsFile), s.escrows); err != nil {
		delete(s.escrows, e.ID)
		return escrow.Escrow{}, err
	}
	return e, nil
}

func (s *Store) UpdateEscrow(_ context.Context, e escrow.Escrow) (escrow.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, ok := s.escrows[e.ID]
	if !ok {
		return escrow.Escrow{}, apperr.NotFound("escrow", e.ID)
	}
	e.UpdatedAt = time.Now().UTC()
	s.escrows[e.ID] = e
	if err := writeSnapshot(s.path(escrowsFile), s.escrows); err != nil {
		s.escrows[e.ID] = prior
		return escrow.Escrow{}, err
	}
	return e, nil
}

func (s *Store) GetEscrow(_ context.Context, id string) (escrow.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.escrows[id]
	if !ok {
		return escrow.Escrow{}, apperr.NotFound("escrow", id)
	}
	return e, nil
}

func (s *Store) ListEscrows(_ context.Context) ([]escrow.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]escrow.Escrow, 0, len(s.escrows))
	for _, e := range s.escrows {
		result = append(result, e)
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
	s.quotes[q.ID] = q
	if err := writeSnapshot(s.path(quotesFile), s.quotes); err != nil {
		delete(s.quotes, q.ID)
		return quote.Quote{}, err
	}
	return q, nil
}

func (s *Store) UpdateQuote(_ context.Context, q quote.Quote) (quote.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, ok := s.quotes[q.ID]
	if !ok {
		return quote.Quote{}, apperr.NotFound("quote", q.ID)
	}
	q.UpdatedAt = time.Now().UTC()
	s.quotes[q.ID] = q
	if err := writeSnapshot(s.path(quotesFile), s.quotes); err != nil {
		s.quotes[q.ID] = prior
		return quote.Quote{}, err
	}
	return q, nil
}

func (s *Store) GetQuote(_ context.Context, id string) (quote.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[id]
	if !ok {
		return quote.Quote{}, apperr.NotFound("quote", id)
	}
	return q, nil
}

func (s *Store) ListQuotes(_ context.Context) ([]quote.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]quote.Quote, 0, len(s.quotes))
	for _, q := range s.quotes {
		result = append(result, q)
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
	s.subscriptions[sub.ID] = sub
	if err := writeSnapshot(s.path(subscriptionsFile), s.subscriptions); err != nil {
		delete(s.subscriptions, sub.ID)
		return webhook.Subscription{}, err
	}
	return sub, nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub webhook.Subscription) (webhook.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, ok := s.subscriptions[sub.ID]
	if !ok {
		return webhook.Subscription{}, apperr.NotFound("subscription", sub.ID)
	}
	sub.UpdatedAt = time.Now().UTC()
	s.subscriptions[sub.ID] = sub
	if err := writeSnapshot(s.path(subscriptionsFile), s.subscriptions); err != nil {
		s.subscriptions[sub.ID] = prior
		return webhook.Subscription{}, err
	}
	return sub, nil
}

func (s *Store) GetSubscription(_ context.Context, id string) (webhook.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return webhook.Subscription{}, apperr.NotFound("subscription", id)
	}
	return sub, nil
}

func (s *Store) ListSubscriptions(_ context.Context) ([]webhook.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]webhook.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		result = append(result, sub)
	}
	return result, nil
}

func (s *Store) DeleteSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, ok := s.subscriptions[id]
	if !ok {
		return apperr.NotFound("subscription", id)
	}
	delete(s.subscriptions, id)
	if err := writeSnapshot(s.path(subscriptionsFile), s.subscriptions); err != nil {
		s.subscriptions[id] = prior
		return err
	}
	return nil
}

// DeliveryQueue implementation ------------------------------------------------

func (s *Store) CheckpointQueue(_ context.Context, queue []webhook.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if queue == nil {
		queue = []webhook.Delivery{}
	}
	return writeSnapshot(s.path(queueFile), queue)
}

func (s *Store) LoadQueue(_ context.Context) ([]webhook.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var queue []webhook.Delivery
	if err := loadSnapshot(s.path(queueFile), &queue); err != nil {
		return nil, err
	}
	// The pretty-printed snapshot re-indents each payload; compacting restores
	// the canonical bytes produced at emit.
	for i := range queue {
		if len(queue[i].Payload) == 0 {
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, queue[i].Payload); err != nil {
			return nil, fmt.Errorf("compact queued payload: %w", err)
		}
		queue[i].Payload = buf.Bytes()
	}
	return queue, nil
}

// EventLog implementation -----------------------------------------------------

func (s *Store) AppendLog(_ context.Context, entry webhook.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log = append(s.log, entry)
	if over := len(s.log) - s.maxLogEntries; over > 0 {
		s.log = append([]webhook.LogEntry(nil), s.log[over:]...)
	}
	return writeSnapshot(s.path(eventLogFile), s.log)
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
	s.tips[t.ID] = t
	if err := writeSnapshot(s.path(tipsFile), s.tips); err != nil {
		delete(s.tips, t.ID)
		return tip.Tip{}, err
	}
	return t, nil
}

func (s *Store) UpdateTip(_ context.Context, t tip.Tip) (tip.Tip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, ok := s.tips[t.ID]
	if !ok {
		return tip.Tip{}, apperr.NotFound("tip", t.ID)
	}
	t.UpdatedAt = time.Now().UTC()
	s.tips[t.ID] = t
	if err := writeSnapshot(s.path(tipsFile), s.tips); err != nil {
		s.tips[t.ID] = prior
		return tip.Tip{}, err
	}
	return t, nil
}

func (s *Store) GetTip(_ context.Context, id string) (tip.Tip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tips[id]
	if !ok {
		return tip.Tip{}, apperr.NotFound("tip", id)
	}
	return t, nil
}

func (s *Store) ListTips(_ context.Context) ([]tip.Tip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]tip.Tip, 0, len(s.tips))
	for _, t := range s.tips {
		result = append(result, t)
	}
	return result, nil
}
