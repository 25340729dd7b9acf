package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/AgentPay-Network/payment_layer/internal/app/apperr"
	"github.com/AgentPay-Network/payment_layer/internal/app/domain/escrow"
	"github.com/AgentPay-Network/payment_layer/internal/app/domain/quote"
	"github.com/AgentPay-Network/payment_layer/internal/app/domain/tip"
	"github.com/AgentPay-Network/payment_layer/internal/app/domain/webhook"
	"github.com/AgentPay-Network/payment_layer/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. Entities are
// stored as JSONB documents keyed by id, keeping the snapshot schema
// identical to the file backend.
type Store struct {
	db            *sqlx.DB
	maxLogEntries int
}

var _ storage.EscrowStore = (*Store)(nil)
var _ storage.QuoteStore = (*Store)(nil)
var _ storage.SubscriptionStore = (*Store)(nil)
var _ storage.DeliveryQueue = (*Store)(nil)
var _ storage.EventLog = (*Store)(nil)
var _ storage.TipStore = (*Store)(nil)

// Open connects, pings and migrates the database.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, maxLogEntries: 10000}, nil
}

// New wraps an existing handle without migrating, mainly for tests.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, maxLogEntries: 10000}
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// generic JSONB document helpers ----------------------------------------------

func (s *Store) createDoc(ctx context.Context, table, entity, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", entity, err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, doc, updated_at)
		VALUES ($1, $2, $3)
	`, table), id, data, time.Now().UTC())
	return err
}

func (s *Store) updateDoc(ctx context.Context, table, entity, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", entity, err)
	}
	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET doc = $2, updated_at = $3 WHERE id = $1
	`, table), id, data, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.NotFound(entity, id)
	}
	return nil
}

func (s *Store) getDoc(ctx context.Context, table, entity, id string, target any) error {
	var data []byte
	err := s.db.GetContext(ctx, &data, fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, table), id)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(entity, id)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

func (s *Store) listDocs(ctx context.Context, table string) ([][]byte, error) {
	var docs [][]byte
	if err := s.db.SelectContext(ctx, &docs, fmt.Sprintf(`SELECT doc FROM %s ORDER BY updated_at`, table)); err != nil {
		return nil, err
	}
	return docs, nil
}

// EscrowStore implementation --------------------------------------------------

func (s *Store) CreateEscrow(ctx context.Context, e escrow.Escrow) (escrow.Escrow, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.UpdatedAt = time.Now().UTC()
	if err := s.createDoc(ctx, "escrows", "escrow", e.ID, e); err != nil {
		return escrow.Escrow{}, err
	}
	return e, nil
}

func (s *Store) UpdateEscrow(ctx context.Context, e escrow.Escrow) (escrow.Escrow, error) {
	e.UpdatedAt = time.Now().UTC()
	if err := s.updateDoc(ctx, "escrows", "escrow", e.ID, e); err != nil {
		return escrow.Escrow{}, err
	}
	return e, nil
}

func (s *Store) GetEscrow(ctx context.Context, id string) (escrow.Escrow, error) {
	var e escrow.Escrow
	if err := s.getDoc(ctx, "escrows", "escrow", id, &e); err != nil {
		return escrow.Escrow{}, err
	}
	return e, nil
}

func (s *Store) ListEscrows(ctx context.Context) ([]escrow.Escrow, error) {
	docs, err := s.listDocs(ctx, "escrows")
	if err != nil {
		return nil, err
	}
	result := make([]escrow.Escrow, 0, len(docs))
	for _, doc := range docs {
		var e escrow.Escrow
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}

// QuoteStore implementation ---------------------------------------------------

func (s *Store) CreateQuote(ctx context.Context, q quote.Quote) (quote.Quote, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	q.UpdatedAt = time.Now().UTC()
	if err := s.createDoc(ctx, "quotes", "quote", q.ID, q); err != nil {
		return quote.Quote{}, err
	}
	return q, nil
}

func (s *Store) UpdateQuote(ctx context.Context, q quote.Quote) (quote.Quote, error) {
	q.UpdatedAt = time.Now().UTC()
	if err := s.updateDoc(ctx, "quotes", "quote", q.ID, q); err != nil {
		return quote.Quote{}, err
	}
	return q, nil
}

func (s *Store) GetQuote(ctx context.Context, id string) (quote.Quote, error) {
	var q quote.Quote
	if err := s.getDoc(ctx, "quotes", "quote", id, &q); err != nil {
		return quote.Quote{}, err
	}
	return q, nil
}

func (s *Store) ListQuotes(ctx context.Context) ([]quote.Quote, error) {
	docs, err := s.listDocs(ctx, "quotes")
	if err != nil {
		return nil, err
	}
	result := make([]quote.Quote, 0, len(docs))
	for _, doc := range docs {
		var q quote.Quote
		if err := json.Unmarshal(doc, &q); err != nil {
			return nil, err
		}
		result = append(result, q)
	}
	return result, nil
}

// SubscriptionStore implementation --------------------------------------------

func (s *Store) CreateSubscription(ctx context.Context, sub webhook.Subscription) (webhook.Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.UpdatedAt = time.Now().UTC()
	if err := s.createDoc(ctx, "webhook_subscriptions", "subscription", sub.ID, sub); err != nil {
		return webhook.Subscription{}, err
	}
	return sub, nil
}

func (s *Store) UpdateSubscription(ctx context.Context, sub webhook.Subscription) (webhook.Subscription, error) {
	sub.UpdatedAt = time.Now().UTC()
	if err := s.updateDoc(ctx, "webhook_subscriptions", "subscription", sub.ID, sub); err != nil {
		return webhook.Subscription{}, err
	}
	return sub, nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (webhook.Subscription, error) {
	var sub webhook.Subscription
	if err := s.getDoc(ctx, "webhook_subscriptions", "subscription", id, &sub); err != nil {
		return webhook.Subscription{}, err
	}
	return sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]webhook.Subscription, error) {
	docs, err := s.listDocs(ctx, "webhook_subscriptions")
	if err != nil {
		return nil, err
	}
	result := make([]webhook.Subscription, 0, len(docs))
	for _, doc := range docs {
		var sub webhook.Subscription
		if err := json.Unmarshal(doc, &sub); err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, nil
}

func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.NotFound("subscription", id)
	}
	return nil
}

// DeliveryQueue implementation ------------------------------------------------

func (s *Store) CheckpointQueue(ctx context.Context, queue []webhook.Delivery) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM webhook_queue`); err != nil {
		return err
	}
	for i, d := range queue {
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode delivery: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO webhook_queue (position, doc) VALUES ($1, $2)
		`, i, data); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) LoadQueue(ctx context.Context) ([]webhook.Delivery, error) {
	var docs [][]byte
	if err := s.db.SelectContext(ctx, &docs, `SELECT doc FROM webhook_queue ORDER BY position`); err != nil {
		return nil, err
	}
	var queue []webhook.Delivery
	for _, doc := range docs {
		var d webhook.Delivery
		if err := json.Unmarshal(doc, &d); err != nil {
			return nil, err
		}
		queue = append(queue, d)
	}
	return queue, nil
}

// EventLog implementation -----------------------------------------------------

func (s *Store) AppendLog(ctx context.Context, entry webhook.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO event_log (doc) VALUES ($1)`, data); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM event_log
		WHERE id NOT IN (SELECT id FROM event_log ORDER BY id DESC LIMIT $1)
	`, s.maxLogEntries)
	return err
}

func (s *Store) ListLog(ctx context.Context, limit int) ([]webhook.LogEntry, error) {
	if limit <= 0 {
		limit = s.maxLogEntries
	}
	var docs [][]byte
	if err := s.db.SelectContext(ctx, &docs, `
		SELECT doc FROM (
			SELECT id, doc FROM event_log ORDER BY id DESC LIMIT $1
		) recent ORDER BY id
	`, limit); err != nil {
		return nil, err
	}
	entries := make([]webhook.LogEntry, 0, len(docs))
	for _, doc := range docs {
		var entry webhook.LogEntry
		if err := json.Unmarshal(doc, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// TipStore implementation -----------------------------------------------------

func (s *Store) CreateTip(ctx context.Context, t tip.Tip) (tip.Tip, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.UpdatedAt = time.Now().UTC()
	if err := s.createDoc(ctx, "tips", "tip", t.ID, t); err != nil {
		return tip.Tip{}, err
	}
	return t, nil
}

func (s *Store) UpdateTip(ctx context.Context, t tip.Tip) (tip.Tip, error) {
	t.UpdatedAt = time.Now().UTC()
	if err := s.updateDoc(ctx, "tips", "tip", t.ID, t); err != nil {
		return tip.Tip{}, err
	}
	return t, nil
}

func (s *Store) GetTip(ctx context.Context, id string) (tip.Tip, error) {
	var t tip.Tip
	if err := s.getDoc(ctx, "tips", "tip", id, &t); err != nil {
		return tip.Tip{}, err
	}
	return t, nil
}

func (s *Store) ListTips(ctx context.Context) ([]tip.Tip, error) {
	docs, err := s.listDocs(ctx, "tips")
	if err != nil {
		return nil, err
	}
	result := make([]tip.Tip, 0, len(docs))
	for _, doc := range docs {
		var t tip.Tip
		if err := json.Unmarshal(doc, &t); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, nil
}
