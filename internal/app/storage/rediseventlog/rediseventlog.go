package rediseventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/AgentPay-Network/payment_layer/internal/app/domain/webhook"
	"github.com/AgentPay-Network/payment_layer/internal/app/storage"
	"github.com/AgentPay-Network/payment_layer/pkg/logger"
)

const logKey = "payment_layer:event_log"

var _ storage.EventLog = (*Store)(nil)

// Config carries the Redis connection settings.
type Config struct {
	Addr          string
	Password      string
	DB            int
	MaxLogEntries int
}

// Store keeps the bounded event log in a Redis list. Entries are pushed to
// the head and the list trimmed to the configured bound, so reads return the
// most recent entries first-in order.
type Store struct {
	client        *redis.Client
	maxLogEntries int64
	log           *logger.Logger
}

// New creates the Redis-backed event log.
func New(cfg Config, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewDefault("redis-eventlog")
	}
	maxEntries := int64(cfg.MaxLogEntries)
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		maxLogEntries: maxEntries,
		log:           log,
	}
}

// AppendLog pushes the entry and trims the list to the bound.
func (s *Store) AppendLog(ctx context.Context, entry webhook.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, logKey, data)
	pipe.LTrim(ctx, logKey, 0, s.maxLogEntries-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	return nil
}

// ListLog returns up to limit entries, oldest first.
func (s *Store) ListLog(ctx context.Context, limit int) ([]webhook.LogEntry, error) {
	if limit <= 0 || int64(limit) > s.maxLogEntries {
		limit = int(s.maxLogEntries)
	}

	raw, err := s.client.LRange(ctx, logKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read log entries: %w", err)
	}

	entries := make([]webhook.LogEntry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var entry webhook.LogEntry
		if err := json.Unmarshal([]byte(raw[i]), &entry); err != nil {
			s.log.WithError(err).Warn("skip malformed log entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
