package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AgentPay-Network/payment_layer/internal/app/apperr"
	"github.com/AgentPay-Network/payment_layer/internal/app/metrics"
	domain "github.com/AgentPay-Network/payment_layer/internal/app/domain/webhook"
	"github.com/AgentPay-Network/payment_layer/internal/app/storage"
	"github.com/AgentPay-Network/payment_layer/pkg/logger"
)

// Options configure the delivery and retry behaviour. Zero values take the
// documented defaults.
type Options struct {
	MaxRetries              int
	InitialDelay            time.Duration
	MaxDelay                time.Duration
	BackoffMultiplier       float64
	RequestTimeout          time.Duration
	MaxLogEntries           int
	QueueCheckpointInterval time.Duration
	DeliveryFanOut          int
	WorkerTick              time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = time.Hour
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = 2
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.MaxLogEntries <= 0 {
		o.MaxLogEntries = 10000
	}
	if o.QueueCheckpointInterval <= 0 {
		o.QueueCheckpointInterval = 5 * time.Second
	}
	if o.DeliveryFanOut <= 0 {
		o.DeliveryFanOut = 5
	}
	if o.WorkerTick <= 0 {
		o.WorkerTick = time.Second
	}
	return o
}

// Service owns the subscription registry, the durable delivery queue and the
// event log. Delivery itself runs on the Worker in dispatcher.go.
type Service struct {
	subs     storage.SubscriptionStore
	queue    storage.DeliveryQueue
	eventLog storage.EventLog
	opts     Options
	log      *logger.Logger
	notifier *Notifier

	queueMu sync.Mutex
	pending []domain.Delivery
}

// New constructs the webhook service and rehydrates the delivery queue from
// the durable snapshot so in-flight deliveries survive restarts.
func New(subs storage.SubscriptionStore, queue storage.DeliveryQueue, eventLog storage.EventLog, opts Options, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.NewDefault("webhook")
	}
	s := &Service{
		subs:     subs,
		queue:    queue,
		eventLog: eventLog,
		opts:     opts.withDefaults(),
		log:      log,
		notifier: NewNotifier(),
	}

	rehydrated, err := queue.LoadQueue(context.Background())
	if err != nil {
		return nil, fmt.Errorf("rehydrate delivery queue: %w", err)
	}
	s.pending = rehydrated
	if len(rehydrated) > 0 {
		s.log.WithField("deliveries", len(rehydrated)).Info("delivery queue rehydrated")
	}
	metrics.SetWebhookQueueDepth(len(rehydrated))

	return s, nil
}

// Notifier exposes the in-process signal hub for observers.
func (s *Service) Notifier() *Notifier { return s.notifier }

// Options returns the effective delivery options.
func (s *Service) Options() Options { return s.opts }

// Registration is the one-time response to Register; it is the only surface
// that ever carries the secret out of the engine.
type Registration struct {
	ID         string             `json:"id"`
	URL        string             `json:"url"`
	EventTypes []domain.EventType `json:"event_types"`
	Secret     string             `json:"secret"`
}

// RegisterOptions carry optional subscription settings.
type RegisterOptions struct {
	Headers map[string]string
}

// Register creates a subscription. The event filter is intersected with the
// recognized set; an empty result is rejected.
func (s *Service) Register(ctx context.Context, rawURL string, eventTypes []domain.EventType, opts RegisterOptions) (Registration, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return Registration{}, apperr.InvalidInput("invalid webhook url %q", rawURL)
	}

	filtered := filterRecognized(eventTypes)
	if len(filtered) == 0 {
		return Registration{}, apperr.NoValidEventTypes()
	}

	secret, err := newSecret()
	if err != nil {
		return Registration{}, err
	}

	sub := domain.Subscription{
		ID:         uuid.NewString(),
		URL:        parsed.String(),
		EventTypes: filtered,
		Secret:     secret,
		Enabled:    true,
		Headers:    opts.Headers,
		CreatedAt:  time.Now().UTC(),
	}
	created, err := s.subs.CreateSubscription(ctx, sub)
	if err != nil {
		return Registration{}, err
	}
	s.log.WithField("subscription_id", created.ID).
		WithField("events", len(filtered)).
		Info("webhook subscription registered")

	return Registration{ID: created.ID, URL: created.URL, EventTypes: created.EventTypes, Secret: secret}, nil
}

// UpdateRequest carries the mutable subscription fields. Nil fields are left
// unchanged.
type UpdateRequest struct {
	URL        *string
	EventTypes []domain.EventType
	Enabled    *bool
	Headers    map[string]string
}

// Update modifies a subscription. A new event filter is intersected with the
// recognized set.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (domain.Subscription, error) {
	sub, err := s.subs.GetSubscription(ctx, id)
	if err != nil {
		return domain.Subscription{}, err
	}

	if req.URL != nil {
		parsed, err := url.Parse(strings.TrimSpace(*req.URL))
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return domain.Subscription{}, apperr.InvalidInput("invalid webhook url %q", *req.URL)
		}
		sub.URL = parsed.String()
	}
	if req.EventTypes != nil {
		filtered := filterRecognized(req.EventTypes)
		if len(filtered) == 0 {
			return domain.Subscription{}, apperr.NoValidEventTypes()
		}
		sub.EventTypes = filtered
	}
	if req.Enabled != nil {
		sub.Enabled = *req.Enabled
	}
	if req.Headers != nil {
		sub.Headers = req.Headers
	}

	updated, err := s.subs.UpdateSubscription(ctx, sub)
	if err != nil {
		return domain.Subscription{}, err
	}
	return redact(updated), nil
}

// Unregister removes a subscription.
func (s *Service) Unregister(ctx context.Context, id string) error {
	if err := s.subs.DeleteSubscription(ctx, id); err != nil {
		return err
	}
	s.log.WithField("subscription_id", id).Info("webhook subscription removed")
	return nil
}

// Get returns a subscription with the secret redacted.
func (s *Service) Get(ctx context.Context, id string) (domain.Subscription, error) {
	sub, err := s.subs.GetSubscription(ctx, id)
	if err != nil {
		return domain.Subscription{}, err
	}
	return redact(sub), nil
}

// List returns all subscriptions with secrets redacted.
func (s *Service) List(ctx context.Context) ([]domain.Subscription, error) {
	subs, err := s.subs.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range subs {
		subs[i] = redact(subs[i])
	}
	return subs, nil
}

// Emit validates the event type, snapshots the matching enabled
// subscriptions, enqueues one delivery per match with an immediate queue
// checkpoint, and logs the event. Delivery is asynchronous.
//
// Emit must not be invoked while holding another engine's write lock; callers
// emit from a snapshot captured after their own mutation commits.
func (s *Service) Emit(ctx context.Context, eventType domain.EventType, data, eventCtx map[string]any) (domain.Event, error) {
	if !eventType.Recognized() {
		return domain.Event{}, apperr.InvalidEventType(string(eventType))
	}

	event := domain.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
		Context:   eventCtx,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return domain.Event{}, fmt.Errorf("encode event: %w", err)
	}

	subs, err := s.subs.ListSubscriptions(ctx)
	if err != nil {
		return domain.Event{}, err
	}

	now := time.Now().UTC()
	var deliveries []domain.Delivery
	for i := range subs {
		if !subs[i].Enabled || !subs[i].Accepts(eventType) {
			continue
		}
		deliveries = append(deliveries, domain.Delivery{
			SubscriptionID: subs[i].ID,
			EventID:        event.ID,
			EventType:      event.Type,
			Timestamp:      event.Timestamp,
			Payload:        payload,
			Attempt:        1,
			Status:         domain.DeliveryPending,
			EnqueuedAt:     now,
		})
	}

	if len(deliveries) > 0 {
		if err := s.enqueue(ctx, deliveries...); err != nil {
			return domain.Event{}, err
		}
	}

	if err := s.eventLog.AppendLog(ctx, domain.LogEntry{
		Type:      event.Type,
		EventID:   event.ID,
		Timestamp: now,
	}); err != nil {
		s.log.WithError(err).Warn("append event log failed")
	}

	return event, nil
}

// ListLog returns the most recent event-log entries.
func (s *Service) ListLog(ctx context.Context, limit int) ([]domain.LogEntry, error) {
	return s.eventLog.ListLog(ctx, limit)
}

// VerifySignature recomputes the HMAC over the canonical event bytes with the
// subscription's stored secret and compares in constant time.
func (s *Service) VerifySignature(ctx context.Context, subscriptionID string, payload []byte, candidate string) (bool, error) {
	sub, err := s.subs.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return false, err
	}
	return verifySignature(sub.Secret, payload, candidate), nil
}

// enqueue appends deliveries to the live queue and checkpoints immediately.
func (s *Service) enqueue(ctx context.Context, deliveries ...domain.Delivery) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	s.pending = append(s.pending, deliveries...)
	metrics.SetWebhookQueueDepth(len(s.pending))
	return s.queue.CheckpointQueue(ctx, s.pending)
}

// takeDue removes and returns the deliveries eligible at now, leaving the
// rest queued.
func (s *Service) takeDue(now time.Time) []domain.Delivery {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	var due, rest []domain.Delivery
	for _, d := range s.pending {
		if d.Due(now) {
			due = append(due, d)
		} else {
			rest = append(rest, d)
		}
	}
	s.pending = rest
	metrics.SetWebhookQueueDepth(len(rest))
	return due
}

// checkpoint persists the current live queue.
func (s *Service) checkpoint(ctx context.Context) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.queue.CheckpointQueue(ctx, s.pending)
}

// QueueDepth reports the number of queued deliveries.
func (s *Service) QueueDepth() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.pending)
}

// buildTestEvent produces the synthetic event used by TestWebhook. The
// reserved "test" type never passes Emit's closed-set check.
func (s *Service) buildTestEvent(subscriptionID string) (domain.Event, []byte, error) {
	event := domain.Event{
		ID:        uuid.NewString(),
		Type:      domain.TypeTest,
		Timestamp: time.Now().UnixMilli(),
		Data: map[string]any{
			"subscription_id": subscriptionID,
			"message":         "test delivery",
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return domain.Event{}, nil, fmt.Errorf("encode test event: %w", err)
	}
	return event, payload, nil
}

func filterRecognized(eventTypes []domain.EventType) []domain.EventType {
	var filtered []domain.EventType
	seen := make(map[domain.EventType]bool)
	for _, et := range eventTypes {
		if et.Recognized() && !seen[et] {
			filtered = append(filtered, et)
			seen[et] = true
		}
	}
	return filtered
}

func redact(sub domain.Subscription) domain.Subscription {
	sub.Secret = ""
	return sub
}
