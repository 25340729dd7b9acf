package webhook

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AgentPay-Network/payment_layer/internal/app/metrics"
	domain "github.com/AgentPay-Network/payment_layer/internal/app/domain/webhook"
	"github.com/AgentPay-Network/payment_layer/internal/app/system"
	"github.com/AgentPay-Network/payment_layer/pkg/logger"
)

var _ system.Service = (*Worker)(nil)

// Worker drains the delivery queue on a fixed tick, POSTing due deliveries
// with a bounded fan-out and re-enqueueing transient failures with
// exponential backoff. A second ticker checkpoints the queue periodically to
// bound loss in pathological scenarios.
type Worker struct {
	svc     *Service
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewWorker creates the delivery worker for the given service.
func NewWorker(svc *Service, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.NewDefault("webhook-dispatcher")
	}
	return &Worker{
		svc:     svc,
		client:  &http.Client{Timeout: svc.opts.RequestTimeout},
		limiter: rate.NewLimiter(rate.Inf, 0),
		log:     log,
	}
}

// WithRateLimit caps outbound deliveries at n POSTs per second.
func (w *Worker) WithRateLimit(n float64) *Worker {
	if n > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(n), int(math.Ceil(n)))
	}
	return w
}

// WithClient overrides the HTTP client, mainly for tests.
func (w *Worker) WithClient(client *http.Client) *Worker {
	if client != nil {
		w.client = client
	}
	return w
}

func (w *Worker) Name() string { return "webhook-dispatcher" }

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.svc.opts.WorkerTick)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				w.processBatch(runCtx)
			}
		}
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.svc.opts.QueueCheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := w.svc.checkpoint(runCtx); err != nil {
					w.log.WithError(err).Warn("periodic queue checkpoint failed")
				}
			}
		}
	}()

	w.log.Info("webhook delivery worker started")
	return nil
}

// Stop halts both tickers, waits for the in-flight batch, performs a final
// checkpoint and releases signal subscribers.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := w.svc.checkpoint(context.WithoutCancel(ctx)); err != nil {
		w.log.WithError(err).Warn("final queue checkpoint failed")
	}
	w.svc.notifier.Close()

	w.log.Info("webhook delivery worker stopped")
	return nil
}

// processBatch delivers every due entry concurrently, bounded by the
// configured fan-out, then checkpoints the remaining queue.
func (w *Worker) processBatch(ctx context.Context) {
	due := w.svc.takeDue(time.Now().UTC())
	if len(due) > 0 {
		sem := make(chan struct{}, w.svc.opts.DeliveryFanOut)
		var batch sync.WaitGroup
		for _, d := range due {
			batch.Add(1)
			sem <- struct{}{}
			go func(d domain.Delivery) {
				defer batch.Done()
				defer func() { <-sem }()
				w.deliver(ctx, d)
			}(d)
		}
		batch.Wait()
	}

	if err := w.svc.checkpoint(ctx); err != nil {
		w.log.WithError(err).Warn("queue checkpoint failed")
	}
	w.svc.notifier.Publish(Signal{Kind: SignalQueueProcessed})
}

// deliver performs one POST attempt and applies the retry policy.
func (w *Worker) deliver(ctx context.Context, d domain.Delivery) {
	sub, err := w.svc.subs.GetSubscription(ctx, d.SubscriptionID)
	if err != nil {
		w.log.WithField("subscription_id", d.SubscriptionID).
			WithField("event_id", d.EventID).
			Warn("dropping delivery for missing subscription")
		return
	}
	if !sub.Enabled {
		return
	}

	start := time.Now()
	err = w.post(ctx, sub, d)
	elapsed := time.Since(start)

	if err == nil {
		now := time.Now().UTC()
		sub.Successes++
		sub.LastTriggered = &now
		if _, uerr := w.svc.subs.UpdateSubscription(ctx, sub); uerr != nil {
			w.log.WithError(uerr).Warn("update subscription counters failed")
		}
		metrics.RecordWebhookDelivery("success", elapsed)
		w.svc.notifier.Publish(Signal{Kind: SignalDelivered, SubscriptionID: sub.ID, EventID: d.EventID})
		return
	}

	sub.Failures++
	if d.Attempt < w.svc.opts.MaxRetries {
		delay := w.backoff(d.Attempt)
		next := time.Now().UTC().Add(delay)
		retry := d
		retry.Attempt = d.Attempt + 1
		retry.NextAttemptAt = &next

		sub.Retries++
		if _, uerr := w.svc.subs.UpdateSubscription(ctx, sub); uerr != nil {
			w.log.WithError(uerr).Warn("update subscription counters failed")
		}
		if qerr := w.svc.enqueue(ctx, retry); qerr != nil {
			w.log.WithError(qerr).Warn("re-enqueue delivery failed")
		}
		metrics.RecordWebhookDelivery("retry", elapsed)
		w.log.WithError(err).
			WithField("subscription_id", sub.ID).
			WithField("event_id", d.EventID).
			WithField("attempt", d.Attempt).
			WithField("retry_in", delay).
			Warn("webhook delivery failed, retry scheduled")
		return
	}

	if _, uerr := w.svc.subs.UpdateSubscription(ctx, sub); uerr != nil {
		w.log.WithError(uerr).Warn("update subscription counters failed")
	}
	metrics.RecordWebhookDelivery("failure", elapsed)
	w.svc.notifier.Publish(Signal{Kind: SignalDeliveryFailed, SubscriptionID: sub.ID, EventID: d.EventID})
	w.log.WithError(err).
		WithField("subscription_id", sub.ID).
		WithField("event_id", d.EventID).
		WithField("attempt", d.Attempt).
		Warn("webhook delivery failed permanently")
}

// post issues one signed POST. Any non-2xx status is an error.
func (w *Worker) post(ctx context.Context, sub domain.Subscription, d domain.Delivery) error {
	reqCtx, cancel := context.WithTimeout(ctx, w.svc.opts.RequestTimeout)
	defer cancel()

	if err := w.limiter.Wait(reqCtx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", sub.ID)
	req.Header.Set("X-Event-ID", d.EventID)
	req.Header.Set("X-Event-Type", string(d.EventType))
	req.Header.Set("X-Timestamp", strconv.FormatInt(d.Timestamp, 10))
	req.Header.Set("X-Signature", sign(sub.Secret, d.Payload))
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// backoff computes the retry delay after the given failed attempt.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := float64(w.svc.opts.InitialDelay) * math.Pow(w.svc.opts.BackoffMultiplier, float64(attempt-1))
	if max := float64(w.svc.opts.MaxDelay); delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// TestResult reports the outcome of a synchronous test delivery.
type TestResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms"`
}

// TestWebhook delivers a synthetic event of the reserved "test" type to the
// subscription, bypassing the queue. The event is delivered exactly once and
// the result reported inline; counters are left untouched.
func (w *Worker) TestWebhook(ctx context.Context, subscriptionID string) (TestResult, error) {
	sub, err := w.svc.subs.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return TestResult{}, err
	}

	event, payload, err := w.svc.buildTestEvent(sub.ID)
	if err != nil {
		return TestResult{}, err
	}

	d := domain.Delivery{
		SubscriptionID: sub.ID,
		EventID:        event.ID,
		EventType:      event.Type,
		Timestamp:      event.Timestamp,
		Payload:        payload,
		Attempt:        1,
	}

	start := time.Now()
	postErr := w.post(ctx, sub, d)
	result := TestResult{Success: postErr == nil, ElapsedMs: time.Since(start).Milliseconds()}
	if postErr != nil {
		result.Error = postErr.Error()
	}
	return result, nil
}
