package escrow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/AgentPay-Network/payment_layer/internal/app/apperr"
	domain "github.com/AgentPay-Network/payment_layer/internal/app/domain/escrow"
	webhookdomain "github.com/AgentPay-Network/payment_layer/internal/app/domain/webhook"
	"github.com/AgentPay-Network/payment_layer/internal/app/metrics"
	"github.com/AgentPay-Network/payment_layer/internal/app/storage"
	"github.com/AgentPay-Network/payment_layer/pkg/logger"
)

// EventPublisher receives domain events after a transition commits. The
// webhook service implements it; tests may supply a recorder.
type EventPublisher interface {
	Emit(ctx context.Context, eventType webhookdomain.EventType, data, eventCtx map[string]any) (webhookdomain.Event, error)
}

// Service owns the escrow state machine. All mutations are serialized behind
// a single write mutex; events are published after the snapshot commits and
// after the lock is released.
type Service struct {
	store     storage.EscrowStore
	publisher EventPublisher
	log       *logger.Logger

	writeMu sync.Mutex
}

// New constructs the escrow engine. The publisher may be nil, in which case
// transitions are not announced.
func New(store storage.EscrowStore, publisher EventPublisher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("escrow")
	}
	return &Service{store: store, publisher: publisher, log: log}
}

// pendingEvent is a transition event captured inside the critical section and
// emitted after it.
type pendingEvent struct {
	eventType webhookdomain.EventType
	data      map[string]any
}

// CreateRequest carries the inputs to Create.
type CreateRequest struct {
	Payer          string
	Payee          string
	Amount         float64
	Purpose        string
	Token          domain.Token
	Conditions     domain.Conditions
	TimeoutMinutes int
}

// Create opens a new escrow in the pending state.
func (s *Service) Create(ctx context.Context, req CreateRequest) (domain.Escrow, error) {
	if req.Amount <= 0 {
		return domain.Escrow{}, apperr.InvalidInput("amount must be positive")
	}
	if strings.TrimSpace(req.Payer) == "" || strings.TrimSpace(req.Payee) == "" {
		return domain.Escrow{}, apperr.InvalidInput("payer and payee are required")
	}
	if !req.Token.Supported() {
		return domain.Escrow{}, apperr.InvalidInput("unsupported token %q", req.Token)
	}

	conditions := req.Conditions
	// Stable-token transfers always require both-party approval.
	conditions.RequiresApproval = conditions.RequiresApproval || req.Token == domain.TokenERC20Stable

	now := time.Now().UTC()
	e := domain.Escrow{
		Payer:      req.Payer,
		Payee:      req.Payee,
		Amount:     req.Amount,
		Token:      req.Token,
		AdapterTag: req.Token.AdapterTag(),
		Purpose:    req.Purpose,
		Conditions: conditions,
		State:      domain.StatePending,
		Timeline:   domain.Timeline{CreatedAt: now},
	}
	if req.TimeoutMinutes > 0 {
		timeout := now.Add(time.Duration(req.TimeoutMinutes) * time.Minute)
		e.TimeoutAt = &timeout
	}

	s.writeMu.Lock()
	created, err := s.store.CreateEscrow(ctx, e)
	s.writeMu.Unlock()
	if err != nil {
		return domain.Escrow{}, err
	}

	metrics.RecordEscrowTransition(string(domain.StatePending))
	s.log.WithField("escrow_id", created.ID).
		WithField("payer", created.Payer).
		WithField("payee", created.Payee).
		Info("escrow created")
	s.publish(ctx, created, pendingEvent{eventType: webhookdomain.TypeEscrowCreated, data: eventData(created)})
	return created, nil
}

// Fund records the external funding transaction and advances pending →
// funded. When approval is not required the escrow locks in the same atomic
// step.
func (s *Service) Fund(ctx context.Context, id, externalHash string) (domain.Escrow, error) {
	s.writeMu.Lock()
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		s.writeMu.Unlock()
		return domain.Escrow{}, err
	}
	if e.State != domain.StatePending {
		s.writeMu.Unlock()
		return domain.Escrow{}, apperr.Precondition(string(e.State), "escrow %s cannot be funded", id)
	}

	now := time.Now().UTC()
	e.State = domain.StateFunded
	e.SettlementHash = externalHash
	e.Timeline.FundedAt = &now

	events := []pendingEvent{{eventType: webhookdomain.TypeEscrowFunded, data: eventData(e)}}
	if !e.Conditions.RequiresApproval {
		locked := now
		e.State = domain.StateLocked
		e.Timeline.LockedAt = &locked
		events = append(events, pendingEvent{eventType: webhookdomain.TypeEscrowLocked, data: eventData(e)})
	}

	updated, err := s.store.UpdateEscrow(ctx, e)
	s.writeMu.Unlock()
	if err != nil {
		return domain.Escrow{}, err
	}

	metrics.RecordEscrowTransition(string(updated.State))
	s.publish(ctx, updated, events...)
	return updated, nil
}

// Approve appends the approver; once both payer and payee have approved the
// escrow locks.
func (s *Service) Approve(ctx context.Context, id, approverID string) (domain.Escrow, error) {
	s.writeMu.Lock()
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		s.writeMu.Unlock()
		return domain.Escrow{}, err
	}
	if e.State != domain.StateFunded {
		s.writeMu.Unlock()
		return domain.Escrow{}, apperr.Precondition(string(e.State), "escrow %s cannot be approved", id)
	}
	if e.Approved(approverID) {
		s.writeMu.Unlock()
		return domain.Escrow{}, apperr.Precondition(string(e.State), "approver %s already recorded", approverID)
	}

	e.Approvals = append(e.Approvals, approverID)

	var events []pendingEvent
	if e.Approved(e.Payer) && e.Approved(e.Payee) {
		now := time.Now().UTC()
		e.State = domain.StateLocked
		e.Timeline.LockedAt = &now
		events = append(events, pendingEvent{eventType: webhookdomain.TypeEscrowLocked, data: eventData(e)})
	}

	updated, err := s.store.UpdateEscrow(ctx, e)
	s.writeMu.Unlock()
	if err != nil {
		return domain.Escrow{}, err
	}

	if updated.State == domain.StateLocked {
		metrics.RecordEscrowTransition(string(domain.StateLocked))
	}
	s.publish(ctx, updated, events...)
	return updated, nil
}

// SubmitDelivery records the delivery proof on a locked escrow. When the
// conditions call for delivery alone (no approval, no arbiter, no client
// confirmation) the
// escrow auto-releases after the proof write commits.
func (s *Service) SubmitDelivery(ctx context.Context, id string, proof domain.DeliveryProof) (domain.Escrow, error) {
	s.writeMu.Lock()
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		s.writeMu.Unlock()
		return domain.Escrow{}, err
	}
	if e.State != domain.StateLocked {
		s.writeMu.Unlock()
		return domain.Escrow{}, apperr.Precondition(string(e.State), "escrow %s cannot accept delivery", id)
	}

	if proof.SubmittedAt.IsZero() {
		proof.SubmittedAt = time.Now().UTC()
	}
	e.Proof = &proof

	// The proof snapshot commits before any auto-release decision.
	updated, err := s.store.UpdateEscrow(ctx, e)
	if err != nil {
		s.writeMu.Unlock()
		return domain.Escrow{}, err
	}

	// Auto-release applies only to delivery-gated escrows with no other
	// release condition; approval-gated escrows wait for an explicit release.
	autoRelease := e.Conditions.RequiresDelivery &&
		!e.Conditions.RequiresApproval &&
		!e.Conditions.RequiresArbiter &&
		!e.Conditions.RequiresClientConfirmation

	if !autoRelease {
		s.writeMu.Unlock()
		return updated, nil
	}

	released, events, err := s.releaseLocked(ctx, updated, "automatic - delivery confirmed")
	s.writeMu.Unlock()
	if err != nil {
		return domain.Escrow{}, err
	}
	metrics.RecordEscrowTransition(string(domain.StateReleased))
	s.publish(ctx, released, events...)
	return released, nil
}

// Release transitions locked → released. When delivery is required the proof
// must already be present.
func (s *Service) Release(ctx context.Context, id, reason string) (domain.Escrow, error) {
	s.writeMu.Lock()
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		s.writeMu.Unlock()
		return domain.Escrow{}, err
	}
	if e.State != domain.StateLocked {
		s.writeMu.Unlock()
		return domain.Escrow{}, apperr.Precondition(string(e.State), "escrow %s cannot be released", id)
	}

	released, events, err := s.releaseLocked(ctx, e, reason)
	s.writeMu.Unlock()
	if err != nil {
		return domain.Escrow{}, err
	}
	metrics.RecordEscrowTransition(string(domain.StateReleased))
	s.publish(ctx, released, events...)
	return released, nil
}

// releaseLocked performs the released transition. The caller holds writeMu
// and has verified state = locked.
func (s *Service) releaseLocked(ctx context.Context, e domain.Escrow, reason string) (domain.Escrow, []pendingEvent, error) {
	if e.Conditions.RequiresDelivery && e.Proof == nil {
		return domain.Escrow{}, nil, apperr.Precondition(string(e.State), "delivery required")
	}

	now := time.Now().UTC()
	e.State = domain.StateReleased
	e.ReleaseReason = reason
	e.Timeline.ReleasedAt = &now

	updated, err := s.store.UpdateEscrow(ctx, e)
	if err != nil {
		return domain.Escrow{}, nil, err
	}
	s.log.WithField("escrow_id", updated.ID).WithField("reason", reason).Info("escrow released")
	return updated, []pendingEvent{{eventType: webhookdomain.TypeEscrowReleased, data: eventData(updated)}}, nil
}

// Refund transitions funded, locked or disputed → refunded.
func (s *Service) Refund(ctx context.Context, id, reason string) (domain.Escrow, error) {
	s.writeMu.Lock()
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		s.writeMu.Unlock()
		return domain.Escrow{}, err
	}
	switch e.State {
	case domain.StateFunded, domain.StateLocked, domain.StateDisputed:
	default:
		s.writeMu.Unlock()
		return domain.Escrow{}, apperr.Precondition(string(e.State), "escrow %s cannot be refunded", id)
	}

	now := time.Now().UTC()
	e.State = domain.StateRefunded
	e.RefundReason = reason
	e.Timeline.RefundedAt = &now

	updated, err := s.store.UpdateEscrow(ctx, e)
	s.writeMu.Unlock()
	if err != nil {
		return domain.Escrow{}, err
	}

	metrics.RecordEscrowTransition(string(domain.StateRefunded))
	s.log.WithField("escrow_id", updated.ID).WithField("reason", reason).Info("escrow refunded")
	s.publish(ctx, updated, pendingEvent{eventType: webhookdomain.TypeEscrowRefunded, data: eventData(updated)})
	return updated, nil
}

// Dispute transitions locked → disputed.
func (s *Service) Dispute(ctx context.Context, id, disputerID, reason string) (domain.Escrow, error) {
	s.writeMu.Lock()
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		s.writeMu.Unlock()
		return domain.Escrow{}, err
	}
	if e.State != domain.StateLocked {
		s.writeMu.Unlock()
		return domain.Escrow{}, apperr.Precondition(string(e.State), "escrow %s cannot be disputed", id)
	}

	now := time.Now().UTC()
	e.State = domain.StateDisputed
	e.Dispute = &domain.Dispute{RaisedBy: disputerID, Reason: reason, RaisedAt: now}
	e.Timeline.DisputedAt = &now

	updated, err := s.store.UpdateEscrow(ctx, e)
	s.writeMu.Unlock()
	if err != nil {
		return domain.Escrow{}, err
	}

	metrics.RecordEscrowTransition(string(domain.StateDisputed))
	s.log.WithField("escrow_id", updated.ID).
		WithField("disputer", disputerID).
		Info("escrow disputed")
	s.publish(ctx, updated, pendingEvent{eventType: webhookdomain.TypeEscrowDisputed, data: eventData(updated)})
	return updated, nil
}

// Decision selects the arbiter's resolution.
type Decision string

const (
	DecisionRelease Decision = "release"
	DecisionRefund  Decision = "refund"
)

// ResolveDispute settles a disputed escrow per the arbiter's decision.
func (s *Service) ResolveDispute(ctx context.Context, id string, decision Decision, arbiterID string) (domain.Escrow, error) {
	if decision != DecisionRelease && decision != DecisionRefund {
		return domain.Escrow{}, apperr.InvalidInput("unknown decision %q", decision)
	}

	s.writeMu.Lock()
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		s.writeMu.Unlock()
		return domain.Escrow{}, err
	}
	if e.State != domain.StateDisputed {
		s.writeMu.Unlock()
		return domain.Escrow{}, apperr.Precondition(string(e.State), "escrow %s has no open dispute", id)
	}

	reason := "arbiter decision by " + arbiterID
	now := time.Now().UTC()
	e.ArbiterID = arbiterID

	var event pendingEvent
	if decision == DecisionRelease {
		e.State = domain.StateReleased
		e.ReleaseReason = reason
		e.Timeline.ReleasedAt = &now
		event = pendingEvent{eventType: webhookdomain.TypeEscrowReleased}
	} else {
		e.State = domain.StateRefunded
		e.RefundReason = reason
		e.Timeline.RefundedAt = &now
		event = pendingEvent{eventType: webhookdomain.TypeEscrowRefunded}
	}

	updated, err := s.store.UpdateEscrow(ctx, e)
	s.writeMu.Unlock()
	if err != nil {
		return domain.Escrow{}, err
	}

	metrics.RecordEscrowTransition(string(updated.State))
	event.data = eventData(updated)
	s.log.WithField("escrow_id", updated.ID).
		WithField("decision", string(decision)).
		WithField("arbiter", arbiterID).
		Info("dispute resolved")
	s.publish(ctx, updated, event)
	return updated, nil
}

// ProcessTimeouts refunds every escrow in funded or locked whose timeout has
// passed. Re-running it is harmless: already-refunded escrows no longer match
// the eligible states.
func (s *Service) ProcessTimeouts(ctx context.Context) ([]string, error) {
	escrows, err := s.store.ListEscrows(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var refunded []string
	for _, e := range escrows {
		if e.State != domain.StateFunded && e.State != domain.StateLocked {
			continue
		}
		if e.TimeoutAt == nil || e.TimeoutAt.After(now) {
			continue
		}
		if _, err := s.Refund(ctx, e.ID, "automatic timeout"); err != nil {
			// Lost the race against a concurrent transition; skip.
			if apperr.Is(err, apperr.KindPreconditionViolated) {
				continue
			}
			return refunded, err
		}
		refunded = append(refunded, e.ID)
	}
	return refunded, nil
}

// Get returns one escrow.
func (s *Service) Get(ctx context.Context, id string) (domain.Escrow, error) {
	return s.store.GetEscrow(ctx, id)
}

// List returns all escrows.
func (s *Service) List(ctx context.Context) ([]domain.Escrow, error) {
	return s.store.ListEscrows(ctx)
}

// publish emits the captured transition events. Failures are logged; the
// committed transition stands regardless.
func (s *Service) publish(ctx context.Context, e domain.Escrow, events ...pendingEvent) {
	if s.publisher == nil {
		return
	}
	for _, ev := range events {
		if _, err := s.publisher.Emit(ctx, ev.eventType, ev.data, map[string]any{"escrow_id": e.ID}); err != nil {
			s.log.WithError(err).
				WithField("escrow_id", e.ID).
				WithField("event", string(ev.eventType)).
				Warn("publish escrow event failed")
		}
	}
}

func eventData(e domain.Escrow) map[string]any {
	return map[string]any{
		"escrow_id": e.ID,
		"payer":     e.Payer,
		"payee":     e.Payee,
		"amount":    e.Amount,
		"token":     string(e.Token),
		"state":     string(e.State),
	}
}
