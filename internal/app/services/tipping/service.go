package tipping

import (
	"context"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/AgentPay-Network/payment_layer/internal/app/apperr"
	escrowdomain "github.com/AgentPay-Network/payment_layer/internal/app/domain/escrow"
	domain "github.com/AgentPay-Network/payment_layer/internal/app/domain/tip"
	webhookdomain "github.com/AgentPay-Network/payment_layer/internal/app/domain/webhook"
	"github.com/AgentPay-Network/payment_layer/internal/app/metrics"
	"github.com/AgentPay-Network/payment_layer/internal/app/storage"
	"github.com/AgentPay-Network/payment_layer/pkg/logger"
)

const maxSegmentLength = 39

var (
	segmentPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)
	addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
)

// EventPublisher receives tip events after a transition commits.
type EventPublisher interface {
	Emit(ctx context.Context, eventType webhookdomain.EventType, data, eventCtx map[string]any) (webhookdomain.Event, error)
}

// EscrowFactory constructs the escrow carrying a tip and returns its id. The
// tipping engine never mutates the escrow directly.
type EscrowFactory func(ctx context.Context, t domain.Tip) (string, error)

// Service owns tip records and drives each through the escrow-backed state
// chain.
type Service struct {
	store     storage.TipStore
	publisher EventPublisher
	executor  PaymentExecutor
	log       *logger.Logger

	writeMu sync.Mutex
}

// New constructs the tipping engine. Publisher and executor may be nil.
func New(store storage.TipStore, publisher EventPublisher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("tipping")
	}
	return &Service{store: store, publisher: publisher, log: log}
}

// WithExecutor attaches the optional on-chain payment executor.
func (s *Service) WithExecutor(executor PaymentExecutor) *Service {
	s.executor = executor
	return s
}

// CreateTipRequest carries the inputs to CreateTip.
type CreateTipRequest struct {
	Repo      string
	Tipper    string
	Recipient string
	Amount    float64
	Token     string
	Message   string
	IssueURL  string
	CommitRef string
}

// CreateTip validates and records a new tip in the pending state.
func (s *Service) CreateTip(ctx context.Context, req CreateTipRequest) (domain.Tip, error) {
	repo, err := validateRepoRef(req.Repo)
	if err != nil {
		return domain.Tip{}, err
	}
	recipient, err := validateRecipient(req.Recipient)
	if err != nil {
		return domain.Tip{}, err
	}
	if strings.TrimSpace(req.Tipper) == "" {
		return domain.Tip{}, apperr.InvalidInput("tipper is required")
	}
	if req.Amount <= 0 || math.IsInf(req.Amount, 0) || math.IsNaN(req.Amount) {
		return domain.Tip{}, apperr.InvalidInput("amount must be positive and finite")
	}
	if !escrowdomain.Token(req.Token).Supported() {
		return domain.Tip{}, apperr.InvalidInput("unsupported token %q", req.Token)
	}

	t := domain.Tip{
		Repo:      repo,
		Tipper:    req.Tipper,
		Recipient: recipient,
		Amount:    req.Amount,
		Token:     req.Token,
		Message:   req.Message,
		IssueURL:  req.IssueURL,
		CommitRef: req.CommitRef,
		State:     domain.StatePending,
		Timeline:  domain.Timeline{CreatedAt: time.Now().UTC()},
	}

	s.writeMu.Lock()
	created, err := s.store.CreateTip(ctx, t)
	s.writeMu.Unlock()
	if err != nil {
		return domain.Tip{}, err
	}

	metrics.RecordTipCreated(created.Token)
	s.log.WithField("tip_id", created.ID).
		WithField("repo", string(created.Repo)).
		WithField("amount", created.Amount).
		Info("tip created")
	s.emit(ctx, webhookdomain.TypeTippingReceived, created)
	return created, nil
}

// CreateEscrow asks the supplied factory for an escrow carrying the tip and
// links it.
func (s *Service) CreateEscrow(ctx context.Context, tipID string, factory EscrowFactory) (domain.Tip, error) {
	if factory == nil {
		return domain.Tip{}, apperr.InvalidInput("escrow factory is required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	t, err := s.store.GetTip(ctx, tipID)
	if err != nil {
		return domain.Tip{}, err
	}
	if t.State != domain.StatePending {
		return domain.Tip{}, apperr.Precondition(string(t.State), "tip %s already has an escrow", tipID)
	}

	escrowID, err := factory(ctx, t)
	if err != nil {
		return domain.Tip{}, err
	}

	now := time.Now().UTC()
	t.EscrowID = escrowID
	t.State = domain.StateEscrowCreated
	t.Timeline.EscrowCreatedAt = &now
	return s.store.UpdateTip(ctx, t)
}

// FundEscrow records the funding transaction and advances escrow_created →
// funded.
func (s *Service) FundEscrow(ctx context.Context, tipID, externalHash string) (domain.Tip, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	t, err := s.store.GetTip(ctx, tipID)
	if err != nil {
		return domain.Tip{}, err
	}
	if t.State != domain.StateEscrowCreated {
		return domain.Tip{}, apperr.Precondition(string(t.State), "tip %s cannot be funded", tipID)
	}

	now := time.Now().UTC()
	t.State = domain.StateFunded
	t.FundingHash = externalHash
	t.Timeline.FundedAt = &now
	return s.store.UpdateTip(ctx, t)
}

// LockEscrow advances funded → locked.
func (s *Service) LockEscrow(ctx context.Context, tipID string) (domain.Tip, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	t, err := s.store.GetTip(ctx, tipID)
	if err != nil {
		return domain.Tip{}, err
	}
	if t.State != domain.StateFunded {
		return domain.Tip{}, apperr.Precondition(string(t.State), "tip %s cannot be locked", tipID)
	}

	now := time.Now().UTC()
	t.State = domain.StateLocked
	t.Timeline.LockedAt = &now
	return s.store.UpdateTip(ctx, t)
}

// ReleaseTip records the settlement and advances locked → released.
func (s *Service) ReleaseTip(ctx context.Context, tipID, txHash string, blockNumber, gasUsed int64) (domain.Tip, error) {
	s.writeMu.Lock()
	t, err := s.store.GetTip(ctx, tipID)
	if err != nil {
		s.writeMu.Unlock()
		return domain.Tip{}, err
	}
	if t.State != domain.StateLocked {
		s.writeMu.Unlock()
		return domain.Tip{}, apperr.Precondition(string(t.State), "tip %s cannot be released", tipID)
	}

	now := time.Now().UTC()
	t.State = domain.StateReleased
	t.Settlement = &domain.Settlement{
		TxHash:      txHash,
		BlockNumber: blockNumber,
		GasUsed:     gasUsed,
		SettledAt:   now,
	}
	t.Timeline.ReleasedAt = &now

	updated, err := s.store.UpdateTip(ctx, t)
	s.writeMu.Unlock()
	if err != nil {
		return domain.Tip{}, err
	}

	s.log.WithField("tip_id", updated.ID).
		WithField("tx_hash", txHash).
		Info("tip released")
	s.emit(ctx, webhookdomain.TypePaymentSettled, updated)
	return updated, nil
}

// Settle invokes the configured payment executor to perform the on-chain
// transfer and records the receipt via ReleaseTip. Executor errors are
// advisories: the tip stays locked and the caller may retry.
func (s *Service) Settle(ctx context.Context, tipID string) (domain.Tip, error) {
	if s.executor == nil {
		return domain.Tip{}, apperr.InvalidInput("no payment executor configured")
	}

	t, err := s.store.GetTip(ctx, tipID)
	if err != nil {
		return domain.Tip{}, err
	}
	if t.State != domain.StateLocked {
		return domain.Tip{}, apperr.Precondition(string(t.State), "tip %s cannot be settled", tipID)
	}

	receipt, err := s.executor.Execute(ctx, ExecuteRequest{
		Kind:      "tip",
		TipID:     t.ID,
		EscrowID:  t.EscrowID,
		Recipient: t.Recipient,
		Amount:    t.Amount,
		Token:     t.Token,
	})
	if err != nil {
		s.log.WithError(err).WithField("tip_id", tipID).Warn("payment executor failed")
		return domain.Tip{}, err
	}

	return s.ReleaseTip(ctx, tipID, receipt.TxHash, receipt.BlockNumber, receipt.GasUsed)
}

// CancelTip terminates a tip from any pre-released state.
func (s *Service) CancelTip(ctx context.Context, tipID, reason string) (domain.Tip, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	t, err := s.store.GetTip(ctx, tipID)
	if err != nil {
		return domain.Tip{}, err
	}
	switch t.State {
	case domain.StatePending, domain.StateEscrowCreated, domain.StateFunded, domain.StateLocked:
	default:
		return domain.Tip{}, apperr.Precondition(string(t.State), "cannot cancel in state %s", t.State)
	}

	now := time.Now().UTC()
	t.State = domain.StateCancelled
	t.CancelReason = reason
	t.Timeline.CancelledAt = &now
	return s.store.UpdateTip(ctx, t)
}

// Get returns one tip.
func (s *Service) Get(ctx context.Context, id string) (domain.Tip, error) {
	return s.store.GetTip(ctx, id)
}

// List returns all tips.
func (s *Service) List(ctx context.Context) ([]domain.Tip, error) {
	return s.store.ListTips(ctx)
}

// BatchFilters narrow ProcessBatch to one repo, tipper or token.
type BatchFilters struct {
	Repo   string
	Tipper string
	Token  string
}

// Batch is the settlement working set returned by ProcessBatch.
type Batch struct {
	Tips  []domain.Tip `json:"tips"`
	Total float64      `json:"total"`
}

// ProcessBatch returns the tips in funded or locked matching the filters and
// their sum, for a nightly settlement caller.
func (s *Service) ProcessBatch(ctx context.Context, filters BatchFilters) (Batch, error) {
	tips, err := s.store.ListTips(ctx)
	if err != nil {
		return Batch{}, err
	}

	batch := Batch{Tips: []domain.Tip{}}
	for _, t := range tips {
		if t.State != domain.StateFunded && t.State != domain.StateLocked {
			continue
		}
		if filters.Repo != "" && string(t.Repo) != filters.Repo {
			continue
		}
		if filters.Tipper != "" && t.Tipper != filters.Tipper {
			continue
		}
		if filters.Token != "" && t.Token != filters.Token {
			continue
		}
		batch.Tips = append(batch.Tips, t)
		batch.Total += t.Amount
	}
	return batch, nil
}

func (s *Service) emit(ctx context.Context, eventType webhookdomain.EventType, t domain.Tip) {
	if s.publisher == nil {
		return
	}
	data := map[string]any{
		"tip_id":    t.ID,
		"repo":      string(t.Repo),
		"tipper":    t.Tipper,
		"recipient": t.Recipient,
		"amount":    t.Amount,
		"token":     t.Token,
		"state":     string(t.State),
	}
	if t.Settlement != nil {
		data["tx_hash"] = t.Settlement.TxHash
		data["block_number"] = t.Settlement.BlockNumber
	}
	if _, err := s.publisher.Emit(ctx, eventType, data, map[string]any{"tip_id": t.ID}); err != nil {
		s.log.WithError(err).
			WithField("tip_id", t.ID).
			WithField("event", string(eventType)).
			Warn("publish tip event failed")
	}
}

// validateRepoRef checks the "<owner>/<name>" form against the GitHub naming
// rule, bounding each segment to 39 characters.
func validateRepoRef(raw string) (domain.RepoRef, error) {
	owner, name, found := strings.Cut(raw, "/")
	if !found {
		return "", apperr.InvalidInput("repository reference %q must be owner/name", raw)
	}
	if !validSegment(owner) || !validSegment(name) {
		return "", apperr.InvalidInput("repository reference %q is not a valid owner/name", raw)
	}
	return domain.RepoRef(raw), nil
}

// validateRecipient accepts a GitHub username or a 0x-prefixed 40-hex
// address. Addresses are normalized to their EIP-55 checksum form.
func validateRecipient(raw string) (string, error) {
	if addressPattern.MatchString(raw) {
		return normalizeAddress(raw)
	}
	if validSegment(raw) {
		return raw, nil
	}
	return "", apperr.InvalidInput("recipient %q is neither a username nor an address", raw)
}

func validSegment(segment string) bool {
	return len(segment) > 0 && len(segment) <= maxSegmentLength && segmentPattern.MatchString(segment)
}
