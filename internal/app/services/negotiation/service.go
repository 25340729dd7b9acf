package negotiation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/AgentPay-Network/payment_layer/internal/app/apperr"
	escrowdomain "github.com/AgentPay-Network/payment_layer/internal/app/domain/escrow"
	domain "github.com/AgentPay-Network/payment_layer/internal/app/domain/quote"
	escrowsvc "github.com/AgentPay-Network/payment_layer/internal/app/services/escrow"
	"github.com/AgentPay-Network/payment_layer/internal/app/storage"
	"github.com/AgentPay-Network/payment_layer/pkg/logger"
)

const defaultEscrowTimeoutMinutes = 120

// Service owns the quote lifecycle. Acceptance constructs an escrow through
// the escrow engine while this engine's write lock is held. MarkDelivered and
// ConfirmDelivery also hold the write lock while they call SubmitDelivery and
// Release on the linked escrow, so acceptance is not the only place this
// engine waits on another engine under its own lock.
type Service struct {
	store  storage.QuoteStore
	escrow *escrowsvc.Service
	log    *logger.Logger

	writeMu sync.Mutex
}

// New constructs the negotiation engine.
func New(store storage.QuoteStore, escrow *escrowsvc.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("negotiation")
	}
	return &Service{store: store, escrow: escrow, log: log}
}

// CreateQuoteRequest carries the inputs to CreateQuote. A nil EscrowRequired
// defaults to true; an empty refund policy defaults to "none".
type CreateQuoteRequest struct {
	ProviderID      string
	ClientID        string
	Service         string
	Price           float64
	Token           string
	Terms           domain.Terms
	EscrowRequired  *bool
	ValidForMinutes int
}

// CreateQuote opens a pending quote.
func (s *Service) CreateQuote(ctx context.Context, req CreateQuoteRequest) (domain.Quote, error) {
	if strings.TrimSpace(req.ProviderID) == "" || strings.TrimSpace(req.ClientID) == "" {
		return domain.Quote{}, apperr.InvalidInput("provider and client are required")
	}
	if req.Price <= 0 {
		return domain.Quote{}, apperr.InvalidInput("price must be positive")
	}
	if req.ValidForMinutes <= 0 {
		req.ValidForMinutes = 60
	}

	terms := req.Terms
	terms.EscrowRequired = req.EscrowRequired == nil || *req.EscrowRequired
	if terms.RefundPolicy == "" {
		terms.RefundPolicy = "none"
	}

	now := time.Now().UTC()
	q := domain.Quote{
		ProviderID: req.ProviderID,
		ClientID:   req.ClientID,
		Service:    req.Service,
		BasePrice:  req.Price,
		Token:      req.Token,
		Terms:      terms,
		State:      domain.StatePending,
		ExpiresAt:  now.Add(time.Duration(req.ValidForMinutes) * time.Minute),
		CreatedAt:  now,
	}

	s.writeMu.Lock()
	created, err := s.store.CreateQuote(ctx, q)
	s.writeMu.Unlock()
	if err != nil {
		return domain.Quote{}, err
	}

	s.log.WithField("quote_id", created.ID).
		WithField("provider", created.ProviderID).
		WithField("client", created.ClientID).
		Info("quote created")
	return created, nil
}

// Accept accepts a pending quote at its base price. When the terms require an
// escrow, one is created and linked before the call returns.
func (s *Service) Accept(ctx context.Context, quoteID, clientID string) (domain.Quote, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return domain.Quote{}, err
	}
	if q.ClientID != clientID {
		return domain.Quote{}, apperr.Unauthorized("caller %s is not the quote client", clientID)
	}
	if q.State != domain.StatePending {
		return domain.Quote{}, apperr.Precondition(string(q.State), "quote %s cannot be accepted", quoteID)
	}
	if time.Now().UTC().After(q.ExpiresAt) {
		return domain.Quote{}, apperr.Precondition(string(q.State), "quote %s has expired", quoteID)
	}

	return s.acceptLocked(ctx, q, q.BasePrice, q.Terms)
}

// acceptLocked finalizes acceptance at the agreed price. The caller holds
// writeMu and has authorized the transition.
func (s *Service) acceptLocked(ctx context.Context, q domain.Quote, agreedPrice float64, terms domain.Terms) (domain.Quote, error) {
	q.State = domain.StateAccepted
	q.AgreedPrice = &agreedPrice
	q.Terms = terms

	if terms.EscrowRequired {
		timeoutMinutes := defaultEscrowTimeoutMinutes
		if terms.DeliveryTimeMinutes > 0 {
			timeoutMinutes = terms.DeliveryTimeMinutes + 30
		}
		created, err := s.escrow.Create(ctx, escrowsvc.CreateRequest{
			Payer:   q.ClientID,
			Payee:   q.ProviderID,
			Amount:  agreedPrice,
			Purpose: q.Service,
			Token:   escrowdomain.Token(q.Token),
			Conditions: escrowdomain.Conditions{
				RequiresApproval:           true,
				RequiresDelivery:           true,
				RequiresArbiter:            terms.RequiresArbiter,
				RequiresClientConfirmation: !terms.AutoRelease,
			},
			TimeoutMinutes: timeoutMinutes,
		})
		if err != nil {
			return domain.Quote{}, err
		}
		q.EscrowID = created.ID
	}

	updated, err := s.store.UpdateQuote(ctx, q)
	if err != nil {
		return domain.Quote{}, err
	}
	s.log.WithField("quote_id", updated.ID).
		WithField("agreed_price", agreedPrice).
		WithField("escrow_id", updated.EscrowID).
		Info("quote accepted")
	return updated, nil
}

// Reject declines a pending quote.
func (s *Service) Reject(ctx context.Context, quoteID, clientID, reason string) (domain.Quote, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return domain.Quote{}, err
	}
	if q.ClientID != clientID {
		return domain.Quote{}, apperr.Unauthorized("caller %s is not the quote client", clientID)
	}
	if q.State != domain.StatePending {
		return domain.Quote{}, apperr.Precondition(string(q.State), "quote %s cannot be rejected", quoteID)
	}

	q.State = domain.StateRejected
	q.RejectReason = reason
	return s.store.UpdateQuote(ctx, q)
}

// CounterOffer appends a client counter. A nil terms overlay inherits the
// quote's current terms.
func (s *Service) CounterOffer(ctx context.Context, quoteID, clientID string, newPrice float64, newTerms *domain.Terms) (domain.Quote, error) {
	if newPrice <= 0 {
		return domain.Quote{}, apperr.InvalidInput("counter price must be positive")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return domain.Quote{}, err
	}
	if q.ClientID != clientID {
		return domain.Quote{}, apperr.Unauthorized("caller %s is not the quote client", clientID)
	}
	if q.State != domain.StatePending && q.State != domain.StateCountered {
		return domain.Quote{}, apperr.Precondition(string(q.State), "quote %s cannot be countered", quoteID)
	}
	if time.Now().UTC().After(q.ExpiresAt) {
		return domain.Quote{}, apperr.Precondition(string(q.State), "quote %s has expired", quoteID)
	}

	terms := q.Terms
	if newTerms != nil {
		terms = *newTerms
		terms.EscrowRequired = q.Terms.EscrowRequired
		if terms.RefundPolicy == "" {
			terms.RefundPolicy = q.Terms.RefundPolicy
		}
	}

	q.Counters = append(q.Counters, domain.CounterOffer{
		Offerer:   clientID,
		Price:     newPrice,
		Terms:     terms,
		CreatedAt: time.Now().UTC(),
	})
	q.State = domain.StateCountered

	return s.store.UpdateQuote(ctx, q)
}

// AcceptCounter accepts the counter at index (latest when index < 0) on
// behalf of the provider.
func (s *Service) AcceptCounter(ctx context.Context, quoteID, providerID string, index int) (domain.Quote, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return domain.Quote{}, err
	}
	if q.ProviderID != providerID {
		return domain.Quote{}, apperr.Unauthorized("caller %s is not the quote provider", providerID)
	}
	if q.State != domain.StateCountered {
		return domain.Quote{}, apperr.Precondition(string(q.State), "quote %s has no open counter", quoteID)
	}
	if index < 0 {
		index = len(q.Counters) - 1
	}
	if index >= len(q.Counters) {
		return domain.Quote{}, apperr.InvalidInput("counter %d does not exist", index)
	}

	counter := q.Counters[index]
	return s.acceptLocked(ctx, q, counter.Price, counter.Terms)
}

// MarkDelivered records the provider's delivery claim and forwards the proof
// to the linked escrow.
func (s *Service) MarkDelivered(ctx context.Context, quoteID, providerID string, proof []byte) (domain.Quote, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return domain.Quote{}, err
	}
	if q.ProviderID != providerID {
		return domain.Quote{}, apperr.Unauthorized("caller %s is not the quote provider", providerID)
	}
	if q.State != domain.StateAccepted {
		return domain.Quote{}, apperr.Precondition(string(q.State), "quote %s is not accepted", quoteID)
	}

	q.Delivery = &domain.DeliveryRecord{Proof: proof, DeliveredAt: time.Now().UTC()}
	updated, err := s.store.UpdateQuote(ctx, q)
	if err != nil {
		return domain.Quote{}, err
	}

	if q.EscrowID != "" {
		if _, err := s.escrow.SubmitDelivery(ctx, q.EscrowID, escrowdomain.DeliveryProof{
			SubmittedBy: providerID,
			Data:        proof,
		}); err != nil {
			return domain.Quote{}, err
		}
	}
	return updated, nil
}

// ConfirmDelivery releases the linked escrow on the client's confirmation. An
// escrow already released by auto-release is not an error.
func (s *Service) ConfirmDelivery(ctx context.Context, quoteID, clientID string) (domain.Quote, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return domain.Quote{}, err
	}
	if q.ClientID != clientID {
		return domain.Quote{}, apperr.Unauthorized("caller %s is not the quote client", clientID)
	}
	if q.Delivery == nil {
		return domain.Quote{}, apperr.Precondition(string(q.State), "quote %s has no recorded delivery", quoteID)
	}

	now := time.Now().UTC()
	q.Delivery.ConfirmedAt = &now
	updated, err := s.store.UpdateQuote(ctx, q)
	if err != nil {
		return domain.Quote{}, err
	}

	if q.EscrowID != "" {
		esc, err := s.escrow.Get(ctx, q.EscrowID)
		if err != nil {
			return domain.Quote{}, err
		}
		if esc.State == escrowdomain.StateLocked {
			if _, err := s.escrow.Release(ctx, q.EscrowID, "client confirmed delivery"); err != nil {
				return domain.Quote{}, err
			}
		}
	}
	return updated, nil
}

// ProcessExpirations transitions every pending quote past its expiry to
// expired, returning the affected ids.
func (s *Service) ProcessExpirations(ctx context.Context) ([]string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	quotes, err := s.store.ListQuotes(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var expired []string
	for _, q := range quotes {
		if q.State != domain.StatePending || !now.After(q.ExpiresAt) {
			continue
		}
		q.State = domain.StateExpired
		if _, err := s.store.UpdateQuote(ctx, q); err != nil {
			return expired, err
		}
		expired = append(expired, q.ID)
	}
	return expired, nil
}

// Get returns one quote.
func (s *Service) Get(ctx context.Context, id string) (domain.Quote, error) {
	return s.store.GetQuote(ctx, id)
}

// List returns all quotes.
func (s *Service) List(ctx context.Context) ([]domain.Quote, error) {
	return s.store.ListQuotes(ctx)
}
