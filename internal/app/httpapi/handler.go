package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	app "github.com/AgentPay-Network/payment_layer/internal/app"
	"github.com/AgentPay-Network/payment_layer/internal/app/apperr"
	escrowdomain "github.com/AgentPay-Network/payment_layer/internal/app/domain/escrow"
	quotedomain "github.com/AgentPay-Network/payment_layer/internal/app/domain/quote"
	webhookdomain "github.com/AgentPay-Network/payment_layer/internal/app/domain/webhook"
	"github.com/AgentPay-Network/payment_layer/internal/app/metrics"
	escrowsvc "github.com/AgentPay-Network/payment_layer/internal/app/services/escrow"
	negotiationsvc "github.com/AgentPay-Network/payment_layer/internal/app/services/negotiation"
	tippingsvc "github.com/AgentPay-Network/payment_layer/internal/app/services/tipping"
	webhooksvc "github.com/AgentPay-Network/payment_layer/internal/app/services/webhook"
)

// handler bundles HTTP endpoints for the application engines.
type handler struct {
	app *app.Application
}

// NewHandler returns a router exposing the core REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	r := mux.NewRouter()
	r.Use(metricsMiddleware)

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/escrows", h.createEscrow).Methods(http.MethodPost)
	r.HandleFunc("/escrows", h.listEscrows).Methods(http.MethodGet)
	r.HandleFunc("/escrows/timeouts", h.processTimeouts).Methods(http.MethodPost)
	r.HandleFunc("/escrows/{id}", h.getEscrow).Methods(http.MethodGet)
	r.HandleFunc("/escrows/{id}/fund", h.fundEscrow).Methods(http.MethodPost)
	r.HandleFunc("/escrows/{id}/approve", h.approveEscrow).Methods(http.MethodPost)
	r.HandleFunc("/escrows/{id}/delivery", h.submitDelivery).Methods(http.MethodPost)
	r.HandleFunc("/escrows/{id}/release", h.releaseEscrow).Methods(http.MethodPost)
	r.HandleFunc("/escrows/{id}/refund", h.refundEscrow).Methods(http.MethodPost)
	r.HandleFunc("/escrows/{id}/dispute", h.disputeEscrow).Methods(http.MethodPost)
	r.HandleFunc("/escrows/{id}/resolve", h.resolveDispute).Methods(http.MethodPost)

	r.HandleFunc("/quotes", h.createQuote).Methods(http.MethodPost)
	r.HandleFunc("/quotes", h.listQuotes).Methods(http.MethodGet)
	r.HandleFunc("/quotes/expirations", h.processExpirations).Methods(http.MethodPost)
	r.HandleFunc("/quotes/{id}", h.getQuote).Methods(http.MethodGet)
	r.HandleFunc("/quotes/{id}/accept", h.acceptQuote).Methods(http.MethodPost)
	r.HandleFunc("/quotes/{id}/reject", h.rejectQuote).Methods(http.MethodPost)
	r.HandleFunc("/quotes/{id}/counter", h.counterOffer).Methods(http.MethodPost)
	r.HandleFunc("/quotes/{id}/accept-counter", h.acceptCounter).Methods(http.MethodPost)
	r.HandleFunc("/quotes/{id}/deliver", h.markDelivered).Methods(http.MethodPost)
	r.HandleFunc("/quotes/{id}/confirm", h.confirmDelivery).Methods(http.MethodPost)

	r.HandleFunc("/webhooks", h.registerWebhook).Methods(http.MethodPost)
	r.HandleFunc("/webhooks", h.listWebhooks).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/events", h.listEventLog).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/{id}", h.getWebhook).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/{id}", h.updateWebhook).Methods(http.MethodPatch)
	r.HandleFunc("/webhooks/{id}", h.unregisterWebhook).Methods(http.MethodDelete)
	r.HandleFunc("/webhooks/{id}/test", h.testWebhook).Methods(http.MethodPost)

	r.HandleFunc("/tips", h.createTip).Methods(http.MethodPost)
	r.HandleFunc("/tips", h.listTips).Methods(http.MethodGet)
	r.HandleFunc("/tips/batch", h.processBatch).Methods(http.MethodPost)
	r.HandleFunc("/tips/stats/global", h.globalStats).Methods(http.MethodGet)
	r.HandleFunc("/tips/stats/repo", h.repoStats).Methods(http.MethodGet)
	r.HandleFunc("/tips/stats/tipper/{id}", h.tipperStats).Methods(http.MethodGet)
	r.HandleFunc("/tips/{id}", h.getTip).Methods(http.MethodGet)
	r.HandleFunc("/tips/{id}/escrow", h.createTipEscrow).Methods(http.MethodPost)
	r.HandleFunc("/tips/{id}/fund", h.fundTip).Methods(http.MethodPost)
	r.HandleFunc("/tips/{id}/lock", h.lockTip).Methods(http.MethodPost)
	r.HandleFunc("/tips/{id}/release", h.releaseTip).Methods(http.MethodPost)
	r.HandleFunc("/tips/{id}/settle", h.settleTip).Methods(http.MethodPost)
	r.HandleFunc("/tips/{id}/cancel", h.cancelTip).Methods(http.MethodPost)

	return r
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		metrics.RecordHTTPRequest(r.Method, path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Escrow handlers -------------------------------------------------------------

func (h *handler) createEscrow(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Payer          string                   `json:"payer"`
		Payee          string                   `json:"payee"`
		Amount         float64                  `json:"amount"`
		Purpose        string                   `json:"purpose"`
		Token          string                   `json:"token"`
		Conditions     escrowdomain.Conditions  `json:"conditions"`
		TimeoutMinutes int                      `json:"timeout_minutes"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}

	created, err := h.app.Escrow.Create(r.Context(), escrowsvc.CreateRequest{
		Payer:          payload.Payer,
		Payee:          payload.Payee,
		Amount:         payload.Amount,
		Purpose:        payload.Purpose,
		Token:          escrowdomain.Token(payload.Token),
		Conditions:     payload.Conditions,
		TimeoutMinutes: payload.TimeoutMinutes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) listEscrows(w http.ResponseWriter, r *http.Request) {
	escrows, err := h.app.Escrow.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrows)
}

func (h *handler) getEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := h.app.Escrow.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *handler) fundEscrow(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ExternalHash string `json:"external_hash"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	e, err := h.app.Escrow.Fund(r.Context(), mux.Vars(r)["id"], payload.ExternalHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *handler) approveEscrow(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ApproverID string `json:"approver_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	e, err := h.app.Escrow.Approve(r.Context(), mux.Vars(r)["id"], payload.ApproverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *handler) submitDelivery(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SubmittedBy string `json:"submitted_by"`
		Data        []byte `json:"data"`
		Signature   string `json:"signature"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	e, err := h.app.Escrow.SubmitDelivery(r.Context(), mux.Vars(r)["id"], escrowdomain.DeliveryProof{
		SubmittedBy: payload.SubmittedBy,
		Data:        payload.Data,
		Signature:   payload.Signature,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *handler) releaseEscrow(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	e, err := h.app.Escrow.Release(r.Context(), mux.Vars(r)["id"], payload.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *handler) refundEscrow(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	e, err := h.app.Escrow.Refund(r.Context(), mux.Vars(r)["id"], payload.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *handler) disputeEscrow(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		DisputerID string `json:"disputer_id"`
		Reason     string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	e, err := h.app.Escrow.Dispute(r.Context(), mux.Vars(r)["id"], payload.DisputerID, payload.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *handler) resolveDispute(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Decision  string `json:"decision"`
		ArbiterID string `json:"arbiter_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	e, err := h.app.Escrow.ResolveDispute(r.Context(), mux.Vars(r)["id"], escrowsvc.Decision(payload.Decision), payload.ArbiterID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *handler) processTimeouts(w http.ResponseWriter, r *http.Request) {
	ids, err := h.app.Escrow.ProcessTimeouts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refunded": emptyIfNil(ids)})
}

// Quote handlers --------------------------------------------------------------

func (h *handler) createQuote(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ProviderID      string            `json:"provider_id"`
		ClientID        string            `json:"client_id"`
		Service         string            `json:"service"`
		Price           float64           `json:"price"`
		Token           string            `json:"token"`
		Terms           quotedomain.Terms `json:"terms"`
		EscrowRequired  *bool             `json:"escrow_required"`
		ValidForMinutes int               `json:"valid_for_minutes"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}

	created, err := h.app.Negotiation.CreateQuote(r.Context(), negotiationsvc.CreateQuoteRequest{
		ProviderID:      payload.ProviderID,
		ClientID:        payload.ClientID,
		Service:         payload.Service,
		Price:           payload.Price,
		Token:           payload.Token,
		Terms:           payload.Terms,
		EscrowRequired:  payload.EscrowRequired,
		ValidForMinutes: payload.ValidForMinutes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) listQuotes(w http.ResponseWriter, r *http.Request) {
	quotes, err := h.app.Negotiation.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

func (h *handler) getQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.app.Negotiation.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *handler) acceptQuote(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ClientID string `json:"client_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	q, err := h.app.Negotiation.Accept(r.Context(), mux.Vars(r)["id"], payload.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *handler) rejectQuote(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ClientID string `json:"client_id"`
		Reason   string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	q, err := h.app.Negotiation.Reject(r.Context(), mux.Vars(r)["id"], payload.ClientID, payload.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *handler) counterOffer(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ClientID string             `json:"client_id"`
		Price    float64            `json:"price"`
		Terms    *quotedomain.Terms `json:"terms"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	q, err := h.app.Negotiation.CounterOffer(r.Context(), mux.Vars(r)["id"], payload.ClientID, payload.Price, payload.Terms)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *handler) acceptCounter(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ProviderID string `json:"provider_id"`
		Index      *int   `json:"index"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	index := -1
	if payload.Index != nil {
		index = *payload.Index
	}
	q, err := h.app.Negotiation.AcceptCounter(r.Context(), mux.Vars(r)["id"], payload.ProviderID, index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *handler) markDelivered(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ProviderID string `json:"provider_id"`
		Proof      []byte `json:"proof"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	q, err := h.app.Negotiation.MarkDelivered(r.Context(), mux.Vars(r)["id"], payload.ProviderID, payload.Proof)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *handler) confirmDelivery(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ClientID string `json:"client_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	q, err := h.app.Negotiation.ConfirmDelivery(r.Context(), mux.Vars(r)["id"], payload.ClientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *handler) processExpirations(w http.ResponseWriter, r *http.Request) {
	ids, err := h.app.Negotiation.ProcessExpirations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expired": emptyIfNil(ids)})
}

// Webhook handlers ------------------------------------------------------------

func (h *handler) registerWebhook(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		URL        string            `json:"url"`
		EventTypes []string          `json:"event_types"`
		Headers    map[string]string `json:"headers"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}

	eventTypes := make([]webhookdomain.EventType, 0, len(payload.EventTypes))
	for _, et := range payload.EventTypes {
		eventTypes = append(eventTypes, webhookdomain.EventType(et))
	}

	registration, err := h.app.Webhook.Register(r.Context(), payload.URL, eventTypes, webhooksvc.RegisterOptions{Headers: payload.Headers})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registration)
}

func (h *handler) listWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := h.app.Webhook.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *handler) getWebhook(w http.ResponseWriter, r *http.Request) {
	sub, err := h.app.Webhook.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *handler) updateWebhook(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		URL        *string           `json:"url"`
		EventTypes []string          `json:"event_types"`
		Enabled    *bool             `json:"enabled"`
		Headers    map[string]string `json:"headers"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}

	var eventTypes []webhookdomain.EventType
	if payload.EventTypes != nil {
		eventTypes = make([]webhookdomain.EventType, 0, len(payload.EventTypes))
		for _, et := range payload.EventTypes {
			eventTypes = append(eventTypes, webhookdomain.EventType(et))
		}
	}

	sub, err := h.app.Webhook.Update(r.Context(), mux.Vars(r)["id"], webhooksvc.UpdateRequest{
		URL:        payload.URL,
		EventTypes: eventTypes,
		Enabled:    payload.Enabled,
		Headers:    payload.Headers,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *handler) unregisterWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Webhook.Unregister(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) testWebhook(w http.ResponseWriter, r *http.Request) {
	result, err := h.app.Dispatcher.TestWebhook(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) listEventLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, apperr.InvalidInput("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	entries, err := h.app.Webhook.ListLog(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Tip handlers ----------------------------------------------------------------

func (h *handler) createTip(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Repo      string  `json:"repo"`
		Tipper    string  `json:"tipper"`
		Recipient string  `json:"recipient"`
		Amount    float64 `json:"amount"`
		Token     string  `json:"token"`
		Message   string  `json:"message"`
		IssueURL  string  `json:"issue_url"`
		CommitRef string  `json:"commit_ref"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}

	created, err := h.app.Tipping.CreateTip(r.Context(), tippingsvc.CreateTipRequest{
		Repo:      payload.Repo,
		Tipper:    payload.Tipper,
		Recipient: payload.Recipient,
		Amount:    payload.Amount,
		Token:     payload.Token,
		Message:   payload.Message,
		IssueURL:  payload.IssueURL,
		CommitRef: payload.CommitRef,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) listTips(w http.ResponseWriter, r *http.Request) {
	tips, err := h.app.Tipping.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tips)
}

func (h *handler) getTip(w http.ResponseWriter, r *http.Request) {
	t, err := h.app.Tipping.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// createTipEscrow links a freshly created escrow carrying the tip's terms.
func (h *handler) createTipEscrow(w http.ResponseWriter, r *http.Request) {
	t, err := h.app.Tipping.CreateEscrow(r.Context(), mux.Vars(r)["id"], h.app.TipEscrowFactory())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) fundTip(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ExternalHash string `json:"external_hash"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	t, err := h.app.Tipping.FundEscrow(r.Context(), mux.Vars(r)["id"], payload.ExternalHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) lockTip(w http.ResponseWriter, r *http.Request) {
	t, err := h.app.Tipping.LockEscrow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) releaseTip(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TxHash      string `json:"tx_hash"`
		BlockNumber int64  `json:"block_number"`
		GasUsed     int64  `json:"gas_used"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	t, err := h.app.Tipping.ReleaseTip(r.Context(), mux.Vars(r)["id"], payload.TxHash, payload.BlockNumber, payload.GasUsed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) settleTip(w http.ResponseWriter, r *http.Request) {
	t, err := h.app.Tipping.Settle(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) cancelTip(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	t, err := h.app.Tipping.CancelTip(r.Context(), mux.Vars(r)["id"], payload.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) processBatch(w http.ResponseWriter, r *http.Request) {
	var payload tippingsvc.BatchFilters
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, err)
		return
	}
	batch, err := h.app.Tipping.ProcessBatch(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *handler) globalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.app.Tipping.GlobalStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) repoStats(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		writeError(w, apperr.InvalidInput("repo query parameter required"))
		return
	}
	stats, err := h.app.Tipping.RepoStats(r.Context(), repo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) tipperStats(w http.ResponseWriter, r *http.Request) {
	topN := 5
	if raw := r.URL.Query().Get("top"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, apperr.InvalidInput("invalid top %q", raw))
			return
		}
		topN = parsed
	}
	stats, err := h.app.Tipping.TipperStats(r.Context(), mux.Vars(r)["id"], topN)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Health ----------------------------------------------------------------------

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Health.Check(r.Context()))
}

// Helpers ---------------------------------------------------------------------

func decodeJSON(body io.Reader, target any) error {
	dec := json.NewDecoder(body)
	if err := dec.Decode(target); err != nil {
		return apperr.InvalidInput("invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindInvalidInput, apperr.KindInvalidEventType, apperr.KindNoValidEventTypes:
		status = http.StatusBadRequest
	case apperr.KindUnauthorized:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindPreconditionViolated:
		status = http.StatusConflict
	}

	body := map[string]any{"error": err.Error(), "kind": apperr.KindOf(err).String()}
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.State != "" {
		body["state"] = appErr.State
	}
	writeJSON(w, status, body)
}

func emptyIfNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
