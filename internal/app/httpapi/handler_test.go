package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	app "github.com/AgentPay-Network/payment_layer/internal/app"
	escrowdomain "github.com/AgentPay-Network/payment_layer/internal/app/domain/escrow"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	application, err := app.New(app.Stores{}, app.Options{}, nil)
	if err != nil {
		t.Fatalf("build application: %v", err)
	}
	return NewHandler(application)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/escrows", map[string]any{
		"payer": "A", "payee": "B", "amount": 500, "purpose": "x",
		"token": "primary-native",
		"conditions": map[string]any{
			"requires_approval": true,
			"requires_delivery": true,
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", rec.Code, rec.Body.String())
	}
	var created escrowdomain.Escrow
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.State != escrowdomain.StatePending {
		t.Fatalf("expected pending, got %s", created.State)
	}

	rec = doJSON(t, handler, http.MethodPost, "/escrows/"+created.ID+"/fund", map[string]any{"external_hash": "0xF"})
	if rec.Code != http.StatusOK {
		t.Fatalf("fund status %d: %s", rec.Code, rec.Body.String())
	}

	// Releasing a funded (not locked) escrow maps PreconditionViolated to 409.
	rec = doJSON(t, handler, http.MethodPost, "/escrows/"+created.ID+"/release", map[string]any{"reason": "early"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var errBody map[string]any
	json.Unmarshal(rec.Body.Bytes(), &errBody)
	if errBody["kind"] != "precondition_violated" || errBody["state"] != "funded" {
		t.Fatalf("expected precondition diagnostics, got %v", errBody)
	}
}

func TestErrorMapping(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodGet, "/escrows/unknown", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/escrows", map[string]any{
		"payer": "A", "payee": "B", "amount": -5, "token": "primary-native",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/webhooks", map[string]any{
		"url": "https://example.com/hook", "event_types": []string{"bogus"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty filter, got %d", rec.Code)
	}
}

func TestWebhookRegistrationOverHTTP(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/webhooks", map[string]any{
		"url":         "https://example.com/hook",
		"event_types": []string{"escrow_released", "payment_settled"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status %d: %s", rec.Code, rec.Body.String())
	}
	var registration map[string]any
	json.Unmarshal(rec.Body.Bytes(), &registration)
	if registration["secret"] == "" {
		t.Fatalf("expected secret in registration response")
	}
	id := registration["id"].(string)

	// The secret never appears in subsequent reads.
	rec = doJSON(t, handler, http.MethodGet, "/webhooks/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d", rec.Code)
	}
	var sub map[string]any
	json.Unmarshal(rec.Body.Bytes(), &sub)
	if secret, ok := sub["secret"]; ok && secret != "" {
		t.Fatalf("expected secret redacted, got %v", secret)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/webhooks/"+id, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", rec.Code)
	}
}

func TestQuoteAndTipRoutes(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/quotes", map[string]any{
		"provider_id": "P", "client_id": "C", "service": "s",
		"price": 100, "token": "primary-native", "valid_for_minutes": 60,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create quote status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/tips", map[string]any{
		"repo": "o/r", "tipper": "T", "recipient": "R",
		"amount": 10, "token": "primary-native",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create tip status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/tips/stats/global", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("global stats status %d", rec.Code)
	}
	var stats map[string]any
	json.Unmarshal(rec.Body.Bytes(), &stats)
	if stats["total_tips"].(float64) != 1 {
		t.Fatalf("expected one tip in stats, got %v", stats)
	}

	rec = doJSON(t, handler, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}
}
