package tipping

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPExecutorParsesReceipt(t *testing.T) {
	var received ExecuteRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"txHash":"0xCAFE","blockNumber":99,"gasUsed":21000,"extra":"ignored"}`))
	}))
	defer server.Close()

	executor, err := NewHTTPExecutor(nil, server.URL, "key-1", nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	receipt, err := executor.Execute(context.Background(), ExecuteRequest{
		Kind: "tip", TipID: "T1", EscrowID: "E1", Recipient: "R", Amount: 10, Token: "primary-native",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.TxHash != "0xCAFE" || receipt.BlockNumber != 99 || receipt.GasUsed != 21000 {
		t.Fatalf("receipt mismatch: %+v", receipt)
	}
	if received.Kind != "tip" || received.TipID != "T1" {
		t.Fatalf("request mismatch: %+v", received)
	}
}

func TestHTTPExecutorSnakeCaseFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tx_hash":"0xBEEF"}`))
	}))
	defer server.Close()

	executor, err := NewHTTPExecutor(nil, server.URL, "", nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	receipt, err := executor.Execute(context.Background(), ExecuteRequest{Kind: "tip"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if receipt.TxHash != "0xBEEF" {
		t.Fatalf("expected snake_case hash parsed, got %+v", receipt)
	}
}

func TestHTTPExecutorErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	executor, _ := NewHTTPExecutor(nil, server.URL, "", nil)
	if _, err := executor.Execute(context.Background(), ExecuteRequest{Kind: "tip"}); err == nil {
		t.Fatalf("expected error on non-200 status")
	}

	missing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"blockNumber":1}`))
	}))
	defer missing.Close()

	executor, _ = NewHTTPExecutor(nil, missing.URL, "", nil)
	if _, err := executor.Execute(context.Background(), ExecuteRequest{Kind: "tip"}); err == nil {
		t.Fatalf("expected error when txHash missing")
	}

	if _, err := NewHTTPExecutor(nil, "  ", "", nil); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
}
