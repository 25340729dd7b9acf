package tipping

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/AgentPay-Network/payment_layer/pkg/logger"
)

// ExecuteRequest describes one on-chain transfer to perform.
type ExecuteRequest struct {
	Kind      string  `json:"kind"`
	TipID     string  `json:"tipId,omitempty"`
	EscrowID  string  `json:"escrowId"`
	Recipient string  `json:"recipient"`
	Amount    float64 `json:"amount"`
	Token     string  `json:"token"`
}

// Receipt is the executor's report of a performed transfer.
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber int64  `json:"blockNumber,omitempty"`
	GasUsed     int64  `json:"gasUsed,omitempty"`
}

// PaymentExecutor performs on-chain transfers on behalf of the core. The core
// never constructs or signs chain transactions itself; executor errors are
// advisories and leave the entity at its current state.
type PaymentExecutor interface {
	Execute(ctx context.Context, req ExecuteRequest) (Receipt, error)
}

// ExecutorFunc adapts a function to the PaymentExecutor interface.
type ExecutorFunc func(ctx context.Context, req ExecuteRequest) (Receipt, error)

func (f ExecutorFunc) Execute(ctx context.Context, req ExecuteRequest) (Receipt, error) {
	return f(ctx, req)
}

// HTTPExecutor invokes an external signing service over HTTP.
type HTTPExecutor struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
	log      *logger.Logger
}

// NewHTTPExecutor constructs an executor posting to the given endpoint.
func NewHTTPExecutor(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPExecutor, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("executor endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse executor endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("payment-executor")
	}
	return &HTTPExecutor{client: client, endpoint: parsed, apiKey: strings.TrimSpace(apiKey), log: log}, nil
}

func (e *HTTPExecutor) Execute(ctx context.Context, req ExecuteRequest) (Receipt, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode executor request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("build executor request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Receipt{}, fmt.Errorf("executor request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Receipt{}, fmt.Errorf("executor status %d", resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return Receipt{}, fmt.Errorf("read executor response: %w", err)
	}
	payload := buf.Bytes()

	txHash := gjson.GetBytes(payload, "txHash")
	if !txHash.Exists() {
		txHash = gjson.GetBytes(payload, "tx_hash")
	}
	if txHash.String() == "" {
		return Receipt{}, fmt.Errorf("executor response missing txHash")
	}

	receipt := Receipt{TxHash: txHash.String()}
	if block := gjson.GetBytes(payload, "blockNumber"); block.Exists() {
		receipt.BlockNumber = block.Int()
	}
	if gas := gjson.GetBytes(payload, "gasUsed"); gas.Exists() {
		receipt.GasUsed = gas.Int()
	}
	return receipt, nil
}
