package settlement

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"escrowflow/identity"
)

// Ledger abstracts the external ledger the coordinator moves funds on.
type Ledger interface {
	// Transfer moves amount from custody to the principal and returns the
	// ledger's reference for the movement. Retried calls carry the same
	// idempotency key so the ledger can deduplicate a movement whose first
	// attempt was interrupted before the outcome was recorded.
	Transfer(ctx context.Context, idempotencyKey string, to identity.Principal, amount uint64) (string, error)
}

// GatewayLedger talks to the off-chain ledger gateway over HTTP.
type GatewayLedger struct {
	baseURL string
	client  *http.Client
}

func NewGatewayLedger(baseURL string) *GatewayLedger {
	return &GatewayLedger{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type gatewayTransferRequest struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type gatewayTransferResponse struct {
	Ref string `json:"ref"`
}

func (g *GatewayLedger) Transfer(ctx context.Context, idempotencyKey string, to identity.Principal, amount uint64) (string, error) {
	body, err := json.Marshal(gatewayTransferRequest{To: string(to), Amount: amount})
	if err != nil {
		return "", fmt.Errorf("settlement: marshal transfer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("settlement: build transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("settlement: gateway call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("settlement: gateway status %d: %s", resp.StatusCode, payload)
	}

	var out gatewayTransferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("settlement: decode gateway response: %w", err)
	}
	if out.Ref == "" {
		return "", fmt.Errorf("settlement: gateway returned empty transfer ref")
	}
	return out.Ref, nil
}

// FakeLedger hashes the idempotency key to deterministically emulate ledger
// refs in tests and local runs without a gateway: a retried transfer with the
// same key yields the same ref, as a deduplicating gateway would.
type FakeLedger struct{}

func (FakeLedger) Transfer(_ context.Context, idempotencyKey string, to identity.Principal, amount uint64) (string, error) {
	if to == identity.Anonymous {
		return "", fmt.Errorf("settlement: missing counterparty")
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", idempotencyKey, to, amount)))
	return "0x" + hex.EncodeToString(sum[:]), nil
}
