package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// PaymentCapability is the boundary to the external payment processor.
// Release must be idempotent per (holdRef, recipientID); the client
// guarantees that with an idempotency key, and tests inject a double.
type PaymentCapability interface {
	CreateHold(payerID string, amountCents int64, metadata map[string]string) (holdRef string, err error)
	Release(holdRef, recipientID string, amountCents int64) error
	Refund(holdRef, reason string) error
}

// PaymentServiceClient talks to the payment service through the gateway.
type PaymentServiceClient struct {
	BaseURL     string
	Token       string
	Client      *http.Client
	MaxAttempts int
	Backoff     time.Duration
}

func NewPaymentServiceClient() *PaymentServiceClient {
	baseURL := os.Getenv("PAYMENT_SERVICE_URL")
	if baseURL == "" {
		log.Fatal("PAYMENT_SERVICE_URL environment variable is required")
	}
	token := os.Getenv("BOUNTY_SERVICE_TOKEN")
	if token == "" {
		log.Fatal("BOUNTY_SERVICE_TOKEN environment variable is required for payment calls")
	}

	return &PaymentServiceClient{
		BaseURL: baseURL,
		Token:   token,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
		MaxAttempts: 3,
		Backoff:     200 * time.Millisecond,
	}
}

type holdResponse struct {
	HoldRef string `json:"hold_ref"`
}

// CreateHold asks the processor to reserve funds on the payer's method.
// The idempotency key is derived from the metadata so a retried create
// never double-holds.
func (c *PaymentServiceClient) CreateHold(payerID string, amountCents int64, metadata map[string]string) (string, error) {
	body := map[string]interface{}{
		"payer_id":     payerID,
		"amount_cents": amountCents,
		"metadata":     metadata,
	}
	idemKey := fmt.Sprintf("hold:%s:%s", metadata["bounty_id"], payerID)

	raw, err := c.post("/v1/holds", idemKey, body)
	if err != nil {
		return "", err
	}
	var out holdResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode hold response: %w", err)
	}
	if out.HoldRef == "" {
		return "", fmt.Errorf("payment service returned empty hold_ref")
	}
	return out.HoldRef, nil
}

// Release pays amountCents out of a hold to a recipient. Safe to call
// twice for the same (holdRef, recipientID): the processor dedupes on
// the idempotency key.
func (c *PaymentServiceClient) Release(holdRef, recipientID string, amountCents int64) error {
	body := map[string]interface{}{
		"recipient_id": recipientID,
		"amount_cents": amountCents,
	}
	idemKey := fmt.Sprintf("release:%s:%s", holdRef, recipientID)
	_, err := c.post(fmt.Sprintf("/v1/holds/%s/release", holdRef), idemKey, body)
	return err
}

// Refund returns the entire hold to its contributors.
func (c *PaymentServiceClient) Refund(holdRef, reason string) error {
	body := map[string]interface{}{
		"reason": reason,
	}
	idemKey := fmt.Sprintf("refund:%s", holdRef)
	_, err := c.post(fmt.Sprintf("/v1/holds/%s/refund", holdRef), idemKey, body)
	return err
}

// post sends one JSON request with bounded exponential backoff. After
// MaxAttempts the error is returned for manual reconciliation; the
// idempotency key makes every retry safe.
func (c *PaymentServiceClient) post(path, idemKey string, body interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal payment request: %w", err)
	}

	var lastErr error
	backoff := c.Backoff
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(backoff)
			backoff *= 2
		}

		req, err := http.NewRequest("POST", c.BaseURL+path, bytes.NewBuffer(jsonData))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.Token)
		req.Header.Set("Idempotency-Key", idemKey)

		resp, err := c.Client.Do(req)
		if err != nil {
			lastErr = err
			log.Printf("payment call %s attempt %d/%d failed: %v", path, attempt, c.MaxAttempts, err)
			continue
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		lastErr = fmt.Errorf("payment service returned %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// Processor rejected the request outright; retrying won't help.
			return nil, lastErr
		}
		log.Printf("payment call %s attempt %d/%d: %v", path, attempt, c.MaxAttempts, lastErr)
	}

	log.Printf("RECONCILE: payment call %s exhausted %d attempts (idempotency key %s): %v",
		path, c.MaxAttempts, idemKey, lastErr)
	return nil, fmt.Errorf("payment call %s failed after %d attempts: %w", path, c.MaxAttempts, lastErr)
}
