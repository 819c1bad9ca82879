// Package payments owns the boundary with the external payment
// processor: the outbound HTTP client and the inbound event ingestion
// pipeline that turns processor webhooks into escrow transitions.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to the processor's HTTP API. Calls are retried with
// exponential backoff on network errors and 5xx responses; 4xx responses
// are terminal.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	logger     *log.Logger
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		maxRetries: 3,
		logger:     log.New(log.Writer(), "[PAYMENTS] ", log.LstdFlags),
	}
}

// Intent is the processor's view of a payment intent.
type Intent struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

// Transfer is the processor's view of a payout transfer.
type Transfer struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Metadata map[string]string `json:"metadata"`
}

// Refund is the processor's view of a refund.
type Refund struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Metadata map[string]string `json:"metadata"`
}

// CreateIntent creates a payment intent carrying the escrow id in its
// metadata so the succeeded event routes back.
func (c *Client) CreateIntent(ctx context.Context, escrowID string, amount int64, kind string) (*Intent, error) {
	form := url.Values{
		"amount":              {strconv.FormatInt(amount, 10)},
		"metadata[escrow_id]": {escrowID},
		"metadata[type]":      {kind},
	}
	var out Intent
	if err := c.post(ctx, "/v1/payment_intents", form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTransfer creates the worker payout. The escrow id metadata is
// required: it is the only correlation key the transfer.created event has.
func (c *Client) CreateTransfer(ctx context.Context, escrowID, destination string, amount int64) (*Transfer, error) {
	if escrowID == "" {
		return nil, fmt.Errorf("transfer requires escrow_id metadata")
	}
	form := url.Values{
		"amount":              {strconv.FormatInt(amount, 10)},
		"destination":         {destination},
		"metadata[escrow_id]": {escrowID},
	}
	var out Transfer
	if err := c.post(ctx, "/v1/transfers", form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRefund refunds a payment intent, carrying the escrow id when known.
func (c *Client) CreateRefund(ctx context.Context, paymentIntentID, escrowID string, amount int64) (*Refund, error) {
	form := url.Values{
		"payment_intent": {paymentIntentID},
		"amount":         {strconv.FormatInt(amount, 10)},
	}
	if escrowID != "" {
		form.Set("metadata[escrow_id]", escrowID)
	}
	var out Refund
	if err := c.post(ctx, "/v1/refunds", form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyIntent fetches the intent and reports whether it succeeded, its
// declared type (metadata) and its amount. PayTax depends on this.
func (c *Client) VerifyIntent(ctx context.Context, intentID string) (bool, string, int64, error) {
	var out Intent
	if err := c.get(ctx, "/v1/payment_intents/"+url.PathEscape(intentID), &out); err != nil {
		return false, "", 0, err
	}
	return out.Status == "succeeded", out.Metadata["type"], out.Amount, nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	return c.doWithRetry(ctx, http.MethodPost, path, []byte(form.Encode()), out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.doWithRetry(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) doWithRetry(ctx context.Context, method, path string, body []byte, out any) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt*attempt) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Printf("⚠️ Processor call failed (attempt %d/%d): %s %s: %v",
				attempt, c.maxRetries, method, path, err)
			continue
		}

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("processor returned %d: %s", resp.StatusCode, respBody)
			c.logger.Printf("⚠️ Processor 5xx (attempt %d/%d): %s %s: %d",
				attempt, c.maxRetries, method, path, resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("processor rejected %s %s: %d: %s", method, path, resp.StatusCode, respBody)
		}
		if out != nil {
			return json.Unmarshal(respBody, out)
		}
		return nil
	}
	return fmt.Errorf("processor call exhausted %d attempts: %w", c.maxRetries, lastErr)
}
