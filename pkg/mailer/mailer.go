// Package mailer is the outbound email port. The engine hands it a
// fully drafted message plus the proposal's execution key; the provider
// deduplicates on that key, so a crashed executor retrying the same
// proposal can never double-send.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrTransient marks provider failures worth retrying (5xx, timeouts).
var ErrTransient = errors.New("mailer: transient provider failure")

// EmailAttachment is one file to send, already fetched from blob storage.
type EmailAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	// Content is base64-encoded by the JSON marshaller.
	Content []byte `json:"content"`
}

// Email is one outbound message.
type Email struct {
	To          string            `json:"to"`
	From        string            `json:"from"`
	Subject     string            `json:"subject"`
	Text        string            `json:"text"`
	HTML        string            `json:"html,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []EmailAttachment `json:"attachments,omitempty"`
}

// Receipt is the provider's acknowledgment.
type Receipt struct {
	ProviderMessageID string `json:"provider_message_id"`
}

// Sender delivers one email. IdempotencyKey is the proposal's execution
// key; implementations must pass it to the provider.
type Sender interface {
	Send(ctx context.Context, email Email, idempotencyKey string) (*Receipt, error)
}

// HTTPSender posts to a JSON mail provider. Calls ride behind a
// circuit breaker so a dead provider fails fast instead of tying up an
// executor slot per attempt.
type HTTPSender struct {
	baseURL string
	apiKey  string
	from    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*Receipt]
}

// NewHTTPSender builds the provider adapter. from is the default sender
// address applied when an email carries none.
func NewHTTPSender(baseURL, apiKey, from string) *HTTPSender {
	return &HTTPSender{
		baseURL: baseURL,
		apiKey:  apiKey,
		from:    from,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker[*Receipt](gobreaker.Settings{
			Name:        "mailer",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Send posts the message with the idempotency key in the header the
// provider dedupes on.
func (s *HTTPSender) Send(ctx context.Context, email Email, idempotencyKey string) (*Receipt, error) {
	if email.To == "" {
		return nil, fmt.Errorf("mailer: missing recipient")
	}
	if idempotencyKey == "" {
		return nil, fmt.Errorf("mailer: missing idempotency key")
	}
	if email.From == "" {
		email.From = s.from
	}

	receipt, err := s.breaker.Execute(func() (*Receipt, error) {
		return s.post(ctx, email, idempotencyKey)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// An open breaker is a provider outage; retryable once it heals.
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return receipt, err
}

func (s *HTTPSender) post(ctx context.Context, email Email, idempotencyKey string) (*Receipt, error) {
	body, err := json.Marshal(email)
	if err != nil {
		return nil, fmt.Errorf("mailer: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/send", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mailer: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: provider returned %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("mailer: provider returned %d: %s", resp.StatusCode, snippet)
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, fmt.Errorf("mailer: decode response: %w", err)
	}
	if receipt.ProviderMessageID == "" {
		return nil, fmt.Errorf("mailer: provider returned no message id")
	}
	return &receipt, nil
}
