// Package portal is the port to the remote browser-driving worker that
// submits requests through agency web portals. The engine creates a
// portal_task row, dispatches the submit task, and folds the worker's
// result back into the row; superseding approvals cancel in-flight
// tasks before minting new ones.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
)

// Timeouts for one portal submission. Soft produces a metric; hard
// fails the task.
const (
	SoftTimeout = 5 * time.Minute
	HardTimeout = 15 * time.Minute
)

// ErrTransient marks runner failures worth retrying.
var ErrTransient = errors.New("portal: transient runner failure")

// Job is one submission handed to the worker.
type Job struct {
	CaseID       string `json:"case_id"`
	PortalTaskID string `json:"portal_task_id"`
	PortalURL    string `json:"portal_url"`
	Provider     string `json:"provider,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Subject      string `json:"subject"`
	RequestBody  string `json:"request_body"`
}

// Result is the worker's verdict.
type Result struct {
	Status             contracts.PortalTaskStatus `json:"status"`
	ConfirmationNumber string                     `json:"confirmation_number,omitempty"`
	Error              string                     `json:"error,omitempty"`
}

// Runner drives one submission to completion. Submit blocks up to the
// hard timeout; cancellation via ctx maps to a CANCELLED result.
type Runner interface {
	Submit(ctx context.Context, job Job) (*Result, error)
}

// HTTPRunner posts jobs to the external portal automation service.
type HTTPRunner struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPRunner builds the runner adapter.
func NewHTTPRunner(baseURL, apiKey string) *HTTPRunner {
	return &HTTPRunner{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: HardTimeout},
	}
}

// Submit posts the job and waits for the worker's synchronous verdict.
// The portal task id doubles as the worker-side idempotency key.
func (r *HTTPRunner) Submit(ctx context.Context, job Job) (*Result, error) {
	if job.PortalURL == "" {
		return nil, fmt.Errorf("portal: missing portal url")
	}
	if job.PortalTaskID == "" {
		return nil, fmt.Errorf("portal: missing portal task id")
	}

	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("portal: marshal job: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, HardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/submit", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("portal: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", job.PortalTaskID)

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Result{Status: contracts.PortalTimeout, Error: "hard timeout"}, nil
		}
		if errors.Is(err, context.Canceled) {
			return &Result{Status: contracts.PortalCancelled, Error: "cancelled"}, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: runner returned %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("portal: runner returned %d: %s", resp.StatusCode, snippet)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("portal: decode result: %w", err)
	}
	if !result.Status.IsFinal() {
		return nil, fmt.Errorf("portal: runner returned non-final status %q", result.Status)
	}
	return &result, nil
}
