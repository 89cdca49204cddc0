// Package notify is the fire-and-forget notification bus feeding UIs
// and the SSE stream. Losses are acceptable by contract: publication
// never blocks the caller and never fails a case operation. The default
// backend is the in-process hub; multi-process deployments layer Redis
// pub/sub on top.
package notify

import (
	"context"
	"time"
)

// Notification kinds.
const (
	KindProposalGated    = "proposal_gated"
	KindProposalExecuted = "proposal_executed"
	KindProposalRejected = "proposal_rejected"
	KindDecisionReceived = "decision_received"
	KindCaseTransition   = "case_transition"
	KindCaseReset        = "case_reset"
	KindRunFailed        = "run_failed"
	KindPortalUpdate     = "portal_update"
	KindReaperAlert      = "reaper_alert"
)

// Event is one out-of-band notification.
type Event struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	CaseID  string         `json:"case_id,omitempty"`
	OwnerID string         `json:"owner_id,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
	At      time.Time      `json:"at"`
}

// Notifier publishes events. Implementations must not block and must
// swallow their own failures.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Nop discards everything.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Event) {}
