package contracts

import "time"

// RunStatus is the lifecycle state of an orchestration attempt.
type RunStatus string

// Run statuses. At most one run per case may sit in queued, running, or
// waiting at any instant; a violation is a reconciliation signal, not a
// crash.
const (
	RunCreated   RunStatus = "created"
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsActive reports whether the run still occupies its case.
func (s RunStatus) IsActive() bool {
	return s == RunQueued || s == RunRunning || s == RunWaiting
}

// TriggerType records what started a run.
type TriggerType string

// Trigger types.
const (
	TriggerInboundMessage  TriggerType = "INBOUND_MESSAGE"
	TriggerInitialRequest  TriggerType = "INITIAL_REQUEST"
	TriggerManual          TriggerType = "MANUAL_RETRIGGER"
	TriggerHumanReview     TriggerType = "HUMAN_REVIEW_RESOLUTION"
	TriggerReset           TriggerType = "RESET_TO_LAST_INBOUND"
	TriggerDeadline        TriggerType = "DEADLINE_CHECK"
	TriggerReprocess       TriggerType = "REPROCESS"
)

// ErrorSuperseded is the run error recorded when a newer compatible run
// claims the case.
const ErrorSuperseded = "superseded"

// ErrorStuck is the run error recorded by the reaper for runs that made
// no progress past the stuck threshold.
const ErrorStuck = "stuck"

// AgentRun is one orchestration attempt against a case: a durable row,
// not a thread. Parked runs keep their state here and are woken by the
// dispatcher when their waitpoint completes.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type AgentRun struct {
	ID          string      `json:"id"`
	CaseID      string      `json:"case_id"`
	TriggerType TriggerType `json:"trigger_type"`
	Status      RunStatus   `json:"status"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Error     string     `json:"error,omitempty"`

	// ThreadRef is an opaque continuation reference for parked runs.
	ThreadRef string `json:"thread_ref,omitempty"`

	MessageID  string `json:"message_id,omitempty"`
	ProposalID string `json:"proposal_id,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
