package contracts

import "time"

// ExecutionStatus is the lifecycle of one recorded side effect.
type ExecutionStatus string

// Execution statuses. STARTED rows without a matching COMPLETED are the
// reaper's signal that a side effect may have escaped its state update.
const (
	ExecutionStarted   ExecutionStatus = "STARTED"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// Execution is one entry in the append-only side-effect log. This log is
// the source of truth for what actually left the system; case and
// proposal state are reconstructed from it after a crash.
type Execution struct {
	ID         string `json:"id"`
	ProposalID string `json:"proposal_id"`
	CaseID     string `json:"case_id"`

	// Kind names the side-effect channel: "email", "portal", "internal".
	Kind string `json:"kind"`

	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	Status            ExecutionStatus `json:"status"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Side-effect channels.
const (
	ExecutionKindEmail    = "email"
	ExecutionKindPortal   = "portal"
	ExecutionKindInternal = "internal"
)
