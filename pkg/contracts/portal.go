package contracts

import "time"

// PortalTaskStatus is the lifecycle of one portal submission attempt.
type PortalTaskStatus string

// Portal task statuses.
const (
	PortalPending   PortalTaskStatus = "PENDING"
	PortalRunning   PortalTaskStatus = "RUNNING"
	PortalSuccess   PortalTaskStatus = "SUCCESS"
	PortalFailed    PortalTaskStatus = "FAILED"
	PortalTimeout   PortalTaskStatus = "TIMEOUT"
	PortalCancelled PortalTaskStatus = "CANCELLED"
)

// IsFinal reports whether the portal worker is done with this task.
func (s PortalTaskStatus) IsFinal() bool {
	switch s {
	case PortalSuccess, PortalFailed, PortalTimeout, PortalCancelled:
		return true
	}
	return false
}

// PortalTask is one browser-driven submission handed to the portal
// worker. Superseding approvals cancel the in-flight task and mint a
// fresh row; the worker checks status before every step.
type PortalTask struct {
	ID         string `json:"id"`
	CaseID     string `json:"case_id"`
	ProposalID string `json:"proposal_id,omitempty"`

	PortalURL    string `json:"portal_url"`
	Provider     string `json:"provider,omitempty"`
	Instructions string `json:"instructions,omitempty"`

	Status             PortalTaskStatus `json:"status"`
	ConfirmationNumber string           `json:"confirmation_number,omitempty"`
	Error              string           `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
