package contracts

import "time"

// ReasonWaitpointExpired is the completion reason stamped by the reaper
// when a waitpoint passes its deadline without a decision.
const ReasonWaitpointExpired = "waitpoint_expired"

// ReasonCaseReset is the completion reason stamped when a case reset
// revokes its open waitpoints.
const ReasonCaseReset = "case_reset"

// CompletionPayload is what a parked run wakes up with.
type CompletionPayload struct {
	Action      DecisionAction `json:"action"`
	Instruction string         `json:"instruction,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// Waitpoint is a single-use durable token suspending one run until a
// human decision arrives. The first Complete wins; everyone else sees
// AlreadyCompleted.
type Waitpoint struct {
	Token      string `json:"token"`
	ProposalID string `json:"proposal_id"`
	CaseID     string `json:"case_id"`

	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CompletionPayload *CompletionPayload `json:"completion_payload,omitempty"`
}

// Expired reports whether the waitpoint has passed its deadline without
// completing.
func (w *Waitpoint) Expired(now time.Time) bool {
	return w.CompletedAt == nil && now.After(w.ExpiresAt)
}
