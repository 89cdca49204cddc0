package contracts

import "time"

// Activity event types. Peripheral tooling filters on these strings.
const (
	ActivityCaseTransition         = "case_transition"
	ActivityCaseReset              = "case_reset"
	ActivityMessageAttached        = "message_attached"
	ActivityMessageUnmatched       = "message_unmatched"
	ActivityProposalCreated        = "proposal_created"
	ActivityProposalGated          = "proposal_gated"
	ActivityProposalExecuted       = "proposal_executed"
	ActivityProposalDismissed      = "proposal_dismissed"
	ActivityProposalWithdrawn      = "proposal_withdrawn"
	ActivityProposalRolledBack     = "proposal_rolled_back"
	ActivityProposalDispatchFailed = "proposal_dispatch_failed"
	ActivityDecisionReceived       = "decision_received"
	ActivityAdjustmentRequested    = "adjustment_requested"
	ActivityWaitpointExpired       = "waitpoint_expired"
	ActivityRunFailed              = "run_failed"
	ActivityRunSuperseded          = "run_superseded"
	ActivityPortalTimeout          = "portal_timeout"
	ActivityExecutionFailed        = "execution_failed"
)

// ActivityEntry is one line in a case's append-only audit stream. Every
// state transition lands here; the stream is what a human reads to
// resume a wedged case by hand.
type ActivityEntry struct {
	ID          string         `json:"id"`
	CaseID      string         `json:"case_id"`
	EventType   string         `json:"event_type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
