package dispatch

// Task type names. Handlers are registered against these strings at
// wiring time, which keeps the packages that trigger work decoupled
// from the packages that perform it.
const (
	// TaskProcessInitial sends a drafted case for the first time.
	TaskProcessInitial = "process-initial-request"
	// TaskProcessInbound runs the inbound pipeline for one message.
	TaskProcessInbound = "process-inbound"
	// TaskExecuteProposal executes an approved proposal.
	TaskExecuteProposal = "execute-proposal"
	// TaskResumeDecision resumes a parked run with a human decision.
	TaskResumeDecision = "resume-decision"
	// TaskSubmitPortal drives a portal submission to completion.
	TaskSubmitPortal = "submit-portal"
	// TaskSummarizeOutcome writes the outcome summary on a closed case.
	TaskSummarizeOutcome = "summarize-outcome"
)
