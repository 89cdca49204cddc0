package contracts

import "time"

// ActionType is the closed set of things a proposal can do. Peripheral
// tooling stores and matches on these strings.
type ActionType string

// Action types.
const (
	ActionSendInitialRequest     ActionType = "SEND_INITIAL_REQUEST"
	ActionSendFollowup           ActionType = "SEND_FOLLOWUP"
	ActionSendClarification      ActionType = "SEND_CLARIFICATION"
	ActionSendRebuttal           ActionType = "SEND_REBUTTAL"
	ActionSendAppeal             ActionType = "SEND_APPEAL"
	ActionRespondPartialApproval ActionType = "RESPOND_PARTIAL_APPROVAL"
	ActionAcceptFee              ActionType = "ACCEPT_FEE"
	ActionNegotiateFee           ActionType = "NEGOTIATE_FEE"
	ActionDeclineFee             ActionType = "DECLINE_FEE"
	ActionSendFeeWaiverRequest   ActionType = "SEND_FEE_WAIVER_REQUEST"
	ActionEscalate               ActionType = "ESCALATE"
	ActionResearchAgency         ActionType = "RESEARCH_AGENCY"
	ActionReformulateRequest     ActionType = "REFORMULATE_REQUEST"
	ActionSubmitPortal           ActionType = "SUBMIT_PORTAL"
	ActionSendPDFEmail           ActionType = "SEND_PDF_EMAIL"
	ActionSendStatusUpdate       ActionType = "SEND_STATUS_UPDATE"
	ActionCloseCase              ActionType = "CLOSE_CASE"
	ActionWithdraw               ActionType = "WITHDRAW"
	ActionNone                   ActionType = "NONE"
)

// NeedsDraft reports whether the planner must produce outbound content
// for this action.
func (a ActionType) NeedsDraft() bool {
	switch a {
	case ActionSendInitialRequest, ActionSendFollowup, ActionSendClarification,
		ActionSendRebuttal, ActionSendAppeal, ActionRespondPartialApproval,
		ActionAcceptFee, ActionNegotiateFee, ActionDeclineFee,
		ActionSendFeeWaiverRequest, ActionSendStatusUpdate,
		ActionReformulateRequest, ActionWithdraw:
		return true
	}
	return false
}

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

// Proposal statuses. Transitions are forward-only apart from the
// dispatch-failure rollback to PENDING_APPROVAL. EXECUTING is the
// transient single-flight claim held by exactly one executor worker.
const (
	ProposalPendingApproval     ProposalStatus = "PENDING_APPROVAL"
	ProposalBlocked             ProposalStatus = "BLOCKED"
	ProposalDecisionReceived    ProposalStatus = "DECISION_RECEIVED"
	ProposalApproved            ProposalStatus = "APPROVED"
	ProposalExecuting           ProposalStatus = "EXECUTING"
	ProposalPendingPortal       ProposalStatus = "PENDING_PORTAL"
	ProposalExecuted            ProposalStatus = "EXECUTED"
	ProposalDismissed           ProposalStatus = "DISMISSED"
	ProposalWithdrawn           ProposalStatus = "WITHDRAWN"
	ProposalAdjustmentRequested ProposalStatus = "ADJUSTMENT_REQUESTED"
)

// IsOpen reports whether the proposal still awaits a decision.
func (s ProposalStatus) IsOpen() bool {
	return s == ProposalPendingApproval || s == ProposalBlocked
}

// DecisionAction is a human decision on a gated proposal. The same set
// doubles as a proposal's gate options.
type DecisionAction string

// Decision actions.
const (
	DecisionApprove       DecisionAction = "APPROVE"
	DecisionAdjust        DecisionAction = "ADJUST"
	DecisionDismiss       DecisionAction = "DISMISS"
	DecisionRetryResearch DecisionAction = "RETRY_RESEARCH"
)

// HumanDecision is the closed record of a resolved gate. Unknown fields
// arriving from callers are retained on Extra, never silently dropped.
type HumanDecision struct {
	Action      DecisionAction `json:"action"`
	Instruction string         `json:"instruction,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	RouteMode   string         `json:"route_mode,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	DecidedAt   time.Time      `json:"decided_at"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Proposal is a concrete, reviewable plan for one next action on a case.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Proposal struct {
	ID     string `json:"id"`
	CaseID string `json:"case_id"`
	RunID  string `json:"run_id,omitempty"`

	// TriggerMessageID is empty for timer-triggered proposals.
	TriggerMessageID string `json:"trigger_message_id,omitempty"`

	ActionType ActionType     `json:"action_type"`
	Status     ProposalStatus `json:"status"`
	Confidence float64        `json:"confidence"`

	RiskFlags   []string         `json:"risk_flags,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	Reasoning   []string         `json:"reasoning,omitempty"`
	GateOptions []DecisionAction `json:"gate_options,omitempty"`

	DraftSubject  string `json:"draft_subject,omitempty"`
	DraftBodyText string `json:"draft_body_text,omitempty"`
	DraftBodyHTML string `json:"draft_body_html,omitempty"`

	// ProposalKey dedupes planner output: inserting a conflicting key
	// returns the existing row instead of a twin.
	ProposalKey string `json:"proposal_key"`

	WaitpointToken string `json:"waitpoint_token,omitempty"`

	// ExecutionKey is unique when set and doubles as the downstream
	// idempotency key. Never assigned while PENDING_APPROVAL.
	ExecutionKey string `json:"execution_key,omitempty"`

	HumanDecision *HumanDecision `json:"human_decision,omitempty"`

	// Adjustment lineage for the ADJUST loop.
	ParentProposalID string `json:"parent_proposal_id,omitempty"`
	AdjustmentCount  int    `json:"adjustment_count,omitempty"`

	EmailJobID string     `json:"email_job_id,omitempty"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllowsDecision reports whether the action is among the proposal's gate
// options.
func (p *Proposal) AllowsDecision(action DecisionAction) bool {
	for _, opt := range p.GateOptions {
		if opt == action {
			return true
		}
	}
	return false
}
