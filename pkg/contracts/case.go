// Package contracts defines the shared domain types for the docket case
// engine: cases, messages, proposals, runs, waitpoints, and executions.
// These types are stored, logged, and reasoned over by peripheral tooling,
// so the status and action lexicons here are load-bearing: renaming a
// constant is a wire format change.
package contracts

import "time"

// CaseStatus is the lifecycle state of a records request.
type CaseStatus string

// Case lifecycle states. The happy path runs draft through completed;
// the needs_* states are review side-branches entered by escalation.
const (
	CaseDraft            CaseStatus = "draft"
	CaseReadyToSend      CaseStatus = "ready_to_send"
	CaseSent             CaseStatus = "sent"
	CaseAwaitingResponse CaseStatus = "awaiting_response"
	CaseResponded        CaseStatus = "responded"
	CaseCompleted        CaseStatus = "completed"
	CaseCancelled        CaseStatus = "cancelled"

	CaseNeedsHumanReview      CaseStatus = "needs_human_review"
	CaseNeedsPhoneCall        CaseStatus = "needs_phone_call"
	CaseNeedsContactInfo      CaseStatus = "needs_contact_info"
	CaseNeedsHumanFeeApproval CaseStatus = "needs_human_fee_approval"
	CasePortalInProgress      CaseStatus = "portal_in_progress"
)

// IsTerminal reports whether no further mutation is allowed except the
// outcome summary.
func (s CaseStatus) IsTerminal() bool {
	return s == CaseCompleted || s == CaseCancelled
}

// IsReview reports whether the case sits in a human-review side branch.
func (s CaseStatus) IsReview() bool {
	switch s {
	case CaseNeedsHumanReview, CaseNeedsPhoneCall, CaseNeedsContactInfo, CaseNeedsHumanFeeApproval:
		return true
	}
	return false
}

// AutopilotMode is the per-case autonomy policy.
type AutopilotMode string

// Autopilot modes.
const (
	ModeAuto       AutopilotMode = "AUTO"
	ModeSupervised AutopilotMode = "SUPERVISED"
	ModeManual     AutopilotMode = "MANUAL"
)

// PauseReason explains why a case requires a human. Empty means not paused.
type PauseReason string

// Pause reasons.
const (
	PauseFeeQuote   PauseReason = "FEE_QUOTE"
	PauseDenial     PauseReason = "DENIAL"
	PauseScope      PauseReason = "SCOPE"
	PauseSensitive  PauseReason = "SENSITIVE"
	PauseIDRequired PauseReason = "ID_REQUIRED"
	PauseManual     PauseReason = "MANUAL"
)

// Constraint is a canonical tag summarizing what the agency has said.
type Constraint string

// Canonical constraint tags. Raw classifier strings are folded onto this
// set by canonicalization; unknown tags are dropped, not invented.
const (
	ConstraintFeeRequired       Constraint = "FEE_REQUIRED"
	ConstraintExemptionClaimed  Constraint = "EXEMPTION_CLAIMED"
	ConstraintNotHeld           Constraint = "NOT_HELD"
	ConstraintIDRequired        Constraint = "ID_REQUIRED"
	ConstraintPortalOnly        Constraint = "PORTAL_ONLY"
	ConstraintPaperOnly         Constraint = "PAPER_ONLY"
	ConstraintNeedsClarify      Constraint = "NEEDS_CLARIFICATION"
	ConstraintReferredElsewhere Constraint = "REFERRED_ELSEWHERE"
)

// ScopeItemStatus tracks what the agency has said about one requested item.
type ScopeItemStatus string

// Scope item statuses.
const (
	ScopeRequested          ScopeItemStatus = "REQUESTED"
	ScopeConfirmedAvailable ScopeItemStatus = "CONFIRMED_AVAILABLE"
	ScopeNotDisclosable     ScopeItemStatus = "NOT_DISCLOSABLE"
	ScopeNotHeld            ScopeItemStatus = "NOT_HELD"
)

// ScopeItem is one requested record category and its disclosure status.
type ScopeItem struct {
	Name   string          `json:"name"`
	Status ScopeItemStatus `json:"status"`
	Reason string          `json:"reason,omitempty"`
}

// FeeQuoteStatus tracks the negotiation state of a quoted fee.
type FeeQuoteStatus string

// Fee quote statuses.
const (
	FeePending         FeeQuoteStatus = "PENDING"
	FeeAccepted        FeeQuoteStatus = "ACCEPTED"
	FeeDeclined        FeeQuoteStatus = "DECLINED"
	FeeNegotiating     FeeQuoteStatus = "NEGOTIATING"
	FeeWaiverRequested FeeQuoteStatus = "WAIVER_REQUESTED"
)

// FeeQuote is a fee the agency has asked for before releasing records.
type FeeQuote struct {
	AmountCents int64          `json:"amount_cents"`
	Currency    string         `json:"currency"` // ISO 4217
	QuotedAt    time.Time      `json:"quoted_at"`
	Status      FeeQuoteStatus `json:"status"`
}

// OutcomeType categorizes how a case ended.
type OutcomeType string

// Outcome types.
const (
	OutcomeRecordsReceived OutcomeType = "RECORDS_RECEIVED"
	OutcomePartialRecords  OutcomeType = "PARTIAL_RECORDS"
	OutcomeDenied          OutcomeType = "DENIED"
	OutcomeWithdrawn       OutcomeType = "WITHDRAWN"
	OutcomeNoResponse      OutcomeType = "NO_RESPONSE"
)

// Case is the lifetime record of one public-records request against one
// agency. A case exclusively owns its messages, proposals, runs,
// executions, and activity entries.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Case struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Status    CaseStatus `json:"status"`
	Substatus string     `json:"substatus,omitempty"`

	AutopilotMode AutopilotMode `json:"autopilot_mode"`
	RequiresHuman bool          `json:"requires_human"`
	PauseReason   PauseReason   `json:"pause_reason,omitempty"`

	AgencyName  string `json:"agency_name"`
	AgencyEmail string `json:"agency_email"`
	PortalURL   string `json:"portal_url,omitempty"`

	Subject     string `json:"subject"`
	RequestBody string `json:"request_body"`

	// ThreadID is the opaque conversation handle owned by the case.
	// Matching against provider headers happens once, during message
	// attachment, never again downstream.
	ThreadID string `json:"thread_id,omitempty"`

	DeadlineDate *time.Time `json:"deadline_date,omitempty"`
	SendDate     *time.Time `json:"send_date,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`

	FeeQuote    *FeeQuote    `json:"fee_quote,omitempty"`
	ScopeItems  []ScopeItem  `json:"scope_items,omitempty"`
	Constraints []Constraint `json:"constraints,omitempty"`

	ResearchNotes    string `json:"research_notes,omitempty"`
	LastPortalStatus string `json:"last_portal_status,omitempty"`

	OutcomeType    OutcomeType `json:"outcome_type,omitempty"`
	OutcomeSummary string      `json:"outcome_summary,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasConstraint reports whether the canonical tag is already recorded.
func (c *Case) HasConstraint(tag Constraint) bool {
	for _, got := range c.Constraints {
		if got == tag {
			return true
		}
	}
	return false
}

// CaseEvent is the abstract input to the case state machine.
type CaseEvent string

// Transition events.
const (
	EventCaseSent         CaseEvent = "CASE_SENT"
	EventInboundReceived  CaseEvent = "INBOUND_RECEIVED"
	EventFeeQuoteReceived CaseEvent = "FEE_QUOTE_RECEIVED"
	EventPortalStarted    CaseEvent = "PORTAL_STARTED"
	EventCaseEscalated    CaseEvent = "CASE_ESCALATED"
	EventCaseReconciled   CaseEvent = "CASE_RECONCILED"
	EventCaseClosed       CaseEvent = "CASE_CLOSED"
)
