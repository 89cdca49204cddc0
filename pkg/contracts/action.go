package contracts

import "fmt"

// Action is the executable form of an approved proposal. The executor
// switches on the concrete variant, so an invalid combination of action
// type and payload is unrepresentable once BuildAction has succeeded.
type Action interface {
	// Kind returns the action type this variant executes.
	Kind() ActionType
}

// SendEmailAction sends one outbound message built from the proposal
// draft and transitions the case via Event on success.
type SendEmailAction struct {
	Type     ActionType
	To       string
	From     string
	Subject  string
	BodyText string
	BodyHTML string
	Headers  map[string]string
	Event    CaseEvent
}

func (a SendEmailAction) Kind() ActionType { return a.Type }

// AcceptFeeAction accepts a quoted fee and notifies the agency.
type AcceptFeeAction struct {
	AmountCents int64
	Currency    string
	Email       SendEmailAction
}

func (AcceptFeeAction) Kind() ActionType { return ActionAcceptFee }

// SubmitPortalAction hands the case to the portal worker.
type SubmitPortalAction struct {
	PortalURL    string
	Provider     string
	Instructions string
	PortalTaskID string
}

func (SubmitPortalAction) Kind() ActionType { return ActionSubmitPortal }

// SendPDFAction mails a previously generated PDF attachment.
type SendPDFAction struct {
	AttachmentID string
	Filename     string
	Email        SendEmailAction
}

func (SendPDFAction) Kind() ActionType { return ActionSendPDFEmail }

// CloseCaseAction closes the case with an outcome.
type CloseCaseAction struct {
	Outcome OutcomeType
	Summary string
}

func (CloseCaseAction) Kind() ActionType { return ActionCloseCase }

// WithdrawAction notifies the agency of withdrawal, then closes.
type WithdrawAction struct {
	Email SendEmailAction
}

func (WithdrawAction) Kind() ActionType { return ActionWithdraw }

// ReformulateAction replaces the case request body with the drafted
// rewrite. No outbound side effect.
type ReformulateAction struct {
	NewBody string
}

func (ReformulateAction) Kind() ActionType { return ActionReformulateRequest }

// ResearchAction dispatches a guided reprocess with the research flag.
// No outbound side effect.
type ResearchAction struct {
	Instruction string
}

func (ResearchAction) Kind() ActionType { return ActionResearchAgency }

// NoOpAction records that nothing needed doing.
type NoOpAction struct{}

func (NoOpAction) Kind() ActionType { return ActionNone }

// BuildAction decodes a proposal into its executable variant. Escalations
// never reach the executor; they are resolved at the gate.
func BuildAction(p *Proposal, c *Case) (Action, error) {
	// Every outbound send leaves the case waiting on the agency again.
	email := SendEmailAction{
		Type:     p.ActionType,
		To:       c.AgencyEmail,
		Subject:  p.DraftSubject,
		BodyText: p.DraftBodyText,
		BodyHTML: p.DraftBodyHTML,
		Event:    EventCaseSent,
	}

	switch p.ActionType {
	case ActionSendInitialRequest, ActionSendFollowup, ActionSendClarification,
		ActionSendRebuttal, ActionSendAppeal, ActionRespondPartialApproval,
		ActionNegotiateFee, ActionDeclineFee, ActionSendFeeWaiverRequest,
		ActionSendStatusUpdate:
		if email.To == "" {
			return nil, fmt.Errorf("action %s: case %s has no agency email", p.ActionType, c.ID)
		}
		return email, nil

	case ActionAcceptFee:
		if c.FeeQuote == nil {
			return nil, fmt.Errorf("action ACCEPT_FEE: case %s has no fee quote", c.ID)
		}
		return AcceptFeeAction{
			AmountCents: c.FeeQuote.AmountCents,
			Currency:    c.FeeQuote.Currency,
			Email:       email,
		}, nil

	case ActionSubmitPortal:
		if c.PortalURL == "" {
			return nil, fmt.Errorf("action SUBMIT_PORTAL: case %s has no portal url", c.ID)
		}
		return SubmitPortalAction{PortalURL: c.PortalURL}, nil

	case ActionSendPDFEmail:
		return SendPDFAction{Email: email}, nil

	case ActionCloseCase:
		return CloseCaseAction{Outcome: closeOutcome(c), Summary: p.DraftBodyText}, nil

	case ActionWithdraw:
		return WithdrawAction{Email: email}, nil

	case ActionReformulateRequest:
		if p.DraftBodyText == "" {
			return nil, fmt.Errorf("action REFORMULATE_REQUEST: proposal %s carries no draft", p.ID)
		}
		return ReformulateAction{NewBody: p.DraftBodyText}, nil

	case ActionResearchAgency:
		return ResearchAction{Instruction: decisionInstruction(p)}, nil

	case ActionNone:
		return NoOpAction{}, nil

	case ActionEscalate:
		return nil, fmt.Errorf("action ESCALATE is resolved at the gate, not executed")
	}

	return nil, fmt.Errorf("unknown action type %q", p.ActionType)
}

func closeOutcome(c *Case) OutcomeType {
	if c.OutcomeType != "" {
		return c.OutcomeType
	}
	for _, item := range c.ScopeItems {
		if item.Status == ScopeConfirmedAvailable {
			return OutcomeRecordsReceived
		}
	}
	if c.HasConstraint(ConstraintNotHeld) {
		return OutcomeNoResponse
	}
	return OutcomeRecordsReceived
}

func decisionInstruction(p *Proposal) string {
	if p.HumanDecision == nil {
		return ""
	}
	return p.HumanDecision.Instruction
}
