package contracts

import "testing"

func fixtureCase() *Case {
	return &Case{
		ID:          "case-1",
		Status:      CaseResponded,
		AgencyEmail: "records@agency.example.gov",
		PortalURL:   "https://portal.example.gov/request",
		FeeQuote:    &FeeQuote{AmountCents: 1500, Currency: "USD", Status: FeePending},
	}
}

func TestBuildActionSendFamily(t *testing.T) {
	c := fixtureCase()
	for _, at := range []ActionType{
		ActionSendFollowup, ActionSendRebuttal, ActionSendAppeal,
		ActionSendClarification, ActionNegotiateFee, ActionSendStatusUpdate,
	} {
		p := &Proposal{ID: "p1", ActionType: at, DraftSubject: "s", DraftBodyText: "b"}
		a, err := BuildAction(p, c)
		if err != nil {
			t.Fatalf("%s: %v", at, err)
		}
		email, ok := a.(SendEmailAction)
		if !ok {
			t.Fatalf("%s: expected SendEmailAction, got %T", at, a)
		}
		if email.To != c.AgencyEmail {
			t.Fatalf("%s: expected agency recipient, got %q", at, email.To)
		}
		if email.Event != EventCaseSent {
			t.Fatalf("%s: expected CASE_SENT transition, got %s", at, email.Event)
		}
	}
}

func TestBuildActionSendWithoutRecipient(t *testing.T) {
	c := fixtureCase()
	c.AgencyEmail = ""
	p := &Proposal{ID: "p1", ActionType: ActionSendFollowup}
	if _, err := BuildAction(p, c); err == nil {
		t.Fatal("expected error for missing agency email")
	}
}

func TestBuildActionAcceptFee(t *testing.T) {
	p := &Proposal{ID: "p1", ActionType: ActionAcceptFee, DraftBodyText: "we accept"}
	a, err := BuildAction(p, fixtureCase())
	if err != nil {
		t.Fatal(err)
	}
	fee, ok := a.(AcceptFeeAction)
	if !ok {
		t.Fatalf("expected AcceptFeeAction, got %T", a)
	}
	if fee.AmountCents != 1500 || fee.Currency != "USD" {
		t.Fatalf("unexpected fee payload: %+v", fee)
	}
}

func TestBuildActionAcceptFeeWithoutQuote(t *testing.T) {
	c := fixtureCase()
	c.FeeQuote = nil
	p := &Proposal{ID: "p1", ActionType: ActionAcceptFee}
	if _, err := BuildAction(p, c); err == nil {
		t.Fatal("expected error for missing fee quote")
	}
}

func TestBuildActionEscalateRejected(t *testing.T) {
	p := &Proposal{ID: "p1", ActionType: ActionEscalate}
	if _, err := BuildAction(p, fixtureCase()); err == nil {
		t.Fatal("escalations must not be executable")
	}
}

func TestCaseStatusPredicates(t *testing.T) {
	if !CaseCompleted.IsTerminal() || !CaseCancelled.IsTerminal() {
		t.Fatal("completed and cancelled are terminal")
	}
	if CaseResponded.IsTerminal() {
		t.Fatal("responded is not terminal")
	}
	if !CaseNeedsHumanFeeApproval.IsReview() {
		t.Fatal("needs_human_fee_approval is a review state")
	}
	if CasePortalInProgress.IsReview() {
		t.Fatal("portal_in_progress is not a review state")
	}
}

func TestProposalAllowsDecision(t *testing.T) {
	p := &Proposal{GateOptions: []DecisionAction{DecisionApprove, DecisionDismiss}}
	if !p.AllowsDecision(DecisionApprove) {
		t.Fatal("APPROVE should be allowed")
	}
	if p.AllowsDecision(DecisionAdjust) {
		t.Fatal("ADJUST should not be allowed")
	}
}

func TestRunStatusIsActive(t *testing.T) {
	for _, s := range []RunStatus{RunQueued, RunRunning, RunWaiting} {
		if !s.IsActive() {
			t.Fatalf("%s should be active", s)
		}
	}
	for _, s := range []RunStatus{RunCreated, RunCompleted, RunFailed, RunCancelled} {
		if s.IsActive() {
			t.Fatalf("%s should not be active", s)
		}
	}
}
