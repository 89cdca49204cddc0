// Package planner turns a case and its latest analysis into exactly one
// proposed next action. Selection is a fixed ordered rule table, first
// match wins; drafted actions get their outbound content from the
// Drafter port before persistence. Persistence is idempotent on
// proposal_key, so replanning the same trigger returns the existing row
// instead of a twin.
package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/docket/pkg/classifier"
	"github.com/Mindburn-Labs/docket/pkg/contracts"
	"github.com/Mindburn-Labs/docket/pkg/policy"
	"github.com/Mindburn-Labs/docket/pkg/store"
)

// Input is one planning request.
type Input struct {
	Case *contracts.Case
	// Analysis is nil for timer and initial-request triggers.
	Analysis *contracts.Analysis
	// TriggerMessageID is empty for timer triggers; the key falls back
	// to a trigger-type/day bucket so repeated timer plans dedupe.
	TriggerMessageID string
	Trigger          contracts.TriggerType
	RunID            string
	// Instruction carries operator guidance from an ADJUST decision.
	Instruction string
	// Parent links the adjustment lineage.
	Parent *contracts.Proposal
}

// Planner picks and persists the next action.
type Planner struct {
	store   *store.Store
	drafter classifier.Drafter
	profile policy.Profile
	clock   func() time.Time
	logger  *slog.Logger
}

// New builds a planner.
func New(st *store.Store, drafter classifier.Drafter, profile policy.Profile) *Planner {
	return &Planner{
		store:   st,
		drafter: drafter,
		profile: profile,
		clock:   time.Now,
		logger:  slog.Default().With("component", "planner"),
	}
}

// WithClock replaces the time source for tests.
func (p *Planner) WithClock(clock func() time.Time) *Planner {
	p.clock = clock
	return p
}

// Plan selects the action, drafts content if the action needs it, and
// persists the proposal. A NONE selection persists nothing and returns
// (nil, false, nil). The bool reports whether the row is new; false with
// a non-nil proposal means the key already existed.
func (p *Planner) Plan(ctx context.Context, in Input) (*contracts.Proposal, bool, error) {
	sel, err := p.selectAction(ctx, in)
	if err != nil {
		return nil, false, err
	}
	if sel.action == contracts.ActionNone {
		p.logger.Info("no action proposed", "case_id", in.Case.ID, "trigger", in.Trigger)
		return nil, false, nil
	}

	var draft *contracts.Draft
	if sel.action.NeedsDraft() {
		draft, err = p.drafter.Draft(ctx, classifier.DraftRequest{
			Case:        in.Case,
			Analysis:    in.Analysis,
			ActionType:  sel.action,
			Instruction: in.Instruction,
		})
		if err != nil {
			return nil, false, fmt.Errorf("draft %s for case %s: %w", sel.action, in.Case.ID, err)
		}
	}

	now := p.clock().UTC()
	key, err := proposalKey(in, sel.action, draft, now, 0)
	if err != nil {
		return nil, false, err
	}
	prop := &contracts.Proposal{
		ID:               uuid.NewString(),
		CaseID:           in.Case.ID,
		RunID:            in.RunID,
		TriggerMessageID: in.TriggerMessageID,
		ActionType:       sel.action,
		Status:           contracts.ProposalPendingApproval,
		Confidence:       sel.confidence,
		RiskFlags:        sel.riskFlags,
		Warnings:         sel.warnings,
		Reasoning:        sel.reasoning,
		GateOptions:      gateOptions(sel.action),
		ProposalKey:      key,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if draft != nil {
		prop.DraftSubject = draft.Subject
		prop.DraftBodyText = draft.BodyText
		prop.DraftBodyHTML = draft.BodyHTML
	}
	if in.Parent != nil {
		prop.ParentProposalID = in.Parent.ID
		prop.AdjustmentCount = in.Parent.AdjustmentCount + 1
	}

	got, created, err := p.store.CreateProposal(ctx, prop)
	if err != nil {
		return nil, false, fmt.Errorf("persist proposal for case %s: %w", in.Case.ID, err)
	}
	// A withdrawn twin was discarded by a supersede or reset and does
	// not satisfy a fresh trigger; salt the key until a live row wins.
	// Dismissed and executed twins dedupe as usual.
	for salt := 1; !created && got.Status == contracts.ProposalWithdrawn && salt <= maxKeySalt; salt++ {
		prop.ID = uuid.NewString()
		prop.ProposalKey, err = proposalKey(in, sel.action, draft, now, salt)
		if err != nil {
			return nil, false, err
		}
		got, created, err = p.store.CreateProposal(ctx, prop)
		if err != nil {
			return nil, false, fmt.Errorf("persist proposal for case %s: %w", in.Case.ID, err)
		}
	}
	if created {
		_ = p.store.AppendActivity(ctx, in.Case.ID, contracts.ActivityProposalCreated,
			fmt.Sprintf("proposed %s", got.ActionType),
			map[string]any{
				"proposal_id": got.ID,
				"action_type": string(got.ActionType),
				"confidence":  got.Confidence,
				"run_id":      in.RunID,
			})
		p.logger.Info("proposal created",
			"case_id", in.Case.ID, "proposal_id", got.ID, "action", got.ActionType,
			"confidence", got.Confidence, "risk_flags", got.RiskFlags)
	} else {
		p.logger.Info("proposal already exists for key",
			"case_id", in.Case.ID, "proposal_id", got.ID, "action", got.ActionType)
	}
	return got, created, nil
}

type selection struct {
	action     contracts.ActionType
	confidence float64
	reasoning  []string
	warnings   []string
	riskFlags  []string
}

func (sel *selection) reason(format string, args ...any) {
	sel.reasoning = append(sel.reasoning, fmt.Sprintf(format, args...))
}

// selectAction walks the rule table. Order matters; first match wins.
func (p *Planner) selectAction(ctx context.Context, in Input) (*selection, error) {
	c := in.Case
	a := in.Analysis
	sel := &selection{confidence: 1.0}
	if a != nil {
		sel.confidence = a.Confidence
	}

	// Portal-only agencies get a portal submission before anything else.
	if c.PortalURL != "" {
		submitted, err := p.store.HasPortalSubmission(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("portal submission check: %w", err)
		}
		if !submitted {
			sel.action = contracts.ActionSubmitPortal
			sel.reason("agency uses a portal (%s) and no submission exists yet", c.PortalURL)
			return sel, nil
		}
	}

	if a == nil {
		return p.selectWithoutAnalysis(ctx, in, sel)
	}

	switch {
	case a.Intent == contracts.IntentFeeNotice && a.ExtractedFeeAmount != nil:
		return p.selectFeeAction(a, sel), nil

	case a.Intent == contracts.IntentDenial && (a.Sentiment.AtMostNegative() || len(a.ExemptionCitations) > 0):
		sel.action = contracts.ActionSendRebuttal
		sel.riskFlags = append(sel.riskFlags, "strong_denial")
		sel.reason("denial with %d exemption citation(s) and %s tone", len(a.ExemptionCitations), a.Sentiment)
		return sel, nil

	case a.Intent == contracts.IntentDenial:
		sel.action = contracts.ActionSendRebuttal
		sel.reason("denial without exemption citations; a rebuttal keeps the request alive")
		return sel, nil

	case a.Intent == contracts.IntentClarification:
		sel.action = contracts.ActionSendClarification
		sel.reason("agency asked for clarification")
		return sel, nil

	case a.Intent == contracts.IntentNoResponse:
		return p.selectFollowup(ctx, in, sel)

	case a.Sentiment == contracts.SentimentHostile:
		sel.action = contracts.ActionEscalate
		sel.riskFlags = append(sel.riskFlags, "hostile_tone")
		sel.reason("hostile tone detected; a human should take over the thread")
		return sel, nil

	case a.Intent == contracts.IntentRecordsProvided:
		sel.action = contracts.ActionCloseCase
		sel.reason("agency provided the requested records")
		return sel, nil

	case a.Intent == contracts.IntentPartialApproval:
		sel.action = contracts.ActionRespondPartialApproval
		sel.reason("partial approval; respond on the remaining scope")
		return sel, nil

	case a.Intent == contracts.IntentReferral:
		sel.action = contracts.ActionResearchAgency
		sel.warnings = append(sel.warnings, "referral target needs contact research")
		sel.reason("request was referred to another agency")
		return sel, nil
	}

	if sel.confidence < p.profile.EscalateBelowConfidence {
		sel.action = contracts.ActionEscalate
		sel.reason("no rule matched intent %q", a.Intent)
		sel.reason("classifier confidence %.2f is below the %.2f floor", sel.confidence, p.profile.EscalateBelowConfidence)
		sel.warnings = append(sel.warnings, "low classifier confidence")
		return sel, nil
	}

	sel.action = contracts.ActionNone
	sel.reason("intent %q needs no reply", a.Intent)
	return sel, nil
}

// selectWithoutAnalysis covers timer and initial-request triggers.
func (p *Planner) selectWithoutAnalysis(ctx context.Context, in Input, sel *selection) (*selection, error) {
	switch in.Trigger {
	case contracts.TriggerInitialRequest:
		sel.action = contracts.ActionSendInitialRequest
		sel.reason("drafted case ready for its initial request")
		return sel, nil
	case contracts.TriggerDeadline:
		return p.selectFollowup(ctx, in, sel)
	}
	sel.action = contracts.ActionNone
	sel.reason("trigger %s carries no analysis and no standing rule", in.Trigger)
	return sel, nil
}

func (p *Planner) selectFollowup(ctx context.Context, in Input, sel *selection) (*selection, error) {
	c := in.Case
	sent, err := p.store.CountOutbound(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("count outbound: %w", err)
	}
	if sent >= 1 && c.DeadlineDate != nil && p.clock().After(*c.DeadlineDate) {
		sel.action = contracts.ActionSendFollowup
		sel.reason("no response and the statutory deadline (%s) has passed", c.DeadlineDate.Format("2006-01-02"))
		return sel, nil
	}
	sel.action = contracts.ActionNone
	sel.reason("deadline not yet passed; nothing to chase")
	return sel, nil
}

func (p *Planner) selectFeeAction(a *contracts.Analysis, sel *selection) *selection {
	cents := a.ExtractedFeeAmount.AmountCents
	switch {
	case cents <= p.profile.FeeAutoApproveMaxCents:
		sel.action = contracts.ActionAcceptFee
		sel.reason("quoted fee %d cents is within the auto-approve cap (%d)", cents, p.profile.FeeAutoApproveMaxCents)
	case cents > p.profile.FeeHardCapCents:
		sel.action = contracts.ActionNegotiateFee
		sel.riskFlags = append(sel.riskFlags, "fee_above_hard_cap")
		sel.reason("quoted fee %d cents exceeds the hard cap (%d); negotiate down", cents, p.profile.FeeHardCapCents)
	case sel.confidence >= p.profile.AutoConfidenceMin:
		sel.action = contracts.ActionAcceptFee
		sel.warnings = append(sel.warnings, "fee above auto-approve threshold")
		sel.reason("quoted fee %d cents is above the auto cap but the quote reads unambiguous (%.2f)", cents, sel.confidence)
	default:
		sel.action = contracts.ActionNegotiateFee
		sel.reason("mid-band fee %d cents with uncertain reading (%.2f); negotiate", cents, sel.confidence)
	}
	return sel
}

// gateOptions is the per-action decision menu a human sees.
func gateOptions(action contracts.ActionType) []contracts.DecisionAction {
	switch action {
	case contracts.ActionSubmitPortal, contracts.ActionResearchAgency:
		return []contracts.DecisionAction{contracts.DecisionApprove, contracts.DecisionDismiss, contracts.DecisionRetryResearch}
	case contracts.ActionEscalate:
		return []contracts.DecisionAction{contracts.DecisionApprove, contracts.DecisionDismiss, contracts.DecisionRetryResearch}
	case contracts.ActionCloseCase, contracts.ActionSendPDFEmail:
		return []contracts.DecisionAction{contracts.DecisionApprove, contracts.DecisionDismiss}
	default:
		return []contracts.DecisionAction{contracts.DecisionApprove, contracts.DecisionAdjust, contracts.DecisionDismiss}
	}
}

// proposalKey hashes the canonical JSON of the dedupe identity. The
// draft digest folds content in, so an adjusted draft yields a sibling
// key instead of colliding with its parent.
// maxKeySalt bounds resurrection of withdrawn proposal keys.
const maxKeySalt = 8

func proposalKey(in Input, action contracts.ActionType, draft *contracts.Draft, now time.Time, salt int) (string, error) {
	trigger := in.TriggerMessageID
	if trigger == "" {
		// Timer triggers bucket by day so a rerun within the same day
		// dedupes but tomorrow's sweep may propose again.
		trigger = string(in.Trigger) + "/" + now.UTC().Format("2006-01-02")
	}
	identity := map[string]any{
		"case_id":      in.Case.ID,
		"trigger":      trigger,
		"action_type":  string(action),
		"draft_digest": draftDigest(draft),
	}
	if salt > 0 {
		identity["retry"] = salt
	}
	canonical, err := jcs.Transform(mustJSON(identity))
	if err != nil {
		return "", fmt.Errorf("canonicalize proposal key: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func draftDigest(draft *contracts.Draft) string {
	if draft == nil {
		return ""
	}
	canonical, err := jcs.Transform(mustJSON(map[string]any{
		"subject":   draft.Subject,
		"body_text": draft.BodyText,
	}))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// mustJSON marshals values whose shape is fixed at the call site.
func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
