// Package decision routes proposals: the Decisioner decides whether a
// fresh proposal may execute unattended or must be gated behind a human,
// and the Resolver applies the human's answer when it arrives. Both ends
// of the gate live here so the waitpoint lifecycle has a single owner.
package decision

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
	"github.com/Mindburn-Labs/docket/pkg/dispatch"
	"github.com/Mindburn-Labs/docket/pkg/lifecycle"
	"github.com/Mindburn-Labs/docket/pkg/notify"
	"github.com/Mindburn-Labs/docket/pkg/policy"
	"github.com/Mindburn-Labs/docket/pkg/store"
	"github.com/Mindburn-Labs/docket/pkg/waitpoint"
)

// Decisioner decides the fate of a freshly persisted proposal.
type Decisioner struct {
	store      *store.Store
	waitpoints *waitpoint.Manager
	dispatcher *dispatch.Dispatcher
	lifecycle  *lifecycle.Engine
	notifier   notify.Notifier
	profile    policy.Profile
	gate       *policy.Gate
	clock      func() time.Time
	logger     *slog.Logger
}

// NewDecisioner compiles the profile's gate expression (if any) and
// builds the decisioner.
func NewDecisioner(
	st *store.Store,
	wp *waitpoint.Manager,
	d *dispatch.Dispatcher,
	lc *lifecycle.Engine,
	n notify.Notifier,
	profile policy.Profile,
) (*Decisioner, error) {
	var gate *policy.Gate
	if profile.GateExpression != "" {
		var err error
		gate, err = policy.CompileGate(profile.GateExpression)
		if err != nil {
			return nil, fmt.Errorf("decision: gate expression: %w", err)
		}
	}
	if n == nil {
		n = notify.Nop{}
	}
	return &Decisioner{
		store:      st,
		waitpoints: wp,
		dispatcher: d,
		lifecycle:  lc,
		notifier:   n,
		profile:    profile,
		gate:       gate,
		clock:      time.Now,
		logger:     slog.Default().With("component", "decision"),
	}, nil
}

// Decide routes a proposal. The auto path approves it and enqueues the
// executor; the gated path mints a waitpoint, flags the case for review,
// and returns a parking error the run handler propagates so the
// dispatcher leaves the run in waiting.
func (d *Decisioner) Decide(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, runID string) error {
	if !prop.Status.IsOpen() {
		// Replanned trigger resolved to an already-decided proposal;
		// nothing left to route.
		d.logger.Info("proposal already routed", "proposal_id", prop.ID, "status", prop.Status)
		return nil
	}
	if d.canAutoExecute(c, prop) {
		return d.autoExecute(ctx, c, prop, runID)
	}
	return d.gateProposal(ctx, c, prop, runID)
}

// canAutoExecute applies the mode rules, then the optional CEL gate as a
// final veto.
func (d *Decisioner) canAutoExecute(c *contracts.Case, prop *contracts.Proposal) bool {
	if prop.ActionType == contracts.ActionEscalate {
		return false
	}
	ok := false
	switch c.AutopilotMode {
	case contracts.ModeAuto:
		ok = d.profile.AutoSafe(prop.ActionType) &&
			len(prop.RiskFlags) == 0 &&
			prop.Confidence >= d.profile.AutoConfidenceMin &&
			c.PauseReason == ""
	case contracts.ModeSupervised:
		ok = prop.ActionType == contracts.ActionSendFollowup &&
			len(prop.RiskFlags) == 0 &&
			prop.Confidence >= d.profile.SupervisedConfidenceMin
	}
	if ok && d.gate != nil && !d.gate.Allows(prop, c) {
		d.logger.Info("gate expression vetoed auto-execution",
			"case_id", c.ID, "proposal_id", prop.ID, "action", prop.ActionType)
		return false
	}
	return ok
}

func (d *Decisioner) autoExecute(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, runID string) error {
	return d.approveFrom(ctx, c, prop, runID, contracts.ProposalPendingApproval)
}

// Approve moves a human-decided proposal to APPROVED and hands it to the
// executor. Resumed runs call this after the waitpoint delivered an
// APPROVE; the from-status guard keeps double resumes harmless.
func (d *Decisioner) Approve(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, runID string) error {
	switch prop.Status {
	case contracts.ProposalDecisionReceived, contracts.ProposalPendingApproval:
		return d.approveFrom(ctx, c, prop, runID, prop.Status)
	default:
		return fmt.Errorf("decision: proposal %s is %s, not approvable", prop.ID, prop.Status)
	}
}

func (d *Decisioner) approveFrom(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, runID string, from contracts.ProposalStatus) error {
	key := newExecutionKey()
	if err := d.store.ApproveProposal(ctx, prop.ID, key, from); err != nil {
		return fmt.Errorf("approve proposal %s: %w", prop.ID, err)
	}
	_, err := d.dispatcher.Enqueue(ctx, dispatch.TaskSpec{
		Type:    dispatch.TaskExecuteProposal,
		CaseID:  c.ID,
		Trigger: contracts.TriggerReprocess,
		Payload: map[string]any{
			"proposal_id":   prop.ID,
			"execution_key": key,
		},
		IdempotencyKey: key,
	})
	if err != nil {
		return fmt.Errorf("enqueue executor for proposal %s: %w", prop.ID, err)
	}
	d.logger.Info("proposal auto-approved",
		"case_id", c.ID, "proposal_id", prop.ID, "action", prop.ActionType, "run_id", runID)
	return nil
}

func (d *Decisioner) gateProposal(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, runID string) error {
	wp, err := d.waitpoints.Create(ctx, c.ID, prop.ID, d.profile.WaitpointTTL.Std())
	if err != nil {
		return fmt.Errorf("mint waitpoint for proposal %s: %w", prop.ID, err)
	}
	if err := d.store.SetWaitpointToken(ctx, prop.ID, wp.Token); err != nil {
		return fmt.Errorf("bind waitpoint to proposal %s: %w", prop.ID, err)
	}

	// Flag the case for review unless it is already parked in a review
	// branch (the fee-quote transition may have run earlier in the same
	// pipeline).
	if !c.Status.IsReview() {
		target, reason := reviewBranch(prop.ActionType)
		if _, terr := d.lifecycle.Transition(ctx, c.ID, contracts.EventCaseEscalated, lifecycle.TransitionContext{
			RunID:        runID,
			TargetStatus: target,
			PauseReason:  reason,
			Metadata:     map[string]any{"proposal_id": prop.ID},
		}); terr != nil {
			return fmt.Errorf("escalate case %s for gate: %w", c.ID, terr)
		}
	}

	_ = d.store.AppendActivity(ctx, c.ID, contracts.ActivityProposalGated,
		fmt.Sprintf("%s gated for human review", prop.ActionType),
		map[string]any{"proposal_id": prop.ID, "run_id": runID, "expires_at": wp.ExpiresAt})

	d.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindProposalGated,
		Message: fmt.Sprintf("%s on %s awaits your review", prop.ActionType, c.AgencyName),
		CaseID:  c.ID,
		OwnerID: c.OwnerID,
		Meta: map[string]any{
			"proposal_id":  prop.ID,
			"action_type":  string(prop.ActionType),
			"gate_options": prop.GateOptions,
		},
		At: d.clock().UTC(),
	})

	d.logger.Info("proposal gated",
		"case_id", c.ID, "proposal_id", prop.ID, "action", prop.ActionType,
		"expires_at", wp.ExpiresAt)
	return dispatch.Park(wp.Token)
}

// reviewBranch maps a gated action to the review status and pause reason
// the case should surface.
func reviewBranch(action contracts.ActionType) (contracts.CaseStatus, contracts.PauseReason) {
	switch action {
	case contracts.ActionAcceptFee, contracts.ActionNegotiateFee,
		contracts.ActionDeclineFee, contracts.ActionSendFeeWaiverRequest:
		return contracts.CaseNeedsHumanFeeApproval, contracts.PauseFeeQuote
	case contracts.ActionSendRebuttal, contracts.ActionSendAppeal:
		return contracts.CaseNeedsHumanReview, contracts.PauseDenial
	case contracts.ActionSendClarification, contracts.ActionReformulateRequest:
		return contracts.CaseNeedsHumanReview, contracts.PauseScope
	case contracts.ActionEscalate:
		return contracts.CaseNeedsHumanReview, contracts.PauseSensitive
	default:
		return contracts.CaseNeedsHumanReview, contracts.PauseManual
	}
}

// newExecutionKey mints the unguessable idempotency key assigned at
// approval time.
func newExecutionKey() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
