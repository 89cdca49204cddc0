package inbound

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/docket/pkg/caselock"
	"github.com/Mindburn-Labs/docket/pkg/contracts"
	"github.com/Mindburn-Labs/docket/pkg/dispatch"
	"github.com/Mindburn-Labs/docket/pkg/lifecycle"
	"github.com/Mindburn-Labs/docket/pkg/planner"
	"github.com/Mindburn-Labs/docket/pkg/store"
)

// handleResume continues a run that parked on a waitpoint. The payload
// carries the human decision the waitpoint was completed with; the run
// re-enters the decision flow under the same case lock discipline as the
// original pass.
func (p *Pipeline) handleResume(ctx context.Context, t *dispatch.Task) error {
	lock, err := p.locks.AcquireWithRetry(ctx, t.CaseID, caselock.OpRun, t.Run.ID, runLockTTL)
	if err != nil {
		return fmt.Errorf("case %s run lock: %w", t.CaseID, err)
	}
	defer func() { _ = p.locks.Release(context.WithoutCancel(ctx), lock) }()

	c, err := p.store.GetCase(ctx, t.CaseID)
	if err != nil {
		return err
	}
	proposalID, _ := t.Payload["proposal_id"].(string)
	if proposalID == "" {
		return fmt.Errorf("inbound: resume run %s has no proposal_id", t.Run.ID)
	}
	prop, err := p.store.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	action := contracts.DecisionAction(asString(t.Payload["action"]))
	instruction := asString(t.Payload["instruction"])
	reason := asString(t.Payload["reason"])
	userID := asString(t.Payload["user_id"])
	dec := &contracts.HumanDecision{
		Action:      action,
		Instruction: instruction,
		Reason:      reason,
		UserID:      userID,
		DecidedAt:   p.clock().UTC(),
	}

	switch action {
	case contracts.DecisionApprove:
		if prop.ActionType == contracts.ActionEscalate {
			// Approving an escalation means "go ahead with my guidance":
			// the marker proposal retires and the plan reruns guided.
			if err := p.store.DismissProposal(ctx, prop.ID, dec); err != nil && !errors.Is(err, store.ErrStale) {
				return err
			}
			return p.replan(ctx, c, t, instruction, nil)
		}
		return p.decisioner.Approve(ctx, c, prop, t.Run.ID)

	case contracts.DecisionAdjust:
		if err := p.store.MarkAdjustmentRequested(ctx, prop.ID, dec); err != nil && !errors.Is(err, store.ErrStale) {
			return err
		}
		_ = p.store.AppendActivity(ctx, c.ID, contracts.ActivityAdjustmentRequested,
			"adjustment requested: "+instruction,
			map[string]any{"proposal_id": prop.ID, "user_id": userID})
		return p.replan(ctx, c, t, instruction, prop)

	case contracts.DecisionDismiss:
		if err := p.store.DismissProposal(ctx, prop.ID, dec); err != nil && !errors.Is(err, store.ErrStale) {
			return err
		}
		_ = p.store.AppendActivity(ctx, c.ID, contracts.ActivityProposalDismissed,
			fmt.Sprintf("%s dismissed", prop.ActionType),
			map[string]any{"proposal_id": prop.ID, "user_id": userID, "reason": reason})
		return p.reconcile(ctx, c, userID)

	case contracts.DecisionRetryResearch:
		if err := p.store.DismissProposal(ctx, prop.ID, dec); err != nil && !errors.Is(err, store.ErrStale) {
			return err
		}
		c.ResearchNotes = ""
		c.UpdatedAt = p.clock().UTC()
		if err := p.store.UpdateCase(ctx, c); err != nil {
			return err
		}
		return p.replan(ctx, c, t, instruction, nil)
	}
	return fmt.Errorf("inbound: resume run %s carries unknown action %q", t.Run.ID, action)
}

// review is the Path B re-entry payload: the resolver dispatched a fresh
// run because no parked one could be resumed.
type review struct {
	action      contracts.DecisionAction
	instruction string
	userID      string
	proposalID  string
	messageID   string
}

func reviewFromPayload(payload map[string]any) *review {
	action := asString(payload["review_action"])
	if action == "" {
		return nil
	}
	return &review{
		action:      contracts.DecisionAction(action),
		instruction: asString(payload["review_instruction"]),
		userID:      asString(payload["user_id"]),
		proposalID:  asString(payload["proposal_id"]),
		messageID:   asString(payload["message_id"]),
	}
}

// applyReview re-enters the decision flow for a dispatched (not resumed)
// human decision. The resolver already moved the proposal's status; this
// side does the planning and execution work.
func (p *Pipeline) applyReview(ctx context.Context, c *contracts.Case, t *dispatch.Task, rv *review) error {
	prop, err := p.store.GetProposal(ctx, rv.proposalID)
	if err != nil {
		return err
	}

	switch rv.action {
	case contracts.DecisionApprove:
		if prop.Status == contracts.ProposalDecisionReceived {
			return p.decisioner.Approve(ctx, c, prop, t.Run.ID)
		}
		// Guided reprocess: the proposal (an escalation) was already
		// dismissed by the resolver.
		return p.replan(ctx, c, t, rv.instruction, nil)

	case contracts.DecisionAdjust:
		return p.replan(ctx, c, t, rv.instruction, prop)

	case contracts.DecisionRetryResearch:
		return p.replan(ctx, c, t, rv.instruction, nil)
	}
	return fmt.Errorf("inbound: run %s carries unknown review action %q", t.Run.ID, rv.action)
}

// replan reruns the planner with operator guidance, reusing the latest
// inbound's stored analysis when there is one. The successor proposal
// goes straight back through the decisioner and may gate again.
func (p *Pipeline) replan(ctx context.Context, c *contracts.Case, t *dispatch.Task, instruction string, parent *contracts.Proposal) error {
	var analysis *contracts.Analysis
	messageID := ""
	if latest, err := p.store.LatestInbound(ctx, c.ID); err == nil {
		analysis = latest.ResponseAnalysis
		messageID = latest.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return p.planAndDecide(ctx, c, planner.Input{
		Case:             c,
		Analysis:         analysis,
		TriggerMessageID: messageID,
		Trigger:          contracts.TriggerHumanReview,
		RunID:            t.Run.ID,
		Instruction:      instruction,
		Parent:           parent,
	})
}

// reconcile moves a review-parked case back onto the main track once no
// open proposals remain: responded if the agency has written, otherwise
// awaiting_response.
func (p *Pipeline) reconcile(ctx context.Context, c *contracts.Case, userID string) error {
	open, err := p.store.CountOpenProposals(ctx, c.ID)
	if err != nil {
		return err
	}
	if open > 0 || !c.Status.IsReview() {
		return nil
	}
	target := contracts.CaseAwaitingResponse
	if _, lerr := p.store.LatestInbound(ctx, c.ID); lerr == nil {
		target = contracts.CaseResponded
	}
	_, err = p.lifecycle.Transition(ctx, c.ID, contracts.EventCaseReconciled, lifecycle.TransitionContext{
		TargetStatus: target,
		Description:  "reconciled after dismissal",
		Metadata:     map[string]any{"user_id": userID},
	})
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		return nil
	}
	return err
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
