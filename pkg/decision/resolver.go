package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/docket/pkg/blob"
	"github.com/Mindburn-Labs/docket/pkg/contracts"
	"github.com/Mindburn-Labs/docket/pkg/dispatch"
	"github.com/Mindburn-Labs/docket/pkg/lifecycle"
	"github.com/Mindburn-Labs/docket/pkg/mailer"
	"github.com/Mindburn-Labs/docket/pkg/notify"
	"github.com/Mindburn-Labs/docket/pkg/store"
	"github.com/Mindburn-Labs/docket/pkg/waitpoint"
)

// Resolution errors. The API layer maps these onto status codes.
var (
	// ErrNotPending means the proposal has already been decided. 409.
	ErrNotPending = errors.New("decision: proposal is not pending approval")
	// ErrInvalidDecision means the action is unknown, outside the
	// proposal's gate options, or missing a required field. 400.
	ErrInvalidDecision = errors.New("decision: invalid decision")
	// ErrActiveRun means a young run is still working the case and the
	// decision cannot be applied yet. 409.
	ErrActiveRun = errors.New("decision: an active run is working this case")
)

// staleRunAge is how old a queued or running run must be before the
// resolver adopts it instead of refusing the decision.
const staleRunAge = 2 * time.Minute

// Resolution reports how a decision was applied.
type Resolution struct {
	ProposalID string `json:"proposal_id"`
	CaseID     string `json:"case_id"`
	// Path is "waitpoint" when a parked run was resumed, "dispatch"
	// when a fresh task was scheduled, "direct" for the inline
	// execution special cases, and "final" when nothing needed to run.
	Path string `json:"path"`
	// RunID is the resumed or newly dispatched run, when there is one.
	RunID string `json:"run_id,omitempty"`
}

// Resolver applies human decisions to gated proposals.
type Resolver struct {
	store      *store.Store
	waitpoints *waitpoint.Manager
	dispatcher *dispatch.Dispatcher
	lifecycle  *lifecycle.Engine
	mail       mailer.Sender
	blobs      blob.Store
	notifier   notify.Notifier
	clock      func() time.Time
	logger     *slog.Logger
}

// NewResolver builds a resolver. The mail sender and blob store back the
// SEND_PDF_EMAIL direct-execution path; pass nil to disable it.
func NewResolver(
	st *store.Store,
	wp *waitpoint.Manager,
	d *dispatch.Dispatcher,
	lc *lifecycle.Engine,
	mail mailer.Sender,
	blobs blob.Store,
	n notify.Notifier,
) *Resolver {
	if n == nil {
		n = notify.Nop{}
	}
	return &Resolver{
		store:      st,
		waitpoints: wp,
		dispatcher: d,
		lifecycle:  lc,
		mail:       mail,
		blobs:      blobs,
		notifier:   n,
		clock:      time.Now,
		logger:     slog.Default().With("component", "resolver"),
	}
}

// Resolve validates and applies one decision.
func (r *Resolver) Resolve(ctx context.Context, proposalID string, dec contracts.HumanDecision) (*Resolution, error) {
	if err := ValidateDecision(dec); err != nil {
		return nil, err
	}

	prop, err := r.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if prop.Status != contracts.ProposalPendingApproval {
		return nil, fmt.Errorf("%w: proposal %s is %s", ErrNotPending, prop.ID, prop.Status)
	}
	if !prop.AllowsDecision(dec.Action) {
		return nil, fmt.Errorf("%w: %s is not among gate options %v", ErrInvalidDecision, dec.Action, prop.GateOptions)
	}
	if prop.ActionType == contracts.ActionEscalate && dec.Action == contracts.DecisionApprove && dec.Instruction == "" {
		return nil, fmt.Errorf("%w: approving an escalation requires an instruction", ErrInvalidDecision)
	}
	dec.DecidedAt = r.clock().UTC()

	c, err := r.store.GetCase(ctx, prop.CaseID)
	if err != nil {
		return nil, err
	}

	// Active-run arbitration: a parked run resumes through its
	// waitpoint; a young busy run wins over the decision; a stale busy
	// run is adopted so the decision can proceed.
	run, err := r.store.GetActiveRun(ctx, prop.CaseID)
	switch {
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, err
	case err == nil && run.Status == contracts.RunWaiting && prop.WaitpointToken != "":
		res, aerr := r.resolveViaWaitpoint(ctx, c, prop, run, dec)
		if aerr == nil {
			return res, nil
		}
		if !errors.Is(aerr, waitpoint.ErrAlreadyCompleted) && !errors.Is(aerr, waitpoint.ErrNotFound) {
			return nil, aerr
		}
		// Token raced or expired under us; fall through to dispatch.
	case err == nil && run.Status != contracts.RunWaiting:
		age := r.clock().UTC().Sub(run.CreatedAt)
		if age < staleRunAge {
			return nil, fmt.Errorf("%w: run %s started %s ago", ErrActiveRun, run.ID, age.Round(time.Second))
		}
		if cerr := r.store.CompleteRun(ctx, run.ID); cerr != nil && !errors.Is(cerr, store.ErrStale) {
			return nil, fmt.Errorf("adopt stale run %s: %w", run.ID, cerr)
		}
		r.logger.Warn("adopted stale run", "run_id", run.ID, "case_id", c.ID, "age", age)
	}

	return r.resolveViaDispatch(ctx, c, prop, dec)
}

// resolveViaWaitpoint is Path A: complete the token and wake the parked
// run with the decision as its continuation payload.
func (r *Resolver) resolveViaWaitpoint(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, run *contracts.AgentRun, dec contracts.HumanDecision) (*Resolution, error) {
	_, err := r.waitpoints.Complete(ctx, prop.WaitpointToken, contracts.CompletionPayload{
		Action:      dec.Action,
		Instruction: dec.Instruction,
		Reason:      dec.Reason,
	})
	if err != nil {
		return nil, err
	}
	if err := r.store.MarkDecisionReceived(ctx, prop.ID, &dec); err != nil {
		return nil, fmt.Errorf("record decision on proposal %s: %w", prop.ID, err)
	}
	if err := r.dispatcher.Resume(ctx, run.ID, dispatch.TaskResumeDecision, map[string]any{
		"proposal_id": prop.ID,
		"action":      string(dec.Action),
		"instruction": dec.Instruction,
		"reason":      dec.Reason,
		"user_id":     dec.UserID,
	}); err != nil {
		return nil, fmt.Errorf("resume run %s: %w", run.ID, err)
	}

	r.recordDecision(ctx, c, prop, dec, "waitpoint")
	return &Resolution{ProposalID: prop.ID, CaseID: c.ID, Path: "waitpoint", RunID: run.ID}, nil
}

// resolveViaDispatch is Path B: no parked run to wake, so the decision
// is applied directly and, where needed, a fresh task carries it.
func (r *Resolver) resolveViaDispatch(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, dec contracts.HumanDecision) (*Resolution, error) {
	switch dec.Action {
	case contracts.DecisionDismiss:
		return r.dismiss(ctx, c, prop, dec)
	case contracts.DecisionRetryResearch:
		return r.retryResearch(ctx, c, prop, dec)
	case contracts.DecisionAdjust:
		return r.adjust(ctx, c, prop, dec)
	case contracts.DecisionApprove:
		switch prop.ActionType {
		case contracts.ActionEscalate:
			return r.approveEscalation(ctx, c, prop, dec)
		case contracts.ActionSubmitPortal:
			return r.approvePortal(ctx, c, prop, dec)
		case contracts.ActionSendPDFEmail:
			return r.approvePDFEmail(ctx, c, prop, dec)
		}
		return r.approveByReprocess(ctx, c, prop, dec)
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, dec.Action)
}

// dismiss finalizes the proposal and reconciles the case out of its
// review branch when nothing else is pending.
func (r *Resolver) dismiss(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, dec contracts.HumanDecision) (*Resolution, error) {
	if err := r.store.DismissProposal(ctx, prop.ID, &dec); err != nil {
		return nil, fmt.Errorf("dismiss proposal %s: %w", prop.ID, err)
	}
	_ = r.store.AppendActivity(ctx, c.ID, contracts.ActivityProposalDismissed,
		fmt.Sprintf("%s dismissed", prop.ActionType),
		map[string]any{"proposal_id": prop.ID, "user_id": dec.UserID, "reason": dec.Reason})

	if err := r.reconcile(ctx, c, dec.UserID); err != nil {
		return nil, err
	}
	r.recordDecision(ctx, c, prop, dec, "final")
	return &Resolution{ProposalID: prop.ID, CaseID: c.ID, Path: "final"}, nil
}

// reconcile moves a review-parked case back onto the main track when no
// open proposals remain.
func (r *Resolver) reconcile(ctx context.Context, c *contracts.Case, userID string) error {
	open, err := r.store.CountOpenProposals(ctx, c.ID)
	if err != nil {
		return err
	}
	if open > 0 || !c.Status.IsReview() {
		return nil
	}
	target := contracts.CaseAwaitingResponse
	if _, lerr := r.store.LatestInbound(ctx, c.ID); lerr == nil {
		target = contracts.CaseResponded
	}
	_, err = r.lifecycle.Transition(ctx, c.ID, contracts.EventCaseReconciled, lifecycle.TransitionContext{
		TargetStatus: target,
		Description:  "reconciled after dismissal",
		Metadata:     map[string]any{"user_id": userID},
	})
	return err
}

// retryResearch dismisses the proposal, clears the case's research
// notes, and schedules a guided reprocess.
func (r *Resolver) retryResearch(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, dec contracts.HumanDecision) (*Resolution, error) {
	if err := r.store.DismissProposal(ctx, prop.ID, &dec); err != nil {
		return nil, fmt.Errorf("dismiss proposal %s: %w", prop.ID, err)
	}
	c.ResearchNotes = ""
	c.UpdatedAt = r.clock().UTC()
	if err := r.store.UpdateCase(ctx, c); err != nil {
		return nil, fmt.Errorf("clear research notes on case %s: %w", c.ID, err)
	}
	runID, err := r.dispatchReprocess(ctx, c, prop, dec, map[string]any{"retry_research": true})
	if err != nil {
		return nil, err
	}
	r.recordDecision(ctx, c, prop, dec, "dispatch")
	return &Resolution{ProposalID: prop.ID, CaseID: c.ID, Path: "dispatch", RunID: runID}, nil
}

// adjust records the instruction and schedules a replan that will draft
// a sibling proposal.
func (r *Resolver) adjust(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, dec contracts.HumanDecision) (*Resolution, error) {
	if dec.Instruction == "" {
		return nil, fmt.Errorf("%w: ADJUST requires an instruction", ErrInvalidDecision)
	}
	if err := r.store.MarkAdjustmentRequested(ctx, prop.ID, &dec); err != nil {
		return nil, fmt.Errorf("mark adjustment on proposal %s: %w", prop.ID, err)
	}
	_ = r.store.AppendActivity(ctx, c.ID, contracts.ActivityAdjustmentRequested,
		"adjustment requested: "+dec.Instruction,
		map[string]any{"proposal_id": prop.ID, "user_id": dec.UserID})

	runID, err := r.dispatchReprocess(ctx, c, prop, dec, map[string]any{"parent_proposal_id": prop.ID})
	if err != nil {
		return nil, err
	}
	r.recordDecision(ctx, c, prop, dec, "dispatch")
	return &Resolution{ProposalID: prop.ID, CaseID: c.ID, Path: "dispatch", RunID: runID}, nil
}

// approveEscalation dismisses the marker proposal and schedules a
// reprocess guided by the operator's instruction.
func (r *Resolver) approveEscalation(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, dec contracts.HumanDecision) (*Resolution, error) {
	if err := r.store.DismissProposal(ctx, prop.ID, &dec); err != nil {
		return nil, fmt.Errorf("dismiss escalation %s: %w", prop.ID, err)
	}
	runID, err := r.dispatchReprocess(ctx, c, prop, dec, map[string]any{"guided": true})
	if err != nil {
		return nil, err
	}
	r.recordDecision(ctx, c, prop, dec, "dispatch")
	return &Resolution{ProposalID: prop.ID, CaseID: c.ID, Path: "dispatch", RunID: runID}, nil
}

// approvePortal replaces any in-flight portal task with a fresh one and
// hands it to the portal worker. The proposal parks in PENDING_PORTAL
// until the worker reports back.
func (r *Resolver) approvePortal(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, dec contracts.HumanDecision) (*Resolution, error) {
	if _, err := r.store.CancelOpenPortalTasks(ctx, c.ID); err != nil {
		return nil, fmt.Errorf("cancel open portal tasks on case %s: %w", c.ID, err)
	}
	task := &contracts.PortalTask{
		ID:         uuid.NewString(),
		CaseID:     c.ID,
		ProposalID: prop.ID,
		PortalURL:  c.PortalURL,
		Status:     contracts.PortalPending,
		CreatedAt:  r.clock().UTC(),
	}
	if err := r.store.CreatePortalTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create portal task: %w", err)
	}
	if err := r.store.MarkDecisionReceived(ctx, prop.ID, &dec); err != nil {
		return nil, fmt.Errorf("record decision on proposal %s: %w", prop.ID, err)
	}

	runID, err := r.dispatcher.Enqueue(ctx, dispatch.TaskSpec{
		Type:    dispatch.TaskSubmitPortal,
		CaseID:  c.ID,
		Trigger: contracts.TriggerHumanReview,
		Payload: map[string]any{
			"portal_task_id": task.ID,
			"proposal_id":    prop.ID,
		},
		IdempotencyKey: "portal/" + task.ID,
	})
	if err != nil {
		r.rollback(ctx, c, prop, err)
		return nil, fmt.Errorf("dispatch portal worker: %w", err)
	}
	if err := r.store.MarkPendingPortal(ctx, prop.ID); err != nil {
		return nil, fmt.Errorf("mark proposal %s pending portal: %w", prop.ID, err)
	}

	r.recordDecision(ctx, c, prop, dec, "dispatch")
	return &Resolution{ProposalID: prop.ID, CaseID: c.ID, Path: "dispatch", RunID: runID}, nil
}

// approvePDFEmail executes inline: find the filled form, mail it, record
// the execution, and move the case forward. No run is involved.
func (r *Resolver) approvePDFEmail(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, dec contracts.HumanDecision) (*Resolution, error) {
	if r.mail == nil || r.blobs == nil {
		return nil, fmt.Errorf("decision: no mail transport configured for SEND_PDF_EMAIL")
	}
	pdf, err := r.store.FindFilledPDF(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("locate filled pdf for case %s: %w", c.ID, err)
	}
	content, err := r.blobs.Get(ctx, pdf.BlobAddress)
	if err != nil {
		return nil, fmt.Errorf("load pdf %s: %w", pdf.BlobAddress, err)
	}
	if err := r.store.MarkDecisionReceived(ctx, prop.ID, &dec); err != nil {
		return nil, fmt.Errorf("record decision on proposal %s: %w", prop.ID, err)
	}

	key := newExecutionKey()
	if err := r.store.ApproveProposal(ctx, prop.ID, key, contracts.ProposalDecisionReceived); err != nil {
		return nil, fmt.Errorf("approve proposal %s: %w", prop.ID, err)
	}
	if err := r.store.ClaimExecuting(ctx, prop.ID, key); err != nil {
		return nil, fmt.Errorf("claim proposal %s: %w", prop.ID, err)
	}

	now := r.clock().UTC()
	exec := &contracts.Execution{
		ID:         uuid.NewString(),
		CaseID:     c.ID,
		ProposalID: prop.ID,
		Kind:       contracts.ExecutionKindEmail,
		Status:     contracts.ExecutionStarted,
		StartedAt:  now,
	}
	if err := r.store.AppendExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("record execution: %w", err)
	}

	receipt, err := r.mail.Send(ctx, mailer.Email{
		To:      c.AgencyEmail,
		Subject: prop.DraftSubject,
		Text:    prop.DraftBodyText,
		HTML:    prop.DraftBodyHTML,
		Attachments: []mailer.EmailAttachment{{
			Filename:    pdf.Filename,
			ContentType: pdf.ContentType,
			Content:     content,
		}},
	}, key)
	if err != nil {
		_ = r.store.FailExecution(ctx, exec.ID, err.Error())
		r.rollback(ctx, c, prop, err)
		return nil, fmt.Errorf("send pdf email: %w", err)
	}

	err = r.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CompleteExecution(ctx, exec.ID, receipt.ProviderMessageID); err != nil {
			return err
		}
		if err := tx.MarkExecuted(ctx, prop.ID, now); err != nil {
			return err
		}
		return tx.CreateMessage(ctx, &contracts.Message{
			ID:                uuid.NewString(),
			CaseID:            c.ID,
			Direction:         contracts.DirectionOutbound,
			To:                c.AgencyEmail,
			Subject:           prop.DraftSubject,
			BodyText:          prop.DraftBodyText,
			ProviderMessageID: receipt.ProviderMessageID,
			CreatedAt:         now,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("finalize pdf email execution: %w", err)
	}
	if _, err := r.lifecycle.Transition(ctx, c.ID, contracts.EventCaseSent, lifecycle.TransitionContext{
		Description: "filled request form mailed",
		Metadata:    map[string]any{"proposal_id": prop.ID},
	}); err != nil {
		return nil, err
	}

	r.recordDecision(ctx, c, prop, dec, "direct")
	return &Resolution{ProposalID: prop.ID, CaseID: c.ID, Path: "direct"}, nil
}

// approveByReprocess is the legacy approve path: mark the decision and
// dispatch a fresh run that will re-enter the decisioner with the
// approval in hand.
func (r *Resolver) approveByReprocess(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, dec contracts.HumanDecision) (*Resolution, error) {
	if err := r.store.MarkDecisionReceived(ctx, prop.ID, &dec); err != nil {
		return nil, fmt.Errorf("record decision on proposal %s: %w", prop.ID, err)
	}
	runID, err := r.dispatchReprocess(ctx, c, prop, dec, nil)
	if err != nil {
		return nil, err
	}
	r.recordDecision(ctx, c, prop, dec, "dispatch")
	return &Resolution{ProposalID: prop.ID, CaseID: c.ID, Path: "dispatch", RunID: runID}, nil
}

// dispatchReprocess schedules the HUMAN_REVIEW_RESOLUTION task carrying
// the decision. On dispatch failure the proposal is rolled back to
// PENDING_APPROVAL so it is never stranded mid-decision.
func (r *Resolver) dispatchReprocess(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, dec contracts.HumanDecision, extra map[string]any) (string, error) {
	taskType := dispatch.TaskProcessInitial
	payload := map[string]any{
		"proposal_id":        prop.ID,
		"review_action":      string(dec.Action),
		"review_instruction": dec.Instruction,
		"user_id":            dec.UserID,
	}
	if latest, err := r.store.LatestInbound(ctx, c.ID); err == nil {
		taskType = dispatch.TaskProcessInbound
		payload["message_id"] = latest.ID
	}
	for k, v := range extra {
		payload[k] = v
	}

	runID, err := r.dispatcher.Enqueue(ctx, dispatch.TaskSpec{
		Type:      taskType,
		CaseID:    c.ID,
		Trigger:   contracts.TriggerHumanReview,
		Payload:   payload,
		Supersede: true,
	})
	if err != nil {
		r.rollback(ctx, c, prop, err)
		return "", fmt.Errorf("dispatch %s: %w", taskType, err)
	}
	return runID, nil
}

// rollback returns a proposal to PENDING_APPROVAL after a failed
// dispatch and leaves an audit trail.
func (r *Resolver) rollback(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, cause error) {
	if err := r.store.RollbackToPending(ctx, prop.ID); err != nil {
		r.logger.Error("rollback failed, proposal may be stranded",
			"proposal_id", prop.ID, "error", err, "cause", cause)
		return
	}
	_ = r.store.AppendActivity(ctx, c.ID, contracts.ActivityProposalDispatchFailed,
		"decision dispatch failed, proposal returned to pending",
		map[string]any{"proposal_id": prop.ID, "error": cause.Error()})
	r.logger.Warn("decision dispatch failed, rolled back",
		"proposal_id", prop.ID, "error", cause)
}

func (r *Resolver) recordDecision(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, dec contracts.HumanDecision, path string) {
	_ = r.store.AppendActivity(ctx, c.ID, contracts.ActivityDecisionReceived,
		fmt.Sprintf("%s on %s", dec.Action, prop.ActionType),
		map[string]any{
			"proposal_id": prop.ID,
			"action":      string(dec.Action),
			"user_id":     dec.UserID,
			"path":        path,
		})
	r.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindDecisionReceived,
		Message: fmt.Sprintf("%s applied to %s", dec.Action, prop.ActionType),
		CaseID:  c.ID,
		OwnerID: c.OwnerID,
		Meta:    map[string]any{"proposal_id": prop.ID, "path": path},
		At:      r.clock().UTC(),
	})
}
