// Package executor performs the side effect an approved proposal
// describes, exactly once. The single-flight claim is a compare-and-set
// from APPROVED to EXECUTING keyed on the execution key; the append-only
// execution log records STARTED before anything leaves the process, so a
// crash between the provider call and the state update is detectable and
// reconcilable instead of silently doubled.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/docket/pkg/blob"
	"github.com/Mindburn-Labs/docket/pkg/classifier"
	"github.com/Mindburn-Labs/docket/pkg/contracts"
	"github.com/Mindburn-Labs/docket/pkg/dispatch"
	"github.com/Mindburn-Labs/docket/pkg/lifecycle"
	"github.com/Mindburn-Labs/docket/pkg/mailer"
	"github.com/Mindburn-Labs/docket/pkg/notify"
	"github.com/Mindburn-Labs/docket/pkg/retry"
	"github.com/Mindburn-Labs/docket/pkg/store"
)

// ErrNotClaimable means the proposal was not in APPROVED with the given
// execution key. Usually benign: another worker won the claim or the
// proposal already executed.
var ErrNotClaimable = errors.New("executor: proposal not claimable")

// Executor runs approved proposals.
type Executor struct {
	store      *store.Store
	lifecycle  *lifecycle.Engine
	dispatcher *dispatch.Dispatcher
	mail       mailer.Sender
	blobs      blob.Store
	drafter    classifier.Drafter
	notifier   notify.Notifier
	rp         retry.Policy
	clock      func() time.Time
	logger     *slog.Logger
}

// New builds an executor.
func New(
	st *store.Store,
	lc *lifecycle.Engine,
	d *dispatch.Dispatcher,
	mail mailer.Sender,
	blobs blob.Store,
	n notify.Notifier,
) *Executor {
	if n == nil {
		n = notify.Nop{}
	}
	return &Executor{
		store:      st,
		lifecycle:  lc,
		dispatcher: d,
		mail:       mail,
		blobs:      blobs,
		notifier:   n,
		rp:         retry.DefaultTransient,
		clock:      time.Now,
		logger:     slog.Default().With("component", "executor"),
	}
}

// WithDrafter enables outcome summaries on closed cases. Without a
// drafter, cases close with whatever summary the proposal carried.
func (e *Executor) WithDrafter(d classifier.Drafter) *Executor {
	e.drafter = d
	return e
}

// Handler adapts Execute to the dispatcher's task shape.
func (e *Executor) Handler() dispatch.Handler {
	return func(ctx context.Context, t *dispatch.Task) error {
		proposalID, _ := t.Payload["proposal_id"].(string)
		executionKey, _ := t.Payload["execution_key"].(string)
		if proposalID == "" || executionKey == "" {
			return fmt.Errorf("executor: task payload missing proposal_id or execution_key")
		}
		err := e.Execute(ctx, proposalID, executionKey)
		if errors.Is(err, ErrNotClaimable) {
			// Duplicate dispatch lost the race; the winner finishes.
			return nil
		}
		return err
	}
}

// Execute claims and runs one approved proposal.
func (e *Executor) Execute(ctx context.Context, proposalID, executionKey string) error {
	if err := e.store.ClaimExecuting(ctx, proposalID, executionKey); err != nil {
		if !errors.Is(err, store.ErrStale) {
			return fmt.Errorf("claim proposal %s: %w", proposalID, err)
		}
		prop, gerr := e.store.GetProposal(ctx, proposalID)
		if gerr != nil {
			return gerr
		}
		e.logger.Info("claim lost", "proposal_id", proposalID, "status", prop.Status)
		return fmt.Errorf("%w: proposal %s is %s", ErrNotClaimable, proposalID, prop.Status)
	}

	prop, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	c, err := e.store.GetCase(ctx, prop.CaseID)
	if err != nil {
		return err
	}
	action, err := contracts.BuildAction(prop, c)
	if err != nil {
		e.fail(ctx, c, prop, "", err)
		return fmt.Errorf("build action: %w", err)
	}

	exec := &contracts.Execution{
		ID:         uuid.NewString(),
		ProposalID: prop.ID,
		CaseID:     c.ID,
		Kind:       executionKind(action),
		Status:     contracts.ExecutionStarted,
		StartedAt:  e.clock().UTC(),
	}
	if err := e.store.AppendExecution(ctx, exec); err != nil {
		return fmt.Errorf("record execution start: %w", err)
	}

	if err := e.perform(ctx, c, prop, action, exec); err != nil {
		e.fail(ctx, c, prop, exec.ID, err)
		return err
	}

	e.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindProposalExecuted,
		Message: fmt.Sprintf("%s executed on %s", prop.ActionType, c.AgencyName),
		CaseID:  c.ID,
		OwnerID: c.OwnerID,
		Meta:    map[string]any{"proposal_id": prop.ID, "action_type": string(prop.ActionType)},
		At:      e.clock().UTC(),
	})
	_ = e.store.AppendActivity(ctx, c.ID, contracts.ActivityProposalExecuted,
		fmt.Sprintf("%s executed", prop.ActionType),
		map[string]any{"proposal_id": prop.ID, "execution_id": exec.ID})
	e.logger.Info("proposal executed",
		"case_id", c.ID, "proposal_id", prop.ID, "action", prop.ActionType)
	return nil
}

func (e *Executor) perform(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, action contracts.Action, exec *contracts.Execution) error {
	switch a := action.(type) {
	case contracts.SendEmailAction:
		return e.performEmail(ctx, c, prop, a, exec, nil)

	case contracts.AcceptFeeAction:
		if err := e.performEmail(ctx, c, prop, a.Email, exec, nil); err != nil {
			return err
		}
		c.FeeQuote.Status = contracts.FeeAccepted
		c.UpdatedAt = e.clock().UTC()
		return e.store.UpdateCase(ctx, c)

	case contracts.SendPDFAction:
		pdf, err := e.store.FindFilledPDF(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("locate filled pdf: %w", err)
		}
		content, err := e.blobs.Get(ctx, pdf.BlobAddress)
		if err != nil {
			return fmt.Errorf("load pdf %s: %w", pdf.BlobAddress, err)
		}
		att := []mailer.EmailAttachment{{
			Filename:    pdf.Filename,
			ContentType: pdf.ContentType,
			Content:     content,
		}}
		return e.performEmail(ctx, c, prop, a.Email, exec, att)

	case contracts.SubmitPortalAction:
		return e.performPortal(ctx, c, prop, a, exec)

	case contracts.CloseCaseAction:
		return e.performClose(ctx, c, prop, a, exec)

	case contracts.WithdrawAction:
		if err := e.performEmail(ctx, c, prop, a.Email, exec, nil); err != nil {
			return err
		}
		_, err := e.lifecycle.Transition(ctx, c.ID, contracts.EventCaseClosed, lifecycle.TransitionContext{
			Outcome:     contracts.OutcomeWithdrawn,
			Description: "request withdrawn",
			Metadata:    map[string]any{"proposal_id": prop.ID},
		})
		return err

	case contracts.ReformulateAction:
		c.RequestBody = a.NewBody
		c.UpdatedAt = e.clock().UTC()
		if err := e.store.UpdateCase(ctx, c); err != nil {
			return err
		}
		return e.finalizeInternal(ctx, prop, exec)

	case contracts.ResearchAction:
		c.ResearchNotes = a.Instruction
		c.UpdatedAt = e.clock().UTC()
		if err := e.store.UpdateCase(ctx, c); err != nil {
			return err
		}
		return e.finalizeInternal(ctx, prop, exec)

	case contracts.NoOpAction:
		return e.finalizeInternal(ctx, prop, exec)
	}
	return fmt.Errorf("executor: unhandled action %T", action)
}

// performEmail sends with transient retries, then finalizes the
// proposal, the outbound message, and the execution row in one
// transaction before moving the case.
func (e *Executor) performEmail(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, a contracts.SendEmailAction, exec *contracts.Execution, attachments []mailer.EmailAttachment) error {
	email := mailer.Email{
		To:          a.To,
		From:        a.From,
		Subject:     a.Subject,
		Text:        a.BodyText,
		HTML:        a.BodyHTML,
		Headers:     a.Headers,
		Attachments: attachments,
	}

	var receipt *mailer.Receipt
	var err error
	for attempt := 0; attempt < e.rp.MaxAttempts; attempt++ {
		if attempt > 0 {
			// Same execution key on every attempt; the provider dedupes.
			select {
			case <-time.After(retry.Backoff(prop.ExecutionKey, attempt, e.rp)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		receipt, err = e.mail.Send(ctx, email, prop.ExecutionKey)
		if err == nil || !errors.Is(err, mailer.ErrTransient) {
			break
		}
		e.logger.Warn("transient send failure",
			"proposal_id", prop.ID, "attempt", attempt+1, "error", err)
	}
	if err != nil {
		return fmt.Errorf("send %s: %w", a.Type, err)
	}

	now := e.clock().UTC()
	err = e.store.WithTx(ctx, func(tx *store.Store) error {
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
			From:              a.From,
			To:                a.To,
			Subject:           a.Subject,
			BodyText:          a.BodyText,
			ProviderMessageID: receipt.ProviderMessageID,
			CreatedAt:         now,
		})
	})
	if err != nil {
		return fmt.Errorf("finalize execution: %w", err)
	}

	if a.Event != "" {
		if _, err := e.lifecycle.Transition(ctx, c.ID, a.Event, lifecycle.TransitionContext{
			Description: fmt.Sprintf("%s sent", a.Type),
			Metadata:    map[string]any{"proposal_id": prop.ID},
		}); err != nil {
			return fmt.Errorf("transition after %s: %w", a.Type, err)
		}
	}
	return nil
}

// performPortal replaces any in-flight portal task and hands the fresh
// one to the portal worker. The proposal parks in PENDING_PORTAL; the
// worker finishes it.
func (e *Executor) performPortal(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, a contracts.SubmitPortalAction, exec *contracts.Execution) error {
	if _, err := e.store.CancelOpenPortalTasks(ctx, c.ID); err != nil {
		return fmt.Errorf("cancel open portal tasks: %w", err)
	}
	task := &contracts.PortalTask{
		ID:           uuid.NewString(),
		CaseID:       c.ID,
		ProposalID:   prop.ID,
		PortalURL:    a.PortalURL,
		Provider:     a.Provider,
		Instructions: a.Instructions,
		Status:       contracts.PortalPending,
		CreatedAt:    e.clock().UTC(),
	}
	if err := e.store.CreatePortalTask(ctx, task); err != nil {
		return fmt.Errorf("create portal task: %w", err)
	}
	if err := e.store.CompleteExecution(ctx, exec.ID, task.ID); err != nil {
		return err
	}
	if err := e.store.MarkPendingPortal(ctx, prop.ID); err != nil {
		return err
	}
	if _, err := e.dispatcher.Enqueue(ctx, dispatch.TaskSpec{
		Type:    dispatch.TaskSubmitPortal,
		CaseID:  c.ID,
		Trigger: contracts.TriggerReprocess,
		Payload: map[string]any{
			"portal_task_id": task.ID,
			"proposal_id":    prop.ID,
		},
		IdempotencyKey: "portal/" + task.ID,
	}); err != nil {
		return fmt.Errorf("dispatch portal worker: %w", err)
	}
	return nil
}

func (e *Executor) performClose(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, a contracts.CloseCaseAction, exec *contracts.Execution) error {
	if err := e.finalizeInternal(ctx, prop, exec); err != nil {
		return err
	}
	if _, err := e.lifecycle.Transition(ctx, c.ID, contracts.EventCaseClosed, lifecycle.TransitionContext{
		Outcome:     a.Outcome,
		Description: "case closed",
		Metadata:    map[string]any{"proposal_id": prop.ID},
	}); err != nil {
		return err
	}
	if a.Summary != "" {
		if err := e.store.SetOutcomeSummary(ctx, c.ID, a.Summary); err != nil {
			return err
		}
		return nil
	}
	// No summary on the proposal; let the drafter write one out of
	// band. The close stands even if this never runs.
	if e.drafter != nil {
		if _, err := e.dispatcher.Enqueue(ctx, dispatch.TaskSpec{
			Type:           dispatch.TaskSummarizeOutcome,
			CaseID:         c.ID,
			Trigger:        contracts.TriggerReprocess,
			IdempotencyKey: "summarize/" + c.ID,
		}); err != nil {
			e.logger.Warn("dispatch outcome summary", "case_id", c.ID, "error", err)
		}
	}
	return nil
}

// SummarizeHandler writes the outcome summary on a closed case. Wired
// against TaskSummarizeOutcome when a drafter is configured.
func (e *Executor) SummarizeHandler() dispatch.Handler {
	return func(ctx context.Context, t *dispatch.Task) error {
		if e.drafter == nil {
			return nil
		}
		c, err := e.store.GetCase(ctx, t.CaseID)
		if err != nil {
			return err
		}
		if c.OutcomeSummary != "" {
			return nil
		}
		draft, err := e.drafter.Draft(ctx, classifier.DraftRequest{
			Case:       c,
			ActionType: contracts.ActionCloseCase,
		})
		if err != nil {
			return fmt.Errorf("draft outcome summary for case %s: %w", c.ID, err)
		}
		return e.store.SetOutcomeSummary(ctx, c.ID, draft.BodyText)
	}
}

// finalizeInternal closes an execution that had no external provider.
func (e *Executor) finalizeInternal(ctx context.Context, prop *contracts.Proposal, exec *contracts.Execution) error {
	now := e.clock().UTC()
	return e.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CompleteExecution(ctx, exec.ID, ""); err != nil {
			return err
		}
		return tx.MarkExecuted(ctx, prop.ID, now)
	})
}

// fail records the failure and rolls the proposal back so a human can
// retry or dismiss it. The execution row keeps the error for the audit
// trail.
func (e *Executor) fail(ctx context.Context, c *contracts.Case, prop *contracts.Proposal, execID string, cause error) {
	if execID != "" {
		_ = e.store.FailExecution(ctx, execID, cause.Error())
	}
	if err := e.store.RollbackToPending(ctx, prop.ID); err != nil && !errors.Is(err, store.ErrStale) {
		e.logger.Error("rollback after execution failure",
			"proposal_id", prop.ID, "error", err, "cause", cause)
	}
	_ = e.store.AppendActivity(ctx, c.ID, contracts.ActivityExecutionFailed,
		fmt.Sprintf("%s failed: %v", prop.ActionType, cause),
		map[string]any{"proposal_id": prop.ID, "execution_id": execID})
	e.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindProposalRejected,
		Message: fmt.Sprintf("%s failed on %s", prop.ActionType, c.AgencyName),
		CaseID:  c.ID,
		OwnerID: c.OwnerID,
		Meta:    map[string]any{"proposal_id": prop.ID, "error": cause.Error()},
		At:      e.clock().UTC(),
	})
}

func executionKind(action contracts.Action) string {
	switch action.(type) {
	case contracts.SendEmailAction, contracts.AcceptFeeAction,
		contracts.SendPDFAction, contracts.WithdrawAction:
		return contracts.ExecutionKindEmail
	case contracts.SubmitPortalAction:
		return contracts.ExecutionKindPortal
	default:
		return contracts.ExecutionKindInternal
	}
}
