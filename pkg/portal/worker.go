package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
	"github.com/Mindburn-Labs/docket/pkg/dispatch"
	"github.com/Mindburn-Labs/docket/pkg/lifecycle"
	"github.com/Mindburn-Labs/docket/pkg/notify"
	"github.com/Mindburn-Labs/docket/pkg/retry"
	"github.com/Mindburn-Labs/docket/pkg/store"
)

// Worker drives one portal task to a verdict and folds it back into the
// proposal and the case. The portal task id is the idempotency key on
// both sides: the dispatcher dedupes the submit task on it and the
// runner dedupes the browser session on it, so a redelivered task never
// submits twice.
type Worker struct {
	store     *store.Store
	lifecycle *lifecycle.Engine
	runner    Runner
	notifier  notify.Notifier
	rp        retry.Policy
	clock     func() time.Time
	logger    *slog.Logger
}

// NewWorker builds the worker on the shared store and state machine.
func NewWorker(st *store.Store, lc *lifecycle.Engine, runner Runner, n notify.Notifier) *Worker {
	if n == nil {
		n = notify.Nop{}
	}
	return &Worker{
		store:     st,
		lifecycle: lc,
		runner:    runner,
		notifier:  n,
		rp:        retry.DefaultTransient,
		clock:     time.Now,
		logger:    slog.Default().With("component", "portal"),
	}
}

// WithClock replaces the time source for tests.
func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock
	return w
}

// Register wires the worker onto the dispatcher.
func (w *Worker) Register(d *dispatch.Dispatcher) {
	d.Register(dispatch.TaskSubmitPortal, w.Handler())
}

// Handler adapts Submit to the dispatcher's task shape.
func (w *Worker) Handler() dispatch.Handler {
	return func(ctx context.Context, t *dispatch.Task) error {
		taskID, _ := t.Payload["portal_task_id"].(string)
		proposalID, _ := t.Payload["proposal_id"].(string)
		if taskID == "" || proposalID == "" {
			return fmt.Errorf("portal: task payload missing portal_task_id or proposal_id")
		}
		runID := ""
		if t.Run != nil {
			runID = t.Run.ID
		}
		return w.Submit(ctx, taskID, proposalID, runID)
	}
}

// Submit claims the portal task, runs it through the runner, and folds
// the verdict. Finished and cancelled tasks are no-ops, so a crashed or
// redelivered run converges instead of double-submitting.
func (w *Worker) Submit(ctx context.Context, taskID, proposalID, runID string) error {
	task, err := w.store.GetPortalTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load portal task %s: %w", taskID, err)
	}
	if task.Status.IsFinal() {
		w.logger.Info("portal task already final",
			"portal_task_id", taskID, "status", task.Status)
		return nil
	}

	// PENDING -> RUNNING. A task already in RUNNING belonged to a run
	// that died mid-flight; adopt it and resubmit under the same
	// idempotency key.
	if err := w.store.ClaimPortalTask(ctx, taskID); err != nil {
		if !errors.Is(err, store.ErrStale) {
			return fmt.Errorf("claim portal task %s: %w", taskID, err)
		}
		task, err = w.store.GetPortalTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != contracts.PortalRunning {
			w.logger.Info("portal task superseded before claim",
				"portal_task_id", taskID, "status", task.Status)
			return nil
		}
	}

	c, err := w.store.GetCase(ctx, task.CaseID)
	if err != nil {
		return err
	}
	if _, err := w.lifecycle.Transition(ctx, c.ID, contracts.EventPortalStarted, lifecycle.TransitionContext{
		RunID:        runID,
		PortalStatus: string(contracts.PortalRunning),
		Description:  "portal submission started",
		Metadata:     map[string]any{"portal_task_id": taskID, "proposal_id": proposalID},
	}); err != nil {
		if errors.Is(err, lifecycle.ErrTerminal) {
			// The case closed under us; withdraw the submission.
			return w.discard(ctx, task, "case closed before portal submission")
		}
		return err
	}

	result, err := w.submitWithRetry(ctx, Job{
		CaseID:       c.ID,
		PortalTaskID: task.ID,
		PortalURL:    task.PortalURL,
		Provider:     task.Provider,
		Instructions: task.Instructions,
		Subject:      c.Subject,
		RequestBody:  c.RequestBody,
	})
	if err != nil {
		// Permanent runner failure; fold it so the proposal is not
		// stranded, then fail the run for the audit trail.
		if ferr := w.fold(ctx, c, task, proposalID, &Result{
			Status: contracts.PortalFailed,
			Error:  err.Error(),
		}); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}
	return w.fold(ctx, c, task, proposalID, result)
}

func (w *Worker) submitWithRetry(ctx context.Context, job Job) (*Result, error) {
	var result *Result
	var err error
	for attempt := 0; attempt < w.rp.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retry.Backoff(job.PortalTaskID, attempt, w.rp)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		result, err = w.runner.Submit(ctx, job)
		if err == nil || !errors.Is(err, ErrTransient) {
			break
		}
		w.logger.Warn("transient portal failure",
			"portal_task_id", job.PortalTaskID, "attempt", attempt+1, "error", err)
	}
	if err != nil {
		return nil, fmt.Errorf("submit portal task %s: %w", job.PortalTaskID, err)
	}
	return result, nil
}

// fold writes the runner's verdict onto the task, the proposal, and the
// case.
func (w *Worker) fold(ctx context.Context, c *contracts.Case, task *contracts.PortalTask, proposalID string, result *Result) error {
	if err := w.store.FinishPortalTask(ctx, task.ID, result.Status, result.ConfirmationNumber, result.Error); err != nil {
		if errors.Is(err, store.ErrStale) {
			// Cancelled by a superseding approval while the runner was
			// mid-flight. The replacement task owns the case now.
			w.logger.Warn("late portal result discarded",
				"portal_task_id", task.ID, "result", result.Status)
			return nil
		}
		return fmt.Errorf("finish portal task %s: %w", task.ID, err)
	}

	switch result.Status {
	case contracts.PortalSuccess:
		return w.foldSuccess(ctx, c, task, proposalID, result)
	case contracts.PortalCancelled:
		w.logger.Info("portal task cancelled",
			"portal_task_id", task.ID, "case_id", c.ID)
		return nil
	case contracts.PortalFailed, contracts.PortalTimeout:
		return w.foldFailure(ctx, c, task, proposalID, result)
	}
	return fmt.Errorf("portal: unexpected runner verdict %q", result.Status)
}

func (w *Worker) foldSuccess(ctx context.Context, c *contracts.Case, task *contracts.PortalTask, proposalID string, result *Result) error {
	if err := w.store.MarkExecutedFromPortal(ctx, proposalID, w.clock().UTC()); err != nil {
		if !errors.Is(err, store.ErrStale) {
			return fmt.Errorf("mark proposal %s executed: %w", proposalID, err)
		}
		// Proposal moved on (dismissed or withdrawn) while the runner
		// ran; the submission stands but nothing else should change.
		w.logger.Warn("portal succeeded on a finished proposal",
			"portal_task_id", task.ID, "proposal_id", proposalID)
		return nil
	}

	if _, err := w.lifecycle.Transition(ctx, c.ID, contracts.EventCaseReconciled, lifecycle.TransitionContext{
		TargetStatus: contracts.CaseAwaitingResponse,
		Description:  "portal submission confirmed",
		Metadata: map[string]any{
			"portal_task_id": task.ID,
			"proposal_id":    proposalID,
			"confirmation":   result.ConfirmationNumber,
		},
	}); err != nil {
		return fmt.Errorf("transition after portal success: %w", err)
	}

	_ = w.store.AppendActivity(ctx, c.ID, contracts.ActivityProposalExecuted,
		fmt.Sprintf("portal submission confirmed (%s)", result.ConfirmationNumber),
		map[string]any{"portal_task_id": task.ID, "proposal_id": proposalID})
	w.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindPortalUpdate,
		Message: fmt.Sprintf("portal submission confirmed on %s", c.AgencyName),
		CaseID:  c.ID,
		OwnerID: c.OwnerID,
		Meta:    map[string]any{"portal_task_id": task.ID, "confirmation": result.ConfirmationNumber},
		At:      w.clock().UTC(),
	})
	w.logger.Info("portal submission confirmed",
		"case_id", c.ID, "portal_task_id", task.ID, "confirmation", result.ConfirmationNumber)
	return nil
}

func (w *Worker) foldFailure(ctx context.Context, c *contracts.Case, task *contracts.PortalTask, proposalID string, result *Result) error {
	if err := w.store.RollbackToPending(ctx, proposalID); err != nil && !errors.Is(err, store.ErrStale) {
		return fmt.Errorf("rollback proposal %s: %w", proposalID, err)
	}

	kind := contracts.ActivityExecutionFailed
	if result.Status == contracts.PortalTimeout {
		kind = contracts.ActivityPortalTimeout
	}
	_ = w.store.AppendActivity(ctx, c.ID, kind,
		fmt.Sprintf("portal submission %s: %s", result.Status, result.Error),
		map[string]any{"portal_task_id": task.ID, "proposal_id": proposalID})

	if _, err := w.lifecycle.Transition(ctx, c.ID, contracts.EventCaseEscalated, lifecycle.TransitionContext{
		TargetStatus: contracts.CaseNeedsHumanReview,
		PauseReason:  contracts.PauseManual,
		Description:  fmt.Sprintf("portal submission %s", result.Status),
		Metadata:     map[string]any{"portal_task_id": task.ID, "proposal_id": proposalID},
	}); err != nil && !errors.Is(err, lifecycle.ErrTerminal) {
		return fmt.Errorf("escalate after portal %s: %w", result.Status, err)
	}

	w.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindPortalUpdate,
		Message: fmt.Sprintf("portal submission %s on %s", result.Status, c.AgencyName),
		CaseID:  c.ID,
		OwnerID: c.OwnerID,
		Meta:    map[string]any{"portal_task_id": task.ID, "error": result.Error},
		At:      w.clock().UTC(),
	})
	w.logger.Warn("portal submission failed",
		"case_id", c.ID, "portal_task_id", task.ID,
		"status", result.Status, "error", result.Error)
	return nil
}

// discard finishes a task whose case is no longer eligible for
// submission.
func (w *Worker) discard(ctx context.Context, task *contracts.PortalTask, reason string) error {
	if err := w.store.FinishPortalTask(ctx, task.ID, contracts.PortalCancelled, "", reason); err != nil && !errors.Is(err, store.ErrStale) {
		return err
	}
	w.logger.Info("portal task discarded", "portal_task_id", task.ID, "reason", reason)
	return nil
}
