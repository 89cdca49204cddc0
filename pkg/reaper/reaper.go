// Package reaper is the periodic safety net under the orchestration
// engine. Every interval it sweeps durable state for work the happy
// path dropped: expired waitpoints, expired locks, runs that stopped
// making progress, overdue portal submissions, review cases nothing is
// driving, proposals stranded mid-claim, and cases past their statutory
// deadline. Each rule converges state the same way the inline path
// would have, so a crash anywhere leaves at most one sweep interval of
// drift.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/docket/pkg/caselock"
	"github.com/Mindburn-Labs/docket/pkg/contracts"
	"github.com/Mindburn-Labs/docket/pkg/dispatch"
	"github.com/Mindburn-Labs/docket/pkg/lifecycle"
	"github.com/Mindburn-Labs/docket/pkg/notify"
	"github.com/Mindburn-Labs/docket/pkg/portal"
	"github.com/Mindburn-Labs/docket/pkg/store"
	"github.com/Mindburn-Labs/docket/pkg/waitpoint"
)

// dailyKeyTTL is the idempotency window for the reaper's date-scoped
// keys. The date component already rolls the key over at midnight; 48h
// covers clock skew across nodes either side of the boundary.
const dailyKeyTTL = 48 * time.Hour

// Config bounds the sweep.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// StuckRunAfter is how long a run may sit in running before the
	// reaper fails it and reprocesses the case.
	StuckRunAfter time.Duration
	// ExecutingGrace is how long a proposal may hold the EXECUTING
	// claim before it is reconciled against the execution log.
	ExecutingGrace time.Duration
	// OrphanGrace keeps the orphan rule off cases that changed
	// recently; a rescue racing a live pipeline would double-plan.
	OrphanGrace time.Duration
	// BatchLimit caps the rows each rule touches per sweep.
	BatchLimit int
	// DispatchRate paces the enqueues a sweep produces so a large
	// backlog does not stampede the worker pool.
	DispatchRate  rate.Limit
	DispatchBurst int
}

// DefaultConfig matches the engine contract.
func DefaultConfig() Config {
	return Config{
		Interval:       time.Minute,
		StuckRunAfter:  30 * time.Minute,
		ExecutingGrace: 15 * time.Minute,
		OrphanGrace:    10 * time.Minute,
		BatchLimit:     100,
		DispatchRate:   10,
		DispatchBurst:  5,
	}
}

// Report counts what one sweep did.
type Report struct {
	ExpiredLocks        int64 `json:"expired_locks"`
	ExpiredWaitpoints   int   `json:"expired_waitpoints"`
	StuckRuns           int   `json:"stuck_runs"`
	PortalOverdue       int   `json:"portal_overdue"`
	PortalTimeouts      int   `json:"portal_timeouts"`
	OrphanRescues       int   `json:"orphan_rescues"`
	ExecutingReconciled int   `json:"executing_reconciled"`
	DeadlineFollowups   int   `json:"deadline_followups"`
	Errors              int   `json:"errors"`
}

// SweepTracker opens a telemetry span around one sweep. The metrics
// provider satisfies it; nil means no telemetry.
type SweepTracker interface {
	TrackSweep(ctx context.Context) (context.Context, func(err error))
}

// Reaper runs the sweep.
type Reaper struct {
	store      *store.Store
	locks      *caselock.Manager
	waitpoints *waitpoint.Manager
	dispatcher *dispatch.Dispatcher
	lifecycle  *lifecycle.Engine
	notifier   notify.Notifier
	limiter    *rate.Limiter
	tracker    SweepTracker
	cfg        Config
	clock      func() time.Time
	logger     *slog.Logger
}

// New builds a reaper.
func New(
	st *store.Store,
	locks *caselock.Manager,
	wp *waitpoint.Manager,
	d *dispatch.Dispatcher,
	lc *lifecycle.Engine,
	n notify.Notifier,
	cfg Config,
) *Reaper {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StuckRunAfter <= 0 {
		cfg.StuckRunAfter = def.StuckRunAfter
	}
	if cfg.ExecutingGrace <= 0 {
		cfg.ExecutingGrace = def.ExecutingGrace
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = def.OrphanGrace
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = def.BatchLimit
	}
	if cfg.DispatchRate <= 0 {
		cfg.DispatchRate = def.DispatchRate
	}
	if cfg.DispatchBurst <= 0 {
		cfg.DispatchBurst = def.DispatchBurst
	}
	if n == nil {
		n = notify.Nop{}
	}
	return &Reaper{
		store:      st,
		locks:      locks,
		waitpoints: wp,
		dispatcher: d,
		lifecycle:  lc,
		notifier:   n,
		limiter:    rate.NewLimiter(cfg.DispatchRate, cfg.DispatchBurst),
		cfg:        cfg,
		clock:      time.Now,
		logger:     slog.Default().With("component", "reaper"),
	}
}

// WithClock replaces the time source for tests.
func (r *Reaper) WithClock(clock func() time.Time) *Reaper {
	r.clock = clock
	return r
}

// WithTracker attaches sweep telemetry.
func (r *Reaper) WithTracker(tr SweepTracker) *Reaper {
	r.tracker = tr
	return r
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rep := r.Sweep(ctx)
			if !rep.empty() {
				r.logger.Info("sweep",
					"locks", rep.ExpiredLocks,
					"waitpoints", rep.ExpiredWaitpoints,
					"stuck_runs", rep.StuckRuns,
					"portal_overdue", rep.PortalOverdue,
					"portal_timeouts", rep.PortalTimeouts,
					"orphans", rep.OrphanRescues,
					"executing", rep.ExecutingReconciled,
					"deadlines", rep.DeadlineFollowups,
					"errors", rep.Errors)
			}
		}
	}
}

func (rep *Report) empty() bool {
	return *rep == Report{}
}

// Sweep runs every rule once. Rule failures are counted and logged, not
// propagated; one broken row must not starve the others.
func (r *Reaper) Sweep(ctx context.Context) *Report {
	if r.tracker != nil {
		var done func(error)
		ctx, done = r.tracker.TrackSweep(ctx)
		defer done(nil)
	}
	rep := &Report{}
	r.sweepLocks(ctx, rep)
	r.sweepWaitpoints(ctx, rep)
	r.sweepStuckRuns(ctx, rep)
	r.sweepPortalTasks(ctx, rep)
	r.sweepExecuting(ctx, rep)
	r.sweepOrphanedReviews(ctx, rep)
	r.sweepDeadlines(ctx, rep)
	return rep
}

func (r *Reaper) sweepLocks(ctx context.Context, rep *Report) {
	n, err := r.locks.SweepExpired(ctx)
	if err != nil {
		r.fail(rep, "sweep locks", err)
		return
	}
	rep.ExpiredLocks = n
}

// sweepWaitpoints dismisses proposals whose approval window passed
// without a decision. A parked run wakes with the dismissal as its
// continuation; without one the proposal is dismissed in place and the
// case reconciled off its review branch.
func (r *Reaper) sweepWaitpoints(ctx context.Context, rep *Report) {
	wps, err := r.waitpoints.ListExpired(ctx, r.cfg.BatchLimit)
	if err != nil {
		r.fail(rep, "list expired waitpoints", err)
		return
	}
	for _, wp := range wps {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := r.waitpoints.Complete(ctx, wp.Token, contracts.CompletionPayload{
			Action: contracts.DecisionDismiss,
			Reason: contracts.ReasonWaitpointExpired,
		}); err != nil {
			if errors.Is(err, waitpoint.ErrAlreadyCompleted) {
				continue
			}
			r.fail(rep, "complete expired waitpoint", err)
			continue
		}
		rep.ExpiredWaitpoints++
		_ = r.store.AppendActivity(ctx, wp.CaseID, contracts.ActivityWaitpointExpired,
			"approval window expired, proposal dismissed",
			map[string]any{"proposal_id": wp.ProposalID})
		r.notifier.Notify(ctx, notify.Event{
			Kind:    notify.KindReaperAlert,
			Message: "approval window expired",
			CaseID:  wp.CaseID,
			Meta:    map[string]any{"proposal_id": wp.ProposalID},
			At:      r.clock().UTC(),
		})

		run, err := r.store.GetActiveRun(ctx, wp.CaseID)
		if err == nil && run.Status == contracts.RunWaiting && run.ThreadRef == wp.Token {
			if err := r.dispatcher.Resume(ctx, run.ID, dispatch.TaskResumeDecision, map[string]any{
				"proposal_id": wp.ProposalID,
				"action":      string(contracts.DecisionDismiss),
				"reason":      contracts.ReasonWaitpointExpired,
			}); err == nil {
				continue
			}
			r.logger.Warn("resume on expired waitpoint failed, dismissing in place",
				"run_id", run.ID, "case_id", wp.CaseID)
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			r.fail(rep, "look up run for expired waitpoint", err)
			continue
		}

		dec := &contracts.HumanDecision{
			Action:    contracts.DecisionDismiss,
			Reason:    contracts.ReasonWaitpointExpired,
			DecidedAt: r.clock().UTC(),
		}
		if err := r.store.DismissProposal(ctx, wp.ProposalID, dec); err != nil && !errors.Is(err, store.ErrStale) {
			r.fail(rep, "dismiss expired proposal", err)
			continue
		}
		if err := r.reconcile(ctx, wp.CaseID); err != nil {
			r.fail(rep, "reconcile after expiry", err)
		}
	}
}

// reconcile moves a review-parked case back onto the main track when no
// open proposals remain.
func (r *Reaper) reconcile(ctx context.Context, caseID string) error {
	c, err := r.store.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if !c.Status.IsReview() {
		return nil
	}
	open, err := r.store.CountOpenProposals(ctx, caseID)
	if err != nil || open > 0 {
		return err
	}
	target := contracts.CaseAwaitingResponse
	if _, lerr := r.store.LatestInbound(ctx, caseID); lerr == nil {
		target = contracts.CaseResponded
	}
	_, err = r.lifecycle.Transition(ctx, caseID, contracts.EventCaseReconciled, lifecycle.TransitionContext{
		TargetStatus: target,
		Description:  "reconciled after waitpoint expiry",
	})
	if errors.Is(err, lifecycle.ErrTerminal) {
		return nil
	}
	return err
}

// sweepStuckRuns fails runs that sat in running past the threshold and
// reprocesses their cases. A run in waiting is parked, not stuck; the
// waitpoint rule owns those.
func (r *Reaper) sweepStuckRuns(ctx context.Context, rep *Report) {
	now := r.clock().UTC()
	runs, err := r.store.ListStaleRunning(ctx, now.Add(-r.cfg.StuckRunAfter))
	if err != nil {
		r.fail(rep, "list stale runs", err)
		return
	}
	for _, run := range runs {
		if err := r.store.FailRun(ctx, run.ID, contracts.ErrorStuck); err != nil {
			if !errors.Is(err, store.ErrStale) {
				r.fail(rep, "fail stuck run", err)
			}
			continue
		}
		rep.StuckRuns++
		_ = r.store.AppendActivity(ctx, run.CaseID, contracts.ActivityRunFailed,
			fmt.Sprintf("run %s made no progress for %s and was failed", run.ID, r.cfg.StuckRunAfter),
			map[string]any{"run_id": run.ID, "error": contracts.ErrorStuck})
		r.notifier.Notify(ctx, notify.Event{
			Kind:    notify.KindRunFailed,
			Message: "run stuck, case reprocessed",
			CaseID:  run.CaseID,
			Meta:    map[string]any{"run_id": run.ID},
			At:      now,
		})

		c, err := r.store.GetCase(ctx, run.CaseID)
		if err != nil || c.Status.IsTerminal() {
			continue
		}
		if err := r.reprocess(ctx, c.ID, "reaper-stuck/"+run.ID); err != nil {
			r.fail(rep, "reprocess after stuck run", err)
		}
	}
}

// reprocess schedules a fresh pass over the case: the latest inbound
// message when there is one, otherwise the initial-request path.
func (r *Reaper) reprocess(ctx context.Context, caseID, idemKey string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	spec := dispatch.TaskSpec{
		Type:           dispatch.TaskProcessInitial,
		CaseID:         caseID,
		Trigger:        contracts.TriggerReprocess,
		IdempotencyKey: idemKey,
		// Date-scoped rescue keys must outlive the dispatcher's default
		// window to hold their one-per-day guarantee.
		KeyTTL: dailyKeyTTL,
	}
	if latest, err := r.store.LatestInbound(ctx, caseID); err == nil {
		spec.Type = dispatch.TaskProcessInbound
		spec.Payload = map[string]any{"message_id": latest.ID}
	}
	if _, err := r.dispatcher.Enqueue(ctx, spec); err != nil && !errors.Is(err, dispatch.ErrDuplicate) {
		return err
	}
	return nil
}

// sweepPortalTasks times out submissions past the hard limit and rolls
// their proposals back for a human. Soft-overdue tasks are only counted;
// the runner may still land them.
func (r *Reaper) sweepPortalTasks(ctx context.Context, rep *Report) {
	now := r.clock().UTC()
	tasks, err := r.store.ListOverduePortalTasks(ctx, now.Add(-portal.SoftTimeout))
	if err != nil {
		r.fail(rep, "list overdue portal tasks", err)
		return
	}
	for _, task := range tasks {
		if now.Sub(task.CreatedAt) < portal.HardTimeout {
			rep.PortalOverdue++
			r.logger.Warn("portal task overdue",
				"portal_task_id", task.ID, "case_id", task.CaseID,
				"age", now.Sub(task.CreatedAt).Round(time.Second))
			continue
		}
		if err := r.store.FinishPortalTask(ctx, task.ID, contracts.PortalTimeout, "", "hard timeout exceeded"); err != nil {
			if !errors.Is(err, store.ErrStale) {
				r.fail(rep, "time out portal task", err)
			}
			continue
		}
		rep.PortalTimeouts++
		if task.ProposalID != "" {
			if err := r.store.RollbackToPending(ctx, task.ProposalID); err != nil && !errors.Is(err, store.ErrStale) {
				r.fail(rep, "rollback portal proposal", err)
			}
		}
		_ = r.store.AppendActivity(ctx, task.CaseID, contracts.ActivityPortalTimeout,
			"portal submission exceeded the hard timeout",
			map[string]any{"portal_task_id": task.ID, "proposal_id": task.ProposalID})
		if _, err := r.lifecycle.Transition(ctx, task.CaseID, contracts.EventCaseEscalated, lifecycle.TransitionContext{
			TargetStatus: contracts.CaseNeedsHumanReview,
			PauseReason:  contracts.PauseManual,
			Description:  "portal submission timed out",
			Metadata:     map[string]any{"portal_task_id": task.ID},
		}); err != nil && !errors.Is(err, lifecycle.ErrTerminal) {
			r.fail(rep, "escalate after portal timeout", err)
		}
		r.notifier.Notify(ctx, notify.Event{
			Kind:    notify.KindPortalUpdate,
			Message: "portal submission timed out",
			CaseID:  task.CaseID,
			Meta:    map[string]any{"portal_task_id": task.ID},
			At:      now,
		})
	}
}

// sweepExecuting reconciles proposals stranded in the EXECUTING claim
// against the execution log: a completed entry means the side effect
// happened and the proposal finishes; otherwise the claim is released
// back to a human.
func (r *Reaper) sweepExecuting(ctx context.Context, rep *Report) {
	now := r.clock().UTC()
	props, err := r.store.ListExecutingOlderThan(ctx, now.Add(-r.cfg.ExecutingGrace))
	if err != nil {
		r.fail(rep, "list executing proposals", err)
		return
	}
	for _, p := range props {
		execs, err := r.store.ListExecutionsByProposal(ctx, p.ID)
		if err != nil {
			r.fail(rep, "list executions", err)
			continue
		}
		completed := false
		for _, e := range execs {
			if e.Status == contracts.ExecutionCompleted {
				completed = true
				break
			}
		}
		if completed {
			if err := r.store.MarkExecuted(ctx, p.ID, now); err != nil && !errors.Is(err, store.ErrStale) {
				r.fail(rep, "mark reconciled proposal executed", err)
				continue
			}
			rep.ExecutingReconciled++
			_ = r.store.AppendActivity(ctx, p.CaseID, contracts.ActivityProposalExecuted,
				fmt.Sprintf("%s reconciled as executed from the execution log", p.ActionType),
				map[string]any{"proposal_id": p.ID})
			continue
		}
		for _, e := range execs {
			if e.Status == contracts.ExecutionStarted {
				_ = r.store.FailExecution(ctx, e.ID, "abandoned by crashed worker")
			}
		}
		if err := r.store.RollbackToPending(ctx, p.ID); err != nil && !errors.Is(err, store.ErrStale) {
			r.fail(rep, "rollback abandoned claim", err)
			continue
		}
		rep.ExecutingReconciled++
		_ = r.store.AppendActivity(ctx, p.CaseID, contracts.ActivityProposalRolledBack,
			fmt.Sprintf("%s claim abandoned, returned to pending", p.ActionType),
			map[string]any{"proposal_id": p.ID})
	}
}

// sweepOrphanedReviews rescues cases parked in a review status with
// nothing attached to drive them: no open proposal, no active run, no
// open waitpoint. A crash between the escalation transition and the
// proposal write leaves exactly this shape.
func (r *Reaper) sweepOrphanedReviews(ctx context.Context, rep *Report) {
	now := r.clock().UTC()
	cases, err := r.store.ListReviewCases(ctx, r.cfg.BatchLimit)
	if err != nil {
		r.fail(rep, "list review cases", err)
		return
	}
	for _, c := range cases {
		if now.Sub(c.UpdatedAt) < r.cfg.OrphanGrace {
			continue
		}
		open, err := r.store.CountOpenProposals(ctx, c.ID)
		if err != nil {
			r.fail(rep, "count open proposals", err)
			continue
		}
		if open > 0 {
			continue
		}
		if _, err := r.store.GetActiveRun(ctx, c.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			r.fail(rep, "look up active run", err)
			continue
		}
		wps, err := r.waitpoints.ListOpenByCase(ctx, c.ID)
		if err != nil {
			r.fail(rep, "list open waitpoints", err)
			continue
		}
		if len(wps) > 0 {
			continue
		}
		// One rescue per day per case; a case that keeps orphaning
		// needs a human, not a retry loop.
		key := "reaper-orphan/" + c.ID + "/" + now.Format("2006-01-02")
		if err := r.reprocess(ctx, c.ID, key); err != nil {
			r.fail(rep, "rescue orphaned case", err)
			continue
		}
		rep.OrphanRescues++
		r.logger.Warn("rescued orphaned review case", "case_id", c.ID, "status", c.Status)
	}
}

// sweepDeadlines schedules a follow-up check on cases whose statutory
// deadline passed with no response. The planner decides whether a
// follow-up actually goes out.
func (r *Reaper) sweepDeadlines(ctx context.Context, rep *Report) {
	now := r.clock().UTC()
	cases, err := r.store.ListCasesPastDeadline(ctx, now, r.cfg.BatchLimit)
	if err != nil {
		r.fail(rep, "list cases past deadline", err)
		return
	}
	for _, c := range cases {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		// One check per day per case.
		_, err := r.dispatcher.Enqueue(ctx, dispatch.TaskSpec{
			Type:           dispatch.TaskProcessInitial,
			CaseID:         c.ID,
			Trigger:        contracts.TriggerDeadline,
			IdempotencyKey: "deadline/" + c.ID + "/" + now.Format("2006-01-02"),
			KeyTTL:         dailyKeyTTL,
		})
		if err != nil {
			if errors.Is(err, dispatch.ErrDuplicate) {
				continue
			}
			r.fail(rep, "dispatch deadline check", err)
			continue
		}
		rep.DeadlineFollowups++
	}
}

func (r *Reaper) fail(rep *Report, what string, err error) {
	rep.Errors++
	r.logger.Error(what, "error", err)
}
