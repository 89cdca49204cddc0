package reaper

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/docket/pkg/caselock"
	"github.com/Mindburn-Labs/docket/pkg/contracts"
	"github.com/Mindburn-Labs/docket/pkg/dispatch"
	"github.com/Mindburn-Labs/docket/pkg/lifecycle"
	"github.com/Mindburn-Labs/docket/pkg/portal"
	"github.com/Mindburn-Labs/docket/pkg/store"
	"github.com/Mindburn-Labs/docket/pkg/waitpoint"

	_ "modernc.org/sqlite"
)

// clockStub is a mutable time source shared by every component so the
// sweep's cutoffs line up with the seeded rows.
type clockStub struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clockStub) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clockStub) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder captures the tasks the sweep dispatches.
type recorder struct {
	mu    sync.Mutex
	tasks []*dispatch.Task
}

func (r *recorder) handler() dispatch.Handler {
	return func(_ context.Context, t *dispatch.Task) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.tasks = append(r.tasks, t)
		return nil
	}
}

func (r *recorder) byType(taskType string) []*dispatch.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*dispatch.Task
	for _, t := range r.tasks {
		if t.Type == taskType {
			out = append(out, t)
		}
	}
	return out
}

type reaperFixture struct {
	store      *store.Store
	locks      *caselock.Manager
	waitpoints *waitpoint.Manager
	dispatcher *dispatch.Dispatcher
	reaper     *Reaper
	clock      *clockStub
	tasks      *recorder
}

func setupReaper(t *testing.T) *reaperFixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Every :memory: connection is its own database; keep the pool at one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	cs := &clockStub{now: time.Now().UTC()}
	st := store.New(db)
	require.NoError(t, st.Init(ctx))
	locks := caselock.NewManager(db).WithClock(cs.Now)
	require.NoError(t, locks.Init(ctx))
	wp := waitpoint.NewManager(db).WithClock(cs.Now)
	require.NoError(t, wp.Init(ctx))
	lc := lifecycle.NewEngine(st, locks).WithClock(cs.Now)

	rec := &recorder{}
	d := dispatch.New(st)
	d.Register(dispatch.TaskProcessInbound, rec.handler())
	d.Register(dispatch.TaskProcessInitial, rec.handler())
	d.Register(dispatch.TaskResumeDecision, rec.handler())
	d.Start(ctx)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(sctx)
	})

	r := New(st, locks, wp, d, lc, nil, Config{BatchLimit: 50}).WithClock(cs.Now)
	return &reaperFixture{
		store: st, locks: locks, waitpoints: wp,
		dispatcher: d, reaper: r, clock: cs, tasks: rec,
	}
}

func seedCase(t *testing.T, st *store.Store, now time.Time, mutate func(*contracts.Case)) *contracts.Case {
	t.Helper()
	c := &contracts.Case{
		ID:            uuid.NewString(),
		OwnerID:       "user-1",
		Status:        contracts.CaseAwaitingResponse,
		AutopilotMode: contracts.ModeSupervised,
		AgencyName:    "Department of Examples",
		AgencyEmail:   "records@agency.example.gov",
		Subject:       "Request for inspection reports",
		RequestBody:   "All inspection reports from 2024.",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if mutate != nil {
		mutate(c)
	}
	require.NoError(t, st.CreateCase(context.Background(), c))
	return c
}

func seedPendingProposal(t *testing.T, st *store.Store, caseID string, now time.Time) *contracts.Proposal {
	t.Helper()
	p := &contracts.Proposal{
		ID:          uuid.NewString(),
		CaseID:      caseID,
		ActionType:  contracts.ActionSendRebuttal,
		Status:      contracts.ProposalPendingApproval,
		Confidence:  0.9,
		ProposalKey: uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, _, err := st.CreateProposal(context.Background(), p)
	require.NoError(t, err)
	return p
}

func activityKinds(t *testing.T, st *store.Store, caseID string) []string {
	t.Helper()
	entries, err := st.ListActivity(context.Background(), caseID, 50)
	require.NoError(t, err)
	var kinds []string
	for _, e := range entries {
		kinds = append(kinds, e.EventType)
	}
	return kinds
}

func TestSweepExpiredWaitpointResumesParkedRun(t *testing.T) {
	f := setupReaper(t)
	ctx := context.Background()
	now := f.clock.Now()
	c := seedCase(t, f.store, now, func(c *contracts.Case) {
		c.Status = contracts.CaseNeedsHumanReview
		c.RequiresHuman = true
		c.PauseReason = contracts.PauseDenial
	})
	p := seedPendingProposal(t, f.store, c.ID, now)
	wp, err := f.waitpoints.Create(ctx, c.ID, p.ID, time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.store.SetWaitpointToken(ctx, p.ID, wp.Token))
	run := &contracts.AgentRun{
		ID: uuid.NewString(), CaseID: c.ID,
		TriggerType: contracts.TriggerInboundMessage,
		Status:      contracts.RunWaiting,
		ThreadRef:   wp.Token,
		CreatedAt:   now,
	}
	require.NoError(t, f.store.CreateRun(ctx, run))

	f.clock.Advance(2 * time.Hour)
	rep := f.reaper.Sweep(ctx)
	require.NoError(t, f.dispatcher.Quiesce(ctx))

	assert.Equal(t, 1, rep.ExpiredWaitpoints)
	assert.Zero(t, rep.Errors)

	got, err := f.waitpoints.Get(ctx, wp.Token)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.CompletionPayload)
	assert.Equal(t, contracts.DecisionDismiss, got.CompletionPayload.Action)
	assert.Equal(t, contracts.ReasonWaitpointExpired, got.CompletionPayload.Reason)

	// The parked run woke with the dismissal as its continuation.
	resumed := f.tasks.byType(dispatch.TaskResumeDecision)
	require.Len(t, resumed, 1)
	assert.Equal(t, run.ID, resumed[0].Run.ID)
	assert.Equal(t, p.ID, resumed[0].Payload["proposal_id"])
	assert.Equal(t, string(contracts.DecisionDismiss), resumed[0].Payload["action"])

	assert.Contains(t, activityKinds(t, f.store, c.ID), contracts.ActivityWaitpointExpired)
}

func TestSweepExpiredWaitpointWithoutRunDismissesInPlace(t *testing.T) {
	f := setupReaper(t)
	ctx := context.Background()
	now := f.clock.Now()
	c := seedCase(t, f.store, now, func(c *contracts.Case) {
		c.Status = contracts.CaseNeedsHumanReview
		c.RequiresHuman = true
		c.PauseReason = contracts.PauseDenial
	})
	p := seedPendingProposal(t, f.store, c.ID, now)
	_, err := f.waitpoints.Create(ctx, c.ID, p.ID, time.Hour)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	rep := f.reaper.Sweep(ctx)

	assert.Equal(t, 1, rep.ExpiredWaitpoints)
	assert.Zero(t, rep.Errors)

	prop, err := f.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalDismissed, prop.Status)
	require.NotNil(t, prop.HumanDecision)
	assert.Equal(t, contracts.ReasonWaitpointExpired, prop.HumanDecision.Reason)

	// No open proposals remain, so the case leaves its review branch.
	cs, err := f.store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.CaseAwaitingResponse, cs.Status)
	assert.False(t, cs.RequiresHuman)
}

func TestSweepIsIdempotentAcrossRuns(t *testing.T) {
	f := setupReaper(t)
	ctx := context.Background()
	now := f.clock.Now()
	c := seedCase(t, f.store, now, func(c *contracts.Case) {
		c.Status = contracts.CaseNeedsHumanReview
		c.RequiresHuman = true
		c.PauseReason = contracts.PauseDenial
	})
	p := seedPendingProposal(t, f.store, c.ID, now)
	_, err := f.waitpoints.Create(ctx, c.ID, p.ID, time.Hour)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	first := f.reaper.Sweep(ctx)
	second := f.reaper.Sweep(ctx)

	assert.Equal(t, 1, first.ExpiredWaitpoints)
	assert.Zero(t, second.ExpiredWaitpoints)
	assert.Zero(t, second.Errors)
}

func TestSweepFailsStuckRunAndReprocesses(t *testing.T) {
	f := setupReaper(t)
	ctx := context.Background()
	now := f.clock.Now()
	c := seedCase(t, f.store, now, nil)
	started := now
	run := &contracts.AgentRun{
		ID: uuid.NewString(), CaseID: c.ID,
		TriggerType: contracts.TriggerInboundMessage,
		Status:      contracts.RunRunning,
		StartedAt:   &started,
		CreatedAt:   now,
	}
	require.NoError(t, f.store.CreateRun(ctx, run))

	f.clock.Advance(40 * time.Minute)
	rep := f.reaper.Sweep(ctx)
	require.NoError(t, f.dispatcher.Quiesce(ctx))

	assert.Equal(t, 1, rep.StuckRuns)
	assert.Zero(t, rep.Errors)

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunFailed, got.Status)
	assert.Equal(t, contracts.ErrorStuck, got.Error)

	// No inbound on the case, so the rescue runs the initial path.
	assert.Len(t, f.tasks.byType(dispatch.TaskProcessInitial), 1)
	assert.Contains(t, activityKinds(t, f.store, c.ID), contracts.ActivityRunFailed)
}

func TestSweepSkipsFreshRunningRuns(t *testing.T) {
	f := setupReaper(t)
	ctx := context.Background()
	now := f.clock.Now()
	c := seedCase(t, f.store, now, nil)
	started := now
	run := &contracts.AgentRun{
		ID: uuid.NewString(), CaseID: c.ID,
		TriggerType: contracts.TriggerInboundMessage,
		Status:      contracts.RunRunning,
		StartedAt:   &started,
		CreatedAt:   now,
	}
	require.NoError(t, f.store.CreateRun(ctx, run))

	f.clock.Advance(5 * time.Minute)
	rep := f.reaper.Sweep(ctx)

	assert.Zero(t, rep.StuckRuns)
	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunRunning, got.Status)
}

func TestSweepTimesOutOverduePortalTask(t *testing.T) {
	f := setupReaper(t)
	ctx := context.Background()
	now := f.clock.Now()
	c := seedCase(t, f.store, now, func(c *contracts.Case) {
		c.Status = contracts.CasePortalInProgress
		c.PortalURL = "https://portal.agency.example.gov"
	})
	p := seedPendingProposal(t, f.store, c.ID, now)
	key := uuid.NewString()
	require.NoError(t, f.store.ApproveProposal(ctx, p.ID, key, contracts.ProposalPendingApproval))
	require.NoError(t, f.store.MarkPendingPortal(ctx, p.ID))
	task := &contracts.PortalTask{
		ID: uuid.NewString(), CaseID: c.ID, ProposalID: p.ID,
		PortalURL: c.PortalURL, Status: contracts.PortalRunning, CreatedAt: now,
	}
	require.NoError(t, f.store.CreatePortalTask(ctx, task))

	// Past soft but under hard: counted, untouched.
	f.clock.Advance(portal.SoftTimeout + time.Minute)
	rep := f.reaper.Sweep(ctx)
	assert.Equal(t, 1, rep.PortalOverdue)
	assert.Zero(t, rep.PortalTimeouts)
	got, err := f.store.GetPortalTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.PortalRunning, got.Status)

	// Past hard: timed out, proposal back to a human.
	f.clock.Advance(portal.HardTimeout)
	rep = f.reaper.Sweep(ctx)
	assert.Equal(t, 1, rep.PortalTimeouts)
	assert.Zero(t, rep.Errors)

	got, err = f.store.GetPortalTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.PortalTimeout, got.Status)

	prop, err := f.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalPendingApproval, prop.Status)

	cs, err := f.store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.CaseNeedsHumanReview, cs.Status)
	assert.True(t, cs.RequiresHuman)

	assert.Contains(t, activityKinds(t, f.store, c.ID), contracts.ActivityPortalTimeout)
}

func TestSweepReconcilesExecutingFromLog(t *testing.T) {
	f := setupReaper(t)
	ctx := context.Background()
	now := f.clock.Now()
	c := seedCase(t, f.store, now, nil)

	// Completed in the log but the state update never landed.
	done := seedPendingProposal(t, f.store, c.ID, now)
	key := uuid.NewString()
	require.NoError(t, f.store.ApproveProposal(ctx, done.ID, key, contracts.ProposalPendingApproval))
	require.NoError(t, f.store.ClaimExecuting(ctx, done.ID, key))
	exec := &contracts.Execution{
		ID: uuid.NewString(), ProposalID: done.ID, CaseID: c.ID,
		Kind: contracts.ExecutionKindEmail, Status: contracts.ExecutionStarted, StartedAt: now,
	}
	require.NoError(t, f.store.AppendExecution(ctx, exec))
	require.NoError(t, f.store.CompleteExecution(ctx, exec.ID, "prov-1"))

	// Claimed but nothing ever left the process.
	abandoned := seedPendingProposal(t, f.store, c.ID, now)
	key2 := uuid.NewString()
	require.NoError(t, f.store.ApproveProposal(ctx, abandoned.ID, key2, contracts.ProposalPendingApproval))
	require.NoError(t, f.store.ClaimExecuting(ctx, abandoned.ID, key2))
	exec2 := &contracts.Execution{
		ID: uuid.NewString(), ProposalID: abandoned.ID, CaseID: c.ID,
		Kind: contracts.ExecutionKindEmail, Status: contracts.ExecutionStarted, StartedAt: now,
	}
	require.NoError(t, f.store.AppendExecution(ctx, exec2))

	f.clock.Advance(20 * time.Minute)
	rep := f.reaper.Sweep(ctx)

	assert.Equal(t, 2, rep.ExecutingReconciled)
	assert.Zero(t, rep.Errors)

	p1, err := f.store.GetProposal(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalExecuted, p1.Status)

	p2, err := f.store.GetProposal(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalPendingApproval, p2.Status)
	assert.Empty(t, p2.ExecutionKey)

	execs, err := f.store.ListExecutionsByProposal(ctx, abandoned.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, contracts.ExecutionFailed, execs[0].Status)
}

func TestSweepRescuesOrphanedReviewCase(t *testing.T) {
	f := setupReaper(t)
	ctx := context.Background()
	now := f.clock.Now()
	c := seedCase(t, f.store, now, func(c *contracts.Case) {
		c.Status = contracts.CaseNeedsHumanReview
		c.RequiresHuman = true
		c.PauseReason = contracts.PauseManual
	})

	// Inside the grace window: left alone.
	rep := f.reaper.Sweep(ctx)
	assert.Zero(t, rep.OrphanRescues)

	f.clock.Advance(20 * time.Minute)
	rep = f.reaper.Sweep(ctx)
	require.NoError(t, f.dispatcher.Quiesce(ctx))
	assert.Equal(t, 1, rep.OrphanRescues)
	assert.Len(t, f.tasks.byType(dispatch.TaskProcessInitial), 1)
	assert.Equal(t, c.ID, f.tasks.byType(dispatch.TaskProcessInitial)[0].CaseID)

	// Same day: the rescue does not repeat.
	rep = f.reaper.Sweep(ctx)
	assert.Zero(t, rep.OrphanRescues)
}

func TestSweepSkipsReviewCaseWithOpenProposal(t *testing.T) {
	f := setupReaper(t)
	ctx := context.Background()
	now := f.clock.Now()
	c := seedCase(t, f.store, now, func(c *contracts.Case) {
		c.Status = contracts.CaseNeedsHumanReview
		c.RequiresHuman = true
		c.PauseReason = contracts.PauseDenial
	})
	seedPendingProposal(t, f.store, c.ID, now)

	f.clock.Advance(20 * time.Minute)
	rep := f.reaper.Sweep(ctx)
	assert.Zero(t, rep.OrphanRescues)
	assert.Empty(t, f.tasks.byType(dispatch.TaskProcessInitial))
}

func TestSweepSchedulesDeadlineCheck(t *testing.T) {
	f := setupReaper(t)
	ctx := context.Background()
	now := f.clock.Now()
	deadline := now.Add(-48 * time.Hour)
	c := seedCase(t, f.store, now, func(c *contracts.Case) {
		c.DeadlineDate = &deadline
	})

	rep := f.reaper.Sweep(ctx)
	require.NoError(t, f.dispatcher.Quiesce(ctx))
	assert.Equal(t, 1, rep.DeadlineFollowups)

	checks := f.tasks.byType(dispatch.TaskProcessInitial)
	require.Len(t, checks, 1)
	assert.Equal(t, c.ID, checks[0].CaseID)
	assert.Equal(t, contracts.TriggerDeadline, checks[0].Run.TriggerType)

	// Same day: suppressed by the idempotency key.
	rep = f.reaper.Sweep(ctx)
	assert.Zero(t, rep.DeadlineFollowups)
}

func TestSweepIgnoresPausedCasesPastDeadline(t *testing.T) {
	f := setupReaper(t)
	ctx := context.Background()
	now := f.clock.Now()
	deadline := now.Add(-48 * time.Hour)
	seedCase(t, f.store, now, func(c *contracts.Case) {
		c.DeadlineDate = &deadline
		c.Status = contracts.CaseNeedsHumanFeeApproval
		c.RequiresHuman = true
		c.PauseReason = contracts.PauseFeeQuote
	})

	rep := f.reaper.Sweep(ctx)
	assert.Zero(t, rep.DeadlineFollowups)
}

func TestSweepReleasesExpiredLocks(t *testing.T) {
	f := setupReaper(t)
	ctx := context.Background()
	c := seedCase(t, f.store, f.clock.Now(), nil)
	_, err := f.locks.Acquire(ctx, c.ID, caselock.OpRun, "run-1", time.Minute)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	rep := f.reaper.Sweep(ctx)
	assert.EqualValues(t, 1, rep.ExpiredLocks)

	// The case is lockable again.
	lock, err := f.locks.Acquire(ctx, c.ID, caselock.OpRun, "run-2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.locks.Release(ctx, lock))
}
