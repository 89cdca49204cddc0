package inbound

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/docket/pkg/caselock"
	"github.com/Mindburn-Labs/docket/pkg/classifier"
	"github.com/Mindburn-Labs/docket/pkg/contracts"
	"github.com/Mindburn-Labs/docket/pkg/decision"
	"github.com/Mindburn-Labs/docket/pkg/dispatch"
	"github.com/Mindburn-Labs/docket/pkg/executor"
	"github.com/Mindburn-Labs/docket/pkg/lifecycle"
	"github.com/Mindburn-Labs/docket/pkg/mailer"
	"github.com/Mindburn-Labs/docket/pkg/planner"
	"github.com/Mindburn-Labs/docket/pkg/policy"
	"github.com/Mindburn-Labs/docket/pkg/store"
	"github.com/Mindburn-Labs/docket/pkg/waitpoint"

	_ "modernc.org/sqlite"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []mailer.Email
}

func (r *recordingSender) Send(_ context.Context, email mailer.Email, _ string) (*mailer.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, email)
	return &mailer.Receipt{ProviderMessageID: fmt.Sprintf("prov-%d", len(r.sent))}, nil
}

func (r *recordingSender) bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, e := range r.sent {
		out[i] = e.Text
	}
	return out
}

type fixture struct {
	store      *store.Store
	locks      *caselock.Manager
	dispatcher *dispatch.Dispatcher
	waitpoints *waitpoint.Manager
	resolver   *decision.Resolver
	pipe       *Pipeline
	sender     *recordingSender
}

// setupFixture wires the whole engine against an in-memory database:
// classifier, planner, decisioner, executor, resolver, and the pipeline
// under test, all sharing one dispatcher.
func setupFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Every :memory: connection is its own database; keep the pool at one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	st := store.New(db)
	require.NoError(t, st.Init(ctx))
	locks := caselock.NewManager(db)
	require.NoError(t, locks.Init(ctx))
	wp := waitpoint.NewManager(db)
	require.NoError(t, wp.Init(ctx))

	lc := lifecycle.NewEngine(st, locks)
	d := dispatch.New(st)
	profile := policy.Default()

	dec, err := decision.NewDecisioner(st, wp, d, lc, nil, profile)
	require.NoError(t, err)
	pl := planner.New(st, classifier.Static{}, profile)
	sender := &recordingSender{}
	ex := executor.New(st, lc, d, sender, nil, nil)

	pipe := New(st, locks, classifier.Static{}, pl, dec, lc, d, wp, nil, profile)
	pipe.Register()
	d.Register(dispatch.TaskExecuteProposal, ex.Handler())
	d.Register(dispatch.TaskSubmitPortal, func(ctx context.Context, t *dispatch.Task) error { return nil })
	d.Start(ctx)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(sctx)
	})

	return &fixture{
		store:      st,
		locks:      locks,
		dispatcher: d,
		waitpoints: wp,
		resolver:   decision.NewResolver(st, wp, d, lc, nil, nil, nil),
		pipe:       pipe,
		sender:     sender,
	}
}

func seedCase(t *testing.T, st *store.Store, mutate func(*contracts.Case)) *contracts.Case {
	t.Helper()
	now := time.Now().UTC()
	c := &contracts.Case{
		ID:            uuid.NewString(),
		OwnerID:       "user-1",
		Status:        contracts.CaseAwaitingResponse,
		AutopilotMode: contracts.ModeAuto,
		AgencyName:    "Department of Examples",
		AgencyEmail:   "records@agency.example.gov",
		Subject:       "Request for inspection reports",
		RequestBody:   "All inspection reports from 2024.",
		ThreadID:      uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if mutate != nil {
		mutate(c)
	}
	require.NoError(t, st.CreateCase(context.Background(), c))
	return c
}

func seedInbound(t *testing.T, st *store.Store, c *contracts.Case, subject, body string) *contracts.Message {
	t.Helper()
	now := time.Now().UTC()
	m := &contracts.Message{
		ID:        uuid.NewString(),
		CaseID:    c.ID,
		ThreadID:  c.ThreadID,
		Direction: contracts.DirectionInbound,
		From:      c.AgencyEmail,
		To:        "requests@docket.example",
		Subject:   subject,
		BodyText:  body,
		CreatedAt: now,
	}
	require.NoError(t, st.CreateMessage(context.Background(), m))
	return m
}

func ingestAndWait(t *testing.T, f *fixture, messageID string) string {
	t.Helper()
	ctx := context.Background()
	runID, err := f.pipe.Ingest(ctx, messageID)
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Quiesce(ctx))
	return runID
}

func openProposal(t *testing.T, f *fixture, caseID string) *contracts.Proposal {
	t.Helper()
	prop, err := f.store.GetOpenProposal(context.Background(), caseID)
	require.NoError(t, err)
	return prop
}

func activityKinds(t *testing.T, st *store.Store, caseID string) []string {
	t.Helper()
	entries, err := st.ListActivity(context.Background(), caseID, 50)
	require.NoError(t, err)
	kinds := make([]string, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.EventType)
	}
	return kinds
}

func TestLowFeeAutoExecutesAcceptFee(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	c := seedCase(t, f.store, nil)
	m := seedInbound(t, f.store, c, "Re: "+c.Subject,
		"The cost to process your request is $15.00. Please confirm.")

	runID := ingestAndWait(t, f, m.ID)

	run, err := f.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCompleted, run.Status)

	props, err := f.store.ListProposalsByCase(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, contracts.ActionAcceptFee, props[0].ActionType)
	assert.Equal(t, contracts.ProposalExecuted, props[0].Status)

	bodies := f.sender.bodies()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "$15.00")

	cs, err := f.store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.CaseAwaitingResponse, cs.Status)
	assert.False(t, cs.RequiresHuman)
	require.NotNil(t, cs.FeeQuote)
	assert.Equal(t, int64(1500), cs.FeeQuote.AmountCents)
	assert.Equal(t, contracts.FeeAccepted, cs.FeeQuote.Status)
}

func TestHighFeeSupervisedGates(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	c := seedCase(t, f.store, func(c *contracts.Case) {
		c.AutopilotMode = contracts.ModeSupervised
	})
	m := seedInbound(t, f.store, c, "Re: "+c.Subject,
		"Processing requires a fee deposit of $350.00 before we can proceed.")

	runID := ingestAndWait(t, f, m.ID)

	run, err := f.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunWaiting, run.Status)

	prop := openProposal(t, f, c.ID)
	assert.Equal(t, contracts.ActionAcceptFee, prop.ActionType)
	assert.Equal(t, contracts.ProposalPendingApproval, prop.Status)
	assert.NotEmpty(t, prop.WaitpointToken)
	assert.Equal(t, run.ThreadRef, prop.WaitpointToken)

	cs, err := f.store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.CaseNeedsHumanFeeApproval, cs.Status)
	assert.True(t, cs.RequiresHuman)
	assert.Equal(t, contracts.PauseFeeQuote, cs.PauseReason)

	open, err := f.waitpoints.ListOpenByCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Empty(t, f.sender.bodies())
}

func TestDenialGatesThenApproveExecutes(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	c := seedCase(t, f.store, nil)
	m := seedInbound(t, f.store, c, "Re: "+c.Subject,
		"Your request is denied under Exemption 7(A).")

	runID := ingestAndWait(t, f, m.ID)

	prop := openProposal(t, f, c.ID)
	assert.Equal(t, contracts.ActionSendRebuttal, prop.ActionType)
	assert.Contains(t, prop.RiskFlags, "strong_denial")

	cs, err := f.store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.CaseNeedsHumanReview, cs.Status)
	assert.Equal(t, contracts.PauseDenial, cs.PauseReason)

	res, err := f.resolver.Resolve(ctx, prop.ID, contracts.HumanDecision{
		Action: contracts.DecisionApprove,
		UserID: "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "waitpoint", res.Path)
	assert.Equal(t, runID, res.RunID)
	require.NoError(t, f.dispatcher.Quiesce(ctx))

	got, err := f.store.GetProposal(ctx, prop.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalExecuted, got.Status)

	bodies := f.sender.bodies()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "appeal the denial")

	cs, err = f.store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.CaseAwaitingResponse, cs.Status)
	assert.False(t, cs.RequiresHuman)
}

func TestAdjustMintsSiblingAndRegates(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	c := seedCase(t, f.store, nil)
	m := seedInbound(t, f.store, c, "Re: "+c.Subject,
		"Your request is denied under Exemption 7(A).")

	ingestAndWait(t, f, m.ID)
	parent := openProposal(t, f, c.ID)

	_, err := f.resolver.Resolve(ctx, parent.ID, contracts.HumanDecision{
		Action:      contracts.DecisionAdjust,
		Instruction: "cite more case law",
		UserID:      "user-1",
	})
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Quiesce(ctx))

	got, err := f.store.GetProposal(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalAdjustmentRequested, got.Status)

	child := openProposal(t, f, c.ID)
	assert.NotEqual(t, parent.ID, child.ID)
	assert.Equal(t, parent.ID, child.ParentProposalID)
	assert.Equal(t, 1, child.AdjustmentCount)
	assert.Equal(t, contracts.ActionSendRebuttal, child.ActionType)
	assert.Contains(t, child.DraftBodyText, "cite more case law")
	assert.NotEmpty(t, child.WaitpointToken)
	assert.Contains(t, activityKinds(t, f.store, c.ID), contracts.ActivityAdjustmentRequested)
}

func TestDecisionDispatchFailureRollsBack(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	c := seedCase(t, f.store, nil)
	m := seedInbound(t, f.store, c, "Re: "+c.Subject,
		"Your request is denied under Exemption 7(A).")

	runID := ingestAndWait(t, f, m.ID)
	prop := openProposal(t, f, c.ID)

	// The parked run was reaped, and the dispatcher is down: the decision
	// has to take the dispatch path and that path has to fail.
	require.NoError(t, f.store.CompleteRun(ctx, runID))
	require.NoError(t, f.dispatcher.Stop(ctx))

	_, err := f.resolver.Resolve(ctx, prop.ID, contracts.HumanDecision{
		Action: contracts.DecisionApprove,
		UserID: "user-1",
	})
	require.Error(t, err)

	got, err := f.store.GetProposal(ctx, prop.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalPendingApproval, got.Status)
	assert.Nil(t, got.HumanDecision)
	assert.Empty(t, got.ExecutionKey)
	assert.Contains(t, activityKinds(t, f.store, c.ID), contracts.ActivityProposalDispatchFailed)
}

func TestResetRewindsAndReprocesses(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	c := seedCase(t, f.store, nil)
	m := seedInbound(t, f.store, c, "Re: "+c.Subject,
		"Your request is denied under Exemption 7(A).")

	oldRunID := ingestAndWait(t, f, m.ID)
	oldProp := openProposal(t, f, c.ID)

	newRunID, err := f.pipe.ResetToLastInbound(ctx, c.ID)
	require.NoError(t, err)
	require.NotEqual(t, oldRunID, newRunID)
	require.NoError(t, f.dispatcher.Quiesce(ctx))

	oldRun, err := f.store.GetRun(ctx, oldRunID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCancelled, oldRun.Status)
	assert.Equal(t, contracts.ErrorSuperseded, oldRun.Error)

	gotOld, err := f.store.GetProposal(ctx, oldProp.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalWithdrawn, gotOld.Status)

	oldWP, err := f.waitpoints.Get(ctx, oldProp.WaitpointToken)
	require.NoError(t, err)
	require.NotNil(t, oldWP.CompletedAt)
	require.NotNil(t, oldWP.CompletionPayload)
	assert.Equal(t, contracts.DecisionDismiss, oldWP.CompletionPayload.Action)
	assert.Equal(t, contracts.ReasonCaseReset, oldWP.CompletionPayload.Reason)

	// The reprocess re-classified the cleared message and gated a fresh
	// rebuttal on a fresh waitpoint.
	newRun, err := f.store.GetRun(ctx, newRunID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TriggerReset, newRun.TriggerType)
	assert.Equal(t, contracts.RunWaiting, newRun.Status)

	newProp := openProposal(t, f, c.ID)
	assert.NotEqual(t, oldProp.ID, newProp.ID)
	assert.Equal(t, contracts.ActionSendRebuttal, newProp.ActionType)

	n, err := f.store.CountOpenProposals(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	open, err := f.waitpoints.ListOpenByCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Contains(t, activityKinds(t, f.store, c.ID), contracts.ActivityCaseReset)
}

func TestResetIsRepeatable(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	c := seedCase(t, f.store, nil)
	m := seedInbound(t, f.store, c, "Re: "+c.Subject,
		"Your request is denied under Exemption 7(A).")
	ingestAndWait(t, f, m.ID)

	for i := 0; i < 2; i++ {
		runID, err := f.pipe.ResetToLastInbound(ctx, c.ID)
		require.NoError(t, err)
		require.NoError(t, f.dispatcher.Quiesce(ctx))

		run, err := f.store.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, contracts.RunWaiting, run.Status)

		n, err := f.store.CountOpenProposals(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		open, err := f.waitpoints.ListOpenByCase(ctx, c.ID)
		require.NoError(t, err)
		assert.Len(t, open, 1)
	}
}

func TestNewInboundSupersedesParkedRun(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	c := seedCase(t, f.store, func(c *contracts.Case) {
		c.AutopilotMode = contracts.ModeSupervised
	})
	first := seedInbound(t, f.store, c, "Re: "+c.Subject,
		"Processing requires a fee deposit of $350.00 before we can proceed.")
	firstRunID := ingestAndWait(t, f, first.ID)
	firstProp := openProposal(t, f, c.ID)

	// The agency writes again before anyone decides; the pending gate is
	// moot.
	second := seedInbound(t, f.store, c, "Re: "+c.Subject,
		"We have received your request and will respond shortly.")
	ingestAndWait(t, f, second.ID)

	oldRun, err := f.store.GetRun(ctx, firstRunID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCancelled, oldRun.Status)

	gotProp, err := f.store.GetProposal(ctx, firstProp.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalWithdrawn, gotProp.Status)

	open, err := f.waitpoints.ListOpenByCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Contains(t, activityKinds(t, f.store, c.ID), contracts.ActivityProposalWithdrawn)
}

func TestIngestIsIdempotent(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	c := seedCase(t, f.store, nil)
	m := seedInbound(t, f.store, c, "Re: "+c.Subject,
		"We have received your request and will respond shortly.")

	first := ingestAndWait(t, f, m.ID)
	second, err := f.pipe.Ingest(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestIngestAttachesByReplyHeader(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	c := seedCase(t, f.store, nil)
	require.NoError(t, f.store.CreateMessage(ctx, &contracts.Message{
		ID: uuid.NewString(), CaseID: c.ID, ThreadID: c.ThreadID,
		Direction: contracts.DirectionOutbound,
		From:      "requests@docket.example", To: c.AgencyEmail,
		Subject: c.Subject, BodyText: "initial request",
		ProviderMessageID: "prov-out-1", CreatedAt: time.Now().UTC(),
	}))

	m := &contracts.Message{
		ID: uuid.NewString(), Direction: contracts.DirectionInbound,
		From: "clerk@agency.example.gov", To: "requests@docket.example",
		Subject: "totally rewritten subject", BodyText: "We have received your request.",
		InReplyTo: "prov-out-1", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateMessage(ctx, m))

	ingestAndWait(t, f, m.ID)

	got, err := f.store.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.CaseID)
	assert.Equal(t, c.ThreadID, got.ThreadID)
	assert.Contains(t, activityKinds(t, f.store, c.ID), contracts.ActivityMessageAttached)
}

func TestIngestAttachesByStrippedSubject(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	c := seedCase(t, f.store, nil)
	require.NoError(t, f.store.CreateMessage(ctx, &contracts.Message{
		ID: uuid.NewString(), CaseID: c.ID, ThreadID: c.ThreadID,
		Direction: contracts.DirectionOutbound,
		From:      "requests@docket.example", To: c.AgencyEmail,
		Subject: c.Subject, BodyText: "initial request", CreatedAt: time.Now().UTC(),
	}))

	m := &contracts.Message{
		ID: uuid.NewString(), Direction: contracts.DirectionInbound,
		From: "no-reply@mailgateway.example.com", To: "requests@docket.example",
		Subject: "RE: RE: " + c.Subject, BodyText: "We have received your request.",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateMessage(ctx, m))

	ingestAndWait(t, f, m.ID)

	got, err := f.store.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.CaseID)
}

func TestIngestDomainMatchRequiresSingleCandidate(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	c := seedCase(t, f.store, nil)

	m := &contracts.Message{
		ID: uuid.NewString(), Direction: contracts.DirectionInbound,
		From: "Records Office <clerk@agency.example.gov>", To: "requests@docket.example",
		Subject: "Office closure notice", BodyText: "We have received your request.",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateMessage(ctx, m))
	ingestAndWait(t, f, m.ID)

	got, err := f.store.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.CaseID)

	// A second open case on the same agency makes the domain ambiguous.
	seedCase(t, f.store, func(c *contracts.Case) {
		c.Subject = "Request for budget records"
	})
	m2 := &contracts.Message{
		ID: uuid.NewString(), Direction: contracts.DirectionInbound,
		From: "clerk@agency.example.gov", To: "requests@docket.example",
		Subject: "Another notice", BodyText: "We have received your request.",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateMessage(ctx, m2))

	_, err = f.pipe.Ingest(ctx, m2.ID)
	require.ErrorIs(t, err, ErrUnmatched)

	got2, err := f.store.GetMessage(ctx, m2.ID)
	require.NoError(t, err)
	assert.Empty(t, got2.CaseID)
	assert.Equal(t, "unmatched", got2.MessageType)
}

func TestIngestUnmatchedMessage(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	m := &contracts.Message{
		ID: uuid.NewString(), Direction: contracts.DirectionInbound,
		From: "someone@random.example.com", To: "requests@docket.example",
		Subject: "hello", BodyText: "unrelated mail",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateMessage(ctx, m))

	_, err := f.pipe.Ingest(ctx, m.ID)
	require.ErrorIs(t, err, ErrUnmatched)

	got, err := f.store.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "unmatched", got.MessageType)
}

func TestFoldAppliesConstraintsAndScope(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	c := seedCase(t, f.store, func(c *contracts.Case) {
		c.ScopeItems = []contracts.ScopeItem{
			{Name: "inspection reports", Status: contracts.ScopeRequested},
			{Name: "budget memos", Status: contracts.ScopeConfirmedAvailable},
		}
	})
	m := seedInbound(t, f.store, c, "Re: "+c.Subject, "partial response")

	a := &contracts.Analysis{
		Intent:     contracts.IntentPartialApproval,
		Sentiment:  contracts.SentimentNeutral,
		Confidence: 0.9,
		ConstraintsDetected: []string{
			"fee required", "FEE REQUIRED", "exemption claimed",
		},
		ScopeUpdates: []contracts.ScopeUpdate{
			{Name: "Inspection Reports", Status: contracts.ScopeNotDisclosable, Reason: "exempt"},
			// Already settled: must not regress.
			{Name: "budget memos", Status: contracts.ScopeNotHeld},
		},
	}

	folded, err := f.pipe.fold(ctx, c, m, a, uuid.NewString())
	require.NoError(t, err)

	assert.Equal(t, contracts.CaseResponded, folded.Status)
	assert.Equal(t,
		[]contracts.Constraint{contracts.ConstraintFeeRequired, contracts.ConstraintExemptionClaimed},
		folded.Constraints)

	require.Len(t, folded.ScopeItems, 2)
	assert.Equal(t, contracts.ScopeNotDisclosable, folded.ScopeItems[0].Status)
	assert.Equal(t, "exempt", folded.ScopeItems[0].Reason)
	assert.Equal(t, contracts.ScopeConfirmedAvailable, folded.ScopeItems[1].Status)

	got, err := f.store.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ProcessedAt)
	assert.NotNil(t, got.ResponseAnalysis)
}

func TestFoldSameFeeQuoteIsNoop(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	quotedAt := time.Now().UTC().Add(-time.Hour)
	c := seedCase(t, f.store, func(c *contracts.Case) {
		c.FeeQuote = &contracts.FeeQuote{
			AmountCents: 35000, Currency: "USD",
			QuotedAt: quotedAt, Status: contracts.FeePending,
		}
	})
	m := seedInbound(t, f.store, c, "Re: "+c.Subject,
		"Reminder: the fee of $350.00 is still outstanding.")

	a := &contracts.Analysis{
		Intent:     contracts.IntentFeeNotice,
		Sentiment:  contracts.SentimentNeutral,
		Confidence: 0.95,
		ExtractedFeeAmount: &contracts.FeeAmount{
			AmountCents: 35000, Currency: "USD",
		},
	}
	folded, err := f.pipe.fold(ctx, c, m, a, uuid.NewString())
	require.NoError(t, err)

	require.NotNil(t, folded.FeeQuote)
	assert.True(t, folded.FeeQuote.QuotedAt.Equal(quotedAt),
		"re-reading the same quote must not restamp it")
}

func TestResetWithoutInboundFails(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	c := seedCase(t, f.store, nil)

	_, err := f.pipe.ResetToLastInbound(ctx, c.ID)
	require.ErrorIs(t, err, ErrNoInbound)

	// The reset lock must not leak on the error path.
	lock, err := f.locks.Acquire(ctx, c.ID, caselock.OpReset, "", time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.locks.Release(ctx, lock))
}

func TestResetOnTerminalCaseFails(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	c := seedCase(t, f.store, func(c *contracts.Case) {
		c.Status = contracts.CaseCompleted
	})
	seedInbound(t, f.store, c, "Re: "+c.Subject, "records are attached")

	_, err := f.pipe.ResetToLastInbound(ctx, c.ID)
	require.ErrorIs(t, err, lifecycle.ErrTerminal)
}

func TestRecordsProvidedGatesCloseProposal(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	c := seedCase(t, f.store, nil)
	m := seedInbound(t, f.store, c, "Re: "+c.Subject,
		"The responsive records are attached to this message.")

	ingestAndWait(t, f, m.ID)

	// CLOSE_CASE is never auto-safe, even in AUTO mode.
	prop := openProposal(t, f, c.ID)
	assert.Equal(t, contracts.ActionCloseCase, prop.ActionType)
	assert.Equal(t, contracts.ProposalPendingApproval, prop.Status)

	res, err := f.resolver.Resolve(ctx, prop.ID, contracts.HumanDecision{
		Action: contracts.DecisionApprove,
		UserID: "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "waitpoint", res.Path)
	require.NoError(t, f.dispatcher.Quiesce(ctx))

	cs, err := f.store.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.CaseCompleted, cs.Status)
	assert.NotNil(t, cs.ClosedAt)
	assert.Equal(t, contracts.OutcomeRecordsReceived, cs.OutcomeType)
}
