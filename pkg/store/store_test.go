package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/docket/pkg/contracts"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	// Every :memory: connection is its own database; keep the pool at one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return s
}

func newTestCase(t *testing.T, s *Store, mode contracts.AutopilotMode) *contracts.Case {
	t.Helper()
	now := time.Now().UTC()
	c := &contracts.Case{
		ID:            uuid.NewString(),
		OwnerID:       "user-1",
		Status:        contracts.CaseAwaitingResponse,
		AutopilotMode: mode,
		AgencyName:    "Department of Examples",
		AgencyEmail:   "records@agency.example.gov",
		Subject:       "Request for inspection reports",
		RequestBody:   "All inspection reports from 2024.",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.CreateCase(context.Background(), c); err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

func newTestMessage(t *testing.T, s *Store, caseID string, dir contracts.Direction, body string) *contracts.Message {
	t.Helper()
	now := time.Now().UTC()
	m := &contracts.Message{
		ID:        uuid.NewString(),
		CaseID:    caseID,
		Direction: dir,
		From:      "records@agency.example.gov",
		To:        "requests@docket.example",
		Subject:   "RE: Request for inspection reports",
		BodyText:  body,
		ReceivedAt: func() *time.Time {
			if dir == contracts.DirectionInbound {
				return &now
			}
			return nil
		}(),
		CreatedAt: now,
	}
	if err := s.CreateMessage(context.Background(), m); err != nil {
		t.Fatalf("create message: %v", err)
	}
	return m
}

func TestCaseRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	deadline := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := newTestCase(t, s, contracts.ModeSupervised)
	c.DeadlineDate = &deadline
	c.RequiresHuman = true
	c.PauseReason = contracts.PauseFeeQuote
	c.FeeQuote = &contracts.FeeQuote{AmountCents: 35000, Currency: "USD", QuotedAt: time.Now().UTC(), Status: contracts.FeePending}
	c.ScopeItems = []contracts.ScopeItem{{Name: "inspection reports", Status: contracts.ScopeRequested}}
	c.Constraints = []contracts.Constraint{contracts.ConstraintFeeRequired}
	if err := s.UpdateCase(ctx, c); err != nil {
		t.Fatalf("update case: %v", err)
	}

	got, err := s.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if !got.RequiresHuman || got.PauseReason != contracts.PauseFeeQuote {
		t.Fatalf("pause flags lost: %+v", got)
	}
	if got.FeeQuote == nil || got.FeeQuote.AmountCents != 35000 {
		t.Fatalf("fee quote lost: %+v", got.FeeQuote)
	}
	if len(got.ScopeItems) != 1 || got.ScopeItems[0].Status != contracts.ScopeRequested {
		t.Fatalf("scope items lost: %+v", got.ScopeItems)
	}
	if got.DeadlineDate == nil || !got.DeadlineDate.Equal(deadline) {
		t.Fatalf("deadline lost: %v", got.DeadlineDate)
	}
}

func TestGetCaseNotFound(t *testing.T) {
	s := setupTestStore(t)
	if _, err := s.GetCase(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkMessageProcessedOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s, contracts.ModeAuto)
	m := newTestMessage(t, s, c.ID, contracts.DirectionInbound, "body")

	analysis := &contracts.Analysis{Intent: contracts.IntentFeeNotice, Confidence: 0.95}
	if err := s.MarkMessageProcessed(ctx, m.ID, "run-1", analysis); err != nil {
		t.Fatalf("first stamp: %v", err)
	}
	if err := s.MarkMessageProcessed(ctx, m.ID, "run-2", analysis); !errors.Is(err, ErrStale) {
		t.Fatalf("second stamp should be stale, got %v", err)
	}

	got, err := s.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ProcessedRunID != "run-1" {
		t.Fatalf("winner should keep the stamp, got %q", got.ProcessedRunID)
	}
	if got.ResponseAnalysis == nil || got.ResponseAnalysis.Intent != contracts.IntentFeeNotice {
		t.Fatalf("analysis lost: %+v", got.ResponseAnalysis)
	}
}

func TestLatestInboundOrdering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s, contracts.ModeAuto)

	old := newTestMessage(t, s, c.ID, contracts.DirectionInbound, "first")
	early := time.Now().UTC().Add(-2 * time.Hour)
	if _, err := s.q.ExecContext(ctx, `UPDATE messages SET received_at = $1, created_at = $1 WHERE id = $2`, early, old.ID); err != nil {
		t.Fatal(err)
	}
	latest := newTestMessage(t, s, c.ID, contracts.DirectionInbound, "second")

	got, err := s.LatestInbound(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != latest.ID {
		t.Fatalf("expected %s, got %s", latest.ID, got.ID)
	}
}

func TestProposalKeyIdempotency(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s, contracts.ModeAuto)
	now := time.Now().UTC()

	p := &contracts.Proposal{
		ID:          uuid.NewString(),
		CaseID:      c.ID,
		ActionType:  contracts.ActionSendFollowup,
		Status:      contracts.ProposalPendingApproval,
		Confidence:  0.8,
		ProposalKey: "key-1",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	first, created, err := s.CreateProposal(ctx, p)
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}

	twin := *p
	twin.ID = uuid.NewString()
	got, created, err := s.CreateProposal(ctx, &twin)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Fatal("conflicting key must not create a twin")
	}
	if got.ID != first.ID {
		t.Fatalf("expected original row back, got %s", got.ID)
	}
}

func TestProposalExecutionClaim(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s, contracts.ModeAuto)
	now := time.Now().UTC()

	p := &contracts.Proposal{
		ID: uuid.NewString(), CaseID: c.ID,
		ActionType: contracts.ActionSendFollowup, Status: contracts.ProposalPendingApproval,
		ProposalKey: "key-claim", CreatedAt: now, UpdatedAt: now,
	}
	if _, _, err := s.CreateProposal(ctx, p); err != nil {
		t.Fatal(err)
	}

	if err := s.ApproveProposal(ctx, p.ID, "exec-key-1", contracts.ProposalPendingApproval); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// Pending no longer; approving again is stale.
	if err := s.ApproveProposal(ctx, p.ID, "exec-key-2", contracts.ProposalPendingApproval); !errors.Is(err, ErrStale) {
		t.Fatalf("expected stale re-approve, got %v", err)
	}

	if err := s.ClaimExecuting(ctx, p.ID, "exec-key-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.ClaimExecuting(ctx, p.ID, "exec-key-1"); !errors.Is(err, ErrStale) {
		t.Fatalf("second claim must lose, got %v", err)
	}

	if err := s.MarkExecuted(ctx, p.ID, time.Now().UTC()); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	got, err := s.GetProposal(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != contracts.ProposalExecuted || got.ExecutedAt == nil {
		t.Fatalf("expected EXECUTED with timestamp, got %+v", got)
	}
}

func TestExecutionKeyUnique(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s, contracts.ModeAuto)
	now := time.Now().UTC()

	for i, key := range []string{"key-a", "key-b"} {
		p := &contracts.Proposal{
			ID: uuid.NewString(), CaseID: c.ID,
			ActionType: contracts.ActionSendFollowup, Status: contracts.ProposalPendingApproval,
			ProposalKey: uuid.NewString(), CreatedAt: now, UpdatedAt: now,
		}
		if _, _, err := s.CreateProposal(ctx, p); err != nil {
			t.Fatal(err)
		}
		if err := s.ApproveProposal(ctx, p.ID, key, contracts.ProposalPendingApproval); err != nil {
			t.Fatalf("approve %d: %v", i, err)
		}
		if i == 1 {
			// Reusing key-a on a second proposal must hit the unique index.
			_, err := s.q.ExecContext(ctx,
				`UPDATE proposals SET execution_key = 'key-a' WHERE id = $1`, p.ID)
			if err == nil {
				t.Fatal("expected unique violation on execution_key")
			}
		}
	}
}

func TestRollbackToPendingClearsDecision(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s, contracts.ModeSupervised)
	now := time.Now().UTC()

	p := &contracts.Proposal{
		ID: uuid.NewString(), CaseID: c.ID,
		ActionType: contracts.ActionSendRebuttal, Status: contracts.ProposalPendingApproval,
		GateOptions: []contracts.DecisionAction{contracts.DecisionApprove},
		ProposalKey: "key-rollback", CreatedAt: now, UpdatedAt: now,
	}
	if _, _, err := s.CreateProposal(ctx, p); err != nil {
		t.Fatal(err)
	}

	decision := &contracts.HumanDecision{Action: contracts.DecisionApprove, UserID: "u1", DecidedAt: now}
	if err := s.MarkDecisionReceived(ctx, p.ID, decision); err != nil {
		t.Fatalf("mark decision: %v", err)
	}
	if err := s.RollbackToPending(ctx, p.ID); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	got, err := s.GetProposal(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != contracts.ProposalPendingApproval {
		t.Fatalf("expected PENDING_APPROVAL, got %s", got.Status)
	}
	if got.HumanDecision != nil {
		t.Fatalf("decision must be cleared, got %+v", got.HumanDecision)
	}
	if got.ExecutionKey != "" {
		t.Fatalf("execution key must be cleared, got %q", got.ExecutionKey)
	}
}

func TestActiveRunSingleton(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s, contracts.ModeAuto)
	now := time.Now().UTC()

	r := &contracts.AgentRun{
		ID: uuid.NewString(), CaseID: c.ID,
		TriggerType: contracts.TriggerInboundMessage, Status: contracts.RunQueued,
		CreatedAt: now,
	}
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatal(err)
	}

	active, err := s.GetActiveRun(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != r.ID {
		t.Fatalf("expected %s, got %s", r.ID, active.ID)
	}

	if err := s.MarkRunRunning(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRunWaiting(ctx, r.ID, "wp-token"); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteRun(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetActiveRun(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no active run, got %v", err)
	}
}

func TestCancelActiveRunsSupersede(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s, contracts.ModeAuto)
	now := time.Now().UTC()

	r := &contracts.AgentRun{
		ID: uuid.NewString(), CaseID: c.ID,
		TriggerType: contracts.TriggerInboundMessage, Status: contracts.RunWaiting,
		CreatedAt: now,
	}
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatal(err)
	}

	n, err := s.CancelActiveRuns(ctx, c.ID, contracts.ErrorSuperseded)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cancelled run, got %d", n)
	}
	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != contracts.RunCancelled || got.Error != contracts.ErrorSuperseded {
		t.Fatalf("expected cancelled/superseded, got %s/%q", got.Status, got.Error)
	}
}

func TestDispatchKeyClaim(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	inserted, runID, err := s.PutDispatchKey(ctx, "idem-1", "run-1", time.Hour)
	if err != nil || !inserted || runID != "run-1" {
		t.Fatalf("first claim: inserted=%v run=%s err=%v", inserted, runID, err)
	}

	inserted, runID, err = s.PutDispatchKey(ctx, "idem-1", "run-2", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Fatal("live key must not be reclaimed")
	}
	if runID != "run-1" {
		t.Fatalf("expected original run id, got %s", runID)
	}
}

func TestDispatchKeyExpiredReclaim(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, _, err := s.PutDispatchKey(ctx, "idem-2", "run-1", -time.Minute); err != nil {
		t.Fatal(err)
	}
	inserted, runID, err := s.PutDispatchKey(ctx, "idem-2", "run-2", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted || runID != "run-2" {
		t.Fatalf("expired key should be reclaimed: inserted=%v run=%s", inserted, runID)
	}
}

func TestExecutionLogLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s, contracts.ModeAuto)

	e := &contracts.Execution{
		ID: uuid.NewString(), ProposalID: "p1", CaseID: c.ID,
		Kind: contracts.ExecutionKindEmail, Status: contracts.ExecutionStarted,
		StartedAt: time.Now().UTC().Add(-time.Minute),
	}
	if err := s.AppendExecution(ctx, e); err != nil {
		t.Fatal(err)
	}

	open, err := s.ListOpenExecutions(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open execution, got %d", len(open))
	}

	if err := s.CompleteExecution(ctx, e.ID, "provider-msg-9"); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteExecution(ctx, e.ID, "provider-msg-10"); !errors.Is(err, ErrStale) {
		t.Fatalf("double completion must be stale, got %v", err)
	}

	open, err = s.ListOpenExecutions(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open executions, got %d", len(open))
	}
}

func TestWithTxRollsBack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s, contracts.ModeAuto)

	wantErr := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Store) error {
		if err := tx.AppendActivity(ctx, c.ID, contracts.ActivityProposalCreated, "x", nil); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected boom, got %v", err)
	}

	entries, err := s.ListActivity(ctx, c.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("rollback leaked %d entries", len(entries))
	}
}

func TestFindFilledPDF(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s, contracts.ModeAuto)
	m := newTestMessage(t, s, c.ID, contracts.DirectionOutbound, "request attached")

	now := time.Now().UTC()
	for _, name := range []string{"cover_letter.pdf", "filled_request.pdf", "filledxrequest.pdf"} {
		a := &contracts.Attachment{
			ID: uuid.NewString(), MessageID: m.ID, Filename: name,
			ContentType: "application/pdf", Size: 1024, BlobAddress: "blob://" + name,
			CreatedAt: now,
		}
		if err := s.CreateAttachment(ctx, a); err != nil {
			t.Fatal(err)
		}
		now = now.Add(time.Second)
	}

	got, err := s.FindFilledPDF(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Filename != "filled_request.pdf" {
		t.Fatalf("LIKE escape failed, matched %q", got.Filename)
	}
}
