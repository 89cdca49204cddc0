// Package inbound is the case engine's front door. It attaches raw
// inbound mail to cases, schedules the per-case processing runs, and
// owns the run handlers that classify a message, fold the analysis into
// the case, plan the next action, and route the resulting proposal. All
// handler work happens under the case's run lock, so two messages on the
// same case can never interleave their read-modify-write sequences.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/docket/pkg/caselock"
	"github.com/Mindburn-Labs/docket/pkg/canonicalize"
	"github.com/Mindburn-Labs/docket/pkg/classifier"
	"github.com/Mindburn-Labs/docket/pkg/contracts"
	"github.com/Mindburn-Labs/docket/pkg/decision"
	"github.com/Mindburn-Labs/docket/pkg/dispatch"
	"github.com/Mindburn-Labs/docket/pkg/lifecycle"
	"github.com/Mindburn-Labs/docket/pkg/notify"
	"github.com/Mindburn-Labs/docket/pkg/planner"
	"github.com/Mindburn-Labs/docket/pkg/policy"
	"github.com/Mindburn-Labs/docket/pkg/store"
	"github.com/Mindburn-Labs/docket/pkg/waitpoint"
)

var (
	// ErrUnmatched means an inbound message matched no case by any
	// heuristic. The message is tagged and left for a human.
	ErrUnmatched = errors.New("inbound: message matched no case")
	// ErrNoInbound means a reset was requested on a case that never
	// received agency mail.
	ErrNoInbound = errors.New("inbound: case has no inbound message")
	// ErrWrongCase means a retrigger named a message attached to a
	// different case.
	ErrWrongCase = errors.New("inbound: message belongs to another case")
	// ErrActiveRun means a retrigger without force_new_run found the
	// case occupied by a live run.
	ErrActiveRun = errors.New("inbound: case has an active run")
)

// Lock leases. The run lock outlives a single AI call; the reset lock is
// longer because a reset cancels and requeues on top of normal work.
const (
	runLockTTL   = 60 * time.Second
	resetLockTTL = 90 * time.Second
)

// Pipeline wires the inbound flow end to end.
type Pipeline struct {
	store      *store.Store
	locks      *caselock.Manager
	classifier classifier.Classifier
	planner    *planner.Planner
	decisioner *decision.Decisioner
	lifecycle  *lifecycle.Engine
	dispatcher *dispatch.Dispatcher
	waitpoints *waitpoint.Manager
	notifier   notify.Notifier
	profile    policy.Profile

	// debounce coalesces bursts of inbound mail on one case; the last
	// message wins and earlier runs are cancelled as superseded.
	debounce time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDebounce sets the inbound coalescing window. Zero disables it.
func WithDebounce(d time.Duration) Option {
	return func(p *Pipeline) { p.debounce = d }
}

// WithClock replaces the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) { p.clock = clock }
}

// New builds the pipeline. Call Register before the dispatcher starts.
func New(
	st *store.Store,
	locks *caselock.Manager,
	cls classifier.Classifier,
	pl *planner.Planner,
	dec *decision.Decisioner,
	lc *lifecycle.Engine,
	d *dispatch.Dispatcher,
	wp *waitpoint.Manager,
	n notify.Notifier,
	profile policy.Profile,
	opts ...Option,
) *Pipeline {
	if n == nil {
		n = notify.Nop{}
	}
	p := &Pipeline{
		profile:    profile,
		store:      st,
		locks:      locks,
		classifier: cls,
		planner:    pl,
		decisioner: dec,
		lifecycle:  lc,
		dispatcher: d,
		waitpoints: wp,
		notifier:   n,
		clock:      time.Now,
		logger:     slog.Default().With("component", "inbound"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds the pipeline's task handlers on the dispatcher.
func (p *Pipeline) Register() {
	p.dispatcher.Register(dispatch.TaskProcessInbound, p.handleInbound)
	p.dispatcher.Register(dispatch.TaskProcessInitial, p.handleInitial)
	p.dispatcher.Register(dispatch.TaskResumeDecision, p.handleResume)
}

// Ingest takes a persisted inbound message, attaches it to a case if the
// ingest layer did not, and schedules the processing run. Ingesting the
// same message twice returns the original run. A waiting run whose
// proposal this message obsoletes is superseded along with its open
// proposals and waitpoints.
func (p *Pipeline) Ingest(ctx context.Context, messageID string) (string, error) {
	m, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return "", fmt.Errorf("load message %s: %w", messageID, err)
	}
	if m.Direction != contracts.DirectionInbound {
		return "", fmt.Errorf("inbound: message %s is %s", m.ID, m.Direction)
	}

	if m.CaseID == "" {
		if err := p.attach(ctx, m); err != nil {
			return "", err
		}
	}

	supersede := false
	run, err := p.store.GetActiveRun(ctx, m.CaseID)
	switch {
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return "", err
	case err == nil && run.Status == contracts.RunWaiting:
		// The parked run is waiting on a human decision this message
		// makes moot. Its proposal and waitpoint go with it.
		if _, werr := p.store.WithdrawOpenProposals(ctx, m.CaseID); werr != nil {
			return "", fmt.Errorf("withdraw open proposals on case %s: %w", m.CaseID, werr)
		}
		if _, rerr := p.waitpoints.RevokeForCase(ctx, m.CaseID); rerr != nil {
			return "", fmt.Errorf("revoke waitpoints on case %s: %w", m.CaseID, rerr)
		}
		_ = p.store.AppendActivity(ctx, m.CaseID, contracts.ActivityProposalWithdrawn,
			"pending proposal withdrawn, newer message arrived",
			map[string]any{"message_id": m.ID, "superseded_run_id": run.ID})
		supersede = true
	}

	runID, err := p.dispatcher.Enqueue(ctx, dispatch.TaskSpec{
		Type:           dispatch.TaskProcessInbound,
		CaseID:         m.CaseID,
		Trigger:        contracts.TriggerInboundMessage,
		Payload:        map[string]any{"message_id": m.ID},
		IdempotencyKey: "inbound/" + m.ID,
		Supersede:      supersede,
		Debounce:       p.debounce,
		DebounceKey:    m.CaseID + "/inbound",
	})
	if errors.Is(err, dispatch.ErrDuplicate) {
		return runID, nil
	}
	return runID, err
}

// TriggerInitial schedules the run that drafts and proposes the opening
// request for a new case.
func (p *Pipeline) TriggerInitial(ctx context.Context, caseID string) (string, error) {
	return p.dispatcher.Enqueue(ctx, dispatch.TaskSpec{
		Type:           dispatch.TaskProcessInitial,
		CaseID:         caseID,
		Trigger:        contracts.TriggerInitialRequest,
		IdempotencyKey: "initial/" + caseID,
	})
}

// Retrigger reprocesses one already-attached message. With forceNewRun
// it supersedes whatever run is occupying the case; without it an
// occupied case is refused with ErrActiveRun.
func (p *Pipeline) Retrigger(ctx context.Context, caseID, messageID string, forceNewRun bool) (string, error) {
	m, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return "", err
	}
	if m.CaseID != caseID {
		return "", fmt.Errorf("%w: message %s is on case %s, not %s", ErrWrongCase, messageID, m.CaseID, caseID)
	}
	if !forceNewRun {
		run, err := p.store.GetActiveRun(ctx, caseID)
		switch {
		case err == nil:
			return "", fmt.Errorf("%w: run %s is %s", ErrActiveRun, run.ID, run.Status)
		case !errors.Is(err, store.ErrNotFound):
			return "", err
		}
	}
	if _, err := p.store.WithdrawOpenProposals(ctx, caseID); err != nil {
		return "", err
	}
	if _, err := p.waitpoints.RevokeForCase(ctx, caseID); err != nil {
		return "", err
	}
	return p.dispatcher.Enqueue(ctx, dispatch.TaskSpec{
		Type:      dispatch.TaskProcessInbound,
		CaseID:    caseID,
		Trigger:   contracts.TriggerManual,
		Payload:   map[string]any{"message_id": messageID},
		Supersede: true,
	})
}

// handleInbound is the main run: classify, fold, plan, decide.
func (p *Pipeline) handleInbound(ctx context.Context, t *dispatch.Task) error {
	lock, err := p.locks.AcquireWithRetry(ctx, t.CaseID, caselock.OpRun, t.Run.ID, runLockTTL)
	if err != nil {
		return fmt.Errorf("case %s run lock: %w", t.CaseID, err)
	}
	defer func() { _ = p.locks.Release(context.WithoutCancel(ctx), lock) }()

	c, err := p.store.GetCase(ctx, t.CaseID)
	if err != nil {
		return err
	}
	if c.Status.IsTerminal() {
		p.logger.Info("case is terminal, dropping run", "case_id", c.ID, "run_id", t.Run.ID)
		return nil
	}

	if rv := reviewFromPayload(t.Payload); rv != nil {
		return p.applyReview(ctx, c, t, rv)
	}

	messageID, _ := t.Payload["message_id"].(string)
	if messageID == "" {
		return fmt.Errorf("inbound: run %s has no message_id", t.Run.ID)
	}
	m, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.CaseID != c.ID {
		return fmt.Errorf("inbound: message %s belongs to case %s, not %s", m.ID, m.CaseID, c.ID)
	}

	analysis, err := p.analyze(ctx, c, m)
	if err != nil {
		return err
	}
	c, err = p.fold(ctx, c, m, analysis, t.Run.ID)
	if err != nil {
		return err
	}
	return p.planAndDecide(ctx, c, planner.Input{
		Case:             c,
		Analysis:         analysis,
		TriggerMessageID: m.ID,
		Trigger:          t.Run.TriggerType,
		RunID:            t.Run.ID,
	})
}

// handleInitial plans without an analysis: the opening request, or a
// deadline-driven follow-up check.
func (p *Pipeline) handleInitial(ctx context.Context, t *dispatch.Task) error {
	lock, err := p.locks.AcquireWithRetry(ctx, t.CaseID, caselock.OpRun, t.Run.ID, runLockTTL)
	if err != nil {
		return fmt.Errorf("case %s run lock: %w", t.CaseID, err)
	}
	defer func() { _ = p.locks.Release(context.WithoutCancel(ctx), lock) }()

	c, err := p.store.GetCase(ctx, t.CaseID)
	if err != nil {
		return err
	}
	if c.Status.IsTerminal() {
		p.logger.Info("case is terminal, dropping run", "case_id", c.ID, "run_id", t.Run.ID)
		return nil
	}

	if rv := reviewFromPayload(t.Payload); rv != nil {
		return p.applyReview(ctx, c, t, rv)
	}
	return p.planAndDecide(ctx, c, planner.Input{
		Case:    c,
		Trigger: t.Run.TriggerType,
		RunID:   t.Run.ID,
	})
}

// analyze returns the message's stored analysis when it was already
// classified once; a reset clears the stamp, forcing a fresh call.
func (p *Pipeline) analyze(ctx context.Context, c *contracts.Case, m *contracts.Message) (*contracts.Analysis, error) {
	if m.ProcessedAt != nil && m.ResponseAnalysis != nil {
		p.logger.Info("reusing stored analysis", "case_id", c.ID, "message_id", m.ID)
		return m.ResponseAnalysis, nil
	}
	prior := make([]*contracts.Message, 0, 8)
	thread, err := p.store.ListThread(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	for _, tm := range thread {
		if tm.ID != m.ID {
			prior = append(prior, tm)
		}
	}
	analysis, err := p.classifier.Classify(ctx, classifier.Request{Case: c, Message: m, Thread: prior})
	if err != nil {
		return nil, fmt.Errorf("classify message %s: %w", m.ID, err)
	}
	return analysis, nil
}

// fold applies the analysis to the case: status transition, canonical
// constraints, scope item updates, fee quote capture, and the one-time
// processed stamp on the message.
func (p *Pipeline) fold(ctx context.Context, c *contracts.Case, m *contracts.Message, a *contracts.Analysis, runID string) (*contracts.Case, error) {
	// Review and portal branches reject INBOUND_RECEIVED; the message
	// still folds, the status just stays parked.
	if _, err := p.lifecycle.Transition(ctx, c.ID, contracts.EventInboundReceived, lifecycle.TransitionContext{
		RunID:     runID,
		MessageID: m.ID,
	}); err != nil && !errors.Is(err, lifecycle.ErrInvalidTransition) {
		return nil, err
	}
	c, err := p.store.GetCase(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	changed := false
	for _, tag := range canonicalize.Constraints(a.ConstraintsDetected) {
		if !c.HasConstraint(tag) {
			c.Constraints = append(c.Constraints, tag)
			changed = true
		}
	}
	for _, su := range a.ScopeUpdates {
		for i := range c.ScopeItems {
			item := &c.ScopeItems[i]
			if item.Status != contracts.ScopeRequested {
				continue
			}
			if !strings.EqualFold(item.Name, su.Name) {
				continue
			}
			switch su.Status {
			case contracts.ScopeConfirmedAvailable, contracts.ScopeNotDisclosable, contracts.ScopeNotHeld:
				item.Status = su.Status
				item.Reason = su.Reason
				changed = true
			}
		}
	}
	if changed {
		c.UpdatedAt = p.clock().UTC()
		if err := p.store.UpdateCase(ctx, c); err != nil {
			return nil, fmt.Errorf("fold analysis into case %s: %w", c.ID, err)
		}
	}

	if a.Intent == contracts.IntentFeeNotice && a.ExtractedFeeAmount != nil && a.ExtractedFeeAmount.AmountCents > 0 {
		if err := p.foldFeeQuote(ctx, c, a.ExtractedFeeAmount, runID, m.ID); err != nil {
			return nil, err
		}
	}

	if err := p.store.MarkMessageProcessed(ctx, m.ID, runID, a); err != nil && !errors.Is(err, store.ErrStale) {
		return nil, fmt.Errorf("stamp message %s: %w", m.ID, err)
	}
	_ = p.store.SetRunRefs(ctx, runID, m.ID, "")

	return p.store.GetCase(ctx, c.ID)
}

// foldFeeQuote records a newly quoted fee and parks the case in the fee
// review branch. A re-read of the same quote is a no-op.
func (p *Pipeline) foldFeeQuote(ctx context.Context, c *contracts.Case, fee *contracts.FeeAmount, runID, messageID string) error {
	if c.FeeQuote != nil && c.FeeQuote.AmountCents == fee.AmountCents &&
		c.FeeQuote.Status != contracts.FeeDeclined {
		return nil
	}
	cur, ok := canonicalize.CurrencyCode(fee.Currency)
	if !ok {
		p.logger.Warn("unparseable currency on fee quote, assuming USD",
			"case_id", c.ID, "currency", fee.Currency)
		cur = "USD"
	}
	c.FeeQuote = &contracts.FeeQuote{
		AmountCents: fee.AmountCents,
		Currency:    cur,
		QuotedAt:    p.clock().UTC(),
		Status:      contracts.FeePending,
	}
	c.UpdatedAt = p.clock().UTC()
	if err := p.store.UpdateCase(ctx, c); err != nil {
		return fmt.Errorf("record fee quote on case %s: %w", c.ID, err)
	}
	// Quotes under the auto-approve line stay on the main track; the
	// decisioner routes them. Anything above it parks the case in the
	// fee review branch right away.
	if fee.AmountCents <= p.profile.FeeAutoApproveMaxCents {
		return nil
	}
	if _, err := p.lifecycle.Transition(ctx, c.ID, contracts.EventFeeQuoteReceived, lifecycle.TransitionContext{
		RunID:     runID,
		MessageID: messageID,
		Metadata:  map[string]any{"amount_cents": fee.AmountCents, "currency": cur},
	}); err != nil && !errors.Is(err, lifecycle.ErrInvalidTransition) {
		return err
	}
	return nil
}

// planAndDecide runs the planner and routes whatever it proposes. A NONE
// plan finishes the run with nothing to show, which is fine.
func (p *Pipeline) planAndDecide(ctx context.Context, c *contracts.Case, in planner.Input) error {
	prop, _, err := p.planner.Plan(ctx, in)
	if err != nil {
		return err
	}
	if prop == nil {
		return nil
	}
	_ = p.store.SetProposalRun(ctx, prop.ID, in.RunID)
	_ = p.store.SetRunRefs(ctx, in.RunID, in.TriggerMessageID, prop.ID)
	return p.decisioner.Decide(ctx, c, prop, in.RunID)
}
