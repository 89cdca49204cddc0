// Package lifecycle is the case state machine. Every status change in
// the system funnels through Engine.Transition, which acquires the
// per-case lock, applies the guarded transition, and writes the new row
// plus an activity entry in one transaction. Nothing else mutates
// case.status.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/docket/pkg/caselock"
	"github.com/Mindburn-Labs/docket/pkg/contracts"
	"github.com/Mindburn-Labs/docket/pkg/store"
)

var (
	// ErrInvalidTransition means the event is not legal from the case's
	// current status.
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")
	// ErrTerminal means the case is completed or cancelled and only the
	// outcome summary may still change.
	ErrTerminal = errors.New("lifecycle: case is terminal")
)

// TransitionContext carries the event's parameters.
type TransitionContext struct {
	// RunID attributes the transition in the activity stream.
	RunID string
	// MessageID is the inbound message for INBOUND_RECEIVED.
	MessageID string
	// PauseReason is required for CASE_ESCALATED and FEE_QUOTE_RECEIVED.
	PauseReason contracts.PauseReason
	// TargetStatus selects the review branch for CASE_ESCALATED, the
	// landing status for CASE_RECONCILED, and completed vs cancelled
	// for CASE_CLOSED.
	TargetStatus contracts.CaseStatus
	// Outcome is recorded by CASE_CLOSED.
	Outcome contracts.OutcomeType
	// PortalStatus updates last_portal_status on PORTAL_STARTED.
	PortalStatus string
	Substatus    string
	Description  string
	Metadata     map[string]any
}

// Engine applies transitions.
type Engine struct {
	store   *store.Store
	locks   *caselock.Manager
	clock   func() time.Time
	lockTTL time.Duration
	logger  *slog.Logger
}

// NewEngine builds the state machine on the shared store and lock
// manager.
func NewEngine(st *store.Store, locks *caselock.Manager) *Engine {
	return &Engine{
		store:   st,
		locks:   locks,
		clock:   time.Now,
		lockTTL: 15 * time.Second,
		logger:  slog.Default().With("component", "lifecycle"),
	}
}

// WithClock replaces the time source for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Transition applies one event under the case transition lock. Lock
// contention surfaces as caselock.ErrLockContention after the retry
// budget; callers treat it as retryable.
func (e *Engine) Transition(ctx context.Context, caseID string, event contracts.CaseEvent, tc TransitionContext) (*contracts.Case, error) {
	lock, err := e.locks.AcquireWithRetry(ctx, caseID, caselock.OpTransition, tc.RunID, e.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("transition %s on case %s: %w", event, caseID, err)
	}
	defer func() { _ = e.locks.Release(ctx, lock) }()

	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	prev := c.Status
	if err := e.apply(c, event, tc); err != nil {
		return nil, err
	}
	c.UpdatedAt = e.clock().UTC()

	meta := map[string]any{
		"event": string(event),
		"from":  string(prev),
		"to":    string(c.Status),
	}
	if tc.RunID != "" {
		meta["run_id"] = tc.RunID
	}
	if tc.MessageID != "" {
		meta["message_id"] = tc.MessageID
	}
	for k, v := range tc.Metadata {
		meta[k] = v
	}
	desc := tc.Description
	if desc == "" {
		desc = fmt.Sprintf("%s: %s -> %s", event, prev, c.Status)
	}

	err = e.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.UpdateCase(ctx, c); err != nil {
			return err
		}
		return tx.AppendActivity(ctx, caseID, contracts.ActivityCaseTransition, desc, meta)
	})
	if err != nil {
		return nil, fmt.Errorf("persist transition %s on case %s: %w", event, caseID, err)
	}

	e.logger.Info("case transition",
		"case_id", caseID, "event", event, "from", prev, "to", c.Status)
	return c, nil
}

// apply mutates the in-memory case or rejects the event.
func (e *Engine) apply(c *contracts.Case, event contracts.CaseEvent, tc TransitionContext) error {
	if c.Status.IsTerminal() {
		return fmt.Errorf("%w: case %s is %s", ErrTerminal, c.ID, c.Status)
	}
	now := e.clock().UTC()

	switch event {
	case contracts.EventCaseSent:
		if c.Status == contracts.CasePortalInProgress {
			return e.reject(c, event)
		}
		t := now
		if c.SendDate == nil {
			c.SendDate = &t
		}
		c.Status = contracts.CaseAwaitingResponse
		c.RequiresHuman = false
		c.PauseReason = ""

	case contracts.EventInboundReceived:
		switch c.Status {
		case contracts.CaseSent, contracts.CaseAwaitingResponse, contracts.CaseResponded:
			c.Status = contracts.CaseResponded
		default:
			return e.reject(c, event)
		}

	case contracts.EventFeeQuoteReceived:
		c.Status = contracts.CaseNeedsHumanFeeApproval
		c.RequiresHuman = true
		c.PauseReason = contracts.PauseFeeQuote

	case contracts.EventPortalStarted:
		c.Status = contracts.CasePortalInProgress
		c.RequiresHuman = false
		c.PauseReason = ""
		if tc.PortalStatus != "" {
			c.LastPortalStatus = tc.PortalStatus
		}

	case contracts.EventCaseEscalated:
		target := tc.TargetStatus
		if target == "" {
			target = contracts.CaseNeedsHumanReview
		}
		if !target.IsReview() {
			return fmt.Errorf("%w: CASE_ESCALATED target %q is not a review status", ErrInvalidTransition, target)
		}
		reason := tc.PauseReason
		if reason == "" {
			reason = contracts.PauseManual
		}
		c.Status = target
		c.RequiresHuman = true
		c.PauseReason = reason

	case contracts.EventCaseReconciled:
		if !c.Status.IsReview() && c.Status != contracts.CasePortalInProgress {
			return e.reject(c, event)
		}
		target := tc.TargetStatus
		switch target {
		case contracts.CaseResponded, contracts.CaseAwaitingResponse, contracts.CaseSent, contracts.CaseReadyToSend:
		default:
			return fmt.Errorf("%w: CASE_RECONCILED target %q", ErrInvalidTransition, target)
		}
		c.Status = target
		c.RequiresHuman = false
		c.PauseReason = ""

	case contracts.EventCaseClosed:
		target := tc.TargetStatus
		if target == "" {
			target = contracts.CaseCompleted
		}
		if !target.IsTerminal() {
			return fmt.Errorf("%w: CASE_CLOSED target %q is not terminal", ErrInvalidTransition, target)
		}
		t := now
		c.Status = target
		c.ClosedAt = &t
		c.RequiresHuman = false
		c.PauseReason = ""
		if tc.Outcome != "" {
			c.OutcomeType = tc.Outcome
		}

	default:
		return fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, event)
	}

	if tc.Substatus != "" {
		c.Substatus = tc.Substatus
	}
	return nil
}

func (e *Engine) reject(c *contracts.Case, event contracts.CaseEvent) error {
	return fmt.Errorf("%w: %s from %s on case %s", ErrInvalidTransition, event, c.Status, c.ID)
}
