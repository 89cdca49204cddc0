package inbound

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/docket/pkg/caselock"
	"github.com/Mindburn-Labs/docket/pkg/contracts"
	"github.com/Mindburn-Labs/docket/pkg/dispatch"
	"github.com/Mindburn-Labs/docket/pkg/lifecycle"
	"github.com/Mindburn-Labs/docket/pkg/notify"
	"github.com/Mindburn-Labs/docket/pkg/store"
)

// ResetToLastInbound rewinds a wedged case to its most recent agency
// message and reprocesses it from scratch: open waitpoints are revoked,
// active runs cancelled, open proposals withdrawn, and the message's
// processed stamp cleared so classification runs again. The operation
// holds its own named lock so concurrent resets serialize, and it is
// idempotent: a second reset before the new run finishes just supersedes
// the first run with an identical one.
func (p *Pipeline) ResetToLastInbound(ctx context.Context, caseID string) (string, error) {
	lock, err := p.locks.AcquireWithRetry(ctx, caseID, caselock.OpReset, "", resetLockTTL)
	if err != nil {
		return "", fmt.Errorf("case %s reset lock: %w", caseID, err)
	}
	defer func() { _ = p.locks.Release(context.WithoutCancel(ctx), lock) }()

	c, err := p.store.GetCase(ctx, caseID)
	if err != nil {
		return "", err
	}
	if c.Status.IsTerminal() {
		return "", fmt.Errorf("%w: case %s is %s", lifecycle.ErrTerminal, c.ID, c.Status)
	}
	latest, err := p.store.LatestInbound(ctx, caseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: case %s", ErrNoInbound, caseID)
		}
		return "", err
	}

	revoked, err := p.waitpoints.RevokeForCase(ctx, caseID)
	if err != nil {
		return "", fmt.Errorf("revoke waitpoints on case %s: %w", caseID, err)
	}
	cancelled, err := p.store.CancelActiveRuns(ctx, caseID, contracts.ErrorSuperseded)
	if err != nil {
		return "", fmt.Errorf("cancel active runs on case %s: %w", caseID, err)
	}
	withdrawn, err := p.store.WithdrawOpenProposals(ctx, caseID)
	if err != nil {
		return "", fmt.Errorf("withdraw open proposals on case %s: %w", caseID, err)
	}
	if err := p.store.ClearMessageProcessed(ctx, latest.ID); err != nil {
		return "", fmt.Errorf("clear processed stamp on message %s: %w", latest.ID, err)
	}

	_ = p.store.AppendActivity(ctx, caseID, contracts.ActivityCaseReset,
		"case reset to last inbound message",
		map[string]any{
			"message_id":          latest.ID,
			"waitpoints_revoked":  len(revoked),
			"runs_cancelled":      cancelled,
			"proposals_withdrawn": withdrawn,
		})

	runID, err := p.dispatcher.Enqueue(ctx, dispatch.TaskSpec{
		Type:    dispatch.TaskProcessInbound,
		CaseID:  caseID,
		Trigger: contracts.TriggerReset,
		Payload: map[string]any{"message_id": latest.ID},
	})
	if err != nil {
		return "", fmt.Errorf("dispatch reset reprocess: %w", err)
	}

	p.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindCaseReset,
		Message: "case reset to last inbound message",
		CaseID:  caseID,
		OwnerID: c.OwnerID,
		Meta:    map[string]any{"message_id": latest.ID, "run_id": runID},
		At:      p.clock().UTC(),
	})
	p.logger.Info("case reset",
		"case_id", caseID, "message_id", latest.ID, "run_id", runID,
		"waitpoints_revoked", len(revoked), "runs_cancelled", cancelled,
		"proposals_withdrawn", withdrawn)
	return runID, nil
}
