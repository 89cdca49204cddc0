package inbound

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/docket/pkg/canonicalize"
	"github.com/Mindburn-Labs/docket/pkg/contracts"
	"github.com/Mindburn-Labs/docket/pkg/store"
)

// attach binds an unmatched inbound message to a case. Heuristics run
// cheapest-first: the threading header, the subject line, then the
// agency mail domain, which only counts when it is unambiguous. A
// message that matches nothing is tagged unmatched and left alone.
func (p *Pipeline) attach(ctx context.Context, m *contracts.Message) error {
	caseID, how, err := p.matchCase(ctx, m)
	if err != nil {
		return err
	}
	if caseID == "" {
		_ = p.store.MarkMessageUnmatched(ctx, m.ID)
		p.logger.Warn("inbound message matched no case",
			"message_id", m.ID, "from", m.From, "subject", m.Subject)
		return fmt.Errorf("%w: message %s", ErrUnmatched, m.ID)
	}

	c, err := p.store.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if err := p.store.AttachMessage(ctx, m.ID, c.ID, c.ThreadID); err != nil {
		return fmt.Errorf("attach message %s to case %s: %w", m.ID, c.ID, err)
	}
	m.CaseID = c.ID
	m.ThreadID = c.ThreadID
	_ = p.store.AppendActivity(ctx, c.ID, contracts.ActivityMessageAttached,
		fmt.Sprintf("inbound message attached by %s", how),
		map[string]any{"message_id": m.ID, "matched_by": how, "from": m.From})
	return nil
}

// matchCase returns the case id and the heuristic that found it, or
// empty on no match.
func (p *Pipeline) matchCase(ctx context.Context, m *contracts.Message) (string, string, error) {
	// The In-Reply-To header points at a message we sent.
	if m.InReplyTo != "" {
		parent, err := p.store.GetMessageByProviderID(ctx, m.InReplyTo)
		switch {
		case err == nil && parent.CaseID != "":
			return parent.CaseID, "in_reply_to", nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return "", "", err
		}
	}

	// Subject-line thread matching, reply prefixes stripped.
	if m.Subject != "" {
		caseID, err := p.store.FindCaseBySubject(ctx, m.Subject, canonicalize.Subject(m.Subject))
		switch {
		case err == nil:
			return caseID, "subject", nil
		case !errors.Is(err, store.ErrNotFound):
			return "", "", err
		}
	}

	// Last resort: the sender's domain, accepted only when exactly one
	// open case points at that agency.
	if domain := canonicalize.AddressDomain(m.From); domain != "" {
		candidates, err := p.store.ListCasesByAgencyDomain(ctx, domain)
		if err != nil {
			return "", "", err
		}
		if len(candidates) == 1 {
			return candidates[0].ID, "agency_domain", nil
		}
		if len(candidates) > 1 {
			p.logger.Warn("agency domain matched multiple cases, not attaching",
				"message_id", m.ID, "domain", domain, "candidates", len(candidates))
		}
	}
	return "", "", nil
}
