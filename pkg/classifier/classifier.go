// Package classifier defines the AI ports the case engine consumes: a
// Classifier that reads inbound agency mail into a structured Analysis,
// and a Drafter that writes outbound content for one action. The engine
// never talks to a model directly; tests substitute the Static stub and
// production wires the Anthropic adapter.
package classifier

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
)

// ErrUnavailable is surfaced when the model backend hard-fails after
// retries or its circuit is open. The run fails; the reaper reprocesses.
var ErrUnavailable = errors.New("classifier: backend unavailable")

// Request is one classification call.
type Request struct {
	Case    *contracts.Case
	Message *contracts.Message
	// Thread holds the prior messages on the case, oldest first.
	Thread []*contracts.Message
}

// DraftRequest is one drafting call.
type DraftRequest struct {
	Case       *contracts.Case
	Analysis   *contracts.Analysis
	ActionType contracts.ActionType
	// Instruction carries operator guidance from an ADJUST decision.
	Instruction string
}

// Classifier reads an inbound message into a structured analysis.
type Classifier interface {
	Classify(ctx context.Context, req Request) (*contracts.Analysis, error)
}

// Drafter produces outbound content for one action type.
type Drafter interface {
	Draft(ctx context.Context, req DraftRequest) (*contracts.Draft, error)
}
