package patch

import (
	"context"
	"fmt"

	"github.com/patchpilot/patchpilot/internal/contextdoc"
	"github.com/patchpilot/patchpilot/internal/signal"
)

// Request carries everything a proposer may consult. PreviousDiff and
// PreviousError are set on regeneration so a strategy can avoid repeating
// a rejected or broken proposal.
type Request struct {
	Ticket        string
	Signals       []signal.Signal
	ContextDocs   []contextdoc.Doc
	WorkingCopy   string
	PreviousDiff  string
	PreviousError string
}

// Proposal is a validated candidate fix.
type Proposal struct {
	Title     string `json:"title"`
	Rationale string `json:"rationale"`
	Diff      string `json:"diff"`
}

// Proposal failure reasons.
const (
	ReasonNoDiff             = "no_diff_produced"
	ReasonMalformedDiff      = "malformed_diff"
	ReasonBackendUnavailable = "backend_unavailable"
)

// ProposalError is the structured failure a Proposer returns when it cannot
// produce a usable diff. It is a step failure, not an infrastructure error.
type ProposalError struct {
	Strategy string
	Reason   string
	Detail   string
}

func (e *ProposalError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Strategy, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Strategy, e.Reason, e.Detail)
}

// Proposer is a patch generation strategy.
type Proposer interface {
	Name() string
	Propose(ctx context.Context, req Request) (*Proposal, error)
}
