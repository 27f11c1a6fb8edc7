package artifact

import "fmt"

// Kind identifies what an artifact blob contains. The set is closed:
// consumers switch on kinds and rely on every row carrying one of these.
type Kind string

const (
	KindPreflightLog      Kind = "preflight_log"
	KindBaselineLog       Kind = "baseline_log"
	KindSignals           Kind = "signals"
	KindContext           Kind = "context"
	KindPlan              Kind = "plan"
	KindProposalDiff      Kind = "proposal_diff"
	KindProposalRationale Kind = "proposal_rationale"
	KindInvalidPatch      Kind = "invalid_patch"
	KindApplyResult       Kind = "apply_result"
	KindPostChecksLog     Kind = "post_checks_log"
	KindNextActions       Kind = "next_actions"
	KindSmokeLog          Kind = "smoke_log"
	KindReport            Kind = "report"
)

var allKinds = map[Kind]bool{
	KindPreflightLog:      true,
	KindBaselineLog:       true,
	KindSignals:           true,
	KindContext:           true,
	KindPlan:              true,
	KindProposalDiff:      true,
	KindProposalRationale: true,
	KindInvalidPatch:      true,
	KindApplyResult:       true,
	KindPostChecksLog:     true,
	KindNextActions:       true,
	KindSmokeLog:          true,
	KindReport:            true,
}

// Valid reports whether k is a known artifact kind.
func (k Kind) Valid() bool {
	return allKinds[k]
}

// ParseKind converts a stored string back into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown artifact kind %q", s)
	}
	return k, nil
}
