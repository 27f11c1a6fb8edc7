// Package report renders the final run report: what was attempted, what
// the verifier said, and which files changed.
package report

import (
	"fmt"
	"strings"

	"github.com/patchpilot/patchpilot/internal/patch"
	"github.com/patchpilot/patchpilot/internal/registry"
	"github.com/patchpilot/patchpilot/internal/signal"
)

// Data is everything the report draws on.
type Data struct {
	Run           *registry.Run
	Steps         []registry.Step
	Signals       []signal.Signal
	ProposalTitle string
	Diff          string // latest proposal diff, empty when none was produced
}

// Generate renders the run report as markdown. Pure: the same data always
// renders the same bytes.
func Generate(d Data) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Run report: %s\n\n", d.Run.Title)
	fmt.Fprintf(&b, "- Run: `%s`\n", d.Run.ID)
	fmt.Fprintf(&b, "- Workspace: `%s`\n", d.Run.Workspace)
	fmt.Fprintf(&b, "- Strategy: %s\n", d.Run.Patcher)
	fmt.Fprintf(&b, "- Outcome: %s\n", outcome(d))
	if d.Run.RegenCount > 0 {
		fmt.Fprintf(&b, "- Regenerations: %d\n", d.Run.RegenCount)
	}
	b.WriteString("\n## Ticket\n\n")
	b.WriteString(strings.TrimSpace(d.Run.Ticket))
	b.WriteString("\n")

	if len(d.Signals) > 0 {
		b.WriteString("\n## Baseline failures\n\n")
		for _, s := range d.Signals {
			fmt.Fprintf(&b, "- **%s**: %s\n", s.Kind, s.Summary)
		}
	}

	if d.ProposalTitle != "" {
		fmt.Fprintf(&b, "\n## Proposed fix\n\n%s\n", d.ProposalTitle)
	}
	if files := patch.ChangedFiles(d.Diff); len(files) > 0 {
		b.WriteString("\n## Changed files\n\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}

	b.WriteString("\n## Steps\n\n")
	b.WriteString("| # | Step | Status | Summary |\n")
	b.WriteString("|---|------|--------|--------|\n")
	for _, s := range d.Steps {
		summary := s.Summary
		if s.Error != "" {
			summary = s.Error
		}
		fmt.Fprintf(&b, "| %d | %s | %s | %s |\n", s.Ordinal, s.Name, s.Status, tableCell(summary))
	}
	return b.String()
}

// outcome summarises the run in one phrase.
func outcome(d Data) string {
	if d.Run.Decision == registry.DecisionRejected {
		return "proposal rejected by reviewer, no changes applied"
	}
	for _, s := range d.Steps {
		if s.Status == registry.StepFailed {
			return fmt.Sprintf("failed at step %d (%s)", s.Ordinal, s.Name)
		}
	}
	if d.Diff != "" {
		return "patch applied and verified"
	}
	return "completed"
}

func tableCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}
