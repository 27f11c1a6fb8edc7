package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/patchpilot/patchpilot/internal/artifact"
	"github.com/patchpilot/patchpilot/internal/checks"
	"github.com/patchpilot/patchpilot/internal/contextdoc"
	"github.com/patchpilot/patchpilot/internal/patch"
	"github.com/patchpilot/patchpilot/internal/profile"
	"github.com/patchpilot/patchpilot/internal/registry"
	"github.com/patchpilot/patchpilot/internal/report"
	"github.com/patchpilot/patchpilot/internal/signal"
)

func (e *Engine) runStep(ctx context.Context, run *registry.Run, step *registry.Step) stepOutcome {
	if step.Status != registry.StepWaiting {
		if err := e.reg.UpdateStep(run.ID, step.Ordinal, registry.StepRunning, "", ""); err != nil {
			return infra(err)
		}
	}
	switch step.Ordinal {
	case stepPreflight:
		return e.stepPreflight(ctx, run)
	case stepBaseline:
		return e.stepBaseline(ctx, run)
	case stepSignals:
		return e.stepSignals(run)
	case stepContext:
		return e.stepContext(run)
	case stepPlan:
		return e.stepPlan(run)
	case stepPropose:
		return e.stepPropose(ctx, run)
	case stepApproval:
		return e.stepApproval(run)
	case stepApply:
		return e.stepApply(run)
	case stepRecheck:
		return e.stepRecheck(ctx, run)
	case stepSmoke:
		return e.stepSmoke(ctx, run)
	case stepReport:
		return e.stepReport(run)
	}
	return infra(fmt.Errorf("unknown step ordinal %d", step.Ordinal))
}

// loadProfile reloads the workspace profile; the working copy is the source
// of truth so suspended runs resume with identical commands.
func (e *Engine) loadProfile(runID string) (*profile.Profile, string, error) {
	dir := e.ws.Path(runID)
	prof, err := profile.Load(dir)
	if err != nil {
		return nil, dir, err
	}
	return prof, dir, nil
}

func (e *Engine) stepPreflight(ctx context.Context, run *registry.Run) stepOutcome {
	dir, err := e.ws.Prepare(run.ID, run.Workspace)
	if err != nil {
		return infra(fmt.Errorf("prepare workspace: %w", err))
	}
	prof, err := profile.Load(dir)
	if err != nil {
		// No usable profile is a broken run setup, not a code failure.
		return infra(fmt.Errorf("load profile: %w", err))
	}
	summary := "profile: " + prof.Language
	if prof.Language == "" {
		summary = "profile: explicit"
	}

	if prof.Preflight == "" {
		if err := e.reg.UpdateStep(run.ID, stepPreflight, registry.StepSuccess, summary, ""); err != nil {
			return infra(err)
		}
		return stepOutcome{outcome: proceed}
	}

	res, err := e.runner.Run(ctx, dir, prof.Preflight, e.opts.CheckTimeout)
	if err != nil {
		return infra(fmt.Errorf("run preflight: %w", err))
	}
	content, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return infra(err)
	}
	if res.ExitCode != 0 {
		errText := fmt.Sprintf("preflight %q exited %d", prof.Preflight, res.ExitCode)
		if res.TimedOut {
			errText = fmt.Sprintf("preflight %q timed out", prof.Preflight)
		}
		if err := e.putStepArtifact(run.ID, stepPreflight, registry.StepFailed, "", errText, artifact.KindPreflightLog, content); err != nil {
			return infra(err)
		}
		return stepOutcome{outcome: failRun, summary: errText}
	}
	if err := e.putStepArtifact(run.ID, stepPreflight, registry.StepSuccess, summary, "", artifact.KindPreflightLog, content); err != nil {
		return infra(err)
	}
	return stepOutcome{outcome: proceed}
}

func (e *Engine) stepBaseline(ctx context.Context, run *registry.Run) stepOutcome {
	prof, dir, err := e.loadProfile(run.ID)
	if err != nil {
		return infra(err)
	}
	res, err := e.runner.Run(ctx, dir, prof.Baseline, e.opts.CheckTimeout)
	if err != nil {
		return infra(fmt.Errorf("run baseline: %w", err))
	}
	content, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return infra(err)
	}
	if res.Infra() {
		errText := fmt.Sprintf("baseline %q: command not found", prof.Baseline)
		if err := e.putStepArtifact(run.ID, stepBaseline, registry.StepFailed, "", errText, artifact.KindBaselineLog, content); err != nil {
			return infra(err)
		}
		return stepOutcome{outcome: failRun, summary: errText}
	}
	// Failing checks here are the point of the run, not an error.
	summary := fmt.Sprintf("exit %d", res.ExitCode)
	if res.TimedOut {
		summary = "timed out"
	}
	if err := e.putStepArtifact(run.ID, stepBaseline, registry.StepSuccess, summary, "", artifact.KindBaselineLog, content); err != nil {
		return infra(err)
	}
	return stepOutcome{outcome: proceed}
}

func (e *Engine) stepSignals(run *registry.Run) stepOutcome {
	data, err := e.readLatest(run.ID, artifact.KindBaselineLog)
	if err != nil {
		return infra(err)
	}
	var res checks.Result
	if data != nil {
		if err := json.Unmarshal(data, &res); err != nil {
			return infra(fmt.Errorf("decode baseline log: %w", err))
		}
	}
	signals := signal.Extract(&res)
	content, err := json.MarshalIndent(signals, "", "  ")
	if err != nil {
		return infra(err)
	}
	summary := fmt.Sprintf("%d signals", len(signals))
	if err := e.putStepArtifact(run.ID, stepSignals, registry.StepSuccess, summary, "", artifact.KindSignals, content); err != nil {
		return infra(err)
	}
	return stepOutcome{outcome: proceed}
}

func (e *Engine) loadSignals(runID string) ([]signal.Signal, error) {
	data, err := e.readLatest(runID, artifact.KindSignals)
	if err != nil || data == nil {
		return nil, err
	}
	var signals []signal.Signal
	if err := json.Unmarshal(data, &signals); err != nil {
		return nil, fmt.Errorf("decode signals: %w", err)
	}
	return signals, nil
}

func (e *Engine) stepContext(run *registry.Run) stepOutcome {
	signals, err := e.loadSignals(run.ID)
	if err != nil {
		return infra(err)
	}
	docs, err := contextdoc.Build(e.ws.Path(run.ID), run.Ticket, signals, e.opts.ContextDocs)
	if err != nil {
		return infra(fmt.Errorf("build context: %w", err))
	}
	content, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return infra(err)
	}
	summary := fmt.Sprintf("%d context docs", len(docs))
	if err := e.putStepArtifact(run.ID, stepContext, registry.StepSuccess, summary, "", artifact.KindContext, content); err != nil {
		return infra(err)
	}
	return stepOutcome{outcome: proceed}
}

func (e *Engine) stepPlan(run *registry.Run) stepOutcome {
	signals, err := e.loadSignals(run.ID)
	if err != nil {
		return infra(err)
	}
	prof, _, err := e.loadProfile(run.ID)
	if err != nil {
		return infra(err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Plan: %s\n\n", run.Title)
	b.WriteString("1. Reproduce the failure with the baseline checks.\n")
	if len(signals) > 0 {
		fmt.Fprintf(&b, "2. Address the %d extracted signal(s):\n", len(signals))
		for _, s := range signals {
			fmt.Fprintf(&b, "   - [%s] %s\n", s.Kind, s.Summary)
		}
	} else {
		b.WriteString("2. No failure signals; derive the change from the ticket.\n")
	}
	fmt.Fprintf(&b, "3. Propose a minimal patch with the %s strategy.\n", run.Patcher)
	fmt.Fprintf(&b, "4. After approval, apply and re-verify with %q.\n", prof.PostCommand())
	if prof.Smoke != "" {
		fmt.Fprintf(&b, "5. Smoke test with %q.\n", prof.Smoke)
	}

	if err := e.putStepArtifact(run.ID, stepPlan, registry.StepSuccess, "plan drafted", "", artifact.KindPlan, []byte(b.String())); err != nil {
		return infra(err)
	}
	return stepOutcome{outcome: proceed}
}

func (e *Engine) stepPropose(ctx context.Context, run *registry.Run) stepOutcome {
	// The snapshot must predate any patch application; taking it before
	// proposing keeps regeneration rollbacks byte-exact. Idempotent.
	if err := e.ws.Snapshot(run.ID); err != nil {
		return infra(err)
	}

	signals, err := e.loadSignals(run.ID)
	if err != nil {
		return infra(err)
	}
	var docs []contextdoc.Doc
	if data, err := e.readLatest(run.ID, artifact.KindContext); err != nil {
		return infra(err)
	} else if data != nil {
		if err := json.Unmarshal(data, &docs); err != nil {
			return infra(fmt.Errorf("decode context: %w", err))
		}
	}

	req := patch.Request{
		Ticket:      run.Ticket,
		Signals:     signals,
		ContextDocs: docs,
		WorkingCopy: e.ws.Path(run.ID),
	}
	if run.RegenCount > 0 {
		if prev, err := e.readLatest(run.ID, artifact.KindProposalDiff); err == nil && prev != nil {
			req.PreviousDiff = string(prev)
		}
		if prev, err := e.readLatest(run.ID, artifact.KindNextActions); err == nil && prev != nil {
			req.PreviousError = string(prev)
		}
	}

	prop, note, perr := e.propose(ctx, run, req)
	if perr != nil {
		content, _ := json.Marshal(map[string]string{
			"strategy": perr.Strategy,
			"reason":   perr.Reason,
			"detail":   perr.Detail,
		})
		if err := e.putStepArtifact(run.ID, stepPropose, registry.StepFailed, "", perr.Error(), artifact.KindInvalidPatch, content); err != nil {
			return infra(err)
		}
		return stepOutcome{outcome: regenRun, summary: perr.Error()}
	}

	rationale, err := json.MarshalIndent(map[string]string{
		"title":     prop.Title,
		"rationale": prop.Rationale,
		"note":      note,
	}, "", "  ")
	if err != nil {
		return infra(err)
	}
	if err := e.addArtifact(run.ID, stepPropose, artifact.KindProposalRationale, rationale); err != nil {
		return infra(err)
	}
	summary := prop.Title
	if note != "" {
		summary += " (" + note + ")"
	}
	if err := e.putStepArtifact(run.ID, stepPropose, registry.StepSuccess, summary, "", artifact.KindProposalDiff, []byte(prop.Diff)); err != nil {
		return infra(err)
	}
	return stepOutcome{outcome: proceed}
}

// propose runs the selected strategy. The model strategy falls back to
// rules on any proposal failure, with the fallback recorded so reviewers
// know what produced the diff.
func (e *Engine) propose(ctx context.Context, run *registry.Run, req patch.Request) (*patch.Proposal, string, *patch.ProposalError) {
	strategy := e.rules
	if run.Patcher == registry.PatcherModel && e.model != nil {
		strategy = e.model
	}

	prop, err := strategy.Propose(ctx, req)
	if err == nil {
		return prop, "", nil
	}
	var perr *patch.ProposalError
	if !errors.As(err, &perr) {
		perr = &patch.ProposalError{Strategy: strategy.Name(), Reason: patch.ReasonNoDiff, Detail: err.Error()}
	}
	if strategy == e.rules {
		return nil, "", perr
	}

	e.log.Warn("model proposer failed, falling back to rules", "run", run.ID, "reason", perr.Reason)
	prop, err = e.rules.Propose(ctx, req)
	if err == nil {
		return prop, "fallback from model: " + perr.Reason, nil
	}
	var rerr *patch.ProposalError
	if !errors.As(err, &rerr) {
		rerr = &patch.ProposalError{Strategy: e.rules.Name(), Reason: patch.ReasonNoDiff, Detail: err.Error()}
	}
	return nil, "", rerr
}

func (e *Engine) stepApproval(run *registry.Run) stepOutcome {
	switch run.Decision {
	case registry.DecisionNone:
		if err := e.reg.UpdateStep(run.ID, stepApproval, registry.StepWaiting, "awaiting human decision", ""); err != nil {
			return infra(err)
		}
		if err := e.reg.SetStatus(run.ID, registry.StatusWaitingApproval); err != nil {
			return infra(err)
		}
		return stepOutcome{outcome: suspendRun}
	case registry.DecisionApproved:
		if err := e.reg.UpdateStep(run.ID, stepApproval, registry.StepSuccess, "approved", ""); err != nil {
			return infra(err)
		}
		return stepOutcome{outcome: proceed}
	case registry.DecisionRejected:
		if err := e.reg.UpdateStep(run.ID, stepApproval, registry.StepSuccess, "rejected", ""); err != nil {
			return infra(err)
		}
		return e.finalizeReject(run)
	}
	return infra(fmt.Errorf("unknown decision %q", run.Decision))
}

// finalizeReject closes out a rejected run: no changes land, the remaining
// steps are skipped, and the run completes as a reviewed-and-declined
// outcome.
func (e *Engine) finalizeReject(run *registry.Run) stepOutcome {
	for ord := stepApply; ord <= stepReport; ord++ {
		if err := e.reg.UpdateStep(run.ID, ord, registry.StepSkipped, "proposal rejected", ""); err != nil {
			return infra(err)
		}
	}
	if err := e.ws.Dispose(run.ID); err != nil {
		return infra(fmt.Errorf("dispose working copy: %w", err))
	}
	if err := e.reg.SetStatus(run.ID, registry.StatusCompleted); err != nil {
		return infra(err)
	}
	return stepOutcome{outcome: finishRun, finalStatus: registry.StatusCompleted}
}

func (e *Engine) stepApply(run *registry.Run) stepOutcome {
	diff, err := e.readLatest(run.ID, artifact.KindProposalDiff)
	if err != nil {
		return infra(err)
	}
	if diff == nil {
		return infra(fmt.Errorf("no proposal diff to apply"))
	}

	res, err := patch.Apply(e.ws.Path(run.ID), string(diff))
	if err != nil {
		var conflict *patch.ConflictError
		if errors.As(err, &conflict) {
			content, _ := json.Marshal(map[string]string{"error": conflict.Error()})
			if serr := e.putStepArtifact(run.ID, stepApply, registry.StepFailed, "", conflict.Error(), artifact.KindApplyResult, content); serr != nil {
				return infra(serr)
			}
			return stepOutcome{outcome: regenRun, summary: conflict.Error()}
		}
		return infra(fmt.Errorf("apply patch: %w", err))
	}

	content, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return infra(err)
	}
	summary := fmt.Sprintf("%d file(s) changed", len(res.ChangedFiles))
	if err := e.putStepArtifact(run.ID, stepApply, registry.StepSuccess, summary, "", artifact.KindApplyResult, content); err != nil {
		return infra(err)
	}
	return stepOutcome{outcome: proceed}
}

func (e *Engine) stepRecheck(ctx context.Context, run *registry.Run) stepOutcome {
	prof, dir, err := e.loadProfile(run.ID)
	if err != nil {
		return infra(err)
	}
	res, err := e.runner.Run(ctx, dir, prof.PostCommand(), e.opts.CheckTimeout)
	if err != nil {
		return infra(fmt.Errorf("run post checks: %w", err))
	}
	content, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return infra(err)
	}
	if res.Infra() {
		errText := fmt.Sprintf("post checks %q: command not found", prof.PostCommand())
		if err := e.putStepArtifact(run.ID, stepRecheck, registry.StepFailed, "", errText, artifact.KindPostChecksLog, content); err != nil {
			return infra(err)
		}
		return stepOutcome{outcome: failRun, summary: errText}
	}

	if res.ExitCode != 0 {
		errText := fmt.Sprintf("checks still failing (exit %d)", res.ExitCode)
		if res.TimedOut {
			errText = "checks timed out after the patch"
		}
		if err := e.putStepArtifact(run.ID, stepRecheck, registry.StepFailed, "", errText, artifact.KindPostChecksLog, content); err != nil {
			return infra(err)
		}
		if err := e.writeNextActions(run, res); err != nil {
			return infra(err)
		}
		return stepOutcome{outcome: regenRun, summary: errText}
	}

	if err := e.putStepArtifact(run.ID, stepRecheck, registry.StepSuccess, "checks green", "", artifact.KindPostChecksLog, content); err != nil {
		return infra(err)
	}
	return stepOutcome{outcome: proceed}
}

// writeNextActions stores what is still broken after the patch, both for
// the next proposal attempt and for the human reading the run.
func (e *Engine) writeNextActions(run *registry.Run, res *checks.Result) error {
	signals := signal.Extract(res)
	var b strings.Builder
	b.WriteString("Checks still failing after the patch.\n\n")
	for _, s := range signals {
		fmt.Fprintf(&b, "- [%s] %s\n", s.Kind, s.Summary)
	}
	if len(signals) == 0 {
		fmt.Fprintf(&b, "- exit code %d with no recognised failure pattern\n", res.ExitCode)
	}
	return e.addArtifact(run.ID, stepRecheck, artifact.KindNextActions, []byte(b.String()))
}

func (e *Engine) stepSmoke(ctx context.Context, run *registry.Run) stepOutcome {
	prof, dir, err := e.loadProfile(run.ID)
	if err != nil {
		return infra(err)
	}
	if prof.Smoke == "" {
		if err := e.reg.UpdateStep(run.ID, stepSmoke, registry.StepSkipped, "no smoke command", ""); err != nil {
			return infra(err)
		}
		return stepOutcome{outcome: proceed}
	}
	res, err := e.runner.Run(ctx, dir, prof.Smoke, e.opts.SmokeTimeout)
	if err != nil {
		return infra(fmt.Errorf("run smoke test: %w", err))
	}
	content, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return infra(err)
	}
	if res.ExitCode != 0 {
		errText := fmt.Sprintf("smoke test exited %d", res.ExitCode)
		if res.TimedOut {
			errText = "smoke test timed out"
		}
		if err := e.putStepArtifact(run.ID, stepSmoke, registry.StepFailed, "", errText, artifact.KindSmokeLog, content); err != nil {
			return infra(err)
		}
		return stepOutcome{outcome: failRun, summary: errText}
	}
	if err := e.putStepArtifact(run.ID, stepSmoke, registry.StepSuccess, "smoke passed", "", artifact.KindSmokeLog, content); err != nil {
		return infra(err)
	}
	return stepOutcome{outcome: proceed}
}

func (e *Engine) stepReport(run *registry.Run) stepOutcome {
	steps, err := e.reg.ListSteps(run.ID)
	if err != nil {
		return infra(err)
	}
	signals, err := e.loadSignals(run.ID)
	if err != nil {
		return infra(err)
	}
	var diff string
	if data, err := e.readLatest(run.ID, artifact.KindProposalDiff); err == nil && data != nil {
		diff = string(data)
	}
	var title string
	if data, err := e.readLatest(run.ID, artifact.KindProposalRationale); err == nil && data != nil {
		var r map[string]string
		if json.Unmarshal(data, &r) == nil {
			title = r["title"]
		}
	}

	md := report.Generate(report.Data{
		Run:           run,
		Steps:         steps,
		Signals:       signals,
		ProposalTitle: title,
		Diff:          diff,
	})
	if err := e.putStepArtifact(run.ID, stepReport, registry.StepSuccess, "report written", "", artifact.KindReport, []byte(md)); err != nil {
		return infra(err)
	}
	if err := e.ws.Dispose(run.ID); err != nil {
		return infra(fmt.Errorf("dispose working copy: %w", err))
	}
	if err := e.reg.SetStatus(run.ID, registry.StatusCompleted); err != nil {
		return infra(err)
	}
	return stepOutcome{outcome: finishRun, finalStatus: registry.StatusCompleted}
}
