// Package engine drives runs through the fixed pipeline: claim, execute
// steps in order, persist every transition, suspend for approval, and
// regenerate failed proposals from the snapshot.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/patchpilot/patchpilot/internal/artifact"
	"github.com/patchpilot/patchpilot/internal/checks"
	"github.com/patchpilot/patchpilot/internal/patch"
	"github.com/patchpilot/patchpilot/internal/registry"
	"github.com/patchpilot/patchpilot/internal/workspace"
)

// Ordinals of the pipeline steps.
const (
	stepPreflight = 1
	stepBaseline  = 2
	stepSignals   = 3
	stepContext   = 4
	stepPlan      = 5
	stepPropose   = 6
	stepApproval  = 7
	stepApply     = 8
	stepRecheck   = 9
	stepSmoke     = 10
	stepReport    = 11
)

// regenerateEligible marks the steps whose failure can be retried from the
// snapshot instead of failing the whole run.
func regenerateEligible(ordinal int) bool {
	return ordinal == stepPropose || ordinal == stepApply || ordinal == stepRecheck
}

// Enqueuer wakes workers up for a run. Wakeups are advisory; the registry
// claim decides who actually processes a run.
type Enqueuer interface {
	Enqueue(runID string)
}

// Options tune engine behaviour.
type Options struct {
	MaxRegenerates int
	CheckTimeout   time.Duration
	SmokeTimeout   time.Duration
	ContextDocs    int
}

// Engine executes runs. It is safe for concurrent use: all mutable state
// lives in the registry and on disk.
type Engine struct {
	reg    *registry.Registry
	blobs  *artifact.Store
	ws     *workspace.Manager
	runner checks.CommandRunner
	rules  patch.Proposer
	model  patch.Proposer
	queue  Enqueuer
	opts   Options
	log    *slog.Logger
}

// New wires an Engine. The model proposer may be nil when no endpoint is
// configured; runs created with the model strategy then fall back to rules.
func New(reg *registry.Registry, blobs *artifact.Store, ws *workspace.Manager,
	runner checks.CommandRunner, rules, model patch.Proposer,
	opts Options, log *slog.Logger) *Engine {
	if opts.MaxRegenerates == 0 {
		opts.MaxRegenerates = 3
	}
	if opts.CheckTimeout == 0 {
		opts.CheckTimeout = 2 * time.Minute
	}
	if opts.SmokeTimeout == 0 {
		opts.SmokeTimeout = 30 * time.Second
	}
	if opts.ContextDocs == 0 {
		opts.ContextDocs = 5
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		reg:    reg,
		blobs:  blobs,
		ws:     ws,
		runner: runner,
		rules:  rules,
		model:  model,
		opts:   opts,
		log:    log,
	}
}

// SetQueue attaches the wakeup queue. Separate from New because the pool
// holding the queue also needs the engine.
func (e *Engine) SetQueue(q Enqueuer) {
	e.queue = q
}

func (e *Engine) enqueue(runID string) {
	if e.queue != nil {
		e.queue.Enqueue(runID)
	}
}

// Process claims the run and executes its runnable segment: until a
// terminal state, a suspension, or a claim loss. A false claim is not an
// error; someone else has the run.
func (e *Engine) Process(ctx context.Context, runID, workerID string) error {
	claimed, err := e.reg.Claim(runID, workerID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	log := e.log.With("run", runID, "worker", workerID)
	log.Info("run claimed")

	for {
		run, err := e.reg.GetRun(runID)
		if err != nil {
			return err
		}
		if run.CancelRequested {
			log.Info("cancel requested, finalizing")
			return e.finalizeCancel(run)
		}

		steps, err := e.reg.ListSteps(runID)
		if err != nil {
			return err
		}
		next := nextRunnable(steps)
		if next == nil {
			// Every step done; Report normally finalizes, this is the
			// crash-recovery path.
			return e.reg.SetStatus(runID, registry.StatusCompleted)
		}

		res := e.runStep(ctx, run, next)
		if res.err != nil {
			if ctx.Err() != nil {
				// Worker shutdown, not a broken run. Put the run back in
				// the queue; the next pool start picks it up.
				log.Info("shutdown during step, requeueing", "step", next.Ordinal)
				if next.Status != registry.StepWaiting {
					if serr := e.reg.UpdateStep(runID, next.Ordinal, registry.StepPending, "", ""); serr != nil {
						return serr
					}
				}
				return e.reg.SetStatus(runID, registry.StatusQueued)
			}
			log.Error("step hit infrastructure error", "step", next.Ordinal, "error", res.err)
			if serr := e.reg.UpdateStep(runID, next.Ordinal, registry.StepFailed, "", res.err.Error()); serr != nil {
				return serr
			}
			if serr := e.reg.SetStatus(runID, registry.StatusFailed); serr != nil {
				return serr
			}
			return res.err
		}

		switch res.outcome {
		case proceed:
			log.Info("step finished", "step", next.Ordinal, "status", "success")
		case suspendRun:
			log.Info("run suspended for approval")
			return nil
		case finishRun:
			log.Info("run finished", "status", res.finalStatus)
			return nil
		case failRun:
			log.Warn("run failed", "step", next.Ordinal, "reason", res.summary)
			return e.reg.SetStatus(runID, registry.StatusFailed)
		case regenRun:
			if run.RegenCount >= e.opts.MaxRegenerates {
				log.Warn("regeneration budget exhausted", "count", run.RegenCount)
				return e.reg.SetStatus(runID, registry.StatusFailed)
			}
			log.Info("regenerating proposal", "attempt", run.RegenCount+1, "failed_step", next.Ordinal)
			if err := e.rewindForRegenerate(runID, true); err != nil {
				return err
			}
		}
	}
}

// nextRunnable returns the first step that still needs work, or nil when
// all steps are settled.
func nextRunnable(steps []registry.Step) *registry.Step {
	for i := range steps {
		switch steps[i].Status {
		case registry.StepPending, registry.StepRunning, registry.StepWaiting, registry.StepFailed:
			return &steps[i]
		}
	}
	return nil
}

type outcomeKind int

const (
	proceed outcomeKind = iota
	suspendRun
	failRun
	regenRun
	finishRun
)

type stepOutcome struct {
	outcome     outcomeKind
	summary     string
	finalStatus string
	err         error // infrastructure error: storage, exec plumbing
}

func infra(err error) stepOutcome { return stepOutcome{err: err} }

// rewindForRegenerate restores the snapshot and resets the proposal loop.
// bump increments the automatic budget; the manual regenerate operation
// resets it instead.
func (e *Engine) rewindForRegenerate(runID string, bump bool) error {
	if e.ws.HasSnapshot(runID) {
		if err := e.ws.Restore(runID); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
	}
	if err := e.reg.ResetForRegenerate(runID, stepPropose); err != nil {
		return err
	}
	if bump {
		return e.reg.IncrementRegen(runID)
	}
	return e.reg.SetRegenCount(runID, 0)
}

// finalizeCancel skips everything unfinished, disposes the working copy,
// and marks the run canceled.
func (e *Engine) finalizeCancel(run *registry.Run) error {
	steps, err := e.reg.ListSteps(run.ID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		switch s.Status {
		case registry.StepPending, registry.StepRunning, registry.StepWaiting, registry.StepFailed:
			if err := e.reg.UpdateStep(run.ID, s.Ordinal, registry.StepSkipped, "canceled", ""); err != nil {
				return err
			}
		}
	}
	if err := e.ws.Dispose(run.ID); err != nil {
		return fmt.Errorf("dispose working copy: %w", err)
	}
	return e.reg.SetStatus(run.ID, registry.StatusCanceled)
}

// putStepArtifact stores a blob and records the step update and artifact
// row atomically.
func (e *Engine) putStepArtifact(runID string, ordinal int, status, summary, errText string, kind artifact.Kind, content []byte) error {
	blob, err := e.blobs.Put(runID, kind, content)
	if err != nil {
		return err
	}
	_, err = e.reg.UpdateStepWithArtifact(runID, ordinal, status, summary, errText, kind, blob)
	return err
}

// addArtifact stores a secondary blob for a step.
func (e *Engine) addArtifact(runID string, ordinal int, kind artifact.Kind, content []byte) error {
	blob, err := e.blobs.Put(runID, kind, content)
	if err != nil {
		return err
	}
	_, err = e.reg.AddArtifact(runID, ordinal, kind, blob)
	return err
}

// readLatest returns the content of the newest artifact of a kind, or nil
// when the run has none.
func (e *Engine) readLatest(runID string, kind artifact.Kind) ([]byte, error) {
	art, err := e.reg.LatestArtifact(runID, kind)
	if err != nil {
		return nil, err
	}
	if art == nil {
		return nil, nil
	}
	return e.blobs.Read(art.Path)
}
