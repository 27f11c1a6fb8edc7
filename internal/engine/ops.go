package engine

import (
	"errors"
	"fmt"

	"github.com/patchpilot/patchpilot/internal/registry"
)

// ErrInvalidState marks an operation attempted in a run state that does
// not allow it. The HTTP layer maps it to 409.
var ErrInvalidState = errors.New("operation not valid in current run state")

// Create registers a new run. It starts in created and is not queued until
// Start is called.
func (e *Engine) Create(title, ticket, workspaceRef, patcher string) (*registry.Run, error) {
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if ticket == "" {
		return nil, fmt.Errorf("ticket is required")
	}
	if workspaceRef == "" {
		return nil, fmt.Errorf("workspace is required")
	}
	if patcher == "" {
		patcher = registry.PatcherRules
	}
	return e.reg.CreateRun(title, ticket, workspaceRef, patcher)
}

// Start queues a created run. Calling it on a terminal run behaves like
// Retry so a failed run can simply be started again.
func (e *Engine) Start(runID string) error {
	run, err := e.reg.GetRun(runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case registry.StatusCreated:
		if err := e.reg.SetStatus(runID, registry.StatusQueued); err != nil {
			return err
		}
		e.enqueue(runID)
		return nil
	case registry.StatusCompleted, registry.StatusFailed, registry.StatusCanceled:
		return e.Retry(runID)
	}
	return fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrInvalidState)
}

// Decide records the human approval decision on a suspended run and wakes
// a worker. The worker performs all resulting mutations; this handler only
// flags the run.
func (e *Engine) Decide(runID, decision string) error {
	if decision != registry.DecisionApproved && decision != registry.DecisionRejected {
		return fmt.Errorf("unknown decision %q", decision)
	}
	run, err := e.reg.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status != registry.StatusWaitingApproval {
		return fmt.Errorf("run %s is %s, not awaiting approval: %w", runID, run.Status, ErrInvalidState)
	}
	if err := e.reg.SetDecision(runID, decision); err != nil {
		return err
	}
	e.enqueue(runID)
	return nil
}

// Regenerate discards the current proposal and queues a fresh attempt.
// Valid only when a regenerate-eligible step has failed; it also resets
// the automatic regeneration budget.
func (e *Engine) Regenerate(runID string) error {
	run, err := e.reg.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status != registry.StatusFailed {
		return fmt.Errorf("run %s is %s, not failed: %w", runID, run.Status, ErrInvalidState)
	}
	steps, err := e.reg.ListSteps(runID)
	if err != nil {
		return err
	}
	eligible := false
	for _, s := range steps {
		if s.Status == registry.StepFailed && regenerateEligible(s.Ordinal) {
			eligible = true
		}
	}
	if !eligible {
		return fmt.Errorf("run %s has no regenerate-eligible failed step: %w", runID, ErrInvalidState)
	}

	if err := e.rewindForRegenerate(runID, false); err != nil {
		return err
	}
	if err := e.reg.SetStatus(runID, registry.StatusQueued); err != nil {
		return err
	}
	e.enqueue(runID)
	return nil
}

// Retry restarts a terminal run from scratch: fresh working copy, all
// steps pending, counters cleared. Old artifacts remain for audit.
func (e *Engine) Retry(runID string) error {
	run, err := e.reg.GetRun(runID)
	if err != nil {
		return err
	}
	if !registry.Terminal(run.Status) {
		return fmt.Errorf("run %s is %s, not terminal: %w", runID, run.Status, ErrInvalidState)
	}
	if err := e.ws.Purge(runID); err != nil {
		return fmt.Errorf("purge workspace: %w", err)
	}
	if err := e.reg.ResetForRetry(runID); err != nil {
		return err
	}
	e.enqueue(runID)
	return nil
}

// Cancel requests cooperative cancellation. A run no worker currently owns
// is finalized on the spot; a claimed run stops between steps.
func (e *Engine) Cancel(runID string) error {
	run, err := e.reg.GetRun(runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case registry.StatusQueued, registry.StatusRunning, registry.StatusWaitingApproval:
	default:
		return fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrInvalidState)
	}
	if err := e.reg.RequestCancel(runID); err != nil {
		return err
	}
	// Re-read after flagging: a worker may have claimed the run in the
	// meantime, in which case it finalizes the cancel between steps.
	run, err = e.reg.GetRun(runID)
	if err != nil {
		return err
	}
	if run.ClaimedBy == "" && (run.Status == registry.StatusQueued || run.Status == registry.StatusWaitingApproval) {
		return e.finalizeCancel(run)
	}
	return nil
}

// Delete removes a terminal run: registry rows, artifact blobs, working
// copy, and snapshot.
func (e *Engine) Delete(runID string) error {
	run, err := e.reg.GetRun(runID)
	if err != nil {
		return err
	}
	if !registry.Terminal(run.Status) {
		return fmt.Errorf("run %s is %s, not terminal: %w", runID, run.Status, ErrInvalidState)
	}
	if err := e.reg.DeleteRun(runID); err != nil {
		return err
	}
	if err := e.blobs.DeleteRun(runID); err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	if err := e.ws.Purge(runID); err != nil {
		return fmt.Errorf("purge workspace: %w", err)
	}
	return nil
}
