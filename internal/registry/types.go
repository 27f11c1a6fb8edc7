package registry

import "github.com/patchpilot/patchpilot/internal/artifact"

// Run statuses. A run moves created → queued → running, may suspend in
// waiting_approval, and ends in completed, failed, or canceled.
const (
	StatusCreated         = "created"
	StatusQueued          = "queued"
	StatusRunning         = "running"
	StatusWaitingApproval = "waiting_approval"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusCanceled        = "canceled"
)

// Step statuses.
const (
	StepPending = "pending"
	StepRunning = "running"
	StepSuccess = "success"
	StepFailed  = "failed"
	StepSkipped = "skipped"
	StepWaiting = "waiting"
)

// Approval decisions.
const (
	DecisionNone     = "none"
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Patcher strategy selectors.
const (
	PatcherRules = "rules"
	PatcherModel = "model"
)

// Terminal reports whether a run status is final.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Run is a single execution of the fix pipeline against a workspace.
type Run struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Ticket          string `json:"ticket"`
	Workspace       string `json:"workspace"`
	Patcher         string `json:"patcher"`
	Status          string `json:"status"`
	Decision        string `json:"decision"`
	CancelRequested bool   `json:"cancel_requested"`
	RegenCount      int    `json:"regen_count"`
	ClaimedBy       string `json:"claimed_by,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// Step is one of a run's eleven pipeline steps. Ordinals are dense,
// starting at 1.
type Step struct {
	RunID      string `json:"run_id"`
	Ordinal    int    `json:"ordinal"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Summary    string `json:"summary,omitempty"`
	Error      string `json:"error,omitempty"`
	ArtifactID string `json:"artifact_id,omitempty"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// Artifact is the registry row for a stored blob. Rows are append-only;
// the latest row of a kind is the authoritative one.
type Artifact struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	StepOrdinal int           `json:"step_ordinal,omitempty"`
	Kind        artifact.Kind `json:"kind"`
	Digest      string        `json:"digest"`
	Path        string        `json:"path"`
	CreatedAt   string        `json:"created_at"`
}
