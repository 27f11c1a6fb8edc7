package registry

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/patchpilot/patchpilot/internal/artifact"
)

// StepNames is the fixed pipeline template: steps are created per run in
// this order, ordinal i+1.
var StepNames = []string{
	"Preflight",
	"Baseline checks",
	"Summarize signals",
	"Build context",
	"Plan",
	"Propose patch",
	"Wait for approval",
	"Apply patch",
	"Re-run checks",
	"Smoke test",
	"Report",
}

// ErrNotFound marks lookups for rows that do not exist.
var ErrNotFound = errors.New("not found")

// Registry is the durable run/step/artifact store.
type Registry struct {
	db *DB
}

// New creates a Registry over an open database.
func New(db *DB) *Registry {
	return &Registry{db: db}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// CreateRun inserts a run in status created along with its full step
// template, all pending, in a single transaction.
func (r *Registry) CreateRun(title, ticket, workspace, patcher string) (*Run, error) {
	if patcher != PatcherRules && patcher != PatcherModel {
		return nil, fmt.Errorf("unknown patcher %q", patcher)
	}
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	ts := now()

	tx, err := r.db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO runs (id, title, ticket, workspace, patcher, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, title, ticket, workspace, patcher, StatusCreated, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	for i, name := range StepNames {
		_, err = tx.Exec(
			`INSERT INTO steps (run_id, ordinal, name, status) VALUES (?, ?, ?, ?)`,
			id, i+1, name, StepPending)
		if err != nil {
			return nil, fmt.Errorf("insert step %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r.GetRun(id)
}

const runColumns = `id, title, ticket, workspace, patcher, status, decision,
	cancel_requested, regen_count, claimed_by, created_at, updated_at`

func scanRun(row interface{ Scan(...interface{}) error }) (*Run, error) {
	var run Run
	var cancel int
	err := row.Scan(&run.ID, &run.Title, &run.Ticket, &run.Workspace,
		&run.Patcher, &run.Status, &run.Decision, &cancel, &run.RegenCount,
		&run.ClaimedBy, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.CancelRequested = cancel != 0
	return &run, nil
}

// GetRun fetches a run by id.
func (r *Registry) GetRun(id string) (*Run, error) {
	run, err := scanRun(r.db.conn.QueryRow(
		"SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns all runs, newest first. Pass "" to skip status filtering.
func (r *Registry) ListRuns(statusFilter string) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM runs"
	args := []interface{}{}
	if statusFilter != "" {
		query += " WHERE status = ?"
		args = append(args, statusFilter)
	}
	query += " ORDER BY id DESC"

	rows, err := r.db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListRunIDs returns the ids of all runs in the given status, oldest first.
// Used by the pool to recover queued and orphaned work after a restart.
func (r *Registry) ListRunIDs(status string) ([]string, error) {
	rows, err := r.db.conn.Query(
		"SELECT id FROM runs WHERE status = ? ORDER BY id ASC", status)
	if err != nil {
		return nil, fmt.Errorf("list run ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Claim attempts to take exclusive ownership of a runnable run: queued, or
// suspended with a decision recorded. The single conditional UPDATE is the
// mutual-exclusion primitive: exactly one caller observes RowsAffected == 1.
func (r *Registry) Claim(runID, workerID string) (bool, error) {
	res, err := r.db.conn.Exec(
		`UPDATE runs SET status = ?, claimed_by = ?, updated_at = ?
		 WHERE id = ? AND claimed_by = ''
		   AND (status = ? OR (status = ? AND decision != ?))`,
		StatusRunning, workerID, now(), runID,
		StatusQueued, StatusWaitingApproval, DecisionNone)
	if err != nil {
		return false, fmt.Errorf("claim run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim run %s: %w", runID, err)
	}
	return n == 1, nil
}

// SetStatus updates a run's status. Any status other than running also
// releases the claim, so suspended and finished runs are never left owned.
func (r *Registry) SetStatus(runID, status string) error {
	var err error
	if status == StatusRunning {
		_, err = r.db.conn.Exec(
			"UPDATE runs SET status = ?, updated_at = ? WHERE id = ?",
			status, now(), runID)
	} else {
		_, err = r.db.conn.Exec(
			"UPDATE runs SET status = ?, claimed_by = '', updated_at = ? WHERE id = ?",
			status, now(), runID)
	}
	if err != nil {
		return fmt.Errorf("set status %s on run %s: %w", status, runID, err)
	}
	return nil
}

// SetDecision records the human approval decision.
func (r *Registry) SetDecision(runID, decision string) error {
	if _, err := r.db.conn.Exec(
		"UPDATE runs SET decision = ?, updated_at = ? WHERE id = ?",
		decision, now(), runID); err != nil {
		return fmt.Errorf("set decision on run %s: %w", runID, err)
	}
	return nil
}

// RequestCancel sets the cooperative cancellation flag.
func (r *Registry) RequestCancel(runID string) error {
	if _, err := r.db.conn.Exec(
		"UPDATE runs SET cancel_requested = 1, updated_at = ? WHERE id = ?",
		now(), runID); err != nil {
		return fmt.Errorf("request cancel on run %s: %w", runID, err)
	}
	return nil
}

// IncrementRegen bumps the automatic regeneration counter.
func (r *Registry) IncrementRegen(runID string) error {
	if _, err := r.db.conn.Exec(
		"UPDATE runs SET regen_count = regen_count + 1, updated_at = ? WHERE id = ?",
		now(), runID); err != nil {
		return fmt.Errorf("increment regen on run %s: %w", runID, err)
	}
	return nil
}

// ResetForRetry rewinds a run for a full restart: all steps back to pending,
// decision and counters cleared, status queued. One transaction.
func (r *Registry) ResetForRetry(runID string) error {
	tx, err := r.db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := resetStepsTx(tx, runID, 1); err != nil {
		return err
	}
	_, err = tx.Exec(
		`UPDATE runs SET status = ?, decision = ?, cancel_requested = 0,
		 regen_count = 0, claimed_by = '', updated_at = ? WHERE id = ?`,
		StatusQueued, DecisionNone, now(), runID)
	if err != nil {
		return fmt.Errorf("reset run %s: %w", runID, err)
	}
	return tx.Commit()
}

// ResetForRegenerate rewinds steps from fromOrdinal and clears the decision
// so the proposal loop can run again. The caller decides whether the regen
// counter is bumped or zeroed.
func (r *Registry) ResetForRegenerate(runID string, fromOrdinal int) error {
	tx, err := r.db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := resetStepsTx(tx, runID, fromOrdinal); err != nil {
		return err
	}
	_, err = tx.Exec(
		"UPDATE runs SET decision = ?, updated_at = ? WHERE id = ?",
		DecisionNone, now(), runID)
	if err != nil {
		return fmt.Errorf("clear decision on run %s: %w", runID, err)
	}
	return tx.Commit()
}

// SetRegenCount overwrites the regeneration counter.
func (r *Registry) SetRegenCount(runID string, n int) error {
	if _, err := r.db.conn.Exec(
		"UPDATE runs SET regen_count = ?, updated_at = ? WHERE id = ?",
		n, now(), runID); err != nil {
		return fmt.Errorf("set regen count on run %s: %w", runID, err)
	}
	return nil
}

func resetStepsTx(tx *sql.Tx, runID string, fromOrdinal int) error {
	_, err := tx.Exec(
		`UPDATE steps SET status = ?, summary = '', error = '', artifact_id = '',
		 started_at = NULL, finished_at = NULL
		 WHERE run_id = ? AND ordinal >= ?`,
		StepPending, runID, fromOrdinal)
	if err != nil {
		return fmt.Errorf("reset steps of run %s: %w", runID, err)
	}
	return nil
}

// UpdateStep is the sole step mutation path. Entering running stamps
// started_at; success, failed, skipped, and waiting stamp finished_at.
func (r *Registry) UpdateStep(runID string, ordinal int, status, summary, errText string) error {
	tx, err := r.db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateStepTx(tx, runID, ordinal, status, summary, errText, ""); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateStepWithArtifact writes a step update and its artifact row in one
// transaction; a crash leaves either both or neither.
func (r *Registry) UpdateStepWithArtifact(runID string, ordinal int, status, summary, errText string, kind artifact.Kind, blob *artifact.Blob) (*Artifact, error) {
	tx, err := r.db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	art := &Artifact{
		ID:          blob.ID,
		RunID:       runID,
		StepOrdinal: ordinal,
		Kind:        kind,
		Digest:      blob.Digest,
		Path:        blob.Path,
		CreatedAt:   now(),
	}
	_, err = tx.Exec(
		`INSERT INTO artifacts (id, run_id, step_ordinal, kind, digest, path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		art.ID, art.RunID, art.StepOrdinal, string(art.Kind), art.Digest, art.Path, art.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	if err := updateStepTx(tx, runID, ordinal, status, summary, errText, art.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return art, nil
}

func updateStepTx(tx *sql.Tx, runID string, ordinal int, status, summary, errText, artifactID string) error {
	set := "status = ?, summary = ?, error = ?"
	args := []interface{}{status, summary, errText}
	switch status {
	case StepRunning:
		set += ", started_at = ?"
		args = append(args, now())
	case StepSuccess, StepFailed, StepSkipped, StepWaiting:
		set += ", finished_at = ?"
		args = append(args, now())
	}
	if artifactID != "" {
		set += ", artifact_id = ?"
		args = append(args, artifactID)
	}
	args = append(args, runID, ordinal)

	res, err := tx.Exec("UPDATE steps SET "+set+" WHERE run_id = ? AND ordinal = ?", args...)
	if err != nil {
		return fmt.Errorf("update step %d of run %s: %w", ordinal, runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update step %d of run %s: %w", ordinal, runID, err)
	}
	if n == 0 {
		return fmt.Errorf("step %d of run %s not found", ordinal, runID)
	}
	return nil
}

// AddArtifact records an artifact row on its own, for steps that emit more
// than one artifact. The primary artifact still goes through
// UpdateStepWithArtifact.
func (r *Registry) AddArtifact(runID string, ordinal int, kind artifact.Kind, blob *artifact.Blob) (*Artifact, error) {
	art := &Artifact{
		ID:          blob.ID,
		RunID:       runID,
		StepOrdinal: ordinal,
		Kind:        kind,
		Digest:      blob.Digest,
		Path:        blob.Path,
		CreatedAt:   now(),
	}
	_, err := r.db.conn.Exec(
		`INSERT INTO artifacts (id, run_id, step_ordinal, kind, digest, path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		art.ID, art.RunID, art.StepOrdinal, string(art.Kind), art.Digest, art.Path, art.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	return art, nil
}

// ListSteps returns a run's steps in ordinal order.
func (r *Registry) ListSteps(runID string) ([]Step, error) {
	rows, err := r.db.conn.Query(
		`SELECT run_id, ordinal, name, status, summary, error, artifact_id,
		 COALESCE(started_at, ''), COALESCE(finished_at, '')
		 FROM steps WHERE run_id = ? ORDER BY ordinal ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var s Step
		if err := rows.Scan(&s.RunID, &s.Ordinal, &s.Name, &s.Status,
			&s.Summary, &s.Error, &s.ArtifactID, &s.StartedAt, &s.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// ListArtifacts returns a run's artifact rows in insert order.
func (r *Registry) ListArtifacts(runID string) ([]Artifact, error) {
	rows, err := r.db.conn.Query(
		`SELECT id, run_id, COALESCE(step_ordinal, 0), kind, digest, path, created_at
		 FROM artifacts WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var arts []Artifact
	for rows.Next() {
		var a Artifact
		var kind string
		if err := rows.Scan(&a.ID, &a.RunID, &a.StepOrdinal, &kind,
			&a.Digest, &a.Path, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Kind = artifact.Kind(kind)
		arts = append(arts, a)
	}
	return arts, rows.Err()
}

// GetArtifact fetches a single artifact row by id.
func (r *Registry) GetArtifact(id string) (*Artifact, error) {
	var a Artifact
	var kind string
	err := r.db.conn.QueryRow(
		`SELECT id, run_id, COALESCE(step_ordinal, 0), kind, digest, path, created_at
		 FROM artifacts WHERE id = ?`, id).
		Scan(&a.ID, &a.RunID, &a.StepOrdinal, &kind, &a.Digest, &a.Path, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", id, err)
	}
	a.Kind = artifact.Kind(kind)
	return &a, nil
}

// LatestArtifact returns the most recent artifact of a kind for a run, or
// nil when none exists. ULIDs sort by insert time, so max(id) is the latest.
func (r *Registry) LatestArtifact(runID string, kind artifact.Kind) (*Artifact, error) {
	var a Artifact
	var k string
	err := r.db.conn.QueryRow(
		`SELECT id, run_id, COALESCE(step_ordinal, 0), kind, digest, path, created_at
		 FROM artifacts WHERE run_id = ? AND kind = ?
		 ORDER BY id DESC LIMIT 1`, runID, string(kind)).
		Scan(&a.ID, &a.RunID, &a.StepOrdinal, &k, &a.Digest, &a.Path, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s artifact of run %s: %w", kind, runID, err)
	}
	a.Kind = artifact.Kind(k)
	return &a, nil
}

// DeleteRun removes the run row; steps and artifact rows cascade. Callers
// enforce the terminal-state precondition and remove blobs separately.
func (r *Registry) DeleteRun(runID string) error {
	res, err := r.db.conn.Exec("DELETE FROM runs WHERE id = ?", runID)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}
