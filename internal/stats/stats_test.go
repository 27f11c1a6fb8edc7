package stats

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/patchpilot/patchpilot/internal/registry"
)

func testDB(t *testing.T) *registry.DB {
	t.Helper()
	d, err := registry.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func exec(t *testing.T, conn *sql.DB, query string, args ...interface{}) {
	t.Helper()
	if _, err := conn.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func insertRun(t *testing.T, conn *sql.DB, id, status, decision string, regen int) {
	t.Helper()
	exec(t, conn, `INSERT INTO runs (id, title, ticket, workspace, patcher, status, decision, regen_count, created_at, updated_at)
		VALUES (?, 't', 'tk', 'ws', 'rules', ?, ?, ?, '2026-08-01T10:00:00Z', '2026-08-01T10:30:00Z')`,
		id, status, decision, regen)
}

func TestQueryStepDurations(t *testing.T) {
	d := testDB(t)
	c := d.Conn()
	insertRun(t, c, "r1", "completed", "approved", 0)
	insertRun(t, c, "r2", "completed", "approved", 0)

	// Baseline checks took 10s on r1 and 20s on r2.
	exec(t, c, `INSERT INTO steps (run_id, ordinal, name, status, started_at, finished_at)
		VALUES ('r1', 2, 'Baseline checks', 'success', '2026-08-01T10:00:00Z', '2026-08-01T10:00:10Z')`)
	exec(t, c, `INSERT INTO steps (run_id, ordinal, name, status, started_at, finished_at)
		VALUES ('r2', 2, 'Baseline checks', 'success', '2026-08-01T10:00:00Z', '2026-08-01T10:00:20Z')`)
	// Pending step without timestamps must not count.
	exec(t, c, `INSERT INTO steps (run_id, ordinal, name, status) VALUES ('r1', 3, 'Summarize signals', 'pending')`)

	results, err := QueryStepDurations(d, "")
	if err != nil {
		t.Fatalf("QueryStepDurations: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d step results, want 1", len(results))
	}
	r := results[0]
	if r.Step != "Baseline checks" || r.Ordinal != 2 {
		t.Errorf("step = %q ordinal %d", r.Step, r.Ordinal)
	}
	if r.Count != 2 {
		t.Errorf("count = %d, want 2", r.Count)
	}
	if r.Avg != 15 {
		t.Errorf("avg = %v, want 15", r.Avg)
	}
	if r.P95 != 19.5 {
		t.Errorf("p95 = %v, want 19.5", r.P95)
	}
}

func TestQueryOutcomes(t *testing.T) {
	d := testDB(t)
	c := d.Conn()
	insertRun(t, c, "r1", "completed", "approved", 0)
	insertRun(t, c, "r2", "completed", "rejected", 0)
	insertRun(t, c, "r3", "failed", "approved", 3)
	insertRun(t, c, "r4", "canceled", "none", 0)
	insertRun(t, c, "r5", "waiting_approval", "none", 0)

	o, err := QueryOutcomes(d, "")
	if err != nil {
		t.Fatalf("QueryOutcomes: %v", err)
	}
	if o.Total != 5 || o.Completed != 2 || o.Failed != 1 || o.Canceled != 1 || o.InFlight != 1 {
		t.Errorf("outcomes = %+v", o)
	}
	if o.Approved != 2 || o.Rejected != 1 {
		t.Errorf("decisions = approved %d rejected %d", o.Approved, o.Rejected)
	}
	if o.ApprovedPct != 66.7 {
		t.Errorf("approved pct = %v, want 66.7", o.ApprovedPct)
	}
}

func TestQueryOutcomesEmpty(t *testing.T) {
	d := testDB(t)
	o, err := QueryOutcomes(d, "")
	if err != nil {
		t.Fatalf("QueryOutcomes: %v", err)
	}
	if o.Total != 0 || o.ApprovedPct != 0 {
		t.Errorf("outcomes = %+v, want zeros", o)
	}
}

func TestQueryRegenDist(t *testing.T) {
	d := testDB(t)
	c := d.Conn()
	insertRun(t, c, "r1", "completed", "approved", 0)
	insertRun(t, c, "r2", "completed", "approved", 1)
	insertRun(t, c, "r3", "failed", "approved", 3)
	insertRun(t, c, "r4", "queued", "none", 2) // in flight, excluded

	dist, err := QueryRegenDist(d, "")
	if err != nil {
		t.Fatalf("QueryRegenDist: %v", err)
	}
	if dist.Total != 3 {
		t.Fatalf("total = %d, want 3", dist.Total)
	}
	if dist.Zero != 33.3 || dist.One != 33.3 || dist.ThreePlus != 33.3 {
		t.Errorf("dist = %+v", dist)
	}
}

func TestQueryStepFailures(t *testing.T) {
	d := testDB(t)
	c := d.Conn()
	insertRun(t, c, "r1", "failed", "approved", 0)
	insertRun(t, c, "r2", "completed", "approved", 0)

	exec(t, c, `INSERT INTO steps (run_id, ordinal, name, status) VALUES ('r1', 9, 'Re-run checks', 'failed')`)
	exec(t, c, `INSERT INTO steps (run_id, ordinal, name, status) VALUES ('r2', 9, 'Re-run checks', 'success')`)
	exec(t, c, `INSERT INTO steps (run_id, ordinal, name, status) VALUES ('r2', 10, 'Smoke test', 'skipped')`)

	results, err := QueryStepFailures(d, "")
	if err != nil {
		t.Fatalf("QueryStepFailures: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Ordinal != 9 || results[0].FailRate != 50 {
		t.Errorf("recheck failures = %+v", results[0])
	}
	if results[1].Ordinal != 10 || results[1].Failed != 0 {
		t.Errorf("smoke failures = %+v", results[1])
	}
}
