package stats

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/patchpilot/patchpilot/internal/registry"
)

// DB is the interface for database queries used by stats.
type DB interface {
	Conn() *sql.DB
}

// StepDuration holds duration stats for one pipeline step across runs.
type StepDuration struct {
	Ordinal int     `json:"ordinal"`
	Step    string  `json:"step"`
	Count   int     `json:"count"`
	Avg     float64 `json:"avg_seconds"`
	P50     float64 `json:"p50_seconds"`
	P95     float64 `json:"p95_seconds"`
}

// timestamp formats to try when parsing timestamps from the database
var timestampFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// QueryStepDurations returns average and percentile wall-clock durations per
// step, over every step execution that recorded both timestamps. Waiting
// time in the approval step is included deliberately: it measures how long
// reviews sit.
func QueryStepDurations(database DB, since string) ([]StepDuration, error) {
	query := `
		SELECT ordinal, name, started_at, finished_at
		FROM steps
		WHERE status IN ('success', 'failed')
		AND started_at IS NOT NULL AND finished_at IS NOT NULL`

	args := []interface{}{}
	if since != "" {
		query += ` AND started_at >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query step durations: %w", err)
	}
	defer rows.Close()

	type key struct {
		ordinal int
		name    string
	}
	durations := make(map[key][]float64)
	for rows.Next() {
		var k key
		var startTS, endTS string
		if err := rows.Scan(&k.ordinal, &k.name, &startTS, &endTS); err != nil {
			return nil, fmt.Errorf("scan step duration: %w", err)
		}
		start, err := parseTimestamp(startTS)
		if err != nil {
			continue
		}
		end, err := parseTimestamp(endTS)
		if err != nil {
			continue
		}
		seconds := end.Sub(start).Seconds()
		if seconds >= 0 {
			durations[k] = append(durations[k], seconds)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StepDuration
	for k, vals := range durations {
		sort.Float64s(vals)
		results = append(results, StepDuration{
			Ordinal: k.ordinal,
			Step:    k.name,
			Count:   len(vals),
			Avg:     avg(vals),
			P50:     percentile(vals, 50),
			P95:     percentile(vals, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Ordinal < results[j].Ordinal
	})
	return results, nil
}

// Outcomes summarizes how runs end and how reviewers decide.
type Outcomes struct {
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Canceled    int     `json:"canceled"`
	InFlight    int     `json:"in_flight"`
	Approved    int     `json:"approved"`
	Rejected    int     `json:"rejected"`
	ApprovedPct float64 `json:"approved_pct"`
}

// QueryOutcomes returns run outcome counts. ApprovedPct is the share of
// decided runs that were approved.
func QueryOutcomes(database DB, since string) (*Outcomes, error) {
	query := `
		SELECT
			COUNT(*),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN decision = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN decision = ? THEN 1 ELSE 0 END)
		FROM runs`
	args := []interface{}{
		registry.StatusCompleted, registry.StatusFailed, registry.StatusCanceled,
		registry.DecisionApproved, registry.DecisionRejected,
	}
	if since != "" {
		query += ` WHERE created_at >= ?`
		args = append(args, since)
	}

	var o Outcomes
	var completed, failed, canceled, approved, rejected sql.NullInt64
	err := database.Conn().QueryRow(query, args...).Scan(
		&o.Total, &completed, &failed, &canceled, &approved, &rejected)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	o.Completed = int(completed.Int64)
	o.Failed = int(failed.Int64)
	o.Canceled = int(canceled.Int64)
	o.Approved = int(approved.Int64)
	o.Rejected = int(rejected.Int64)
	o.InFlight = o.Total - o.Completed - o.Failed - o.Canceled
	o.ApprovedPct = pct(o.Approved, o.Approved+o.Rejected)
	return &o, nil
}

// RegenDist holds the distribution of regeneration attempts over finished
// runs: how often the first proposal held up.
type RegenDist struct {
	Total     int     `json:"total"`
	Zero      float64 `json:"zero_pct"`
	One       float64 `json:"one_pct"`
	Two       float64 `json:"two_pct"`
	ThreePlus float64 `json:"three_plus_pct"`
}

// QueryRegenDist returns the regeneration-count distribution for runs that
// reached a terminal state.
func QueryRegenDist(database DB, since string) (*RegenDist, error) {
	query := `
		SELECT regen_count FROM runs
		WHERE status IN (?, ?, ?)`
	args := []interface{}{registry.StatusCompleted, registry.StatusFailed, registry.StatusCanceled}
	if since != "" {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query regen distribution: %w", err)
	}
	defer rows.Close()

	var zero, one, two, threePlus, total int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan regen count: %w", err)
		}
		total++
		switch {
		case n == 0:
			zero++
		case n == 1:
			one++
		case n == 2:
			two++
		default:
			threePlus++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &RegenDist{
		Total:     total,
		Zero:      pct(zero, total),
		One:       pct(one, total),
		Two:       pct(two, total),
		ThreePlus: pct(threePlus, total),
	}, nil
}

// StepFailure holds failure counts per step, ranking where runs die.
type StepFailure struct {
	Ordinal  int     `json:"ordinal"`
	Step     string  `json:"step"`
	Total    int     `json:"total"`
	Failed   int     `json:"failed"`
	FailRate float64 `json:"fail_rate_pct"`
}

// QueryStepFailures returns per-step failure rates over settled steps.
func QueryStepFailures(database DB, since string) ([]StepFailure, error) {
	query := `
		SELECT ordinal, name,
			COUNT(*) as total,
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) as failed
		FROM steps
		WHERE status IN ('success', 'failed', 'skipped')`
	args := []interface{}{}
	if since != "" {
		query += ` AND started_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY ordinal, name ORDER BY ordinal`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query step failures: %w", err)
	}
	defer rows.Close()

	var results []StepFailure
	for rows.Next() {
		var sf StepFailure
		if err := rows.Scan(&sf.Ordinal, &sf.Step, &sf.Total, &sf.Failed); err != nil {
			return nil, fmt.Errorf("scan step failure: %w", err)
		}
		sf.FailRate = pct(sf.Failed, sf.Total)
		results = append(results, sf)
	}
	return results, rows.Err()
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
