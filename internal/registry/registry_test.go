package registry

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/patchpilot/patchpilot/internal/artifact"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return New(db)
}

func TestCreateRunSeedsStepTemplate(t *testing.T) {
	reg := testRegistry(t)
	run, err := reg.CreateRun("fix rounding", "discounts are off by one cent", "tinyshop", PatcherRules)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != StatusCreated {
		t.Errorf("new run status = %q, want created", run.Status)
	}
	if run.Decision != DecisionNone {
		t.Errorf("new run decision = %q, want none", run.Decision)
	}

	steps, err := reg.ListSteps(run.ID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != len(StepNames) {
		t.Fatalf("got %d steps, want %d", len(steps), len(StepNames))
	}
	for i, s := range steps {
		if s.Ordinal != i+1 {
			t.Errorf("step %d has ordinal %d, want %d", i, s.Ordinal, i+1)
		}
		if s.Name != StepNames[i] {
			t.Errorf("step %d name = %q, want %q", i+1, s.Name, StepNames[i])
		}
		if s.Status != StepPending {
			t.Errorf("step %d status = %q, want pending", i+1, s.Status)
		}
	}
}

func TestCreateRunRejectsUnknownPatcher(t *testing.T) {
	reg := testRegistry(t)
	if _, err := reg.CreateRun("t", "t", "ws", "magic"); err == nil {
		t.Error("expected error for unknown patcher")
	}
}

func TestClaimIsExclusive(t *testing.T) {
	reg := testRegistry(t)
	run, err := reg.CreateRun("t", "t", "ws", PatcherRules)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := reg.SetStatus(run.ID, StatusQueued); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	ok, err := reg.Claim(run.ID, "worker-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !ok {
		t.Fatal("first claim should succeed")
	}
	ok, err = reg.Claim(run.ID, "worker-2")
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if ok {
		t.Fatal("second claim should fail while held")
	}

	got, err := reg.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != StatusRunning || got.ClaimedBy != "worker-1" {
		t.Errorf("run = %q/%q, want running/worker-1", got.Status, got.ClaimedBy)
	}
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	reg := testRegistry(t)
	run, err := reg.CreateRun("t", "t", "ws", PatcherRules)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := reg.SetStatus(run.ID, StatusQueued); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ok, err := reg.Claim(run.ID, string(rune('a'+id)))
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if ok {
				wins <- string(rune('a' + id))
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("got %d claim winners, want exactly 1", len(winners))
	}
}

func TestSuspensionReleasesClaim(t *testing.T) {
	reg := testRegistry(t)
	run, _ := reg.CreateRun("t", "t", "ws", PatcherRules)
	reg.SetStatus(run.ID, StatusQueued)
	if ok, _ := reg.Claim(run.ID, "w1"); !ok {
		t.Fatal("claim failed")
	}
	if err := reg.SetStatus(run.ID, StatusWaitingApproval); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, _ := reg.GetRun(run.ID)
	if got.ClaimedBy != "" {
		t.Errorf("claim not released on suspension: %q", got.ClaimedBy)
	}
}

func TestClaimWaitingRunRequiresDecision(t *testing.T) {
	reg := testRegistry(t)
	run, _ := reg.CreateRun("t", "t", "ws", PatcherRules)
	reg.SetStatus(run.ID, StatusWaitingApproval)

	if ok, _ := reg.Claim(run.ID, "w1"); ok {
		t.Fatal("undecided waiting run should not be claimable")
	}
	reg.SetDecision(run.ID, DecisionApproved)
	ok, err := reg.Claim(run.ID, "w1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !ok {
		t.Fatal("decided waiting run should be claimable")
	}
}

func TestUpdateStepWithArtifact(t *testing.T) {
	reg := testRegistry(t)
	run, _ := reg.CreateRun("t", "t", "ws", PatcherRules)

	blob := &artifact.Blob{ID: "01TESTBLOB", Path: run.ID + "/01TESTBLOB-baseline_log", Digest: "ab"}
	art, err := reg.UpdateStepWithArtifact(run.ID, 2, StepSuccess, "1 failed", "", artifact.KindBaselineLog, blob)
	if err != nil {
		t.Fatalf("UpdateStepWithArtifact: %v", err)
	}

	steps, _ := reg.ListSteps(run.ID)
	if steps[1].Status != StepSuccess {
		t.Errorf("step 2 status = %q, want success", steps[1].Status)
	}
	if steps[1].ArtifactID != art.ID {
		t.Errorf("step 2 artifact_id = %q, want %q", steps[1].ArtifactID, art.ID)
	}
	if steps[1].FinishedAt == "" {
		t.Error("step 2 finished_at not stamped")
	}

	arts, err := reg.ListArtifacts(run.ID)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(arts) != 1 || arts[0].Kind != artifact.KindBaselineLog {
		t.Fatalf("unexpected artifacts: %+v", arts)
	}
}

func TestLatestArtifactPicksNewest(t *testing.T) {
	reg := testRegistry(t)
	run, _ := reg.CreateRun("t", "t", "ws", PatcherRules)

	old := &artifact.Blob{ID: "01AAAA", Path: "p1", Digest: "d1"}
	newer := &artifact.Blob{ID: "01BBBB", Path: "p2", Digest: "d2"}
	if _, err := reg.UpdateStepWithArtifact(run.ID, 6, StepFailed, "", "bad diff", artifact.KindProposalDiff, old); err != nil {
		t.Fatalf("first artifact: %v", err)
	}
	if _, err := reg.UpdateStepWithArtifact(run.ID, 6, StepSuccess, "ok", "", artifact.KindProposalDiff, newer); err != nil {
		t.Fatalf("second artifact: %v", err)
	}

	latest, err := reg.LatestArtifact(run.ID, artifact.KindProposalDiff)
	if err != nil {
		t.Fatalf("LatestArtifact: %v", err)
	}
	if latest == nil || latest.ID != "01BBBB" {
		t.Fatalf("latest = %+v, want id 01BBBB", latest)
	}

	none, err := reg.LatestArtifact(run.ID, artifact.KindReport)
	if err != nil {
		t.Fatalf("LatestArtifact none: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil for absent kind, got %+v", none)
	}
}

func TestResetForRetry(t *testing.T) {
	reg := testRegistry(t)
	run, _ := reg.CreateRun("t", "t", "ws", PatcherRules)
	reg.SetStatus(run.ID, StatusFailed)
	reg.SetDecision(run.ID, DecisionApproved)
	reg.RequestCancel(run.ID)
	reg.IncrementRegen(run.ID)
	reg.UpdateStep(run.ID, 1, StepSuccess, "ok", "")
	reg.UpdateStep(run.ID, 2, StepFailed, "", "boom")

	if err := reg.ResetForRetry(run.ID); err != nil {
		t.Fatalf("ResetForRetry: %v", err)
	}
	got, _ := reg.GetRun(run.ID)
	if got.Status != StatusQueued || got.Decision != DecisionNone ||
		got.CancelRequested || got.RegenCount != 0 {
		t.Errorf("run not fully reset: %+v", got)
	}
	steps, _ := reg.ListSteps(run.ID)
	for _, s := range steps {
		if s.Status != StepPending || s.Summary != "" || s.Error != "" || s.StartedAt != "" {
			t.Errorf("step %d not reset: %+v", s.Ordinal, s)
		}
	}
}

func TestResetForRegenerate(t *testing.T) {
	reg := testRegistry(t)
	run, _ := reg.CreateRun("t", "t", "ws", PatcherRules)
	for i := 1; i <= 9; i++ {
		reg.UpdateStep(run.ID, i, StepSuccess, "ok", "")
	}
	reg.SetDecision(run.ID, DecisionApproved)

	if err := reg.ResetForRegenerate(run.ID, 6); err != nil {
		t.Fatalf("ResetForRegenerate: %v", err)
	}
	steps, _ := reg.ListSteps(run.ID)
	for _, s := range steps {
		want := StepSuccess
		if s.Ordinal >= 6 {
			want = StepPending
		}
		if s.Status != want {
			t.Errorf("step %d status = %q, want %q", s.Ordinal, s.Status, want)
		}
	}
	got, _ := reg.GetRun(run.ID)
	if got.Decision != DecisionNone {
		t.Errorf("decision = %q, want none after regenerate", got.Decision)
	}
}

func TestDeleteRunCascades(t *testing.T) {
	reg := testRegistry(t)
	run, _ := reg.CreateRun("t", "t", "ws", PatcherRules)
	blob := &artifact.Blob{ID: "01ZZZZ", Path: "p", Digest: "d"}
	reg.UpdateStepWithArtifact(run.ID, 1, StepSuccess, "", "", artifact.KindPreflightLog, blob)

	if err := reg.DeleteRun(run.ID); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := reg.GetRun(run.ID); err == nil {
		t.Error("run still readable after delete")
	}
	steps, _ := reg.ListSteps(run.ID)
	if len(steps) != 0 {
		t.Errorf("steps survived delete: %d", len(steps))
	}
	arts, _ := reg.ListArtifacts(run.ID)
	if len(arts) != 0 {
		t.Errorf("artifacts survived delete: %d", len(arts))
	}
	if err := reg.DeleteRun(run.ID); err == nil {
		t.Error("expected error deleting missing run")
	}
}
