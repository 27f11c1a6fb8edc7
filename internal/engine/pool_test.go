package engine

import (
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/patchpilot/patchpilot/internal/registry"
)

func waitForStatus(t *testing.T, reg *registry.Registry, runID, status string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := reg.GetRun(runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Status == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, _ := reg.GetRun(runID)
	t.Fatalf("run %s stuck in %q, want %q", runID, run.Status, status)
}

func TestPoolProcessesQueuedRuns(t *testing.T) {
	env := newTestEnv(t, Options{})
	pool := NewPool(env.eng, env.reg, 2, "t", nil)
	env.eng.SetQueue(pool)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	var ids []string
	for i := 0; i < 4; i++ {
		run, err := env.eng.Create(fmt.Sprintf("run %d", i), "rounding off by one cent", "tinyshop", registry.PatcherRules)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := env.eng.Start(run.ID); err != nil {
			t.Fatalf("Start run: %v", err)
		}
		ids = append(ids, run.ID)
	}
	for _, id := range ids {
		waitForStatus(t, env.reg, id, registry.StatusWaitingApproval)
	}
}

func TestPoolRecoverRequeuesOrphanedRun(t *testing.T) {
	env := newTestEnv(t, Options{})
	run, err := env.eng.Create("orphan", "rounding off by one cent", "tinyshop", registry.PatcherRules)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := env.eng.Start(run.ID); err != nil {
		t.Fatalf("Start run: %v", err)
	}
	// Simulate a worker that claimed the run and then died.
	claimed, err := env.reg.Claim(run.ID, "dead-worker")
	if err != nil || !claimed {
		t.Fatalf("claim: %v claimed=%v", err, claimed)
	}

	pool := NewPool(env.eng, env.reg, 1, "t", nil)
	env.eng.SetQueue(pool)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	waitForStatus(t, env.reg, run.ID, registry.StatusWaitingApproval)
}

func TestPoolRecoverLeavesUndecidedSuspension(t *testing.T) {
	env := newTestEnv(t, Options{})
	run := env.startRun(t, "rounding off by one cent")
	env.drain(t)
	got, _ := env.reg.GetRun(run.ID)
	if got.Status != registry.StatusWaitingApproval {
		t.Fatalf("status = %q, want waiting_approval", got.Status)
	}

	pool := NewPool(env.eng, env.reg, 1, "t", nil)
	env.eng.SetQueue(pool)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	// The recovery wakeup must not move an undecided run.
	time.Sleep(100 * time.Millisecond)
	got, _ = env.reg.GetRun(run.ID)
	if got.Status != registry.StatusWaitingApproval {
		t.Errorf("status = %q, want waiting_approval to persist", got.Status)
	}

	if err := env.eng.Decide(run.ID, registry.DecisionApproved); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	waitForStatus(t, env.reg, run.ID, registry.StatusCompleted)
}

func TestPoolEnqueueNeverBlocks(t *testing.T) {
	env := newTestEnv(t, Options{})
	pool := NewPool(env.eng, env.reg, 1, "t", nil)
	// No workers started: the buffered channel plus the goroutine fallback
	// must still let the producer return promptly.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			pool.Enqueue(fmt.Sprintf("run-%d", i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked the producer")
	}
}

func TestPoolStopReleasesOverflowEnqueues(t *testing.T) {
	env := newTestEnv(t, Options{})
	pool := NewPool(env.eng, env.reg, 1, "t", nil)

	before := runtime.NumGoroutine()

	// No workers running: fill the buffer, then push past capacity so the
	// overflow sends land on goroutines.
	for i := 0; i < cap(pool.queue)+50; i++ {
		pool.Enqueue(fmt.Sprintf("run-%d", i))
	}
	pool.Stop()

	// The overflow senders must give up when the pool stops instead of
	// sitting on the channel forever.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%d goroutines still alive after Stop, started with %d", runtime.NumGoroutine(), before)
}

func TestPoolStopTwiceIsSafe(t *testing.T) {
	env := newTestEnv(t, Options{})
	pool := NewPool(env.eng, env.reg, 1, "t", nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pool.Stop()
	pool.Stop()
}
