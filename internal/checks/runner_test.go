package checks

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	r := &ExecRunner{}
	res, err := r.Run(context.Background(), t.TempDir(), "echo out; echo err >&2; exit 3", 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.TimedOut {
		t.Error("TimedOut set for a command that finished")
	}
}

func TestRunZeroExit(t *testing.T) {
	r := &ExecRunner{}
	res, err := r.Run(context.Background(), t.TempDir(), "true", 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
}

func TestRunTimeoutKillsWithinMargin(t *testing.T) {
	r := &ExecRunner{}
	start := time.Now()
	res, err := r.Run(context.Background(), t.TempDir(), "sleep 10", 300*time.Millisecond)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut {
		t.Error("TimedOut not set")
	}
	if res.ExitCode != ExitTimeout {
		t.Errorf("exit code = %d, want %d", res.ExitCode, ExitTimeout)
	}
	if elapsed > 3*time.Second {
		t.Errorf("kill took %s, expected well under the sleep duration", elapsed)
	}
}

func TestRunTimeoutKillsChildren(t *testing.T) {
	r := &ExecRunner{}
	// The background sleep inherits the process group; the kill must reach it
	// or Wait would block on the shared stdout pipe.
	start := time.Now()
	res, err := r.Run(context.Background(), t.TempDir(), "sleep 10 & wait", 300*time.Millisecond)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut {
		t.Error("TimedOut not set")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("child process survived the group kill")
	}
}

func TestRunMissingCommand(t *testing.T) {
	r := &ExecRunner{}
	res, err := r.Run(context.Background(), t.TempDir(), "definitely-not-a-real-tool --version", 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != ExitNotFound {
		t.Errorf("exit code = %d, want %d", res.ExitCode, ExitNotFound)
	}
	if !res.Infra() {
		t.Error("Infra() false for a missing command")
	}
}

func TestInfraFalseForOrdinaryFailure(t *testing.T) {
	res := &Result{ExitCode: 1, Stderr: "1 test failed"}
	if res.Infra() {
		t.Error("Infra() true for an ordinary check failure")
	}
}

func TestRunContextCancel(t *testing.T) {
	r := &ExecRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	if _, err := r.Run(ctx, t.TempDir(), "sleep 10", 30*time.Second); err == nil {
		t.Error("expected context error")
	}
}
