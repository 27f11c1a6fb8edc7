package checks

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// ExitTimeout is the synthetic exit code recorded when a check is killed at
// its deadline, matching the coreutils timeout convention.
const ExitTimeout = 124

// ExitNotFound is what sh reports for an unresolvable command. Together
// with a "command not found" message it marks a broken profile rather than
// a failing check.
const ExitNotFound = 127

// Result holds the outcome of one check command. A non-zero exit code is a
// normal result, not an error.
type Result struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int    `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
}

// Infra reports whether the result points at broken run infrastructure
// (missing tool) rather than at the code under check.
func (r *Result) Infra() bool {
	if r.ExitCode != ExitNotFound {
		return false
	}
	return strings.Contains(r.Stderr, "command not found") ||
		strings.Contains(r.Stderr, "not found")
}

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string, timeout time.Duration) (*Result, error)
}

// ExecRunner implements CommandRunner by shelling out. Commands run in
// their own process group so a timeout kills the whole tree, not just sh.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir, command string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	pgid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	result := func(exitCode int, timedOut bool) *Result {
		return &Result{
			Command:    command,
			ExitCode:   exitCode,
			Stdout:     stdoutBuf.String(),
			Stderr:     stderrBuf.String(),
			DurationMs: int(time.Since(start).Milliseconds()),
			TimedOut:   timedOut,
		}
	}

	select {
	case err := <-done:
		exitCode := 0
		if err != nil {
			exitErr, ok := err.(*exec.ExitError)
			if !ok {
				return nil, fmt.Errorf("run %q: %w", command, err)
			}
			exitCode = exitErr.ExitCode()
		}
		return result(exitCode, false), nil
	case <-timer.C:
		syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
		return result(ExitTimeout, true), nil
	case <-ctx.Done():
		syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
		return nil, ctx.Err()
	}
}
