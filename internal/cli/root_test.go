package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// resetHelpFlags clears the --help flag on every command so that one
// Execute call's "--help" does not leak into the next: rootCmd is shared
// across tests and cobra never resets parsed flag values itself.
func resetHelpFlags(c *cobra.Command) {
	if f := c.Flags().Lookup("help"); f != nil {
		_ = f.Value.Set("false")
		f.Changed = false
	}
	for _, sub := range c.Commands() {
		resetHelpFlags(sub)
	}
}

func executeCommand(args ...string) (string, error) {
	resetHelpFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{"run", "serve", "worker", "db", "config", "version"}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestRunSubcommands(t *testing.T) {
	subcmds := []string{
		"create", "start", "approve", "reject", "regenerate",
		"retry", "cancel", "delete", "list", "status", "diff", "report",
	}
	for _, sub := range subcmds {
		out, err := executeCommand("run", sub, "--help")
		if err != nil {
			t.Errorf("run %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("run %s --help produced no output", sub)
		}
	}
}

func TestRunStartRequiresRunID(t *testing.T) {
	_, err := executeCommand("run", "start")
	if err == nil {
		t.Error("expected error for missing run id, got nil")
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCommand("nonexistent")
	if err == nil {
		t.Error("expected error for unknown command, got nil")
	}
}
