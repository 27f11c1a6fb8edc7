package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "patchpilot",
	Short: "patchpilot is a fix-and-verify pipeline for small code defects",
	Long: `patchpilot takes a defect ticket, reproduces it against an isolated copy of
the workspace, proposes a minimal patch, and verifies the fix by re-running
the project's own checks. A human approves or rejects every patch before it
is applied.

All state is stored in ~/.patchpilot/ (SQLite for runs, files for artifacts),
so suspended runs survive restarts.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to patchpilot.yaml (default: search standard locations)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(configCmd)
}
