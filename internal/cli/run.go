package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/patchpilot/patchpilot/internal/registry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage fix-and-verify runs",
}

// drainLocal advances every queued run in-process until it suspends or
// finishes. Commands use this for one-shot operation without a daemon.
func drainLocal(s *stack) error {
	return s.queue.Drain(context.Background(), s.eng, "cli")
}

var runCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new run for a defect ticket",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := newStack()
		if err != nil {
			return err
		}
		defer cleanup()

		title, _ := cmd.Flags().GetString("title")
		ticket, _ := cmd.Flags().GetString("ticket")
		ws, _ := cmd.Flags().GetString("workspace")
		patcher, _ := cmd.Flags().GetString("patcher")
		start, _ := cmd.Flags().GetBool("start")

		run, err := s.eng.Create(title, ticket, ws, patcher)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created run %s\n", run.ID)

		if start {
			if err := s.eng.Start(run.ID); err != nil {
				return err
			}
			if err := drainLocal(s); err != nil {
				return err
			}
			return printRunStatus(cmd, s, run.ID)
		}
		return nil
	},
}

var runStartCmd = &cobra.Command{
	Use:   "start <run-id>",
	Short: "Queue a run and execute it until it suspends or finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := newStack()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := s.eng.Start(args[0]); err != nil {
			return err
		}
		if err := drainLocal(s); err != nil {
			return err
		}
		return printRunStatus(cmd, s, args[0])
	},
}

func decideCmd(use, short, decision string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cleanup, err := newStack()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := s.eng.Decide(args[0], decision); err != nil {
				return err
			}
			if err := drainLocal(s); err != nil {
				return err
			}
			return printRunStatus(cmd, s, args[0])
		},
	}
}

var runRegenerateCmd = &cobra.Command{
	Use:   "regenerate <run-id>",
	Short: "Discard the failed proposal and generate a fresh one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := newStack()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := s.eng.Regenerate(args[0]); err != nil {
			return err
		}
		if err := drainLocal(s); err != nil {
			return err
		}
		return printRunStatus(cmd, s, args[0])
	},
}

var runRetryCmd = &cobra.Command{
	Use:   "retry <run-id>",
	Short: "Restart a finished run from scratch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := newStack()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := s.eng.Retry(args[0]); err != nil {
			return err
		}
		if err := drainLocal(s); err != nil {
			return err
		}
		return printRunStatus(cmd, s, args[0])
	},
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a pending or suspended run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := newStack()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := s.eng.Cancel(args[0]); err != nil {
			return err
		}
		return printRunStatus(cmd, s, args[0])
	},
}

var runDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a finished run and all its artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := newStack()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := s.eng.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
		return nil
	},
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := newStack()
		if err != nil {
			return err
		}
		defer cleanup()

		statusFilter, _ := cmd.Flags().GetString("status")
		runs, err := s.reg.ListRuns(statusFilter)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tWORKSPACE\tREGEN\tTITLE")
		for _, r := range runs {
			title := r.Title
			if len(title) > 40 {
				title = title[:37] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.Status, r.Workspace, r.RegenCount, title)
		}
		return w.Flush()
	},
}

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show detailed run status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := newStack()
		if err != nil {
			return err
		}
		defer cleanup()
		return printRunStatus(cmd, s, args[0])
	},
}

func printRunStatus(cmd *cobra.Command, s *stack, runID string) error {
	run, err := s.reg.GetRun(runID)
	if err != nil {
		return err
	}
	steps, err := s.reg.ListSteps(runID)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Run %s: %s\n", run.ID, run.Title)
	fmt.Fprintf(w, "  Status:    %s\n", run.Status)
	fmt.Fprintf(w, "  Workspace: %s\n", run.Workspace)
	fmt.Fprintf(w, "  Patcher:   %s\n", run.Patcher)
	if run.Decision != registry.DecisionNone {
		fmt.Fprintf(w, "  Decision:  %s\n", run.Decision)
	}
	if run.RegenCount > 0 {
		fmt.Fprintf(w, "  Regens:    %d\n", run.RegenCount)
	}
	fmt.Fprintf(w, "  Created:   %s\n", run.CreatedAt)
	fmt.Fprintf(w, "  Updated:   %s\n", run.UpdatedAt)

	fmt.Fprintln(w, "  Steps:")
	for _, st := range steps {
		line := fmt.Sprintf("    %2d. %-20s %s", st.Ordinal, st.Name, st.Status)
		if st.Summary != "" {
			line += "  " + st.Summary
		}
		if st.Error != "" {
			line += "  " + st.Error
		}
		fmt.Fprintln(w, line)
	}

	if run.Status == registry.StatusWaitingApproval {
		fmt.Fprintf(w, "\nProposal awaiting review. Approve or reject with:\n")
		fmt.Fprintf(w, "  patchpilot run approve %s\n", run.ID)
		fmt.Fprintf(w, "  patchpilot run reject %s\n", run.ID)
	}
	return nil
}

var runDiffCmd = &cobra.Command{
	Use:   "diff <run-id>",
	Short: "Print the current proposed patch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := newStack()
		if err != nil {
			return err
		}
		defer cleanup()

		art, err := s.reg.LatestArtifact(args[0], "proposal_diff")
		if err != nil {
			return err
		}
		if art == nil {
			return fmt.Errorf("run %s has no proposal yet", args[0])
		}
		data, err := s.blobs.Read(art.Path)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), strings.TrimRight(string(data), "\n")+"\n")
		return nil
	},
}

var runReportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Print the final run report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := newStack()
		if err != nil {
			return err
		}
		defer cleanup()

		art, err := s.reg.LatestArtifact(args[0], "report")
		if err != nil {
			return err
		}
		if art == nil {
			return fmt.Errorf("run %s has no report yet", args[0])
		}
		data, err := s.blobs.Read(art.Path)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	runCreateCmd.Flags().String("title", "", "Short run title")
	runCreateCmd.Flags().String("ticket", "", "Defect ticket text")
	runCreateCmd.Flags().String("workspace", "", "Workspace template name or path")
	runCreateCmd.Flags().String("patcher", "", "Patch strategy: rules or model (default rules)")
	runCreateCmd.Flags().Bool("start", false, "Start the run immediately")
	runListCmd.Flags().String("status", "", "Filter by status (created, queued, running, waiting_approval, completed, failed, canceled)")

	runCmd.AddCommand(runCreateCmd)
	runCmd.AddCommand(runStartCmd)
	runCmd.AddCommand(decideCmd("approve", "Approve the proposed patch and resume the run", registry.DecisionApproved))
	runCmd.AddCommand(decideCmd("reject", "Reject the proposed patch and close the run", registry.DecisionRejected))
	runCmd.AddCommand(runRegenerateCmd)
	runCmd.AddCommand(runRetryCmd)
	runCmd.AddCommand(runCancelCmd)
	runCmd.AddCommand(runDeleteCmd)
	runCmd.AddCommand(runListCmd)
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runDiffCmd)
	runCmd.AddCommand(runReportCmd)
}
