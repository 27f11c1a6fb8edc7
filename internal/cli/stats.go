package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/patchpilot/patchpilot/internal/stats"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show run statistics",
	Long: `Aggregate statistics over past runs: where time goes per step, how runs
end, how often proposals need regenerating, and which steps fail most.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return err
		}

		since, _ := cmd.Flags().GetString("since")
		outcomes, err := stats.QueryOutcomes(db, since)
		if err != nil {
			return err
		}
		durations, err := stats.QueryStepDurations(db, since)
		if err != nil {
			return err
		}
		regens, err := stats.QueryRegenDist(db, since)
		if err != nil {
			return err
		}
		failures, err := stats.QueryStepFailures(db, since)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
				"outcomes":       outcomes,
				"step_durations": durations,
				"regenerations":  regens,
				"step_failures":  failures,
			})
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Runs: %d total, %d completed, %d failed, %d canceled, %d in flight\n",
			outcomes.Total, outcomes.Completed, outcomes.Failed, outcomes.Canceled, outcomes.InFlight)
		if outcomes.Approved+outcomes.Rejected > 0 {
			fmt.Fprintf(out, "Decisions: %d approved, %d rejected (%.1f%% approved)\n",
				outcomes.Approved, outcomes.Rejected, outcomes.ApprovedPct)
		}
		if regens.Total > 0 {
			fmt.Fprintf(out, "Regenerations: %.1f%% none, %.1f%% one, %.1f%% two, %.1f%% three+\n",
				regens.Zero, regens.One, regens.Two, regens.ThreePlus)
		}

		if len(durations) > 0 {
			fmt.Fprintln(out, "\nStep durations (seconds):")
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tCOUNT\tAVG\tP50\tP95")
			for _, d := range durations {
				fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", d.Step, d.Count, d.Avg, d.P50, d.P95)
			}
			w.Flush()
		}

		if len(failures) > 0 {
			fmt.Fprintln(out, "\nStep failures:")
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tTOTAL\tFAILED\tRATE")
			for _, f := range failures {
				fmt.Fprintf(w, "%s\t%d\t%d\t%.1f%%\n", f.Step, f.Total, f.Failed, f.FailRate)
			}
			w.Flush()
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().String("format", "text", "Output format: text or json")
	statsCmd.Flags().String("since", "", "Only include runs created at or after this RFC 3339 timestamp")
	rootCmd.AddCommand(statsCmd)
}
