package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/patchpilot/patchpilot/internal/engine"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker pool without the API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := newStack()
		if err != nil {
			return err
		}
		defer cleanup()

		name, _ := cmd.Flags().GetString("name")
		pool := engine.NewPool(s.eng, s.reg, s.cfg.Workers, name, s.log)
		s.eng.SetQueue(pool)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := pool.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		pool.Stop()
		return nil
	},
}

func init() {
	workerCmd.Flags().String("name", "worker", "Worker id prefix recorded in run claims")
}
