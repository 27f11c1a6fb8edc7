package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/patchpilot/patchpilot/internal/engine"
	"github.com/patchpilot/patchpilot/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and the worker pool",
	Long: `Start the JSON API on the configured listen address together with the
background worker pool. Interrupted runs are recovered on startup: runs a
dead worker had claimed go back to the queue, suspended runs keep waiting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := newStack()
		if err != nil {
			return err
		}
		defer cleanup()

		pool := engine.NewPool(s.eng, s.reg, s.cfg.Workers, "worker", s.log)
		s.eng.SetQueue(pool)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := pool.Start(ctx); err != nil {
			return err
		}
		defer pool.Stop()

		srv := web.NewServer(s.eng, s.reg, s.blobs, s.cfg.Listen, s.log)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		}
	},
}
