package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agridata/mandisync/internal/config"
	"github.com/agridata/mandisync/internal/ingest"
	"github.com/agridata/mandisync/internal/monitoring"
	"github.com/agridata/mandisync/internal/server"
	"github.com/agridata/mandisync/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and HTTP API",
	Long: `Run the long-lived service: the cron scheduler fires daily ingestion,
the HTTP API serves health, metrics, manual triggers and the run ledger,
and the background checker alerts on failures and stale data.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "serve")
		}
		defer st.Close()

		runner := newAPIRunner(st)
		scheduler := ingest.NewScheduler(runner, cfg.Schedule, zap.L())
		if err := scheduler.Start(ctx); err != nil {
			return eris.Wrap(err, "serve")
		}
		defer scheduler.Stop()

		startChecker(ctx, st, cfg.Alert)

		srv := server.New(*cfg, st, scheduler, zap.L())
		return srv.Start(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// startChecker runs the periodic alert checker until ctx is cancelled.
func startChecker(ctx context.Context, st store.Store, alertCfg config.AlertConfig) {
	checker := monitoring.NewChecker(
		monitoring.NewCollector(st),
		monitoring.NewAlerter(alertCfg),
		alertCfg,
	)
	go checker.Run(ctx)
}
