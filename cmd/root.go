package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agridata/mandisync/internal/config"
	"github.com/agridata/mandisync/internal/fetcher"
	"github.com/agridata/mandisync/internal/ingest"
	"github.com/agridata/mandisync/internal/source"
	"github.com/agridata/mandisync/internal/store"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "mandisync",
	Short: "Scheduled mandi price ingestion pipeline",
	Long:  "Pulls daily commodity prices from the Agmarknet reporting API, normalizes them, and upserts them into the price store with a full run ledger.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore connects to the configured backend with the schema in place.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	if err := st.EnsureIndexes(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// newAPISource builds the paginated client for the live reporting API.
func newAPISource() source.PageSource {
	f := fetcher.New(fetcher.Options{
		UserAgent:  cfg.Source.UserAgent,
		Timeout:    cfg.Source.PageTimeout(),
		MaxRetries: cfg.Source.MaxRetries,
		RatePerSec: cfg.Source.RatePerSec,
	})
	return source.NewClient(cfg.Source, f)
}

// newAPIRunner builds the pipeline against the live reporting API.
func newAPIRunner(st store.Store) *ingest.Runner {
	return ingest.NewRunner(newAPISource(), st, *cfg, zap.L())
}
