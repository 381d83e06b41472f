// Package cmd implements the capvault command line interface.
package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capfirst/capvault/internal/config"
	"github.com/capfirst/capvault/internal/logging"
	"github.com/capfirst/capvault/internal/metrics"
	"github.com/capfirst/capvault/internal/storage"
)

var (
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "capvault",
		Short: "Capture-first, process-later storage for web fetches.",
		Long: `capvault durably records the exact bytes and metadata of a network
fetch exactly once, then lets processing run and rerun against that
record without touching the network again. Blobs live in a
content-addressed store, per-capture manifests reference them by hash,
and an embedded catalog indexes everything for lookup.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			logger, err = logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			if cfg.Metrics.Enabled {
				metrics.Init()
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", metrics.Handler())
					if serveErr := http.ListenAndServe(cfg.Metrics.Addr, mux); serveErr != nil {
						logger.Warn("metrics endpoint stopped", zap.Error(serveErr))
					}
				}()
			}
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")

	root.AddCommand(
		newCaptureCmd(),
		newProcessCmd(),
		newExportCmd(),
		newSweepCmd(),
		newMigrateCmd(),
		newRebuildCmd(),
		newVerifyCmd(),
	)
	return root
}

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

// openStorage builds the store stack from the configured root.
func openStorage() (*storage.Storage, error) {
	st, err := storage.Open(cfg.Storage.Root, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage at %s: %w", cfg.Storage.Root, err)
	}
	return st, nil
}

// printJSON renders a report to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
