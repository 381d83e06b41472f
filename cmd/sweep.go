package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/capfirst/capvault/internal/capture"
	"github.com/capfirst/capvault/internal/clock/system"
	"github.com/capfirst/capvault/internal/retention"
)

func newSweepCmd() *cobra.Command {
	var (
		zone   string
		maxAge time.Duration
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire old captures (raw) or purge regenerable artifacts (derived).",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var z capture.Zone
			switch zone {
			case "raw":
				z = capture.ZoneRaw
				if maxAge == 0 {
					maxAge = cfg.RawMaxAge()
				}
			case "derived":
				z = capture.ZoneDerived
				if maxAge == 0 {
					maxAge = cfg.DerivedMaxAge()
				}
			default:
				return fmt.Errorf("unknown zone %q (raw, derived)", zone)
			}

			st, err := openStorage()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			mgr, err := retention.NewManager(
				retention.Config{DerivedDir: st.DerivedDir()},
				st.Blobs, st.Manifests, st.Catalog, st.Locks, system.New(), logger)
			if err != nil {
				return err
			}

			report, err := mgr.Sweep(cmd.Context(), z, capture.RetentionPolicy{
				MaxAge: maxAge,
				DryRun: dryRun,
			})
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}

	cmd.Flags().StringVar(&zone, "zone", "", "zone to sweep: raw or derived")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "retention window (default from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deleting")
	_ = cmd.MarkFlagRequired("zone")
	return cmd
}
