package cmd

import (
	"github.com/spf13/cobra"

	"github.com/capfirst/capvault/internal/capture"
	"github.com/capfirst/capvault/internal/clock/system"
	"github.com/capfirst/capvault/internal/id/uuid"
	"github.com/capfirst/capvault/internal/migrate"
	"github.com/capfirst/capvault/internal/session"
)

func newMigrateCmd() *cobra.Command {
	var runName string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Ingest legacy capture tables through the normal write path.",
		Long: `migrate scans the legacy tables named in configuration, synthesizes
a best-effort manifest for each row with a recognizable URL column, and
records it through the standard capture session. Migrated records are
tagged with their source provenance; rows without a URL are skipped and
reported, never guessed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStorage()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			clock := system.New()
			sess, err := session.Start(cmd.Context(), runName,
				st.Blobs, st.Manifests, st.Catalog, st.Locks,
				clock, uuid.New(),
				session.Config{Tool: capture.ToolInfo{
					Name:    cfg.Capture.ToolName,
					Version: cfg.Capture.ToolVersion,
				}},
				logger)
			if err != nil {
				return err
			}

			adapter, err := migrate.NewAdapter(cmd.Context(), migrate.Config{
				DSN:          cfg.Migration.DSN,
				Tables:       cfg.Migration.Tables,
				SourceSystem: cfg.Migration.SourceSystem,
			}, clock, logger)
			if err != nil {
				return err
			}
			defer adapter.Close()

			report, err := adapter.Migrate(cmd.Context(), sess)
			if err != nil {
				return err
			}
			if _, err := sess.Finalize(cmd.Context()); err != nil {
				return err
			}
			return printJSON(report)
		},
	}

	cmd.Flags().StringVar(&runName, "run", "migration", "run name for migrated captures")
	return cmd
}
