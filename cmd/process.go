package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/capfirst/capvault/internal/clock/system"
	"github.com/capfirst/capvault/internal/derive"
	"github.com/capfirst/capvault/internal/derive/processors"
)

// defaultRegistry wires the built-in processors in fallback order.
func defaultRegistry() *derive.Registry {
	return derive.NewRegistry(
		processors.NewTextExtractor(),
		processors.NewLinkExtractor(),
		processors.NewMarkdownExporter(),
	)
}

func newProcessCmd() *cobra.Command {
	var (
		runID     string
		processor string
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Replay a run's RAW content through the derivation processors.",
		Long: `process reads captured bytes back out of the content store, never
the network, and runs every registered processor that accepts each
capture's media type. Rerunning is safe: artifacts are regenerated in
place, and artifacts from older processor versions stay addressable.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStorage()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			registry := defaultRegistry()
			if processor != "" {
				p := registry.Find(processor)
				if p == nil {
					return fmt.Errorf("unknown processor %q", processor)
				}
				registry = derive.NewRegistry(p)
			}

			engine, err := derive.NewEngine(
				derive.Config{BaseDir: st.DerivedDir(), Concurrency: cfg.Derive.Concurrency},
				st.Blobs, st.Manifests, registry, system.New(), logger)
			if err != nil {
				return err
			}

			entries, err := st.Catalog.ListRun(cmd.Context(), runID)
			if err != nil {
				return err
			}
			report, err := engine.ProcessEntries(cmd.Context(), entries)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "run ID to process")
	cmd.Flags().StringVar(&processor, "processor", "", "run only this processor")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}
