package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capfirst/capvault/internal/clock/system"
	"github.com/capfirst/capvault/internal/derive"
	"github.com/capfirst/capvault/internal/derive/processors"
)

func newExportCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export [url]",
		Short: "Emit the most recent capture of a URL as raw bytes or markdown.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStorage()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			entries, err := st.Catalog.FindByURL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no captures recorded for %s", args[0])
			}
			latest := entries[len(entries)-1]

			content, err := st.Blobs.Get(cmd.Context(), latest.ContentSHA)
			if err != nil {
				return err
			}

			switch format {
			case "raw":
				_, err = os.Stdout.Write(content)
				return err
			case "markdown":
				m, err := st.Manifests.Read(cmd.Context(), latest.ManifestPath)
				if err != nil {
					return err
				}
				engine, err := derive.NewEngine(
					derive.Config{BaseDir: st.DerivedDir()},
					st.Blobs, st.Manifests, defaultRegistry(), system.New(), logger)
				if err != nil {
					return err
				}
				artifact, err := engine.Process(cmd.Context(), m, processors.NewMarkdownExporter())
				if err != nil {
					return err
				}
				var payload struct {
					Markdown string `json:"markdown"`
				}
				if err := json.Unmarshal(artifact.Data, &payload); err != nil {
					return fmt.Errorf("decode markdown artifact: %w", err)
				}
				_, err = fmt.Println(payload.Markdown)
				return err
			default:
				return fmt.Errorf("unknown format %q (raw, markdown)", format)
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "raw", "output format: raw or markdown")
	return cmd
}
