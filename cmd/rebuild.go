package cmd

import (
	"github.com/spf13/cobra"
)

func newRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Reconstruct the catalog by rescanning all RAW manifests.",
		Long: `rebuild drops the derived index rows and repopulates them from the
manifests on disk. The catalog is a secondary structure; after index
loss or corruption this reproduces the same entry set the incremental
writes would have, and reports corrupt or orphaned records it found.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStorage()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			report, err := st.Rebuild(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Audit blob integrity and manifest references across the RAW zone.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStorage()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			report, err := st.Verify(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}
