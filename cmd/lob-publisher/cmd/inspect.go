package cmd

import (
	"github.com/spf13/cobra"

	"github.com/oshokin/lob-publisher/internal/service/inspector"
)

var (
	// showKeys prints encryption keys instead of redacting them.
	showKeys bool

	// inspectCmd prints archive metadata.
	inspectCmd = &cobra.Command{
		Use:   "inspect <archive>",
		Short: "Print the metadata of a content archive as YAML.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspector.Run(cmd.Context(), &inspector.Options{
				ArchivePath: args[0],
				ShowKeys:    showKeys,
				Output:      cmd.OutOrStdout(),
			})
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	inspectCmd.Flags().BoolVar(&showKeys, "show-keys", false, "print encryption keys")

	rootCmd.AddCommand(inspectCmd)
}
