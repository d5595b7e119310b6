package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/oshokin/lob-publisher/internal/version"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "lob-publisher",
	Short: "Publish packaged Win32 apps to the device management service.",
	Long: `Publishes content archives (.intunewin) as Win32 line-of-business apps.

The publish command creates the app record (or reuses an existing one), uploads
the encrypted payload in blocks, commits it with the archive's encryption info
and deletes the app again if it created it and a later step fails.`,
	SilenceUsage: true,
}

// Execute runs the lob-publisher CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
