package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/lob-publisher/internal/config"
	"github.com/oshokin/lob-publisher/internal/service/publisher"
)

var (
	// publishOptions collects the publish flags.
	publishOptions publisher.Options

	// publishCmd publishes one archive.
	publishCmd = &cobra.Command{
		Use:   "publish <archive>",
		Short: "Publish a content archive as a Win32 app.",
		Long: `Publishes a packed content archive, or a directory it was extracted to.

Without --app-id a new app is created from the descriptor; with it the content
is published as a new version of the existing app, which is never deleted.
Secrets can be supplied through LOB_PUBLISHER_TOKEN or
LOB_PUBLISHER_CLIENT_SECRET instead of the settings file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := publishOptions
			options.ArchivePath = args[0]

			return publisher.Run(ctx, &options)
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	flags := publishCmd.Flags()
	flags.StringVarP(&publishOptions.ConfigPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	flags.StringVarP(&publishOptions.DescriptorPath, "descriptor", "d", "app.yaml", "path to the app descriptor")
	flags.StringVarP(&publishOptions.IconPath, "icon", "i", "", "path to the app icon (png or jpeg)")
	flags.StringVar(&publishOptions.AppID, "app-id", "", "publish into an existing app")
	flags.StringVarP(&publishOptions.ReceiptPath, "receipt", "r", "", "write the outcome to this YAML file")
	flags.BoolVar(&publishOptions.ReuseReceipt, "reuse-receipt", false, "publish into the app recorded in --receipt")
	flags.BoolVar(&publishOptions.Debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(publishCmd)
}
