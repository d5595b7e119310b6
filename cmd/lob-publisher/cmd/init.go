package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oshokin/lob-publisher/internal/config"
)

var (
	// initPath is where the settings template is written.
	initPath string
	// initForce overwrites an existing file.
	initForce bool

	errSettingsExist = errors.New("settings file already exists, use --force to overwrite")

	// initCmd writes a settings template.
	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Write a settings file with every default filled in.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(initPath); err == nil && !initForce {
				return errSettingsExist
			}

			if err := config.Save(initPath, config.Default()); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Settings written to %s\n", initPath)

			return nil
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	initCmd.Flags().StringVarP(&initPath, "config", "c", config.DefaultConfigFilename, "path to write")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing file")

	rootCmd.AddCommand(initCmd)
}
