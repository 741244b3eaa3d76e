package main

import (
	"github.com/spf13/cobra"

	"ocrdrop/internal/config"
	"ocrdrop/internal/logging"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "ocrdrop",
	Short: "Drop images, stream their text back as markdown",
	Long: `ocrdrop extracts the text of images with a hosted generative model.

Images are processed one at a time per session and every streamed
increment is shown as it arrives. Run "ocrdrop serve" for the web page
or "ocrdrop extract" to process files from the command line.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: $OCRDROP_CONFIG or ./config.{json,yaml})",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "", "log level override: debug, info, warn, error",
	)

	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads configuration and applies the log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logging.SetLevel(cfg.Log.Level)
	return cfg, nil
}
