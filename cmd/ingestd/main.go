// ingestd runs the resumable large-file ingestion service.
package main

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"lfingest/pkg/config"
	"lfingest/pkg/log"

	"github.com/spf13/cobra"
)

//go:embed VERSION
var Version string

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ingestd",
		Short:         "Resumable large-file ingestion service",
		Version:       strings.TrimSpace(Version),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newSweepCmd(), newLedgerCmd(), newOffloadCmd())
	return rootCmd
}

// loadConfig reads the config file, or the defaults when none is given, and
// configures the logger.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := log.Configure(cfg.Log.Level, cfg.Log.Format, nil); err != nil {
		return nil, fmt.Errorf("configure logger: %w", err)
	}
	return cfg, nil
}
