package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-state/evolution/internal/config"
	"github.com/danielpatrickdp/adaptive-state/evolution/internal/logging"
)

// #region globals
var (
	configPath string
	logLevel   string
	jsonOut    bool

	cfg    config.Config
	logger *zap.Logger
)

// #endregion globals

// #region root
var rootCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Replay and inspect adaptive state evolution sessions",
	Long: `evolve drives the state evolution coordinator outside an application:
replay runs a scripted fixture through a fresh coordinator, inspect reads the
SQLite archive a coordinator wrote, and formatter serves the remote code
formatter over gRPC.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config (EVOLVE_* env vars override it)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON instead of text")

	rootCmd.AddCommand(replayCmd, inspectCmd, formatterCmd)
}

// #endregion root

// #region main
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// #endregion main
