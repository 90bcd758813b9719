package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/hookwatch/internal/config"
	"github.com/ppiankov/hookwatch/internal/logging"
)

var (
	configPath string
	logLevel   string

	appConfig *config.Config
	logger    = zap.NewNop()
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML (default ~/.hookwatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
}

var rootCmd = &cobra.Command{
	Use:   "hookwatch",
	Short: "Remote call interception for scripted hosts",
	Long:  "Hooks every remote endpoint a host exposes, records each call crossing the boundary, and lets you block, spoof, repeat, or script them.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		l, err := logging.New(cfg.LogLevel)
		if err != nil {
			return err
		}
		appConfig = cfg
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
