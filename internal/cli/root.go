// Package cli is the command tree of the copy-trading bot.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"copy-trading-bot/config"
	"copy-trading-bot/internal/logging"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// rootConfig holds the persistent flags.
type rootConfig struct {
	ConfigPath string
	LogLevel   string

	cfg    *config.Config
	logger zerolog.Logger
	closer io.Closer
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	rc := &rootConfig{}

	cmd := &cobra.Command{
		Use:           "copy-trading-bot",
		Short:         "Copy-trading engine: replicates master trades into follower accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&rc.ConfigPath, "config", os.Getenv("CONFIG_FILE"), "Path to a JSON or YAML config file")
	cmd.PersistentFlags().StringVar(&rc.LogLevel, "log-level", "", "Override the configured log level: debug|info|warn|error")

	cmd.AddCommand(
		newServeCmd(rc),
		newMigrateCmd(rc),
		newCycleCmd(rc),
		newHashPasswordCmd(),
	)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "copy-trading-bot %s\n", Version)
		},
	})

	return cmd
}

// load reads the configuration and sets up logging.
func (rc *rootConfig) load(component string) error {
	cfg, err := config.Load(rc.ConfigPath)
	if err != nil {
		return err
	}
	if rc.LogLevel != "" {
		cfg.LoggingConfig.Level = rc.LogLevel
	}
	cfg.LoggingConfig.Component = component

	logger, closer, err := logging.New(cfg.LoggingConfig)
	if err != nil {
		return err
	}
	rc.cfg = cfg
	rc.logger = logger
	rc.closer = closer
	return nil
}

func (rc *rootConfig) close() {
	if rc.closer != nil {
		rc.closer.Close()
	}
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
