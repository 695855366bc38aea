// Package main — cmd/umcc/main.go
//
// umcc is the Perpetual Enforcement & Recursive Improvement Engine's
// single executable: it supervises a declared fleet of long-lived
// processes, runs a fixed family of periodic jobs, evaluates host and
// scan metrics against a recursively tightened ThresholdSet, and accepts
// both a Unix-socket control protocol and free-form NL commands.
//
// Subcommands: up, down, status, run-once, ask, tail-audit.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/config"
)

var (
	flagConfigPath string
	flagStateDir   string
	flagLogLevel   string
)

func main() {
	root := &cobra.Command{
		Use:           "umcc",
		Short:         "Perpetual Enforcement & Recursive Improvement Engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagConfigPath, "config", envOr("OMNI_CONFIG", "/etc/umcc/config.yaml"), "path to config.yaml")
	root.PersistentFlags().StringVar(&flagStateDir, "state-dir", envOr("OMNI_STATE_DIR", ""), "override state_dir.path from config")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", envOr("OMNI_LOG_LEVEL", ""), "override observability.log_level from config")

	root.AddCommand(
		newVersionCmd(),
		newUpCmd(),
		newDownCmd(),
		newStatusCmd(),
		newRunOnceCmd(),
		newAskCmd(),
		newTailAuditCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "umcc: %v\n", err)
		os.Exit(1)
	}
}

// envOr returns os.Getenv(key) if set and non-empty, else def. Per the
// external-interfaces contract, OMNI_STATE_DIR / OMNI_CONFIG /
// OMNI_LOG_LEVEL are the only environment variables umcc recognizes
// directly; config.Load itself reads UMCC_OBSERVABILITY_METRICS_ADDR and
// UMCC_OBSERVABILITY_LOG_LEVEL.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// loadConfig reads and validates config from flagConfigPath, applying the
// --state-dir / --log-level overrides on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, err
	}
	if flagStateDir != "" {
		cfg.StateDir.Path = flagStateDir
	}
	if flagLogLevel != "" {
		cfg.Observability.LogLevel = flagLogLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildLogger also returns the logger's AtomicLevel so a config hot-reload
// can adjust verbosity without rebuilding (and thereby orphaning) the logger.
func buildLogger(level, format string) (*zap.Logger, zap.AtomicLevel, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	log, err := cfg.Build()
	return log, cfg.Level, err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("umcc %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
			return nil
		},
	}
}
