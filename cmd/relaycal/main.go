package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agentworkforce/relaycal/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "relaycal",
	Short: "Offline-first calendar sync engine",
	Long: `relaycal keeps a local event store in sync with a remote calendar.

Local edits are recorded as actions and pushed to the provider in the
background by a single owner process ("relaycal serve"). Other commands talk
to the running owner over its control API or read the shared sync watermark.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", envOrDefault("RELAYCAL_CONFIG", config.DefaultPath()), "config file path")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (overrides config)")
}

// loadConfig reads the config file, then RELAYCAL_* variables, then flags.
func loadConfig(cmd *cobra.Command, logger config.Logger) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg.ApplyEnv(logger)
	if dataDir, _ := cmd.Flags().GetString("data-dir"); strings.TrimSpace(dataDir) != "" && dataDir != cfg.DataDir {
		cfg.DataDir = dataDir
		cfg.StateDSN = ""
		cfg.WatermarkPath = ""
		cfg.Normalize()
	}
	return cfg, nil
}

// newLogger writes to stderr and, when logFile is set, to a rotated file.
func newLogger(prefix, logFile string) (*log.Logger, io.Closer) {
	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if strings.TrimSpace(logFile) != "" {
		rotating := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, rotating)
		closer = rotating
	}
	return log.New(out, prefix, log.LstdFlags), closer
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
