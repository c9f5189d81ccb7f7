// Package cmd provides the CLI commands for bandrec using Cobra.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Zerofisher/bandrec/catalog"
	"github.com/Zerofisher/bandrec/config"
	"github.com/Zerofisher/bandrec/logging"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// CatalogFile is the session index database inside the data directory.
const CatalogFile = "sessions.db"

// global flags
var (
	flagDataDir string
	flagDebug   bool
)

var rootCmd = &cobra.Command{
	Use:   "bandrec",
	Short: "FRENZ brainband recording toolkit",
	Long: `Bandrec records biosignal and cognitive-score streams from a FRENZ
brainband into durable session containers:

  - Connect, health-monitor and auto-reconnect to a band
  - Record raw EEG/IMU/PPG plus model scores with crash-safe buffering
  - Annotate sessions with timestamped events while recording
  - Browse, inspect and export past sessions

Examples:
  bandrec record --simulate                  # Record from the built-in simulator
  bandrec record --simulate -d 30s           # Record for 30 seconds, then stop
  bandrec scan --simulate                    # Discover nearby bands
  bandrec sessions list                      # List recorded sessions
  bandrec sessions show 20260824_143000      # Inspect one session
  bandrec events list 20260824_143000 --filter 'category == "stimulus"'`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "",
		"Data directory (default from DATA_DIR or ./data)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false,
		"Enable debug logging")

	// Define command groups for organized help output
	rootCmd.AddGroup(
		&cobra.Group{ID: "recording", Title: "Recording Commands:"},
		&cobra.Group{ID: "sessions", Title: "Session Commands:"},
		&cobra.Group{ID: "info", Title: "Information Commands:"},
	)

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(eventsCmd)
}

// loadConfig loads the environment configuration and applies CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagDebug {
		cfg.Debug = true
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *zap.Logger {
	return logging.New(cfg.LogFile, cfg.Debug)
}

func openCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	cat, err := catalog.Open(filepath.Join(cfg.DataDir, CatalogFile))
	if err != nil {
		return nil, fmt.Errorf("open session catalog: %w", err)
	}
	return cat, nil
}
