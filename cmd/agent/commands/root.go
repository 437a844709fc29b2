// Package commands implements the agent CLI.
package commands

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pennsieve/agent/internal/logger"
	"github.com/pennsieve/agent/pkg/config"
	"github.com/pennsieve/agent/pkg/store"
	"github.com/pennsieve/agent/pkg/upload"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// exitCodeError carries a process exit code through cobra's error path.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

var rootCmd = &cobra.Command{
	Use:   "pennsieve-agent",
	Short: "Pennsieve agent - local bridge to the Pennsieve platform",
	Long: `The Pennsieve agent runs on your machine and bridges local tools to
the Pennsieve platform: it caches timeseries pages on disk, uploads
files durably with resume across restarts, proxies API requests over
localhost, and reports progress over a local status WebSocket.

Use "pennsieve-agent [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Init(logger.Config{
			Level:  viper.GetString("log_level"),
			Format: viper.GetString("log_format"),
		})
	},
}

// Execute runs the CLI and returns the process exit code. A cancelled
// upload exits 0; a SystemShutdown's code is passed through.
func Execute() (int, error) {
	err := rootCmd.Execute()
	if err == nil {
		return 0, nil
	}

	var coded *exitCodeError
	if errors.As(err, &coded) {
		return coded.code, coded.err
	}
	if errors.Is(err, upload.ErrUserCancelled) {
		return 0, nil
	}
	return 1, err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: $HOME/.pennsieve/config.ini)")
	rootCmd.PersistentFlags().String("log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	// PENNSIEVE_LOG_LEVEL and PENNSIEVE_LOG_FORMAT override the flags.
	viper.SetEnvPrefix("PENNSIEVE")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(newUploadCommand())
	rootCmd.AddCommand(uploadStatusCmd)
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newConfigCommand())

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig loads the agent config from the --config flag or the
// default location.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// openStore opens the agent database, creating the base directory on
// first run.
func openStore(cfg *config.Config) (*store.Store, error) {
	path := cfg.DBPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return store.Open(path)
}
