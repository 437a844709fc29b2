package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pennsieve/agent/internal/logger"
	"github.com/pennsieve/agent/pkg/agent"
	"github.com/pennsieve/agent/pkg/upload"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent in the foreground",
	Long: `Start the agent workers: the cache collector, the upload engine and
watcher, the HTTP proxy, the timeseries proxy, and the status hub.
The agent runs until interrupted or until a connected client requests
shutdown.

Examples:
  # Start with the default config
  pennsieve-agent start

  # Start with a custom config file
  pennsieve-agent start --config /path/to/config.ini`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	sup, err := agent.New(cfg, st, agent.Options{
		Version:  Version,
		StopMode: upload.StopNever,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := sup.Run(ctx); err != nil {
		return err
	}
	if code := sup.ExitCode(); code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}
