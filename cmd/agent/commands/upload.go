package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pennsieve/agent/internal/logger"
	"github.com/pennsieve/agent/pkg/agent"
	"github.com/pennsieve/agent/pkg/upload"
)

func newUploadCommand() *cobra.Command {
	var (
		dataset   string
		folder    string
		recursive bool
		appendTo  bool
	)

	cmd := &cobra.Command{
		Use:   "upload <paths...>",
		Short: "Upload files to a dataset",
		Long: `Queue local files for upload and run the uploader until every file
settles. Directories require --recursive. Interrupting the command
leaves the queue in place; partially uploaded files resume on the next
run.

Examples:
  # Upload two files
  pennsieve-agent upload --dataset N:dataset:1234 data1.edf data2.edf

  # Upload a directory tree into a package
  pennsieve-agent upload --dataset N:dataset:1234 --folder N:package:5678 --recursive ./session1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := upload.QueueRequest{
				Dataset:   dataset,
				Files:     args,
				Recursive: recursive,
				Append:    appendTo,
			}
			if folder != "" {
				req.Package = &folder
			}
			return runUpload(cmd.Context(), req)
		},
	}

	cmd.Flags().StringVar(&dataset, "dataset", "", "destination dataset id (required)")
	cmd.Flags().StringVar(&folder, "folder", "", "destination package id")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "walk directories recursively")
	cmd.Flags().BoolVar(&appendTo, "append", false, "append to an existing timeseries package")
	_ = cmd.MarkFlagRequired("dataset")

	cmd.AddCommand(newUploadCancelCommand())
	return cmd
}

// runUpload queues the request and runs a trimmed-down agent, uploader
// and watcher only, until the watcher reports every upload settled.
func runUpload(ctx context.Context, req upload.QueueRequest) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// One-shot mode: no proxies, just the uploader and its watcher.
	cfg.Agent.Proxy = false
	cfg.Agent.Timeseries = false
	cfg.Agent.Uploader = true

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	sup, err := agent.New(cfg, st, agent.Options{
		Version:  Version,
		StopMode: upload.StopOnFinish,
	})
	if err != nil {
		return err
	}

	importIDs, err := sup.Uploader().QueueUpload(req)
	if err != nil {
		return err
	}
	for _, id := range importIDs {
		logger.Info("upload queued", logger.KeyImportID, id)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logger.Info("interrupted; uploads stay queued and resume next run")
			cancel()
		case <-runCtx.Done():
		}
	}()

	if err := sup.Run(runCtx); err != nil {
		return err
	}
	if code := sup.ExitCode(); code != 0 {
		return &exitCodeError{code: code, err: fmt.Errorf("some uploads failed")}
	}
	return nil
}

func newUploadCancelCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel queued or in-progress uploads",
		Long: `Cancel uploads by row id, or every active upload with --all.
Cancelled rows are removed from the queue; chunks already uploaded are
abandoned.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("give an upload id or --all")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if all {
				n, err := st.CancelAllUploads()
				if err != nil {
					return err
				}
				fmt.Printf("cancelled %d uploads\n", n)
				return nil
			}

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid upload id %q", args[0])
			}
			if err := st.CancelUpload(id); err != nil {
				return err
			}
			fmt.Printf("cancelled upload %d\n", id)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "cancel every active upload")
	return cmd
}
