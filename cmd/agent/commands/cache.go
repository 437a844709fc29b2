package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the timeseries page cache",
	}
	cmd.AddCommand(cacheClearCmd)
	return cmd
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached page",
	Long: `Delete all page rows from the database, then remove the page files
from disk. Rows go first so a crash midway leaves orphaned files, never
dangling rows; orphaned files are unreachable and simply waste disk
until the directory is recreated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		if err := st.ClearPages(); err != nil {
			return err
		}
		if err := os.RemoveAll(cfg.CachePath()); err != nil {
			return err
		}
		fmt.Println("cache cleared")
		return nil
	},
}
