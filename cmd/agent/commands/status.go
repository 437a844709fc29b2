package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var uploadStatusCmd = &cobra.Command{
	Use:   "upload-status",
	Short: "Show queued and in-progress uploads",
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

		uploads, err := st.GetActiveUploads()
		if err != nil {
			return err
		}
		if len(uploads) == 0 {
			fmt.Println("no active uploads")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tIMPORT\tFILE\tSTATUS\tPROGRESS")
		for _, u := range uploads {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d%%\n",
				u.ID, u.ImportID, u.FilePath, u.Status, u.Progress)
		}
		return w.Flush()
	},
}
