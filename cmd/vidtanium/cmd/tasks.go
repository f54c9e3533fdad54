package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/astroair/vidtanium/internal/repository"
	"github.com/astroair/vidtanium/internal/storage"
)

var tasksLimit int

// tasksCmd lists past downloads from the history database.
var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List past downloads",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true

		db, err := storage.Open(cfg.Storage.HistoryPath(), nil)
		if err != nil {
			return err
		}
		defer db.Close()

		records, err := repository.NewTaskHistoryRepository(db).List(context.Background(), tasksLimit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("no past downloads")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSIZE\tFINISHED\tERROR")
		for _, r := range records {
			finished := "-"
			if r.FinishedAt != nil {
				finished = r.FinishedAt.Format(time.RFC3339)
			}
			errCol := "-"
			if r.ErrorKind != "" {
				errCol = r.ErrorKind
				if r.FailedIndex >= 0 {
					errCol = fmt.Sprintf("%s (segment %d)", r.ErrorKind, r.FailedIndex)
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID[:8], r.Name, r.Status, formatBytes(r.DownloadedBytes), finished, errCol)
		}
		return w.Flush()
	},
}

func init() {
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 50, "maximum records to show (0 = all)")
	rootCmd.AddCommand(tasksCmd)
}

// formatBytes renders a byte count in a human-friendly unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
