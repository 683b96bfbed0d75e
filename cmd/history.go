package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/brogergvhs/noveld/internal/config"
	"github.com/brogergvhs/noveld/internal/history"

	"github.com/spf13/cobra"
)

var (
	flagHistorySite  string
	flagHistoryBook  string
	flagHistoryLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past crawls, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := config.LoadMerged(config.Options{
			IgnoreConfig: flagIgnoreConfig,
			Debug:        flagDebug,
		})
		if err != nil {
			return err
		}

		store, err := history.Open(cfg.HistoryDir)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		recs, err := store.List(cmd.Context(), history.Filter{
			Site:   flagHistorySite,
			BookID: flagHistoryBook,
			Limit:  flagHistoryLimit,
		})
		if err != nil {
			return err
		}

		if len(recs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No crawls recorded yet.")
			return nil
		}
		return printHistory(cmd.OutOrStdout(), recs)
	},
}

func printHistory(out io.Writer, recs []history.Record) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "STARTED\tSITE\tBOOK\tSTATUS\tCHAPTERS\tIMAGES\tTOOK\tTITLE")
	for _, r := range recs {
		title := r.Title
		if r.Status == history.StatusFailed && r.Error != "" {
			title = r.Error
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.Site,
			r.BookID,
			r.Status,
			r.Chapters,
			r.Images,
			r.Elapsed().Round(time.Second),
			title,
		)
	}
	return w.Flush()
}

func init() {
	historyCmd.Flags().StringVar(&flagHistorySite, "site", "", "only crawls of this site")
	historyCmd.Flags().StringVar(&flagHistoryBook, "book", "", "only crawls of this book id")
	historyCmd.Flags().IntVar(&flagHistoryLimit, "limit", 20, "show at most this many crawls (0 for all)")
	rootCmd.AddCommand(historyCmd)
}
