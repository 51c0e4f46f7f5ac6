package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/davarch/ci-ingest/internal/domain"
	"github.com/spf13/cobra"
)

var (
	pipelinesFlags  filterFlags
	pipelinesLimit  int
	pipelinesOffset int
)

var pipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "List stored pipelines, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := pipelinesFlags.filter()
		if err != nil {
			return err
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		ps, err := store.ListPipelines(cmd.Context(), f, domain.Page{Limit: pipelinesLimit, Offset: pipelinesOffset})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if pipelinesFlags.json {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(ps)
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tPROJECT\tREF\tSTATUS\tCREATED\tDURATION\tAUTHOR")
		for _, p := range ps {
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				p.ID, p.ProjectName, p.Ref, p.Status,
				p.CreatedAt.Local().Format(time.DateTime),
				duration(p.Duration), author(p),
			)
		}
		return w.Flush()
	},
}

func init() {
	pipelinesFlags.register(pipelinesCmd)
	pipelinesCmd.Flags().IntVar(&pipelinesLimit, "limit", 20, "max rows")
	pipelinesCmd.Flags().IntVar(&pipelinesOffset, "offset", 0, "rows to skip")
	rootCmd.AddCommand(pipelinesCmd)
}

func duration(d *int64) string {
	if d == nil {
		return "-"
	}
	return (time.Duration(*d) * time.Second).String()
}

func author(p domain.Pipeline) string {
	switch {
	case p.AuthorName != nil:
		return *p.AuthorName
	case p.AuthorID != nil:
		return fmt.Sprintf("#%d", *p.AuthorID)
	default:
		return "-"
	}
}
