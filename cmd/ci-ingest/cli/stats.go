package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statsFlags filterFlags

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print aggregate pipeline statistics from the local store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := statsFlags.filter()
		if err != nil {
			return err
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		st, err := store.QueryAggregateStats(cmd.Context(), f)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if statsFlags.json {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}

		_, _ = fmt.Fprintf(out, "pipelines:     %d\n", st.TotalCount)
		_, _ = fmt.Fprintf(out, "avg duration:  %.1fs\n", st.AvgDuration)
		_, _ = fmt.Fprintf(out, "success rate:  %.2f%%\n", st.SuccessRate)
		return nil
	},
}

func init() {
	statsFlags.register(statsCmd)
	rootCmd.AddCommand(statsCmd)
}
