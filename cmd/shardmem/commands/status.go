package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#f0883e"))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-shard counts and importance",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		stats := a.router.Stats()
		fmt.Println(titleStyle.Render("shardmem"))
		fmt.Println(dimStyle.Render(fmt.Sprintf("%d shards, %d records, %d embedded (dim %d)",
			stats.TotalShards, stats.TotalRecords, stats.TotalEmbeddings, stats.Dimension)))
		if stats.Cache != nil {
			fmt.Println(dimStyle.Render(fmt.Sprintf("embedding cache: %d hits, %d misses",
				stats.Cache.Hits, stats.Cache.Misses)))
		}
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SHARD\tNAME\tRECORDS\tIMPORTANCE\tLAST_UPDATED")
		for _, st := range a.router.Status() {
			updated := "-"
			if st.LastUpdated != nil {
				updated = st.LastUpdated.Format("2006-01-02 15:04")
			}
			line := fmt.Sprintf("%s\t%s\t%d\t%.3f\t%s", st.ShardID, st.Name, st.Records, st.ImportanceScore, updated)
			if st.Records == 0 {
				line = dimStyle.Render(line)
			}
			fmt.Fprintln(w, line)
		}
		return w.Flush()
	},
}

var summaryCmd = &cobra.Command{
	Use:   "export-summary",
	Short: "Write the aggregate shard report to the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := a.router.ExportSummary(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Exported: %d shards, %d records across %d domains\n",
			summary.TotalShards, summary.TotalRecords, summary.DomainCount)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(summaryCmd)
}
