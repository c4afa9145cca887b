package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentmem/shardmem/config"
)

var compactCmd = &cobra.Command{
	Use:   "compact [shard]",
	Short: "Remove duplicates and consolidate near-duplicates",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			stats, err := a.compactor.CompactShard(cmd.Context(), config.ShardID(args[0]))
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d -> %d (removed %d duplicates, consolidated %d)\n",
				stats.ShardID, stats.TotalBefore, stats.TotalAfter,
				stats.RemovedDuplicates, stats.Consolidated)
			return nil
		}

		results, err := a.compactor.CompactAll(cmd.Context())
		for _, id := range a.router.ShardIDs() {
			stats, ok := results[id]
			if !ok {
				fmt.Println(warnStyle.Render(fmt.Sprintf("%s: failed", id)))
				continue
			}
			fmt.Printf("%s: %d -> %d (removed %d duplicates, consolidated %d)\n",
				id, stats.TotalBefore, stats.TotalAfter,
				stats.RemovedDuplicates, stats.Consolidated)
		}
		return err
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire old records and prune oversized shards",
	Long: `Apply retention to every shard: records older than the shard's TTL
are dropped, then shards over their size cap are trimmed newest-first
with the overflow written to the archive. --dry-run reports what would
happen without touching anything.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		sweep, err := a.evictor.SweepAll(cmd.Context(), dryRun)
		if sweep != nil {
			mode := ""
			if dryRun {
				mode = " (dry run)"
			}
			fmt.Printf("Sweep%s: %d expired, %d pruned\n", mode, sweep.TotalExpired, sweep.TotalPruned)
			for _, id := range a.router.ShardIDs() {
				st, ok := sweep.Shards[id]
				if !ok {
					continue
				}
				if st.Expired > 0 || st.Pruned > 0 {
					fmt.Printf("  %s: expired %d, pruned %d, archived %d\n",
						id, st.Expired, st.Pruned, st.Archived)
				}
			}
		}
		return err
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh-embeddings",
	Short: "Embed records that were stored without a vector",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		refreshed, err := a.router.RefreshEmbeddings(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Refreshed %d embeddings\n", refreshed)
		return nil
	},
}

func init() {
	sweepCmd.Flags().Bool("dry-run", false, "report without mutating")
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(refreshCmd)
}
