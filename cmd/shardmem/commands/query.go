package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentmem/shardmem/config"
	"github.com/agentmem/shardmem/search"
)

var queryCmd = &cobra.Command{
	Use:   "query <text>...",
	Short: "Lexical query across relevant shards",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		hits := a.router.Query(text, limit)
		if len(hits) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, hit := range hits {
			fmt.Printf("[%s] %s\n    %s\n", hit.ShardID, hit.ID, hit.Content)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <text>...",
	Short: "Semantic search with lexical fallback",
	Long: `Search by embedding similarity. Results below the threshold are
dropped; when no embedding clears it, a lexical pass over record text
answers instead. --hybrid blends semantic scores with shard keyword
matches.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		shardFlag, _ := cmd.Flags().GetString("shard")
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		topK, _ := cmd.Flags().GetInt("top-k")
		hybrid, _ := cmd.Flags().GetBool("hybrid")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		var results []search.Result
		if hybrid {
			results, err = a.router.Engine().HybridSearch(cmd.Context(), text, config.ShardID(shardFlag), threshold, topK)
		} else {
			results, err = a.router.Engine().Search(cmd.Context(), text, config.ShardID(shardFlag), threshold, topK)
		}
		if err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, res := range results {
			score := res.Score
			if hybrid {
				score = res.HybridScore
			}
			fmt.Printf("%.3f [%s/%s] %s\n    %s\n", score, res.ShardID, res.MatchType, res.RecordID, res.Content)
		}
		return nil
	},
}

var crossSearchCmd = &cobra.Command{
	Use:   "cross-search <text>...",
	Short: "Merged semantic and lexical search over every shard",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		results, err := a.router.CrossShardSearch(cmd.Context(), text)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, res := range results {
			fmt.Printf("%.3f [%s/%s] %s\n    %s\n", res.Score, res.ShardID, res.MatchType, res.RecordID, res.Content)
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().Int("limit", 10, "maximum results")

	searchCmd.Flags().String("shard", "", "restrict to one shard")
	searchCmd.Flags().Float64("threshold", search.DefaultThreshold, "minimum similarity")
	searchCmd.Flags().Int("top-k", search.DefaultTopK, "maximum results")
	searchCmd.Flags().Bool("hybrid", false, "blend semantic and keyword scores")

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(crossSearchCmd)
}
