package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentmem/shardmem/config"
)

var addCmd = &cobra.Command{
	Use:   "add <content>...",
	Short: "Store a memory record",
	Long: `Store a memory record. Without --shard the content is routed to the
best-matching shard by keyword scoring; cross-shard references like
"shard:projects" are detected automatically.

Example:
  shardmem add "Refactored the ingestion worker, see shard technical" \
    --source cli --importance 0.8`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := strings.Join(args, " ")
		source, _ := cmd.Flags().GetString("source")
		importance, _ := cmd.Flags().GetFloat64("importance")
		shardFlag, _ := cmd.Flags().GetString("shard")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.router.AddMemory(cmd.Context(), content, source, importance, config.ShardID(shardFlag))
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

func init() {
	addCmd.Flags().String("source", "cli", "record source tag")
	addCmd.Flags().Float64("importance", 0.5, "importance in [0,1]")
	addCmd.Flags().String("shard", "", "store into this shard, bypassing routing")
	rootCmd.AddCommand(addCmd)
}
