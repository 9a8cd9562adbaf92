package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	removeCmd.Flags().AddFlagSet(&processFlags)
	rootCmd.AddCommand(removeCmd)
}

type removeReport struct {
	TitleID string
	Removed bool
}

var removeCmd = &cobra.Command{
	Use:   "remove <title-id>...",
	Short: "Remove installed titles from a registered cache",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store := openStore()
		cache := openCache(store)

		encoder := newEncoder()
		for _, arg := range args {
			titleID := parseTitleID(arg)
			encoder.Encode(removeReport{
				TitleID: fmt.Sprintf("%016x", titleID),
				Removed: cache.RemoveExistingEntry(titleID),
			})
		}
	},
}
