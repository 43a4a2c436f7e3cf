package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm [run_id]",
	Short: "Delete a finished run and its events",
	Long: `Delete a run record and its event log. Only runs in a terminal status
(stopped, error, dead) can be deleted; active runs must be stopped first.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		client, err := openClient(ctx)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		defer client.Close()

		if err := client.DeleteRun(ctx, args[0]); err != nil {
			cmd.Printf("Delete failed: %v\n", err)
			return
		}
		cmd.Printf("✓ Run %s deleted\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(rmCmd)
}
