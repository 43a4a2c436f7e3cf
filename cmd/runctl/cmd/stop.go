package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop [run_id]",
	Short: "Request termination of a run",
	Long: `Record a stop request for a run. The supervisor picks it up on its next
tick, signals the workload to stop cooperatively, and force kills it if the
grace period is exceeded.

Stopping a run that already finished is reported, not treated as an error.

Example:
  runctl stop 1d1e9b4e-3f0a-4a8e-9a47-2b1f0a3c5d6e --grace 30`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		grace, _ := cmd.Flags().GetInt("grace")

		ctx := context.Background()
		client, err := openClient(ctx)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		defer client.Close()

		result, err := client.StopRun(ctx, args[0], grace)
		if err != nil {
			cmd.Printf("Stop failed: %v\n", err)
			return
		}

		if !result.Accepted {
			cmd.Printf("Run %s is not active; nothing to stop.\n", result.RunID)
			return
		}
		cmd.Printf("✓ Stop requested for run %s (grace %ds)\n", result.RunID, grace)
	},
}

func init() {
	stopCmd.Flags().IntP("grace", "g", 0, "Grace period in seconds before force kill (0 = server default)")
	rootCmd.AddCommand(stopCmd)
}
