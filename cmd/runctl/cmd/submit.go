package cmd

import (
	"context"
	"strings"

	"runplane/pkg/api"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new run of a workload",
	Long: `Submit a new run. The run is inserted as pending and launched by the
supervisor daemon on its next tick. A workload can have at most one run in
flight; submitting while one is pending or active fails.

Example:
  runctl submit --workload momentum-btc -c command="python3 strategy.py --pair BTCUSD"
  runctl submit --workload market-maker -c backend=container -c image=python:3.11`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		workload, _ := flags.GetString("workload")
		configPairs, _ := flags.GetStringArray("config")
		backend, _ := flags.GetString("backend")
		requestedBy, _ := flags.GetString("requested-by")

		if workload == "" {
			cmd.Println("Error: --workload is required")
			return
		}

		config := map[string]string{}
		for _, pair := range configPairs {
			key, value, found := strings.Cut(pair, "=")
			if !found || key == "" {
				cmd.Printf("Error: invalid config pair %q (expected key=value)\n", pair)
				return
			}
			config[key] = value
		}
		if backend != "" {
			config["backend"] = backend
		}

		ctx := context.Background()
		client, err := openClient(ctx)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		defer client.Close()

		result, err := client.SubmitRun(ctx, api.SubmitRunRequest{
			WorkloadID:  workload,
			Config:      config,
			RequestedBy: requestedBy,
		})
		if err != nil {
			cmd.Printf("Submit failed: %v\n", err)
			return
		}

		cmd.Printf("✓ Run submitted!\nRun ID: %s\n", result.RunID)
	},
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("workload", "w", "", "Workload ID to run (required)")
	flags.StringArrayP("config", "c", []string{}, "Run config as key=value, repeatable")
	flags.StringP("backend", "b", "", "Execution backend: subprocess, embedded or container")
	flags.String("requested-by", "", "Actor recorded as the run's requester")

	rootCmd.AddCommand(submitCmd)
}
