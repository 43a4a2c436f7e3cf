package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"runplane/pkg/api"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	Long: `List runs, optionally filtered by status.

Example:
  runctl list
  runctl list --status running --status stopping`,
	Run: func(cmd *cobra.Command, args []string) {
		statuses, _ := cmd.Flags().GetStringSlice("status")

		ctx := context.Background()
		client, err := openClient(ctx)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		defer client.Close()

		result, err := client.ListRuns(ctx, statuses)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		if len(result.Runs) == 0 {
			cmd.Println("No runs found.")
			return
		}

		printRunTable(cmd, result.Runs)
	},
}

func printRunTable(cmd *cobra.Command, runs []api.RunResponse) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tWORKLOAD\tSTATUS\tHOST\tSTARTED\tEXIT")
	for _, run := range runs {
		started := "-"
		if run.StartedAt != nil {
			started = relativeTime(*run.StartedAt) + " ago"
		}
		exit := "-"
		if run.ExitCode != nil {
			exit = fmt.Sprintf("%d", *run.ExitCode)
		}
		host := run.Host
		if host == "" {
			host = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.WorkloadID, run.Status, host, started, exit)
	}
	w.Flush()
}

func init() {
	listCmd.Flags().StringSlice("status", []string{}, "Filter by status, repeatable")
	rootCmd.AddCommand(listCmd)
}
