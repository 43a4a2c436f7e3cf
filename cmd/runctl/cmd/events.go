package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var followEvents bool

var eventsCmd = &cobra.Command{
	Use:   "events [run_id]",
	Short: "Show the event log of a run",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runID := args[0]

		ctx := context.Background()
		client, err := openClient(ctx)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		defer client.Close()

		// Trap Ctrl+C to exit gracefully
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			<-sigChan
			os.Exit(0)
		}()

		var lastID int64 = 0

		for {
			events, err := client.GetEvents(ctx, runID, lastID, 100)
			if err != nil {
				cmd.Printf("Error fetching events: %v\n", err)
				if !followEvents {
					break
				}
				time.Sleep(2 * time.Second) // Retry backoff
				continue
			}

			for _, ev := range events {
				cmd.Printf("%s [%s] %s\n", ev.Timestamp.Format(time.RFC3339), ev.Level, ev.Message)
				if ev.ID > lastID {
					lastID = ev.ID
				}
			}

			if !followEvents {
				if len(events) == 0 {
					break
				}
				// More pages may remain, fetch immediately
				continue
			}

			time.Sleep(1 * time.Second)
		}
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().BoolVarP(&followEvents, "follow", "f", false, "Follow the event log")
}
