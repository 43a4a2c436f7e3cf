package cmd

import (
	"context"
	"fmt"
	"time"

	"runplane/pkg/api"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [run_id]",
	Short: "Get status of a run",
	Long:  `Retrieve detailed status information for a run, including its lifecycle state (pending, starting, running, stopping, stopped, error, dead), exit code, host, heartbeat and timestamps.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		client, err := openClient(ctx)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		defer client.Close()

		run, err := client.GetRun(ctx, args[0])
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		printStatus(cmd, *run)
	},
}

func printStatus(cmd *cobra.Command, run api.RunResponse) {
	icon := statusIcon(run.Status)
	cmd.Printf("%s %sRun Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, run.ID)
	cmd.Printf("%sWorkload:%s    %s\n", colorDim, colorReset, run.WorkloadID)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(run.Status))

	if run.BackendKind != "" {
		if run.BackendHandle != nil {
			cmd.Printf("%sBackend:%s     %s (%s)\n", colorDim, colorReset, run.BackendKind, *run.BackendHandle)
		} else {
			cmd.Printf("%sBackend:%s     %s\n", colorDim, colorReset, run.BackendKind)
		}
	}
	if run.Host != "" {
		cmd.Printf("%sHost:%s        %s\n", colorDim, colorReset, run.Host)
	}

	if run.ExitCode != nil {
		exitCode := *run.ExitCode
		if exitCode == 0 {
			cmd.Printf("%sExit Code:%s   %s%d%s\n", colorDim, colorReset, colorGreen, exitCode, colorReset)
		} else {
			cmd.Printf("%sExit Code:%s   %s%d%s\n", colorDim, colorReset, colorRed, exitCode, colorReset)
		}
	} else {
		cmd.Printf("%sExit Code:%s   -\n", colorDim, colorReset)
	}

	if run.Notes != "" {
		cmd.Printf("%sNotes:%s       %s\n", colorDim, colorReset, run.Notes)
	}

	cmd.Printf("%sHeartbeat:%s   %s\n", colorDim, colorReset, formatTimeWithRelative(run.LastHeartbeat))
	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(run.StartedAt))

	if run.StartedAt != nil && run.StoppedAt != nil {
		duration := run.StoppedAt.Sub(*run.StartedAt)
		cmd.Printf("%sStopped:%s     %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(run.StoppedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sStopped:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(run.StoppedAt))
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "stopped":
		return colorGreen + "✓" + colorReset
	case "error", "dead":
		return colorRed + "✗" + colorReset
	case "running", "starting", "stopping":
		return colorYellow + "⏳" + colorReset
	case "pending":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "stopped":
		return icon + " " + colorGreen + status + colorReset
	case "error", "dead":
		return icon + " " + colorRed + status + colorReset
	case "running", "starting", "stopping":
		return icon + " " + colorYellow + status + colorReset
	case "pending":
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
