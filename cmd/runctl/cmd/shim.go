package cmd

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"runplane/internal/heartbeat"
	"runplane/internal/logger"
	"runplane/internal/store/postgres"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var shimRunID string

var shimCmd = &cobra.Command{
	Use:   "shim [flags] -- command [args...]",
	Short: "Run a workload command under heartbeat supervision",
	Long: `Run a command as a supervised workload. The shim pushes periodic
heartbeats to the run store while the command executes, forwards stop
signals to it, and exits with the command's exit code.

Intended as the subprocess command template of the supervisor:

  SUBPROCESS_COMMAND="runctl shim --" supervisord

The run ID comes from --run-id, the RUNPLANE_RUN_ID environment variable, or
the trailing "--run-id <id>" pair the supervisor appends to the command.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runShim(cmd, args))
	},
}

func runShim(cmd *cobra.Command, args []string) int {
	// The supervisor appends "--run-id <id>" after the workload command;
	// strip it so the child never sees it.
	if n := len(args); shimRunID == "" && n >= 2 && args[n-2] == "--run-id" {
		shimRunID = args[n-1]
		args = args[:n-2]
	}
	if shimRunID == "" {
		shimRunID = os.Getenv("RUNPLANE_RUN_ID")
	}

	runID, err := uuid.Parse(shimRunID)
	if err != nil {
		cmd.Printf("Error: missing or invalid run ID %q\n", shimRunID)
		return 1
	}
	if len(args) == 0 {
		cmd.Println("Error: no command to run")
		return 1
	}

	slogger := logger.New().With("run_id", runID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A missing store connection only costs heartbeats; the supervisor's
	// liveness probe still sees the process. Run the workload regardless.
	if st, err := postgres.New(ctx, viper.GetString("database_url")); err != nil {
		slogger.Warn("heartbeats disabled, could not open run store", "error", err)
	} else {
		defer st.Close()
		reporter := heartbeat.New(st, runID, heartbeat.DefaultInterval, slogger)
		go reporter.Run(ctx)
	}

	child := exec.Command(args[0], args[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Env = os.Environ()

	if err := child.Start(); err != nil {
		slogger.Error("failed to start workload command", "error", err)
		return 1
	}

	// Forward stop signals so the workload can wind down cooperatively.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigChan {
			child.Process.Signal(sig)
		}
	}()

	err = child.Wait()
	signal.Stop(sigChan)
	close(sigChan)
	cancel()

	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	slogger.Error("workload command failed", "error", err)
	return 1
}

func init() {
	shimCmd.Flags().StringVar(&shimRunID, "run-id", "", "Run ID to report heartbeats for")
	rootCmd.AddCommand(shimCmd)
}
