package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "runctl",
	Short: "Runctl is a command line tool for managing supervised runs",
	Long: `runctl is the command-line interface for the runplane run supervisor.

Runplane supervises long-running workloads ("runs"): it claims submitted
runs, launches them on an execution backend (subprocess, embedded task or
container), watches their heartbeats and handles stop requests with a
graceful-then-forced protocol.

runctl talks directly to the run store. Submissions and stop requests are
picked up by the supervisor daemon on its next tick.

Common workflows:

  Submit a run of a workload:
    runctl submit --workload momentum-btc -c command="python3 strategy.py"

  Check run status:
    runctl status <run-id>

  List active runs:
    runctl list --status running

  Request a stop with a 30s grace period:
    runctl stop <run-id> --grace 30

  Tail the run's event log:
    runctl events <run-id> --follow

Configuration:
  Set the database connection via environment variables or a config file:
    RUNPLANE_DATABASE_URL    Postgres connection string (DATABASE_URL also works)`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".runctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".runctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "RUNPLANE_VARNAME"
	viper.SetEnvPrefix("RUNPLANE")
	viper.AutomaticEnv()

	// The bare DATABASE_URL the daemon uses works here too.
	viper.BindEnv("database_url", "RUNPLANE_DATABASE_URL", "DATABASE_URL")

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.runctl.yaml)")

	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection string")
	viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))
}
