// Package main is the entry point for the runplane CLI.
// The CLI is the operator terminal tool for submitting and inspecting runs.
package main

import (
	"os"

	"runplane/cmd/runctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
