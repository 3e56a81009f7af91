// Package main is the taskpilot binary: `taskpilot serve` runs the
// orchestrator daemon, every other command is a thin client for its
// HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "taskpilot",
	Short:         "Local orchestrator for AI coding agents on git repositories",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serverAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", defaultAddr(),
		"base URL of the taskpilot server")
}

func defaultAddr() string {
	if v := os.Getenv("TASKPILOT_ADDR"); v != "" {
		return v
	}
	return "http://127.0.0.1:7770"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "taskpilot: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}
