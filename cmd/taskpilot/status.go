package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/workflow"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show instance-wide counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var stats workflow.DashboardStats
		if err := newClient().get(cmd.Context(), "/api/v1/stats", &stats); err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintf(w, "Projects\t%d\n", stats.Projects)
		fmt.Fprintf(w, "Tasks\t%d\n", stats.TotalTasks)
		fmt.Fprintf(w, "Running agents\t%d\n", stats.RunningAgents)
		fmt.Fprintf(w, "Pending prompts\t%d\n", stats.PendingPrompts)
		fmt.Fprintf(w, "Input tokens\t%d\n", stats.InputTokens)
		fmt.Fprintf(w, "Output tokens\t%d\n", stats.OutputTokens)
		if err := w.Flush(); err != nil {
			return err
		}
		if len(stats.TasksByStatus) == 0 {
			return nil
		}
		fmt.Println()
		statuses := make([]string, 0, len(stats.TasksByStatus))
		for s := range stats.TasksByStatus {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)
		w = newTable()
		fmt.Fprintln(w, "STATUS\tTASKS")
		for _, s := range statuses {
			fmt.Fprintf(w, "%s\t%d\n", s, stats.TasksByStatus[s])
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
