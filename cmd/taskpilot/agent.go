package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/models"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Start, stop, and inspect agent runs",
}

var (
	agentMode string
	agentType string
)

var agentStartCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Start an agent run on a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"mode": agentMode, "agentType": agentType}
		var run models.AgentRun
		if err := newClient().post(cmd.Context(), "/api/v1/tasks/"+args[0]+"/agent", body, &run); err != nil {
			return err
		}
		fmt.Printf("started run %s (%s, mode %s)\n", run.ID, run.AgentType, run.Mode)
		return nil
	},
}

var agentStopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Cancel a running agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().post(cmd.Context(), "/api/v1/runs/"+args[0]+"/stop", nil, nil)
	},
}

var agentRunsCmd = &cobra.Command{
	Use:   "runs <task-id>",
	Short: "List a task's agent runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Runs []*models.AgentRun `json:"runs"`
		}
		if err := newClient().get(cmd.Context(), "/api/v1/tasks/"+args[0]+"/runs", &out); err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintln(w, "ID\tAGENT\tMODE\tSTATUS\tOUTCOME\tSTARTED")
		for _, r := range out.Runs {
			outcome := r.Outcome
			if outcome == "" {
				outcome = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.AgentType, r.Mode, r.Status, outcome, formatTime(r.StartedAt))
		}
		return w.Flush()
	},
}

var agentGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var run models.AgentRun
		if err := newClient().get(cmd.Context(), "/api/v1/runs/"+args[0], &run); err != nil {
			return err
		}
		return printJSON(run)
	},
}

var agentCostCmd = &cobra.Command{
	Use:   "cost <run-id>",
	Short: "Show a run's token usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var run models.AgentRun
		if err := newClient().get(cmd.Context(), "/api/v1/runs/"+args[0], &run); err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintln(w, "INPUT TOKENS\tOUTPUT TOKENS")
		fmt.Fprintf(w, "%d\t%d\n", run.CostInputTokens, run.CostOutputTokens)
		return w.Flush()
	},
}

var agentWatchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Stream a run's live output (Ctrl-C to stop)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wsURL, err := watchURL(serverAddr, args[0])
		if err != nil {
			return err
		}
		conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), wsURL, nil)
		if err != nil {
			return fmt.Errorf("cannot reach server at %s: %w", serverAddr, &url.Error{Op: "dial", URL: wsURL, Err: err})
		}
		defer func() { _ = conn.Close() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			<-sigCh
			_ = conn.Close()
		}()

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				// Closed by the server or by the signal handler.
				return nil
			}
			var msg struct {
				Chunk string `json:"chunk"`
			}
			if err := json.Unmarshal(payload, &msg); err != nil || msg.Chunk == "" {
				continue
			}
			fmt.Print(msg.Chunk)
			if !strings.HasSuffix(msg.Chunk, "\n") {
				fmt.Println()
			}
		}
	},
}

// watchURL turns the HTTP base address into the run output websocket URL.
func watchURL(base, runID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", base, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/runs/" + runID + "/output"
	return u.String(), nil
}

func init() {
	agentStartCmd.Flags().StringVar(&agentMode, "mode", "", "run mode (implement, review, ...)")
	agentStartCmd.Flags().StringVar(&agentType, "type", "", "agent type, defaults to the project's agent")
	_ = agentStartCmd.MarkFlagRequired("mode")

	agentCmd.AddCommand(agentStartCmd, agentStopCmd, agentRunsCmd, agentGetCmd,
		agentCostCmd, agentWatchCmd)
	rootCmd.AddCommand(agentCmd)
}
