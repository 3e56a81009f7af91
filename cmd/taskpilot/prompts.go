package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/models"
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Answer questions raised by agents",
}

var promptsListCmd = &cobra.Command{
	Use:   "list <task-id>",
	Short: "List a task's pending prompts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Prompts []*models.PendingPrompt `json:"prompts"`
		}
		if err := newClient().get(cmd.Context(), "/api/v1/tasks/"+args[0]+"/prompts", &out); err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tCREATED")
		for _, p := range out.Prompts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.PromptType, p.Status, formatTime(p.CreatedAt))
		}
		return w.Flush()
	},
}

var promptsGetCmd = &cobra.Command{
	Use:   "get <prompt-id>",
	Short: "Show a prompt with its payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var prompt models.PendingPrompt
		if err := newClient().get(cmd.Context(), "/api/v1/prompts/"+args[0], &prompt); err != nil {
			return err
		}
		return printJSON(prompt)
	},
}

var promptResponse string

var promptsRespondCmd = &cobra.Command{
	Use:   "respond <prompt-id>",
	Short: "Answer a pending prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var response map[string]any
		if err := json.Unmarshal([]byte(promptResponse), &response); err != nil {
			return fmt.Errorf("--response must be a JSON object: %w", err)
		}
		body := map[string]any{"response": response}
		var prompt models.PendingPrompt
		if err := newClient().post(cmd.Context(), "/api/v1/prompts/"+args[0]+"/respond", body, &prompt); err != nil {
			return err
		}
		return printJSON(prompt)
	},
}

func init() {
	promptsRespondCmd.Flags().StringVar(&promptResponse, "response", "", "JSON object with the answer")
	_ = promptsRespondCmd.MarkFlagRequired("response")

	promptsCmd.AddCommand(promptsListCmd, promptsGetCmd, promptsRespondCmd)
	rootCmd.AddCommand(promptsCmd)
}
