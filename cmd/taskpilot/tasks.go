package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/models"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "List a project's tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Tasks []*models.Task `json:"tasks"`
		}
		if err := newClient().get(cmd.Context(), "/api/v1/projects/"+args[0]+"/tasks", &out); err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintln(w, "ID\tSTATUS\tTITLE\tPR")
		for _, t := range out.Tasks {
			pr := t.PRLink
			if pr == "" {
				pr = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Title, pr)
		}
		return w.Flush()
	},
}

var tasksGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var task models.Task
		if err := newClient().get(cmd.Context(), "/api/v1/tasks/"+args[0], &task); err != nil {
			return err
		}
		return printJSON(task)
	},
}

var (
	taskProject     string
	taskType        string
	taskPipeline    string
	taskTitle       string
	taskDescription string
	taskPriority    int
	taskAssignee    string
)

var tasksCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		body := map[string]any{
			"projectId":   taskProject,
			"taskType":    taskType,
			"pipelineId":  taskPipeline,
			"title":       taskTitle,
			"description": taskDescription,
			"priority":    taskPriority,
		}
		var task models.Task
		if err := newClient().post(cmd.Context(), "/api/v1/tasks", body, &task); err != nil {
			return err
		}
		return printJSON(task)
	},
}

var tasksUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update task fields (status changes go through transition)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if cmd.Flags().Changed("title") {
			body["title"] = taskTitle
		}
		if cmd.Flags().Changed("description") {
			body["description"] = taskDescription
		}
		if cmd.Flags().Changed("priority") {
			body["priority"] = taskPriority
		}
		if cmd.Flags().Changed("assignee") {
			body["assignee"] = taskAssignee
		}
		if len(body) == 0 {
			return fmt.Errorf("nothing to update")
		}
		var task models.Task
		if err := newClient().put(cmd.Context(), "/api/v1/tasks/"+args[0], body, &task); err != nil {
			return err
		}
		return printJSON(task)
	},
}

var tasksDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a task and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().delete(cmd.Context(), "/api/v1/tasks/"+args[0])
	},
}

var transitionActor string

var tasksTransitionCmd = &cobra.Command{
	Use:   "transition <id> <to-status>",
	Short: "Move a task to another status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"to": args[1], "actor": transitionActor}
		var out struct {
			Task         *models.Task `json:"task"`
			HookFailures []string     `json:"hookFailures"`
		}
		if err := newClient().post(cmd.Context(), "/api/v1/tasks/"+args[0]+"/transition", body, &out); err != nil {
			return err
		}
		fmt.Printf("%s -> %s\n", args[0], out.Task.Status)
		for _, f := range out.HookFailures {
			fmt.Printf("hook failed: %s\n", f)
		}
		return nil
	},
}

var transitionsTrigger string

var tasksTransitionsCmd = &cobra.Command{
	Use:   "transitions <id>",
	Short: "List the transitions available from the task's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/tasks/" + args[0] + "/transitions"
		if transitionsTrigger != "" {
			path += "?trigger=" + transitionsTrigger
		}
		var out struct {
			Transitions []models.Transition `json:"transitions"`
		}
		if err := newClient().get(cmd.Context(), path, &out); err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintln(w, "TO\tTRIGGER\tOUTCOME")
		for _, t := range out.Transitions {
			outcome := t.AgentOutcome
			if outcome == "" {
				outcome = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", t.To, t.Trigger, outcome)
		}
		return w.Flush()
	},
}

var historyLimit int

var tasksHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show a task's transition history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/api/v1/tasks/%s/history?limit=%d", args[0], historyLimit)
		var out struct {
			History []*models.TransitionRecord `json:"history"`
		}
		if err := newClient().get(cmd.Context(), path, &out); err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintln(w, "WHEN\tFROM\tTO\tTRIGGER\tACTOR")
		for _, rec := range out.History {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				formatTime(rec.CreatedAt), rec.FromStatus, rec.ToStatus, rec.Trigger, rec.Actor)
		}
		return w.Flush()
	},
}

var (
	eventsLimit  int
	eventsBefore int64
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect task events",
}

var eventsListCmd = &cobra.Command{
	Use:   "list <task-id>",
	Short: "List a task's events, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/tasks/" + args[0] + "/events?limit=" + strconv.Itoa(eventsLimit)
		if eventsBefore > 0 {
			path += "&before=" + strconv.FormatInt(eventsBefore, 10)
		}
		var out struct {
			Events []*models.TaskEvent `json:"events"`
		}
		if err := newClient().get(cmd.Context(), path, &out); err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintln(w, "WHEN\tCATEGORY\tSEVERITY\tMESSAGE")
		for _, e := range out.Events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", formatTime(e.CreatedAt), e.Category, e.Severity, e.Message)
		}
		return w.Flush()
	},
}

func init() {
	tasksCreateCmd.Flags().StringVar(&taskProject, "project", "", "project ID")
	tasksCreateCmd.Flags().StringVar(&taskType, "type", "", "task type selecting the pipeline")
	tasksCreateCmd.Flags().StringVar(&taskPipeline, "pipeline", "", "explicit pipeline ID")
	tasksCreateCmd.Flags().StringVar(&taskTitle, "title", "", "task title")
	tasksCreateCmd.Flags().StringVar(&taskDescription, "description", "", "task description")
	tasksCreateCmd.Flags().IntVar(&taskPriority, "priority", 0, "task priority")
	_ = tasksCreateCmd.MarkFlagRequired("project")
	_ = tasksCreateCmd.MarkFlagRequired("title")

	tasksUpdateCmd.Flags().StringVar(&taskTitle, "title", "", "task title")
	tasksUpdateCmd.Flags().StringVar(&taskDescription, "description", "", "task description")
	tasksUpdateCmd.Flags().IntVar(&taskPriority, "priority", 0, "task priority")
	tasksUpdateCmd.Flags().StringVar(&taskAssignee, "assignee", "", "task assignee")

	tasksTransitionCmd.Flags().StringVar(&transitionActor, "actor", "user", "actor recorded in history")
	tasksTransitionsCmd.Flags().StringVar(&transitionsTrigger, "trigger", "", "filter by trigger (manual, agent, automatic)")
	tasksHistoryCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum entries")

	eventsListCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum events")
	eventsListCmd.Flags().Int64Var(&eventsBefore, "before", 0, "only events older than this epoch-ms timestamp")
	eventsCmd.AddCommand(eventsListCmd)

	tasksCmd.AddCommand(tasksListCmd, tasksGetCmd, tasksCreateCmd, tasksUpdateCmd,
		tasksDeleteCmd, tasksTransitionCmd, tasksTransitionsCmd, tasksHistoryCmd)
	rootCmd.AddCommand(tasksCmd, eventsCmd)
}
