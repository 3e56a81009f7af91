package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/models"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage projects",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var out struct {
			Projects []*models.Project `json:"projects"`
		}
		if err := newClient().get(cmd.Context(), "/api/v1/projects", &out); err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintln(w, "ID\tNAME\tPATH")
		for _, p := range out.Projects {
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Name, p.Path)
		}
		return w.Flush()
	},
}

var projectsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var project models.Project
		if err := newClient().get(cmd.Context(), "/api/v1/projects/"+args[0], &project); err != nil {
			return err
		}
		return printJSON(project)
	},
}

var (
	projectName        string
	projectPath        string
	projectDescription string
)

var projectsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		body := map[string]any{
			"name":        projectName,
			"path":        projectPath,
			"description": projectDescription,
		}
		var project models.Project
		if err := newClient().post(cmd.Context(), "/api/v1/projects", body, &project); err != nil {
			return err
		}
		return printJSON(project)
	},
}

var projectsUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if cmd.Flags().Changed("name") {
			body["name"] = projectName
		}
		if cmd.Flags().Changed("path") {
			body["path"] = projectPath
		}
		if cmd.Flags().Changed("description") {
			body["description"] = projectDescription
		}
		if len(body) == 0 {
			return fmt.Errorf("nothing to update")
		}
		var project models.Project
		if err := newClient().put(cmd.Context(), "/api/v1/projects/"+args[0], body, &project); err != nil {
			return err
		}
		return printJSON(project)
	},
}

var projectsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a project and all its tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().delete(cmd.Context(), "/api/v1/projects/"+args[0])
	},
}

func init() {
	projectsCreateCmd.Flags().StringVar(&projectName, "name", "", "project name")
	projectsCreateCmd.Flags().StringVar(&projectPath, "path", "", "absolute path to the git repository")
	projectsCreateCmd.Flags().StringVar(&projectDescription, "description", "", "project description")
	_ = projectsCreateCmd.MarkFlagRequired("name")
	_ = projectsCreateCmd.MarkFlagRequired("path")

	projectsUpdateCmd.Flags().StringVar(&projectName, "name", "", "project name")
	projectsUpdateCmd.Flags().StringVar(&projectPath, "path", "", "absolute path to the git repository")
	projectsUpdateCmd.Flags().StringVar(&projectDescription, "description", "", "project description")

	projectsCmd.AddCommand(projectsListCmd, projectsGetCmd, projectsCreateCmd,
		projectsUpdateCmd, projectsDeleteCmd)
	rootCmd.AddCommand(projectsCmd)
}
