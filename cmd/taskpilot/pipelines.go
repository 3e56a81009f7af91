package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/models"
)

var pipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "Inspect and exchange pipeline definitions",
}

var pipelinesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipelines",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var out struct {
			Pipelines []*models.Pipeline `json:"pipelines"`
		}
		if err := newClient().get(cmd.Context(), "/api/v1/pipelines", &out); err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintln(w, "ID\tNAME\tTASK TYPE\tSTATUSES\tTRANSITIONS")
		for _, p := range out.Pipelines {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
				p.ID, p.Name, p.TaskType, len(p.Statuses), len(p.Transitions))
		}
		return w.Flush()
	},
}

var pipelinesGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var p models.Pipeline
		if err := newClient().get(cmd.Context(), "/api/v1/pipelines/"+args[0], &p); err != nil {
			return err
		}
		return printJSON(p)
	},
}

var pipelinesGraphCmd = &cobra.Command{
	Use:   "graph <id>",
	Short: "Render a pipeline's state machine as text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var p models.Pipeline
		if err := newClient().get(cmd.Context(), "/api/v1/pipelines/"+args[0], &p); err != nil {
			return err
		}
		printPipelineGraph(&p)
		return nil
	},
}

func printPipelineGraph(p *models.Pipeline) {
	fmt.Printf("%s (%s)\n", p.Name, p.TaskType)
	for _, s := range p.Statuses {
		marker := " "
		switch {
		case s.Name == p.InitialStatus():
			marker = ">"
		case s.IsFinal:
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, s.Name)
		for _, t := range p.Transitions {
			if t.From != s.Name {
				continue
			}
			detail := t.Trigger
			if t.AgentOutcome != "" {
				detail += ":" + t.AgentOutcome
			}
			if len(t.Guards) > 0 {
				names := make([]string, len(t.Guards))
				for i, g := range t.Guards {
					names[i] = g.Name
				}
				detail += fmt.Sprintf(" guards=%v", names)
			}
			fmt.Printf("    -> %s  [%s]\n", t.To, detail)
		}
	}
}

var exportFormat string

var pipelinesExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a pipeline as JSON or YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/pipelines/" + args[0] + "/export"
		if exportFormat != "" {
			path += "?format=" + exportFormat
		}
		data, err := newClient().getRaw(cmd.Context(), path)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var pipelinesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a pipeline definition from a JSON or YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var p models.Pipeline
		if err := newClient().postRaw(cmd.Context(), "/api/v1/pipelines", data, &p); err != nil {
			return err
		}
		fmt.Printf("imported pipeline %s (%s)\n", p.ID, p.Name)
		return nil
	},
}

func init() {
	pipelinesExportCmd.Flags().StringVar(&exportFormat, "format", "", "export format: json (default) or yaml")

	pipelinesCmd.AddCommand(pipelinesListCmd, pipelinesGetCmd, pipelinesGraphCmd,
		pipelinesExportCmd, pipelinesImportCmd)
	rootCmd.AddCommand(pipelinesCmd)
}
