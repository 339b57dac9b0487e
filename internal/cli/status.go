package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/RevCBH/switchyard/internal/web"
)

// NewStatusCmd creates the status command
func NewStatusCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the pipeline state of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.newControlClient()
			if err != nil {
				return err
			}
			var status web.Status
			if err := c.getJSON("/status.json", &status); err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	return cmd
}

var (
	tenantStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	pipelineStyle = lipgloss.NewStyle().Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failureStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func renderStatus(w io.Writer, status web.Status) {
	if len(status.Tenants) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no tenants configured"))
		return
	}
	for _, tenant := range status.Tenants {
		fmt.Fprintln(w, tenantStyle.Render("tenant "+tenant.Name))
		for _, pipeline := range tenant.Pipelines {
			header := fmt.Sprintf("  %s (%s)", pipeline.Name, pipeline.Manager)
			if pipeline.Disabled {
				header += " " + failureStyle.Render("[disabled]")
			}
			fmt.Fprintln(w, pipelineStyle.Render(header))
			items := 0
			for _, q := range pipeline.Queues {
				for _, item := range q.Items {
					items++
					fmt.Fprintln(w, renderItem(item))
				}
			}
			if items == 0 {
				fmt.Fprintln(w, dimStyle.Render("    (empty)"))
			}
		}
	}
}

func renderItem(item web.ItemStatus) string {
	age := time.Since(item.EnqueueTime).Round(time.Second)
	line := fmt.Sprintf("    %s  %s", item.Change, dimStyle.Render(item.Project))
	if !item.Live {
		line += " " + dimStyle.Render("[context]")
	}
	line += " " + dimStyle.Render(age.String())
	for _, b := range item.Builds {
		line += " " + renderBuild(b)
	}
	return line
}

func renderBuild(b web.BuildStatus) string {
	label := b.Job
	switch b.Result {
	case "":
		if b.UUID == "" {
			return dimStyle.Render(label + ":queued")
		}
		return runningStyle.Render(label + ":running")
	case "SUCCESS":
		return successStyle.Render(label + ":" + b.Result)
	default:
		return failureStyle.Render(label + ":" + b.Result)
	}
}
