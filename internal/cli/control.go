package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewReconfigureCmd creates the reconfigure command
func NewReconfigureCmd(app *App) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "reconfigure",
		Short: "Reload configuration on a running instance",
		Long: `Reconfigure reloads the tenant configuration. Live queue items
migrate onto the new layout; items whose pipeline or project vanished
are cancelled. With --tenant only that tenant is rebuilt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.newControlClient()
			if err != nil {
				return err
			}
			body := map[string]string{}
			if tenant != "" {
				body["tenant"] = tenant
			}
			if err := c.post("/control/reconfigure", body); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reconfigured")
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Rebuild only this tenant")
	return cmd
}

// NewPromoteCmd creates the promote command
func NewPromoteCmd(app *App) *cobra.Command {
	var tenant, pipeline string
	cmd := &cobra.Command{
		Use:   "promote <change>...",
		Short: "Move changes to the head of their shared queue",
		Long: `Promote reorders a dependent pipeline's queue so the named changes
(formatted <number>,<patchset>) test first, in the given order. Items
displaced behind them restart against the new merge basis.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.newControlClient()
			if err != nil {
				return err
			}
			body := map[string]any{
				"tenant":   tenant,
				"pipeline": pipeline,
				"changes":  args,
			}
			if err := c.post("/control/promote", body); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "promoted")
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant name")
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "Pipeline name")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("pipeline")
	return cmd
}

// NewEnqueueCmd creates the enqueue command
func NewEnqueueCmd(app *App) *cobra.Command {
	var tenant, pipeline, project, change, ref, oldrev, newrev string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Force a change into a pipeline",
		Long: `Enqueue inserts a change into a pipeline, bypassing the pipeline's
requirement filters. Identify a pull request with --change
<number>,<patchset> or a ref update with --ref/--oldrev/--newrev.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.newControlClient()
			if err != nil {
				return err
			}
			body := map[string]string{
				"tenant":   tenant,
				"pipeline": pipeline,
				"project":  project,
			}
			if change != "" {
				body["change"] = change
			}
			if ref != "" {
				body["ref"] = ref
				body["oldrev"] = oldrev
				body["newrev"] = newrev
			}
			if err := c.post("/control/enqueue", body); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "enqueued")
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant name")
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "Pipeline name")
	cmd.Flags().StringVar(&project, "project", "", "Project name (org/repo)")
	cmd.Flags().StringVar(&change, "change", "", "Pull request as <number>,<patchset>")
	cmd.Flags().StringVar(&ref, "ref", "", "Ref name for a ref update")
	cmd.Flags().StringVar(&oldrev, "oldrev", "", "Previous sha of the ref")
	cmd.Flags().StringVar(&newrev, "newrev", "", "New sha of the ref")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("pipeline")
	cmd.MarkFlagRequired("project")
	return cmd
}

// NewExitCmd creates the exit command
func NewExitCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exit",
		Short: "Ask a running instance to exit gracefully",
		Long: `Exit pauses trigger processing, lets running builds finish, snapshots
the pending trigger queue to disk and stops the process. The snapshot
replays on the next start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.newControlClient()
			if err != nil {
				return err
			}
			if err := c.post("/control/exit", nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "exit requested")
			return nil
		},
	}
	return cmd
}

// NewVerboseCmd creates the verbose command
func NewVerboseCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verbose <on|off>",
		Short: "Toggle debug logging on a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[0] {
			case "on":
				enabled = true
			case "off":
				enabled = false
			default:
				return fmt.Errorf("argument must be on or off, got %q", args[0])
			}
			c, err := app.newControlClient()
			if err != nil {
				return err
			}
			if err := c.post("/control/verbose", map[string]bool{"enabled": enabled}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "verbose logging %s\n", args[0])
			return nil
		},
	}
	return cmd
}
