// Package cli implements the switchyard command line: the serve command
// that runs the scheduler process, and thin HTTP clients for observing
// and controlling a running instance.
package cli

import (
	"github.com/spf13/cobra"
)

// App represents the CLI application with all wired dependencies
type App struct {
	// Root command
	rootCmd *cobra.Command

	// ConfigPath is the --config flag shared by all commands
	ConfigPath string

	// URL overrides the control endpoint derived from the config file
	URL string

	// Version information
	version string
	commit  string
	date    string
}

// New creates a new CLI application
func New() *App {
	app := &App{}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI application
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion sets the version string for the version command
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
}

// setupRootCmd configures the root Cobra command
func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "switchyard",
		Short: "Pipeline-driven change gating scheduler",
		Long: `Switchyard watches code review events, runs each change through
configurable test pipelines, and gates merges on the results.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.rootCmd.PersistentFlags().StringVarP(&a.ConfigPath, "config", "c",
		"switchyard.yaml", "Path to the configuration file")
	a.rootCmd.PersistentFlags().StringVar(&a.URL, "url", "",
		"Control endpoint of a running instance (default: from config)")

	a.rootCmd.AddCommand(
		NewServeCmd(a),
		NewStatusCmd(a),
		NewWatchCmd(a),
		NewEnqueueCmd(a),
		NewPromoteCmd(a),
		NewReconfigureCmd(a),
		NewExitCmd(a),
		NewVerboseCmd(a),
		NewVersionCmd(a),
	)
}
