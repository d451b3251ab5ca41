package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/config"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	projectConfig string
}

// paths returns the global and project config paths, honouring --config.
func (o *globalOptions) paths() (string, string, error) {
	global, project, err := config.DefaultPaths()
	if err != nil {
		return "", "", err
	}
	if o.projectConfig != "" {
		project = o.projectConfig
	}
	return global, project, nil
}

func (o *globalOptions) load() (*config.Config, error) {
	global, project, err := o.paths()
	if err != nil {
		return nil, err
	}
	return config.Load(global, project)
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().ExecuteContext(context.Background())
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "swarmd",
		Short: "Run coding agents on a pool of terminals",
		Long: `swarmd keeps a pool of terminal workers, queues coding tasks for them and
dispatches each task as an agent CLI invocation on its own git branch.

Clients connect over a websocket to watch terminals, create and assign tasks,
and turn a natural-language goal into a plan of dependent sub-tasks.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.projectConfig, "config", "", "project config file (default .swarmd/config.json)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newStatusCmd(opts),
		newPlanCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}
