package main

import (
	"github.com/spf13/cobra"

	"agentflow/internal/config"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "agentflow",
		Short:         "Run agent flows over HTTP or from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./agentflow.yaml or ~/.agentflow/agentflow.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "log prompts, actions and observations")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newFlowsCommand(opts))
	rootCmd.AddCommand(newValidatePathCommand())
	return rootCmd
}

// load reads the configuration and applies global flags.
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.debug {
		cfg.Debug = true
	}
	return cfg, nil
}
