package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"notipipe/internal/app"
	"notipipe/internal/config"
)

const defaultConfigPath = "./config.yaml"

// NewRootCmd wires every subcommand. --config is shared.
func NewRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "notipipe",
		Short:         "Notification delivery and engagement pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to config file (json, yaml or toml)")

	load := func() (*config.Config, error) {
		cfg, err := config.NewConfigManager(cfgPath).Parse()
		if err != nil {
			return nil, err
		}
		if err := app.Validate(cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", cfgPath, err)
		}
		return cfg, nil
	}

	root.AddCommand(
		newRunCmd(&cfgPath),
		newCollectCmd(load),
		newOutboxCmd(load),
		newValidateCmd(&cfgPath),
	)
	return root
}
