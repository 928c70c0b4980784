package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"notipipe/internal/app"
	"notipipe/internal/config"
)

func newValidateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config file without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(*cfgPath)
			if err != nil {
				return err
			}
			cfg, err := config.Decode(*cfgPath, data)
			if err != nil {
				return err
			}
			if err := app.Validate(cfg); err != nil {
				return fmt.Errorf("%s: %w", *cfgPath, err)
			}
			cmd.Printf("%s: ok (hash %x)\n", *cfgPath, config.Hash(cfg))
			return nil
		},
	}
}
