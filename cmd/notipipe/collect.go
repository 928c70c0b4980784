package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"notipipe/internal/app"
	"notipipe/internal/collector"
	"notipipe/internal/config"
	logx "notipipe/pkg/logx"
)

// newCollectCmd runs the engagement collector, the HTTP endpoint the http
// sink posts batches to.
func newCollectCmd(load func() (*config.Config, error)) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Serve the engagement collector endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			cc, kind, dsn, err := app.MapCollectorConfig(cfg)
			if err != nil {
				return err
			}
			if addr != "" {
				cc.Addr = addr
			}

			log := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "collector"))
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			store, err := collector.Open(ctx, kind, dsn)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			log.Info("collector store ready", logx.String("store", kind))
			return collector.New(cc, store, log).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides collector.addr)")
	return cmd
}
