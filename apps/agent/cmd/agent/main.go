package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nebula-panel/nebula/apps/agent/internal/config"
	"github.com/nebula-panel/nebula/apps/agent/internal/executor"
	"github.com/nebula-panel/nebula/apps/agent/internal/server"
	"github.com/nebula-panel/nebula/packages/lib/hostexec"
	"github.com/nebula-panel/nebula/packages/lib/logging"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:           "nebula-agent",
		Short:         "Privileged command executor for nebula-api",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			runner := hostexec.NewLocal(cfg.CmdTimeout, cfg.DryRun, logging.Component(logger, "hostexec"))
			exe := executor.New(cfg, runner, logging.Component(logger, "executor"))

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return server.New(cfg, exe, logger).Run(ctx)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "YAML config file (NEBULA_AGENT_* env vars override it)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nebula-agent:", err)
		os.Exit(1)
	}
}
