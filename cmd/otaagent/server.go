package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/otelfleet/otaagent/pkg/agenterr"
	"github.com/otelfleet/otaagent/pkg/installmode"
	"github.com/otelfleet/otaagent/pkg/logutil"
	"github.com/otelfleet/otaagent/pkg/server"
	"github.com/otelfleet/otaagent/pkg/settings"
	"github.com/otelfleet/otaagent/pkg/util/contextutil"
	"github.com/spf13/cobra"
)

func newServerCommand() *cobra.Command {
	var (
		configPath string
		verbosity  string
	)
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the update agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lvl, ok := logutil.ParseLevel(verbosity)
			if !ok {
				return agenterr.Config("verbosity", fmt.Errorf("unknown level %q", verbosity))
			}
			logutil.SetLevel(lvl)

			s, err := settings.Load(configPath)
			if err != nil {
				return err
			}
			if err := s.Validate(installmode.DefaultRegistry().Modes()...); err != nil {
				return err
			}

			cfg := server.Config{
				Version:  version,
				Settings: s,
			}
			if _, err := os.Stat(configPath); err == nil {
				cfg.SettingsPath = configPath
			}
			agent, err := server.New(cfg)
			if err != nil {
				return err
			}

			ctx := contextutil.SetupSignals(cmd.Context())
			err = agent.Run(ctx)
			if errors.Is(context.Cause(ctx), contextutil.ErrShutdown) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", settings.DefaultPath, "settings file")
	cmd.Flags().StringVarP(&verbosity, "verbosity", "v", "info", "log level: trace, debug, info, warning or error")
	return cmd
}
