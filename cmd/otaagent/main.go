package main

import (
	"context"
	"log/slog"
	"os"

	_ "github.com/otelfleet/otaagent/pkg/logutil"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "otaagent",
		Short:         "Over-the-air update agent",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServerCommand(), newClientCommand())
	return root
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		slog.Default().With("err", err).Error("otaagent failed")
		os.Exit(1)
	}
}
