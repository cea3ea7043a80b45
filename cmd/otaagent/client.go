package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/otelfleet/otaagent/pkg/agentclient"
	"github.com/spf13/cobra"
)

func newClientCommand() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Control a running agent",
	}
	cmd.PersistentFlags().StringVarP(&address, "address", "a", "localhost:8080", "agent control address")

	newClient := func() *agentclient.Client {
		return agentclient.New(agentclient.Config{ServerURL: address})
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "info",
			Short: "Show agent version, settings and firmware metadata",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				info, err := newClient().Info(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), info)
			},
		},
		&cobra.Command{
			Use:   "probe [server-address]",
			Short: "Check for an update now",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				server := ""
				if len(args) == 1 {
					server = args[0]
				}
				res, err := newClient().Probe(cmd.Context(), server)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			},
		},
		&cobra.Command{
			Use:   "local-install <path>",
			Short: "Install a package file present on the device",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				res, err := newClient().LocalInstall(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			},
		},
		&cobra.Command{
			Use:   "remote-install <url>",
			Short: "Fetch a package file and install it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				res, err := newClient().RemoteInstall(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			},
		},
		&cobra.Command{
			Use:   "abort-download",
			Short: "Abort the download in progress",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				msg, err := newClient().AbortDownload(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), msg)
				return nil
			},
		},
		&cobra.Command{
			Use:   "log",
			Short: "Dump the agent log buffer",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				entries, err := newClient().Log(cmd.Context())
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, e := range entries {
					fmt.Fprintf(w, "%s %-7s %s", e.Time, e.Level, e.Message)
					for k, v := range e.Data {
						fmt.Fprintf(w, " %s=%s", k, v)
					}
					fmt.Fprintln(w)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "state",
			Short: "Show the current state and download progress",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				st, err := newClient().State(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			},
		},
		&cobra.Command{
			Use:   "history",
			Short: "List finished installs, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				entries, err := newClient().History(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			},
		},
		&cobra.Command{
			Use:   "pause",
			Short: "Stop automatic polling",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				res, err := newClient().PausePolling(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			},
		},
		&cobra.Command{
			Use:   "resume",
			Short: "Resume automatic polling",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				res, err := newClient().ResumePolling(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			},
		},
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
