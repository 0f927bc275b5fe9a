package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ent0n29/umportal/internal/config"
)

type rootOptions struct {
	Verbose bool
	JSONLog bool
}

func (o *rootOptions) logger() *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, hopts)
	if o.JSONLog {
		h = slog.NewJSONHandler(os.Stderr, hopts)
	}
	return slog.New(h)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "umportal",
		Short: "Real-time multi-user message portal",
		Long: `umportal serves the message portal over WebSocket.

Configuration comes from .env, the YAML file named by APP_CONFIG_FILE and
environment variables, in that order. Run without a subcommand to serve.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().BoolVar(&opts.JSONLog, "json-log", false, "log as JSON lines")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newDigestCommand(opts))
	cmd.AddCommand(newUserCommand(opts))
	cmd.AddCommand(newAssignmentCommand(opts))
	return cmd
}

func loadConfig() (config.Config, error) {
	return config.Load()
}
