package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/umportal/internal/digest"
	"github.com/ent0n29/umportal/internal/store"
)

func newDigestCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "digest",
		Short: "Compute and send the digest once",
		Long: `Compute, for every active user, the unstashed messages per tag and the
unsent drafts, and hand each non-empty digest to the log sender.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := opts.logger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			st, err := store.Open(ctx, cfg.DatabaseURL, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			sent, err := digest.Run(ctx, st, digest.LogSender{Logger: logger}, nil, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d digests sent\n", sent)
			return nil
		},
	}
}
