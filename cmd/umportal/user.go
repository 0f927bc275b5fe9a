package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ent0n29/umportal/internal/policy"
	"github.com/ent0n29/umportal/internal/store"
)

type userAddOptions struct {
	Email string
	Key   string
	Admin bool
}

func newUserCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage portal users",
	}
	cmd.AddCommand(newUserAddCommand(opts))
	return cmd
}

func newUserAddCommand(opts *rootOptions) *cobra.Command {
	add := &userAddOptions{}
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a user and their personal tag",
		Long: `Create an active user. The user's access key is printed once; pass --key
to choose it instead of generating one.

Example:
  umportal user add ann --email ann@example.com
  umportal user add root --admin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := policy.ValidateName(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required: users of the in-memory store vanish on exit")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			st, err := store.Open(ctx, cfg.DatabaseURL, opts.logger())
			if err != nil {
				return err
			}
			defer st.Close()

			key := add.Key
			if key == "" {
				key = uuid.NewString()
			}
			u, err := st.CreateUser(ctx, store.User{
				Username:  name,
				Email:     add.Email,
				AccessKey: key,
				Active:    true,
				Admin:     add.Admin,
			})
			if err != nil {
				return fmt.Errorf("create user %q: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (id %d)\naccess key: %s\n", u.Username, u.ID, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&add.Email, "email", "", "address for digests")
	cmd.Flags().StringVar(&add.Key, "key", "", "access key (generated when empty)")
	cmd.Flags().BoolVar(&add.Admin, "admin", false, "grant administrator rights")
	return cmd
}
