package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/umportal/internal/store"
)

const dateLayout = "2006-01-02"

type assignmentAddOptions struct {
	Subject string
	Title   string
	Starts  string
	Due     string
}

func newAssignmentCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assignment",
		Short: "Manage assignments",
	}
	cmd.AddCommand(newAssignmentAddCommand(opts))
	return cmd
}

func newAssignmentAddCommand(opts *rootOptions) *cobra.Command {
	add := &assignmentAddOptions{}
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Set an assignment for a user",
		Long: `Set an assignment for a user. Dates are YYYY-MM-DD; --starts defaults to
today.

Example:
  umportal assignment add ann --subject Math --title "Fractions quiz" --due 2026-03-12`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := add.assignment(time.Now())
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required: assignments in the in-memory store vanish on exit")
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

			u, err := userNamed(ctx, st, args[0])
			if err != nil {
				return err
			}
			a.UserID = u.ID
			a, err = st.CreateAssignment(ctx, a)
			if err != nil {
				return fmt.Errorf("create assignment: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created assignment %d for %s, due %s\n", a.ID, u.Username, a.DueOn.Format(dateLayout))
			return nil
		},
	}
	cmd.Flags().StringVar(&add.Subject, "subject", "", "subject (required)")
	cmd.Flags().StringVar(&add.Title, "title", "", "title (required)")
	cmd.Flags().StringVar(&add.Starts, "starts", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&add.Due, "due", "", "due day, YYYY-MM-DD (required)")
	return cmd
}

func (o *assignmentAddOptions) assignment(now time.Time) (store.Assignment, error) {
	a := store.Assignment{Subject: strings.TrimSpace(o.Subject), Title: strings.TrimSpace(o.Title), StartsOn: store.Day(now)}
	if a.Subject == "" || a.Title == "" {
		return store.Assignment{}, fmt.Errorf("--subject and --title are required")
	}
	due, err := time.Parse(dateLayout, strings.TrimSpace(o.Due))
	if err != nil {
		return store.Assignment{}, fmt.Errorf("--due: %w", err)
	}
	a.DueOn = due
	if strings.TrimSpace(o.Starts) != "" {
		if a.StartsOn, err = time.Parse(dateLayout, strings.TrimSpace(o.Starts)); err != nil {
			return store.Assignment{}, fmt.Errorf("--starts: %w", err)
		}
	}
	if a.DueOn.Before(a.StartsOn) {
		return store.Assignment{}, fmt.Errorf("due date %s is before start %s", o.Due, a.StartsOn.Format(dateLayout))
	}
	return a, nil
}

func userNamed(ctx context.Context, q store.Queries, name string) (store.User, error) {
	users, err := q.SearchUsers(ctx, name, true)
	if err != nil {
		return store.User{}, err
	}
	for _, u := range users {
		if strings.EqualFold(u.Username, strings.TrimSpace(name)) {
			return u, nil
		}
	}
	return store.User{}, fmt.Errorf("no user named %q", name)
}
