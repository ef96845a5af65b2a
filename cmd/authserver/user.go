package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUserCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage end users",
	}
	cmd.AddCommand(newUserCreateCmd(c))
	return cmd
}

func newUserCreateCmd(c *cli) *cobra.Command {
	var email, password, name string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a user who can sign in on the login page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if !a.backend.persistent {
				return errEphemeralStore
			}

			user, err := a.users.Register(ctx, email, password, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user_id: %s\nemail:   %s\n", user.ID, user.Email)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address used to sign in")
	cmd.Flags().StringVar(&password, "password", "", "Password")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}
