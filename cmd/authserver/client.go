package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/authserver/server"
)

// errEphemeralStore rejects admin commands whose result would vanish on exit
var errEphemeralStore = errors.New("the memory storage driver does not persist; configure valkey or postgres")

func newClientCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage OAuth clients",
	}
	cmd.AddCommand(newClientCreateCmd(c))
	return cmd
}

func newClientCreateCmd(c *cli) *cobra.Command {
	var reg server.ClientRegistration

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a client in the configured store",
		Long: `Register a client in the configured store.

For confidential clients a secret is generated unless --secret is given. The
secret is printed once and only its bcrypt hash is stored.`,
		Args: cobra.NoArgs,
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

			client, secret, err := a.server.RegisterClient(ctx, reg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "client_id:     %s\n", client.ClientID)
			fmt.Fprintf(out, "client_type:   %s\n", client.ClientType)
			if secret != "" {
				fmt.Fprintf(out, "client_secret: %s\n", secret)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&reg.ClientID, "id", "", "Client ID (generated when empty)")
	f.StringVar(&reg.ClientName, "name", "", "Display name shown on the consent page")
	f.StringVar(&reg.Secret, "secret", "", "Client secret (generated when empty)")
	f.BoolVar(&reg.Public, "public", false, "Register a public client without a secret")
	f.StringSliceVar(&reg.RedirectURIs, "redirect-uri", nil, "Allowed redirect URI (repeatable)")
	f.StringSliceVar(&reg.PostLogoutRedirectURIs, "post-logout-redirect-uri", nil, "Allowed post-logout redirect URI (repeatable)")
	f.StringSliceVar(&reg.GrantTypes, "grant", nil, "Allowed grant type (repeatable, default authorization_code,refresh_token)")
	f.StringSliceVar(&reg.Scopes, "scope", nil, "Allowed scope (repeatable, default every supported scope)")
	return cmd
}
