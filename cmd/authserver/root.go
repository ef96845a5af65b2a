package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/authserver/internal/config"
)

// cli holds the state shared by every subcommand once the root command has
// loaded the configuration
type cli struct {
	configFile string
	envFile    string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:               "authserver",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "OAuth 2.0 and OpenID Connect authorization server",
		Long: `authserver issues authorization codes, access tokens, refresh tokens and
ID tokens to registered clients, and runs the browser login and consent pages.

Configuration is read from a YAML file (--config) and overridden by PORT and
AUTHSERVER_* environment variables, which may also come from a .env file.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&c.configFile, "config", "c", os.Getenv("AUTHSERVER_CONFIG"),
		"Path to the YAML configuration file (env AUTHSERVER_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&c.envFile, "env-file", ".env",
		"Load environment variables from this file if it exists")

	rootCmd.AddCommand(
		newServeCmd(c),
		newClientCmd(c),
		newUserCmd(c),
		newKeysCmd(c),
	)
	return rootCmd
}

func (c *cli) load(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(c.envFile, cmd.Flags().Changed("env-file")); err != nil {
		return err
	}
	cfg, err := config.Load(c.configFile)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}
