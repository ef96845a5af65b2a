package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/authserver/security"
	"github.com/giantswarm/authserver/signing"
)

func newKeysCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing keys",
	}
	cmd.AddCommand(newKeysGenerateCmd(c))
	return cmd
}

func newKeysGenerateCmd(c *cli) *cobra.Command {
	var out, encryptionKey string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a new Ed25519 signing key to an encrypted key file",
		Long: `Write a new Ed25519 signing key to an encrypted key file.

If the file already holds keys, the new key becomes active and the previous
one is retired; it keeps verifying tokens until keys.retire_after passes.

Without --encryption-key or keys.encryption_key a new AES-256 key is
generated and printed. Store it as AUTHSERVER_KEYS_ENCRYPTION_KEY.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				out = c.cfg.Keys.File
			}
			if out == "" {
				return fmt.Errorf("--out or keys.file is required")
			}
			if encryptionKey == "" {
				encryptionKey = c.cfg.Keys.EncryptionKey
			}

			generated := false
			if encryptionKey == "" {
				key, err := security.GenerateKey()
				if err != nil {
					return err
				}
				encryptionKey = security.KeyToBase64(key)
				generated = true
			}
			key, err := security.KeyFromBase64(encryptionKey)
			if err != nil {
				return fmt.Errorf("encryption key: %w", err)
			}
			enc, err := security.NewEncryptor(key)
			if err != nil {
				return err
			}

			active, err := generateKeyFile(signing.NewFileStore(out, enc), c.cfg.Keys.RetireAfter)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "kid:  %s\nfile: %s\n", active.ID, out)
			if generated {
				fmt.Fprintf(w, "encryption_key: %s\n", encryptionKey)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Key file to write (default keys.file)")
	cmd.Flags().StringVar(&encryptionKey, "encryption-key", "", "Base64 AES-256 key sealing the file (default keys.encryption_key)")
	return cmd
}

// generateKeyFile adds a fresh active key to the file, retiring the current one
func generateKeyFile(fs *signing.FileStore, retireAfter time.Duration) (*signing.Key, error) {
	existing, err := fs.Load()
	if err != nil {
		return nil, err
	}
	ring, err := signing.NewKeyRing(retireAfter, existing...)
	if err != nil {
		return nil, err
	}

	active, err := ring.Active(context.Background())
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		if active, err = ring.Rotate(); err != nil {
			return nil, err
		}
	}
	if err := fs.Save(ring.Keys()); err != nil {
		return nil, fmt.Errorf("save key file: %w", err)
	}
	return active, nil
}
