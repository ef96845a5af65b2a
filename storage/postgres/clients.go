package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/authserver/storage"
)

const clientColumns = `client_id, client_secret_hash, client_type, client_name, redirect_uris,
	post_logout_redirect_uris, grant_types, scopes, created_at`

// SaveClient creates or replaces a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client and client ID are required")
	}

	const q = `
INSERT INTO oauth_clients (` + clientColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()))
ON CONFLICT (client_id) DO UPDATE SET
	client_secret_hash        = EXCLUDED.client_secret_hash,
	client_type               = EXCLUDED.client_type,
	client_name               = EXCLUDED.client_name,
	redirect_uris             = EXCLUDED.redirect_uris,
	post_logout_redirect_uris = EXCLUDED.post_logout_redirect_uris,
	grant_types               = EXCLUDED.grant_types,
	scopes                    = EXCLUDED.scopes;
`
	_, err := s.pool.Exec(ctx, q,
		client.ClientID,
		client.ClientSecretHash,
		client.ClientType,
		client.ClientName,
		nonNil(client.RedirectURIs),
		nonNil(client.PostLogoutRedirectURIs),
		nonNil(client.GrantTypes),
		nonNil(client.Scopes),
		nullTime(client.CreatedAt),
	)
	if err != nil {
		return s.fail("save client", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM oauth_clients WHERE client_id = $1`, clientID)
	client, err := scanClient(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, s.fail("get client", err)
	}
	return client, nil
}

// ListClients lists all registered clients ordered by ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+clientColumns+` FROM oauth_clients ORDER BY client_id ASC`)
	if err != nil {
		return nil, s.fail("list clients", err)
	}
	defer rows.Close()

	clients := make([]*storage.Client, 0, 16)
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, s.fail("scan client", err)
		}
		clients = append(clients, client)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list clients", err)
	}
	return clients, nil
}

// DeleteClient removes a client registration
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM oauth_clients WHERE client_id = $1`, clientID)
	if err != nil {
		return s.fail("delete client", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return nil
}

func scanClient(row pgx.Row) (*storage.Client, error) {
	var c storage.Client
	err := row.Scan(
		&c.ClientID,
		&c.ClientSecretHash,
		&c.ClientType,
		&c.ClientName,
		&c.RedirectURIs,
		&c.PostLogoutRedirectURIs,
		&c.GrantTypes,
		&c.Scopes,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
