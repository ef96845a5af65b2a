package valkey

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/giantswarm/authserver/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errRecordTooLarge
	}

	key := s.clientKey(client.ClientID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return s.fail("save client", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, s.fail("get client", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return fromClientJSON(&j), nil
}

// ListClients lists all registered clients ordered by ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	pattern := s.clientKey("*")

	// SCAN can return a key more than once
	clientMap := make(map[string]*storage.Client)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, s.fail("scan clients", err)
		}

		for _, key := range result.Elements {
			if _, exists := clientMap[key]; exists {
				continue
			}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // deleted between SCAN and GET
				}
				return nil, s.fail("get client", err)
			}

			var j clientJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal client, skipping",
					"key", key,
					"error", err)
				continue
			}
			clientMap[key] = fromClientJSON(&j)
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	clients := make([]*storage.Client, 0, len(clientMap))
	for _, c := range clientMap {
		clients = append(clients, c)
	}
	slices.SortFunc(clients, func(a, b *storage.Client) int {
		return cmp.Compare(a.ClientID, b.ClientID)
	})
	return clients, nil
}

// DeleteClient removes a client registration
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	n, err := s.client.Do(ctx, s.client.B().Del().Key(s.clientKey(clientID)).Build()).AsInt64()
	if err != nil {
		return s.fail("delete client", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return nil
}

// clientJSON is the JSON representation of an OAuth client
type clientJSON struct {
	ClientID               string   `json:"client_id"`
	ClientSecretHash       string   `json:"client_secret_hash,omitempty"`
	ClientType             string   `json:"client_type"`
	ClientName             string   `json:"client_name,omitempty"`
	RedirectURIs           []string `json:"redirect_uris"`
	PostLogoutRedirectURIs []string `json:"post_logout_redirect_uris,omitempty"`
	GrantTypes             []string `json:"grant_types,omitempty"`
	Scopes                 []string `json:"scopes,omitempty"`
	CreatedAt              int64    `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:               client.ClientID,
		ClientSecretHash:       client.ClientSecretHash,
		ClientType:             client.ClientType,
		ClientName:             client.ClientName,
		RedirectURIs:           client.RedirectURIs,
		PostLogoutRedirectURIs: client.PostLogoutRedirectURIs,
		GrantTypes:             client.GrantTypes,
		Scopes:                 client.Scopes,
		CreatedAt:              client.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:               j.ClientID,
		ClientSecretHash:       j.ClientSecretHash,
		ClientType:             j.ClientType,
		ClientName:             j.ClientName,
		RedirectURIs:           j.RedirectURIs,
		PostLogoutRedirectURIs: j.PostLogoutRedirectURIs,
		GrantTypes:             j.GrantTypes,
		Scopes:                 j.Scopes,
		CreatedAt:              time.Unix(j.CreatedAt, 0),
	}
}
