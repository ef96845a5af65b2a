package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/authserver/internal/util"
	"github.com/giantswarm/authserver/storage"
)

// dummySecret is hashed once and compared against when a client does not
// exist, so unknown and known clients cost the same bcrypt work.
const dummySecret = "authserver-dummy-client-secret"

// ClientRegistration describes a client to register
type ClientRegistration struct {
	// ClientID is generated when empty
	ClientID   string
	ClientName string

	// Secret is generated for confidential clients when empty
	Secret string
	Public bool

	RedirectURIs           []string
	PostLogoutRedirectURIs []string

	// GrantTypes defaults to authorization_code and refresh_token
	GrantTypes []string

	// Scopes defaults to every supported scope
	Scopes []string
}

// ClientRegistry looks up and authenticates registered clients.
// Lookups go through a short-lived cache; concurrent misses for the same
// client share one store read.
type ClientRegistry struct {
	store  storage.ClientStore
	calls  *storeCaller
	logger *slog.Logger

	cache *gocache.Cache // nil when caching is disabled
	group singleflight.Group

	hashCost  int
	dummyHash func() []byte
}

func newClientRegistry(store storage.ClientStore, calls *storeCaller, cacheTTL time.Duration, logger *slog.Logger) *ClientRegistry {
	r := &ClientRegistry{
		store:    store,
		calls:    calls,
		logger:   logger,
		hashCost: bcrypt.DefaultCost,
	}
	if cacheTTL > 0 {
		r.cache = gocache.New(cacheTTL, 2*cacheTTL)
	}
	r.dummyHash = sync.OnceValue(func() []byte {
		hash, err := bcrypt.GenerateFromPassword([]byte(dummySecret), bcrypt.DefaultCost)
		if err != nil {
			// Only fails for secrets over 72 bytes
			panic(fmt.Sprintf("failed to hash dummy secret: %v", err))
		}
		return hash
	})
	return r
}

// SetHashCost sets the bcrypt cost for newly registered secrets
func (r *ClientRegistry) SetHashCost(cost int) {
	r.hashCost = cost
}

// Lookup returns the client with clientID.
// An unknown client is an InvalidClient error that also matches storage.ErrClientNotFound.
func (r *ClientRegistry) Lookup(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, NewError(KindInvalidClient, "client_id is required")
	}
	if r.cache != nil {
		if v, ok := r.cache.Get(clientID); ok {
			return v.(*storage.Client).Clone(), nil
		}
	}

	// Shared loads must not fail because the first caller went away
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(clientID, func() (any, error) {
		return readStore(loadCtx, r.calls, "get_client", func(ctx context.Context) (*storage.Client, error) {
			return r.store.GetClient(ctx, clientID)
		})
	})
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, wrapError(KindInvalidClient, "unknown client", err)
		}
		return nil, storeError("get client", err)
	}

	client := v.(*storage.Client)
	if r.cache != nil {
		r.cache.SetDefault(clientID, client)
	}
	return client.Clone(), nil
}

// ValidateRedirectURI reports whether uri is registered for client (exact match)
func (r *ClientRegistry) ValidateRedirectURI(client *storage.Client, uri string) bool {
	return uri != "" && slices.Contains(client.RedirectURIs, uri)
}

// ValidatePostLogoutRedirectURI reports whether uri is a registered
// post-logout redirect for client (exact match)
func (r *ClientRegistry) ValidatePostLogoutRedirectURI(client *storage.Client, uri string) bool {
	return uri != "" && slices.Contains(client.PostLogoutRedirectURIs, uri)
}

// Authenticate verifies client credentials.
// Public clients authenticate by client_id alone and must not send a secret.
// Every failure is InvalidClient with the same description; a bcrypt
// comparison is performed on every path.
func (r *ClientRegistry) Authenticate(ctx context.Context, clientID, secret string) (*storage.Client, error) {
	client, err := r.Lookup(ctx, clientID)
	if err != nil {
		if KindOf(err) == KindInvalidClient {
			r.compareDummy(secret)
			return nil, wrapError(KindInvalidClient, "client authentication failed", err)
		}
		return nil, err
	}

	if client.IsPublic() {
		if secret != "" {
			r.compareDummy(secret)
			return nil, wrapError(KindInvalidClient, "client authentication failed", errors.New("public client presented a secret"))
		}
		return client, nil
	}

	if secret == "" {
		r.compareDummy(secret)
		return nil, wrapError(KindInvalidClient, "client authentication failed", errors.New("missing client secret"))
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
		return nil, wrapError(KindInvalidClient, "client authentication failed", errors.New("client secret mismatch"))
	}
	return client, nil
}

func (r *ClientRegistry) compareDummy(secret string) {
	_ = bcrypt.CompareHashAndPassword(r.dummyHash(), []byte(secret))
}

// Register validates and stores a new client. The plaintext secret is
// returned once and never stored; it is empty for public clients.
func (r *ClientRegistry) Register(ctx context.Context, reg ClientRegistration, supportedScopes []string) (*storage.Client, string, error) {
	client := &storage.Client{
		ClientID:               reg.ClientID,
		ClientName:             reg.ClientName,
		RedirectURIs:           slices.Clone(reg.RedirectURIs),
		PostLogoutRedirectURIs: slices.Clone(reg.PostLogoutRedirectURIs),
		GrantTypes:             slices.Clone(reg.GrantTypes),
		Scopes:                 slices.Clone(reg.Scopes),
		CreatedAt:              time.Now(),
	}
	if client.ClientID == "" {
		client.ClientID = uuid.NewString()
	}
	if len(client.GrantTypes) == 0 {
		client.GrantTypes = []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken}
	}
	if len(client.Scopes) == 0 {
		client.Scopes = slices.Clone(supportedScopes)
	}

	if err := validateRegistration(client, reg.Public, supportedScopes); err != nil {
		return nil, "", err
	}

	secret := ""
	if reg.Public {
		client.ClientType = storage.ClientTypePublic
	} else {
		client.ClientType = storage.ClientTypeConfidential
		secret = reg.Secret
		if secret == "" {
			secret = generateRandomToken()
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), r.hashCost)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.ClientSecretHash = string(hash)
	}

	if err := writeStoreErr(ctx, r.calls, "save_client", func(ctx context.Context) error {
		return r.store.SaveClient(ctx, client)
	}); err != nil {
		return nil, "", storeError("save client", err)
	}
	r.forget(client.ClientID)

	r.logger.Info("Registered OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"grant_types", client.GrantTypes)
	return client.Clone(), secret, nil
}

// Delete removes a client registration
func (r *ClientRegistry) Delete(ctx context.Context, clientID string) error {
	err := writeStoreErr(ctx, r.calls, "delete_client", func(ctx context.Context) error {
		return r.store.DeleteClient(ctx, clientID)
	})
	r.forget(clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return wrapError(KindInvalidClient, "unknown client", err)
		}
		return storeError("delete client", err)
	}
	return nil
}

// List returns every registered client
func (r *ClientRegistry) List(ctx context.Context) ([]*storage.Client, error) {
	clients, err := readStore(ctx, r.calls, "list_clients", r.store.ListClients)
	if err != nil {
		return nil, storeError("list clients", err)
	}
	return clients, nil
}

func (r *ClientRegistry) forget(clientID string) {
	if r.cache != nil {
		r.cache.Delete(clientID)
	}
}

func validateRegistration(client *storage.Client, public bool, supportedScopes []string) error {
	for _, gt := range client.GrantTypes {
		switch gt {
		case storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken:
		case storage.GrantTypeClientCredentials:
			if public {
				return NewError(KindInvalidRequest, "public clients cannot use client_credentials")
			}
		default:
			return NewError(KindInvalidRequest, fmt.Sprintf("unsupported grant type %q", gt))
		}
	}

	if client.AllowsGrant(storage.GrantTypeAuthorizationCode) && len(client.RedirectURIs) == 0 {
		return NewError(KindInvalidRequest, "authorization_code clients need at least one redirect URI")
	}
	for _, uri := range client.RedirectURIs {
		if err := util.ValidateRedirectURI(uri); err != nil {
			return wrapError(KindInvalidRequest, "invalid redirect URI", err)
		}
	}
	for _, uri := range client.PostLogoutRedirectURIs {
		if err := util.ValidateRedirectURI(uri); err != nil {
			return wrapError(KindInvalidRequest, "invalid post-logout redirect URI", err)
		}
	}

	for _, scope := range client.Scopes {
		if err := validateScopeToken(scope); err != nil {
			return wrapError(KindInvalidRequest, "invalid scope", err)
		}
		// client_credentials clients may hold API scopes the server does not advertise
		if !slices.Contains(supportedScopes, scope) && !client.AllowsGrant(storage.GrantTypeClientCredentials) {
			return NewError(KindInvalidRequest, fmt.Sprintf("scope %q is not supported", scope))
		}
	}
	return nil
}

// RegisterClient registers a client through the registry and audits it
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration) (*storage.Client, string, error) {
	client, secret, err := s.clients.Register(ctx, reg, s.Config.SupportedScopes)
	if err != nil {
		return nil, "", err
	}
	s.Auditor.LogClientRegistered(client.ClientID, client.ClientType)
	return client, secret, nil
}
