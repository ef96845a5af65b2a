// Package signing holds the Ed25519 keys used to sign JWT access tokens and
// ID tokens.
//
// A KeyRing has exactly one active key. Rotate promotes a freshly generated
// key; the previous one is kept for verification until RetireAfter has
// elapsed, so tokens signed just before a rotation stay verifiable for the
// rest of their lifetime. RetireAfter should therefore be at least the
// longest signed token lifetime.
package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Algorithm is the JWS algorithm of every key in this package
const Algorithm = "EdDSA"

// DefaultRetireAfter keeps a rotated key verifiable for a day
const DefaultRetireAfter = 24 * time.Hour

var (
	ErrNoActiveKey = errors.New("no active signing key")
	ErrKeyNotFound = errors.New("signing key not found")
)

// Key is one Ed25519 signing key
type Key struct {
	ID        string
	Private   ed25519.PrivateKey
	Public    ed25519.PublicKey
	Created   time.Time
	RetiredAt time.Time // zero while active
}

// KeySource provides the key to sign with and the keys to verify with.
// Implementations must be safe for concurrent use.
type KeySource interface {
	// Active returns the key new tokens are signed with
	Active(ctx context.Context) (*Key, error)

	// Lookup returns the active or a not yet expired retired key by ID
	Lookup(ctx context.Context, kid string) (*Key, error)

	// VerificationKeys returns every key published in the JWKS, active first
	VerificationKeys(ctx context.Context) ([]*Key, error)
}

// GenerateKey creates a new key with a random ID
func GenerateKey(now time.Time) (*Key, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return &Key{
		ID:      uuid.NewString(),
		Private: priv,
		Public:  pub,
		Created: now.UTC(),
	}, nil
}

// KeyRing is an in-memory KeySource with rotation
type KeyRing struct {
	mu          sync.RWMutex
	active      *Key
	retired     []*Key
	retireAfter time.Duration
	now         func() time.Time
}

var _ KeySource = (*KeyRing)(nil)

// NewKeyRing creates a ring from existing keys. The newest key without a
// RetiredAt becomes active; when there is none a key is generated.
func NewKeyRing(retireAfter time.Duration, keys ...*Key) (*KeyRing, error) {
	r := &KeyRing{retireAfter: retireAfter, now: time.Now}

	for _, k := range keys {
		if k.RetiredAt.IsZero() && (r.active == nil || k.Created.After(r.active.Created)) {
			if r.active != nil {
				r.active.RetiredAt = k.Created
				r.retired = append(r.retired, r.active)
			}
			r.active = k
			continue
		}
		if k.RetiredAt.IsZero() {
			k.RetiredAt = r.active.Created
		}
		r.retired = append(r.retired, k)
	}

	if r.active == nil {
		k, err := GenerateKey(r.now())
		if err != nil {
			return nil, err
		}
		r.active = k
	}
	r.prune()
	return r, nil
}

// Rotate generates a new active key and retires the current one
func (r *KeyRing) Rotate() (*Key, error) {
	k, err := GenerateKey(r.now())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		r.active.RetiredAt = k.Created
		r.retired = append(r.retired, r.active)
	}
	r.active = k
	r.prune()
	return k, nil
}

// prune drops retired keys older than retireAfter. Caller holds mu or owns r.
func (r *KeyRing) prune() {
	cutoff := r.now().Add(-r.retireAfter)
	r.retired = slices.DeleteFunc(r.retired, func(k *Key) bool {
		return k.RetiredAt.Before(cutoff)
	})
}

// Active returns the signing key
func (r *KeyRing) Active(context.Context) (*Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return nil, ErrNoActiveKey
	}
	return r.active, nil
}

// Lookup finds a verification key by ID
func (r *KeyRing) Lookup(_ context.Context, kid string) (*Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.active != nil && r.active.ID == kid {
		return r.active, nil
	}
	cutoff := r.now().Add(-r.retireAfter)
	for _, k := range r.retired {
		if k.ID == kid && !k.RetiredAt.Before(cutoff) {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
}

// VerificationKeys returns the active key followed by retired keys still in their grace window
func (r *KeyRing) VerificationKeys(context.Context) ([]*Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.active == nil {
		return nil, ErrNoActiveKey
	}
	keys := []*Key{r.active}
	cutoff := r.now().Add(-r.retireAfter)
	for i := len(r.retired) - 1; i >= 0; i-- {
		if !r.retired[i].RetiredAt.Before(cutoff) {
			keys = append(keys, r.retired[i])
		}
	}
	return keys, nil
}

// Keys returns every key held by the ring, for persisting with FileStore
func (r *KeyRing) Keys() []*Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Key{r.active}, r.retired...)
}

// JWK is an OKP public key as published in the JWKS (RFC 8037)
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	X   string `json:"x"`
}

// JWKS is the document served at /.well-known/jwks.json
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// BuildJWKS publishes the public half of every verification key
func BuildJWKS(ctx context.Context, src KeySource) (*JWKS, error) {
	keys, err := src.VerificationKeys(ctx)
	if err != nil {
		return nil, err
	}
	set := &JWKS{Keys: make([]JWK, 0, len(keys))}
	for _, k := range keys {
		set.Keys = append(set.Keys, JWK{
			Kty: "OKP",
			Crv: "Ed25519",
			Kid: k.ID,
			Alg: Algorithm,
			Use: "sig",
			X:   base64.RawURLEncoding.EncodeToString(k.Public),
		})
	}
	return set, nil
}
