// Package mock provides a fault-injecting storage.Store for testing.
//
// Store wraps a real backend (usually storage/memory) and lets a test make
// individual operations fail, or hang until their context is cancelled,
// while every other call goes through unchanged.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/authserver/storage"
)

// Operation names accepted by FailTimes, Block and Calls
const (
	OpSaveClient               = "SaveClient"
	OpGetClient                = "GetClient"
	OpListClients              = "ListClients"
	OpDeleteClient             = "DeleteClient"
	OpSaveAuthorizationCode    = "SaveAuthorizationCode"
	OpGetAuthorizationCode     = "GetAuthorizationCode"
	OpConsumeAuthorizationCode = "ConsumeAuthorizationCode"
	OpSaveToken                = "SaveToken"
	OpGetToken                 = "GetToken"
	OpRevokeToken              = "RevokeToken"
	OpConsumeRefreshToken      = "ConsumeRefreshToken"
	OpRevokeTokens             = "RevokeTokens"
	OpSaveSession              = "SaveSession"
	OpGetSession               = "GetSession"
	OpDeleteSession            = "DeleteSession"
	OpGrantConsent             = "GrantConsent"
	OpGetConsent               = "GetConsent"
	OpRevokeConsent            = "RevokeConsent"
)

const failForever = -1

type fault struct {
	err       error
	remaining int // failForever for no limit
	block     bool
}

// Store delegates to Backend except where a fault has been injected
type Store struct {
	Backend storage.Store

	mu         sync.Mutex
	faults     map[string]*fault
	callCounts map[string]int
}

var _ storage.Store = (*Store)(nil)

// NewStore wraps backend
func NewStore(backend storage.Store) *Store {
	return &Store{
		Backend:    backend,
		faults:     make(map[string]*fault),
		callCounts: make(map[string]int),
	}
}

// FailTimes makes the next n calls of op return err. n < 0 fails every call.
func (m *Store) FailTimes(op string, err error, n int) {
	if n < 0 {
		n = failForever
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = &fault{err: err, remaining: n}
}

// FailTransient makes the next n calls of op fail with a transient error
func (m *Store) FailTransient(op string, n int) {
	m.FailTimes(op, storage.MarkTransient(context.DeadlineExceeded), n)
}

// Block makes every call of op wait until its context is done and return the
// classified context error, which simulates a backend that stopped answering.
func (m *Store) Block(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = &fault{block: true, remaining: failForever}
}

// Reset removes all injected faults
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = make(map[string]*fault)
}

// Calls returns how many times op was invoked, faulted calls included
func (m *Store) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[op]
}

func (m *Store) intercept(ctx context.Context, op string) error {
	m.mu.Lock()
	m.callCounts[op]++
	f, ok := m.faults[op]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(m.faults, op)
		}
	}
	m.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return storage.ClassifyError(ctx.Err())
	}
	return f.err
}

// ============================================================
// ClientStore
// ============================================================

func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if err := m.intercept(ctx, OpSaveClient); err != nil {
		return err
	}
	return m.Backend.SaveClient(ctx, client)
}

func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if err := m.intercept(ctx, OpGetClient); err != nil {
		return nil, err
	}
	return m.Backend.GetClient(ctx, clientID)
}

func (m *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	if err := m.intercept(ctx, OpListClients); err != nil {
		return nil, err
	}
	return m.Backend.ListClients(ctx)
}

func (m *Store) DeleteClient(ctx context.Context, clientID string) error {
	if err := m.intercept(ctx, OpDeleteClient); err != nil {
		return err
	}
	return m.Backend.DeleteClient(ctx, clientID)
}

// ============================================================
// CodeStore
// ============================================================

func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if err := m.intercept(ctx, OpSaveAuthorizationCode); err != nil {
		return err
	}
	return m.Backend.SaveAuthorizationCode(ctx, code)
}

func (m *Store) GetAuthorizationCode(ctx context.Context, codeID string) (*storage.AuthorizationCode, error) {
	if err := m.intercept(ctx, OpGetAuthorizationCode); err != nil {
		return nil, err
	}
	return m.Backend.GetAuthorizationCode(ctx, codeID)
}

func (m *Store) ConsumeAuthorizationCode(ctx context.Context, codeID string, match storage.CodeMatch) (*storage.AuthorizationCode, error) {
	if err := m.intercept(ctx, OpConsumeAuthorizationCode); err != nil {
		return nil, err
	}
	return m.Backend.ConsumeAuthorizationCode(ctx, codeID, match)
}

// ============================================================
// TokenStore
// ============================================================

func (m *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if err := m.intercept(ctx, OpSaveToken); err != nil {
		return err
	}
	return m.Backend.SaveToken(ctx, token)
}

func (m *Store) GetToken(ctx context.Context, tokenID string) (*storage.Token, error) {
	if err := m.intercept(ctx, OpGetToken); err != nil {
		return nil, err
	}
	return m.Backend.GetToken(ctx, tokenID)
}

func (m *Store) RevokeToken(ctx context.Context, tokenID string) (bool, error) {
	if err := m.intercept(ctx, OpRevokeToken); err != nil {
		return false, err
	}
	return m.Backend.RevokeToken(ctx, tokenID)
}

func (m *Store) ConsumeRefreshToken(ctx context.Context, tokenID, clientID string) (*storage.Token, error) {
	if err := m.intercept(ctx, OpConsumeRefreshToken); err != nil {
		return nil, err
	}
	return m.Backend.ConsumeRefreshToken(ctx, tokenID, clientID)
}

func (m *Store) RevokeTokens(ctx context.Context, filter storage.TokenFilter) (int, error) {
	if err := m.intercept(ctx, OpRevokeTokens); err != nil {
		return 0, err
	}
	return m.Backend.RevokeTokens(ctx, filter)
}

// ============================================================
// SessionStore
// ============================================================

func (m *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	if err := m.intercept(ctx, OpSaveSession); err != nil {
		return err
	}
	return m.Backend.SaveSession(ctx, session)
}

func (m *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	if err := m.intercept(ctx, OpGetSession); err != nil {
		return nil, err
	}
	return m.Backend.GetSession(ctx, sessionID)
}

func (m *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := m.intercept(ctx, OpDeleteSession); err != nil {
		return err
	}
	return m.Backend.DeleteSession(ctx, sessionID)
}

// ============================================================
// ConsentStore
// ============================================================

func (m *Store) GrantConsent(ctx context.Context, subjectID, clientID string, scopes []string) (*storage.Consent, error) {
	if err := m.intercept(ctx, OpGrantConsent); err != nil {
		return nil, err
	}
	return m.Backend.GrantConsent(ctx, subjectID, clientID, scopes)
}

func (m *Store) GetConsent(ctx context.Context, subjectID, clientID string) (*storage.Consent, error) {
	if err := m.intercept(ctx, OpGetConsent); err != nil {
		return nil, err
	}
	return m.Backend.GetConsent(ctx, subjectID, clientID)
}

func (m *Store) RevokeConsent(ctx context.Context, subjectID, clientID string) error {
	if err := m.intercept(ctx, OpRevokeConsent); err != nil {
		return err
	}
	return m.Backend.RevokeConsent(ctx, subjectID, clientID)
}
