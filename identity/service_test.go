package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(NewMemoryStore(), bcrypt.MinCost, nil)
	require.NoError(t, err)
	return svc
}

func TestService_Register(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "  Alice@Example.com ", "correct horse", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, "Alice", user.Name)
	assert.NotEmpty(t, user.ID)
	assert.NotEqual(t, "correct horse", user.PasswordHash)
	assert.False(t, user.Created.IsZero())

	_, err = svc.Register(ctx, "ALICE@example.com", "another password", "")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestService_Register_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{"missing at", "not-an-email", "long enough", ErrInvalidEmail},
		{"display name form", "Bob <bob@example.com>", "long enough", ErrInvalidEmail},
		{"short password", "bob@example.com", "short", ErrWeakPassword},
		{"password over bcrypt limit", "bob@example.com", string(make([]byte, 73)), ErrWeakPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.email, tt.password, "")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Register() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestService_Authenticate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	registered, err := svc.Register(ctx, "carol@example.com", "s3cret-pass", "")
	require.NoError(t, err)

	user, err := svc.Authenticate(ctx, "Carol@Example.com", "s3cret-pass")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, user.ID)

	_, err = svc.Authenticate(ctx, "carol@example.com", "wrong-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "nobody@example.com", "s3cret-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials, "unknown users look like wrong passwords")

	found, err := svc.Lookup(ctx, registered.ID)
	require.NoError(t, err)
	assert.Equal(t, "carol@example.com", found.Email)

	_, err = svc.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
