package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/giantswarm/authserver/identity"
)

// ============================================================
// identity.UserStore Implementation
// ============================================================

var _ identity.UserStore = (*Store)(nil)

type userJSON struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name,omitempty"`
	PasswordHash string `json:"password_hash"`
	Created      int64  `json:"created"`
	Modified     int64  `json:"modified"`
}

// userKey returns the key for a user record: {prefix}user:{userID}
func (s *Store) userKey(userID string) string {
	return fmt.Sprintf("%suser:%s", s.prefix, userID)
}

// userEmailKey returns the key mapping an email to a user ID: {prefix}user-email:{email}
func (s *Store) userEmailKey(email string) string {
	return fmt.Sprintf("%suser-email:%s", s.prefix, email)
}

// CreateUser claims the email with SET NX before writing the record, so two
// concurrent registrations of one address cannot both succeed
func (s *Store) CreateUser(ctx context.Context, user *identity.User) error {
	if user == nil || user.ID == "" || user.Email == "" {
		return fmt.Errorf("user ID and email are required")
	}

	data, err := json.Marshal(userJSON{
		ID:           user.ID,
		Email:        user.Email,
		Name:         user.Name,
		PasswordHash: user.PasswordHash,
		Created:      user.Created.UnixMilli(),
		Modified:     user.Modified.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	claim := s.client.B().Set().Key(s.userEmailKey(user.Email)).Value(user.ID).Nx().Build()
	if err := s.client.Do(ctx, claim).Error(); err != nil {
		if isNilError(err) {
			return identity.ErrEmailTaken
		}
		return s.fail("claim user email", err)
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(s.userKey(user.ID)).Value(string(data)).Build()).Error(); err != nil {
		// release the email so a retry can succeed
		_ = s.client.Do(ctx, s.client.B().Del().Key(s.userEmailKey(user.Email)).Build()).Error()
		return s.fail("save user", err)
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	id, err := s.client.Do(ctx, s.client.B().Get().Key(s.userEmailKey(email)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, identity.ErrUserNotFound
		}
		return nil, s.fail("get user email", err)
	}
	return s.GetUserByID(ctx, id)
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*identity.User, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.userKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, identity.ErrUserNotFound
		}
		return nil, s.fail("get user", err)
	}

	var j userJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &identity.User{
		ID:           j.ID,
		Email:        j.Email,
		Name:         j.Name,
		PasswordHash: j.PasswordHash,
		Created:      fromMillis(j.Created),
		Modified:     fromMillis(j.Modified),
	}, nil
}
