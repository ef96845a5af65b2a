package postgres

import (
	"context"

	"github.com/giantswarm/authserver/identity"
)

// CreateUser inserts a new user; a duplicate email maps to identity.ErrEmailTaken
func (s *Store) CreateUser(ctx context.Context, user *identity.User) error {
	const q = `
INSERT INTO users (id, email, name, password_hash, created, modified)
VALUES ($1, $2, $3, $4, $5, $6);
`
	_, err := s.pool.Exec(ctx, q, user.ID, user.Email, user.Name, user.PasswordHash, user.Created, user.Modified)
	if err != nil {
		if isUniqueViolation(err) {
			return identity.ErrEmailTaken
		}
		return s.fail("create user", err)
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	return s.getUser(ctx, `SELECT id, email, name, password_hash, created, modified FROM users WHERE email = $1`, email)
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*identity.User, error) {
	return s.getUser(ctx, `SELECT id, email, name, password_hash, created, modified FROM users WHERE id = $1`, id)
}

func (s *Store) getUser(ctx context.Context, q, arg string) (*identity.User, error) {
	var u identity.User
	err := s.pool.QueryRow(ctx, q, arg).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Created, &u.Modified)
	if err != nil {
		if isNoRows(err) {
			return nil, identity.ErrUserNotFound
		}
		return nil, s.fail("get user", err)
	}
	return &u, nil
}
