// Package identity manages the end users who sign in to the authorization server.
//
// Users are identified by a UUID and a unique, case-insensitive email address.
// Passwords are stored as bcrypt hashes only.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = errors.New("password does not meet requirements")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// User is a registered end user
type User struct {
	ID           string
	Email        string // normalised to lower case
	Name         string
	PasswordHash string
	Created      time.Time
	Modified     time.Time
}

// UserStore persists users. storage/postgres, storage/valkey and the in-memory
// MemoryStore implement it.
type UserStore interface {
	// CreateUser inserts a new user. Returns ErrEmailTaken when the email exists.
	CreateUser(ctx context.Context, user *User) error

	// GetUserByEmail looks up a normalised email. Returns ErrUserNotFound.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// GetUserByID returns ErrUserNotFound for unknown IDs
	GetUserByID(ctx context.Context, id string) (*User, error)
}
