package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// MinPasswordLength is the shortest password Register accepts
	MinPasswordLength = 8

	// bcrypt only looks at the first 72 bytes
	maxPasswordBytes = 72
)

// Service registers and authenticates users
type Service struct {
	store     UserStore
	logger    *slog.Logger
	cost      int
	dummyHash []byte
	now       func() time.Time
}

// NewService creates a user service. cost <= 0 uses bcrypt.DefaultCost.
func NewService(store UserStore, cost int, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	// compared against when the email is unknown so both paths cost the same
	dummy, err := bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}
	return &Service{
		store:     store,
		logger:    logger,
		cost:      cost,
		dummyHash: dummy,
		now:       time.Now,
	}, nil
}

// NormalizeEmail trims and lower-cases an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a user with a bcrypt-hashed password
func (s *Service) Register(ctx context.Context, email, password, name string) (*User, error) {
	email = NormalizeEmail(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return nil, ErrInvalidEmail
	}
	if utf8.RuneCountInString(password) < MinPasswordLength || len(password) > maxPasswordBytes {
		return nil, fmt.Errorf("%w: must be %d to %d bytes", ErrWeakPassword, MinPasswordLength, maxPasswordBytes)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: string(hash),
		Created:      now,
		Modified:     now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("Registered user", "user_id", user.ID)
	return user, nil
}

// Authenticate checks an email and password pair.
// Unknown emails and wrong passwords both return ErrInvalidCredentials after a
// bcrypt comparison of the same cost.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.store.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// Lookup returns the user behind a subject identifier
func (s *Service) Lookup(ctx context.Context, id string) (*User, error) {
	return s.store.GetUserByID(ctx, id)
}
