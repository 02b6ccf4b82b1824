package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"arcane/internal/content"
	"arcane/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	loginFailedMessage = "login failed"
	minPasswordLength  = 8
)

var (
	ErrUserExists  = errors.New("user already exists")
	ErrLoginFailed = errors.New(loginFailedMessage)
)

// UserCredentials is the stored identity record: the public user plus
// the password hash and login throttling state.
type UserCredentials struct {
	models.User
	PasswordHash string
	// Counter of consecutive failed login attempts to throttle brute force attacks.
	FailedLoginAttempts int64
	LastAttemptTime     int64
}

func (uc *UserCredentials) ResetFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts = 0
	uc.LastAttemptTime = now.Unix()
}

func (uc *UserCredentials) IncrementFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts++
	uc.LastAttemptTime = now.Unix()
}

// CredentialsStore is the persistence capability the service needs.
type CredentialsStore interface {
	UpsertCredentials(credentials UserCredentials) error
	ListCredentials() ([]UserCredentials, error)
}

type Config struct {
	TokenExpiry time.Duration
}

func (c *Config) Validate() error {
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must be positive")
	}
	return nil
}

// Service implements email/password identity: sign-up creates the user
// record, sign-in yields a bearer token kept in a TTL cache.
type Service struct {
	Config
	store      CredentialsStore
	users      *geche.Locker[string, *UserCredentials]
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func NewService(ctx context.Context, config Config, store CredentialsStore) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		Config:     config,
		store:      store,
		users:      geche.NewLocker[string, *UserCredentials](geche.NewMapCache[string, *UserCredentials]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}

	creds, err := store.ListCredentials()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	tx := s.users.Lock()
	defer tx.Unlock()
	for i := range creds {
		tx.Set(creds[i].Email, &creds[i])
	}

	return s, nil
}

// SignUp registers a new user and returns the public user record.
func (s *Service) SignUp(email, username, password string) (models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return models.User{}, fmt.Errorf("%w: invalid email", models.ErrInvalidArgument)
	}
	if err := content.ValidateUsername(username); err != nil {
		return models.User{}, fmt.Errorf("%w: %s", models.ErrInvalidArgument, err)
	}
	if len(password) < minPasswordLength {
		return models.User{}, fmt.Errorf("%w: password must be at least %d characters", models.ErrInvalidArgument, minPasswordLength)
	}

	passwordHash, err := HashPassword(password)
	if err != nil {
		return models.User{}, err
	}

	now := s.now()
	tx := s.users.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(email); err == nil {
		return models.User{}, ErrUserExists
	}

	creds := &UserCredentials{
		User: models.User{
			ID:       uuid.NewString(),
			Email:    email,
			Username: username,
			Presence: models.Presence{
				Status:   models.StatusOffline,
				LastSeen: now.Unix(),
			},
			CreatedAt: now.Unix(),
		},
		PasswordHash: passwordHash,
	}

	if err := s.store.UpsertCredentials(*creds); err != nil {
		return models.User{}, fmt.Errorf("failed to persist credentials: %w", err)
	}
	tx.Set(email, creds)

	return creds.User, nil
}

// SignIn verifies the password and returns a live token for the user.
// Consecutive failures are throttled with a quadratic backoff.
func (s *Service) SignIn(email, password string) (models.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	now := s.now()

	tx := s.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(email)
	if err != nil {
		return models.User{}, "", ErrLoginFailed
	}

	if user.FailedLoginAttempts > 3 {
		nextAttempt := user.LastAttemptTime + 30*(user.FailedLoginAttempts*user.FailedLoginAttempts)
		if now.Unix() < nextAttempt {
			return models.User{}, "", fmt.Errorf("too many failed login attempts, next attempt in %d seconds", nextAttempt-now.Unix())
		}
	}

	ok, err := VerifyPassword(user.PasswordHash, password)
	if err != nil {
		slog.Error("password verification failed", "user_id", user.ID, "error", err)
		return models.User{}, "", ErrLoginFailed
	}
	if !ok {
		user.IncrementFailedLoginAttempts(now)
		return models.User{}, "", ErrLoginFailed
	}

	token, err := s.generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", user.ID, "error", err)
		return models.User{}, "", errors.New("internal error")
	}

	s.liveTokens.Set(token, user.ID)
	user.ResetFailedLoginAttempts(now)

	return user.User, token, nil
}

func (s *Service) Logoff(token string) error {
	return s.liveTokens.Del(token)
}

// GetUserID resolves a live token to a user id.
func (s *Service) GetUserID(token string) (string, error) {
	return s.liveTokens.Get(token)
}

// TokenExpiryUnix returns the absolute expiry for a token issued now.
func (s *Service) TokenExpiryUnix() int64 {
	return s.now().Unix() + int64(s.TokenExpiry.Seconds())
}

func (s *Service) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
