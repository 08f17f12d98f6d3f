// Package auth handles registration, login, and bearer-token resolution.
// The core trusts only the (token -> user_id) mapping; everything else about
// the credential is internal to this package.
package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/promethea-labs/promethea/internal/store"
	"github.com/promethea-labs/promethea/pkg/models"
)

const (
	minPasswordLen = 6
	maxUsernameLen = 64
)

// Service authenticates users against the store and issues bearer tokens.
type Service struct {
	store store.Store
	jwt   *JWTService

	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewService builds the auth service. The JWT secret must come from the
// environment-backed config layer.
func NewService(st store.Store, jwtSecret string, expiry time.Duration) *Service {
	return &Service{
		store:   st,
		jwt:     NewJWTService(jwtSecret, expiry),
		revoked: map[string]time.Time{},
	}
}

// Register creates a user and returns it with a fresh token.
func (s *Service) Register(ctx context.Context, username, password, agentName string) (*models.User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(username) > maxUsernameLen {
		return nil, "", models.E(models.KindInvalidArguments, "username is required")
	}
	if len(password) < minPasswordLen {
		return nil, "", models.Ef(models.KindInvalidArguments, "password must be at least %d characters", minPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", models.Wrap(models.KindInternal, "hash password", err)
	}

	user := &models.User{
		Username:     username,
		PasswordHash: string(hash),
		AgentName:    strings.TrimSpace(agentName),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, "", err
	}

	token, err := s.jwt.Generate(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login verifies credentials and issues a token. Unknown username and wrong
// password produce the same error.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, string, error) {
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if models.IsKind(err, models.KindNotFound) {
			return nil, "", models.E(models.KindUnauthorized, "invalid username or password")
		}
		return nil, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, "", models.E(models.KindUnauthorized, "invalid username or password")
	}

	token, err := s.jwt.Generate(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Resolve validates a bearer token and returns the user it names.
func (s *Service) Resolve(ctx context.Context, token string) (*models.User, error) {
	claims, err := s.jwt.Validate(token)
	if err != nil {
		return nil, err
	}
	if s.isRevoked(claims.ID) {
		return nil, models.E(models.KindUnauthorized, "token revoked")
	}
	user, err := s.store.GetUser(ctx, claims.Subject)
	if err != nil {
		if models.IsKind(err, models.KindNotFound) {
			return nil, models.E(models.KindUnauthorized, "invalid token")
		}
		return nil, err
	}
	return user, nil
}

// Revoke invalidates a token before its natural expiry (logout).
func (s *Service) Revoke(token string) {
	claims, err := s.jwt.Validate(token)
	if err != nil {
		return
	}
	expiry := time.Now().Add(s.jwt.expiry)
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	s.mu.Lock()
	s.revoked[claims.ID] = expiry
	s.mu.Unlock()
}

func (s *Service) isRevoked(tokenID string) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, exp := range s.revoked {
		if exp.Before(now) {
			delete(s.revoked, id)
		}
	}
	_, revoked := s.revoked[tokenID]
	return revoked
}

type userContextKey struct{}

// WithUser attaches the authenticated user to the context.
func WithUser(ctx context.Context, user *models.User) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext retrieves the authenticated user from the context.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userContextKey{}).(*models.User)
	return user, ok
}
