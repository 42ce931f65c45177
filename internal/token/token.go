// Package token issues and verifies signed access tokens and opaque refresh
// tokens, and supports immediate revocation through a TTL-bounded blacklist.
//
// Token lifecycle: Issued -> Valid -> Expired or Revoked. Callers only see
// the distinction through the returned error kind.
package token

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrMissingSecret is returned at construction when no signing secret is
	// configured. Fatal at startup, never per-request.
	ErrMissingSecret = errors.New("token: signing secret is not set")
	// ErrInvalidToken covers malformed tokens and bad signatures.
	ErrInvalidToken = errors.New("token: invalid token")
	// ErrExpiredToken is returned when a token's expiry has passed.
	ErrExpiredToken = errors.New("token: expired token")
	// ErrRevoked is returned for tokens present on the blacklist.
	ErrRevoked = errors.New("token: revoked token")
	// ErrInvalidRefreshToken is returned when the presented refresh token does
	// not match the one on record.
	ErrInvalidRefreshToken = errors.New("token: invalid refresh token")
	// ErrCacheUnavailable wraps cache connectivity failures.
	ErrCacheUnavailable = errors.New("token: cache unavailable")
)

const refreshTokenBytes = 32

// Claims are the signed contents of an access token: identity id, role name,
// and the registered expiry/issued-at set.
type Claims struct {
	UserID string `json:"id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Config holds token lifetimes and the process-wide signing secret.
type Config struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Service issues and verifies tokens. Safe for concurrent use.
type Service struct {
	redis  redis.UniversalClient
	config Config
	now    func() time.Time
}

// NewService validates the config and returns a Service. An unset secret is
// a configuration error.
func NewService(redisClient redis.UniversalClient, cfg Config) (*Service, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrMissingSecret
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 24 * time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	return &Service{redis: redisClient, config: cfg, now: time.Now}, nil
}

func refreshKey(userID string) string  { return userID + "-refresh" }
func blacklistKey(token string) string { return "blacklist-" + token }

// IssueAccess produces a compact HS256-signed token embedding the identity
// id, role, and an absolute expiry.
func (s *Service) IssueAccess(userID, role string) (string, error) {
	issued := s.now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(issued.Add(s.config.AccessTTL)),
			IssuedAt:  jwt.NewNumericDate(issued),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.Secret)
}

// IssueRefresh generates a high-entropy opaque token and stores it keyed by
// identity, overwriting any prior value. One active refresh token per
// identity: logging in again implicitly invalidates the previous one.
func (s *Service) IssueRefresh(ctx context.Context, userID string) (string, error) {
	raw := make([]byte, refreshTokenBytes)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)

	if err := s.redis.Set(ctx, refreshKey(userID), token, s.config.RefreshTTL).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return token, nil
}

// VerifyAccess checks signature and expiry, then the revocation blacklist.
func (s *Service) VerifyAccess(ctx context.Context, tokenStr string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	var claims Claims
	parsed, err := parser.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.config.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	revoked, err := s.redis.Exists(ctx, blacklistKey(tokenStr)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if revoked > 0 {
		return nil, ErrRevoked
	}

	return &claims, nil
}

// Revoke inserts the token into the blacklist for its remaining lifetime.
// The entry disappears no later than the token would have expired anyway, so
// blacklist storage is bounded to revoked-and-not-yet-expired tokens.
func (s *Service) Revoke(ctx context.Context, tokenStr string, remaining time.Duration) error {
	if remaining <= 0 {
		return nil
	}
	if err := s.redis.Set(ctx, blacklistKey(tokenStr), "revoked", remaining).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// Refresh exchanges a valid refresh token for a new access token. The
// refresh token itself is not rotated.
func (s *Service) Refresh(ctx context.Context, userID, role, presented string) (string, error) {
	stored, err := s.redis.Get(ctx, refreshKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrInvalidRefreshToken
		}
		return "", fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		return "", ErrInvalidRefreshToken
	}

	return s.IssueAccess(userID, role)
}

// DropRefresh removes the stored refresh token, e.g. on logout.
func (s *Service) DropRefresh(ctx context.Context, userID string) error {
	if err := s.redis.Del(ctx, refreshKey(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}
