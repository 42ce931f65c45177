// Package auth orchestrates the composite credential flows: registration,
// login, logout, token validation, refresh, and admin user creation. It owns
// no I/O of its own; every effect goes through the token service, ban
// engine, throttle, or durable store.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/voidwire/gatekeep/internal/ban"
	"github.com/voidwire/gatekeep/internal/metrics"
	"github.com/voidwire/gatekeep/internal/password"
	"github.com/voidwire/gatekeep/internal/store"
	"github.com/voidwire/gatekeep/internal/throttle"
	"github.com/voidwire/gatekeep/internal/token"
)

var (
	// ErrEmailTaken is returned when registering an email that already exists.
	ErrEmailTaken = errors.New("auth: email already taken")
	// ErrInvalidEmail is returned when no identity matches the email.
	ErrInvalidEmail = errors.New("auth: invalid email")
	// ErrInvalidPassword is returned when the credential comparison fails.
	ErrInvalidPassword = errors.New("auth: invalid password")
	// ErrLockedOut is returned when the failure counter is at threshold.
	ErrLockedOut = errors.New("auth: too many failed attempts")
	// ErrBanned is returned when the identity's ban marker is present.
	ErrBanned = errors.New("auth: account banned")
	// ErrUserNotFound is returned when a token references a missing identity.
	ErrUserNotFound = errors.New("auth: user not found")
)

// DefaultRole is assigned to self-registered identities.
const DefaultRole = "customer"

// UserSource is the identity lookup/creation surface the flows need.
// *store.Store satisfies it.
type UserSource interface {
	CreateUser(ctx context.Context, in store.NewUser) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetUserByID(ctx context.Context, id string) (*store.User, error)
}

// Session is the result of a successful register or login.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         store.User
}

// Service wires the core components into request-shaped flows. Stateless
// per-request; safe for concurrent use.
type Service struct {
	users    UserSource
	tokens   *token.Service
	bans     *ban.Engine
	throttle *throttle.Throttle
	hasher   Hasher
	log      zerolog.Logger
}

// Hasher abstracts credential hashing. *password.Hasher satisfies it.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
}

var _ Hasher = (*password.Hasher)(nil)

// NewService builds the composite flow service.
func NewService(
	users UserSource,
	tokens *token.Service,
	bans *ban.Engine,
	thr *throttle.Throttle,
	hasher Hasher,
	log zerolog.Logger,
) *Service {
	return &Service{
		users:    users,
		tokens:   tokens,
		bans:     bans,
		throttle: thr,
		hasher:   hasher,
		log:      log,
	}
}

// Register creates a new identity with the default role and issues tokens.
func (s *Service) Register(ctx context.Context, email, pass, name string) (*Session, error) {
	hash, err := s.hasher.Hash(pass)
	if err != nil {
		return nil, err
	}

	user, err := s.users.CreateUser(ctx, store.NewUser{
		Email:        email,
		PasswordHash: hash,
		Name:         name,
		Role:         DefaultRole,
		IsVerified:   false,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	return s.issueSession(ctx, user)
}

// Login authenticates an identity. Order matters: the lockout counter is
// read before any hash comparison so a locked-out identity costs no argon2
// work, and the ban marker is checked before the credential is examined.
func (s *Service) Login(ctx context.Context, email, pass string) (*Session, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.Logins.WithLabelValues("invalid_email").Inc()
			return nil, ErrInvalidEmail
		}
		return nil, err
	}

	locked, err := s.throttle.IsLockedOut(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if locked {
		metrics.Logins.WithLabelValues("locked_out").Inc()
		return nil, ErrLockedOut
	}

	banned, err := s.bans.IsBanned(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if banned {
		metrics.Logins.WithLabelValues("banned").Inc()
		return nil, ErrBanned
	}

	ok, err := s.hasher.Verify(pass, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		count, terr := s.throttle.RecordFailure(ctx, user.ID)
		if terr != nil {
			s.log.Warn().Err(terr).Str("user_id", user.ID).Msg("failed to record login failure")
		} else if count == int64(s.throttle.Threshold()) {
			metrics.Lockouts.Inc()
			s.log.Warn().Str("user_id", user.ID).Int64("failures", count).Msg("identity locked out")
		}
		metrics.Logins.WithLabelValues("invalid_password").Inc()
		return nil, ErrInvalidPassword
	}

	if err := s.throttle.Clear(ctx, user.ID); err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("failed to clear login failures")
	}

	metrics.Logins.WithLabelValues("success").Inc()
	return s.issueSession(ctx, *user)
}

// Logout revokes the presented access token for its remaining lifetime and
// drops the identity's refresh token.
func (s *Service) Logout(ctx context.Context, rawToken string, claims *token.Claims) error {
	remaining := time.Duration(0)
	if claims.ExpiresAt != nil {
		remaining = time.Until(claims.ExpiresAt.Time)
	}
	if err := s.tokens.Revoke(ctx, rawToken, remaining); err != nil {
		return err
	}
	metrics.Revocations.Inc()

	if err := s.tokens.DropRefresh(ctx, claims.UserID); err != nil {
		return err
	}

	s.log.Info().Str("user_id", claims.UserID).Msg("identity logged out")
	return nil
}

// Validate re-checks an authenticated identity: a present ban marker rejects
// the request (the caller should force client sign-out), otherwise the
// durable record is returned.
func (s *Service) Validate(ctx context.Context, userID string) (*store.User, error) {
	banned, err := s.bans.IsBanned(ctx, userID)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, ErrBanned
	}

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// Refresh exchanges the identity's refresh token for a new access token.
func (s *Service) Refresh(ctx context.Context, userID, role, presented string) (string, error) {
	return s.tokens.Refresh(ctx, userID, role, presented)
}

// AddUserInput is the admin-only creation input; Role defaults to
// [DefaultRole] when empty.
type AddUserInput struct {
	Email    string
	Password string
	Name     string
	Role     string
}

// AddUser creates an identity with an explicit role. The HTTP layer guards
// this behind the AddUser operation key.
func (s *Service) AddUser(ctx context.Context, in AddUserInput) (*store.User, error) {
	role := in.Role
	if role == "" {
		role = DefaultRole
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	user, err := s.users.CreateUser(ctx, store.NewUser{
		Email:        in.Email,
		PasswordHash: hash,
		Name:         in.Name,
		Role:         role,
		IsVerified:   false,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return &user, nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (*Session, error) {
	access, err := s.tokens.IssueAccess(user.ID, user.Role)
	if err != nil {
		return nil, err
	}
	refresh, err := s.tokens.IssueRefresh(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &Session{AccessToken: access, RefreshToken: refresh, User: user}, nil
}
