package httpapi

import (
	"errors"
	"net/http"

	"github.com/voidwire/gatekeep/internal/auth"
	"github.com/voidwire/gatekeep/internal/ban"
	"github.com/voidwire/gatekeep/internal/store"
	"github.com/voidwire/gatekeep/internal/token"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Email == "" || body.Password == "" || body.Name == "" {
		respondError(w, http.StatusBadRequest, "All fields are required.", nil)
		return
	}

	session, err := s.auth.Register(r.Context(), body.Email, body.Password, body.Name)
	if err != nil {
		if errors.Is(err, auth.ErrEmailTaken) {
			respondError(w, http.StatusBadRequest, "Email is already taken.", nil)
			return
		}
		s.fail(w, err)
		return
	}

	respond(w, http.StatusCreated, true, "Registration successful", sessionData(session))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Email == "" || body.Password == "" {
		respondError(w, http.StatusBadRequest, "Email and password are required.", nil)
		return
	}

	session, err := s.auth.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidEmail):
			respondError(w, http.StatusBadRequest, "Invalid Email", map[string]string{"type": "email"})
		case errors.Is(err, auth.ErrInvalidPassword):
			respondError(w, http.StatusBadRequest, "Invalid Password.", map[string]string{"type": "password"})
		case errors.Is(err, auth.ErrLockedOut):
			respondError(w, http.StatusTooManyRequests, "Too many failed attempts, try again later.", nil)
		case errors.Is(err, auth.ErrBanned):
			respondError(w, http.StatusForbidden, "Your account is banned.", nil)
		default:
			s.fail(w, err)
		}
		return
	}

	respondOK(w, "Login successful", sessionData(session))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if err := s.auth.Logout(r.Context(), rawTokenFrom(r.Context()), claims); err != nil {
		s.fail(w, err)
		return
	}
	respondOK(w, "Logged out successfully.", nil)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	user, err := s.auth.Validate(r.Context(), claims.UserID)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrBanned):
			respondError(w, http.StatusUnauthorized, "User is banned and cannot access the system.", map[string]bool{"logout": true})
		case errors.Is(err, auth.ErrUserNotFound):
			respondError(w, http.StatusNotFound, "User not found.", map[string]bool{"logout": true})
		default:
			s.fail(w, err)
		}
		return
	}

	if r.URL.Query().Get("data") != "" {
		respondOK(w, "Token validated", map[string]*store.User{"user": user})
		return
	}
	respondOK(w, "Token validated", map[string]string{"role": user.Role})
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID   string `json:"userId"`
		Reason   string `json:"reason"`
		Duration string `json:"duration"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.UserID == "" || body.Reason == "" || body.Duration == "" {
		respondError(w, http.StatusBadRequest, "User ID, reason, and duration are required.", nil)
		return
	}

	if err := s.bans.Ban(r.Context(), body.UserID, body.Reason, body.Duration); err != nil {
		if errors.Is(err, ban.ErrInvalidDuration) {
			respondError(w, http.StatusBadRequest, "Invalid ban duration.", nil)
			return
		}
		s.fail(w, err)
		return
	}

	respondOK(w, "User banned for "+body.Duration+".", nil)
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.UserID == "" {
		respondError(w, http.StatusBadRequest, "User ID is required.", nil)
		return
	}

	if err := s.bans.Unban(r.Context(), body.UserID); err != nil {
		s.fail(w, err)
		return
	}
	respondOK(w, "User unbanned successfully.", nil)
}

func (s *Server) handleRegenerateToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "Refresh token is required.", nil)
		return
	}

	claims := claimsFrom(r.Context())
	access, err := s.auth.Refresh(r.Context(), claims.UserID, claims.Role, body.RefreshToken)
	if err != nil {
		if errors.Is(err, token.ErrInvalidRefreshToken) {
			respondError(w, http.StatusForbidden, "Invalid refresh token.", nil)
			return
		}
		s.fail(w, err)
		return
	}

	respondOK(w, "Access token regenerated.", map[string]string{"token": access})
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
		Role     string `json:"role"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Email == "" || body.Password == "" || body.Name == "" {
		respondError(w, http.StatusBadRequest, "Email, password, and name are required.", nil)
		return
	}

	user, err := s.auth.AddUser(r.Context(), auth.AddUserInput{
		Email:    body.Email,
		Password: body.Password,
		Name:     body.Name,
		Role:     body.Role,
	})
	if err != nil {
		if errors.Is(err, auth.ErrEmailTaken) {
			respondError(w, http.StatusBadRequest, "Email is already taken.", nil)
			return
		}
		s.fail(w, err)
		return
	}

	respond(w, http.StatusCreated, true, "User added successfully.", map[string]*store.User{"user": user})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, "ok", nil)
}

// fail renders unexpected errors: transient backend failures are 503, the
// rest 500. Nothing is swallowed; everything is logged.
func (s *Server) fail(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("request failed")
	if errors.Is(err, store.ErrUnavailable) ||
		errors.Is(err, token.ErrCacheUnavailable) ||
		errors.Is(err, ban.ErrCacheUnavailable) {
		respondError(w, http.StatusServiceUnavailable, "Service temporarily unavailable.", nil)
		return
	}
	respondError(w, http.StatusInternalServerError, "Internal server error.", nil)
}

func sessionData(session *auth.Session) map[string]interface{} {
	return map[string]interface{}{
		"token":        session.AccessToken,
		"refreshToken": session.RefreshToken,
		"user":         session.User,
	}
}
