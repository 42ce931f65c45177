package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/voidwire/gatekeep/internal/auth"
	"github.com/voidwire/gatekeep/internal/authz"
	"github.com/voidwire/gatekeep/internal/ban"
	"github.com/voidwire/gatekeep/internal/password"
	"github.com/voidwire/gatekeep/internal/store"
	"github.com/voidwire/gatekeep/internal/throttle"
	"github.com/voidwire/gatekeep/internal/token"
)

// fakeBackend is the in-memory durable store behind the end-to-end tests:
// users, ban records, and roles in one place.
type fakeBackend struct {
	mu     sync.Mutex
	seq    int
	byMail map[string]*store.User
	byID   map[string]*store.User
	bans   map[string]*store.Ban
	roles  map[string][]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		byMail: make(map[string]*store.User),
		byID:   make(map[string]*store.User),
		bans:   make(map[string]*store.Ban),
		roles: map[string][]string{
			"customer": {"GetUserOrders", "GetProductDetails"},
		},
	}
}

func (f *fakeBackend) CreateUser(_ context.Context, in store.NewUser) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byMail[in.Email]; exists {
		return store.User{}, store.ErrDuplicateEmail
	}
	f.seq++
	u := &store.User{
		ID:           "u" + strconv.Itoa(f.seq),
		Email:        in.Email,
		PasswordHash: in.PasswordHash,
		Name:         in.Name,
		Role:         in.Role,
	}
	f.byMail[u.Email] = u
	f.byID[u.ID] = u
	return *u, nil
}

func (f *fakeBackend) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byMail[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeBackend) GetUserByID(_ context.Context, id string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeBackend) FindBan(_ context.Context, userID string) (*store.Ban, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bans[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBackend) InsertBan(_ context.Context, b *store.Ban) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *b
	f.bans[b.UserID] = &cp
	return nil
}

func (f *fakeBackend) ReactivateBan(_ context.Context, userID string, history []store.BanEvent, expiresAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bans[userID]
	if !ok {
		return store.ErrNotFound
	}
	b.History = history
	b.ExpiresAt = expiresAt
	b.Active = true
	b.Count++
	return nil
}

func (f *fakeBackend) DeactivateBan(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.bans[userID]; ok {
		b.Active = false
	}
	return nil
}

func (f *fakeBackend) DeactivateExpiredBans(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, b := range f.bans {
		if b.Active && b.ExpiresAt != nil && !b.ExpiresAt.After(cutoff) {
			b.Active = false
			n++
		}
	}
	return n, nil
}

func (f *fakeBackend) GetRoleByName(_ context.Context, name string) (*store.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	routes, ok := f.roles[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.Role{Name: name, BackendRoutes: routes}, nil
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type apiHarness struct {
	ts      *httptest.Server
	auth    *auth.Service
	backend *fakeBackend
	mr      *miniredis.Miniredis
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tokens, err := token.NewService(rdb, token.Config{Secret: []byte("test-secret-0123456789")})
	if err != nil {
		t.Fatalf("token.NewService failed: %v", err)
	}

	// Minimum accepted cost parameters keep the test suite fast.
	hasher, err := password.NewHasher(password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}

	backend := newFakeBackend()
	bans := ban.NewEngine(rdb, backend, zerolog.Nop())
	thr := throttle.New(rdb, throttle.Config{Threshold: 5, Window: time.Hour})
	authzCache := authz.New(rdb, backend)
	authSvc := auth.NewService(backend, tokens, bans, thr, hasher, zerolog.Nop())

	srv := NewServer(authSvc, tokens, bans, authzCache, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiHarness{ts: ts, auth: authSvc, backend: backend, mr: mr}
}

func (h *apiHarness) request(t *testing.T, method, path, bearer string, body interface{}) (int, testEnvelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body failed: %v", err)
		}
	}

	req, err := http.NewRequest(method, h.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request failed: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var env testEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope failed: %v", err)
	}
	return resp.StatusCode, env
}

type sessionPayload struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	User         struct {
		ID   string `json:"id"`
		Role string `json:"role"`
	} `json:"user"`
}

func (h *apiHarness) registerUser(t *testing.T, email, pass string) sessionPayload {
	t.Helper()

	code, env := h.request(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": email, "password": pass, "name": "Test User",
	})
	if code != http.StatusCreated || !env.Success {
		t.Fatalf("register failed: code=%d message=%q", code, env.Message)
	}
	var payload sessionPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("decode session payload failed: %v", err)
	}
	return payload
}

func (h *apiHarness) loginAdmin(t *testing.T) sessionPayload {
	t.Helper()

	if _, err := h.auth.AddUser(context.Background(), auth.AddUserInput{
		Email:    "admin@example.com",
		Password: "admin-pass",
		Name:     "Admin",
		Role:     store.AdminRole,
	}); err != nil {
		t.Fatalf("seed admin failed: %v", err)
	}

	code, env := h.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "admin@example.com", "password": "admin-pass",
	})
	if code != http.StatusOK {
		t.Fatalf("admin login failed: code=%d message=%q", code, env.Message)
	}
	var payload sessionPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("decode session payload failed: %v", err)
	}
	return payload
}

func TestRegisterAndLogin(t *testing.T) {
	h := newAPIHarness(t)

	session := h.registerUser(t, "a@example.com", "hunter2")
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("expected tokens in register response")
	}
	if session.User.Role != "customer" {
		t.Fatalf("expected default role, got %q", session.User.Role)
	}

	code, env := h.request(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": "a@example.com", "password": "x", "name": "Dup",
	})
	if code != http.StatusBadRequest || env.Message != "Email is already taken." {
		t.Fatalf("expected duplicate rejection, got code=%d message=%q", code, env.Message)
	}

	code, env = h.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "a@example.com", "password": "hunter2",
	})
	if code != http.StatusOK || !env.Success {
		t.Fatalf("login failed: code=%d message=%q", code, env.Message)
	}
}

func TestLogin_ErrorShapes(t *testing.T) {
	h := newAPIHarness(t)
	h.registerUser(t, "a@example.com", "hunter2")

	code, env := h.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "ghost@example.com", "password": "x",
	})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	var kind struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(env.Data, &kind); err != nil || kind.Type != "email" {
		t.Fatalf("expected type=email, got data=%s err=%v", env.Data, err)
	}

	code, env = h.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "a@example.com", "password": "wrong",
	})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if err := json.Unmarshal(env.Data, &kind); err != nil || kind.Type != "password" {
		t.Fatalf("expected type=password, got data=%s err=%v", env.Data, err)
	}

	code, _ = h.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "a@example.com"})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing password, got %d", code)
	}
}

func TestLogin_LockoutOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	h.registerUser(t, "a@example.com", "hunter2")

	for i := 0; i < 5; i++ {
		code, _ := h.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
			"email": "a@example.com", "password": "wrong",
		})
		if code != http.StatusBadRequest {
			t.Fatalf("attempt %d: expected 400, got %d", i+1, code)
		}
	}

	code, env := h.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "a@example.com", "password": "hunter2",
	})
	if code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after lockout, got %d (%q)", code, env.Message)
	}
}

func TestValidate(t *testing.T) {
	h := newAPIHarness(t)
	session := h.registerUser(t, "a@example.com", "hunter2")

	code, _ := h.request(t, http.MethodGet, "/api/auth/validate", "", nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}

	code, env := h.request(t, http.MethodGet, "/api/auth/validate", session.Token, nil)
	if code != http.StatusOK {
		t.Fatalf("validate failed: code=%d message=%q", code, env.Message)
	}
	var roleData struct {
		Role string `json:"role"`
	}
	if err := json.Unmarshal(env.Data, &roleData); err != nil || roleData.Role != "customer" {
		t.Fatalf("expected role payload, got %s", env.Data)
	}

	code, env = h.request(t, http.MethodGet, "/api/auth/validate?data=1", session.Token, nil)
	if code != http.StatusOK {
		t.Fatalf("validate with data failed: code=%d", code)
	}
	var userData struct {
		User struct {
			Email string `json:"email"`
		} `json:"user"`
	}
	if err := json.Unmarshal(env.Data, &userData); err != nil || userData.User.Email != "a@example.com" {
		t.Fatalf("expected user payload, got %s", env.Data)
	}
}

func TestBanLifecycleOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	user := h.registerUser(t, "a@example.com", "hunter2")
	admin := h.loginAdmin(t)

	// Non-admins cannot reach the ban operation.
	code, env := h.request(t, http.MethodPost, "/api/auth/ban", user.Token, map[string]string{
		"userId": admin.User.ID, "reason": "nope", "duration": "1h",
	})
	if code != http.StatusForbidden || env.Message != "Unauthorized access." {
		t.Fatalf("expected admin gate, got code=%d message=%q", code, env.Message)
	}

	code, env = h.request(t, http.MethodPost, "/api/auth/ban", admin.Token, map[string]string{
		"userId": user.User.ID, "reason": "abuse", "duration": "wrong",
	})
	if code != http.StatusBadRequest || env.Message != "Invalid ban duration." {
		t.Fatalf("expected duration rejection, got code=%d message=%q", code, env.Message)
	}

	code, _ = h.request(t, http.MethodPost, "/api/auth/ban", admin.Token, map[string]string{
		"userId": user.User.ID, "reason": "abuse", "duration": "1h",
	})
	if code != http.StatusOK {
		t.Fatalf("ban failed: %d", code)
	}

	// Banned: login rejected, existing token rejected on validate.
	code, _ = h.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "a@example.com", "password": "hunter2",
	})
	if code != http.StatusForbidden {
		t.Fatalf("expected 403 login while banned, got %d", code)
	}
	code, env = h.request(t, http.MethodGet, "/api/auth/validate", user.Token, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401 validate while banned, got %d", code)
	}
	var logout struct {
		Logout bool `json:"logout"`
	}
	if err := json.Unmarshal(env.Data, &logout); err != nil || !logout.Logout {
		t.Fatalf("expected logout signal, got %s", env.Data)
	}

	code, _ = h.request(t, http.MethodPost, "/api/auth/unban", admin.Token, map[string]string{
		"userId": user.User.ID,
	})
	if code != http.StatusOK {
		t.Fatalf("unban failed: %d", code)
	}
	code, _ = h.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "a@example.com", "password": "hunter2",
	})
	if code != http.StatusOK {
		t.Fatalf("expected login after unban, got %d", code)
	}
}

func TestRegenerateToken(t *testing.T) {
	h := newAPIHarness(t)
	session := h.registerUser(t, "a@example.com", "hunter2")

	code, env := h.request(t, http.MethodPost, "/api/auth/regenerate-token", session.Token, map[string]string{
		"refreshToken": session.RefreshToken,
	})
	if code != http.StatusOK {
		t.Fatalf("regenerate failed: code=%d message=%q", code, env.Message)
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		t.Fatalf("expected new access token, got %s", env.Data)
	}

	code, env = h.request(t, http.MethodPost, "/api/auth/regenerate-token", session.Token, map[string]string{
		"refreshToken": "bogus",
	})
	if code != http.StatusForbidden || env.Message != "Invalid refresh token." {
		t.Fatalf("expected 403, got code=%d message=%q", code, env.Message)
	}
}

func TestLogoutRejectsReusedToken(t *testing.T) {
	h := newAPIHarness(t)
	session := h.registerUser(t, "a@example.com", "hunter2")

	code, _ := h.request(t, http.MethodPost, "/api/auth/logout", session.Token, nil)
	if code != http.StatusOK {
		t.Fatalf("logout failed: %d", code)
	}

	code, env := h.request(t, http.MethodGet, "/api/auth/validate", session.Token, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked token, got %d", code)
	}
	var data struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Reason != "revoked" {
		t.Fatalf("expected reason=revoked, got %s", env.Data)
	}
}

func TestAddUser_RouteAuthorization(t *testing.T) {
	h := newAPIHarness(t)
	customer := h.registerUser(t, "a@example.com", "hunter2")
	admin := h.loginAdmin(t)

	// Customer's route set has no AddUser key.
	code, env := h.request(t, http.MethodPost, "/api/users/add", customer.Token, map[string]string{
		"email": "new@example.com", "password": "x", "name": "New",
	})
	if code != http.StatusForbidden {
		t.Fatalf("expected 403 for customer, got %d (%q)", code, env.Message)
	}

	// Admin bypasses the route check entirely.
	code, env = h.request(t, http.MethodPost, "/api/users/add", admin.Token, map[string]string{
		"email": "new@example.com", "password": "secret-pw", "name": "New", "role": "customer",
	})
	if code != http.StatusCreated {
		t.Fatalf("expected 201 for admin, got %d (%q)", code, env.Message)
	}

	code, _ = h.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "new@example.com", "password": "secret-pw",
	})
	if code != http.StatusOK {
		t.Fatalf("expected added user to log in, got %d", code)
	}
}

func TestInvalidJSONBody(t *testing.T) {
	h := newAPIHarness(t)

	req, err := http.NewRequest(http.MethodPost, h.ts.URL+"/api/auth/login", bytes.NewBufferString("{not json"))
	if err != nil {
		t.Fatalf("new request failed: %v", err)
	}
	resp, err := h.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)

	code, env := h.request(t, http.MethodGet, "/healthz", "", nil)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("healthz failed: code=%d", code)
	}
}
