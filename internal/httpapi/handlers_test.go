package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tenantcore.org/internal/audit"
	"tenantcore.org/internal/config"
	"tenantcore.org/internal/docstore/memory"
	"tenantcore.org/internal/identity"
	"tenantcore.org/internal/membership"
	"tenantcore.org/internal/ratelimit"
)

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time          { return c.current }
func (c *fakeClock) advance(d time.Duration) { c.current = c.current.Add(d) }

type testAPI struct {
	handler http.Handler
	idp     identity.Provider
	members *membership.Service
	clock   *fakeClock
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	clock := &fakeClock{current: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	docs := memory.NewWithClock(clock.now)
	idp, err := identity.NewService(docs, "test-secret", identity.WithClock(clock.now))
	if err != nil {
		t.Fatalf("identity.NewService: %v", err)
	}
	members, err := membership.NewService(docs, idp, audit.NewRecorderWithClock(docs, clock.now),
		membership.WithClock(clock.now))
	if err != nil {
		t.Fatalf("membership.NewService: %v", err)
	}
	limiter := ratelimit.New(docs, ratelimit.WithClock(clock.now))
	cfg := &config.Config{
		Server:    config.ServerConfig{MaxBodyBytes: 1 << 20},
		RateLimit: config.RateLimitConfig{EdgePerSecond: 1000, EdgeBurst: 1000},
	}
	api := New(docs, idp, members, limiter, cfg, "test")
	return &testAPI{handler: api.Handler(), idp: idp, members: members, clock: clock}
}

func (ta *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ta.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

// signup registers a user over HTTP and returns their bearer token.
func (ta *testAPI) signup(t *testing.T, email string) (token string, uid string) {
	t.Helper()
	rr := ta.do(t, http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email":    email,
		"password": "password123",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup %s: status %d body %s", email, rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	token, _ = body["token"].(string)
	user, _ := body["user"].(map[string]any)
	uid, _ = user["uid"].(string)
	if token == "" || uid == "" {
		t.Fatalf("signup response missing token or uid: %v", body)
	}
	return token, uid
}

func TestHealthEndpoints(t *testing.T) {
	ta := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		rr := ta.do(t, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rr.Code)
		}
	}
}

func TestSignupCreatesTenantAndSession(t *testing.T) {
	ta := newTestAPI(t)
	token, _ := ta.signup(t, "founder@acme.io")

	rr := ta.do(t, http.MethodGet, "/v1/session", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("session: status %d body %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["setup_complete"] != true {
		t.Fatalf("expected complete setup, got %v", body)
	}
	if body["role"] != "admin" {
		t.Fatalf("expected admin role, got %v", body["role"])
	}
	if rr.Header().Get("X-RateLimit-Limit") == "" || rr.Header().Get("X-RateLimit-Remaining") == "" {
		t.Fatal("rate limit headers missing")
	}
}

func TestLoginFlow(t *testing.T) {
	ta := newTestAPI(t)
	ta.signup(t, "a@b.co")

	rr := ta.do(t, http.MethodPost, "/v1/auth/token", "", map[string]string{
		"email": "a@b.co", "password": "password123",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", rr.Code, rr.Body.String())
	}
	if decodeBody(t, rr)["token"] == "" {
		t.Fatal("no token in login response")
	}

	rr = ta.do(t, http.MethodPost, "/v1/auth/token", "", map[string]string{
		"email": "a@b.co", "password": "wrong-password",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: status %d", rr.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	ta := newTestAPI(t)
	ta.signup(t, "a@b.co")

	for i := 0; i < 5; i++ {
		rr := ta.do(t, http.MethodPost, "/v1/auth/token", "", map[string]string{
			"email": "a@b.co", "password": "wrong-password",
		})
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d", i+1, rr.Code)
		}
	}

	rr := ta.do(t, http.MethodPost, "/v1/auth/token", "", map[string]string{
		"email": "a@b.co", "password": "password123",
	})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("6th attempt: status %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
	if decodeBody(t, rr)["code"] != "resource_exhausted" {
		t.Fatalf("unexpected error code: %s", rr.Body.String())
	}
}

func TestAuthenticatedRedirectedFromPublicAuth(t *testing.T) {
	ta := newTestAPI(t)
	token, _ := ta.signup(t, "a@b.co")

	rr := ta.do(t, http.MethodPost, "/v1/auth/token", token, map[string]string{
		"email": "a@b.co", "password": "password123",
	})
	if rr.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "/v1/session" {
		t.Fatalf("unexpected redirect target %q", loc)
	}
}

func TestUnauthenticatedRequests(t *testing.T) {
	ta := newTestAPI(t)

	rr := ta.do(t, http.MethodGet, "/v1/users", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", rr.Code)
	}
	rr = ta.do(t, http.MethodGet, "/v1/users", "not-a-jwt", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d", rr.Code)
	}
	if decodeBody(t, rr)["code"] != "unauthenticated" {
		t.Fatalf("unexpected error code: %s", rr.Body.String())
	}
}

func TestSetupIncompleteOutcome(t *testing.T) {
	ta := newTestAPI(t)

	// Identity exists but provisioning has not run: claims carry no tenant.
	id, err := ta.idp.CreateIdentity(context.Background(), "limbo@b.co", "password123")
	if err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	token, _, err := ta.idp.IssueToken(context.Background(), id.UID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	rr := ta.do(t, http.MethodGet, "/v1/users", token, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if decodeBody(t, rr)["code"] != "setup_incomplete" {
		t.Fatalf("unexpected error code: %s", rr.Body.String())
	}

	// Introspection still works so the client can see what is missing.
	rr = ta.do(t, http.MethodGet, "/v1/session", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("session: status %d", rr.Code)
	}
	if decodeBody(t, rr)["setup_complete"] != false {
		t.Fatal("expected incomplete setup")
	}
}

func TestInvitationFlowOverHTTP(t *testing.T) {
	ta := newTestAPI(t)
	adminToken, _ := ta.signup(t, "founder@acme.io")

	rr := ta.do(t, http.MethodPost, "/v1/invitations", adminToken, map[string]any{
		"email": "new@acme.io",
		"role":  "member",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create invitation: status %d body %s", rr.Code, rr.Body.String())
	}
	if decodeBody(t, rr)["token"] == "" {
		t.Fatal("invitation token missing from create response")
	}

	rr = ta.do(t, http.MethodGet, "/v1/invitations", adminToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list invitations: status %d", rr.Code)
	}
	invs, _ := decodeBody(t, rr)["invitations"].([]any)
	if len(invs) != 1 {
		t.Fatalf("expected 1 pending invitation, got %d", len(invs))
	}

	// The matching signup consumes the invitation and joins the tenant.
	ta.signup(t, "new@acme.io")
	rr = ta.do(t, http.MethodGet, "/v1/users", adminToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list users: status %d", rr.Code)
	}
	users, _ := decodeBody(t, rr)["users"].([]any)
	if len(users) != 2 {
		t.Fatalf("expected 2 members, got %d", len(users))
	}
}

func TestAcceptInvitationOverHTTP(t *testing.T) {
	ta := newTestAPI(t)
	adminToken, _ := ta.signup(t, "founder@acme.io")

	rr := ta.do(t, http.MethodPost, "/v1/invitations", adminToken, map[string]any{
		"email": "guest@other.io",
		"role":  "guest",
		"resource_permissions": map[string][]string{
			"projects": {"p1"},
		},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create invitation: status %d body %s", rr.Code, rr.Body.String())
	}
	invToken, _ := decodeBody(t, rr)["token"].(string)

	id, err := ta.idp.CreateIdentity(context.Background(), "guest@other.io", "password123")
	if err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	limboToken, _, err := ta.idp.IssueToken(context.Background(), id.UID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	rr = ta.do(t, http.MethodPost, "/v1/invitations/accept", limboToken, map[string]string{
		"token": invToken,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("accept: status %d body %s", rr.Code, rr.Body.String())
	}

	// The pre-join token still has empty claims; a refresh picks them up.
	ta.clock.advance(2 * time.Second)
	rr = ta.do(t, http.MethodPost, "/v1/auth/refresh", limboToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: status %d body %s", rr.Code, rr.Body.String())
	}
	fresh, _ := decodeBody(t, rr)["token"].(string)

	rr = ta.do(t, http.MethodGet, "/v1/session", fresh, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("session: status %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["setup_complete"] != true || body["role"] != "guest" {
		t.Fatalf("unexpected session after join: %v", body)
	}
}

func TestSignupWithInvitationToken(t *testing.T) {
	ta := newTestAPI(t)
	adminToken, _ := ta.signup(t, "founder@acme.io")

	rr := ta.do(t, http.MethodPost, "/v1/invitations", adminToken, map[string]any{
		"email": "viewer@acme.io",
		"role":  "viewer",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create invitation: status %d body %s", rr.Code, rr.Body.String())
	}
	invToken, _ := decodeBody(t, rr)["token"].(string)

	rr = ta.do(t, http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email":            "viewer@acme.io",
		"password":         "password123",
		"invitation_token": invToken,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup with token: status %d body %s", rr.Code, rr.Body.String())
	}
	token, _ := decodeBody(t, rr)["token"].(string)

	rr = ta.do(t, http.MethodGet, "/v1/session", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("session: status %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["setup_complete"] != true || body["role"] != "viewer" {
		t.Fatalf("unexpected session after invited signup: %v", body)
	}

	rr = ta.do(t, http.MethodGet, "/v1/users", adminToken, nil)
	users, _ := decodeBody(t, rr)["users"].([]any)
	if len(users) != 2 {
		t.Fatalf("expected 2 members, got %d", len(users))
	}
}

func TestRoleChangeOverHTTP(t *testing.T) {
	ta := newTestAPI(t)
	adminToken, _ := ta.signup(t, "founder@acme.io")

	rr := ta.do(t, http.MethodPost, "/v1/invitations", adminToken, map[string]any{
		"email": "m@acme.io", "role": "member",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("invite: status %d", rr.Code)
	}
	_, memberUID := ta.signup(t, "m@acme.io")

	// Promotion to admin needs the owner, and no one owns a self-service
	// tenant yet.
	rr = ta.do(t, http.MethodPut, "/v1/users/"+memberUID+"/role", adminToken, map[string]string{"role": "admin"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("promote to admin: status %d, want 403", rr.Code)
	}

	rr = ta.do(t, http.MethodPut, "/v1/users/"+memberUID+"/role", adminToken, map[string]string{"role": "viewer"})
	if rr.Code != http.StatusOK {
		t.Fatalf("demote to viewer: status %d body %s", rr.Code, rr.Body.String())
	}
	if decodeBody(t, rr)["role"] != "viewer" {
		t.Fatalf("role not changed: %s", rr.Body.String())
	}
}

func TestSoftDeleteLocksOutExistingToken(t *testing.T) {
	ta := newTestAPI(t)
	adminToken, _ := ta.signup(t, "founder@acme.io")

	rr := ta.do(t, http.MethodPost, "/v1/invitations", adminToken, map[string]any{
		"email": "m@acme.io", "role": "member",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("invite: status %d", rr.Code)
	}
	memberToken, memberUID := ta.signup(t, "m@acme.io")

	ta.clock.advance(2 * time.Second)
	rr = ta.do(t, http.MethodDelete, "/v1/users/"+memberUID, adminToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: status %d body %s", rr.Code, rr.Body.String())
	}

	// The member's unexpired token no longer passes verification.
	rr = ta.do(t, http.MethodGet, "/v1/session", memberToken, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("deleted member session: status %d, want 401", rr.Code)
	}
}

func TestSelfDeleteRejected(t *testing.T) {
	ta := newTestAPI(t)
	token, uid := ta.signup(t, "founder@acme.io")

	rr := ta.do(t, http.MethodDelete, "/v1/users/"+uid, token, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("self delete: status %d, want 403", rr.Code)
	}
	if decodeBody(t, rr)["code"] != "permission_denied" {
		t.Fatalf("unexpected error code: %s", rr.Body.String())
	}
}

func TestRejectsUnknownFields(t *testing.T) {
	ta := newTestAPI(t)
	rr := ta.do(t, http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email": "a@b.co", "password": "password123", "admin": "true",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: status %d, want 400", rr.Code)
	}
}
