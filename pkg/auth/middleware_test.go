package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

// mockAuthService is a mock implementation of AuthService for testing.
type mockAuthService struct {
	claims      *Claims
	token       string
	validateErr error
}

func (m *mockAuthService) ValidateRequest(r *http.Request) (*Claims, string, error) {
	if m.validateErr != nil {
		return nil, "", m.validateErr
	}
	return m.claims, m.token, nil
}

func newTestClaims(subject string) *Claims {
	claims := &Claims{Email: subject + "@example.com"}
	claims.Subject = subject
	return claims
}

func TestMiddleware_RequireAuth_Success(t *testing.T) {
	authService := &mockAuthService{claims: newTestClaims("user-123"), token: "test-token"}
	middleware := NewMiddleware(authService, nil, zap.NewNop())

	var handlerCalled bool
	var ctxClaims *Claims
	var ctxToken string

	handler := middleware.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		ctxClaims, _ = GetClaims(r.Context())
		ctxToken, _ = GetToken(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	rec := httptest.NewRecorder()

	handler(rec, req)

	if !handlerCalled {
		t.Error("expected handler to be called")
	}

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	if ctxClaims == nil || ctxClaims.Subject != "user-123" {
		t.Error("expected claims to be set in context")
	}

	if ctxToken != "test-token" {
		t.Errorf("expected token 'test-token' in context, got %q", ctxToken)
	}
}

func TestMiddleware_RequireAuth_Unauthorized(t *testing.T) {
	authService := &mockAuthService{validateErr: ErrMissingAuthorization}
	middleware := NewMiddleware(authService, nil, zap.NewNop())

	handler := middleware.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}

	var response map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if response["error"] != "unauthorized" {
		t.Errorf("expected error 'unauthorized', got %q", response["error"])
	}
}

func TestMiddleware_RequireAuth_CreatesSession(t *testing.T) {
	sessions := NewSessionManager("test-secret", time.Hour, CookieSettings{})
	middleware := NewMiddleware(&mockAuthService{claims: newTestClaims("user-1"), token: "t"}, sessions, zap.NewNop())

	var session Session
	var found bool
	handler := middleware.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		session, found = GetSessionFromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/test", nil))

	if !found || session.ID == "" {
		t.Fatal("expected a new session in context")
	}
	if time.Until(session.ExpiresAt) <= 59*time.Minute {
		t.Errorf("expected expiry about an hour out, got %s", session.ExpiresAt)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) == 0 || cookies[0].Name != SessionName {
		t.Fatalf("expected %s cookie to be set, got %v", SessionName, cookies)
	}

	// Replaying the cookie yields the same session
	var again Session
	handler = middleware.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		again, _ = GetSessionFromContext(r.Context())
	})
	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req.AddCookie(cookies[0])
	handler(httptest.NewRecorder(), req)

	if again.ID != session.ID {
		t.Errorf("expected session %q to be reused, got %q", session.ID, again.ID)
	}
}

func TestMiddleware_RequireAuth_SessionHeader(t *testing.T) {
	sessions := NewSessionManager("test-secret", time.Hour, CookieSettings{})
	middleware := NewMiddleware(&mockAuthService{claims: newTestClaims("user-1"), token: "t"}, sessions, zap.NewNop())

	var session Session
	handler := middleware.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		session, _ = GetSessionFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req.Header.Set(SessionHeader, "cli-session")
	handler(httptest.NewRecorder(), req)

	if session.ID != "cli-session" {
		t.Errorf("expected header session, got %q", session.ID)
	}
}

func TestMiddleware_ContextValues_NotSet(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)

	if _, ok := GetClaims(req.Context()); ok {
		t.Error("expected no claims in bare request context")
	}
	if _, ok := GetToken(req.Context()); ok {
		t.Error("expected no token in bare request context")
	}
	if _, ok := GetSessionFromContext(req.Context()); ok {
		t.Error("expected no session in bare request context")
	}
}
