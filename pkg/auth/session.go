package auth

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
)

// SessionName is the name of the editing session cookie.
const SessionName = "ontask-session"

// SessionHeader lets API clients that do not keep cookies name their session.
const SessionHeader = "X-Ontask-Session"

const sessionKeyID = "sid"

// SessionManager issues the rolling editing session. Every authenticated
// request pushes the expiry forward by the configured TTL, so a session
// that goes quiet expires and its leases lapse with it.
type SessionManager struct {
	store *sessions.CookieStore
	ttl   time.Duration
	now   func() time.Time
}

// NewSessionManager creates the cookie-backed session manager.
//
// The secret parameter is used to sign session cookies. It can be any
// passphrase - it will be SHA-256 hashed to derive a 32-byte key.
// The secret must be consistent across server restarts and multiple
// servers in a load-balanced deployment.
func NewSessionManager(secret string, ttl time.Duration, settings CookieSettings) *SessionManager {
	key := sha256.Sum256([]byte(secret))

	store := sessions.NewCookieStore(key[:])
	store.Options = &sessions.Options{
		Path:     "/",
		Domain:   settings.Domain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   settings.Secure,
		SameSite: http.SameSiteLaxMode,
	}

	return &SessionManager{store: store, ttl: ttl, now: time.Now}
}

// TTL returns the rolling session lifetime.
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Refresh resolves the session of the request, creating one when absent,
// and renews its expiry. The header wins over the cookie.
func (m *SessionManager) Refresh(w http.ResponseWriter, r *http.Request) (Session, error) {
	expiresAt := m.now().Add(m.ttl)

	if id := r.Header.Get(SessionHeader); id != "" {
		return Session{ID: id, ExpiresAt: expiresAt}, nil
	}

	// A cookie signed with a rotated secret decodes to an error; the store
	// still returns a fresh session in that case.
	cookieSession, err := m.store.Get(r, SessionName)
	if cookieSession == nil {
		return Session{}, fmt.Errorf("failed to load session: %w", err)
	}

	id, _ := cookieSession.Values[sessionKeyID].(string)
	if id == "" {
		id = uuid.NewString()
		cookieSession.Values[sessionKeyID] = id
	}

	if err := cookieSession.Save(r, w); err != nil {
		return Session{}, fmt.Errorf("failed to save session: %w", err)
	}

	return Session{ID: id, ExpiresAt: expiresAt}, nil
}
