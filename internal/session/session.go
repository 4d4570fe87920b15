// Package session tracks browser sessions for the authorization flow.
// A session remembers who logged in, the authorization request waiting
// on that login, and the state value sent to a federated provider.
// Sessions live in memory and are lost on restart.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// CookieName is the session cookie set on the user agent.
	CookieName = "authd_session"

	idBytes = 32

	cleanupInterval = 5 * time.Minute
)

// Pending is an authorization request parked until the user logs in.
type Pending struct {
	ClientID    string
	RedirectURI string
	State       string
	Scope       string
}

// Session is a snapshot of one browser session. Mutate it through
// Manager.Update so concurrent requests on the same cookie do not race.
type Session struct {
	ID            string
	UserID        string
	Pending       *Pending
	LoginProvider string
	LoginState    string
	ExpiresAt     time.Time
}

// Authenticated reports whether a user has logged in on this session.
func (s *Session) Authenticated() bool {
	return s.UserID != ""
}

// Manager owns the session table and the cookie that points into it.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	secure   bool
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager returns a manager issuing sessions that live for ttl.
// secure controls the Secure attribute of the cookie.
func NewManager(ttl time.Duration, secure bool, logger *slog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		secure:   secure,
		logger:   logger,
		now:      time.Now,
	}
}

// Get returns the live session named by the request cookie.
func (m *Manager) Get(r *http.Request) (Session, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return Session{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[c.Value]
	if !ok {
		return Session{}, false
	}

	if !m.now().Before(s.ExpiresAt) {
		delete(m.sessions, c.Value)
		return Session{}, false
	}

	return copySession(s), true
}

// Start returns the request's live session, creating one and setting
// the cookie when there is none.
func (m *Manager) Start(w http.ResponseWriter, r *http.Request) Session {
	if s, ok := m.Get(r); ok {
		return s
	}

	s := &Session{
		ID:        newID(),
		ExpiresAt: m.now().Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.setCookie(w, s)

	m.logger.Debug("session started")

	return copySession(s)
}

// Rotate moves the session to a fresh id and re-sets the cookie. The
// old id stops resolving at once.
func (m *Manager) Rotate(w http.ResponseWriter, id string) (Session, bool) {
	m.mu.Lock()

	s, ok := m.sessions[id]
	if !ok || !m.now().Before(s.ExpiresAt) {
		delete(m.sessions, id)
		m.mu.Unlock()

		return Session{}, false
	}

	delete(m.sessions, id)
	s.ID = newID()
	m.sessions[s.ID] = s
	snapshot := copySession(s)

	m.mu.Unlock()

	m.setCookie(w, &snapshot)

	return snapshot, true
}

func (m *Manager) setCookie(w http.ResponseWriter, s *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    s.ID,
		Path:     "/",
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Update applies fn to the session under the manager lock and returns
// the result. It reports false when the session no longer exists.
func (m *Manager) Update(id string, fn func(*Session)) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || !m.now().Before(s.ExpiresAt) {
		return Session{}, false
	}

	fn(s)

	return copySession(s), true
}

// Destroy forgets the request's session and clears the cookie.
func (m *Manager) Destroy(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(CookieName); err == nil {
		m.mu.Lock()
		delete(m.sessions, c.Value)
		m.mu.Unlock()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Len returns the number of tracked sessions, expired ones included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sessions)
}

// Run removes expired sessions periodically until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Manager) cleanup() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0

	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, id)
			removed++
		}
	}

	if removed > 0 {
		m.logger.Debug("expired sessions removed", slog.Int("count", removed))
	}
}

func copySession(s *Session) Session {
	out := *s
	if s.Pending != nil {
		p := *s.Pending
		out.Pending = &p
	}

	return out
}

// NewState returns a random value for CSRF-style state parameters.
func NewState() string {
	return newID()
}

func newID() string {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
