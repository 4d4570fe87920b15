// Package users resolves the identities tokens are issued for.
package users

import (
	"context"
	"strings"
	"sync"

	autherr "github.com/Paddione/projects-sub012/internal/errors"
	"github.com/Paddione/projects-sub012/internal/models"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// DefaultRole is assigned to users created from a federated login.
const DefaultRole = "user"

// Store finds users by id and links federated profiles to users.
type Store interface {
	// FindByID returns errors.ErrUserNotFound for unknown ids.
	FindByID(ctx context.Context, id string) (*models.User, error)

	// UpsertFromProfile returns the user linked to the profile's
	// provider and subject, creating it on first login and refreshing
	// its attributes on later ones.
	UpsertFromProfile(ctx context.Context, p models.Profile) (*models.User, error)
}

// NormalizeProfile canonicalises provider supplied text so the same
// person always maps to the same stored values.
func NormalizeProfile(p models.Profile) models.Profile {
	p.Email = strings.ToLower(norm.NFKC.String(strings.TrimSpace(p.Email)))
	p.Name = norm.NFKC.String(strings.TrimSpace(p.Name))
	p.Username = norm.NFKC.String(strings.TrimSpace(p.Username))

	if p.Username == "" {
		if local, _, ok := strings.Cut(p.Email, "@"); ok {
			p.Username = local
		}
	}

	return p
}

// MemoryStore keeps users in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]*models.User // id -> user
	linked map[string]string       // provider + "\x00" + subject -> id
}

// NewMemoryStore returns a store seeded with users.
func NewMemoryStore(seed ...*models.User) *MemoryStore {
	s := &MemoryStore{
		users:  make(map[string]*models.User),
		linked: make(map[string]string),
	}
	for _, u := range seed {
		s.users[u.ID] = u
	}

	return s
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, autherr.ErrUserNotFound
	}

	cp := *u

	return &cp, nil
}

func (s *MemoryStore) UpsertFromProfile(_ context.Context, p models.Profile) (*models.User, error) {
	p = NormalizeProfile(p)
	key := p.Provider + "\x00" + p.Subject

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.linked[key]
	if !ok {
		id = uuid.NewString()
		s.linked[key] = id
		s.users[id] = &models.User{ID: id, Role: DefaultRole}
	}

	u := s.users[id]
	u.Email = p.Email
	u.Username = p.Username
	u.Name = p.Name
	u.EmailVerified = p.EmailVerified
	u.AvatarURL = p.AvatarURL

	cp := *u

	return &cp, nil
}
