package clients

import (
	"context"
	"sync"

	autherr "github.com/Paddione/projects-sub012/internal/errors"
	"github.com/Paddione/projects-sub012/internal/models"
)

// MemoryStore holds clients in a map. It is also the snapshot type the
// file store swaps in on reload.
type MemoryStore struct {
	mu      sync.RWMutex
	clients map[string]*models.Client
}

// NewMemoryStore returns a store seeded with clients.
func NewMemoryStore(clients ...*models.Client) *MemoryStore {
	s := &MemoryStore{clients: make(map[string]*models.Client, len(clients))}
	for _, c := range clients {
		s.clients[c.ClientID] = c
	}

	return s
}

func (s *MemoryStore) GetClient(_ context.Context, clientID string) (*models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, autherr.ErrClientNotFound
	}

	cp := *c

	return &cp, nil
}

// replace swaps the whole client set.
func (s *MemoryStore) replace(clients map[string]*models.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients = clients
}

// Len returns the number of clients.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.clients)
}
