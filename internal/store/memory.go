package store

import (
	"context"
	"sync"
	"time"

	autherr "github.com/Paddione/projects-sub012/internal/errors"
	"github.com/Paddione/projects-sub012/internal/models"
)

// Memory is a process-local Backend. State is lost on restart, so it is
// only suitable for development and single-instance tests.
type Memory struct {
	mu      sync.Mutex
	codes   map[string]*models.AuthorizationCode // code hash -> code
	revoked map[string]models.RevokedToken       // jti -> record
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		codes:   make(map[string]*models.AuthorizationCode),
		revoked: make(map[string]models.RevokedToken),
	}
}

func (m *Memory) SaveCode(_ context.Context, code *models.AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.codes[code.CodeHash] = cloneCode(code)

	return nil
}

func (m *Memory) ConsumeCode(_ context.Context, codeHash, clientID, redirectURI string, now time.Time) (*models.AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[codeHash]
	if !ok || !codeMatches(c, clientID, redirectURI, now) {
		return nil, autherr.ErrCodeNotConsumable
	}

	consumed := now
	c.ConsumedAt = &consumed

	return cloneCode(c), nil
}

func (m *Memory) PruneCodes(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0

	for k, c := range m.codes {
		if !now.Before(c.ExpiresAt) {
			delete(m.codes, k)
			n++
		}
	}

	return n, nil
}

func (m *Memory) Revoke(_ context.Context, rec models.RevokedToken) (bool, error) {
	if !rec.ExpiresAt.After(rec.RevokedAt) {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.revoked[rec.JTI]; ok && rec.RevokedAt.Before(existing.ExpiresAt) {
		return false, nil
	}

	m.revoked[rec.JTI] = rec

	return true, nil
}

func (m *Memory) IsRevoked(_ context.Context, jti string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.revoked[jti]
	if !ok {
		return false, nil
	}

	// Expired records are dropped on lookup; the token can no longer
	// pass signature and expiry checks anyway.
	if !now.Before(rec.ExpiresAt) {
		delete(m.revoked, jti)
		return false, nil
	}

	return true, nil
}

func (m *Memory) PruneRevoked(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0

	for k, rec := range m.revoked {
		if !now.Before(rec.ExpiresAt) {
			delete(m.revoked, k)
			n++
		}
	}

	return n, nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
