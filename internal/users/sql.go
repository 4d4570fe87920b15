package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	autherr "github.com/Paddione/projects-sub012/internal/errors"
	"github.com/Paddione/projects-sub012/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SQLStore keeps users in the oauth_users table.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore returns a store over a migrated database.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

type userRow struct {
	ID            string `db:"id"`
	Email         string `db:"email"`
	Username      string `db:"username"`
	Name          string `db:"name"`
	Role          string `db:"role"`
	EmailVerified bool   `db:"email_verified"`
	AvatarURL     string `db:"avatar_url"`
}

func (r userRow) model() *models.User {
	return &models.User{
		ID:            r.ID,
		Email:         r.Email,
		Username:      r.Username,
		Name:          r.Name,
		Role:          r.Role,
		EmailVerified: r.EmailVerified,
		AvatarURL:     r.AvatarURL,
	}
}

func (s *SQLStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	q := s.db.Rebind(`SELECT id, email, username, name, role, email_verified, avatar_url
		FROM oauth_users WHERE id = ?`)

	var row userRow

	err := s.db.GetContext(ctx, &row, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, autherr.ErrUserNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	return row.model(), nil
}

func (s *SQLStore) UpsertFromProfile(ctx context.Context, p models.Profile) (*models.User, error) {
	p = NormalizeProfile(p)

	q := s.db.Rebind(`INSERT INTO oauth_users
		(id, email, username, name, role, email_verified, avatar_url, provider, provider_subject, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_subject) DO UPDATE SET
			email = excluded.email,
			username = excluded.username,
			name = excluded.name,
			email_verified = excluded.email_verified,
			avatar_url = excluded.avatar_url
		RETURNING id, email, username, name, role, email_verified, avatar_url`)

	var row userRow

	err := s.db.GetContext(ctx, &row, q,
		uuid.NewString(), p.Email, p.Username, p.Name, DefaultRole, p.EmailVerified, p.AvatarURL,
		p.Provider, p.Subject, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("upserting user: %w", err)
	}

	return row.model(), nil
}
