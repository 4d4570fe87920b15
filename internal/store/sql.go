package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	autherr "github.com/Paddione/projects-sub012/internal/errors"
	"github.com/Paddione/projects-sub012/internal/models"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// OpenSQL opens a database handle for driver ("postgres" or "sqlite").
// SQLite is limited to one connection so writes never contend for the
// file lock and in-memory databases stay shared.
func OpenSQL(driver, dsn string) (*sqlx.DB, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	return db, nil
}

// SQL is a Backend on Postgres or SQLite. Both dialects accept the same
// statements once placeholders are rebound.
type SQL struct {
	db *sqlx.DB
}

// NewSQL wraps a migrated database handle.
func NewSQL(db *sqlx.DB) *SQL {
	return &SQL{db: db}
}

// Ping checks connectivity.
func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *SQL) Close() error {
	return s.db.Close()
}

type codeRow struct {
	CodeHash    string        `db:"code_hash"`
	UserID      string        `db:"user_id"`
	ClientID    string        `db:"client_id"`
	RedirectURI string        `db:"redirect_uri"`
	Scope       string        `db:"scope"`
	CreatedAt   int64         `db:"created_at"`
	ExpiresAt   int64         `db:"expires_at"`
	ConsumedAt  sql.NullInt64 `db:"consumed_at"`
}

func (r codeRow) model() *models.AuthorizationCode {
	c := &models.AuthorizationCode{
		CodeHash:    r.CodeHash,
		UserID:      r.UserID,
		ClientID:    r.ClientID,
		RedirectURI: r.RedirectURI,
		Scope:       r.Scope,
		CreatedAt:   time.UnixMilli(r.CreatedAt),
		ExpiresAt:   time.UnixMilli(r.ExpiresAt),
	}

	if r.ConsumedAt.Valid {
		t := time.UnixMilli(r.ConsumedAt.Int64)
		c.ConsumedAt = &t
	}

	return c
}

func (s *SQL) SaveCode(ctx context.Context, code *models.AuthorizationCode) error {
	q := s.db.Rebind(`INSERT INTO oauth_authorization_codes
		(code_hash, user_id, client_id, redirect_uri, scope, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, q,
		code.CodeHash, code.UserID, code.ClientID, code.RedirectURI, code.Scope,
		code.CreatedAt.UnixMilli(), code.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("inserting code: %w", err)
	}

	return nil
}

func (s *SQL) ConsumeCode(ctx context.Context, codeHash, clientID, redirectURI string, now time.Time) (*models.AuthorizationCode, error) {
	q := s.db.Rebind(`UPDATE oauth_authorization_codes
		SET consumed_at = ?
		WHERE code_hash = ?
		  AND consumed_at IS NULL
		  AND expires_at > ?
		  AND client_id = ?
		  AND redirect_uri = ?
		RETURNING code_hash, user_id, client_id, redirect_uri, scope, created_at, expires_at, consumed_at`)

	var row codeRow

	err := s.db.GetContext(ctx, &row, q,
		now.UnixMilli(), codeHash, now.UnixMilli(), clientID, redirectURI)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, autherr.ErrCodeNotConsumable
	}

	if err != nil {
		return nil, fmt.Errorf("consuming code: %w", err)
	}

	return row.model(), nil
}

func (s *SQL) PruneCodes(ctx context.Context, now time.Time) (int, error) {
	return s.deleteExpired(ctx, "oauth_authorization_codes", now)
}

func (s *SQL) Revoke(ctx context.Context, rec models.RevokedToken) (bool, error) {
	if !rec.ExpiresAt.After(rec.RevokedAt) {
		return false, nil
	}

	q := s.db.Rebind(`INSERT INTO oauth_revoked_tokens (jti, revoked_at, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (jti) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, q, rec.JTI, rec.RevokedAt.UnixMilli(), rec.ExpiresAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("inserting revocation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking revocation insert: %w", err)
	}

	return n == 1, nil
}

func (s *SQL) IsRevoked(ctx context.Context, jti string, now time.Time) (bool, error) {
	q := s.db.Rebind(`SELECT COUNT(1) FROM oauth_revoked_tokens WHERE jti = ? AND expires_at > ?`)

	var n int
	if err := s.db.GetContext(ctx, &n, q, jti, now.UnixMilli()); err != nil {
		return false, fmt.Errorf("checking revocation: %w", err)
	}

	return n > 0, nil
}

func (s *SQL) PruneRevoked(ctx context.Context, now time.Time) (int, error) {
	return s.deleteExpired(ctx, "oauth_revoked_tokens", now)
}

func (s *SQL) deleteExpired(ctx context.Context, table string, now time.Time) (int, error) {
	q := s.db.Rebind(`DELETE FROM ` + table + ` WHERE expires_at <= ?`)

	res, err := s.db.ExecContext(ctx, q, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning %s: %w", table, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning %s: %w", table, err)
	}

	return int(n), nil
}
