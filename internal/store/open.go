package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Options selects and locates a backend.
type Options struct {
	Backend     string
	BoltPath    string
	RedisURL    string
	RedisPrefix string
	DatabaseURL string

	// Migrate applies the embedded schema after connecting to a SQL
	// backend.
	Migrate bool
}

// Opened is a connected backend. DB is set for the SQL backends so the
// client and user stores can share the handle.
type Opened struct {
	Backend Backend
	DB      *sqlx.DB
	Ping    func(context.Context) error
}

// Open connects the backend named in opts, waiting for network backends
// to become reachable.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Opened, error) {
	noPing := func(context.Context) error { return nil }

	switch opts.Backend {
	case BackendMemory:
		logger.Warn("using in-memory store; codes and revocations are lost on restart")
		return &Opened{Backend: NewMemory(), Ping: noPing}, nil

	case BackendBolt:
		b, err := OpenBolt(opts.BoltPath)
		if err != nil {
			return nil, err
		}

		logger.Info("bolt store opened", slog.String("path", opts.BoltPath))

		return &Opened{Backend: b, Ping: noPing}, nil

	case BackendRedis:
		r, err := OpenRedis(opts.RedisURL, opts.RedisPrefix)
		if err != nil {
			return nil, err
		}

		if err := WaitReady(ctx, logger, BackendRedis, r.Ping); err != nil {
			r.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}

		logger.Info("redis store connected", slog.String("prefix", opts.RedisPrefix))

		return &Opened{Backend: r, Ping: r.Ping}, nil

	case BackendPostgres, BackendSQLite:
		db, err := OpenSQL(opts.Backend, opts.DatabaseURL)
		if err != nil {
			return nil, err
		}

		s := NewSQL(db)

		if err := WaitReady(ctx, logger, opts.Backend, s.Ping); err != nil {
			db.Close()
			return nil, fmt.Errorf("connecting to %s: %w", opts.Backend, err)
		}

		if opts.Migrate {
			if err := Migrate(ctx, db); err != nil {
				db.Close()
				return nil, err
			}
		}

		logger.Info("sql store connected", slog.String("driver", opts.Backend))

		return &Opened{Backend: s, DB: db, Ping: s.Ping}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
