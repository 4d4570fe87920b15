package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Sweeper periodically removes expired codes and revocation records.
type Sweeper struct {
	codes    CodeStore
	revoked  RevocationStore
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper returns a sweeper for the given stores.
func NewSweeper(codes CodeStore, revoked RevocationStore, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		codes:    codes,
		revoked:  revoked,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Sweep runs one pruning pass. Failures are logged and retried on the
// next tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	codes, err := s.codes.PruneCodes(ctx, now)
	if err != nil {
		s.logger.Error("pruning authorization codes", slog.String("error", err.Error()))
	}

	revoked, err := s.revoked.PruneRevoked(ctx, now)
	if err != nil {
		s.logger.Error("pruning revoked tokens", slog.String("error", err.Error()))
	}

	if codes > 0 || revoked > 0 {
		s.logger.Debug("sweep complete",
			slog.Int("codes", codes),
			slog.Int("revoked", revoked),
		)
	}
}

// pingMaxTries bounds startup connection attempts.
const pingMaxTries = 5

// WaitReady calls ping with exponential backoff until it succeeds, the
// attempts are exhausted, or ctx is done.
func WaitReady(ctx context.Context, logger *slog.Logger, name string, ping func(context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, ping(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(pingMaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warn("backend not ready, retrying",
				slog.String("backend", name),
				slog.Duration("retry_in", d),
				slog.String("error", err.Error()),
			)
		}),
	)

	return err
}
