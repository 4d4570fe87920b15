package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	autherr "github.com/Paddione/projects-sub012/internal/errors"
	"github.com/Paddione/projects-sub012/internal/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testNow is truncated to milliseconds, the resolution every backend keeps.
func testNow() time.Time {
	return time.UnixMilli(time.Now().UnixMilli())
}

type backendCase struct {
	name string
	open func(t *testing.T) Backend
	// ttlPruned marks backends that rely on key expiry instead of Prune.
	ttlPruned bool
}

func backends() []backendCase {
	return []backendCase{
		{name: "memory", open: func(t *testing.T) Backend {
			return NewMemory()
		}},
		{name: "bolt", open: func(t *testing.T) Backend {
			t.Helper()
			b, err := OpenBolt(filepath.Join(t.TempDir(), "sub", "authd.db"))
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			return b
		}},
		{name: "redis", ttlPruned: true, open: func(t *testing.T) Backend {
			t.Helper()
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			r := NewRedis(client, "test:")
			t.Cleanup(func() { r.Close() })
			return r
		}},
		{name: "sqlite", open: func(t *testing.T) Backend {
			t.Helper()
			db, err := OpenSQL(DriverSQLite, ":memory:")
			require.NoError(t, err)
			require.NoError(t, Migrate(context.Background(), db))
			s := NewSQL(db)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func newCode(raw string, now time.Time, ttl time.Duration) *models.AuthorizationCode {
	return &models.AuthorizationCode{
		CodeHash:    HashCode(raw),
		UserID:      "U1",
		ClientID:    "C1",
		RedirectURI: "https://app.example/cb",
		Scope:       "profile email",
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend, bc backendCase)) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			fn(t, bc.open(t), bc)
		})
	}
}

// --- HashCode ---

func TestHashCode(t *testing.T) {
	h := HashCode("ABC123")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashCode("ABC123"))
	assert.NotEqual(t, h, HashCode("ABC124"))
}

// --- Codes ---

func TestConsumeCode_SucceedsOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, _ backendCase) {
		ctx := context.Background()
		now := testNow()
		require.NoError(t, b.SaveCode(ctx, newCode("ABC123", now, time.Minute)))

		got, err := b.ConsumeCode(ctx, HashCode("ABC123"), "C1", "https://app.example/cb", now.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, "U1", got.UserID)
		assert.Equal(t, "profile email", got.Scope)
		assert.Equal(t, now.Add(time.Minute).UnixMilli(), got.ExpiresAt.UnixMilli())
		require.NotNil(t, got.ConsumedAt)

		_, err = b.ConsumeCode(ctx, HashCode("ABC123"), "C1", "https://app.example/cb", now.Add(2*time.Second))
		assert.ErrorIs(t, err, autherr.ErrCodeNotConsumable)
	})
}

func TestConsumeCode_Expired(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, _ backendCase) {
		ctx := context.Background()
		now := testNow()
		require.NoError(t, b.SaveCode(ctx, newCode("ABC123", now, time.Minute)))

		_, err := b.ConsumeCode(ctx, HashCode("ABC123"), "C1", "https://app.example/cb", now.Add(time.Minute))
		assert.ErrorIs(t, err, autherr.ErrCodeNotConsumable)
	})
}

func TestConsumeCode_BindingMismatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, _ backendCase) {
		ctx := context.Background()
		now := testNow()
		require.NoError(t, b.SaveCode(ctx, newCode("ABC123", now, time.Minute)))

		_, err := b.ConsumeCode(ctx, HashCode("ABC123"), "C1", "https://evil.example/cb", now)
		assert.ErrorIs(t, err, autherr.ErrCodeNotConsumable)

		_, err = b.ConsumeCode(ctx, HashCode("ABC123"), "C2", "https://app.example/cb", now)
		assert.ErrorIs(t, err, autherr.ErrCodeNotConsumable)
	})
}

func TestConsumeCode_Unknown(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, _ backendCase) {
		_, err := b.ConsumeCode(context.Background(), HashCode("nope"), "C1", "https://app.example/cb", testNow())
		assert.ErrorIs(t, err, autherr.ErrCodeNotConsumable)
	})
}

func TestConsumeCode_ConcurrentCallersExactlyOneWins(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, _ backendCase) {
		ctx := context.Background()
		now := testNow()
		require.NoError(t, b.SaveCode(ctx, newCode("RACE", now, time.Minute)))

		const callers = 16

		var (
			wg      sync.WaitGroup
			wins    atomic.Int32
			unknown atomic.Int32
		)

		for range callers {
			wg.Add(1)

			go func() {
				defer wg.Done()

				_, err := b.ConsumeCode(ctx, HashCode("RACE"), "C1", "https://app.example/cb", now)
				switch {
				case err == nil:
					wins.Add(1)
				case !errors.Is(err, autherr.ErrCodeNotConsumable):
					unknown.Add(1)
				}
			}()
		}

		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(0), unknown.Load())
	})
}

func TestPruneCodes_RemovesExpiredOnly(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, bc backendCase) {
		if bc.ttlPruned {
			t.Skip("backend prunes with key expiry")
		}

		ctx := context.Background()
		now := testNow()
		require.NoError(t, b.SaveCode(ctx, newCode("old", now.Add(-2*time.Minute), time.Minute)))
		require.NoError(t, b.SaveCode(ctx, newCode("live", now, time.Minute)))

		n, err := b.PruneCodes(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = b.ConsumeCode(ctx, HashCode("live"), "C1", "https://app.example/cb", now)
		assert.NoError(t, err)
	})
}

// --- Revocation ---

func TestRevoke_IdempotentAndVisible(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, _ backendCase) {
		ctx := context.Background()
		now := testNow()
		rec := models.RevokedToken{JTI: "jti-1", RevokedAt: now, ExpiresAt: now.Add(time.Hour)}

		created, err := b.Revoke(ctx, rec)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = b.Revoke(ctx, rec)
		require.NoError(t, err)
		assert.False(t, created, "second revoke must not report creation")

		revoked, err := b.IsRevoked(ctx, "jti-1", now.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, revoked)

		revoked, err = b.IsRevoked(ctx, "jti-2", now)
		require.NoError(t, err)
		assert.False(t, revoked)
	})
}

func TestRevoke_AlreadyExpiredIsNoop(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, _ backendCase) {
		ctx := context.Background()
		now := testNow()

		created, err := b.Revoke(ctx, models.RevokedToken{JTI: "old", RevokedAt: now, ExpiresAt: now.Add(-time.Second)})
		require.NoError(t, err)
		assert.False(t, created)

		revoked, err := b.IsRevoked(ctx, "old", now)
		require.NoError(t, err)
		assert.False(t, revoked)
	})
}

func TestIsRevoked_FalseAfterTokenExpiry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, _ backendCase) {
		ctx := context.Background()
		now := testNow()
		_, err := b.Revoke(ctx, models.RevokedToken{JTI: "j", RevokedAt: now, ExpiresAt: now.Add(time.Minute)})
		require.NoError(t, err)

		revoked, err := b.IsRevoked(ctx, "j", now.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, revoked)
	})
}

func TestRevoke_ConcurrentCallersExactlyOneCreates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, _ backendCase) {
		ctx := context.Background()
		now := testNow()
		rec := models.RevokedToken{JTI: "race", RevokedAt: now, ExpiresAt: now.Add(time.Hour)}

		var (
			wg      sync.WaitGroup
			created atomic.Int32
		)

		for range 16 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				ok, err := b.Revoke(ctx, rec)
				if err == nil && ok {
					created.Add(1)
				}
			}()
		}

		wg.Wait()
		assert.Equal(t, int32(1), created.Load())
	})
}

func TestPruneRevoked_RemovesExpiredOnly(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, bc backendCase) {
		if bc.ttlPruned {
			t.Skip("backend prunes with key expiry")
		}

		ctx := context.Background()
		now := testNow()
		_, err := b.Revoke(ctx, models.RevokedToken{JTI: "short", RevokedAt: now, ExpiresAt: now.Add(time.Second)})
		require.NoError(t, err)
		_, err = b.Revoke(ctx, models.RevokedToken{JTI: "long", RevokedAt: now, ExpiresAt: now.Add(time.Hour)})
		require.NoError(t, err)

		n, err := b.PruneRevoked(ctx, now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		revoked, err := b.IsRevoked(ctx, "long", now.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, revoked)
	})
}

// --- Bolt specifics ---

func TestOpenBolt_ReopensExistingDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authd.db")
	ctx := context.Background()
	now := testNow()

	b1, err := OpenBolt(path)
	require.NoError(t, err)
	_, err = b1.Revoke(ctx, models.RevokedToken{JTI: "persist-me", RevokedAt: now, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, b1.Close())

	b2, err := OpenBolt(path)
	require.NoError(t, err)
	defer b2.Close()

	revoked, err := b2.IsRevoked(ctx, "persist-me", now)
	require.NoError(t, err)
	assert.True(t, revoked)
}

// --- SQL specifics ---

func TestOpenSQL_RejectsUnknownDriver(t *testing.T) {
	_, err := OpenSQL("mysql", "dsn")
	assert.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := OpenSQL(DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(context.Background(), db))
	require.NoError(t, Migrate(context.Background(), db))
}

// --- Sweeper ---

func TestSweeper_PrunesBothSets(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := NewMockBackend(ctrl)
	now := testNow()

	b.EXPECT().PruneCodes(gomock.Any(), now).Return(2, nil)
	b.EXPECT().PruneRevoked(gomock.Any(), now).Return(0, errors.New("boom"))

	s := NewSweeper(b, b, time.Minute, testLogger())
	s.now = func() time.Time { return now }
	s.Sweep(context.Background())
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	m := NewMemory()
	s := NewSweeper(m, m, time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- s.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeper_RemovesExpiredFromMemory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := testNow()
	require.NoError(t, m.SaveCode(ctx, newCode("old", now.Add(-time.Hour), time.Minute)))

	s := NewSweeper(m, m, time.Minute, testLogger())
	s.Sweep(ctx)

	assert.Empty(t, m.codes)
}

// --- WaitReady ---

func TestWaitReady_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := WaitReady(context.Background(), testLogger(), "test", func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWaitReady_GivesUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitReady(ctx, testLogger(), "test", func(context.Context) error {
		return errors.New("down")
	})
	assert.Error(t, err)
}

func TestOpen_SelectsBackend(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cases := []struct {
		opts   Options
		wantDB bool
	}{
		{opts: Options{Backend: BackendMemory}},
		{opts: Options{Backend: BackendBolt, BoltPath: filepath.Join(t.TempDir(), "authd.db")}},
		{opts: Options{Backend: BackendRedis, RedisURL: "redis://" + mr.Addr(), RedisPrefix: "t:"}},
		{opts: Options{Backend: BackendSQLite, DatabaseURL: filepath.Join(t.TempDir(), "authd.sqlite"), Migrate: true}, wantDB: true},
	}

	for _, tc := range cases {
		t.Run(tc.opts.Backend, func(t *testing.T) {
			opened, err := Open(ctx, tc.opts, testLogger())
			require.NoError(t, err)
			t.Cleanup(func() { opened.Backend.Close() })

			assert.Equal(t, tc.wantDB, opened.DB != nil)
			require.NoError(t, opened.Ping(ctx))

			now := testNow()
			require.NoError(t, opened.Backend.SaveCode(ctx, newCode("open-code", now, time.Minute)))
			_, err = opened.Backend.ConsumeCode(ctx, HashCode("open-code"), "C1", "https://app.example/cb", now)
			require.NoError(t, err)
		})
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: "etcd"}, testLogger())
	assert.Error(t, err)
}
