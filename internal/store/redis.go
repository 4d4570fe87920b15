package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	autherr "github.com/Paddione/projects-sub012/internal/errors"
	"github.com/Paddione/projects-sub012/internal/models"
	"github.com/redis/go-redis/v9"
)

// consumeCodeScript checks and marks a code in one server-side step.
// KEYS[1] = code key; ARGV = client_id, redirect_uri, now (unix ms).
// Returns {user_id, scope, created_at, expires_at} or nil.
var consumeCodeScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'client_id', 'redirect_uri', 'expires_at', 'consumed_at', 'user_id', 'scope', 'created_at')
if not v[1] then
  return false
end
if v[4] then
  return false
end
if tonumber(v[3]) <= tonumber(ARGV[3]) then
  return false
end
if v[1] ~= ARGV[1] or v[2] ~= ARGV[2] then
  return false
end
redis.call('HSET', KEYS[1], 'consumed_at', ARGV[3])
return {v[5], v[6], v[7], v[3]}
`)

// Redis is a Backend on a Redis server. Key expiry does the pruning.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis wraps an existing client. All keys are namespaced by prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// OpenRedis connects to the server described by a redis:// URL.
func OpenRedis(rawURL, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	return NewRedis(redis.NewClient(opts), prefix), nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) codeKey(codeHash string) string {
	return r.prefix + "code:" + codeHash
}

func (r *Redis) revokedKey(jti string) string {
	return r.prefix + "revoked:" + jti
}

func (r *Redis) SaveCode(ctx context.Context, code *models.AuthorizationCode) error {
	key := r.codeKey(code.CodeHash)

	ttl := code.ExpiresAt.Sub(code.CreatedAt)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"user_id", code.UserID,
			"client_id", code.ClientID,
			"redirect_uri", code.RedirectURI,
			"scope", code.Scope,
			"created_at", code.CreatedAt.UnixMilli(),
			"expires_at", code.ExpiresAt.UnixMilli(),
		)
		pipe.PExpire(ctx, key, ttl)

		return nil
	})
	if err != nil {
		return fmt.Errorf("saving code: %w", err)
	}

	return nil
}

func (r *Redis) ConsumeCode(ctx context.Context, codeHash, clientID, redirectURI string, now time.Time) (*models.AuthorizationCode, error) {
	res, err := consumeCodeScript.Run(ctx, r.client, []string{r.codeKey(codeHash)},
		clientID, redirectURI, now.UnixMilli()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, autherr.ErrCodeNotConsumable
	}

	if err != nil {
		return nil, fmt.Errorf("consuming code: %w", err)
	}

	if len(res) != 4 {
		return nil, fmt.Errorf("consuming code: unexpected script result length %d", len(res))
	}

	createdAt, err := strconv.ParseInt(res[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	expiresAt, err := strconv.ParseInt(res[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	consumed := now

	return &models.AuthorizationCode{
		CodeHash:    codeHash,
		UserID:      res[0],
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scope:       res[1],
		CreatedAt:   time.UnixMilli(createdAt),
		ExpiresAt:   time.UnixMilli(expiresAt),
		ConsumedAt:  &consumed,
	}, nil
}

// PruneCodes is a no-op; code keys carry a TTL.
func (r *Redis) PruneCodes(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *Redis) Revoke(ctx context.Context, rec models.RevokedToken) (bool, error) {
	ttl := rec.ExpiresAt.Sub(rec.RevokedAt)
	if ttl <= 0 {
		return false, nil
	}

	ok, err := r.client.SetNX(ctx, r.revokedKey(rec.JTI), rec.ExpiresAt.UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("revoking token: %w", err)
	}

	return ok, nil
}

func (r *Redis) IsRevoked(ctx context.Context, jti string, now time.Time) (bool, error) {
	exp, err := r.client.Get(ctx, r.revokedKey(jti)).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("checking revocation: %w", err)
	}

	return now.UnixMilli() < exp, nil
}

// PruneRevoked is a no-op; revocation keys expire with their token.
func (r *Redis) PruneRevoked(context.Context, time.Time) (int, error) {
	return 0, nil
}
