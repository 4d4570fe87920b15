package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	autherr "github.com/Paddione/projects-sub012/internal/errors"
	"github.com/Paddione/projects-sub012/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// boltDirPerm is the permission mode for the database directory.
	boltDirPerm = fs.FileMode(0o700)

	// boltFilePerm is the permission mode for the database file.
	boltFilePerm = fs.FileMode(0o600)

	// boltOpenTimeout is the maximum time to wait for the bolt file lock.
	boltOpenTimeout = 5 * time.Second
)

var (
	codesBucket   = []byte("authorization_codes")
	revokedBucket = []byte("revoked_tokens")
)

// Bolt is a Backend on a single bbolt file. bbolt serialises write
// transactions, which gives ConsumeCode and Revoke their atomicity.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens the database at path, creating the file, its parent
// directory and the buckets if they do not exist.
func OpenBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), boltDirPerm); err != nil {
		return nil, fmt.Errorf("creating bolt directory: %w", err)
	}

	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(codesBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(revokedBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing bolt db: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) SaveCode(_ context.Context, code *models.AuthorizationCode) error {
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshaling code: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(codesBucket).Put([]byte(code.CodeHash), data)
	})
}

func (b *Bolt) ConsumeCode(_ context.Context, codeHash, clientID, redirectURI string, now time.Time) (*models.AuthorizationCode, error) {
	var out *models.AuthorizationCode

	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(codesBucket)

		data := bkt.Get([]byte(codeHash))
		if data == nil {
			return autherr.ErrCodeNotConsumable
		}

		var c models.AuthorizationCode
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("unmarshaling code: %w", err)
		}

		if !codeMatches(&c, clientID, redirectURI, now) {
			return autherr.ErrCodeNotConsumable
		}

		consumed := now
		c.ConsumedAt = &consumed

		updated, err := json.Marshal(&c)
		if err != nil {
			return fmt.Errorf("marshaling code: %w", err)
		}

		if err := bkt.Put([]byte(codeHash), updated); err != nil {
			return err
		}

		out = &c

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (b *Bolt) PruneCodes(_ context.Context, now time.Time) (int, error) {
	return b.prune(codesBucket, func(data []byte) (time.Time, error) {
		var c models.AuthorizationCode
		err := json.Unmarshal(data, &c)

		return c.ExpiresAt, err
	}, now)
}

func (b *Bolt) Revoke(_ context.Context, rec models.RevokedToken) (bool, error) {
	if !rec.ExpiresAt.After(rec.RevokedAt) {
		return false, nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshaling revocation: %w", err)
	}

	created := false

	err = b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(revokedBucket)

		if existing := bkt.Get([]byte(rec.JTI)); existing != nil {
			var prev models.RevokedToken
			if err := json.Unmarshal(existing, &prev); err == nil && rec.RevokedAt.Before(prev.ExpiresAt) {
				return nil
			}
		}

		created = true

		return bkt.Put([]byte(rec.JTI), data)
	})
	if err != nil {
		return false, err
	}

	return created, nil
}

func (b *Bolt) IsRevoked(_ context.Context, jti string, now time.Time) (bool, error) {
	revoked := false

	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(revokedBucket).Get([]byte(jti))
		if data == nil {
			return nil
		}

		var rec models.RevokedToken
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshaling revocation: %w", err)
		}

		revoked = now.Before(rec.ExpiresAt)

		return nil
	})

	return revoked, err
}

func (b *Bolt) PruneRevoked(_ context.Context, now time.Time) (int, error) {
	return b.prune(revokedBucket, func(data []byte) (time.Time, error) {
		var rec models.RevokedToken
		err := json.Unmarshal(data, &rec)

		return rec.ExpiresAt, err
	}, now)
}

// prune deletes every entry in bucket whose expiry is not after now.
// Entries that fail to decode are removed as well.
func (b *Bolt) prune(bucket []byte, expiry func([]byte) (time.Time, error), now time.Time) (int, error) {
	n := 0

	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucket)

		var stale [][]byte

		err := bkt.ForEach(func(k, v []byte) error {
			exp, err := expiry(v)
			if err != nil || !now.Before(exp) {
				stale = append(stale, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}

		n = len(stale)

		return nil
	})

	return n, err
}
