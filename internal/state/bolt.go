package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/alexjbarnes/oauthclientbridge/internal/errors"
	"github.com/alexjbarnes/oauthclientbridge/internal/ratelimit"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the database directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the default wait for the bolt file lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	tokensBucket  = []byte("tokens")
	bucketsBucket = []byte("buckets")
)

// credentialRecord is the JSON value stored per client id. A nil Token
// marks a revoked credential.
type credentialRecord struct {
	Token     *string `json:"token"`
	CreatedAt int64   `json:"created_at"`
}

type bucketRecord struct {
	UpdatedAt float64 `json:"updated_at"`
	Level     float64 `json:"level"`
}

// BoltStore keeps credentials and buckets in a single bbolt file. Every
// operation is one bolt transaction, and bolt serializes writers, so a
// Hit is atomic with respect to other hits.
type BoltStore struct {
	db      *bolt.DB
	path    string
	timeout time.Duration
	obs     observer
	newID   func() string
}

// OpenBolt opens or creates the bolt file at opts.DSN.
func OpenBolt(opts Options) (*BoltStore, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = stateOpenTimeout
	}

	s := &BoltStore{
		path:    opts.DSN,
		timeout: timeout,
		obs:     observer{metrics: opts.Metrics, classify: classifyBoltError},
		newID:   uuid.NewString,
	}

	db, err := s.open()
	if err != nil {
		return nil, err
	}

	s.db = db

	if err := s.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) open() (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(s.path, stateFilePerm, &bolt.Options{Timeout: s.timeout})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	return db, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Init creates both buckets if missing.
func (s *BoltStore) Init(ctx context.Context) (err error) {
	defer s.obs.observe(queryInit, time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(tokensBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(bucketsBucket)

		return err
	})
	if err != nil {
		return fmt.Errorf("initializing bolt db: %w", err)
	}

	return nil
}

// Insert stores token under a new UUID.
func (s *BoltStore) Insert(ctx context.Context, token string) (clientID string, err error) {
	defer s.obs.observe(queryInsert, time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return "", err
	}

	clientID = s.newID()

	data, err := json.Marshal(credentialRecord{Token: tokenValue(token), CreatedAt: time.Now().Unix()})
	if err != nil {
		return "", err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)
		if b.Get([]byte(clientID)) != nil {
			return apperrors.ErrIntegrity
		}

		return b.Put([]byte(clientID), data)
	})
	if err != nil {
		return "", fmt.Errorf("inserting %s: %w", clientID, err)
	}

	return clientID, nil
}

// Lookup returns the token stored for clientID.
func (s *BoltStore) Lookup(ctx context.Context, clientID string) (token string, err error) {
	defer s.obs.observe(queryLookup, time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return "", err
	}

	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokensBucket).Get([]byte(clientID))
		if v == nil {
			return apperrors.ErrClientNotFound
		}

		var rec credentialRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		token = tokenString(rec.Token)

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("looking up %s: %w", clientID, err)
	}

	return token, nil
}

// Update overwrites the token for an existing clientID.
func (s *BoltStore) Update(ctx context.Context, clientID, token string) (rows int64, err error) {
	defer s.obs.observe(queryUpdate, time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)

		v := b.Get([]byte(clientID))
		if v == nil {
			return nil
		}

		var rec credentialRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		rec.Token = tokenValue(token)

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		rows = 1

		return b.Put([]byte(clientID), data)
	})
	if err != nil {
		return 0, fmt.Errorf("updating %s: %w", clientID, err)
	}

	return rows, nil
}

// Count walks every credential.
func (s *BoltStore) Count(ctx context.Context) (counts Counts, err error) {
	defer s.obs.observe(queryCount, time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return Counts{}, err
	}

	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).ForEach(func(_, v []byte) error {
			var rec credentialRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			if rec.Token == nil {
				counts.Revoked++
			} else {
				counts.Active++
			}

			return nil
		})
	})
	if err != nil {
		return Counts{}, fmt.Errorf("counting tokens: %w", err)
	}

	return counts, nil
}

// Hit applies ratelimit.Fill to key inside one write transaction.
func (s *BoltStore) Hit(ctx context.Context, key string, now time.Time, cost float64, p ratelimit.Params) (level float64, err error) {
	defer s.obs.observe(queryHit, time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ts := unixSeconds(now)

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketsBucket)

		var rec bucketRecord

		var elapsed time.Duration

		if v := b.Get([]byte(key)); v != nil {
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			elapsed = time.Duration((ts - rec.UpdatedAt) * float64(time.Second))
		}

		rec.Level = ratelimit.Fill(rec.Level, elapsed, cost, p)
		rec.UpdatedAt = ts
		level = rec.Level

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put([]byte(key), data)
	})
	if err != nil {
		return 0, fmt.Errorf("updating bucket: %w", err)
	}

	return level, nil
}

// CleanBuckets deletes every drained bucket.
func (s *BoltStore) CleanBuckets(ctx context.Context, now time.Time, refillRate float64) (deleted int64, err error) {
	defer s.obs.observe(queryClean, time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketsBucket)

		var stale [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var rec bucketRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			updated := time.Unix(0, int64(rec.UpdatedAt*float64(time.Second)))
			if updated.Before(now) && ratelimit.Stale(rec.Level, updated, now, refillRate) {
				stale = append(stale, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		// Deleting while iterating with ForEach is not supported.
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		deleted = int64(len(stale))

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cleaning buckets: %w", err)
	}

	return deleted, nil
}

// Vacuum compacts the bolt file into a fresh copy and swaps it in. It
// must not run concurrently with other calls on the store.
func (s *BoltStore) Vacuum(ctx context.Context) (err error) {
	defer s.obs.observe(queryVacuum, time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return err
	}

	tmp := s.path + ".compact"

	dst, err := bolt.Open(tmp, stateFilePerm, &bolt.Options{Timeout: s.timeout})
	if err != nil {
		return fmt.Errorf("opening compaction target: %w", err)
	}

	if err := bolt.Compact(dst, s.db, 0); err != nil {
		dst.Close()
		os.Remove(tmp)

		return fmt.Errorf("compacting bolt db: %w", err)
	}

	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing compaction target: %w", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing bolt db: %w", err)
	}

	renameErr := os.Rename(tmp, s.path)

	db, err := s.open()
	if err != nil {
		return err
	}

	s.db = db

	if renameErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing bolt db: %w", renameErr)
	}

	return nil
}

func classifyBoltError(err error) string {
	switch {
	case errors.Is(err, bolt.ErrTimeout):
		return "timeout"
	case errors.Is(err, bolt.ErrDatabaseNotOpen):
		return "database_not_open"
	case errors.Is(err, bolt.ErrTxClosed):
		return "tx_closed"
	case errors.Is(err, bolt.ErrDatabaseReadOnly):
		return "read_only"
	case errors.Is(err, bolt.ErrBucketNotFound):
		return "bucket_not_found"
	}

	var syntax *json.SyntaxError
	if errors.As(err, &syntax) {
		return "data_error"
	}

	return "unknown_error"
}
