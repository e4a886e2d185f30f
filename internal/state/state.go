// Package state persists bridged credentials and rate limit buckets.
// Two backends share one contract: a bbolt file for single node
// deployments and bun over SQLite or Postgres for shared storage.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/oauthclientbridge/internal/errors"
	"github.com/alexjbarnes/oauthclientbridge/internal/metrics"
	"github.com/alexjbarnes/oauthclientbridge/internal/ratelimit"
)

// Revoked is the token value of a credential that exists but no longer
// carries a grant. It is stored as null.
const Revoked = ""

// Supported drivers.
const (
	DriverBolt     = "bolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Query names used as metric labels.
const (
	queryInsert = "insert"
	queryLookup = "lookup"
	queryUpdate = "update"
	queryCount  = "count"
	queryHit    = "rate_limit"
	queryClean  = "clean_buckets"
	queryInit   = "initialize"
	queryVacuum = "vacuum"
)

// Counts is the number of credentials by state.
type Counts struct {
	Active  int64
	Revoked int64
}

// Credentials stores one encrypted grant per client id.
type Credentials interface {
	// Insert stores token under a fresh client id. It fails with
	// ErrIntegrity if the generated id already exists.
	Insert(ctx context.Context, token string) (string, error)

	// Lookup returns the stored token, Revoked for a revoked id, or
	// ErrClientNotFound for an id that was never inserted.
	Lookup(ctx context.Context, clientID string) (string, error)

	// Update overwrites the token. Zero rows means the id does not exist.
	Update(ctx context.Context, clientID, token string) (int64, error)

	// Count returns active and revoked totals.
	Count(ctx context.Context) (Counts, error)
}

// Store is the full storage surface used by the service and the
// maintenance commands.
type Store interface {
	Credentials
	ratelimit.Buckets

	// CleanBuckets removes buckets that have fully drained by now.
	CleanBuckets(ctx context.Context, now time.Time, refillRate float64) (int64, error)

	// Init creates the schema. It is safe to call on an existing store.
	Init(ctx context.Context) error

	// Vacuum reclaims space after deletes.
	Vacuum(ctx context.Context) error

	Close() error
}

// Options select and configure a backend.
type Options struct {
	Driver  string
	DSN     string
	Timeout time.Duration
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Open returns the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	switch opts.Driver {
	case DriverBolt, "":
		s, err := OpenBolt(opts)
		if err != nil {
			return nil, err
		}

		return s, nil
	case DriverSQLite, DriverPostgres:
		s, err := OpenSQL(ctx, opts)
		if err != nil {
			return nil, err
		}

		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", opts.Driver)
	}
}

// observer records latency and error classification per query.
type observer struct {
	metrics  *metrics.Metrics
	classify func(error) string
}

// observe is deferred with the start time and a pointer to the named
// error result. Not found is a normal lookup outcome, not a failure.
func (o observer) observe(query string, start time.Time, errp *error) {
	label := ""

	if err := *errp; err != nil && !errors.Is(err, apperrors.ErrClientNotFound) {
		switch {
		case errors.Is(err, apperrors.ErrIntegrity):
			label = "integrity_error"
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			label = "timeout"
		default:
			label = o.classify(err)
		}
	}

	o.metrics.ObserveQuery(query, time.Since(start), label)
}

func tokenValue(token string) *string {
	if token == Revoked {
		return nil
	}

	return &token
}

func tokenString(token *string) string {
	if token == nil {
		return Revoked
	}

	return *token
}

// unixSeconds converts t to fractional unix seconds.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
