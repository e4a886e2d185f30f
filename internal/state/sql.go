package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/oauthclientbridge/internal/errors"
	"github.com/alexjbarnes/oauthclientbridge/internal/ratelimit"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// pgUniqueViolation is SQLSTATE 23505.
const pgUniqueViolation = "23505"

type tokenRow struct {
	bun.BaseModel `bun:"table:tokens"`

	ClientID  string    `bun:"client_id,pk"`
	Token     *string   `bun:"token"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

type bucketRow struct {
	bun.BaseModel `bun:"table:buckets"`

	Key       string  `bun:"bucket_key,pk"`
	UpdatedAt float64 `bun:"updated_at,notnull"`
	Level     float64 `bun:"level,notnull"`
}

// SQLStore keeps credentials and buckets in SQLite or Postgres via bun.
type SQLStore struct {
	db      *bun.DB
	driver  string
	obs     observer
	newID   func() string
	hitStmt string
}

// OpenSQL opens a SQLite or Postgres connection pool.
func OpenSQL(ctx context.Context, opts Options) (*SQLStore, error) {
	var (
		db  *bun.DB
		err error
	)

	switch opts.Driver {
	case DriverSQLite:
		db, err = openSQLite(opts)
	case DriverPostgres:
		db, err = openPostgres(opts)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", opts.Driver)
	}

	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s database: %w", opts.Driver, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("database opened", slog.String("driver", opts.Driver))

	return &SQLStore{
		db:      db,
		driver:  opts.Driver,
		obs:     observer{metrics: opts.Metrics, classify: classifySQLError},
		newID:   uuid.NewString,
		hitStmt: hitStatement(opts.Driver),
	}, nil
}

func openSQLite(opts Options) (*bun.DB, error) {
	dsn := opts.DSN
	if opts.Timeout > 0 && !strings.Contains(dsn, "_busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}

		dsn += sep + "_busy_timeout=" + strconv.FormatInt(opts.Timeout.Milliseconds(), 10)
	}

	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// SQLite does not benefit from a pool, and in-memory databases only
	// exist per connection unless shared.
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetConnMaxLifetime(0)

	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

func openPostgres(opts Options) (*bun.DB, error) {
	sqldb, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}

	sqldb.SetMaxOpenConns(25)
	sqldb.SetMaxIdleConns(5)
	sqldb.SetConnMaxLifetime(5 * time.Minute)

	return bun.NewDB(sqldb, pgdialect.New()), nil
}

// hitStatement computes the new bucket level server side in one upsert
// so concurrent hits on the same key are serialized by the database.
func hitStatement(driver string) string {
	least, greatest := "min", "max"
	if driver == DriverPostgres {
		least, greatest = "LEAST", "GREATEST"
	}

	return fmt.Sprintf(`INSERT INTO buckets (bucket_key, updated_at, level)
VALUES (?, ?, %[1]s(?, ?))
ON CONFLICT (bucket_key) DO UPDATE SET
	level = %[1]s(?, %[2]s(0, buckets.level - %[2]s(0, excluded.updated_at - buckets.updated_at) * ?) + ?),
	updated_at = excluded.updated_at
RETURNING level`, least, greatest)
}

// Close closes the pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the bun handle for tests and maintenance.
func (s *SQLStore) DB() *bun.DB {
	return s.db
}

// Init creates both tables and the bucket cleanup index.
func (s *SQLStore) Init(ctx context.Context) (err error) {
	defer s.obs.observe(queryInit, time.Now(), &err)

	for _, model := range []any{(*tokenRow)(nil), (*bucketRow)(nil)} {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("creating table: %w", err)
		}
	}

	_, err = s.db.NewCreateIndex().
		Model((*bucketRow)(nil)).
		Index("buckets_updated_at_idx").
		Column("updated_at").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("creating index: %w", err)
	}

	return nil
}

// Insert stores token under a new UUID.
func (s *SQLStore) Insert(ctx context.Context, token string) (clientID string, err error) {
	defer s.obs.observe(queryInsert, time.Now(), &err)

	row := &tokenRow{
		ClientID:  s.newID(),
		Token:     tokenValue(token),
		CreatedAt: time.Now().UTC(),
	}

	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("inserting %s: %w: %w", row.ClientID, apperrors.ErrIntegrity, err)
		}

		return "", fmt.Errorf("inserting %s: %w", row.ClientID, err)
	}

	return row.ClientID, nil
}

// Lookup returns the token stored for clientID.
func (s *SQLStore) Lookup(ctx context.Context, clientID string) (token string, err error) {
	defer s.obs.observe(queryLookup, time.Now(), &err)

	row := new(tokenRow)

	err = s.db.NewSelect().
		Model(row).
		Column("token").
		Where("client_id = ?", clientID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("looking up %s: %w", clientID, apperrors.ErrClientNotFound)
	}

	if err != nil {
		return "", fmt.Errorf("looking up %s: %w", clientID, err)
	}

	return tokenString(row.Token), nil
}

// Update overwrites the token for an existing clientID.
func (s *SQLStore) Update(ctx context.Context, clientID, token string) (rows int64, err error) {
	defer s.obs.observe(queryUpdate, time.Now(), &err)

	res, err := s.db.NewUpdate().
		Model((*tokenRow)(nil)).
		Set("token = ?", tokenValue(token)).
		Where("client_id = ?", clientID).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("updating %s: %w", clientID, err)
	}

	rows, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("updating %s: %w", clientID, err)
	}

	return rows, nil
}

// Count returns active and revoked totals in one query.
func (s *SQLStore) Count(ctx context.Context) (counts Counts, err error) {
	defer s.obs.observe(queryCount, time.Now(), &err)

	err = s.db.NewSelect().
		Model((*tokenRow)(nil)).
		ColumnExpr("count(token)").
		ColumnExpr("count(*) - count(token)").
		Scan(ctx, &counts.Active, &counts.Revoked)
	if err != nil {
		return Counts{}, fmt.Errorf("counting tokens: %w", err)
	}

	return counts, nil
}

// Hit runs the bucket upsert and returns the new level.
func (s *SQLStore) Hit(ctx context.Context, key string, now time.Time, cost float64, p ratelimit.Params) (level float64, err error) {
	defer s.obs.observe(queryHit, time.Now(), &err)

	ts := unixSeconds(now)

	err = s.db.NewRaw(s.hitStmt,
		key, ts, cost, p.MaxLevel,
		p.MaxLevel, p.RefillRate, cost,
	).Scan(ctx, &level)
	if err != nil {
		return 0, fmt.Errorf("updating bucket: %w", err)
	}

	return level, nil
}

// CleanBuckets deletes every drained bucket.
func (s *SQLStore) CleanBuckets(ctx context.Context, now time.Time, refillRate float64) (deleted int64, err error) {
	defer s.obs.observe(queryClean, time.Now(), &err)

	ts := unixSeconds(now)

	res, err := s.db.NewDelete().
		Model((*bucketRow)(nil)).
		Where("updated_at < ?", ts).
		Where("level - (? - updated_at) * ? <= 0", ts, refillRate).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleaning buckets: %w", err)
	}

	deleted, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleaning buckets: %w", err)
	}

	return deleted, nil
}

// Vacuum runs VACUUM on either database.
func (s *SQLStore) Vacuum(ctx context.Context) (err error) {
	defer s.obs.observe(queryVacuum, time.Now(), &err)

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}

	return false
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// classifySQLError turns a driver error into a snake case label such as
// "database_is_locked" or "unique_violation".
func classifySQLError(err error) string {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return snake(liteErr.Code.Error())
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name()
	}

	switch {
	case errors.Is(err, sql.ErrConnDone):
		return "connection_done"
	case errors.Is(err, sql.ErrTxDone):
		return "tx_done"
	}

	return "unknown_error"
}

func snake(s string) string {
	return strings.Trim(nonWord.ReplaceAllString(strings.ToLower(s), "_"), "_")
}
