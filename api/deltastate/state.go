// Package deltastate implements the State Store adapter (C1): a thin
// key/bytes mapping plus an atomic offset/sequence-number commit, backed by
// a SQL table. The dual-dialect (Postgres/MySQL) placeholder handling
// mirrors the donor's databaseutil.TableManager, which switches on dbType
// to choose between "$1" and "?" placeholders for the same statement.
package deltastate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/chendingplano/deltatarget/api/deltalog"
)

const (
	LOC_STATE_OPEN   = "DLT_STA_001"
	LOC_STATE_INIT   = "DLT_STA_002"
	LOC_STATE_GET    = "DLT_STA_003"
	LOC_STATE_PUT    = "DLT_STA_004"
	LOC_STATE_COMMIT = "DLT_STA_005"

	tableName = "delta_target_state"
	offsetKey = "__offset__"
)

// Driver selects the SQL dialect backing the state store.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
)

// Store is the C1 State Store adapter: get/put on an opaque key-value space
// plus commitOffset, all against a single SQL table.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	driver Driver
	sb     sq.StatementBuilderType
	logger *deltalog.Logger
}

// Open opens a connection pool for driver against dsn and ensures the
// backing table exists.
func Open(ctx context.Context, driver Driver, dsn string, logger *deltalog.Logger) (*Store, error) {
	sqlDriver := string(driver)
	if driver == DriverPostgres {
		sqlDriver = "pgx"
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w (%s)", err, LOC_STATE_OPEN)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to state store: %w (%s)", err, LOC_STATE_OPEN)
	}

	builder := sq.StatementBuilder
	if driver == DriverPostgres {
		builder = builder.PlaceholderFormat(sq.Dollar)
	} else {
		builder = builder.PlaceholderFormat(sq.Question)
	}

	s := &Store{db: db, driver: driver, sb: builder, logger: logger}
	if err := s.ensureTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureTable(ctx context.Context) error {
	var ddl string
	switch s.driver {
	case DriverPostgres:
		ddl = `CREATE TABLE IF NOT EXISTS ` + tableName + ` (
			state_key   TEXT PRIMARY KEY,
			state_value BYTEA NOT NULL,
			seq_num     BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	case DriverMySQL:
		ddl = `CREATE TABLE IF NOT EXISTS ` + tableName + ` (
			state_key   VARCHAR(512) PRIMARY KEY,
			state_value LONGBLOB NOT NULL,
			seq_num     BIGINT NOT NULL DEFAULT 0,
			updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`
	default:
		return fmt.Errorf("unsupported state store driver %q (%s)", s.driver, LOC_STATE_INIT)
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating state store table: %w (%s)", err, LOC_STATE_INIT)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the bytes stored under key, or (nil, false) if absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query, args, err := s.sb.Select("state_value").From(tableName).Where(sq.Eq{"state_key": key}).ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("building get query: %w (%s)", err, LOC_STATE_GET)
	}
	var value []byte
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading state key %s: %w (%s)", key, err, LOC_STATE_GET)
	}
	return value, true, nil
}

// Put upserts value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	var query string
	var args []any
	var err error
	switch s.driver {
	case DriverPostgres:
		query, args, err = s.sb.Insert(tableName).
			Columns("state_key", "state_value", "updated_at").
			Values(key, value, sq.Expr("now()")).
			Suffix("ON CONFLICT (state_key) DO UPDATE SET state_value = EXCLUDED.state_value, updated_at = now()").
			ToSql()
	case DriverMySQL:
		query, args, err = s.sb.Insert(tableName).
			Columns("state_key", "state_value").
			Values(key, value).
			Suffix("ON DUPLICATE KEY UPDATE state_value = VALUES(state_value), updated_at = CURRENT_TIMESTAMP").
			ToSql()
	}
	if err != nil {
		return fmt.Errorf("building put query: %w (%s)", err, LOC_STATE_PUT)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("writing state key %s: %w (%s)", key, err, LOC_STATE_PUT)
	}
	return nil
}

// CommitOffset atomically persists the opaque offset and sequence number
// under the well-known offset slot. The committed sequence number never
// regresses: the write is a no-op if seqNum is not greater than the value
// already stored: offset commit is monotonic.
func (s *Store) CommitOffset(ctx context.Context, offset []byte, seqNum int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query, args, err := s.sb.Select("seq_num").From(tableName).Where(sq.Eq{"state_key": offsetKey}).ToSql()
	if err != nil {
		return fmt.Errorf("building commit read: %w (%s)", err, LOC_STATE_COMMIT)
	}
	var existing int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading current offset: %w (%s)", err, LOC_STATE_COMMIT)
	}
	if err == nil && seqNum <= existing {
		return nil
	}

	switch s.driver {
	case DriverPostgres:
		query, args, err = s.sb.Insert(tableName).
			Columns("state_key", "state_value", "seq_num", "updated_at").
			Values(offsetKey, offset, seqNum, sq.Expr("now()")).
			Suffix("ON CONFLICT (state_key) DO UPDATE SET state_value = EXCLUDED.state_value, seq_num = EXCLUDED.seq_num, updated_at = now()").
			ToSql()
	case DriverMySQL:
		query, args, err = s.sb.Insert(tableName).
			Columns("state_key", "state_value", "seq_num").
			Values(offsetKey, offset, seqNum).
			Suffix("ON DUPLICATE KEY UPDATE state_value = VALUES(state_value), seq_num = VALUES(seq_num), updated_at = CURRENT_TIMESTAMP").
			ToSql()
	}
	if err != nil {
		return fmt.Errorf("building commit write: %w (%s)", err, LOC_STATE_COMMIT)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("committing offset: %w (%s)", err, LOC_STATE_COMMIT)
	}
	return nil
}

// LastCommittedOffset returns the most recently committed (offset, seqNum),
// or (nil, 0, false) if nothing has been committed yet.
func (s *Store) LastCommittedOffset(ctx context.Context) ([]byte, int64, bool, error) {
	value, ok, err := s.Get(ctx, offsetKey)
	if err != nil || !ok {
		return nil, 0, false, err
	}
	query, args, err := s.sb.Select("seq_num").From(tableName).Where(sq.Eq{"state_key": offsetKey}).ToSql()
	if err != nil {
		return nil, 0, false, fmt.Errorf("building offset seq query: %w (%s)", err, LOC_STATE_GET)
	}
	var seq int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&seq); err != nil {
		return nil, 0, false, fmt.Errorf("reading offset seq: %w (%s)", err, LOC_STATE_GET)
	}
	return value, seq, true, nil
}
