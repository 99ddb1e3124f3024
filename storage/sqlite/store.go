// Package sqlite provides the durable Local Persistent Store on SQLite. Any
// number of processes may open the same database file; the queue claim
// protocol keeps each operation with a single drainer.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/mattn/go-sqlite3"

	syncErrors "github.com/dukafiti/dukasync/errors"
	"github.com/dukafiti/dukasync/logging"
	"github.com/dukafiti/dukasync/synckit"
)

// Operation constants for consistent error reporting
const (
	opGet            = "sqlite.Get"
	opPut            = "sqlite.Put"
	opRemove         = "sqlite.Remove"
	opEvict          = "sqlite.EvictOldest"
	opResources      = "sqlite.Resources"
	opEnqueue        = "sqlite.Enqueue"
	opDequeue        = "sqlite.Dequeue"
	opListQueue      = "sqlite.ListQueue"
	opGetOperation   = "sqlite.GetOperation"
	opUpdate         = "sqlite.UpdateOperation"
	opClaim          = "sqlite.ClaimOperation"
	opRelease        = "sqlite.ReleaseExpired"
	opMeta           = "sqlite.Meta"
	opCache          = "sqlite.Cache"
	componentName    = "storage/sqlite"
	metaLastSyncAt   = "last_sync_at"
	memoryDataSource = ":memory:"
)

// ErrStoreClosed is returned by every call after Close.
var ErrStoreClosed = errors.New("store is closed")

// Config holds configuration options for the Store.
//
// DefaultConfig applies:
//   - WAL mode and a 5s busy timeout so several processes can share the file
//   - Connection pool with 8 max open, 4 max idle connections
//   - No entity or size quota
type Config struct {
	// DataSourceName is a file path or ":memory:".
	DataSourceName string

	// EnableWAL switches the journal to Write-Ahead Logging.
	EnableWAL bool

	// BusyTimeout is how long a writer waits for another process' lock.
	BusyTimeout time.Duration

	// MaxEntities caps the number of cached entities. Zero means unlimited.
	MaxEntities int

	// MaxBytes caps the summed size of cached entity payloads. Zero means
	// unlimited.
	MaxBytes int64

	// Logger receives store diagnostics. Defaults to the package component
	// logger.
	Logger *logging.Logger

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component("sqlite-store"))
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 8
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 4
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	// Every connection to ":memory:" is a separate database.
	if c.DataSourceName == memoryDataSource {
		c.MaxOpenConns = 1
		c.MaxIdleConns = 1
		c.ConnMaxLifetime = 0
		c.ConnMaxIdleTime = 0
		c.EnableWAL = false
	}
}

// dsn renders the driver connection string.
func (c *Config) dsn() string {
	if c.DataSourceName == memoryDataSource {
		return c.DataSourceName
	}
	params := []string{
		fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout.Milliseconds()),
		"_txlock=immediate",
		"_foreign_keys=on",
	}
	if c.EnableWAL {
		params = append(params, "_journal_mode=WAL")
	}
	sep := "?"
	if strings.Contains(c.DataSourceName, "?") {
		sep = "&"
	}
	return c.DataSourceName + sep + strings.Join(params, "&")
}

// DefaultConfig returns a Config with defaults for a shared on-disk store.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// Store implements synckit.LocalStore and synckit.CacheStorage.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *logging.Logger
	path   string

	maxEntities int
	maxBytes    int64
}

// Compile-time checks
var (
	_ synckit.LocalStore   = (*Store)(nil)
	_ synckit.CacheStorage = (*Store)(nil)
)

// New opens (and if needed creates) the database described by config.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := config.Logger
	logger.InfoContext(context.Background(), "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{
		db:          db,
		logger:      logger,
		path:        config.DataSourceName,
		maxEntities: config.MaxEntities,
		maxBytes:    config.MaxBytes,
	}

	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	logger.DebugContext(context.Background(), "SQLite store initialized",
		slog.Int("max_entities", config.MaxEntities),
		slog.Int64("max_bytes", config.MaxBytes),
	)
	return store, nil
}

// Path is the database file, or ":memory:".
func (s *Store) Path() string { return s.path }

func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS entities (
        resource    TEXT NOT NULL,
        entity_key  TEXT NOT NULL,
        id          TEXT NOT NULL DEFAULT '',
        client_id   TEXT NOT NULL DEFAULT '',
        data        TEXT NOT NULL,
        synced      INTEGER NOT NULL DEFAULT 0,
        updated_at  INTEGER NOT NULL,
        PRIMARY KEY (resource, entity_key)
    );
    CREATE INDEX IF NOT EXISTS idx_entities_id ON entities (resource, id);
    CREATE INDEX IF NOT EXISTS idx_entities_lru ON entities (synced, updated_at);

    CREATE TABLE IF NOT EXISTS sync_queue (
        id               TEXT PRIMARY KEY,
        op_type          TEXT NOT NULL,
        resource         TEXT NOT NULL,
        entity_key       TEXT NOT NULL DEFAULT '',
        target_id        TEXT NOT NULL DEFAULT '',
        payload          TEXT,
        priority         TEXT NOT NULL,
        priority_rank    INTEGER NOT NULL,
        state            TEXT NOT NULL,
        created_at       INTEGER NOT NULL,
        retry_count      INTEGER NOT NULL DEFAULT 0,
        next_attempt_at  INTEGER NOT NULL DEFAULT 0,
        lease_until      INTEGER NOT NULL DEFAULT 0,
        last_error       TEXT NOT NULL DEFAULT ''
    );
    CREATE INDEX IF NOT EXISTS idx_queue_order ON sync_queue (priority_rank, created_at, id);
    CREATE INDEX IF NOT EXISTS idx_queue_state ON sync_queue (state, next_attempt_at);

    CREATE TABLE IF NOT EXISTS cache_responses (
        partition   TEXT NOT NULL,
        cache_key   TEXT NOT NULL,
        status      INTEGER NOT NULL,
        header      TEXT,
        body        BLOB,
        stored_at   INTEGER NOT NULL,
        PRIMARY KEY (partition, cache_key)
    );

    CREATE TABLE IF NOT EXISTS meta (
        key    TEXT PRIMARY KEY,
        value  TEXT NOT NULL
    );
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return syncErrors.E(syncErrors.Op("sqlite"), syncErrors.Component(componentName), syncErrors.KindInternal, ErrStoreClosed)
	}
	return nil
}

// wrap classifies driver errors; a full database becomes a quota error.
func wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrFull {
		return syncErrors.WrapOpComponentKind(err, op, componentName, syncErrors.KindStorageQuota)
	}
	return syncErrors.WrapOpComponentKind(err, op, componentName, syncErrors.KindInternal)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *Store) Get(ctx context.Context, resource string) ([]synckit.CachedEntity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, data, synced, updated_at FROM entities WHERE resource = ? ORDER BY entity_key`, resource)
	if err != nil {
		return nil, wrap(err, opGet)
	}
	defer rows.Close()

	var out []synckit.CachedEntity
	for rows.Next() {
		var (
			e       = synckit.CachedEntity{Resource: resource}
			data    string
			synced  int
			updated int64
		)
		if err := rows.Scan(&e.ID, &e.ClientID, &data, &synced, &updated); err != nil {
			return nil, wrap(err, opGet)
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, wrap(fmt.Errorf("decode %s/%s: %w", resource, e.Key(), err), opGet)
		}
		e.Synced = synced == 1
		e.UpdatedAt = fromNanos(updated)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, opGet)
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, resource string, e synckit.CachedEntity) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := e.Key()
	if key == "" {
		return syncErrors.E(syncErrors.Op(opPut), syncErrors.Component(componentName), syncErrors.KindInvalid, "entity has neither id nor client id")
	}

	data, err := json.Marshal(e.Data)
	if err != nil {
		return syncErrors.E(syncErrors.Op(opPut), syncErrors.Component(componentName), syncErrors.KindInvalid, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err, opPut)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = s.checkQuota(ctx, tx, resource, key, int64(len(data))); err != nil {
		return err
	}

	synced := 0
	if e.Synced {
		synced = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (resource, entity_key, id, client_id, data, synced, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource, entity_key) DO UPDATE SET
			id = excluded.id,
			client_id = excluded.client_id,
			data = excluded.data,
			synced = excluded.synced,
			updated_at = excluded.updated_at`,
		resource, key, e.ID, e.ClientID, string(data), synced, toNanos(e.UpdatedAt))
	if err != nil {
		return wrap(err, opPut)
	}

	if err = tx.Commit(); err != nil {
		return wrap(err, opPut)
	}
	return nil
}

// checkQuota enforces MaxEntities and MaxBytes inside the write transaction.
func (s *Store) checkQuota(ctx context.Context, tx *sql.Tx, resource, key string, size int64) error {
	if s.maxEntities <= 0 && s.maxBytes <= 0 {
		return nil
	}

	var existing sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT length(data) FROM entities WHERE resource = ? AND entity_key = ?`, resource, key).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return wrap(err, opPut)
	}

	var count, total int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(length(data)), 0) FROM entities`).Scan(&count, &total); err != nil {
		return wrap(err, opPut)
	}

	if !existing.Valid && s.maxEntities > 0 && count >= int64(s.maxEntities) {
		return syncErrors.NewQuotaError(syncErrors.OpStore, fmt.Errorf("entity limit %d reached", s.maxEntities))
	}
	if s.maxBytes > 0 && total-existing.Int64+size > s.maxBytes {
		return syncErrors.NewQuotaError(syncErrors.OpStore, fmt.Errorf("size limit %d bytes reached", s.maxBytes))
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, resource, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM entities WHERE resource = ? AND (entity_key = ? OR id = ?)`, resource, key, key)
	return wrap(err, opRemove)
}

func (s *Store) EvictOldest(ctx context.Context) (resource, key string, err error) {
	if err := s.checkOpen(); err != nil {
		return "", "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", wrap(err, opEvict)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(ctx,
		`SELECT resource, entity_key FROM entities WHERE synced = 1 ORDER BY updated_at ASC LIMIT 1`).Scan(&resource, &key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", syncErrors.E(syncErrors.Op(opEvict), syncErrors.Component(componentName), syncErrors.KindNotFound, "no evictable entity")
	}
	if err != nil {
		return "", "", wrap(err, opEvict)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM entities WHERE resource = ? AND entity_key = ?`, resource, key); err != nil {
		return "", "", wrap(err, opEvict)
	}
	if err = tx.Commit(); err != nil {
		return "", "", wrap(err, opEvict)
	}

	s.logger.DebugContext(ctx, "evicted cached entity",
		slog.String("resource", resource),
		slog.String("key", key),
	)
	return resource, key, nil
}

func (s *Store) Resources(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT resource FROM entities ORDER BY resource`)
	if err != nil {
		return nil, wrap(err, opResources)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, wrap(err, opResources)
		}
		out = append(out, r)
	}
	return out, wrap(rows.Err(), opResources)
}

func (s *Store) LastSyncAt(ctx context.Context) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaLastSyncAt).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, wrap(err, opMeta)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, wrap(err, opMeta)
	}
	return t, nil
}

func (s *Store) SetLastSyncAt(ctx context.Context, t time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		metaLastSyncAt, t.UTC().Format(time.RFC3339Nano))
	return wrap(err, opMeta)
}

// Stats returns database statistics for monitoring
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
