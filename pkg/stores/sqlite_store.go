package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/declman/declman/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	metaSourceIdentity = "source_identity"
	metaPreferences    = "preferences"
)

// SQLiteStore keeps engine state, cache entries and run history in SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var (
	_ engine.StateStore  = (*SQLiteStore)(nil)
	_ engine.RunRecorder = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path, now: time.Now}, nil
}

// OpenStateStore opens, initializes and migrates the store at path. A file
// that cannot be opened or migrated is moved aside to
// <path>.corrupt-<unix> and a fresh database is created in its place.
func OpenStateStore(ctx context.Context, path string, logger zerolog.Logger) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	err = store.open(ctx)
	if err == nil {
		return store, nil
	}
	if path == ":memory:" {
		return nil, err
	}

	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	logger.Warn().Err(err).Str("path", path).Str("moved_to", aside).Msg("State database unreadable, starting fresh")
	if renameErr := os.Rename(path, aside); renameErr != nil {
		return nil, fmt.Errorf("failed to move corrupt database aside: %w (open error: %v)", renameErr, err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}

	if err := store.open(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) open(ctx context.Context) error {
	if err := s.Init(ctx); err != nil {
		return err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		s.db = nil
		return err
	}
	return nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// One writer process; a single connection also keeps :memory: coherent.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, committing only when fn succeeds.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadState reads the state saved by the previous run. An empty database
// yields the state of a first run.
func (s *SQLiteStore) LoadState(ctx context.Context) (*engine.StoreState, error) {
	state := engine.NewStoreState()

	meta, err := s.stringMap(ctx, `SELECT key, value FROM state_meta`)
	if err != nil {
		return nil, err
	}
	state.SourceIdentity = meta[metaSourceIdentity]
	if raw, ok := meta[metaPreferences]; ok {
		if err := json.Unmarshal([]byte(raw), &state.Preferences); err != nil {
			return nil, fmt.Errorf("failed to decode preferences: %w", err)
		}
	}

	files, err := s.stringMap(ctx, `SELECT path, '' FROM created_files`)
	if err != nil {
		return nil, err
	}
	for path := range files {
		state.CreatedFiles.Add(path)
	}

	if state.EnabledModules, err = s.stringMap(ctx, `SELECT name, version FROM enabled_modules`); err != nil {
		return nil, err
	}
	if state.PackageRevisions, err = s.stringMap(ctx, `SELECT name, revision FROM package_revisions`); err != nil {
		return nil, err
	}
	if state.ReviewedCommits, err = s.stringMap(ctx, `SELECT pkgbase, commit_id FROM reviewed_commits`); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT owner, unit FROM enabled_units`)
	if err != nil {
		return nil, fmt.Errorf("failed to load enabled units: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var user, unit string
		if err := rows.Scan(&user, &unit); err != nil {
			return nil, fmt.Errorf("failed to scan enabled unit: %w", err)
		}
		if user == "" {
			state.EnabledUnits.Add(unit)
			continue
		}
		if state.EnabledUserUnits[user] == nil {
			state.EnabledUserUnits[user] = engine.NewStringSet()
		}
		state.EnabledUserUnits[user].Add(unit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating enabled units: %w", err)
	}

	return state, nil
}

func (s *SQLiteStore) stringMap(ctx context.Context, query string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state: %w", err)
	}
	return out, nil
}

// SaveState replaces the stored state with state in one transaction.
func (s *SQLiteStore) SaveState(ctx context.Context, state *engine.StoreState) error {
	prefs, err := json.Marshal(state.Preferences)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"state_meta", "created_files", "enabled_modules", "package_revisions", "reviewed_commits", "enabled_units"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}

		insert := func(query string, args ...interface{}) error {
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to save state: %w", err)
			}
			return nil
		}

		if err := insert(`INSERT INTO state_meta (key, value) VALUES (?, ?), (?, ?)`,
			metaSourceIdentity, state.SourceIdentity, metaPreferences, string(prefs)); err != nil {
			return err
		}
		for _, path := range state.CreatedFiles.Sorted() {
			if err := insert(`INSERT INTO created_files (path) VALUES (?)`, path); err != nil {
				return err
			}
		}
		for name, version := range state.EnabledModules {
			if err := insert(`INSERT INTO enabled_modules (name, version) VALUES (?, ?)`, name, version); err != nil {
				return err
			}
		}
		for name, rev := range state.PackageRevisions {
			if err := insert(`INSERT INTO package_revisions (name, revision) VALUES (?, ?)`, name, rev); err != nil {
				return err
			}
		}
		for base, commit := range state.ReviewedCommits {
			if err := insert(`INSERT INTO reviewed_commits (pkgbase, commit_id) VALUES (?, ?)`, base, commit); err != nil {
				return err
			}
		}
		for _, unit := range state.EnabledUnits.Sorted() {
			if err := insert(`INSERT INTO enabled_units (owner, unit) VALUES ('', ?)`, unit); err != nil {
				return err
			}
		}
		for user, units := range state.EnabledUserUnits {
			if user == "" {
				continue
			}
			for _, unit := range units.Sorted() {
				if err := insert(`INSERT INTO enabled_units (owner, unit) VALUES (?, ?)`, user, unit); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// InsertCacheEntry records an artifact, replacing an entry with the same
// package name and version.
func (s *SQLiteStore) InsertCacheEntry(ctx context.Context, entry *engine.CacheEntry) error {
	query := `
		INSERT INTO cache_entries (package_name, version, artifact_path, built_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (package_name, version) DO UPDATE SET
			artifact_path = excluded.artifact_path,
			built_at = excluded.built_at
	`
	if _, err := s.db.ExecContext(ctx, query, entry.PackageName, entry.Version, entry.ArtifactPath, entry.BuiltAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}
	return nil
}

// GetCacheEntry returns the entry for (name, version), or nil when absent.
func (s *SQLiteStore) GetCacheEntry(ctx context.Context, name, version string) (*engine.CacheEntry, error) {
	query := `
		SELECT package_name, version, artifact_path, built_at
		FROM cache_entries
		WHERE package_name = ? AND version = ?
	`
	entry, err := scanCacheEntry(s.db.QueryRowContext(ctx, query, name, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return entry, nil
}

// ListCacheEntries returns the entries of name, newest build first.
func (s *SQLiteStore) ListCacheEntries(ctx context.Context, name string) ([]*engine.CacheEntry, error) {
	return s.queryCacheEntries(ctx, `
		SELECT package_name, version, artifact_path, built_at
		FROM cache_entries
		WHERE package_name = ?
		ORDER BY built_at DESC
	`, name)
}

// ListAllCacheEntries returns every entry ordered by package name.
func (s *SQLiteStore) ListAllCacheEntries(ctx context.Context) ([]*engine.CacheEntry, error) {
	return s.queryCacheEntries(ctx, `
		SELECT package_name, version, artifact_path, built_at
		FROM cache_entries
		ORDER BY package_name, built_at DESC
	`)
}

// DeleteCacheEntry removes the entry for (name, version).
func (s *SQLiteStore) DeleteCacheEntry(ctx context.Context, name, version string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE package_name = ? AND version = ?`, name, version); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) queryCacheEntries(ctx context.Context, query string, args ...interface{}) ([]*engine.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.CacheEntry{}
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache entries: %w", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCacheEntry(row scanner) (*engine.CacheEntry, error) {
	entry := &engine.CacheEntry{}
	var builtAt int64
	if err := row.Scan(&entry.PackageName, &entry.Version, &entry.ArtifactPath, &builtAt); err != nil {
		return nil, err
	}
	entry.BuiltAt = time.Unix(0, builtAt).UTC()
	return entry, nil
}

// StartRun records the beginning of a run.
func (s *SQLiteStore) StartRun(ctx context.Context, runID string, opts engine.RunOptions) error {
	options, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("failed to encode run options: %w", err)
	}
	query := `INSERT INTO runs (id, status, options, started_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, runID, string(engine.RunStatusRunning), string(options), s.now().UnixNano()); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// RecordError appends an error event to a run.
func (s *SQLiteStore) RecordError(ctx context.Context, runID string, phase engine.Phase, err error) error {
	event := &Event{
		RunID:     runID,
		Phase:     string(phase),
		Level:     EventLevelError,
		Code:      engine.CodeOf(err),
		Message:   err.Error(),
		Timestamp: s.now(),
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		event.Resource = ee.Resource
		if ee.Scope != engine.ScopeFatal {
			event.Level = EventLevelWarning
		}
	}
	return s.AppendEvent(ctx, event)
}

// FinishRun records the final status of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status engine.RunStatus, summary string) error {
	query := `UPDATE runs SET status = ?, summary = ?, finished_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, string(status), summary, s.now().UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT id, status, options, summary, started_at, finished_at FROM runs WHERE id = ?`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs with pagination, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, status, options, summary, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var started int64
	var finished sql.NullInt64
	if err := row.Scan(&run.ID, &run.Status, &run.Options, &run.Summary, &started, &finished); err != nil {
		return nil, err
	}
	run.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		run.FinishedAt = &t
	}
	return run, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (run_id, phase, level, code, resource, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Phase,
		event.Level,
		event.Code,
		event.Resource,
		event.Message,
		event.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	return nil
}

// ListEvents returns the events of a run in insertion order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]*Event, error) {
	query := `
		SELECT id, run_id, phase, level, code, resource, message, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		var ts int64
		if err := rows.Scan(&event.ID, &event.RunID, &event.Phase, &event.Level, &event.Code, &event.Resource, &event.Message, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Timestamp = time.Unix(0, ts).UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
