// Package store persists syncguard's durable state (the request queue,
// snapshot index, recent results, and conflict records) in an embedded
// SQLite database with WAL mode. Schema versioning uses embedded goose
// migrations. Coordination state (lock, pause, rate counters) deliberately
// lives elsewhere, in the filesystem coordination store.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// Store wraps the SQLite database with prepared statements grouped by
// domain.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	requestStmts  requestStatements
	snapshotStmts snapshotStatements
	resultStmts   resultStatements
	conflictStmts conflictStatements
}

type requestStatements struct {
	insert, get, listPending, listByStatus, claim, setTerminal,
	requeue, supersede, countInFlightForSnapshot *sql.Stmt
}

type snapshotStatements struct {
	insert, get, list, delete *sql.Stmt
}

type resultStatements struct {
	insert, recent *sql.Stmt
}

type conflictStatements struct {
	insert, listUnresolved, resolve, get *sql.Stmt
}

// Open opens (or creates) the database at dbPath, applies migrations, and
// prepares all repeated statements. Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	logger.Debug("opening state database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	// Single writer: the store is accessed through one connection so
	// concurrent queue operations serialize in-process instead of
	// returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareAll(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: prepare statements: %w", err)
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("store: %s: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// prepareAll prepares every repeated statement, grouped by domain.
func (s *Store) prepareAll(ctx context.Context) error {
	stmts := []struct {
		target **sql.Stmt
		query  string
	}{
		{&s.requestStmts.insert, sqlInsertRequest},
		{&s.requestStmts.get, sqlGetRequest},
		{&s.requestStmts.listPending, sqlListPending},
		{&s.requestStmts.listByStatus, sqlListByStatus},
		{&s.requestStmts.claim, sqlClaimRequest},
		{&s.requestStmts.setTerminal, sqlSetTerminal},
		{&s.requestStmts.requeue, sqlRequeueRequest},
		{&s.requestStmts.supersede, sqlSupersede},
		{&s.requestStmts.countInFlightForSnapshot, sqlCountInFlightForSnapshot},
		{&s.snapshotStmts.insert, sqlInsertSnapshot},
		{&s.snapshotStmts.get, sqlGetSnapshot},
		{&s.snapshotStmts.list, sqlListSnapshots},
		{&s.snapshotStmts.delete, sqlDeleteSnapshot},
		{&s.resultStmts.insert, sqlInsertResult},
		{&s.resultStmts.recent, sqlRecentResults},
		{&s.conflictStmts.insert, sqlInsertConflict},
		{&s.conflictStmts.listUnresolved, sqlListUnresolvedConflicts},
		{&s.conflictStmts.resolve, sqlResolveConflict},
		{&s.conflictStmts.get, sqlGetConflict},
	}

	for _, st := range stmts {
		prepared, err := s.db.PrepareContext(ctx, st.query)
		if err != nil {
			return fmt.Errorf("prepare %q: %w", st.query, err)
		}

		*st.target = prepared
	}

	return nil
}
