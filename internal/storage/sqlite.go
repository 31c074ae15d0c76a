package storage

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var modePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidMode reports whether name can be used as a mode table prefix.
func ValidMode(name string) bool {
	return modePattern.MatchString(name)
}

// DB wraps a SQLite database shared by every ingestion task.
//
// Each mode owns a read/write guard: a static graph replacement holds the
// write side, live writers hold the read side. Live writers therefore run
// concurrently with each other but never with a reload of the same mode.
type DB struct {
	*sqlx.DB
	logger *slog.Logger
	modes  []string
	guards map[string]*sync.RWMutex

	// reload serializes static graph replacements across modes.
	reload sync.Mutex
}

// Open creates or opens a SQLite database at the given path and applies
// migrations for the shared tables and every mode.
func Open(path string, modes []string, logger *slog.Logger) (*DB, error) {
	for _, m := range modes {
		if !ValidMode(m) {
			return nil, fmt.Errorf("invalid mode name %q", m)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	sqlDB, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{
		DB:     sqlDB,
		logger: logger,
		modes:  append([]string(nil), modes...),
		guards: make(map[string]*sync.RWMutex, len(modes)),
	}
	for _, m := range modes {
		db.guards[m] = &sync.RWMutex{}
	}

	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	logger.Info("database opened", "path", path, "modes", modes)
	return db, nil
}

// Modes returns the modes the database was opened with.
func (db *DB) Modes() []string {
	return append([]string(nil), db.modes...)
}

func (db *DB) guard(mode string) (*sync.RWMutex, error) {
	g, ok := db.guards[mode]
	if !ok {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	return g, nil
}

// inTx runs fn in a transaction, committing on success and rolling back on
// every other exit path.
func (db *DB) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// liveTx is inTx under the read side of the mode guard.
func (db *DB) liveTx(ctx context.Context, mode string, fn func(tx *sqlx.Tx) error) error {
	g, err := db.guard(mode)
	if err != nil {
		return err
	}
	g.RLock()
	defer g.RUnlock()
	return db.inTx(ctx, fn)
}
