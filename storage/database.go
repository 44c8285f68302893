// Package storage persists invites, watch configurations, transfer history
// and update notifications in a local SQLite database.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "modsync.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS invites (
  id                 TEXT PRIMARY KEY,
  code               TEXT NOT NULL UNIQUE,
  server_instance_id TEXT NOT NULL,
  server_name        TEXT NOT NULL,
  mc_version         TEXT NOT NULL,
  loader             TEXT NOT NULL,
  server_address     TEXT NOT NULL,
  host_peer_id       TEXT NOT NULL,
  created_at         INTEGER NOT NULL,
  expires_at         INTEGER NOT NULL DEFAULT 0,
  max_uses           INTEGER NOT NULL DEFAULT 0,
  use_count          INTEGER NOT NULL DEFAULT 0,
  active             INTEGER NOT NULL DEFAULT 1
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_invites_created_at
ON invites (created_at DESC, id);
`,
	`
CREATE TABLE IF NOT EXISTS watch_configs (
  modpack_name    TEXT PRIMARY KEY,
  modpack_path    TEXT NOT NULL,
  target_peers    TEXT NOT NULL DEFAULT '[]',
  enabled         INTEGER NOT NULL DEFAULT 1,
  debounce_ms     INTEGER NOT NULL DEFAULT 2000,
  ignore_patterns TEXT NOT NULL DEFAULT '[]',
  watch_folders   TEXT NOT NULL DEFAULT '[]'
);
`,
	`
CREATE TABLE IF NOT EXISTS transfer_history (
  id            TEXT PRIMARY KEY,
  peer_id       TEXT NOT NULL,
  peer_nickname TEXT NOT NULL DEFAULT '',
  modpack_name  TEXT NOT NULL,
  priority      TEXT NOT NULL CHECK(priority IN ('low','normal','high','critical')),
  state         TEXT NOT NULL CHECK(state IN ('completed','failed','cancelled')),
  created_at    INTEGER NOT NULL,
  finished_at   INTEGER NOT NULL,
  attempts      INTEGER NOT NULL DEFAULT 0,
  error         TEXT NOT NULL DEFAULT ''
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfer_history_time
ON transfer_history (finished_at DESC, id);
`,
	`
CREATE TABLE IF NOT EXISTS update_notifications (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  peer_id      TEXT NOT NULL,
  modpack_name TEXT NOT NULL,
  version      TEXT NOT NULL,
  created_at   INTEGER NOT NULL,
  dismissed    INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE UNIQUE INDEX IF NOT EXISTS idx_update_notifications_pending
ON update_notifications (peer_id, modpack_name, version)
WHERE dismissed = 0;
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// Open opens (or creates) the database under the given data directory and
// runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens (or creates) the database at an explicit path.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", dbPath, err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn between the service goroutines.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database %q: %w", dbPath, err)
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	store.walCheckpointWG.Add(1)
	go store.walCheckpointLoop()

	return store, nil
}

func (s *Store) migrate() error {
	for i, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) walCheckpointLoop() {
	defer s.walCheckpointWG.Done()

	ticker := time.NewTicker(s.walCheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Best effort; the next checkpoint retries.
			s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE);`)
		case <-s.walCheckpointStop:
			return
		}
	}
}

// Close stops background maintenance and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.walCheckpointStop)
		s.walCheckpointWG.Wait()
		err = s.db.Close()
	})
	return err
}
