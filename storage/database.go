// Package storage is a SQLite-backed loopback engine. It keeps the account,
// contacts, message history, and pinned contact identities on disk, and plays
// both ends of a conversation so the client can run without the native SDK.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "app.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS account (
  id             INTEGER PRIMARY KEY CHECK(id = 1),
  username       TEXT NOT NULL,
  server_url     TEXT NOT NULL,
  routing_token  TEXT NOT NULL,
  registered_at  INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS contacts (
  nickname         TEXT PRIMARY KEY,
  routing_token    TEXT NOT NULL,
  added_timestamp  INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id       TEXT PRIMARY KEY,
  peer_token       TEXT NOT NULL,
  direction        TEXT NOT NULL CHECK(direction IN ('incoming','outgoing')),
  content          TEXT NOT NULL,
  timestamp        INTEGER NOT NULL,
  is_encrypted     INTEGER NOT NULL DEFAULT 1,
  delivery_status  TEXT NOT NULL CHECK(delivery_status IN ('sent','delivered','read')) DEFAULT 'sent',
  inbox_delivered  INTEGER NOT NULL DEFAULT 0,
  status_pending   INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_inbox
ON messages (direction, inbox_delivered, timestamp);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_status_pending
ON messages (direction, status_pending);
`,
	`
CREATE TABLE IF NOT EXISTS identities (
  peer_token           TEXT PRIMARY KEY,
  pinned_fingerprint   TEXT NOT NULL,
  current_fingerprint  TEXT NOT NULL,
  updated_at           INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS key_rotation_events (
  id                  INTEGER PRIMARY KEY AUTOINCREMENT,
  peer_token          TEXT NOT NULL,
  old_fingerprint     TEXT NOT NULL,
  new_fingerprint     TEXT NOT NULL,
  decision            TEXT NOT NULL CHECK(decision IN ('trusted','rejected')),
  timestamp           INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_key_rotation_events_peer_time
ON key_rotation_events (peer_token, timestamp DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS chat_groups (
  group_id    TEXT PRIMARY KEY,
  name        TEXT NOT NULL,
  created_at  INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS group_members (
  group_id      TEXT NOT NULL REFERENCES chat_groups(group_id) ON DELETE CASCADE,
  member_token  TEXT NOT NULL,
  added_at      INTEGER NOT NULL,
  PRIMARY KEY (group_id, member_token)
);
`,
	`
CREATE TABLE IF NOT EXISTS devices (
  device_id   TEXT PRIMARY KEY,
  name        TEXT NOT NULL,
  created_at  INTEGER NOT NULL,
  is_current  INTEGER NOT NULL DEFAULT 0
);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	// historyExportPath, when set, receives a JSON history snapshot after every
	// message mutation.
	historyExportPath string

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// Open opens (or creates) app.db under the given data directory and runs migrations.
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

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		log:                   zerolog.Nop(),
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// SetLogger replaces the store's logger. Call before use.
func (s *Store) SetLogger(log zerolog.Logger) {
	s.log = log.With().Str("component", "storage").Logger()
}

// SetHistoryExport makes the store mirror its history to path as JSON after
// each message mutation. An empty path disables the mirror.
func (s *Store) SetHistoryExport(path string) {
	s.historyExportPath = path
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.checkpointWAL(); err != nil {
					s.log.Warn().Err(err).Msg("Periodic WAL checkpoint failed")
				}
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
