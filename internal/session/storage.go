package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gotdsession "github.com/gotd/td/session"
	_ "modernc.org/sqlite"
)

// SQLiteStorage persists the opaque MTProto session blob so restarts can
// skip the interactive login. It implements gotd's session.Storage.
type SQLiteStorage struct {
	path   string
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLiteStorage opens (or creates) the session database at path. A file
// that is not a valid database is moved aside and replaced with an empty one,
// which forces a fresh login.
func OpenSQLiteStorage(path string, logger *slog.Logger) (*SQLiteStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create session directory %s: %w", dir, err)
	}

	s, err := openStorage(path, logger)
	if err == nil {
		return s, nil
	}
	if !isCorrupt(err) {
		return nil, err
	}

	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	logger.Warn("session file is corrupt, starting a fresh login", "path", path, "moved_to", aside, "err", err)
	if rerr := os.Rename(path, aside); rerr != nil {
		return nil, fmt.Errorf("cannot move corrupt session file: %w", rerr)
	}
	return openStorage(path, logger)
}

func openStorage(path string, logger *slog.Logger) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open session database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStorage{path: path, db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session database migration failed: %w", err)
	}
	return s, nil
}

func isCorrupt(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not a database") || strings.Contains(msg, "malformed")
}

func (s *SQLiteStorage) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS session (
		id          INTEGER PRIMARY KEY CHECK (id = 1),
		data        BLOB NOT NULL,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);`)
	return err
}

// LoadSession returns the stored blob, or gotd's session.ErrNotFound when
// there is none or it cannot be decoded.
func (s *SQLiteStorage) LoadSession(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM session WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gotdsession.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !json.Valid(data) {
		s.logger.Warn("stored session is unreadable, ignoring it", "path", s.path, "bytes", len(data))
		return nil, gotdsession.ErrNotFound
	}
	return data, nil
}

// StoreSession replaces the stored blob.
func (s *SQLiteStorage) StoreSession(ctx context.Context, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session (id, data, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// Exists reports whether a session blob is stored.
func (s *SQLiteStorage) Exists(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session`).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Clear deletes the stored blob.
func (s *SQLiteStorage) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session`)
	return err
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

var _ gotdsession.Storage = (*SQLiteStorage)(nil)
