package registry

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

const sqliteRegistryKey = "default"

// SQLiteStore keeps the registry document in a local SQLite database.
type SQLiteStore struct {
	path string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStore{path: path}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]FolderRecord, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM registry WHERE registry_key = ?`, sqliteRegistryKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRecords([]byte(payload))
}

func (s *SQLiteStore) Save(ctx context.Context, records []FolderRecord) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	payload, err := encodeRecords(records)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO registry (registry_key, document, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (registry_key)
		DO UPDATE SET document = excluded.document, updated_at = CURRENT_TIMESTAMP`,
		sqliteRegistryKey, string(payload))
	return err
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) ensureReady(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		if dir := filepath.Dir(s.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				s.initErr = err
				return
			}
		}
		db, err := sql.Open("sqlite", s.path)
		if err != nil {
			s.initErr = err
			return
		}
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS registry (
				registry_key TEXT PRIMARY KEY,
				document TEXT NOT NULL,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}
