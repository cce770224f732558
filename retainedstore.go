package kvik

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

// RetainedStore persists a single RetainedSnapshot across process restarts
// or deep-sleep cycles. Load returns (nil, nil) when no snapshot has ever
// been saved.
type RetainedStore interface {
	Load() (*RetainedSnapshot, error)
	Save(RetainedSnapshot) error
}

// FileRetainedStore persists the snapshot as its fixed-size binary encoding
// in a single flat file, overwritten atomically on every Save via a
// rename-in-place.
type FileRetainedStore struct {
	path string
}

// NewFileRetainedStore builds a store backed by the file at path.
func NewFileRetainedStore(path string) *FileRetainedStore {
	return &FileRetainedStore{path: path}
}

func (s *FileRetainedStore) Load() (*RetainedSnapshot, error) {
	buf, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("kvik: read retained store: %w", err)
	}
	snap, err := DecodeRetainedSnapshot(buf)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *FileRetainedStore) Save(snap RetainedSnapshot) error {
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, snap.Encode(), 0o600); err != nil {
		return fmt.Errorf("kvik: write retained store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("kvik: commit retained store: %w", err)
	}
	return nil
}

// SQLiteRetainedStore persists the snapshot in a single-row SQLite table,
// an alternative backend for platforms that already carry a SQLite file for
// other local state and would rather not manage a second flat file.
type SQLiteRetainedStore struct {
	db *sql.DB
}

// NewSQLiteRetainedStore opens (creating if necessary) a SQLite database at
// path and ensures its single-row snapshot table exists.
func NewSQLiteRetainedStore(path string) (*SQLiteRetainedStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("kvik: open sqlite retained store: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS retained_snapshot (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	payload BLOB NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvik: init sqlite retained store: %w", err)
	}
	return &SQLiteRetainedStore{db: db}, nil
}

func (s *SQLiteRetainedStore) Load() (*RetainedSnapshot, error) {
	var buf []byte
	err := s.db.QueryRow(`SELECT payload FROM retained_snapshot WHERE id = 0`).Scan(&buf)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kvik: read sqlite retained store: %w", err)
	}
	snap, err := DecodeRetainedSnapshot(buf)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SQLiteRetainedStore) Save(snap RetainedSnapshot) error {
	const upsert = `
INSERT INTO retained_snapshot (id, payload) VALUES (0, ?)
ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`
	if _, err := s.db.Exec(upsert, snap.Encode()); err != nil {
		return fmt.Errorf("kvik: write sqlite retained store: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteRetainedStore) Close() error {
	return s.db.Close()
}
