// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package store

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/gomlx/kernelspec/pkg/support/fsutil"
	"github.com/pkg/errors"

	// Pure Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"
)

// SQLiteFileName is the database file created by NewSQLiteStore inside its directory.
const SQLiteFileName = "kernelspec_store.sqlite"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	digest     TEXT PRIMARY KEY,
	key        TEXT NOT NULL,
	site       TEXT NOT NULL,
	backend    TEXT NOT NULL,
	used       TEXT NOT NULL,
	artifact   BLOB NOT NULL,
	created_at INTEGER NOT NULL
);`

// SQLiteStore keeps all entries in one SQLite database file.
type SQLiteStore struct {
	path string
	db   *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) a store in the file SQLiteFileName inside dir.
// A leading "~" in dir is expanded to the user's home directory.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	dir, err := fsutil.EnsureDir(dir, DirPermMode)
	if err != nil {
		return nil, errors.WithMessage(err, "opening kernel store")
	}
	path := filepath.Join(dir, SQLiteFileName)
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open kernel store database %q", path)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to create kernel store schema in %q", path)
	}
	return &SQLiteStore{path: path, db: db}, nil
}

// Path of the database file.
func (s *SQLiteStore) Path() string { return s.path }

// Get implements Store.
func (s *SQLiteStore) Get(digest string) (*Entry, error) {
	row := s.db.QueryRow(
		`SELECT digest, key, site, backend, used, artifact, created_at FROM entries WHERE digest = ?`, digest)
	entry, err := scanEntry(row.Scan, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "digest %s", digest)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read kernel store entry %s", digest)
	}
	return entry, nil
}

func scanEntry(scan func(dest ...any) error, withArtifact bool) (*Entry, error) {
	entry := &Entry{}
	var usedJSON string
	var createdAt int64
	dest := []any{&entry.Digest, &entry.Key, &entry.Site, &entry.Backend, &usedJSON}
	var artifactSize int64
	if withArtifact {
		dest = append(dest, &entry.Artifact)
	} else {
		dest = append(dest, &artifactSize)
	}
	dest = append(dest, &createdAt)
	if err := scan(dest...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(usedJSON), &entry.Used); err != nil {
		return nil, errors.Wrapf(err, "failed to decode used parameters of %s", entry.Digest)
	}
	if withArtifact {
		entry.ArtifactSize = len(entry.Artifact)
	} else {
		entry.ArtifactSize = int(artifactSize)
	}
	entry.CreatedAt = time.Unix(0, createdAt).UTC()
	return entry, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(entry *Entry) error {
	usedJSON, err := json.Marshal(entry.Used)
	if err != nil {
		return errors.Wrapf(err, "failed to encode used parameters of %s", entry.Digest)
	}
	artifact := entry.Artifact
	if artifact == nil {
		artifact = []byte{}
	}
	// Concurrent writers of the same digest, possibly in other processes, get ErrExists.
	res, err := s.db.Exec(
		`INSERT INTO entries (digest, key, site, backend, used, artifact, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(digest) DO NOTHING`,
		entry.Digest, entry.Key, entry.Site, entry.Backend, string(usedJSON), artifact, entry.CreatedAt.UnixNano())
	if err != nil {
		return errors.Wrapf(err, "failed to insert kernel store entry %s", entry.Digest)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to insert kernel store entry %s", entry.Digest)
	}
	if n == 0 {
		return errors.Wrapf(ErrExists, "digest %s", entry.Digest)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List() ([]*Entry, error) {
	rows, err := s.db.Query(
		`SELECT digest, key, site, backend, used, LENGTH(artifact), created_at FROM entries ORDER BY digest`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list kernel store")
	}
	defer func() { _ = rows.Close() }()
	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan, false)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, errors.Wrap(rows.Err(), "failed to list kernel store")
}

// Delete implements Store.
func (s *SQLiteStore) Delete(digest string) error {
	res, err := s.db.Exec(`DELETE FROM entries WHERE digest = ?`, digest)
	if err != nil {
		return errors.Wrapf(err, "failed to delete kernel store entry %s", digest)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to delete kernel store entry %s", digest)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "digest %s", digest)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return errors.Wrap(s.db.Close(), "failed to close kernel store database")
}
