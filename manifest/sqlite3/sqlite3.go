// Package sqlite3 keeps the local manifest in a Sqlite database.
package sqlite3

import (
	"context"
	"database/sql"
	stderrs "errors"

	"github.com/bobg/sqlutil"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 type for sql.Open
	"github.com/pkg/errors"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/manifest"
)

var _ manifest.Store = &Store{}

// Store is a Sqlite-based manifest store.
type Store struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
// It creates the `installed` and `installed_files` tables if they do not exist.
// (If they do exist, they must have the columns and constraints described here.)
const Schema = `
CREATE TABLE IF NOT EXISTS installed (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  version INTEGER NOT NULL,
  updater_path TEXT NOT NULL,
  updater_hash BLOB NOT NULL,
  updater_size INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS installed_files (
  seq INTEGER NOT NULL,
  path TEXT PRIMARY KEY NOT NULL,
  hash BLOB NOT NULL,
  size INTEGER NOT NULL
);
`

// New produces a new Store using `db` for storage.
// (See variable Schema.)
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Store{db: db}, errors.Wrap(err, "creating schema")
}

// Open opens (creating if needed) the database file at path.
// The caller should Close the result.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening db")
	}
	s, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load implements manifest.Store.Load.
func (s *Store) Load(ctx context.Context) (*manifest.Local, error) {
	const q = `SELECT version, updater_path, updater_hash, updater_size FROM installed WHERE id = 1`

	var (
		m          = manifest.Empty()
		updaterSum []byte
	)
	err := s.db.QueryRowContext(ctx, q).Scan(&m.Version, &m.Updater.Path, &updaterSum, &m.Updater.Size)
	if stderrs.Is(err, sql.ErrNoRows) {
		return m, nil
	}
	if err != nil {
		return nil, updater.Mark(updater.ErrIO, errors.Wrap(err, "querying manifest"))
	}
	m.Updater.Hash = updaterSum

	const q2 = `SELECT path, hash, size FROM installed_files ORDER BY seq`
	err = sqlutil.ForQueryRows(ctx, s.db, q2, func(path string, hash []byte, size int64) {
		m.Files = append(m.Files, manifest.LocalEntry{Path: path, Hash: hash, Size: size})
	})
	return m, updater.Mark(updater.ErrIO, errors.Wrap(err, "querying files"))
}

// Save implements manifest.Store.Save.
// The manifest is replaced in a single transaction.
func (s *Store) Save(ctx context.Context, m *manifest.Local) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return updater.Mark(updater.ErrIO, errors.Wrap(err, "beginning transaction"))
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			err = updater.Mark(updater.ErrIO, err)
		}
	}()

	const q = `INSERT INTO installed (id, version, updater_path, updater_hash, updater_size) VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET version = excluded.version, updater_path = excluded.updater_path,
		updater_hash = excluded.updater_hash, updater_size = excluded.updater_size`

	updaterSum := []byte(m.Updater.Hash)
	if updaterSum == nil {
		updaterSum = []byte{}
	}
	if _, err = tx.ExecContext(ctx, q, m.Version, m.Updater.Path, updaterSum, m.Updater.Size); err != nil {
		return errors.Wrap(err, "storing manifest")
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM installed_files`); err != nil {
		return errors.Wrap(err, "clearing files")
	}

	const q2 = `INSERT INTO installed_files (seq, path, hash, size) VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE SET seq = excluded.seq, hash = excluded.hash, size = excluded.size`

	for i, e := range m.Files {
		hash := []byte(e.Hash)
		if hash == nil {
			hash = []byte{}
		}
		if _, err = tx.ExecContext(ctx, q2, i, e.Path, hash, e.Size); err != nil {
			return errors.Wrapf(err, "storing file %s", e.Path)
		}
	}
	return errors.Wrap(tx.Commit(), "committing")
}
