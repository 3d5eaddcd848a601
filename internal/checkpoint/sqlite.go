// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package checkpoint

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"

	"github.com/juju/mongoriver/core/river"
)

const (
	createTable = `
CREATE TABLE IF NOT EXISTS checkpoint (
    key TEXT PRIMARY KEY,
    t   INTEGER NOT NULL,
    i   INTEGER NOT NULL
);`

	// The WHERE clause on the conflict branch keeps checkpoints monotonic.
	upsertCheckpoint = `
INSERT INTO checkpoint (key, t, i) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET t = excluded.t, i = excluded.i
WHERE excluded.t > checkpoint.t
   OR (excluded.t = checkpoint.t AND excluded.i > checkpoint.i);`

	selectCheckpoint  = `SELECT t, i FROM checkpoint WHERE key = ?;`
	selectCheckpoints = `SELECT key, t, i FROM checkpoint WHERE instr(key, ?) = 1 ORDER BY key;`
	deleteCheckpoints = `DELETE FROM checkpoint WHERE instr(key, ?) = 1;`
)

// SQLiteStore keeps checkpoints in a local sqlite database file, for agents
// that should not write progress back to a mongo server.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens, creating if needed, the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.NotValidf("empty sqlite path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Annotate(err, "creating sqlite directory")
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Annotate(err, "opening sqlite")
	}
	// A single connection keeps ":memory:" databases shared and serialises
	// writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Annotate(err, "pinging sqlite")
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, errors.Annotate(err, "setting wal mode")
	}
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		_ = db.Close()
		return nil, errors.Annotate(err, "creating checkpoint table")
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return errors.Trace(s.db.Close())
}

// GetCheckpoint is part of Store.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, key string) (river.Position, bool, error) {
	var pos river.Position
	err := s.db.QueryRowContext(ctx, selectCheckpoint, key).Scan(&pos.T, &pos.I)
	if errors.Is(err, sql.ErrNoRows) {
		return river.Position{}, false, nil
	} else if err != nil {
		return river.Position{}, false, errors.Annotatef(err, "getting checkpoint %q", key)
	}
	return pos, true, nil
}

// PutCheckpoint is part of Store.
func (s *SQLiteStore) PutCheckpoint(ctx context.Context, key string, pos river.Position) error {
	_, err := s.db.ExecContext(ctx, upsertCheckpoint, key, pos.T, pos.I)
	return errors.Annotatef(err, "putting checkpoint %q", key)
}

// Checkpoints is part of Store.
func (s *SQLiteStore) Checkpoints(ctx context.Context, prefix string) ([]river.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, selectCheckpoints, prefix)
	if err != nil {
		return nil, errors.Annotatef(err, "listing checkpoints %q", prefix)
	}
	defer rows.Close()

	var out []river.Checkpoint
	for rows.Next() {
		var cp river.Checkpoint
		if err := rows.Scan(&cp.Namespace, &cp.Position.T, &cp.Position.I); err != nil {
			return nil, errors.Annotate(err, "scanning checkpoint")
		}
		out = append(out, cp)
	}
	return out, errors.Trace(rows.Err())
}

// DeleteCheckpoints is part of Store.
func (s *SQLiteStore) DeleteCheckpoints(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx, deleteCheckpoints, prefix)
	return errors.Annotatef(err, "deleting checkpoints %q", prefix)
}
