// Package docstore is the remote event document store served by eventsd.
// Documents are JSON bodies keyed by a server-assigned UUID. Every write
// stamps a strictly increasing lastModified, and subscribers receive the
// whole collection after each write.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/sofiatracker/syncengine/internal/model"
	"github.com/sofiatracker/syncengine/internal/remote"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id            TEXT PRIMARY KEY,
	body          TEXT NOT NULL,
	last_modified INTEGER NOT NULL,
	deleted       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_documents_last_modified ON documents(last_modified);
`

// ErrNotFound is returned for a missing document.
var ErrNotFound = errors.New("document not found")

// Store persists documents in SQLite.
type Store struct {
	db    *sql.DB
	clock *remote.Clock

	// mu serializes stamp-then-write so stamps commit in order.
	mu sync.Mutex
}

// Open opens (or creates) the document database at path. An empty path or
// ":memory:" keeps everything in memory.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create docstore directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s := &Store{db: db, clock: remote.NewClock(nil)}

	var last sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(last_modified) FROM documents`).Scan(&last); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read clock floor: %w", err)
	}
	s.clock.Observe(last.Int64)
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns one document, soft-deleted ones included.
func (s *Store) Get(ctx context.Context, id string) (*model.RemoteEvent, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document %q: %w", id, err)
	}
	return decode(body)
}

// Put upserts doc. An empty ID is replaced with a new UUID. The stored
// document, with its fresh LastModified, is returned.
func (s *Store) Put(ctx context.Context, doc *model.RemoteEvent) (*model.RemoteEvent, error) {
	doc = doc.Clone()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc.LastModified = s.clock.Next()
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, body, last_modified, deleted)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body          = excluded.body,
			last_modified = excluded.last_modified,
			deleted       = excluded.deleted`,
		doc.ID, string(body), doc.LastModified, doc.Deleted,
	)
	if err != nil {
		return nil, fmt.Errorf("put document %q: %w", doc.ID, err)
	}
	return doc, nil
}

// Delete removes a document. It reports whether one existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete document %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete document %q: %w", id, err)
	}
	return n > 0, nil
}

// ModifiedAfter returns documents with last_modified > ms, oldest first.
// A negative ms returns the whole collection.
func (s *Store) ModifiedAfter(ctx context.Context, ms int64) ([]*model.RemoteEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM documents WHERE last_modified > ? ORDER BY last_modified`, ms)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*model.RemoteEvent{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc, err := decode(body)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// All returns the whole collection.
func (s *Store) All(ctx context.Context) ([]*model.RemoteEvent, error) {
	return s.ModifiedAfter(ctx, -1)
}

func decode(body string) (*model.RemoteEvent, error) {
	var doc model.RemoteEvent
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &doc, nil
}
