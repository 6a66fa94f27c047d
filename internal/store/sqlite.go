package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	dmerrors "github.com/semfold/semfold/internal/errors"
)

// metaDB holds document fingerprints and chunk text for one folder.
type metaDB struct {
	db *sql.DB
}

const metaSchema = `
CREATE TABLE IF NOT EXISTS documents (
    id          TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL,
    chunk_count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
    document_id TEXT NOT NULL,
    ordinal     INTEGER NOT NULL,
    text        TEXT NOT NULL,
    PRIMARY KEY (document_id, ordinal)
);
`

func openMetaDB(path string) (*metaDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("open metadata db: %w", err))
	}

	// WAL must be set via PRAGMA; modernc.org/sqlite ignores DSN params.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("set pragma: %w", err))
		}
	}

	if _, err := db.Exec(metaSchema); err != nil {
		db.Close()
		return nil, dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("create metadata schema: %w", err))
	}
	return &metaDB{db: db}, nil
}

// upsertDocument replaces the document row and all of its chunks in one
// transaction.
func (m *metaDB) upsertDocument(ctx context.Context, documentID, fingerprint string, chunks []Chunk) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("begin upsert: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("clear old chunks: %w", err))
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, fingerprint, chunk_count) VALUES (?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET fingerprint = excluded.fingerprint, chunk_count = excluded.chunk_count`,
		documentID, fingerprint, len(chunks)); err != nil {
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("upsert document: %w", err))
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (document_id, ordinal, text) VALUES (?, ?, ?)`)
	if err != nil {
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("prepare chunk insert: %w", err))
	}
	defer stmt.Close()
	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, documentID, c.Ordinal, c.Text); err != nil {
			return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("insert chunk: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("commit upsert: %w", err))
	}
	return nil
}

func (m *metaDB) deleteDocument(ctx context.Context, documentID string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("begin delete: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("delete chunks: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, documentID); err != nil {
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("delete document: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("commit delete: %w", err))
	}
	return nil
}

func (m *metaDB) chunkCount(ctx context.Context, documentID string) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx,
		`SELECT chunk_count FROM documents WHERE id = ?`, documentID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("query chunk count: %w", err))
	}
	return count, nil
}

func (m *metaDB) chunkText(ctx context.Context, documentID string, ordinal int) (string, error) {
	var text string
	err := m.db.QueryRowContext(ctx,
		`SELECT text FROM chunks WHERE document_id = ? AND ordinal = ?`, documentID, ordinal).Scan(&text)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("query chunk text: %w", err))
	}
	return text, nil
}

func (m *metaDB) fingerprints(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, fingerprint FROM documents`)
	if err != nil {
		return nil, dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("query fingerprints: %w", err))
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, fp string
		if err := rows.Scan(&id, &fp); err != nil {
			return nil, dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("scan fingerprint row: %w", err))
		}
		out[id] = fp
	}
	if err := rows.Err(); err != nil {
		return nil, dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("iterate fingerprints: %w", err))
	}
	return out, nil
}

func (m *metaDB) documentCount(ctx context.Context) (int, error) {
	var count int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		return 0, dmerrors.Wrap(dmerrors.ErrCodeStorageFailed, fmt.Errorf("count documents: %w", err))
	}
	return count, nil
}

func (m *metaDB) Close() error {
	return m.db.Close()
}
