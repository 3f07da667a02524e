package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteDocuments is a SQLite-backed implementation of Documents.
type SQLiteDocuments struct {
	db *sql.DB
}

// NewSQLiteDocuments opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteDocuments(dbPath string) (*SQLiteDocuments, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serialises writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err = db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteDocuments{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteDocuments) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			job_id     TEXT NOT NULL,
			kind       TEXT NOT NULL,
			body       BLOB NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (job_id, kind)
		);
		CREATE INDEX IF NOT EXISTS idx_documents_kind ON documents(kind);
	`)
	return err
}

func (s *SQLiteDocuments) Get(ctx context.Context, key Key) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE job_id = ? AND kind = ?`,
		key.JobID, key.Kind,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return body, nil
}

func (s *SQLiteDocuments) Put(ctx context.Context, key Key, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (job_id, kind, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id, kind) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, key.JobID, key.Kind, body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteDocuments) Create(ctx context.Context, key Key, body []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (job_id, kind, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id, kind) DO NOTHING
	`, key.JobID, key.Kind, body, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("create %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLiteDocuments) CompareAndSwap(ctx context.Context, key Key, old, body []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET body = ?, updated_at = ?
		WHERE job_id = ? AND kind = ? AND body = ?
	`, body, time.Now().UTC(), key.JobID, key.Kind, old)
	if err != nil {
		return false, fmt.Errorf("swap %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swap %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLiteDocuments) Remove(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE job_id = ? AND kind = ?`, key.JobID, key.Kind)
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteDocuments) Keys(ctx context.Context) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, kind FROM documents ORDER BY job_id, kind`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.JobID, &k.Kind); err != nil {
			return nil, fmt.Errorf("scan document key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return keys, nil
}

// Close closes the underlying database connection.
func (s *SQLiteDocuments) Close() error {
	return s.db.Close()
}
