package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDocuments stores documents in PostgreSQL through a pgx pool.
type PostgresDocuments struct {
	pool *pgxpool.Pool
}

// NewPostgresDocuments connects to databaseURL, checks connectivity and runs migrations.
func NewPostgresDocuments(ctx context.Context, databaseURL string) (*PostgresDocuments, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	d := &PostgresDocuments{pool: pool}
	if err := d.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func (d *PostgresDocuments) migrate(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			job_id     TEXT NOT NULL,
			kind       TEXT NOT NULL,
			body       BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (job_id, kind)
		)
	`)
	return err
}

func (d *PostgresDocuments) Get(ctx context.Context, key Key) ([]byte, error) {
	var body []byte
	err := d.pool.QueryRow(ctx,
		`SELECT body FROM documents WHERE job_id = $1 AND kind = $2`,
		key.JobID, string(key.Kind),
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return body, nil
}

func (d *PostgresDocuments) Put(ctx context.Context, key Key, body []byte) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO documents (job_id, kind, body, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (job_id, kind) DO UPDATE SET body = EXCLUDED.body, updated_at = now()
	`, key.JobID, string(key.Kind), body)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (d *PostgresDocuments) Create(ctx context.Context, key Key, body []byte) (bool, error) {
	tag, err := d.pool.Exec(ctx, `
		INSERT INTO documents (job_id, kind, body, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (job_id, kind) DO NOTHING
	`, key.JobID, string(key.Kind), body)
	if err != nil {
		return false, fmt.Errorf("create %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (d *PostgresDocuments) CompareAndSwap(ctx context.Context, key Key, old, body []byte) (bool, error) {
	tag, err := d.pool.Exec(ctx, `
		UPDATE documents SET body = $1, updated_at = now()
		WHERE job_id = $2 AND kind = $3 AND body = $4
	`, body, key.JobID, string(key.Kind), old)
	if err != nil {
		return false, fmt.Errorf("swap %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (d *PostgresDocuments) Remove(ctx context.Context, key Key) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM documents WHERE job_id = $1 AND kind = $2`, key.JobID, string(key.Kind))
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (d *PostgresDocuments) Keys(ctx context.Context) ([]Key, error) {
	rows, err := d.pool.Query(ctx, `SELECT job_id, kind FROM documents ORDER BY job_id, kind`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var id, kind string
		if err := rows.Scan(&id, &kind); err != nil {
			return nil, fmt.Errorf("scan document key: %w", err)
		}
		keys = append(keys, Key{JobID: id, Kind: Kind(kind)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return keys, nil
}

func (d *PostgresDocuments) Close() error {
	d.pool.Close()
	return nil
}
