// Package pg implements the snapshot backend on Postgres. The whole versioned
// envelope is stored as a single row per bot namespace, so a snapshot swap is
// one atomic upsert. Meant for deployments without durable local disk.
package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Backend stores the snapshot in the cron_snapshots table.
type Backend struct {
	pool    *pgxpool.Pool
	botName string
}

// New connects to Postgres and ensures the snapshot table exists.
func New(ctx context.Context, dsn, botName string) (*Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	b := &Backend{pool: pool, botName: botName}
	if err := b.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *Backend) migrate(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS cron_snapshots (
			bot_name   TEXT PRIMARY KEY,
			data       BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

func (b *Backend) Load(ctx context.Context) ([]byte, bool, error) {
	var data []byte
	err := b.pool.QueryRow(ctx,
		`SELECT data FROM cron_snapshots WHERE bot_name = $1`, b.botName).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b *Backend) Save(ctx context.Context, data []byte) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO cron_snapshots (bot_name, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (bot_name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		b.botName, data)
	return err
}

// Close releases the connection pool.
func (b *Backend) Close() { b.pool.Close() }
