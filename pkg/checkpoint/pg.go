package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG persists checkpoints in a Postgres table, typically the same instance
// as the record store so operators have one durable system to run.
type PG struct {
	pool  *pgxpool.Pool
	owned bool
}

// NewPG connects a dedicated pool and ensures the checkpoints table.
func NewPG(ctx context.Context, connString string) (*PG, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	p := &PG{pool: pool, owned: true}
	if err := p.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPGWithPool reuses an existing pool; Close leaves the pool open.
func NewPGWithPool(ctx context.Context, pool *pgxpool.Pool) (*PG, error) {
	p := &PG{pool: pool}
	if err := p.ensureTable(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PG) ensureTable(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pagecache_checkpoints (
			partition  integer PRIMARY KEY,
			log_offset bigint NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("ensure checkpoints table: %w", err)
	}
	return nil
}

func (p *PG) Load(ctx context.Context, partition int32) (uint64, error) {
	var offset int64
	err := p.pool.QueryRow(ctx,
		`SELECT log_offset FROM pagecache_checkpoints WHERE partition = $1`,
		partition).Scan(&offset)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint for partition %d: %w", partition, err)
	}
	return uint64(offset), nil
}

func (p *PG) Save(ctx context.Context, partition int32, offset uint64) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO pagecache_checkpoints (partition, log_offset, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (partition)
		DO UPDATE SET log_offset = EXCLUDED.log_offset, updated_at = now()`,
		partition, int64(offset))
	if err != nil {
		return fmt.Errorf("save checkpoint for partition %d: %w", partition, err)
	}
	return nil
}

func (p *PG) Close() error {
	if p.owned {
		p.pool.Close()
	}
	return nil
}
