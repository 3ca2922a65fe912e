package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG reads scraped records from Postgres.
type PG struct {
	pool *pgxpool.Pool
}

// NewPG connects and verifies the pool.
func NewPG(ctx context.Context, connString string) (*PG, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return &PG{pool: pool}, nil
}

// Pool exposes the underlying pool so the checkpoint store can share it.
func (p *PG) Pool() *pgxpool.Pool {
	return p.pool
}

// Bootstrap creates the scraped_records table, the global mod_seq sequence
// with its bump trigger, and sets REPLICA IDENTITY FULL so delete events
// carry the before image the pipeline needs.
func (p *PG) Bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS scraped_records_mod_seq`,
		`CREATE TABLE IF NOT EXISTS scraped_records (
			id          bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			key         text NOT NULL UNIQUE,
			url         text NOT NULL UNIQUE,
			query       text,
			title       text,
			description text,
			engine      text,
			content     text,
			embedding   text,
			mod_seq     bigint NOT NULL DEFAULT nextval('scraped_records_mod_seq'),
			fetched_at  timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE OR REPLACE FUNCTION scraped_records_bump_mod_seq() RETURNS trigger AS $$
		BEGIN
			NEW.mod_seq := nextval('scraped_records_mod_seq');
			RETURN NEW;
		END
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS scraped_records_mod_seq_trg ON scraped_records`,
		`CREATE TRIGGER scraped_records_mod_seq_trg
			BEFORE UPDATE ON scraped_records
			FOR EACH ROW EXECUTE FUNCTION scraped_records_bump_mod_seq()`,
		`ALTER TABLE scraped_records REPLICA IDENTITY FULL`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap record store: %w", err)
		}
	}
	return nil
}

func (p *PG) GetByKey(ctx context.Context, key string) (Record, error) {
	var r Record
	err := p.pool.QueryRow(ctx, `
		SELECT key, url, coalesce(query, ''), coalesce(title, ''),
		       coalesce(description, ''), coalesce(engine, ''),
		       coalesce(content, ''), coalesce(embedding, ''),
		       mod_seq, fetched_at
		FROM scraped_records WHERE key = $1`, key).
		Scan(&r.Key, &r.URL, &r.Query, &r.Title, &r.Description, &r.Engine,
			&r.Content, &r.Embedding, &r.ModSeq, &r.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record %s: %w", key, err)
	}
	return r, nil
}

func (p *PG) Close() error {
	p.pool.Close()
	return nil
}
