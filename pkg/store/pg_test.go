package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflare/pagecache/internal/testutil/pgtest"
)

func newTestPG(ctx context.Context, t *testing.T) (*PG, *pgxpool.Pool) {
	t.Helper()
	pool := pgtest.Pool(ctx, t)
	pg := &PG{pool: pool}
	require.NoError(t, pg.Bootstrap(ctx))
	t.Cleanup(func() {
		pool.Exec(ctx, `DELETE FROM scraped_records WHERE engine = 'pgtest'`) //nolint:errcheck
	})
	return pg, pool
}

func TestPGGetByKey(t *testing.T) {
	ctx := context.Background()
	pg, pool := newTestPG(ctx, t)

	_, err := pg.GetByKey(ctx, "no-such-key")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = pool.Exec(ctx, `
		INSERT INTO scraped_records (key, url, title, engine)
		VALUES ('pgtest-k1', 'https://example.com/pgtest', 'Example', 'pgtest')
		ON CONFLICT (key) DO UPDATE SET title = EXCLUDED.title`)
	require.NoError(t, err)

	rec, err := pg.GetByKey(ctx, "pgtest-k1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/pgtest", rec.URL)
	assert.Equal(t, "Example", rec.Title)
	assert.Positive(t, rec.ModSeq)
	assert.False(t, rec.FetchedAt.IsZero())
}

func TestPGModSeqBumpsOnUpdate(t *testing.T) {
	ctx := context.Background()
	pg, pool := newTestPG(ctx, t)

	_, err := pool.Exec(ctx, `
		INSERT INTO scraped_records (key, url, engine)
		VALUES ('pgtest-k2', 'https://example.com/pgtest2', 'pgtest')
		ON CONFLICT (key) DO NOTHING`)
	require.NoError(t, err)

	before, err := pg.GetByKey(ctx, "pgtest-k2")
	require.NoError(t, err)

	_, err = pool.Exec(ctx,
		`UPDATE scraped_records SET title = 'updated' WHERE key = 'pgtest-k2'`)
	require.NoError(t, err)

	after, err := pg.GetByKey(ctx, "pgtest-k2")
	require.NoError(t, err)
	assert.Greater(t, after.ModSeq, before.ModSeq,
		"the trigger must assign a fresh commit sequence on every update")
}
