package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflare/pagecache/internal/testutil/pgtest"
)

func TestPGSaveLoad(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Pool(ctx, t)

	cps, err := NewPGWithPool(ctx, pool)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, `DELETE FROM pagecache_checkpoints WHERE partition IN (0, 1)`) //nolint:errcheck
	})

	_, err = cps.Load(ctx, 0)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, cps.Save(ctx, 0, 42))
	offset, err := cps.Load(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), offset)

	// Upsert replaces the offset.
	require.NoError(t, cps.Save(ctx, 0, 43))
	offset, err = cps.Load(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(43), offset)

	// Partitions are independent rows.
	require.NoError(t, cps.Save(ctx, 1, 7))
	offset, err = cps.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), offset)
	offset, err = cps.Load(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(43), offset)
}
