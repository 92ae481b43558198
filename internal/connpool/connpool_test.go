package connpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyverse/irodsfs-core/internal/backend"
	"github.com/cyverse/irodsfs-core/internal/backend/fake"
	"github.com/cyverse/irodsfs-core/internal/corelog"
	"github.com/cyverse/irodsfs-core/internal/timersvc"
)

func newTestPool(t *testing.T, maxConn int) (*Pool, *fake.Backend) {
	t.Helper()
	fb := fake.New()
	timer := timersvc.New(time.Millisecond)
	pool := New(fb, backend.DialOptions{}, Config{
		MaxConn:              maxConn,
		ConnTimeoutSec:       1,
		ConnKeepAliveSec:     1,
		ConnCheckIntervalSec: 1,
		APITimeoutSec:        5,
	}, corelog.Discard, timer)
	return pool, fb
}

func TestShortOpSharesSingleConnection(t *testing.T) {
	pool, _ := newTestPool(t, 2)
	ctx := context.Background()

	c1, err := pool.Acquire(ctx, ShortOp)
	require.NoError(t, err)
	c2, err := pool.Acquire(ctx, ShortOp)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 2, c1.inUseCount)

	pool.Release(ctx, c1)
	pool.Release(ctx, c2)
	assert.Equal(t, 0, c1.inUseCount)
}

func TestShortOpReleaseThenReacquirePromotesFree(t *testing.T) {
	pool, _ := newTestPool(t, 2)
	ctx := context.Background()

	c1, err := pool.Acquire(ctx, ShortOp)
	require.NoError(t, err)
	id1 := c1.ID()
	pool.Release(ctx, c1)

	c2, err := pool.Acquire(ctx, ShortOp)
	require.NoError(t, err)
	assert.Equal(t, id1, c2.ID(), "reacquire should promote the freed connection, not dial a new one")
}

func TestFileIOMultiplexesWhenSlotsFull(t *testing.T) {
	pool, _ := newTestPool(t, 2)
	ctx := context.Background()

	c1, err := pool.Acquire(ctx, FileIO)
	require.NoError(t, err)
	c2, err := pool.Acquire(ctx, FileIO)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)

	c3, err := pool.Acquire(ctx, FileIO)
	require.NoError(t, err)

	// Third acquire must share the connection with the smaller refcount
	// (both start at 1, so either is acceptable, but it must be one of the
	// two existing connections, never a third).
	assert.True(t, c3 == c1 || c3 == c2)

	rep := pool.Report()
	assert.Equal(t, 2, rep.InUseGeneral)
}

func TestOnetimeDestroyedOnRelease(t *testing.T) {
	pool, _ := newTestPool(t, 2)
	ctx := context.Background()

	c, err := pool.Acquire(ctx, Onetime)
	require.NoError(t, err)
	rep := pool.Report()
	assert.Equal(t, 1, rep.InUseOnetime)

	pool.Release(ctx, c)
	rep = pool.Report()
	assert.Equal(t, 0, rep.InUseOnetime)
}

func TestRefcountIntegrityAcrossMultipleBorrows(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	ctx := context.Background()

	c1, err := pool.Acquire(ctx, ShortOp)
	require.NoError(t, err)
	c2, err := pool.Acquire(ctx, ShortOp)
	require.NoError(t, err)
	c3, err := pool.Acquire(ctx, ShortOp)
	require.NoError(t, err)
	assert.Equal(t, 3, c1.inUseCount)

	pool.Release(ctx, c1)
	pool.Release(ctx, c2)
	assert.Equal(t, 1, c1.inUseCount)
	pool.Release(ctx, c3)
	assert.Equal(t, 0, c1.inUseCount)
}

func TestReconnectPreservesID(t *testing.T) {
	pool, _ := newTestPool(t, 2)
	ctx := context.Background()

	c, err := pool.Acquire(ctx, ShortOp)
	require.NoError(t, err)
	id := c.ID()

	err = pool.Reconnect(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, id, c.ID())
}

func TestKeepAliveTickStatsLiveConnections(t *testing.T) {
	pool, fb := newTestPool(t, 1)
	ctx := context.Background()

	c, err := pool.Acquire(ctx, ShortOp)
	require.NoError(t, err)
	c.lastActTime = time.Now().Add(-2 * time.Second)

	pool.tick(ctx)

	assert.WithinDuration(t, time.Now(), c.lastActTime, time.Second)
	_ = fb
}

func TestIdleReapDropsFreeNotInUse(t *testing.T) {
	pool, _ := newTestPool(t, 2)
	ctx := context.Background()

	inUse, err := pool.Acquire(ctx, FileIO)
	require.NoError(t, err)

	idle, err := pool.Acquire(ctx, FileIO)
	require.NoError(t, err)
	pool.Release(ctx, idle)

	pool.mu.Lock()
	pool.freeGeneral[0].lastUseTime = time.Now().Add(-2 * time.Second)
	pool.mu.Unlock()

	pool.tick(ctx)

	rep := pool.Report()
	assert.Equal(t, 0, rep.Free)
	assert.Equal(t, 1, rep.InUseGeneral)
	pool.Release(ctx, inUse)
}

func TestAcquireRetriesConnectOnceThenSucceeds(t *testing.T) {
	pool, fb := newTestPool(t, 1)
	fb.FailNextConnect(1)
	ctx := context.Background()

	c, err := pool.Acquire(ctx, ShortOp)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestAcquireFailsAfterTwoConnectFailures(t *testing.T) {
	pool, fb := newTestPool(t, 1)
	fb.FailNextConnect(2)
	ctx := context.Background()

	_, err := pool.Acquire(ctx, ShortOp)
	assert.Error(t, err)
}
