package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomnet/tom/internal/redistest"
	"github.com/tomnet/tom/internal/tomerr"
)

func TestAcquireRelease(t *testing.T) {
	rdb := redistest.Client(t)
	ctx := context.Background()

	g, err := New(rdb, "tom", 5*time.Second)
	require.NoError(t, err)

	lease, err := g.Acquire(ctx, "rtr1", "holder-a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "rtr1", lease.DeviceKey)

	// Second holder cannot get in within its wait budget.
	_, err = g.Acquire(ctx, "rtr1", "holder-b", 700*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, tomerr.KindGatingError, tomerr.KindOf(err))
	assert.Equal(t, tomerr.RetryTransient, tomerr.HintOf(err))

	require.NoError(t, lease.Release(ctx))

	// Now the device is free again.
	lease2, err := g.Acquire(ctx, "rtr1", "holder-b", time.Second)
	require.NoError(t, err)
	require.NoError(t, lease2.Release(ctx))
}

func TestReleaseIdempotent(t *testing.T) {
	rdb := redistest.Client(t)
	ctx := context.Background()

	g, err := New(rdb, "tom", 5*time.Second)
	require.NoError(t, err)

	lease, err := g.Acquire(ctx, "sw1", "h1", time.Second)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))
}

func TestReleaseDoesNotFreeReclaimedLease(t *testing.T) {
	rdb := redistest.Client(t)
	ctx := context.Background()

	g, err := New(rdb, "tom", 300*time.Millisecond)
	require.NoError(t, err)

	stale, err := g.Acquire(ctx, "fw1", "old-holder", time.Second)
	require.NoError(t, err)

	// Let the TTL expire and a new holder claim the device.
	time.Sleep(400 * time.Millisecond)
	fresh, err := g.Acquire(ctx, "fw1", "new-holder", time.Second)
	require.NoError(t, err)

	// The stale holder's release must not free the new holder's lease.
	require.NoError(t, stale.Release(ctx))
	val, err := rdb.Get(ctx, g.key("fw1")).Result()
	require.NoError(t, err)
	assert.Equal(t, "new-holder", val)

	require.NoError(t, fresh.Release(ctx))
}

func TestRenewAfterLossReportsLeaseLost(t *testing.T) {
	rdb := redistest.Client(t)
	ctx := context.Background()

	g, err := New(rdb, "tom", 200*time.Millisecond)
	require.NoError(t, err)

	lease, err := g.Acquire(ctx, "rtr9", "h1", time.Second)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	assert.ErrorIs(t, lease.Renew(ctx), ErrLeaseLost)
}

func TestSingleOccupancyUnderContention(t *testing.T) {
	rdb := redistest.Client(t)
	ctx := context.Background()

	g, err := New(rdb, "tom", 5*time.Second)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		holding int
		maxHeld int
		wg      sync.WaitGroup
	)
	for i := range 4 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			lease, err := g.Acquire(ctx, "core1", string(rune('a'+n)), 30*time.Second)
			if err != nil {
				t.Errorf("worker %d: %v", n, err)
				return
			}
			mu.Lock()
			holding++
			if holding > maxHeld {
				maxHeld = holding
			}
			mu.Unlock()

			time.Sleep(50 * time.Millisecond)

			mu.Lock()
			holding--
			mu.Unlock()
			_ = lease.Release(ctx)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, maxHeld, "at most one lease per device at any time")
}
