package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAcquireRelease(t *testing.T) {
	l := New(2)
	require.Equal(t, 2, l.Capacity())
	require.Equal(t, 2, l.Available())

	require.NoError(t, l.Acquire(context.Background()))
	require.True(t, l.TryAcquire())
	require.False(t, l.TryAcquire())
	require.Equal(t, 0, l.Available())
	require.Equal(t, 2, l.InUse())

	l.Release()
	require.Equal(t, 1, l.Available())
	l.Release()
	require.Equal(t, 0, l.InUse())
}

func TestZeroCapacityClampsToOne(t *testing.T) {
	require.Equal(t, 1, New(0).Capacity())
}

func TestReleaseWithoutAcquirePanics(t *testing.T) {
	l := New(1)
	require.Panics(t, l.Release)
	require.Equal(t, 1, l.Available())
}

func TestAcquireHonorsContext(t *testing.T) {
	l := New(1)
	require.True(t, l.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, l.InUse())
	l.Release()
}

func TestNeverExceedsCapacity(t *testing.T) {
	const n = 3
	l := New(n)

	var (
		cur, peak atomic.Int64
		wg        sync.WaitGroup
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(context.Background()))
			defer l.Release()
			v := cur.Add(1)
			for {
				p := peak.Load()
				if v <= p || peak.CompareAndSwap(p, v) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			cur.Add(-1)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int64(n))
	require.Equal(t, n, l.Available())
}
