package execqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex/tenex/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func newTestQueue(t *testing.T, dir string) *Queue {
	t.Helper()
	return New(dir, "proj-test", 30*time.Minute, 10*time.Minute, testLogger(t))
}

func TestQueueAcquireAndReentrancy(t *testing.T) {
	q := newTestQueue(t, t.TempDir())

	g := q.Request("conv-a", "executor")
	assert.True(t, g.Acquired)

	t.Run("holder re-request succeeds without queueing", func(t *testing.T) {
		g := q.Request("conv-a", "executor")
		assert.True(t, g.Acquired)
		assert.Empty(t, q.Status().Waiting)
	})

	t.Run("second conversation queues", func(t *testing.T) {
		g := q.Request("conv-b", "executor")
		assert.False(t, g.Acquired)
		assert.Equal(t, 0, g.Position)
		assert.Greater(t, g.ETA, time.Duration(0))
	})

	t.Run("repeat request keeps position and counts the retry", func(t *testing.T) {
		g := q.Request("conv-b", "executor")
		assert.False(t, g.Acquired)
		assert.Equal(t, 0, g.Position)
		st := q.Status()
		require.Len(t, st.Waiting, 1)
		assert.Equal(t, 1, st.Waiting[0].Retries)
	})
}

func TestQueueLockMetadata(t *testing.T) {
	q := newTestQueue(t, t.TempDir())
	require.True(t, q.Request("conv-a", "executor").Acquired)

	st := q.Status()
	require.NotNil(t, st.Holder)
	assert.Equal(t, "conv-a", st.Holder.ConversationID)
	assert.Equal(t, "executor", st.Holder.HeldBy)
	assert.Equal(t, "proj-test", st.Holder.ProjectID)
	assert.Equal(t, (30 * time.Minute).Milliseconds(), st.Holder.MaxDurationMs)
	assert.NotZero(t, st.Holder.AcquiredAt)
}

func TestQueueFIFOGrantOnRelease(t *testing.T) {
	q := newTestQueue(t, t.TempDir())

	var mu sync.Mutex
	var grants []string
	q.OnGrant = func(id string) {
		mu.Lock()
		defer mu.Unlock()
		grants = append(grants, id)
	}

	require.True(t, q.Request("conv-a", "executor").Acquired)
	q.Request("conv-c", "executor")
	q.Request("conv-b", "executor")

	require.NoError(t, q.Release("conv-a"))
	holder, held := q.Holder()
	require.True(t, held)
	// conv-c and conv-b enqueued in the same second: lexicographic tie-break.
	assert.Equal(t, "conv-b", holder)

	require.NoError(t, q.Release("conv-b"))
	holder, _ = q.Holder()
	assert.Equal(t, "conv-c", holder)

	mu.Lock()
	assert.Equal(t, []string{"conv-b", "conv-c"}, grants)
	mu.Unlock()
}

func TestQueueReleaseGuards(t *testing.T) {
	q := newTestQueue(t, t.TempDir())
	require.True(t, q.Request("conv-a", "executor").Acquired)

	assert.ErrorIs(t, q.Release("conv-b"), ErrNotHolder)
	assert.ErrorIs(t, q.Remove("conv-z"), ErrNotQueued)
}

func TestQueueForceRelease(t *testing.T) {
	q := newTestQueue(t, t.TempDir())
	require.True(t, q.Request("conv-a", "executor").Acquired)
	q.Request("conv-b", "executor")

	released := q.ForceRelease("conv-a", "stuck on a long build")
	assert.Equal(t, "conv-a", released)
	holder, _ := q.Holder()
	assert.Equal(t, "conv-b", holder)

	t.Run("no holder returns empty", func(t *testing.T) {
		assert.Equal(t, "", newTestQueue(t, t.TempDir()).ForceRelease("", "operator"))
	})

	t.Run("promotes the head even without a holder", func(t *testing.T) {
		q := newTestQueue(t, t.TempDir())
		var mu sync.Mutex
		var grants []string
		q.OnGrant = func(id string) {
			mu.Lock()
			defer mu.Unlock()
			grants = append(grants, id)
		}
		require.True(t, q.Request("conv-a", "executor").Acquired)
		q.Request("conv-b", "executor")

		// Wedge the queue: lock gone, waiter stranded.
		q.mu.Lock()
		q.lock = nil
		q.mu.Unlock()

		assert.Equal(t, "", q.ForceRelease("", "operator"))
		holder, held := q.Holder()
		require.True(t, held)
		assert.Equal(t, "conv-b", holder)
		mu.Lock()
		assert.Equal(t, []string{"conv-b"}, grants)
		mu.Unlock()
	})
}

func TestQueueTimeoutMonitor(t *testing.T) {
	q := New(t.TempDir(), "proj-test", time.Minute, time.Minute, testLogger(t))

	var mu sync.Mutex
	var timedOut []string
	q.OnTimeout = func(id string) {
		mu.Lock()
		defer mu.Unlock()
		timedOut = append(timedOut, id)
	}

	require.True(t, q.Request("conv-old", "executor").Acquired)
	q.Request("conv-next", "executor")

	// Age the lock past the maximum and trigger the check directly.
	q.mu.Lock()
	q.lock.AcquiredAt = time.Now().Add(-2 * time.Minute).Unix()
	q.mu.Unlock()
	q.expireIfStale()

	mu.Lock()
	assert.Equal(t, []string{"conv-old"}, timedOut)
	mu.Unlock()
	holder, _ := q.Holder()
	assert.Equal(t, "conv-next", holder)
}

func TestQueueRestartRestore(t *testing.T) {
	dir := t.TempDir()
	q := newTestQueue(t, dir)
	require.True(t, q.Request("conv-a", "executor").Acquired)
	q.Request("conv-b", "executor")
	q.Request("conv-c", "executor")

	// A fresh queue over the same directory restores lock and waiters.
	q2 := newTestQueue(t, dir)
	require.NoError(t, q2.Load(nil))
	holder, held := q2.Holder()
	require.True(t, held)
	assert.Equal(t, "conv-a", holder)
	st := q2.Status()
	require.Len(t, st.Waiting, 2)

	t.Run("scrubbed holder promotes the surviving head", func(t *testing.T) {
		q3 := newTestQueue(t, dir)
		var mu sync.Mutex
		var grants []string
		q3.OnGrant = func(id string) {
			mu.Lock()
			defer mu.Unlock()
			grants = append(grants, id)
		}
		// The holder and one waiter vanished from the store; the surviving
		// waiter must not sit behind a lock nobody holds.
		require.NoError(t, q3.Load(func(id string) bool { return id == "conv-b" }))
		holder, held := q3.Holder()
		require.True(t, held)
		assert.Equal(t, "conv-b", holder)
		assert.Empty(t, q3.Status().Waiting)
		mu.Lock()
		assert.Equal(t, []string{"conv-b"}, grants)
		mu.Unlock()
	})
}

func TestQueueETA(t *testing.T) {
	q := New(t.TempDir(), "proj-test", 30*time.Minute, 10*time.Minute, testLogger(t))
	require.True(t, q.Request("conv-a", "executor").Acquired)
	q.Request("conv-b", "executor")
	q.Request("conv-c", "executor")

	etaB, ok := q.ETA("conv-b")
	require.True(t, ok)
	etaC, ok := q.ETA("conv-c")
	require.True(t, ok)

	// Head of queue waits roughly one average slot, the next one more.
	assert.InDelta(t, float64(10*time.Minute), float64(etaB), float64(5*time.Second))
	assert.InDelta(t, float64(20*time.Minute), float64(etaC), float64(5*time.Second))

	_, ok = q.ETA("conv-a")
	assert.False(t, ok)
}

func TestQueueETAUsesHistory(t *testing.T) {
	// The hint says ten minutes, but completed sessions say seconds; the
	// average of real sessions wins once there is history.
	q := New(t.TempDir(), "proj-test", 30*time.Minute, 10*time.Minute, testLogger(t))

	require.True(t, q.Request("conv-a", "executor").Acquired)
	require.NoError(t, q.Release("conv-a"))
	require.True(t, q.Request("conv-b", "executor").Acquired)
	require.NoError(t, q.Release("conv-b"))

	require.True(t, q.Request("conv-c", "executor").Acquired)
	g := q.Request("conv-d", "executor")
	require.False(t, g.Acquired)
	assert.Less(t, g.ETA, time.Minute)
}
