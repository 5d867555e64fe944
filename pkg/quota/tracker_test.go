package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agora/pkg/clock"
)

var t0 = time.Unix(1_700_000_000, 0)

func newTestTracker(t *testing.T, specs ...ResourceSpec) (*Tracker, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(t0)
	if len(specs) == 0 {
		specs = []ResourceSpec{
			{Name: "llm_tokens", Kind: Renewable, Window: 60 * time.Second},
			{Name: "disk", Kind: Allocatable},
		}
	}
	tr, err := NewTracker(specs, NewMemoryBackend(), NewMemoryAssignments(), fc)
	require.NoError(t, err)
	return tr, fc
}

// Rate 10 per 60s: use 10 at t=0, a further unit at t=10 is refused and
// leaves no trace, and at t=61 the window has rolled past the first draw.
func TestRollingWindowIsStrict(t *testing.T) {
	ctx := context.Background()
	tr, fc := newTestTracker(t)
	require.NoError(t, tr.SetQuota(ctx, "alice", "llm_tokens", 10))

	ok, err := tr.UseQuota(ctx, "alice", "llm_tokens", 10)
	require.NoError(t, err)
	require.True(t, ok)

	fc.Advance(10 * time.Second)
	ok, err = tr.UseQuota(ctx, "alice", "llm_tokens", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	used, err := tr.UsageInWindow(ctx, "alice", "llm_tokens")
	require.NoError(t, err)
	assert.Equal(t, int64(10), used, "refused draw must not record partial usage")

	fc.Set(t0.Add(61 * time.Second))
	ok, err = tr.UseQuota(ctx, "alice", "llm_tokens", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	used, err = tr.UsageInWindow(ctx, "alice", "llm_tokens")
	require.NoError(t, err)
	assert.Equal(t, int64(1), used)
}

func TestWindowBoundaryIsExclusive(t *testing.T) {
	ctx := context.Background()
	tr, fc := newTestTracker(t)
	require.NoError(t, tr.SetQuota(ctx, "alice", "llm_tokens", 5))

	ok, _ := tr.UseQuota(ctx, "alice", "llm_tokens", 5)
	require.True(t, ok)

	fc.Advance(60*time.Second - time.Millisecond)
	ok, _ = tr.CanUse(ctx, "alice", "llm_tokens", 1)
	assert.False(t, ok)

	fc.Advance(time.Millisecond)
	ok, _ = tr.CanUse(ctx, "alice", "llm_tokens", 1)
	assert.True(t, ok, "a draw exactly one window old no longer counts")
}

func TestRequestLargerThanQuotaNeverFits(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)
	require.NoError(t, tr.SetQuota(ctx, "alice", "llm_tokens", 10))

	d, err := tr.Reserve(ctx, "alice", Charge{Resource: "llm_tokens", Amount: 11})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, int64(10), d.Available)
	assert.Zero(t, d.RetryAfter)
}

func TestDenialRetryAfter(t *testing.T) {
	ctx := context.Background()
	tr, fc := newTestTracker(t)
	require.NoError(t, tr.SetQuota(ctx, "alice", "llm_tokens", 10))

	ok, _ := tr.UseQuota(ctx, "alice", "llm_tokens", 4) // t=0
	require.True(t, ok)
	fc.Advance(20 * time.Second)
	ok, _ = tr.UseQuota(ctx, "alice", "llm_tokens", 6) // t=20
	require.True(t, ok)
	fc.Advance(10 * time.Second) // t=30

	d, err := tr.Reserve(ctx, "alice", Charge{Resource: "llm_tokens", Amount: 3})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "alice", d.Principal)
	assert.Equal(t, 30*time.Second, d.RetryAfter, "the t=0 draw frees 4 units at t=60")

	d, err = tr.Reserve(ctx, "alice", Charge{Resource: "llm_tokens", Amount: 5})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 50*time.Second, d.RetryAfter, "5 units need both draws gone")
}

func TestReserveIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)
	require.NoError(t, tr.SetQuota(ctx, "alice", "llm_tokens", 10))
	require.NoError(t, tr.SetQuota(ctx, "alice", "disk", 100))

	d, err := tr.Reserve(ctx, "alice",
		Charge{Resource: "llm_tokens", Amount: 5},
		Charge{Resource: "disk", Amount: 101},
	)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "disk", d.Resource)

	used, _ := tr.UsageInWindow(ctx, "alice", "llm_tokens")
	assert.Zero(t, used)

	d, err = tr.Reserve(ctx, "alice",
		Charge{Resource: "llm_tokens", Amount: 5},
		Charge{Resource: "llm_tokens", Amount: 5},
		Charge{Resource: "disk", Amount: 100},
	)
	require.NoError(t, err)
	assert.Nil(t, d)
	used, _ = tr.UsageInWindow(ctx, "alice", "llm_tokens")
	assert.Equal(t, int64(10), used)
}

func TestProviderCeiling(t *testing.T) {
	ctx := context.Background()
	tr, fc := newTestTracker(t, ResourceSpec{Name: "llm_tokens", Kind: Renewable, Window: time.Minute, Ceiling: 15})
	require.NoError(t, tr.SetQuota(ctx, "alice", "llm_tokens", 10))
	require.NoError(t, tr.SetQuota(ctx, "bob", "llm_tokens", 10))

	ok, _ := tr.UseQuota(ctx, "alice", "llm_tokens", 10)
	require.True(t, ok)

	avail, err := tr.AvailableCapacity(ctx, "bob", "llm_tokens")
	require.NoError(t, err)
	assert.Equal(t, int64(5), avail)

	d, err := tr.Reserve(ctx, "bob", Charge{Resource: "llm_tokens", Amount: 6})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, AggregateKey, d.Principal)
	assert.Contains(t, d.Error(), "provider ceiling")

	bobUsed, _ := tr.UsageInWindow(ctx, "bob", "llm_tokens")
	assert.Zero(t, bobUsed)

	fc.Advance(time.Minute)
	ok, _ = tr.UseQuota(ctx, "bob", "llm_tokens", 10)
	assert.True(t, ok)
}

func TestAllocatableReleaseAndTransfer(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)
	require.NoError(t, tr.SetQuota(ctx, "alice", "disk", 100))

	ok, _ := tr.UseQuota(ctx, "alice", "disk", 70)
	require.True(t, ok)

	// Only unallocated capacity can move.
	ok, err := tr.TransferQuota(ctx, "alice", "bob", "disk", 31)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = tr.TransferQuota(ctx, "alice", "bob", "disk", 30)
	require.NoError(t, err)
	assert.True(t, ok)

	qa, _ := tr.GetQuota(ctx, "alice", "disk")
	qb, _ := tr.GetQuota(ctx, "bob", "disk")
	assert.Equal(t, int64(70), qa)
	assert.Equal(t, int64(30), qb)

	require.NoError(t, tr.Release(ctx, "alice", "disk", 50))
	used, _ := tr.UsageInWindow(ctx, "alice", "disk")
	assert.Equal(t, int64(20), used)

	assert.ErrorIs(t, tr.Release(ctx, "alice", "llm_tokens", 1), ErrNotAllocatable)
}

// A fully used renewable allocation cannot be relayed through other
// principals to draw more than its rate within one window.
func TestRenewableTransferKeepsWindowUsage(t *testing.T) {
	ctx := context.Background()
	tr, fc := newTestTracker(t)
	require.NoError(t, tr.SetQuota(ctx, "alice", "llm_tokens", 10))

	ok, err := tr.UseQuota(ctx, "alice", "llm_tokens", 10)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tr.TransferQuota(ctx, "alice", "bob", "llm_tokens", 10)
	require.NoError(t, err)
	assert.False(t, ok, "in-window usage must stay covered by the sender")

	var total int64 = 10
	for _, p := range []string{"bob", "carol", "dave"} {
		if used, _ := tr.UseQuota(ctx, p, "llm_tokens", 10); used {
			total += 10
		}
	}
	assert.Equal(t, int64(10), total)

	fc.Advance(4 * time.Second)
	require.NoError(t, tr.SetQuota(ctx, "alice", "llm_tokens", 14))
	ok, err = tr.TransferQuota(ctx, "alice", "bob", "llm_tokens", 5)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = tr.TransferQuota(ctx, "alice", "bob", "llm_tokens", 4)
	require.NoError(t, err)
	assert.True(t, ok, "unspent rate can move")

	fc.Set(t0.Add(61 * time.Second))
	ok, err = tr.TransferQuota(ctx, "alice", "bob", "llm_tokens", 10)
	require.NoError(t, err)
	assert.True(t, ok, "once the window rolls, the whole rate can move")
	qb, _ := tr.GetQuota(ctx, "bob", "llm_tokens")
	assert.Equal(t, int64(14), qb)
}

func TestAggregateKeyIsNotAPrincipal(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, ResourceSpec{Name: "llm_tokens", Kind: Renewable, Window: time.Minute, Ceiling: 15})
	require.NoError(t, tr.SetQuota(ctx, "*", "llm_tokens", 10))
	require.NoError(t, tr.SetQuota(ctx, "alice", "llm_tokens", 10))

	ok, err := tr.UseQuota(ctx, "*", "llm_tokens", 10)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = tr.UseQuota(ctx, "alice", "llm_tokens", 5)
	require.NoError(t, err)
	assert.True(t, ok, "a principal named * has its own usage")
	ok, err = tr.UseQuota(ctx, "alice", "llm_tokens", 1)
	require.NoError(t, err)
	assert.False(t, ok, "the ceiling counts every principal")

	assert.ErrorIs(t, tr.SetQuota(ctx, AggregateKey, "llm_tokens", 100), ErrReservedKey)
	_, err = tr.Reserve(ctx, AggregateKey, Charge{Resource: "llm_tokens", Amount: 1})
	assert.ErrorIs(t, err, ErrReservedKey)
	_, err = tr.TransferQuota(ctx, "alice", AggregateKey, "llm_tokens", 1)
	assert.ErrorIs(t, err, ErrReservedKey)
}

func TestRestoreAllocations(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, ResourceSpec{Name: "disk", Kind: Allocatable, Ceiling: 1000})
	require.NoError(t, tr.SetQuota(ctx, "alice", "disk", 500))

	require.NoError(t, tr.RestoreAllocations(ctx, "disk", map[string]int64{"alice": 400, "bob": 550}))

	avail, err := tr.AvailableCapacity(ctx, "alice", "disk")
	require.NoError(t, err)
	assert.Equal(t, int64(50), avail, "ceiling leaves 50 after 950 allocated")
}

func TestUnknownResourceAndBadAmounts(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)

	_, err := tr.UseQuota(ctx, "alice", "gpu", 1)
	assert.ErrorIs(t, err, ErrUnknownResource)
	_, err = tr.UseQuota(ctx, "alice", "llm_tokens", -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.ErrorIs(t, tr.SetQuota(ctx, "alice", "llm_tokens", -3), ErrInvalidAmount)

	// A zero draw is always admitted.
	ok, err := tr.UseQuota(ctx, "nobody", "llm_tokens", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentDrawsNeverOvershoot(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)
	require.NoError(t, tr.SetQuota(ctx, "alice", "llm_tokens", 100))

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if ok, _ := tr.UseQuota(ctx, "alice", "llm_tokens", 3); ok {
					admitted.Add(3)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(99), admitted.Load())
	used, _ := tr.UsageInWindow(ctx, "alice", "llm_tokens")
	assert.Equal(t, int64(99), used)
}

func TestWaitUnblocksWhenWindowRolls(t *testing.T) {
	ctx := context.Background()
	tr, fc := newTestTracker(t)
	require.NoError(t, tr.SetQuota(ctx, "alice", "llm_tokens", 1))
	ok, _ := tr.UseQuota(ctx, "alice", "llm_tokens", 1)
	require.True(t, ok)

	done := make(chan error, 1)
	go func() { done <- tr.Wait(ctx, "alice", "llm_tokens", 1) }()

	require.Eventually(t, func() bool { return fc.Waiters() == 1 }, time.Second, time.Millisecond)
	fc.Advance(time.Minute)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the window rolled")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tr.SetQuota(ctx, "alice", "llm_tokens", 1))
	ok, _ := tr.UseQuota(ctx, "alice", "llm_tokens", 1)
	require.True(t, ok)

	cancel()
	assert.ErrorIs(t, tr.Wait(ctx, "alice", "llm_tokens", 1), context.Canceled)
}

func TestNewTrackerValidatesSpecs(t *testing.T) {
	_, err := NewTracker([]ResourceSpec{{Name: "x", Kind: Renewable}}, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewTracker([]ResourceSpec{{Name: "x", Kind: Allocatable}, {Name: "x", Kind: Allocatable}}, nil, nil, nil)
	assert.Error(t, err)
}
