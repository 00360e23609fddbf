package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestStageDedupesSameAddress(t *testing.T) {
	c := NewCoordinator()
	var lock RWLock
	c.Stage(&lock, LockExclusive)
	c.Stage(&lock, LockShared) // second stage of the same address is a no-op
	require.Len(t, c.current.entries, 1)
	require.Equal(t, LockExclusive, c.current.entries[0].kind)
}

func TestStageSortsByAddress(t *testing.T) {
	c := NewCoordinator()
	locks := make([]RWLock, 4)
	// Stage in reverse address order; the staged set must still come out in
	// strictly ascending address order regardless of staging order.
	for i := len(locks) - 1; i >= 0; i-- {
		c.Stage(&locks[i], LockExclusive)
	}
	for i := 1; i < len(c.current.entries); i++ {
		require.Less(t, c.current.entries[i-1].addr, c.current.entries[i].addr)
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	c := NewCoordinator()
	var a, b RWLock
	c.Stage(&a, LockExclusive)
	c.Stage(&b, LockShared)
	c.Acquire()

	descending := c.AcquiredAddrsDescending()
	require.Len(t, descending, 2)
	require.Greater(t, descending[0], descending[1])

	c.Release()
	require.Panics(t, func() { c.Release() })

	require.True(t, a.TryLock())
	a.Unlock()
}

func TestTryAcquireUnwindsOnFailure(t *testing.T) {
	c := NewCoordinator()
	var a, b RWLock
	b.Lock() // simulate a lock already held by someone else

	c.Stage(&a, LockExclusive)
	c.Stage(&b, LockExclusive)
	ok := c.TryAcquire()
	require.False(t, ok)

	// a must have been released again by the unwind.
	require.True(t, a.TryLock())
	a.Unlock()
}

// TestTwoThreadsOppositeOrderNeverDeadlock mirrors spec.md §8's concurrency
// scenario: 200 pairs of goroutines Sync the same two cells in opposite
// program order;
// the address-ordered coordinator must make both converge on one global
// order instead of deadlocking.
func TestTwoThreadsOppositeOrderNeverDeadlock(t *testing.T) {
	var cellA, cellB RWLock

	var g errgroup.Group
	for i := 0; i < 200; i++ {
		g.Go(func() error {
			c := NewCoordinator()
			c.Stage(&cellA, LockExclusive)
			c.Stage(&cellB, LockExclusive)
			c.Acquire()
			c.Release()
			return nil
		})
		g.Go(func() error {
			c := NewCoordinator()
			c.Stage(&cellB, LockExclusive)
			c.Stage(&cellA, LockExclusive)
			c.Acquire()
			c.Release()
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
