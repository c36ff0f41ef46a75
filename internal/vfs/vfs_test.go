package vfs

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDelegate records one entry per Sync call (Delegate.Sync takes no
// flags, so each entry is 0) and whether Close ran, without touching the
// filesystem.
type fakeDelegate struct {
	mu        sync.Mutex
	syncCalls []SyncFlag
	closed    bool
}

func (d *fakeDelegate) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.syncCalls = append(d.syncCalls, 0)
	return nil
}

func (d *fakeDelegate) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDelegate) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.syncCalls)
}

func TestDeferredSyncCoalescesWithinWindow(t *testing.T) {
	rt := NewRuntime()
	delegate := &fakeDelegate{}
	f := newFile(rt, delegate)

	f.Sync(SyncNormal)
	time.Sleep(20 * time.Millisecond)
	f.Sync(SyncFull)
	time.Sleep(20 * time.Millisecond)
	f.Sync(SyncDataOnly)

	require.Equal(t, 0, delegate.callCount(), "sync must not fire before the coalescing window elapses")

	require.Eventually(t, func() bool {
		return delegate.callCount() == 1
	}, 6*time.Second, 50*time.Millisecond)

	// Stays at exactly one call — no straggler fires later.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, delegate.callCount())
}

func TestCloseWaitsForPendingSyncs(t *testing.T) {
	rt := NewRuntime()
	delegate := &fakeDelegate{}
	f := newFile(rt, delegate)

	f.Sync(SyncNormal)
	require.NoError(t, f.Close())

	require.True(t, delegate.closed)
	require.GreaterOrEqual(t, delegate.callCount(), 1, "close performs a final synchronous sync")
}

func TestSyncAfterCloseIsNoop(t *testing.T) {
	rt := NewRuntime()
	delegate := &fakeDelegate{}
	f := newFile(rt, delegate)

	require.NoError(t, f.Close())
	callsBefore := delegate.callCount()

	f.Sync(SyncNormal)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, callsBefore, delegate.callCount())
}
