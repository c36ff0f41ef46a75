// Package vfs implements a deferred-fsync decorator over a database file.
//
// modernc.org/sqlite (the pure-Go engine this module embeds) does not expose
// a pluggable sqlite3_vfs the way cgo-based drivers do, so this package
// cannot literally subclass the engine's default VFS the way the reference
// implementation's CamelSqlite3File does. Instead internal/db opens a File
// from this package alongside its own *sql.DB on the same path, sets
// PRAGMA synchronous=OFF so the engine itself never blocks on fsync, and
// routes every top-level commit's durability through File.Sync instead.
// N syncs within 5s collapse to one delegate fsync. The requested flags are
// ORed together and reset when that fsync is scheduled, but they are not
// passed on: Delegate.Sync takes no flags.
package vfs

import (
	"os"
	"sync"
	"time"
)

// SyncFlag mirrors the OR-able flags a caller passes to Sync. The concrete
// bit values don't matter to this package: it ORs them into an accumulator
// and does not forward them to the delegate.
type SyncFlag int

const (
	SyncNormal SyncFlag = 1 << iota
	SyncFull
	SyncDataOnly
)

// syncTimeout is how long Sync coalesces before invoking the delegate,
// per §4.A.
const syncTimeout = 5 * time.Second

// Delegate is the minimal set of file operations a deferred-sync File
// forwards to verbatim, except Sync.
type Delegate interface {
	Sync() error
	Close() error
}

// osDelegate adapts *os.File to Delegate.
type osDelegate struct{ f *os.File }

func (d osDelegate) Sync() error  { return d.f.Sync() }
func (d osDelegate) Close() error { return d.f.Close() }

// File coalesces repeated Sync calls into a single delegate fsync, fired
// 5 seconds after the most recent request, on the runtime's worker pool.
// Read/Write/Truncate/Lock/Unlock/FileSize-equivalent operations are not
// wrapped by this type: callers use the underlying *os.File for those and
// only route durability calls through File.
type File struct {
	delegate Delegate
	runtime  *Runtime

	mu          sync.Mutex
	accumulated SyncFlag
	timer       *time.Timer

	pendingMu    sync.Mutex
	pendingCond  *sync.Cond
	pendingCount int

	closed bool
}

// Open wraps path's *os.File in a deferred-sync File using the given
// runtime's worker pool.
func Open(runtime *Runtime, path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	return newFile(runtime, osDelegate{f}), nil
}

func newFile(runtime *Runtime, delegate Delegate) *File {
	f := &File{delegate: delegate, runtime: runtime}
	f.pendingCond = sync.NewCond(&f.pendingMu)
	return f
}

// Sync accumulates flags and (re)schedules a coalesced delegate sync
// syncTimeout in the future. It never blocks on I/O.
func (f *File) Sync(flags SyncFlag) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	f.accumulated |= flags
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(syncTimeout, f.fire)
}

// fire snapshots the accumulated flags, resets them, and submits the actual
// delegate sync to the runtime's worker pool.
func (f *File) fire() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	flags := f.accumulated
	f.accumulated = 0
	f.mu.Unlock()

	f.pendingMu.Lock()
	f.pendingCount++
	f.pendingMu.Unlock()

	f.runtime.submit(func() {
		_ = f.delegate.Sync() // Delegate.Sync takes no flags; the snapshot is dropped
		_ = flags

		f.pendingMu.Lock()
		f.pendingCount--
		if f.pendingCount == 0 {
			f.pendingCond.Broadcast()
		}
		f.pendingMu.Unlock()
	})
}

// Close cancels any pending timer, performs one final synchronous sync,
// waits for all in-flight syncs (including ones already submitted to the
// worker pool) to complete, then closes the delegate.
func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	if f.timer != nil {
		f.timer.Stop()
	}
	f.mu.Unlock()

	// Final, synchronous sync: run it inline rather than through the pool so
	// Close observes its completion directly.
	_ = f.delegate.Sync()

	f.pendingMu.Lock()
	for f.pendingCount > 0 {
		f.pendingCond.Wait()
	}
	f.pendingMu.Unlock()

	return f.delegate.Close()
}
