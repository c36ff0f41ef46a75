// Package offline implements the offline controller of spec §4.F:
// auto-downsync of newly arrived messages and debounced write-back of
// local flag changes, wrapping an ordinary folder the way
// camel-offline-folder.c wraps a CamelFolder. The actual network fetch is
// delegated to a Synchronizer this package never implements.
package offline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hkdb/pimcore/internal/changebus"
	"github.com/hkdb/pimcore/internal/jobqueue"
	"github.com/hkdb/pimcore/internal/logging"
	"github.com/hkdb/pimcore/internal/vfolder"
	"github.com/rs/zerolog"
)

// Synchronizer performs the actual network work the offline controller
// schedules. It is the protocol driver's responsibility, never this
// package's.
type Synchronizer interface {
	// SynchronizeMessage downloads/refreshes whatever offline cache is
	// kept for uid.
	SynchronizeMessage(ctx context.Context, uid string) error
	// Synchronize pushes local flag/content changes back upstream,
	// expunging deleted messages first if requested.
	Synchronize(ctx context.Context, expunge bool) error
	// IsCachedLocally reports whether uid already has an offline copy, so
	// downsync can skip it.
	IsCachedLocally(ctx context.Context, uid string) (bool, error)
}

// DefaultWritebackDelay is the store-changes interval used when Folder is
// constructed without an explicit one.
const DefaultWritebackDelay = 5 * time.Second

// Folder wraps backing with auto-downsync and write-back debouncing.
// Mirrors camel-offline-folder.c's camel_offline_folder_downsync plus its
// "changed" handler.
type Folder struct {
	name    string
	backing vfolder.BackingFolder
	sync    Synchronizer
	matcher vfolder.Matcher
	queue   *jobqueue.Queue
	log     zerolog.Logger

	mu               sync.Mutex
	offlineSync      bool
	staySynchronized func() bool
	writebackDelay   time.Duration
	unsubscribe      func()
	pendingWriteback *time.Timer
}

// New wraps backing for offline handling. sync performs the actual network
// work; matcher (optional, may be nil) is consulted by Downsync when an
// expression is given; queue (optional, may be nil) serializes jobs the
// way the session job queue does elsewhere — with nil, jobs run inline.
func New(name string, backing vfolder.BackingFolder, synchronizer Synchronizer, matcher vfolder.Matcher, queue *jobqueue.Queue) *Folder {
	return &Folder{
		name:           name,
		backing:        backing,
		sync:           synchronizer,
		matcher:        matcher,
		queue:          queue,
		writebackDelay: DefaultWritebackDelay,
		log:            logging.WithComponent("offline"),
	}
}

// SetOfflineSync toggles the per-folder offline_sync flag (spec §4.F).
func (f *Folder) SetOfflineSync(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offlineSync = enabled
}

// SetStaySynchronizedCheck installs the store-level stay_synchronized
// setting, consulted alongside the per-folder flag.
func (f *Folder) SetStaySynchronizedCheck(check func() bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staySynchronized = check
}

// SetWritebackDelay overrides the store-changes coalescing interval.
func (f *Folder) SetWritebackDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writebackDelay = d
}

func (f *Folder) wantsAutoDownsync() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offlineSync {
		return true
	}
	return f.staySynchronized != nil && f.staySynchronized()
}

// Watch subscribes to backing's change bus. While the folder is frozen,
// changebus.Signal itself defers delivery until thaw and merges
// intervening changes, so no separate frozen/pending-intent bookkeeping
// is needed here: the handler below only ever observes the coalesced
// change-set, already in the shape §4.F's "reschedule on thaw" describes.
func (f *Folder) Watch() {
	f.mu.Lock()
	if f.unsubscribe != nil {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	unsubscribe := f.backing.Changes().Subscribe(f.onChanged)
	f.mu.Lock()
	f.unsubscribe = unsubscribe
	f.mu.Unlock()
}

// Stop unsubscribes from backing and cancels any pending write-back.
func (f *Folder) Stop() {
	f.mu.Lock()
	if f.unsubscribe != nil {
		f.unsubscribe()
		f.unsubscribe = nil
	}
	if f.pendingWriteback != nil {
		f.pendingWriteback.Stop()
		f.pendingWriteback = nil
	}
	f.mu.Unlock()
}

func (f *Folder) onChanged(ci *changebus.ChangeInfo) {
	if len(ci.AddedUIDs) > 0 && f.wantsAutoDownsync() {
		f.submitDownsyncNew(append([]string(nil), ci.AddedUIDs...))
	}
	if len(ci.ChangedUIDs) > 0 {
		f.scheduleWriteback()
	}
}

// downsyncResource and writebackResource are distinct job-queue resource
// keys for the same folder: an in-flight auto-downsync must never cause a
// concurrent write-back request to be silently dropped by the queue's
// per-resource single-flight rule (and vice versa).
func (f *Folder) downsyncResource() string  { return f.name + ":downsync" }
func (f *Folder) writebackResource() string { return f.name + ":writeback" }

// submitDownsyncNew runs the auto-downsync job of spec §4.F's first bullet:
// synchronize_message once per newly-added uid, in order, with percent
// progress.
func (f *Folder) submitDownsyncNew(uids []string) {
	description := fmt.Sprintf("Checking download of new messages for offline in '%s'", f.name)
	f.submitJob(f.downsyncResource(), description, func(ctx context.Context, report jobqueue.ProgressFunc) error {
		total := len(uids)
		for i, uid := range uids {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := f.sync.SynchronizeMessage(ctx, uid); err != nil {
				return err
			}
			report(jobqueue.Progress{Description: description, Done: i + 1, Total: total})
		}
		return nil
	})
}

// scheduleWriteback debounces a synchronize(expunge=false) job: a new
// write-back request arriving before the delay elapses cancels and
// restarts the timer, so only the last request in a burst actually runs.
func (f *Folder) scheduleWriteback() {
	f.mu.Lock()
	delay := f.writebackDelay
	if f.pendingWriteback != nil {
		f.pendingWriteback.Stop()
	}
	f.pendingWriteback = time.AfterFunc(delay, f.runWriteback)
	f.mu.Unlock()
}

func (f *Folder) runWriteback() {
	f.mu.Lock()
	f.pendingWriteback = nil
	f.mu.Unlock()

	description := fmt.Sprintf("Writing back changes in folder '%s'", f.name)
	f.submitJob(f.writebackResource(), description, func(ctx context.Context, report jobqueue.ProgressFunc) error {
		report(jobqueue.Progress{Description: description, Done: 0, Total: 1})
		if err := f.sync.Synchronize(ctx, false); err != nil {
			return err
		}
		report(jobqueue.Progress{Description: description, Done: 1, Total: 1})
		return nil
	})
}

// Downsync scans backing, optionally restricted to expression, computes
// which of those uids have no local offline copy yet, and synchronizes
// each in order with percent progress — spec §4.F's on-demand operation,
// distinct from the automatic one onChanged triggers.
func (f *Folder) Downsync(ctx context.Context, expression string) error {
	description := fmt.Sprintf("Syncing messages in folder '%s' to disk", f.name)
	return f.runJob(ctx, f.downsyncResource(), description, func(ctx context.Context, report jobqueue.ProgressFunc) error {
		uids, err := f.backing.ListUIDs(ctx)
		if err != nil {
			return err
		}
		if expression != "" && f.matcher != nil {
			uids, err = f.matcher.MatchCandidates(ctx, f.backing, expression, uids)
			if err != nil {
				return err
			}
		}

		var uncached []string
		for _, uid := range uids {
			cached, err := f.sync.IsCachedLocally(ctx, uid)
			if err != nil {
				return err
			}
			if !cached {
				uncached = append(uncached, uid)
			}
		}

		total := len(uncached)
		for i, uid := range uncached {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := f.sync.SynchronizeMessage(ctx, uid); err != nil {
				return err
			}
			report(jobqueue.Progress{Description: description, Done: i + 1, Total: total})
		}
		return nil
	})
}

// submitJob fires fn through the job queue (or inline, with a background
// context, if none is wired) without waiting for completion. resource keys
// the job queue's per-resource single-flight slot; downsync and write-back
// use distinct keys so one never silently swallows the other.
func (f *Folder) submitJob(resource, description string, fn jobqueue.Func) {
	if f.queue == nil {
		go func() {
			if err := fn(context.Background(), func(jobqueue.Progress) {}); err != nil {
				f.log.Warn().Err(err).Str("folder", f.name).Str("job", description).Msg("offline job failed")
			}
		}()
		return
	}
	f.queue.Submit(resource, description, fn)
}

// runJob is submitJob's synchronous counterpart, for callers (Downsync)
// that want to observe the result.
func (f *Folder) runJob(ctx context.Context, resource, description string, fn jobqueue.Func) error {
	if f.queue == nil {
		return fn(ctx, func(jobqueue.Progress) {})
	}
	handle, _ := f.queue.Submit(resource, description, fn)
	return handle.Wait()
}
