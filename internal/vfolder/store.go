package vfolder

import (
	"context"
	"sync"

	"github.com/hkdb/pimcore/internal/jobqueue"
	"github.com/hkdb/pimcore/internal/logging"
	"github.com/hkdb/pimcore/internal/msgcache"
	"github.com/hkdb/pimcore/internal/summary"
	"github.com/rs/zerolog"
)

// Store groups the virtual folders sharing one backing-folder namespace
// and one Unmatched folder, mirroring camel-vee-store.c. Every Folder
// created through NewFolder participates in the shared subfolder-usage
// and vuid-usage bookkeeping that drives Unmatched membership (I7).
type Store struct {
	mu sync.Mutex

	cache *msgcache.Cache
	queue *jobqueue.Queue
	store *summary.Store
	log   zerolog.Logger

	folders map[string]*Folder

	subfolderUsage map[string]int
	vuidUsage      map[string]int

	unmatched        *Folder
	unmatchedEnabled bool
}

// NewStore returns a Store with Unmatched enabled by default, matching
// camel_vee_store_init's unmatched_enabled = TRUE. Every virtual folder
// registered under it, Unmatched included, persists its materialized rows
// through the same summary.Store.
func NewStore(cache *msgcache.Cache, queue *jobqueue.Queue, store *summary.Store) *Store {
	s := &Store{
		cache:            cache,
		queue:            queue,
		store:            store,
		log:              logging.WithComponent("vfolder-store"),
		folders:          make(map[string]*Folder),
		subfolderUsage:   make(map[string]int),
		vuidUsage:        make(map[string]int),
		unmatchedEnabled: true,
	}
	s.unmatched = newFolder(s, UnmatchedFolderName, cache, queue, nil)
	s.unmatched.isUnmatched = true
	s.unmatched.store = store
	s.folders[UnmatchedFolderName] = s.unmatched
	return s
}

// NewFolder creates and registers a non-Unmatched virtual folder under
// this store, using the store's shared summary.Store for its own
// matched-row persistence and matcher for expression evaluation.
func (s *Store) NewFolder(name string, matcher Matcher) *Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := newFolder(s, name, s.cache, s.queue, matcher)
	f.store = s.store
	s.folders[name] = f
	return f
}

// Folder returns the named virtual folder registered with this store.
func (s *Store) Folder(name string) (*Folder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[name]
	return f, ok
}

// Unmatched returns the store's Unmatched folder, or nil if disabled.
func (s *Store) Unmatched() *Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unmatchedEnabled {
		return nil
	}
	return s.unmatched
}

// SetUnmatchedEnabled toggles Unmatched membership tracking. Disabling
// emits a synthetic folder-deleted notice (via onDeleted); enabling emits
// folder-created (via onCreated) and triggers a full rebuild scan.
func (s *Store) SetUnmatchedEnabled(ctx context.Context, enabled bool, onCreated, onDeleted func()) error {
	s.mu.Lock()
	if s.unmatchedEnabled == enabled {
		s.mu.Unlock()
		return nil
	}
	s.unmatchedEnabled = enabled
	s.mu.Unlock()

	if enabled {
		if onCreated != nil {
			onCreated()
		}
		return s.RebuildUnmatched(ctx)
	}
	if onDeleted != nil {
		onDeleted()
	}
	return nil
}

// noteSubfolderUsed increments the shared usage counter for a backing
// folder identity, the way multiple virtual folders sharing a subfolder
// keep it alive for as long as any of them references it. Reports true on
// the 0→1 transition, when Unmatched should start watching it directly.
func (s *Store) noteSubfolderUsed(identity string) (firstUse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.subfolderUsage[identity]
	s.subfolderUsage[identity] = before + 1
	return before == 0
}

// noteSubfolderUnused is noteSubfolderUsed's inverse; reports true on the
// 1→0 transition, when Unmatched should stop watching it.
func (s *Store) noteSubfolderUnused(identity string) (lastUse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.subfolderUsage[identity]
	if before == 0 {
		return false
	}
	after := before - 1
	if after == 0 {
		delete(s.subfolderUsage, identity)
	} else {
		s.subfolderUsage[identity] = after
	}
	return after == 0
}

// forgetVuid drops vuid's usage counter without notifying Unmatched — used
// when the underlying message was destroyed outright rather than merely
// stopping to match some virtual folder's expression.
func (s *Store) forgetVuid(vuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vuidUsage, vuid)
}

// noteVuidUsed records that a non-Unmatched virtual folder now matches
// vuid. On the 0→1 transition Unmatched no longer contains vuid (I7); the
// caller is returned true so it can emit the remove on Unmatched's own
// summary.
func (s *Store) noteVuidUsed(vuid string) (transitionedToUsed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.vuidUsage[vuid]
	s.vuidUsage[vuid] = before + 1
	return before == 0
}

// noteVuidUnused is noteVuidUsed's inverse: on the 1→0 transition,
// Unmatched gains vuid back.
func (s *Store) noteVuidUnused(vuid string) (transitionedToUnused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.vuidUsage[vuid]
	if before == 0 {
		return false
	}
	after := before - 1
	if after == 0 {
		delete(s.vuidUsage, vuid)
	} else {
		s.vuidUsage[vuid] = after
	}
	return after == 0
}

func (s *Store) vuidUsageCount(vuid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vuidUsage[vuid]
}

// RebuildUnmatched repopulates Unmatched from scratch: every uid of every
// subfolder Unmatched already watches (those referenced by some sibling
// virtual folder) whose vuid usage counter is zero is added. No subfolder
// is registered on Unmatched here. Invoked on enable or after bulk
// changes per §4.E.
func (s *Store) RebuildUnmatched(ctx context.Context) error {
	unmatched := s.Unmatched()
	if unmatched == nil {
		return nil
	}
	// vuidUsage only records vuids with usage > 0; everything absent from
	// it is implicitly at zero and thus Unmatched-eligible, so the rebuild
	// walks the watched subfolders' own listings rather than this map.
	return unmatched.rebuildUnmatchedFromCache(ctx)
}
