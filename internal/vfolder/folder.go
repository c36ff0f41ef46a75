package vfolder

import (
	"context"
	"sync"

	"github.com/hkdb/pimcore/internal/changebus"
	"github.com/hkdb/pimcore/internal/jobqueue"
	"github.com/hkdb/pimcore/internal/logging"
	"github.com/hkdb/pimcore/internal/msgcache"
	"github.com/hkdb/pimcore/internal/summary"
	"github.com/rs/zerolog"
)

type subfolderLink struct {
	folder      BackingFolder
	unsubscribe func()
}

// Folder is one virtual folder: a materialized view over its subfolders'
// messages, persisted through its own row in the shared summary store
// under the vuid it assigns each matched message. Mirrors CamelVeeFolder.
type Folder struct {
	vstore      *Store
	name        string
	isUnmatched bool

	cache   *msgcache.Cache
	queue   *jobqueue.Queue
	matcher Matcher
	store   *summary.Store

	changes *changebus.Signal

	mu          sync.Mutex
	subfolders  []*subfolderLink
	autoUpdate  bool
	expression  string
	freezeDepth int
	present     map[string]*msgcache.MessageInfoData // vuid -> cache record

	changeMu        sync.Mutex
	ignoreChanged   map[string]bool
	skippedChanges  map[string]*changebus.ChangeInfo
	changeQueue     []queuedChange
	changeQueueBusy bool

	log zerolog.Logger
}

type queuedChange struct {
	subfolder BackingFolder
	ci        *changebus.ChangeInfo
}

func newFolder(vstore *Store, name string, cache *msgcache.Cache, queue *jobqueue.Queue, matcher Matcher) *Folder {
	return &Folder{
		vstore:         vstore,
		name:           name,
		cache:          cache,
		queue:          queue,
		matcher:        matcher,
		autoUpdate:     true,
		changes:        changebus.NewSignal(),
		present:        make(map[string]*msgcache.MessageInfoData),
		ignoreChanged:  make(map[string]bool),
		skippedChanges: make(map[string]*changebus.ChangeInfo),
		log:            logging.WithComponent("vfolder"),
	}
}

// Name returns the virtual folder's name.
func (f *Folder) Name() string { return f.name }

// Changes returns the folder's own change bus, for subscribers (another
// virtual folder treating this one as a subfolder, or the offline
// controller).
func (f *Folder) Changes() *changebus.Signal { return f.changes }

// Identity satisfies BackingFolder so a virtual folder can itself be used
// as a subfolder of another.
func (f *Folder) Identity() string { return f.name }

// ListUIDs returns every vuid currently materialized in this folder.
func (f *Folder) ListUIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.present))
	for vuid := range f.present {
		out = append(out, vuid)
	}
	return out, nil
}

// MessageInfo satisfies BackingFolder.
func (f *Folder) MessageInfo(ctx context.Context, uid string) (summary.MessageInfo, bool, error) {
	return f.store.ReadMessageInfoRecord(ctx, f.name, uid)
}

func (f *Folder) currentExpression() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expression
}

func (f *Folder) snapshotSubfolders() []*subfolderLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*subfolderLink, len(f.subfolders))
	copy(out, f.subfolders)
	return out
}

// SetExpression changes the saved-search expression and, if it actually
// changed, rebuilds the folder from scratch over every subfolder.
func (f *Folder) SetExpression(ctx context.Context, expr string) error {
	f.mu.Lock()
	if f.expression == expr {
		f.mu.Unlock()
		return nil
	}
	f.expression = expr
	f.mu.Unlock()

	for _, sl := range f.snapshotSubfolders() {
		if err := f.RebuildFolder(ctx, sl.folder); err != nil {
			return err
		}
	}
	return nil
}

// AddFolder subscribes to subfolder's change bus, propagates any
// outstanding freeze count, registers subfolder usage with the enclosing
// store, and rebuilds the folder's view of it.
func (f *Folder) AddFolder(ctx context.Context, sub BackingFolder) error {
	f.mu.Lock()
	for _, sl := range f.subfolders {
		if sl.folder.Identity() == sub.Identity() {
			f.mu.Unlock()
			return nil
		}
	}
	unsubscribe := sub.Changes().Subscribe(func(ci *changebus.ChangeInfo) {
		f.onSubfolderChanged(sub, ci)
	})
	f.subfolders = append(f.subfolders, &subfolderLink{folder: sub, unsubscribe: unsubscribe})
	depth := f.freezeDepth
	f.mu.Unlock()

	for i := 0; i < depth; i++ {
		sub.Changes().Freeze()
	}

	if f.vstore != nil && !f.isUnmatched {
		if f.vstore.noteSubfolderUsed(sub.Identity()) {
			if u := f.vstore.Unmatched(); u != nil {
				u.addRawSubfolder(sub)
			}
		}
	}
	f.cache.AddSubfolder(sub.Identity())

	return f.RebuildFolder(ctx, sub)
}

// RemoveFolder unsubscribes from subfolder, undoes freeze propagation,
// sweeps the folder's summary for rows originating there, and emits their
// removal.
func (f *Folder) RemoveFolder(ctx context.Context, sub BackingFolder) error {
	f.mu.Lock()
	idx := -1
	for i, sl := range f.subfolders {
		if sl.folder.Identity() == sub.Identity() {
			idx = i
			break
		}
	}
	if idx == -1 {
		f.mu.Unlock()
		return nil
	}
	link := f.subfolders[idx]
	f.subfolders = append(f.subfolders[:idx], f.subfolders[idx+1:]...)
	depth := f.freezeDepth

	var toRemove []*msgcache.MessageInfoData
	for vuid, mi := range f.present {
		if mi.Subfolder.Identity == sub.Identity() {
			toRemove = append(toRemove, mi)
			delete(f.present, vuid)
		}
	}
	f.mu.Unlock()

	link.unsubscribe()
	for i := 0; i < depth; i++ {
		sub.Changes().Thaw()
	}

	// Once no sibling references sub, Unmatched stops watching it (I7), so
	// released vuids from sub must not be handed to Unmatched below.
	lastUse := false
	if f.vstore != nil && !f.isUnmatched {
		if f.vstore.noteSubfolderUnused(sub.Identity()) {
			lastUse = true
			if u := f.vstore.Unmatched(); u != nil {
				u.removeRawSubfolder(sub)
			}
		}
	}
	f.cache.RemoveSubfolder(sub.Identity())

	if len(toRemove) == 0 {
		return nil
	}

	ci := changebus.New()
	vuids := make([]string, len(toRemove))
	for i, mi := range toRemove {
		vuid := mi.Vuid
		vuids[i] = vuid
		backingInfo, found, err := sub.MessageInfo(ctx, mi.SourceUID)
		if err != nil {
			return err
		}
		if err := f.releaseVuidMatchLoss(ctx, sub, mi.SourceUID, vuid, backingInfo, found && !lastUse); err != nil {
			return err
		}
		ci.Remove(vuid)
	}
	if err := f.store.DeleteVFolderUIDs(ctx, f.name, vuids); err != nil {
		return err
	}
	f.changes.Emit(ci)
	return nil
}

// SetFolders diffs old against new by identity: subfolders dropped from
// new are removed, subfolders gained are added.
func (f *Folder) SetFolders(ctx context.Context, newSet []BackingFolder) error {
	wanted := make(map[string]BackingFolder, len(newSet))
	for _, bf := range newSet {
		wanted[bf.Identity()] = bf
	}

	for _, sl := range f.snapshotSubfolders() {
		if _, ok := wanted[sl.folder.Identity()]; !ok {
			if err := f.RemoveFolder(ctx, sl.folder); err != nil {
				return err
			}
		}
	}

	current := make(map[string]bool)
	for _, sl := range f.snapshotSubfolders() {
		current[sl.folder.Identity()] = true
	}
	for _, bf := range newSet {
		if !current[bf.Identity()] {
			if err := f.AddFolder(ctx, bf); err != nil {
				return err
			}
		}
	}
	return nil
}

// RebuildFolder evaluates the current expression over the whole of
// subfolder and reconciles this folder's materialized rows to match.
func (f *Folder) RebuildFolder(ctx context.Context, subfolder BackingFolder) error {
	expr := f.currentExpression()

	candidates, err := subfolder.ListUIDs(ctx)
	if err != nil {
		return err
	}

	var matched []string
	if expr != "" && f.matcher != nil {
		matched, err = f.matcher.MatchAll(ctx, subfolder, expr)
		if err != nil {
			return err
		}
	}

	return f.reconcileAndEmit(ctx, subfolder, candidates, matched)
}

// SearchByExpression delegates to the matcher over this folder's own
// materialized rows (it has no independent backing-folder listing).
func (f *Folder) SearchByExpression(ctx context.Context, expr string) ([]string, error) {
	if f.matcher == nil {
		return nil, nil
	}
	return f.matcher.MatchAll(ctx, f, expr)
}

// SearchByUIDs restricts a search to a candidate set of this folder's own
// vuids.
func (f *Folder) SearchByUIDs(ctx context.Context, expr string, uids []string) ([]string, error) {
	if f.matcher == nil {
		return nil, nil
	}
	return f.matcher.MatchCandidates(ctx, f, expr, uids)
}

// CountByExpression reports how many of this folder's own rows match expr.
func (f *Folder) CountByExpression(ctx context.Context, expr string) (int, error) {
	matched, err := f.SearchByExpression(ctx, expr)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// IgnoreNextChangedEvent arranges for the next changed(ci) from subfolder
// to be folded into skipped_changes instead of processed immediately —
// used when this virtual folder itself caused the pending backing-folder
// change and would otherwise reprocess its own write.
func (f *Folder) IgnoreNextChangedEvent(identity string) {
	f.changeMu.Lock()
	defer f.changeMu.Unlock()
	f.ignoreChanged[identity] = true
}

// RemoveFromIgnore cancels a pending IgnoreNextChangedEvent for identity.
func (f *Folder) RemoveFromIgnore(identity string) {
	f.changeMu.Lock()
	defer f.changeMu.Unlock()
	delete(f.ignoreChanged, identity)
}
