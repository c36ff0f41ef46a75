package vfolder

import (
	"context"
	"fmt"

	"github.com/hkdb/pimcore/internal/changebus"
	"github.com/hkdb/pimcore/internal/jobqueue"
	"github.com/hkdb/pimcore/internal/msgcache"
	"github.com/hkdb/pimcore/internal/summary"
)

func (f *Folder) autoUpdateEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.autoUpdate
}

// SetAutoUpdate toggles whether backing-folder changes are processed
// immediately (true) or merely accumulated into skipped_changes (false).
func (f *Folder) SetAutoUpdate(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoUpdate = enabled
}

// onSubfolderChanged is the handler registered on every subfolder's change
// bus. Per §4.E step 1: a one-shot ignore, or auto_update disabled, defers
// ci into skipped_changes; otherwise it is queued for the draining job.
func (f *Folder) onSubfolderChanged(sub BackingFolder, ci *changebus.ChangeInfo) {
	if ci == nil || !ci.Changed() {
		return
	}
	identity := sub.Identity()

	f.changeMu.Lock()
	if f.ignoreChanged[identity] {
		delete(f.ignoreChanged, identity)
		f.mergeSkippedLocked(identity, ci)
		f.changeMu.Unlock()
		return
	}
	if !f.autoUpdateEnabled() {
		f.mergeSkippedLocked(identity, ci)
		f.changeMu.Unlock()
		return
	}

	f.changeQueue = append(f.changeQueue, queuedChange{subfolder: sub, ci: ci.Clone()})
	busy := f.changeQueueBusy
	f.changeQueueBusy = true
	f.changeMu.Unlock()

	if !busy {
		f.submitDrainJob()
	}
}

// mergeSkippedLocked accumulates ci under identity; callers must hold
// changeMu.
func (f *Folder) mergeSkippedLocked(identity string, ci *changebus.ChangeInfo) {
	existing, ok := f.skippedChanges[identity]
	if !ok {
		existing = changebus.New()
		f.skippedChanges[identity] = existing
	}
	existing.Cat(ci)
}

// submitDrainJob submits the queue-draining job to the session job queue,
// described with the folder's name the way §4.E specifies. With no queue
// wired (e.g. direct unit-test use) it drains synchronously instead.
func (f *Folder) submitDrainJob() {
	if f.queue == nil {
		_ = f.drainChangeQueue(context.Background())
		return
	}
	description := fmt.Sprintf("Updating search folder '%s'", f.name)
	f.queue.Submit(f.name, description, func(ctx context.Context, report jobqueue.ProgressFunc) error {
		return f.drainChangeQueue(ctx)
	})
}

func (f *Folder) drainChangeQueue(ctx context.Context) error {
	for {
		f.changeMu.Lock()
		if len(f.changeQueue) == 0 {
			f.changeQueueBusy = false
			f.changeMu.Unlock()
			return nil
		}
		next := f.changeQueue[0]
		f.changeQueue = f.changeQueue[1:]
		f.changeMu.Unlock()

		if err := f.folderChanged(ctx, next.subfolder, next.ci); err != nil {
			f.log.Error().Err(err).Str("folder", f.name).Msg("virtual folder change processing failed")
		}
	}
}

// folderChanged implements §4.E's four-step change processing for one
// (subfolder, change-set) entry.
func (f *Folder) folderChanged(ctx context.Context, subfolder BackingFolder, ci *changebus.ChangeInfo) error {
	f.Freeze()

	outCi := changebus.New()

	for _, uid := range ci.RemovedUIDs {
		vuid := msgcache.BuildVuid(subfolder.Identity(), uid)

		f.mu.Lock()
		_, present := f.present[vuid]
		if present {
			delete(f.present, vuid)
		}
		f.mu.Unlock()
		if !present {
			continue
		}

		f.releaseVuidDestroyed(vuid)
		outCi.Remove(vuid)
		if err := f.store.DeleteVFolderUIDs(ctx, f.name, []string{vuid}); err != nil {
			_ = f.Thaw(ctx)
			return err
		}
	}

	// Unmatched's own add/remove-due-to-(non-)matching is driven entirely
	// by sibling folders' reconcile calls (onVuidBecameUnmatched /
	// onVuidNoLongerUnmatched); it never evaluates an expression itself.
	if !f.isUnmatched {
		candidates := unionUIDs(ci.AddedUIDs, ci.ChangedUIDs)
		if len(candidates) > 0 {
			expr := f.currentExpression()
			var matched []string
			var err error
			if expr != "" && f.matcher != nil {
				if hasMatchThreads(expr) {
					matched, err = f.matcher.MatchAll(ctx, subfolder, expr)
				} else {
					matched, err = f.matcher.MatchCandidates(ctx, subfolder, expr, candidates)
				}
				if err != nil {
					_ = f.Thaw(ctx)
					return err
				}
			}
			reconcileCi, err := f.reconcile(ctx, subfolder, candidates, matched)
			if err != nil {
				_ = f.Thaw(ctx)
				return err
			}
			outCi.Cat(reconcileCi)
		}
	}

	f.changes.Emit(outCi)
	return f.Thaw(ctx)
}

// reconcile ensures every uid in matched is materialized in this folder's
// own summary and every candidate not in matched is removed, returning
// the accumulated change-set without emitting it (callers choose when).
func (f *Folder) reconcile(ctx context.Context, subfolder BackingFolder, candidates, matched []string) (*changebus.ChangeInfo, error) {
	matchedSet := make(map[string]struct{}, len(matched))
	for _, uid := range matched {
		matchedSet[uid] = struct{}{}
	}

	ci := changebus.New()

	var toRemove []string
	for _, uid := range candidates {
		if _, ok := matchedSet[uid]; ok {
			continue
		}
		vuid := msgcache.BuildVuid(subfolder.Identity(), uid)
		f.mu.Lock()
		_, present := f.present[vuid]
		f.mu.Unlock()
		if present {
			toRemove = append(toRemove, uid)
		}
	}

	for _, uid := range toRemove {
		vuid := msgcache.BuildVuid(subfolder.Identity(), uid)
		backingInfo, found, err := subfolder.MessageInfo(ctx, uid)
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		delete(f.present, vuid)
		f.mu.Unlock()

		if err := f.releaseVuidMatchLoss(ctx, subfolder, uid, vuid, backingInfo, found); err != nil {
			return nil, err
		}
		ci.Remove(vuid)
	}
	if len(toRemove) > 0 {
		vuids := make([]string, len(toRemove))
		for i, uid := range toRemove {
			vuids[i] = msgcache.BuildVuid(subfolder.Identity(), uid)
		}
		if err := f.store.DeleteVFolderUIDs(ctx, f.name, vuids); err != nil {
			return nil, err
		}
	}

	for _, uid := range matched {
		vuid := msgcache.BuildVuid(subfolder.Identity(), uid)

		backingInfo, found, err := subfolder.MessageInfo(ctx, uid)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		row := backingInfo
		row.UID = vuid

		f.mu.Lock()
		_, wasPresent := f.present[vuid]
		f.mu.Unlock()

		if !wasPresent {
			mi := f.cache.Get(subfolder.Identity(), uid)
			mi.Ref()
			f.mu.Lock()
			f.present[vuid] = mi
			f.mu.Unlock()

			if err := f.store.WriteFreshMessageInfo(ctx, f.name, row, ""); err != nil {
				return nil, err
			}
			ci.Add(vuid)

			if f.vstore != nil && !f.isUnmatched {
				if f.vstore.noteVuidUsed(vuid) {
					if u := f.vstore.Unmatched(); u != nil {
						if err := u.onVuidNoLongerUnmatched(ctx, vuid); err != nil {
							return nil, err
						}
					}
				}
			}
			continue
		}

		old, _, err := f.store.ReadMessageInfoRecord(ctx, f.name, vuid)
		if err != nil {
			return nil, err
		}
		if flagsDiffer(old, row) {
			if err := f.store.WriteMessageInfo(ctx, f.name, row, ""); err != nil {
				return nil, err
			}
			ci.Change(vuid)
		}
	}

	return ci, nil
}

// releaseVuidMatchLoss is called when vuid stopped matching this folder's
// expression but the message still exists in subfolder: if this was the
// last non-Unmatched folder referencing it, Unmatched gains it (I7).
func (f *Folder) releaseVuidMatchLoss(ctx context.Context, subfolder BackingFolder, uid, vuid string, backingInfo summary.MessageInfo, backingFound bool) error {
	mi, ok := f.cache.GetByVuid(vuid)
	remaining := -1
	if ok {
		remaining = mi.Unref()
	}

	becameUnmatched := false
	if f.vstore != nil && !f.isUnmatched {
		becameUnmatched = f.vstore.noteVuidUnused(vuid)
	}

	if becameUnmatched && backingFound {
		if u := f.vstore.Unmatched(); u != nil {
			return u.onVuidBecameUnmatched(ctx, vuid, subfolder.Identity(), uid, backingInfo)
		}
	}

	if ok && remaining == 0 {
		f.cache.Remove(mi)
	}
	return nil
}

// releaseVuidDestroyed is called when a backing message is truly gone
// (ci.uid_removed): the vuid is dropped everywhere, never handed to
// Unmatched.
func (f *Folder) releaseVuidDestroyed(vuid string) {
	mi, ok := f.cache.GetByVuid(vuid)
	if f.vstore != nil && !f.isUnmatched {
		f.vstore.forgetVuid(vuid)
	}
	if ok {
		if mi.Unref() == 0 {
			f.cache.Remove(mi)
		}
	}
}

func flagsDiffer(old, new summary.MessageInfo) bool {
	return old.Read != new.Read ||
		old.Deleted != new.Deleted ||
		old.Replied != new.Replied ||
		old.Important != new.Important ||
		old.Junk != new.Junk ||
		old.Flags != new.Flags ||
		old.Dirty != new.Dirty
}

// Freeze guards changed-event emission and propagates to every subfolder
// (plus Unmatched, if this is a non-Unmatched folder under a store).
func (f *Folder) Freeze() {
	f.mu.Lock()
	f.freezeDepth++
	subs := append([]*subfolderLink(nil), f.subfolders...)
	f.mu.Unlock()

	f.changes.Freeze()
	for _, sl := range subs {
		sl.folder.Changes().Freeze()
	}
	if f.vstore != nil && !f.isUnmatched {
		if u := f.vstore.Unmatched(); u != nil {
			u.changes.Freeze()
		}
	}
}

// Thaw undoes one Freeze; at depth 0 it propagates the thaw symmetrically
// and synchronously drains any changes accumulated in skipped_changes
// while auto_update was off or a change was ignored.
func (f *Folder) Thaw(ctx context.Context) error {
	f.mu.Lock()
	if f.freezeDepth > 0 {
		f.freezeDepth--
	}
	depth := f.freezeDepth
	subs := append([]*subfolderLink(nil), f.subfolders...)
	f.mu.Unlock()

	f.changes.Thaw()
	for _, sl := range subs {
		sl.folder.Changes().Thaw()
	}
	if f.vstore != nil && !f.isUnmatched {
		if u := f.vstore.Unmatched(); u != nil {
			u.changes.Thaw()
		}
	}

	if depth != 0 {
		return nil
	}

	f.changeMu.Lock()
	skipped := f.skippedChanges
	f.skippedChanges = make(map[string]*changebus.ChangeInfo)
	f.changeMu.Unlock()

	for identity, ci := range skipped {
		if !ci.Changed() {
			continue
		}
		sub := f.findSubfolder(identity)
		if sub == nil {
			continue
		}
		if err := f.folderChanged(ctx, sub, ci); err != nil {
			return err
		}
	}
	return nil
}

func (f *Folder) findSubfolder(identity string) BackingFolder {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sl := range f.subfolders {
		if sl.folder.Identity() == identity {
			return sl.folder
		}
	}
	return nil
}

// reconcileAndEmit wraps reconcile for callers (RebuildFolder) that want
// the resulting change-set broadcast immediately rather than accumulated
// under an outer Freeze.
func (f *Folder) reconcileAndEmit(ctx context.Context, subfolder BackingFolder, candidates, matched []string) error {
	ci, err := f.reconcile(ctx, subfolder, candidates, matched)
	if err != nil {
		return err
	}
	f.changes.Emit(ci)
	return nil
}
