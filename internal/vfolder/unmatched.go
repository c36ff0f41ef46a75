package vfolder

import (
	"context"

	"github.com/hkdb/pimcore/internal/changebus"
	"github.com/hkdb/pimcore/internal/msgcache"
	"github.com/hkdb/pimcore/internal/summary"
)

// addRawSubfolder subscribes Unmatched directly to sub's change bus
// without running any expression evaluation — Unmatched's own membership
// is driven entirely by vuid-usage transitions reported by sibling
// folders (onVuidBecameUnmatched / onVuidNoLongerUnmatched). Unmatched
// only needs the subscription to learn about true deletions (ci.uid_removed).
func (u *Folder) addRawSubfolder(sub BackingFolder) {
	u.mu.Lock()
	for _, sl := range u.subfolders {
		if sl.folder.Identity() == sub.Identity() {
			u.mu.Unlock()
			return
		}
	}
	unsubscribe := sub.Changes().Subscribe(func(ci *changebus.ChangeInfo) {
		u.onSubfolderChanged(sub, ci)
	})
	u.subfolders = append(u.subfolders, &subfolderLink{folder: sub, unsubscribe: unsubscribe})
	u.mu.Unlock()
}

// removeRawSubfolder is addRawSubfolder's inverse, called once no
// non-Unmatched virtual folder references sub any longer. Any rows
// Unmatched still holds from sub are dropped with a best-effort
// background context, mirroring a GObject signal handler disconnecting
// outside of any particular caller's transaction.
func (u *Folder) removeRawSubfolder(sub BackingFolder) {
	u.mu.Lock()
	idx := -1
	for i, sl := range u.subfolders {
		if sl.folder.Identity() == sub.Identity() {
			idx = i
			break
		}
	}
	if idx == -1 {
		u.mu.Unlock()
		return
	}
	link := u.subfolders[idx]
	u.subfolders = append(u.subfolders[:idx], u.subfolders[idx+1:]...)

	var toRemove []string
	for vuid, mi := range u.present {
		if mi.Subfolder.Identity == sub.Identity() {
			toRemove = append(toRemove, vuid)
			delete(u.present, vuid)
		}
	}
	u.mu.Unlock()

	link.unsubscribe()

	if len(toRemove) == 0 {
		return
	}
	ci := changebus.New()
	for _, vuid := range toRemove {
		if mi, ok := u.cache.GetByVuid(vuid); ok {
			if mi.Unref() == 0 {
				u.cache.Remove(mi)
			}
		}
		ci.Remove(vuid)
	}
	ctx := context.Background()
	if err := u.store.DeleteVFolderUIDs(ctx, u.name, toRemove); err != nil {
		u.log.Error().Err(err).Msg("failed to drop stale unmatched rows for removed subfolder")
	}
	u.changes.Emit(ci)
}

// onVuidNoLongerUnmatched removes vuid from Unmatched on the 0→1 usage
// transition: some other virtual folder now claims it.
func (u *Folder) onVuidNoLongerUnmatched(ctx context.Context, vuid string) error {
	u.mu.Lock()
	mi, present := u.present[vuid]
	if present {
		delete(u.present, vuid)
	}
	u.mu.Unlock()
	if !present {
		return nil
	}

	if mi.Unref() == 0 {
		u.cache.Remove(mi)
	}
	if err := u.store.DeleteVFolderUIDs(ctx, u.name, []string{vuid}); err != nil {
		return err
	}
	ci := changebus.New()
	ci.Remove(vuid)
	u.changes.Emit(ci)
	return nil
}

// onVuidBecameUnmatched adds vuid to Unmatched on the 1→0 usage
// transition: no virtual folder claims it any longer, but the message
// still exists at (subfolderIdentity, sourceUID).
func (u *Folder) onVuidBecameUnmatched(ctx context.Context, vuid, subfolderIdentity, sourceUID string, backingInfo summary.MessageInfo) error {
	u.mu.Lock()
	_, present := u.present[vuid]
	u.mu.Unlock()
	if present {
		return nil
	}

	mi := u.cache.Get(subfolderIdentity, sourceUID)
	mi.Ref()
	u.mu.Lock()
	u.present[vuid] = mi
	u.mu.Unlock()

	row := backingInfo
	row.UID = vuid
	if err := u.store.WriteFreshMessageInfo(ctx, u.name, row, ""); err != nil {
		return err
	}
	ci := changebus.New()
	ci.Add(vuid)
	u.changes.Emit(ci)
	return nil
}

// rebuildUnmatchedFromCache repopulates Unmatched from scratch. Its current
// rows are dropped, then every uid in every watched subfolder (every
// subfolder referenced by a sibling virtual folder, via addRawSubfolder)
// whose vuid usage counter is zero is re-added. The scan walks the watched
// subfolders' own listings rather than the shared cache, since a uid that
// has never matched any sibling expression may never have been cached.
func (u *Folder) rebuildUnmatchedFromCache(ctx context.Context) error {
	if u.vstore == nil {
		return nil
	}

	u.mu.Lock()
	stale := make([]string, 0, len(u.present))
	for vuid := range u.present {
		stale = append(stale, vuid)
	}
	for _, vuid := range stale {
		if mi := u.present[vuid]; mi.Unref() == 0 {
			u.cache.Remove(mi)
		}
		delete(u.present, vuid)
	}
	subs := append([]*subfolderLink(nil), u.subfolders...)
	u.mu.Unlock()

	if len(stale) > 0 {
		if err := u.store.DeleteVFolderUIDs(ctx, u.name, stale); err != nil {
			return err
		}
	}

	ci := changebus.New()
	for _, vuid := range stale {
		ci.Remove(vuid)
	}

	for _, sl := range subs {
		sub := sl.folder
		uids, err := sub.ListUIDs(ctx)
		if err != nil {
			return err
		}
		for _, uid := range uids {
			vuid := msgcache.BuildVuid(sub.Identity(), uid)
			if u.vstore.vuidUsageCount(vuid) != 0 {
				continue
			}
			backingInfo, found, err := sub.MessageInfo(ctx, uid)
			if err != nil {
				return err
			}
			if !found {
				continue
			}

			mi := u.cache.Get(sub.Identity(), uid)
			mi.Ref()
			row := backingInfo
			row.UID = vuid
			if err := u.store.WriteFreshMessageInfo(ctx, u.name, row, ""); err != nil {
				return err
			}
			u.mu.Lock()
			u.present[vuid] = mi
			u.mu.Unlock()
			ci.Add(vuid)
		}
	}

	u.changes.Emit(ci)
	return nil
}
