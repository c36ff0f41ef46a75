package vfolder

import (
	"context"
	"sync"
	"testing"

	"github.com/hkdb/pimcore/internal/changebus"
	"github.com/hkdb/pimcore/internal/db"
	"github.com/hkdb/pimcore/internal/msgcache"
	"github.com/hkdb/pimcore/internal/summary"
	"github.com/stretchr/testify/require"
)

// fakeFolder is a minimal in-memory BackingFolder used to drive the vfolder
// engine without a real protocol-backed folder.
type fakeFolder struct {
	identity string
	changes  *changebus.Signal

	mu   sync.Mutex
	rows map[string]summary.MessageInfo
}

func newFakeFolder(identity string) *fakeFolder {
	return &fakeFolder{
		identity: identity,
		changes:  changebus.NewSignal(),
		rows:     make(map[string]summary.MessageInfo),
	}
}

func (f *fakeFolder) Identity() string          { return f.identity }
func (f *fakeFolder) Changes() *changebus.Signal { return f.changes }

func (f *fakeFolder) ListUIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.rows))
	for uid := range f.rows {
		out = append(out, uid)
	}
	return out, nil
}

func (f *fakeFolder) MessageInfo(ctx context.Context, uid string) (summary.MessageInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mi, ok := f.rows[uid]
	return mi, ok, nil
}

// put inserts or updates a message and, if the folder already has an open
// signal subscriber, emits the corresponding change.
func (f *fakeFolder) put(uid string, mi summary.MessageInfo, emitAdd bool) {
	f.mu.Lock()
	_, existed := f.rows[uid]
	f.rows[uid] = mi
	f.mu.Unlock()

	ci := changebus.New()
	if existed {
		ci.Change(uid)
	} else if emitAdd {
		ci.Add(uid)
	}
	if ci.Changed() {
		f.changes.Emit(ci)
	}
}

func (f *fakeFolder) drop(uid string) {
	f.mu.Lock()
	delete(f.rows, uid)
	f.mu.Unlock()

	ci := changebus.New()
	ci.Remove(uid)
	f.changes.Emit(ci)
}

// substringMatcher matches every uid whose Subject contains expr as a
// substring — just enough logic to exercise reconcile/rebuild without
// standing in for any real search grammar.
type substringMatcher struct{}

func (substringMatcher) MatchAll(ctx context.Context, subfolder BackingFolder, expr string) ([]string, error) {
	uids, err := subfolder.ListUIDs(ctx)
	if err != nil {
		return nil, err
	}
	return substringMatcher{}.MatchCandidates(ctx, subfolder, expr, uids)
}

func (substringMatcher) MatchCandidates(ctx context.Context, subfolder BackingFolder, expr string, candidateUIDs []string) ([]string, error) {
	var out []string
	for _, uid := range candidateUIDs {
		mi, found, err := subfolder.MessageInfo(ctx, uid)
		if err != nil {
			return nil, err
		}
		if found && containsSubstring(mi.Subject, expr) {
			out = append(out, uid)
		}
	}
	return out, nil
}

func containsSubstring(s, sub string) bool {
	if sub == "" {
		return true
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func openTestStore(t *testing.T) *summary.Store {
	t.Helper()
	d, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return summary.NewStore(d)
}

func newTestStore(t *testing.T, backing *summary.Store) *Store {
	t.Helper()
	return NewStore(msgcache.New(), nil, backing)
}

func TestAddFolderMaterializesMatchingMessages(t *testing.T) {
	ctx := context.Background()
	backingStore := openTestStore(t)
	require.NoError(t, backingStore.PrepareFolder(ctx, "Inbox"))
	require.NoError(t, backingStore.PrepareFolder(ctx, "Important Mail"))

	vstore := newTestStore(t, backingStore)
	vf := vstore.NewFolder("Important Mail", substringMatcher{})
	require.NoError(t, vf.SetExpression(ctx, "urgent"))

	inbox := newFakeFolder("inbox")
	inbox.put("1", summary.MessageInfo{UID: "1", Subject: "urgent: fix build"}, false)
	inbox.put("2", summary.MessageInfo{UID: "2", Subject: "lunch plans"}, false)

	require.NoError(t, vf.AddFolder(ctx, inbox))

	uids, err := vf.ListUIDs(ctx)
	require.NoError(t, err)
	require.Len(t, uids, 1)
}

func TestChangedUIDTriggersReconcile(t *testing.T) {
	ctx := context.Background()
	backingStore := openTestStore(t)
	require.NoError(t, backingStore.PrepareFolder(ctx, "Inbox"))
	require.NoError(t, backingStore.PrepareFolder(ctx, "Important Mail"))

	vstore := newTestStore(t, backingStore)
	vf := vstore.NewFolder("Important Mail", substringMatcher{})
	require.NoError(t, vf.SetExpression(ctx, "urgent"))

	inbox := newFakeFolder("inbox")
	inbox.put("1", summary.MessageInfo{UID: "1", Subject: "lunch plans"}, false)
	require.NoError(t, vf.AddFolder(ctx, inbox))

	uids, err := vf.ListUIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, uids)

	// no queue wired => onSubfolderChanged drains synchronously.
	inbox.put("1", summary.MessageInfo{UID: "1", Subject: "urgent: lunch plans"}, false)

	uids, err = vf.ListUIDs(ctx)
	require.NoError(t, err)
	require.Len(t, uids, 1)
}

func TestRemovedUIDDropsFromFolder(t *testing.T) {
	ctx := context.Background()
	backingStore := openTestStore(t)
	require.NoError(t, backingStore.PrepareFolder(ctx, "Inbox"))
	require.NoError(t, backingStore.PrepareFolder(ctx, "Important Mail"))

	vstore := newTestStore(t, backingStore)
	vf := vstore.NewFolder("Important Mail", substringMatcher{})
	require.NoError(t, vf.SetExpression(ctx, "urgent"))

	inbox := newFakeFolder("inbox")
	inbox.put("1", summary.MessageInfo{UID: "1", Subject: "urgent: ship it"}, false)
	require.NoError(t, vf.AddFolder(ctx, inbox))

	uids, err := vf.ListUIDs(ctx)
	require.NoError(t, err)
	require.Len(t, uids, 1)

	inbox.drop("1")

	uids, err = vf.ListUIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, uids)
}

func TestUnmatchedGainsMessageWhenNoVFolderClaimsIt(t *testing.T) {
	ctx := context.Background()
	backingStore := openTestStore(t)
	require.NoError(t, backingStore.PrepareFolder(ctx, "Inbox"))
	require.NoError(t, backingStore.PrepareFolder(ctx, "Important Mail"))
	require.NoError(t, backingStore.PrepareFolder(ctx, UnmatchedFolderName))

	vstore := newTestStore(t, backingStore)
	vf := vstore.NewFolder("Important Mail", substringMatcher{})
	require.NoError(t, vf.SetExpression(ctx, "urgent"))

	unmatched := vstore.Unmatched()

	inbox := newFakeFolder("inbox")
	inbox.put("1", summary.MessageInfo{UID: "1", Subject: "lunch plans"}, false)
	inbox.put("2", summary.MessageInfo{UID: "2", Subject: "urgent: ship it"}, false)

	require.NoError(t, vf.AddFolder(ctx, inbox))

	require.NoError(t, vstore.RebuildUnmatched(ctx))

	uUids, err := unmatched.ListUIDs(ctx)
	require.NoError(t, err)
	require.Len(t, uUids, 1)

	// once the vfolder also matches it, Unmatched must give it up (I7).
	inbox.put("1", summary.MessageInfo{UID: "1", Subject: "urgent: lunch plans"}, false)

	uUids, err = unmatched.ListUIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, uUids)
}

func TestRemoveFolderClearsMaterializedRows(t *testing.T) {
	ctx := context.Background()
	backingStore := openTestStore(t)
	require.NoError(t, backingStore.PrepareFolder(ctx, "Inbox"))
	require.NoError(t, backingStore.PrepareFolder(ctx, "Important Mail"))

	vstore := newTestStore(t, backingStore)
	vf := vstore.NewFolder("Important Mail", substringMatcher{})
	require.NoError(t, vf.SetExpression(ctx, "urgent"))

	inbox := newFakeFolder("inbox")
	inbox.put("1", summary.MessageInfo{UID: "1", Subject: "urgent: ship it"}, false)
	require.NoError(t, vf.AddFolder(ctx, inbox))

	uids, err := vf.ListUIDs(ctx)
	require.NoError(t, err)
	require.Len(t, uids, 1)

	require.NoError(t, vf.RemoveFolder(ctx, inbox))

	uids, err = vf.ListUIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, uids)
}

func TestFreezeThawDrainsSkippedChanges(t *testing.T) {
	ctx := context.Background()
	backingStore := openTestStore(t)
	require.NoError(t, backingStore.PrepareFolder(ctx, "Inbox"))
	require.NoError(t, backingStore.PrepareFolder(ctx, "Important Mail"))

	vstore := newTestStore(t, backingStore)
	vf := vstore.NewFolder("Important Mail", substringMatcher{})
	require.NoError(t, vf.SetExpression(ctx, "urgent"))

	inbox := newFakeFolder("inbox")
	inbox.put("1", summary.MessageInfo{UID: "1", Subject: "lunch plans"}, false)
	require.NoError(t, vf.AddFolder(ctx, inbox))

	vf.Freeze()
	inbox.put("1", summary.MessageInfo{UID: "1", Subject: "urgent: lunch plans"}, false)

	uids, err := vf.ListUIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, uids, "change should be held back while frozen")

	require.NoError(t, vf.Thaw(ctx))

	uids, err = vf.ListUIDs(ctx)
	require.NoError(t, err)
	require.Len(t, uids, 1)
}

func TestIgnoreNextChangedEventSkipsOneChange(t *testing.T) {
	ctx := context.Background()
	backingStore := openTestStore(t)
	require.NoError(t, backingStore.PrepareFolder(ctx, "Inbox"))
	require.NoError(t, backingStore.PrepareFolder(ctx, "Important Mail"))

	vstore := newTestStore(t, backingStore)
	vf := vstore.NewFolder("Important Mail", substringMatcher{})
	require.NoError(t, vf.SetExpression(ctx, "urgent"))

	inbox := newFakeFolder("inbox")
	inbox.put("1", summary.MessageInfo{UID: "1", Subject: "lunch plans"}, false)
	require.NoError(t, vf.AddFolder(ctx, inbox))

	vf.IgnoreNextChangedEvent(inbox.Identity())
	inbox.put("1", summary.MessageInfo{UID: "1", Subject: "urgent: lunch plans"}, false)

	uids, err := vf.ListUIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, uids, "the ignored change should be folded into skipped_changes, not processed")
}
