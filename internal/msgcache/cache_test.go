package msgcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetInsertsOnceAndReturnsSameRecord(t *testing.T) {
	c := New()
	c.AddSubfolder("account1/Inbox")

	a := c.Get("account1/Inbox", "101")
	b := c.Get("account1/Inbox", "101")
	require.Same(t, a, b)
	require.Equal(t, 0, a.Refcount(), "Get never takes a reference on its own")

	a.Ref()
	require.Equal(t, 1, a.Refcount())
}

func TestVuidUniquenessAcrossSubfolders(t *testing.T) {
	c := New()
	c.AddSubfolder("account1/Inbox")
	c.AddSubfolder("account1/Archive")

	a := c.Get("account1/Inbox", "1")
	b := c.Get("account1/Archive", "1")
	require.NotEqual(t, a.Vuid, b.Vuid)
}

func TestVuidRoundTrip(t *testing.T) {
	c := New()
	c.AddSubfolder("account1/Inbox")

	mi := c.Get("account1/Inbox", "42")

	identity, uid, ok := c.ResolveVuid(mi.Vuid)
	require.True(t, ok)
	require.Equal(t, "account1/Inbox", identity)
	require.Equal(t, "42", uid)
}

func TestGetByVuidDoesNotInsert(t *testing.T) {
	c := New()
	_, ok := c.GetByVuid(BuildVuid("account1/Inbox", "1"))
	require.False(t, ok)
}

func TestRemoveEvictsBothIndexes(t *testing.T) {
	c := New()
	c.AddSubfolder("account1/Inbox")
	mi := c.Get("account1/Inbox", "1")

	c.Remove(mi)

	require.False(t, c.Contains("account1/Inbox", "1"))
	_, ok := c.GetByVuid(mi.Vuid)
	require.False(t, ok)
}

func TestForeachMessageInfoDataScopedToSubfolder(t *testing.T) {
	c := New()
	c.AddSubfolder("account1/Inbox")
	c.AddSubfolder("account1/Archive")
	c.Get("account1/Inbox", "1")
	c.Get("account1/Inbox", "2")
	c.Get("account1/Archive", "1")

	var seen []string
	c.ForeachMessageInfoData("account1/Inbox", func(mi *MessageInfoData) {
		seen = append(seen, mi.SourceUID)
	})
	require.ElementsMatch(t, []string{"1", "2"}, seen)
}

func TestRemoveSubfolderDropsHashRecoveryAtZero(t *testing.T) {
	c := New()
	c.AddSubfolder("account1/Inbox")
	c.AddSubfolder("account1/Inbox")

	c.RemoveSubfolder("account1/Inbox")
	_, _, ok := c.ResolveVuid(BuildVuid("account1/Inbox", "1"))
	require.True(t, ok, "still registered after one of two removes")

	c.RemoveSubfolder("account1/Inbox")
	_, _, ok = c.ResolveVuid(BuildVuid("account1/Inbox", "1"))
	require.False(t, ok, "unregistered after matching removes")
}
