package changebus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChangeInfoCatAssociativeCommutative(t *testing.T) {
	a := New()
	a.Add("1")
	a.Remove("2")

	b := New()
	b.Change("3")
	b.Recent("4")

	c := New()
	c.Add("5")

	left := a.Clone()
	left.Cat(b)
	left.Cat(c)

	right := a.Clone()
	bc := b.Clone()
	bc.Cat(c)
	right.Cat(bc)

	require.ElementsMatch(t, left.AddedUIDs, right.AddedUIDs)
	require.ElementsMatch(t, left.RemovedUIDs, right.RemovedUIDs)
	require.ElementsMatch(t, left.ChangedUIDs, right.ChangedUIDs)
	require.ElementsMatch(t, left.RecentUIDs, right.RecentUIDs)

	swapped := c.Clone()
	swapped.Cat(b)
	swapped.Cat(a)

	require.ElementsMatch(t, left.AddedUIDs, swapped.AddedUIDs)
	require.ElementsMatch(t, left.RemovedUIDs, swapped.RemovedUIDs)
	require.ElementsMatch(t, left.ChangedUIDs, swapped.ChangedUIDs)
	require.ElementsMatch(t, left.RecentUIDs, swapped.RecentUIDs)
}

func TestChangeInfoChangedInvariant(t *testing.T) {
	ci := New()
	require.False(t, ci.Changed())

	ci.Add("1")
	require.True(t, ci.Changed())

	ci.Clear()
	require.False(t, ci.Changed())
}

func TestSignalFreezeThawAccumulates(t *testing.T) {
	sig := NewSignal()

	var received []*ChangeInfo
	sig.Subscribe(func(ci *ChangeInfo) {
		received = append(received, ci)
	})

	sig.Freeze()
	sig.Emit(&ChangeInfo{AddedUIDs: []string{"a"}})
	sig.Emit(&ChangeInfo{RemovedUIDs: []string{"b"}})
	require.Empty(t, received, "no broadcast while frozen")

	sig.Thaw()
	require.Len(t, received, 1)
	require.ElementsMatch(t, []string{"a"}, received[0].AddedUIDs)
	require.ElementsMatch(t, []string{"b"}, received[0].RemovedUIDs)
}

func TestSignalEmitEmptyIsNoop(t *testing.T) {
	sig := NewSignal()
	called := false
	sig.Subscribe(func(ci *ChangeInfo) { called = true })
	sig.Emit(New())
	require.False(t, called)
}

func TestSignalNestedFreeze(t *testing.T) {
	sig := NewSignal()
	var received []*ChangeInfo
	sig.Subscribe(func(ci *ChangeInfo) { received = append(received, ci) })

	sig.Freeze()
	sig.Freeze()
	sig.Emit(&ChangeInfo{AddedUIDs: []string{"a"}})
	sig.Thaw()
	require.Empty(t, received, "still frozen at depth 1")

	sig.Thaw()
	require.Len(t, received, 1)
}
