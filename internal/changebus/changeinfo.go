// Package changebus implements the folder change-set object and the
// freeze/thaw signal that folders use to broadcast uid changes.
package changebus

import "sync"

// ChangeInfo accumulates four ordered sequences of uids describing how a
// folder's contents changed between two observable states.
type ChangeInfo struct {
	AddedUIDs   []string
	RemovedUIDs []string
	ChangedUIDs []string
	RecentUIDs  []string
}

// New returns an empty ChangeInfo.
func New() *ChangeInfo {
	return &ChangeInfo{}
}

// Add records uid as newly present in the folder.
func (c *ChangeInfo) Add(uid string) {
	c.AddedUIDs = append(c.AddedUIDs, uid)
}

// Remove records uid as no longer present in the folder.
func (c *ChangeInfo) Remove(uid string) {
	c.RemovedUIDs = append(c.RemovedUIDs, uid)
}

// Change records uid as present with updated metadata.
func (c *ChangeInfo) Change(uid string) {
	c.ChangedUIDs = append(c.ChangedUIDs, uid)
}

// Recent records uid as newly flagged \Recent.
func (c *ChangeInfo) Recent(uid string) {
	c.RecentUIDs = append(c.RecentUIDs, uid)
}

// Cat merges other into c, preserving order (c's entries first).
func (c *ChangeInfo) Cat(other *ChangeInfo) {
	if other == nil {
		return
	}
	c.AddedUIDs = append(c.AddedUIDs, other.AddedUIDs...)
	c.RemovedUIDs = append(c.RemovedUIDs, other.RemovedUIDs...)
	c.ChangedUIDs = append(c.ChangedUIDs, other.ChangedUIDs...)
	c.RecentUIDs = append(c.RecentUIDs, other.RecentUIDs...)
}

// Clear empties all four sequences in place.
func (c *ChangeInfo) Clear() {
	c.AddedUIDs = nil
	c.RemovedUIDs = nil
	c.ChangedUIDs = nil
	c.RecentUIDs = nil
}

// Changed reports whether any of the four sequences is non-empty.
func (c *ChangeInfo) Changed() bool {
	return len(c.AddedUIDs) > 0 || len(c.RemovedUIDs) > 0 || len(c.ChangedUIDs) > 0 || len(c.RecentUIDs) > 0
}

// Clone returns a deep copy, so a caller can keep accumulating into c after
// handing a snapshot to a broadcast.
func (c *ChangeInfo) Clone() *ChangeInfo {
	out := &ChangeInfo{}
	out.Cat(c)
	return out
}

// Listener receives a ChangeInfo broadcast. Never called with a ChangeInfo
// for which Changed() is false.
type Listener func(ci *ChangeInfo)

// Signal is a freeze-counted broadcaster: a folder-like owner calls Freeze
// before a batch of mutations and Thaw after, and only the net accumulated
// ChangeInfo is delivered to listeners when the freeze count returns to
// zero. Safe for concurrent use.
type Signal struct {
	mu          sync.Mutex
	freezeCount int
	pending     *ChangeInfo
	listeners   []Listener
}

// NewSignal returns a ready-to-use Signal.
func NewSignal() *Signal {
	return &Signal{pending: New()}
}

// Subscribe registers a listener and returns an unsubscribe function.
func (s *Signal) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
	idx := len(s.listeners) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.listeners) {
			s.listeners[idx] = nil
		}
	}
}

// Freeze increments the freeze counter. While frozen, Emit accumulates into
// the pending ChangeInfo instead of broadcasting immediately.
func (s *Signal) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freezeCount++
}

// Thaw decrements the freeze counter. At zero it broadcasts (and clears)
// any ChangeInfo accumulated while frozen.
func (s *Signal) Thaw() {
	s.mu.Lock()
	if s.freezeCount > 0 {
		s.freezeCount--
	}
	var toEmit *ChangeInfo
	if s.freezeCount == 0 && s.pending.Changed() {
		toEmit = s.pending.Clone()
		s.pending.Clear()
	}
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()

	if toEmit != nil {
		broadcast(listeners, toEmit)
	}
}

// Frozen reports whether the freeze counter is currently above zero.
func (s *Signal) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freezeCount > 0
}

// Emit broadcasts ci to all listeners immediately, unless frozen, in which
// case ci is merged into the pending ChangeInfo for delivery at Thaw. Emit
// is a no-op if ci.Changed() is false.
func (s *Signal) Emit(ci *ChangeInfo) {
	if ci == nil || !ci.Changed() {
		return
	}

	s.mu.Lock()
	if s.freezeCount > 0 {
		s.pending.Cat(ci)
		s.mu.Unlock()
		return
	}
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()

	broadcast(listeners, ci.Clone())
}

func (s *Signal) snapshotListenersLocked() []Listener {
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func broadcast(listeners []Listener, ci *ChangeInfo) {
	for _, l := range listeners {
		l(ci)
	}
}
