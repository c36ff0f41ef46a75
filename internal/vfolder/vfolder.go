// Package vfolder implements the virtual-folder (saved-search) engine:
// materialized views over one or more backing folders that stay in sync
// as those folders change, plus the Unmatched folder that collects
// messages claimed by no other virtual folder. Grounded on
// camel-vee-folder.c and camel-vee-store.c, with the change-processing
// job submitted through a jobqueue.Queue the way the teacher's
// internal/sync.Scheduler serializes per-account work.
package vfolder

import (
	"context"

	"github.com/hkdb/pimcore/internal/changebus"
	"github.com/hkdb/pimcore/internal/summary"
)

// UnmatchedFolderName is the reserved name of the synthetic folder holding
// every vuid claimed by no other virtual folder in a Store. Never delete
// or rename it.
const UnmatchedFolderName = "Unmatched"

// BackingFolder is the minimal view a virtual folder needs of one of its
// subfolders: identity, a change bus to subscribe to, and read access to
// its message-info rows. Protocol drivers satisfy this on the other side
// of the boundary this package doesn't cross; *Folder satisfies it too.
type BackingFolder interface {
	Identity() string
	Changes() *changebus.Signal
	ListUIDs(ctx context.Context) ([]string, error)
	MessageInfo(ctx context.Context, uid string) (summary.MessageInfo, bool, error)
}

// Matcher evaluates a saved-search expression. It is the "search oracle"
// this package invokes without defining its grammar.
type Matcher interface {
	// MatchAll evaluates expr over every message currently in subfolder.
	MatchAll(ctx context.Context, subfolder BackingFolder, expr string) ([]string, error)
	// MatchCandidates evaluates expr restricted to candidateUIDs.
	MatchCandidates(ctx context.Context, subfolder BackingFolder, expr string, candidateUIDs []string) ([]string, error)
}

// hasMatchThreads reports whether expr contains the token that forces a
// full re-evaluation over the whole subfolder rather than just the
// candidate uids, since thread membership can drag in unrelated messages.
func hasMatchThreads(expr string) bool {
	const token = "match-threads"
	for i := 0; i+len(token) <= len(expr); i++ {
		if expr[i:i+len(token)] == token {
			return true
		}
	}
	return false
}

func unionUIDs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, u := range a {
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	for _, u := range b {
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}
