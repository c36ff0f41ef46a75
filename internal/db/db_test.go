package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestSavepointNestingMatchesCallerDepth(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	_, err := d.Exec(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	ctx1, end1, err := d.Begin(ctx)
	require.NoError(t, err)
	require.True(t, d.InTransaction(ctx1))

	_, err = d.Exec(ctx1, "INSERT INTO t (id, v) VALUES (1, 'outer')")
	require.NoError(t, err)

	ctx2, end2, err := d.Begin(ctx1)
	require.NoError(t, err)

	_, err = d.Exec(ctx2, "INSERT INTO t (id, v) VALUES (2, 'inner')")
	require.NoError(t, err)

	// Abort the inner savepoint: its insert is undone, outer's survives, and
	// End hands the cause back unchanged.
	require.ErrorIs(t, end2(context.DeadlineExceeded), context.DeadlineExceeded)

	count, err := d.Count(ctx1, "SELECT COUNT(*) FROM t")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	require.NoError(t, end1(nil))
	require.False(t, d.InTransaction(ctx))

	count, err = d.Count(ctx, "SELECT COUNT(*) FROM t")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestReaderLockNoopWhileHoldingWriter(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	ctx1, end1, err := d.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = end1(nil) }()

	// Must not deadlock: the writer already owns the lock.
	release := d.ReaderLock(ctx1)
	release()
}

func TestOpenFileBackedDBWiresDeferredSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.db")

	d, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	require.NotNil(t, d.vfsFile, "file-backed DB must open a deferred-sync File")

	var synchronous int
	err = d.sqlDB.QueryRow("PRAGMA synchronous").Scan(&synchronous)
	require.NoError(t, err)
	require.Equal(t, 0, synchronous, "synchronous must be OFF so the engine never fsyncs on its own")

	ctx := context.Background()
	_, err = d.Exec(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	ctx1, end1, err := d.Begin(ctx)
	require.NoError(t, err)
	_, err = d.Exec(ctx1, "INSERT INTO t (id) VALUES (1)")
	require.NoError(t, err)
	require.NoError(t, end1(nil))

	require.NoError(t, d.Close())
}

func TestInMemoryDBSkipsDeferredSync(t *testing.T) {
	d := openTestDB(t)
	require.Nil(t, d.vfsFile, "in-memory DB has no file to defer-sync")
}

func TestMatchWholeWord(t *testing.T) {
	cases := []struct {
		needle, haystack string
		want             bool
	}{
		{"cat", "the cat sat", true},
		{"CAT", "the cat sat", true},
		{"cat", "concatenate", false},
		{"cat", "catalog", false},
		{"cat", "a cat.", true},
		{"", "anything", false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, matchWholeWord(c.needle, c.haystack), "needle=%q haystack=%q", c.needle, c.haystack)
	}
}
