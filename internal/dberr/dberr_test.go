package dberr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesByCodeNotMessage(t *testing.T) {
	err := Wrap(StorageBusy, "exceeded busy-retry budget", errors.New("database is locked"))
	require.True(t, errors.Is(err, ErrStorageBusy))
	require.False(t, errors.Is(err, ErrStorageCorrupt))
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := Wrap(Generic, "execute statement", cause)
	require.Equal(t, cause, errors.Unwrap(err))
}

func TestErrorMessageIncludesCauseText(t *testing.T) {
	err := Wrap(Generic, "create table", errors.New("no such table: mem.Inbox_migrate"))
	require.Contains(t, err.Error(), "no such table: mem.Inbox_migrate")
}

func TestIsNoSuchTable(t *testing.T) {
	require.True(t, IsNoSuchTable(Wrap(Generic, "copy rows back", errors.New("SQL logic error: no such table: mem.Inbox_migrate (1)"))))
	require.False(t, IsNoSuchTable(Wrap(Generic, "copy rows back", errors.New("disk I/O error"))))
	require.False(t, IsNoSuchTable(nil))
}

func TestWithEngineCodeAppendsSuffix(t *testing.T) {
	err := WithEngineCode("database remained corrupt after reopen", 11, errors.New("file is not a database"))
	require.Contains(t, err.Error(), "engine code 11")
}
