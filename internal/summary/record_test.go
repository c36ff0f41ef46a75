package summary

import (
	"context"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	"github.com/stretchr/testify/require"
)

func TestRecordFromHeaderPopulatesIdentityColumns(t *testing.T) {
	var h message.Header
	h.Set("Subject", "  urgent: ship it  ")
	h.Set("From", "alice@example.com")
	h.Set("To", "bob@example.com")
	h.Set("Cc", "carol@example.com")
	h.Set("List-Id", "dev.example.com")
	h.Set("Content-Type", "multipart/mixed; boundary=xyz")

	mi := RecordFromHeader("42", &h)

	require.Equal(t, "42", mi.UID)
	require.Equal(t, "urgent: ship it", mi.Subject)
	require.Equal(t, "alice@example.com", mi.MailFrom)
	require.Equal(t, "bob@example.com", mi.MailTo)
	require.Equal(t, "carol@example.com", mi.MailCc)
	require.Equal(t, "dev.example.com", mi.Mlist)
	require.Equal(t, "multipart/mixed; boundary=xyz", mi.Part)
}

func TestRecordFromHeaderNilHeaderReturnsBareUID(t *testing.T) {
	mi := RecordFromHeader("7", nil)
	require.Equal(t, "7", mi.UID)
	require.Empty(t, mi.Subject)
}

func TestFlagsFromIMAPMapsVocabulary(t *testing.T) {
	var mi MessageInfo
	FlagsFromIMAP(&mi, []imap.Flag{imap.FlagSeen, imap.FlagFlagged, "$Junk"})

	require.True(t, mi.Read)
	require.True(t, mi.Important)
	require.True(t, mi.Junk)
	require.False(t, mi.Replied)
	require.False(t, mi.Deleted)
}

func TestFlagsFromIMAPResetsStaleFlags(t *testing.T) {
	mi := MessageInfo{Read: true, Deleted: true, Replied: true, Important: true, Junk: true}
	FlagsFromIMAP(&mi, []imap.Flag{imap.FlagAnswered})

	require.False(t, mi.Read)
	require.False(t, mi.Deleted)
	require.True(t, mi.Replied)
	require.False(t, mi.Important)
	require.False(t, mi.Junk)
}

// TestRecordFromHeaderAndFlagsFeedAStoreWrite drives both go-message- and
// go-imap-backed helpers together into a real message-info row, the way a
// protocol driver handing a freshly fetched message to the core would.
func TestRecordFromHeaderAndFlagsFeedAStoreWrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PrepareFolder(ctx, "Inbox"))

	var h message.Header
	h.Set("Subject", "quarterly numbers")
	h.Set("From", "finance@example.com")

	mi := RecordFromHeader("101", &h)
	FlagsFromIMAP(&mi, []imap.Flag{imap.FlagSeen, imap.FlagAnswered})

	require.NoError(t, s.WriteMessageInfo(ctx, "Inbox", mi, "1.0 TEXT"))

	got, found, err := s.ReadMessageInfoRecord(ctx, "Inbox", "101")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "quarterly numbers", got.Subject)
	require.Equal(t, "finance@example.com", got.MailFrom)
	require.True(t, got.Read)
	require.True(t, got.Replied)
}
