package summary

import (
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
)

// MessageInfo is one row of a folder's message-info table (§3.1). Time
// fields are stored as epoch seconds, matching strftime('%s','now').
type MessageInfo struct {
	UID     string
	Flags   uint32
	Read    bool
	Deleted bool
	Replied bool
	Important bool
	Junk    bool
	Attachment bool
	Dirty   bool

	Subject  string
	MailFrom string
	MailTo   string
	MailCc   string
	Mlist    string

	Dsent     int64
	Dreceived int64
	Created   int64
	Modified  int64

	Part     string
	Labels   string
	Usertags string
	Cinfo    string
	Bdata    string
	Size     int64

	FollowupFlag        string
	FollowupCompletedOn int64
	FollowupDueBy       int64
}

// FolderInfo is the per-folder row of the global folders table.
type FolderInfo struct {
	Name    string
	Version int
	Flags   uint32
	NextUID uint32
	Time    int64

	Saved   int64
	Unread  int64
	Deleted int64
	Junk    int64
	Visible int64
	Jnd     int64

	Bdata string
}

// Preview is a row of a folder's <name>_preview table.
type Preview struct {
	UID     string
	Preview string
}

// Tombstone is a row of the shared Deletes table.
type Tombstone struct {
	ID      int64
	UID     string
	Time    int64
	Mailbox string
}

// RecordFromHeader populates the identity and structure columns of a
// MessageInfo from an already-parsed MIME header. Parsing the header
// itself (decoding encoded-words, splitting address lists) is a
// collaborator's job (§1 Non-goals); this only reads fields go-message
// has already exposed.
func RecordFromHeader(uid string, h *message.Header) MessageInfo {
	mi := MessageInfo{UID: uid}
	if h == nil {
		return mi
	}

	mi.Subject = strings.TrimSpace(h.Get("Subject"))
	mi.MailFrom = strings.TrimSpace(h.Get("From"))
	mi.MailTo = strings.TrimSpace(h.Get("To"))
	mi.MailCc = strings.TrimSpace(h.Get("Cc"))
	mi.Mlist = strings.TrimSpace(h.Get("List-Id"))
	mi.Part = strings.TrimSpace(h.Get("Content-Type"))

	return mi
}

// FlagsFromIMAP sets the boolean flag columns of mi from a set of IMAP
// flags, reusing the emersion/go-imap/v2 flag vocabulary rather than
// redefining one.
func FlagsFromIMAP(mi *MessageInfo, flags []imap.Flag) {
	mi.Read = false
	mi.Deleted = false
	mi.Replied = false
	mi.Important = false
	mi.Junk = false

	for _, flag := range flags {
		switch flag {
		case imap.FlagSeen:
			mi.Read = true
		case imap.FlagAnswered:
			mi.Replied = true
		case imap.FlagFlagged:
			mi.Important = true
		case imap.FlagDeleted:
			mi.Deleted = true
		case "Junk", "$Junk":
			mi.Junk = true
		}
	}
}
