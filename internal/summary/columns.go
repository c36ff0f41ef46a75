package summary

// columnIdent is a stable enum for every column summary tables know about.
// §4.C's column-ident resolution trades a small amount of indirection for
// tolerance to column reordering across schema migrations: a query's
// column names are resolved to idents exactly once, then every row reuses
// that index→ident map instead of re-matching names per row.
type columnIdent int

const (
	identUnknown columnIdent = iota
	identUID
	identFlags
	identRead
	identDeleted
	identReplied
	identImportant
	identJunk
	identAttachment
	identDirty
	identSubject
	identMailFrom
	identMailTo
	identMailCc
	identMlist
	identDsent
	identDreceived
	identCreated
	identModified
	identPart
	identLabels
	identUsertags
	identCinfo
	identBdata
	identSize
	identFollowupFlag
	identFollowupCompletedOn
	identFollowupDueBy
)

var columnIdentByName = map[string]columnIdent{
	"uid":                   identUID,
	"flags":                 identFlags,
	"read":                  identRead,
	"deleted":               identDeleted,
	"replied":               identReplied,
	"important":             identImportant,
	"junk":                  identJunk,
	"attachment":            identAttachment,
	"dirty":                 identDirty,
	"subject":               identSubject,
	"mail_from":             identMailFrom,
	"mail_to":               identMailTo,
	"mail_cc":               identMailCc,
	"mlist":                 identMlist,
	"dsent":                 identDsent,
	"dreceived":             identDreceived,
	"created":               identCreated,
	"modified":              identModified,
	"part":                  identPart,
	"labels":                identLabels,
	"usertags":              identUsertags,
	"cinfo":                 identCinfo,
	"bdata":                 identBdata,
	"size":                  identSize,
	"followup_flag":         identFollowupFlag,
	"followup_completed_on": identFollowupCompletedOn,
	"followup_due_by":       identFollowupDueBy,
}

// messageInfoColumns lists every message-info column in the order
// create/insert statements emit them; it is the authoritative column
// list the write path uses, independent of the read-side ident map.
var messageInfoColumns = []string{
	"uid", "flags", "read", "deleted", "replied", "important", "junk",
	"attachment", "dirty", "subject", "mail_from", "mail_to", "mail_cc",
	"mlist", "dsent", "dreceived", "created", "modified", "part", "labels",
	"usertags", "cinfo", "bdata", "size", "followup_flag",
	"followup_completed_on", "followup_due_by",
}

// columnResolver maps a query's positional column index to a columnIdent,
// built once from a *sql.Rows' Columns() call and reused for every row of
// that query.
type columnResolver struct {
	idents []columnIdent
}

func newColumnResolver(columns []string) *columnResolver {
	r := &columnResolver{idents: make([]columnIdent, len(columns))}
	for i, name := range columns {
		if ident, ok := columnIdentByName[name]; ok {
			r.idents[i] = ident
		} else {
			r.idents[i] = identUnknown
		}
	}
	return r
}

// decodeMessageInfo applies one row's raw driver values onto mi using the
// resolver's index→ident map. Values come from database/sql already
// converted to their Go driver types (int64, string, []byte, float64, or
// nil); booleans round-trip through SQLite as 0/1 integers.
func (r *columnResolver) decodeMessageInfo(mi *MessageInfo, values []any) {
	for i, v := range values {
		if i >= len(r.idents) {
			break
		}
		switch r.idents[i] {
		case identUID:
			mi.UID = asString(v)
		case identFlags:
			mi.Flags = uint32(asInt64(v))
		case identRead:
			mi.Read = asBool(v)
		case identDeleted:
			mi.Deleted = asBool(v)
		case identReplied:
			mi.Replied = asBool(v)
		case identImportant:
			mi.Important = asBool(v)
		case identJunk:
			mi.Junk = asBool(v)
		case identAttachment:
			mi.Attachment = asBool(v)
		case identDirty:
			mi.Dirty = asBool(v)
		case identSubject:
			mi.Subject = asString(v)
		case identMailFrom:
			mi.MailFrom = asString(v)
		case identMailTo:
			mi.MailTo = asString(v)
		case identMailCc:
			mi.MailCc = asString(v)
		case identMlist:
			mi.Mlist = asString(v)
		case identDsent:
			mi.Dsent = asInt64(v)
		case identDreceived:
			mi.Dreceived = asInt64(v)
		case identCreated:
			mi.Created = asInt64(v)
		case identModified:
			mi.Modified = asInt64(v)
		case identPart:
			mi.Part = asString(v)
		case identLabels:
			mi.Labels = asString(v)
		case identUsertags:
			mi.Usertags = asString(v)
		case identCinfo:
			mi.Cinfo = asString(v)
		case identBdata:
			mi.Bdata = asString(v)
		case identSize:
			mi.Size = asInt64(v)
		case identFollowupFlag:
			mi.FollowupFlag = asString(v)
		case identFollowupCompletedOn:
			mi.FollowupCompletedOn = asInt64(v)
		case identFollowupDueBy:
			mi.FollowupDueBy = asInt64(v)
		}
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return ""
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func asBool(v any) bool {
	return asInt64(v) != 0
}
