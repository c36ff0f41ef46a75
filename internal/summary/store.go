// Package summary implements the per-folder metadata tables of §4.C: the
// message-info/bodystructure/preview/version table family, the shared
// folders counters and Deletes tombstone tables, and schema migration.
// Grounded on the teacher's internal/message Store (DB-backed, zerolog
// logger, fmt.Errorf-wrapped operations) generalized from a fixed
// `messages` table to one table family per folder name.
package summary

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hkdb/pimcore/internal/db"
	"github.com/hkdb/pimcore/internal/dberr"
	"github.com/hkdb/pimcore/internal/logging"
	"github.com/rs/zerolog"
)

// Store provides folder summary persistence operations over a *db.DB.
type Store struct {
	db  *db.DB
	log zerolog.Logger
}

// NewStore wraps an open database handle.
func NewStore(d *db.DB) *Store {
	return &Store{
		db:  d,
		log: logging.WithComponent("summary"),
	}
}

// PrepareFolder ensures folder's table family exists at the current
// schema version, running any pending migration.
func (s *Store) PrepareFolder(ctx context.Context, folder string) error {
	return s.prepareMessageInfoTable(ctx, folder)
}

// WriteMessageInfo upserts mi's row (and, if bodystructure is non-empty,
// the companion bodystructure row) inside one savepoint, per the §4.C
// write protocol.
func (s *Store) WriteMessageInfo(ctx context.Context, folder string, mi MessageInfo, bodystructure string) error {
	ctx, end, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	return end(s.writeMessageInfoLocked(ctx, folder, mi, bodystructure, false))
}

// WriteFreshMessageInfo inserts mi only if no row for its uid exists yet;
// an existing row is left untouched (INSERT OR IGNORE instead of REPLACE).
func (s *Store) WriteFreshMessageInfo(ctx context.Context, folder string, mi MessageInfo, bodystructure string) error {
	ctx, end, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	return end(s.writeMessageInfoLocked(ctx, folder, mi, bodystructure, true))
}

func (s *Store) writeMessageInfoLocked(ctx context.Context, folder string, mi MessageInfo, bodystructure string, freshOnly bool) error {
	verb := "INSERT OR REPLACE"
	if freshOnly {
		verb = "INSERT OR IGNORE"
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageInfoColumns)), ",")
	query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)", verb, quoteIdent(folder), strings.Join(messageInfoColumns, ", "), placeholders)

	args := []any{
		mi.UID, mi.Flags, boolToInt(mi.Read), boolToInt(mi.Deleted), boolToInt(mi.Replied),
		boolToInt(mi.Important), boolToInt(mi.Junk), boolToInt(mi.Attachment), boolToInt(mi.Dirty),
		mi.Subject, mi.MailFrom, mi.MailTo, mi.MailCc, mi.Mlist,
		mi.Dsent, mi.Dreceived, mi.Created, mi.Modified,
		mi.Part, mi.Labels, mi.Usertags, mi.Cinfo, mi.Bdata, mi.Size,
		mi.FollowupFlag, mi.FollowupCompletedOn, mi.FollowupDueBy,
	}

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return dberr.Wrap(dberr.Generic, "write message info for "+folder, err)
	}

	if bodystructure != "" {
		_, err := s.db.Exec(ctx,
			fmt.Sprintf("INSERT OR REPLACE INTO %s (uid, bodystructure) VALUES (?, ?)", quoteIdent(folder+"_bodystructure")),
			mi.UID, bodystructure)
		if err != nil {
			return dberr.Wrap(dberr.Generic, "write bodystructure for "+folder, err)
		}
	}

	return nil
}

// WritePreview upserts a preview row.
func (s *Store) WritePreview(ctx context.Context, folder string, p Preview) error {
	_, err := s.db.Exec(ctx,
		fmt.Sprintf("INSERT OR REPLACE INTO %s (uid, preview) VALUES (?, ?)", quoteIdent(folder+"_preview")),
		p.UID, p.Preview)
	if err != nil {
		return dberr.Wrap(dberr.Generic, "write preview for "+folder, err)
	}
	return nil
}

// WriteFolderInfo upserts the folders counters row for folder.
func (s *Store) WriteFolderInfo(ctx context.Context, fi FolderInfo) error {
	_, err := s.db.Exec(ctx, `
		INSERT OR REPLACE INTO folders (folder_name, version, flags, nextuid, time, saved, unread, deleted, junk, visible, jnd, bdata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fi.Name, fi.Version, fi.Flags, fi.NextUID, fi.Time,
		fi.Saved, fi.Unread, fi.Deleted, fi.Junk, fi.Visible, fi.Jnd, fi.Bdata)
	if err != nil {
		return dberr.Wrap(dberr.Generic, "write folder info for "+fi.Name, err)
	}
	return nil
}

// ReadFolderInfo reads the folders counters row, or dberr.NoSuchFolder if
// absent.
func (s *Store) ReadFolderInfo(ctx context.Context, folder string) (FolderInfo, error) {
	var fi FolderInfo
	found := false

	err := s.db.Select(ctx, `
		SELECT folder_name, version, flags, nextuid, time, saved, unread, deleted, junk, visible, jnd, bdata
		FROM folders WHERE folder_name = ?`, []any{folder}, func(rows *sql.Rows) error {
		found = true
		return rows.Scan(&fi.Name, &fi.Version, &fi.Flags, &fi.NextUID, &fi.Time,
			&fi.Saved, &fi.Unread, &fi.Deleted, &fi.Junk, &fi.Visible, &fi.Jnd, &fi.Bdata)
	})
	if err != nil {
		return FolderInfo{}, err
	}
	if !found {
		return FolderInfo{}, dberr.New(dberr.NoSuchFolder, folder)
	}
	return fi, nil
}

// ReadMessageInfoRecord reads a single row by uid. An absent row is
// reported as found=false with a nil error; a missing folder table comes
// back as the engine's query error.
func (s *Store) ReadMessageInfoRecord(ctx context.Context, folder, uid string) (MessageInfo, bool, error) {
	mi := MessageInfo{}
	var resolver *columnResolver
	found := false

	err := s.db.Select(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE uid = ?", strings.Join(messageInfoColumns, ", "), quoteIdent(folder)),
		[]any{uid}, func(rows *sql.Rows) error {
			if resolver == nil {
				cols, err := rows.Columns()
				if err != nil {
					return err
				}
				resolver = newColumnResolver(cols)
			}
			values := make([]any, len(messageInfoColumns))
			dest := make([]any, len(values))
			for i := range values {
				dest[i] = &values[i]
			}
			if err := rows.Scan(dest...); err != nil {
				return err
			}
			resolver.decodeMessageInfo(&mi, values)
			found = true
			return nil
		})
	if err != nil {
		return MessageInfo{}, false, err
	}
	return mi, found, nil
}

// ReadMessageInfoRecords reads every row of folder's message-info table.
func (s *Store) ReadMessageInfoRecords(ctx context.Context, folder string) ([]MessageInfo, error) {
	var records []MessageInfo
	var resolver *columnResolver

	err := s.db.Select(ctx, fmt.Sprintf("SELECT %s FROM %s", strings.Join(messageInfoColumns, ", "), quoteIdent(folder)), nil,
		func(rows *sql.Rows) error {
			if resolver == nil {
				cols, err := rows.Columns()
				if err != nil {
					return err
				}
				resolver = newColumnResolver(cols)
			}
			values := make([]any, len(messageInfoColumns))
			dest := make([]any, len(values))
			for i := range values {
				dest[i] = &values[i]
			}
			if err := rows.Scan(dest...); err != nil {
				return err
			}
			mi := MessageInfo{}
			resolver.decodeMessageInfo(&mi, values)
			records = append(records, mi)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteUID writes a tombstone then deletes uid from folder's
// bodystructure, preview and message-info tables, per the §4.C delete
// protocol and I6 (tombstone precedes delete).
func (s *Store) DeleteUID(ctx context.Context, folder, uid string) error {
	return s.DeleteUIDs(ctx, folder, []string{uid})
}

// DeleteUIDs writes one tombstone row per uid, then deletes from the
// bodystructure, preview and message-info tables with a single IN (…)
// clause per table, all inside one savepoint.
func (s *Store) DeleteUIDs(ctx context.Context, folder string, uids []string) error {
	if len(uids) == 0 {
		return nil
	}

	ctx, end, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(uids)), ",")
	args := make([]any, len(uids))
	for i, uid := range uids {
		args[i] = uid
	}

	if err := s.writeTombstones(ctx, folder, uids); err != nil {
		return end(err)
	}

	if _, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE uid IN (%s)", quoteIdent(folder+"_bodystructure"), placeholders), args...); err != nil {
		return end(dberr.Wrap(dberr.Generic, "delete bodystructure rows for "+folder, err))
	}
	if _, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE uid IN (%s)", quoteIdent(folder+"_preview"), placeholders), args...); err != nil {
		return end(dberr.Wrap(dberr.Generic, "delete preview rows for "+folder, err))
	}
	if _, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE uid IN (%s)", quoteIdent(folder), placeholders), args...); err != nil {
		return end(dberr.Wrap(dberr.Generic, "delete message info rows for "+folder, err))
	}

	return end(nil)
}

// DeleteVFolderUIDs deletes virtual-folder summary rows keyed by vuid,
// omitting tombstones — vfolder rows are materialized views, not the
// authoritative record of a removal.
func (s *Store) DeleteVFolderUIDs(ctx context.Context, vfolder string, vuids []string) error {
	if len(vuids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(vuids)), ",")
	args := make([]any, len(vuids))
	for i, v := range vuids {
		args[i] = v
	}
	_, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE uid IN (%s)", quoteIdent(vfolder), placeholders), args...)
	if err != nil {
		return dberr.Wrap(dberr.Generic, "delete vfolder rows for "+vfolder, err)
	}
	return nil
}

func (s *Store) writeTombstones(ctx context.Context, folder string, uids []string) error {
	now := time.Now().Unix()
	for _, uid := range uids {
		if _, err := s.db.Exec(ctx, "INSERT INTO Deletes (uid, time, mailbox) VALUES (?, ?, ?)", uid, now, folder); err != nil {
			return dberr.Wrap(dberr.Generic, "write tombstone for "+folder, err)
		}
	}
	return nil
}

// ClearFolderSummary tombstones every current uid, then truncates the
// message-info, bodystructure, and preview tables.
func (s *Store) ClearFolderSummary(ctx context.Context, folder string) error {
	uids, err := s.allUIDs(ctx, folder)
	if err != nil {
		return err
	}

	ctx, end, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := s.writeTombstones(ctx, folder, uids); err != nil {
		return end(err)
	}
	for _, table := range []string{folder, folder + "_bodystructure", folder + "_preview"} {
		if _, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s", quoteIdent(table))); err != nil {
			return end(dberr.Wrap(dberr.Generic, "clear "+table, err))
		}
	}
	return end(nil)
}

// DeleteFolder tombstones every current uid, then drops the folder's
// entire table family and its folders row.
func (s *Store) DeleteFolder(ctx context.Context, folder string) error {
	uids, err := s.allUIDs(ctx, folder)
	if err != nil {
		return err
	}

	ctx, end, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := s.writeTombstones(ctx, folder, uids); err != nil {
		return end(err)
	}
	for _, table := range []string{folder, folder + "_bodystructure", folder + "_preview", folder + "_version"} {
		if _, err := s.db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(table))); err != nil {
			return end(dberr.Wrap(dberr.Generic, "drop "+table, err))
		}
	}
	if _, err := s.db.Exec(ctx, "DELETE FROM folders WHERE folder_name = ?", folder); err != nil {
		return end(dberr.Wrap(dberr.Generic, "delete folders row for "+folder, err))
	}
	return end(nil)
}

// RenameFolder tombstones every current uid under the old name, then
// renames <old> and its _bodystructure, _preview and _version tables,
// touches every row's modified/created to now, and updates
// folders.folder_name and folders.time.
func (s *Store) RenameFolder(ctx context.Context, oldName, newName string) error {
	uids, err := s.allUIDs(ctx, oldName)
	if err != nil {
		return err
	}

	ctx, end, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := s.writeTombstones(ctx, oldName, uids); err != nil {
		return end(err)
	}

	renames := [][2]string{
		{oldName, newName},
		{oldName + "_bodystructure", newName + "_bodystructure"},
		{oldName + "_preview", newName + "_preview"},
		{oldName + "_version", newName + "_version"},
	}
	for _, pair := range renames {
		if _, err := s.db.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(pair[0]), quoteIdent(pair[1]))); err != nil {
			return end(dberr.Wrap(dberr.Generic, fmt.Sprintf("rename %s to %s", pair[0], pair[1]), err))
		}
	}

	now := time.Now().Unix()
	if _, err := s.db.Exec(ctx, fmt.Sprintf("UPDATE %s SET modified = ?, created = ?", quoteIdent(newName)), now, now); err != nil {
		return end(dberr.Wrap(dberr.Generic, "touch created/modified of "+newName, err))
	}
	_, err = s.db.Exec(ctx, "UPDATE folders SET folder_name = ?, time = ? WHERE folder_name = ?", newName, now, oldName)
	if err != nil {
		return end(dberr.Wrap(dberr.Generic, "update folders row for rename", err))
	}
	return end(nil)
}

func (s *Store) allUIDs(ctx context.Context, folder string) ([]string, error) {
	var uids []string
	err := s.db.Select(ctx, fmt.Sprintf("SELECT uid FROM %s", quoteIdent(folder)), nil, func(rows *sql.Rows) error {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return err
		}
		uids = append(uids, uid)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return uids, nil
}

// CountKind selects which predicate Count evaluates.
type CountKind int

const (
	CountTotal CountKind = iota
	CountUnread
	CountVisible
	CountJunk
	CountDeleted
	CountVisibleUnread
	CountJunkNotDeleted
)

// Count runs one of the §4.B "count" predicates over folder's
// message-info table.
func (s *Store) Count(ctx context.Context, folder string, kind CountKind) (int64, error) {
	var where string
	switch kind {
	case CountTotal:
		where = "1=1"
	case CountUnread:
		where = "read = 0"
	case CountVisible:
		where = "deleted = 0"
	case CountJunk:
		where = "junk = 1"
	case CountDeleted:
		where = "deleted = 1"
	case CountVisibleUnread:
		where = "deleted = 0 AND read = 0"
	case CountJunkNotDeleted:
		where = "junk = 1 AND deleted = 0"
	default:
		return 0, dberr.New(dberr.InvalidOperation, "unknown count kind")
	}
	return s.db.Count(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", quoteIdent(folder), where))
}

// TrimTombstones deletes Deletes rows older than olderThan. Opt-in: the
// spec leaves tombstone retention unprescribed, so nothing calls this
// automatically.
func (s *Store) TrimTombstones(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(ctx, "DELETE FROM Deletes WHERE time < ?", olderThan.Unix())
	if err != nil {
		return 0, dberr.Wrap(dberr.Generic, "trim tombstones", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, dberr.Wrap(dberr.Generic, "read trim tombstones affected rows", err)
	}
	if affected > 0 {
		s.log.Debug().Int64("deleted", affected).Msg("trimmed tombstones")
	}
	return affected, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
