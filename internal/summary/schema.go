package summary

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hkdb/pimcore/internal/dberr"
)

const currentSchemaVersion = 2

// createFoldersTable creates the shared folders counters table if absent.
// Called lazily, outside any particular folder's savepoint.
func (s *Store) createFoldersTable(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS folders (
			folder_name TEXT PRIMARY KEY,
			version INTEGER,
			flags INTEGER,
			nextuid INTEGER,
			time INTEGER,
			saved INTEGER,
			unread INTEGER,
			deleted INTEGER,
			junk INTEGER,
			visible INTEGER,
			jnd INTEGER,
			bdata TEXT
		)`)
	if err != nil {
		return dberr.Wrap(dberr.Generic, "create folders table", err)
	}

	if _, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS Deletes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uid TEXT,
			time INTEGER,
			mailbox TEXT
		)`); err != nil {
		return dberr.Wrap(dberr.Generic, "create Deletes table", err)
	}
	return nil
}

func createMessageInfoTableSQL(name string) string {
	return fmt.Sprintf(`
		CREATE TABLE %s (
			uid TEXT PRIMARY KEY,
			flags INTEGER,
			read INTEGER,
			deleted INTEGER,
			replied INTEGER,
			important INTEGER,
			junk INTEGER,
			attachment INTEGER,
			dirty INTEGER,
			subject TEXT,
			mail_from TEXT,
			mail_to TEXT,
			mail_cc TEXT,
			mlist TEXT,
			dsent INTEGER,
			dreceived INTEGER,
			created INTEGER,
			modified INTEGER,
			part TEXT,
			labels TEXT,
			usertags TEXT,
			cinfo TEXT,
			bdata TEXT,
			size INTEGER,
			followup_flag TEXT,
			followup_completed_on INTEGER,
			followup_due_by INTEGER
		)`, quoteIdent(name))
}

// prepareMessageInfoTable ensures <folder> and its sibling tables exist at
// the current schema version, running the v-1→0→1→2 migrations of §4.B
// when an older version row is found.
func (s *Store) prepareMessageInfoTable(ctx context.Context, folder string) error {
	if err := s.createFoldersTable(ctx); err != nil {
		return err
	}

	ctx, end, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	commitErr := s.prepareMessageInfoTableLocked(ctx, folder)
	return end(commitErr)
}

func (s *Store) prepareMessageInfoTableLocked(ctx context.Context, folder string) error {
	version, err := s.readSchemaVersion(ctx, folder)
	if err != nil {
		return err
	}

	if version == -1 {
		if err := s.createEmptySchema(ctx, folder); err != nil {
			return err
		}
		return s.writeSchemaVersion(ctx, folder, currentSchemaVersion)
	}

	if version < 1 {
		if err := s.migrateToV1(ctx, folder); err != nil {
			return err
		}
		if err := s.ensureCompanionTables(ctx, folder); err != nil {
			return err
		}
		version = 1
	}

	if version < 2 {
		// No schema changes between v1 and v2 in this spec; just bump the
		// version row (§4.B "v < 2: identical schema already").
		if err := s.writeSchemaVersion(ctx, folder, currentSchemaVersion); err != nil {
			return err
		}
	}

	return s.ensureFolderRow(ctx, folder)
}

func (s *Store) readSchemaVersion(ctx context.Context, folder string) (int, error) {
	versionTable := folder + "_version"

	exists, err := s.tableExists(ctx, versionTable)
	if err != nil {
		return 0, err
	}
	if !exists {
		return -1, nil
	}

	var version string
	found := false
	err = s.db.Select(ctx, fmt.Sprintf("SELECT version FROM %s LIMIT 1", quoteIdent(versionTable)), nil, func(rows *sql.Rows) error {
		found = true
		return rows.Scan(&version)
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return -1, nil
	}

	switch version {
	case "0":
		return 0, nil
	case "1":
		return 1, nil
	case "2":
		return 2, nil
	default:
		return 0, dberr.New(dberr.InvalidOperation, fmt.Sprintf("folder %q has unrecognized schema version %q", folder, version))
	}
}

func (s *Store) tableExists(ctx context.Context, name string) (bool, error) {
	count, err := s.db.Count(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) createEmptySchema(ctx context.Context, folder string) error {
	if _, err := s.db.Exec(ctx, createMessageInfoTableSQL(folder)); err != nil {
		return dberr.Wrap(dberr.Generic, "create folder schema for "+folder, err)
	}
	if _, err := s.db.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (version TEXT)", quoteIdent(folder+"_version"))); err != nil {
		return dberr.Wrap(dberr.Generic, "create folder schema for "+folder, err)
	}
	return s.ensureCompanionTables(ctx, folder)
}

// ensureCompanionTables creates the bodystructure/preview tables and their
// indices if absent, idempotently — shared by the fresh-create path and
// the legacy-migration path, since a migrated folder may predate one of
// these companion tables too.
func (s *Store) ensureCompanionTables(ctx context.Context, folder string) error {
	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (uid TEXT PRIMARY KEY, bodystructure TEXT)", quoteIdent(folder+"_bodystructure")),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (uid TEXT PRIMARY KEY, preview TEXT)", quoteIdent(folder+"_preview")),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return dberr.Wrap(dberr.Generic, "create companion tables for "+folder, err)
		}
	}
	return s.createIndices(ctx, folder)
}

func (s *Store) createIndices(ctx context.Context, folder string) error {
	previewIdx := fmt.Sprintf("SINDEX-%s-preview", folder)
	stmts := []string{
		fmt.Sprintf("DROP INDEX IF EXISTS %s", quoteIdent("SINDEX-"+folder)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (uid, preview)", quoteIdent(previewIdx), quoteIdent(folder+"_preview")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (deleted)", quoteIdent("DELINDEX-"+folder), quoteIdent(folder)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (junk)", quoteIdent("JUNKINDEX-"+folder), quoteIdent(folder)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (read)", quoteIdent("READINDEX-"+folder), quoteIdent(folder)),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return dberr.Wrap(dberr.Generic, "create index for "+folder, err)
		}
	}
	return nil
}

func (s *Store) ensureFolderRow(ctx context.Context, folder string) error {
	count, err := s.db.Count(ctx, "SELECT COUNT(*) FROM folders WHERE folder_name = ?", folder)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO folders (folder_name, version, flags, nextuid, time, saved, unread, deleted, junk, visible, jnd, bdata)
		 VALUES (?, ?, 0, 1, strftime('%s','now'), 0, 0, 0, 0, 0, 0, '')`,
		folder, currentSchemaVersion)
	if err != nil {
		return dberr.Wrap(dberr.Generic, "insert folders row for "+folder, err)
	}
	return nil
}

func (s *Store) writeSchemaVersion(ctx context.Context, folder string, version int) error {
	versionTable := quoteIdent(folder + "_version")
	if _, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s", versionTable)); err != nil {
		return dberr.Wrap(dberr.Generic, "clear version row for "+folder, err)
	}
	if _, err := s.db.Exec(ctx, fmt.Sprintf("INSERT INTO %s (version) VALUES (?)", versionTable), fmt.Sprint(version)); err != nil {
		return dberr.Wrap(dberr.Generic, "write version row for "+folder, err)
	}
	return nil
}

// migrateToV1 renames the message-info table out of the way through the
// attached in-memory scratch database, recreates it with the current
// column set, copies rows back setting created=modified=now, and bumps
// the version row — per §4.B's "v < 1" migration stage. "no such table"
// failures during the copy-back are expected when a folder never had
// rows under the old schema and are ignored, per spec.
func (s *Store) migrateToV1(ctx context.Context, folder string) error {
	memTable := s.db.MemTableName(folder + "_migrate")
	mainTable := quoteIdent(folder)

	if _, err := s.db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", memTable)); err != nil {
		return dberr.Wrap(dberr.Generic, "drop stale migration scratch table", err)
	}

	_, copyErr := s.db.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", memTable, mainTable))
	if copyErr != nil && !dberr.IsNoSuchTable(copyErr) {
		return dberr.Wrap(dberr.Generic, "copy rows into migration scratch table", copyErr)
	}

	if _, err := s.db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", mainTable)); err != nil {
		return dberr.Wrap(dberr.Generic, "drop old message-info table", err)
	}
	if _, err := s.db.Exec(ctx, createMessageInfoTableSQL(folder)); err != nil {
		return dberr.Wrap(dberr.Generic, "recreate message-info table", err)
	}

	if copyErr == nil {
		_, insertErr := s.db.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (uid, flags, read, deleted, replied, important, junk, attachment, dirty,
			                  subject, mail_from, mail_to, mail_cc, mlist, dsent, dreceived, created, modified,
			                  part, labels, usertags, cinfo, bdata, size, followup_flag, followup_completed_on, followup_due_by)
			 SELECT uid, flags, read, deleted, replied, important, junk, attachment,
			        COALESCE(msg_security, 0),
			        subject, mail_from, mail_to, mail_cc, mlist, dsent, dreceived,
			        strftime('%%s','now'), strftime('%%s','now'),
			        part, labels, usertags, cinfo, bdata, size, followup_flag, followup_completed_on, followup_due_by
			 FROM %s`, mainTable, memTable))
		if insertErr != nil && !dberr.IsNoSuchTable(insertErr) {
			return dberr.Wrap(dberr.Generic, "copy rows back after migration", insertErr)
		}
		if _, err := s.db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", memTable)); err != nil {
			return dberr.Wrap(dberr.Generic, "drop migration scratch table", err)
		}
	}

	return s.writeSchemaVersion(ctx, folder, 1)
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
