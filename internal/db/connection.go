// Package db owns the embedded SQL connection: statement execution with
// busy retry, nested transactions via savepoints, reentrant read/write
// locking, and the one-shot corruption-recovery reopen. See camel-db.c in
// the reference implementation for the semantics this package generalizes
// to Go (see DESIGN.md).
package db

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/hkdb/pimcore/internal/dberr"
	"github.com/hkdb/pimcore/internal/logging"
	"github.com/hkdb/pimcore/internal/vfs"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Pragma environment variables, per spec §6.
const (
	EnvCacheSize = "CAMEL_SQLITE_DEFAULT_CACHE_SIZE"
	EnvInMemory  = "CAMEL_SQLITE_IN_MEMORY"
)

// DB wraps a single SQLite connection plus the reentrant writer lock and
// savepoint machinery described in §4.B. One DB corresponds to one physical
// file (or ":memory:").
type DB struct {
	sqlDB   *sql.DB
	path    string
	log     zerolog.Logger
	rw      *reentrantLock
	vfsFile *vfs.File
}

// Open opens (or creates) the database at path, applying the pragmas from
// §4.B and §6, and performs the one-shot corrupt-rename-and-reopen dance on
// CANTOPEN/CORRUPT/NOTADB (§6 "Corruption recovery").
func Open(path string) (*DB, error) {
	return openInternal(path, false)
}

func openInternal(path string, reopening bool) (*DB, error) {
	log := logging.WithComponent("db")

	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, dberr.Wrap(dberr.Generic, "open sqlite connection", err)
	}

	// SQLite WAL only supports one writer; our own reentrant lock already
	// serializes writers, so a single pooled connection keeps library-level
	// locking and our own lock from fighting each other.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		if code, isCorrupt := corruptionCode(err); isCorrupt && !reopening {
			return reopenAfterRename(path, code)
		}
		if isOutOfMemory(err) {
			return nil, dberr.New(dberr.InsufficientMemory, "insufficient memory opening database")
		}
		return nil, dberr.Wrap(dberr.Generic, "ping sqlite connection", err)
	}

	d := &DB{
		sqlDB: sqlDB,
		path:  path,
		log:   log,
		rw:    newReentrantLock(),
	}

	if err := d.registerMatchFunction(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	if err := d.applyPragmas(); err != nil {
		sqlDB.Close()
		if code, isCorrupt := corruptionCode(err); isCorrupt && !reopening {
			return reopenAfterRename(path, code)
		}
		return nil, err
	}

	if err := d.openDeferredSync(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	if err := d.attachMemory(); err != nil {
		d.closeDeferredSync()
		sqlDB.Close()
		return nil, err
	}

	return d, nil
}

// openDeferredSync puts the connection's own fsyncs under A's deferred-sync
// File (§4.A): synchronous=OFF so modernc's own WAL checkpointing never
// blocks on an fsync, with durability instead coalesced and driven
// explicitly by Begin's top-level commits through vfsFile. In-memory
// databases have no backing file to sync and skip this entirely.
func (d *DB) openDeferredSync() error {
	if d.path == ":memory:" {
		return nil
	}

	f, err := vfs.Open(vfs.Default(), d.path)
	if err != nil {
		return dberr.Wrap(dberr.Generic, "open deferred-sync vfs file", err)
	}

	if _, err := d.sqlDB.Exec("PRAGMA synchronous=OFF"); err != nil {
		f.Close()
		return dberr.Wrap(dberr.Generic, "apply synchronous pragma", err)
	}

	d.vfsFile = f
	return nil
}

func (d *DB) closeDeferredSync() {
	if d.vfsFile != nil {
		_ = d.vfsFile.Close()
		d.vfsFile = nil
	}
}

// MemTableName returns the attached-scratch-database-qualified name of a
// temp table used by migrations ("mem.<name>"), per §4.B.
func (d *DB) MemTableName(name string) string {
	return "mem." + name
}

func dsn(path string) string {
	if path == ":memory:" {
		return "file::memory:?cache=shared"
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, busyTimeoutMillis)
}

func (d *DB) applyPragmas() error {
	if v := os.Getenv(EnvCacheSize); v != "" {
		if _, err := d.sqlDB.Exec(fmt.Sprintf("PRAGMA cache_size=%s", v)); err != nil {
			return dberr.Wrap(dberr.Generic, "apply cache_size pragma", err)
		}
	}

	if os.Getenv(EnvInMemory) != "" {
		if _, err := d.sqlDB.Exec("PRAGMA journal_mode = off"); err != nil {
			return dberr.Wrap(dberr.Generic, "apply journal_mode pragma", err)
		}
		if _, err := d.sqlDB.Exec("PRAGMA temp_store = memory"); err != nil {
			return dberr.Wrap(dberr.Generic, "apply temp_store pragma", err)
		}
	}

	return nil
}

func (d *DB) attachMemory() error {
	if _, err := d.sqlDB.Exec("ATTACH DATABASE ':memory:' AS mem"); err != nil {
		return dberr.Wrap(dberr.Generic, "attach in-memory scratch database", err)
	}
	return nil
}

func reopenAfterRename(path string, code int) (*DB, error) {
	corruptPath := path + ".corrupt"
	if err := os.Rename(path, corruptPath); err != nil {
		return nil, dberr.Wrap(dberr.StorageCorrupt, fmt.Sprintf("could not rename %q to %q", path, corruptPath), err)
	}

	db, err := openInternal(path, true)
	if err != nil {
		corruptErr := dberr.Wrap(dberr.StorageCorrupt, "database remained corrupt after reopen", err)
		corruptErr.EngineCode = code
		return nil, corruptErr
	}
	return db, nil
}

// Close closes the underlying connection, then flushes and closes the
// deferred-sync File, so the File's final synchronous fsync observes every
// write the connection made.
func (d *DB) Close() error {
	err := d.sqlDB.Close()
	d.closeDeferredSync()
	return err
}

// Path returns the file path (or ":memory:") this handle was opened with.
func (d *DB) Path() string {
	return d.path
}

// Maintenance reads page_count/freelist_count and runs VACUUM when more
// than 5% of pages are free, per §4.B.
func (d *DB) Maintenance() error {
	var pageCount, freelistCount int64

	if err := d.sqlDB.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return dberr.Wrap(dberr.Generic, "read page_count", err)
	}
	if err := d.sqlDB.QueryRow("PRAGMA freelist_count").Scan(&freelistCount); err != nil {
		return dberr.Wrap(dberr.Generic, "read freelist_count", err)
	}

	if pageCount == 0 {
		return nil
	}

	if freelistCount*1000/pageCount > 50 {
		d.log.Debug().Int64("pageCount", pageCount).Int64("freelistCount", freelistCount).Msg("running vacuum")
		if _, err := d.sqlDB.Exec("VACUUM"); err != nil {
			return dberr.Wrap(dberr.Generic, "vacuum", err)
		}
	}

	return nil
}

func corruptionCode(err error) (int, bool) {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "cantopen"):
		return sqliteCantOpen, true
	case strings.Contains(msg, "corrupt"):
		return sqliteCorrupt, true
	case strings.Contains(msg, "not a database") || strings.Contains(msg, "notadb"):
		return sqliteNotADB, true
	default:
		return 0, false
	}
}

func isOutOfMemory(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "out of memory")
}

// SQLite result codes this package cares about, mirrored rather than
// imported since modernc.org/sqlite surfaces them as formatted error text.
const (
	sqliteCantOpen = 14
	sqliteCorrupt  = 11
	sqliteNotADB   = 26
	sqliteBusy     = 5
	sqliteLocked   = 6
)

// busyTimeoutMillis is plugged into the connection DSN so every use of the
// connection gets SQLite's own short internal wait; the long ~15s budget
// is layered on top by the retry loop in exec.go.
const busyTimeoutMillis = 250
