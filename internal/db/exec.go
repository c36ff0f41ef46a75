package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/hkdb/pimcore/internal/dberr"
)

// Busy-retry budget: §4.B / §8 — up to 150 retries at 100ms, ~15s total.
const (
	maxBusyRetries    = 150
	busyRetryInterval = 100 * time.Millisecond
)

func isBusyOrLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

// retry runs op up to maxBusyRetries+1 times, sleeping busyRetryInterval
// between attempts, as long as op fails with SQLITE_BUSY/SQLITE_LOCKED.
// Exhausting the budget returns dberr.StorageBusy.
func retry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxBusyRetries; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isBusyOrLocked(lastErr) {
			return dberr.Wrap(dberr.Generic, "execute statement", lastErr)
		}
		select {
		case <-ctx.Done():
			return dberr.Wrap(dberr.Generic, "execute statement canceled while waiting for lock", ctx.Err())
		case <-time.After(busyRetryInterval):
		}
	}
	return dberr.Wrap(dberr.StorageBusy, "exceeded busy-retry budget", lastErr)
}

// Exec runs a write statement with busy retry and no locking of its own:
// callers are expected to be inside a Begin'd savepoint already (writer
// operations outside a savepoint are unusual and not serialized here).
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retry(ctx, func() error {
		var execErr error
		res, execErr = d.sqlDB.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

// Select runs query with busy retry, taking the reader lock (a no-op if
// ctx already owns the writer lock, per I4) for the duration of row
// iteration, and invokes rowFn once per row.
func (d *DB) Select(ctx context.Context, query string, args []any, rowFn func(*sql.Rows) error) error {
	release := d.ReaderLock(ctx)
	defer release()

	var rows *sql.Rows
	err := retry(ctx, func() error {
		var qErr error
		rows, qErr = d.sqlDB.QueryContext(ctx, query, args...)
		return qErr
	})
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := rowFn(rows); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return dberr.Wrap(dberr.Generic, "iterate rows", err)
	}
	return nil
}

// Count runs a single-column COUNT(*)-shaped query and returns its value.
func (d *DB) Count(ctx context.Context, query string, args ...any) (int64, error) {
	release := d.ReaderLock(ctx)
	defer release()

	var count int64
	err := retry(ctx, func() error {
		return d.sqlDB.QueryRowContext(ctx, query, args...).Scan(&count)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
