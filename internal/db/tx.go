package db

import (
	"context"
	"fmt"

	"github.com/hkdb/pimcore/internal/dberr"
	"github.com/hkdb/pimcore/internal/vfs"
)

// Begin opens a new savepoint, or, if ctx already carries an active writer
// token, a nested savepoint one level deeper (I3). It returns a context
// carrying the (possibly new) token for use by nested Begin calls and by
// ReaderLock, and an End func that must be called exactly once: End(nil)
// releases the savepoint, any non-nil error rolls it back to the savepoint
// and is returned unchanged by End so callers can `return end(err)`.
func (d *DB) Begin(ctx context.Context) (context.Context, func(error) error, error) {
	tok := tokenFromContext(ctx)
	if tok == nil {
		tok = &token{}
	}

	depth := d.rw.lockWriter(tok)
	name := savepointName(depth)

	if _, err := d.sqlDB.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		d.rw.unlockWriter(tok)
		return ctx, nil, dberr.Wrap(dberr.Generic, "begin savepoint "+name, err)
	}

	childCtx := withToken(ctx, tok)

	end := func(causeErr error) error {
		defer d.rw.unlockWriter(tok)

		if causeErr != nil {
			if _, rbErr := d.sqlDB.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
				return dberr.Wrap(dberr.Generic, "rollback savepoint "+name, rbErr)
			}
			// Releasing after rollback-to is required so the savepoint itself
			// is popped, not just its effects undone.
			if _, relErr := d.sqlDB.ExecContext(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
				return dberr.Wrap(dberr.Generic, "release savepoint after rollback "+name, relErr)
			}
			return causeErr
		}

		if _, err := d.sqlDB.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
			return dberr.Wrap(dberr.Generic, "release savepoint "+name, err)
		}
		// Releasing the outermost savepoint is this writer's commit point;
		// with synchronous=OFF the engine itself never fsyncs, so durability
		// is driven explicitly here, through the deferred-sync File rather
		// than inline.
		if depth == 1 && d.vfsFile != nil {
			d.vfsFile.Sync(vfs.SyncNormal)
		}
		return nil
	}

	return childCtx, end, nil
}

func savepointName(depth int) string {
	return fmt.Sprintf("TN%d", depth)
}

// InTransaction reports whether ctx carries a token currently owning the
// writer lock (cdb_is_in_transaction in the reference implementation).
func (d *DB) InTransaction(ctx context.Context) bool {
	return d.rw.isOwnedBy(tokenFromContext(ctx))
}
