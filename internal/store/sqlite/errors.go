package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/andreystavitsky/synquill-go/internal/syncerr"
)

// wrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows to syncerr.ErrNotFound so callers above this package never
// see a database/sql sentinel directly. Grounded on the teacher's
// storage/sqlite/errors.go wrapDBError, retargeted onto the shared
// syncerr sentinels instead of a package-private ErrNotFound.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, syncerr.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
