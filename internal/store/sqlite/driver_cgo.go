//go:build cgo

package sqlite

// mattn/go-sqlite3 is a cgo binding; it's the teacher's default SQLite
// driver. Builds with CGO_ENABLED=1 use it for the real embedded write
// concurrency guarantees it provides over the pure-Go driver.
import _ "github.com/mattn/go-sqlite3"

// driverName is the database/sql driver name registered for this build.
const driverName = "sqlite3"

// dsnSuffix is appended to the file path to form the DSN understood by
// this driver.
const dsnSuffix = "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
