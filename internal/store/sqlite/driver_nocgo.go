//go:build !cgo

package sqlite

// modernc.org/sqlite is a pure-Go SQLite, used when CGO is unavailable
// (cross-compiled binaries, minimal build images) — mirroring the
// teacher's cgo/no-cgo backend split (storage/dolt/store.go vs
// store_nocgo.go), retargeted from Dolt's embedded-server split onto the
// two SQLite driver implementations.
import _ "modernc.org/sqlite"

// driverName is the database/sql driver name registered for this build.
const driverName = "sqlite"

// dsnSuffix is appended to the file path to form the DSN understood by
// this driver.
const dsnSuffix = "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
