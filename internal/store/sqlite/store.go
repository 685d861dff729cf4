// Package sqlite is the embedded-database Durable Store backend (spec.md
// §1/§4.1) implementing internal/store's interfaces over database/sql.
// Grounded on the teacher's internal/storage/sqlite package (table/query
// conventions, error wrapping) and internal/storage/factory's
// BackendFactory registry (cgo/no-cgo driver selection, generalized here
// from Dolt-vs-SQLite to mattn/go-sqlite3-vs-modernc.org/sqlite).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/andreystavitsky/synquill-go/internal/model"
	"github.com/andreystavitsky/synquill-go/internal/obsv"
	"github.com/andreystavitsky/synquill-go/internal/store"
)

// dbConn is the subset of *sql.DB / *sql.Tx an entityDAO or queueDAO needs.
// Satisfied by both, so the same DAO code path works whether or not a
// WithTransaction is currently open.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the sqlite-backed implementation of store.Store.
type Store struct {
	db       *sql.DB
	schema   *SchemaRegistry
	watchers *watcherHub
	log      *slog.Logger

	tablesMu sync.Mutex
	tables   map[string]struct{}
}

// SchemaRegistry is re-exported here under a storage-local name so callers
// constructing a Store don't also need to import internal/model.
type SchemaRegistry = model.SchemaRegistry

// Open creates or opens a SQLite database file at path and ensures the
// sync_queue table exists. schema supplies the registered entity
// descriptors used for foreign-key cascade lookups (internal/cascade,
// internal/negotiate); it may be nil for components (e.g. standalone
// queue inspection tools) that never call DAO.
func Open(ctx context.Context, path string, schema *model.SchemaRegistry) (*Store, error) {
	db, err := sql.Open(driverName, path+dsnSuffix)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite writers serialize regardless; avoid pool contention on WAL locks

	if _, err := db.ExecContext(ctx, schemaSyncQueue); err != nil {
		_ = db.Close()
		return nil, wrapDBError("create sync_queue schema", err)
	}

	return &Store{
		db:       db,
		schema:   schema,
		watchers: newWatcherHub(),
		log:      obsv.NewLogger("store.sqlite"),
		tables:   make(map[string]struct{}),
	}, nil
}

func (s *Store) ensureTable(ctx context.Context, modelType string) error {
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()
	if _, ok := s.tables[modelType]; ok {
		return nil
	}
	if err := ensureEntityTable(ctx, s.db, modelType); err != nil {
		return err
	}
	s.tables[modelType] = struct{}{}
	return nil
}

// DAO returns an EntityDAO for modelType, auto-committing each call (no
// ambient transaction).
func (s *Store) DAO(modelType string) (store.EntityDAO, error) {
	if err := s.ensureTable(context.Background(), modelType); err != nil {
		return nil, err
	}
	return &entityDAO{store: s, modelType: modelType, conn: s.db}, nil
}

// SyncQueue returns the single sync_queue DAO, auto-committing.
func (s *Store) SyncQueue() store.SyncQueueDAO {
	return &queueDAO{store: s, conn: s.db}
}

// Close releases the underlying *sql.DB.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTransaction runs f inside a single *sql.Tx. A nested call (f itself
// invoking WithTransaction against the same Store) detects the ambient
// transaction via context and joins it rather than starting a new one,
// satisfying store.Store's documented nesting contract.
func (s *Store) WithTransaction(ctx context.Context, f store.TxFunc) error {
	if active, ok := ctx.Value(txCtxKey{}).(*activeTx); ok {
		return f(ctx, &txHandle{store: s, active: active})
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError("begin transaction", err)
	}
	active := &activeTx{sqlTx: sqlTx, touched: make(map[store.Key]struct{})}
	txCtx := context.WithValue(ctx, txCtxKey{}, active)

	if err := f(txCtx, &txHandle{store: s, active: active}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return wrapDBError("commit transaction", err)
	}

	s.watchers.notifyCommit(ctx, s, active)
	if active.queueTouched {
		s.watchers.notifyQueueCommit()
	}
	return nil
}

type txCtxKey struct{}

// activeTx tracks the open *sql.Tx plus every (modelType, id) a write
// touched, so the outer WithTransaction can fire Watch/WatchAll
// notifications exactly once per commit rather than per statement.
type activeTx struct {
	sqlTx        *sql.Tx
	touched      map[store.Key]struct{}
	queueTouched bool
}

func (a *activeTx) touch(modelType, id string) {
	a.touched[store.Key{ModelType: modelType, ModelID: id}] = struct{}{}
}

// txHandle implements store.Tx, scoping DAO/SyncQueue to the ambient
// *sql.Tx instead of the bare *sql.DB.
type txHandle struct {
	store  *Store
	active *activeTx
}

func (h *txHandle) DAO(modelType string) (store.EntityDAO, error) {
	if err := h.store.ensureTable(context.Background(), modelType); err != nil {
		return nil, err
	}
	return &entityDAO{store: h.store, modelType: modelType, conn: h.active.sqlTx, active: h.active}, nil
}

func (h *txHandle) SyncQueue() store.SyncQueueDAO {
	return &queueDAO{store: h.store, conn: h.active.sqlTx, active: h.active}
}
