// Package store defines the Durable Store contracts consumed by the sync
// core (spec.md §4.1): transactional execution, a per-entity DAO surface,
// and the sync_queue DAO. Concrete backends (internal/store/sqlite) satisfy
// these interfaces; the core itself only depends on the interfaces, so the
// embedded relational database's storage layout stays an external
// collaborator per spec.md §1.
package store

import (
	"context"
	"time"

	"github.com/andreystavitsky/synquill-go/internal/model"
)

// TxFunc is the unit of work run inside a transaction.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the Durable Store contract. Implementations must make nested
// WithTransaction calls join the outer transaction rather than starting a
// new one (spec.md §4.1).
type Store interface {
	// WithTransaction runs f with ACID guarantees. Nested calls (f itself
	// calling WithTransaction on the same Store) join the outer transaction.
	WithTransaction(ctx context.Context, f TxFunc) error

	// DAO returns the per-entity DAO for modelType, creating it from the
	// registered Descriptor/table mapping if needed.
	DAO(modelType string) (EntityDAO, error)

	// SyncQueue returns the store's single sync_queue DAO.
	SyncQueue() SyncQueueDAO

	// Close releases backend resources (connections, file handles).
	Close() error
}

// Tx is a transaction handle passed to TxFunc. It exposes the same DAO
// surface as Store, scoped to the transaction, so a caller executing two
// writes inside WithTransaction(f) sees them atomically.
type Tx interface {
	DAO(modelType string) (EntityDAO, error)
	SyncQueue() SyncQueueDAO
}

// EntityDAO is the per-model façade over a table/collection. Each write
// inside a transaction MUST, on commit, yield exactly one emission per
// affected watcher (spec.md §4.1).
type EntityDAO interface {
	Get(ctx context.Context, id string) (model.Record, error)
	GetAll(ctx context.Context, q Query) ([]model.Record, error)
	Put(ctx context.Context, rec model.Record) error
	Delete(ctx context.Context, id string) error
	Truncate(ctx context.Context) error

	// Watch produces a lazy, restartable sequence of the current value for
	// id (nil when absent), emitting once per commit that affects id.
	Watch(ctx context.Context, id string) (<-chan model.Record, func(), error)
	// WatchAll produces a lazy sequence of the full matching set, emitting
	// once per commit that affects any row matching q.
	WatchAll(ctx context.Context, q Query) (<-chan []model.Record, func(), error)

	// RewriteID atomically changes a row's id from oldID to newID, used by
	// ID negotiation (spec.md §4.6). It only touches the entity's own row
	// and its own primary key; foreign keys on other tables are rewritten
	// by internal/negotiate through those tables' own DAOs.
	RewriteID(ctx context.Context, oldID, newID string) error
}

// SyncQueueDAO is the dedicated DAO for the sync_queue table (spec.md §4.1).
type SyncQueueDAO interface {
	Insert(ctx context.Context, e *Entry) (int64, error)
	UpdatePayload(ctx context.Context, id int64, payload model.Record) error
	UpdateRetry(ctx context.Context, id int64, nextRetryAt time.Time, attemptCount int, lastError string, isNetwork bool) error
	Delete(ctx context.Context, id int64) error
	MarkStatus(ctx context.Context, id int64, status Status) error

	// GetActive returns the active (pending or in_progress) entries of any
	// op for key, used for coalescing decisions. At most one of each
	// op kind is ever active per key (spec.md §3 invariant).
	GetActive(ctx context.Context, key Key) ([]*Entry, error)

	// GetDueTasks returns entries with status=pending and
	// next_retry_at <= now, ordered by (next_retry_at asc, id asc), with
	// network-coded failures deprioritized at equal retry time
	// (spec.md §4.1).
	GetDueTasks(ctx context.Context, now time.Time, limit int) ([]*Entry, error)

	GetTasksForModel(ctx context.Context, modelType string) ([]*Entry, error)
	GetAllTasks(ctx context.Context) ([]*Entry, error)
	GetByID(ctx context.Context, id int64) (*Entry, error)

	// RewriteModelID rewrites model_id and any payload field referencing
	// oldID to newID across all entries for modelType, as step 3 of ID
	// negotiation (spec.md §4.6).
	RewriteModelID(ctx context.Context, modelType, oldID, newID string) error
}

// Op is the kind of remote operation a sync queue entry represents
// (spec.md §3). Defined here, rather than in internal/syncqueue, because
// the DAO contract above needs it and internal/syncqueue depends on this
// package, not the other way around.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Status is the lifecycle state of a sync queue entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDead       Status = "dead"
)

// NegotiationStatus tracks ID negotiation progress for create ops on
// server-generated-id models.
type NegotiationStatus string

const (
	NegotiationNone     NegotiationStatus = "none"
	NegotiationPending  NegotiationStatus = "pending"
	NegotiationComplete NegotiationStatus = "complete"
)

// Key identifies the coalescing unit: one (model_type, model_id) pair.
type Key struct {
	ModelType string
	ModelID   string
}

// Entry is one row of the sync_queue table (spec.md §3).
type Entry struct {
	ID                  int64
	ModelType           string
	ModelID             string
	Op                  Op
	Payload             model.Record
	IdempotencyKey      string
	Status              Status
	AttemptCount        int
	NextRetryAt         time.Time
	LastError           string
	LastErrorIsNetwork  bool
	TemporaryClientID   string
	IDNegotiationStatus NegotiationStatus
	CreatedAt           time.Time
}

// IsActive reports whether the entry still needs to be sent.
func (e *Entry) IsActive() bool {
	return e.Status == StatusPending || e.Status == StatusInProgress
}

// Clone returns a copy of e with Payload deep-enough-copied that callers
// can't mutate queue state through a returned Entry.
func (e *Entry) Clone() *Entry {
	cp := *e
	if e.Payload != nil {
		cp.Payload = e.Payload.Clone()
	}
	return &cp
}

// Filter is a single predicate in a Query, covering the operators of
// spec.md §4.1 (eq, ne, gt, ge, lt, le, contains, startsWith, endsWith,
// inList, isNull, isNotNull).
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// FilterOp enumerates the comparison operators a Query filter supports.
type FilterOp string

const (
	FilterEq         FilterOp = "eq"
	FilterNe         FilterOp = "ne"
	FilterGt         FilterOp = "gt"
	FilterGe         FilterOp = "ge"
	FilterLt         FilterOp = "lt"
	FilterLe         FilterOp = "le"
	FilterContains   FilterOp = "contains"
	FilterStartsWith FilterOp = "startsWith"
	FilterEndsWith   FilterOp = "endsWith"
	FilterInList     FilterOp = "inList"
	FilterIsNull     FilterOp = "isNull"
	FilterIsNotNull  FilterOp = "isNotNull"
)

// OrderBy is one field in a multi-field ordering clause.
type OrderBy struct {
	Field      string
	Descending bool
}

// Query describes a getAll/watchAll request: filters, multi-field
// ordering, and limit/offset (spec.md §4.1).
type Query struct {
	Filters []Filter
	OrderBy []OrderBy
	Limit   int
	Offset  int
}
