// Package synquill provides the public entry points for embedding the
// offline-first sync core: opening a store, building a typed Repository
// per model, and wiring the background services (Retry Executor, Queue
// Manager, Connectivity Supervisor) that keep it draining. Most callers
// only need this package; internal/* packages are implementation detail.
package synquill

import (
	"context"
	"fmt"

	"github.com/andreystavitsky/synquill-go/internal/cascade"
	"github.com/andreystavitsky/synquill-go/internal/connectivity"
	"github.com/andreystavitsky/synquill-go/internal/httpadapter"
	"github.com/andreystavitsky/synquill-go/internal/model"
	"github.com/andreystavitsky/synquill-go/internal/negotiate"
	"github.com/andreystavitsky/synquill-go/internal/obsv"
	"github.com/andreystavitsky/synquill-go/internal/queuemgr"
	"github.com/andreystavitsky/synquill-go/internal/reconcile"
	"github.com/andreystavitsky/synquill-go/internal/registry"
	"github.com/andreystavitsky/synquill-go/internal/repository"
	"github.com/andreystavitsky/synquill-go/internal/retryexec"
	"github.com/andreystavitsky/synquill-go/internal/store"
	"github.com/andreystavitsky/synquill-go/internal/store/sqlite"
	"github.com/andreystavitsky/synquill-go/internal/syncconfig"
	"github.com/andreystavitsky/synquill-go/internal/syncerr"
	"github.com/andreystavitsky/synquill-go/internal/syncqueue"
)

// Public aliases so callers don't need to import internal/* themselves.
type (
	// Entity/model contract.
	ModelAdapter[T any] = model.ModelAdapter[T]
	Record              = model.Record
	Relation            = model.Relation
	Descriptor          = model.Descriptor
	SchemaRegistry      = model.SchemaRegistry
	IDStrategy          = model.IDStrategy

	// Policy/config surface.
	Config     = syncconfig.Config
	SavePolicy = syncconfig.SavePolicy
	LoadPolicy = syncconfig.LoadPolicy

	// HTTP Adapter contract callers implement per model type.
	Adapter        = httpadapter.Adapter
	AdapterQuery   = httpadapter.Query
	AdapterHeaders = httpadapter.Headers
	BreakerConfig  = httpadapter.BreakerConfig

	// Repository surface.
	Repository[T any]  = repository.Repository[T]
	Change             = repository.Change
	ChangeKind         = repository.ChangeKind
	Observation[T any] = repository.Observation[T]
)

const (
	ClientGenerated = model.ClientGenerated
	ServerGenerated = model.ServerGenerated

	SaveLocalFirst  = syncconfig.SaveLocalFirst
	SaveRemoteFirst = syncconfig.SaveRemoteFirst

	LoadLocalOnly       = syncconfig.LoadLocalOnly
	LoadLocalThenRemote = syncconfig.LoadLocalThenRemote
	LoadRemoteFirst     = syncconfig.LoadRemoteFirst

	ChangeCreated   = repository.ChangeCreated
	ChangeUpdated   = repository.ChangeUpdated
	ChangeDeleted   = repository.ChangeDeleted
	ChangeIDChanged = repository.ChangeIDChanged
	ChangeError     = repository.ChangeError
)

// Error sentinels (spec.md §7), re-exported for callers using errors.Is.
var (
	ErrQueueFull         = syncerr.ErrQueueFull
	ErrDuplicate         = syncerr.ErrDuplicate
	ErrQueueCancelled    = syncerr.ErrQueueCancelled
	ErrNotFound          = syncerr.ErrNotFound
	ErrGone              = syncerr.ErrGone
	ErrNetwork           = syncerr.ErrNetwork
	ErrServer            = syncerr.ErrServer
	ErrValidation        = syncerr.ErrValidation
	ErrLocal             = syncerr.ErrLocal
	ErrUnsupportedPolicy = syncerr.ErrUnsupportedPolicy
	ErrFatalState        = syncerr.ErrFatalState
)

// Core bundles every collaborator a running application needs: the
// Durable Store, the durable operation log, the three-queue admission
// controller, the Repository Registry, the Retry Executor, and (if a
// connectivity source was supplied) the Connectivity Supervisor. Building
// Repository[T] instances against the same Core wires them into the same
// background drain loop automatically.
type Core struct {
	Config     *Config
	Store      store.Store
	Queue      *syncqueue.Queue
	QueueMgr   *queuemgr.Manager
	Registry   *registry.Registry
	Negotiator *negotiate.Negotiator
	Reconciler *reconcile.Reconciler
	Cascade    *cascade.Cascade
	Executor   *retryexec.Executor
	Supervisor *connectivity.Supervisor

	metrics *obsv.Metrics
}

// Options configures Open.
type Options struct {
	// DBPath is the sqlite database file path (or a DSN like
	// "file::memory:?mode=memory&cache=shared" for tests).
	DBPath string
	// Config overrides the default configuration; nil uses
	// syncconfig.Default().
	Config *syncconfig.Config
	// Schema registers every model type's Descriptor up front, so
	// cascade delete and ID negotiation can resolve child relations.
	Schema *model.SchemaRegistry
	// ManifestPath, if non-empty, enables the cascade-delete audit log.
	ManifestPath string
	// ConnectivitySource, if non-nil, drives a Connectivity Supervisor
	// that pauses/resumes the Queue Manager and Retry Executor.
	ConnectivitySource connectivity.Source
	// ConnectivityChecker is an optional synchronous fallback IsConnected
	// check, used only until the first stream signal arrives.
	ConnectivityChecker connectivity.Checker
}

// Open assembles a Core: the Durable Store, sync queue, admission
// controller, registry, and Retry Executor, ready for Repository[T]
// instances to be built against it via NewRepository. The Retry Executor
// is started immediately; callers should defer Core.Close.
func Open(ctx context.Context, opts Options) (*Core, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = syncconfig.Default()
	}

	schema := opts.Schema
	if schema == nil {
		schema = model.NewSchemaRegistry()
	}

	st, err := sqlite.Open(ctx, opts.DBPath, schema)
	if err != nil {
		return nil, fmt.Errorf("synquill: open store: %w", err)
	}

	metrics := obsv.NewMetrics()
	queue := syncqueue.New(st.SyncQueue(), cfg.MaxAttempts, metrics)
	qm := queuemgr.New(cfg, metrics)
	repos := registry.New()
	negotiator := negotiate.New(st, schema, queue, metrics)
	reconciler := reconcile.New(st)
	cascader := cascade.New(st, schema, metrics, opts.ManifestPath)
	exec := retryexec.New(queue, repos, qm, cfg)

	core := &Core{
		Config:     cfg,
		Store:      st,
		Queue:      queue,
		QueueMgr:   qm,
		Registry:   repos,
		Negotiator: negotiator,
		Reconciler: reconciler,
		Cascade:    cascader,
		Executor:   exec,
		metrics:    metrics,
	}

	exec.Start(ctx)

	if opts.ConnectivitySource != nil {
		core.Supervisor = connectivity.New(opts.ConnectivitySource, opts.ConnectivityChecker, qm, exec)
		if err := core.Supervisor.Start(ctx); err != nil {
			exec.Stop()
			_ = st.Close()
			return nil, fmt.Errorf("synquill: start connectivity supervisor: %w", err)
		}
	}

	return core, nil
}

// Close stops the Retry Executor and releases the Durable Store.
func (c *Core) Close() error {
	c.Executor.Stop()
	return c.Store.Close()
}

// NewRepository builds a typed Repository[T] over c and registers it so
// the Retry Executor can dispatch its due sync-queue entries.
func NewRepository[T any](c *Core, adapter model.ModelAdapter[T], schema *model.SchemaRegistry, api httpadapter.Adapter) (*repository.Repository[T], error) {
	repo, err := repository.New(adapter, schema, repository.Deps{
		Store:        c.Store,
		Queue:        c.Queue,
		QueueManager: c.QueueMgr,
		API:          api,
		Negotiator:   c.Negotiator,
		Reconciler:   c.Reconciler,
		Cascade:      c.Cascade,
		Config:       c.Config,
		Metrics:      c.metrics,
	})
	if err != nil {
		return nil, err
	}
	c.Registry.Register(repo.ModelType(), repo)
	return repo, nil
}

// ObliterateLocalStorage wipes the sync queue and every registered
// model's local rows (spec.md §5); see internal/repository for details.
func (c *Core) ObliterateLocalStorage(ctx context.Context, confirm bool) error {
	return repository.ObliterateLocalStorage(ctx, c.Queue, c.QueueMgr, c.Registry, confirm)
}
