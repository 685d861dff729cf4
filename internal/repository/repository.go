// Package repository implements the per-model Repository (policy engine)
// of spec.md §4.5: the save/load policy state machines, the reactive
// change stream, and the Repository Registry glue (registry.RepositoryOps)
// the Retry Executor dispatches through.
//
// Callers get a typed Repository[T] by supplying a model.ModelAdapter[T];
// internally everything operates on model.Record, the same generic,
// field-addressable representation internal/negotiate, internal/reconcile,
// and internal/cascade already use, so those packages need no generic
// parameter of their own (spec.md §9 REDESIGN: the DAO/negotiation surface
// stays string/map-keyed, the type parameter lives only at this, the
// outermost, layer).
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andreystavitsky/synquill-go/internal/cascade"
	"github.com/andreystavitsky/synquill-go/internal/httpadapter"
	"github.com/andreystavitsky/synquill-go/internal/model"
	"github.com/andreystavitsky/synquill-go/internal/negotiate"
	"github.com/andreystavitsky/synquill-go/internal/obsv"
	"github.com/andreystavitsky/synquill-go/internal/queuemgr"
	"github.com/andreystavitsky/synquill-go/internal/reconcile"
	"github.com/andreystavitsky/synquill-go/internal/store"
	"github.com/andreystavitsky/synquill-go/internal/syncconfig"
	"github.com/andreystavitsky/synquill-go/internal/syncerr"
	"github.com/andreystavitsky/synquill-go/internal/syncqueue"
)

// backgroundRefreshTimeout bounds a localThenRemote background refresh so
// a stalled adapter call can't leak goroutines forever.
const backgroundRefreshTimeout = 30 * time.Second

// Deps bundles the collaborators a Repository needs. All fields are
// required except Cascade, which may be nil for model types that declare
// no cascading child relations.
type Deps struct {
	Store        store.Store
	Queue        *syncqueue.Queue
	QueueManager *queuemgr.Manager
	API          httpadapter.Adapter
	Negotiator   *negotiate.Negotiator
	Reconciler   *reconcile.Reconciler
	Cascade      *cascade.Cascade
	Config       *syncconfig.Config
	Metrics      *obsv.Metrics
}

// Repository is the typed, per-model policy engine of spec.md §4.5.
type Repository[T any] struct {
	modelType  string
	descriptor model.Descriptor
	adapter    model.ModelAdapter[T]

	st         store.Store
	queue      *syncqueue.Queue
	qm         *queuemgr.Manager
	api        httpadapter.Adapter
	negotiator *negotiate.Negotiator
	reconciler *reconcile.Reconciler
	cascader   *cascade.Cascade
	cfg        *syncconfig.Config
	metrics    *obsv.Metrics
	log        *slog.Logger

	mu        sync.Mutex
	subs      map[int]*subscriber
	nextSubID int
	disposed  bool
}

// New builds a Repository[T] for the model type adapter.TypeName() names.
// schema must already hold a Descriptor for that type (registered by the
// caller at startup, spec.md §6's model contract).
func New[T any](adapter model.ModelAdapter[T], schema *model.SchemaRegistry, deps Deps) (*Repository[T], error) {
	modelType := adapter.TypeName()
	desc, ok := schema.Get(modelType)
	if !ok {
		return nil, fmt.Errorf("repository: model type %q has no registered descriptor", modelType)
	}
	return &Repository[T]{
		modelType:  modelType,
		descriptor: desc,
		adapter:    adapter,
		st:         deps.Store,
		queue:      deps.Queue,
		qm:         deps.QueueManager,
		api:        deps.API,
		negotiator: deps.Negotiator,
		reconciler: deps.Reconciler,
		cascader:   deps.Cascade,
		cfg:        deps.Config,
		metrics:    deps.Metrics,
		log:        obsv.NewLogger("repository." + modelType),
		subs:       make(map[int]*subscriber),
	}, nil
}

// ModelType returns the registered model type name, satisfying
// registry.RepositoryOps.
func (r *Repository[T]) ModelType() string { return r.modelType }

func (r *Repository[T]) keyFor(id string) string {
	return r.modelType + ":" + id
}

func (r *Repository[T]) isDisposed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed
}

// --- Save policies (spec.md §4.5) ---------------------------------------

// Save persists entity using the repository's configured default save
// policy.
func (r *Repository[T]) Save(ctx context.Context, entity T) (T, error) {
	return r.SaveWithPolicy(ctx, entity, r.cfg.DefaultSavePolicy)
}

// SaveWithPolicy persists entity using an explicit policy override.
func (r *Repository[T]) SaveWithPolicy(ctx context.Context, entity T, policy syncconfig.SavePolicy) (T, error) {
	var zero T
	if r.isDisposed() {
		return zero, syncerr.Wrap("repository: save", syncerr.ErrFatalState)
	}

	rec := r.adapter.ToRecord(entity)
	id := rec.ID()
	if id == "" {
		if r.descriptor.IDStrategy != model.ServerGenerated {
			return zero, syncerr.Wrap("repository: save: client-generated model missing id", syncerr.ErrValidation)
		}
		id = negotiate.GenerateTempID()
		rec = rec.WithID(id)
	}

	release, err := r.qm.Admit(ctx, queuemgr.Foreground, r.keyFor(id))
	if err != nil {
		return zero, syncerr.Wrap("repository: save admission", err)
	}
	defer release()

	if policy == syncconfig.SaveRemoteFirst {
		return r.saveRemoteFirst(ctx, rec)
	}
	return r.saveLocalFirst(ctx, rec)
}

// saveLocalFirst implements spec.md §4.5's localFirst: the local write
// and its sync-queue enqueue commit atomically; the remote side is best
// effort, dispatched later by the Retry Executor.
func (r *Repository[T]) saveLocalFirst(ctx context.Context, rec model.Record) (T, error) {
	var zero T
	id := rec.ID()
	idemKey := r.keyFor(id)
	var wasCreate bool

	err := r.st.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		dao, err := tx.DAO(r.modelType)
		if err != nil {
			return err
		}

		_, getErr := dao.Get(ctx, id)
		switch {
		case getErr == nil:
			wasCreate = false
		case errors.Is(getErr, syncerr.ErrNotFound):
			wasCreate = true
		default:
			return syncerr.Wrap("repository: save: check existence", getErr)
		}

		if err := dao.Put(ctx, rec); err != nil {
			return syncerr.Wrap("repository: save: local put", err)
		}

		// A Queue bound to this transaction's SyncQueueDAO, not r.queue
		// (which is bound to the Store's ambient connection and would
		// deadlock if used inside an open transaction, see
		// internal/negotiate's equivalent note).
		txQueue := syncqueue.New(tx.SyncQueue(), r.cfg.MaxAttempts, r.metrics)
		if wasCreate {
			temp := ""
			if r.descriptor.IDStrategy == model.ServerGenerated {
				temp = id
			}
			if _, err := txQueue.EnqueueCreate(ctx, r.modelType, id, rec, idemKey, temp); err != nil {
				return err
			}
		} else {
			if _, err := txQueue.Coalesce(ctx, r.modelType, id, rec, idemKey); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return zero, err
	}

	kind := ChangeUpdated
	if wasCreate {
		kind = ChangeCreated
	}
	r.publish(Change{Kind: kind, ModelType: r.modelType, ModelID: id, Record: rec})
	return r.adapter.FromRecord(rec)
}

// saveRemoteFirst implements spec.md §4.5's remoteFirst: the HTTP call
// happens first; on failure local state is never touched.
func (r *Repository[T]) saveRemoteFirst(ctx context.Context, rec model.Record) (T, error) {
	var zero T
	id := rec.ID()

	existedLocally, err := r.existsLocally(ctx, id)
	if err != nil {
		return zero, err
	}

	payload := map[string]any(rec)
	var serverRec map[string]any
	if existedLocally {
		serverRec, err = r.api.UpdateOne(ctx, payload)
	} else {
		serverRec, err = r.api.CreateOne(ctx, payload)
	}
	if err != nil {
		return zero, syncerr.Wrap("repository: remoteFirst save", err)
	}

	final := model.Record(serverRec)
	if final.ID() == "" {
		final = final.WithID(id)
	}

	err = r.st.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		dao, err := tx.DAO(r.modelType)
		if err != nil {
			return err
		}
		if final.ID() != id {
			if err := dao.Delete(ctx, id); err != nil && !errors.Is(err, syncerr.ErrNotFound) {
				return err
			}
		}
		return dao.Put(ctx, final)
	})
	if err != nil {
		return zero, err
	}

	kind := ChangeUpdated
	if !existedLocally {
		kind = ChangeCreated
	}
	r.publish(Change{Kind: kind, ModelType: r.modelType, ModelID: final.ID(), Record: final})
	return r.adapter.FromRecord(final)
}

func (r *Repository[T]) existsLocally(ctx context.Context, id string) (bool, error) {
	dao, err := r.st.DAO(r.modelType)
	if err != nil {
		return false, err
	}
	_, err = dao.Get(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, syncerr.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// --- Delete --------------------------------------------------------------

// Delete removes id using the repository's default save policy (spec.md
// §4.5 treats delete as governed by the same localFirst/remoteFirst axis
// as save).
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	return r.DeleteWithPolicy(ctx, id, r.cfg.DefaultSavePolicy)
}

// DeleteWithPolicy removes id using an explicit policy override. If the
// model type declares cascading child relations, they are removed in the
// same local transaction. Under localFirst each removed row gets its own
// smart-delete enqueue; under remoteFirst the remote delete is issued for
// id alone, before any local change, and the cascaded children get no
// queue entry.
func (r *Repository[T]) DeleteWithPolicy(ctx context.Context, id string, policy syncconfig.SavePolicy) error {
	if r.isDisposed() {
		return syncerr.Wrap("repository: delete", syncerr.ErrFatalState)
	}

	idemKey := r.keyFor(id)
	release, err := r.qm.Admit(ctx, queuemgr.Foreground, idemKey)
	if err != nil {
		return syncerr.Wrap("repository: delete admission", err)
	}
	defer release()

	if policy == syncconfig.SaveRemoteFirst {
		if err := r.api.DeleteOne(ctx, id); err != nil && !errors.Is(err, syncerr.ErrNotFound) {
			return syncerr.Wrap("repository: remoteFirst delete", err)
		}
	}

	var deletedKeys []store.Key
	if r.cascader != nil {
		deletedKeys, err = r.cascader.Delete(ctx, r.modelType, id)
	} else {
		err = r.st.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
			dao, derr := tx.DAO(r.modelType)
			if derr != nil {
				return derr
			}
			return dao.Delete(ctx, id)
		})
		deletedKeys = []store.Key{{ModelType: r.modelType, ModelID: id}}
	}
	if err != nil {
		return err
	}

	if policy == syncconfig.SaveRemoteFirst {
		// Any stray pending entry for the root key is moot now that the
		// remote delete already happened synchronously (spec.md §4.5).
		if err := r.st.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
			txQueue := syncqueue.New(tx.SyncQueue(), r.cfg.MaxAttempts, r.metrics)
			return txQueue.ClearActiveEntries(ctx, r.modelType, id)
		}); err != nil {
			return err
		}
	} else {
		if err := r.st.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
			txQueue := syncqueue.New(tx.SyncQueue(), r.cfg.MaxAttempts, r.metrics)
			for _, key := range deletedKeys {
				if err := txQueue.SmartDelete(ctx, key.ModelType, key.ModelID, key.ModelType+":"+key.ModelID); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}

	r.publish(Change{Kind: ChangeDeleted, ModelType: r.modelType, ModelID: id})
	return nil
}

// --- Load policies (spec.md §4.5) ---------------------------------------

// FindOne reads id using the repository's default load policy.
func (r *Repository[T]) FindOne(ctx context.Context, id string) (T, bool, error) {
	return r.FindOneWithPolicy(ctx, id, r.cfg.DefaultLoadPolicy)
}

// FindOneWithPolicy reads id using an explicit policy override.
func (r *Repository[T]) FindOneWithPolicy(ctx context.Context, id string, policy syncconfig.LoadPolicy) (T, bool, error) {
	var zero T
	if r.isDisposed() {
		return zero, false, syncerr.Wrap("repository: findOne", syncerr.ErrFatalState)
	}

	switch policy {
	case syncconfig.LoadRemoteFirst:
		return r.findOneRemoteFirst(ctx, id)
	case syncconfig.LoadLocalThenRemote:
		rec, ok, err := r.getLocal(ctx, id)
		if err != nil {
			return zero, false, err
		}
		r.scheduleRefreshOne(id)
		if !ok {
			return zero, false, nil
		}
		v, err := r.adapter.FromRecord(rec)
		return v, true, err
	default:
		rec, ok, err := r.getLocal(ctx, id)
		if err != nil || !ok {
			return zero, ok, err
		}
		v, err := r.adapter.FromRecord(rec)
		return v, true, err
	}
}

func (r *Repository[T]) getLocal(ctx context.Context, id string) (model.Record, bool, error) {
	dao, err := r.st.DAO(r.modelType)
	if err != nil {
		return nil, false, err
	}
	rec, err := dao.Get(ctx, id)
	if err != nil {
		if errors.Is(err, syncerr.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return rec, true, nil
}

func (r *Repository[T]) findOneRemoteFirst(ctx context.Context, id string) (T, bool, error) {
	var zero T
	release, err := r.qm.Admit(ctx, queuemgr.Foreground, r.keyFor(id))
	if err != nil {
		return zero, false, err
	}
	defer release()

	remote, err := r.api.FindOne(ctx, id, nil, nil)
	if err != nil {
		if errors.Is(err, syncerr.ErrGone) {
			if err := r.reconciler.HandleGone(ctx, r.modelType, id); err != nil {
				return zero, false, err
			}
			r.publish(Change{Kind: ChangeDeleted, ModelType: r.modelType, ModelID: id})
			return zero, false, nil
		}
		if errors.Is(err, syncerr.ErrNotFound) {
			return zero, false, nil
		}
		return zero, false, syncerr.Wrap("repository: remoteFirst findOne", err)
	}

	survivors, err := r.reconciler.ReconcileList(ctx, r.modelType, []model.Record{model.Record(remote)})
	if err != nil {
		return zero, false, err
	}
	if len(survivors) == 0 {
		// The row has an active sync-queue entry; local pending state
		// wins (spec.md §4.7), so serve it instead of the remote read.
		rec, ok, err := r.getLocal(ctx, id)
		if err != nil || !ok {
			return zero, ok, err
		}
		v, err := r.adapter.FromRecord(rec)
		return v, true, err
	}
	v, err := r.adapter.FromRecord(survivors[0])
	return v, true, err
}

// scheduleRefreshOne enqueues a Load-queue background refresh, per
// spec.md §4.5's localThenRemote.
func (r *Repository[T]) scheduleRefreshOne(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundRefreshTimeout)
		defer cancel()

		release, err := r.qm.Admit(ctx, queuemgr.Load, r.keyFor(id))
		if err != nil {
			r.log.Debug("load admission declined for background refresh", "model_id", id, "error", err)
			return
		}
		defer release()

		remote, err := r.api.FindOne(ctx, id, nil, nil)
		if err != nil {
			if errors.Is(err, syncerr.ErrGone) {
				if herr := r.reconciler.HandleGone(ctx, r.modelType, id); herr != nil {
					r.log.Warn("background gone-delete failed", "model_id", id, "error", herr)
					return
				}
				r.publish(Change{Kind: ChangeDeleted, ModelType: r.modelType, ModelID: id})
				return
			}
			if !errors.Is(err, syncerr.ErrNotFound) {
				r.log.Warn("background refresh failed", "model_id", id, "error", err)
				r.publish(Change{Kind: ChangeError, ModelType: r.modelType, ModelID: id, Err: err})
			}
			return
		}

		survivors, err := r.reconciler.ReconcileList(ctx, r.modelType, []model.Record{model.Record(remote)})
		if err != nil {
			r.log.Warn("background reconcile failed", "model_id", id, "error", err)
			return
		}
		if len(survivors) > 0 {
			r.publish(Change{Kind: ChangeUpdated, ModelType: r.modelType, ModelID: id, Record: survivors[0]})
		}
	}()
}

// FindAll lists using the repository's default load policy.
func (r *Repository[T]) FindAll(ctx context.Context, q store.Query) ([]T, error) {
	return r.FindAllWithPolicy(ctx, q, r.cfg.DefaultLoadPolicy)
}

// FindAllWithPolicy lists using an explicit policy override. Remote
// fetches always request the adapter's unfiltered list; q only filters
// the local read — mapping a structured store.Query onto the adapter's
// opaque httpadapter.Query is application-specific and out of scope here.
func (r *Repository[T]) FindAllWithPolicy(ctx context.Context, q store.Query, policy syncconfig.LoadPolicy) ([]T, error) {
	if r.isDisposed() {
		return nil, syncerr.Wrap("repository: findAll", syncerr.ErrFatalState)
	}

	switch policy {
	case syncconfig.LoadRemoteFirst:
		return r.findAllRemoteFirst(ctx, q)
	case syncconfig.LoadLocalThenRemote:
		local, err := r.getLocalAll(ctx, q)
		if err != nil {
			return nil, err
		}
		r.scheduleRefreshAll()
		return local, nil
	default:
		return r.getLocalAll(ctx, q)
	}
}

func (r *Repository[T]) getLocalAll(ctx context.Context, q store.Query) ([]T, error) {
	dao, err := r.st.DAO(r.modelType)
	if err != nil {
		return nil, err
	}
	recs, err := dao.GetAll(ctx, q)
	if err != nil {
		return nil, err
	}
	return r.decodeAll(recs)
}

func (r *Repository[T]) decodeAll(recs []model.Record) ([]T, error) {
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		v, err := r.adapter.FromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// listAdmissionKey is the wildcard idempotency key for whole-list
// load-policy dispatches, distinct from any single row's key.
func (r *Repository[T]) listAdmissionKey() string {
	return r.modelType + ":*"
}

func (r *Repository[T]) findAllRemoteFirst(ctx context.Context, q store.Query) ([]T, error) {
	release, err := r.qm.Admit(ctx, queuemgr.Foreground, r.listAdmissionKey())
	if err != nil {
		return nil, syncerr.Wrap("repository: remoteFirst findAll admission", err)
	}
	defer release()

	remote, err := r.api.FindAll(ctx, nil)
	if err != nil {
		return nil, syncerr.Wrap("repository: remoteFirst findAll", err)
	}
	recs := make([]model.Record, 0, len(remote))
	for _, m := range remote {
		recs = append(recs, model.Record(m))
	}
	survivors, err := r.reconciler.ReconcileList(ctx, r.modelType, recs)
	if err != nil {
		return nil, err
	}
	return r.decodeAll(survivors)
}

func (r *Repository[T]) scheduleRefreshAll() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundRefreshTimeout)
		defer cancel()

		release, err := r.qm.Admit(ctx, queuemgr.Load, r.listAdmissionKey())
		if err != nil {
			r.log.Debug("load admission declined for background list refresh", "error", err)
			return
		}
		defer release()

		remote, err := r.api.FindAll(ctx, nil)
		if err != nil {
			r.log.Warn("background list refresh failed", "error", err)
			return
		}
		recs := make([]model.Record, 0, len(remote))
		for _, m := range remote {
			recs = append(recs, model.Record(m))
		}
		survivors, err := r.reconciler.ReconcileList(ctx, r.modelType, recs)
		if err != nil {
			r.log.Warn("background list reconcile failed", "error", err)
			return
		}
		for _, rec := range survivors {
			r.publish(Change{Kind: ChangeUpdated, ModelType: r.modelType, ModelID: rec.ID(), Record: rec})
		}
	}()
}

// --- Watch (always local, spec.md §4.5) ---------------------------------

// Observation is one value delivered by WatchOne: Exists is false when the
// watched row is currently absent.
type Observation[T any] struct {
	Value  T
	Exists bool
}

// WatchOne streams id's current value from the local DAO on every commit
// that touches it. remoteFirst has no watch equivalent (spec.md §4.5) —
// there is no policy parameter here because this always reads local.
func (r *Repository[T]) WatchOne(ctx context.Context, id string) (<-chan Observation[T], func(), error) {
	dao, err := r.st.DAO(r.modelType)
	if err != nil {
		return nil, nil, err
	}
	recCh, cancel, err := dao.Watch(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Observation[T])
	go func() {
		defer close(out)
		for rec := range recCh {
			var obs Observation[T]
			if rec != nil {
				v, err := r.adapter.FromRecord(rec)
				if err != nil {
					r.log.Warn("watchOne decode failed", "model_id", id, "error", err)
					continue
				}
				obs = Observation[T]{Value: v, Exists: true}
			}
			select {
			case out <- obs:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}

// WatchAll streams the full matching set from the local DAO on every
// commit affecting any row matching q.
func (r *Repository[T]) WatchAll(ctx context.Context, q store.Query) (<-chan []T, func(), error) {
	dao, err := r.st.DAO(r.modelType)
	if err != nil {
		return nil, nil, err
	}
	recCh, cancel, err := dao.WatchAll(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan []T)
	go func() {
		defer close(out)
		for recs := range recCh {
			vals, err := r.decodeAll(recs)
			if err != nil {
				r.log.Warn("watchAll decode failed", "error", err)
				continue
			}
			select {
			case out <- vals:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}

// --- Reactive change stream (spec.md §4.5) -------------------------------

// Subscribe registers a new listener and returns its event channel plus a
// cancel func. Multiple concurrent listeners receive identical events;
// cancelling one mid-delivery never loses events for the others.
func (r *Repository[T]) Subscribe() (<-chan Change, func()) {
	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	sub := newSubscriber(id)
	r.subs[id] = sub
	r.mu.Unlock()

	return sub.ch, func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
		sub.close()
	}
}

func (r *Repository[T]) publish(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	for _, sub := range r.subs {
		sub.push(c)
	}
}

// Dispose closes the change stream. No events are delivered after this
// returns, even to listeners already registered (spec.md §5).
func (r *Repository[T]) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	subs := r.subs
	r.subs = make(map[int]*subscriber)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// TruncateLocal clears this model's DAO rows without touching the sync
// queue, emitting a single wildcard deleted event (spec.md §5).
func (r *Repository[T]) TruncateLocal(ctx context.Context) error {
	dao, err := r.st.DAO(r.modelType)
	if err != nil {
		return err
	}
	if err := dao.Truncate(ctx); err != nil {
		return syncerr.Wrap("repository: truncateLocal", err)
	}
	r.publish(Change{Kind: ChangeDeleted, ModelType: r.modelType, ModelID: "*"})
	return nil
}

// --- registry.RepositoryOps (Retry Executor dispatch, spec.md §4.4) -----

// DispatchCreate performs the remote createOne call.
func (r *Repository[T]) DispatchCreate(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return r.api.CreateOne(ctx, payload)
}

// DispatchUpdate performs the remote updateOne call.
func (r *Repository[T]) DispatchUpdate(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return r.api.UpdateOne(ctx, payload)
}

// DispatchDelete performs the remote deleteOne call.
func (r *Repository[T]) DispatchDelete(ctx context.Context, modelID string) error {
	return r.api.DeleteOne(ctx, modelID)
}

// ApplyCreateResult applies a successful createOne response: if the
// entity uses server-generated ids, runs ID negotiation (spec.md §4.6)
// before marking the queue entry succeeded; otherwise just persists the
// (possibly server-enriched) record.
func (r *Repository[T]) ApplyCreateResult(ctx context.Context, entryID int64, serverRecord map[string]any) error {
	entry, err := r.queue.GetByID(ctx, entryID)
	if err != nil {
		return err
	}
	rec := model.Record(serverRecord)

	if entry.TemporaryClientID != "" {
		negotiated, err := r.negotiator.Negotiate(ctx, r.modelType, entry.TemporaryClientID, rec)
		if err != nil {
			return err
		}
		if err := r.queue.MarkSucceeded(ctx, entryID); err != nil {
			return err
		}
		r.publish(Change{
			Kind: ChangeIDChanged, ModelType: r.modelType,
			ModelID: negotiated.ID(), OldID: entry.TemporaryClientID, Record: negotiated,
		})
		return nil
	}

	if err := r.putLocal(ctx, rec); err != nil {
		return err
	}
	if err := r.queue.MarkSucceeded(ctx, entryID); err != nil {
		return err
	}
	r.publish(Change{Kind: ChangeCreated, ModelType: r.modelType, ModelID: rec.ID(), Record: rec})
	return nil
}

// ApplyUpdateResult applies a successful updateOne response.
func (r *Repository[T]) ApplyUpdateResult(ctx context.Context, entryID int64, serverRecord map[string]any) error {
	rec := model.Record(serverRecord)
	if err := r.putLocal(ctx, rec); err != nil {
		return err
	}
	if err := r.queue.MarkSucceeded(ctx, entryID); err != nil {
		return err
	}
	r.publish(Change{Kind: ChangeUpdated, ModelType: r.modelType, ModelID: rec.ID(), Record: rec})
	return nil
}

// ApplyDeleteResult marks a delete complete. The local row was already
// removed synchronously when Delete/DeleteWithPolicy ran; this only
// clears the queue entry and notifies listeners.
func (r *Repository[T]) ApplyDeleteResult(ctx context.Context, entryID int64) error {
	entry, err := r.queue.GetByID(ctx, entryID)
	if err != nil {
		return err
	}
	if err := r.queue.MarkSucceeded(ctx, entryID); err != nil {
		return err
	}
	r.publish(Change{Kind: ChangeDeleted, ModelType: r.modelType, ModelID: entry.ModelID})
	return nil
}

// ReportError emits an `error` change-stream event for a failed remote
// dispatch without closing the stream (spec.md §4.5).
func (r *Repository[T]) ReportError(ctx context.Context, entryID int64, dispatchErr error) {
	modelID := ""
	if entry, err := r.queue.GetByID(ctx, entryID); err == nil {
		modelID = entry.ModelID
	}
	r.publish(Change{Kind: ChangeError, ModelType: r.modelType, ModelID: modelID, Err: dispatchErr})
}

func (r *Repository[T]) putLocal(ctx context.Context, rec model.Record) error {
	return r.st.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		dao, err := tx.DAO(r.modelType)
		if err != nil {
			return err
		}
		return dao.Put(ctx, rec)
	})
}
