package syncqueue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/andreystavitsky/synquill-go/internal/model"
	"github.com/andreystavitsky/synquill-go/internal/obsv"
	"github.com/andreystavitsky/synquill-go/internal/store"
	"github.com/andreystavitsky/synquill-go/internal/syncerr"
)

// Backoff parameters (spec.md §4.2): exponential with decorrelated jitter,
// base 1s, cap 5m.
const (
	backoffBase = time.Second
	backoffCap  = 5 * time.Minute
)

// Queue is the operation log façade over a store.SyncQueueDAO. All mutating
// methods are expected to be called from within a store.Tx (i.e. inside the
// same transaction as the corresponding local DAO write), so enqueue is
// atomic with the write it accompanies (spec.md §5).
type Queue struct {
	dao     store.SyncQueueDAO
	metrics *obsv.Metrics
	log     *slog.Logger

	maxAttempts int
	// rand allows deterministic backoff in tests; nil means a fresh
	// time-seeded source is used per backoff computation.
	rand *rand.Rand
}

// New creates a Queue backed by dao. maxAttempts is the configured
// MAX_ATTEMPTS (spec.md §3, default 10).
func New(dao store.SyncQueueDAO, maxAttempts int, metrics *obsv.Metrics) *Queue {
	return &Queue{
		dao:         dao,
		metrics:     metrics,
		log:         obsv.NewLogger("syncqueue"),
		maxAttempts: maxAttempts,
	}
}

// EnqueueCreate records a create op for (modelType, modelID). If temp is
// non-empty, the entity uses a server-generated id and temp is the
// temporary client id to negotiate away on success (spec.md §3).
func (q *Queue) EnqueueCreate(ctx context.Context, modelType, modelID string, payload model.Record, idemKey, temp string) (*store.Entry, error) {
	e := &store.Entry{
		ModelType:         modelType,
		ModelID:           modelID,
		Op:                OpCreate,
		Payload:           payload.Clone(),
		IdempotencyKey:    idemKey,
		Status:            StatusPending,
		TemporaryClientID: temp,
		CreatedAt:         time.Now(),
	}
	if temp != "" {
		e.IDNegotiationStatus = NegotiationPending
	} else {
		e.IDNegotiationStatus = NegotiationNone
	}
	id, err := q.dao.Insert(ctx, e)
	if err != nil {
		return nil, syncerr.Wrap("syncqueue: enqueue create", err)
	}
	e.ID = id
	return e, nil
}

// EnqueueUpdate records an update op, unless an active create already
// exists for the key — in which case it coalesces into that create's
// payload per the invariant in spec.md §3 ("the operation stays create").
func (q *Queue) EnqueueUpdate(ctx context.Context, modelType, modelID string, payload model.Record, idemKey string) (*store.Entry, error) {
	return q.Coalesce(ctx, modelType, modelID, payload, idemKey)
}

// Coalesce implements spec.md §4.2's coalesce operation: overwrite an
// active create's payload if one exists, else overwrite an active update's
// payload, else enqueue a fresh update.
func (q *Queue) Coalesce(ctx context.Context, modelType, modelID string, payload model.Record, idemKey string) (*store.Entry, error) {
	active, err := q.dao.GetActive(ctx, Key{ModelType: modelType, ModelID: modelID})
	if err != nil {
		return nil, syncerr.Wrap("syncqueue: coalesce lookup", err)
	}

	if e := findOp(active, OpCreate); e != nil {
		if err := q.dao.UpdatePayload(ctx, e.ID, payload); err != nil {
			return nil, syncerr.Wrap("syncqueue: coalesce into create", err)
		}
		e.Payload = payload.Clone()
		return e, nil
	}

	if e := findOp(active, OpUpdate); e != nil {
		if err := q.dao.UpdatePayload(ctx, e.ID, payload); err != nil {
			return nil, syncerr.Wrap("syncqueue: coalesce into update", err)
		}
		e.Payload = payload.Clone()
		return e, nil
	}

	e := &store.Entry{
		ModelType:      modelType,
		ModelID:        modelID,
		Op:             OpUpdate,
		Payload:        payload.Clone(),
		IdempotencyKey: idemKey,
		Status:         StatusPending,
		CreatedAt:      time.Now(),
	}
	id, err := q.dao.Insert(ctx, e)
	if err != nil {
		return nil, syncerr.Wrap("syncqueue: enqueue update", err)
	}
	e.ID = id
	return e, nil
}

// SmartDelete implements spec.md §4.2: if an active create exists for the
// key, remove it and enqueue nothing (the entity never reached the
// server); otherwise enqueue a delete. Any active update for the key is
// removed first (an update for a row about to be deleted is moot).
func (q *Queue) SmartDelete(ctx context.Context, modelType, modelID, idemKey string) error {
	active, err := q.dao.GetActive(ctx, Key{ModelType: modelType, ModelID: modelID})
	if err != nil {
		return syncerr.Wrap("syncqueue: smart-delete lookup", err)
	}

	if e := findOp(active, OpCreate); e != nil {
		if err := q.dao.Delete(ctx, e.ID); err != nil {
			return syncerr.Wrap("syncqueue: smart-delete remove create", err)
		}
		q.log.Debug("smart-delete removed pending create", "model_type", modelType, "model_id", modelID)
		return nil
	}

	if e := findOp(active, OpUpdate); e != nil {
		if err := q.dao.Delete(ctx, e.ID); err != nil {
			return syncerr.Wrap("syncqueue: smart-delete remove update", err)
		}
	}

	e := &store.Entry{
		ModelType:      modelType,
		ModelID:        modelID,
		Op:             OpDelete,
		IdempotencyKey: idemKey,
		Status:         StatusPending,
		CreatedAt:      time.Now(),
	}
	if _, err := q.dao.Insert(ctx, e); err != nil {
		return syncerr.Wrap("syncqueue: enqueue delete", err)
	}
	return nil
}

// MarkSucceeded deletes the entry row. If the entry carried a temporary
// client id that differs from its current model id (meaning ID
// negotiation rewrote it before this call), the caller is responsible for
// having already emitted idChanged — this method only clears the queue
// row, per spec.md §4.2.
func (q *Queue) MarkSucceeded(ctx context.Context, entryID int64) error {
	if err := q.dao.Delete(ctx, entryID); err != nil {
		return syncerr.Wrap("syncqueue: mark succeeded", err)
	}
	return nil
}

// MarkFailed increments attempt_count, computes the next backoff, and
// dead-letters the entry once the failed attempt brings the count to
// maxAttempts (spec.md §3/§4.2). Returns whether it was dead-lettered.
func (q *Queue) MarkFailed(ctx context.Context, entryID int64, errMsg string, isNetwork bool, attemptCount int) (dead bool, err error) {
	nextAttempt := attemptCount + 1
	if nextAttempt >= q.maxAttempts {
		if err := q.dao.MarkStatus(ctx, entryID, StatusDead); err != nil {
			return false, syncerr.Wrap("syncqueue: dead-letter", err)
		}
		if q.metrics != nil {
			q.metrics.DeadLettered.Add(ctx, 1)
		}
		q.log.Warn("sync entry dead-lettered", "entry_id", entryID, "attempts", nextAttempt, "last_error", errMsg)
		return true, nil
	}

	delay := q.backoffDelay(nextAttempt)
	next := time.Now().Add(delay)
	if err := q.dao.UpdateRetry(ctx, entryID, next, nextAttempt, errMsg, isNetwork); err != nil {
		return false, syncerr.Wrap("syncqueue: mark failed", err)
	}
	if q.metrics != nil {
		q.metrics.RetryAttempts.Add(ctx, 1)
	}
	return false, nil
}

// backoffDelay computes exponential backoff with decorrelated jitter
// (spec.md §4.2): delay = min(cap, random_between(base, previous*3)).
// attempt is 1-indexed (the attempt that just failed).
func (q *Queue) backoffDelay(attempt int) time.Duration {
	prev := backoffBase
	for i := 1; i < attempt; i++ {
		prev = minDuration(backoffCap, prev*3)
	}
	lo := backoffBase
	hi := minDuration(backoffCap, prev*3)
	if hi <= lo {
		return lo
	}
	r := q.rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // jitter, not security-sensitive
	}
	span := hi - lo
	return lo + time.Duration(r.Int63n(int64(span)))
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func findOp(entries []*store.Entry, op Op) *store.Entry {
	for _, e := range entries {
		if e.Op == op && e.IsActive() {
			return e
		}
	}
	return nil
}

// GetDueTasks delegates to the DAO (spec.md §4.1 ordering guarantees).
func (q *Queue) GetDueTasks(ctx context.Context, now time.Time, limit int) ([]*store.Entry, error) {
	return q.dao.GetDueTasks(ctx, now, limit)
}

// GetTasksForModel returns all entries for a model type, used by refresh
// reconciliation to compute the pending set P (spec.md §4.7).
func (q *Queue) GetTasksForModel(ctx context.Context, modelType string) ([]*store.Entry, error) {
	return q.dao.GetTasksForModel(ctx, modelType)
}

// GetAllTasks returns every entry, used for introspection/CLI tooling.
func (q *Queue) GetAllTasks(ctx context.Context) ([]*store.Entry, error) {
	return q.dao.GetAllTasks(ctx)
}

// GetByID fetches a single entry by row id.
func (q *Queue) GetByID(ctx context.Context, id int64) (*store.Entry, error) {
	e, err := q.dao.GetByID(ctx, id)
	if err != nil {
		return nil, syncerr.Wrap(fmt.Sprintf("syncqueue: get entry %d", id), err)
	}
	return e, nil
}

// RewriteModelID propagates an ID negotiation result into the queue
// (spec.md §4.6 step 3): model_id and any payload field referencing oldID.
func (q *Queue) RewriteModelID(ctx context.Context, modelType, oldID, newID string) error {
	return q.dao.RewriteModelID(ctx, modelType, oldID, newID)
}

// ClearActiveEntries removes every pending/in-progress entry for
// (modelType, modelID) without dispatching them, used after a remoteFirst
// delete already succeeded synchronously so no stale create/update for the
// now-deleted row is ever sent (spec.md §4.5).
func (q *Queue) ClearActiveEntries(ctx context.Context, modelType, modelID string) error {
	active, err := q.dao.GetActive(ctx, Key{ModelType: modelType, ModelID: modelID})
	if err != nil {
		return syncerr.Wrap("syncqueue: clear active entries", err)
	}
	for _, e := range active {
		if err := q.dao.Delete(ctx, e.ID); err != nil {
			return syncerr.Wrap("syncqueue: clear active entries", err)
		}
	}
	return nil
}

// Requeue resets a dead-lettered entry back to pending with a zeroed
// attempt count, for manual operator recovery (SPEC_FULL.md supplemented
// feature, cmd/synqctl dead-letter requeue).
func (q *Queue) Requeue(ctx context.Context, entryID int64) error {
	if err := q.dao.UpdateRetry(ctx, entryID, time.Now(), 0, "", false); err != nil {
		return syncerr.Wrap("syncqueue: requeue", err)
	}
	return q.dao.MarkStatus(ctx, entryID, StatusPending)
}
