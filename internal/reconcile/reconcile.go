// Package reconcile implements refresh reconciliation (spec.md §4.7): when
// a remoteFirst or localThenRemote fetch returns a list, rows with an
// active sync-queue entry are left untouched (local pending state wins)
// while the rest are upserted from the remote snapshot; and the 410-Gone
// special case, which is an authoritative remote delete.
//
// Grounded on the teacher's internal/merge set-based reconciliation shape
// (computing a pending/active key set and filtering a remote set against
// it before applying), retargeted from its 3-way JSONL merge onto this
// package's simpler "pending set wins outright" policy — refresh
// reconciliation has no common ancestor to diff against, so there is no
// field-level merge here, only a skip/upsert decision per row.
package reconcile

import (
	"context"
	"log/slog"

	"github.com/andreystavitsky/synquill-go/internal/model"
	"github.com/andreystavitsky/synquill-go/internal/obsv"
	"github.com/andreystavitsky/synquill-go/internal/store"
)

// Reconciler applies refresh reconciliation against the Durable Store.
type Reconciler struct {
	st  store.Store
	log *slog.Logger
}

// New builds a Reconciler over st.
func New(st store.Store) *Reconciler {
	return &Reconciler{st: st, log: obsv.NewLogger("reconcile")}
}

// ReconcileList implements spec.md §4.7 steps 1-3: compute the pending set
// P from active sync-queue entries for modelType, skip any remote row whose
// id is in P, and upsert the rest. Rows present locally but absent from
// remote are left alone (single-fetch refresh never infers list-delete).
// It returns R \ P, the subset actually applied — step 4's "return to the
// caller" value for remoteFirst callers; localThenRemote callers instead
// push this set onto the change stream.
func (r *Reconciler) ReconcileList(ctx context.Context, modelType string, remote []model.Record) ([]model.Record, error) {
	var survivors []model.Record
	err := r.st.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		dao, err := tx.DAO(modelType)
		if err != nil {
			return err
		}
		tasks, err := tx.SyncQueue().GetTasksForModel(ctx, modelType)
		if err != nil {
			return err
		}
		pending := make(map[string]struct{}, len(tasks))
		for _, e := range tasks {
			if e.IsActive() {
				pending[e.ModelID] = struct{}{}
			}
		}

		survivors = make([]model.Record, 0, len(remote))
		for _, rec := range remote {
			id := rec.ID()
			if _, skip := pending[id]; skip {
				r.log.Debug("refresh skipped pending row", "model_type", modelType, "model_id", id)
				continue
			}
			if err := dao.Put(ctx, rec); err != nil {
				return err
			}
			survivors = append(survivors, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return survivors, nil
}

// HandleGone implements spec.md §4.7's 410 special case: an authoritative
// remote deletion, applied whether discovered via a direct findOne or via
// localThenRemote's background refresh hitting the same status.
func (r *Reconciler) HandleGone(ctx context.Context, modelType, id string) error {
	return r.st.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		dao, err := tx.DAO(modelType)
		if err != nil {
			return err
		}
		r.log.Info("remote gone, deleting local copy", "model_type", modelType, "model_id", id)
		return dao.Delete(ctx, id)
	})
}
