// Package cascade implements cascade delete with cycle detection
// (spec.md §4.8): deleting a row whose schema declares cascading child
// relations recursively deletes matching children first, all within one
// transaction, breaking cycles via an explicit per-call visited set rather
// than any global/process state.
//
// The audit manifest (manifest.go) is additive observability grounded
// directly on the teacher's internal/deletions append-only jsonl log
// (DeletionRecord/AppendDeletion/LoadDeletions), retargeted from logging
// top-level issue deletions to logging every row a cascade delete removes.
package cascade

import (
	"context"
	"log/slog"
	"time"

	"github.com/andreystavitsky/synquill-go/internal/model"
	"github.com/andreystavitsky/synquill-go/internal/obsv"
	"github.com/andreystavitsky/synquill-go/internal/store"
)

// Cascade performs cascade deletes against the Durable Store.
type Cascade struct {
	st           store.Store
	schema       *model.SchemaRegistry
	metrics      *obsv.Metrics
	log          *slog.Logger
	manifestPath string
}

// New builds a Cascade. manifestPath may be empty to disable the audit
// manifest entirely.
func New(st store.Store, schema *model.SchemaRegistry, metrics *obsv.Metrics, manifestPath string) *Cascade {
	return &Cascade{
		st:           st,
		schema:       schema,
		metrics:      metrics,
		log:          obsv.NewLogger("cascade"),
		manifestPath: manifestPath,
	}
}

// Delete removes modelType/id and, recursively, every cascade-eligible
// child row referencing it (spec.md §4.8), all in one transaction. It
// returns every (type, id) pair actually removed, root last, so a caller
// (internal/repository) can enqueue remote delete operations for the
// children too — cascade itself only owns the local transactional delete
// and its audit trail, not sync-queue bookkeeping.
func (c *Cascade) Delete(ctx context.Context, modelType, id string) ([]store.Key, error) {
	var deleted []store.Key
	root := store.Key{ModelType: modelType, ModelID: id}
	err := c.st.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		visited := map[store.Key]struct{}{root: {}}
		return c.deleteRecursive(ctx, tx, root, visited, &deleted)
	})
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.CascadeDeletes.Add(ctx, int64(len(deleted)))
	}
	now := time.Now().UTC()
	for _, key := range deleted {
		rec := DeletionRecord{ModelType: key.ModelType, ModelID: key.ModelID, Timestamp: now}
		if key != root {
			rec.Root = id
		}
		if err := AppendManifest(c.manifestPath, rec); err != nil {
			c.log.Warn("failed to append cascade manifest record", "error", err)
		}
	}
	return deleted, nil
}

// deleteRecursive walks cascade-eligible child relations of key.ModelType
// depth-first, deleting children before the parent so FK constraints (where
// the backend enforces them) are never violated mid-transaction.
func (c *Cascade) deleteRecursive(ctx context.Context, tx store.Tx, key store.Key, visited map[store.Key]struct{}, deleted *[]store.Key) error {
	for _, rel := range c.schema.ChildRelationsOf(key.ModelType) {
		if !rel.Cascade {
			continue
		}
		childDAO, err := tx.DAO(rel.ChildType)
		if err != nil {
			return err
		}
		children, err := childDAO.GetAll(ctx, store.Query{
			Filters: []store.Filter{{Field: rel.ForeignKeyField, Op: store.FilterEq, Value: key.ModelID}},
		})
		if err != nil {
			return err
		}
		for _, child := range children {
			childKey := store.Key{ModelType: rel.ChildType, ModelID: child.ID()}
			if _, seen := visited[childKey]; seen {
				c.log.Warn("cascade delete cycle broken", "model_type", childKey.ModelType, "model_id", childKey.ModelID)
				continue
			}
			visited[childKey] = struct{}{}
			if err := c.deleteRecursive(ctx, tx, childKey, visited, deleted); err != nil {
				return err
			}
		}
	}

	dao, err := tx.DAO(key.ModelType)
	if err != nil {
		return err
	}
	if err := dao.Delete(ctx, key.ModelID); err != nil {
		return err
	}
	*deleted = append(*deleted, key)
	return nil
}
