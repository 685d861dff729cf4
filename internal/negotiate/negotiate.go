// Package negotiate implements ID negotiation (spec.md §4.6): once a
// createOne call for a server-generated-id model returns, the local row
// (keyed by a temporary client-assigned id) is rewritten to the server's
// id, the rewrite cascades into any child row's foreign key referencing
// the old id, and into any sync_queue entry (this model's own rows and any
// other row whose payload references the old id).
//
// Temporary id generation is grounded on the teacher's internal/idgen
// (GenerateHashID: crypto/sha256 over stable content, base36-encoded)
// adapted for a purpose idgen doesn't serve — a short-lived, collision-
// resistant placeholder rather than a permanent semantic id — so this
// package uses crypto/rand directly instead of importing idgen's
// title/description-keyed hash scheme, which has no equivalent inputs here.
//
// Collision resolution (two rows claiming the same server id, e.g. a
// concurrent reconcile already pulled the row this create just produced)
// is grounded on internal/merge's "keep the newer side, copy survivor
// fields from the older one" idiom (mergeFieldByUpdatedAt), not its
// git-style conflict-marker machinery.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	cryptorand "crypto/rand"
	"time"

	"github.com/andreystavitsky/synquill-go/internal/model"
	"github.com/andreystavitsky/synquill-go/internal/obsv"
	"github.com/andreystavitsky/synquill-go/internal/store"
	"github.com/andreystavitsky/synquill-go/internal/syncerr"
	"github.com/andreystavitsky/synquill-go/internal/syncqueue"
)

const tempIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// TempIDPrefix marks an id as client-assigned and pending negotiation, so a
// Repository can tell at a glance (before the queue entry resolves) whether
// a record's id is still temporary.
const TempIDPrefix = "tmp_"

// GenerateTempID returns a short, collision-resistant placeholder id for a
// server-generated-id model's create, to be negotiated away once the
// server responds (spec.md §4.6).
func GenerateTempID() string {
	buf := make([]byte, 16)
	if _, err := cryptorand.Read(buf); err != nil {
		// crypto/rand failing means the platform's entropy source is
		// broken; there is no safe fallback for an id meant to be
		// collision-resistant, so surface it loudly rather than emit a
		// weak id.
		panic(fmt.Sprintf("negotiate: reading random bytes: %v", err))
	}
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = tempIDAlphabet[int(b)%len(tempIDAlphabet)]
	}
	return TempIDPrefix + string(out)
}

// Negotiator carries out ID negotiation against the Durable Store.
type Negotiator struct {
	st      store.Store
	schema  *model.SchemaRegistry
	queue   *syncqueue.Queue
	metrics *obsv.Metrics
	log     *slog.Logger
}

// New builds a Negotiator over st, using schema to find child relations to
// rewrite and queue to propagate the rewrite into the sync_queue table.
func New(st store.Store, schema *model.SchemaRegistry, queue *syncqueue.Queue, metrics *obsv.Metrics) *Negotiator {
	return &Negotiator{
		st:      st,
		schema:  schema,
		queue:   queue,
		metrics: metrics,
		log:     obsv.NewLogger("negotiate"),
	}
}

// Negotiate applies a createOne response to the local row previously stored
// under tempID. serverRecord must carry the server-assigned id in its "id"
// field. It returns the final, merged record as stored locally.
//
// If the server id happens to already be in local use (a collision — e.g.
// a concurrent refresh already pulled the row this create just produced)
// with an identical updated_at on both sides, neither row is touched and
// ErrCollision is returned: the caller must leave the sync-queue entry
// pending so it resolves on a later retry once the timestamps diverge,
// per the recorded Open Question decision.
func (n *Negotiator) Negotiate(ctx context.Context, modelType, tempID string, serverRecord model.Record) (model.Record, error) {
	newID := serverRecord.ID()
	if newID == "" {
		return nil, syncerr.Wrap("negotiate: server record has no id", syncerr.ErrFatalState)
	}

	var result model.Record
	err := n.st.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		dao, err := tx.DAO(modelType)
		if err != nil {
			return err
		}

		localRec, err := dao.Get(ctx, tempID)
		if err != nil && !errors.Is(err, syncerr.ErrNotFound) {
			return syncerr.Wrap("negotiate: load local record", err)
		}

		if newID == tempID {
			result = mergeRecords(localRec, serverRecord).WithID(newID)
			if err := dao.Put(ctx, result); err != nil {
				return syncerr.Wrap("negotiate: put unchanged id", err)
			}
			return nil
		}

		existing, err := dao.Get(ctx, newID)
		switch {
		case err == nil:
			// Collision: a row already claims the server's id.
			localAt := recordUpdatedAt(localRec)
			existingAt := recordUpdatedAt(existing)
			if localAt.Equal(existingAt) {
				result = nil
				return syncerr.ErrCollision
			}
			localMerged := mergeRecords(localRec, serverRecord)
			if localAt.After(existingAt) {
				result = mergeRecords(existing, localMerged).WithID(newID)
			} else {
				result = mergeRecords(localMerged, existing).WithID(newID)
			}
			// Drop the colliding row so the temp row can take over its id.
			if err := dao.Delete(ctx, newID); err != nil {
				return syncerr.Wrap("negotiate: remove colliding record", err)
			}
		case errors.Is(err, syncerr.ErrNotFound):
			result = mergeRecords(localRec, serverRecord).WithID(newID)
		default:
			return syncerr.Wrap("negotiate: load existing record", err)
		}

		if localRec != nil {
			if err := dao.RewriteID(ctx, tempID, newID); err != nil {
				return syncerr.Wrap("negotiate: rewrite id", err)
			}
		}
		if err := dao.Put(ctx, result); err != nil {
			return syncerr.Wrap("negotiate: put negotiated record", err)
		}

		if err := n.rewriteChildForeignKeys(ctx, tx, modelType, tempID, newID); err != nil {
			return err
		}
		// Rewrite through tx.SyncQueue(), not n.queue: the latter is bound
		// to the Store's ambient (non-transactional) connection, and
		// calling it here while this transaction holds the single SQLite
		// writer connection would deadlock against db.SetMaxOpenConns(1).
		if err := tx.SyncQueue().RewriteModelID(ctx, modelType, tempID, newID); err != nil {
			return syncerr.Wrap("negotiate: rewrite queue model id", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, syncerr.ErrCollision) {
			n.log.Info("id collision on equal timestamps, leaving entry pending",
				"model_type", modelType, "temp_id", tempID, "server_id", newID)
			return nil, err
		}
		return nil, err
	}

	if n.metrics != nil {
		n.metrics.NegotiationsDone.Add(ctx, 1)
	}
	n.log.Debug("id negotiated", "model_type", modelType, "temp_id", tempID, "server_id", newID)
	return result, nil
}

// rewriteChildForeignKeys rewrites oldID to newID in every row of every
// model type that declares a foreign key to modelType (spec.md §4.6). Only
// one level deep: a grandchild's foreign key points at the child's own id,
// which this rewrite does not change.
func (n *Negotiator) rewriteChildForeignKeys(ctx context.Context, tx store.Tx, modelType, oldID, newID string) error {
	for _, rel := range n.schema.ChildRelationsOf(modelType) {
		childDAO, err := tx.DAO(rel.ChildType)
		if err != nil {
			return syncerr.Wrap(fmt.Sprintf("negotiate: dao for child type %s", rel.ChildType), err)
		}
		children, err := childDAO.GetAll(ctx, store.Query{
			Filters: []store.Filter{{Field: rel.ForeignKeyField, Op: store.FilterEq, Value: oldID}},
		})
		if err != nil {
			return syncerr.Wrap(fmt.Sprintf("negotiate: scan children of %s", rel.ChildType), err)
		}
		for _, child := range children {
			rewritten := child.RewriteForeignKey(rel.ForeignKeyField, oldID, newID)
			if err := childDAO.Put(ctx, rewritten); err != nil {
				return syncerr.Wrap(fmt.Sprintf("negotiate: rewrite fk on %s", rel.ChildType), err)
			}
		}
	}
	return nil
}

// recordUpdatedAt reads rec's "updated_at" field as a time, treating
// absent/unparsable values as the zero time (always loses a comparison).
func recordUpdatedAt(rec model.Record) time.Time {
	if rec == nil {
		return time.Time{}
	}
	switch v := rec["updated_at"].(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	case time.Time:
		return v
	}
	return time.Time{}
}

// mergeRecords returns a record favoring newer's fields, falling back to
// older's for any field newer doesn't set. Grounded on internal/merge's
// mergeFieldByUpdatedAt: the newer side wins outright, the older side only
// fills gaps, rather than a field-by-field 3-way diff (which needs a common
// ancestor this package never has).
func mergeRecords(older, newer model.Record) model.Record {
	if older == nil {
		return newer.Clone()
	}
	if newer == nil {
		return older.Clone()
	}
	merged := older.Clone()
	for k, v := range newer {
		merged[k] = v
	}
	return merged
}
