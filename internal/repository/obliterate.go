package repository

import (
	"context"

	"github.com/andreystavitsky/synquill-go/internal/queuemgr"
	"github.com/andreystavitsky/synquill-go/internal/registry"
	"github.com/andreystavitsky/synquill-go/internal/syncerr"
	"github.com/andreystavitsky/synquill-go/internal/syncqueue"
)

// truncater is the narrow surface ObliterateLocalStorage needs from a
// registered RepositoryOps value — local to this package rather than
// widened onto registry.RepositoryOps itself, since the Retry Executor
// (the interface's only other consumer) has no use for it.
type truncater interface {
	TruncateLocal(ctx context.Context) error
}

// ObliterateLocalStorage implements spec.md §5's obliterateLocalStorage:
// cancels every admission still waiting for a queue ticket (dispatches
// already admitted are not cancelled and run to completion), clears the
// durable sync queue
// and every registered model's local rows, and leaves the Registry and
// the Repository instances themselves intact so the system is immediately
// usable again. confirm must be true or the call is refused — this is a
// destructive, irreversible operation and callers must opt in explicitly,
// not a standalone method on any single type, since it reaches across
// Store, Queue, QueueManager, and Registry at once.
func ObliterateLocalStorage(ctx context.Context, queue *syncqueue.Queue, qm *queuemgr.Manager, reg *registry.Registry, confirm bool) error {
	if !confirm {
		return syncerr.Wrap("repository: obliterateLocalStorage", syncerr.ErrValidation)
	}

	qm.ClearOnDisconnect()
	qm.RestoreOnConnect()

	tasks, err := queue.GetAllTasks(ctx)
	if err != nil {
		return syncerr.Wrap("repository: obliterateLocalStorage: list sync queue", err)
	}
	for _, e := range tasks {
		if err := queue.MarkSucceeded(ctx, e.ID); err != nil {
			return syncerr.Wrap("repository: obliterateLocalStorage: clear sync queue", err)
		}
	}

	for _, modelType := range reg.List() {
		ops := reg.Get(modelType)
		t, ok := ops.(truncater)
		if !ok {
			continue
		}
		if err := t.TruncateLocal(ctx); err != nil {
			return syncerr.Wrap("repository: obliterateLocalStorage: truncate "+modelType, err)
		}
	}
	return nil
}
