// Package retryexec implements the Retry Executor of spec.md §4.4: an
// adaptive-interval drain loop that dispatches due sync-queue entries
// through the per-model Repository's HTTP Adapter calls, applies ID
// negotiation / success bookkeeping on the happy path, and feeds failures
// back into the queue's backoff/dead-letter logic.
//
// The adaptive poll cadence is grounded on the teacher's
// internal/storage/dolt/store.go withRetry/newServerRetryBackoff pattern
// (cenkalti/backoff/v4's ExponentialBackOff driving a retry cadence)
// repurposed here from per-call connection retry onto poll-interval
// growth: idle polls back off from the foreground interval toward the
// background interval, and any successful drain resets it.
package retryexec

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/andreystavitsky/synquill-go/internal/obsv"
	"github.com/andreystavitsky/synquill-go/internal/queuemgr"
	"github.com/andreystavitsky/synquill-go/internal/registry"
	"github.com/andreystavitsky/synquill-go/internal/store"
	"github.com/andreystavitsky/synquill-go/internal/syncconfig"
	"github.com/andreystavitsky/synquill-go/internal/syncerr"
	"github.com/andreystavitsky/synquill-go/internal/syncqueue"
)

// dueBatchSize bounds a single drain pass so one overloaded model type
// can't starve the loop from ever checking in / responding to Stop.
const dueBatchSize = 100

// Executor drains due sync-queue entries on an adaptive interval.
type Executor struct {
	queue *syncqueue.Queue
	repos *registry.Registry
	qm    *queuemgr.Manager
	cfg   *syncconfig.Config
	log   *slog.Logger

	mu             sync.Mutex
	backgroundMode bool
	connected      bool

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds an Executor. queue is the durable operation log; repos
// resolves a sync-queue entry's model_type to the Repository that knows
// how to dispatch it remotely (spec.md §9 REDESIGN: string-keyed
// dispatch, no generics). qm gates each dispatch through the Background
// queue's admission control, so a row with a Foreground write in flight
// is never dispatched concurrently with it (spec.md §4.3 per-key
// serialization). The executor starts assuming connectivity; the
// Connectivity Supervisor calls SetConnected once it knows better.
func New(queue *syncqueue.Queue, repos *registry.Registry, qm *queuemgr.Manager, cfg *syncconfig.Config) *Executor {
	return &Executor{
		queue:     queue,
		repos:     repos,
		qm:        qm,
		cfg:       cfg,
		log:       obsv.NewLogger("retryexec"),
		connected: true,
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the drain loop. It returns immediately; call Stop to
// terminate it.
func (e *Executor) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop terminates the drain loop and waits for the in-flight pass (if
// any) to finish.
func (e *Executor) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// SetBackgroundMode toggles between the foreground poll interval (app
// active, spec.md §4.4 fast cadence) and the fixed background interval
// (app backgrounded, spec.md §4.4 slow cadence). Switching to foreground
// wakes the loop immediately.
func (e *Executor) SetBackgroundMode(background bool) {
	e.mu.Lock()
	e.backgroundMode = background
	e.mu.Unlock()
	if !background {
		e.Wake()
	}
}

// Wake requests an immediate drain pass without waiting for the next
// scheduled tick.
func (e *Executor) Wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// SetConnected records the Connectivity Supervisor's last-known state
// (spec.md §4.9): the drain loop consults this before dequeuing due tasks,
// so going offline makes even a forced drain a no-op. Becoming connected
// wakes the loop immediately.
func (e *Executor) SetConnected(online bool) {
	e.mu.Lock()
	e.connected = online
	e.mu.Unlock()
	if online {
		e.Wake()
	}
}

func (e *Executor) isConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *Executor) isBackgroundMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backgroundMode
}

func (e *Executor) loop(ctx context.Context) {
	defer e.wg.Done()

	idleBackoff := backoff.NewExponentialBackOff()
	idleBackoff.InitialInterval = e.cfg.ForegroundPollInterval
	idleBackoff.MaxInterval = e.cfg.BackgroundPollInterval
	idleBackoff.MaxElapsedTime = 0 // never expire; capped by MaxInterval instead
	idleBackoff.Reset()

	timer := time.NewTimer(e.nextInterval(idleBackoff, true))
	defer timer.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-e.wakeCh:
		case <-timer.C:
		}

		processed, err := e.ProcessDueTasksNow(ctx, false)
		if err != nil {
			e.log.Warn("drain pass failed", "error", err)
		}

		if processed > 0 {
			idleBackoff.Reset()
		}
		timer.Reset(e.nextInterval(idleBackoff, processed == 0))
	}
}

// nextInterval computes the delay until the next pass. Background mode
// always uses the fixed background interval; foreground mode uses the
// growing idle backoff when the last pass was empty, or resets straight
// to the foreground interval when work was just processed.
func (e *Executor) nextInterval(idleBackoff *backoff.ExponentialBackOff, idle bool) time.Duration {
	if e.isBackgroundMode() {
		return e.cfg.BackgroundPollInterval
	}
	if !idle {
		return e.cfg.ForegroundPollInterval
	}
	d := idleBackoff.NextBackOff()
	if d == backoff.Stop {
		return e.cfg.BackgroundPollInterval
	}
	return d
}

// ProcessDueTasksNow runs one drain pass: fetch due entries, dispatch
// each through its Repository, and apply the result. forceSync requests
// a larger-than-default batch (used by cmd/synqctl's force-drain and by
// the Connectivity Supervisor on reconnect, spec.md §4.9). It returns the
// number of due entries this pass picked up, whether their dispatch
// succeeded, failed, or was deferred because Background admission was
// declined.
func (e *Executor) ProcessDueTasksNow(ctx context.Context, forceSync bool) (int, error) {
	if !e.isConnected() {
		return 0, nil
	}

	limit := dueBatchSize
	if forceSync {
		limit = 0 // unbounded
	}
	due, err := e.queue.GetDueTasks(ctx, time.Now(), limit)
	if err != nil {
		return 0, err
	}

	for _, entry := range due {
		select {
		case <-ctx.Done():
			return len(due), ctx.Err()
		default:
		}
		e.dispatch(ctx, entry)
	}
	return len(due), nil
}

func (e *Executor) dispatch(ctx context.Context, entry *store.Entry) {
	repo := e.repos.Get(entry.ModelType)
	if repo == nil {
		e.log.Error("no repository registered for model type", "model_type", entry.ModelType, "entry_id", entry.ID)
		e.fail(ctx, entry, syncerr.Wrap("retryexec: dispatch", syncerr.ErrFatalState))
		return
	}

	if e.qm != nil {
		key := dispatchKey(entry)
		release, err := e.qm.Admit(ctx, queuemgr.Background, key)
		if err != nil {
			// Full/cancelled/ctx done/duplicate: leave the entry pending,
			// it will be picked up on a later poll.
			e.log.Debug("background admission declined, deferring entry", "entry_id", entry.ID, "error", err)
			return
		}
		defer release()
	}

	var dispatchErr error
	switch entry.Op {
	case store.OpCreate:
		dispatchErr = e.dispatchCreate(ctx, repo, entry)
	case store.OpUpdate:
		dispatchErr = e.dispatchUpdate(ctx, repo, entry)
	case store.OpDelete:
		dispatchErr = e.dispatchDelete(ctx, repo, entry)
	}

	if dispatchErr != nil {
		repo.ReportError(ctx, entry.ID, dispatchErr)
		e.fail(ctx, entry, dispatchErr)
	}
}

func (e *Executor) dispatchCreate(ctx context.Context, repo registry.RepositoryOps, entry *store.Entry) error {
	serverRec, err := repo.DispatchCreate(ctx, entry.Payload)
	if err != nil {
		return err
	}
	if err := repo.ApplyCreateResult(ctx, entry.ID, serverRec); err != nil {
		return err
	}
	return e.succeed(ctx, entry)
}

// dispatchUpdate implements spec.md §4.4's update-404-falls-back-to-create
// behavior: if the remote has no record of this id (e.g. it was dropped
// server-side, or negotiation never happened because the app restarted
// mid-flight), retry the operation as a create instead of dead-lettering it.
func (e *Executor) dispatchUpdate(ctx context.Context, repo registry.RepositoryOps, entry *store.Entry) error {
	serverRec, err := repo.DispatchUpdate(ctx, entry.Payload)
	if err == nil {
		if err := repo.ApplyUpdateResult(ctx, entry.ID, serverRec); err != nil {
			return err
		}
		return e.succeed(ctx, entry)
	}
	if !errors.Is(err, syncerr.ErrNotFound) {
		return err
	}

	e.log.Info("update 404, falling back to create", "model_type", entry.ModelType, "model_id", entry.ModelID)
	serverRec, cerr := repo.DispatchCreate(ctx, entry.Payload)
	if cerr != nil {
		if errors.Is(cerr, syncerr.ErrNotFound) {
			return syncerr.Wrap("fallback failed (404, 404)", syncerr.ErrNotFound)
		}
		return cerr
	}
	if err := repo.ApplyCreateResult(ctx, entry.ID, serverRec); err != nil {
		return err
	}
	return e.succeed(ctx, entry)
}

// dispatchDelete treats a remote 404 as success (spec.md §4.4/§7): the
// entity is already gone, which is the caller's desired end state.
func (e *Executor) dispatchDelete(ctx context.Context, repo registry.RepositoryOps, entry *store.Entry) error {
	err := repo.DispatchDelete(ctx, entry.ModelID)
	if err != nil && !errors.Is(err, syncerr.ErrNotFound) {
		return err
	}
	if err := repo.ApplyDeleteResult(ctx, entry.ID); err != nil {
		return err
	}
	return e.succeed(ctx, entry)
}

// dispatchKey is the per-row serialization key (spec.md §4.3): coalesced
// ops for one (model_type, model_id) share this key whether or not the
// entry carries an explicit idempotency key.
func dispatchKey(entry *store.Entry) string {
	if entry.IdempotencyKey != "" {
		return entry.IdempotencyKey
	}
	return entry.ModelType + ":" + entry.ModelID
}

func (e *Executor) succeed(ctx context.Context, entry *store.Entry) error {
	return e.queue.MarkSucceeded(ctx, entry.ID)
}

func (e *Executor) fail(ctx context.Context, entry *store.Entry, dispatchErr error) {
	isNetwork := syncerr.IsNetwork(dispatchErr)
	dead, err := e.queue.MarkFailed(ctx, entry.ID, dispatchErr.Error(), isNetwork, entry.AttemptCount)
	if err != nil {
		e.log.Error("failed to record dispatch failure", "entry_id", entry.ID, "error", err)
		return
	}
	if dead {
		e.log.Warn("entry dead-lettered", "entry_id", entry.ID, "model_type", entry.ModelType, "model_id", entry.ModelID)
	}
}
