// Package queuemgr implements the three-named-queue admission control of
// spec.md §4.3: Foreground/Load/Background, each with its own concurrency
// limit, capacity, and admission timeout, plus idempotency-key admission
// control and connectivity-aware pause/resume.
//
// Shaped after the teacher's internal/eventbus.Bus: a mutex-guarded,
// process-global dispatcher callers register against rather than each
// maintaining their own concurrency bookkeeping — retargeted here from
// handler fan-out onto admission-ticket accounting, since queuemgr has no
// NATS/JetStream analog to carry over from that package.
package queuemgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andreystavitsky/synquill-go/internal/obsv"
	"github.com/andreystavitsky/synquill-go/internal/syncconfig"
	"github.com/andreystavitsky/synquill-go/internal/syncerr"
)

// Name identifies one of the three admission queues (spec.md §4.3).
type Name string

const (
	Foreground Name = "foreground"
	Load       Name = "load"
	Background Name = "background"
)

// Stats reports a queue's current admission-ticket usage.
type Stats struct {
	Capacity int
	InUse    int
}

// Manager is the admission controller. It does not hold sync-queue rows
// itself (internal/syncqueue/internal/store own durability) — it only
// gates how many dispatches per named queue may run concurrently, and
// applies the per-idempotency-key admission rules of spec.md §4.3.
//
// Per-key serialization only gates the Background queue: while a key is
// held by any queue, a Background admission for the same key waits
// behind it, mirroring a background retry waiting its turn behind the
// row's own foreground write or an earlier background attempt.
// Foreground and Load never wait on another queue's holder of a key —
// each rejects only an exact same-queue duplicate, immediately, with
// ErrDuplicate. This keeps a slow or stuck in-flight background
// dispatch from blocking the caller's own Save/Delete for that row
// (spec.md §4.5's local-write guarantee; §4.3's "foreground writes are
// not blocked by background retries").
type Manager struct {
	cfg     *syncconfig.Config
	metrics *obsv.Metrics
	log     *slog.Logger

	sems map[Name]chan struct{}

	mu        sync.Mutex
	keyOwners map[string]map[Name]struct{}
	keyNotify map[string]chan struct{}
	cancelCh  chan struct{}
}

// New builds a Manager with per-queue capacity tickets sized by cfg.
func New(cfg *syncconfig.Config, metrics *obsv.Metrics) *Manager {
	m := &Manager{
		cfg:       cfg,
		metrics:   metrics,
		log:       obsv.NewLogger("queuemgr"),
		sems:      make(map[Name]chan struct{}),
		keyOwners: make(map[string]map[Name]struct{}),
		keyNotify: make(map[string]chan struct{}),
		cancelCh:  make(chan struct{}),
	}
	m.sems[Foreground] = fillTokens(cfg.ForegroundQueueConcurrency)
	m.sems[Load] = fillTokens(cfg.LoadQueueConcurrency)
	m.sems[Background] = fillTokens(cfg.BackgroundQueueConcurrency)
	return m
}

func fillTokens(n int) chan struct{} {
	ch := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		ch <- struct{}{}
	}
	return ch
}

func (m *Manager) timeoutFor(name Name) time.Duration {
	switch name {
	case Foreground:
		return m.cfg.ForegroundQueueCapacityTimeout
	case Load:
		return m.cfg.LoadQueueCapacityTimeout
	default:
		return m.cfg.BackgroundQueueCapacityTimeout
	}
}

// Admit applies idempotency-key admission control, then blocks until a
// capacity ticket for name is available or ctx is canceled, the named
// queue's admission timeout elapses (syncerr.ErrQueueFull), or the
// connection is dropped via ClearOnDisconnect (syncerr.ErrQueueCancelled).
// A duplicate in-flight key is rejected immediately with
// syncerr.ErrDuplicate — see claimKey. The returned release func must be
// called exactly once to free the ticket and the key claim.
func (m *Manager) Admit(ctx context.Context, name Name, idemKey string) (release func(), err error) {
	dup, err := m.claimKey(ctx, name, idemKey)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, syncerr.Wrap(fmt.Sprintf("queuemgr: admit %s", name), syncerr.ErrDuplicate)
	}

	sem, ok := m.sems[name]
	if !ok {
		m.releaseKey(name, idemKey)
		return nil, fmt.Errorf("queuemgr: unknown queue %q", name)
	}

	timer := time.NewTimer(m.timeoutFor(name))
	defer timer.Stop()

	m.mu.Lock()
	cancelCh := m.cancelCh
	m.mu.Unlock()

	select {
	case <-sem:
	case <-ctx.Done():
		m.releaseKey(name, idemKey)
		return nil, ctx.Err()
	case <-timer.C:
		m.releaseKey(name, idemKey)
		return nil, syncerr.Wrap(fmt.Sprintf("queuemgr: admit %s", name), syncerr.ErrQueueFull)
	case <-cancelCh:
		m.releaseKey(name, idemKey)
		return nil, syncerr.Wrap(fmt.Sprintf("queuemgr: admit %s", name), syncerr.ErrQueueCancelled)
	}

	if m.metrics != nil {
		m.metrics.AddInFlight(ctx, string(name), 1)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		sem <- struct{}{}
		if m.metrics != nil {
			m.metrics.AddInFlight(context.Background(), string(name), -1)
		}
		m.releaseKey(name, idemKey)
	}, nil
}

// claimKey applies this Manager's idempotency-key admission rules
// (spec.md §4.3). Foreground and Load never wait: dup is true only if
// name itself already holds idemKey (an exact same-queue duplicate,
// rejected by the caller with ErrDuplicate); otherwise the key is
// claimed immediately regardless of whether another queue already holds
// it. Background instead waits until idemKey has no holder at all, from
// any queue, before claiming it — "subsequent tasks for the same key in
// the background queue wait behind" whatever else is in flight for that
// row.
func (m *Manager) claimKey(ctx context.Context, name Name, idemKey string) (dup bool, err error) {
	if name != Background {
		m.mu.Lock()
		defer m.mu.Unlock()
		owners := m.keyOwners[idemKey]
		if owners == nil {
			owners = make(map[Name]struct{})
			m.keyOwners[idemKey] = owners
		} else if _, already := owners[name]; already {
			return true, nil
		}
		owners[name] = struct{}{}
		m.notifyKeyChangeLocked(idemKey)
		return false, nil
	}

	timer := time.NewTimer(m.timeoutFor(name))
	defer timer.Stop()

	for {
		m.mu.Lock()
		if len(m.keyOwners[idemKey]) == 0 {
			owners := m.keyOwners[idemKey]
			if owners == nil {
				owners = make(map[Name]struct{})
				m.keyOwners[idemKey] = owners
			}
			owners[Background] = struct{}{}
			m.notifyKeyChangeLocked(idemKey)
			m.mu.Unlock()
			return false, nil
		}
		waitCh := m.keyNotifyLocked(idemKey)
		cancelCh := m.cancelCh
		m.mu.Unlock()

		select {
		case <-waitCh:
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, syncerr.Wrap(fmt.Sprintf("queuemgr: admit %s", name), syncerr.ErrQueueFull)
		case <-cancelCh:
			return false, syncerr.Wrap(fmt.Sprintf("queuemgr: admit %s", name), syncerr.ErrQueueCancelled)
		}
	}
}

// notifyKeyChangeLocked wakes any Background waiter blocked on idemKey's
// owner set changing. Callers must hold m.mu.
func (m *Manager) notifyKeyChangeLocked(idemKey string) {
	if ch, ok := m.keyNotify[idemKey]; ok {
		close(ch)
		delete(m.keyNotify, idemKey)
	}
}

// keyNotifyLocked returns the channel that closes on the next change to
// idemKey's owner set, creating it if needed. Callers must hold m.mu.
func (m *Manager) keyNotifyLocked(idemKey string) chan struct{} {
	if ch, ok := m.keyNotify[idemKey]; ok {
		return ch
	}
	ch := make(chan struct{})
	m.keyNotify[idemKey] = ch
	return ch
}

func (m *Manager) releaseKey(name Name, idemKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owners := m.keyOwners[idemKey]
	if owners == nil {
		return
	}
	delete(owners, name)
	if len(owners) == 0 {
		delete(m.keyOwners, idemKey)
	}
	m.notifyKeyChangeLocked(idemKey)
}

// ClearOnDisconnect cancels every Admit call currently waiting (they
// return syncerr.ErrQueueCancelled) and blocks future admission until
// RestoreOnConnect, per spec.md §4.9's pause-on-disconnect requirement.
func (m *Manager) ClearOnDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	close(m.cancelCh)
	m.log.Info("queue admission paused (connectivity lost)")
}

// RestoreOnConnect re-opens admission after a prior ClearOnDisconnect.
func (m *Manager) RestoreOnConnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCh = make(chan struct{})
	m.log.Info("queue admission resumed (connectivity restored)")
}

// Stats reports current ticket usage for every named queue, for
// cmd/synqctl's queue-stats output.
func (m *Manager) Stats() map[Name]Stats {
	out := make(map[Name]Stats, len(m.sems))
	for name, sem := range m.sems {
		capacity := cap(sem)
		out[name] = Stats{Capacity: capacity, InUse: capacity - len(sem)}
	}
	return out
}
