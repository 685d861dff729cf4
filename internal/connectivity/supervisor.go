package connectivity

import (
	"context"
	"log/slog"
	"sync"

	"github.com/andreystavitsky/synquill-go/internal/obsv"
	"github.com/andreystavitsky/synquill-go/internal/queuemgr"
	"github.com/andreystavitsky/synquill-go/internal/retryexec"
)

// Checker is a synchronous connectivity probe, consulted when the Source
// hasn't emitted a value yet (spec.md §4.9's connectivityChecker).
type Checker func() (bool, error)

// Supervisor consumes a Source's bool stream and pauses/resumes the Queue
// Manager and Retry Executor on every online<->offline transition.
type Supervisor struct {
	source  Source
	checker Checker
	qm      *queuemgr.Manager
	exec    *retryexec.Executor
	log     *slog.Logger

	mu        sync.Mutex
	lastKnown *bool
}

// New builds a Supervisor. checker may be nil, matching spec.md's optional
// connectivityChecker.
func New(source Source, checker Checker, qm *queuemgr.Manager, exec *retryexec.Executor) *Supervisor {
	return &Supervisor{
		source:  source,
		checker: checker,
		qm:      qm,
		exec:    exec,
		log:     obsv.NewLogger("connectivity"),
	}
}

// Start subscribes to the Source and runs until ctx is cancelled. It
// returns once the subscription is established; transitions are handled
// asynchronously in a background goroutine.
func (s *Supervisor) Start(ctx context.Context) error {
	events, err := s.source.Watch(ctx)
	if err != nil {
		return err
	}
	go func() {
		for online := range events {
			s.handleTransition(ctx, online)
		}
	}()
	return nil
}

// handleTransition applies spec.md §4.9's transition table, skipping
// no-op repeats of the last-known state.
func (s *Supervisor) handleTransition(ctx context.Context, online bool) {
	s.mu.Lock()
	prev := s.lastKnown
	cp := online
	s.lastKnown = &cp
	s.mu.Unlock()

	if prev != nil && *prev == online {
		return
	}

	if online {
		s.log.Info("connectivity restored")
		s.qm.RestoreOnConnect()
		s.exec.SetConnected(true)
		go func() {
			if _, err := s.exec.ProcessDueTasksNow(ctx, true); err != nil {
				s.log.Warn("forced drain on reconnect failed", "error", err)
			}
		}()
		return
	}

	s.log.Info("connectivity lost")
	s.exec.SetConnected(false)
	s.qm.ClearOnDisconnect()
}

// IsConnected returns the last-known stream value; if none has arrived
// yet, it falls back to the Checker, and if the Checker errors or is nil,
// to true — matching spec.md §4.9 exactly ("last-known or true if none").
func (s *Supervisor) IsConnected() bool {
	s.mu.Lock()
	last := s.lastKnown
	s.mu.Unlock()

	if last != nil {
		return *last
	}
	if s.checker == nil {
		return true
	}
	online, err := s.checker()
	if err != nil {
		return true
	}
	return online
}
