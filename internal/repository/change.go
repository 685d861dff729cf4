package repository

import (
	"sync"

	"github.com/andreystavitsky/synquill-go/internal/model"
)

// ChangeKind classifies one event on a Repository's change stream
// (spec.md §4.5).
type ChangeKind string

const (
	ChangeCreated   ChangeKind = "created"
	ChangeUpdated   ChangeKind = "updated"
	ChangeDeleted   ChangeKind = "deleted"
	ChangeIDChanged ChangeKind = "idChanged"
	ChangeError     ChangeKind = "error"
)

// Change is one event on a Repository's broadcast stream. ModelID is "*"
// for a truncateLocal wildcard deletion; OldID is set only for
// ChangeIDChanged (the temporary client id negotiation replaced).
type Change struct {
	Kind      ChangeKind
	ModelType string
	ModelID   string
	OldID     string
	Record    model.Record
	Err       error
}

// subscriber delivers Change events to one listener without ever dropping
// one: pushes append to an unbounded pending slice instead of blocking or
// discarding, and a dedicated goroutine drains that slice into the
// listener's channel. This is stricter than the low-level store Watch
// (which may coalesce/replace), per spec.md §4.5's "never drop a mutation
// event" requirement. Shape grounded on the teacher's
// internal/eventbus.Bus (Register/Dispatch over a mutex-guarded list),
// adapted here from single-shot sequential dispatch to persistent
// per-subscriber delivery.
type subscriber struct {
	id int
	ch chan Change

	mu      sync.Mutex
	pending []Change
	closed  bool
	wake    chan struct{}
}

func newSubscriber(id int) *subscriber {
	s := &subscriber{
		id:   id,
		ch:   make(chan Change),
		wake: make(chan struct{}, 1),
	}
	go s.loop()
	return s
}

func (s *subscriber) loop() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			if s.closed {
				s.mu.Unlock()
				close(s.ch)
				return
			}
			s.mu.Unlock()
			<-s.wake
			continue
		}
		next := s.pending[0]
		s.mu.Unlock()

		s.ch <- next

		s.mu.Lock()
		s.pending = s.pending[1:]
		s.mu.Unlock()
	}
}

// push enqueues c for delivery. It never blocks on the subscriber's
// consumption rate.
func (s *subscriber) push(c Change) {
	s.mu.Lock()
	s.pending = append(s.pending, c)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// close marks the subscriber for shutdown once its pending queue drains;
// the channel is closed by loop, not here, so no in-flight event is lost.
func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
