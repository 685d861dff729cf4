// Package syncerr defines the error taxonomy of the sync core (spec.md §7).
// It follows the teacher's sentinel-error-plus-%w-wrapping convention
// (internal/storage/sqlite/errors.go) rather than a custom error-code type.
package syncerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the sync core's error taxonomy. Each is returned (or
// wrapped) verbatim so callers can classify with errors.Is.
var (
	// ErrQueueFull means admission timed out waiting for a queue slot.
	ErrQueueFull = errors.New("sync: queue full")
	// ErrDuplicate means an idempotency key is already in-flight.
	ErrDuplicate = errors.New("sync: duplicate idempotency key")
	// ErrQueueCancelled means the task was cancelled by clearOnDisconnect
	// or obliteration, distinct from both success and task failure.
	ErrQueueCancelled = errors.New("sync: queue cancelled")
	// ErrNotFound mirrors an HTTP 404 from the adapter.
	ErrNotFound = errors.New("sync: not found")
	// ErrGone mirrors an HTTP 410 from the adapter (authoritative deletion).
	ErrGone = errors.New("sync: gone")
	// ErrNetwork classifies connection reset/timeout/DNS failures.
	ErrNetwork = errors.New("sync: network error")
	// ErrServer classifies 5xx responses.
	ErrServer = errors.New("sync: server error")
	// ErrValidation classifies other 4xx responses.
	ErrValidation = errors.New("sync: validation error")
	// ErrLocal classifies DB/transaction errors that must propagate to the
	// caller rather than being enqueued for retry.
	ErrLocal = errors.New("sync: local storage error")
	// ErrUnsupportedPolicy is returned when remoteFirst is used with watch.
	ErrUnsupportedPolicy = errors.New("sync: unsupported policy")
	// ErrFatalState covers disposed repositories, uninitialized core, or
	// missing registrations — distinct from runtime sync errors (§7).
	ErrFatalState = errors.New("sync: fatal state error")
	// ErrDead is returned when an operation targets a sync-queue entry that
	// has already been dead-lettered.
	ErrDead = errors.New("sync: entry is dead-lettered")
	// ErrCollision means ID negotiation found two rows claiming the same
	// server id with identical updated_at timestamps; neither is touched
	// and the caller must leave the sync entry pending for a later retry.
	ErrCollision = errors.New("sync: id collision")
)

// Kind classifies an error for retry/backoff/propagation decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindQueueFull
	KindDuplicate
	KindCancelled
	KindNotFound
	KindGone
	KindNetwork
	KindServer
	KindValidation
	KindLocal
	KindUnsupportedPolicy
	KindFatal
	KindCollision
)

// Classify maps an error to its Kind via errors.Is against the sentinels.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrQueueFull):
		return KindQueueFull
	case errors.Is(err, ErrDuplicate):
		return KindDuplicate
	case errors.Is(err, ErrQueueCancelled):
		return KindCancelled
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrGone):
		return KindGone
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrServer):
		return KindServer
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrLocal):
		return KindLocal
	case errors.Is(err, ErrUnsupportedPolicy):
		return KindUnsupportedPolicy
	case errors.Is(err, ErrFatalState):
		return KindFatal
	case errors.Is(err, ErrCollision):
		return KindCollision
	default:
		return KindUnknown
	}
}

// Retryable reports whether an error of this kind should be retried by the
// Retry Executor with backoff (network, server, validation, collision) versus
// dead-lettered immediately or not retried at all.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindServer, KindValidation, KindCollision:
		return true
	default:
		return false
	}
}

// IsNetwork reports whether err is (or wraps) a network-classified error.
// Network errors are retried with the same backoff as other errors but are
// deprioritized in the due-task scan (spec.md §4.2/§4.4).
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// Wrap annotates err with an operation name while preserving errors.Is
// matching against the wrapped sentinel, mirroring wrapDBError in the
// teacher's internal/storage/sqlite/errors.go.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Wrapf is Wrap with a formatted operation name.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
