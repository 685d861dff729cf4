// Package syncqueue implements the durable operation log of spec.md §3/§4.2:
// coalescing, smart-delete, idempotency tracking, and decorrelated-jitter
// retry backoff. It is DAO-backed (internal/store) rather than file-backed,
// but the coalescing/durability idiom is adapted from the teacher's
// internal/deletions append-only manifest (last-write-wins by key, atomic
// persistence, corrupt-entry tolerance on load).
package syncqueue

import (
	"github.com/andreystavitsky/synquill-go/internal/store"
)

// Re-exported vocabulary from internal/store, so callers of this package
// don't also need to import internal/store for basic types.
type (
	Entry             = store.Entry
	Op                = store.Op
	Status             = store.Status
	Key                = store.Key
	NegotiationStatus  = store.NegotiationStatus
)

const (
	OpCreate = store.OpCreate
	OpUpdate = store.OpUpdate
	OpDelete = store.OpDelete

	StatusPending    = store.StatusPending
	StatusInProgress = store.StatusInProgress
	StatusDead       = store.StatusDead

	NegotiationNone     = store.NegotiationNone
	NegotiationPending  = store.NegotiationPending
	NegotiationComplete = store.NegotiationComplete
)
