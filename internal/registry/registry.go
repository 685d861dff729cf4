// Package registry implements the process-global modelType -> Repository
// mapping spec.md §2 calls for: the Retry Executor has only the sync-queue
// row's model_type string and no generic type parameter to recover a
// concrete Repository from, so dispatch goes through a string-keyed
// registry rather than runtime reflection (spec.md §9 REDESIGN note).
//
// Shape grounded directly on the teacher's internal/tracker.Registry
// (Register/Get/List/IsRegistered over a name-keyed map guarded by a
// mutex), retargeted from tracker names to model type names and holding
// RepositoryOps values directly.
package registry

import (
	"context"
	"sort"
	"sync"
)

// RepositoryOps is the minimal surface the Retry Executor needs from a
// Repository to dispatch a due sync-queue entry, independent of the
// entity's concrete Go type (spec.md §4.4).
type RepositoryOps interface {
	// ModelType returns the registered type name.
	ModelType() string

	// ApplyCreateResult applies a successful createOne response to local
	// state: ID negotiation if the server returned a different id, then
	// marking the queue entry succeeded.
	ApplyCreateResult(ctx context.Context, entryID int64, serverRecord map[string]any) error

	// ApplyUpdateResult applies a successful updateOne response.
	ApplyUpdateResult(ctx context.Context, entryID int64, serverRecord map[string]any) error

	// ApplyDeleteResult marks a delete as complete.
	ApplyDeleteResult(ctx context.Context, entryID int64) error

	// DispatchCreate performs the remote createOne call for entryID's
	// payload, returning the server's response record.
	DispatchCreate(ctx context.Context, payload map[string]any) (map[string]any, error)
	// DispatchUpdate performs the remote updateOne call.
	DispatchUpdate(ctx context.Context, payload map[string]any) (map[string]any, error)
	// DispatchDelete performs the remote deleteOne call.
	DispatchDelete(ctx context.Context, modelID string) error

	// ReportError records a remote failure against entryID (emits an
	// `error` change-stream event without failing the caller, spec.md §4.5).
	ReportError(ctx context.Context, entryID int64, err error)
}

// Factory constructs a RepositoryOps instance, mirroring the teacher's
// tracker.TrackerFactory (a zero-arg constructor function registered by
// name, instantiated lazily).
type Factory func() RepositoryOps

// Registry is a process-global, mutex-guarded modelType -> RepositoryOps
// map. It is mutated through Register and Unregister; there is no Clear,
// and ObliterateLocalStorage leaves registrations untouched.
type Registry struct {
	mu    sync.RWMutex
	repos map[string]RepositoryOps
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{repos: make(map[string]RepositoryOps)}
}

// Register adds or replaces the RepositoryOps for a model type.
func (r *Registry) Register(modelType string, ops RepositoryOps) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repos[modelType] = ops
}

// Get returns the RepositoryOps for modelType, or nil if unregistered.
func (r *Registry) Get(modelType string) RepositoryOps {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.repos[modelType]
}

// IsRegistered reports whether modelType has a registered Repository.
func (r *Registry) IsRegistered(modelType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.repos[modelType]
	return ok
}

// List returns all registered model type names, sorted for determinism.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.repos))
	for name := range r.repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes a model type's registration. Returns true if it was
// present.
func (r *Registry) Unregister(modelType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.repos[modelType]; !ok {
		return false
	}
	delete(r.repos, modelType)
	return true
}
