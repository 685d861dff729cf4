// Package httpadapter defines the external HTTP Adapter interface the sync
// core consumes (spec.md §6) and a circuit-breaker wrapper around it. The
// adapter's shape is grounded on the teacher's internal/tracker.IssueTracker
// (FetchIssue/CreateIssue/UpdateIssue per tracked type), narrowed to the
// six operations spec.md §6 actually names. JSON (de)serialization and the
// transport itself are external collaborators per spec.md §1 — this
// package only declares the contract plus resiliency wiring.
package httpadapter

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// Query is an adapter-level filter/sort/pagination request, opaque to the
// core beyond being passed through to findOne/findAll.
type Query map[string]any

// Headers carries transport-level per-call headers (auth tokens, etc.).
type Headers map[string]string

// Adapter is the per-model-type HTTP Adapter contract (spec.md §6).
// Implementations should return errors classified via the syncerr
// sentinels (syncerr.ErrNotFound, syncerr.ErrGone, syncerr.ErrNetwork,
// syncerr.ErrServer, syncerr.ErrValidation) so the Retry Executor and
// Repository can dispatch on them without adapter-specific type
// assertions.
type Adapter interface {
	// FindOne fetches a single entity by id. Returns syncerr.ErrNotFound
	// or syncerr.ErrGone (wrapped) as appropriate; (nil, nil) is NOT a
	// valid "not found" signal — callers must check the error.
	FindOne(ctx context.Context, id string, q Query, h Headers) (map[string]any, error)
	FindAll(ctx context.Context, q Query) ([]map[string]any, error)
	// CreateOne may return an entity with a different id than the payload
	// carried (server-generated ids, spec.md §4.6).
	CreateOne(ctx context.Context, payload map[string]any) (map[string]any, error)
	// UpdateOne may return syncerr.ErrNotFound, triggering create fallback
	// in the Retry Executor (spec.md §4.4).
	UpdateOne(ctx context.Context, payload map[string]any) (map[string]any, error)
	ReplaceOne(ctx context.Context, payload map[string]any) (map[string]any, error)
	// DeleteOne returning syncerr.ErrNotFound is treated as success by
	// callers (spec.md §4.4/§7).
	DeleteOne(ctx context.Context, id string) error

	BaseURL() string
	SingularName() string
	PluralName() string
}

// BreakerConfig configures the circuit breaker wrapper.
type BreakerConfig struct {
	// Name identifies the breaker in logs/metrics, typically the model
	// type name.
	Name string
	// MaxFailures trips the breaker after this many consecutive failed
	// calls (of any kind — see CircuitBreaking doc).
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before allowing a
	// single trial request through (half-open).
	OpenTimeout time.Duration
}

// DefaultBreakerConfig mirrors a conservative default: 5 consecutive
// failures trips the breaker, half-open after 30s.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{Name: name, MaxFailures: 5, OpenTimeout: 30 * time.Second}
}

// CircuitBreaking wraps an Adapter with github.com/sony/gobreaker so a run
// of failures (network outage, backend down) short-circuits further
// dispatch attempts rather than letting the Retry Executor burn an attempt
// (and a backoff cycle) per call during an outage. gobreaker counts every
// non-nil error toward the trip threshold, including application outcomes
// like NotFound — callers expecting frequent 404s (e.g. optimistic
// findOne probes) should use a higher MaxFailures or bypass the breaker,
// since this wrapper does not distinguish error kinds. This dependency has
// no role in the teacher repo's own tracker sync (which retries trackers
// directly); it is wired in here from the rest of the retrieval pack
// (jordigilh-kubernaut), per SPEC_FULL.md's domain-stack section.
type CircuitBreaking struct {
	inner Adapter
	cb    *gobreaker.CircuitBreaker
}

// NewCircuitBreaking wraps inner with a breaker configured by cfg.
func NewCircuitBreaking(inner Adapter, cfg BreakerConfig) *CircuitBreaking {
	st := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	}
	return &CircuitBreaking{inner: inner, cb: gobreaker.NewCircuitBreaker(st)}
}

func (c *CircuitBreaking) FindOne(ctx context.Context, id string, q Query, h Headers) (map[string]any, error) {
	v, err := c.cb.Execute(func() (any, error) { return c.inner.FindOne(ctx, id, q, h) })
	return asRecord(v), err
}

func (c *CircuitBreaking) FindAll(ctx context.Context, q Query) ([]map[string]any, error) {
	v, err := c.cb.Execute(func() (any, error) { return c.inner.FindAll(ctx, q) })
	if err != nil {
		return nil, err
	}
	recs, _ := v.([]map[string]any)
	return recs, nil
}

func (c *CircuitBreaking) CreateOne(ctx context.Context, payload map[string]any) (map[string]any, error) {
	v, err := c.cb.Execute(func() (any, error) { return c.inner.CreateOne(ctx, payload) })
	return asRecord(v), err
}

func (c *CircuitBreaking) UpdateOne(ctx context.Context, payload map[string]any) (map[string]any, error) {
	v, err := c.cb.Execute(func() (any, error) { return c.inner.UpdateOne(ctx, payload) })
	return asRecord(v), err
}

func (c *CircuitBreaking) ReplaceOne(ctx context.Context, payload map[string]any) (map[string]any, error) {
	v, err := c.cb.Execute(func() (any, error) { return c.inner.ReplaceOne(ctx, payload) })
	return asRecord(v), err
}

func (c *CircuitBreaking) DeleteOne(ctx context.Context, id string) error {
	_, err := c.cb.Execute(func() (any, error) { return nil, c.inner.DeleteOne(ctx, id) })
	return err
}

func (c *CircuitBreaking) BaseURL() string      { return c.inner.BaseURL() }
func (c *CircuitBreaking) SingularName() string { return c.inner.SingularName() }
func (c *CircuitBreaking) PluralName() string   { return c.inner.PluralName() }

func asRecord(v any) map[string]any {
	rec, _ := v.(map[string]any)
	return rec
}
