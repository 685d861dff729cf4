package httpadapter

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/andreystavitsky/synquill-go/internal/syncerr"
)

// Fake is an in-memory Adapter used by tests to simulate a remote backend,
// including scripted failures, 404/410 responses, and server-assigned ids.
// Grounded on the teacher's mockTracker (internal/tracker/registry_test.go,
// engine_test.go): a small hand-rolled stub implementing the adapter
// contract directly, rather than a generated mock.
type Fake struct {
	mu sync.Mutex

	singular, plural, base string

	records map[string]map[string]any
	deleted map[string]bool

	// NextCreateFails, when > 0, makes the next N CreateOne calls fail with
	// the given error before succeeding.
	NextCreateFails int
	CreateErr       error

	// ServerIDFunc, if set, assigns a server id for CreateOne instead of
	// keeping the client-supplied id (simulates server-generated ids).
	ServerIDFunc func(payload map[string]any) string

	// UpdateNotFoundIDs marks model ids whose UpdateOne call should return
	// syncerr.ErrNotFound (to exercise the create-fallback path).
	UpdateNotFoundIDs map[string]bool

	// GoneIDs marks model ids whose FindOne call should return
	// syncerr.ErrGone.
	GoneIDs map[string]bool

	calls []string
}

// NewFake creates an empty Fake adapter for the given type names.
func NewFake(singular, plural string) *Fake {
	return &Fake{
		singular:          singular,
		plural:            plural,
		base:              "https://example.test/" + plural,
		records:           make(map[string]map[string]any),
		deleted:           make(map[string]bool),
		UpdateNotFoundIDs: make(map[string]bool),
		GoneIDs:           make(map[string]bool),
	}
}

func (f *Fake) record(name string) {
	f.calls = append(f.calls, name)
}

// Calls returns the ordered list of method names invoked, for assertions.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Seed pre-populates the fake remote with a record, as if previously synced.
func (f *Fake) Seed(rec map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _ := rec["id"].(string)
	f.records[id] = cloneRecord(rec)
}

func (f *Fake) FindOne(_ context.Context, id string, _ Query, _ Headers) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("FindOne")
	if f.GoneIDs[id] {
		return nil, syncerr.Wrap("FindOne", syncerr.ErrGone)
	}
	rec, ok := f.records[id]
	if !ok {
		return nil, syncerr.Wrap("FindOne", syncerr.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (f *Fake) FindAll(_ context.Context, _ Query) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("FindAll")
	out := make([]map[string]any, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

func (f *Fake) CreateOne(_ context.Context, payload map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateOne")
	if f.NextCreateFails > 0 {
		f.NextCreateFails--
		err := f.CreateErr
		if err == nil {
			err = syncerr.ErrNetwork
		}
		return nil, syncerr.Wrap("CreateOne", err)
	}

	rec := cloneRecord(payload)
	if f.ServerIDFunc != nil {
		rec["id"] = f.ServerIDFunc(payload)
	} else if rec["id"] == nil || rec["id"] == "" {
		rec["id"] = uuid.NewString()
	}
	id, _ := rec["id"].(string)
	f.records[id] = rec
	return cloneRecord(rec), nil
}

func (f *Fake) UpdateOne(_ context.Context, payload map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UpdateOne")
	id, _ := payload["id"].(string)
	if f.UpdateNotFoundIDs[id] {
		return nil, syncerr.Wrap("UpdateOne", syncerr.ErrNotFound)
	}
	if _, ok := f.records[id]; !ok {
		return nil, syncerr.Wrap("UpdateOne", syncerr.ErrNotFound)
	}
	rec := cloneRecord(payload)
	f.records[id] = rec
	return cloneRecord(rec), nil
}

func (f *Fake) ReplaceOne(ctx context.Context, payload map[string]any) (map[string]any, error) {
	f.record("ReplaceOne")
	return f.UpdateOne(ctx, payload)
}

func (f *Fake) DeleteOne(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteOne")
	if _, ok := f.records[id]; !ok {
		return syncerr.Wrap("DeleteOne", syncerr.ErrNotFound)
	}
	delete(f.records, id)
	f.deleted[id] = true
	return nil
}

func (f *Fake) BaseURL() string      { return f.base }
func (f *Fake) SingularName() string { return f.singular }
func (f *Fake) PluralName() string   { return f.plural }

func cloneRecord(rec map[string]any) map[string]any {
	return maps.Clone(rec)
}

var _ Adapter = (*Fake)(nil)
