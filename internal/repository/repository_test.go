package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andreystavitsky/synquill-go/internal/httpadapter"
	"github.com/andreystavitsky/synquill-go/internal/model"
	"github.com/andreystavitsky/synquill-go/internal/negotiate"
	"github.com/andreystavitsky/synquill-go/internal/obsv"
	"github.com/andreystavitsky/synquill-go/internal/queuemgr"
	"github.com/andreystavitsky/synquill-go/internal/reconcile"
	"github.com/andreystavitsky/synquill-go/internal/store"
	"github.com/andreystavitsky/synquill-go/internal/store/sqlite"
	"github.com/andreystavitsky/synquill-go/internal/syncconfig"
	"github.com/andreystavitsky/synquill-go/internal/syncerr"
	"github.com/andreystavitsky/synquill-go/internal/syncqueue"
)

// Task is the typed entity used throughout these tests.
type Task struct {
	ID    string
	Title string
}

type taskAdapter struct{}

func (taskAdapter) TypeName() string { return "task" }

func (taskAdapter) ToRecord(t Task) model.Record {
	return model.Record{"id": t.ID, "title": t.Title}
}

func (taskAdapter) FromRecord(rec model.Record) (Task, error) {
	id, _ := rec["id"].(string)
	title, _ := rec["title"].(string)
	return Task{ID: id, Title: title}, nil
}

// fakeAdapter is a scriptable httpadapter.Adapter stand-in.
type fakeAdapter struct {
	mu sync.Mutex

	createFn func(payload map[string]any) (map[string]any, error)
	updateFn func(payload map[string]any) (map[string]any, error)
	findOneFn func(id string) (map[string]any, error)
	findAllFn func() ([]map[string]any, error)
	deleteErr error

	createCalls, updateCalls, deleteCalls int
}

func (f *fakeAdapter) FindOne(ctx context.Context, id string, q httpadapter.Query, h httpadapter.Headers) (map[string]any, error) {
	if f.findOneFn != nil {
		return f.findOneFn(id)
	}
	return nil, syncerr.ErrNotFound
}

func (f *fakeAdapter) FindAll(ctx context.Context, q httpadapter.Query) ([]map[string]any, error) {
	if f.findAllFn != nil {
		return f.findAllFn()
	}
	return nil, nil
}

func (f *fakeAdapter) CreateOne(ctx context.Context, payload map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.createCalls++
	f.mu.Unlock()
	if f.createFn != nil {
		return f.createFn(payload)
	}
	return payload, nil
}

func (f *fakeAdapter) UpdateOne(ctx context.Context, payload map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.updateCalls++
	f.mu.Unlock()
	if f.updateFn != nil {
		return f.updateFn(payload)
	}
	return payload, nil
}

func (f *fakeAdapter) ReplaceOne(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return payload, nil
}

func (f *fakeAdapter) DeleteOne(ctx context.Context, id string) error {
	f.mu.Lock()
	f.deleteCalls++
	f.mu.Unlock()
	return f.deleteErr
}

func (f *fakeAdapter) BaseURL() string      { return "https://example.test" }
func (f *fakeAdapter) SingularName() string { return "task" }
func (f *fakeAdapter) PluralName() string   { return "tasks" }

type testEnv struct {
	repo *Repository[Task]
	api  *fakeAdapter
	cfg  *syncconfig.Config
}

func newTestRepo(t *testing.T, idStrategy model.IDStrategy, api *fakeAdapter) *testEnv {
	t.Helper()
	schema := model.NewSchemaRegistry()
	schema.Register(model.Descriptor{TypeName: "task", IDStrategy: idStrategy})

	st, err := sqlite.Open(context.Background(), "file::memory:?mode=memory&cache=shared", schema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	metrics := obsv.NewMetrics()
	queue := syncqueue.New(st.SyncQueue(), 5, metrics)
	cfg := syncconfig.Default()
	qm := queuemgr.New(cfg, metrics)
	negotiator := negotiate.New(st, schema, queue, metrics)
	reconciler := reconcile.New(st)

	if api == nil {
		api = &fakeAdapter{}
	}

	repo, err := New[Task](taskAdapter{}, schema, Deps{
		Store:        st,
		Queue:        queue,
		QueueManager: qm,
		API:          api,
		Negotiator:   negotiator,
		Reconciler:   reconciler,
		Cascade:      nil,
		Config:       cfg,
		Metrics:      metrics,
	})
	require.NoError(t, err)

	return &testEnv{repo: repo, api: api, cfg: cfg}
}

func drainChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a change event")
		return Change{}
	}
}

func TestSaveLocalFirstCreateEnqueuesAndPublishes(t *testing.T) {
	ctx := context.Background()
	env := newTestRepo(t, model.ServerGenerated, nil)

	sub, cancel := env.repo.Subscribe()
	defer cancel()

	saved, err := env.repo.SaveWithPolicy(ctx, Task{Title: "write tests"}, syncconfig.SaveLocalFirst)
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID, "server-generated id strategy assigns a temp id immediately")

	change := drainChange(t, sub)
	require.Equal(t, ChangeCreated, change.Kind)
	require.Equal(t, saved.ID, change.ModelID)

	found, ok, err := env.repo.FindOneWithPolicy(ctx, saved.ID, syncconfig.LoadLocalOnly)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "write tests", found.Title)
}

func TestSaveLocalFirstUpdateCoalescesIntoExistingQueueEntry(t *testing.T) {
	ctx := context.Background()
	env := newTestRepo(t, model.ClientGenerated, nil)

	saved, err := env.repo.SaveWithPolicy(ctx, Task{ID: "t1", Title: "first"}, syncconfig.SaveLocalFirst)
	require.NoError(t, err)
	require.Equal(t, "t1", saved.ID)

	updated, err := env.repo.SaveWithPolicy(ctx, Task{ID: "t1", Title: "second"}, syncconfig.SaveLocalFirst)
	require.NoError(t, err)
	require.Equal(t, "second", updated.Title)

	tasks, err := env.repo.queue.GetAllTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1, "the update should coalesce into the create, not add a second queue entry")
}

func TestSaveLocalFirstNotBlockedByInFlightBackgroundDispatchForSameRow(t *testing.T) {
	ctx := context.Background()
	env := newTestRepo(t, model.ClientGenerated, nil)

	saved, err := env.repo.SaveWithPolicy(ctx, Task{ID: "t1", Title: "first"}, syncconfig.SaveLocalFirst)
	require.NoError(t, err)

	// Simulate the Retry Executor's Background dispatch holding the row's
	// key in flight (a slow or hung remote call).
	bgRelease, err := env.repo.qm.Admit(ctx, queuemgr.Background, env.repo.keyFor(saved.ID))
	require.NoError(t, err)
	defer bgRelease()

	// The caller's own Save for the same row must still succeed locally,
	// immediately, rather than waiting on or erroring from the background
	// dispatch's in-flight key (spec.md §4.5's local-write guarantee).
	done := make(chan struct{})
	go func() {
		defer close(done)
		updated, err := env.repo.SaveWithPolicy(ctx, Task{ID: "t1", Title: "second"}, syncconfig.SaveLocalFirst)
		require.NoError(t, err)
		require.Equal(t, "second", updated.Title)
	}()

	select {
	case <-done:
	case <-time.After(50 * time.Millisecond):
		t.Fatal("foreground save should not be blocked by an in-flight background dispatch for the same row")
	}
}

func TestSaveRemoteFirstCallsAdapterBeforeTouchingLocalState(t *testing.T) {
	ctx := context.Background()
	api := &fakeAdapter{
		createFn: func(payload map[string]any) (map[string]any, error) {
			out := map[string]any{}
			for k, v := range payload {
				out[k] = v
			}
			out["id"] = "server-assigned"
			return out, nil
		},
	}
	env := newTestRepo(t, model.ServerGenerated, api)

	saved, err := env.repo.SaveWithPolicy(ctx, Task{Title: "remote wins"}, syncconfig.SaveRemoteFirst)
	require.NoError(t, err)
	require.Equal(t, "server-assigned", saved.ID)
	require.Equal(t, 1, api.createCalls)

	found, ok, err := env.repo.FindOneWithPolicy(ctx, "server-assigned", syncconfig.LoadLocalOnly)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "remote wins", found.Title)
}

func TestSaveRemoteFirstPropagatesAdapterErrorWithoutLocalWrite(t *testing.T) {
	ctx := context.Background()
	api := &fakeAdapter{
		createFn: func(payload map[string]any) (map[string]any, error) {
			return nil, syncerr.Wrap("fake create", syncerr.ErrServer)
		},
	}
	env := newTestRepo(t, model.ClientGenerated, api)

	_, err := env.repo.SaveWithPolicy(ctx, Task{ID: "t1", Title: "x"}, syncconfig.SaveRemoteFirst)
	require.ErrorIs(t, err, syncerr.ErrServer)

	_, ok, err := env.repo.FindOneWithPolicy(ctx, "t1", syncconfig.LoadLocalOnly)
	require.NoError(t, err)
	require.False(t, ok, "a failed remoteFirst create must not leave a local row behind")
}

func TestFindOneLocalOnlyMissingReturnsNotOkNoError(t *testing.T) {
	ctx := context.Background()
	env := newTestRepo(t, model.ClientGenerated, nil)

	_, ok, err := env.repo.FindOneWithPolicy(ctx, "missing", syncconfig.LoadLocalOnly)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFindOneRemoteFirstGoneDeletesLocalAndPublishes(t *testing.T) {
	ctx := context.Background()
	api := &fakeAdapter{
		findOneFn: func(id string) (map[string]any, error) {
			return nil, syncerr.Wrap("fake findOne", syncerr.ErrGone)
		},
	}
	env := newTestRepo(t, model.ClientGenerated, api)

	_, err := env.repo.SaveWithPolicy(ctx, Task{ID: "t1", Title: "local copy"}, syncconfig.SaveLocalFirst)
	require.NoError(t, err)

	sub, cancel := env.repo.Subscribe()
	defer cancel()

	_, ok, err := env.repo.FindOneWithPolicy(ctx, "t1", syncconfig.LoadRemoteFirst)
	require.NoError(t, err)
	require.False(t, ok)

	var sawDelete bool
	for i := 0; i < 5; i++ {
		c := drainChange(t, sub)
		if c.Kind == ChangeDeleted && c.ModelID == "t1" {
			sawDelete = true
			break
		}
	}
	require.True(t, sawDelete, "a 410 from remoteFirst findOne must emit a deleted event")

	_, ok, err = env.repo.FindOneWithPolicy(ctx, "t1", syncconfig.LoadLocalOnly)
	require.NoError(t, err)
	require.False(t, ok, "the local copy must be removed once the remote reports Gone")
}

func TestFindOneRemoteFirstSkipsReconcileForPendingRow(t *testing.T) {
	ctx := context.Background()
	api := &fakeAdapter{
		findOneFn: func(id string) (map[string]any, error) {
			return map[string]any{"id": id, "title": "stale remote"}, nil
		},
	}
	env := newTestRepo(t, model.ClientGenerated, api)

	_, err := env.repo.SaveWithPolicy(ctx, Task{ID: "t1", Title: "fresh local"}, syncconfig.SaveLocalFirst)
	require.NoError(t, err)

	found, ok, err := env.repo.FindOneWithPolicy(ctx, "t1", syncconfig.LoadRemoteFirst)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fresh local", found.Title, "a row with an active sync-queue entry keeps its local state")
}

func TestDeleteLocalFirstSmartDeletesPendingCreate(t *testing.T) {
	ctx := context.Background()
	env := newTestRepo(t, model.ClientGenerated, nil)

	_, err := env.repo.SaveWithPolicy(ctx, Task{ID: "t1", Title: "x"}, syncconfig.SaveLocalFirst)
	require.NoError(t, err)

	require.NoError(t, env.repo.DeleteWithPolicy(ctx, "t1", syncconfig.SaveLocalFirst))

	_, ok, err := env.repo.FindOneWithPolicy(ctx, "t1", syncconfig.LoadLocalOnly)
	require.NoError(t, err)
	require.False(t, ok)

	tasks, err := env.repo.queue.GetAllTasks(ctx)
	require.NoError(t, err)
	require.Empty(t, tasks, "deleting a row whose create never dispatched should leave no queue entry")
}

func TestDeleteRemoteFirstCallsAdapterAndClearsQueue(t *testing.T) {
	ctx := context.Background()
	api := &fakeAdapter{}
	env := newTestRepo(t, model.ClientGenerated, api)

	_, err := env.repo.SaveWithPolicy(ctx, Task{ID: "t1", Title: "x"}, syncconfig.SaveLocalFirst)
	require.NoError(t, err)

	require.NoError(t, env.repo.DeleteWithPolicy(ctx, "t1", syncconfig.SaveRemoteFirst))
	require.Equal(t, 1, api.deleteCalls)

	tasks, err := env.repo.queue.GetAllTasks(ctx)
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestDeleteTreatsRemoteNotFoundAsSuccess(t *testing.T) {
	ctx := context.Background()
	api := &fakeAdapter{deleteErr: syncerr.Wrap("fake delete", syncerr.ErrNotFound)}
	env := newTestRepo(t, model.ClientGenerated, api)

	_, err := env.repo.SaveWithPolicy(ctx, Task{ID: "t1", Title: "x"}, syncconfig.SaveLocalFirst)
	require.NoError(t, err)

	require.NoError(t, env.repo.DeleteWithPolicy(ctx, "t1", syncconfig.SaveRemoteFirst))
}

func TestSubscribeDeliversToMultipleListenersWithoutDropping(t *testing.T) {
	ctx := context.Background()
	env := newTestRepo(t, model.ClientGenerated, nil)

	subA, cancelA := env.repo.Subscribe()
	defer cancelA()
	subB, cancelB := env.repo.Subscribe()
	defer cancelB()

	_, err := env.repo.SaveWithPolicy(ctx, Task{ID: "t1", Title: "x"}, syncconfig.SaveLocalFirst)
	require.NoError(t, err)

	a := drainChange(t, subA)
	b := drainChange(t, subB)
	require.Equal(t, ChangeCreated, a.Kind)
	require.Equal(t, ChangeCreated, b.Kind)
}

func TestDisposeStopsDeliveryEvenToExistingSubscribers(t *testing.T) {
	ctx := context.Background()
	env := newTestRepo(t, model.ClientGenerated, nil)

	sub, cancel := env.repo.Subscribe()
	defer cancel()

	env.repo.Dispose()

	_, err := env.repo.SaveWithPolicy(ctx, Task{ID: "t1", Title: "x"}, syncconfig.SaveLocalFirst)
	require.ErrorIs(t, err, syncerr.ErrFatalState)

	select {
	case c, ok := <-sub:
		// Dispose closes the stream, so a receive may only observe the close.
		require.False(t, ok, "expected no delivery after Dispose, got %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTruncateLocalEmitsSingleWildcardDeleteEvent(t *testing.T) {
	ctx := context.Background()
	env := newTestRepo(t, model.ClientGenerated, nil)

	_, err := env.repo.SaveWithPolicy(ctx, Task{ID: "t1", Title: "a"}, syncconfig.SaveLocalFirst)
	require.NoError(t, err)
	_, err = env.repo.SaveWithPolicy(ctx, Task{ID: "t2", Title: "b"}, syncconfig.SaveLocalFirst)
	require.NoError(t, err)

	sub, cancel := env.repo.Subscribe()
	defer cancel()

	require.NoError(t, env.repo.TruncateLocal(ctx))

	change := drainChange(t, sub)
	require.Equal(t, ChangeDeleted, change.Kind)
	require.Equal(t, "*", change.ModelID)

	all, err := env.repo.getLocalAll(ctx, store.Query{})
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestApplyCreateResultNegotiatesTemporaryID(t *testing.T) {
	ctx := context.Background()
	env := newTestRepo(t, model.ServerGenerated, nil)

	saved, err := env.repo.SaveWithPolicy(ctx, Task{Title: "pending negotiation"}, syncconfig.SaveLocalFirst)
	require.NoError(t, err)
	tempID := saved.ID

	tasks, err := env.repo.queue.GetAllTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	entry := tasks[0]

	sub, cancel := env.repo.Subscribe()
	defer cancel()

	err = env.repo.ApplyCreateResult(ctx, entry.ID, map[string]any{"id": "srv-1", "title": "pending negotiation"})
	require.NoError(t, err)

	change := drainChange(t, sub)
	require.Equal(t, ChangeIDChanged, change.Kind)
	require.Equal(t, tempID, change.OldID)
	require.Equal(t, "srv-1", change.ModelID)

	_, ok, err := env.repo.FindOneWithPolicy(ctx, tempID, syncconfig.LoadLocalOnly)
	require.NoError(t, err)
	require.False(t, ok)

	found, ok, err := env.repo.FindOneWithPolicy(ctx, "srv-1", syncconfig.LoadLocalOnly)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pending negotiation", found.Title)
}

func TestReportErrorPublishesErrorChangeWithoutClosingStream(t *testing.T) {
	ctx := context.Background()
	env := newTestRepo(t, model.ClientGenerated, nil)

	_, err := env.repo.SaveWithPolicy(ctx, Task{ID: "t1", Title: "x"}, syncconfig.SaveLocalFirst)
	require.NoError(t, err)

	tasks, err := env.repo.queue.GetAllTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	sub, cancel := env.repo.Subscribe()
	defer cancel()

	boom := errors.New("boom")
	env.repo.ReportError(ctx, tasks[0].ID, boom)

	change := drainChange(t, sub)
	require.Equal(t, ChangeError, change.Kind)
	require.Equal(t, "t1", change.ModelID)
	require.ErrorIs(t, change.Err, boom)
}
