package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andreystavitsky/synquill-go/internal/model"
	"github.com/andreystavitsky/synquill-go/internal/obsv"
	"github.com/andreystavitsky/synquill-go/internal/store/sqlite"
	"github.com/andreystavitsky/synquill-go/internal/syncerr"
	"github.com/andreystavitsky/synquill-go/internal/syncqueue"
)

func newTestEnv(t *testing.T) (*sqlite.Store, *syncqueue.Queue, *Reconciler) {
	t.Helper()
	schema := model.NewSchemaRegistry()
	schema.Register(model.Descriptor{TypeName: "widget"})

	st, err := sqlite.Open(context.Background(), "file::memory:?mode=memory&cache=shared", schema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	queue := syncqueue.New(st.SyncQueue(), 10, obsv.NewMetrics())
	return st, queue, New(st)
}

func TestReconcileListSkipsPendingAndUpsertsRest(t *testing.T) {
	ctx := context.Background()
	st, queue, r := newTestEnv(t)
	dao, err := st.DAO("widget")
	require.NoError(t, err)

	require.NoError(t, dao.Put(ctx, model.Record{"id": "a", "name": "local-a"}))
	require.NoError(t, dao.Put(ctx, model.Record{"id": "b", "name": "local-b-pending-update"}))
	require.NoError(t, dao.Put(ctx, model.Record{"id": "c", "name": "local-c-pending-create"}))

	_, err = queue.EnqueueCreate(ctx, "widget", "c", model.Record{"id": "c"}, "idem-c", "")
	require.NoError(t, err)
	_, err = queue.Coalesce(ctx, "widget", "b", model.Record{"id": "b", "name": "local-b-pending-update"}, "idem-b")
	require.NoError(t, err)

	remote := []model.Record{
		{"id": "a", "name": "remote-a"},
		{"id": "b", "name": "remote-b"},
		{"id": "c", "name": "remote-c"},
	}
	survivors, err := r.ReconcileList(ctx, "widget", remote)
	require.NoError(t, err)
	require.Len(t, survivors, 1)
	require.Equal(t, "a", survivors[0].ID())

	aRec, err := dao.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "remote-a", aRec["name"])

	bRec, err := dao.Get(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, "local-b-pending-update", bRec["name"], "pending update must win over remote refresh")

	cRec, err := dao.Get(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, "local-c-pending-create", cRec["name"], "pending create must win over remote refresh")
}

func TestReconcileListLeavesLocalOnlyRowsAlone(t *testing.T) {
	ctx := context.Background()
	st, _, r := newTestEnv(t)
	dao, err := st.DAO("widget")
	require.NoError(t, err)

	require.NoError(t, dao.Put(ctx, model.Record{"id": "only-local", "name": "still here"}))

	survivors, err := r.ReconcileList(ctx, "widget", []model.Record{{"id": "remote-only", "name": "new"}})
	require.NoError(t, err)
	require.Len(t, survivors, 1)

	_, err = dao.Get(ctx, "only-local")
	require.NoError(t, err, "single-fetch refresh must not delete rows absent from the remote list")
}

func TestHandleGoneDeletesLocalCopy(t *testing.T) {
	ctx := context.Background()
	st, _, r := newTestEnv(t)
	dao, err := st.DAO("widget")
	require.NoError(t, err)

	require.NoError(t, dao.Put(ctx, model.Record{"id": "gone-1", "name": "will vanish"}))
	require.NoError(t, r.HandleGone(ctx, "widget", "gone-1"))

	_, err = dao.Get(ctx, "gone-1")
	require.ErrorIs(t, err, syncerr.ErrNotFound)
}
