package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andreystavitsky/synquill-go/internal/model"
	"github.com/andreystavitsky/synquill-go/internal/store"
	"github.com/andreystavitsky/synquill-go/internal/syncerr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), "file::memory:?mode=memory&cache=shared", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	dao, err := st.DAO("task")
	require.NoError(t, err)

	require.NoError(t, dao.Put(ctx, model.Record{"id": "t1", "title": "write tests"}))

	got, err := dao.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "write tests", got["title"])

	require.NoError(t, dao.Put(ctx, model.Record{"id": "t1", "title": "updated"}))
	got, err = dao.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "updated", got["title"])

	require.NoError(t, dao.Delete(ctx, "t1"))
	_, err = dao.Get(ctx, "t1")
	require.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestGetAllAppliesFiltersOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	dao, err := st.DAO("task")
	require.NoError(t, err)

	require.NoError(t, dao.Put(ctx, model.Record{"id": "1", "title": "a", "priority": 3.0}))
	require.NoError(t, dao.Put(ctx, model.Record{"id": "2", "title": "b", "priority": 1.0}))
	require.NoError(t, dao.Put(ctx, model.Record{"id": "3", "title": "c", "priority": 2.0}))

	all, err := dao.GetAll(ctx, store.Query{
		OrderBy: []store.OrderBy{{Field: "priority"}},
	})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "b", all[0]["title"])
	require.Equal(t, "c", all[1]["title"])
	require.Equal(t, "a", all[2]["title"])

	filtered, err := dao.GetAll(ctx, store.Query{
		Filters: []store.Filter{{Field: "priority", Op: store.FilterGe, Value: 2.0}},
		OrderBy: []store.OrderBy{{Field: "priority", Descending: true}},
		Limit:   1,
	})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Equal(t, "a", filtered[0]["title"])
}

func TestTruncateRemovesAllRows(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	dao, err := st.DAO("task")
	require.NoError(t, err)

	require.NoError(t, dao.Put(ctx, model.Record{"id": "1", "title": "a"}))
	require.NoError(t, dao.Put(ctx, model.Record{"id": "2", "title": "b"}))

	require.NoError(t, dao.Truncate(ctx))
	all, err := dao.GetAll(ctx, store.Query{})
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestRewriteIDChangesPrimaryKeyAndPayload(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	dao, err := st.DAO("task")
	require.NoError(t, err)

	require.NoError(t, dao.Put(ctx, model.Record{"id": "tmp-1", "title": "draft"}))
	require.NoError(t, dao.RewriteID(ctx, "tmp-1", "srv-1"))

	_, err = dao.Get(ctx, "tmp-1")
	require.ErrorIs(t, err, syncerr.ErrNotFound)

	got, err := dao.Get(ctx, "srv-1")
	require.NoError(t, err)
	require.Equal(t, "srv-1", got["id"])
	require.Equal(t, "draft", got["title"])
}

func TestWithTransactionCommitsAtomically(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	err := st.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		dao, err := tx.DAO("task")
		if err != nil {
			return err
		}
		if err := dao.Put(ctx, model.Record{"id": "1", "title": "a"}); err != nil {
			return err
		}
		return dao.Put(ctx, model.Record{"id": "2", "title": "b"})
	})
	require.NoError(t, err)

	dao, err := st.DAO("task")
	require.NoError(t, err)
	all, err := dao.GetAll(ctx, store.Query{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	sentinel := syncerr.ErrValidation
	err := st.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		dao, err := tx.DAO("task")
		if err != nil {
			return err
		}
		if err := dao.Put(ctx, model.Record{"id": "1", "title": "a"}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	dao, err := st.DAO("task")
	require.NoError(t, err)
	all, err := dao.GetAll(ctx, store.Query{})
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestNestedWithTransactionJoinsOuter(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	err := st.WithTransaction(ctx, func(ctx context.Context, outer store.Tx) error {
		return st.WithTransaction(ctx, func(ctx context.Context, inner store.Tx) error {
			dao, err := inner.DAO("task")
			if err != nil {
				return err
			}
			return dao.Put(ctx, model.Record{"id": "1", "title": "nested"})
		})
	})
	require.NoError(t, err)

	dao, err := st.DAO("task")
	require.NoError(t, err)
	got, err := dao.Get(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, "nested", got["title"])
}

func TestWatchEmitsCurrentValueThenUpdates(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	dao, err := st.DAO("task")
	require.NoError(t, err)

	require.NoError(t, dao.Put(ctx, model.Record{"id": "1", "title": "initial"}))

	ch, unsub, err := dao.Watch(ctx, "1")
	require.NoError(t, err)
	defer unsub()

	select {
	case first := <-ch:
		require.Equal(t, "initial", first["title"])
	case <-time.After(time.Second):
		t.Fatal("did not receive initial watch value")
	}

	require.NoError(t, dao.Put(ctx, model.Record{"id": "1", "title": "updated"}))
	select {
	case next := <-ch:
		require.Equal(t, "updated", next["title"])
	case <-time.After(time.Second):
		t.Fatal("did not receive update notification")
	}
}

func TestQueueDAOInsertAndGetDueTasks(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	q := st.SyncQueue()

	e := &store.Entry{
		ModelType: "task",
		ModelID:   "1",
		Op:        store.OpCreate,
		Payload:   model.Record{"id": "1", "title": "x"},
		Status:    store.StatusPending,
		CreatedAt: time.Now(),
	}
	id, err := q.Insert(ctx, e)
	require.NoError(t, err)
	require.NotZero(t, id)

	due, err := q.GetDueTasks(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "task", due[0].ModelType)

	require.NoError(t, q.MarkStatus(ctx, id, store.StatusDead))
	fetched, err := q.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusDead, fetched.Status)

	require.NoError(t, q.Delete(ctx, id))
	_, err = q.GetByID(ctx, id)
	require.ErrorIs(t, err, syncerr.ErrNotFound)
}
