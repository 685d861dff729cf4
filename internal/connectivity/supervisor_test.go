package connectivity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andreystavitsky/synquill-go/internal/obsv"
	"github.com/andreystavitsky/synquill-go/internal/queuemgr"
	"github.com/andreystavitsky/synquill-go/internal/registry"
	"github.com/andreystavitsky/synquill-go/internal/retryexec"
	"github.com/andreystavitsky/synquill-go/internal/store/sqlite"
	"github.com/andreystavitsky/synquill-go/internal/syncconfig"
	"github.com/andreystavitsky/synquill-go/internal/syncqueue"
	"github.com/andreystavitsky/synquill-go/internal/model"
)

// fakeSource lets tests drive the connectivity stream manually.
type fakeSource struct {
	ch chan bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan bool, 8)}
}

func (f *fakeSource) Watch(ctx context.Context) (<-chan bool, error) {
	return f.ch, nil
}

func newTestSupervisorDeps(t *testing.T) (*queuemgr.Manager, *retryexec.Executor) {
	t.Helper()
	cfg := syncconfig.Default()
	qm := queuemgr.New(cfg, obsv.NewMetrics())

	schema := model.NewSchemaRegistry()
	st, err := sqlite.Open(context.Background(), "file::memory:?mode=memory&cache=shared", schema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	queue := syncqueue.New(st.SyncQueue(), 10, obsv.NewMetrics())
	exec := retryexec.New(queue, registry.New(), qm, cfg)
	return qm, exec
}

func TestSupervisorPausesAndResumesOnTransition(t *testing.T) {
	qm, exec := newTestSupervisorDeps(t)
	source := newFakeSource()
	sup := New(source, nil, qm, exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sup.Start(ctx))

	source.ch <- true
	require.Eventually(t, func() bool { return sup.IsConnected() }, time.Second, 5*time.Millisecond)

	source.ch <- false
	require.Eventually(t, func() bool { return !sup.IsConnected() }, time.Second, 5*time.Millisecond)

	n, err := exec.ProcessDueTasksNow(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 0, n, "drain must be a no-op while disconnected, even forced")

	source.ch <- true
	require.Eventually(t, func() bool { return sup.IsConnected() }, time.Second, 5*time.Millisecond)
}

func TestSupervisorIgnoresRepeatedState(t *testing.T) {
	qm, exec := newTestSupervisorDeps(t)
	source := newFakeSource()
	sup := New(source, nil, qm, exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))

	source.ch <- false
	require.Eventually(t, func() bool { return !sup.IsConnected() }, time.Second, 5*time.Millisecond)

	// A second "offline" with no intervening "online" must not attempt to
	// close an already-closed cancel channel.
	require.NotPanics(t, func() {
		source.ch <- false
		time.Sleep(20 * time.Millisecond)
	})
}

func TestIsConnectedFallsBackToChecker(t *testing.T) {
	qm, exec := newTestSupervisorDeps(t)
	source := newFakeSource()

	calls := 0
	checker := func() (bool, error) {
		calls++
		return false, nil
	}
	sup := New(source, checker, qm, exec)
	require.False(t, sup.IsConnected())
	require.Equal(t, 1, calls)
}

func TestIsConnectedDefaultsTrueWithNoSignal(t *testing.T) {
	qm, exec := newTestSupervisorDeps(t)
	source := newFakeSource()
	sup := New(source, nil, qm, exec)
	require.True(t, sup.IsConnected())
}
