package queuemgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/andreystavitsky/synquill-go/internal/obsv"
	"github.com/andreystavitsky/synquill-go/internal/syncconfig"
	"github.com/andreystavitsky/synquill-go/internal/syncerr"
)

func testConfig(t *testing.T) *syncconfig.Config {
	t.Helper()
	cfg := syncconfig.Default()
	cfg.ForegroundQueueConcurrency = 1
	cfg.LoadQueueConcurrency = 1
	cfg.BackgroundQueueConcurrency = 1
	cfg.ForegroundQueueCapacityTimeout = 50 * time.Millisecond
	cfg.LoadQueueCapacityTimeout = 50 * time.Millisecond
	cfg.BackgroundQueueCapacityTimeout = 50 * time.Millisecond
	return cfg
}

func TestAdmitReleaseRoundTrips(t *testing.T) {
	m := New(testConfig(t), obsv.NewMetrics())
	release, err := m.Admit(context.Background(), Foreground, "task:1")
	require.NoError(t, err)
	require.NotNil(t, release)

	stats := m.Stats()[Foreground]
	require.Equal(t, 1, stats.Capacity)
	require.Equal(t, 1, stats.InUse)

	release()
	stats = m.Stats()[Foreground]
	require.Equal(t, 0, stats.InUse)

	// Calling release twice must not panic or double-free the ticket.
	release()
	stats = m.Stats()[Foreground]
	require.Equal(t, 0, stats.InUse)
}

func TestAdmitBlocksOnCapacityAndTimesOut(t *testing.T) {
	m := New(testConfig(t), obsv.NewMetrics())
	release, err := m.Admit(context.Background(), Foreground, "task:1")
	require.NoError(t, err)
	defer release()

	_, err = m.Admit(context.Background(), Foreground, "task:2")
	require.True(t, errors.Is(err, syncerr.ErrQueueFull))
}

func TestAdmitSerializesSameIdempotencyKey(t *testing.T) {
	m := New(testConfig(t), obsv.NewMetrics())

	release1, err := m.Admit(context.Background(), Foreground, "task:same")
	require.NoError(t, err)
	release1()

	// After release, the same key can be re-admitted immediately.
	release2, err := m.Admit(context.Background(), Foreground, "task:same")
	require.NoError(t, err)
	release2()
}

func TestAdmitSameKeyRejectsDuplicateImmediately(t *testing.T) {
	cfg := testConfig(t)
	cfg.ForegroundQueueConcurrency = 2 // capacity isn't the bottleneck here
	m := New(cfg, obsv.NewMetrics())

	release, err := m.Admit(context.Background(), Foreground, "task:dup")
	require.NoError(t, err)
	defer release()

	// A second admission for the same key on the same queue must be
	// rejected immediately with Duplicate, never block behind the first.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := m.Admit(context.Background(), Foreground, "task:dup")
		require.True(t, errors.Is(err, syncerr.ErrDuplicate))
	}()

	select {
	case <-done:
	case <-time.After(20 * time.Millisecond):
		t.Fatal("duplicate admit for the same key should have been rejected immediately, not blocked")
	}
}

func TestAdmitSameKeyAfterReleaseIsNotDuplicate(t *testing.T) {
	m := New(testConfig(t), obsv.NewMetrics())

	release, err := m.Admit(context.Background(), Foreground, "task:dup")
	require.NoError(t, err)
	release()

	release2, err := m.Admit(context.Background(), Foreground, "task:dup")
	require.NoError(t, err)
	release2()
}

func TestForegroundAdmitNotBlockedByInFlightBackgroundKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.ForegroundQueueConcurrency = 1
	cfg.BackgroundQueueConcurrency = 1
	m := New(cfg, obsv.NewMetrics())

	bgRelease, err := m.Admit(context.Background(), Background, "row:1")
	require.NoError(t, err)
	defer bgRelease()

	// A foreground admission for the same key, while the background queue
	// still holds it, must succeed immediately — foreground writes are
	// never blocked by background retries for the same row.
	done := make(chan struct{})
	go func() {
		defer close(done)
		fgRelease, err := m.Admit(context.Background(), Foreground, "row:1")
		require.NoError(t, err)
		fgRelease()
	}()

	select {
	case <-done:
	case <-time.After(20 * time.Millisecond):
		t.Fatal("foreground admit should not have been blocked by an in-flight background key")
	}
}

func TestBackgroundAdmitWaitsBehindInFlightKeyThenSucceeds(t *testing.T) {
	cfg := testConfig(t)
	cfg.BackgroundQueueCapacityTimeout = time.Second
	m := New(cfg, obsv.NewMetrics())

	fgRelease, err := m.Admit(context.Background(), Foreground, "row:1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	unblocked := make(chan struct{})
	go func() {
		defer wg.Done()
		r, err := m.Admit(context.Background(), Background, "row:1")
		require.NoError(t, err)
		close(unblocked)
		r()
	}()

	select {
	case <-unblocked:
		t.Fatal("background admit should wait behind the foreground holder of the same key")
	case <-time.After(20 * time.Millisecond):
	}

	fgRelease()
	wg.Wait()
}

func TestBackgroundAdmitTimesOutWaitingForKey(t *testing.T) {
	m := New(testConfig(t), obsv.NewMetrics())

	release, err := m.Admit(context.Background(), Foreground, "row:1")
	require.NoError(t, err)
	defer release()

	_, err = m.Admit(context.Background(), Background, "row:1")
	require.True(t, errors.Is(err, syncerr.ErrQueueFull))
}

func TestAdmitRespectsContextCancellation(t *testing.T) {
	m := New(testConfig(t), obsv.NewMetrics())
	release, err := m.Admit(context.Background(), Foreground, "task:1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Admit(ctx, Foreground, "task:2")
	require.ErrorIs(t, err, context.Canceled)
}

func TestClearOnDisconnectCancelsWaitersAndBlocksNewAdmits(t *testing.T) {
	m := New(testConfig(t), obsv.NewMetrics())
	release, err := m.Admit(context.Background(), Foreground, "task:1")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Admit(context.Background(), Foreground, "task:2")
		errCh <- err
	}()

	// Give the waiter a moment to start blocking on the semaphore.
	time.Sleep(10 * time.Millisecond)
	m.ClearOnDisconnect()

	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, syncerr.ErrQueueCancelled))
	case <-time.After(time.Second):
		t.Fatal("waiter was not canceled by ClearOnDisconnect")
	}
	release()

	_, err = m.Admit(context.Background(), Load, "other-key")
	require.True(t, errors.Is(err, syncerr.ErrQueueCancelled))

	m.RestoreOnConnect()
	release2, err := m.Admit(context.Background(), Load, "other-key")
	require.NoError(t, err)
	release2()
}

func TestStatsReportsAllThreeQueues(t *testing.T) {
	m := New(testConfig(t), obsv.NewMetrics())
	stats := m.Stats()
	require.Len(t, stats, 3)
	for _, name := range []Name{Foreground, Load, Background} {
		s, ok := stats[name]
		require.True(t, ok)
		require.Equal(t, 1, s.Capacity)
		require.Equal(t, 0, s.InUse)
	}
}

// TestConcurrentAdmitsAcrossDistinctKeysAllSucceed fans many concurrent
// Foreground admissions for distinct keys across a sized capacity and
// asserts every one completes cleanly, using errgroup to collect the
// first error (if any) across the fan-out the way the teacher's
// internal/coop tests drive concurrent watchers.
func TestConcurrentAdmitsAcrossDistinctKeysAllSucceed(t *testing.T) {
	cfg := testConfig(t)
	cfg.ForegroundQueueConcurrency = 4
	m := New(cfg, obsv.NewMetrics())

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		i := i
		g.Go(func() error {
			release, err := m.Admit(context.Background(), Foreground, fmt.Sprintf("task:%d", i))
			if err != nil {
				return err
			}
			release()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	stats := m.Stats()[Foreground]
	require.Equal(t, 0, stats.InUse)
}
