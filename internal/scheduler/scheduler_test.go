package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratticdb/rattic/internal/cache"
	"github.com/ratticdb/rattic/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLocker(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewFromClient(client), mr
}

func TestRunOnce_OneInstancePerPeriod(t *testing.T) {
	locker, mr := newLocker(t)
	rec := metrics.NewInMemory()

	var runs atomic.Int32
	task := func(context.Context) error {
		runs.Add(1)
		return nil
	}

	a := New(locker, time.UTC, discardLogger(), rec)
	b := New(locker, time.UTC, discardLogger(), rec)
	require.NoError(t, a.Add("reminder", time.Hour, task))
	require.NoError(t, b.Add("reminder", time.Hour, task))

	ctx := context.Background()
	assert.Equal(t, StatusOK, a.RunOnce(ctx, "reminder"))
	assert.Equal(t, StatusSkipped, b.RunOnce(ctx, "reminder"))
	assert.Equal(t, StatusSkipped, a.RunOnce(ctx, "reminder"))
	assert.Equal(t, int32(1), runs.Load())

	mr.FastForward(time.Hour + time.Second)
	assert.Equal(t, StatusOK, b.RunOnce(ctx, "reminder"))
	assert.Equal(t, int32(2), runs.Load())

	snap := rec.Snapshot()
	assert.Equal(t, uint64(2), snap.TaskRuns["reminder/ok"])
	assert.Equal(t, uint64(2), snap.TaskRuns["reminder/skipped"])
}

func TestRunOnce_Failures(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	locker := cache.NewFromClient(client)

	rec := metrics.NewInMemory()
	s := New(locker, nil, discardLogger(), rec)
	require.NoError(t, s.Add("broken", time.Minute, func(context.Context) error {
		return errors.New("smtp down")
	}))

	assert.Equal(t, StatusError, s.RunOnce(context.Background(), "broken"))
	assert.Equal(t, StatusError, s.RunOnce(context.Background(), "missing"))

	mr.Close()
	assert.Equal(t, StatusError, s.RunOnce(context.Background(), "broken"), "lock errors are task errors")
	assert.Equal(t, uint64(2), rec.Snapshot().TaskRuns["broken/error"])
}

func TestAdd_Validation(t *testing.T) {
	locker, _ := newLocker(t)
	s := New(locker, time.UTC, discardLogger(), nil)

	assert.Error(t, s.Add("never", 0, nil))
	require.NoError(t, s.Add("a", time.Minute, func(context.Context) error { return nil }))
	assert.Equal(t, []string{"a"}, s.Tasks())
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	locker, mr := newLocker(t)
	s := New(locker, time.UTC, discardLogger(), nil)

	ran := make(chan struct{}, 10)
	require.NoError(t, s.Add("fast", 20*time.Millisecond, func(context.Context) error {
		mr.FastForward(time.Second)
		ran <- struct{}{}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-ran:
		case <-time.After(5 * time.Second):
			t.Fatal("task did not run")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.Error(t, s.Add("late", time.Minute, nil))
	assert.Error(t, s.Run(context.Background()))
}

func TestRun_LastRunSurvivesRestart(t *testing.T) {
	locker, mr := newLocker(t)
	var runs atomic.Int32
	task := func(context.Context) error {
		runs.Add(1)
		return nil
	}

	start := func() (stop func()) {
		s := New(locker, time.UTC, discardLogger(), nil)
		s.checkEvery = 10 * time.Millisecond
		require.NoError(t, s.Add("reminder", 24*time.Hour, task))
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			_ = s.Run(ctx)
			close(done)
		}()
		return func() {
			cancel()
			<-done
		}
	}

	stop := start()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 5*time.Second, 5*time.Millisecond,
		"first start runs the task without waiting a period")
	stop()

	stop = start()
	defer stop()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "restart within the period does not rerun")

	mr.FastForward(24*time.Hour + time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, 5*time.Second, 5*time.Millisecond,
		"due again once the period has passed")
}
