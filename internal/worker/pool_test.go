package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/ledger"
	"github.com/ajitpratap0/tributary/pkg/models"
)

func failingHandler(err error, calls *int32) Handler {
	return HandlerFunc(func(context.Context, *Task) (*Result, error) {
		atomic.AddInt32(calls, 1)
		return nil, err
	})
}

func TestPoolRetriesWithBackoff(t *testing.T) {
	clk := testclock.NewClock(epoch)
	p := NewPool(config.WorkerConfig{Concurrency: 1}, clk)
	var calls int32
	p.Register(KindSync, failingHandler(errors.New(errors.ErrorTypeConnection, "connection refused"), &calls))

	streamID := uuid.New()
	require.NoError(t, p.DispatchSync(context.Background(), streamID))
	task, err := p.Queue().Dequeue(context.Background())
	require.NoError(t, err)

	for i, want := range []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second} {
		p.process(context.Background(), task)
		require.Equal(t, 1, p.Queue().Len(), "attempt %d", i)
		due, _ := p.Queue().NextDue()
		assert.Equal(t, clk.Now().Add(want), due)
		assert.Equal(t, i+1, task.Attempt)

		// still in flight while waiting for the retry
		require.NoError(t, p.DispatchSync(context.Background(), streamID))
		assert.Equal(t, 1, p.Queue().Len())

		clk.Advance(want)
		task, err = p.Queue().Dequeue(context.Background())
		require.NoError(t, err)
	}

	p.process(context.Background(), task)
	assert.Equal(t, 0, p.Queue().Len(), "budget exhausted")
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))

	require.NoError(t, p.DispatchSync(context.Background(), streamID))
	assert.Equal(t, 1, p.Queue().Len(), "released after settling")
}

func TestPoolNeverRetriesTerminalErrors(t *testing.T) {
	p := NewPool(config.WorkerConfig{Concurrency: 1}, testclock.NewClock(epoch))
	var calls int32
	p.Register(KindProcess, failingHandler(errors.New(errors.ErrorTypeSchema, `UndefinedColumn: column "x"`), &calls))

	task := NewTask(KindProcess, uuid.New())
	p.process(context.Background(), task)
	assert.Equal(t, 0, p.Queue().Len())
	assert.Equal(t, 0, task.Attempt)
}

func TestPoolExecuteRecoversPanics(t *testing.T) {
	p := NewPool(config.WorkerConfig{}, testclock.NewClock(epoch))
	p.Register(KindCleanup, HandlerFunc(func(context.Context, *Task) (*Result, error) {
		panic("boom")
	}))

	_, err := p.Execute(context.Background(), NewTask(KindCleanup, uuid.Nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task panicked: boom")

	_, err = p.Execute(context.Background(), NewTask(KindTokenRefresh, uuid.Nil))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestPoolRunsDispatchedTasks(t *testing.T) {
	p := NewPool(config.WorkerConfig{Concurrency: 3}, testclock.NewClock(epoch))
	done := make(chan uuid.UUID, 3)
	p.Register(KindSync, HandlerFunc(func(_ context.Context, task *Task) (*Result, error) {
		done <- task.StreamID
		return &Result{Records: 1}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, p.DispatchSync(ctx, id))
	}

	var got []uuid.UUID
	for range ids {
		select {
		case id := <-done:
			got = append(got, id)
		case <-time.After(2 * time.Second):
			t.Fatal("tasks not executed")
		}
	}
	assert.ElementsMatch(t, ids, got)
	p.Stop()
}

func TestCleanupHandlerRecordsActivity(t *testing.T) {
	clk := testclock.NewClock(epoch)
	store := ledger.NewMemoryStore()
	l := ledger.New(store, clk)

	old, err := l.Record(context.Background(), ledger.Entry{Type: models.ActivityIngestion}, ledger.Outcome{})
	require.NoError(t, err)
	clk.Advance(31 * 24 * time.Hour)

	res, err := NewCleanupHandler(l, 0).Handle(context.Background(), NewTask(KindCleanup, uuid.Nil))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Records)

	_, err = store.GetActivity(context.Background(), old.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	cleanups, err := store.ListActivities(context.Background(), ledger.Filter{Type: models.ActivityCleanup})
	require.NoError(t, err)
	require.Len(t, cleanups, 1)
	assert.Equal(t, models.ActivityCompleted, cleanups[0].Status)
}

func TestMaintenanceEnqueuesJobs(t *testing.T) {
	clk := testclock.NewClock(epoch)
	p := NewPool(config.WorkerConfig{}, clk)
	m := NewMaintenance(p, 15*time.Minute, time.Hour, clk)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(stopped)
	}()

	require.NoError(t, clk.WaitAdvance(time.Hour, time.Second, 2))
	require.Eventually(t, func() bool { return p.Queue().Len() == 3 }, time.Second, 5*time.Millisecond)

	kinds := map[Kind]int{}
	for p.Queue().Len() > 0 {
		task, err := p.Queue().Dequeue(ctx)
		require.NoError(t, err)
		kinds[task.Kind]++
	}
	assert.Equal(t, 2, kinds[KindTokenRefresh])
	assert.Equal(t, 1, kinds[KindCleanup])

	cancel()
	<-stopped
}
