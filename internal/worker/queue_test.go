package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueOrdersByDueTime(t *testing.T) {
	clk := testclock.NewClock(epoch)
	q := NewQueue(0, clk)

	late := NewTask(KindSync, uuid.New())
	first := NewTask(KindSync, uuid.New())
	second := NewTask(KindProcess, uuid.New())
	require.NoError(t, q.Enqueue(late, 10*time.Second))
	require.NoError(t, q.Enqueue(first, 0))
	require.NoError(t, q.Enqueue(second, 0))
	assert.Equal(t, 3, q.Len())

	ctx := context.Background()
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	due, ok := q.NextDue()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(10*time.Second), due)

	result := make(chan *Task, 1)
	go func() {
		task, err := q.Dequeue(ctx)
		if err == nil {
			result <- task
		}
	}()

	require.NoError(t, clk.WaitAdvance(10*time.Second, time.Second, 1))
	select {
	case task := <-result:
		assert.Equal(t, late.ID, task.ID)
	case <-time.After(time.Second):
		t.Fatal("delayed task never became visible")
	}
}

func TestQueueWakesOnEnqueue(t *testing.T) {
	q := NewQueue(0, testclock.NewClock(epoch))
	result := make(chan *Task, 1)
	go func() {
		task, err := q.Dequeue(context.Background())
		if err == nil {
			result <- task
		}
	}()

	task := NewTask(KindCleanup, uuid.Nil)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(task, 0))
	select {
	case got := <-result:
		assert.Equal(t, task.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("dequeue not woken")
	}
}

func TestQueueCapacityAndClose(t *testing.T) {
	q := NewQueue(1, testclock.NewClock(epoch))
	require.NoError(t, q.Enqueue(NewTask(KindSync, uuid.New()), time.Minute))
	assert.ErrorIs(t, q.Enqueue(NewTask(KindSync, uuid.New()), 0), ErrQueueFull)

	assert.Equal(t, 1, q.Close())
	assert.ErrorIs(t, q.Enqueue(NewTask(KindSync, uuid.New()), 0), ErrQueueClosed)
	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueDequeueHonoursContext(t *testing.T) {
	q := NewQueue(0, testclock.NewClock(epoch))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
