package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/metrics"
	"github.com/ajitpratap0/tributary/pkg/observability"
)

// Pool runs tasks from a Queue on a fixed number of goroutines
type Pool struct {
	queue       *Queue
	retry       *RetryEngine
	concurrency int
	clock       clock.Clock
	logger      *zap.Logger

	mu       sync.Mutex
	handlers map[Kind]Handler
	tracers  map[Kind]*observability.TaskTracer
	// inflight holds streams with a sync queued, running or awaiting retry
	inflight map[uuid.UUID]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool from worker settings
func NewPool(cfg config.WorkerConfig, clk clock.Clock) *Pool {
	if clk == nil {
		clk = clock.WallClock
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		queue:       NewQueue(cfg.QueueSize, clk),
		retry:       NewRetryEngine(cfg),
		concurrency: concurrency,
		clock:       clk,
		logger:      logger.Get().With(zap.String("component", "worker_pool")),
		handlers:    make(map[Kind]Handler),
		tracers:     make(map[Kind]*observability.TaskTracer),
		inflight:    make(map[uuid.UUID]struct{}),
	}
}

// Register installs the handler for kind
func (p *Pool) Register(kind Kind, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
	p.tracers[kind] = observability.NewTaskTracer(string(kind))
}

// Queue returns the pool's queue
func (p *Pool) Queue() *Queue {
	return p.queue
}

// Submit enqueues task after delay
func (p *Pool) Submit(task *Task, delay time.Duration) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	return p.queue.Enqueue(task, delay)
}

// DispatchSync enqueues a sync for streamID unless one is already queued,
// running or waiting to be retried
func (p *Pool) DispatchSync(_ context.Context, streamID uuid.UUID) error {
	p.mu.Lock()
	if _, busy := p.inflight[streamID]; busy {
		p.mu.Unlock()
		p.logger.Debug("sync already in flight", zap.String("stream_id", streamID.String()))
		return nil
	}
	p.inflight[streamID] = struct{}{}
	p.mu.Unlock()

	if err := p.Submit(NewTask(KindSync, streamID), 0); err != nil {
		p.release(streamID)
		return err
	}
	return nil
}

// DispatchProcess enqueues processing of a staged batch
func (p *Pool) DispatchProcess(_ context.Context, streamID uuid.UUID, batchKey string) error {
	task := NewTask(KindProcess, streamID)
	task.BatchKey = batchKey
	return p.Submit(task, 0)
}

// Start launches the workers. They stop taking tasks when ctx is done or
// Stop is called; a task already running is left to finish.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.concurrency))
}

// Stop lets running tasks finish, then drops whatever is still queued
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	if dropped := p.queue.Close(); dropped > 0 {
		p.logger.Warn("dropped queued tasks on shutdown", zap.Int("tasks", dropped))
	}
	p.logger.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrQueueClosed) {
				p.logger.Error("dequeue failed", zap.Int("worker", id), zap.Error(err))
			}
			return
		}
		p.process(context.WithoutCancel(ctx), task)
	}
}

// process executes task and either retries it or settles it
func (p *Pool) process(ctx context.Context, task *Task) {
	res, err := p.Execute(ctx, task)
	if err == nil {
		p.settle(task)
		if res != nil && res.Skipped {
			p.logger.Debug("task skipped", zap.String("task_id", task.ID.String()), zap.String("reason", res.Reason))
		}
		return
	}

	log := p.logger.With(
		zap.String("task_id", task.ID.String()),
		zap.String("kind", string(task.Kind)),
		zap.String("stream_id", task.StreamID.String()),
		zap.Int("attempt", task.Attempt),
		zap.Error(err))

	delay, retry := p.retry.Next(task, err)
	if !retry {
		p.settle(task)
		log.Error("task failed permanently", zap.String("disposition", Classify(err).String()))
		return
	}

	task.Attempt++
	if qerr := p.queue.Enqueue(task, delay); qerr != nil {
		p.settle(task)
		log.Error("failed to re-enqueue task", zap.NamedError("enqueue_error", qerr))
		return
	}
	metrics.TaskRetries.WithLabelValues(string(task.Kind), task.label()).Inc()
	log.Warn("task failed, retrying", zap.Duration("delay", delay))
}

// Execute runs task's handler once, with tracing and metrics but without
// retries. It is used by the workers and by one-off CLI runs.
func (p *Pool) Execute(ctx context.Context, task *Task) (*Result, error) {
	p.mu.Lock()
	h, ok := p.handlers[task.Kind]
	tracer := p.tracers[task.Kind]
	p.mu.Unlock()
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "no handler for task kind %s", task.Kind)
	}

	var streamID string
	if task.StreamID != uuid.Nil {
		streamID = task.StreamID.String()
	}
	ctx = logger.WithTask(ctx, task.ID.String(), streamID, "")

	timer := metrics.NewTimer()
	var res *Result
	err := tracer.Trace(ctx, task.label(), func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf(errors.ErrorTypeInternal, "task panicked: %v", r)
			}
		}()
		res, err = h.Handle(ctx, task)
		return err
	})

	outcome := "success"
	switch {
	case err != nil:
		outcome = "failure"
	case res != nil && res.Skipped:
		outcome = "skipped"
	}
	metrics.TasksTotal.WithLabelValues(string(task.Kind), task.label(), outcome).Inc()
	metrics.TaskDuration.WithLabelValues(string(task.Kind), task.label()).Observe(timer.Seconds())

	if err != nil {
		return nil, fmt.Errorf("%s task %s: %w", task.Kind, task.ID, err)
	}
	return res, nil
}

func (p *Pool) settle(task *Task) {
	if task.Kind == KindSync {
		p.release(task.StreamID)
	}
}

func (p *Pool) release(streamID uuid.UUID) {
	p.mu.Lock()
	delete(p.inflight, streamID)
	p.mu.Unlock()
}
