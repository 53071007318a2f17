// Package worker is the task runner: a pool of goroutines consuming a
// delayed in-process queue of sync, process and maintenance tasks. Failed
// tasks are classified as terminal or retryable; retryable ones are put
// back on the queue with exponential backoff instead of sleeping in the
// worker.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a task handler
type Kind string

const (
	KindSync         Kind = "sync"
	KindProcess      Kind = "process"
	KindTokenRefresh Kind = "token_refresh"
	KindCleanup      Kind = "cleanup"
)

// Task is one unit of work
type Task struct {
	ID       uuid.UUID
	Kind     Kind
	StreamID uuid.UUID
	// BatchKey is the object key of the staged batch a process task reads
	BatchKey string
	// Manual tasks bypass the enabled and active checks
	Manual bool
	// Attempt counts retries already made
	Attempt    int
	StreamName string
	CreatedAt  time.Time
}

// NewTask creates a task of kind for streamID
func NewTask(kind Kind, streamID uuid.UUID) *Task {
	return &Task{ID: uuid.New(), Kind: kind, StreamID: streamID}
}

// label returns the stream name for metrics, falling back to the kind for
// tasks not bound to a stream
func (t *Task) label() string {
	if t.StreamName != "" {
		return t.StreamName
	}
	return string(t.Kind)
}

// Result is what a handler reports for a task that did not fail
type Result struct {
	Skipped    bool
	Reason     string
	Records    int
	ActivityID uuid.UUID
}

func skipped(reason string) *Result {
	return &Result{Skipped: true, Reason: reason}
}

// Handler executes tasks of one kind
type Handler interface {
	Handle(ctx context.Context, task *Task) (*Result, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, task *Task) (*Result, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, task *Task) (*Result, error) {
	return f(ctx, task)
}
