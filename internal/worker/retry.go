package worker

import (
	"strings"
	"time"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/connector/base"
	"github.com/ajitpratap0/tributary/pkg/errors"
)

// Disposition is the outcome of classifying a task error
type Disposition int

const (
	// Retryable errors are re-enqueued with backoff
	Retryable Disposition = iota
	// Terminal errors are never retried
	Terminal
)

func (d Disposition) String() string {
	if d == Terminal {
		return "terminal"
	}
	return "retryable"
}

// terminalMarkers are substrings of error messages that no retry can fix
var terminalMarkers = []string{
	"ProgrammingError",
	"UndefinedColumn",
	"AuthenticationError",
	"PermissionError",
	"Unauthorized",
}

var terminalTypes = []errors.ErrorType{
	errors.ErrorTypeAuthentication,
	errors.ErrorTypePermission,
	errors.ErrorTypeSchema,
	errors.ErrorTypeConfig,
}

// Classify decides whether a failed task may be retried. Schema,
// authorization and configuration problems are terminal; everything else,
// including errors of unknown origin, is retried.
func Classify(err error) Disposition {
	if err == nil {
		return Terminal
	}
	msg := err.Error()
	for _, marker := range terminalMarkers {
		if strings.Contains(msg, marker) {
			return Terminal
		}
	}
	for _, t := range terminalTypes {
		if errors.IsType(err, t) {
			return Terminal
		}
	}
	return Retryable
}

// RetryEngine schedules re-attempts of failed tasks
type RetryEngine struct {
	policy *base.RetryPolicy
}

// NewRetryEngine builds the engine from worker settings, defaulting to
// three retries after 60, 120 and 240 seconds
func NewRetryEngine(cfg config.WorkerConfig) *RetryEngine {
	policy := base.TaskRetryPolicy()
	if cfg.MaxRetries > 0 {
		policy = policy.WithMaxAttempts(cfg.MaxRetries)
	}
	if cfg.RetryBaseDelay > 0 {
		policy.InitialDelay = cfg.RetryBaseDelay
	}
	return &RetryEngine{policy: policy}
}

// Backoff returns the delay before retry number attempt (0-based)
func (r *RetryEngine) Backoff(attempt int) time.Duration {
	return r.policy.GetDelay(attempt)
}

// MaxRetries returns the retry budget of a task
func (r *RetryEngine) MaxRetries() int {
	return r.policy.MaxAttempts
}

// Next decides what happens to task after err. It returns the delay and
// true when the task should be re-enqueued.
func (r *RetryEngine) Next(task *Task, err error) (time.Duration, bool) {
	if Classify(err) == Terminal {
		return 0, false
	}
	if !r.policy.ShouldRetry(task.Attempt) {
		return 0, false
	}
	return r.Backoff(task.Attempt), true
}
