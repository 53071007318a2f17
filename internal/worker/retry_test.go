package worker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ajitpratap0/tributary/pkg/clients"
	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Disposition
	}{
		{"programming error marker", fmt.Errorf("ProgrammingError: relation does not exist"), Terminal},
		{"undefined column marker", fmt.Errorf(`query: UndefinedColumn: column "foo" does not exist`), Terminal},
		{"authentication marker", fmt.Errorf("AuthenticationError: bad token"), Terminal},
		{"permission marker", fmt.Errorf("PermissionError: scope missing"), Terminal},
		{"unauthorized after refresh", clients.ErrUnauthorized, Terminal},
		{"wrapped unauthorized", fmt.Errorf("sync task: %w", clients.ErrUnauthorized), Terminal},
		{"authentication type", errors.New(errors.ErrorTypeAuthentication, "invalid_grant"), Terminal},
		{"permission type", errors.New(errors.ErrorTypePermission, "forbidden"), Terminal},
		{"schema type", errors.New(errors.ErrorTypeSchema, "table missing"), Terminal},
		{"config type", errors.New(errors.ErrorTypeConfig, "sync not registered"), Terminal},
		{"connection", errors.New(errors.ErrorTypeConnection, "connection reset"), Retryable},
		{"rate limit", errors.New(errors.ErrorTypeRateLimit, "429"), Retryable},
		{"storage", errors.New(errors.ErrorTypeStorage, "bucket unavailable"), Retryable},
		{"unknown", fmt.Errorf("something odd happened"), Retryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRetryEngineBackoff(t *testing.T) {
	r := NewRetryEngine(config.WorkerConfig{})
	assert.Equal(t, 60*time.Second, r.Backoff(0))
	assert.Equal(t, 120*time.Second, r.Backoff(1))
	assert.Equal(t, 240*time.Second, r.Backoff(2))
	assert.Equal(t, 3, r.MaxRetries())

	retryable := errors.New(errors.ErrorTypeTimeout, "slow provider")
	task := &Task{}
	for attempt, want := range []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second} {
		task.Attempt = attempt
		delay, ok := r.Next(task, retryable)
		assert.True(t, ok)
		assert.Equal(t, want, delay)
	}
	task.Attempt = 3
	_, ok := r.Next(task, retryable)
	assert.False(t, ok, "retry budget exhausted")

	task.Attempt = 0
	_, ok = r.Next(task, fmt.Errorf("UndefinedColumn"))
	assert.False(t, ok, "terminal errors are never retried")
}

func TestRetryEngineFromConfig(t *testing.T) {
	r := NewRetryEngine(config.WorkerConfig{MaxRetries: 5, RetryBaseDelay: 10 * time.Second})
	assert.Equal(t, 5, r.MaxRetries())
	assert.Equal(t, 10*time.Second, r.Backoff(0))
	assert.Equal(t, 40*time.Second, r.Backoff(2))
}
