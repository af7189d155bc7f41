// Package task defines the contract the core exposes to an asynchronous
// task queue: enqueue-with-delay, unique-per-key execution and bounded
// retries, with a hook invoked when retries are exhausted. The queue is
// assumed to deliver at least once; handlers must be idempotent.
package task

import (
	"context"
	"time"

	"github.com/railyard-labs/railyard-go/internal/backoff"
)

// Args is the serializable argument set of one task.
type Args map[string]string

// Options control scheduling and retry behavior of one enqueue.
type Options struct {
	Queue      string
	UniqueKey  string
	Delay      time.Duration
	MaxRetries int
	Policy     backoff.Policy
}

// Handler executes a task. attempt starts at 1; lastErr carries the
// error of the previous attempt on retries.
type Handler func(ctx context.Context, args Args, attempt int, lastErr error) error

// ExhaustedHook runs once when a task gives up; this is where the core
// marks the owning entity permanently failed and stamps a terminal
// audit event.
type ExhaustedHook func(ctx context.Context, args Args, lastErr error)

// Runner is the queue-side contract the core enqueues work through.
type Runner interface {
	Enqueue(ctx context.Context, name string, args Args, opts Options) error
}
