package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/railyard-labs/railyard-go/internal/backoff"
	"github.com/railyard-labs/railyard-go/internal/provider"
)

// InMemRunner executes tasks on goroutines inside the orchestrator
// process. It honors delays, suppresses duplicate unique keys while a
// task is pending, and applies the per-enqueue retry policy.
type InMemRunner struct {
	logger *slog.Logger

	mu        sync.Mutex
	handlers  map[string]Handler
	exhausted map[string]ExhaustedHook
	inflight  map[string]struct{}
	wg        sync.WaitGroup

	// sleep is injectable so tests can run without real waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewInMemRunner(logger *slog.Logger) *InMemRunner {
	return &InMemRunner{
		logger:    logger,
		handlers:  map[string]Handler{},
		exhausted: map[string]ExhaustedHook{},
		inflight:  map[string]struct{}{},
		sleep:     sleepCtx,
	}
}

// Register binds a handler to a task name. Last registration wins.
func (r *InMemRunner) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// OnRetriesExhausted binds the give-up hook for a task name.
func (r *InMemRunner) OnRetriesExhausted(name string, hook ExhaustedHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exhausted[name] = hook
}

// Enqueue schedules one execution. A second enqueue with the same
// unique key while the first is still pending is dropped.
func (r *InMemRunner) Enqueue(ctx context.Context, name string, args Args, opts Options) error {
	r.mu.Lock()
	handler, ok := r.handlers[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("no handler registered for task %q", name)
	}
	if opts.UniqueKey != "" {
		if _, pending := r.inflight[opts.UniqueKey]; pending {
			r.mu.Unlock()
			return nil
		}
		r.inflight[opts.UniqueKey] = struct{}{}
	}
	hook := r.exhausted[name]
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(ctx, name, handler, hook, args, opts)
	return nil
}

// Wait blocks until all scheduled tasks have finished. Intended for
// shutdown and tests.
func (r *InMemRunner) Wait() {
	r.wg.Wait()
}

func (r *InMemRunner) run(ctx context.Context, name string, handler Handler, hook ExhaustedHook, args Args, opts Options) {
	defer r.wg.Done()
	defer func() {
		if opts.UniqueKey != "" {
			r.mu.Lock()
			delete(r.inflight, opts.UniqueKey)
			r.mu.Unlock()
		}
	}()

	if opts.Delay > 0 {
		if err := r.sleep(ctx, opts.Delay); err != nil {
			return
		}
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		err := handler(ctx, args, attempt, lastErr)
		if err == nil {
			return
		}
		lastErr = err

		delay, retry := r.decide(err, attempt, opts)
		if !retry {
			if r.logger != nil {
				r.logger.Error("task retries exhausted", "task", name, "attempt", attempt, "error", err)
			}
			if hook != nil {
				hook(ctx, args, err)
			}
			return
		}
		if r.logger != nil {
			r.logger.Warn("task retrying", "task", name, "attempt", attempt, "delay", delay.String(), "error", err)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (r *InMemRunner) decide(err error, attempt int, opts Options) (time.Duration, bool) {
	if opts.MaxRetries > 0 && attempt > opts.MaxRetries {
		return 0, false
	}
	policy := opts.Policy
	if policy.Validate() != nil {
		policy = backoff.Exponential(time.Second, time.Minute, 5)
	}
	return policy.Decide(provider.Classify(err), attempt)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
