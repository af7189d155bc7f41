package signal

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/railyard-labs/railyard-go/internal/provider"
)

// Handler applies one signal kind. Implementations must be idempotent
// under re-delivery: when the entity state no longer matches the
// transition guard, the handler is a no-op, not an error.
type Handler func(ctx context.Context, sig Signal) error

// Dispatcher routes signals to the handler registered for their kind.
// Signals for the same train are applied in delivery order; different
// trains proceed independently.
type Dispatcher struct {
	log      *slog.Logger
	mu       sync.Mutex
	handlers map[Kind]Handler
	trains   map[string]*sync.Mutex
}

func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:      log,
		handlers: make(map[Kind]Handler),
		trains:   make(map[string]*sync.Mutex),
	}
}

// Register installs the handler for a kind, replacing any previous one.
func (d *Dispatcher) Register(kind Kind, handler Handler) error {
	if d == nil {
		return errors.New("dispatcher not initialized")
	}
	if NormalizeKind(string(kind)) == "" {
		return provider.Config(provider.CodeParameterInvalid, errors.New("signal kind is invalid"))
	}
	if handler == nil {
		return provider.Config(provider.CodeParameterInvalid, errors.New("handler is required"))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[NormalizeKind(string(kind))] = handler
	return nil
}

// Dispatch validates the signal and invokes its handler under the
// per-train ordering lock.
func (d *Dispatcher) Dispatch(ctx context.Context, sig Signal) error {
	if d == nil {
		return errors.New("dispatcher not initialized")
	}
	if err := sig.Validate(); err != nil {
		return provider.Config(provider.CodeParameterInvalid, err)
	}
	kind := NormalizeKind(string(sig.Kind))

	d.mu.Lock()
	handler, ok := d.handlers[kind]
	if !ok {
		d.mu.Unlock()
		return provider.Config(provider.CodeDispatchMissing, errors.New("no handler registered for kind "+string(kind)))
	}
	trainMu, ok := d.trains[sig.TrainID]
	if !ok {
		trainMu = &sync.Mutex{}
		d.trains[sig.TrainID] = trainMu
	}
	d.mu.Unlock()

	trainMu.Lock()
	defer trainMu.Unlock()

	log := d.log.With(
		slog.String("signal_kind", string(kind)),
		slog.String("train_id", sig.TrainID),
	)
	if err := handler(ctx, sig); err != nil {
		log.ErrorContext(ctx, "signal handler failed", slog.String("error", err.Error()))
		return err
	}
	log.InfoContext(ctx, "signal dispatched")
	return nil
}
