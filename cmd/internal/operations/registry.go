package operations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	v1 "github.com/metal-stack/node-agent/api/v1"
	"github.com/metal-stack/node-agent/cmd/internal/lock"
	"github.com/metal-stack/node-agent/cmd/internal/metrics"
	"github.com/metal-stack/node-agent/pkg/constants"
	"golang.org/x/sync/errgroup"
)

// Config configures the registry and its worker pool
type Config struct {
	// Workers is the number of operations executed concurrently
	Workers int
	// QueueSize bounds the number of accepted operations waiting for a worker
	QueueSize int
	// SharedRoot is the shared container root the transfer lock lives under
	SharedRoot string
	// WaitForTransferLock makes transfers wait for a running transfer instead of failing
	WaitForTransferLock bool
}

func (c *Config) validate() error {
	if c.Workers < 1 {
		return errors.New("at least one worker is required")
	}
	if c.QueueSize < 1 {
		return errors.New("queue size must be positive")
	}
	if c.SharedRoot == "" {
		return errors.New("shared container root must not be empty")
	}
	return nil
}

// Registry tracks all operations of the node and executes them on a bounded worker pool.
type Registry struct {
	log     *slog.Logger
	config  Config
	kinds   map[string]Kind
	metrics *metrics.Metrics

	mu    sync.RWMutex
	ops   map[string]*Operation
	order []string

	queue chan *Operation

	now   func() time.Time
	newID func() string
}

// New returns a registry dispatching to the given kinds. The kinds are copied and cannot be changed afterwards.
func New(log *slog.Logger, config Config, kinds map[string]Kind, m *metrics.Metrics) (*Registry, error) {
	if config.Workers == 0 {
		config.Workers = constants.DefaultWorkers
	}
	if config.QueueSize == 0 {
		config.QueueSize = constants.DefaultQueueSize
	}
	if config.SharedRoot == "" {
		config.SharedRoot = constants.DefaultSharedContainerRoot
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	for name, k := range kinds {
		if k.New == nil {
			return nil, fmt.Errorf("operation kind %q has no constructor", name)
		}
	}

	if m == nil {
		m = metrics.New()
	}

	return &Registry{
		log:     log,
		config:  config,
		kinds:   maps.Clone(kinds),
		metrics: m,
		ops:     map[string]*Operation{},
		queue:   make(chan *Operation, config.QueueSize),
		now:     time.Now,
		newID:   uuid.NewString,
	}, nil
}

// Kinds returns the names of the registered operation kinds
func (r *Registry) Kinds() []string {
	return slices.Sorted(maps.Keys(r.kinds))
}

// Submit decodes the request, registers a new PENDING operation and hands it to the worker pool.
//
// The call never waits for the operation to start.
func (r *Registry) Submit(kind string, raw json.RawMessage) (v1.OperationSnapshot, error) {
	k, ok := r.kinds[kind]
	if !ok {
		return v1.OperationSnapshot{}, fmt.Errorf("%w: %q", ErrUnknownOperationKind, kind)
	}

	runner, err := k.New(raw)
	if err != nil {
		return v1.OperationSnapshot{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	op := newOperation(r.newID(), kind, k, runner, r.now())
	snapshot := op.Snapshot()

	// an operation becomes visible only once it is queued
	r.mu.Lock()
	select {
	case r.queue <- op:
	default:
		r.mu.Unlock()
		return v1.OperationSnapshot{}, fmt.Errorf("%w: %d operations are waiting", ErrQueueFull, cap(r.queue))
	}
	r.ops[op.id] = op
	r.order = append(r.order, op.id)
	r.mu.Unlock()

	r.metrics.OperationSubmitted(kind)
	r.log.Info("operation submitted", "id", op.id, "kind", kind)

	return snapshot, nil
}

// Status returns a snapshot of the operation with the given id
func (r *Registry) Status(id string) (v1.OperationSnapshot, error) {
	r.mu.RLock()
	op, ok := r.ops[id]
	r.mu.RUnlock()

	if !ok {
		return v1.OperationSnapshot{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	return op.Snapshot(), nil
}

// List returns snapshots of all operations in submission order
func (r *Registry) List() []v1.OperationSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]v1.OperationSnapshot, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.ops[id].Snapshot())
	}

	return result
}

// Run starts the worker pool and blocks until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	r.log.Info("starting operation workers", "workers", r.config.Workers, "queue-size", r.config.QueueSize)

	g, ctx := errgroup.WithContext(ctx)

	for i := range r.config.Workers {
		log := r.log.With("worker", i)
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case op := <-r.queue:
					r.execute(ctx, log, op)
				}
			}
		})
	}

	err := g.Wait()

	r.log.Info("operation workers stopped")

	return err
}

func (r *Registry) execute(ctx context.Context, log *slog.Logger, op *Operation) {
	log = log.With("id", op.id, "kind", op.kind)

	var handle *lock.Handle
	if op.transfer {
		h, err := lock.Acquire(ctx, r.config.SharedRoot, r.config.WaitForTransferLock)
		if err != nil {
			if errors.Is(err, lock.ErrLockUnavailable) {
				r.metrics.CountLockConflict()
			}
			log.Error("unable to acquire transfer lock", "error", err)
			r.finish(log, op, err, false)
			return
		}
		handle = h
	}

	if err := op.transition(v1.StateRunning, nil, r.now()); err != nil {
		log.Error("unable to start operation", "error", err)
		if handle != nil {
			_ = handle.Release()
		}
		return
	}
	r.metrics.OperationStarted(op.kind)
	log.Info("operation started")

	err := r.run(ctx, op)

	if handle != nil {
		if rerr := handle.Release(); rerr != nil {
			log.Error("unable to release transfer lock", "error", rerr)
		}
	}

	r.finish(log, op, err, true)
}

func (r *Registry) run(ctx context.Context, op *Operation) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p}
		}
	}()

	return op.runner.Run(ctx)
}

func (r *Registry) finish(log *slog.Logger, op *Operation, err error, wasRunning bool) {
	state := v1.StateCompleted
	if err != nil {
		state = v1.StateFailed
	}

	opErr := Classify(err)

	if terr := op.transition(state, opErr, r.now()); terr != nil {
		log.Error("unable to finish operation", "error", terr)
		return
	}

	r.metrics.OperationFinished(op.kind, string(state), wasRunning)

	if err != nil {
		log.Error("operation failed", "error-kind", opErr.Kind, "error", err)
		return
	}

	log.Info("operation completed")
}
