package operations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/metal-stack/metal-lib/pkg/pointer"
	v1 "github.com/metal-stack/node-agent/api/v1"
)

// Runner is the executable body of one submitted operation.
type Runner interface {
	// Request returns the decoded request the runner was built from
	Request() any
	// Run executes the operation, a returned error fails it
	Run(ctx context.Context) error
}

// Kind describes one operation kind of the dispatch table.
type Kind struct {
	// Transfer kinds move data and are serialized by the global transfer lock
	Transfer bool
	// New decodes and validates a request and builds its runner
	New func(raw json.RawMessage) (Runner, error)
}

// Decode strictly decodes raw into a request of type T and validates it. An empty body decodes as "{}".
func Decode[T any, P interface {
	*T
	v1.Request
}](raw json.RawMessage) (P, error) {
	req := P(new(T))

	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		return nil, fmt.Errorf("unable to decode %s request: %w", req.Kind(), err)
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	return req, nil
}

// Operation is one tracked unit of work.
type Operation struct {
	mu sync.RWMutex

	id       string
	kind     string
	transfer bool
	request  json.RawMessage
	runner   Runner

	state       v1.OperationState
	err         *v1.OperationError
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
}

func newOperation(id, kind string, k Kind, runner Runner, now time.Time) *Operation {
	request, err := json.Marshal(runner.Request())
	if err != nil {
		request = nil
	}

	return &Operation{
		id:        id,
		kind:      kind,
		transfer:  k.Transfer,
		request:   request,
		runner:    runner,
		state:     v1.StatePending,
		createdAt: now,
	}
}

func (o *Operation) ID() string {
	return o.id
}

func (o *Operation) State() v1.OperationState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Snapshot returns a copy of the current state.
func (o *Operation) Snapshot() v1.OperationSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s := v1.OperationSnapshot{
		ID:        o.id,
		Kind:      o.kind,
		State:     o.state,
		Request:   append(json.RawMessage(nil), o.request...),
		CreatedAt: o.createdAt,
	}
	if o.err != nil {
		s.Error = pointer.Pointer(*o.err)
	}
	if o.startedAt != nil {
		s.StartedAt = pointer.Pointer(*o.startedAt)
	}
	if o.completedAt != nil {
		s.CompletedAt = pointer.Pointer(*o.completedAt)
	}

	return s
}

// transition moves the operation forward, terminal states are final and states never go back
func (o *Operation) transition(to v1.OperationState, opErr *v1.OperationError, now time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.IsTerminal() || to.Rank() <= o.state.Rank() {
		return fmt.Errorf("invalid transition of operation %s from %s to %s", o.id, o.state, to)
	}

	o.state = to

	switch to {
	case v1.StateRunning:
		o.startedAt = &now
	case v1.StateCompleted, v1.StateFailed:
		o.completedAt = &now
		o.err = opErr
	}

	return nil
}
