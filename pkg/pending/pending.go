// Package pending implements one-shot correlation tables for call-and-await
// request/response matching.
//
// A Table maps an opaque correlation id to a single-use completion channel.
// Registration and one resolution are the only supported operations; a second
// resolution of the same id is a no-op, as is resolving an id that was never
// registered or has already timed out.
package pending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrTimeout is returned when a call sees no response within its window.
var ErrTimeout = errors.New("call timed out")

// Outcome is the terminal state of one pending call.
type Outcome struct {
	Data map[string]any
	Err  error
}

// Table is a correlation arena keyed by opaque ids.
type Table struct {
	mu      sync.Mutex
	pending map[string]chan Outcome
	log     *slog.Logger
}

// NewTable builds an empty correlation table.
func NewTable(log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{
		pending: make(map[string]chan Outcome),
		log:     log,
	}
}

// Register creates a completion handle for id.
//
// Registering an id that is already pending replaces the old handle; the
// displaced caller will time out. This should not happen with fresh random
// ids and is logged as a warning.
func (t *Table) Register(id string) <-chan Outcome {
	ch := make(chan Outcome, 1)

	t.mu.Lock()
	if _, exists := t.pending[id]; exists {
		t.log.Warn("Duplicate correlation id registered", "id", id)
	}
	t.pending[id] = ch
	t.mu.Unlock()

	return ch
}

// Resolve completes the pending call for id with a success payload.
//
// Returns false when no call is pending for id.
func (t *Table) Resolve(id string, data map[string]any) bool {
	return t.complete(id, Outcome{Data: data})
}

// Reject completes the pending call for id with an error.
func (t *Table) Reject(id string, err error) bool {
	return t.complete(id, Outcome{Err: err})
}

func (t *Table) complete(id string, outcome Outcome) bool {
	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		t.log.Warn("No pending call for correlation id", "id", id)
		return false
	}

	ch <- outcome
	return true
}

// Drop removes the registration for id without completing it.
func (t *Table) Drop(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Len reports the number of outstanding registrations.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Await blocks until the handle for id completes, the timeout elapses, or
// ctx is cancelled. On timeout or cancellation the registration is dropped,
// so a late response for the same id is ignored rather than misapplied.
func (t *Table) Await(ctx context.Context, id string, ch <-chan Outcome, timeout time.Duration) (map[string]any, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		return outcome.Data, nil
	case <-timer.C:
		t.Drop(id)
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		t.Drop(id)
		return nil, ctx.Err()
	}
}
