package approval

import (
	"context"
	"errors"
	"sync"

	"github.com/yangwenmai/draftsync/internal/model"
)

// Sentinel errors returned by gate operations. Both are wrapped in a
// model.Error of kind Conflict.
var (
	ErrSubmitting      = errors.New("approval is already being submitted")
	ErrAlreadyApproved = errors.New("gate is already approved")
)

// State is the decision state of a gate.
type State string

// Gate states
const (
	StatePending           State = "pending"
	StateApprovedWithEdits State = "approved_with_edits"
	StateApproved          State = "approved"
)

// Submitter sends the approval to the backend. edited is nil when the
// payload was approved as proposed.
type Submitter[T any] func(ctx context.Context, edited *T) error

// Snapshot is a point-in-time copy of a gate.
type Snapshot[T any] struct {
	Name       string `json:"name" yaml:"name"`
	State      State  `json:"state" yaml:"state"`
	Submitting bool   `json:"submitting" yaml:"submitting"`
	Edited     *T     `json:"edited,omitempty" yaml:"edited,omitempty"`
	LastError  error  `json:"-" yaml:"-"`
}

// Option configures a Gate.
type Option[T any] func(*Gate[T])

// WithOnChange registers a callback invoked, without the gate mutex held,
// after every state change.
func WithOnChange[T any](fn func()) Option[T] {
	return func(g *Gate[T]) { g.onChange = fn }
}

// WithClone sets the function used to copy payloads in and out of the gate.
// Payloads holding slices or pointers need one.
func WithClone[T any](fn func(T) T) Option[T] {
	return func(g *Gate[T]) { g.clone = fn }
}

// Gate holds one approval decision.
type Gate[T any] struct {
	mu         sync.Mutex
	name       string
	submit     Submitter[T]
	clone      func(T) T
	onChange   func()
	state      State
	submitting bool
	edited     *T
	lastErr    error
	generation uint64 // bumped by Reset; stale submissions are ignored
}

// New creates a pending Gate.
func New[T any](name string, submit Submitter[T], opts ...Option[T]) *Gate[T] {
	g := &Gate[T]{
		name:   name,
		submit: submit,
		clone:  func(v T) T { return v },
		state:  StatePending,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SubmitEdits stores a locally edited payload without changing the
// pipeline stage.
func (g *Gate[T]) SubmitEdits(payload T) error {
	g.mu.Lock()
	if err := g.checkOpenLocked("submit edits"); err != nil {
		g.mu.Unlock()
		return err
	}
	v := g.clone(payload)
	g.edited = &v
	g.state = StateApprovedWithEdits
	g.lastErr = nil
	g.mu.Unlock()

	g.changed()
	return nil
}

// Approve sends the (possibly edited) payload. It never retries: on failure
// the gate returns to pending, keeps the edits and returns the error.
func (g *Gate[T]) Approve(ctx context.Context) error {
	g.mu.Lock()
	if err := g.checkOpenLocked("approve"); err != nil {
		g.mu.Unlock()
		return err
	}
	g.submitting = true
	gen := g.generation
	var payload *T
	if g.edited != nil {
		v := g.clone(*g.edited)
		payload = &v
	}
	g.mu.Unlock()
	g.changed()

	err := g.submit(ctx, payload)

	g.mu.Lock()
	if gen != g.generation {
		g.mu.Unlock()
		return err
	}
	g.submitting = false
	if err != nil {
		g.state = StatePending
		g.lastErr = err
	} else {
		g.state = StateApproved
		g.edited = nil
		g.lastErr = nil
	}
	g.mu.Unlock()

	g.changed()
	return err
}

// Reset returns the gate to pending and drops edits. A submission in flight
// when Reset is called no longer affects the gate.
func (g *Gate[T]) Reset() {
	g.mu.Lock()
	g.generation++
	g.state = StatePending
	g.submitting = false
	g.edited = nil
	g.lastErr = nil
	g.mu.Unlock()

	g.changed()
}

// Submitting reports whether an approval is in flight.
func (g *Gate[T]) Submitting() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submitting
}

// Snapshot returns a copy of the gate's state.
func (g *Gate[T]) Snapshot() Snapshot[T] {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Snapshot[T]{
		Name:       g.name,
		State:      g.state,
		Submitting: g.submitting,
		LastError:  g.lastErr,
	}
	if g.edited != nil {
		v := g.clone(*g.edited)
		s.Edited = &v
	}
	return s
}

func (g *Gate[T]) checkOpenLocked(op string) error {
	if g.submitting {
		return model.NewError(model.KindConflict, g.name+" "+op, ErrSubmitting)
	}
	if g.state == StateApproved {
		return model.NewError(model.KindConflict, g.name+" "+op, ErrAlreadyApproved)
	}
	return nil
}

func (g *Gate[T]) changed() {
	if g.onChange != nil {
		g.onChange()
	}
}
