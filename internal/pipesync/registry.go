package pipesync

import (
	"context"
	"sync"

	"github.com/yangwenmai/draftsync/internal/model"
)

// Registry hands out at most one writable Engine per artifact. Other parties
// attach read-only.
type Registry struct {
	backend Backend
	opts    Options

	mu      sync.Mutex
	engines map[string]*Engine
	opening map[string]bool
}

// NewRegistry creates a Registry whose engines share backend and opts.
func NewRegistry(backend Backend, opts Options) *Registry {
	return &Registry{
		backend: backend,
		opts:    opts,
		engines: make(map[string]*Engine),
		opening: make(map[string]bool),
	}
}

// Open returns the writable engine for id. A second Open while the first
// engine is alive fails with Conflict.
func (r *Registry) Open(ctx context.Context, id string) (*Engine, error) {
	r.mu.Lock()
	if r.engines[id] != nil || r.opening[id] {
		r.mu.Unlock()
		return nil, model.Errorf(model.KindConflict, "open", "artifact %s already has a writer", id)
	}
	r.opening[id] = true
	r.mu.Unlock()

	opts := r.opts
	var e *Engine
	opts.onClose = func() { r.release(id, e) }
	e, err := Open(ctx, id, r.backend, opts)

	r.mu.Lock()
	delete(r.opening, id)
	if err == nil {
		r.engines[id] = e
	}
	r.mu.Unlock()
	return e, err
}

// Attach returns a read-only view of the engine that owns id.
func (r *Registry) Attach(id string) (*Reader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.engines[id]
	if e == nil {
		return nil, model.Errorf(model.KindNotFound, "attach", "no engine open for %s", id)
	}
	return &Reader{e: e}, nil
}

// CloseAll closes every open engine.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.Unlock()
	for _, e := range engines {
		e.Close()
	}
}

func (r *Registry) release(id string, e *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.engines[id] == e {
		delete(r.engines, id)
	}
}

// Reader is a read-only handle on an engine owned by someone else.
type Reader struct {
	e *Engine
}

// State returns the owner's current state.
func (r *Reader) State() State { return r.e.State() }

// Subscribe registers a listener on the owner's engine.
func (r *Reader) Subscribe(l Listener) func() { return r.e.Subscribe(l) }
