// Package worker provides per-worker handle pooling for native library
// sessions that must not be shared across workers. Each worker goroutine
// carries an ID in its context.Context; the pool hands every worker its own
// lazily constructed handle and keeps it for the life of the process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoWorker is returned by Pool.Get when the context carries no worker
// identity.
var ErrNoWorker = errors.New("worker: context carries no worker id")

// ID identifies one worker goroutine.
type ID int

type ctxKey struct{}

// WithID returns a context carrying the worker identity. Request-serving
// goroutines tag their context once at startup and thread it through every
// call.
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IDFrom extracts the worker identity from the context.
func IDFrom(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(ctxKey{}).(ID)
	return id, ok
}

// Pool hands each worker its own handle, constructing it on first use via
// the factory. Handles are never evicted or replaced mid-process: a worker
// keeps the same handle until Shutdown. Distinct workers never observe the
// same handle.
//
// The read lock covers the common path (a worker fetching its existing
// handle); the write lock is taken only for a worker's first use. A worker
// only ever inserts and reads its own entry.
type Pool[H any] struct {
	mu      sync.RWMutex
	handles map[ID]H
	factory func(ID) (H, error)
	down    bool
}

// NewPool creates a pool backed by the given handle factory.
func NewPool[H any](factory func(ID) (H, error)) *Pool[H] {
	return &Pool[H]{
		handles: make(map[ID]H),
		factory: factory,
	}
}

// Get returns the handle for the context's worker, constructing it if this
// is the worker's first use.
func (p *Pool[H]) Get(ctx context.Context) (H, error) {
	var zero H

	id, ok := IDFrom(ctx)
	if !ok {
		return zero, ErrNoWorker
	}

	p.mu.RLock()
	h, ok := p.handles[id]
	down := p.down
	p.mu.RUnlock()
	if down {
		return zero, errors.New("worker: pool is shut down")
	}
	if ok {
		return h, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return zero, errors.New("worker: pool is shut down")
	}
	// Only this worker inserts under its own id, but re-check anyway in
	// case the same worker raced itself through cloned contexts.
	if h, ok := p.handles[id]; ok {
		return h, nil
	}

	h, err := p.factory(id)
	if err != nil {
		return zero, fmt.Errorf("constructing handle for worker %d: %w", id, err)
	}
	p.handles[id] = h
	return h, nil
}

// Len returns the number of handles currently held.
func (p *Pool[H]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handles)
}

// Shutdown tears down every handle at process end. close may be nil when
// handles need no teardown. The pool rejects further Get calls afterwards.
func (p *Pool[H]) Shutdown(close func(H)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.down {
		return
	}
	p.down = true

	if close != nil {
		for _, h := range p.handles {
			close(h)
		}
	}
	p.handles = nil
}
