package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/geopyramid/tilestore/telemetry"
)

// Registry deduplicates storage contexts by (type, location) and reference
// counts them, so concurrent requests against the same backend location
// share one open session instead of opening one per request.
//
// Contexts are long lived: releasing the last lease does not close the
// context. Idle contexts are removed only by EvictIdle, a deliberate
// administrative action, or by Close at shutdown.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[registryKey]*registryEntry
	stats   counters
}

type registryKey struct {
	typ      Type
	location string
}

func (k registryKey) String() string {
	return k.typ.String() + ":" + k.location
}

// registryEntry tracks one shared context. The first acquirer opens the
// context outside the registry lock; concurrent acquirers of the same key
// wait on ready and then share the outcome.
type registryEntry struct {
	refs    int
	ready   chan struct{}
	ctx     Context
	openErr error
}

type counters struct {
	acquires       uint64
	hits           uint64
	misses         uint64
	releases       uint64
	doubleReleases uint64
	evictions      uint64
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:  slog.Default(),
		entries: make(map[registryKey]*registryEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "storage.registry")
	return r
}

// Acquire returns a lease on the context for (typ, location), creating and
// opening the context on first use. cfg is only consulted when the context
// does not exist yet; later acquirers share the first configuration.
//
// An Open failure propagates to every caller waiting on the same key and
// the context is not retained.
func (r *Registry) Acquire(ctx context.Context, typ Type, location string, cfg Config) (*Lease, error) {
	if location == "" {
		return nil, fmt.Errorf("%w: empty backend location", ErrConfig)
	}

	key := registryKey{typ: typ, location: location}

	r.mu.Lock()
	r.stats.acquires++
	if e, ok := r.entries[key]; ok {
		e.refs++
		r.stats.hits++
		r.mu.Unlock()

		// Wait for the opener's outcome. The entry was already removed
		// from the map if the open failed.
		select {
		case <-e.ready:
		case <-ctx.Done():
			r.release(e, key)
			return nil, ctx.Err()
		}
		if e.openErr != nil {
			telemetry.RecordRegistryAcquire(ctx, typ.String(), "error")
			return nil, e.openErr
		}

		telemetry.RecordRegistryAcquire(ctx, typ.String(), "hit")
		return &Lease{reg: r, key: key, entry: e}, nil
	}

	e := &registryEntry{refs: 1, ready: make(chan struct{})}
	r.entries[key] = e
	r.stats.misses++
	r.mu.Unlock()

	sc, err := r.open(ctx, typ, location, cfg)
	if err != nil {
		r.mu.Lock()
		delete(r.entries, key)
		r.mu.Unlock()

		e.openErr = err
		close(e.ready)

		r.logger.Warn("context open failed", "backend", key.String(), "error", err)
		telemetry.RecordRegistryAcquire(ctx, typ.String(), "error")
		return nil, err
	}

	e.ctx = sc
	close(e.ready)

	r.logger.Debug("context opened", "backend", key.String())
	telemetry.RecordRegistryAcquire(ctx, typ.String(), "miss")
	r.recordSize()
	return &Lease{reg: r, key: key, entry: e}, nil
}

// open constructs, wraps, and opens a backend context.
func (r *Registry) open(ctx context.Context, typ Type, location string, cfg Config) (Context, error) {
	inner, err := New(typ, location, cfg)
	if err != nil {
		return nil, err
	}

	sc := NewInstrumentedContext(inner)
	if err := sc.Open(ctx); err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("opening %s context at %s: %w", typ, location, err)
	}
	return sc, nil
}

// release decrements an entry's reference count.
func (r *Registry) release(e *registryEntry, key registryKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.releases++
	e.refs--
	if e.refs < 0 {
		e.refs = 0
		r.logger.Warn("reference count underflow", "backend", key.String())
	}
}

// Refs returns the current reference count for (typ, location), or zero
// when the context is not registered.
func (r *Registry) Refs(typ Type, location string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[registryKey{typ: typ, location: location}]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of registered contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// EvictIdle closes and removes every context whose reference count is zero.
// Returns the number of contexts evicted.
func (r *Registry) EvictIdle(ctx context.Context) int {
	r.mu.Lock()
	var victims []*registryEntry
	for key, e := range r.entries {
		if e.refs == 0 {
			victims = append(victims, e)
			delete(r.entries, key)
			r.stats.evictions++
			r.logger.Info("evicting idle context", "backend", key.String())
		}
	}
	r.mu.Unlock()

	for _, e := range victims {
		if err := e.ctx.Close(); err != nil {
			r.logger.Warn("closing evicted context", "error", err)
		}
	}

	r.recordSize()
	return len(victims)
}

// Close closes every context regardless of reference count and empties the
// registry. Only safe once no caller can still be using a leased context.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[registryKey]*registryEntry)
	r.mu.Unlock()

	var firstErr error
	for key, e := range entries {
		if e.refs > 0 {
			r.logger.Warn("closing context with live references", "backend", key.String(), "refs", e.refs)
		}
		if e.ctx == nil {
			continue
		}
		if err := e.ctx.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", key.String(), err)
		}
	}

	r.recordSize()
	return firstErr
}

// ContextStat describes one registered context.
type ContextStat struct {
	Type     string `json:"type"`
	Location string `json:"location"`
	Refs     int    `json:"refs"`
}

// RegistryStats is a point-in-time snapshot of the registry.
type RegistryStats struct {
	Contexts       []ContextStat `json:"contexts"`
	Acquires       uint64        `json:"acquires"`
	Hits           uint64        `json:"hits"`
	Misses         uint64        `json:"misses"`
	Releases       uint64        `json:"releases"`
	DoubleReleases uint64        `json:"double_releases"`
	Evictions      uint64        `json:"evictions"`
}

// Stats returns a snapshot of the registry's contexts and counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RegistryStats{
		Contexts:       make([]ContextStat, 0, len(r.entries)),
		Acquires:       r.stats.acquires,
		Hits:           r.stats.hits,
		Misses:         r.stats.misses,
		Releases:       r.stats.releases,
		DoubleReleases: r.stats.doubleReleases,
		Evictions:      r.stats.evictions,
	}
	for key, e := range r.entries {
		stats.Contexts = append(stats.Contexts, ContextStat{
			Type:     key.typ.String(),
			Location: key.location,
			Refs:     e.refs,
		})
	}
	sort.Slice(stats.Contexts, func(i, j int) bool {
		if stats.Contexts[i].Type != stats.Contexts[j].Type {
			return stats.Contexts[i].Type < stats.Contexts[j].Type
		}
		return stats.Contexts[i].Location < stats.Contexts[j].Location
	})
	return stats
}

func (r *Registry) recordSize() {
	telemetry.SetStorageContexts(int64(r.Len()))
}

// Lease is a caller's reference to a shared context. Release it when done,
// typically with defer; releasing twice is a counted no-op.
type Lease struct {
	reg      *Registry
	key      registryKey
	entry    *registryEntry
	released atomic.Bool
}

// Context returns the leased storage context. The context is only valid
// until Release.
func (l *Lease) Context() Context {
	return l.entry.ctx
}

// Type returns the leased context's backend type.
func (l *Lease) Type() Type {
	return l.key.typ
}

// Location returns the leased context's location.
func (l *Lease) Location() string {
	return l.key.location
}

// Release gives up the lease. Safe to call more than once; only the first
// call decrements the reference count.
func (l *Lease) Release() {
	if l.released.Swap(true) {
		l.reg.mu.Lock()
		l.reg.stats.doubleReleases++
		l.reg.mu.Unlock()
		l.reg.logger.Warn("lease released twice", "backend", l.key.String())
		return
	}
	l.reg.release(l.entry, l.key)
}
