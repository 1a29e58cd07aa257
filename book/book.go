// Package book implements the generational catalog registry used for
// tile-matrix-sets and styles. A load replaces the whole identifier to
// entity mapping in one swap; superseded entities move to a trash list
// instead of being closed in place, so a reload never invalidates an
// entity a concurrent request still holds. Trash is only ever freed at an
// explicit safe point.
package book

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/geopyramid/tilestore"
	"github.com/geopyramid/tilestore/telemetry"
)

// parseLimit bounds how many descriptors are parsed concurrently per load.
const parseLimit = 8

// Parser turns one descriptor into an entity. The id is the descriptor
// filename without its extension.
type Parser[T any] func(ctx context.Context, id string, data []byte) (T, error)

// entry pairs an entity with the fingerprint of the descriptor it was
// parsed from.
type entry[T any] struct {
	entity      T
	fingerprint tilestore.Fingerprint
}

// Book is a generational registry of catalog entities keyed by identifier.
type Book[T any] struct {
	name   string
	ext    string
	parse  Parser[T]
	logger *slog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	entries    map[string]entry[T]
	trash      []T
	generation uint64
	lastLoad   time.Time
}

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Book.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New creates a Book that loads descriptors with the given extension and
// parser. The name labels logs and metrics.
func New[T any](name, ext string, parse Parser[T], opts ...Option) *Book[T] {
	o := &options{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	return &Book[T]{
		name:    name,
		ext:     ext,
		parse:   parse,
		logger:  o.logger.With("component", "book", "catalog", name),
		now:     o.now,
		entries: make(map[string]entry[T]),
	}
}

// Load scans dir for descriptors, parses them in parallel, and replaces the
// active generation in one swap. Any error fails the whole load and leaves
// the previous generation untouched. Entities superseded or dropped by the
// new generation move to the trash list; an entity whose descriptor
// fingerprint is unchanged is carried over untouched.
func (b *Book[T]) Load(ctx context.Context, dir string) error {
	start := time.Now()

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		telemetry.RecordCatalogLoad(ctx, b.name, "error", time.Since(start))
		return fmt.Errorf("reading catalog directory %s: %w", dir, err)
	}

	type descriptor struct {
		id   string
		path string
	}

	var descriptors []descriptor
	for _, de := range dirEntries {
		if de.IsDir() || !strings.EqualFold(filepath.Ext(de.Name()), b.ext) {
			continue
		}
		descriptors = append(descriptors, descriptor{
			id:   strings.TrimSuffix(de.Name(), filepath.Ext(de.Name())),
			path: filepath.Join(dir, de.Name()),
		})
	}

	parsed := make([]entry[T], len(descriptors))
	reusedFlags := make([]bool, len(descriptors))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parseLimit)
	for i, d := range descriptors {
		g.Go(func() error {
			data, err := os.ReadFile(d.path)
			if err != nil {
				return fmt.Errorf("reading descriptor %s: %w", d.path, err)
			}

			fp := tilestore.FingerprintBytes(data)
			if cur, ok := b.lookup(d.id); ok && cur.fingerprint.Equal(fp) {
				parsed[i] = cur
				reusedFlags[i] = true
				return nil
			}

			entity, err := b.parse(gctx, d.id, data)
			if err != nil {
				return fmt.Errorf("parsing descriptor %s: %w", d.path, err)
			}
			parsed[i] = entry[T]{entity: entity, fingerprint: fp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.RecordCatalogLoad(ctx, b.name, "error", time.Since(start))
		b.logger.Warn("catalog load failed, previous generation kept", "error", err)
		return err
	}

	next := make(map[string]entry[T], len(descriptors))
	for i, d := range descriptors {
		next[d.id] = parsed[i]
	}

	var reused int
	for _, r := range reusedFlags {
		if r {
			reused++
		}
	}

	b.mu.Lock()
	trashed := 0
	for id, old := range b.entries {
		if ne, ok := next[id]; ok && ne.fingerprint.Equal(old.fingerprint) {
			continue // carried over
		}
		b.trash = append(b.trash, old.entity)
		trashed++
	}
	b.entries = next
	b.generation++
	b.lastLoad = b.now()
	generation := b.generation
	live := len(b.entries)
	trashLen := len(b.trash)
	b.mu.Unlock()

	telemetry.RecordCatalogLoad(ctx, b.name, "success", time.Since(start))
	telemetry.SetCatalogEntities(b.name, int64(live), int64(trashLen))

	b.logger.Info("catalog loaded",
		"dir", dir,
		"entities", live,
		"reused", reused,
		"trashed", trashed,
		"generation", generation)
	return nil
}

// lookup returns the active entry for id.
func (b *Book[T]) lookup(id string) (entry[T], bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[id]
	return e, ok
}

// Get returns the active entity for id. A miss is the caller's not-found.
func (b *Book[T]) Get(id string) (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[id]
	if !ok {
		var zero T
		return zero, false
	}
	return e.entity, true
}

// Identifiers returns the sorted identifiers of the active generation.
func (b *Book[T]) Identifiers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of entities in the active generation.
func (b *Book[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// FlushTrash drops every trashed entity and returns the number flushed.
// Entities implementing io.Closer are closed. Only call at a safe point:
// the book does not track which entities requests still hold.
func (b *Book[T]) FlushTrash() int {
	b.mu.Lock()
	trash := b.trash
	b.trash = nil
	live := len(b.entries)
	b.mu.Unlock()

	b.closeAll(trash)
	telemetry.SetCatalogEntities(b.name, int64(live), 0)

	if len(trash) > 0 {
		b.logger.Info("flushed catalog trash", "entities", len(trash))
	}
	return len(trash)
}

// Clear drops the trash and the active generation. Only safe when no
// outstanding references exist, typically at shutdown.
func (b *Book[T]) Clear() {
	b.mu.Lock()
	trash := b.trash
	b.trash = nil
	entries := b.entries
	b.entries = make(map[string]entry[T])
	b.mu.Unlock()

	b.closeAll(trash)
	for _, e := range entries {
		b.closeEntity(e.entity)
	}
	telemetry.SetCatalogEntities(b.name, 0, 0)

	b.logger.Debug("catalog cleared", "entities", len(entries), "trash", len(trash))
}

func (b *Book[T]) closeAll(entities []T) {
	for _, e := range entities {
		b.closeEntity(e)
	}
}

func (b *Book[T]) closeEntity(e T) {
	if closer, ok := any(e).(io.Closer); ok {
		if err := closer.Close(); err != nil {
			b.logger.Warn("closing catalog entity", "error", err)
		}
	}
}

// BookStats is a point-in-time snapshot of a book's state.
type BookStats struct {
	Name       string    `json:"name"`
	Live       int       `json:"live"`
	Trash      int       `json:"trash"`
	Generation uint64    `json:"generation"`
	LastLoad   time.Time `json:"last_load"`
}

// Stats returns a snapshot of the book's state.
func (b *Book[T]) Stats() BookStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BookStats{
		Name:       b.name,
		Live:       len(b.entries),
		Trash:      len(b.trash),
		Generation: b.generation,
		LastLoad:   b.lastLoad,
	}
}
