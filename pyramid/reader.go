package pyramid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/geopyramid/tilestore"
	"github.com/geopyramid/tilestore/cache"
	"github.com/geopyramid/tilestore/indexdb"
	"github.com/geopyramid/tilestore/storage"
	"github.com/geopyramid/tilestore/telemetry"
)

// ErrNoTile is returned when the addressed tile has no data: the slab does
// not exist or the tile's slot in it is empty.
var ErrNoTile = errors.New("pyramid: no such tile")

// Reader serves tile payloads from one backend location. It holds a
// registry lease for the life of the reader and consults the index tiers in
// order: in-memory cache, persistent store, then a ranged header read from
// the backend. Concurrent misses for the same slab share one header fetch.
type Reader struct {
	lease   *storage.Lease
	layouts layoutTable
	cache   *cache.Cache
	store   *indexdb.Store
	logger  *slog.Logger
	group   singleflight.Group
	closed  atomic.Bool
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithCache attaches the in-memory index cache tier.
func WithCache(c *cache.Cache) ReaderOption {
	return func(r *Reader) {
		r.cache = c
	}
}

// WithIndexStore attaches the persistent index store tier.
func WithIndexStore(s *indexdb.Store) ReaderOption {
	return func(r *Reader) {
		r.store = s
	}
}

// WithReaderLogger sets the logger.
func WithReaderLogger(logger *slog.Logger) ReaderOption {
	return func(r *Reader) {
		r.logger = logger
	}
}

// WithLevelLayout overrides the slab layout for one level.
func WithLevelLayout(level string, layout tilestore.SlabLayout) ReaderOption {
	return func(r *Reader) {
		r.layouts.set(level, layout)
	}
}

// NewReader creates a reader over the leased backend. The layout applies to
// every level without an override. The reader owns the lease and releases
// it on Close.
func NewReader(lease *storage.Lease, layout tilestore.SlabLayout, opts ...ReaderOption) (*Reader, error) {
	if lease == nil {
		return nil, fmt.Errorf("pyramid: reader needs a backend lease")
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	r := &Reader{
		lease:   lease,
		layouts: newLayoutTable(layout),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "pyramid.reader", "backend", lease.Type().String()+":"+lease.Location())
	return r, nil
}

// Tile returns the payload bytes for the addressed tile. Absent slabs and
// empty tile slots return ErrNoTile.
func (r *Reader) Tile(ctx context.Context, ref tilestore.TileRef) ([]byte, error) {
	start := time.Now()

	if r.closed.Load() {
		return nil, storage.ErrClosed
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	layout := r.layouts.layoutFor(ref.Level)
	slab, slot := layout.SlabFor(ref)

	idx, source, err := r.slabIndex(ctx, slab, layout)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			telemetry.RecordTileRead(ctx, source, "no_tile", time.Since(start))
			return nil, fmt.Errorf("tile %s: %w", ref, ErrNoTile)
		}
		telemetry.RecordTileRead(ctx, source, "error", time.Since(start))
		return nil, err
	}

	offset, size, ok := idx.Slot(slot)
	if !ok {
		telemetry.RecordTileRead(ctx, source, "no_tile", time.Since(start))
		return nil, fmt.Errorf("tile %s: %w", ref, ErrNoTile)
	}

	data, err := r.lease.Context().Read(ctx, slab.Path(), int64(offset), int64(size)) //nolint:gosec // offsets in real slabs fit int64
	if err != nil {
		telemetry.RecordTileRead(ctx, source, "error", time.Since(start))
		return nil, fmt.Errorf("reading tile %s: %w", ref, err)
	}
	if len(data) != int(size) {
		telemetry.RecordTileRead(ctx, source, "error", time.Since(start))
		return nil, fmt.Errorf("tile %s: %w: payload %d bytes, index says %d", ref, ErrCorruptSlab, len(data), size)
	}

	telemetry.RecordTileRead(ctx, source, "hit", time.Since(start))
	return data, nil
}

// Index returns the slab's offset/size table, resolving it through the
// tiers exactly as Tile does.
func (r *Reader) Index(ctx context.Context, slab tilestore.SlabRef) (*tilestore.SlabIndex, error) {
	if r.closed.Load() {
		return nil, storage.ErrClosed
	}

	layout := r.layouts.layoutFor(slab.Level)
	idx, _, err := r.slabIndex(ctx, slab, layout)
	return idx, err
}

// slabIndex resolves a slab's index via cache, persistent store, then
// backend, reporting which tier answered.
func (r *Reader) slabIndex(ctx context.Context, slab tilestore.SlabRef, layout tilestore.SlabLayout) (*tilestore.SlabIndex, string, error) {
	key := r.key(slab)

	if r.cache != nil {
		if idx, ok := r.cache.Get(key); ok {
			return idx, "cache", nil
		}
	}

	if r.store != nil {
		idx, err := r.store.Get(ctx, key)
		switch {
		case err == nil:
			if r.cache != nil {
				r.cache.Put(key, idx)
			}
			return idx, "indexdb", nil
		case !errors.Is(err, indexdb.ErrNotFound):
			r.logger.Warn("index store lookup failed", "slab", slab.String(), "error", err)
		}
	}

	idx, err := r.fetchIndex(ctx, key, slab, layout)
	if err != nil {
		return nil, "backend", err
	}
	return idx, "backend", nil
}

// fetchIndex coalesces concurrent header fetches for the same slab. The
// fetch runs on a detached context so one caller's cancellation does not
// abort it for other waiters; each caller still honours its own context.
func (r *Reader) fetchIndex(ctx context.Context, key string, slab tilestore.SlabRef, layout tilestore.SlabLayout) (*tilestore.SlabIndex, error) {
	ch := r.group.DoChan(key, func() (any, error) {
		return r.readHeader(context.WithoutCancel(ctx), key, slab, layout)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*tilestore.SlabIndex), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readHeader performs the backend header read, decodes the table, and
// populates both index tiers.
func (r *Reader) readHeader(ctx context.Context, key string, slab tilestore.SlabRef, layout tilestore.SlabLayout) (*tilestore.SlabIndex, error) {
	data, err := r.lease.Context().Read(ctx, slab.Path(), 0, int64(HeaderLen(layout)))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("slab %s: %w", slab, err)
		}
		return nil, fmt.Errorf("reading slab header %s: %w", slab, err)
	}

	idx, err := DecodeHeader(data, layout)
	if err != nil {
		return nil, fmt.Errorf("slab %s: %w", slab, err)
	}

	if r.cache != nil {
		r.cache.Put(key, idx)
	}
	if r.store != nil {
		if err := r.store.Put(ctx, key, idx); err != nil {
			r.logger.Warn("index store put failed", "slab", slab.String(), "error", err)
		}
	}

	r.logger.Debug("slab header loaded", "slab", slab.String(), "tiles", idx.Tiles())
	return idx, nil
}

// key qualifies the slab path with the backend identity so readers over
// different locations never collide in the shared index tiers.
func (r *Reader) key(slab tilestore.SlabRef) string {
	return r.lease.Type().String() + ":" + r.lease.Location() + "/" + slab.Path()
}

// Close releases the backend lease. Safe to call more than once; the
// reader rejects further use with storage.ErrClosed.
func (r *Reader) Close() {
	if r.closed.Swap(true) {
		return
	}
	r.lease.Release()
}
