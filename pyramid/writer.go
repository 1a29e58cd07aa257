package pyramid

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/geopyramid/tilestore"
	"github.com/geopyramid/tilestore/storage"
)

// Writer assembles slab objects and stores them through a leased backend.
// It serves pre-generation tooling and tests; the serving path only reads.
type Writer struct {
	lease   *storage.Lease
	layouts layoutTable
	logger  *slog.Logger
	closed  atomic.Bool
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithWriterLogger sets the logger.
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = logger
	}
}

// WithWriterLevelLayout overrides the slab layout for one level.
func WithWriterLevelLayout(level string, layout tilestore.SlabLayout) WriterOption {
	return func(w *Writer) {
		w.layouts.set(level, layout)
	}
}

// NewWriter creates a writer over the leased backend. The writer owns the
// lease and releases it on Close.
func NewWriter(lease *storage.Lease, layout tilestore.SlabLayout, opts ...WriterOption) (*Writer, error) {
	if lease == nil {
		return nil, fmt.Errorf("pyramid: writer needs a backend lease")
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	w := &Writer{
		lease:   lease,
		layouts: newLayoutTable(layout),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "pyramid.writer", "backend", lease.Type().String()+":"+lease.Location())
	return w, nil
}

// WriteSlab assembles the slab object from row-major tile payloads and
// stores it, replacing any previous slab at the same reference.
func (w *Writer) WriteSlab(ctx context.Context, slab tilestore.SlabRef, tiles [][]byte) error {
	if w.closed.Load() {
		return storage.ErrClosed
	}

	layout := w.layouts.layoutFor(slab.Level)
	data, err := EncodeSlab(layout, tiles)
	if err != nil {
		return fmt.Errorf("encoding slab %s: %w", slab, err)
	}

	if err := w.lease.Context().Write(ctx, slab.Path(), data); err != nil {
		return fmt.Errorf("writing slab %s: %w", slab, err)
	}

	w.logger.Debug("slab written", "slab", slab.String(), "bytes", len(data))
	return nil
}

// Close releases the backend lease. Safe to call more than once.
func (w *Writer) Close() {
	if w.closed.Swap(true) {
		return
	}
	w.lease.Release()
}
