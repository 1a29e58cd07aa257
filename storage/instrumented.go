package storage

import (
	"context"
	"errors"
	"time"

	"github.com/geopyramid/tilestore/telemetry"
)

// InstrumentedContext wraps a Context with metrics recording. The Registry
// wraps every context it constructs.
type InstrumentedContext struct {
	inner Context
}

// NewInstrumentedContext creates a new instrumented context wrapper.
func NewInstrumentedContext(inner Context) *InstrumentedContext {
	return &InstrumentedContext{inner: inner}
}

// Type returns the wrapped context's type.
func (ic *InstrumentedContext) Type() Type {
	return ic.inner.Type()
}

// Location returns the wrapped context's location.
func (ic *InstrumentedContext) Location() string {
	return ic.inner.Location()
}

// Open opens the wrapped context.
func (ic *InstrumentedContext) Open(ctx context.Context) error {
	start := time.Now()
	err := ic.inner.Open(ctx)
	telemetry.RecordStorageOp(ctx, ic.inner.Type().String(), "open", outcomeFromError(err), time.Since(start), 0)
	return err
}

// Read records a ranged read against the wrapped context.
func (ic *InstrumentedContext) Read(ctx context.Context, name string, off, length int64) ([]byte, error) {
	start := time.Now()
	data, err := ic.inner.Read(ctx, name, off, length)
	telemetry.RecordStorageOp(ctx, ic.inner.Type().String(), "read", outcomeFromError(err), time.Since(start), int64(len(data)))
	return data, err
}

// ReadAll records a whole-object read against the wrapped context.
func (ic *InstrumentedContext) ReadAll(ctx context.Context, name string) ([]byte, error) {
	start := time.Now()
	data, err := ic.inner.ReadAll(ctx, name)
	telemetry.RecordStorageOp(ctx, ic.inner.Type().String(), "read_all", outcomeFromError(err), time.Since(start), int64(len(data)))
	return data, err
}

// Write records a write against the wrapped context.
func (ic *InstrumentedContext) Write(ctx context.Context, name string, data []byte) error {
	start := time.Now()
	err := ic.inner.Write(ctx, name, data)
	telemetry.RecordStorageOp(ctx, ic.inner.Type().String(), "write", outcomeFromError(err), time.Since(start), int64(len(data)))
	return err
}

// Exists records an existence probe against the wrapped context.
func (ic *InstrumentedContext) Exists(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	exists, err := ic.inner.Exists(ctx, name)
	telemetry.RecordStorageOp(ctx, ic.inner.Type().String(), "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

// Size records a size probe against the wrapped context.
func (ic *InstrumentedContext) Size(ctx context.Context, name string) (int64, error) {
	start := time.Now()
	size, err := ic.inner.Size(ctx, name)
	telemetry.RecordStorageOp(ctx, ic.inner.Type().String(), "size", outcomeFromError(err), time.Since(start), 0)
	return size, err
}

// Close closes the wrapped context.
func (ic *InstrumentedContext) Close() error {
	return ic.inner.Close()
}

// Unwrap returns the underlying context.
func (ic *InstrumentedContext) Unwrap() Context {
	return ic.inner
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	default:
		return "error"
	}
}

var _ Context = (*InstrumentedContext)(nil)
