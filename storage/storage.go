// Package storage provides the polymorphic backend abstraction for tile
// storage: a Context is an open session to one backend location (a
// filesystem root, an object-store bucket, or an HTTP origin), and the
// Registry deduplicates and reference-counts those sessions across
// concurrent requests.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors shared by every backend. Backend-specific failures are
// normalized to these at the Context boundary; anything else returned by a
// Context is an I/O failure wrapped with its cause.
var (
	// ErrNotFound is returned when an object does not exist in the backend.
	ErrNotFound = errors.New("storage: object not found")

	// ErrUnsupported is returned when a backend does not implement the
	// requested operation, such as writing to a read-only origin.
	ErrUnsupported = errors.New("storage: operation not supported")

	// ErrConfig is returned when a backend location or its credentials are
	// malformed.
	ErrConfig = errors.New("storage: invalid configuration")

	// ErrClosed is returned when an operation is attempted on a closed
	// context.
	ErrClosed = errors.New("storage: context closed")
)

// Type identifies a backend family.
type Type int

const (
	// TypeFile is a local filesystem root.
	TypeFile Type = iota

	// TypeObject is an S3-compatible object store bucket.
	TypeObject

	// TypeHTTP is a read-only HTTP origin.
	TypeHTTP
)

// String returns the lower-case name of the type.
func (t Type) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeObject:
		return "object"
	case TypeHTTP:
		return "http"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseType parses a backend type name.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "file":
		return TypeFile, nil
	case "object", "s3":
		return TypeObject, nil
	case "http", "https":
		return TypeHTTP, nil
	default:
		return 0, fmt.Errorf("%w: unknown backend type %q", ErrConfig, s)
	}
}

// Context is an open session to one backend location. Identity is the
// (Type, Location) pair. Contexts are created and owned by the Registry;
// callers hold them through a Lease and must not Close them directly.
//
// All methods are safe for concurrent use once Open has returned.
type Context interface {
	// Type returns the backend family.
	Type() Type

	// Location returns the location identifier within the backend family:
	// a root directory, a bucket name, or an origin URL.
	Location() string

	// Open establishes the underlying session. It is idempotent when the
	// context is already open.
	Open(ctx context.Context) error

	// Read returns length bytes of the named object starting at off.
	// A negative length reads through the end of the object.
	Read(ctx context.Context, name string, off, length int64) ([]byte, error)

	// ReadAll returns the entire named object.
	ReadAll(ctx context.Context, name string) ([]byte, error)

	// Write stores data under the named object, replacing any previous
	// content. Backends without write support return ErrUnsupported.
	Write(ctx context.Context, name string, data []byte) error

	// Exists reports whether the named object is present.
	Exists(ctx context.Context, name string) (bool, error)

	// Size returns the byte size of the named object, or ErrNotFound.
	Size(ctx context.Context, name string) (int64, error)

	// Close releases the session. It is safe to call more than once;
	// operations after Close fail with ErrClosed.
	Close() error
}

// Config carries the backend-specific settings supplied at acquisition
// time. Only the fields relevant to the backend type are read.
type Config struct {
	// Endpoint is the object store endpoint host[:port].
	Endpoint string

	// AccessKey and SecretKey authenticate against the object store.
	AccessKey string
	SecretKey string

	// Secure selects TLS for the object store connection.
	Secure bool

	// Region is the optional object store region.
	Region string

	// Timeout bounds each HTTP origin call. Zero means DefaultTimeout.
	Timeout time.Duration
}

// DefaultTimeout bounds backend calls when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// New constructs an unopened context for the given backend type and
// location. The caller must Open it before use; the Registry does this on
// first acquisition.
func New(typ Type, location string, cfg Config) (Context, error) {
	switch typ {
	case TypeFile:
		return NewFileContext(location)
	case TypeObject:
		return NewObjectContext(location, cfg)
	case TypeHTTP:
		return NewHTTPContext(location, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown backend type %d", ErrConfig, int(typ))
	}
}
