package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectContext implements Context over one bucket of an S3-compatible
// object store.
type ObjectContext struct {
	bucket string
	cfg    Config

	client *minio.Client
	opened atomic.Bool
	closed atomic.Bool
}

// NewObjectContext creates an unopened object context for the given bucket.
// The endpoint and credentials come from cfg; the connection is established
// on Open.
func NewObjectContext(bucket string, cfg Config) (*ObjectContext, error) {
	if bucket == "" {
		return nil, fmt.Errorf("%w: empty bucket name", ErrConfig)
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: empty object store endpoint", ErrConfig)
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: missing object store credentials", ErrConfig)
	}

	return &ObjectContext{bucket: bucket, cfg: cfg}, nil
}

// Type returns TypeObject.
func (oc *ObjectContext) Type() Type {
	return TypeObject
}

// Location returns the bucket name.
func (oc *ObjectContext) Location() string {
	return oc.bucket
}

// Open connects to the object store and verifies the bucket exists.
// Idempotent while open.
func (oc *ObjectContext) Open(ctx context.Context) error {
	if oc.closed.Load() {
		return ErrClosed
	}
	if oc.opened.Load() {
		return nil
	}

	client, err := minio.New(oc.cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(oc.cfg.AccessKey, oc.cfg.SecretKey, ""),
		Secure: oc.cfg.Secure,
		Region: oc.cfg.Region,
	})
	if err != nil {
		return fmt.Errorf("%w: connecting to %s: %v", ErrConfig, oc.cfg.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, oc.bucket)
	if err != nil {
		return fmt.Errorf("probing bucket %s: %w", oc.bucket, err)
	}
	if !exists {
		return fmt.Errorf("%w: bucket %s does not exist", ErrConfig, oc.bucket)
	}

	oc.client = client
	oc.opened.Store(true)
	return nil
}

// Read returns length bytes of the named object starting at off. A negative
// length reads through the end of the object.
func (oc *ObjectContext) Read(ctx context.Context, name string, off, length int64) ([]byte, error) {
	if err := oc.ready(); err != nil {
		return nil, err
	}
	if off < 0 {
		return nil, fmt.Errorf("negative read offset %d", off)
	}

	opts := minio.GetObjectOptions{}
	if length < 0 {
		if off > 0 {
			if err := opts.SetRange(off, 0); err != nil {
				return nil, fmt.Errorf("setting range: %w", err)
			}
		}
	} else {
		if length == 0 {
			return []byte{}, nil
		}
		if err := opts.SetRange(off, off+length-1); err != nil {
			return nil, fmt.Errorf("setting range: %w", err)
		}
	}

	obj, err := oc.client.GetObject(ctx, oc.bucket, name, opts)
	if err != nil {
		return nil, oc.mapError("get object", name, err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, oc.mapError("reading object", name, err)
	}
	return data, nil
}

// ReadAll returns the entire named object.
func (oc *ObjectContext) ReadAll(ctx context.Context, name string) ([]byte, error) {
	return oc.Read(ctx, name, 0, -1)
}

// Write stores data under the named object.
func (oc *ObjectContext) Write(ctx context.Context, name string, data []byte) error {
	if err := oc.ready(); err != nil {
		return err
	}

	_, err := oc.client.PutObject(ctx, oc.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return oc.mapError("put object", name, err)
	}
	return nil
}

// Exists reports whether the named object is present.
func (oc *ObjectContext) Exists(ctx context.Context, name string) (bool, error) {
	if err := oc.ready(); err != nil {
		return false, err
	}

	_, err := oc.client.StatObject(ctx, oc.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		mapped := oc.mapError("stat object", name, err)
		if errors.Is(mapped, ErrNotFound) {
			return false, nil
		}
		return false, mapped
	}
	return true, nil
}

// Size returns the byte size of the named object.
func (oc *ObjectContext) Size(ctx context.Context, name string) (int64, error) {
	if err := oc.ready(); err != nil {
		return 0, err
	}

	info, err := oc.client.StatObject(ctx, oc.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		return 0, oc.mapError("stat object", name, err)
	}
	return info.Size, nil
}

// Close marks the context closed. The underlying HTTP transport is shared
// library state and needs no explicit teardown.
func (oc *ObjectContext) Close() error {
	oc.closed.Store(true)
	return nil
}

func (oc *ObjectContext) ready() error {
	if oc.closed.Load() {
		return ErrClosed
	}
	if !oc.opened.Load() {
		return fmt.Errorf("%w: context not open", ErrConfig)
	}
	return nil
}

// mapError normalizes object store error codes to the shared taxonomy.
func (oc *ObjectContext) mapError(op, name string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return ErrNotFound
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("%w: %s %s: %v", ErrConfig, op, name, err)
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}

var _ Context = (*ObjectContext)(nil)
