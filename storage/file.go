package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// FileContext implements Context over a local filesystem root.
// Writes are atomic using a temp file and rename pattern.
type FileContext struct {
	root   string
	opened atomic.Bool
	closed atomic.Bool
}

// NewFileContext creates an unopened file context rooted at the given
// directory. The directory is created on Open if it does not exist.
func NewFileContext(root string) (*FileContext, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty filesystem root", ErrConfig)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving root path: %v", ErrConfig, err)
	}
	return &FileContext{root: absRoot}, nil
}

// Type returns TypeFile.
func (fc *FileContext) Type() Type {
	return TypeFile
}

// Location returns the absolute root directory path.
func (fc *FileContext) Location() string {
	return fc.root
}

// Open creates the root directory if needed. Idempotent while open.
func (fc *FileContext) Open(ctx context.Context) error {
	if fc.closed.Load() {
		return ErrClosed
	}
	if fc.opened.Load() {
		return nil
	}
	if err := os.MkdirAll(fc.root, 0755); err != nil {
		return fmt.Errorf("creating root directory: %w", err)
	}
	fc.opened.Store(true)
	return nil
}

// Read returns length bytes of the named object starting at off. A negative
// length reads through the end of the file.
func (fc *FileContext) Read(ctx context.Context, name string, off, length int64) ([]byte, error) {
	if err := fc.ready(); err != nil {
		return nil, err
	}
	if off < 0 {
		return nil, fmt.Errorf("negative read offset %d", off)
	}

	path, err := fc.namePath(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if length < 0 {
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat file: %w", err)
		}
		length = info.Size() - off
		if length < 0 {
			length = 0
		}
	}

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading %d bytes at %d: %w", length, off, err)
	}
	return buf[:n], nil
}

// ReadAll returns the entire named object.
func (fc *FileContext) ReadAll(ctx context.Context, name string) ([]byte, error) {
	if err := fc.ready(); err != nil {
		return nil, err
	}

	path, err := fc.namePath(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Write stores data under the named object atomically: the bytes land in a
// temp file in the target directory, are synced, and renamed into place.
func (fc *FileContext) Write(ctx context.Context, name string, data []byte) error {
	if err := fc.ready(); err != nil {
		return err
	}

	path, err := fc.namePath(name)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Exists reports whether the named object is present.
func (fc *FileContext) Exists(ctx context.Context, name string) (bool, error) {
	if err := fc.ready(); err != nil {
		return false, err
	}

	path, err := fc.namePath(name)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// Size returns the byte size of the named object.
func (fc *FileContext) Size(ctx context.Context, name string) (int64, error) {
	if err := fc.ready(); err != nil {
		return 0, err
	}

	path, err := fc.namePath(name)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// Close marks the context closed. Safe to call more than once.
func (fc *FileContext) Close() error {
	fc.closed.Store(true)
	return nil
}

func (fc *FileContext) ready() error {
	if fc.closed.Load() {
		return ErrClosed
	}
	if !fc.opened.Load() {
		return fmt.Errorf("%w: context not open", ErrConfig)
	}
	return nil
}

// namePath converts an object name to a filesystem path, rejecting names
// that escape the root.
func (fc *FileContext) namePath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty object name", ErrConfig)
	}

	path := filepath.Join(fc.root, filepath.FromSlash(name))
	if path != fc.root && !strings.HasPrefix(path, fc.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: object name %q escapes the root", ErrConfig, name)
	}
	return path, nil
}

var _ Context = (*FileContext)(nil)
