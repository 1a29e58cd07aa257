// Package indexdb persists slab index tables in a single-file bbolt store.
// It is the durable tier below the in-memory index cache, so a restart does
// not force a header read for every slab already seen. Entries carry a
// stored-at stamp; a stale entry is deleted on access and reported as not
// found, and a background reaper removes stale entries in batches.
package indexdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/geopyramid/tilestore"
	"github.com/geopyramid/tilestore/telemetry"
)

// ErrNotFound is returned when no live index exists for a slab path.
var ErrNotFound = errors.New("indexdb: not found")

// Bucket names.
var (
	bucketIndexes      = []byte("indexes")           // slab path -> envelope
	bucketMeta         = []byte("meta")              // store-level metadata
	bucketByStored     = []byte("indexes_by_stored") // timestamp|path -> path
	bucketStoredByPath = []byte("stored_by_path")    // path -> 8-byte timestamp (reverse index for O(1) replace)
)

var keySchemaVersion = []byte("schema_version")

// schemaVersion is the on-disk layout version. A store written by a newer
// layout refuses to open rather than misread it.
const schemaVersion = 1

// DefaultValidity is the default age after which a stored index is
// considered stale.
const DefaultValidity = 24 * time.Hour

// Store is a bbolt-backed slab index store.
type Store struct {
	db       *bbolt.DB
	codec    *Codec
	validity time.Duration
	logger   *slog.Logger
	now      func() time.Time
	noSync   bool
}

// Option configures a Store.
type Option func(*Store)

// WithValidity sets the age after which a stored index is stale.
// Non-positive values are ignored.
func WithValidity(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.validity = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger.With("component", "indexdb")
	}
}

// WithClock sets the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// NewStore creates a Store with the given options. Call Open before use.
func NewStore(opts ...Option) *Store {
	s := &Store{
		validity: DefaultValidity,
		logger:   slog.Default().With("component", "indexdb"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the store file at the given path, creating it if absent.
func (s *Store) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening index store: %w", err)
	}
	s.db = db

	if err := s.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating index codec: %w", err)
	}
	s.codec = codec

	s.logger.Debug("opened index store", "path", path, "noSync", s.noSync)
	return nil
}

func (s *Store) createBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketIndexes,
			bucketMeta,
			bucketByStored,
			bucketStoredByPath,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keySchemaVersion); v != nil {
			if got := binary.BigEndian.Uint32(v); got != schemaVersion {
				return fmt.Errorf("unsupported index store schema version %d, want %d", got, schemaVersion)
			}
			return nil
		}

		ver := make([]byte, 4)
		binary.BigEndian.PutUint32(ver, schemaVersion)
		return meta.Put(keySchemaVersion, ver)
	})
}

// Close closes the store and releases codec resources.
func (s *Store) Close() error {
	if s.codec != nil {
		s.codec.Close()
		s.codec = nil
	}
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing index store")
	err := s.db.Close()
	s.db = nil
	return err
}

// Get returns the stored index for a slab path. A missing entry, or one
// older than the store's validity, returns ErrNotFound; stale entries are
// deleted on access.
func (s *Store) Get(ctx context.Context, path string) (*tilestore.SlabIndex, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketIndexes)
		if bucket == nil {
			return ErrNotFound
		}

		v := bucket.Get([]byte(path))
		if v == nil {
			return ErrNotFound
		}

		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			telemetry.RecordStoreLookup(ctx, "miss")
		} else {
			telemetry.RecordStoreLookup(ctx, "error")
		}
		return nil, err
	}

	raw, storedAt, err := s.codec.Decode(value)
	if err != nil {
		telemetry.RecordStoreLookup(ctx, "error")
		return nil, fmt.Errorf("decoding index for %s: %w", path, err)
	}

	if s.now().Sub(storedAt) > s.validity {
		telemetry.RecordStoreLookup(ctx, "expired")
		if derr := s.deleteStale(path, storedAt); derr != nil {
			s.logger.Warn("failed to delete stale index", "path", path, "error", derr)
		}
		return nil, ErrNotFound
	}

	idx := &tilestore.SlabIndex{}
	if err := idx.UnmarshalBinary(raw); err != nil {
		telemetry.RecordStoreLookup(ctx, "error")
		return nil, fmt.Errorf("decoding index for %s: %w", path, err)
	}

	telemetry.RecordStoreLookup(ctx, "hit")
	return idx, nil
}

// Put stores the index for a slab path, stamping it with the current time.
// An existing entry for the path is replaced.
func (s *Store) Put(_ context.Context, path string, idx *tilestore.SlabIndex) error {
	raw, err := idx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding index for %s: %w", path, err)
	}

	storedAt := s.now()
	value, err := s.codec.Encode(raw, storedAt)
	if err != nil {
		return fmt.Errorf("encoding index for %s: %w", path, err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketIndexes)
		if bucket == nil {
			return fmt.Errorf("indexes bucket not found")
		}

		if err := updateStoredIndex(tx, path, storedAt); err != nil {
			return err
		}

		if err := bucket.Put([]byte(path), value); err != nil {
			return fmt.Errorf("putting index: %w", err)
		}
		return nil
	})
}

// Delete removes the index for a slab path. Deleting an absent path is not
// an error.
func (s *Store) Delete(_ context.Context, path string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteEntry(tx, path)
	})
}

// Len returns the number of stored indexes, including any that are stale
// but not yet reaped.
func (s *Store) Len(_ context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketIndexes)
		if bucket == nil {
			return nil
		}
		n = bucket.Stats().KeyN
		return nil
	})
	return n, err
}

// Reap deletes up to limit entries stored before the cutoff and returns the
// number removed. A limit of 0 or less removes all stale entries.
func (s *Store) Reap(ctx context.Context, before time.Time, limit int) (int, error) {
	start := time.Now()
	var deleted int
	defer func() {
		telemetry.RecordReapCycle(ctx, deleted, time.Since(start))
	}()

	cutoff := encodeTimestamp(before)

	var stale []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketByStored)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			// Keys are ordered by timestamp, so stop at the cutoff.
			if bytes.Compare(k[:8], cutoff) >= 0 {
				break
			}
			if limit > 0 && len(stale) >= limit {
				break
			}
			_, path := parseStoredKey(k)
			stale = append(stale, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning stale indexes: %w", err)
	}

	if len(stale) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		for _, path := range stale {
			if err := deleteEntry(tx, path); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("deleting stale indexes: %w", err)
	}

	s.logger.Info("reaped stale indexes", "deleted", deleted)
	return deleted, nil
}

// deleteStale removes a stale entry only if it has not been replaced since
// it was read at storedAt.
func (s *Store) deleteStale(path string, storedAt time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		reverse := tx.Bucket(bucketStoredByPath)
		if reverse == nil {
			return nil
		}

		tsBytes := reverse.Get([]byte(path))
		if tsBytes == nil || !decodeTimestamp(tsBytes).Equal(storedAt) {
			return nil // replaced since we looked
		}

		return deleteEntry(tx, path)
	})
}

// deleteEntry removes the record and both stored-at index entries for path
// within an open write transaction.
func deleteEntry(tx *bbolt.Tx, path string) error {
	key := []byte(path)

	reverse := tx.Bucket(bucketStoredByPath)
	forward := tx.Bucket(bucketByStored)
	if reverse != nil {
		if tsBytes := reverse.Get(key); tsBytes != nil {
			if forward != nil {
				storedKey := makeStoredKey(decodeTimestamp(tsBytes), path)
				if err := forward.Delete(storedKey); err != nil {
					return fmt.Errorf("deleting stored index entry: %w", err)
				}
			}
			if err := reverse.Delete(key); err != nil {
				return fmt.Errorf("deleting reverse index entry: %w", err)
			}
		}
	}

	bucket := tx.Bucket(bucketIndexes)
	if bucket == nil {
		return nil
	}
	return bucket.Delete(key)
}

// updateStoredIndex replaces the forward and reverse stored-at index entries
// for path. The old forward entry is located via the reverse index so a
// replace stays O(1).
func updateStoredIndex(tx *bbolt.Tx, path string, storedAt time.Time) error {
	forward := tx.Bucket(bucketByStored)
	if forward == nil {
		return nil
	}
	reverse := tx.Bucket(bucketStoredByPath)
	if reverse == nil {
		return nil
	}

	key := []byte(path)

	if tsBytes := reverse.Get(key); tsBytes != nil {
		oldKey := makeStoredKey(decodeTimestamp(tsBytes), path)
		if err := forward.Delete(oldKey); err != nil {
			return fmt.Errorf("deleting old stored index entry: %w", err)
		}
	}

	if err := forward.Put(makeStoredKey(storedAt, path), key); err != nil {
		return fmt.Errorf("putting stored index entry: %w", err)
	}
	if err := reverse.Put(key, encodeTimestamp(storedAt)); err != nil {
		return fmt.Errorf("putting reverse index entry: %w", err)
	}
	return nil
}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte
// slice so time-based keys sort lexicographically. Offset by math.MinInt64
// to keep ordering for pre-1970 values.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeStoredKey creates a key for the indexes_by_stored bucket.
// Format: [8-byte timestamp][path]
func makeStoredKey(storedAt time.Time, path string) []byte {
	ts := encodeTimestamp(storedAt)
	key := make([]byte, 8+len(path))
	copy(key[:8], ts)
	copy(key[8:], path)
	return key
}

// parseStoredKey extracts the timestamp and path from an indexes_by_stored key.
func parseStoredKey(data []byte) (storedAt time.Time, path string) {
	if len(data) < 8 {
		return time.Time{}, ""
	}
	return decodeTimestamp(data[:8]), string(data[8:])
}
