package pyramid

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geopyramid/tilestore"
	"github.com/geopyramid/tilestore/cache"
	"github.com/geopyramid/tilestore/indexdb"
	"github.com/geopyramid/tilestore/storage"
)

var testLayout = tilestore.SlabLayout{TilesWide: 2, TilesHigh: 2}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) *storage.Registry {
	t.Helper()

	reg := storage.NewRegistry(storage.WithRegistryLogger(testLogger()))
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func acquireFileLease(t *testing.T, reg *storage.Registry, root string) *storage.Lease {
	t.Helper()

	lease, err := reg.Acquire(context.Background(), storage.TypeFile, root, storage.Config{})
	require.NoError(t, err)
	return lease
}

func newTestIndexStore(t *testing.T) *indexdb.Store {
	t.Helper()

	s := indexdb.NewStore(indexdb.WithNoSync(true), indexdb.WithLogger(testLogger()))
	require.NoError(t, s.Open(filepath.Join(t.TempDir(), "index.db")))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// writeTestSlab stores one 2x2 slab through a writer holding its own lease.
func writeTestSlab(t *testing.T, reg *storage.Registry, root string, slab tilestore.SlabRef, tiles [][]byte) {
	t.Helper()

	w, err := NewWriter(acquireFileLease(t, reg, root), testLayout, WithWriterLogger(testLogger()))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteSlab(context.Background(), slab, tiles))
}

func TestReaderTile(t *testing.T) {
	reg := newTestRegistry(t)
	root := t.TempDir()

	tiles := [][]byte{
		[]byte("payload 0"),
		[]byte("payload 1"),
		[]byte("payload 2"),
		[]byte("payload 3"),
	}
	writeTestSlab(t, reg, root, tilestore.SlabRef{Level: "12", Col: 0, Row: 0}, tiles)

	r, err := NewReader(acquireFileLease(t, reg, root), testLayout, WithReaderLogger(testLogger()))
	require.NoError(t, err)
	defer r.Close()

	// Row-major slots: tile (col, row) within the slab.
	for ref, want := range map[tilestore.TileRef][]byte{
		{Level: "12", Col: 0, Row: 0}: tiles[0],
		{Level: "12", Col: 1, Row: 0}: tiles[1],
		{Level: "12", Col: 0, Row: 1}: tiles[2],
		{Level: "12", Col: 1, Row: 1}: tiles[3],
	} {
		got, err := r.Tile(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, want, got, "tile %s", ref)
	}
}

func TestReaderTileNoTile(t *testing.T) {
	reg := newTestRegistry(t)
	root := t.TempDir()

	writeTestSlab(t, reg, root, tilestore.SlabRef{Level: "12", Col: 0, Row: 0}, [][]byte{
		[]byte("payload 0"), nil, nil, nil,
	})

	r, err := NewReader(acquireFileLease(t, reg, root), testLayout, WithReaderLogger(testLogger()))
	require.NoError(t, err)
	defer r.Close()

	t.Run("empty slot", func(t *testing.T) {
		_, err := r.Tile(context.Background(), tilestore.TileRef{Level: "12", Col: 1, Row: 0})
		require.ErrorIs(t, err, ErrNoTile)
	})

	t.Run("absent slab", func(t *testing.T) {
		_, err := r.Tile(context.Background(), tilestore.TileRef{Level: "12", Col: 9, Row: 9})
		require.ErrorIs(t, err, ErrNoTile)
	})

	t.Run("invalid reference", func(t *testing.T) {
		_, err := r.Tile(context.Background(), tilestore.TileRef{Level: "", Col: 0, Row: 0})
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrNoTile)
	})
}

func TestReaderTilePopulatesIndexTiers(t *testing.T) {
	reg := newTestRegistry(t)
	root := t.TempDir()
	c := cache.New()
	store := newTestIndexStore(t)

	writeTestSlab(t, reg, root, tilestore.SlabRef{Level: "12", Col: 0, Row: 0}, [][]byte{
		[]byte("payload 0"), []byte("payload 1"), nil, nil,
	})

	r, err := NewReader(acquireFileLease(t, reg, root), testLayout,
		WithCache(c), WithIndexStore(store), WithReaderLogger(testLogger()))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Tile(context.Background(), tilestore.TileRef{Level: "12", Col: 0, Row: 0})
	require.NoError(t, err)

	assert.Equal(t, 1, c.Len(), "backend miss populates the memory cache")
	n, err := store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "backend miss populates the persistent store")

	before := c.Stats().Hits
	_, err = r.Tile(context.Background(), tilestore.TileRef{Level: "12", Col: 1, Row: 0})
	require.NoError(t, err)
	assert.Equal(t, before+1, c.Stats().Hits, "second read of the slab hits the memory cache")
}

func TestReaderIndexStorePromotesToCache(t *testing.T) {
	reg := newTestRegistry(t)
	root := t.TempDir()
	store := newTestIndexStore(t)

	writeTestSlab(t, reg, root, tilestore.SlabRef{Level: "12", Col: 0, Row: 0}, [][]byte{
		[]byte("payload 0"), nil, nil, nil,
	})

	// First reader fills the persistent store.
	warm, err := NewReader(acquireFileLease(t, reg, root), testLayout,
		WithIndexStore(store), WithReaderLogger(testLogger()))
	require.NoError(t, err)
	_, err = warm.Tile(context.Background(), tilestore.TileRef{Level: "12", Col: 0, Row: 0})
	require.NoError(t, err)
	warm.Close()

	// A fresh reader with an empty cache resolves via the store and
	// promotes the entry.
	c := cache.New()
	r, err := NewReader(acquireFileLease(t, reg, root), testLayout,
		WithCache(c), WithIndexStore(store), WithReaderLogger(testLogger()))
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Tile(context.Background(), tilestore.TileRef{Level: "12", Col: 0, Row: 0})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload 0"), got)
	assert.Equal(t, 1, c.Len(), "store hit is promoted into the memory cache")
}

func TestReaderIndex(t *testing.T) {
	reg := newTestRegistry(t)
	root := t.TempDir()

	writeTestSlab(t, reg, root, tilestore.SlabRef{Level: "12", Col: 3, Row: 4}, [][]byte{
		[]byte("payload 0"), nil, []byte("payload 2"), nil,
	})

	r, err := NewReader(acquireFileLease(t, reg, root), testLayout, WithReaderLogger(testLogger()))
	require.NoError(t, err)
	defer r.Close()

	idx, err := r.Index(context.Background(), tilestore.SlabRef{Level: "12", Col: 3, Row: 4})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), idx.TilesWide)

	_, _, ok := idx.Slot(0)
	assert.True(t, ok)
	_, _, ok = idx.Slot(1)
	assert.False(t, ok)

	_, err = r.Index(context.Background(), tilestore.SlabRef{Level: "12", Col: 8, Row: 8})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReaderCorruptSlab(t *testing.T) {
	reg := newTestRegistry(t)
	root := t.TempDir()

	lease := acquireFileLease(t, reg, root)
	slab := tilestore.SlabRef{Level: "12", Col: 0, Row: 0}
	require.NoError(t, lease.Context().Write(context.Background(), slab.Path(), []byte("not a slab at all")))
	lease.Release()

	r, err := NewReader(acquireFileLease(t, reg, root), testLayout, WithReaderLogger(testLogger()))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Tile(context.Background(), tilestore.TileRef{Level: "12", Col: 0, Row: 0})
	require.ErrorIs(t, err, ErrCorruptSlab)
}

func TestReaderLevelLayoutOverride(t *testing.T) {
	reg := newTestRegistry(t)
	root := t.TempDir()
	single := tilestore.SlabLayout{TilesWide: 1, TilesHigh: 1}

	w, err := NewWriter(acquireFileLease(t, reg, root), testLayout,
		WithWriterLevelLayout("overview", single), WithWriterLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, w.WriteSlab(context.Background(), tilestore.SlabRef{Level: "overview", Col: 0, Row: 0},
		[][]byte{[]byte("the whole level")}))
	w.Close()

	r, err := NewReader(acquireFileLease(t, reg, root), testLayout,
		WithLevelLayout("overview", single), WithReaderLogger(testLogger()))
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Tile(context.Background(), tilestore.TileRef{Level: "overview", Col: 0, Row: 0})
	require.NoError(t, err)
	assert.Equal(t, []byte("the whole level"), got)
}

func TestReaderConcurrentMisses(t *testing.T) {
	reg := newTestRegistry(t)
	root := t.TempDir()
	c := cache.New()

	tiles := [][]byte{
		[]byte("payload 0"),
		[]byte("payload 1"),
		[]byte("payload 2"),
		[]byte("payload 3"),
	}
	writeTestSlab(t, reg, root, tilestore.SlabRef{Level: "12", Col: 0, Row: 0}, tiles)

	r, err := NewReader(acquireFileLease(t, reg, root), testLayout,
		WithCache(c), WithReaderLogger(testLogger()))
	require.NoError(t, err)
	defer r.Close()

	const readers = 16
	errs := make([]error, readers)

	var wg sync.WaitGroup
	for g := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ref := tilestore.TileRef{Level: "12", Col: int64(g % 2), Row: int64(g / 2 % 2)}
			got, err := r.Tile(context.Background(), ref)
			if err != nil {
				errs[g] = err
				return
			}
			want := tiles[ref.Row*2+ref.Col]
			if !bytes.Equal(want, got) {
				errs[g] = fmt.Errorf("tile %s: got %q, want %q", ref, got, want)
			}
		}()
	}
	wg.Wait()

	for g, err := range errs {
		require.NoError(t, err, "goroutine %d", g)
	}
	assert.Equal(t, 1, c.Len(), "all readers share one slab index")
}

func TestReaderClose(t *testing.T) {
	reg := newTestRegistry(t)
	root := t.TempDir()

	writeTestSlab(t, reg, root, tilestore.SlabRef{Level: "12", Col: 0, Row: 0}, [][]byte{
		[]byte("payload 0"), nil, nil, nil,
	})

	r, err := NewReader(acquireFileLease(t, reg, root), testLayout, WithReaderLogger(testLogger()))
	require.NoError(t, err)

	require.Equal(t, 1, reg.Refs(storage.TypeFile, root))

	r.Close()
	r.Close()

	assert.Equal(t, 0, reg.Refs(storage.TypeFile, root), "close releases the lease exactly once")

	_, err = r.Tile(context.Background(), tilestore.TileRef{Level: "12", Col: 0, Row: 0})
	require.ErrorIs(t, err, storage.ErrClosed)
}
