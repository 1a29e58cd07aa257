package pyramid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geopyramid/tilestore"
	"github.com/geopyramid/tilestore/storage"
)

func TestWriterWriteSlabReplaces(t *testing.T) {
	reg := newTestRegistry(t)
	root := t.TempDir()
	slab := tilestore.SlabRef{Level: "12", Col: 0, Row: 0}

	w, err := NewWriter(acquireFileLease(t, reg, root), testLayout, WithWriterLogger(testLogger()))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteSlab(context.Background(), slab, [][]byte{
		[]byte("old payload"), nil, nil, nil,
	}))
	require.NoError(t, w.WriteSlab(context.Background(), slab, [][]byte{
		[]byte("new payload"), []byte("now present"), nil, nil,
	}))

	r, err := NewReader(acquireFileLease(t, reg, root), testLayout, WithReaderLogger(testLogger()))
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Tile(context.Background(), tilestore.TileRef{Level: "12", Col: 0, Row: 0})
	require.NoError(t, err)
	assert.Equal(t, []byte("new payload"), got)

	got, err = r.Tile(context.Background(), tilestore.TileRef{Level: "12", Col: 1, Row: 0})
	require.NoError(t, err)
	assert.Equal(t, []byte("now present"), got)
}

func TestWriterPayloadCountMismatch(t *testing.T) {
	reg := newTestRegistry(t)

	w, err := NewWriter(acquireFileLease(t, reg, t.TempDir()), testLayout, WithWriterLogger(testLogger()))
	require.NoError(t, err)
	defer w.Close()

	err = w.WriteSlab(context.Background(), tilestore.SlabRef{Level: "12", Col: 0, Row: 0}, make([][]byte, 3))
	require.ErrorContains(t, err, "payload count")
}

func TestWriterRejectsNilLease(t *testing.T) {
	_, err := NewWriter(nil, testLayout)
	require.Error(t, err)
}

func TestWriterClose(t *testing.T) {
	reg := newTestRegistry(t)
	root := t.TempDir()

	w, err := NewWriter(acquireFileLease(t, reg, root), testLayout, WithWriterLogger(testLogger()))
	require.NoError(t, err)

	require.Equal(t, 1, reg.Refs(storage.TypeFile, root))

	w.Close()
	w.Close()

	assert.Equal(t, 0, reg.Refs(storage.TypeFile, root))

	err = w.WriteSlab(context.Background(), tilestore.SlabRef{Level: "12", Col: 0, Row: 0}, make([][]byte, 4))
	require.ErrorIs(t, err, storage.ErrClosed)
}
