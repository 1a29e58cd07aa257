package tilestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlabIndexRoundTrip(t *testing.T) {
	idx := NewSlabIndex(4, 2)
	require.NoError(t, idx.SetSlot(0, 128, 4096))
	require.NoError(t, idx.SetSlot(3, 4224, 1024))
	require.NoError(t, idx.SetSlot(7, 5248, 900))

	data, err := idx.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, idx.EncodedLen())

	var got SlabIndex
	require.NoError(t, got.UnmarshalBinary(data))
	require.Equal(t, idx.TilesWide, got.TilesWide)
	require.Equal(t, idx.TilesHigh, got.TilesHigh)
	require.Equal(t, idx.Offsets, got.Offsets)
	require.Equal(t, idx.Sizes, got.Sizes)
}

func TestSlabIndexSlot(t *testing.T) {
	idx := NewSlabIndex(2, 2)
	require.NoError(t, idx.SetSlot(1, 2048, 512))

	off, size, ok := idx.Slot(1)
	require.True(t, ok)
	require.Equal(t, uint64(2048), off)
	require.Equal(t, uint32(512), size)

	_, _, ok = idx.Slot(0)
	require.False(t, ok, "empty slot should not resolve")

	_, _, ok = idx.Slot(-1)
	require.False(t, ok)

	_, _, ok = idx.Slot(4)
	require.False(t, ok)
}

func TestSlabIndexSetSlotOutOfRange(t *testing.T) {
	idx := NewSlabIndex(2, 2)
	require.Error(t, idx.SetSlot(4, 0, 1))
	require.Error(t, idx.SetSlot(-1, 0, 1))
}

func TestSlabIndexUnmarshalRejects(t *testing.T) {
	tests := []struct {
		name string
		data func() []byte
	}{
		{
			name: "short buffer",
			data: func() []byte { return []byte{1, 2, 3} },
		},
		{
			name: "zero dimension",
			data: func() []byte {
				idx := NewSlabIndex(1, 1)
				b, err := idx.MarshalBinary()
				require.NoError(t, err)
				b[0], b[1], b[2], b[3] = 0, 0, 0, 0
				return b
			},
		},
		{
			name: "oversized grid",
			data: func() []byte {
				b := make([]byte, slabIndexHeaderLen)
				b[0], b[1] = 0xff, 0xff // 65535 wide
				b[4], b[5] = 0xff, 0xff // 65535 high
				return b
			},
		},
		{
			name: "truncated tables",
			data: func() []byte {
				idx := NewSlabIndex(4, 4)
				b, err := idx.MarshalBinary()
				require.NoError(t, err)
				return b[:len(b)-8]
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var idx SlabIndex
			require.Error(t, idx.UnmarshalBinary(tt.data()))
		})
	}
}

func TestSlabIndexValidate(t *testing.T) {
	idx := NewSlabIndex(4, 4)
	require.NoError(t, idx.Validate())

	idx.Sizes = idx.Sizes[:10]
	require.Error(t, idx.Validate())
}
