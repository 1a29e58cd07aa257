package tilestore

import (
	"encoding/binary"
	"fmt"
)

// MaxSlabTiles bounds the number of tile slots a single slab index may
// describe. Decoding rejects anything larger before allocating.
const MaxSlabTiles = 64 * 1024

// slabIndexHeaderLen is the fixed-size prefix of the encoded form.
const slabIndexHeaderLen = 8

// SlabIndex is the offset/size table describing where each tile's bytes
// live within a slab object. A slot with size zero is an absent tile.
//
// The encoded form doubles as the on-disk slab header payload and as the
// value stored by the persistent index store.
type SlabIndex struct {
	TilesWide uint32
	TilesHigh uint32
	Offsets   []uint64
	Sizes     []uint32
}

// NewSlabIndex returns an empty index for a wide x high tile grid.
func NewSlabIndex(wide, high uint32) *SlabIndex {
	n := int(wide) * int(high)
	return &SlabIndex{
		TilesWide: wide,
		TilesHigh: high,
		Offsets:   make([]uint64, n),
		Sizes:     make([]uint32, n),
	}
}

// Tiles returns the number of tile slots in the index.
func (x *SlabIndex) Tiles() int {
	return int(x.TilesWide) * int(x.TilesHigh)
}

// Slot returns the byte range for slot i. ok is false when the slot is out
// of range or holds no tile.
func (x *SlabIndex) Slot(i int) (offset uint64, size uint32, ok bool) {
	if i < 0 || i >= len(x.Sizes) {
		return 0, 0, false
	}
	if x.Sizes[i] == 0 {
		return 0, 0, false
	}
	return x.Offsets[i], x.Sizes[i], true
}

// SetSlot records the byte range for slot i.
func (x *SlabIndex) SetSlot(i int, offset uint64, size uint32) error {
	if i < 0 || i >= len(x.Sizes) {
		return fmt.Errorf("slab index slot %d out of range [0,%d)", i, len(x.Sizes))
	}
	x.Offsets[i] = offset
	x.Sizes[i] = size
	return nil
}

// Validate checks grid dimensions and table lengths for consistency.
func (x *SlabIndex) Validate() error {
	if x.TilesWide == 0 || x.TilesHigh == 0 {
		return fmt.Errorf("slab index grid %dx%d has a zero dimension", x.TilesWide, x.TilesHigh)
	}

	n := x.Tiles()
	if n > MaxSlabTiles {
		return fmt.Errorf("slab index grid %dx%d exceeds %d tiles", x.TilesWide, x.TilesHigh, MaxSlabTiles)
	}
	if len(x.Offsets) != n || len(x.Sizes) != n {
		return fmt.Errorf("slab index tables have %d offsets and %d sizes, want %d of each", len(x.Offsets), len(x.Sizes), n)
	}
	return nil
}

// EncodedLen returns the length in bytes of the encoded index.
func (x *SlabIndex) EncodedLen() int {
	return slabIndexHeaderLen + x.Tiles()*12
}

// MarshalBinary encodes the index as the little-endian grid header followed
// by the offset table and the size table.
func (x *SlabIndex) MarshalBinary() ([]byte, error) {
	if err := x.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, x.EncodedLen())
	binary.LittleEndian.PutUint32(buf[0:4], x.TilesWide)
	binary.LittleEndian.PutUint32(buf[4:8], x.TilesHigh)

	off := slabIndexHeaderLen
	for _, v := range x.Offsets {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}
	for _, v := range x.Sizes {
		binary.LittleEndian.PutUint32(buf[off:], v)
		off += 4
	}
	return buf, nil
}

// UnmarshalBinary decodes an index produced by MarshalBinary. The grid
// dimensions are validated before the tables are allocated.
func (x *SlabIndex) UnmarshalBinary(data []byte) error {
	if len(data) < slabIndexHeaderLen {
		return fmt.Errorf("slab index too short: %d bytes", len(data))
	}

	wide := binary.LittleEndian.Uint32(data[0:4])
	high := binary.LittleEndian.Uint32(data[4:8])
	if wide == 0 || high == 0 {
		return fmt.Errorf("slab index grid %dx%d has a zero dimension", wide, high)
	}

	n := int(wide) * int(high)
	if n > MaxSlabTiles {
		return fmt.Errorf("slab index grid %dx%d exceeds %d tiles", wide, high, MaxSlabTiles)
	}
	if want := slabIndexHeaderLen + n*12; len(data) != want {
		return fmt.Errorf("slab index length %d, want %d for %dx%d grid", len(data), want, wide, high)
	}

	x.TilesWide = wide
	x.TilesHigh = high
	x.Offsets = make([]uint64, n)
	x.Sizes = make([]uint32, n)

	off := slabIndexHeaderLen
	for i := range x.Offsets {
		x.Offsets[i] = binary.LittleEndian.Uint64(data[off:])
		off += 8
	}
	for i := range x.Sizes {
		x.Sizes[i] = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}
	return nil
}
