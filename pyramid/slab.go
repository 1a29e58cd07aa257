// Package pyramid reads and writes tile pyramids stored as slabs: one
// backend object per group of neighbouring tiles, a fixed header carrying
// the per-tile offset/size table, tile payloads behind it. Readers resolve
// the table through the in-memory index cache and the persistent index
// store before touching the backend.
package pyramid

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/geopyramid/tilestore"
)

// ErrCorruptSlab is returned when a slab header fails structural checks.
var ErrCorruptSlab = errors.New("pyramid: corrupt slab")

var slabMagic = []byte("TSLB")

const (
	slabVersion = 1

	// slabPrefixLen is the magic plus the version byte.
	slabPrefixLen = 5
)

// HeaderLen returns the byte length of a slab header for the given layout:
// the magic and version prefix followed by the encoded offset/size table.
func HeaderLen(layout tilestore.SlabLayout) int {
	idx := tilestore.SlabIndex{TilesWide: layout.TilesWide, TilesHigh: layout.TilesHigh}
	return slabPrefixLen + idx.EncodedLen()
}

// EncodeSlab assembles a complete slab object from tile payloads, ordered
// row-major to match SlabLayout slot numbering. A nil or empty payload
// leaves its slot absent. Offsets in the header are absolute within the
// slab object.
func EncodeSlab(layout tilestore.SlabLayout, tiles [][]byte) ([]byte, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	idx := tilestore.NewSlabIndex(layout.TilesWide, layout.TilesHigh)
	if len(tiles) != idx.Tiles() {
		return nil, fmt.Errorf("slab payload count %d, want %d for %dx%d layout",
			len(tiles), idx.Tiles(), layout.TilesWide, layout.TilesHigh)
	}

	offset := HeaderLen(layout)
	for i, payload := range tiles {
		if len(payload) == 0 {
			continue
		}
		if int64(len(payload)) > math.MaxUint32 {
			return nil, fmt.Errorf("tile slot %d payload of %d bytes exceeds the slab format", i, len(payload))
		}
		if err := idx.SetSlot(i, uint64(offset), uint32(len(payload))); err != nil {
			return nil, err
		}
		offset += len(payload)
	}

	header, err := idx.MarshalBinary()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, offset)
	buf = append(buf, slabMagic...)
	buf = append(buf, slabVersion)
	buf = append(buf, header...)
	for _, payload := range tiles {
		buf = append(buf, payload...)
	}
	return buf, nil
}

// DecodeHeader parses a slab header of exactly HeaderLen(layout) bytes and
// checks that its grid matches the level's declared layout.
func DecodeHeader(data []byte, layout tilestore.SlabLayout) (*tilestore.SlabIndex, error) {
	if len(data) < slabPrefixLen {
		return nil, fmt.Errorf("%w: truncated header of %d bytes", ErrCorruptSlab, len(data))
	}
	if !bytes.Equal(data[:len(slabMagic)], slabMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptSlab)
	}
	if data[4] != slabVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSlab, data[4])
	}

	idx := &tilestore.SlabIndex{}
	if err := idx.UnmarshalBinary(data[slabPrefixLen:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSlab, err)
	}

	if idx.TilesWide != layout.TilesWide || idx.TilesHigh != layout.TilesHigh {
		return nil, fmt.Errorf("%w: slab grid %dx%d, level declares %dx%d",
			ErrCorruptSlab, idx.TilesWide, idx.TilesHigh, layout.TilesWide, layout.TilesHigh)
	}
	return idx, nil
}

// layoutTable resolves the slab layout for a level: a default layout plus
// optional per-level overrides.
type layoutTable struct {
	def      tilestore.SlabLayout
	perLevel map[string]tilestore.SlabLayout
}

func newLayoutTable(def tilestore.SlabLayout) layoutTable {
	return layoutTable{def: def}
}

func (t *layoutTable) set(level string, layout tilestore.SlabLayout) {
	if t.perLevel == nil {
		t.perLevel = make(map[string]tilestore.SlabLayout)
	}
	t.perLevel[level] = layout
}

func (t *layoutTable) layoutFor(level string) tilestore.SlabLayout {
	if l, ok := t.perLevel[level]; ok {
		return l
	}
	return t.def
}
