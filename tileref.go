package tilestore

import (
	"fmt"
	"strconv"
	"strings"
)

// TileRef addresses a single tile within a pyramid: the identifier of the
// tile matrix (zoom level) plus column and row in that matrix.
type TileRef struct {
	Level string
	Col   int64
	Row   int64
}

// ParseTileRef parses a "level/col/row" reference.
func ParseTileRef(s string) (TileRef, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return TileRef{}, fmt.Errorf("invalid tile reference %q: want level/col/row", s)
	}

	col, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return TileRef{}, fmt.Errorf("invalid tile column %q: %w", parts[1], err)
	}

	row, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return TileRef{}, fmt.Errorf("invalid tile row %q: %w", parts[2], err)
	}

	t := TileRef{Level: parts[0], Col: col, Row: row}
	if err := t.Validate(); err != nil {
		return TileRef{}, err
	}
	return t, nil
}

// Validate checks that the reference is well formed.
func (t TileRef) Validate() error {
	if t.Level == "" {
		return fmt.Errorf("tile reference has empty level")
	}
	if t.Col < 0 || t.Row < 0 {
		return fmt.Errorf("tile reference %s has negative coordinates", t)
	}
	return nil
}

// String returns the "level/col/row" form of the reference.
func (t TileRef) String() string {
	return fmt.Sprintf("%s/%d/%d", t.Level, t.Col, t.Row)
}

// SlabRef addresses the slab (multi-tile storage object) holding a group of
// neighbouring tiles of one level.
type SlabRef struct {
	Level string
	Col   int64
	Row   int64
}

// Path returns the backend object name for the slab.
func (s SlabRef) Path() string {
	return fmt.Sprintf("%s/%d_%d.slab", s.Level, s.Col, s.Row)
}

// String returns the "level/col/row" form of the slab reference.
func (s SlabRef) String() string {
	return fmt.Sprintf("%s/%d/%d", s.Level, s.Col, s.Row)
}

// SlabLayout describes how one level groups tiles into slabs.
type SlabLayout struct {
	TilesWide uint32
	TilesHigh uint32
}

// Validate checks that both slab dimensions are positive.
func (l SlabLayout) Validate() error {
	if l.TilesWide == 0 || l.TilesHigh == 0 {
		return fmt.Errorf("slab layout %dx%d has a zero dimension", l.TilesWide, l.TilesHigh)
	}
	return nil
}

// SlabFor returns the slab containing tile t together with the tile's slot
// index inside that slab. Slots are numbered row-major from the slab's
// top-left tile.
func (l SlabLayout) SlabFor(t TileRef) (SlabRef, int) {
	tw := int64(l.TilesWide)
	th := int64(l.TilesHigh)

	slab := SlabRef{
		Level: t.Level,
		Col:   t.Col / tw,
		Row:   t.Row / th,
	}
	slot := int((t.Row%th)*tw + t.Col%tw)
	return slab, slot
}
