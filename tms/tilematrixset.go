// Package tms models tile matrix set descriptors: the pyramid grids that
// map zoom levels to cell sizes, origins and matrix dimensions. Descriptors
// are JSON files named after their identifier and are served read-only
// through a catalog book.
package tms

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/geopyramid/tilestore/book"
)

// TileMatrix is one zoom level of a tile matrix set. CellSize is the ground
// resolution in CRS units per pixel, PointOfOrigin the top-left corner of
// the matrix.
type TileMatrix struct {
	ID               string     `json:"id"`
	ScaleDenominator float64    `json:"scaleDenominator,omitempty"`
	CellSize         float64    `json:"cellSize"`
	PointOfOrigin    [2]float64 `json:"pointOfOrigin"`
	TileWidth        int        `json:"tileWidth"`
	TileHeight       int        `json:"tileHeight"`
	MatrixWidth      int64      `json:"matrixWidth"`
	MatrixHeight     int64      `json:"matrixHeight"`
}

// TileMatrixSet is a parsed descriptor: a CRS plus its ordered tile
// matrices, conventionally listed coarsest first.
type TileMatrixSet struct {
	ID          string       `json:"-"`
	CRS         string       `json:"crs"`
	OrderedAxes []string     `json:"orderedAxes,omitempty"`
	Matrices    []TileMatrix `json:"tileMatrices"`

	byID map[string]*TileMatrix
}

// Parse decodes and validates a descriptor. The id is the descriptor
// filename without its extension.
func Parse(id string, data []byte) (*TileMatrixSet, error) {
	t := &TileMatrixSet{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("decoding tile matrix set %q: %w", id, err)
	}
	t.ID = id

	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("tile matrix set %q: %w", id, err)
	}

	t.byID = make(map[string]*TileMatrix, len(t.Matrices))
	for i := range t.Matrices {
		t.byID[t.Matrices[i].ID] = &t.Matrices[i]
	}
	return t, nil
}

func (t *TileMatrixSet) validate() error {
	if t.CRS == "" {
		return fmt.Errorf("missing crs")
	}
	if len(t.Matrices) == 0 {
		return fmt.Errorf("no tile matrices")
	}

	seen := make(map[string]struct{}, len(t.Matrices))
	for i := range t.Matrices {
		m := &t.Matrices[i]
		if m.ID == "" {
			return fmt.Errorf("tile matrix %d: missing id", i)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("duplicate tile matrix %q", m.ID)
		}
		seen[m.ID] = struct{}{}

		if m.CellSize <= 0 {
			return fmt.Errorf("tile matrix %q: cell size must be positive", m.ID)
		}
		if m.TileWidth <= 0 || m.TileHeight <= 0 {
			return fmt.Errorf("tile matrix %q: tile size must be positive", m.ID)
		}
		if m.MatrixWidth <= 0 || m.MatrixHeight <= 0 {
			return fmt.Errorf("tile matrix %q: matrix size must be positive", m.ID)
		}
	}
	return nil
}

// Matrix returns the tile matrix with the given id.
func (t *TileMatrixSet) Matrix(id string) (*TileMatrix, bool) {
	m, ok := t.byID[id]
	return m, ok
}

// BestMatrix returns the tile matrix whose cell size is nearest the
// requested resolution by ratio, preferring the finer matrix on a tie.
// Returns nil when resolution is not positive.
func (t *TileMatrixSet) BestMatrix(resolution float64) *TileMatrix {
	if resolution <= 0 {
		return nil
	}

	var best *TileMatrix
	bestDist := math.Inf(1)
	for i := range t.Matrices {
		m := &t.Matrices[i]
		dist := math.Abs(math.Log(resolution / m.CellSize))
		if dist < bestDist || (dist == bestDist && m.CellSize < best.CellSize) {
			best = m
			bestDist = dist
		}
	}
	return best
}

// NewBook returns a catalog book that loads tile matrix set descriptors.
func NewBook(opts ...book.Option) *book.Book[*TileMatrixSet] {
	return book.New("tms", ".json", func(_ context.Context, id string, data []byte) (*TileMatrixSet, error) {
		return Parse(id, data)
	}, opts...)
}
