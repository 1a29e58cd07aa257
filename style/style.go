// Package style models style descriptors: how raster values are rendered
// when a layer is served. A style can map values through a colour table,
// derive relief shading, slope or exposition from a single band, or pass
// pixels through untouched. Descriptors are JSON files named after their
// identifier and are served read-only through a catalog book. Only the
// descriptor data and its channel arithmetic live here; pixel processing
// does not.
package style

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/geopyramid/tilestore/book"
)

// Legend points at a rendered legend image for capability documents.
type Legend struct {
	Format              string  `json:"format"`
	URL                 string  `json:"url"`
	Height              int     `json:"height,omitempty"`
	Width               int     `json:"width,omitempty"`
	MinScaleDenominator float64 `json:"min_scale_denominator,omitempty"`
	MaxScaleDenominator float64 `json:"max_scale_denominator,omitempty"`
}

// Colour is one stop of a palette colour table.
type Colour struct {
	Value float64 `json:"value"`
	Red   uint8   `json:"red"`
	Green uint8   `json:"green"`
	Blue  uint8   `json:"blue"`
	Alpha uint8   `json:"alpha"`
}

// Palette maps raster values to colours. Stops are listed by increasing
// value; continuous flags select interpolation between stops.
type Palette struct {
	MaxValue        float64  `json:"max_value,omitempty"`
	RGBContinuous   bool     `json:"rgb_continuous,omitempty"`
	AlphaContinuous bool     `json:"alpha_continuous,omitempty"`
	NoAlpha         bool     `json:"no_alpha,omitempty"`
	Colours         []Colour `json:"colours,omitempty"`
}

// Shading holds hillshade parameters for single-band elevation data.
type Shading struct {
	Zenith        float64 `json:"zenith,omitempty"`
	Azimuth       float64 `json:"azimuth,omitempty"`
	ZFactor       float64 `json:"z_factor,omitempty"`
	Interpolation string  `json:"interpolation,omitempty"`
	ImageNoData   float64 `json:"image_nodata,omitempty"`
	SlopeNoData   int     `json:"slope_nodata,omitempty"`
	SlopeMax      int     `json:"slope_max,omitempty"`
}

// Slope holds slope computation parameters for single-band elevation data.
type Slope struct {
	Algo          string  `json:"algo,omitempty"`
	Unit          string  `json:"unit,omitempty"`
	Interpolation string  `json:"interpolation,omitempty"`
	ImageNoData   float64 `json:"image_nodata,omitempty"`
	SlopeNoData   int     `json:"slope_nodata,omitempty"`
	SlopeMax      int     `json:"slope_max,omitempty"`
}

// Exposition holds aspect computation parameters for single-band elevation
// data.
type Exposition struct {
	Algo     string  `json:"algo,omitempty"`
	MinSlope float64 `json:"min_slope,omitempty"`
}

// Style is a parsed descriptor. Identifier is the public name used in
// capability documents and requests; ID is the descriptor filename stem.
type Style struct {
	ID         string      `json:"-"`
	Identifier string      `json:"identifier"`
	Title      string      `json:"title,omitempty"`
	Abstract   string      `json:"abstract,omitempty"`
	Keywords   []string    `json:"keywords,omitempty"`
	Legend     *Legend     `json:"legend,omitempty"`
	Palette    *Palette    `json:"palette,omitempty"`
	Shading    *Shading    `json:"estompage,omitempty"`
	Slope      *Slope      `json:"pente,omitempty"`
	Exposition *Exposition `json:"aspect,omitempty"`
}

// Parse decodes and validates a descriptor. The id is the descriptor
// filename without its extension.
func Parse(id string, data []byte) (*Style, error) {
	s := &Style{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decoding style %q: %w", id, err)
	}
	s.ID = id

	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("style %q: %w", id, err)
	}
	return s, nil
}

func (s *Style) validate() error {
	if s.Identifier == "" {
		return fmt.Errorf("missing identifier")
	}

	if s.Legend != nil {
		if s.Legend.Format == "" {
			return fmt.Errorf("legend: missing format")
		}
		if s.Legend.URL == "" {
			return fmt.Errorf("legend: missing url")
		}
	}

	if s.Palette != nil {
		for i := 1; i < len(s.Palette.Colours); i++ {
			if s.Palette.Colours[i].Value <= s.Palette.Colours[i-1].Value {
				return fmt.Errorf("palette: colour values must be strictly increasing")
			}
		}
	}

	if s.Shading != nil {
		if s.Shading.Zenith < 0 || s.Shading.Zenith > 90 {
			return fmt.Errorf("estompage: zenith out of range [0, 90]")
		}
		if s.Shading.Azimuth < 0 || s.Shading.Azimuth > 360 {
			return fmt.Errorf("estompage: azimuth out of range [0, 360]")
		}
		if s.Shading.ZFactor < 0 {
			return fmt.Errorf("estompage: z factor must not be negative")
		}
	}

	if s.Exposition != nil && s.Exposition.MinSlope < 0 {
		return fmt.Errorf("aspect: min slope must not be negative")
	}

	return nil
}

// UsesPalette reports whether the style maps values through a colour table.
func (s *Style) UsesPalette() bool {
	return s.Palette != nil && len(s.Palette.Colours) > 0
}

// singleBand reports whether the style derives its output from one band of
// elevation data.
func (s *Style) singleBand() bool {
	return s.Shading != nil || s.Slope != nil || s.Exposition != nil
}

// Identity reports whether the style passes pixels through untouched.
func (s *Style) Identity() bool {
	return !s.UsesPalette() && !s.singleBand()
}

// Channels returns the samples per pixel the style produces for an input
// with the given count. A palette produces 3 or 4 channels, relief styles
// collapse to 1, an identity style keeps the input count.
func (s *Style) Channels(in int) int {
	if s.UsesPalette() {
		if s.Palette.NoAlpha {
			return 3
		}
		return 4
	}
	if s.singleBand() {
		return 1
	}
	return in
}

// Accepts reports whether the style can be applied to data with the given
// samples per pixel. Relief styles only accept single-band input.
func (s *Style) Accepts(samples int) bool {
	if s.singleBand() {
		return samples == 1
	}
	return true
}

// NewBook returns a catalog book that loads style descriptors.
func NewBook(opts ...book.Option) *book.Book[*Style] {
	return book.New("style", ".json", func(_ context.Context, id string, data []byte) (*Style, error) {
		return Parse(id, data)
	}, opts...)
}
