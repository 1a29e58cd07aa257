package style

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hypsometryDescriptor = `{
  "identifier": "hypso",
  "title": "Hypsometric tints",
  "abstract": "Colour relief for elevation data",
  "keywords": ["elevation", "colour"],
  "legend": {
    "format": "image/png",
    "url": "https://example.org/legends/hypso.png",
    "height": 100,
    "width": 100,
    "min_scale_denominator": 0,
    "max_scale_denominator": 30
  },
  "palette": {
    "max_value": 255,
    "rgb_continuous": true,
    "alpha_continuous": false,
    "colours": [
      {"value": 0, "red": 0, "green": 0, "blue": 0, "alpha": 255},
      {"value": 100, "red": 24, "green": 12, "blue": 62, "alpha": 255},
      {"value": 255, "red": 255, "green": 255, "blue": 255, "alpha": 255}
    ]
  }
}`

const hillshadeDescriptor = `{
  "identifier": "hillshade",
  "title": "Hillshade",
  "estompage": {
    "zenith": 45,
    "azimuth": 315,
    "z_factor": 1,
    "interpolation": "linear",
    "slope_nodata": 0,
    "slope_max": 255
  }
}`

const passthroughDescriptor = `{
  "identifier": "normal",
  "title": "Raw data"
}`

func TestParse(t *testing.T) {
	s, err := Parse("hypso", []byte(hypsometryDescriptor))
	require.NoError(t, err)

	assert.Equal(t, "hypso", s.ID)
	assert.Equal(t, "hypso", s.Identifier)
	assert.Equal(t, "Hypsometric tints", s.Title)
	assert.Equal(t, []string{"elevation", "colour"}, s.Keywords)

	require.NotNil(t, s.Legend)
	assert.Equal(t, "image/png", s.Legend.Format)
	assert.Equal(t, "https://example.org/legends/hypso.png", s.Legend.URL)
	assert.Equal(t, 100, s.Legend.Height)
	assert.InDelta(t, 30, s.Legend.MaxScaleDenominator, 1e-9)

	require.NotNil(t, s.Palette)
	assert.True(t, s.Palette.RGBContinuous)
	assert.False(t, s.Palette.AlphaContinuous)
	require.Len(t, s.Palette.Colours, 3)
	assert.Equal(t, Colour{Value: 100, Red: 24, Green: 12, Blue: 62, Alpha: 255}, s.Palette.Colours[1])
}

func TestParseShading(t *testing.T) {
	s, err := Parse("hillshade", []byte(hillshadeDescriptor))
	require.NoError(t, err)

	require.NotNil(t, s.Shading)
	assert.InDelta(t, 45, s.Shading.Zenith, 1e-9)
	assert.InDelta(t, 315, s.Shading.Azimuth, 1e-9)
	assert.InDelta(t, 1, s.Shading.ZFactor, 1e-9)
	assert.Equal(t, "linear", s.Shading.Interpolation)
	assert.Equal(t, 255, s.Shading.SlopeMax)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name       string
		descriptor string
		wantErr    string
	}{
		{
			name:       "invalid json",
			descriptor: `{"identifier": `,
			wantErr:    "decoding style",
		},
		{
			name:       "missing identifier",
			descriptor: `{"title": "Anonymous"}`,
			wantErr:    "missing identifier",
		},
		{
			name:       "legend without format",
			descriptor: `{"identifier": "s", "legend": {"url": "https://example.org/l.png"}}`,
			wantErr:    "legend: missing format",
		},
		{
			name:       "legend without url",
			descriptor: `{"identifier": "s", "legend": {"format": "image/png"}}`,
			wantErr:    "legend: missing url",
		},
		{
			name: "palette values not increasing",
			descriptor: `{"identifier": "s", "palette": {"colours": [
				{"value": 10, "red": 0, "green": 0, "blue": 0, "alpha": 255},
				{"value": 10, "red": 255, "green": 255, "blue": 255, "alpha": 255}]}}`,
			wantErr: "strictly increasing",
		},
		{
			name:       "colour component out of range",
			descriptor: `{"identifier": "s", "palette": {"colours": [{"value": 0, "red": 300, "green": 0, "blue": 0, "alpha": 255}]}}`,
			wantErr:    "decoding style",
		},
		{
			name:       "zenith out of range",
			descriptor: `{"identifier": "s", "estompage": {"zenith": 91}}`,
			wantErr:    "zenith out of range",
		},
		{
			name:       "azimuth out of range",
			descriptor: `{"identifier": "s", "estompage": {"azimuth": 361}}`,
			wantErr:    "azimuth out of range",
		},
		{
			name:       "negative z factor",
			descriptor: `{"identifier": "s", "estompage": {"z_factor": -1}}`,
			wantErr:    "z factor",
		},
		{
			name:       "negative min slope",
			descriptor: `{"identifier": "s", "aspect": {"min_slope": -0.5}}`,
			wantErr:    "min slope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("broken", []byte(tt.descriptor))
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestIdentity(t *testing.T) {
	passthrough, err := Parse("normal", []byte(passthroughDescriptor))
	require.NoError(t, err)
	assert.True(t, passthrough.Identity())

	hypso, err := Parse("hypso", []byte(hypsometryDescriptor))
	require.NoError(t, err)
	assert.False(t, hypso.Identity())

	hillshade, err := Parse("hillshade", []byte(hillshadeDescriptor))
	require.NoError(t, err)
	assert.False(t, hillshade.Identity())

	emptyPalette, err := Parse("empty", []byte(`{"identifier": "empty", "palette": {}}`))
	require.NoError(t, err)
	assert.True(t, emptyPalette.Identity(), "a palette without colours styles nothing")
}

func TestChannels(t *testing.T) {
	hypso, err := Parse("hypso", []byte(hypsometryDescriptor))
	require.NoError(t, err)

	noAlpha := `{"identifier": "s", "palette": {"no_alpha": true, "colours": [
		{"value": 0, "red": 0, "green": 0, "blue": 0, "alpha": 255}]}}`
	opaque, err := Parse("opaque", []byte(noAlpha))
	require.NoError(t, err)

	hillshade, err := Parse("hillshade", []byte(hillshadeDescriptor))
	require.NoError(t, err)

	passthrough, err := Parse("normal", []byte(passthroughDescriptor))
	require.NoError(t, err)

	assert.Equal(t, 4, hypso.Channels(1), "palette expands to rgba")
	assert.Equal(t, 3, opaque.Channels(1), "no-alpha palette expands to rgb")
	assert.Equal(t, 1, hillshade.Channels(1), "relief output is single band")
	assert.Equal(t, 3, passthrough.Channels(3), "identity keeps the input count")
	assert.Equal(t, 1, passthrough.Channels(1))
}

func TestAccepts(t *testing.T) {
	hillshade, err := Parse("hillshade", []byte(hillshadeDescriptor))
	require.NoError(t, err)
	assert.True(t, hillshade.Accepts(1))
	assert.False(t, hillshade.Accepts(3), "relief styles need single-band input")

	passthrough, err := Parse("normal", []byte(passthroughDescriptor))
	require.NoError(t, err)
	assert.True(t, passthrough.Accepts(1))
	assert.True(t, passthrough.Accepts(4))

	hypso, err := Parse("hypso", []byte(hypsometryDescriptor))
	require.NoError(t, err)
	assert.True(t, hypso.Accepts(3), "a palette alone does not constrain input")
}

func TestNewBook(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hypso.json"), []byte(hypsometryDescriptor), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "normal.json"), []byte(passthroughDescriptor), 0o600))

	b := NewBook()
	require.NoError(t, b.Load(context.Background(), dir))

	assert.Equal(t, []string{"hypso", "normal"}, b.Identifiers())

	s, ok := b.Get("hypso")
	require.True(t, ok)
	assert.True(t, s.UsesPalette())
}
