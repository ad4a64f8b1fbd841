// Package colormap provides the color schemes used for sprite
// rendering. Colormaps are plain values injected into the encoder, not
// global state, so concurrent renders can share them safely.
package colormap

import (
	"fmt"
	"image/color"
	"sort"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// Colormap maps a normalized intensity in [0,1] to a color.
type Colormap interface {
	At(t float64) color.RGBA
}

// LinearColormap interpolates linearly between evenly spaced stops.
type LinearColormap struct {
	colors []color.RGBA
}

// NewLinear builds a colormap from explicit stops.
func NewLinear(colors ...color.RGBA) LinearColormap {
	return LinearColormap{colors: colors}
}

// FromHex builds a colormap from evenly spaced hex stops, each in the
// 3-digit ("#f0c") or 6-digit ("#ff1034") form.
func FromHex(stops ...string) (LinearColormap, error) {
	if len(stops) < 2 {
		return LinearColormap{}, fmt.Errorf("colormap needs at least 2 stops, got %d", len(stops))
	}
	colors := make([]color.RGBA, len(stops))
	for i, s := range stops {
		c, err := colorful.Hex(s)
		if err != nil {
			return LinearColormap{}, fmt.Errorf("invalid colormap stop %q: %w", s, err)
		}
		r, g, b := c.RGB255()
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return LinearColormap{colors: colors}, nil
}

// At returns the color at position t, clamped to [0,1].
func (c LinearColormap) At(t float64) color.RGBA {
	if t <= 0 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	frac := idx - float64(lower)
	return interpolate(c.colors[lower], c.colors[upper], frac)
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

// Sample returns n evenly spaced colors over [0,1], the lookup table a
// colormap strip encodes for client-side use.
func Sample(cm Colormap, n int) []color.RGBA {
	if n < 1 {
		return nil
	}
	out := make([]color.RGBA, n)
	if n == 1 {
		out[0] = cm.At(0)
		return out
	}
	for i := 0; i < n; i++ {
		out[i] = cm.At(float64(i) / float64(n-1))
	}
	return out
}

// Gray runs black to white, the anatomical background mapping.
var Gray = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 0, 255},
		{255, 255, 255, 255},
	},
}

// Greys runs white to black (matplotlib "Greys").
var Greys = LinearColormap{
	colors: []color.RGBA{
		{255, 255, 255, 255},
		{0, 0, 0, 255},
	},
}

// ColdHot is the diverging statistical map: cyan/blue for strong
// negative values through black at zero to red/yellow for positives.
var ColdHot = LinearColormap{
	colors: []color.RGBA{
		{255, 255, 255, 255},
		{0, 255, 255, 255},
		{0, 0, 255, 255},
		{0, 0, 0, 255},
		{0, 0, 0, 255},
		{255, 0, 0, 255},
		{255, 255, 0, 255},
		{255, 255, 255, 255},
	},
}

// Hot colormap (matplotlib hot).
var Hot = LinearColormap{
	colors: []color.RGBA{
		{11, 0, 0, 255},
		{255, 0, 0, 255},
		{255, 255, 0, 255},
		{255, 255, 255, 255},
	},
}

// Viridis colormap (matplotlib viridis).
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Plasma colormap.
var Plasma = LinearColormap{
	colors: []color.RGBA{
		{13, 8, 135, 255},
		{75, 3, 161, 255},
		{125, 3, 168, 255},
		{168, 34, 150, 255},
		{203, 70, 121, 255},
		{229, 107, 93, 255},
		{248, 148, 65, 255},
		{253, 195, 40, 255},
		{240, 249, 33, 255},
	},
}

// Inferno colormap.
var Inferno = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{40, 11, 84, 255},
		{101, 21, 110, 255},
		{159, 42, 99, 255},
		{212, 72, 66, 255},
		{245, 125, 21, 255},
		{250, 193, 39, 255},
		{252, 255, 164, 255},
	},
}

// Magma colormap.
var Magma = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{28, 16, 68, 255},
		{79, 18, 123, 255},
		{129, 37, 129, 255},
		{181, 54, 122, 255},
		{229, 80, 100, 255},
		{251, 135, 97, 255},
		{254, 194, 135, 255},
		{252, 253, 191, 255},
	},
}

var registry = map[string]Colormap{
	"gray":     Gray,
	"greys":    Greys,
	"cold_hot": ColdHot,
	"hot":      Hot,
	"viridis":  Viridis,
	"plasma":   Plasma,
	"inferno":  Inferno,
	"magma":    Magma,
}

// Get resolves a colormap by name (case-insensitive). A comma-separated
// list of hex stops ("#000,#f00,#ff0") defines a custom linear map.
func Get(name string) (Colormap, error) {
	if cm, ok := registry[strings.ToLower(name)]; ok {
		return cm, nil
	}
	if strings.Contains(name, "#") {
		parts := strings.Split(name, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return FromHex(parts...)
	}
	return nil, fmt.Errorf("unknown colormap %q", name)
}

// Names returns the built-in colormap names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
