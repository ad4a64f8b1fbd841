// Package viewer defines the display-property document that accompanies
// sprite artifacts. A front end consumes it verbatim; the server only
// validates and serializes these values, it never interprets them.
package viewer

import (
	"fmt"
	"image/color"
	"regexp"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// DefaultColorCount is the number of discrete colormap samples a viewer
// receives unless the caller asks for another resolution.
const DefaultColorCount = 256

// Point3 is an integer voxel coordinate, typically the initial cursor
// position.
type Point3 struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// HexColor is a CSS-style hex color, "#RGB" or "#RRGGBB".
type HexColor string

var hexColorPattern = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}){1,2}$`)

// Validate reports whether the string is a well-formed hex color.
func (c HexColor) Validate() error {
	if !hexColorPattern.MatchString(string(c)) {
		return fmt.Errorf("invalid hex color %q", string(c))
	}
	return nil
}

// RGBA decodes the color into an opaque RGBA value.
func (c HexColor) RGBA() (color.RGBA, error) {
	if err := c.Validate(); err != nil {
		return color.RGBA{}, err
	}
	parsed, err := colorful.Hex(string(c))
	if err != nil {
		return color.RGBA{}, fmt.Errorf("parse hex color %q: %w", string(c), err)
	}
	r, g, b := parsed.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}

// Params carries the full set of display properties for one view.
type Params struct {
	ColorBackground HexColor `json:"colorBackground"`
	ColorFont       HexColor `json:"colorFont"`
	ColorCrosshair  HexColor `json:"colorCrosshair"`
	Crosshair       bool     `json:"crosshair"`
	Cursor          Point3   `json:"cursor"`
	Opacity         float64  `json:"opacity"`
	NBColors        int      `json:"nbColors"`
	Colorbar        bool     `json:"colorbar"`
	Title           string   `json:"title,omitempty"`
	FlagCoordinates bool     `json:"flagCoordinates"`
	FlagValue       bool     `json:"flagValue"`
}

// DefaultParams returns the light-canvas defaults: dark text on a white
// background, crosshair drawn, opaque overlay.
func DefaultParams() Params {
	return Params{
		ColorBackground: "#FFFFFF",
		ColorFont:       "#000000",
		ColorCrosshair:  "#0000FF",
		Crosshair:       true,
		Cursor:          Point3{},
		Opacity:         1,
		NBColors:        DefaultColorCount,
		Colorbar:        true,
	}
}

// ForCanvas returns the defaults adjusted for the canvas darkness:
// a black canvas swaps the background and font colors.
func ForCanvas(blackBG bool) Params {
	p := DefaultParams()
	if blackBG {
		p.ColorBackground = "#000000"
		p.ColorFont = "#FFFFFF"
	}
	return p
}

// Validate checks every constrained field and reports the first
// violation.
func (p Params) Validate() error {
	for _, c := range []struct {
		name  string
		value HexColor
	}{
		{"colorBackground", p.ColorBackground},
		{"colorFont", p.ColorFont},
		{"colorCrosshair", p.ColorCrosshair},
	} {
		if err := c.value.Validate(); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
	}
	if p.Opacity < 0 || p.Opacity > 1 {
		return fmt.Errorf("opacity %v out of range [0, 1]", p.Opacity)
	}
	if p.NBColors < 1 {
		return fmt.Errorf("nbColors %d must be at least 1", p.NBColors)
	}
	return nil
}
