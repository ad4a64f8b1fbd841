package sprite

import (
	"fmt"

	"github.com/neurosprite/server/pkg/colormap"
	"github.com/neurosprite/server/pkg/volume"
)

// DefaultNColors is the colormap strip sample count when unspecified.
const DefaultNColors = 256

// Format names an output raster encoding.
type Format string

const (
	// FormatPNG is lossless and carries per-pixel alpha.
	FormatPNG Format = "png"
	// FormatJPEG is lossy and opaque, used for photographic
	// backgrounds.
	FormatJPEG Format = "jpeg"
)

// ParseFormat maps wire names to a Format; "jpg" is accepted for JPEG
// and the empty string defaults to PNG.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "png":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	}
	return "", fmt.Errorf("unknown image format %q", s)
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	if f == FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// Extension returns the file extension for the format, dot included.
func (f Format) Extension() string {
	if f == FormatJPEG {
		return ".jpg"
	}
	return ".png"
}

// RenderParams controls normalization, color mapping and encoding for
// one sprite build. The zero value renders the full data range through
// the default colormap as PNG without resampling.
type RenderParams struct {
	// VMin and VMax pin the intensity range; nil derives the bound
	// from the data. An explicit NaN is discarded with a warning.
	VMin *float64
	VMax *float64
	// Threshold masks sub-threshold voxels as transparent.
	Threshold Threshold
	// Colormap maps normalized intensities to colors; nil falls back
	// to colormap.Greys.
	Colormap colormap.Colormap
	// NColors is the colormap strip sample count; 0 means
	// DefaultNColors.
	NColors int
	// Format selects the sprite encoding; empty means PNG.
	Format Format
	// Resample regrids the volume to isotropic spacing first. Leave
	// false when the caller already guarantees isotropic voxels.
	Resample bool
	// Interpolation is the resampling kernel.
	Interpolation volume.Interpolation
}

func (p RenderParams) colormap() colormap.Colormap {
	if p.Colormap == nil {
		return colormap.Greys
	}
	return p.Colormap
}

func (p RenderParams) nColors() int {
	if p.NColors <= 0 {
		return DefaultNColors
	}
	return p.NColors
}

func (p RenderParams) format() Format {
	if p.Format == "" {
		return FormatPNG
	}
	return p.Format
}
