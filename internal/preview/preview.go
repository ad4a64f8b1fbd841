// Package preview flattens sprite layers into a single inspection image
// using fogleman/gg.
package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	// Background sprites are JPEG-encoded.
	_ "image/jpeg"

	"github.com/fogleman/gg"

	"github.com/neurosprite/server/pkg/sprite"
	"github.com/neurosprite/server/pkg/viewer"
)

var pngEncoder = png.Encoder{CompressionLevel: png.BestSpeed}

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 64*1024))
	},
}

// Flatten draws the background and overlay sprite sheets into one
// opaque PNG. The canvas color shows through transparent overlay
// regions, the overlay's alpha is scaled by params.Opacity, and a
// crosshair marks params.Cursor when requested. grid carries the
// sheet's slice dimensions for crosshair placement.
func Flatten(background, overlay []byte, params viewer.Params, grid sprite.NbSlice) ([]byte, error) {
	bg, _, err := image.Decode(bytes.NewReader(background))
	if err != nil {
		return nil, fmt.Errorf("failed to decode background: %w", err)
	}
	ov, _, err := image.Decode(bytes.NewReader(overlay))
	if err != nil {
		return nil, fmt.Errorf("failed to decode overlay: %w", err)
	}

	bounds := bg.Bounds()
	if ov.Bounds().Dx() != bounds.Dx() || ov.Bounds().Dy() != bounds.Dy() {
		return nil, fmt.Errorf("layer size mismatch: background %dx%d, overlay %dx%d",
			bounds.Dx(), bounds.Dy(), ov.Bounds().Dx(), ov.Bounds().Dy())
	}

	canvas, err := params.ColorBackground.RGBA()
	if err != nil {
		return nil, fmt.Errorf("invalid canvas color: %w", err)
	}

	dc := gg.NewContext(bounds.Dx(), bounds.Dy())
	dc.SetColor(canvas)
	dc.Clear()

	dc.DrawImage(bg, 0, 0)
	dc.DrawImage(scaleAlpha(ov, params.Opacity), 0, 0)

	if params.Crosshair {
		if err := drawCrosshair(dc, params, grid); err != nil {
			return nil, err
		}
	}

	return encodeContext(dc)
}

// scaleAlpha multiplies every pixel's alpha by opacity.
func scaleAlpha(img image.Image, opacity float64) image.Image {
	if opacity >= 1 {
		return img
	}
	if opacity < 0 {
		opacity = 0
	}

	bounds := img.Bounds()
	out := image.NewNRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = uint8(float64(c.A)*opacity + 0.5)
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

// drawCrosshair marks the cursor voxel inside its slice tile. Within a
// tile the z axis runs bottom-up, matching the sheet layout.
func drawCrosshair(dc *gg.Context, params viewer.Params, grid sprite.NbSlice) error {
	if grid.X <= 0 || grid.Y <= 0 || grid.Z <= 0 {
		return fmt.Errorf("crosshair requires the sprite grid dimensions")
	}
	c, err := params.ColorCrosshair.RGBA()
	if err != nil {
		return fmt.Errorf("invalid crosshair color: %w", err)
	}

	cur := clampCursor(params.Cursor, grid)
	_, cols := sprite.GridSize(grid.X)
	col := cur.X % cols
	row := cur.X / cols

	px := float64(col*grid.Y + cur.Y)
	py := float64(row*grid.Z + (grid.Z - 1 - cur.Z))
	x0 := float64(col * grid.Y)
	y0 := float64(row * grid.Z)

	dc.SetColor(c)
	dc.SetLineWidth(1)
	dc.DrawLine(px+0.5, y0, px+0.5, y0+float64(grid.Z))
	dc.DrawLine(x0, py+0.5, x0+float64(grid.Y), py+0.5)
	dc.Stroke()
	return nil
}

func clampCursor(p viewer.Point3, grid sprite.NbSlice) viewer.Point3 {
	clamp := func(v, n int) int {
		if v < 0 {
			return 0
		}
		if v >= n {
			return n - 1
		}
		return v
	}
	return viewer.Point3{
		X: clamp(p.X, grid.X),
		Y: clamp(p.Y, grid.Y),
		Z: clamp(p.Z, grid.Z),
	}
}

func encodeContext(dc *gg.Context) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufferPool.Put(buf)
	}()

	if err := pngEncoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
