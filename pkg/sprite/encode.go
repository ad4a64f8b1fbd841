package sprite

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"sync"

	"github.com/neurosprite/server/pkg/colormap"
)

// jpegQuality matches a photographic background's needs; overlays use
// lossless PNG.
const jpegQuality = 90

var pngEncoder = png.Encoder{CompressionLevel: png.BestSpeed}

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 64*1024))
	},
}

// EncodeImage rasterizes a masked sprite through cm. Each pixel maps
// through clamp((v-vmin)/(vmax-vmin), 0, 1) then the colormap; masked
// pixels are fully transparent in PNG. JPEG carries no alpha, so it is
// only meant for unmasked sprites.
func EncodeImage(s *Sprite, cm colormap.Colormap, vmin, vmax float64, format Format) ([]byte, error) {
	img := rasterize(s, cm, vmin, vmax)
	return encodeRaster(img, format)
}

// EncodeColormapStrip renders n evenly spaced samples of cm as a 1-row
// image, the lookup table a client reuses instead of re-deriving color
// logic.
func EncodeColormapStrip(cm colormap.Colormap, n int, format Format) ([]byte, error) {
	samples := colormap.Sample(cm, n)
	if len(samples) == 0 {
		return nil, fmt.Errorf("colormap strip needs at least one sample")
	}
	img := image.NewNRGBA(image.Rect(0, 0, len(samples), 1))
	for i, c := range samples {
		off := i * 4
		img.Pix[off] = c.R
		img.Pix[off+1] = c.G
		img.Pix[off+2] = c.B
		img.Pix[off+3] = c.A
	}
	return encodeRaster(img, format)
}

func rasterize(s *Sprite, cm colormap.Colormap, vmin, vmax float64) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, s.W, s.H))
	denom := vmax - vmin

	for i, v := range s.Data {
		off := i * 4
		if s.Mask != nil && s.Mask[i] {
			// Leave the pixel fully transparent.
			continue
		}
		t := 0.0
		if denom != 0 {
			t = (v - vmin) / denom
			if t < 0 {
				t = 0
			} else if t > 1 {
				t = 1
			}
		}
		c := cm.At(t)
		img.Pix[off] = c.R
		img.Pix[off+1] = c.G
		img.Pix[off+2] = c.B
		img.Pix[off+3] = c.A
	}
	return img
}

func encodeRaster(img image.Image, format Format) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufferPool.Put(buf)
	}()

	switch format {
	case FormatJPEG:
		if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("jpeg encode failed: %w", err)
		}
	default:
		if err := pngEncoder.Encode(buf, img); err != nil {
			return nil, fmt.Errorf("png encode failed: %w", err)
		}
	}

	// Copy out of the pooled buffer before it is reused.
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
