package sprite

import (
	"errors"
	"fmt"
	"os"

	"github.com/neurosprite/server/pkg/volume"
)

// BuildResult carries the artifacts of one sprite build.
type BuildResult struct {
	// Sprite is the encoded mosaic image.
	Sprite []byte
	// ColormapStrip is the encoded lookup strip, nil unless requested.
	ColormapStrip []byte
	// Meta is the JSON sidecar content.
	Meta Metadata
	// Norm is the resolved intensity mapping.
	Norm Normalization
	// Shape is the encoded (post-resampling) volume.
	Shape NbSlice
}

// Build runs the pipeline on vol: optional isotropic resampling,
// normalization, tiling, masking and encoding. withStrip adds the
// colormap strip to the result. The input volume is never mutated.
func Build(vol *volume.Volume, params RenderParams, withStrip bool) (*BuildResult, error) {
	if vol == nil {
		return nil, errors.New("nil volume")
	}

	v := vol
	if params.Resample {
		rv, err := volume.Resample(v, params.Interpolation)
		if err != nil {
			return nil, fmt.Errorf("resample: %w", err)
		}
		v = rv
	}

	v, norm := Normalize(v, params)

	sp := Tile(v)
	sp.ApplyMask(norm.Threshold)

	cm := params.colormap()
	img, err := EncodeImage(sp, cm, norm.VMin, norm.VMax, params.format())
	if err != nil {
		return nil, fmt.Errorf("encode sprite: %w", err)
	}

	res := &BuildResult{
		Sprite: img,
		Meta:   NewMetadata(v, norm.VMin, norm.VMax),
		Norm:   norm,
		Shape:  NbSlice{X: v.NX, Y: v.NY, Z: v.NZ},
	}

	if withStrip {
		strip, err := EncodeColormapStrip(cm, params.nColors(), params.format())
		if err != nil {
			return nil, fmt.Errorf("encode colormap strip: %w", err)
		}
		res.ColormapStrip = strip
	}
	return res, nil
}

// WriteFiles is the file-writing variant of Build. It writes the
// sprite image to spritePath and, when the paths are non-empty, the
// colormap strip and JSON sidecar next to it. On any write failure the
// error is surfaced immediately; file handles are closed on every
// path.
func WriteFiles(vol *volume.Volume, params RenderParams, spritePath, cmapPath, jsonPath string) (*BuildResult, error) {
	res, err := Build(vol, params, cmapPath != "")
	if err != nil {
		return nil, err
	}

	if err := writeFile(spritePath, res.Sprite); err != nil {
		return nil, err
	}
	if cmapPath != "" {
		if err := writeFile(cmapPath, res.ColormapStrip); err != nil {
			return nil, err
		}
	}
	if jsonPath != "" {
		doc, err := res.Meta.JSON()
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		if err := writeFile(jsonPath, doc); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func writeFile(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("write %s: %w", path, werr)
	}
	if cerr != nil {
		return fmt.Errorf("close %s: %w", path, cerr)
	}
	return nil
}
