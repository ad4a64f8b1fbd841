package sprite

import (
	"math"

	"github.com/neurosprite/server/pkg/volume"
)

// Sprite is the 2D grid-of-slices mosaic produced by Tile: NRows x
// NCols tiles of nz x ny pixels each, one tile per axis-0 slice.
type Sprite struct {
	// W and H are the pixel dimensions (W = NCols*NY, H = NRows*NZ).
	W, H int
	// Data holds H rows of W values, row-major.
	Data []float64
	// Mask marks transparent pixels; nil when no threshold applies.
	Mask []bool
	// Source volume extents and the tile grid laid over them.
	NX, NY, NZ   int
	NRows, NCols int
}

// GridSize returns the tile grid for nx slices: ceil(sqrt(nx)) rows
// and however many columns cover the rest.
func GridSize(nx int) (rows, cols int) {
	rows = int(math.Ceil(math.Sqrt(float64(nx))))
	cols = int(math.Ceil(float64(nx) / float64(rows)))
	return rows, cols
}

// Tile lays the nx axis-0 slices of v out on the GridSize grid in
// row-major order. Each tile holds the slice's (z,y) plane with z
// mirrored, so that within a tile image rows run from the top of the
// anatomy down. Grid cells past the last slice stay zero. The layout
// is a pure function of the volume, bit-identical across calls.
func Tile(v *volume.Volume) *Sprite {
	nx, ny, nz := v.NX, v.NY, v.NZ
	nrows, ncols := GridSize(nx)

	s := &Sprite{
		W:     ncols * ny,
		H:     nrows * nz,
		NX:    nx,
		NY:    ny,
		NZ:    nz,
		NRows: nrows,
		NCols: ncols,
	}
	s.Data = make([]float64, s.W*s.H)

	for xx := 0; xx < nx; xx++ {
		row := xx / ncols
		col := xx % ncols
		for zz := 0; zz < nz; zz++ {
			base := (row*nz+zz)*s.W + col*ny
			for yy := 0; yy < ny; yy++ {
				s.Data[base+yy] = v.At(xx, yy, nz-1-zz)
			}
		}
	}
	return s
}

// ApplyMask marks sub-threshold pixels transparent. A zero threshold
// masks pixels equal to zero; any other value masks pixels strictly
// inside (-threshold, +threshold). Masking runs on the assembled
// sprite, so unused grid cells are masked too. A nil threshold clears
// the mask.
func (s *Sprite) ApplyMask(threshold *float64) {
	if threshold == nil {
		s.Mask = nil
		return
	}
	t := *threshold
	mask := make([]bool, len(s.Data))
	if t == 0 {
		for i, v := range s.Data {
			mask[i] = v == 0
		}
	} else {
		for i, v := range s.Data {
			mask[i] = v > -t && v < t
		}
	}
	s.Mask = mask
}

// At returns the sprite value at pixel (px,py).
func (s *Sprite) At(px, py int) float64 {
	return s.Data[py*s.W+px]
}

// PixelAt returns the sprite pixel holding voxel (x,y,z).
func (s *Sprite) PixelAt(x, y, z int) (px, py int) {
	row := x / s.NCols
	col := x % s.NCols
	return col*s.NY + y, row*s.NZ + (s.NZ - 1 - z)
}
