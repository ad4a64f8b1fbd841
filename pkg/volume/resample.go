package volume

import (
	"fmt"
	"math"
)

// Interpolation selects the sampling kernel used when regridding.
type Interpolation int

const (
	// Nearest snaps each target voxel to the closest source voxel.
	Nearest Interpolation = iota
	// Linear samples with trilinear interpolation.
	Linear
)

// ParseInterpolation maps wire names to an Interpolation. The empty
// string defaults to nearest; "continuous" is accepted as an alias for
// linear.
func ParseInterpolation(s string) (Interpolation, error) {
	switch s {
	case "", "nearest":
		return Nearest, nil
	case "linear", "continuous":
		return Linear, nil
	}
	return 0, fmt.Errorf("unknown interpolation %q", s)
}

func (i Interpolation) String() string {
	if i == Nearest {
		return "nearest"
	}
	return "linear"
}

// Resample regrids v onto an isotropic grid whose voxel size is the
// minimum absolute singular value of the affine's linear part. The
// axes keep their world orientation; only the spacing changes. The
// output grid spans the axis-aligned world bounding box of the input
// grid, and its affine is diag(s,s,s,1) translated to the box corner.
func Resample(v *Volume, interp Interpolation) (*Volume, error) {
	spacing, err := v.Affine.MinSpacing()
	if err != nil {
		return nil, err
	}
	if spacing <= 0 || math.IsNaN(spacing) {
		return nil, fmt.Errorf("degenerate affine: voxel spacing %v", spacing)
	}

	lo, hi := worldBounds(v)
	nx := spanVoxels(hi[0]-lo[0], spacing)
	ny := spanVoxels(hi[1]-lo[1], spacing)
	nz := spanVoxels(hi[2]-lo[2], spacing)
	target := Scaled(spacing).WithTranslation(lo[0], lo[1], lo[2])

	return resampleOnto(v, nx, ny, nz, target, interp)
}

// ResampleToGrid regrids v onto the exact grid (extents and affine) of
// ref so the two volumes become voxel-aligned.
func ResampleToGrid(v, ref *Volume, interp Interpolation) (*Volume, error) {
	return resampleOnto(v, ref.NX, ref.NY, ref.NZ, ref.Affine, interp)
}

func resampleOnto(v *Volume, nx, ny, nz int, target Affine, interp Interpolation) (*Volume, error) {
	inv, err := v.Affine.Inverse()
	if err != nil {
		return nil, err
	}
	// Target voxel -> world -> source voxel, folded into one transform.
	voxmap := inv.Mul(target)

	out := NewZero(nx, ny, nz, target)
	idx := 0
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				sx, sy, sz := voxmap.Apply(float64(x), float64(y), float64(z))
				if interp == Nearest {
					out.Data[idx] = sampleNearest(v, sx, sy, sz)
				} else {
					out.Data[idx] = sampleLinear(v, sx, sy, sz)
				}
				idx++
			}
		}
	}
	return out, nil
}

// worldBounds returns the world-space bounding box of the grid's voxel
// centers, taken over the eight corner voxels.
func worldBounds(v *Volume) ([3]float64, [3]float64) {
	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for _, cx := range []float64{0, float64(v.NX - 1)} {
		for _, cy := range []float64{0, float64(v.NY - 1)} {
			for _, cz := range []float64{0, float64(v.NZ - 1)} {
				wx, wy, wz := v.Affine.Apply(cx, cy, cz)
				for i, w := range [3]float64{wx, wy, wz} {
					if w < lo[i] {
						lo[i] = w
					}
					if w > hi[i] {
						hi[i] = w
					}
				}
			}
		}
	}
	return lo, hi
}

// spanVoxels returns the number of voxels of the given spacing needed
// to cover a world-space span, inclusive of both end voxels.
func spanVoxels(span, spacing float64) int {
	if span <= 0 {
		return 1
	}
	return int(math.Ceil(span/spacing-1e-9)) + 1
}

func sampleNearest(v *Volume, x, y, z float64) float64 {
	xi := int(math.Round(x))
	yi := int(math.Round(y))
	zi := int(math.Round(z))
	if xi < 0 || xi >= v.NX || yi < 0 || yi >= v.NY || zi < 0 || zi >= v.NZ {
		return 0
	}
	return v.At(xi, yi, zi)
}

func sampleLinear(v *Volume, x, y, z float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	z0 := int(math.Floor(z))
	fx := x - float64(x0)
	fy := y - float64(y0)
	fz := z - float64(z0)

	var acc float64
	for dx := 0; dx <= 1; dx++ {
		wx := 1 - fx
		if dx == 1 {
			wx = fx
		}
		if wx == 0 {
			continue
		}
		for dy := 0; dy <= 1; dy++ {
			wy := 1 - fy
			if dy == 1 {
				wy = fy
			}
			if wy == 0 {
				continue
			}
			for dz := 0; dz <= 1; dz++ {
				wz := 1 - fz
				if dz == 1 {
					wz = fz
				}
				if wz == 0 {
					continue
				}
				xi, yi, zi := x0+dx, y0+dy, z0+dz
				if xi < 0 || xi >= v.NX || yi < 0 || yi >= v.NY || zi < 0 || zi >= v.NZ {
					continue // outside samples read as zero
				}
				acc += wx * wy * wz * v.At(xi, yi, zi)
			}
		}
	}
	return acc
}
