// Package volume defines the 3D scalar volume model consumed by the
// sprite pipeline: a flat float64 array with axis extents and a 4x4
// affine mapping voxel indices to world coordinates.
package volume

import (
	"fmt"
	"math"
)

// ShapeError reports input data that cannot be reduced to exactly three
// spatial dimensions.
type ShapeError struct {
	Dims []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("volume must be 3-dimensional (or 4D with a single volume), got shape %v", e.Dims)
}

// Volume is a 3D scalar field stored x-major: the value at voxel
// (x,y,z) lives at Data[(x*NY+y)*NZ+z].
type Volume struct {
	NX, NY, NZ int
	Data       []float64
	Affine     Affine
}

// New validates dims against data and builds a Volume. Trailing
// singleton dimensions beyond the third are squeezed, so a 4D array
// holding a single volume is accepted; a 4D array with more than one
// volume fails with a ShapeError.
func New(data []float64, dims []int, affine Affine) (*Volume, error) {
	squeezed := make([]int, len(dims))
	copy(squeezed, dims)
	for len(squeezed) > 3 && squeezed[len(squeezed)-1] == 1 {
		squeezed = squeezed[:len(squeezed)-1]
	}
	if len(squeezed) != 3 {
		return nil, &ShapeError{Dims: dims}
	}
	nx, ny, nz := squeezed[0], squeezed[1], squeezed[2]
	if nx < 1 || ny < 1 || nz < 1 {
		return nil, &ShapeError{Dims: dims}
	}
	if len(data) != nx*ny*nz {
		return nil, fmt.Errorf("data length %d does not match shape %dx%dx%d", len(data), nx, ny, nz)
	}
	return &Volume{NX: nx, NY: ny, NZ: nz, Data: data, Affine: affine}, nil
}

// NewZero returns an all-zero volume with the given extents and affine.
func NewZero(nx, ny, nz int, affine Affine) *Volume {
	return &Volume{NX: nx, NY: ny, NZ: nz, Data: make([]float64, nx*ny*nz), Affine: affine}
}

// Index returns the flat offset of voxel (x,y,z).
func (v *Volume) Index(x, y, z int) int {
	return (x*v.NY+y)*v.NZ + z
}

// At returns the value at voxel (x,y,z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[(x*v.NY+y)*v.NZ+z]
}

// SetAt stores val at voxel (x,y,z).
func (v *Volume) SetAt(x, y, z int, val float64) {
	v.Data[(x*v.NY+y)*v.NZ+z] = val
}

// NumVoxels returns the total voxel count.
func (v *Volume) NumVoxels() int {
	return v.NX * v.NY * v.NZ
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return &Volume{NX: v.NX, NY: v.NY, NZ: v.NZ, Data: data, Affine: v.Affine}
}

// Sum returns the plain sum of all voxels, NaN and Inf included. A
// non-finite sum is how the pipeline detects non-finite voxels.
func (v *Volume) Sum() float64 {
	var s float64
	for _, val := range v.Data {
		s += val
	}
	return s
}

// MinMax returns the NaN-safe minimum and maximum of the data. NaNs
// are skipped; if no comparable value remains both results are NaN.
func (v *Volume) MinMax() (float64, float64) {
	lo, hi := math.NaN(), math.NaN()
	for _, val := range v.Data {
		if math.IsNaN(val) {
			continue
		}
		if math.IsNaN(lo) || val < lo {
			lo = val
		}
		if math.IsNaN(hi) || val > hi {
			hi = val
		}
	}
	return lo, hi
}

// ZeroFillNonFinite replaces every NaN and Inf voxel with zero in
// place and reports how many voxels were substituted.
func (v *Volume) ZeroFillNonFinite() int {
	n := 0
	for i, val := range v.Data {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			v.Data[i] = 0
			n++
		}
	}
	return n
}
