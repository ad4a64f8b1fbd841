package volume

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Affine is a 4x4 homogeneous voxel-to-world transform in row-major
// order. The upper-left 3x3 block carries scaling and orientation, the
// last column the translation.
type Affine [4][4]float64

// Identity returns the identity transform.
func Identity() Affine {
	return Affine{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Scaled returns diag(s,s,s,1).
func Scaled(s float64) Affine {
	return Affine{
		{s, 0, 0, 0},
		{0, s, 0, 0},
		{0, 0, s, 0},
		{0, 0, 0, 1},
	}
}

// WithTranslation returns a copy of a with the translation column
// replaced by (tx,ty,tz).
func (a Affine) WithTranslation(tx, ty, tz float64) Affine {
	a[0][3] = tx
	a[1][3] = ty
	a[2][3] = tz
	return a
}

// Translation returns the translation column.
func (a Affine) Translation() (float64, float64, float64) {
	return a[0][3], a[1][3], a[2][3]
}

// Apply maps a voxel coordinate to world coordinates.
func (a Affine) Apply(x, y, z float64) (float64, float64, float64) {
	wx := a[0][0]*x + a[0][1]*y + a[0][2]*z + a[0][3]
	wy := a[1][0]*x + a[1][1]*y + a[1][2]*z + a[1][3]
	wz := a[2][0]*x + a[2][1]*y + a[2][2]*z + a[2][3]
	return wx, wy, wz
}

// Mul returns the composition a*b (apply b first, then a).
func (a Affine) Mul(b Affine) Affine {
	var out Affine
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += a[i][k] * b[k][j]
			}
			out[i][j] = s
		}
	}
	return out
}

// Inverse returns the inverse transform.
func (a Affine) Inverse() (Affine, error) {
	m := mat.NewDense(4, 4, a.flat())
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return Affine{}, fmt.Errorf("affine is not invertible: %w", err)
	}
	var out Affine
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = inv.At(i, j)
		}
	}
	return out, nil
}

// MinSpacing returns the minimum absolute singular value of the
// upper-left 3x3 block. This is the isotropic voxel size used when
// resampling a volume onto its own axes.
func (a Affine) MinSpacing() (float64, error) {
	linear := mat.NewDense(3, 3, []float64{
		a[0][0], a[0][1], a[0][2],
		a[1][0], a[1][1], a[1][2],
		a[2][0], a[2][1], a[2][2],
	})
	var svd mat.SVD
	if !svd.Factorize(linear, mat.SVDNone) {
		return 0, fmt.Errorf("affine SVD did not converge")
	}
	values := svd.Values(nil)
	spacing := math.Abs(values[0])
	for _, s := range values[1:] {
		if v := math.Abs(s); v < spacing {
			spacing = v
		}
	}
	return spacing, nil
}

// Rows returns the matrix as nested slices, the layout used by the
// metadata JSON sidecar.
func (a Affine) Rows() [][]float64 {
	rows := make([][]float64, 4)
	for i := 0; i < 4; i++ {
		rows[i] = []float64{a[i][0], a[i][1], a[i][2], a[i][3]}
	}
	return rows
}

// AlmostEqual reports whether every entry of a and b agrees within tol.
func (a Affine) AlmostEqual(b Affine, tol float64) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(a[i][j]-b[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

func (a Affine) flat() []float64 {
	out := make([]float64, 0, 16)
	for i := 0; i < 4; i++ {
		out = append(out, a[i][0], a[i][1], a[i][2], a[i][3])
	}
	return out
}
