package volume

import (
	"math"
	"testing"
)

// rampVolume fills voxel (x,y,z) with 100x+10y+z so every voxel value
// identifies its coordinates.
func rampVolume(t *testing.T, nx, ny, nz int, affine Affine) *Volume {
	t.Helper()
	v := NewZero(nx, ny, nz, affine)
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				v.SetAt(x, y, z, float64(100*x+10*y+z))
			}
		}
	}
	return v
}

func TestResampleIdentityIsNoop(t *testing.T) {
	v := rampVolume(t, 4, 3, 2, Identity())

	out, err := Resample(v, Nearest)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	if out.NX != 4 || out.NY != 3 || out.NZ != 2 {
		t.Fatalf("shape changed: got %dx%dx%d", out.NX, out.NY, out.NZ)
	}
	if !out.Affine.AlmostEqual(Identity(), 1e-12) {
		t.Fatalf("affine changed: %v", out.Affine)
	}
	for i := range v.Data {
		if out.Data[i] != v.Data[i] {
			t.Fatalf("Data[%d] = %v, want %v", i, out.Data[i], v.Data[i])
		}
	}
}

func TestResampleAnisotropic(t *testing.T) {
	aniso := Affine{
		{1, 0, 0, 0},
		{0, 2, 0, 0},
		{0, 0, 3, 0},
		{0, 0, 0, 1},
	}
	v := rampVolume(t, 4, 3, 2, aniso)

	out, err := Resample(v, Nearest)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}

	// Spacing is min(1,2,3)=1; world spans are 3, 4 and 3, so the
	// covering grid is 4x5x4.
	if out.NX != 4 || out.NY != 5 || out.NZ != 4 {
		t.Fatalf("shape = %dx%dx%d, want 4x5x4", out.NX, out.NY, out.NZ)
	}
	if !out.Affine.AlmostEqual(Scaled(1), 1e-12) {
		t.Fatalf("affine = %v, want identity spacing", out.Affine)
	}

	// Even target y indices land exactly on source voxels.
	if got := out.At(2, 2, 3); got != v.At(2, 1, 1) {
		t.Fatalf("out(2,2,3) = %v, want %v", got, v.At(2, 1, 1))
	}
	if got := out.At(0, 4, 0); got != v.At(0, 2, 0) {
		t.Fatalf("out(0,4,0) = %v, want %v", got, v.At(0, 2, 0))
	}
}

func TestResamplePreservesFlippedAxis(t *testing.T) {
	flipped := Affine{
		{-1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	v := rampVolume(t, 3, 2, 2, flipped)

	out, err := Resample(v, Nearest)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	if out.NX != 3 || out.NY != 2 || out.NZ != 2 {
		t.Fatalf("shape = %dx%dx%d, want 3x2x2", out.NX, out.NY, out.NZ)
	}
	// The output grid runs along +x in world space, so its first slice
	// is the source's last.
	if got := out.At(0, 0, 0); got != v.At(2, 0, 0) {
		t.Fatalf("out(0,0,0) = %v, want %v", got, v.At(2, 0, 0))
	}
	if got := out.At(2, 1, 1); got != v.At(0, 1, 1) {
		t.Fatalf("out(2,1,1) = %v, want %v", got, v.At(0, 1, 1))
	}
}

func TestResampleToGridMatchesRef(t *testing.T) {
	stat := rampVolume(t, 5, 4, 3, Scaled(3))
	bg := NewZero(9, 8, 7, Scaled(2).WithTranslation(1, -2, 0.5))

	out, err := ResampleToGrid(stat, bg, Linear)
	if err != nil {
		t.Fatalf("ResampleToGrid failed: %v", err)
	}
	if out.NX != bg.NX || out.NY != bg.NY || out.NZ != bg.NZ {
		t.Fatalf("shape = %dx%dx%d, want %dx%dx%d", out.NX, out.NY, out.NZ, bg.NX, bg.NY, bg.NZ)
	}
	if !out.Affine.AlmostEqual(bg.Affine, 0) {
		t.Fatalf("affine = %v, want %v", out.Affine, bg.Affine)
	}
}

func TestResampleLinearMidpoint(t *testing.T) {
	src := NewZero(2, 1, 1, Identity())
	src.Data[1] = 10

	ref := NewZero(3, 1, 1, Scaled(0.5))
	out, err := ResampleToGrid(src, ref, Linear)
	if err != nil {
		t.Fatalf("ResampleToGrid failed: %v", err)
	}
	if got := out.At(1, 0, 0); math.Abs(got-5) > 1e-12 {
		t.Fatalf("midpoint = %v, want 5", got)
	}
}

func TestResampleOutOfGridReadsZero(t *testing.T) {
	src := NewZero(2, 2, 2, Identity())
	for i := range src.Data {
		src.Data[i] = 7
	}

	// Reference grid extends well past the source.
	ref := NewZero(4, 4, 4, Identity())
	out, err := ResampleToGrid(src, ref, Nearest)
	if err != nil {
		t.Fatalf("ResampleToGrid failed: %v", err)
	}
	if got := out.At(3, 3, 3); got != 0 {
		t.Fatalf("outside sample = %v, want 0", got)
	}
	if got := out.At(1, 1, 1); got != 7 {
		t.Fatalf("inside sample = %v, want 7", got)
	}
}

func TestParseInterpolation(t *testing.T) {
	tests := []struct {
		in      string
		want    Interpolation
		wantErr bool
	}{
		{in: "", want: Nearest},
		{in: "nearest", want: Nearest},
		{in: "linear", want: Linear},
		{in: "continuous", want: Linear},
		{in: "cubic", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseInterpolation(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseInterpolation(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseInterpolation(%q) failed: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseInterpolation(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
