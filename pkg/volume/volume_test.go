package volume

import (
	"errors"
	"math"
	"testing"
)

func TestNewShapeHandling(t *testing.T) {
	data := make([]float64, 3*4*5)

	tests := []struct {
		name      string
		dims      []int
		wantShape bool
		wantErr   bool
	}{
		{name: "plain3D", dims: []int{3, 4, 5}},
		{name: "4DSingleVolume", dims: []int{3, 4, 5, 1}},
		{name: "5DAllSingletons", dims: []int{3, 4, 5, 1, 1}},
		{name: "4DMultiVolume", dims: []int{3, 4, 5, 2}, wantShape: true, wantErr: true},
		{name: "2D", dims: []int{3, 4}, wantShape: true, wantErr: true},
		{name: "zeroExtent", dims: []int{3, 0, 5}, wantShape: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := data
			if tt.wantErr {
				d = nil
			}
			v, err := New(d, tt.dims, Identity())
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for dims %v", tt.dims)
				}
				var shapeErr *ShapeError
				if tt.wantShape && !errors.As(err, &shapeErr) {
					t.Fatalf("expected ShapeError, got %T: %v", err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if v.NX != 3 || v.NY != 4 || v.NZ != 5 {
				t.Fatalf("expected shape 3x4x5, got %dx%dx%d", v.NX, v.NY, v.NZ)
			}
		})
	}

	t.Run("lengthMismatch", func(t *testing.T) {
		if _, err := New(make([]float64, 7), []int{3, 4, 5}, Identity()); err == nil {
			t.Fatal("expected error for mismatched data length")
		}
	})
}

func TestAtSetAtLayout(t *testing.T) {
	v := NewZero(2, 3, 4, Identity())
	v.SetAt(1, 2, 3, 42)
	if got := v.Data[(1*3+2)*4+3]; got != 42 {
		t.Fatalf("expected x-major layout, Data[%d]=%v", (1*3+2)*4+3, got)
	}
	if got := v.At(1, 2, 3); got != 42 {
		t.Fatalf("At(1,2,3) = %v, want 42", got)
	}
}

func TestMinMaxSkipsNaN(t *testing.T) {
	v := NewZero(2, 2, 1, Identity())
	copy(v.Data, []float64{math.NaN(), -3, 7, math.NaN()})

	lo, hi := v.MinMax()
	if lo != -3 || hi != 7 {
		t.Fatalf("MinMax = (%v, %v), want (-3, 7)", lo, hi)
	}
}

func TestSumDetectsNonFinite(t *testing.T) {
	v := NewZero(2, 1, 1, Identity())
	v.Data[0] = math.NaN()
	if !math.IsNaN(v.Sum()) {
		t.Fatalf("expected NaN sum, got %v", v.Sum())
	}
}

func TestZeroFillNonFinite(t *testing.T) {
	v := NewZero(2, 2, 1, Identity())
	copy(v.Data, []float64{math.NaN(), math.Inf(1), math.Inf(-1), 5})

	if n := v.ZeroFillNonFinite(); n != 3 {
		t.Fatalf("expected 3 substitutions, got %d", n)
	}
	want := []float64{0, 0, 0, 5}
	for i, w := range want {
		if v.Data[i] != w {
			t.Fatalf("Data[%d] = %v, want %v", i, v.Data[i], w)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	v := NewZero(1, 1, 2, Identity())
	v.Data[0] = 1

	c := v.Clone()
	c.Data[0] = 9
	if v.Data[0] != 1 {
		t.Fatalf("clone shares backing array")
	}
}
