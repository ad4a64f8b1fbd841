package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/neurosprite/server/pkg/volume"
)

func baseHeader(dims ...int16) header {
	h := header{
		SizeOfHdr: headerSize,
		Datatype:  typeFloat32,
		Bitpix:    32,
		VoxOffset: dataOffsetMin,
		SclSlope:  1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim[0] = int16(len(dims))
	for i, d := range dims {
		h.Dim[i+1] = d
	}
	return h
}

// identitySform marks the sform as set with a unit voxel-to-world map.
func identitySform(h *header) {
	h.SformCode = 1
	h.SrowX = [4]float32{1, 0, 0, 0}
	h.SrowY = [4]float32{0, 1, 0, 0}
	h.SrowZ = [4]float32{0, 0, 1, 0}
}

// writeNIfTI serializes a header plus voxel values (in file order, x
// fastest) and writes them to path, optionally gzip-compressed.
func writeNIfTI(t *testing.T, path string, h header, values []float64, order binary.ByteOrder, compress bool) {
	t.Helper()

	var buf bytes.Buffer
	if err := binary.Write(&buf, order, &h); err != nil {
		t.Fatalf("write header: %v", err)
	}
	for buf.Len() < int(h.VoxOffset) {
		buf.WriteByte(0)
	}
	for _, v := range values {
		var err error
		switch h.Datatype {
		case typeFloat32:
			err = binary.Write(&buf, order, float32(v))
		case typeFloat64:
			err = binary.Write(&buf, order, v)
		case typeInt16:
			err = binary.Write(&buf, order, int16(v))
		case typeUint8:
			err = buf.WriteByte(uint8(v))
		default:
			t.Fatalf("test helper cannot encode datatype %d", h.Datatype)
		}
		if err != nil {
			t.Fatalf("write voxel: %v", err)
		}
	}

	out := buf.Bytes()
	if compress {
		var gzbuf bytes.Buffer
		gw := gzip.NewWriter(&gzbuf)
		if _, err := gw.Write(out); err != nil {
			t.Fatalf("gzip write: %v", err)
		}
		if err := gw.Close(); err != nil {
			t.Fatalf("gzip close: %v", err)
		}
		out = gzbuf.Bytes()
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// rampValues returns 100x+10y+z laid out in file order.
func rampValues(nx, ny, nz int) []float64 {
	values := make([]float64, 0, nx*ny*nz)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				values = append(values, float64(100*x+10*y+z))
			}
		}
	}
	return values
}

func checkRamp(t *testing.T, v *volume.Volume, nx, ny, nz int) {
	t.Helper()
	if v.NX != nx || v.NY != ny || v.NZ != nz {
		t.Fatalf("shape = (%d,%d,%d), want (%d,%d,%d)", v.NX, v.NY, v.NZ, nx, ny, nz)
	}
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				want := float64(100*x + 10*y + z)
				if got := v.At(x, y, z); got != want {
					t.Fatalf("v(%d,%d,%d) = %v, want %v", x, y, z, got, want)
				}
			}
		}
	}
}

func TestLoadFloat32(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ramp.nii")
	h := baseHeader(3, 2, 2)
	identitySform(&h)
	writeNIfTI(t, path, h, rampValues(3, 2, 2), binary.LittleEndian, false)

	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	checkRamp(t, v, 3, 2, 2)
	if !v.Affine.AlmostEqual(volume.Identity(), 1e-9) {
		t.Fatalf("affine = %v, want identity", v.Affine)
	}
}

func TestLoadBigEndian(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ramp_be.nii")
	h := baseHeader(3, 2, 2)
	identitySform(&h)
	writeNIfTI(t, path, h, rampValues(3, 2, 2), binary.BigEndian, false)

	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	checkRamp(t, v, 3, 2, 2)
}

func TestLoadGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ramp.nii.gz")
	h := baseHeader(3, 2, 2)
	identitySform(&h)
	writeNIfTI(t, path, h, rampValues(3, 2, 2), binary.LittleEndian, true)

	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	checkRamp(t, v, 3, 2, 2)
}

func TestLoadScaling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scaled.nii")
	h := baseHeader(2, 1, 1)
	identitySform(&h)
	h.Datatype = typeInt16
	h.Bitpix = 16
	h.SclSlope = 2
	h.SclInter = -1
	writeNIfTI(t, path, h, []float64{3, -4}, binary.LittleEndian, false)

	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := v.At(0, 0, 0); got != 5 {
		t.Fatalf("v(0,0,0) = %v, want 2*3-1 = 5", got)
	}
	if got := v.At(1, 0, 0); got != -9 {
		t.Fatalf("v(1,0,0) = %v, want 2*(-4)-1 = -9", got)
	}
}

func TestLoadUint8(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bytes.nii")
	h := baseHeader(2, 1, 1)
	identitySform(&h)
	h.Datatype = typeUint8
	h.Bitpix = 8
	writeNIfTI(t, path, h, []float64{0, 200}, binary.LittleEndian, false)

	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if v.At(0, 0, 0) != 0 || v.At(1, 0, 0) != 200 {
		t.Fatalf("values = %v, want [0 200]", v.Data)
	}
}

func TestAffinePrecedence(t *testing.T) {
	t.Run("sformWins", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sform.nii")
		h := baseHeader(1, 1, 1)
		h.SformCode = 1
		h.SrowX = [4]float32{2, 0, 0, 10}
		h.SrowY = [4]float32{0, 3, 0, 20}
		h.SrowZ = [4]float32{0, 0, 4, 30}
		h.QformCode = 1 // present but outranked
		h.Pixdim = [8]float32{1, 9, 9, 9}
		writeNIfTI(t, path, h, []float64{1}, binary.LittleEndian, false)

		v, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		want := volume.Affine{
			{2, 0, 0, 10},
			{0, 3, 0, 20},
			{0, 0, 4, 30},
			{0, 0, 0, 1},
		}
		if !v.Affine.AlmostEqual(want, 1e-6) {
			t.Fatalf("affine = %v, want %v", v.Affine, want)
		}
	})

	t.Run("qformIdentityQuaternion", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "qform.nii")
		h := baseHeader(1, 1, 1)
		h.QformCode = 1
		h.Pixdim = [8]float32{1, 2, 3, 4}
		h.QoffsetX, h.QoffsetY, h.QoffsetZ = -5, -6, -7
		writeNIfTI(t, path, h, []float64{1}, binary.LittleEndian, false)

		v, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		want := volume.Affine{
			{2, 0, 0, -5},
			{0, 3, 0, -6},
			{0, 0, 4, -7},
			{0, 0, 0, 1},
		}
		if !v.Affine.AlmostEqual(want, 1e-6) {
			t.Fatalf("affine = %v, want %v", v.Affine, want)
		}
	})

	t.Run("qformRotation", func(t *testing.T) {
		// Quaternion for a 90-degree rotation about z:
		// a = d = sqrt(2)/2, b = c = 0.
		path := filepath.Join(t.TempDir(), "qrot.nii")
		h := baseHeader(1, 1, 1)
		h.QformCode = 1
		h.QuaternD = float32(math.Sqrt2 / 2)
		h.Pixdim = [8]float32{1, 1, 1, 1}
		writeNIfTI(t, path, h, []float64{1}, binary.LittleEndian, false)

		v, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		want := volume.Affine{
			{0, -1, 0, 0},
			{1, 0, 0, 0},
			{0, 0, 1, 0},
			{0, 0, 0, 1},
		}
		if !v.Affine.AlmostEqual(want, 1e-6) {
			t.Fatalf("affine = %v, want %v", v.Affine, want)
		}
	})

	t.Run("pixdimFallback", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pixdim.nii")
		h := baseHeader(1, 1, 1)
		h.Pixdim = [8]float32{1, 2, 2, 2}
		writeNIfTI(t, path, h, []float64{1}, binary.LittleEndian, false)

		v, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if !v.Affine.AlmostEqual(volume.Scaled(2), 1e-6) {
			t.Fatalf("affine = %v, want diag(2,2,2,1)", v.Affine)
		}
	})
}

func TestLoad4D(t *testing.T) {
	t.Run("singleVolume", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "one.nii")
		h := baseHeader(3, 2, 2, 1)
		identitySform(&h)
		writeNIfTI(t, path, h, rampValues(3, 2, 2), binary.LittleEndian, false)

		v, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		checkRamp(t, v, 3, 2, 2)
	})

	t.Run("multiVolume", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "many.nii")
		h := baseHeader(2, 2, 2, 3)
		identitySform(&h)
		writeNIfTI(t, path, h, make([]float64, 24), binary.LittleEndian, false)

		_, err := Load(path)
		var shapeErr *volume.ShapeError
		if !errors.As(err, &shapeErr) {
			t.Fatalf("error = %v, want ShapeError", err)
		}
	})
}

func TestLoadHeader(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ramp.nii")
		h := baseHeader(3, 2, 2)
		identitySform(&h)
		writeNIfTI(t, path, h, rampValues(3, 2, 2), binary.LittleEndian, false)

		hdr, err := LoadHeader(path)
		if err != nil {
			t.Fatalf("LoadHeader failed: %v", err)
		}
		if len(hdr.Dims) != 3 || hdr.Dims[0] != 3 || hdr.Dims[1] != 2 || hdr.Dims[2] != 2 {
			t.Fatalf("dims = %v, want [3 2 2]", hdr.Dims)
		}
		if hdr.NumVoxels() != 12 {
			t.Fatalf("NumVoxels = %d, want 12", hdr.NumVoxels())
		}
		if hdr.Datatype != typeFloat32 {
			t.Fatalf("datatype = %d, want %d", hdr.Datatype, typeFloat32)
		}
		if !hdr.Affine.AlmostEqual(volume.Identity(), 1e-9) {
			t.Fatalf("affine = %v, want identity", hdr.Affine)
		}
	})

	t.Run("gzip4D", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "many.nii.gz")
		h := baseHeader(2, 2, 2, 3)
		identitySform(&h)
		writeNIfTI(t, path, h, make([]float64, 24), binary.LittleEndian, true)

		hdr, err := LoadHeader(path)
		if err != nil {
			t.Fatalf("LoadHeader failed: %v", err)
		}
		if hdr.NumVoxels() != 24 {
			t.Fatalf("NumVoxels = %d, want 24", hdr.NumVoxels())
		}
	})
}

func TestLoadRejectsBadFiles(t *testing.T) {
	t.Run("badMagic", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.nii")
		h := baseHeader(1, 1, 1)
		h.Magic = [4]byte{'x', 'y', 'z', 0}
		writeNIfTI(t, path, h, []float64{1}, binary.LittleEndian, false)

		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "magic") {
			t.Fatalf("error = %v, want bad magic", err)
		}
	})

	t.Run("detachedPair", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pair.nii")
		h := baseHeader(1, 1, 1)
		h.Magic = [4]byte{'n', 'i', '1', 0}
		writeNIfTI(t, path, h, []float64{1}, binary.LittleEndian, false)

		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "not supported") {
			t.Fatalf("error = %v, want unsupported pair", err)
		}
	})

	t.Run("unsupportedDatatype", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "complex.nii")
		h := baseHeader(1, 1, 1)
		identitySform(&h)
		h.Datatype = 32 // complex64, unsupported
		writeNIfTI(t, path, h, nil, binary.LittleEndian, false)

		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "datatype") {
			t.Fatalf("error = %v, want unsupported datatype", err)
		}
	})

	t.Run("truncatedData", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "short.nii")
		h := baseHeader(4, 4, 4)
		identitySform(&h)
		writeNIfTI(t, path, h, []float64{1, 2, 3}, binary.LittleEndian, false)

		if _, err := Load(path); err == nil {
			t.Fatal("expected error for truncated voxel data")
		}
	})

	t.Run("missingFile", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.nii")); err == nil {
			t.Fatal("expected error for missing file")
		}
	})
}
