// Package nifti reads NIfTI-1 volumes from .nii and .nii.gz files.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/neurosprite/server/pkg/volume"
)

const (
	// headerSize is the fixed NIfTI-1 header length; voxel data in a
	// single-file .nii starts no earlier than dataOffsetMin.
	headerSize    = 348
	dataOffsetMin = 352
)

// Datatype codes from the NIfTI-1 standard.
const (
	typeUint8   = 2
	typeInt16   = 4
	typeInt32   = 8
	typeFloat32 = 16
	typeFloat64 = 64
	typeInt8    = 256
	typeUint16  = 512
	typeUint32  = 768
)

// header mirrors the 348-byte NIfTI-1 header layout so it can be read
// with a single binary.Read.
type header struct {
	SizeOfHdr     int32
	DataTypeOld   [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Load reads a NIfTI-1 volume from disk. Gzip compression is detected
// from the stream itself, so both .nii and .nii.gz work regardless of
// the file name.
func Load(path string) (*volume.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open nifti file: %w", err)
	}
	defer f.Close()

	v, err := DecodeAuto(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return v, nil
}

// Header summarizes a NIfTI-1 file without its voxel data.
type Header struct {
	// Dims holds dim[1..dim[0]] from the file.
	Dims []int
	// Datatype is the NIfTI-1 datatype code.
	Datatype int16
	// Affine is the voxel-to-world transform.
	Affine volume.Affine
}

// NumVoxels returns the total sample count across all dimensions.
func (h *Header) NumVoxels() int {
	n := 1
	for _, d := range h.Dims {
		if d > 0 {
			n *= d
		}
	}
	return n
}

// LoadHeader reads only the header of a NIfTI-1 file, transparently
// unwrapping gzip. It lets callers size-check a volume before paying
// for the voxel decode.
func LoadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open nifti file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var src io.Reader = br
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(src, raw); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	h, _, err := parseHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	dims := make([]int, h.Dim[0])
	for i := range dims {
		dims[i] = int(h.Dim[i+1])
	}
	return &Header{Dims: dims, Datatype: h.Datatype, Affine: affineFromHeader(h)}, nil
}

// DecodeAuto decodes a NIfTI-1 volume from r, transparently
// unwrapping gzip streams. Useful for uploads where the payload may
// or may not be compressed.
func DecodeAuto(r io.Reader) (*volume.Volume, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	var src io.Reader = br
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	return Decode(src)
}

// Decode reads one uncompressed NIfTI-1 volume from r. Voxel values
// are converted to float64 with scl_slope/scl_inter applied, the data
// is reordered into the volume's x-major layout, and the affine is
// taken from the sform when set, the qform otherwise, falling back to
// a pixdim diagonal.
func Decode(r io.Reader) (*volume.Volume, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	h, order, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}

	dims := make([]int, h.Dim[0])
	for i := range dims {
		dims[i] = int(h.Dim[i+1])
	}
	shape := dims
	for len(shape) > 3 && shape[len(shape)-1] == 1 {
		shape = shape[:len(shape)-1]
	}
	if len(shape) != 3 {
		return nil, &volume.ShapeError{Dims: dims}
	}
	nx, ny, nz := shape[0], shape[1], shape[2]
	if nx < 1 || ny < 1 || nz < 1 {
		return nil, &volume.ShapeError{Dims: dims}
	}

	offset := int64(h.VoxOffset)
	if offset < dataOffsetMin {
		offset = dataOffsetMin
	}
	if skip := offset - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("failed to skip to voxel data at offset %d: %w", offset, err)
		}
	}

	size, err := bytesPerVoxel(h.Datatype)
	if err != nil {
		return nil, err
	}
	nvox := nx * ny * nz
	buf := make([]byte, nvox*size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read voxel data: %w", err)
	}

	data, err := decodeVoxels(buf, h.Datatype, order)
	if err != nil {
		return nil, err
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !math.IsNaN(slope) && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	// NIfTI stores x fastest; the volume layout wants z fastest.
	reordered := make([]float64, nvox)
	i := 0
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				reordered[(x*ny+y)*nz+z] = data[i]
				i++
			}
		}
	}

	return volume.New(reordered, shape, affineFromHeader(h))
}

// parseHeader decodes the fixed header, trying little endian first and
// falling back to big endian when dim[0] lands outside [1, 7].
func parseHeader(raw []byte) (*header, binary.ByteOrder, error) {
	var h header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, nil, fmt.Errorf("failed to parse header: %w", err)
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		h = header{}
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
			return nil, nil, fmt.Errorf("failed to parse header: %w", err)
		}
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return nil, nil, fmt.Errorf("dim[0] = %d outside [1, 7] in either byte order", h.Dim[0])
	}
	if h.SizeOfHdr != headerSize {
		return nil, nil, fmt.Errorf("header size %d, want %d", h.SizeOfHdr, headerSize)
	}
	switch {
	case bytes.Equal(h.Magic[:], []byte("n+1\x00")):
	case bytes.Equal(h.Magic[:], []byte("ni1\x00")):
		return nil, nil, fmt.Errorf("detached .hdr/.img pairs are not supported")
	default:
		return nil, nil, fmt.Errorf("bad magic %q, not a NIfTI-1 file", h.Magic)
	}
	return &h, order, nil
}

// affineFromHeader resolves the voxel-to-world transform: sform wins,
// then qform, then a plain pixdim scaling.
func affineFromHeader(h *header) volume.Affine {
	if h.SformCode > 0 {
		var a volume.Affine
		for j := 0; j < 4; j++ {
			a[0][j] = float64(h.SrowX[j])
			a[1][j] = float64(h.SrowY[j])
			a[2][j] = float64(h.SrowZ[j])
		}
		a[3] = [4]float64{0, 0, 0, 1}
		return a
	}
	if h.QformCode > 0 {
		return qformAffine(h)
	}
	a := volume.Identity()
	for i := 0; i < 3; i++ {
		if s := float64(h.Pixdim[i+1]); s != 0 {
			a[i][i] = s
		}
	}
	return a
}

// qformAffine reconstructs the rotation from the stored quaternion.
// pixdim[0] carries qfac, the sign of the z column.
func qformAffine(h *header) volume.Affine {
	b := float64(h.QuaternB)
	c := float64(h.QuaternC)
	d := float64(h.QuaternD)
	aa := 1 - b*b - c*c - d*d
	if aa < 0 {
		aa = 0
	}
	qa := math.Sqrt(aa)

	qfac := float64(h.Pixdim[0])
	if qfac == 0 {
		qfac = 1
	}
	scales := [3]float64{
		float64(h.Pixdim[1]),
		float64(h.Pixdim[2]),
		float64(h.Pixdim[3]) * qfac,
	}

	rot := [3][3]float64{
		{qa*qa + b*b - c*c - d*d, 2 * (b*c - qa*d), 2 * (b*d + qa*c)},
		{2 * (b*c + qa*d), qa*qa + c*c - b*b - d*d, 2 * (c*d - qa*b)},
		{2 * (b*d - qa*c), 2 * (c*d + qa*b), qa*qa + d*d - b*b - c*c},
	}

	var a volume.Affine
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			a[i][j] = rot[i][j] * scales[j]
		}
	}
	a[0][3] = float64(h.QoffsetX)
	a[1][3] = float64(h.QoffsetY)
	a[2][3] = float64(h.QoffsetZ)
	a[3][3] = 1
	return a
}

func bytesPerVoxel(datatype int16) (int, error) {
	switch datatype {
	case typeUint8, typeInt8:
		return 1, nil
	case typeInt16, typeUint16:
		return 2, nil
	case typeInt32, typeUint32, typeFloat32:
		return 4, nil
	case typeFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported nifti datatype code %d", datatype)
	}
}

func decodeVoxels(raw []byte, datatype int16, order binary.ByteOrder) ([]float64, error) {
	switch datatype {
	case typeUint8:
		out := make([]float64, len(raw))
		for i, b := range raw {
			out[i] = float64(b)
		}
		return out, nil
	case typeInt8:
		out := make([]float64, len(raw))
		for i, b := range raw {
			out[i] = float64(int8(b))
		}
		return out, nil
	case typeInt16:
		out := make([]float64, len(raw)/2)
		for i := range out {
			out[i] = float64(int16(order.Uint16(raw[i*2:])))
		}
		return out, nil
	case typeUint16:
		out := make([]float64, len(raw)/2)
		for i := range out {
			out[i] = float64(order.Uint16(raw[i*2:]))
		}
		return out, nil
	case typeInt32:
		out := make([]float64, len(raw)/4)
		for i := range out {
			out[i] = float64(int32(order.Uint32(raw[i*4:])))
		}
		return out, nil
	case typeUint32:
		out := make([]float64, len(raw)/4)
		for i := range out {
			out[i] = float64(order.Uint32(raw[i*4:]))
		}
		return out, nil
	case typeFloat32:
		out := make([]float64, len(raw)/4)
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(raw[i*4:])))
		}
		return out, nil
	case typeFloat64:
		out := make([]float64, len(raw)/8)
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(raw[i*8:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported nifti datatype code %d", datatype)
	}
}
