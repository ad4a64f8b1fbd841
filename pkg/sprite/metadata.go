package sprite

import (
	"encoding/json"

	"github.com/neurosprite/server/pkg/volume"
)

// NbSlice holds the encoded volume's axis extents.
type NbSlice struct {
	X int `json:"X"`
	Y int `json:"Y"`
	Z int `json:"Z"`
}

// Metadata is the JSON sidecar describing a sprite: slice counts, the
// intensity range it was encoded with, and the volume's affine.
type Metadata struct {
	NbSlice NbSlice     `json:"nbSlice"`
	Min     float64     `json:"min"`
	Max     float64     `json:"max"`
	Affine  [][]float64 `json:"affine"`
}

// NewMetadata derives the sidecar from the (resampled) volume and the
// resolved intensity range.
func NewMetadata(v *volume.Volume, vmin, vmax float64) Metadata {
	return Metadata{
		NbSlice: NbSlice{X: v.NX, Y: v.NY, Z: v.NZ},
		Min:     vmin,
		Max:     vmax,
		Affine:  v.Affine.Rows(),
	}
}

// JSON marshals the sidecar.
func (m Metadata) JSON() ([]byte, error) {
	return json.Marshal(m)
}
