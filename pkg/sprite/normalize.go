// Package sprite turns 3D volumes into 2D grid-of-slices mosaics with
// companion metadata, the payloads a slice viewer consumes.
package sprite

import (
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/neurosprite/server/pkg/volume"
)

// autoPercentile is the high absolute-value percentile behind the
// automatic threshold mode.
const autoPercentile = 80

// autoEpsilon is subtracted from the percentile so at least one voxel
// survives automatic thresholding.
const autoEpsilon = 1e-5

type thresholdMode int

const (
	thresholdNone thresholdMode = iota
	thresholdValue
	thresholdAuto
	thresholdPercent
)

// Threshold selects the masking rule applied before encoding: none, a
// fixed value, the automatic percentile mode, or a percentile of the
// absolute values.
type Threshold struct {
	mode  thresholdMode
	value float64
}

// NoThreshold disables masking.
func NoThreshold() Threshold {
	return Threshold{mode: thresholdNone}
}

// ThresholdValue masks at a fixed value.
func ThresholdValue(v float64) Threshold {
	return Threshold{mode: thresholdValue, value: v}
}

// ThresholdAuto masks just below the 80th percentile of absolute
// values.
func ThresholdAuto() Threshold {
	return Threshold{mode: thresholdAuto}
}

// ThresholdPercent masks at the given percentile of absolute values,
// with p in (0,100].
func ThresholdPercent(p float64) Threshold {
	return Threshold{mode: thresholdPercent, value: p}
}

// ParseThreshold parses the wire forms: "" or "none" (no masking),
// "auto", a percent string such as "25.3%", or a plain number.
func ParseThreshold(s string) (Threshold, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return NoThreshold(), nil
	case "auto":
		return ThresholdAuto(), nil
	}
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "%") {
		p, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return Threshold{}, fmt.Errorf("invalid percent threshold %q: %w", s, err)
		}
		if p <= 0 || p > 100 {
			return Threshold{}, fmt.Errorf("percent threshold %q out of range (0,100]", s)
		}
		return ThresholdPercent(p), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold %q: %w", s, err)
	}
	return ThresholdValue(v), nil
}

// Normalization is the resolved intensity mapping for one volume.
type Normalization struct {
	VMin, VMax float64
	// Threshold is nil when no masking applies.
	Threshold *float64
}

// Normalize resolves the intensity range and threshold for v. When the
// whole-volume sum is non-finite, non-finite voxels are zero-filled on
// a copy before any range or threshold is derived; the caller's data
// is never mutated. Explicit NaN bounds are discarded with a warning
// and fall back to the data's nan-safe range.
func Normalize(v *volume.Volume, params RenderParams) (*volume.Volume, Normalization) {
	if !isFinite(v.Sum()) {
		v = v.Clone()
		n := v.ZeroFillNonFinite()
		log.Printf("[sprite] replaced %d non-finite voxels with zero", n)
	}

	var th *float64
	switch params.Threshold.mode {
	case thresholdValue:
		t := params.Threshold.value
		th = &t
	case thresholdAuto:
		t := absPercentile(v.Data, autoPercentile) - autoEpsilon
		th = &t
	case thresholdPercent:
		t := absPercentile(v.Data, params.Threshold.value)
		th = &t
	}

	vmin, vmax := params.VMin, params.VMax
	warned := false
	if vmax != nil && math.IsNaN(*vmax) {
		vmax = nil
		warned = true
	}
	if vmin != nil && math.IsNaN(*vmin) {
		vmin = nil
		warned = true
	}
	if warned {
		log.Printf("[sprite] NaN is not permitted for vmin/vmax; falling back to the data range")
	}

	dataMin, dataMax := v.MinMax()
	norm := Normalization{VMin: dataMin, VMax: dataMax, Threshold: th}
	if vmin != nil {
		norm.VMin = *vmin
	}
	if vmax != nil {
		norm.VMax = *vmax
	}
	return v, norm
}

// absPercentile returns the pth percentile of |data| from the
// empirical inverse CDF.
func absPercentile(data []float64, p float64) float64 {
	abs := make([]float64, len(data))
	for i, v := range data {
		abs[i] = math.Abs(v)
	}
	sort.Float64s(abs)
	return stat.Quantile(p/100, stat.Empirical, abs, nil)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
