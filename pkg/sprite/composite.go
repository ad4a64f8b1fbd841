package sprite

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/neurosprite/server/pkg/colormap"
	"github.com/neurosprite/server/pkg/volume"
)

// Dimming factors applied to a background when the caller asks for
// automatic dimming: dark canvases take the stronger factor.
const (
	autoDimDark  = 0.8
	autoDimLight = 0.6
)

// CompositeState tracks the compositor's progress through its stages.
type CompositeState int

const (
	StateInit CompositeState = iota
	StateBackgroundResolved
	StateBackgroundResampled
	StateOverlayResampled
	StateBothEncoded
	StateDone
)

func (s CompositeState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateBackgroundResolved:
		return "background_resolved"
	case StateBackgroundResampled:
		return "background_resampled"
	case StateOverlayResampled:
		return "overlay_resampled"
	case StateBothEncoded:
		return "both_encoded"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// BackgroundSpec configures the compositor's background layer.
type BackgroundSpec struct {
	// Volume is the anatomical background; nil synthesizes a zero
	// background on the overlay's grid.
	Volume *volume.Volume
	// BlackBG forces the canvas darkness; nil guesses from the
	// background intensities (median above the midrange means a light
	// canvas).
	BlackBG *bool
	// Dim scales background dimming; nil applies the automatic
	// factor, zero disables dimming.
	Dim *float64
}

// StatMapPayload packages both encoded layers of a stat-map view. The
// overlay is the primary artifact; the rest are side products.
type StatMapPayload struct {
	Overlay        []byte
	Background     []byte
	ColormapStrip  []byte
	OverlayMeta    Metadata
	BackgroundMeta Metadata
	BlackBG        bool
}

// Compositor drives the two-layer stat-map pipeline: background
// resolved and resampled to isotropic voxels, overlay resampled onto
// the background's exact grid, then both encoded independently. A
// Compositor is single use.
type Compositor struct {
	state    CompositeState
	stat     *volume.Volume
	bg       BackgroundSpec
	params   RenderParams
	colorbar bool

	bgVol        *volume.Volume
	blackBG      bool
	bgMin, bgMax float64
}

// NewCompositor stages a stat-map composite. params configures the
// overlay layer only: the background always encodes grayscale at full
// opacity with no threshold.
func NewCompositor(stat *volume.Volume, bg BackgroundSpec, params RenderParams, colorbar bool) *Compositor {
	return &Compositor{state: StateInit, stat: stat, bg: bg, params: params, colorbar: colorbar}
}

// State reports the stage the compositor has reached.
func (c *Compositor) State() CompositeState {
	return c.state
}

// Run drives the pipeline to completion.
func (c *Compositor) Run() (*StatMapPayload, error) {
	if c.state != StateInit {
		return nil, fmt.Errorf("compositor already ran (state %s)", c.state)
	}
	if c.stat == nil {
		return nil, errors.New("nil stat-map volume")
	}

	c.resolveBackground()
	if err := c.resampleBackground(); err != nil {
		return nil, fmt.Errorf("resample background: %w", err)
	}
	if err := c.alignOverlay(); err != nil {
		return nil, fmt.Errorf("resample stat map: %w", err)
	}
	payload, err := c.encodeBoth()
	if err != nil {
		return nil, err
	}
	c.state = StateDone
	return payload, nil
}

// resolveBackground accepts the provided background and derives the
// canvas darkness flag and the displayed background range, or records
// that a zero background must be synthesized later.
func (c *Compositor) resolveBackground() {
	if c.bg.Volume == nil {
		c.blackBG = false
		c.bgMin, c.bgMax = 0, 0
		c.state = StateBackgroundResolved
		return
	}

	bg := c.bg.Volume
	vmin, vmax := bg.MinMax()
	if math.IsNaN(vmin) {
		vmin, vmax = 0, 0
	}

	black := false
	if c.bg.BlackBG != nil {
		black = *c.bg.BlackBG
	} else {
		// A median below the midrange means the scan is mostly dark.
		black = medianOf(bg.Data) <= 0.5*(vmin+vmax)
	}

	dim := autoDimLight
	if black {
		dim = autoDimDark
	}
	if c.bg.Dim != nil {
		dim = *c.bg.Dim
	}
	if dim != 0 {
		// Dimming narrows the displayed range toward the canvas:
		// stretch vmax on dark canvases, vmin on light ones.
		vmean := 0.5 * (vmin + vmax)
		ptp := 0.5 * (vmax - vmin)
		if black {
			vmax = vmean + (1+dim)*ptp
		} else {
			vmin = vmean - (1+dim)*ptp
		}
	}

	c.bgVol = bg
	c.blackBG = black
	c.bgMin, c.bgMax = vmin, vmax
	c.state = StateBackgroundResolved
}

func (c *Compositor) resampleBackground() error {
	if c.bgVol != nil {
		rb, err := volume.Resample(c.bgVol, c.params.Interpolation)
		if err != nil {
			return err
		}
		c.bgVol = rb
	}
	c.state = StateBackgroundResampled
	return nil
}

// alignOverlay resamples the stat map onto the background's exact grid
// so the two sprites are pixel-aligned. Without a background the stat
// map goes to isotropic spacing on its own and the zero background is
// synthesized on the result's grid.
func (c *Compositor) alignOverlay() error {
	if c.bgVol != nil {
		rs, err := volume.ResampleToGrid(c.stat, c.bgVol, c.params.Interpolation)
		if err != nil {
			return err
		}
		c.stat = rs
	} else {
		rs, err := volume.Resample(c.stat, c.params.Interpolation)
		if err != nil {
			return err
		}
		c.stat = rs
		c.bgVol = volume.NewZero(rs.NX, rs.NY, rs.NZ, rs.Affine)
	}
	c.state = StateOverlayResampled
	return nil
}

func (c *Compositor) encodeBoth() (*StatMapPayload, error) {
	bgParams := RenderParams{
		VMin:     &c.bgMin,
		VMax:     &c.bgMax,
		Colormap: colormap.Gray,
		Format:   FormatJPEG,
	}
	bgRes, err := Build(c.bgVol, bgParams, false)
	if err != nil {
		return nil, fmt.Errorf("encode background: %w", err)
	}

	ovParams := c.params
	ovParams.Resample = false // already aligned
	ovParams.Format = FormatPNG
	if ovParams.Colormap == nil {
		ovParams.Colormap = colormap.ColdHot
	}
	ovRes, err := Build(c.stat, ovParams, c.colorbar)
	if err != nil {
		return nil, fmt.Errorf("encode overlay: %w", err)
	}
	c.state = StateBothEncoded

	return &StatMapPayload{
		Overlay:        ovRes.Sprite,
		Background:     bgRes.Sprite,
		ColormapStrip:  ovRes.ColormapStrip,
		OverlayMeta:    ovRes.Meta,
		BackgroundMeta: bgRes.Meta,
		BlackBG:        c.blackBG,
	}, nil
}

// Composite runs a fresh Compositor to completion.
func Composite(stat *volume.Volume, bg BackgroundSpec, params RenderParams, colorbar bool) (*StatMapPayload, error) {
	return NewCompositor(stat, bg, params, colorbar).Run()
}

func medianOf(data []float64) float64 {
	vals := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(v) {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	return stat.Quantile(0.5, stat.Empirical, vals, nil)
}
