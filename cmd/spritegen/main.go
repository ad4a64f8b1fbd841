// Package main is the spritegen command line tool: the file-writing
// counterpart of the HTTP API. It renders a NIfTI volume into a sprite
// sheet plus sidecars, or composites a stat map over a background.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/neurosprite/server/internal/data/nifti"
	"github.com/neurosprite/server/internal/preview"
	"github.com/neurosprite/server/internal/service"
	"github.com/neurosprite/server/pkg/colormap"
	"github.com/neurosprite/server/pkg/sprite"
	"github.com/neurosprite/server/pkg/viewer"
	"github.com/neurosprite/server/pkg/volume"
)

func main() {
	in := flag.String("in", "", "Input NIfTI volume (.nii or .nii.gz)")
	out := flag.String("out", "", "Output stem (default: input file name without extension)")
	bg := flag.String("bg", "", "Background for stat-map mode: a NIfTI path or a template name")
	templateDir := flag.String("template-dir", "./data/templates", "Directory searched when -bg names a template")
	cmapName := flag.String("colormap", "", "Colormap name (default: greys, or cold_hot with -bg)")
	threshold := flag.String("threshold", "", "Mask voxels below this value; \"auto\" picks the 80th absolute-value percentile")
	vmin := flag.Float64("vmin", math.NaN(), "Lower intensity bound (default: data minimum)")
	vmax := flag.Float64("vmax", math.NaN(), "Upper intensity bound (default: data maximum)")
	nColors := flag.Int("ncolors", sprite.DefaultNColors, "Colormap strip sample count")
	format := flag.String("format", "png", "Sprite encoding, png or jpg (stat-map overlays are always png)")
	sampling := flag.String("sampling", "nearest", "Resampling kernel, nearest or linear")
	resample := flag.Bool("resample", false, "Regrid to isotropic spacing before tiling")
	colorbar := flag.Bool("colorbar", true, "Write the colormap strip to <stem>_cm.png")
	blackBG := flag.String("black-bg", "auto", "Dark canvas: auto, true or false")
	dim := flag.Float64("dim", math.NaN(), "Background dimming factor (default: auto, 0 disables)")
	withPreview := flag.Bool("preview", false, "Also write a flattened composite to <stem>_preview.png (needs -bg)")
	flag.Parse()

	if *in == "" {
		flag.Usage()
		os.Exit(1)
	}
	if *withPreview && *bg == "" {
		log.Fatalf("-preview needs a background; pass -bg")
	}

	params, err := renderParams(*cmapName, *threshold, *format, *sampling, *vmin, *vmax, *nColors, *resample)
	if err != nil {
		log.Fatalf("Invalid parameters: %v", err)
	}

	vol, err := nifti.Load(*in)
	if err != nil {
		log.Fatalf("Failed to load %s: %v", *in, err)
	}

	stem := *out
	if stem == "" {
		stem = defaultStem(*in)
	}

	if *bg == "" {
		buildSprite(vol, params, stem, *colorbar)
		return
	}
	buildStatMap(vol, params, stem, *bg, *templateDir, *colorbar, *blackBG, *dim, *withPreview)
}

// buildSprite writes the mosaic, the optional colormap strip and the
// JSON sidecar for a single volume.
func buildSprite(vol *volume.Volume, params sprite.RenderParams, stem string, colorbar bool) {
	spritePath := stem + params.Format.Extension()
	cmapPath := ""
	if colorbar {
		cmapPath = stem + "_cm.png"
	}
	jsonPath := stem + ".json"

	res, err := sprite.WriteFiles(vol, params, spritePath, cmapPath, jsonPath)
	if err != nil {
		log.Fatalf("Sprite build failed: %v", err)
	}

	rows, cols := sprite.GridSize(res.Shape.X)
	fmt.Printf("Wrote %s (%d slices on a %dx%d grid, intensity [%g, %g])\n",
		spritePath, res.Shape.X, rows, cols, res.Norm.VMin, res.Norm.VMax)
	if cmapPath != "" {
		fmt.Printf("Wrote %s\n", cmapPath)
	}
	fmt.Printf("Wrote %s\n", jsonPath)
}

// buildStatMap composites the stat map over the resolved background and
// writes overlay, background, strip and both sidecars.
func buildStatMap(stat *volume.Volume, params sprite.RenderParams, stem, bgArg, templateDir string, colorbar bool, blackBG string, dim float64, withPreview bool) {
	bgVol, bgPath, err := loadBackground(bgArg, templateDir)
	if err != nil {
		log.Fatalf("Failed to load background: %v", err)
	}
	log.Printf("Background: %s (%dx%dx%d voxels)", bgPath, bgVol.NX, bgVol.NY, bgVol.NZ)

	spec := sprite.BackgroundSpec{Volume: bgVol}
	switch blackBG {
	case "auto":
	case "true":
		t := true
		spec.BlackBG = &t
	case "false":
		f := false
		spec.BlackBG = &f
	default:
		log.Fatalf("Invalid -black-bg %q (expected auto, true or false)", blackBG)
	}
	if !math.IsNaN(dim) {
		spec.Dim = &dim
	}

	payload, err := sprite.Composite(stat, spec, params, colorbar)
	if err != nil {
		log.Fatalf("Stat-map composite failed: %v", err)
	}

	writeArtifact(stem+".png", payload.Overlay)
	writeArtifact(stem+"_bg.jpg", payload.Background)
	if colorbar {
		writeArtifact(stem+"_cm.png", payload.ColormapStrip)
	}
	writeMeta(stem+".json", payload.OverlayMeta)
	writeMeta(stem+"_bg.json", payload.BackgroundMeta)

	canvas := "light"
	if payload.BlackBG {
		canvas = "dark"
	}
	fmt.Printf("Canvas: %s\n", canvas)

	if withPreview {
		vp := viewer.ForCanvas(payload.BlackBG)
		grid := payload.OverlayMeta.NbSlice
		vp.Cursor = viewer.Point3{X: grid.X / 2, Y: grid.Y / 2, Z: grid.Z / 2}
		img, err := preview.Flatten(payload.Background, payload.Overlay, vp, grid)
		if err != nil {
			log.Fatalf("Preview render failed: %v", err)
		}
		writeArtifact(stem+"_preview.png", img)
	}
}

// renderParams assembles pipeline params from the flag values. Unset
// bounds stay nil so the normalizer derives them from the data, and a
// nil colormap picks the per-mode default downstream.
func renderParams(cmapName, threshold, format, sampling string, vmin, vmax float64, nColors int, resample bool) (sprite.RenderParams, error) {
	p := sprite.RenderParams{
		NColors:  nColors,
		Resample: resample,
	}

	if cmapName != "" {
		cm, err := colormap.Get(cmapName)
		if err != nil {
			return sprite.RenderParams{}, err
		}
		p.Colormap = cm
	}

	th, err := sprite.ParseThreshold(threshold)
	if err != nil {
		return sprite.RenderParams{}, err
	}
	p.Threshold = th

	f, err := sprite.ParseFormat(format)
	if err != nil {
		return sprite.RenderParams{}, err
	}
	p.Format = f

	interp, err := volume.ParseInterpolation(sampling)
	if err != nil {
		return sprite.RenderParams{}, err
	}
	p.Interpolation = interp

	if !math.IsNaN(vmin) {
		p.VMin = &vmin
	}
	if !math.IsNaN(vmax) {
		p.VMax = &vmax
	}
	return p, nil
}

// loadBackground resolves arg as a NIfTI path first and a template
// name second, so explicit files win over registry entries.
func loadBackground(arg, templateDir string) (*volume.Volume, string, error) {
	if _, err := os.Stat(arg); err == nil {
		vol, err := nifti.Load(arg)
		return vol, arg, err
	}

	reg, err := service.DiscoverTemplates(templateDir, arg, "")
	if err != nil {
		return nil, "", err
	}
	path, ok := reg.Resolve(arg)
	if !ok {
		return nil, "", fmt.Errorf("no file or template named %q (template dir %s)", arg, templateDir)
	}
	vol, err := nifti.Load(path)
	return vol, path, err
}

// defaultStem strips the NIfTI extension from the input name, so
// results land next to the working directory as <name>.png etc.
func defaultStem(path string) string {
	base := filepath.Base(path)
	lower := strings.ToLower(base)
	switch {
	case strings.HasSuffix(lower, ".nii.gz"):
		return base[:len(base)-len(".nii.gz")]
	case strings.HasSuffix(lower, ".nii"):
		return base[:len(base)-len(".nii")]
	}
	if ext := filepath.Ext(base); ext != "" {
		return strings.TrimSuffix(base, ext)
	}
	return base
}

func writeArtifact(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Fatalf("Failed to write %s: %v", path, err)
	}
	fmt.Printf("Wrote %s (%d bytes)\n", path, len(data))
}

func writeMeta(path string, meta sprite.Metadata) {
	doc, err := meta.JSON()
	if err != nil {
		log.Fatalf("Failed to encode %s: %v", path, err)
	}
	writeArtifact(path, doc)
}
