// Package service provides orchestration between the HTTP layer and the
// sprite pipeline: template resolution, volume loading, caching, and
// render execution.
package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/neurosprite/server/internal/cache"
	"github.com/neurosprite/server/internal/data/nifti"
	"github.com/neurosprite/server/internal/jobstore"
	"github.com/neurosprite/server/pkg/colormap"
	"github.com/neurosprite/server/pkg/sprite"
	"github.com/neurosprite/server/pkg/viewer"
	"github.com/neurosprite/server/pkg/volume"
)

// ErrVolumeTooLarge is returned when a synchronous render request
// exceeds the configured voxel limit; such volumes must go through the
// job queue.
var ErrVolumeTooLarge = errors.New("volume exceeds the synchronous render limit")

// ErrUnknownSource is returned when a volume reference names a template
// that is not registered.
var ErrUnknownSource = errors.New("unknown volume source")

// ErrInvalidParams marks render parameter validation failures.
var ErrInvalidParams = errors.New("invalid render params")

var errEmptyRef = errors.New("empty volume reference")

// VolumeRef identifies the volume a request operates on. Exactly one
// field is set: raw NIfTI bytes from an upload, a path relative to the
// configured volume directory, or a registered template ID.
type VolumeRef struct {
	Data     []byte
	Path     string
	Template string
}

// IsZero reports whether the reference names nothing.
func (r VolumeRef) IsZero() bool {
	return len(r.Data) == 0 && r.Path == "" && r.Template == ""
}

// SpritePayload is the encoded result of a sprite build. Byte fields
// marshal to base64 in JSON responses.
type SpritePayload struct {
	Sprite        []byte          `json:"sprite"`
	ColormapStrip []byte          `json:"colormap_strip,omitempty"`
	Metadata      json.RawMessage `json:"metadata"`
	Format        string          `json:"format"`
}

// StatMapResult is the encoded result of a stat-map composite: the
// overlay is the primary payload, the background and both metadata
// documents ride along with the viewer params document.
type StatMapResult struct {
	Overlay        []byte          `json:"overlay"`
	Background     []byte          `json:"background"`
	ColormapStrip  []byte          `json:"colormap_strip,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	BackgroundMeta json.RawMessage `json:"background_meta"`
	BlackBG        bool            `json:"black_bg"`
	Viewer         viewer.Params   `json:"params"`
}

// SpriteServiceConfig contains sprite service configuration.
type SpriteServiceConfig struct {
	Templates     *TemplateRegistry
	Cache         *cache.Manager
	VolumeDir     string
	MaxSyncVoxels int

	DefaultColormap string
	DefaultFormat   string
	DefaultNColors  int
	DefaultSampling string
}

// SpriteService orchestrates volume loading, caching, and rendering for
// the HTTP layer and the job manager.
type SpriteService struct {
	templates *TemplateRegistry
	cache     *cache.Manager

	volumeDir     string
	maxSyncVoxels int

	defaultColormap string
	defaultFormat   string
	defaultNColors  int
	defaultSampling string
}

// NewSpriteService creates a new sprite service.
func NewSpriteService(cfg SpriteServiceConfig) *SpriteService {
	s := &SpriteService{
		templates:       cfg.Templates,
		cache:           cfg.Cache,
		volumeDir:       cfg.VolumeDir,
		maxSyncVoxels:   cfg.MaxSyncVoxels,
		defaultColormap: cfg.DefaultColormap,
		defaultFormat:   cfg.DefaultFormat,
		defaultNColors:  cfg.DefaultNColors,
		defaultSampling: cfg.DefaultSampling,
	}
	if s.templates == nil {
		s.templates = NewTemplateRegistry("", "")
	}
	if s.defaultColormap == "" {
		s.defaultColormap = "cold_hot"
	}
	if s.defaultFormat == "" {
		s.defaultFormat = string(sprite.FormatPNG)
	}
	if s.defaultNColors <= 0 {
		s.defaultNColors = sprite.DefaultNColors
	}
	if s.defaultSampling == "" {
		s.defaultSampling = "nearest"
	}
	return s
}

// Templates returns the template registry.
func (s *SpriteService) Templates() *TemplateRegistry {
	return s.templates
}

// MaxSyncVoxels returns the synchronous render limit; zero disables it.
func (s *SpriteService) MaxSyncVoxels() int {
	return s.maxSyncVoxels
}

// RefFromSource converts a job source string into a VolumeRef: the
// literal "default" for the default template, an explicit "template:"
// prefix, a bare registered template ID, or otherwise a path under the
// volume directory.
func (s *SpriteService) RefFromSource(source string) (VolumeRef, error) {
	switch {
	case source == "":
		return VolumeRef{}, errEmptyRef
	case source == "default":
		id := s.templates.DefaultTemplateID()
		if id == "" {
			return VolumeRef{}, fmt.Errorf("%w: no templates registered", ErrUnknownSource)
		}
		return VolumeRef{Template: id}, nil
	case strings.HasPrefix(source, "template:"):
		id := strings.TrimPrefix(source, "template:")
		if !s.templates.Has(id) {
			return VolumeRef{}, fmt.Errorf("%w: template %q", ErrUnknownSource, id)
		}
		return VolumeRef{Template: id}, nil
	case s.templates.Has(source):
		return VolumeRef{Template: source}, nil
	default:
		return VolumeRef{Path: source}, nil
	}
}

// BuildSprite renders a single-volume sprite synchronously, serving
// repeats from the payload cache. The boolean reports a cache hit.
func (s *SpriteService) BuildSprite(ref VolumeRef, p jobstore.RenderJobParams) (*SpritePayload, bool, error) {
	params, err := s.renderParams(p)
	if err != nil {
		return nil, false, err
	}

	id, err := s.refIdentity(ref)
	if err != nil {
		return nil, false, err
	}
	key := cache.SpriteKey(id, paramsKey(p))
	if data, ok := s.cache.GetSprite(key); ok {
		var payload SpritePayload
		if err := json.Unmarshal(data, &payload); err == nil {
			return &payload, true, nil
		}
	}

	if err := s.checkSyncLimitRef(ref); err != nil {
		return nil, false, err
	}
	vol, err := s.loadRef(ref)
	if err != nil {
		return nil, false, err
	}
	if err := s.checkSyncLimit(vol); err != nil {
		return nil, false, err
	}

	res, err := sprite.Build(vol, params, p.Colorbar)
	if err != nil {
		return nil, false, err
	}
	payload, err := spritePayload(res, params)
	if err != nil {
		return nil, false, err
	}

	if data, err := json.Marshal(payload); err == nil {
		_ = s.cache.SetSprite(key, data)
	}
	return payload, false, nil
}

// ComposeStatMap renders a stat map over an optional background
// synchronously, serving repeats from the payload cache. A zero bgRef
// composites against a zero-filled canvas on the stat map's grid.
func (s *SpriteService) ComposeStatMap(statRef, bgRef VolumeRef, p jobstore.RenderJobParams) (*StatMapResult, bool, error) {
	params, err := s.renderParams(p)
	if err != nil {
		return nil, false, err
	}

	statID, err := s.refIdentity(statRef)
	if err != nil {
		return nil, false, err
	}
	bgID := "none"
	if !bgRef.IsZero() {
		bgID, err = s.refIdentity(bgRef)
		if err != nil {
			return nil, false, err
		}
	}
	key := cache.StatMapKey(statID, bgID, paramsKey(p))
	if data, ok := s.cache.GetSprite(key); ok {
		var result StatMapResult
		if err := json.Unmarshal(data, &result); err == nil {
			return &result, true, nil
		}
	}

	if err := s.checkSyncLimitRef(statRef); err != nil {
		return nil, false, err
	}
	stat, err := s.loadRef(statRef)
	if err != nil {
		return nil, false, err
	}
	if err := s.checkSyncLimit(stat); err != nil {
		return nil, false, err
	}

	if !bgRef.IsZero() {
		if err := s.checkSyncLimitRef(bgRef); err != nil {
			return nil, false, err
		}
	}
	spec, err := s.backgroundSpec(bgRef, p)
	if err != nil {
		return nil, false, err
	}
	if spec.Volume != nil {
		if err := s.checkSyncLimit(spec.Volume); err != nil {
			return nil, false, err
		}
	}

	payload, err := sprite.Composite(stat, spec, params, p.Colorbar)
	if err != nil {
		return nil, false, err
	}
	result, err := s.statMapResult(payload, p)
	if err != nil {
		return nil, false, err
	}

	if data, err := json.Marshal(result); err == nil {
		_ = s.cache.SetSprite(key, data)
	}
	return result, false, nil
}

// ProgressFunc receives coarse progress updates during job execution.
type ProgressFunc func(phase string, done, total int)

// ValidateRenderParams checks job params without touching any volume,
// so bad submissions can be rejected before they are queued.
func (s *SpriteService) ValidateRenderParams(p jobstore.RenderJobParams) error {
	switch p.Kind {
	case jobstore.KindSprite, jobstore.KindStatMap:
	default:
		return fmt.Errorf("%w: unknown job kind %q", ErrInvalidParams, p.Kind)
	}
	_, err := s.renderParams(p)
	return err
}

// ExecuteRenderJob runs a queued render to completion. The synchronous
// voxel limit does not apply here; ctx is honored between pipeline
// stages.
func (s *SpriteService) ExecuteRenderJob(ctx context.Context, p jobstore.RenderJobParams, report ProgressFunc) (*jobstore.Result, error) {
	if report == nil {
		report = func(string, int, int) {}
	}
	const total = 3

	switch p.Kind {
	case jobstore.KindSprite, jobstore.KindStatMap:
	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", ErrInvalidParams, p.Kind)
	}

	params, err := s.renderParams(p)
	if err != nil {
		return nil, err
	}

	report("load", 0, total)
	ref, err := s.RefFromSource(p.Source)
	if err != nil {
		return nil, err
	}
	vol, err := s.loadRef(ref)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch p.Kind {
	case jobstore.KindSprite:
		report("render", 1, total)
		res, err := sprite.Build(vol, params, p.Colorbar)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		report("finalize", 2, total)
		metaJSON, err := res.Meta.JSON()
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		report("done", total, total)
		return &jobstore.Result{
			Sprite:        res.Sprite,
			ColormapStrip: res.ColormapStrip,
			MetadataJSON:  metaJSON,
		}, nil

	case jobstore.KindStatMap:
		var bgRef VolumeRef
		if p.Background != "" {
			bgRef, err = s.RefFromSource(p.Background)
			if err != nil {
				return nil, err
			}
		}
		spec, err := s.backgroundSpec(bgRef, p)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		report("render", 1, total)
		payload, err := sprite.Composite(vol, spec, params, p.Colorbar)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		report("finalize", 2, total)
		metaJSON, err := payload.OverlayMeta.JSON()
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		bgMetaJSON, err := payload.BackgroundMeta.JSON()
		if err != nil {
			return nil, fmt.Errorf("failed to encode background metadata: %w", err)
		}
		report("done", total, total)
		return &jobstore.Result{
			Sprite:             payload.Overlay,
			Background:         payload.Background,
			ColormapStrip:      payload.ColormapStrip,
			MetadataJSON:       metaJSON,
			BackgroundMetaJSON: bgMetaJSON,
			BlackBG:            payload.BlackBG,
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown job kind %q", ErrInvalidParams, p.Kind)
}

// ViewerParams assembles the display-property document front ends feed
// to the sprite viewer, with canvas colors matched to the background
// darkness.
func (s *SpriteService) ViewerParams(p jobstore.RenderJobParams, blackBG bool) viewer.Params {
	vp := viewer.ForCanvas(blackBG)
	vp.NBColors = p.NColors
	if vp.NBColors <= 0 {
		vp.NBColors = s.defaultNColors
	}
	vp.Colorbar = p.Colorbar
	if p.Opacity != nil {
		vp.Opacity = *p.Opacity
	}
	return vp
}

// renderParams converts wire params into pipeline params, filling in
// configured defaults and validating names.
func (s *SpriteService) renderParams(p jobstore.RenderJobParams) (sprite.RenderParams, error) {
	name := p.Colormap
	if name == "" {
		name = s.defaultColormap
	}
	cm, err := colormap.Get(name)
	if err != nil {
		return sprite.RenderParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	threshold := sprite.NoThreshold()
	if p.Threshold != "" {
		threshold, err = sprite.ParseThreshold(p.Threshold)
		if err != nil {
			return sprite.RenderParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}

	name = p.Format
	if name == "" {
		name = s.defaultFormat
	}
	format, err := sprite.ParseFormat(name)
	if err != nil {
		return sprite.RenderParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	name = p.Sampling
	if name == "" {
		name = s.defaultSampling
	}
	interp, err := volume.ParseInterpolation(name)
	if err != nil {
		return sprite.RenderParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	nColors := p.NColors
	if nColors <= 0 {
		nColors = s.defaultNColors
	}

	return sprite.RenderParams{
		VMin:          p.VMin,
		VMax:          p.VMax,
		Threshold:     threshold,
		Colormap:      cm,
		NColors:       nColors,
		Format:        format,
		Resample:      p.Resample,
		Interpolation: interp,
	}, nil
}

// backgroundSpec loads the background reference, if any, and applies
// the canvas conventions: named anatomical templates render on a light
// canvas unless the caller says otherwise.
func (s *SpriteService) backgroundSpec(bgRef VolumeRef, p jobstore.RenderJobParams) (sprite.BackgroundSpec, error) {
	spec := sprite.BackgroundSpec{BlackBG: p.BlackBG, Dim: p.Dim}
	if bgRef.IsZero() {
		return spec, nil
	}

	bg, err := s.loadRef(bgRef)
	if err != nil {
		return spec, fmt.Errorf("failed to load background: %w", err)
	}
	spec.Volume = bg
	if bgRef.Template != "" && spec.BlackBG == nil {
		blackBG := false
		spec.BlackBG = &blackBG
	}
	return spec, nil
}

// loadRef loads the referenced volume. File-backed references go
// through the volume LRU; uploads decode every time and rely on the
// payload cache to absorb repeats.
func (s *SpriteService) loadRef(ref VolumeRef) (*volume.Volume, error) {
	switch {
	case len(ref.Data) > 0:
		v, err := nifti.DecodeAuto(bytes.NewReader(ref.Data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode uploaded volume: %w", err)
		}
		return v, nil
	case ref.Template != "":
		path, ok := s.templates.Resolve(ref.Template)
		if !ok {
			return nil, fmt.Errorf("%w: template %q", ErrUnknownSource, ref.Template)
		}
		return s.loadFile(path)
	case ref.Path != "":
		path, err := s.resolvePath(ref.Path)
		if err != nil {
			return nil, err
		}
		return s.loadFile(path)
	}
	return nil, errEmptyRef
}

func (s *SpriteService) loadFile(path string) (*volume.Volume, error) {
	key := cache.VolumeKey(fileStamp(path))
	if v, ok := s.cache.GetVolume(key); ok {
		return v, nil
	}
	v, err := nifti.Load(path)
	if err != nil {
		return nil, err
	}
	s.cache.SetVolume(key, v)
	return v, nil
}

// refIdentity returns a stable identity string for cache keys without
// decoding the volume.
func (s *SpriteService) refIdentity(ref VolumeRef) (string, error) {
	switch {
	case len(ref.Data) > 0:
		sum := sha256.Sum256(ref.Data)
		return "upload:" + hex.EncodeToString(sum[:16]), nil
	case ref.Template != "":
		path, ok := s.templates.Resolve(ref.Template)
		if !ok {
			return "", fmt.Errorf("%w: template %q", ErrUnknownSource, ref.Template)
		}
		return "template:" + fileStamp(path), nil
	case ref.Path != "":
		path, err := s.resolvePath(ref.Path)
		if err != nil {
			return "", err
		}
		return "path:" + fileStamp(path), nil
	}
	return "", errEmptyRef
}

// resolvePath joins a request path onto the volume directory, rejecting
// absolute paths and traversal out of it.
func (s *SpriteService) resolvePath(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute paths are not allowed", ErrInvalidParams)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes the volume directory", ErrInvalidParams)
	}
	return filepath.Join(s.volumeDir, clean), nil
}

func (s *SpriteService) checkSyncLimit(v *volume.Volume) error {
	if s.maxSyncVoxels > 0 && v.NumVoxels() > s.maxSyncVoxels {
		return fmt.Errorf("%w: %d voxels (limit %d)", ErrVolumeTooLarge, v.NumVoxels(), s.maxSyncVoxels)
	}
	return nil
}

// checkSyncLimitRef rejects oversized file-backed volumes from the
// NIfTI header alone, before any voxel data is decoded. Uploads skip
// the peek; checkSyncLimit covers them after decoding.
func (s *SpriteService) checkSyncLimitRef(ref VolumeRef) error {
	if s.maxSyncVoxels <= 0 {
		return nil
	}
	var path string
	switch {
	case ref.Template != "":
		p, ok := s.templates.Resolve(ref.Template)
		if !ok {
			return fmt.Errorf("%w: template %q", ErrUnknownSource, ref.Template)
		}
		path = p
	case ref.Path != "":
		p, err := s.resolvePath(ref.Path)
		if err != nil {
			return err
		}
		path = p
	default:
		return nil
	}
	hdr, err := nifti.LoadHeader(path)
	if err != nil {
		return err
	}
	if n := hdr.NumVoxels(); n > s.maxSyncVoxels {
		return fmt.Errorf("%w: %d voxels (limit %d)", ErrVolumeTooLarge, n, s.maxSyncVoxels)
	}
	return nil
}

func (s *SpriteService) statMapResult(payload *sprite.StatMapPayload, p jobstore.RenderJobParams) (*StatMapResult, error) {
	metaJSON, err := payload.OverlayMeta.JSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	bgMetaJSON, err := payload.BackgroundMeta.JSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode background metadata: %w", err)
	}
	return &StatMapResult{
		Overlay:        payload.Overlay,
		Background:     payload.Background,
		ColormapStrip:  payload.ColormapStrip,
		Metadata:       metaJSON,
		BackgroundMeta: bgMetaJSON,
		BlackBG:        payload.BlackBG,
		Viewer:         s.ViewerParams(p, payload.BlackBG),
	}, nil
}

func spritePayload(res *sprite.BuildResult, params sprite.RenderParams) (*SpritePayload, error) {
	metaJSON, err := res.Meta.JSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return &SpritePayload{
		Sprite:        res.Sprite,
		ColormapStrip: res.ColormapStrip,
		Metadata:      metaJSON,
		Format:        string(params.Format),
	}, nil
}

// paramsKey canonicalizes wire params for cache keys.
func paramsKey(p jobstore.RenderJobParams) string {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("%+v", p)
	}
	return string(b)
}

// fileStamp couples a path with its size and mtime so cached entries
// refresh when the file changes on disk.
func fileStamp(path string) string {
	if fi, err := os.Stat(path); err == nil {
		return fmt.Sprintf("%s|%d|%d", path, fi.Size(), fi.ModTime().UnixNano())
	}
	return path
}
