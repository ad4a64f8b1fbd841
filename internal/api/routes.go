// Package api provides HTTP handlers for the sprite server.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/neurosprite/server/internal/jobstore"
	"github.com/neurosprite/server/internal/preview"
	"github.com/neurosprite/server/internal/service"
	"github.com/neurosprite/server/pkg/colormap"
	"github.com/neurosprite/server/pkg/sprite"
	"github.com/neurosprite/server/pkg/viewer"
	"github.com/neurosprite/server/pkg/volume"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Service     *service.SpriteService
	JobManager  *JobManager
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/meta", metaHandler(cfg.Service))
		r.Get("/templates", templatesHandler(cfg.Service.Templates()))
		r.Get("/colormaps", colormapsHandler)
		// chi treats '.' as a param delimiter when the pattern is
		// `{name}.png`; register both and strip the extension in the
		// handler.
		r.Get("/colormaps/{name}.png", colormapStripHandler)
		r.Get("/colormaps/{name}", colormapStripHandler)

		r.Post("/sprites", spriteHandler(cfg.Service))
		r.Post("/views/statmap", statMapHandler(cfg.Service))
		r.Post("/previews", previewHandler(cfg.Service))

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobSubmitHandler(cfg.Service, cfg.JobManager))
			r.Get("/", jobListHandler(cfg.JobManager))
			r.Get("/{job_id}", jobStatusHandler(cfg.JobManager))
			r.Post("/{job_id}/cancel", jobCancelHandler(cfg.JobManager))
			r.Get("/{job_id}/result", jobResultHandler(cfg.Service, cfg.JobManager))
			r.Delete("/{job_id}", jobDeleteHandler(cfg.JobManager))
		})
	})

	return r
}

// maxBodyBytes caps request bodies; volume uploads ride inside JSON as
// base64.
const maxBodyBytes = 64 << 20 // 64 MiB

func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return err
	}
	if len(body) > maxBodyBytes {
		return errors.New("request body too large")
	}
	return json.Unmarshal(body, dst)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps pipeline errors onto HTTP statuses: bad params
// 400, malformed volumes 422, oversized synchronous renders 413,
// unknown templates and missing files 404, anything else 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var shapeErr *volume.ShapeError
	switch {
	case errors.Is(err, service.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &shapeErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrVolumeTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, service.ErrUnknownSource), errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		log.Printf("[API] %s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// renderRequest is the JSON body shared by the synchronous render
// endpoints and job submission. Inline uploads are only honored by the
// synchronous endpoints; jobs reference templates or server-side paths.
type renderRequest struct {
	Kind          string `json:"kind"`
	VolumeB64     string `json:"volume_b64"`
	StatB64       string `json:"stat_b64"`
	Source        string `json:"source"`
	BackgroundB64 string `json:"background_b64"`
	Background    string `json:"background"`

	VMin      *float64       `json:"vmin"`
	VMax      *float64       `json:"vmax"`
	Threshold string         `json:"threshold"`
	Colormap  string         `json:"colormap"`
	NColors   int            `json:"n_colors"`
	Format    string         `json:"format"`
	Resample  bool           `json:"resample"`
	Sampling  string         `json:"sampling"`
	Colorbar  *bool          `json:"colorbar"`
	BlackBG   *bool          `json:"black_bg"`
	Dim       *float64       `json:"dim"`
	Opacity   *float64       `json:"opacity"`
	Cursor    *viewer.Point3 `json:"cursor"`
}

// renderParams assembles the wire param document for the given kind.
// An absent colorbar flag defaults to on for stat maps only.
func (req *renderRequest) renderParams(kind string) jobstore.RenderJobParams {
	p := jobstore.RenderJobParams{
		Kind:       kind,
		Source:     req.Source,
		Background: req.Background,
		VMin:       req.VMin,
		VMax:       req.VMax,
		Threshold:  req.Threshold,
		Colormap:   req.Colormap,
		NColors:    req.NColors,
		Format:     req.Format,
		Resample:   req.Resample,
		Sampling:   req.Sampling,
		Colorbar:   kind == jobstore.KindStatMap,
		BlackBG:    req.BlackBG,
		Dim:        req.Dim,
		Opacity:    req.Opacity,
	}
	if req.Colorbar != nil {
		p.Colorbar = *req.Colorbar
	}
	return p
}

// decodeRef resolves an inline upload or a source string into a volume
// reference. At most one of the two may be set.
func decodeRef(svc *service.SpriteService, b64, source string) (service.VolumeRef, error) {
	if b64 != "" && source != "" {
		return service.VolumeRef{}, fmt.Errorf("%w: provide an inline volume or a source, not both", service.ErrInvalidParams)
	}
	if b64 != "" {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return service.VolumeRef{}, fmt.Errorf("%w: invalid base64 volume: %v", service.ErrInvalidParams, err)
		}
		return service.VolumeRef{Data: data}, nil
	}
	return svc.RefFromSource(source)
}

// statMapRefs resolves the stat and background references of a
// composite request. An empty background means none.
func statMapRefs(svc *service.SpriteService, req *renderRequest) (statRef, bgRef service.VolumeRef, err error) {
	if req.StatB64 == "" && req.Source == "" {
		return statRef, bgRef, fmt.Errorf("%w: stat_b64 or source is required", service.ErrInvalidParams)
	}
	statRef, err = decodeRef(svc, req.StatB64, req.Source)
	if err != nil {
		return statRef, bgRef, err
	}
	if req.BackgroundB64 != "" || req.Background != "" {
		bgRef, err = decodeRef(svc, req.BackgroundB64, req.Background)
	}
	return statRef, bgRef, err
}

func metaHandler(svc *service.SpriteService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reg := svc.Templates()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"title":            reg.Title(),
			"templates":        reg.TemplateIDs(),
			"default_template": reg.DefaultTemplateID(),
			"colormaps":        colormap.Names(),
			"limits": map[string]interface{}{
				"max_sync_voxels": svc.MaxSyncVoxels(),
			},
		})
	}
}

// templatesHandler returns the list of registered background templates.
func templatesHandler(reg *service.TemplateRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":   reg.DefaultTemplateID(),
			"templates": reg.Templates(),
		})
	}
}

func colormapsHandler(w http.ResponseWriter, r *http.Request) {
	names := colormap.Names()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"colormaps": names,
		"total":     len(names),
	})
}

// colormapStripHandler serves a horizontal strip of the named colormap
// sampled at n steps, for legend rendering.
func colormapStripHandler(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSuffix(chi.URLParam(r, "name"), ".png")
	cm, err := colormap.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	n := viewer.DefaultColorCount
	if nStr := r.URL.Query().Get("n"); nStr != "" {
		v, err := strconv.Atoi(nStr)
		if err != nil || v < 2 || v > 4096 {
			writeError(w, http.StatusBadRequest, "invalid n (expected 2..4096)")
			return
		}
		n = v
	}

	data, err := sprite.EncodeColormapStrip(cm, n, sprite.FormatPNG)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

type spriteResponse struct {
	*service.SpritePayload
	Cached    bool  `json:"cached"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

func spriteHandler(svc *service.SpriteService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req renderRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if req.VolumeB64 == "" && req.Source == "" {
			writeError(w, http.StatusBadRequest, "volume_b64 or source is required")
			return
		}

		ref, err := decodeRef(svc, req.VolumeB64, req.Source)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		start := time.Now()
		payload, cached, err := svc.BuildSprite(ref, req.renderParams(jobstore.KindSprite))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, spriteResponse{
			SpritePayload: payload,
			Cached:        cached,
			ElapsedMS:     time.Since(start).Milliseconds(),
		})
	}
}

type statMapResponse struct {
	*service.StatMapResult
	Cached    bool  `json:"cached"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

func statMapHandler(svc *service.SpriteService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req renderRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		statRef, bgRef, err := statMapRefs(svc, &req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		start := time.Now()
		result, cached, err := svc.ComposeStatMap(statRef, bgRef, req.renderParams(jobstore.KindStatMap))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, statMapResponse{
			StatMapResult: result,
			Cached:        cached,
			ElapsedMS:     time.Since(start).Milliseconds(),
		})
	}
}

// previewHandler composes a stat-map view and responds with a single
// flattened PNG: background, overlay, and crosshair at the requested
// cursor (volume center when absent).
func previewHandler(svc *service.SpriteService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req renderRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		statRef, bgRef, err := statMapRefs(svc, &req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		result, _, err := svc.ComposeStatMap(statRef, bgRef, req.renderParams(jobstore.KindStatMap))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		var meta sprite.Metadata
		if err := json.Unmarshal(result.Metadata, &meta); err != nil {
			log.Printf("[API] preview: bad overlay metadata: %v", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		params := result.Viewer
		params.Cursor = viewer.Point3{X: meta.NbSlice.X / 2, Y: meta.NbSlice.Y / 2, Z: meta.NbSlice.Z / 2}
		if req.Cursor != nil {
			params.Cursor = *req.Cursor
		}

		img, err := preview.Flatten(result.Background, result.Overlay, params, meta.NbSlice)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Write(img)
	}
}

// Render job handlers

func jobSubmitHandler(svc *service.SpriteService, jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			writeError(w, http.StatusNotImplemented, "job manager not configured")
			return
		}

		var req renderRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		// Validate required fields
		if req.VolumeB64 != "" || req.StatB64 != "" || req.BackgroundB64 != "" {
			writeError(w, http.StatusBadRequest, "jobs cannot carry inline uploads; use a template or a server-side path")
			return
		}
		if req.Source == "" {
			writeError(w, http.StatusBadRequest, "source is required")
			return
		}

		// Apply defaults
		kind := req.Kind
		if kind == "" {
			kind = jobstore.KindSprite
		}

		params := req.renderParams(kind)
		if err := svc.ValidateRenderParams(params); err != nil {
			writeServiceError(w, r, err)
			return
		}
		if _, err := svc.RefFromSource(params.Source); err != nil {
			writeServiceError(w, r, err)
			return
		}
		if params.Kind == jobstore.KindStatMap && params.Background != "" {
			if _, err := svc.RefFromSource(params.Background); err != nil {
				writeServiceError(w, r, err)
				return
			}
		}

		job, err := jm.Submit(params)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to submit job: "+err.Error())
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func jobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			writeError(w, http.StatusNotImplemented, "job manager not configured")
			return
		}

		jobs, err := jm.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list jobs: "+err.Error())
			return
		}
		if jobs == nil {
			jobs = []*jobstore.Job{}
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"jobs":  jobs,
			"total": len(jobs),
		})
	}
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			writeError(w, http.StatusNotImplemented, "job manager not configured")
			return
		}

		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}

		writeJSON(w, http.StatusOK, job)
	}
}

func jobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			writeError(w, http.StatusNotImplemented, "job manager not configured")
			return
		}

		jobID := chi.URLParam(r, "job_id")
		if jm.Get(jobID) == nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}

		cancelled := jm.Cancel(jobID)

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    jobID,
			"cancelled": cancelled,
		})
	}
}

type jobResultResponse struct {
	JobID          string          `json:"job_id"`
	Kind           string          `json:"kind"`
	Sprite         []byte          `json:"sprite"`
	Background     []byte          `json:"background,omitempty"`
	ColormapStrip  []byte          `json:"colormap_strip,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	BackgroundMeta json.RawMessage `json:"background_meta,omitempty"`
	BlackBG        bool            `json:"black_bg"`
	Viewer         *viewer.Params  `json:"params,omitempty"`
}

func jobResultHandler(svc *service.SpriteService, jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			writeError(w, http.StatusNotImplemented, "job manager not configured")
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if job.Status != jobstore.JobStatusCompleted {
			writeError(w, http.StatusBadRequest, "job not completed (status: "+string(job.Status)+")")
			return
		}

		res, err := jm.Result(jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load result: "+err.Error())
			return
		}
		if res == nil {
			writeError(w, http.StatusNotFound, "result not found")
			return
		}

		resp := jobResultResponse{
			JobID:         job.ID,
			Kind:          job.Kind,
			Sprite:        res.Sprite,
			ColormapStrip: res.ColormapStrip,
			Metadata:      json.RawMessage(res.MetadataJSON),
			BlackBG:       res.BlackBG,
		}
		if job.Kind == jobstore.KindStatMap {
			resp.Background = res.Background
			resp.BackgroundMeta = json.RawMessage(res.BackgroundMetaJSON)
			vp := svc.ViewerParams(job.Params, res.BlackBG)
			resp.Viewer = &vp
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func jobDeleteHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			writeError(w, http.StatusNotImplemented, "job manager not configured")
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if job.Status == jobstore.JobStatusQueued || job.Status == jobstore.JobStatusRunning {
			writeError(w, http.StatusConflict, "job is still active; cancel it first")
			return
		}

		if err := jm.Delete(jobID); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete job: "+err.Error())
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":  jobID,
			"deleted": true,
		})
	}
}
