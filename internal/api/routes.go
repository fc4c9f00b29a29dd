// Package api provides HTTP handlers for the StereoPlan server.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/stereoplan/server/internal/archive"
	"github.com/stereoplan/server/internal/cache"
	"github.com/stereoplan/server/internal/planstore"
	"github.com/stereoplan/server/internal/service"
	"github.com/stereoplan/server/pkg/stereotax"
)

// Default implant geometry applied when a plan request omits fields.
const (
	defaultSpanUM       = 750.0
	defaultSkullUM      = 500.0
	defaultMarkerRadius = 5.0
	maxMarkerRadius     = 50.0
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Service     *service.PlanService
	Store       *planstore.Store
	Cache       *cache.Manager
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
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Cache statistics
	r.Get("/api/stats", statsHandler(cfg.Cache))

	// Raw atlas passthrough (cached)
	r.Get("/api/atlas/slice", sliceMetadataHandler(cfg.Service))
	r.Get("/atlas/slice/{plane}.png", slicePNGHandler(cfg.Service))

	// Plan endpoints
	r.Route("/api/plans", func(r chi.Router) {
		r.Post("/", planSubmitHandler(cfg.Service))
		r.Get("/", planListHandler(cfg.Store))
		r.Get("/{plan_id}", planGetHandler(cfg.Store))
		r.Delete("/{plan_id}", planDeleteHandler(cfg.Store))
	})

	// Rendered plan views
	r.Route("/plans/{plan_id}", func(r chi.Router) {
		r.Get("/montage/{level}.png", planMontageHandler(cfg.Service, cfg.Store))
		r.Get("/view", planViewHandler(cfg.Store))
		r.Get("/export.tar.zst", planExportHandler(cfg.Service, cfg.Store))
	})

	return r
}

func statsHandler(cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cm.Stats())
	}
}

// parseCoordParams extracts the required ml/ap/dv query parameters.
func parseCoordParams(query url.Values) (ml, ap, dv float64, err error) {
	parse := func(name string) (float64, error) {
		raw := strings.TrimSpace(query.Get(name))
		if raw == "" {
			return 0, fmt.Errorf("missing required query param: %s", name)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("invalid %s: %q", name, raw)
		}
		return v, nil
	}

	if ml, err = parse("ml"); err != nil {
		return
	}
	if ap, err = parse("ap"); err != nil {
		return
	}
	dv, err = parse("dv")
	return
}

func parseRadius(query url.Values) float64 {
	raw := strings.TrimSpace(query.Get("radius"))
	if raw == "" {
		return 0 // service falls back to the configured default
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	if v > maxMarkerRadius {
		v = maxMarkerRadius
	}
	return v
}

func sliceMetadataHandler(svc *service.PlanService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ml, ap, dv, err := parseCoordParams(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ss, err := svc.QuerySlices(r.Context(), ml, ap, dv)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ss)
	}
}

func slicePNGHandler(svc *service.PlanService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plane := strings.TrimSuffix(chi.URLParam(r, "plane"), ".png")
		switch plane {
		case "coronal", "sagittal", "horizontal":
		default:
			http.Error(w, "invalid plane (expected coronal, sagittal or horizontal)", http.StatusBadRequest)
			return
		}

		ml, ap, dv, err := parseCoordParams(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		radius := parseRadius(r.URL.Query())

		data, err := svc.SlicePNG(r.Context(), plane, ml, ap, dv, radius)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}

// Optional fields are pointers so an explicit zero (e.g. skull_um: 0) is
// distinguishable from an omitted field that should take the default.
type planSubmitRequest struct {
	AP             float64  `json:"ap"`
	ML             float64  `json:"ml"`
	DV             float64  `json:"dv"`
	AngleDeg       float64  `json:"angle_deg"`
	SpanUM         *float64 `json:"span_um"`
	SkullUM        *float64 `json:"skull_um"`
	VertSpanUM     *float64 `json:"vert_span_um"`
	MarkerRadiusPX *float64 `json:"marker_radius_px"`
}

func planSubmitHandler(svc *service.PlanService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req planSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		for name, v := range map[string]float64{
			"ap": req.AP, "ml": req.ML, "dv": req.DV, "angle_deg": req.AngleDeg,
		} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				http.Error(w, "invalid "+name, http.StatusBadRequest)
				return
			}
		}

		// Apply defaults
		span := defaultSpanUM
		if req.SpanUM != nil && *req.SpanUM > 0 {
			span = *req.SpanUM
		}
		skull := defaultSkullUM
		if req.SkullUM != nil && *req.SkullUM >= 0 {
			skull = *req.SkullUM
		}
		vertSpan := 0.0
		if req.VertSpanUM != nil && *req.VertSpanUM > 0 {
			vertSpan = *req.VertSpanUM
		}
		radius := defaultMarkerRadius
		if req.MarkerRadiusPX != nil && *req.MarkerRadiusPX > 0 {
			radius = *req.MarkerRadiusPX
		}
		if radius > maxMarkerRadius {
			radius = maxMarkerRadius
		}

		imp := stereotax.Implant{
			AP:         req.AP,
			ML:         req.ML,
			DV:         req.DV,
			AngleDeg:   req.AngleDeg,
			SpanUM:     span,
			SkullUM:    skull,
			VertSpanUM: vertSpan,
		}

		plan, err := svc.BuildPlan(r.Context(), imp, radius)
		if err != nil {
			http.Error(w, "failed to build plan: "+err.Error(), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(plan)
	}
}

func planListHandler(store *planstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
				limit = v
				if limit > 500 {
					limit = 500
				}
			}
		}

		plans, err := store.ListPlans(limit)
		if err != nil {
			http.Error(w, "failed to list plans: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"plans": plans,
			"total": len(plans),
		})
	}
}

// getPlan resolves the plan_id URL param, writing a 404 when absent.
func getPlan(w http.ResponseWriter, r *http.Request, store *planstore.Store) *planstore.Plan {
	planID := chi.URLParam(r, "plan_id")
	plan, err := store.GetPlan(planID)
	if err != nil {
		http.Error(w, "failed to load plan: "+err.Error(), http.StatusInternalServerError)
		return nil
	}
	if plan == nil {
		http.Error(w, "plan not found", http.StatusNotFound)
		return nil
	}
	return plan
}

func planGetHandler(store *planstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plan := getPlan(w, r, store)
		if plan == nil {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(plan)
	}
}

func planDeleteHandler(store *planstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plan := getPlan(w, r, store)
		if plan == nil {
			return
		}
		if err := store.DeletePlan(plan.ID); err != nil {
			http.Error(w, "failed to delete plan: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"plan_id": plan.ID,
			"deleted": true,
		})
	}
}

func planMontageHandler(svc *service.PlanService, store *planstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level := planstore.Level(chi.URLParam(r, "level"))
		if level != planstore.LevelBottom && level != planstore.LevelTop {
			http.Error(w, "invalid level (expected bottom or top)", http.StatusBadRequest)
			return
		}

		plan := getPlan(w, r, store)
		if plan == nil {
			return
		}

		data, err := svc.Montage(r.Context(), plan, level)
		if errors.Is(err, service.ErrLevelNotPlanned) {
			http.Error(w, "plan has no "+string(level)+" level", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "failed to render montage: "+err.Error(), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}

var planViewTemplate = template.Must(template.New("view").Parse(`<!DOCTYPE html>
<html>
<head><title>Implant plan {{.PlanID}}</title></head>
<body>
<h2>Implant plan {{.PlanID}}</h2>
<p>AP {{.Params.AP}} mm, ML {{.Params.ML}} mm, DV {{.Params.DV}} mm, angle {{.Params.AngleDeg}} deg</p>
<h3>Bottom electrode locations</h3>
<img src="/plans/{{.PlanID}}/montage/bottom.png" alt="bottom montage">
{{if .HasTop}}
<h3>Top electrode locations</h3>
<img src="/plans/{{.PlanID}}/montage/top.png" alt="top montage">
{{end}}
</body>
</html>
`))

// planViewHandler serves a minimal HTML page embedding the plan montages, so
// a notebook can display the plan inline with a single URL.
func planViewHandler(store *planstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plan := getPlan(w, r, store)
		if plan == nil {
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		planViewTemplate.Execute(w, struct {
			PlanID string
			Params planstore.PlanParams
			HasTop bool
		}{
			PlanID: plan.ID,
			Params: plan.Params,
			HasTop: plan.HasLevel(planstore.LevelTop),
		})
	}
}

func planExportHandler(svc *service.PlanService, store *planstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plan := getPlan(w, r, store)
		if plan == nil {
			return
		}

		files := make(map[string][]byte)
		for _, level := range []planstore.Level{planstore.LevelBottom, planstore.LevelTop} {
			data, err := svc.Montage(r.Context(), plan, level)
			if errors.Is(err, service.ErrLevelNotPlanned) {
				continue
			}
			if err != nil {
				http.Error(w, "failed to render montage: "+err.Error(), http.StatusBadGateway)
				return
			}
			files[fmt.Sprintf("montage_%s.png", level)] = data
		}

		manifest := map[string]interface{}{
			"plan":        plan,
			"exported_at": time.Now().UTC().Format(time.RFC3339),
		}

		var buf bytes.Buffer
		if err := archive.Export(&buf, manifest, files); err != nil {
			http.Error(w, "failed to build export: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/zstd")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", "plan_"+plan.ID+".tar.zst"))
		w.Write(buf.Bytes())
	}
}
