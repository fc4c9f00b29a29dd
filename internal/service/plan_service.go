// Package service orchestrates implant plan construction and rendering.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/stereoplan/server/internal/atlas"
	"github.com/stereoplan/server/internal/cache"
	"github.com/stereoplan/server/internal/planstore"
	"github.com/stereoplan/server/internal/render"
	"github.com/stereoplan/server/pkg/stereotax"
)

// ErrLevelNotPlanned is returned when a montage is requested for a level the
// plan does not contain (a top montage without a vertical span).
var ErrLevelNotPlanned = errors.New("level not planned")

// Config contains plan service configuration.
type Config struct {
	Atlas    *atlas.Client
	Cache    *cache.Manager
	Renderer *render.Renderer
	Store    *planstore.Store
}

// PlanService builds implant plans against the remote atlas and renders
// annotated slice images for them.
type PlanService struct {
	atlas    *atlas.Client
	cache    *cache.Manager
	renderer *render.Renderer
	store    *planstore.Store
}

// New creates a new plan service.
func New(cfg Config) *PlanService {
	return &PlanService{
		atlas:    cfg.Atlas,
		cache:    cfg.Cache,
		renderer: cfg.Renderer,
		store:    cfg.Store,
	}
}

// QuerySlices returns the atlas slice set for a coordinate, served from the
// query cache when possible.
func (s *PlanService) QuerySlices(ctx context.Context, ml, ap, dv float64) (*atlas.SliceSet, error) {
	key := cache.SliceKey(ml, ap, dv)
	if data, ok := s.cache.GetQuery(key); ok {
		var ss atlas.SliceSet
		if err := json.Unmarshal(data, &ss); err == nil {
			return &ss, nil
		}
	}

	ss, err := s.atlas.Query(ctx, ml, ap, dv)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(ss); err == nil {
		s.cache.SetQuery(key, data)
	}
	return ss, nil
}

// fetchImage returns a decoded slice image, served from the image cache when
// possible.
func (s *PlanService) fetchImage(ctx context.Context, imageURL string) (image.Image, error) {
	key := cache.ImageKey(imageURL)
	if data, ok := s.cache.GetImage(key); ok {
		if img, err := atlas.Decode(data); err == nil {
			return img, nil
		}
	}

	data, err := s.atlas.FetchImageBytes(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetImage(key, data); err != nil {
		log.Printf("image cache store failed for %s: %v", imageURL, err)
	}
	return atlas.Decode(data)
}

// BuildPlan resolves the implant geometry, queries the atlas for every
// electrode site, persists the plan and returns it. Image downloads are
// deferred to montage rendering so that building a plan stays cheap.
func (s *PlanService) BuildPlan(ctx context.Context, imp stereotax.Implant, markerRadius float64) (*planstore.Plan, error) {
	if markerRadius <= 0 {
		markerRadius = s.renderer.MarkerRadius()
	}

	targets := stereotax.Resolve(imp)

	plan := &planstore.Plan{
		ID: uuid.NewString(),
		Params: planstore.PlanParams{
			AP:             imp.AP,
			ML:             imp.ML,
			DV:             imp.DV,
			AngleDeg:       imp.AngleDeg,
			SpanUM:         imp.SpanUM,
			SkullUM:        imp.SkullUM,
			VertSpanUM:     imp.VertSpanUM,
			MarkerRadiusPX: markerRadius,
		},
		CreatedAt: time.Now().UTC(),
	}

	if err := s.appendSites(ctx, plan, planstore.LevelBottom, targets.Bottom); err != nil {
		return nil, err
	}
	if targets.Top != nil {
		if err := s.appendSites(ctx, plan, planstore.LevelTop, *targets.Top); err != nil {
			return nil, err
		}
	}

	if s.store != nil {
		if err := s.store.CreatePlan(plan); err != nil {
			return nil, fmt.Errorf("failed to persist plan: %w", err)
		}
	}
	return plan, nil
}

func (s *PlanService) appendSites(ctx context.Context, plan *planstore.Plan, level planstore.Level, sites stereotax.Sites) error {
	for i, coord := range sites.Ordered() {
		name := stereotax.SiteNames[i]

		// The atlas API takes ML before AP.
		ss, err := s.QuerySlices(ctx, coord.ML, coord.AP, coord.DV)
		if err != nil {
			return fmt.Errorf("atlas query for %s %s site failed: %w", level, name, err)
		}

		plan.Sites = append(plan.Sites, planstore.PlanSite{
			Level:          level,
			Site:           name,
			AP:             coord.AP,
			ML:             coord.ML,
			DV:             coord.DV,
			CoronalLeft:    ss.Coronal.Left,
			CoronalTop:     ss.Coronal.Top,
			SagittalLeft:   ss.Sagittal.Left,
			SagittalTop:    ss.Sagittal.Top,
			HorizontalLeft: ss.Horizontal.Left,
			HorizontalTop:  ss.Horizontal.Top,
			CoronalURL:     ss.Coronal.ImageURL,
			SagittalURL:    ss.Sagittal.ImageURL,
			HorizontalURL:  ss.Horizontal.ImageURL,
		})
	}
	return nil
}

// Montage renders the 2x3 figure for one level of a plan: annotated coronal
// panels on top of annotated horizontal panels, one column per site. Failed
// image downloads degrade to placeholder panels.
func (s *PlanService) Montage(ctx context.Context, plan *planstore.Plan, level planstore.Level) ([]byte, error) {
	sites := plan.SitesAt(level)
	if len(sites) == 0 {
		return nil, ErrLevelNotPlanned
	}

	cacheKey := cache.MontageKey(plan.ID, string(level))
	if data, ok := s.cache.GetImage(cacheKey); ok {
		return data, nil
	}

	radius := plan.Params.MarkerRadiusPX
	if radius <= 0 {
		radius = s.renderer.MarkerRadius()
	}

	// Every horizontal panel carries all three site markers, matching how
	// the implant footprint is inspected from above.
	horizontalMarkers := make([]render.Marker, 0, len(sites))
	for _, site := range sites {
		horizontalMarkers = append(horizontalMarkers, render.Marker{
			X: site.HorizontalLeft, Y: site.HorizontalTop, Radius: radius,
		})
	}

	panels := make([]render.Panel, 0, 2*len(sites))
	for _, site := range sites {
		panel := render.Panel{Label: "coronal " + site.Site}
		if img, err := s.fetchImage(ctx, site.CoronalURL); err != nil {
			log.Printf("coronal image for %s %s site unavailable: %v", level, site.Site, err)
		} else {
			panel.Image = s.renderer.MarkPoints(img, []render.Marker{
				{X: site.CoronalLeft, Y: site.CoronalTop, Radius: radius},
			})
		}
		panels = append(panels, panel)
	}
	for _, site := range sites {
		panel := render.Panel{Label: "horizontal " + site.Site}
		if img, err := s.fetchImage(ctx, site.HorizontalURL); err != nil {
			log.Printf("horizontal image for %s %s site unavailable: %v", level, site.Site, err)
		} else {
			panel.Image = s.renderer.MarkPoints(img, horizontalMarkers)
		}
		panels = append(panels, panel)
	}

	title := fmt.Sprintf("%s electrode locations %g deg", level, plan.Params.AngleDeg)
	img := s.renderer.Montage(title, panels, len(sites))

	data, err := s.renderer.EncodePNG(img)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetImage(cacheKey, data); err != nil {
		log.Printf("montage cache store failed for plan %s: %v", plan.ID, err)
	}
	return data, nil
}

// SlicePNG returns a single annotated plane image for a coordinate. When the
// image download fails the marker position is still reported on a
// placeholder panel rather than failing the request.
func (s *PlanService) SlicePNG(ctx context.Context, plane string, ml, ap, dv, radius float64) ([]byte, error) {
	ss, err := s.QuerySlices(ctx, ml, ap, dv)
	if err != nil {
		return nil, err
	}

	var p atlas.Plane
	switch plane {
	case "coronal":
		p = ss.Coronal
	case "sagittal":
		p = ss.Sagittal
	case "horizontal":
		p = ss.Horizontal
	default:
		return nil, fmt.Errorf("unknown plane %q", plane)
	}

	if radius <= 0 {
		radius = s.renderer.MarkerRadius()
	}

	var annotated image.Image
	if img, err := s.fetchImage(ctx, p.ImageURL); err != nil {
		log.Printf("%s slice image unavailable: %v", plane, err)
		annotated = s.renderer.Placeholder(0, 0, "image unavailable")
	} else {
		annotated = s.renderer.MarkPoints(img, []render.Marker{
			{X: p.Left, Y: p.Top, Radius: radius},
		})
	}

	return s.renderer.EncodePNG(annotated)
}
