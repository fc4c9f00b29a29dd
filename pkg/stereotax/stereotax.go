// Package stereotax converts stereotaxic implant specifications into the
// per-site atlas coordinates that need to be queried and marked.
package stereotax

import "math"

// Coordinate is a stereotaxic position in millimeters relative to bregma.
// AP is anterior-posterior, ML is medial-lateral, DV is dorsal-ventral.
type Coordinate struct {
	AP float64 `json:"ap"`
	ML float64 `json:"ml"`
	DV float64 `json:"dv"`
}

// Implant describes a multi-site electrode implant. Positions are in
// millimeters, physical spans in microns, the angle in degrees.
type Implant struct {
	AP       float64 `json:"ap"`
	ML       float64 `json:"ml"`
	DV       float64 `json:"dv"`
	AngleDeg float64 `json:"angle_deg"`

	// SpanUM is the lateral distance between the outermost electrode sites.
	SpanUM float64 `json:"span_um"`
	// SkullUM is the skull thickness added to the target depth.
	SkullUM float64 `json:"skull_um"`
	// VertSpanUM is the vertical extent of the implant. Zero or negative
	// means the implant has no planned top level.
	VertSpanUM float64 `json:"vert_span_um"`
}

// HasVertSpan reports whether the implant defines a top level.
func (i Implant) HasVertSpan() bool {
	return i.VertSpanUM > 0 && !math.IsNaN(i.VertSpanUM)
}

// Sites holds the three electrode positions across the span at one depth.
type Sites struct {
	Left   Coordinate `json:"left"`
	Center Coordinate `json:"center"`
	Right  Coordinate `json:"right"`
}

// Targets holds the implant tip sites and, when a vertical span is given,
// the sites at the top of the implant.
type Targets struct {
	Bottom Sites  `json:"bottom"`
	Top    *Sites `json:"top,omitempty"`
}

func sind(deg float64) float64 { return math.Sin(deg * math.Pi / 180) }
func cosd(deg float64) float64 { return math.Cos(deg * math.Pi / 180) }

// Resolve computes the left/center/right electrode coordinates for an
// implant. At angle 0 the electrode row runs along ML; positive angles
// rotate the row so the right site moves toward negative AP.
func Resolve(imp Implant) Targets {
	spanMM := imp.SpanUM / 1000
	skullMM := imp.SkullUM / 1000

	dAP := sind(-imp.AngleDeg) * spanMM / 2
	dML := cosd(-imp.AngleDeg) * spanMM / 2

	depth := imp.DV + skullMM
	bottom := Sites{
		Left:   Coordinate{AP: imp.AP - dAP, ML: imp.ML - dML, DV: depth},
		Center: Coordinate{AP: imp.AP, ML: imp.ML, DV: depth},
		Right:  Coordinate{AP: imp.AP + dAP, ML: imp.ML + dML, DV: depth},
	}

	targets := Targets{Bottom: bottom}
	if imp.HasVertSpan() {
		vertMM := imp.VertSpanUM / 1000
		top := bottom
		top.Left.DV -= vertMM
		top.Center.DV -= vertMM
		top.Right.DV -= vertMM
		targets.Top = &top
	}
	return targets
}

// Ordered returns the sites in left, center, right order.
func (s Sites) Ordered() []Coordinate {
	return []Coordinate{s.Left, s.Center, s.Right}
}

// SiteNames matches the order returned by Sites.Ordered.
var SiteNames = []string{"left", "center", "right"}
