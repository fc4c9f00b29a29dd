package stereotax

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func TestResolve_ZeroAngle(t *testing.T) {
	imp := Implant{AP: -3.6, ML: 1.8, DV: 7.0, AngleDeg: 0, SpanUM: 750, SkullUM: 500}
	got := Resolve(imp)

	want := Targets{
		Bottom: Sites{
			Left:   Coordinate{AP: -3.6, ML: 1.8 - 0.375, DV: 7.5},
			Center: Coordinate{AP: -3.6, ML: 1.8, DV: 7.5},
			Right:  Coordinate{AP: -3.6, ML: 1.8 + 0.375, DV: 7.5},
		},
	}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_NinetyDegrees(t *testing.T) {
	// At 90 degrees the electrode row runs along AP instead of ML, and the
	// right site sits at negative AP offset.
	imp := Implant{AP: 1.0, ML: 2.0, DV: 4.0, AngleDeg: 90, SpanUM: 1000, SkullUM: 0}
	got := Resolve(imp)

	want := Targets{
		Bottom: Sites{
			Left:   Coordinate{AP: 1.5, ML: 2.0, DV: 4.0},
			Center: Coordinate{AP: 1.0, ML: 2.0, DV: 4.0},
			Right:  Coordinate{AP: 0.5, ML: 2.0, DV: 4.0},
		},
	}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_FortyFiveDegrees(t *testing.T) {
	imp := Implant{AP: 0, ML: 0, DV: 0, AngleDeg: 45, SpanUM: 1000}
	got := Resolve(imp)

	half := 0.5
	dAP := -math.Sqrt2 / 2 * half
	dML := math.Sqrt2 / 2 * half
	want := Targets{
		Bottom: Sites{
			Left:   Coordinate{AP: -dAP, ML: -dML, DV: 0},
			Center: Coordinate{AP: 0, ML: 0, DV: 0},
			Right:  Coordinate{AP: dAP, ML: dML, DV: 0},
		},
	}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_VertSpan(t *testing.T) {
	imp := Implant{AP: -2.0, ML: 1.0, DV: 6.0, SpanUM: 750, SkullUM: 500, VertSpanUM: 2000}
	got := Resolve(imp)

	if got.Top == nil {
		t.Fatal("expected top sites when vert span is set")
	}
	if diff := cmp.Diff(6.5-2.0, got.Top.Center.DV, approx); diff != "" {
		t.Errorf("top center DV mismatch (-want +got):\n%s", diff)
	}
	// AP/ML are unchanged between levels.
	if got.Top.Left.AP != got.Bottom.Left.AP || got.Top.Left.ML != got.Bottom.Left.ML {
		t.Errorf("top left site moved laterally: %+v vs %+v", got.Top.Left, got.Bottom.Left)
	}
}

func TestResolve_NoVertSpan(t *testing.T) {
	for _, vert := range []float64{0, -100, math.NaN()} {
		imp := Implant{AP: 1, ML: 1, DV: 1, VertSpanUM: vert}
		if got := Resolve(imp); got.Top != nil {
			t.Errorf("vert_span_um=%v: expected no top sites", vert)
		}
	}
}

func TestSitesOrdered(t *testing.T) {
	s := Sites{
		Left:   Coordinate{AP: 1},
		Center: Coordinate{AP: 2},
		Right:  Coordinate{AP: 3},
	}
	ordered := s.Ordered()
	if len(ordered) != len(SiteNames) {
		t.Fatalf("expected %d sites, got %d", len(SiteNames), len(ordered))
	}
	if ordered[0].AP != 1 || ordered[1].AP != 2 || ordered[2].AP != 3 {
		t.Errorf("unexpected site order: %+v", ordered)
	}
}
