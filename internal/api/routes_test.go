// Package api provides HTTP handlers for the StereoPlan server.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stereoplan/server/internal/archive"
	"github.com/stereoplan/server/internal/atlas"
	"github.com/stereoplan/server/internal/cache"
	"github.com/stereoplan/server/internal/planstore"
	"github.com/stereoplan/server/internal/render"
	"github.com/stereoplan/server/internal/service"
)

// testServer holds the test server, a fake upstream atlas and dependencies.
type testServer struct {
	server *httptest.Server
	atlas  *httptest.Server
	store  *planstore.Store
	cache  *cache.Manager
}

// setupTestServer starts a fake atlas API plus the full router stack.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	var pngData bytes.Buffer
	if err := png.Encode(&pngData, image.NewRGBA(image.Rect(0, 0, 60, 40))); err != nil {
		t.Fatalf("failed to encode test PNG: %v", err)
	}

	// Fake upstream: the query endpoint returns plane metadata with image
	// URLs pointing back at this server; /img/ serves a small PNG.
	mux := http.NewServeMux()
	var upstream *httptest.Server
	mux.HandleFunc("/api.php", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("ml") == "" || q.Get("ap") == "" || q.Get("dv") == "" {
			w.Write([]byte(`{"error": "missing coordinates"}`))
			return
		}
		fmt.Fprintf(w, `{
			"coronal":    {"top": 20, "left": 30, "image_url": "%[1]s/img/coronal.png"},
			"sagittal":   {"top": 21, "left": 31, "image_url": "%[1]s/img/sagittal.png"},
			"horizontal": {"top": 22, "left": 32, "image_url": "%[1]s/img/horizontal.png"}
		}`, upstream.URL)
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngData.Bytes())
	})
	upstream = httptest.NewServer(mux)

	atlasClient := atlas.NewClient(atlas.Config{
		BaseURL:           upstream.URL + "/api.php",
		RequestsPerSecond: 1000,
		Burst:             1000,
	})

	cacheManager, err := cache.NewManager(cache.Config{
		ImageCacheSizeMB: 16,
		ImageTTL:         5 * time.Minute,
		QueryCacheSize:   64,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}

	store, err := planstore.NewStore(filepath.Join(t.TempDir(), "plans.sqlite"))
	if err != nil {
		t.Fatalf("Failed to initialize plan store: %v", err)
	}

	renderer := render.NewRenderer(render.Config{MarkerRadius: 5})

	planService := service.New(service.Config{
		Atlas:    atlasClient,
		Cache:    cacheManager,
		Renderer: renderer,
		Store:    store,
	})

	router := NewRouter(RouterConfig{
		Service:     planService,
		Store:       store,
		Cache:       cacheManager,
		CORSOrigins: []string{"http://localhost:8888"},
	})

	server := httptest.NewServer(router)

	return &testServer{
		server: server,
		atlas:  upstream,
		store:  store,
		cache:  cacheManager,
	}
}

// close cleans up test server resources
func (ts *testServer) close() {
	ts.server.Close()
	ts.atlas.Close()
	ts.store.Close()
	ts.cache.Close()
}

// --- Helper Functions ---

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// assertContentType verifies the Content-Type header
func assertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected Content-Type %q, got %q", expected, contentType)
	}
}

// assertPNG verifies the response body is a valid PNG image
func assertPNG(t *testing.T, body []byte) {
	t.Helper()
	pngMagic := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	if len(body) < 8 {
		t.Errorf("Response too short to be a valid PNG (got %d bytes)", len(body))
		return
	}
	for i, b := range pngMagic {
		if body[i] != b {
			t.Errorf("Invalid PNG magic bytes at position %d: expected 0x%02X, got 0x%02X", i, b, body[i])
			return
		}
	}
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return body
}

// submitPlan posts a plan request and returns the decoded plan.
func submitPlan(t *testing.T, ts *testServer, body string) *planstore.Plan {
	t.Helper()

	resp, err := http.Post(ts.server.URL+"/api/plans", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to submit plan: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusCreated)

	var plan planstore.Plan
	if err := json.NewDecoder(resp.Body).Decode(&plan); err != nil {
		t.Fatalf("Failed to decode plan response: %v", err)
	}
	if plan.ID == "" {
		t.Fatal("expected plan ID in response")
	}
	return &plan
}

// --- Test Cases ---

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)
	if body := readBody(t, resp); string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %q", string(body))
	}
}

func TestSliceMetadataEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	tests := []struct {
		name           string
		path           string
		expectedStatus int
	}{
		{
			name:           "valid coordinates",
			path:           "/api/atlas/slice?ml=1.8&ap=-3.6&dv=7",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "missing ml",
			path:           "/api/atlas/slice?ap=-3.6&dv=7",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "non-numeric dv",
			path:           "/api/atlas/slice?ml=1.8&ap=-3.6&dv=abc",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.server.URL + tt.path)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			defer resp.Body.Close()

			assertStatusCode(t, resp, tt.expectedStatus)

			if tt.expectedStatus == http.StatusOK {
				assertContentType(t, resp, "application/json")
				var ss atlas.SliceSet
				if err := json.Unmarshal(readBody(t, resp), &ss); err != nil {
					t.Fatalf("Failed to parse slice set: %v", err)
				}
				if ss.Coronal.Top != 20 || ss.Coronal.Left != 30 {
					t.Errorf("unexpected coronal plane: %+v", ss.Coronal)
				}
			}
		})
	}
}

func TestSlicePNGEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectPNG      bool
	}{
		{
			name:           "coronal plane",
			path:           "/atlas/slice/coronal.png?ml=1.8&ap=-3.6&dv=7",
			expectedStatus: http.StatusOK,
			expectPNG:      true,
		},
		{
			name:           "horizontal with radius",
			path:           "/atlas/slice/horizontal.png?ml=1.8&ap=-3.6&dv=7&radius=10",
			expectedStatus: http.StatusOK,
			expectPNG:      true,
		},
		{
			name:           "invalid plane",
			path:           "/atlas/slice/diagonal.png?ml=1.8&ap=-3.6&dv=7",
			expectedStatus: http.StatusBadRequest,
			expectPNG:      false,
		},
		{
			name:           "missing coordinates",
			path:           "/atlas/slice/coronal.png",
			expectedStatus: http.StatusBadRequest,
			expectPNG:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.server.URL + tt.path)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			defer resp.Body.Close()

			assertStatusCode(t, resp, tt.expectedStatus)

			if tt.expectPNG {
				assertContentType(t, resp, "image/png")
				assertPNG(t, readBody(t, resp))
			}
		})
	}
}

func TestPlanSubmit(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	plan := submitPlan(t, ts, `{"ap": -3.6, "ml": 1.8, "dv": 7.0, "angle_deg": 15, "vert_span_um": 2000}`)

	// 3 bottom + 3 top sites
	if len(plan.Sites) != 6 {
		t.Fatalf("expected 6 sites, got %d", len(plan.Sites))
	}
	if !plan.HasLevel(planstore.LevelTop) {
		t.Error("expected top level with vert_span_um set")
	}

	// Defaults applied
	if plan.Params.SpanUM != 750 {
		t.Errorf("expected default span 750, got %v", plan.Params.SpanUM)
	}
	if plan.Params.SkullUM != 500 {
		t.Errorf("expected default skull 500, got %v", plan.Params.SkullUM)
	}

	// Pixel positions from the fake atlas
	if plan.Sites[0].CoronalLeft != 30 || plan.Sites[0].CoronalTop != 20 {
		t.Errorf("unexpected coronal pixel position: %+v", plan.Sites[0])
	}
}

func TestPlanSubmit_NoVertSpan(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	plan := submitPlan(t, ts, `{"ap": -3.6, "ml": 1.8, "dv": 7.0, "angle_deg": 0}`)

	if len(plan.Sites) != 3 {
		t.Fatalf("expected 3 sites, got %d", len(plan.Sites))
	}
	if plan.HasLevel(planstore.LevelTop) {
		t.Error("expected no top level without vert_span_um")
	}
}

func TestPlanSubmit_InvalidBody(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, err := http.Post(ts.server.URL+"/api/plans", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusBadRequest)
}

func TestPlanGetListDelete(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	plan := submitPlan(t, ts, `{"ap": 1.0, "ml": 2.0, "dv": 3.0}`)

	t.Run("get", func(t *testing.T) {
		resp, err := http.Get(ts.server.URL + "/api/plans/" + plan.ID)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer resp.Body.Close()

		assertStatusCode(t, resp, http.StatusOK)
		assertContentType(t, resp, "application/json")

		var got planstore.Plan
		if err := json.Unmarshal(readBody(t, resp), &got); err != nil {
			t.Fatalf("Failed to decode plan: %v", err)
		}
		if got.ID != plan.ID || len(got.Sites) != 3 {
			t.Errorf("unexpected plan: id=%s sites=%d", got.ID, len(got.Sites))
		}
	})

	t.Run("get missing", func(t *testing.T) {
		resp, err := http.Get(ts.server.URL + "/api/plans/does-not-exist")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer resp.Body.Close()
		assertStatusCode(t, resp, http.StatusNotFound)
	})

	t.Run("list", func(t *testing.T) {
		resp, err := http.Get(ts.server.URL + "/api/plans")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer resp.Body.Close()

		assertStatusCode(t, resp, http.StatusOK)

		var result struct {
			Plans []planstore.Plan `json:"plans"`
			Total int              `json:"total"`
		}
		if err := json.Unmarshal(readBody(t, resp), &result); err != nil {
			t.Fatalf("Failed to decode list: %v", err)
		}
		if result.Total != 1 || len(result.Plans) != 1 {
			t.Errorf("expected 1 plan, got total=%d len=%d", result.Total, len(result.Plans))
		}
	})

	t.Run("delete", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodDelete, ts.server.URL+"/api/plans/"+plan.ID, nil)
		if err != nil {
			t.Fatalf("Failed to create request: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer resp.Body.Close()
		assertStatusCode(t, resp, http.StatusOK)

		// Gone afterwards
		getResp, err := http.Get(ts.server.URL + "/api/plans/" + plan.ID)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer getResp.Body.Close()
		assertStatusCode(t, getResp, http.StatusNotFound)
	})
}

func TestPlanMontage(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	plan := submitPlan(t, ts, `{"ap": -3.6, "ml": 1.8, "dv": 7.0, "angle_deg": 15, "vert_span_um": 2000}`)

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectPNG      bool
	}{
		{
			name:           "bottom montage",
			path:           "/plans/" + plan.ID + "/montage/bottom.png",
			expectedStatus: http.StatusOK,
			expectPNG:      true,
		},
		{
			name:           "top montage",
			path:           "/plans/" + plan.ID + "/montage/top.png",
			expectedStatus: http.StatusOK,
			expectPNG:      true,
		},
		{
			name:           "invalid level",
			path:           "/plans/" + plan.ID + "/montage/middle.png",
			expectedStatus: http.StatusBadRequest,
			expectPNG:      false,
		},
		{
			name:           "unknown plan",
			path:           "/plans/nope/montage/bottom.png",
			expectedStatus: http.StatusNotFound,
			expectPNG:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.server.URL + tt.path)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			defer resp.Body.Close()

			assertStatusCode(t, resp, tt.expectedStatus)
			if tt.expectPNG {
				assertContentType(t, resp, "image/png")
				assertPNG(t, readBody(t, resp))
			}
		})
	}
}

func TestPlanMontage_TopNotPlanned(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	plan := submitPlan(t, ts, `{"ap": -3.6, "ml": 1.8, "dv": 7.0}`)

	resp, err := http.Get(ts.server.URL + "/plans/" + plan.ID + "/montage/top.png")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestPlanView(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	plan := submitPlan(t, ts, `{"ap": -3.6, "ml": 1.8, "dv": 7.0, "vert_span_um": 1500}`)

	resp, err := http.Get(ts.server.URL + "/plans/" + plan.ID + "/view")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "text/html; charset=utf-8")

	body := string(readBody(t, resp))
	if !strings.Contains(body, "/montage/bottom.png") {
		t.Error("expected bottom montage in view")
	}
	if !strings.Contains(body, "/montage/top.png") {
		t.Error("expected top montage in view when vert span is set")
	}
}

func TestPlanExport(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	plan := submitPlan(t, ts, `{"ap": -3.6, "ml": 1.8, "dv": 7.0, "vert_span_um": 1500}`)

	resp, err := http.Get(ts.server.URL + "/plans/" + plan.ID + "/export.tar.zst")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "application/zstd")

	body := readBody(t, resp)
	names, err := archive.List(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to list export archive: %v", err)
	}

	want := map[string]bool{
		archive.ManifestName: false,
		"montage_bottom.png": false,
		"montage_top.png":    false,
	}
	for _, name := range names {
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("expected %s in export archive", name)
		}
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/api/stats")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "application/json")

	var stats map[string]interface{}
	if err := json.Unmarshal(readBody(t, resp), &stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	for _, key := range []string{"image_cache_len", "query_cache_len"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("expected %s in stats", key)
		}
	}
}

func TestCacheHeaders(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/atlas/slice/coronal.png?ml=1.8&ap=-3.6&dv=7")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	cacheControl := resp.Header.Get("Cache-Control")
	if cacheControl != "public, max-age=3600" {
		t.Errorf("Expected Cache-Control 'public, max-age=3600', got %q", cacheControl)
	}
}

func TestCORSHeaders(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	req, err := http.NewRequest("GET", ts.server.URL+"/health", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Origin", "http://localhost:8888")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Error("Expected Access-Control-Allow-Origin header to be set for allowed origin")
	}
}
