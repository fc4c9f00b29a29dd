// Package atlas is a client for the remote rat-brain-atlas image API.
package atlas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	// Slice images are served as JPEG or PNG depending on the atlas edition.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public endpoint of the rat brain atlas API.
const DefaultBaseURL = "http://labs.gaidi.ca/rat-brain-atlas/api.php"

// maxResponseBytes bounds how much of a remote response is read.
const maxResponseBytes = 32 << 20

// Plane describes one slice view returned by the API. Left and Top are the
// pixel position of the queried coordinate within the slice image.
type Plane struct {
	Top      int    `json:"top"`
	Left     int    `json:"left"`
	ImageURL string `json:"image_url"`
}

// SliceSet bundles the three plane views the API returns for one coordinate.
type SliceSet struct {
	Coronal    Plane `json:"coronal"`
	Sagittal   Plane `json:"sagittal"`
	Horizontal Plane `json:"horizontal"`
}

// Config contains atlas client configuration.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// RequestsPerSecond limits outbound calls to the third-party API.
	RequestsPerSecond float64
	Burst             int
}

// Client queries the remote atlas API and downloads slice images.
type Client struct {
	baseURL   string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
}

// NewClient creates a new atlas client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 4
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 8
	}

	return &Client{
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		client:    &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

// QueryURL builds the API query for a coordinate. The API takes ML before AP.
func (c *Client) QueryURL(ml, ap, dv float64) string {
	q := url.Values{}
	q.Set("ml", formatCoord(ml))
	q.Set("ap", formatCoord(ap))
	q.Set("dv", formatCoord(dv))
	return c.baseURL + "?" + q.Encode()
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// apiResponse is the raw JSON envelope. The API reports failures through an
// error field rather than HTTP status codes.
type apiResponse struct {
	Error      string `json:"error"`
	Coronal    *Plane `json:"coronal"`
	Sagittal   *Plane `json:"sagittal"`
	Horizontal *Plane `json:"horizontal"`
}

// Query fetches the slice set for a coordinate.
func (c *Client) Query(ctx context.Context, ml, ap, dv float64) (*SliceSet, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := c.QueryURL(ml, ap, dv)
	body, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}

	// Decode from the body bytes regardless of content-type: older API
	// deployments serve JSON as text/html.
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		sample := body
		if len(sample) > 200 {
			sample = sample[:200]
		}
		return nil, fmt.Errorf("failed to parse atlas response from %s (first bytes: %q): %w", u, sample, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("atlas API error: %s", resp.Error)
	}
	if resp.Coronal == nil || resp.Sagittal == nil || resp.Horizontal == nil {
		return nil, fmt.Errorf("atlas response from %s is missing plane data", u)
	}

	return &SliceSet{
		Coronal:    *resp.Coronal,
		Sagittal:   *resp.Sagittal,
		Horizontal: *resp.Horizontal,
	}, nil
}

// FetchImageBytes downloads the raw bytes of a slice image.
func (c *Client) FetchImageBytes(ctx context.Context, imageURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.get(ctx, imageURL)
}

// FetchImage downloads and decodes a slice image.
func (c *Client) FetchImage(ctx context.Context, imageURL string) (image.Image, error) {
	data, err := c.FetchImageBytes(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode decodes slice image bytes in any registered format.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode slice image: %w", err)
	}
	return img, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("atlas request to %s failed: %w", u, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("atlas request to %s returned status %d", u, res.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read atlas response from %s: %w", u, err)
	}
	return body, nil
}
