// Package render draws implant markers onto atlas slice images and composes
// montage figures using fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
)

// DefaultMarkerRadius is the marker radius in pixels when none is given.
const DefaultMarkerRadius = 5.0

// Placeholder panel dimensions when the source image size is unknown.
const (
	placeholderWidth  = 400
	placeholderHeight = 300
)

// Marker is a filled circle at a pixel position within a slice image.
type Marker struct {
	X      int
	Y      int
	Radius float64
}

// Panel is one cell of a montage. A nil Image renders as a placeholder.
type Panel struct {
	Image image.Image
	Label string
}

// Config contains renderer configuration.
type Config struct {
	MarkerRadius float64
	MarkerColor  color.Color
}

// Renderer annotates slice images and composes montages.
type Renderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewRenderer creates a new overlay renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.MarkerRadius <= 0 {
		cfg.MarkerRadius = DefaultMarkerRadius
	}
	if cfg.MarkerColor == nil {
		cfg.MarkerColor = color.RGBA{R: 255, A: 255}
	}

	return &Renderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// MarkerRadius returns the configured default marker radius.
func (r *Renderer) MarkerRadius() float64 {
	return r.config.MarkerRadius
}

// MarkPoints draws the given markers onto a copy of img. The source image is
// left untouched.
func (r *Renderer) MarkPoints(img image.Image, markers []Marker) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetColor(r.config.MarkerColor)
	for _, m := range markers {
		radius := m.Radius
		if radius <= 0 {
			radius = r.config.MarkerRadius
		}
		dc.DrawCircle(float64(m.X), float64(m.Y), radius)
		dc.Fill()
	}
	return dc.Image()
}

// MarkLine draws the implant span between two pixel positions onto a copy of
// img, with endpoint markers.
func (r *Renderer) MarkLine(img image.Image, from, to Marker) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetColor(r.config.MarkerColor)
	dc.SetLineWidth(2)
	dc.DrawLine(float64(from.X), float64(from.Y), float64(to.X), float64(to.Y))
	dc.Stroke()
	for _, m := range []Marker{from, to} {
		radius := m.Radius
		if radius <= 0 {
			radius = r.config.MarkerRadius
		}
		dc.DrawCircle(float64(m.X), float64(m.Y), radius)
		dc.Fill()
	}
	return dc.Image()
}

// Placeholder renders an "image unavailable" panel.
func (r *Renderer) Placeholder(w, h int, label string) image.Image {
	if w <= 0 {
		w = placeholderWidth
	}
	if h <= 0 {
		h = placeholderHeight
	}

	dc := gg.NewContext(w, h)
	dc.SetColor(color.Gray{Y: 235})
	dc.Clear()
	dc.SetColor(color.Gray{Y: 70})
	if label == "" {
		label = "image unavailable"
	}
	dc.DrawStringAnchored(label, float64(w)/2, float64(h)/2, 0.5, 0.5)
	return dc.Image()
}

const (
	montageTitleHeight = 28
	montageLabelInset  = 6
)

// Montage composes panels into a grid with a title strip. Panels fill the
// grid row by row; cell size is the maximum panel size so slice images of
// slightly different dimensions still align.
func (r *Renderer) Montage(title string, panels []Panel, cols int) image.Image {
	if cols <= 0 {
		cols = 1
	}
	rows := (len(panels) + cols - 1) / cols
	if rows == 0 {
		rows = 1
	}

	cellW, cellH := placeholderWidth, placeholderHeight
	for _, p := range panels {
		if p.Image == nil {
			continue
		}
		b := p.Image.Bounds()
		if b.Dx() > cellW {
			cellW = b.Dx()
		}
		if b.Dy() > cellH {
			cellH = b.Dy()
		}
	}

	dc := gg.NewContext(cols*cellW, rows*cellH+montageTitleHeight)
	dc.SetColor(color.White)
	dc.Clear()

	dc.SetColor(color.Black)
	dc.DrawStringAnchored(title, float64(cols*cellW)/2, montageTitleHeight/2, 0.5, 0.5)

	for i, p := range panels {
		x := (i % cols) * cellW
		y := (i/cols)*cellH + montageTitleHeight

		img := p.Image
		if img == nil {
			img = r.Placeholder(cellW, cellH, "image unavailable")
		}
		// Center the panel within its cell.
		b := img.Bounds()
		dc.DrawImage(img, x+(cellW-b.Dx())/2, y+(cellH-b.Dy())/2)

		if p.Label != "" {
			dc.SetColor(color.Black)
			dc.DrawStringAnchored(p.Label, float64(x)+montageLabelInset, float64(y)+montageLabelInset, 0, 1)
		}
	}

	return dc.Image()
}

// EncodePNG encodes an image with the fast PNG encoder and pooled buffers.
func (r *Renderer) EncodePNG(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused).
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
