// Package render draws spatial expression figures and variance bar
// charts using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"gonum.org/v1/gonum/mat"

	"github.com/svgmap/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	FigureSize      int
	PointRadius     float64
	DefaultColormap string
}

// FigureRenderer renders square PNG figures.
type FigureRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// figureMargin is the blank border around the drawing area, in pixels.
const figureMargin = 20.0

// NewFigureRenderer creates a new figure renderer.
func NewFigureRenderer(cfg Config) *FigureRenderer {
	if cfg.FigureSize <= 0 {
		cfg.FigureSize = 600
	}
	if cfg.PointRadius <= 0 {
		cfg.PointRadius = 3
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "viridis"
	}
	return &FigureRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.FigureSize, cfg.FigureSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Size returns the figure side length in pixels.
func (r *FigureRenderer) Size() int { return r.config.FigureSize }

// RenderSpatialFigure draws one point per spot at its spatial position,
// colored by the normalized values in [0, 1]. Coordinates beyond the
// first two axes are ignored.
func (r *FigureRenderer) RenderSpatialFigure(coords *mat.Dense, values []float64, colormapName string) ([]byte, error) {
	n, d := coords.Dims()
	if d < 2 {
		return nil, fmt.Errorf("need at least 2 coordinate axes, got %d", d)
	}
	if n != len(values) {
		return nil, fmt.Errorf("coords have %d rows for %d values", n, len(values))
	}

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	if n == 0 {
		return r.encodeContext(dc)
	}

	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	for i := 0; i < n; i++ {
		x, y := coords.At(i, 0), coords.At(i, 1)
		minX = math.Min(minX, x)
		maxX = math.Max(maxX, x)
		minY = math.Min(minY, y)
		maxY = math.Max(maxY, y)
	}
	spanX := maxX - minX
	spanY := maxY - minY
	if spanX <= 0 {
		spanX = 1
	}
	if spanY <= 0 {
		spanY = 1
	}

	cmap := r.resolve(colormapName)
	inner := float64(r.config.FigureSize) - 2*figureMargin
	for i := 0; i < n; i++ {
		px := figureMargin + (coords.At(i, 0)-minX)/spanX*inner
		// Flip Y so larger coordinates render toward the top, matching
		// the Cartesian orientation of the source slides.
		py := figureMargin + (maxY-coords.At(i, 1))/spanY*inner

		v := values[i]
		if math.IsNaN(v) {
			continue
		}
		dc.SetColor(cmap.At(v))
		dc.DrawCircle(px, py, r.config.PointRadius)
		dc.Fill()
	}

	return r.encodeContext(dc)
}

// RenderShareBars draws a horizontal bar chart of variance shares, one
// bar per label, scaled so a share of 1 spans the full drawing width.
func (r *FigureRenderer) RenderShareBars(labels []string, shares []float64, colormapName string) ([]byte, error) {
	if len(labels) != len(shares) {
		return nil, fmt.Errorf("%d labels for %d shares", len(labels), len(shares))
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("nothing to draw")
	}

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	inner := float64(r.config.FigureSize) - 2*figureMargin
	slot := inner / float64(len(labels))
	barHeight := slot * 0.6

	for i, share := range shares {
		if math.IsNaN(share) || share < 0 {
			share = 0
		}
		if share > 1 {
			share = 1
		}
		y := figureMargin + float64(i)*slot

		dc.SetColor(colormap.Categorical.AtIndex(i))
		dc.DrawRectangle(figureMargin, y, share*inner, barHeight)
		dc.Fill()

		dc.SetColor(color.Black)
		label := fmt.Sprintf("%s  %.1f%%", labels[i], share*100)
		dc.DrawStringAnchored(label, figureMargin, y+barHeight+2, 0, 1)
	}

	return r.encodeContext(dc)
}

func (r *FigureRenderer) resolve(name string) colormap.Colormap {
	if name == "" {
		name = r.config.DefaultColormap
	}
	return colormap.ByName(name)
}

func (r *FigureRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
