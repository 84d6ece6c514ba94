package render

import (
	"bytes"
	"image/png"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func testRenderer() *FigureRenderer {
	return NewFigureRenderer(Config{FigureSize: 64, PointRadius: 2, DefaultColormap: "viridis"})
}

func TestRenderSpatialFigure(t *testing.T) {
	r := testRenderer()
	coords := mat.NewDense(4, 2, []float64{
		0, 0,
		1, 0,
		0, 1,
		1, 1,
	})
	data, err := r.RenderSpatialFigure(coords, []float64{0, 0.3, 0.7, 1}, "viridis")
	if err != nil {
		t.Fatalf("RenderSpatialFigure: %v", err)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a valid PNG: %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 64 {
		t.Errorf("unexpected figure size %v", img.Bounds())
	}
}

func TestRenderSpatialFigureErrors(t *testing.T) {
	r := testRenderer()

	oneAxis := mat.NewDense(2, 1, []float64{0, 1})
	if _, err := r.RenderSpatialFigure(oneAxis, []float64{0, 1}, ""); err == nil {
		t.Error("expected error for 1D coordinates")
	}

	coords := mat.NewDense(2, 2, []float64{0, 0, 1, 1})
	if _, err := r.RenderSpatialFigure(coords, []float64{0.5}, ""); err == nil {
		t.Error("expected error for mismatched value count")
	}
}

func TestRenderSpatialFigureUnknownColormapFallsBack(t *testing.T) {
	r := testRenderer()
	coords := mat.NewDense(1, 2, []float64{0.5, 0.5})
	data, err := r.RenderSpatialFigure(coords, []float64{0.5}, "no-such-map")
	if err != nil {
		t.Fatalf("RenderSpatialFigure: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("invalid PNG: %v", err)
	}
}

func TestRenderShareBars(t *testing.T) {
	r := testRenderer()
	data, err := r.RenderShareBars([]string{"A", "B", "residual"}, []float64{0.6, 0.1, 0.3}, "")
	if err != nil {
		t.Fatalf("RenderShareBars: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("invalid PNG: %v", err)
	}

	if _, err := r.RenderShareBars([]string{"A"}, []float64{0.5, 0.5}, ""); err == nil {
		t.Error("expected error for mismatched labels")
	}
	if _, err := r.RenderShareBars(nil, nil, ""); err == nil {
		t.Error("expected error for empty input")
	}
}
