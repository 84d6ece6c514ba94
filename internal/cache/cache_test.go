package cache

import (
	"testing"
	"time"

	"github.com/svgmap/server/internal/ctsv"
)

func TestFigureKey(t *testing.T) {
	t.Run("stable", func(t *testing.T) {
		k1 := FigureKey("pbmc", "expression", "GeneA", "viridis", 600)
		k2 := FigureKey("pbmc", "expression", "GeneA", "viridis", 600)
		if k1 != k2 {
			t.Fatalf("expected stable key, got %q vs %q", k1, k2)
		}
	})

	t.Run("geneChangesKey", func(t *testing.T) {
		k1 := FigureKey("pbmc", "expression", "GeneA", "viridis", 600)
		k2 := FigureKey("pbmc", "expression", "GeneB", "viridis", 600)
		if k1 == k2 {
			t.Fatalf("expected distinct keys for distinct genes, got %q", k1)
		}
	})

	t.Run("colormapChangesKey", func(t *testing.T) {
		k1 := FigureKey("pbmc", "expression", "GeneA", "viridis", 600)
		k2 := FigureKey("pbmc", "expression", "GeneA", "plasma", 600)
		if k1 == k2 {
			t.Fatalf("expected distinct keys for distinct colormaps, got %q", k1)
		}
	})
}

func TestBundleKey(t *testing.T) {
	k1 := BundleKey("pbmc", 0.25, 1e-6)
	k2 := BundleKey("pbmc", 0.25, 1e-6)
	if k1 != k2 {
		t.Fatalf("expected stable key, got %q vs %q", k1, k2)
	}
	if BundleKey("pbmc", 0.25, 0) == k1 {
		t.Fatal("expected ridge to change the bundle key")
	}
	if BundleKey("pbmc", 0.3, 1e-6) == k1 {
		t.Fatal("expected bandwidth to change the bundle key")
	}
}

func TestManagerRoundTrip(t *testing.T) {
	m, err := NewManager(Config{FigureCacheSizeMB: 8, FigureTTL: time.Minute, BundleCacheSize: 2})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	key := FigureKey("pbmc", "expression", "GeneA", "viridis", 600)
	if _, ok := m.GetFigure(key); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	if err := m.SetFigure(key, []byte("png-bytes")); err != nil {
		t.Fatalf("SetFigure: %v", err)
	}
	data, ok := m.GetFigure(key)
	if !ok || string(data) != "png-bytes" {
		t.Fatalf("figure round trip failed: ok=%v data=%q", ok, data)
	}

	bk := BundleKey("pbmc", 0.25, 1e-6)
	bundle := &ctsv.KernelBundle{H: 0.25}
	m.SetBundle(bk, bundle)
	got, ok := m.GetBundle(bk)
	if !ok || got != bundle {
		t.Fatal("bundle round trip failed")
	}
}

func TestBundleCacheEvicts(t *testing.T) {
	m, err := NewManager(Config{FigureCacheSizeMB: 8, FigureTTL: time.Minute, BundleCacheSize: 1})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	m.SetBundle("a", &ctsv.KernelBundle{H: 0.1})
	m.SetBundle("b", &ctsv.KernelBundle{H: 0.2})
	if _, ok := m.GetBundle("a"); ok {
		t.Fatal("expected oldest bundle to be evicted")
	}
	if _, ok := m.GetBundle("b"); !ok {
		t.Fatal("expected newest bundle to survive")
	}
}
