// Package cache provides caching for rendered figures and kernel bundles.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/svgmap/server/internal/ctsv"
)

// Config contains cache configuration.
type Config struct {
	FigureCacheSizeMB int
	FigureTTL         time.Duration
	BundleCacheSize   int
}

// Manager manages the figure and bundle caches. Rendered PNGs are cheap
// to hold and expensive to redraw; kernel bundles hold the eigen caches
// that dominate analysis startup, so evicting one forces a full rebuild.
type Manager struct {
	figureCache *bigcache.BigCache
	bundleCache *lru.Cache[string, *ctsv.KernelBundle]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	figureCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.FigureTTL,
		CleanWindow:        cfg.FigureTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       512 * 1024, // 512KB per rendered figure
		HardMaxCacheSize:   cfg.FigureCacheSizeMB,
		Verbose:            false,
	}

	figureCache, err := bigcache.New(context.Background(), figureCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create figure cache: %w", err)
	}

	bundleCache, err := lru.New[string, *ctsv.KernelBundle](cfg.BundleCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create bundle cache: %w", err)
	}

	return &Manager{
		figureCache: figureCache,
		bundleCache: bundleCache,
	}, nil
}

// GetFigure retrieves a rendered figure from cache.
func (m *Manager) GetFigure(key string) ([]byte, bool) {
	data, err := m.figureCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetFigure stores a rendered figure in cache.
func (m *Manager) SetFigure(key string, data []byte) error {
	return m.figureCache.Set(key, data)
}

// GetBundle retrieves a kernel bundle from cache.
func (m *Manager) GetBundle(key string) (*ctsv.KernelBundle, bool) {
	return m.bundleCache.Get(key)
}

// SetBundle stores a kernel bundle in cache.
func (m *Manager) SetBundle(key string, bundle *ctsv.KernelBundle) {
	m.bundleCache.Add(key, bundle)
}

// FigureKey generates a cache key for a rendered figure.
func FigureKey(dataset, kind, gene, colormap string, size int) string {
	base := fmt.Sprintf("fig:%s:%s:%d", dataset, kind, size)
	h := sha256.New()
	h.Write([]byte(base))
	h.Write([]byte(gene))
	h.Write([]byte(colormap))
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// BundleKey generates a cache key for a kernel bundle. Bandwidth and
// ridge participate because they change the covariance structure.
func BundleKey(dataset string, h, ridge float64) string {
	return fmt.Sprintf("bundle:%s:%.12g:%.12g", dataset, h, ridge)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"figure_cache_len": m.figureCache.Len(),
		"figure_cache_cap": m.figureCache.Capacity(),
		"bundle_cache_len": m.bundleCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.figureCache.Close()
}
