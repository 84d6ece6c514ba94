// Package service provides business logic for the SVGMap server.
package service

import (
	"fmt"
	"sync"

	"github.com/svgmap/server/internal/cache"
	"github.com/svgmap/server/internal/ctsv"
	"github.com/svgmap/server/internal/data/matrixio"
	"github.com/svgmap/server/internal/data/soma"
	"github.com/svgmap/server/internal/render"
)

// DatasetServiceConfig contains dataset service configuration.
type DatasetServiceConfig struct {
	DatasetID  string
	Store      *matrixio.Store
	SomaReader *soma.Reader
	Cache      *cache.Manager
	Renderer   *render.FigureRenderer
}

// DatasetService serves one dataset: lazy loading, kernel bundles and
// rendered figures.
type DatasetService struct {
	datasetID string
	store     *matrixio.Store
	soma      *soma.Reader
	cache     *cache.Manager
	renderer  *render.FigureRenderer

	dsOnce sync.Once
	ds     *ctsv.Dataset
	dsErr  error

	// Serializes bundle construction so concurrent jobs share one build.
	bundleMu sync.Mutex
}

// NewDatasetService creates a new dataset service.
func NewDatasetService(cfg DatasetServiceConfig) *DatasetService {
	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = "default"
	}
	return &DatasetService{
		datasetID: datasetID,
		store:     cfg.Store,
		soma:      cfg.SomaReader,
		cache:     cfg.Cache,
		renderer:  cfg.Renderer,
	}
}

// ID returns the dataset identifier.
func (s *DatasetService) ID() string { return s.datasetID }

// Soma returns the SOMA reader, which may be nil.
func (s *DatasetService) Soma() *soma.Reader { return s.soma }

// Dataset lazily loads and validates the dataset. The matrixio store is
// preferred; SOMA is the fallback source.
func (s *DatasetService) Dataset() (*ctsv.Dataset, error) {
	s.dsOnce.Do(func() {
		switch {
		case s.store != nil:
			s.ds, s.dsErr = s.store.LoadDataset()
		case s.soma != nil && s.soma.Supported():
			s.ds, s.dsErr = s.soma.LoadDataset()
		case s.soma != nil:
			s.dsErr = soma.ErrUnsupported
		default:
			s.dsErr = fmt.Errorf("no data source configured for dataset %s", s.datasetID)
		}
	})
	return s.ds, s.dsErr
}

// DatasetSummary describes one dataset for listing endpoints.
type DatasetSummary struct {
	ID         string   `json:"id"`
	NGenes     int      `json:"n_genes"`
	NSpots     int      `json:"n_spots"`
	NCellTypes int      `json:"n_cell_types"`
	CellTypes  []string `json:"cell_types"`
	Raw        bool     `json:"raw"`
}

// Summary returns the dataset's dimensions and cell-type labels.
func (s *DatasetService) Summary() (*DatasetSummary, error) {
	ds, err := s.Dataset()
	if err != nil {
		return nil, err
	}
	return &DatasetSummary{
		ID:         s.datasetID,
		NGenes:     ds.NumGenes(),
		NSpots:     ds.NumSpots(),
		NCellTypes: ds.NumCellTypes(),
		CellTypes:  ds.CellTypes,
		Raw:        ds.Raw,
	}, nil
}

// Genes returns the gene identifiers in dataset order.
func (s *DatasetService) Genes() ([]string, error) {
	ds, err := s.Dataset()
	if err != nil {
		return nil, err
	}
	return ds.Genes, nil
}

// Bundle returns the kernel bundle for the given bandwidth and policies,
// selecting a bandwidth first when h is zero. Bundles are cached: the
// eigen decompositions they accumulate dominate analysis startup.
func (s *DatasetService) Bundle(h float64, pol ctsv.BandwidthPolicy, reg ctsv.RegularizationPolicy) (*ctsv.KernelBundle, error) {
	ds, err := s.Dataset()
	if err != nil {
		return nil, err
	}
	if h == 0 {
		h, err = ctsv.SelectBandwidth(ds, pol)
		if err != nil {
			return nil, err
		}
	}

	ridge := 0.0
	if reg.Enabled {
		ridge = reg.Ridge
	}
	key := cache.BundleKey(s.datasetID, h, ridge)
	if b, ok := s.cache.GetBundle(key); ok {
		return b, nil
	}

	s.bundleMu.Lock()
	defer s.bundleMu.Unlock()
	if b, ok := s.cache.GetBundle(key); ok {
		return b, nil
	}

	bundle, err := ctsv.BuildKernel(ds, h, reg)
	if err != nil {
		return nil, err
	}
	s.cache.SetBundle(key, bundle)
	return bundle, nil
}

// ExpressionFigure renders gene expression over the spot coordinates as a
// PNG, min-max scaled per gene.
func (s *DatasetService) ExpressionFigure(gene, colormapName string) ([]byte, error) {
	ds, err := s.Dataset()
	if err != nil {
		return nil, err
	}
	gi := ds.GeneIndex(gene)
	if gi < 0 {
		return nil, fmt.Errorf("gene not found: %s", gene)
	}

	key := cache.FigureKey(s.datasetID, "expression", gene, colormapName, s.renderer.Size())
	if data, ok := s.cache.GetFigure(key); ok {
		return data, nil
	}

	values := ds.ScaledExpressionVector(gi)
	data, err := s.renderer.RenderSpatialFigure(ds.Coords, values, colormapName)
	if err != nil {
		return nil, fmt.Errorf("failed to render figure: %w", err)
	}
	s.cache.SetFigure(key, data)
	return data, nil
}

// ShareFigure renders a variance-share bar chart as a PNG. tag
// disambiguates the cache entry (typically jobID:gene).
func (s *DatasetService) ShareFigure(tag string, labels []string, shares []float64, colormapName string) ([]byte, error) {
	key := cache.FigureKey(s.datasetID, "varcomp", tag, colormapName, s.renderer.Size())
	if data, ok := s.cache.GetFigure(key); ok {
		return data, nil
	}
	data, err := s.renderer.RenderShareBars(labels, shares, colormapName)
	if err != nil {
		return nil, fmt.Errorf("failed to render figure: %w", err)
	}
	s.cache.SetFigure(key, data)
	return data, nil
}
