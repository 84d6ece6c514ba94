//go:build !soma

package soma

import (
	"fmt"
	"os"
)

// Reader is a stub when built without "-tags soma".
type Reader struct {
	experimentURI string
}

// NewReader creates a SOMA reader (stub). It still resolves and validates the experiment path,
// so config issues can be caught early, but all read methods return ErrUnsupported.
func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}
	return &Reader{experimentURI: uri}, nil
}

func (r *Reader) Supported() bool { return false }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// Genes lists gene identifiers in joinid order.
func (r *Reader) Genes() ([]string, error) {
	return nil, ErrUnsupported
}

// Spots lists spot identifiers in joinid order.
func (r *Reader) Spots() ([]string, error) {
	return nil, ErrUnsupported
}

// Coordinates reads the obsm/spatial array as a row-major spots x axes block.
func (r *Reader) Coordinates(nSpots int) ([]string, []float64, error) {
	return nil, nil, ErrUnsupported
}

// Proportions reads the obsm/proportions array as a row-major spots x cell types block.
func (r *Reader) Proportions(nSpots int) ([]string, []float64, error) {
	return nil, nil, ErrUnsupported
}

// ExpressionDense scans sparse X into a dense genes x spots row-major slice.
func (r *Reader) ExpressionDense(nGenes, nSpots int) ([]float64, error) {
	return nil, ErrUnsupported
}
