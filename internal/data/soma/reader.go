// Package soma provides minimal, read-only access to a TileDB-SOMA experiment using TileDB arrays.
//
// This is intentionally small: we only support what SVGMap needs today:
//   - gene identifiers in joinid order (from ms/RNA/var)
//   - spot identifiers and spatial coordinates (from obs and obsm/spatial)
//   - cell-type proportions (from obsm/proportions)
//   - a dense scan of sparse X over all (gene, spot) pairs (from ms/RNA/X/data)
package soma

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/svgmap/server/internal/ctsv"
	"github.com/svgmap/server/internal/data"
)

var (
	// ErrUnsupported indicates this binary was built without SOMA/TileDB support.
	ErrUnsupported = errors.New("soma support is not enabled in this build (build server with: go build -tags soma)")
)

// ResolveExperimentURI accepts either:
//   - /path/to/.../soma/experiment.soma
//   - /path/to/.../soma  (parent directory)
//
// and returns the experiment.soma path.
func ResolveExperimentURI(somaPath string) (string, error) {
	p := strings.TrimSpace(somaPath)
	if p == "" {
		return "", errors.New("empty soma_path")
	}
	p = os.ExpandEnv(p)
	p = filepath.Clean(p)

	// If user points directly to experiment.soma
	if strings.HasSuffix(p, ".soma") {
		return p, nil
	}
	// If user points to parent "soma/" dir
	return filepath.Join(p, "experiment.soma"), nil
}

// LoadDataset reads the whole experiment into an aligned dataset. The
// obsm arrays share the obs joinid order, so assembly never needs to
// reorder rows; it still validates the proportion simplex.
func (r *Reader) LoadDataset() (*ctsv.Dataset, error) {
	if !r.Supported() {
		return nil, ErrUnsupported
	}
	genes, err := r.Genes()
	if err != nil {
		return nil, fmt.Errorf("soma: read genes: %w", err)
	}
	spots, err := r.Spots()
	if err != nil {
		return nil, fmt.Errorf("soma: read spots: %w", err)
	}
	axes, coordValues, err := r.Coordinates(len(spots))
	if err != nil {
		return nil, fmt.Errorf("soma: read coordinates: %w", err)
	}
	cellTypes, propValues, err := r.Proportions(len(spots))
	if err != nil {
		return nil, fmt.Errorf("soma: read proportions: %w", err)
	}
	exprValues, err := r.ExpressionDense(len(genes), len(spots))
	if err != nil {
		return nil, fmt.Errorf("soma: read expression: %w", err)
	}

	expr := &data.Matrix{Rows: genes, Cols: spots, Values: exprValues}
	coords := &data.Matrix{Rows: spots, Cols: axes, Values: coordValues}
	props := &data.Matrix{Rows: spots, Cols: cellTypes, Values: propValues}
	return data.Assemble(expr, coords, props, nil, false)
}
