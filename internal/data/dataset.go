// Package data assembles validated ctsv datasets from labeled matrices.
// It is the model-construction collaborator of the statistical engine: it
// aligns every matrix to the expression matrix's spot order, enforces the
// simplex constraint on cell-type proportions, and fails fast on key
// mismatches so the engine can assume aligned inputs.
package data

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/svgmap/server/internal/ctsv"
)

// simplexTol bounds how far a proportions row may drift from summing to 1.
const simplexTol = 1e-6

// ErrInvalidProportions flags proportion rows off the simplex or outside
// [0, 1].
var ErrInvalidProportions = errors.New("data: cell-type proportions are not on the simplex")

// Matrix is a labeled row-major matrix as read from disk.
type Matrix struct {
	Rows   []string
	Cols   []string
	Values []float64 // len(Rows) * len(Cols), row-major
}

// At returns the value at (i, j).
func (m *Matrix) At(i, j int) float64 {
	return m.Values[i*len(m.Cols)+j]
}

// Dims returns rows, cols.
func (m *Matrix) Dims() (int, int) {
	return len(m.Rows), len(m.Cols)
}

// Assemble builds a ctsv.Dataset from an expression matrix (genes x spots),
// coordinates (spots x dims), proportions (spots x cell types) and optional
// covariates (spots x covariates). Rows of the spot-keyed matrices are
// reordered to the expression matrix's spot order; a spot present in one
// matrix but not another is a hard failure.
func Assemble(expr, coords, props *Matrix, covars *Matrix, raw bool) (*ctsv.Dataset, error) {
	nSpots := len(expr.Cols)
	if nSpots == 0 || len(expr.Rows) == 0 {
		return nil, fmt.Errorf("%w: expression matrix is empty", ctsv.ErrDimensionMismatch)
	}

	coordsAligned, err := alignRows(coords, expr.Cols, "coordinates")
	if err != nil {
		return nil, err
	}
	propsAligned, err := alignRows(props, expr.Cols, "proportions")
	if err != nil {
		return nil, err
	}
	var covarsAligned *mat.Dense
	if covars != nil {
		covarsAligned, err = alignRows(covars, expr.Cols, "covariates")
		if err != nil {
			return nil, err
		}
	}

	if err := checkSimplex(propsAligned); err != nil {
		return nil, err
	}

	exprDense := mat.NewDense(len(expr.Rows), nSpots, append([]float64(nil), expr.Values...))
	return &ctsv.Dataset{
		Genes:     append([]string(nil), expr.Rows...),
		Spots:     append([]string(nil), expr.Cols...),
		CellTypes: append([]string(nil), props.Cols...),
		Expr:      exprDense,
		Coords:    coordsAligned,
		Props:     propsAligned,
		Covars:    covarsAligned,
		Raw:       raw,
	}, nil
}

// alignRows reorders m's rows into spot order, failing on missing or
// duplicate keys.
func alignRows(m *Matrix, spots []string, what string) (*mat.Dense, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: %s matrix missing", ctsv.ErrDimensionMismatch, what)
	}
	rows, cols := m.Dims()
	if rows != len(spots) {
		return nil, fmt.Errorf("%w: %s has %d rows for %d spots", ctsv.ErrDimensionMismatch, what, rows, len(spots))
	}
	index := make(map[string]int, rows)
	for i, key := range m.Rows {
		if _, dup := index[key]; dup {
			return nil, fmt.Errorf("%w: duplicate spot %q in %s", ctsv.ErrDimensionMismatch, key, what)
		}
		index[key] = i
	}
	out := mat.NewDense(len(spots), cols, nil)
	for i, spot := range spots {
		src, ok := index[spot]
		if !ok {
			return nil, fmt.Errorf("%w: spot %q missing from %s", ctsv.ErrDimensionMismatch, spot, what)
		}
		for j := 0; j < cols; j++ {
			out.Set(i, j, m.At(src, j))
		}
	}
	return out, nil
}

func checkSimplex(props *mat.Dense) error {
	rows, cols := props.Dims()
	for i := 0; i < rows; i++ {
		sum := 0.0
		for j := 0; j < cols; j++ {
			v := props.At(i, j)
			if v < -simplexTol || v > 1+simplexTol || math.IsNaN(v) {
				return fmt.Errorf("%w: spot row %d has proportion %g", ErrInvalidProportions, i, v)
			}
			sum += v
		}
		if math.Abs(sum-1) > simplexTol {
			return fmt.Errorf("%w: spot row %d sums to %g", ErrInvalidProportions, i, sum)
		}
	}
	return nil
}
