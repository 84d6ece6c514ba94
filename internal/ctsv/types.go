package ctsv

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Dataset holds the aligned matrices for one spatial transcriptomics sample.
// Rows/columns are keyed positionally: Expr column j, Coords row j, Props
// row j and Covars row j all describe spot Spots[j]. Construction and
// validation live in internal/data; the engine treats a Dataset as
// read-only.
type Dataset struct {
	Genes     []string // gene identifiers, length G
	Spots     []string // spot identifiers, length N
	CellTypes []string // cell-type labels, length C

	Expr   *mat.Dense // G x N expression (counts or normalized)
	Coords *mat.Dense // N x D spatial coordinates
	Props  *mat.Dense // N x C cell-type proportions, rows on the simplex
	Covars *mat.Dense // N x Q extra covariates, may be nil

	// Raw marks expression that skipped upstream normalization.
	Raw bool
}

// NumGenes returns G.
func (d *Dataset) NumGenes() int { return len(d.Genes) }

// NumSpots returns N.
func (d *Dataset) NumSpots() int { return len(d.Spots) }

// NumCellTypes returns C.
func (d *Dataset) NumCellTypes() int { return len(d.CellTypes) }

// GeneIndex returns the row index of a gene, or -1.
func (d *Dataset) GeneIndex(gene string) int {
	for i, g := range d.Genes {
		if g == gene {
			return i
		}
	}
	return -1
}

// CellTypeIndex returns the column index of a cell type, or -1.
func (d *Dataset) CellTypeIndex(ct string) int {
	for i, c := range d.CellTypes {
		if c == ct {
			return i
		}
	}
	return -1
}

// ExpressionVector copies gene g's expression across spots.
func (d *Dataset) ExpressionVector(g int) []float64 {
	y := make([]float64, d.NumSpots())
	mat.Row(y, g, d.Expr)
	return y
}

// ScaledExpressionVector returns gene g's expression min-max scaled to
// [0, 1], the form the visualization layer consumes. A constant gene maps
// to all zeros.
func (d *Dataset) ScaledExpressionVector(g int) []float64 {
	y := d.ExpressionVector(g)
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range y {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi-lo <= 0 {
		for i := range y {
			y[i] = 0
		}
		return y
	}
	for i := range y {
		y[i] = (y[i] - lo) / (hi - lo)
	}
	return y
}

// GeneStatus flags the outcome of a per-gene computation. Batch runs never
// abort on a single pathological gene; the row is flagged instead.
type GeneStatus string

const (
	// StatusOK marks a clean numeric result.
	StatusOK GeneStatus = "ok"
	// StatusDegenerate marks a gene whose statistic could not be formed
	// (for example zero residual variance); its numeric fields are NaN.
	StatusDegenerate GeneStatus = "degenerate"
	// StatusNotConverged marks a variance-component estimate whose
	// active-set iteration hit its cap; the boundary estimate is kept.
	StatusNotConverged GeneStatus = "not_converged"
)

// OverallRow is one gene's result from the overall spatial-variability test.
type OverallRow struct {
	Gene      string     `json:"gene"`
	Statistic float64    `json:"statistic"`
	PValue    float64    `json:"p_value"`
	PValueAdj float64    `json:"p_value_adj"`
	Status    GeneStatus `json:"status"`
}

// OverallResults holds the overall test output, one row per gene in input
// gene order.
type OverallResults struct {
	Rows       []OverallRow `json:"rows"`
	Failed     int          `json:"failed"`
	Correction bool         `json:"correction"`
	Adjust     AdjustMethod `json:"adjust_method"`
}

// IndividualRow is one (gene, cell type) result from the per-cell-type test.
type IndividualRow struct {
	Gene      string     `json:"gene"`
	Statistic float64    `json:"statistic"`
	PValue    float64    `json:"p_value"`
	PValueAdj float64    `json:"p_value_adj"`
	Status    GeneStatus `json:"status"`
}

// IndividualResults groups per-cell-type test tables. P-value adjustment is
// applied within each cell-type group independently.
type IndividualResults struct {
	ByCellType map[string][]IndividualRow `json:"by_cell_type"`
	Genes      []string                   `json:"genes"`
	Failed     int                        `json:"failed"`
	Correction bool                       `json:"correction"`
	Adjust     AdjustMethod               `json:"adjust_method"`
}

// VarCompRow is one gene's variance decomposition: one non-negative
// component per cell type plus the residual. Components are variances, not
// proportions; they carry no sum constraint beyond being >= 0.
type VarCompRow struct {
	Gene       string     `json:"gene"`
	Components []float64  `json:"components"`
	Residual   float64    `json:"residual"`
	Status     GeneStatus `json:"status"`
}

// Share returns cell type k's fraction of the gene's total estimated
// variance, or NaN when the decomposition is degenerate.
func (r VarCompRow) Share(k int) float64 {
	total := r.Residual
	for _, c := range r.Components {
		total += c
	}
	if total <= 0 || k < 0 || k >= len(r.Components) {
		return math.NaN()
	}
	return r.Components[k] / total
}

// VarCompResults holds per-gene variance-component estimates.
type VarCompResults struct {
	CellTypes []string     `json:"cell_types"`
	Rows      []VarCompRow `json:"rows"`
	Warnings  int          `json:"warnings"`
}

// TopGene is one ranked ctSVG for a target cell type.
type TopGene struct {
	Gene       string    `json:"gene"`
	Share      float64   `json:"share"`
	PValue     float64   `json:"p_value"`
	Components []float64 `json:"components"`
	Residual   float64   `json:"residual"`
}

// TopGenesResult is the ordered selection of cell-type-specific SVGs plus
// the full decomposition needed by downstream rendering.
type TopGenesResult struct {
	CellType  string    `json:"cell_type"`
	CellTypes []string  `json:"cell_types"`
	Genes     []TopGene `json:"genes"`
	Threshold float64   `json:"threshold"`
}

// GeneList returns the ordered gene names, the round-trippable view of the
// selection.
func (t *TopGenesResult) GeneList() []string {
	out := make([]string, len(t.Genes))
	for i, g := range t.Genes {
		out[i] = g.Gene
	}
	return out
}
