package ctsv

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// degenerateRelTol decides when a gene's residual sum of squares is too
// small to support a score statistic.
const degenerateRelTol = 1e-10

// OverallOptions configures the pooled spatial-variability test.
type OverallOptions struct {
	// Correction applies the finite-sample correction: the null variance
	// uses the n - rank(X) divisor and the mixture weights come from the
	// projected kernel M Sigma M. Without it the naive statistic is used
	// directly, trading some type-I control for speed; results record
	// which form produced them.
	Correction bool
	// Adjust selects the multiple-testing correction, default BY.
	Adjust AdjustMethod
}

// RunOverallTest scores every gene against H0 "no spatial/cell-type
// structured component", pooling the per-cell-type kernels. Output rows are
// in input gene order. Genes with degenerate residual variance yield NaN
// rows with a status flag; they never abort the batch.
func (b *KernelBundle) RunOverallTest(opts OverallOptions) (*OverallResults, error) {
	if opts.Adjust == "" {
		opts.Adjust = AdjustBY
	}
	if !opts.Adjust.Valid() {
		return nil, optionErrorf("unknown adjustment method %q", opts.Adjust)
	}
	weights, err := b.pooledWeights(opts.Correction)
	if err != nil {
		return nil, err
	}

	ds := b.Dataset
	res := &OverallResults{
		Rows:       make([]OverallRow, ds.NumGenes()),
		Correction: opts.Correction,
		Adjust:     opts.Adjust,
	}
	pvals := make([]float64, ds.NumGenes())
	for g := 0; g < ds.NumGenes(); g++ {
		stat, p := b.scoreGene(ds.ExpressionVector(g), b.SigmaSum, weights, opts.Correction)
		row := OverallRow{Gene: ds.Genes[g], Statistic: stat, PValue: p, Status: StatusOK}
		if math.IsNaN(stat) || math.IsNaN(p) {
			row.Statistic = math.NaN()
			row.PValue = math.NaN()
			row.Status = StatusDegenerate
			res.Failed++
		}
		res.Rows[g] = row
		pvals[g] = row.PValue
	}

	adj, err := AdjustPValues(pvals, opts.Adjust)
	if err != nil {
		return nil, err
	}
	for g := range res.Rows {
		res.Rows[g].PValueAdj = adj[g]
	}
	return res, nil
}

// scoreGene computes the score statistic Q = r' S r / (2 sigma2) and its
// tail probability under the weighted chi-squared null. Returns NaN, NaN
// for degenerate genes (zero expression variance, vanishing residual sum of
// squares, or an empty weight spectrum).
func (b *KernelBundle) scoreGene(y []float64, s *mat.SymDense, weights []float64, corrected bool) (float64, float64) {
	nan := math.NaN()
	if len(weights) == 0 {
		return nan, nan
	}
	n := len(y)
	mean := 0.0
	for _, v := range y {
		mean += v
	}
	mean /= float64(n)
	ssTot := 0.0
	for _, v := range y {
		d := v - mean
		ssTot += d * d
	}
	if ssTot == 0 {
		return nan, nan
	}

	r := b.residuals(y)
	rss := 0.0
	for _, v := range r {
		rss += v * v
	}
	if rss <= degenerateRelTol*ssTot {
		return nan, nan
	}

	div := float64(n)
	if corrected {
		div = float64(n - b.XRank)
		if div <= 0 {
			return nan, nan
		}
	}
	sigma2 := rss / div
	stat := quadForm(r, s) / (2 * sigma2)
	p := weightedChiSquaredSF(stat, weights)
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return stat, p
}
