package ctsv

import (
	"context"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// VarCompOptions configures variance-component estimation.
type VarCompOptions struct {
	// Genes restricts estimation to these gene names; nil means all.
	Genes []string
	// Workers caps the gene-level fan-out; values below 1 run
	// single-threaded.
	Workers int
}

// EstimateVarianceComponents partitions each gene's expression variance
// across the per-cell-type spatial effects and residual noise. The
// estimator solves the MINQUE moment equations A theta = c, where
// A_kl = tr(M Sigma_k M Sigma_l) is gene independent and c_k = r' Sigma_k r
// comes from the gene's residuals; non-negativity is enforced by active-set
// re-solving. Genes whose system cannot be solved keep a clipped boundary
// estimate and are flagged, never failing the batch.
func (b *KernelBundle) EstimateVarianceComponents(ctx context.Context, opts VarCompOptions) (*VarCompResults, error) {
	geneIdx, err := b.resolveGenes(opts.Genes)
	if err != nil {
		return nil, err
	}
	ds := b.Dataset
	c := ds.NumCellTypes()
	coef := b.minqueCoefficients()

	res := &VarCompResults{
		CellTypes: append([]string(nil), ds.CellTypes...),
		Rows:      make([]VarCompRow, len(geneIdx)),
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(geneIdx) && len(geneIdx) > 0 {
		workers = len(geneIdx)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	var warnMu sync.Mutex
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				row := b.estimateGene(geneIdx[j], c, coef)
				res.Rows[j] = row
				if row.Status != StatusOK {
					warnMu.Lock()
					res.Warnings++
					warnMu.Unlock()
				}
			}
		}()
	}

dispatch:
	for j := range geneIdx {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- j:
		}
	}
	close(jobs)
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (b *KernelBundle) estimateGene(g, c int, coef *mat.Dense) VarCompRow {
	ds := b.Dataset
	row := VarCompRow{Gene: ds.Genes[g], Status: StatusOK}

	y := ds.ExpressionVector(g)
	mean := 0.0
	for _, v := range y {
		mean += v
	}
	mean /= float64(len(y))
	ssTot := 0.0
	for _, v := range y {
		d := v - mean
		ssTot += d * d
	}
	if ssTot == 0 {
		row.Components = nanSlice(c)
		row.Residual = math.NaN()
		row.Status = StatusDegenerate
		return row
	}

	r := b.residuals(y)
	rhs := make([]float64, c+1)
	for k := 0; k < c; k++ {
		rhs[k] = quadForm(r, b.Sigma[k])
	}
	rss := 0.0
	for _, v := range r {
		rss += v * v
	}
	rhs[c] = rss

	theta, settled := solveNonNegative(coef, rhs)
	if !settled {
		row.Status = StatusNotConverged
	}
	row.Components = theta[:c]
	row.Residual = theta[c]
	return row
}

// solveNonNegative solves A theta = c subject to theta >= 0 by active-set
// elimination: solve, zero out the most negative component, re-solve on the
// survivors. The loop drops at most one component per pass so it always
// terminates. The second return is false when a subsystem solve failed and
// the result is a clipped least-squares fallback.
func solveNonNegative(a *mat.Dense, c []float64) ([]float64, bool) {
	n := len(c)
	active := make([]int, n)
	for i := range active {
		active[i] = i
	}
	theta := make([]float64, n)

	for len(active) > 0 {
		sub := mat.NewDense(len(active), len(active), nil)
		rhs := mat.NewVecDense(len(active), nil)
		for i, ai := range active {
			rhs.SetVec(i, c[ai])
			for j, aj := range active {
				sub.Set(i, j, a.At(ai, aj))
			}
		}
		sol := mat.NewVecDense(len(active), nil)
		if err := sol.SolveVec(sub, rhs); err != nil {
			// Ill-conditioned subsystem: least-squares, then clip.
			var dense mat.Dense
			if lerr := dense.Solve(sub, rhs); lerr != nil {
				for i := range theta {
					theta[i] = 0
				}
				return theta, false
			}
			for i, ai := range active {
				theta[ai] = math.Max(0, dense.At(i, 0))
			}
			return theta, false
		}

		worst, worstVal := -1, 0.0
		for i := range active {
			if v := sol.AtVec(i); v < worstVal {
				worst, worstVal = i, v
			}
		}
		if worst < 0 {
			for i, ai := range active {
				theta[ai] = sol.AtVec(i)
			}
			return theta, true
		}
		theta[active[worst]] = 0
		active = append(active[:worst], active[worst+1:]...)
	}
	return theta, true
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}
