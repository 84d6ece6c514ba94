package ctsv

import (
	"context"
	"math"
	"sync"
)

// IndividualOptions configures the per-cell-type localization test.
type IndividualOptions struct {
	// Genes restricts the test to these gene names; nil means all genes
	// (typically the caller passes the overall-test survivors).
	Genes []string
	// CellTypes restricts the tested cell types; nil means all. Unknown
	// labels fail before any computation starts.
	CellTypes []string
	// Correction as in OverallOptions.
	Correction bool
	// Adjust selects the within-cell-type p-value adjustment, default BY.
	Adjust AdjustMethod
	// Workers caps the gene-level fan-out; values below 1 run
	// single-threaded.
	Workers int
}

// RunIndividualTest scores each selected (gene, cell type) pair against H0
// "no cell-type-k-specific spatial component", substituting Sigma_k for the
// pooled kernel. Results are grouped by cell type with adjustment applied
// within each group independently. Gene fan-out uses a worker pool; workers
// only read the bundle and write disjoint row slots. Cancelling ctx stops
// dispatching new genes, in-flight genes complete.
func (b *KernelBundle) RunIndividualTest(ctx context.Context, opts IndividualOptions) (*IndividualResults, error) {
	if opts.Adjust == "" {
		opts.Adjust = AdjustBY
	}
	if !opts.Adjust.Valid() {
		return nil, optionErrorf("unknown adjustment method %q", opts.Adjust)
	}
	ds := b.Dataset

	// Cheap validation first: an unknown label must fail before any
	// kernel work is spent.
	cellIdx, err := b.resolveCellTypes(opts.CellTypes)
	if err != nil {
		return nil, err
	}
	geneIdx, err := b.resolveGenes(opts.Genes)
	if err != nil {
		return nil, err
	}

	weights := make([][]float64, len(cellIdx))
	for i, ct := range cellIdx {
		w, err := b.cellWeights(ct, opts.Correction)
		if err != nil {
			return nil, err
		}
		weights[i] = w
	}

	type slot struct {
		stat []float64 // per cell type
		p    []float64
	}
	slots := make([]slot, len(geneIdx))

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(geneIdx) && len(geneIdx) > 0 {
		workers = len(geneIdx)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				y := ds.ExpressionVector(geneIdx[j])
				st := make([]float64, len(cellIdx))
				pv := make([]float64, len(cellIdx))
				for i, ct := range cellIdx {
					st[i], pv[i] = b.scoreGene(y, b.Sigma[ct], weights[i], opts.Correction)
				}
				slots[j] = slot{stat: st, p: pv}
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

	res := &IndividualResults{
		ByCellType: make(map[string][]IndividualRow, len(cellIdx)),
		Genes:      make([]string, len(geneIdx)),
		Correction: opts.Correction,
		Adjust:     opts.Adjust,
	}
	for j, g := range geneIdx {
		res.Genes[j] = ds.Genes[g]
	}
	for i, ct := range cellIdx {
		name := ds.CellTypes[ct]
		rows := make([]IndividualRow, len(geneIdx))
		pvals := make([]float64, len(geneIdx))
		for j, g := range geneIdx {
			stat, p := slots[j].stat[i], slots[j].p[i]
			row := IndividualRow{Gene: ds.Genes[g], Statistic: stat, PValue: p, Status: StatusOK}
			if math.IsNaN(stat) || math.IsNaN(p) {
				row.Statistic = math.NaN()
				row.PValue = math.NaN()
				row.Status = StatusDegenerate
				res.Failed++
			}
			rows[j] = row
			pvals[j] = row.PValue
		}
		adj, err := AdjustPValues(pvals, opts.Adjust)
		if err != nil {
			return nil, err
		}
		for j := range rows {
			rows[j].PValueAdj = adj[j]
		}
		res.ByCellType[name] = rows
	}
	return res, nil
}

func (b *KernelBundle) resolveCellTypes(names []string) ([]int, error) {
	ds := b.Dataset
	if names == nil {
		idx := make([]int, ds.NumCellTypes())
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}
	idx := make([]int, 0, len(names))
	for _, name := range names {
		i := ds.CellTypeIndex(name)
		if i < 0 {
			return nil, optionWrap(ErrUnknownCellType, name)
		}
		idx = append(idx, i)
	}
	if len(idx) == 0 {
		return nil, optionErrorf("empty cell-type selection")
	}
	return idx, nil
}

func (b *KernelBundle) resolveGenes(names []string) ([]int, error) {
	ds := b.Dataset
	if names == nil {
		idx := make([]int, ds.NumGenes())
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}
	idx := make([]int, 0, len(names))
	for _, name := range names {
		i := ds.GeneIndex(name)
		if i < 0 {
			return nil, optionErrorf("unknown gene %q", name)
		}
		idx = append(idx, i)
	}
	return idx, nil
}
