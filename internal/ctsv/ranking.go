package ctsv

import (
	"math"
	"sort"
)

// Ranking defaults.
const (
	DefaultThreshold = 0.05
	DefaultMaxGenes  = 20
)

// TopGenesOptions configures ctSVG selection for one target cell type.
type TopGenesOptions struct {
	CellType string
	// Threshold is compared against the cell type's adjusted
	// individual-test p-values; zero means DefaultThreshold.
	Threshold float64
	// MaxGenes caps the returned list; zero means DefaultMaxGenes.
	MaxGenes int
}

// RankTopGenes filters genes significant for the target cell type and ranks
// them by that cell type's variance-component share, descending. Fewer
// significant genes than the cap yields a shorter list; zero yields an
// empty list, not an error.
func RankTopGenes(vc *VarCompResults, ind *IndividualResults, opts TopGenesOptions) (*TopGenesResult, error) {
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.MaxGenes == 0 {
		opts.MaxGenes = DefaultMaxGenes
	}
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return nil, optionErrorf("threshold %g outside (0, 1]", opts.Threshold)
	}
	if opts.MaxGenes < 0 {
		return nil, optionErrorf("max genes %d is negative", opts.MaxGenes)
	}

	ctIdx := -1
	for i, name := range vc.CellTypes {
		if name == opts.CellType {
			ctIdx = i
			break
		}
	}
	if ctIdx < 0 {
		return nil, optionWrap(ErrUnknownCellType, opts.CellType)
	}
	rows, ok := ind.ByCellType[opts.CellType]
	if !ok {
		return nil, optionWrap(ErrUnknownCellType, opts.CellType)
	}
	pByGene := make(map[string]float64, len(rows))
	for _, r := range rows {
		pByGene[r.Gene] = r.PValueAdj
	}

	selected := make([]TopGene, 0)
	for _, row := range vc.Rows {
		if row.Status == StatusDegenerate {
			continue
		}
		p, ok := pByGene[row.Gene]
		if !ok || math.IsNaN(p) || p >= opts.Threshold {
			continue
		}
		share := row.Share(ctIdx)
		if math.IsNaN(share) {
			continue
		}
		selected = append(selected, TopGene{
			Gene:       row.Gene,
			Share:      share,
			PValue:     p,
			Components: append([]float64(nil), row.Components...),
			Residual:   row.Residual,
		})
	}

	sort.Slice(selected, func(i, j int) bool {
		if selected[i].Share != selected[j].Share {
			return selected[i].Share > selected[j].Share
		}
		if selected[i].PValue != selected[j].PValue {
			return selected[i].PValue < selected[j].PValue
		}
		return selected[i].Gene < selected[j].Gene
	})
	if len(selected) > opts.MaxGenes {
		selected = selected[:opts.MaxGenes]
	}

	return &TopGenesResult{
		CellType:  opts.CellType,
		CellTypes: append([]string(nil), vc.CellTypes...),
		Genes:     selected,
		Threshold: opts.Threshold,
	}, nil
}
