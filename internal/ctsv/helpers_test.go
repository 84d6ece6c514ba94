package ctsv

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// makeDataset builds a synthetic dataset: uniform 2D coordinates, Dirichlet
// style cell-type proportions, and log-normal-ish expression noise. Gene 0
// carries a strong spatial pattern tied to cell type 0 so tests have a real
// signal to find.
func makeDataset(genes, spots, cellTypes int, seed int64) *Dataset {
	rng := rand.New(rand.NewSource(seed))

	geneNames := make([]string, genes)
	for i := range geneNames {
		geneNames[i] = fmt.Sprintf("gene_%03d", i)
	}
	spotNames := make([]string, spots)
	for i := range spotNames {
		spotNames[i] = fmt.Sprintf("spot_%04d", i)
	}
	ctNames := make([]string, cellTypes)
	for i := range ctNames {
		ctNames[i] = fmt.Sprintf("celltype_%02d", i)
	}

	coords := mat.NewDense(spots, 2, nil)
	for i := 0; i < spots; i++ {
		coords.Set(i, 0, rng.Float64())
		coords.Set(i, 1, rng.Float64())
	}

	props := mat.NewDense(spots, cellTypes, nil)
	for i := 0; i < spots; i++ {
		total := 0.0
		row := make([]float64, cellTypes)
		for j := range row {
			row[j] = rng.ExpFloat64()
			total += row[j]
		}
		for j := range row {
			props.Set(i, j, row[j]/total)
		}
	}

	expr := mat.NewDense(genes, spots, nil)
	for g := 0; g < genes; g++ {
		for s := 0; s < spots; s++ {
			v := math.Abs(rng.NormFloat64())
			if g == 0 {
				// spatial wave expressed through cell type 0
				wave := math.Sin(4 * math.Pi * coords.At(s, 0))
				v += 5 * props.At(s, 0) * (1 + wave)
			}
			expr.Set(g, s, v)
		}
	}

	return &Dataset{
		Genes:     geneNames,
		Spots:     spotNames,
		CellTypes: ctNames,
		Expr:      expr,
		Coords:    coords,
		Props:     props,
	}
}

// makeBundle is makeDataset plus a built kernel with a fixed bandwidth.
func makeBundle(genes, spots, cellTypes int, seed int64) *KernelBundle {
	ds := makeDataset(genes, spots, cellTypes, seed)
	b, err := BuildKernel(ds, 0.2, RegularizationPolicy{})
	if err != nil {
		panic(err)
	}
	return b
}

// setConstantGene overwrites one gene with a constant value.
func setConstantGene(ds *Dataset, g int, v float64) {
	for s := 0; s < ds.NumSpots(); s++ {
		ds.Expr.Set(g, s, v)
	}
}
