package ctsv

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestIndividualTestGroupsAndAdjustment(t *testing.T) {
	b := makeBundle(6, 80, 4, 91)
	res, err := b.RunIndividualTest(context.Background(), IndividualOptions{})
	if err != nil {
		t.Fatalf("RunIndividualTest: %v", err)
	}
	if len(res.ByCellType) != 4 {
		t.Fatalf("got %d cell-type groups, want 4", len(res.ByCellType))
	}
	for ct, rows := range res.ByCellType {
		if len(rows) != 6 {
			t.Fatalf("%s: %d rows, want 6", ct, len(rows))
		}
		for _, row := range rows {
			if row.Status != StatusOK {
				continue
			}
			if row.PValueAdj < row.PValue {
				t.Errorf("%s/%s: adjusted %g below raw %g", ct, row.Gene, row.PValueAdj, row.PValue)
			}
		}
	}
}

func TestIndividualTestUnknownCellTypeFailsFast(t *testing.T) {
	b := makeBundle(4, 50, 3, 97)
	_, err := b.RunIndividualTest(context.Background(), IndividualOptions{
		CellTypes: []string{"celltype_00", "astrocyte"},
	})
	if !errors.Is(err, ErrUnknownCellType) {
		t.Fatalf("expected ErrUnknownCellType, got %v", err)
	}
	// Validation must run before any eigen work is cached.
	b.mu.Lock()
	cached := len(b.cellEig)
	b.mu.Unlock()
	if cached != 0 {
		t.Errorf("eigen cache filled before validation failure (%d entries)", cached)
	}
}

func TestIndividualTestUnknownGene(t *testing.T) {
	b := makeBundle(4, 50, 3, 101)
	_, err := b.RunIndividualTest(context.Background(), IndividualOptions{
		Genes: []string{"gene_000", "missing"},
	})
	if !errors.Is(err, ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption, got %v", err)
	}
}

func TestIndividualTestGeneSubset(t *testing.T) {
	b := makeBundle(8, 60, 3, 103)
	genes := []string{"gene_001", "gene_004", "gene_007"}
	res, err := b.RunIndividualTest(context.Background(), IndividualOptions{Genes: genes})
	if err != nil {
		t.Fatalf("RunIndividualTest: %v", err)
	}
	for ct, rows := range res.ByCellType {
		if len(rows) != len(genes) {
			t.Fatalf("%s: %d rows, want %d", ct, len(rows), len(genes))
		}
		for i, row := range rows {
			if row.Gene != genes[i] {
				t.Fatalf("%s row %d is %q, want %q", ct, i, row.Gene, genes[i])
			}
		}
	}
}

func TestIndividualTestWorkersAgree(t *testing.T) {
	b := makeBundle(10, 70, 3, 107)
	serial, err := b.RunIndividualTest(context.Background(), IndividualOptions{Workers: 1})
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	parallel, err := b.RunIndividualTest(context.Background(), IndividualOptions{Workers: 4})
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}
	for ct, rows := range serial.ByCellType {
		prows := parallel.ByCellType[ct]
		for i := range rows {
			if rows[i].Statistic != prows[i].Statistic || rows[i].PValue != prows[i].PValue {
				if !(math.IsNaN(rows[i].Statistic) && math.IsNaN(prows[i].Statistic)) {
					t.Fatalf("%s/%s differs between worker counts", ct, rows[i].Gene)
				}
			}
		}
	}
}

func TestIndividualTestCancelled(t *testing.T) {
	b := makeBundle(20, 60, 3, 109)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.RunIndividualTest(ctx, IndividualOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIndividualTestSignalLocalizesToCellType0(t *testing.T) {
	// The planted gene expresses through cell type 0's proportions; the
	// test against Sigma_0 should find it at least as strongly as any
	// other cell type does.
	b := makeBundle(6, 150, 3, 113)
	res, err := b.RunIndividualTest(context.Background(), IndividualOptions{
		Genes:      []string{"gene_000"},
		Correction: true,
	})
	if err != nil {
		t.Fatalf("RunIndividualTest: %v", err)
	}
	p0 := res.ByCellType["celltype_00"][0].PValue
	for ct, rows := range res.ByCellType {
		if p := rows[0].PValue; p < p0 {
			t.Errorf("cell type %s has smaller p (%g) than the driving type (%g)", ct, p, p0)
		}
	}
}
