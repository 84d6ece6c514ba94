package ctsv

import (
	"errors"
	"math"
	"testing"
)

func TestOverallTestRowOrderAndStatus(t *testing.T) {
	b := makeBundle(8, 90, 3, 61)
	res, err := b.RunOverallTest(OverallOptions{})
	if err != nil {
		t.Fatalf("RunOverallTest: %v", err)
	}
	if len(res.Rows) != 8 {
		t.Fatalf("got %d rows, want 8", len(res.Rows))
	}
	for g, row := range res.Rows {
		if row.Gene != b.Dataset.Genes[g] {
			t.Fatalf("row %d is %q, want input order %q", g, row.Gene, b.Dataset.Genes[g])
		}
		if row.Status != StatusOK {
			continue
		}
		if math.IsNaN(row.Statistic) || row.PValue < 0 || row.PValue > 1 {
			t.Errorf("gene %q: statistic %g, p %g", row.Gene, row.Statistic, row.PValue)
		}
		if row.PValueAdj < row.PValue {
			t.Errorf("gene %q: adjusted %g below raw %g", row.Gene, row.PValueAdj, row.PValue)
		}
	}
	if res.Adjust != AdjustBY {
		t.Errorf("default adjust = %q, want BY", res.Adjust)
	}
}

func TestOverallTestDeterministic(t *testing.T) {
	// Two runs with correction disabled must agree bit for bit.
	b := makeBundle(6, 70, 3, 67)
	first, err := b.RunOverallTest(OverallOptions{Correction: false})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := b.RunOverallTest(OverallOptions{Correction: false})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	for g := range first.Rows {
		a, bb := first.Rows[g], second.Rows[g]
		if a.Statistic != bb.Statistic || a.PValue != bb.PValue || a.PValueAdj != bb.PValueAdj {
			if !(math.IsNaN(a.Statistic) && math.IsNaN(bb.Statistic)) {
				t.Fatalf("gene %q differs between runs: %+v vs %+v", a.Gene, a, bb)
			}
		}
	}
}

func TestOverallTestConstantGenesFlagged(t *testing.T) {
	// Exactly the constant genes must come back NaN-flagged, the rest
	// numeric.
	ds := makeDataset(10, 80, 3, 71)
	constant := map[int]bool{2: true, 5: true, 9: true}
	for g := range constant {
		setConstantGene(ds, g, 4.2)
	}
	b, err := BuildKernel(ds, 0.2, RegularizationPolicy{})
	if err != nil {
		t.Fatalf("BuildKernel: %v", err)
	}
	res, err := b.RunOverallTest(OverallOptions{})
	if err != nil {
		t.Fatalf("RunOverallTest: %v", err)
	}
	for g, row := range res.Rows {
		if constant[g] {
			if row.Status != StatusDegenerate || !math.IsNaN(row.Statistic) || !math.IsNaN(row.PValue) {
				t.Errorf("constant gene %d not flagged: %+v", g, row)
			}
		} else {
			if row.Status != StatusOK || math.IsNaN(row.PValue) {
				t.Errorf("gene %d unexpectedly degenerate: %+v", g, row)
			}
		}
	}
	if res.Failed != len(constant) {
		t.Errorf("Failed = %d, want %d", res.Failed, len(constant))
	}
}

func TestOverallTestSpatialGeneRanksFirst(t *testing.T) {
	// Gene 0 carries the planted spatial signal; its p-value should be
	// the smallest in the batch.
	b := makeBundle(12, 120, 3, 73)
	res, err := b.RunOverallTest(OverallOptions{Correction: true})
	if err != nil {
		t.Fatalf("RunOverallTest: %v", err)
	}
	best := 0
	for g, row := range res.Rows {
		if row.Status == StatusOK && row.PValue < res.Rows[best].PValue {
			best = g
		}
	}
	if best != 0 {
		t.Errorf("smallest p-value at gene %d, expected the planted spatial gene 0", best)
	}
}

func TestOverallTestCorrectionChangesWeights(t *testing.T) {
	b := makeBundle(4, 60, 3, 79)
	naive, err := b.RunOverallTest(OverallOptions{Correction: false})
	if err != nil {
		t.Fatalf("naive: %v", err)
	}
	corrected, err := b.RunOverallTest(OverallOptions{Correction: true})
	if err != nil {
		t.Fatalf("corrected: %v", err)
	}
	if naive.Correction || !corrected.Correction {
		t.Error("correction flag not recorded in results")
	}
	same := true
	for g := range naive.Rows {
		if naive.Rows[g].PValue != corrected.Rows[g].PValue {
			same = false
			break
		}
	}
	if same {
		t.Error("correction had no effect on any p-value")
	}
}

func TestOverallTestBadAdjust(t *testing.T) {
	b := makeBundle(2, 30, 2, 83)
	_, err := b.RunOverallTest(OverallOptions{Adjust: AdjustMethod("nope")})
	if !errors.Is(err, ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption, got %v", err)
	}
}
