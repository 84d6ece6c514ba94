package ctsv

import (
	"context"
	"testing"
)

func TestModelPipeline(t *testing.T) {
	ds := makeDataset(10, 100, 3, 151)
	m, err := NewModel(ds, BandwidthPolicy{Rule: RuleSilverman}, RegularizationPolicy{})
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	if m.Bundle.H <= 0 {
		t.Fatalf("bandwidth %g", m.Bundle.H)
	}

	if _, err := m.RunOverall(OverallOptions{Correction: true}); err != nil {
		t.Fatalf("RunOverall: %v", err)
	}
	if m.Overall == nil {
		t.Fatal("overall results not recorded")
	}

	survivors := m.SignificantGenes(0.5)
	if len(survivors) == 0 {
		// Fall back to all genes so the rest of the pipeline still runs.
		survivors = nil
	}
	if _, err := m.RunIndividual(context.Background(), IndividualOptions{Genes: survivors, Workers: 2}); err != nil {
		t.Fatalf("RunIndividual: %v", err)
	}
	if _, err := m.EstimateVarComp(context.Background(), VarCompOptions{Genes: survivors, Workers: 2}); err != nil {
		t.Fatalf("EstimateVarComp: %v", err)
	}

	top, err := m.TopGenes(TopGenesOptions{CellType: "celltype_00", Threshold: 0.99})
	if err != nil {
		t.Fatalf("TopGenes: %v", err)
	}
	if top.CellType != "celltype_00" {
		t.Errorf("result cell type %q", top.CellType)
	}
}

func TestModelTopGenesRequiresStages(t *testing.T) {
	ds := makeDataset(4, 60, 2, 157)
	m, err := NewModel(ds, BandwidthPolicy{Rule: RuleSilverman}, RegularizationPolicy{})
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	if _, err := m.TopGenes(TopGenesOptions{CellType: "celltype_00"}); err == nil {
		t.Fatal("expected error before individual/varcomp stages ran")
	}
}

func TestModelRerunReplacesResults(t *testing.T) {
	ds := makeDataset(5, 60, 2, 163)
	m, err := NewModel(ds, BandwidthPolicy{Rule: RuleSilverman}, RegularizationPolicy{})
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	first, err := m.RunOverall(OverallOptions{Correction: false})
	if err != nil {
		t.Fatalf("first RunOverall: %v", err)
	}
	second, err := m.RunOverall(OverallOptions{Correction: true})
	if err != nil {
		t.Fatalf("second RunOverall: %v", err)
	}
	if m.Overall != second {
		t.Error("re-run did not replace the recorded result")
	}
	if first == second {
		t.Error("re-run returned the same result object")
	}
}
