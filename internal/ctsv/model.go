package ctsv

import "context"

// Model is the fitted-model state: one dataset, one kernel bundle, and the
// result sets the caller has explicitly produced so far. Each stage is an
// independently invocable operation that stores and returns its result;
// re-running a stage replaces that result set and nothing else. Multiple
// models may coexist, nothing here is process-global.
type Model struct {
	Bundle     *KernelBundle
	Overall    *OverallResults
	Individual *IndividualResults
	VarComp    *VarCompResults
}

// NewModel selects the bandwidth, builds the kernel bundle and returns a
// model ready for the test stages.
func NewModel(ds *Dataset, pol BandwidthPolicy, reg RegularizationPolicy) (*Model, error) {
	h, err := SelectBandwidth(ds, pol)
	if err != nil {
		return nil, err
	}
	bundle, err := BuildKernel(ds, h, reg)
	if err != nil {
		return nil, err
	}
	return &Model{Bundle: bundle}, nil
}

// RunOverall runs the overall test and records the result on the model.
func (m *Model) RunOverall(opts OverallOptions) (*OverallResults, error) {
	res, err := m.Bundle.RunOverallTest(opts)
	if err != nil {
		return nil, err
	}
	m.Overall = res
	return res, nil
}

// RunIndividual runs the per-cell-type test and records the result.
func (m *Model) RunIndividual(ctx context.Context, opts IndividualOptions) (*IndividualResults, error) {
	res, err := m.Bundle.RunIndividualTest(ctx, opts)
	if err != nil {
		return nil, err
	}
	m.Individual = res
	return res, nil
}

// EstimateVarComp estimates variance components and records the result.
func (m *Model) EstimateVarComp(ctx context.Context, opts VarCompOptions) (*VarCompResults, error) {
	res, err := m.Bundle.EstimateVarianceComponents(ctx, opts)
	if err != nil {
		return nil, err
	}
	m.VarComp = res
	return res, nil
}

// TopGenes ranks ctSVGs for one cell type from the recorded individual and
// variance-component results.
func (m *Model) TopGenes(opts TopGenesOptions) (*TopGenesResult, error) {
	if m.VarComp == nil || m.Individual == nil {
		return nil, optionErrorf("variance components and individual test must run before ranking")
	}
	return RankTopGenes(m.VarComp, m.Individual, opts)
}

// SignificantGenes returns the genes whose adjusted overall p-value is
// below threshold, in input gene order — the usual input set for the
// individual test.
func (m *Model) SignificantGenes(threshold float64) []string {
	if m.Overall == nil {
		return nil
	}
	var genes []string
	for _, row := range m.Overall.Rows {
		if row.Status == StatusOK && row.PValueAdj < threshold {
			genes = append(genes, row.Gene)
		}
	}
	return genes
}
