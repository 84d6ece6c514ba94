package service

import (
	"context"
	"fmt"
	"math"

	"github.com/svgmap/server/internal/config"
	"github.com/svgmap/server/internal/ctsv"
	"github.com/svgmap/server/internal/resultstore"
)

// AnalysisService runs the SVG detection pipeline for queued jobs.
type AnalysisService struct {
	registry interface {
		Get(datasetID string) *DatasetService
	}
	defaults config.AnalysisConfig
}

// NewAnalysisService creates a new analysis service.
func NewAnalysisService(registry interface{ Get(datasetID string) *DatasetService }, defaults config.AnalysisConfig) *AnalysisService {
	return &AnalysisService{registry: registry, defaults: defaults}
}

// ExecuteAnalysisJob runs the full pipeline for a job (called by the
// JobManager worker): load, bandwidth, kernel, overall test, per-cell-type
// test, variance components, each phase persisted before the next starts.
func (s *AnalysisService) ExecuteAnalysisJob(ctx context.Context, store *resultstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	svc := s.registry.Get(job.Params.DatasetID)
	if svc == nil {
		return fmt.Errorf("dataset not found: %s", job.Params.DatasetID)
	}

	params := job.Params
	adjust := ctsv.AdjustMethod(stringOr(params.AdjustMethod, s.defaults.AdjustMethod))
	workers := params.Workers
	if workers <= 0 {
		workers = s.defaults.Workers
	}
	rule := ctsv.BandwidthRule(stringOr(params.BandwidthRule, s.defaults.BandwidthRule))
	reg := ctsv.RegularizationPolicy{Enabled: s.defaults.Regularize, Ridge: s.defaults.Ridge}

	// Phase 1: load and validate the dataset.
	store.UpdateJobProgress(jobID, "loading_dataset", 0, 0)
	ds, err := svc.Dataset()
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 2: bandwidth selection and kernel construction. Bundle reuse
	// makes repeat jobs on the same dataset start at phase 3.
	store.UpdateJobProgress(jobID, "building_kernel", 0, 0)
	bundle, err := svc.Bundle(params.Bandwidth, ctsv.BandwidthPolicy{Rule: rule}, reg)
	if err != nil {
		return fmt.Errorf("failed to build kernel: %w", err)
	}
	if err := store.UpdateJobModel(jobID, ds.NumGenes(), ds.NumSpots(), bundle.H, ds.CellTypes); err != nil {
		return fmt.Errorf("failed to record model: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 3: overall SVG test over all genes.
	store.UpdateJobProgress(jobID, "overall_test", 0, ds.NumGenes())
	overall, err := bundle.RunOverallTest(ctsv.OverallOptions{Correction: params.Correction, Adjust: adjust})
	if err != nil {
		return fmt.Errorf("overall test failed: %w", err)
	}
	if err := store.SaveOverall(jobID, overall); err != nil {
		return fmt.Errorf("failed to save overall results: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 4: per-cell-type test.
	store.UpdateJobProgress(jobID, "individual_test", 0, ds.NumGenes()*ds.NumCellTypes())
	individual, err := bundle.RunIndividualTest(ctx, ctsv.IndividualOptions{
		Genes:      params.Genes,
		CellTypes:  params.CellTypes,
		Correction: params.Correction,
		Adjust:     adjust,
		Workers:    workers,
	})
	if err != nil {
		return fmt.Errorf("individual test failed: %w", err)
	}
	if err := store.SaveIndividual(jobID, individual); err != nil {
		return fmt.Errorf("failed to save individual results: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 5: variance decomposition.
	store.UpdateJobProgress(jobID, "variance_components", 0, ds.NumGenes())
	varcomp, err := bundle.EstimateVarianceComponents(ctx, ctsv.VarCompOptions{
		Genes:   params.Genes,
		Workers: workers,
	})
	if err != nil {
		return fmt.Errorf("variance estimation failed: %w", err)
	}
	if err := store.SaveVarComp(jobID, varcomp); err != nil {
		return fmt.Errorf("failed to save variance components: %w", err)
	}

	store.UpdateJobProgress(jobID, "done", ds.NumGenes(), ds.NumGenes())
	return nil
}

// TopGenes ranks a completed job's ctSVGs for one cell type from the
// persisted result tables.
func (s *AnalysisService) TopGenes(store *resultstore.Store, jobID, cellType string, threshold float64, maxGenes int) (*ctsv.TopGenesResult, error) {
	job, err := store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if job.Status != resultstore.JobStatusCompleted {
		return nil, fmt.Errorf("job not completed: %s", job.Status)
	}

	vc, err := s.loadVarComp(store, job)
	if err != nil {
		return nil, err
	}
	indRows, _, err := store.QueryIndividual(jobID, cellType, "gene", 0, job.NGenes)
	if err != nil {
		return nil, err
	}
	ind := &ctsv.IndividualResults{
		ByCellType: map[string][]ctsv.IndividualRow{cellType: indRows},
	}

	if threshold == 0 {
		threshold = s.defaults.Threshold
	}
	if maxGenes == 0 {
		maxGenes = s.defaults.TopGenes
	}
	return ctsv.RankTopGenes(vc, ind, ctsv.TopGenesOptions{
		CellType:  cellType,
		Threshold: threshold,
		MaxGenes:  maxGenes,
	})
}

// VarianceFigure renders one gene's variance decomposition from a
// completed job as a bar chart PNG.
func (s *AnalysisService) VarianceFigure(store *resultstore.Store, jobID, gene, colormapName string) ([]byte, error) {
	job, err := store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	svc := s.registry.Get(job.DatasetID)
	if svc == nil {
		return nil, fmt.Errorf("dataset not found: %s", job.DatasetID)
	}

	vc, err := s.loadVarComp(store, job)
	if err != nil {
		return nil, err
	}
	var row *ctsv.VarCompRow
	for i := range vc.Rows {
		if vc.Rows[i].Gene == gene {
			row = &vc.Rows[i]
			break
		}
	}
	if row == nil {
		return nil, fmt.Errorf("gene not found in job results: %s", gene)
	}

	total := row.Residual
	for _, c := range row.Components {
		total += c
	}
	labels := make([]string, 0, len(row.Components)+1)
	shares := make([]float64, 0, len(row.Components)+1)
	for k, c := range row.Components {
		label := fmt.Sprintf("component_%d", k)
		if k < len(job.CellTypes) {
			label = job.CellTypes[k]
		}
		labels = append(labels, label)
		shares = append(shares, shareOf(c, total))
	}
	labels = append(labels, "residual")
	shares = append(shares, shareOf(row.Residual, total))

	return svc.ShareFigure(jobID+":"+gene, labels, shares, colormapName)
}

func (s *AnalysisService) loadVarComp(store *resultstore.Store, job *resultstore.AnalysisJob) (*ctsv.VarCompResults, error) {
	rows, _, err := store.QueryVarComp(job.ID, 0, job.NGenes)
	if err != nil {
		return nil, err
	}
	return &ctsv.VarCompResults{CellTypes: job.CellTypes, Rows: rows}, nil
}

func shareOf(v, total float64) float64 {
	if total <= 0 || math.IsNaN(v) {
		return 0
	}
	return v / total
}

func stringOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
