package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/svgmap/server/internal/cache"
	"github.com/svgmap/server/internal/ctsv"
	"github.com/svgmap/server/internal/resultstore"
	"github.com/svgmap/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
	Analysis    *service.AnalysisService
	Cache       *cache.Manager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Global gene_lookup endpoint (resolves gene -> matching datasets)
	r.Get("/api/gene_lookup", geneLookupHandler(cfg.Registry))

	// Cache statistics
	r.Get("/api/cache/stats", cacheStatsHandler(cfg.Cache))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		// Figure endpoints
		r.Get("/figures/expression/{gene}.png", datasetExpressionFigureHandler)
		// NOTE: chi treats '.' as a param delimiter when the route pattern is `{gene}.png`,
		// which breaks genes containing '.' (e.g. "Azfi-s0217.g058558").
		// Add a fallback route that captures the full segment (including ".png") and strip
		// the extension in the handler.
		r.Get("/figures/expression/{gene}", datasetExpressionFigureHandler)

		// API endpoints
		r.Route("/api", func(r chi.Router) {
			r.Get("/summary", datasetSummaryHandler)
			r.Get("/genes", datasetGenesHandler)
			r.Get("/genes/{gene}", datasetGeneInfoHandler)

			// SVG analysis job endpoints
			r.Route("/svg/jobs", func(r chi.Router) {
				r.Post("/", svgJobSubmitHandler(cfg.JobManager))
				r.Get("/", svgJobListHandler(cfg.JobManager))
				r.Get("/{job_id}", svgJobStatusHandler(cfg.JobManager))
				r.Delete("/{job_id}", svgJobCancelHandler(cfg.JobManager))
				r.Get("/{job_id}/overall", svgJobOverallHandler(cfg.JobManager))
				r.Get("/{job_id}/individual", svgJobIndividualHandler(cfg.JobManager))
				r.Get("/{job_id}/varcomp", svgJobVarCompHandler(cfg.JobManager))
				r.Get("/{job_id}/top_genes", svgJobTopGenesHandler(cfg.JobManager, cfg.Analysis))
				r.Get("/{job_id}/genes/{gene}/variance.png", svgJobVarianceFigureHandler(cfg.JobManager, cfg.Analysis))
				r.Get("/{job_id}/genes/{gene}/variance", svgJobVarianceFigureHandler(cfg.JobManager, cfg.Analysis))
			})
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects its service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.DatasetService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.DatasetService); ok {
		return svc
	}
	return nil
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

// geneLookupHandler resolves a gene to the list of datasets containing it.
func geneLookupHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gene := strings.TrimSpace(r.URL.Query().Get("gene"))
		if gene == "" {
			http.Error(w, "missing required query param: gene", http.StatusBadRequest)
			return
		}

		var matchingDatasets []string
		for _, dsID := range registry.DatasetIDs() {
			svc := registry.Get(dsID)
			if svc == nil {
				continue
			}
			ds, err := svc.Dataset()
			if err != nil {
				continue
			}
			if ds.GeneIndex(gene) >= 0 {
				matchingDatasets = append(matchingDatasets, dsID)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"gene":     gene,
			"datasets": matchingDatasets,
		})
	}
}

func cacheStatsHandler(cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cm == nil {
			http.Error(w, "cache not configured", http.StatusNotImplemented)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cm.Stats())
	}
}

// Dataset-scoped handlers (get service from context)
func datasetSummaryHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	summary, err := svc.Summary()
	if err != nil {
		http.Error(w, "failed to load dataset: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func datasetGenesHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	genes, err := svc.Genes()
	if err != nil {
		http.Error(w, "failed to load dataset: "+err.Error(), http.StatusInternalServerError)
		return
	}
	total := len(genes)

	// Optional case-insensitive substring search
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		qLower := strings.ToLower(q)
		filtered := make([]string, 0)
		for _, g := range genes {
			if strings.Contains(strings.ToLower(g), qLower) {
				filtered = append(filtered, g)
			}
		}
		sort.Strings(filtered)
		genes = filtered
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > 0 && len(genes) > limit {
		genes = genes[:limit]
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"genes":   genes,
		"matched": len(genes),
		"total":   total,
	})
}

func datasetGeneInfoHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	gene := chi.URLParam(r, "gene")
	ds, err := svc.Dataset()
	if err != nil {
		http.Error(w, "failed to load dataset: "+err.Error(), http.StatusInternalServerError)
		return
	}
	idx := ds.GeneIndex(gene)
	if idx < 0 {
		http.Error(w, "gene not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"name":  gene,
		"index": idx,
	})
}

func datasetExpressionFigureHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	gene := chi.URLParam(r, "gene")
	gene = strings.TrimSuffix(gene, ".png")
	colormap := r.URL.Query().Get("colormap")

	data, err := svc.ExpressionFigure(gene, colormap)
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

// svgJobSubmitRequest is the request body for submitting an SVG analysis job.
type svgJobSubmitRequest struct {
	Genes         []string `json:"genes"`
	CellTypes     []string `json:"cell_types"`
	Bandwidth     float64  `json:"bandwidth"`
	BandwidthRule string   `json:"bandwidth_rule"`
	AdjustMethod  string   `json:"adjust_method"`
	Correction    *bool    `json:"correction"`
	Workers       int      `json:"workers"`
}

func svgJobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		svc := getDatasetService(r)
		if svc == nil {
			http.Error(w, "dataset service not available", http.StatusInternalServerError)
			return
		}

		var req svgJobSubmitRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}

		// Validate optional fields
		if req.Bandwidth < 0 {
			http.Error(w, "bandwidth must be positive", http.StatusBadRequest)
			return
		}
		switch ctsv.BandwidthRule(req.BandwidthRule) {
		case "", ctsv.RuleAuto, ctsv.RuleSheatherJones, ctsv.RuleSilverman:
		default:
			http.Error(w, "unknown bandwidth_rule: "+req.BandwidthRule, http.StatusBadRequest)
			return
		}
		switch ctsv.AdjustMethod(req.AdjustMethod) {
		case "", ctsv.AdjustBH, ctsv.AdjustBY, ctsv.AdjustBonferroni:
		default:
			http.Error(w, "unknown adjust_method: "+req.AdjustMethod, http.StatusBadRequest)
			return
		}
		if req.Workers < 0 {
			req.Workers = 0
		}
		if req.Workers > 64 {
			req.Workers = 64
		}

		correction := true
		if req.Correction != nil {
			correction = *req.Correction
		}

		datasetID := chi.URLParam(r, "dataset")
		params := resultstore.AnalysisParams{
			DatasetID:     datasetID,
			Genes:         req.Genes,
			CellTypes:     req.CellTypes,
			BandwidthRule: req.BandwidthRule,
			Bandwidth:     req.Bandwidth,
			AdjustMethod:  req.AdjustMethod,
			Correction:    correction,
			Workers:       req.Workers,
		}

		job, err := jm.Submit(params)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func svgJobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		datasetID := chi.URLParam(r, "dataset")
		jobs, err := jm.Store().ListJobsByDataset(datasetID)
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"dataset": datasetID,
			"jobs":    jobs,
		})
	}
}

// jobForDataset returns the job if it exists and belongs to the URL's dataset.
func jobForDataset(jm *JobManager, r *http.Request) *resultstore.AnalysisJob {
	jobID := chi.URLParam(r, "job_id")
	job := jm.Get(jobID)
	if job == nil {
		return nil
	}
	if job.Params.DatasetID != chi.URLParam(r, "dataset") {
		return nil
	}
	return job
}

func svgJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForDataset(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":      job.ID,
			"status":      job.Status,
			"created_at":  job.CreatedAt,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
			"progress":    job.Progress,
			"n_genes":     job.NGenes,
			"n_spots":     job.NSpots,
			"bandwidth":   job.Bandwidth,
			"cell_types":  job.CellTypes,
			"error":       job.Error,
		})
	}
}

func svgJobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jobForDataset(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		jm.Cancel(job.ID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":    job.ID,
			"cancelled": true,
		})
	}
}

// parsePage extracts offset/limit query params with a cap of 500 rows.
func parsePage(r *http.Request) (offset, limit int) {
	limit = 50
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if v, err := strconv.Atoi(offsetStr); err == nil && v >= 0 {
			offset = v
		}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
			limit = v
			if limit > 500 {
				limit = 500
			}
		}
	}
	return offset, limit
}

// completedJobForDataset resolves the job and writes the error response itself
// when the job is missing or not finished.
func completedJobForDataset(jm *JobManager, w http.ResponseWriter, r *http.Request) *resultstore.AnalysisJob {
	job := jobForDataset(jm, r)
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	if job.Status != resultstore.JobStatusCompleted {
		http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
		return nil
	}
	return job
}

func svgJobOverallHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := completedJobForDataset(jm, w, r)
		if job == nil {
			return
		}

		offset, limit := parsePage(r)
		orderBy := r.URL.Query().Get("order_by")

		items, total, err := jm.Store().QueryOverall(job.ID, orderBy, offset, limit)
		if err != nil {
			http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"params":    job.Params,
			"bandwidth": job.Bandwidth,
			"total":     total,
			"offset":    offset,
			"limit":     limit,
			"items":     items,
		})
	}
}

func svgJobIndividualHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := completedJobForDataset(jm, w, r)
		if job == nil {
			return
		}

		cellType := r.URL.Query().Get("cell_type")
		offset, limit := parsePage(r)
		orderBy := r.URL.Query().Get("order_by")

		items, total, err := jm.Store().QueryIndividual(job.ID, cellType, orderBy, offset, limit)
		if err != nil {
			http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"params":    job.Params,
			"cell_type": cellType,
			"total":     total,
			"offset":    offset,
			"limit":     limit,
			"items":     items,
		})
	}
}

func svgJobVarCompHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := completedJobForDataset(jm, w, r)
		if job == nil {
			return
		}

		offset, limit := parsePage(r)
		items, total, err := jm.Store().QueryVarComp(job.ID, offset, limit)
		if err != nil {
			http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"params":     job.Params,
			"cell_types": job.CellTypes,
			"total":      total,
			"offset":     offset,
			"limit":      limit,
			"items":      items,
		})
	}
}

func svgJobTopGenesHandler(jm *JobManager, analysis *service.AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil || analysis == nil {
			http.Error(w, "analysis not configured", http.StatusNotImplemented)
			return
		}
		job := completedJobForDataset(jm, w, r)
		if job == nil {
			return
		}

		cellType := strings.TrimSpace(r.URL.Query().Get("cell_type"))
		if cellType == "" {
			http.Error(w, "missing required query param: cell_type", http.StatusBadRequest)
			return
		}

		threshold := 0.0
		if thStr := r.URL.Query().Get("threshold"); thStr != "" {
			v, err := strconv.ParseFloat(thStr, 64)
			if err != nil || v <= 0 || v > 1 {
				http.Error(w, "threshold must be in (0, 1]", http.StatusBadRequest)
				return
			}
			threshold = v
		}
		maxGenes := 0
		if maxStr := r.URL.Query().Get("max_genes"); maxStr != "" {
			if v, err := strconv.Atoi(maxStr); err == nil && v > 0 {
				maxGenes = v
			}
		}

		result, err := analysis.TopGenes(jm.Store(), job.ID, cellType, threshold, maxGenes)
		if err != nil {
			http.Error(w, "failed to rank genes: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

func svgJobVarianceFigureHandler(jm *JobManager, analysis *service.AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil || analysis == nil {
			http.Error(w, "analysis not configured", http.StatusNotImplemented)
			return
		}
		job := completedJobForDataset(jm, w, r)
		if job == nil {
			return
		}

		gene := chi.URLParam(r, "gene")
		gene = strings.TrimSuffix(gene, ".png")
		colormap := r.URL.Query().Get("colormap")

		data, err := analysis.VarianceFigure(jm.Store(), job.ID, gene, colormap)
		if err != nil {
			status := http.StatusInternalServerError
			if strings.Contains(err.Error(), "not found") {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}
