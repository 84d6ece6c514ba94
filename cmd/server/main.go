// Package main is the entry point for the SVGMap server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/svgmap/server/internal/api"
	"github.com/svgmap/server/internal/cache"
	"github.com/svgmap/server/internal/config"
	"github.com/svgmap/server/internal/data/matrixio"
	"github.com/svgmap/server/internal/data/soma"
	"github.com/svgmap/server/internal/render"
	"github.com/svgmap/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting SVGMap server on port %d", cfg.Server.Port)

	// Initialize components
	ctx := context.Background()

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		FigureCacheSizeMB: cfg.Cache.FigureSizeMB,
		FigureTTL:         time.Duration(cfg.Cache.FigureTTLMinutes) * time.Minute,
		BundleCacheSize:   cfg.Cache.BundleCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}

	// Initialize figure renderer (shared across all datasets)
	figureRenderer := render.NewFigureRenderer(render.Config{
		FigureSize:      cfg.Render.FigureSize,
		PointRadius:     cfg.Render.PointRadius,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	// Initialize each dataset
	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]

		var store *matrixio.Store
		if ds.Path != "" {
			s, err := matrixio.Open(ds.Path)
			if err != nil {
				log.Fatalf("Failed to open dataset %q: %v", datasetID, err)
			}
			store = s
			log.Printf("  [%s] Matrix store: %s", datasetID, ds.Path)
		}

		var somaReader *soma.Reader
		if ds.SomaPath != "" {
			r, err := soma.NewReader(ds.SomaPath)
			if err != nil {
				log.Printf("  [%s] SOMA not initialized: %v", datasetID, err)
			} else {
				somaReader = r
				log.Printf("  [%s] SOMA experiment: %s (supported=%v)", datasetID, somaReader.ExperimentURI(), somaReader.Supported())
			}
		}

		if store == nil && somaReader == nil {
			log.Fatalf("Dataset %q has no data source (set path or soma_path)", datasetID)
		}

		datasetService := service.NewDatasetService(service.DatasetServiceConfig{
			DatasetID:  datasetID,
			Store:      store,
			SomaReader: somaReader,
			Cache:      cacheManager,
			Renderer:   figureRenderer,
		})
		registry.Register(datasetID, datasetService)
	}

	// Initialize job manager for SVG analysis jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Analysis job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	// Wire up analysis service as job executor
	analysisService := service.NewAnalysisService(registry, cfg.Analysis)
	jobManager.Executor = analysisService.ExecuteAnalysisJob

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
		Analysis:    analysisService,
		Cache:       cacheManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
