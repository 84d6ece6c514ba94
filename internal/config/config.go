// Package config handles configuration loading for the SVGMap server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Data     DataConfig     `yaml:"data"`
	Cache    CacheConfig    `yaml:"cache"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Render   RenderConfig   `yaml:"render"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Title       string   `yaml:"title"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatasetConfig describes one dataset's on-disk sources.
type DatasetConfig struct {
	// Path points at a matrixio dataset directory (dataset.json plus
	// zstd-compressed matrices).
	Path string `yaml:"path"`
	// SomaPath optionally points at a TileDB-SOMA experiment; it is only
	// usable in binaries built with -tags soma.
	SomaPath string `yaml:"soma_path"`
}

// DataConfig contains data source settings for one or more datasets.
type DataConfig struct {
	DefaultDataset string
	Datasets       map[string]DatasetConfig
	datasetOrder   []string
}

// DatasetIDs returns dataset IDs in YAML order.
func (d *DataConfig) DatasetIDs() []string {
	return d.datasetOrder
}

// UnmarshalYAML accepts either the legacy single-dataset form
// (path/soma_path keys directly under data) or a map of named datasets.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	var legacy DatasetConfig
	if err := node.Decode(&legacy); err == nil && (legacy.Path != "" || legacy.SomaPath != "") {
		d.DefaultDataset = "default"
		d.Datasets = map[string]DatasetConfig{"default": legacy}
		d.datasetOrder = []string{"default"}
		return nil
	}

	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("config: data section must be a mapping")
	}
	d.Datasets = make(map[string]DatasetConfig)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if key == "default_dataset" {
			if err := node.Content[i+1].Decode(&d.DefaultDataset); err != nil {
				return err
			}
			continue
		}
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("config: dataset %q: %w", key, err)
		}
		d.Datasets[key] = ds
		d.datasetOrder = append(d.datasetOrder, key)
	}
	if d.DefaultDataset == "" && len(d.datasetOrder) > 0 {
		d.DefaultDataset = d.datasetOrder[0]
	}
	return nil
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	FigureSizeMB     int `yaml:"figure_size_mb"`
	FigureTTLMinutes int `yaml:"figure_ttl_minutes"`
	BundleCacheSize  int `yaml:"bundle_cache_size"`
}

// JobsConfig contains analysis job manager settings.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// AnalysisConfig contains defaults for analysis runs; API callers can
// override them per request.
type AnalysisConfig struct {
	BandwidthRule string  `yaml:"bandwidth_rule"` // auto | sheather-jones | silverman
	AdjustMethod  string  `yaml:"adjust_method"`  // BH | BY | bonferroni
	Correction    bool    `yaml:"correction"`
	Workers       int     `yaml:"workers"`
	Regularize    bool    `yaml:"regularize"`
	Ridge         float64 `yaml:"ridge"`
	Threshold     float64 `yaml:"threshold"`
	TopGenes      int     `yaml:"top_genes"`
}

// RenderConfig contains figure rendering settings.
type RenderConfig struct {
	FigureSize      int     `yaml:"figure_size"`
	PointRadius     float64 `yaml:"point_radius"`
	DefaultColormap string  `yaml:"default_colormap"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: DataConfig{
			DefaultDataset: "default",
			Datasets: map[string]DatasetConfig{
				"default": {Path: "./data/datasets/default"},
			},
			datasetOrder: []string{"default"},
		},
		Cache: CacheConfig{
			FigureSizeMB:     256,
			FigureTTLMinutes: 10,
			BundleCacheSize:  4,
		},
		Jobs: JobsConfig{
			MaxConcurrent: 1,
			SQLitePath:    "./data/jobs.db",
			RetentionDays: 7,
		},
		Analysis: AnalysisConfig{
			BandwidthRule: "auto",
			AdjustMethod:  "BY",
			Correction:    true,
			Workers:       4,
			Ridge:         1e-6,
			Threshold:     0.05,
			TopGenes:      20,
		},
		Render: RenderConfig{
			FigureSize:      600,
			PointRadius:     3,
			DefaultColormap: "viridis",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	if cfg.Cache.FigureSizeMB == 0 {
		cfg.Cache.FigureSizeMB = defaults.Cache.FigureSizeMB
	}
	if cfg.Cache.FigureTTLMinutes == 0 {
		cfg.Cache.FigureTTLMinutes = defaults.Cache.FigureTTLMinutes
	}
	if cfg.Cache.BundleCacheSize == 0 {
		cfg.Cache.BundleCacheSize = defaults.Cache.BundleCacheSize
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
	if cfg.Analysis.BandwidthRule == "" {
		cfg.Analysis.BandwidthRule = defaults.Analysis.BandwidthRule
	}
	if cfg.Analysis.AdjustMethod == "" {
		cfg.Analysis.AdjustMethod = defaults.Analysis.AdjustMethod
	}
	if cfg.Analysis.Workers == 0 {
		cfg.Analysis.Workers = defaults.Analysis.Workers
	}
	if cfg.Analysis.Ridge == 0 {
		cfg.Analysis.Ridge = defaults.Analysis.Ridge
	}
	if cfg.Analysis.Threshold == 0 {
		cfg.Analysis.Threshold = defaults.Analysis.Threshold
	}
	if cfg.Analysis.TopGenes == 0 {
		cfg.Analysis.TopGenes = defaults.Analysis.TopGenes
	}
	if cfg.Render.FigureSize == 0 {
		cfg.Render.FigureSize = defaults.Render.FigureSize
	}
	if cfg.Render.PointRadius == 0 {
		cfg.Render.PointRadius = defaults.Render.PointRadius
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
}
