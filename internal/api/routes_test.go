package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/svgmap/server/internal/cache"
	"github.com/svgmap/server/internal/config"
	"github.com/svgmap/server/internal/data/matrixio"
	"github.com/svgmap/server/internal/render"
	"github.com/svgmap/server/internal/service"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server     *httptest.Server
	cache      *cache.Manager
	jobManager *JobManager
}

// writeDatasetDir creates a small on-disk dataset: a 6x5 spot grid with two
// cell types and 6 genes, gene g0 spatially variable.
func writeDatasetDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	const nx, ny = 6, 5
	n := nx * ny
	spots := make([]string, n)
	var coords, props strings.Builder
	coords.WriteString("\tx\ty\n")
	props.WriteString("\tA\tB\n")
	propA := make([]float64, n)
	xs := make([]float64, n)
	for i := 0; i < n; i++ {
		spots[i] = fmt.Sprintf("s%02d", i)
		x := float64(i%nx) / float64(nx-1)
		y := float64(i/nx) / float64(ny-1)
		xs[i] = x
		fmt.Fprintf(&coords, "%s\t%g\t%g\n", spots[i], x, y)
		pa := 0.2 + 0.6*y
		propA[i] = pa
		fmt.Fprintf(&props, "%s\t%g\t%g\n", spots[i], pa, 1-pa)
	}

	var expr strings.Builder
	expr.WriteString("\t" + strings.Join(spots, "\t") + "\n")
	for g := 0; g < 6; g++ {
		expr.WriteString(fmt.Sprintf("g%d", g))
		for i := 0; i < n; i++ {
			v := 1 + 0.1*math.Sin(float64(g*n+i))
			if g == 0 {
				v += 4 * propA[i] * (1 + math.Sin(4*math.Pi*xs[i]))
			}
			fmt.Fprintf(&expr, "\t%g", v)
		}
		expr.WriteString("\n")
	}

	for name, content := range map[string]string{
		"expression.tsv":  expr.String(),
		"coords.tsv":      coords.String(),
		"proportions.tsv": props.String(),
		"dataset.json": `{
			"name": "toy",
			"format_version": "1",
			"files": {
				"expression": "expression.tsv",
				"coordinates": "coords.tsv",
				"proportions": "proportions.tsv"
			}
		}`,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// setupTestServer initializes all components and returns a test server
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := matrixio.Open(writeDatasetDir(t))
	if err != nil {
		t.Fatalf("Failed to open dataset: %v", err)
	}

	cacheManager, err := cache.NewManager(cache.Config{
		FigureCacheSizeMB: 8,
		FigureTTL:         time.Minute,
		BundleCacheSize:   2,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}

	renderer := render.NewFigureRenderer(render.Config{
		FigureSize:      64,
		PointRadius:     2,
		DefaultColormap: "viridis",
	})

	datasetService := service.NewDatasetService(service.DatasetServiceConfig{
		DatasetID: "toy",
		Store:     store,
		Cache:     cacheManager,
		Renderer:  renderer,
	})

	// Create registry with single dataset
	registry := NewDatasetRegistry("toy", []string{"toy"}, "")
	registry.Register("toy", datasetService)

	analysis := service.NewAnalysisService(registry, config.AnalysisConfig{
		BandwidthRule: "auto",
		AdjustMethod:  "BY",
		Correction:    true,
		Workers:       2,
		Threshold:     0.05,
		TopGenes:      20,
	})

	jobManager, err := NewJobManager(JobManagerConfig{
		MaxConcurrent: 1,
		SQLitePath:    filepath.Join(t.TempDir(), "jobs.db"),
	})
	if err != nil {
		t.Fatalf("Failed to initialize job manager: %v", err)
	}
	jobManager.Executor = analysis.ExecuteAnalysisJob
	jobManager.Start()

	router := NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"http://localhost:3000"},
		JobManager:  jobManager,
		Analysis:    analysis,
		Cache:       cacheManager,
	})

	ts := &testServer{
		server:     httptest.NewServer(router),
		cache:      cacheManager,
		jobManager: jobManager,
	}
	t.Cleanup(ts.close)
	return ts
}

// close cleans up test server resources
func (ts *testServer) close() {
	ts.server.Close()
	ts.jobManager.Stop()
	ts.cache.Close()
}

// --- Helper Functions ---

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// assertPNG verifies the response body is a valid PNG image
func assertPNG(t *testing.T, body []byte) {
	t.Helper()
	pngMagic := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	if len(body) < 8 || !bytes.Equal(body[:8], pngMagic) {
		t.Errorf("Response is not a valid PNG (%d bytes)", len(body))
	}
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(body, out); err != nil {
			t.Fatalf("decode %s: %v\nbody: %s", url, err, body)
		}
	}
	return resp
}

// --- Tests ---

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	resp, err := http.Get(ts.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	assertStatusCode(t, resp, http.StatusOK)
}

func TestDatasetsEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	var payload struct {
		Default  string        `json:"default"`
		Datasets []DatasetInfo `json:"datasets"`
	}
	resp := getJSON(t, ts.server.URL+"/api/datasets", &payload)
	assertStatusCode(t, resp, http.StatusOK)
	if payload.Default != "toy" {
		t.Errorf("default dataset %q", payload.Default)
	}
	if len(payload.Datasets) != 1 || payload.Datasets[0].ID != "toy" {
		t.Errorf("datasets %+v", payload.Datasets)
	}
}

func TestDatasetSummaryEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	var summary service.DatasetSummary
	resp := getJSON(t, ts.server.URL+"/d/toy/api/summary", &summary)
	assertStatusCode(t, resp, http.StatusOK)
	if summary.NGenes != 6 || summary.NSpots != 30 || summary.NCellTypes != 2 {
		t.Errorf("unexpected summary %+v", summary)
	}
}

func TestDatasetGenesEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	var payload struct {
		Genes []string `json:"genes"`
		Total int      `json:"total"`
	}
	resp := getJSON(t, ts.server.URL+"/d/toy/api/genes?q=g1", &payload)
	assertStatusCode(t, resp, http.StatusOK)
	if payload.Total != 6 {
		t.Errorf("total %d, want 6", payload.Total)
	}
	if len(payload.Genes) != 1 || payload.Genes[0] != "g1" {
		t.Errorf("filtered genes %v", payload.Genes)
	}
}

func TestUnknownDatasetReturns404(t *testing.T) {
	ts := setupTestServer(t)
	resp, err := http.Get(ts.server.URL + "/d/nope/api/summary")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestGeneLookupEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	var payload struct {
		Gene     string   `json:"gene"`
		Datasets []string `json:"datasets"`
	}
	resp := getJSON(t, ts.server.URL+"/api/gene_lookup?gene=g0", &payload)
	assertStatusCode(t, resp, http.StatusOK)
	if len(payload.Datasets) != 1 || payload.Datasets[0] != "toy" {
		t.Errorf("datasets %v", payload.Datasets)
	}
}

func TestExpressionFigureEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.server.URL + "/d/toy/figures/expression/g0.png")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	assertStatusCode(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	assertPNG(t, body)

	missing, err := http.Get(ts.server.URL + "/d/toy/figures/expression/nope.png")
	if err != nil {
		t.Fatal(err)
	}
	defer missing.Body.Close()
	assertStatusCode(t, missing, http.StatusNotFound)
}

func submitJob(t *testing.T, ts *testServer, body string) string {
	t.Helper()
	resp, err := http.Post(ts.server.URL+"/d/toy/api/svg/jobs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("submit returned %d: %s", resp.StatusCode, raw)
	}
	var payload struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	return payload.JobID
}

func waitForJob(t *testing.T, ts *testServer, jobID string) {
	t.Helper()
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		var status struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		getJSON(t, ts.server.URL+"/d/toy/api/svg/jobs/"+jobID, &status)
		switch status.Status {
		case "completed":
			return
		case "failed", "cancelled":
			t.Fatalf("job ended with status %s: %s", status.Status, status.Error)
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("timed out waiting for job")
}

func TestAnalysisJobFlow(t *testing.T) {
	ts := setupTestServer(t)

	jobID := submitJob(t, ts, `{}`)
	waitForJob(t, ts, jobID)

	var overall struct {
		Total int `json:"total"`
		Items []struct {
			Gene   string  `json:"gene"`
			PValue float64 `json:"p_value"`
		} `json:"items"`
	}
	resp := getJSON(t, ts.server.URL+"/d/toy/api/svg/jobs/"+jobID+"/overall", &overall)
	assertStatusCode(t, resp, http.StatusOK)
	if overall.Total != 6 {
		t.Fatalf("overall total %d, want 6", overall.Total)
	}
	if overall.Items[0].Gene != "g0" {
		t.Errorf("expected g0 to rank first, got %s", overall.Items[0].Gene)
	}

	var individual struct {
		Total int `json:"total"`
	}
	resp = getJSON(t, ts.server.URL+"/d/toy/api/svg/jobs/"+jobID+"/individual?cell_type=A", &individual)
	assertStatusCode(t, resp, http.StatusOK)
	if individual.Total != 6 {
		t.Errorf("individual total %d, want 6", individual.Total)
	}

	var varcomp struct {
		Total     int      `json:"total"`
		CellTypes []string `json:"cell_types"`
	}
	resp = getJSON(t, ts.server.URL+"/d/toy/api/svg/jobs/"+jobID+"/varcomp", &varcomp)
	assertStatusCode(t, resp, http.StatusOK)
	if varcomp.Total != 6 || len(varcomp.CellTypes) != 2 {
		t.Errorf("varcomp total %d cell types %v", varcomp.Total, varcomp.CellTypes)
	}

	var top struct {
		CellType string `json:"cell_type"`
	}
	resp = getJSON(t, ts.server.URL+"/d/toy/api/svg/jobs/"+jobID+"/top_genes?cell_type=A", &top)
	assertStatusCode(t, resp, http.StatusOK)
	if top.CellType != "A" {
		t.Errorf("top genes cell type %q", top.CellType)
	}

	figResp, err := http.Get(ts.server.URL + "/d/toy/api/svg/jobs/" + jobID + "/genes/g0/variance.png")
	if err != nil {
		t.Fatal(err)
	}
	defer figResp.Body.Close()
	assertStatusCode(t, figResp, http.StatusOK)
	body, _ := io.ReadAll(figResp.Body)
	assertPNG(t, body)
}

func TestJobSubmitValidation(t *testing.T) {
	ts := setupTestServer(t)

	cases := []string{
		`{"bandwidth_rule": "magic"}`,
		`{"adjust_method": "fishing"}`,
		`{"bandwidth": -1}`,
	}
	for _, body := range cases {
		resp, err := http.Post(ts.server.URL+"/d/toy/api/svg/jobs", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %s: status %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestJobResultsBeforeCompletion(t *testing.T) {
	ts := setupTestServer(t)

	// Unknown job
	resp, err := http.Get(ts.server.URL + "/d/toy/api/svg/jobs/deadbeef/overall")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestTopGenesRequiresCellType(t *testing.T) {
	ts := setupTestServer(t)

	jobID := submitJob(t, ts, `{}`)
	waitForJob(t, ts, jobID)

	resp, err := http.Get(ts.server.URL + "/d/toy/api/svg/jobs/" + jobID + "/top_genes")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	assertStatusCode(t, resp, http.StatusBadRequest)
}

func TestJobListEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	jobID := submitJob(t, ts, `{}`)
	waitForJob(t, ts, jobID)

	var payload struct {
		Jobs []struct {
			ID string `json:"job_id"`
		} `json:"jobs"`
	}
	resp := getJSON(t, ts.server.URL+"/d/toy/api/svg/jobs/", &payload)
	assertStatusCode(t, resp, http.StatusOK)
	if len(payload.Jobs) != 1 || payload.Jobs[0].ID != jobID {
		t.Errorf("jobs %+v", payload.Jobs)
	}
}
