// Package resultstore provides persistent storage for analysis job state
// and SVG test results using SQLite.
package resultstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/svgmap/server/internal/ctsv"
)

// JobStatus represents the current state of an analysis job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// AnalysisParams contains the parameters for an analysis job.
type AnalysisParams struct {
	DatasetID     string   `json:"dataset_id"`
	Genes         []string `json:"genes,omitempty"`
	CellTypes     []string `json:"cell_types,omitempty"`
	BandwidthRule string   `json:"bandwidth_rule,omitempty"`
	Bandwidth     float64  `json:"bandwidth,omitempty"` // 0 selects automatically
	AdjustMethod  string   `json:"adjust_method,omitempty"`
	Correction    bool     `json:"correction"`
	Workers       int      `json:"workers,omitempty"`
}

// JobProgress represents the progress of an analysis job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// AnalysisJob represents one SVG analysis run.
type AnalysisJob struct {
	ID         string         `json:"job_id"`
	DatasetID  string         `json:"dataset_id"`
	Status     JobStatus      `json:"status"`
	Params     AnalysisParams `json:"params"`
	Progress   JobProgress    `json:"progress"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	NGenes     int            `json:"n_genes"`
	NSpots     int            `json:"n_spots"`
	Bandwidth  float64        `json:"bandwidth"`
	CellTypes  []string       `json:"cell_types,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Store provides persistent storage for analysis jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based result store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS svg_jobs (
		job_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		n_genes INTEGER DEFAULT 0,
		n_spots INTEGER DEFAULT 0,
		bandwidth REAL DEFAULT 0,
		cell_types_json TEXT DEFAULT '',
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_svg_jobs_dataset ON svg_jobs(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_svg_jobs_status ON svg_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_svg_jobs_finished ON svg_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS svg_overall (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		gene TEXT NOT NULL,
		statistic REAL,
		p_value REAL,
		p_value_adj REAL,
		status TEXT NOT NULL,
		FOREIGN KEY (job_id) REFERENCES svg_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_svg_overall_job ON svg_overall(job_id);
	CREATE INDEX IF NOT EXISTS idx_svg_overall_job_padj ON svg_overall(job_id, p_value_adj);

	CREATE TABLE IF NOT EXISTS svg_individual (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		cell_type TEXT NOT NULL,
		gene TEXT NOT NULL,
		statistic REAL,
		p_value REAL,
		p_value_adj REAL,
		status TEXT NOT NULL,
		FOREIGN KEY (job_id) REFERENCES svg_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_svg_individual_job ON svg_individual(job_id);
	CREATE INDEX IF NOT EXISTS idx_svg_individual_job_ct_padj ON svg_individual(job_id, cell_type, p_value_adj);

	CREATE TABLE IF NOT EXISTS svg_varcomp (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		gene TEXT NOT NULL,
		components_json TEXT NOT NULL,
		residual REAL,
		status TEXT NOT NULL,
		FOREIGN KEY (job_id) REFERENCES svg_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_svg_varcomp_job ON svg_varcomp(job_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *AnalysisJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO svg_jobs (job_id, dataset_id, status, params_json, phase, done, total, n_genes, n_spots, bandwidth, cell_types_json, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Params.DatasetID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.NGenes,
		job.NSpots,
		job.Bandwidth,
		"",
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. Returns (nil, nil) when absent.
func (s *Store) GetJob(jobID string) (*AnalysisJob, error) {
	row := s.db.QueryRow(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_genes, n_spots, bandwidth, cell_types_json, error, created_at, started_at, finished_at
		FROM svg_jobs WHERE job_id = ?
	`, jobID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJobStatus updates the job status; terminal states record the
// finish time.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE svg_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE svg_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE svg_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// UpdateJobModel records the fitted-model facts: dataset dimensions, the
// selected bandwidth and the cell-type order the result tables use.
func (s *Store) UpdateJobModel(jobID string, nGenes, nSpots int, bandwidth float64, cellTypes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctJSON, err := json.Marshal(cellTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal cell types: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE svg_jobs SET n_genes = ?, n_spots = ?, bandwidth = ?, cell_types_json = ?
		WHERE job_id = ?
	`, nGenes, nSpots, bandwidth, string(ctJSON), jobID)
	return err
}

// SaveOverall inserts the overall test rows in one transaction.
func (s *Store) SaveOverall(jobID string, res *ctsv.OverallResults) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO svg_overall (job_id, gene, statistic, p_value, p_value_adj, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range res.Rows {
		if _, err := stmt.Exec(jobID, r.Gene, nullFloat(r.Statistic), nullFloat(r.PValue), nullFloat(r.PValueAdj), string(r.Status)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveIndividual inserts the per-cell-type test rows in one transaction.
func (s *Store) SaveIndividual(jobID string, res *ctsv.IndividualResults) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO svg_individual (job_id, cell_type, gene, statistic, p_value, p_value_adj, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for ct, rows := range res.ByCellType {
		for _, r := range rows {
			if _, err := stmt.Exec(jobID, ct, r.Gene, nullFloat(r.Statistic), nullFloat(r.PValue), nullFloat(r.PValueAdj), string(r.Status)); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// SaveVarComp inserts the variance-component rows in one transaction.
func (s *Store) SaveVarComp(jobID string, res *ctsv.VarCompResults) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO svg_varcomp (job_id, gene, components_json, residual, status)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range res.Rows {
		compJSON, err := marshalComponents(r.Components)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(jobID, r.Gene, compJSON, nullFloat(r.Residual), string(r.Status)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QueryOverall queries overall rows with pagination and ordering.
func (s *Store) QueryOverall(jobID string, orderBy string, offset, limit int) ([]ctsv.OverallRow, int, error) {
	orderCol := overallOrder(orderBy)

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM svg_overall WHERE job_id = ?", jobID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT gene, statistic, p_value, p_value_adj, status
		FROM svg_overall
		WHERE job_id = ?
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, orderCol)

	rows, err := s.db.Query(query, jobID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []ctsv.OverallRow
	for rows.Next() {
		var r ctsv.OverallRow
		var stat, p, padj sql.NullFloat64
		var status string
		if err := rows.Scan(&r.Gene, &stat, &p, &padj, &status); err != nil {
			return nil, 0, err
		}
		r.Statistic = floatOrNaN(stat)
		r.PValue = floatOrNaN(p)
		r.PValueAdj = floatOrNaN(padj)
		r.Status = ctsv.GeneStatus(status)
		out = append(out, r)
	}
	return out, total, nil
}

// QueryIndividual queries one cell type's rows with pagination and ordering.
func (s *Store) QueryIndividual(jobID, cellType, orderBy string, offset, limit int) ([]ctsv.IndividualRow, int, error) {
	orderCol := overallOrder(orderBy)

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM svg_individual WHERE job_id = ? AND cell_type = ?", jobID, cellType).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT gene, statistic, p_value, p_value_adj, status
		FROM svg_individual
		WHERE job_id = ? AND cell_type = ?
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, orderCol)

	rows, err := s.db.Query(query, jobID, cellType, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []ctsv.IndividualRow
	for rows.Next() {
		var r ctsv.IndividualRow
		var stat, p, padj sql.NullFloat64
		var status string
		if err := rows.Scan(&r.Gene, &stat, &p, &padj, &status); err != nil {
			return nil, 0, err
		}
		r.Statistic = floatOrNaN(stat)
		r.PValue = floatOrNaN(p)
		r.PValueAdj = floatOrNaN(padj)
		r.Status = ctsv.GeneStatus(status)
		out = append(out, r)
	}
	return out, total, nil
}

// QueryVarComp queries variance-component rows in insertion (gene) order.
func (s *Store) QueryVarComp(jobID string, offset, limit int) ([]ctsv.VarCompRow, int, error) {
	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM svg_varcomp WHERE job_id = ?", jobID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT gene, components_json, residual, status
		FROM svg_varcomp
		WHERE job_id = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`, jobID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []ctsv.VarCompRow
	for rows.Next() {
		var r ctsv.VarCompRow
		var compJSON string
		var residual sql.NullFloat64
		var status string
		if err := rows.Scan(&r.Gene, &compJSON, &residual, &status); err != nil {
			return nil, 0, err
		}
		comps, err := unmarshalComponents(compJSON)
		if err != nil {
			return nil, 0, err
		}
		r.Components = comps
		r.Residual = floatOrNaN(residual)
		r.Status = ctsv.GeneStatus(status)
		out = append(out, r)
	}
	return out, total, nil
}

// ListJobsByDataset returns all jobs for a dataset, newest first.
func (s *Store) ListJobsByDataset(datasetID string) ([]*AnalysisJob, error) {
	rows, err := s.db.Query(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_genes, n_spots, bandwidth, cell_types_json, error, created_at, started_at, finished_at
		FROM svg_jobs WHERE dataset_id = ?
		ORDER BY created_at DESC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*AnalysisJob, error) {
	rows, err := s.db.Query(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_genes, n_spots, bandwidth, cell_types_json, error, created_at, started_at, finished_at
		FROM svg_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE svg_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	// Delete results first (foreign key)
	for _, table := range []string{"svg_overall", "svg_individual", "svg_varcomp"} {
		_, err := s.db.Exec(fmt.Sprintf(`
			DELETE FROM %s WHERE job_id IN (
				SELECT job_id FROM svg_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
			)
		`, table), cutoff)
		if err != nil {
			return 0, err
		}
	}

	result, err := s.db.Exec(`
		DELETE FROM svg_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"svg_overall", "svg_individual", "svg_varcomp"} {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE job_id = ?", table), jobID); err != nil {
			return err
		}
	}
	_, err := s.db.Exec("DELETE FROM svg_jobs WHERE job_id = ?", jobID)
	return err
}

func overallOrder(orderBy string) string {
	switch orderBy {
	case "statistic":
		return "statistic DESC, p_value_adj ASC"
	case "p_value":
		return "p_value ASC, statistic DESC"
	case "gene":
		return "gene ASC"
	default:
		// SQLite sorts NULLs first under ASC; push degenerate rows last.
		return "p_value_adj IS NULL, p_value_adj ASC, statistic DESC"
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*AnalysisJob, error) {
	var job AnalysisJob
	var paramsJSON, ctJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := row.Scan(
		&job.ID,
		&job.DatasetID,
		&job.Status,
		&paramsJSON,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
		&job.NGenes,
		&job.NSpots,
		&job.Bandwidth,
		&ctJSON,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	if ctJSON != "" {
		if err := json.Unmarshal([]byte(ctJSON), &job.CellTypes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cell types: %w", err)
		}
	}

	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		job.FinishedAt = &t
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*AnalysisJob, error) {
	var jobs []*AnalysisJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// nullFloat maps NaN to NULL; degenerate genes carry NaN statistics and
// SQLite has no NaN literal.
func nullFloat(v float64) interface{} {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func marshalComponents(comps []float64) (string, error) {
	// NaN components (degenerate rows) are encoded as nulls.
	enc := make([]*float64, len(comps))
	for i := range comps {
		if !math.IsNaN(comps[i]) {
			v := comps[i]
			enc[i] = &v
		}
	}
	b, err := json.Marshal(enc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal components: %w", err)
	}
	return string(b), nil
}

func unmarshalComponents(s string) ([]float64, error) {
	var enc []*float64
	if err := json.Unmarshal([]byte(s), &enc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal components: %w", err)
	}
	out := make([]float64, len(enc))
	for i, p := range enc {
		if p == nil {
			out[i] = math.NaN()
		} else {
			out[i] = *p
		}
	}
	return out, nil
}
