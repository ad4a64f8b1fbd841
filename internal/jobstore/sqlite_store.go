// Package jobstore provides persistent storage for render-job state and
// results using SQLite.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of a render job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job kinds.
const (
	KindSprite  = "sprite"
	KindStatMap = "statmap"
)

// RenderJobParams contains the parameters for a render job. The same
// document is accepted by the synchronous endpoints; the job queue
// just persists it for later execution.
type RenderJobParams struct {
	Kind       string   `json:"kind"`
	Source     string   `json:"source"`
	Background string   `json:"background,omitempty"`
	VMin       *float64 `json:"vmin,omitempty"`
	VMax       *float64 `json:"vmax,omitempty"`
	Threshold  string   `json:"threshold,omitempty"`
	Colormap   string   `json:"colormap,omitempty"`
	NColors    int      `json:"n_colors,omitempty"`
	Format     string   `json:"format,omitempty"`
	Resample   bool     `json:"resample,omitempty"`
	Sampling   string   `json:"sampling,omitempty"`
	Colorbar   bool     `json:"colorbar,omitempty"`
	BlackBG    *bool    `json:"black_bg,omitempty"`
	Dim        *float64 `json:"dim,omitempty"`
	Opacity    *float64 `json:"opacity,omitempty"`
}

// JobProgress represents the progress of a render job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Job represents one queued, running, or finished render job.
type Job struct {
	ID         string          `json:"job_id"`
	Kind       string          `json:"kind"`
	Status     JobStatus       `json:"status"`
	Params     RenderJobParams `json:"params"`
	Progress   JobProgress     `json:"progress"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Result holds the artifacts a completed render job produced. Sprite
// and metadata are always present; the background pair only for
// stat-map jobs.
type Result struct {
	Sprite             []byte
	Background         []byte
	ColormapStrip      []byte
	MetadataJSON       []byte
	BackgroundMetaJSON []byte
	BlackBG            bool
}

// Store provides persistent storage for render jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based job store.
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
	CREATE TABLE IF NOT EXISTS render_jobs (
		job_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_render_jobs_status ON render_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_render_jobs_finished ON render_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS render_results (
		job_id TEXT PRIMARY KEY,
		sprite BLOB NOT NULL,
		background BLOB,
		colormap_strip BLOB,
		metadata_json TEXT NOT NULL,
		background_meta_json TEXT,
		black_bg INTEGER DEFAULT 0,
		FOREIGN KEY (job_id) REFERENCES render_jobs(job_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO render_jobs (job_id, kind, status, params_json, phase, done, total, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Kind,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. A missing job returns (nil, nil).
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT job_id, kind, status, params_json, phase, done, total, error, created_at, started_at, finished_at
		FROM render_jobs WHERE job_id = ?
	`, jobID)

	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJobStatus updates the job status and optional error message.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE render_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
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
		UPDATE render_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE render_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// SaveResult stores the artifacts of a completed job, replacing any
// previous attempt.
func (s *Store) SaveResult(jobID string, res *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blackBG := 0
	if res.BlackBG {
		blackBG = 1
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO render_results (job_id, sprite, background, colormap_strip, metadata_json, background_meta_json, black_bg)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		jobID,
		res.Sprite,
		res.Background,
		res.ColormapStrip,
		string(res.MetadataJSON),
		string(res.BackgroundMetaJSON),
		blackBG,
	)
	return err
}

// GetResult retrieves the artifacts of a job. A missing result returns
// (nil, nil).
func (s *Store) GetResult(jobID string) (*Result, error) {
	row := s.db.QueryRow(`
		SELECT sprite, background, colormap_strip, metadata_json, background_meta_json, black_bg
		FROM render_results WHERE job_id = ?
	`, jobID)

	var res Result
	var metaJSON string
	var bgMetaJSON sql.NullString
	var blackBG int
	err := row.Scan(&res.Sprite, &res.Background, &res.ColormapStrip, &metaJSON, &bgMetaJSON, &blackBG)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res.MetadataJSON = []byte(metaJSON)
	if bgMetaJSON.Valid {
		res.BackgroundMetaJSON = []byte(bgMetaJSON.String)
	}
	res.BlackBG = blackBG != 0
	return &res, nil
}

// ListJobs returns all jobs, newest first.
func (s *Store) ListJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT job_id, kind, status, params_json, phase, done, total, error, created_at, started_at, finished_at
		FROM render_jobs
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT job_id, kind, status, params_json, phase, done, total, error, created_at, started_at, finished_at
		FROM render_jobs WHERE status = ?
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
		UPDATE render_jobs SET status = ?, error = ?, finished_at = ?
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
	_, err := s.db.Exec(`
		DELETE FROM render_results WHERE job_id IN (
			SELECT job_id FROM render_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	// Delete jobs
	result, err := s.db.Exec(`
		DELETE FROM render_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteJob deletes a job and its result.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Delete result first
	_, err := s.db.Exec("DELETE FROM render_results WHERE job_id = ?", jobID)
	if err != nil {
		return err
	}

	_, err = s.db.Exec("DELETE FROM render_jobs WHERE job_id = ?", jobID)
	return err
}

func scanJob(scan func(dest ...any) error) (*Job, error) {
	var job Job
	var paramsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := scan(
		&job.ID,
		&job.Kind,
		&job.Status,
		&paramsJSON,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
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

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
