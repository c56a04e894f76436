package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps SQLite-backed persistence for jobs and stitch steps.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and migrates it.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer at a time; workers share the handle
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input"`
	OutputPath  string     `json:"output"`
	OptionsJSON string     `json:"options"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StepRecord captures one fold step of a job.
type StepRecord struct {
	JobID           string    `json:"job_id"`
	FrameIndex      int       `json:"frame"`
	FramePath       string    `json:"path"`
	Status          string    `json:"status"` // stitched, skipped, failed
	Correspondences int       `json:"correspondences"`
	Inliers         int       `json:"inliers"`
	InlierRatio     float64   `json:"inlier_ratio"`
	Iterations      int       `json:"iterations"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	Homography      []float64 `json:"homography,omitempty"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON)); err != nil {
		return err
	}
	return tx.Commit()
}

const jobColumns = `id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message`

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+jobColumns+` FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []JobRecord{}
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job returns a single job by id.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	rec, err := scanJob(s.DB.QueryRow(`SELECT `+jobColumns+` FROM processing_jobs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (JobRecord, error) {
	var rec JobRecord
	var created time.Time
	var started, completed sql.NullTime
	var errorMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
		return JobRecord{}, err
	}
	rec.CreatedAt = created
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if errorMsg.Valid {
		rec.Error = errorMsg.String
	}
	return rec, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("meta for job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordStep persists one fold step.
func (s *Store) RecordStep(rec StepRecord) error {
	if s == nil {
		return nil
	}
	var hJSON []byte
	if len(rec.Homography) > 0 {
		var err error
		if hJSON, err = json.Marshal(rec.Homography); err != nil {
			return fmt.Errorf("marshal homography: %w", err)
		}
	}
	_, err := s.DB.Exec(`INSERT INTO stitch_steps (job_id, frame_index, frame_path, status, correspondences, inliers, inlier_ratio, iterations, width, height, homography_json, error_message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.JobID, rec.FrameIndex, rec.FramePath, rec.Status, rec.Correspondences, rec.Inliers, rec.InlierRatio, rec.Iterations, rec.Width, rec.Height, string(hJSON), rec.Error)
	return err
}

// Steps returns the recorded steps of a job in frame order.
func (s *Store) Steps(jobID string) ([]StepRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT job_id, frame_index, frame_path, status, correspondences, inliers, inlier_ratio, iterations, width, height, homography_json, error_message, created_at
        FROM stitch_steps WHERE job_id=? ORDER BY frame_index, id;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []StepRecord{}
	for rows.Next() {
		var rec StepRecord
		var hJSON string
		if err := rows.Scan(&rec.JobID, &rec.FrameIndex, &rec.FramePath, &rec.Status, &rec.Correspondences, &rec.Inliers, &rec.InlierRatio, &rec.Iterations, &rec.Width, &rec.Height, &hJSON, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if hJSON != "" {
			if err := json.Unmarshal([]byte(hJSON), &rec.Homography); err != nil {
				return nil, fmt.Errorf("unmarshal homography: %w", err)
			}
		}
		steps = append(steps, rec)
	}
	return steps, rows.Err()
}
