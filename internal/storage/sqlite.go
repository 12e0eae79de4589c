package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteClient is the single-node RunStore.
type SQLiteClient struct {
	db *sql.DB
	mu sync.RWMutex
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS analysis_runs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		drawing_id TEXT NOT NULL,
		status TEXT NOT NULL,
		tier TEXT NOT NULL,
		fallback_reason TEXT DEFAULT '',
		tiles_total INTEGER DEFAULT 0,
		tiles_successful INTEGER DEFAULT 0,
		component_count INTEGER DEFAULT 0,
		component_ids TEXT DEFAULT '[]',
		qdrant_point_id TEXT DEFAULT '',
		result TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS analysis_jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		tier TEXT DEFAULT '',
		confidence REAL DEFAULT 0,
		processing_time_ms INTEGER DEFAULT 0,
		run_id TEXT DEFAULT '',
		error_code TEXT DEFAULT '',
		error_message TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_analysis_runs_drawing ON analysis_runs(drawing_id);
`

// NewSQLiteClient opens (and migrates) the database at path.
func NewSQLiteClient(path string) (*SQLiteClient, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLiteClient{db: db}, nil
}

func (s *SQLiteClient) SaveRun(ctx context.Context, run *RunRecord) error {
	if err := validateRun(run); err != nil {
		return err
	}
	ids, err := json.Marshal(run.ComponentIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal component ids: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run.CreatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_runs (
			id, job_id, drawing_id, status, tier, fallback_reason,
			tiles_total, tiles_successful, component_count, component_ids,
			qdrant_point_id, result, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobID, run.DrawingID, run.Status, run.Tier, run.FallbackReason,
		run.TilesTotal, run.TilesSuccessful, len(run.ComponentIDs), string(ids),
		run.QdrantPointID, string(run.Result), run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store run (run=%s, tier=%s): %w", run.ID, run.Tier, err)
	}
	return nil
}

func (s *SQLiteClient) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		run    RunRecord
		ids    string
		result string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, drawing_id, status, tier, fallback_reason,
			tiles_total, tiles_successful, component_ids, qdrant_point_id,
			result, created_at
		FROM analysis_runs WHERE id = ?`, runID).Scan(
		&run.ID, &run.JobID, &run.DrawingID, &run.Status, &run.Tier, &run.FallbackReason,
		&run.TilesTotal, &run.TilesSuccessful, &ids, &run.QdrantPointID,
		&result, &run.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &run.ComponentIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal component ids: %w", err)
	}
	run.Result = []byte(result)
	return &run, nil
}

func (s *SQLiteClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if err := validateJobUpdate(update); err != nil {
		return err
	}
	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if update.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_jobs (
			id, status, tier, confidence, processing_time_ms, run_id,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			tier = CASE WHEN excluded.tier = '' THEN analysis_jobs.tier ELSE excluded.tier END,
			confidence = CASE WHEN excluded.confidence = 0 THEN analysis_jobs.confidence ELSE excluded.confidence END,
			processing_time_ms = CASE WHEN excluded.processing_time_ms = 0 THEN analysis_jobs.processing_time_ms ELSE excluded.processing_time_ms END,
			run_id = CASE WHEN excluded.run_id = '' THEN analysis_jobs.run_id ELSE excluded.run_id END,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP`,
		update.JobID, update.Status, update.Tier, sanitizeConfidence(update.Confidence),
		update.ProcessingTimeMs, update.RunID, update.ErrorCode, update.ErrorMessage,
		string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w", update.JobID, update.Status, err)
	}
	return nil
}

// JobStatus returns the stored status and tier of a job.
func (s *SQLiteClient) JobStatus(ctx context.Context, jobID string) (status, tier string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	err = s.db.QueryRowContext(ctx, `SELECT status, tier FROM analysis_jobs WHERE id = ?`, jobID).Scan(&status, &tier)
	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("job not found: %s", jobID)
	}
	return status, tier, err
}

func (s *SQLiteClient) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteClient) Close() error {
	return s.db.Close()
}
