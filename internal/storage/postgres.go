/**
 * PostgreSQL Client for the Drawing Analysis Worker
 *
 * Stores analysis runs and job status in the drawing schema.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

const postgresSchema = `
	CREATE SCHEMA IF NOT EXISTS drawing;

	CREATE TABLE IF NOT EXISTS drawing.analysis_runs (
		id UUID PRIMARY KEY,
		job_id TEXT NOT NULL,
		drawing_id TEXT NOT NULL,
		status TEXT NOT NULL,
		tier TEXT NOT NULL,
		fallback_reason TEXT,
		tiles_total INTEGER NOT NULL DEFAULT 0,
		tiles_successful INTEGER NOT NULL DEFAULT 0,
		component_count INTEGER NOT NULL DEFAULT 0,
		component_ids TEXT[] NOT NULL DEFAULT '{}',
		qdrant_point_id UUID,
		result JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS drawing.analysis_jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		tier TEXT,
		confidence NUMERIC(5,4),
		processing_time_ms BIGINT,
		run_id UUID,
		error_code TEXT,
		error_message TEXT,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_analysis_runs_drawing ON drawing.analysis_runs(drawing_id);
`

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// SaveRun inserts a finalized run. Runs are immutable, so a second save
// with the same id is an error.
func (p *PostgresClient) SaveRun(ctx context.Context, run *RunRecord) error {
	if err := validateRun(run); err != nil {
		return err
	}

	query := `
		INSERT INTO drawing.analysis_runs (
			id, job_id, drawing_id, status, tier, fallback_reason,
			tiles_total, tiles_successful, component_count, component_ids,
			qdrant_point_id, result, created_at
		) VALUES (
			$1::uuid, $2, $3, $4, $5, NULLIF($6, ''),
			$7, $8, $9, $10,
			CASE WHEN $11 = '' THEN NULL ELSE $11::uuid END,
			$12::jsonb, NOW()
		)
		RETURNING created_at
	`

	err := p.db.QueryRowContext(ctx, query,
		run.ID,
		run.JobID,
		run.DrawingID,
		run.Status,
		run.Tier,
		run.FallbackReason,
		run.TilesTotal,
		run.TilesSuccessful,
		len(run.ComponentIDs),
		pq.Array(run.ComponentIDs),
		run.QdrantPointID,
		sanitizeJSONForPostgres(run.Result),
	).Scan(&run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store run (run=%s, tier=%s): %w", run.ID, run.Tier, err)
	}
	return nil
}

// GetRun retrieves a run by id
func (p *PostgresClient) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	query := `
		SELECT id, job_id, drawing_id, status, tier, fallback_reason,
			tiles_total, tiles_successful, component_ids, qdrant_point_id,
			result, created_at
		FROM drawing.analysis_runs
		WHERE id = $1::uuid
	`

	var (
		run            RunRecord
		fallbackReason sql.NullString
		qdrantPointID  sql.NullString
		componentIDs   pq.StringArray
	)
	err := p.db.QueryRowContext(ctx, query, runID).Scan(
		&run.ID, &run.JobID, &run.DrawingID, &run.Status, &run.Tier, &fallbackReason,
		&run.TilesTotal, &run.TilesSuccessful, &componentIDs, &qdrantPointID,
		&run.Result, &run.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.FallbackReason = fallbackReason.String
	run.QdrantPointID = qdrantPointID.String
	run.ComponentIDs = []string(componentIDs)
	return &run, nil
}

// UpdateJobStatus upserts the job row; the worker may see a job before the
// API has created it.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if err := validateJobUpdate(update); err != nil {
		return err
	}

	metadata := update.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	confidence := sanitizeConfidence(update.Confidence)

	query := `
		INSERT INTO drawing.analysis_jobs (
			id, status, tier, confidence, processing_time_ms, run_id,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1, $2, NULLIF($3, ''), NULLIF($4::NUMERIC(5,4), 0), NULLIF($5, 0),
			CASE WHEN $6 = '' THEN NULL ELSE $6::uuid END,
			NULLIF($7, ''), NULLIF($8, ''),
			COALESCE($9::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			tier = COALESCE(EXCLUDED.tier, drawing.analysis_jobs.tier),
			confidence = COALESCE(EXCLUDED.confidence, drawing.analysis_jobs.confidence),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, drawing.analysis_jobs.processing_time_ms),
			run_id = COALESCE(EXCLUDED.run_id, drawing.analysis_jobs.run_id),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = drawing.analysis_jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
	`

	_, err = p.db.ExecContext(ctx, query,
		update.JobID,
		update.Status,
		update.Tier,
		confidence,
		update.ProcessingTimeMs,
		update.RunID,
		update.ErrorCode,
		update.ErrorMessage,
		sanitizeJSONForPostgres(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s, confidence=%.4f): %w",
			update.JobID, update.Status, confidence, err)
	}
	return nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
