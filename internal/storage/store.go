/**
 * Run persistence for the Drawing Analysis Worker
 *
 * A merged analysis result is persisted as one run row plus a job status row.
 * PostgreSQL is the production backend; SQLite serves single-node and local
 * deployments selected by a sqlite:// DATABASE_URL.
 */

package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RunRecord is the persisted view of one analysis run.
type RunRecord struct {
	ID              string
	JobID           string
	DrawingID       string
	Status          string
	Tier            string
	FallbackReason  string
	TilesTotal      int
	TilesSuccessful int
	ComponentIDs    []string
	QdrantPointID   string
	Result          []byte // merged-result JSON
	CreatedAt       time.Time
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	Tier             string
	Confidence       float64
	ProcessingTimeMs int64
	RunID            string
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// RunStore persists runs and job status.
type RunStore interface {
	SaveRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	UpdateJobStatus(ctx context.Context, update *JobUpdate) error
	Ping(ctx context.Context) error
	Close() error
}

// OpenRunStore picks the backend from the URL scheme.
func OpenRunStore(databaseURL string) (RunStore, error) {
	switch {
	case databaseURL == "":
		return nil, fmt.Errorf("database URL is required")
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return NewSQLiteClient(strings.TrimPrefix(databaseURL, "sqlite://"))
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return NewPostgresClient(databaseURL)
	default:
		return nil, fmt.Errorf("unsupported database URL scheme: %s", databaseURL)
	}
}

// sanitizeConfidence clamps to [0,1] and rounds to 4 decimals so the value
// fits a NUMERIC(5,4) column.
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

func validateRun(run *RunRecord) error {
	if run == nil {
		return fmt.Errorf("run is required")
	}
	if run.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	if run.Status == "" || run.Tier == "" {
		return fmt.Errorf("run %s needs status and tier", run.ID)
	}
	if len(run.Result) == 0 {
		return fmt.Errorf("run %s has no result payload", run.ID)
	}
	return nil
}

func validateJobUpdate(update *JobUpdate) error {
	if update == nil || update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}
