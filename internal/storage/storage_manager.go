/**
 * Storage Manager for the Drawing Analysis Worker
 *
 * Coordinates the run store (PostgreSQL or SQLite) with the optional Qdrant
 * transcript index. A run is written vector-first so a failed row insert can
 * roll the vector back.
 */

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/adverant/nexus/drawing-worker/internal/model"
)

// VectorIndex is the subset of QdrantClient the manager needs.
type VectorIndex interface {
	UpsertVector(ctx context.Context, point *VectorPoint) error
	DeleteVector(ctx context.Context, id string) error
	Close() error
}

// StorageManager coordinates run rows and transcript vectors
type StorageManager struct {
	runs    RunStore
	vectors VectorIndex
}

// RunInput is what the processor hands over once a run is finalized.
type RunInput struct {
	JobID     string
	Result    *model.AnalysisResult
	Embedding []float32 // transcript embedding; empty skips the vector index
}

// StoredRun reports where a run ended up.
type StoredRun struct {
	RunID         string
	QdrantPointID string
	CreatedAt     time.Time
}

// NewStorageManager wires a run store and an optional vector index.
func NewStorageManager(runs RunStore, vectors VectorIndex) (*StorageManager, error) {
	if runs == nil {
		return nil, fmt.Errorf("run store is required")
	}
	return &StorageManager{runs: runs, vectors: vectors}, nil
}

// StoreRun persists the merged result of a run.
func (sm *StorageManager) StoreRun(ctx context.Context, input *RunInput) (*StoredRun, error) {
	if input == nil || input.Result == nil {
		return nil, fmt.Errorf("result is required")
	}
	res := input.Result
	if res.RunID == "" {
		return nil, fmt.Errorf("result has no run ID")
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	componentIDs := make([]string, 0, len(res.Components))
	for _, c := range res.Components {
		componentIDs = append(componentIDs, c.ID)
	}

	var pointID string
	if sm.vectors != nil && len(input.Embedding) > 0 {
		point := &VectorPoint{
			Vector: input.Embedding,
			Metadata: map[string]interface{}{
				"run_id":          res.RunID,
				"job_id":          input.JobID,
				"drawing_id":      res.DrawingID,
				"tier":            string(res.Tier),
				"component_count": len(res.Components),
				"created_at":      time.Now().Unix(),
			},
		}
		if err := sm.vectors.UpsertVector(ctx, point); err != nil {
			return nil, fmt.Errorf("failed to store vector in Qdrant: %w", err)
		}
		pointID = point.ID
	}

	record := &RunRecord{
		ID:              res.RunID,
		JobID:           input.JobID,
		DrawingID:       res.DrawingID,
		Status:          res.Status,
		Tier:            string(res.Tier),
		FallbackReason:  res.FallbackReason,
		TilesTotal:      res.TilesTotal,
		TilesSuccessful: res.TilesSuccessful,
		ComponentIDs:    componentIDs,
		QdrantPointID:   pointID,
		Result:          payload,
	}
	if err := sm.runs.SaveRun(ctx, record); err != nil {
		if pointID != "" {
			// rollback
			_ = sm.vectors.DeleteVector(ctx, pointID)
		}
		return nil, err
	}

	return &StoredRun{RunID: record.ID, QdrantPointID: pointID, CreatedAt: record.CreatedAt}, nil
}

// GetResult loads a stored run and decodes its merged result.
func (sm *StorageManager) GetResult(ctx context.Context, runID string) (*model.AnalysisResult, error) {
	rec, err := sm.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var res model.AnalysisResult
	if err := json.Unmarshal(rec.Result, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result for run %s: %w", runID, err)
	}
	return &res, nil
}

// UpdateJobStatus updates job status in the run store
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.runs.UpdateJobStatus(ctx, update)
}

// Ping checks the run store
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.runs.Ping(ctx)
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var runErr, vecErr error
	runErr = sm.runs.Close()
	if sm.vectors != nil {
		vecErr = sm.vectors.Close()
	}
	if runErr != nil {
		return fmt.Errorf("failed to close run store: %w", runErr)
	}
	if vecErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", vecErr)
	}
	return nil
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres strips \u0000 and blanks other control escapes,
// which JSONB rejects. OCR text from scanned drawings does contain them.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}
