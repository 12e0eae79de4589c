package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/adverant/nexus/drawing-worker/internal/errors"
	"github.com/adverant/nexus/drawing-worker/internal/geometry"
	"github.com/adverant/nexus/drawing-worker/internal/logging"
	"github.com/adverant/nexus/drawing-worker/internal/model"
	"github.com/adverant/nexus/drawing-worker/internal/processor"
)

// Job statuses written to the run store and published as events.
const (
	StatusProcessing = "processing"
	StatusCompleted  = model.StatusCompleted
	StatusDegraded   = model.StatusDegraded
	StatusFailed     = model.StatusFailed
)

const defaultProcessingTimeout = 20 * time.Minute

// JobPayload is the drawing analysis job as enqueued by the API.
type JobPayload struct {
	JobID      string                 `json:"jobId"`
	DrawingID  string                 `json:"drawingId,omitempty"`
	UserID     string                 `json:"userId"`
	Filename   string                 `json:"filename"`
	MimeType   string                 `json:"mimeType,omitempty"`
	FileSize   int64                  `json:"fileSize,omitempty"`
	FileURL    string                 `json:"fileUrl,omitempty"`
	FileBuffer []byte                 `json:"-"`               // set by UnmarshalJSON
	Frame      []float64              `json:"frame,omitempty"` // optional [x1, y1, x2, y2]
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts fileBuffer either as a base64 string or as a
// Node.js Buffer object ({"type":"Buffer","data":[...]}).
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal job payload: %w", err)
	}

	switch v := aux.FileBuffer.(type) {
	case nil:
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		p.FileBuffer = decoded
	case map[string]interface{}:
		if t, _ := v["type"].(string); t != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		arr, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.FileBuffer = make([]byte, len(arr))
		for i, val := range arr {
			b, ok := val.(float64)
			if !ok || b < 0 || b > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.FileBuffer[i] = byte(b)
		}
	default:
		return fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}
	return nil
}

// MarshalJSON writes fileBuffer as base64 so payloads round-trip.
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type Alias JobPayload
	aux := struct {
		FileBuffer string `json:"fileBuffer,omitempty"`
		Alias
	}{Alias: Alias(p)}
	if len(p.FileBuffer) > 0 {
		aux.FileBuffer = base64.StdEncoding.EncodeToString(p.FileBuffer)
	}
	return json.Marshal(aux)
}

func (p *JobPayload) validate() error {
	if p.JobID == "" {
		return fmt.Errorf("jobId is required")
	}
	if len(p.FileBuffer) == 0 && p.FileURL == "" {
		return fmt.Errorf("job %s has neither fileBuffer nor fileUrl", p.JobID)
	}
	if len(p.Frame) != 0 && len(p.Frame) != 4 {
		return fmt.Errorf("job %s: frame must have 4 values, got %d", p.JobID, len(p.Frame))
	}
	return nil
}

func (p *JobPayload) request() *processor.AnalyzeRequest {
	req := &processor.AnalyzeRequest{
		JobID:      p.JobID,
		DrawingID:  p.DrawingID,
		UserID:     p.UserID,
		Filename:   p.Filename,
		MimeType:   p.MimeType,
		FileSize:   p.FileSize,
		FileURL:    p.FileURL,
		FileBuffer: p.FileBuffer,
		Metadata:   p.Metadata,
	}
	if len(p.Frame) == 4 {
		f := geometry.BBox{X1: p.Frame[0], Y1: p.Frame[1], X2: p.Frame[2], Y2: p.Frame[3]}
		req.Frame = &f
	}
	return req
}

// runner drives one job through the processor and records its status.
// Both consumers share it.
type runner struct {
	processor processor.DrawingProcessorInterface
	timeout   time.Duration
	logger    *logging.Logger
}

func newRunner(p processor.DrawingProcessorInterface, timeoutMs int64, logger *logging.Logger) *runner {
	timeout := defaultProcessingTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &runner{processor: p, timeout: timeout, logger: logger}
}

// run analyzes the drawing and returns the final job status. ctx bounds
// status updates; the analysis itself also runs under the processing
// timeout.
func (r *runner) run(ctx context.Context, job *JobPayload) (*processor.ProcessResult, string, error) {
	log := r.logger.With("job_id", job.JobID)
	start := time.Now()

	if err := r.processor.UpdateJobStatus(ctx, job.JobID, StatusProcessing, map[string]interface{}{
		"filename": job.Filename,
		"mimeType": job.MimeType,
		"fileSize": job.FileSize,
		"userId":   job.UserID,
	}); err != nil {
		log.Warn("failed to mark job processing", "error", err)
	}

	processCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.processor.Analyze(processCtx, job.request())
	duration := time.Since(start)

	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = apperrors.NewProcessingTimeoutError(job.JobID, r.timeout, err)
		}
		log.Error("analysis failed", "duration", duration, "error", err)
		meta := failureMetadata(err, out, duration)
		if uerr := r.processor.UpdateJobStatus(context.WithoutCancel(ctx), job.JobID, StatusFailed, meta); uerr != nil {
			log.Warn("failed to mark job failed", "error", uerr)
		}
		return out, StatusFailed, err
	}

	status := StatusCompleted
	if out.Result != nil && out.Result.Status != "" {
		status = out.Result.Status
	}
	if uerr := r.processor.UpdateJobStatus(ctx, job.JobID, status, completionMetadata(out)); uerr != nil {
		log.Warn("failed to mark job finished", "status", status, "error", uerr)
	}
	log.Info("analysis finished", "status", status, "duration", duration)
	return out, status, nil
}

func completionMetadata(out *processor.ProcessResult) map[string]interface{} {
	meta := map[string]interface{}{
		"confidence":         out.Confidence,
		"processingTime":     out.ProcessingTimeMs,
		"runId":              out.RunID,
		"embeddingGenerated": out.EmbeddingGenerated,
	}
	if out.ArtifactLocator != "" {
		meta["artifactUrl"] = out.ArtifactLocator
	}
	if res := out.Result; res != nil {
		meta["tier"] = string(res.Tier)
		meta["componentCount"] = len(res.Components)
		meta["tilesTotal"] = res.TilesTotal
		meta["tilesSuccessful"] = res.TilesSuccessful
		if res.FallbackReason != "" {
			meta["fallbackReason"] = res.FallbackReason
		}
	}
	return meta
}

func failureMetadata(err error, out *processor.ProcessResult, duration time.Duration) map[string]interface{} {
	var meta map[string]interface{}
	if out != nil {
		meta = completionMetadata(out)
	} else {
		meta = map[string]interface{}{}
	}
	for k, v := range errorDetail(err) {
		meta[k] = v
	}
	meta["processingTime"] = duration.Milliseconds()
	return meta
}

func errorDetail(err error) map[string]interface{} {
	detail := map[string]interface{}{"error": err.Error()}
	if code := apperrors.CodeOf(err); code != "" {
		detail["errorCode"] = string(code)
	}
	return detail
}

// retryable reports whether running the job again could change the outcome.
// Bad input and exhausted tiers are final; the failed run is already stored.
func retryable(err error) bool {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrorUnsupportedFormat, apperrors.ErrorGeometryFailed, apperrors.ErrorTiersExhausted:
		return false
	}
	return true
}
