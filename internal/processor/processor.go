/**
 * Drawing Processor for the Drawing Analysis Worker
 *
 * Orchestrates one analysis end to end:
 * - load the drawing (buffer or URL) and decode it
 * - plan the tile grid
 * - run the fallback ladder (tiled vision, direct vision, OCR only, basic info)
 * - persist the merged result, its transcript vector and a JSON artifact
 * - publish the transcript to GraphRAG for recall
 */

package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/adverant/nexus/drawing-worker/internal/clients"
	apperrors "github.com/adverant/nexus/drawing-worker/internal/errors"
	"github.com/adverant/nexus/drawing-worker/internal/fallback"
	"github.com/adverant/nexus/drawing-worker/internal/geometry"
	"github.com/adverant/nexus/drawing-worker/internal/logging"
	"github.com/adverant/nexus/drawing-worker/internal/model"
	"github.com/adverant/nexus/drawing-worker/internal/planner"
	"github.com/adverant/nexus/drawing-worker/internal/recognition"
	"github.com/adverant/nexus/drawing-worker/internal/storage"
	"github.com/adverant/nexus/drawing-worker/internal/tiles"
)

// DrawingProcessorInterface is what the queue consumers need
type DrawingProcessorInterface interface {
	Analyze(ctx context.Context, req *AnalyzeRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error
}

// Embedder turns a transcript into a search vector.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// DocumentIndexer stores transcripts for recall.
type DocumentIndexer interface {
	StoreDocument(ctx context.Context, req *clients.GraphRAGDocumentRequest) (*clients.GraphRAGDocumentResponse, error)
}

// ArtifactSink is the storage collaborator: put(key, payload) -> locator.
type ArtifactSink interface {
	Put(ctx context.Context, key string, payload []byte) (*clients.PutResult, error)
}

// ProcessorConfig holds processor dependencies. Only Storage is required;
// a missing OCR engine or vision service makes its tiers fail fast.
type ProcessorConfig struct {
	Settings  Settings
	OCR       recognition.OCREngine
	Vision    recognition.VisionAnalyzer
	Embedder  Embedder
	Indexer   DocumentIndexer
	Artifacts ArtifactSink
	Storage   *storage.StorageManager
	Estimator planner.DensityEstimator // nil selects the built-in Sobel estimator
	Logger    *logging.Logger
}

// AnalyzeRequest represents a drawing analysis request
type AnalyzeRequest struct {
	JobID      string
	DrawingID  string
	UserID     string
	Filename   string
	MimeType   string
	FileSize   int64
	FileURL    string
	FileBuffer []byte
	Frame      *geometry.BBox // optional explicit content frame
	Metadata   map[string]interface{}
}

// ProcessResult represents the processing result
type ProcessResult struct {
	Result             *model.AnalysisResult
	RunID              string
	ArtifactLocator    string
	QdrantPointID      string
	EmbeddingGenerated bool
	Confidence         float64
	ProcessingTimeMs   int64
}

// DrawingProcessor runs analyses. Safe for concurrent use.
type DrawingProcessor struct {
	settings  Settings
	ocr       recognition.OCREngine
	vision    recognition.VisionAnalyzer
	embedder  Embedder
	indexer   DocumentIndexer
	artifacts ArtifactSink
	storage   *storage.StorageManager
	planner   *planner.Planner
	pixels    *semaphore.Weighted
	logger    *logging.Logger
}

// NewDrawingProcessor creates a new drawing processor
func NewDrawingProcessor(cfg *ProcessorConfig) (*DrawingProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage manager is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("DrawingProcessor")
	}
	settings := cfg.Settings
	if settings.PixelBudget <= 0 {
		settings.PixelBudget = DefaultSettings().PixelBudget
	}

	if cfg.Vision == nil {
		logger.Warn("vision service not configured, vision tiers will fall through")
	}
	if cfg.OCR == nil {
		logger.Warn("OCR engine not configured, text track disabled")
	}
	if cfg.Embedder == nil {
		logger.Warn("embedding client not configured, transcripts will not be vector-indexed")
	}

	return &DrawingProcessor{
		settings:  settings,
		ocr:       cfg.OCR,
		vision:    cfg.Vision,
		embedder:  cfg.Embedder,
		indexer:   cfg.Indexer,
		artifacts: cfg.Artifacts,
		storage:   cfg.Storage,
		planner:   planner.New(settings.Planner, cfg.Estimator, logger),
		pixels:    semaphore.NewWeighted(settings.PixelBudget),
		logger:    logger,
	}, nil
}

// Analyze runs the whole pipeline for one drawing. Once the drawing is
// decoded the returned ProcessResult is never nil: a run that exhausts every
// tier still carries a failed result, alongside the error.
func (p *DrawingProcessor) Analyze(ctx context.Context, req *AnalyzeRequest) (*ProcessResult, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	start := time.Now()
	drawingID := req.DrawingID
	if drawingID == "" {
		drawingID = req.JobID
	}
	log := p.logger.With("job_id", req.JobID, "drawing_id", drawingID)
	log.Info("starting drawing analysis", "filename", req.Filename, "size", req.FileSize)

	// Step 1: load and sniff
	data, err := p.loadFile(ctx, req, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", err)
	}
	mimeType := detectMimeTypeFromMagicBytes(data)
	if mimeType == "" {
		mimeType = req.MimeType
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, apperrors.NewUnsupportedFormatError(req.JobID, mimeType)
	}

	// Step 2: reserve decode memory, then decode
	cfg, _, err := tiles.DecodeConfig(data)
	if err != nil {
		return nil, apperrors.NewUnsupportedFormatError(req.JobID, mimeType)
	}
	pixels := min(int64(cfg.Width)*int64(cfg.Height), p.settings.PixelBudget)
	if pixels <= 0 {
		return nil, apperrors.NewGeometryError(req.JobID, fmt.Sprintf("invalid image size %dx%d", cfg.Width, cfg.Height), nil)
	}
	if err := p.pixels.Acquire(ctx, pixels); err != nil {
		return nil, fmt.Errorf("waiting for decode budget: %w", err)
	}
	defer p.pixels.Release(pixels)

	img, format, err := tiles.Decode(data)
	if err != nil {
		return nil, apperrors.NewUnsupportedFormatError(req.JobID, mimeType)
	}
	info := model.ImageInfo{
		Width:    img.Bounds().Dx(),
		Height:   img.Bounds().Dy(),
		ByteSize: int64(len(data)),
		Format:   format,
	}

	run := model.NewPipelineRun(uuid.NewString(), drawingID)
	log = log.With("run_id", run.ID())

	// Step 3: plan; geometry failures end the run here
	plan, err := p.planner.Plan(planner.Input{Info: info, Raster: img, Frame: req.Frame})
	if err != nil {
		result := geometryFailure(run, info, err)
		return p.finish(ctx, req, result, start, log), err
	}
	info.Frame = plan.Frame
	info.FrameDetected = plan.FrameDetected
	info.FrameConfidence = plan.FrameConfidence
	log.Info("tile plan ready",
		"width", info.Width,
		"height", info.Height,
		"category", plan.Category,
		"tile_size", plan.TileSize,
		"overlap", plan.Overlap,
		"tiles", len(plan.Tiles),
		"density", plan.Density)

	// Step 4: fallback ladder
	a := newAnalysis(p.settings, p.ocr, p.vision, info, img, plan, drawingID, log)
	controller, err := fallback.New(a.tiers(), log)
	if err != nil {
		return nil, err
	}
	result, runErr := controller.Execute(ctx, run)

	// Step 5: persist whatever the ladder produced
	out := p.finish(ctx, req, result, start, log)
	if out.RunID == "" && runErr == nil {
		return out, apperrors.NewStorageFailedError(req.JobID, fmt.Errorf("run %s was not stored", run.ID()))
	}
	return out, runErr
}

// finish persists result and publishes it. Persistence runs on a context
// detached from cancellation so a cancelled run still leaves its record.
func (p *DrawingProcessor) finish(ctx context.Context, req *AnalyzeRequest, result *model.AnalysisResult, start time.Time, log *logging.Logger) *ProcessResult {
	result.ProcessingMs = time.Since(start).Milliseconds()
	out := &ProcessResult{
		Result:           result,
		Confidence:       overallConfidence(result),
		ProcessingTimeMs: result.ProcessingMs,
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	if p.artifacts != nil {
		if payload, err := json.Marshal(result); err != nil {
			log.Warn("failed to marshal result artifact", "error", err)
		} else if put, err := p.artifacts.Put(pctx, artifactKey(result), payload); err != nil {
			log.Warn("failed to store result artifact", "error", err)
		} else if put.Success {
			out.ArtifactLocator = put.Locator
		}
	}

	var embedding []float32
	if p.embedder != nil && result.Transcript != "" {
		vec, err := p.embedder.GenerateEmbedding(pctx, result.Transcript)
		if err != nil {
			log.Warn("failed to embed transcript", "error", err)
		} else {
			embedding = vec
			out.EmbeddingGenerated = true
		}
	}

	stored, err := p.storage.StoreRun(pctx, &storage.RunInput{JobID: req.JobID, Result: result, Embedding: embedding})
	if err != nil {
		log.Error("failed to store run", "error", err)
	} else {
		out.RunID = stored.RunID
		out.QdrantPointID = stored.QdrantPointID
	}

	if p.indexer != nil && result.Transcript != "" {
		resp, err := p.indexer.StoreDocument(pctx, &clients.GraphRAGDocumentRequest{
			Content: documentContent(result),
			Title:   documentTitle(req, result),
			Metadata: clients.GraphRAGDocumentMeta{
				Source:         req.FileURL,
				Type:           "drawing",
				Tags:           []string{string(result.Tier), result.Status},
				ProcessingID:   req.JobID,
				DrawingID:      result.DrawingID,
				RunID:          result.RunID,
				Tier:           string(result.Tier),
				ComponentCount: len(result.Components),
				ArtifactURL:    out.ArtifactLocator,
			},
		})
		if err != nil {
			log.Warn("failed to store transcript in GraphRAG", "error", err)
		} else if resp != nil && resp.Success {
			log.Info("transcript stored in GraphRAG", "document_id", resp.DocumentID, "chunks", resp.ChunkCount)
		}
	}

	log.Info("drawing analysis finished",
		"status", result.Status,
		"tier", result.Tier,
		"components", len(result.Components),
		"tiles_total", result.TilesTotal,
		"tiles_successful", result.TilesSuccessful,
		"fallback_reason", result.FallbackReason,
		"duration_ms", result.ProcessingMs)
	return out
}

// UpdateJobStatus updates job status in the run store
func (p *DrawingProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error {
	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	if metadata != nil {
		if confidence, ok := metadata["confidence"].(float64); ok {
			update.Confidence = confidence
		}
		if processingTime, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = processingTime
		}
		if runID, ok := metadata["runId"].(string); ok {
			update.RunID = runID
		}
		if tier, ok := metadata["tier"].(string); ok {
			update.Tier = tier
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			update.ErrorCode = "PROCESSING_ERROR"
			update.ErrorMessage = errorMsg
		}
		if code, ok := metadata["errorCode"].(string); ok && code != "" {
			update.ErrorCode = code
		}
	}

	return p.storage.UpdateJobStatus(ctx, update)
}

// geometryFailure closes a run that could not be planned.
func geometryFailure(run *model.PipelineRun, info model.ImageInfo, cause error) *model.AnalysisResult {
	_ = run.Record(model.TierAttempt{
		Tier:      model.TierTiledVision,
		StartedAt: time.Now(),
		Outcome:   model.OutcomeError,
		Reason:    cause.Error(),
	})
	_ = run.Finalize(model.TierFailed)
	return &model.AnalysisResult{
		RunID:          run.ID(),
		DrawingID:      run.DrawingID(),
		Status:         model.StatusFailed,
		Tier:           model.TierFailed,
		FallbackReason: run.FallbackReason(),
		Image:          info,
		Components:     []model.CanonicalComponent{},
		Run:            run.Snapshot(),
	}
}

// overallConfidence is the mean component confidence, or the OCR confidence
// when no component was found.
func overallConfidence(res *model.AnalysisResult) float64 {
	if len(res.Components) == 0 {
		return res.OCRConfidence
	}
	var sum float64
	for _, c := range res.Components {
		sum += c.Confidence
	}
	return sum / float64(len(res.Components))
}

func artifactKey(res *model.AnalysisResult) string {
	return fmt.Sprintf("drawings/%s/runs/%s", res.DrawingID, res.RunID)
}

func documentTitle(req *AnalyzeRequest, res *model.AnalysisResult) string {
	if req.Filename != "" {
		return req.Filename
	}
	return "Drawing " + res.DrawingID
}

// documentContent renders a component summary ahead of the transcript so
// recall can answer quantity questions.
func documentContent(res *model.AnalysisResult) string {
	var b strings.Builder
	if len(res.Components) > 0 {
		b.WriteString("Components:\n")
		for _, c := range res.Components {
			label := c.ComponentID
			if label == "" {
				label = string(c.Type)
			}
			fmt.Fprintf(&b, "- %s (%s) x%d", label, c.Type, c.Quantity)
			if c.Dimensions != "" {
				fmt.Fprintf(&b, " %s", c.Dimensions)
			}
			if c.Material != "" {
				fmt.Fprintf(&b, " %s", c.Material)
			}
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString(res.Transcript)
	return b.String()
}

// loadFile loads file from URL or buffer
func (p *DrawingProcessor) loadFile(ctx context.Context, req *AnalyzeRequest, log *logging.Logger) ([]byte, error) {
	if len(req.FileBuffer) > 0 {
		if p.settings.MaxFileSize > 0 && int64(len(req.FileBuffer)) > p.settings.MaxFileSize {
			return nil, fmt.Errorf("file size exceeds maximum: %d > %d bytes", len(req.FileBuffer), p.settings.MaxFileSize)
		}
		log.Debug("using file buffer", "bytes", len(req.FileBuffer))
		return req.FileBuffer, nil
	}

	if req.FileURL != "" {
		data, err := p.downloadFileFromURL(ctx, req.FileURL, req.FileSize, log)
		if err != nil {
			return nil, fmt.Errorf("failed to download file: %w", err)
		}
		return data, nil
	}

	return nil, fmt.Errorf("no file source provided (buffer or URL)")
}

// Download retry schedule.
var (
	downloadMaxRetries     = 5
	downloadInitialBackoff = time.Second
	downloadMaxBackoff     = 32 * time.Second
)

// downloadFileFromURL downloads a file with exponential backoff between
// attempts. Oversized files fail without retry.
func (p *DrawingProcessor) downloadFileFromURL(ctx context.Context, fileURL string, expectedSize int64, log *logging.Logger) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Minute}

	var lastErr error
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		log.Info("download attempt", "attempt", attempt, "max", downloadMaxRetries, "url", fileURL)

		data, retry, err := p.fetch(ctx, client, fileURL, expectedSize, log)
		if err == nil {
			log.Info("download complete", "attempt", attempt, "bytes", len(data))
			return data, nil
		}
		if !retry {
			return nil, err
		}
		lastErr = err
		log.Warn("download attempt failed", "attempt", attempt, "error", err)

		if attempt < downloadMaxRetries {
			backoff := time.Duration(float64(downloadInitialBackoff) * math.Pow(2, float64(attempt-1)))
			if backoff > downloadMaxBackoff {
				backoff = downloadMaxBackoff
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("failed to download file after %d attempts: %w", downloadMaxRetries, lastErr)
}

// fetch makes one download attempt; retry reports whether another attempt
// could succeed.
func (p *DrawingProcessor) fetch(ctx context.Context, client *http.Client, fileURL string, expectedSize int64, log *logging.Logger) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retry, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	if resp.ContentLength > 0 && expectedSize > 0 && resp.ContentLength != expectedSize {
		log.Warn("content-length mismatch", "expected", expectedSize, "got", resp.ContentLength)
	}
	if p.settings.MaxFileSize > 0 && resp.ContentLength > p.settings.MaxFileSize {
		return nil, false, fmt.Errorf("file size exceeds maximum: %d > %d bytes", resp.ContentLength, p.settings.MaxFileSize)
	}

	limit := p.settings.MaxFileSize
	if limit <= 0 {
		limit = 10 << 30
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, false, fmt.Errorf("file size exceeds maximum: more than %d bytes", limit)
	}
	return data, false, nil
}

// detectMimeTypeFromMagicBytes detects the actual MIME type from file content
// magic bytes. Scans arrive from sources that often report
// application/octet-stream.
func detectMimeTypeFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		return "application/pdf"
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	// TIFF, little-endian then big-endian
	case bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}), bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "image/tiff"
	case bytes.HasPrefix(data, []byte("BM")):
		return "image/bmp"
	case bytes.HasPrefix(data, []byte{0x50, 0x4B, 0x03, 0x04}):
		return "application/zip"
	}
	return ""
}
