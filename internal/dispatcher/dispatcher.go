/**
 * Tile Dispatcher
 *
 * Sends every tile to the OCR engine and the vision service in bounded
 * batches. Each (tile, track) pair produces exactly one TileResult: items on
 * success, an explicit failure marker otherwise.
 */

package dispatcher

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	apperrors "github.com/adverant/nexus/drawing-worker/internal/errors"
	"github.com/adverant/nexus/drawing-worker/internal/logging"
	"github.com/adverant/nexus/drawing-worker/internal/model"
	"github.com/adverant/nexus/drawing-worker/internal/recognition"
	"github.com/adverant/nexus/drawing-worker/internal/tiles"
)

// Config holds dispatcher limits
type Config struct {
	Workers        int           // concurrent tiles inside a batch
	BatchSize      int           // tiles per batch; batches run one after another
	MaxRetries     int           // retries after the first attempt
	InitialBackoff time.Duration // doubled per retry
	MaxBackoff     time.Duration
	CallTimeout    time.Duration // per collaborator call, 0 disables
	OCRRate        float64       // calls per second, 0 is unlimited
	VisionRate     float64
	Burst          int
}

// DefaultConfig returns production limits
func DefaultConfig() Config {
	return Config{
		Workers:        8,
		BatchSize:      16,
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		CallTimeout:    90 * time.Second,
		VisionRate:     4,
		Burst:          4,
	}
}

// Tracks selects which collaborators are called
type Tracks struct {
	OCR    bool
	Vision bool
}

// HintBuilder turns a tile's OCR items into vision prompt hints
type HintBuilder func(items []model.TileItem) recognition.Hints

// Report is the outcome of one dispatch
type Report struct {
	Results        []model.TileResult
	TilesTotal     int
	TilesAttempted int
	TilesSkipped   int
	CallsFailed    int
	Batches        int
	SlicesEncoded  int64
	SlicesReused   int64
}

// TilesSuccessful counts tiles whose every requested track succeeded
func (r *Report) TilesSuccessful() int {
	ok := map[string]bool{}
	for _, res := range r.Results {
		prev, seen := ok[res.TileID]
		ok[res.TileID] = res.Success && (!seen || prev)
	}
	n := 0
	for _, v := range ok {
		if v {
			n++
		}
	}
	return n
}

// TrackSuccesses counts successful results of one track
func (r *Report) TrackSuccesses(track model.Track) int {
	n := 0
	for _, res := range r.Results {
		if res.Track == track && res.Success {
			n++
		}
	}
	return n
}

// Dispatcher fans tiles out to the recognition collaborators
type Dispatcher struct {
	cfg           Config
	ocr           recognition.OCREngine
	vision        recognition.VisionAnalyzer
	hints         HintBuilder
	ocrLimiter    *rate.Limiter
	visionLimiter *rate.Limiter
	logger        *logging.Logger
}

// New creates a dispatcher; either collaborator may be nil if its track is
// never requested.
func New(cfg Config, ocr recognition.OCREngine, vision recognition.VisionAnalyzer, hints HintBuilder, logger *logging.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = cfg.Workers
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{
		cfg:           cfg,
		ocr:           ocr,
		vision:        vision,
		hints:         hints,
		ocrLimiter:    newLimiter(cfg.OCRRate, cfg.Burst),
		visionLimiter: newLimiter(cfg.VisionRate, cfg.Burst),
		logger:        logger,
	}
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Dispatch processes specs in order, batch by batch. When ctx ends, tiles
// not yet started are counted as skipped and ctx's error is returned with
// the partial report.
func (d *Dispatcher) Dispatch(ctx context.Context, raster *tiles.Rasterizer, specs []model.TileSpec, tracks Tracks) (*Report, error) {
	if !tracks.OCR && !tracks.Vision {
		return nil, fmt.Errorf("no recognition track requested")
	}
	if tracks.OCR && d.ocr == nil {
		return nil, fmt.Errorf("OCR track requested without an OCR engine")
	}
	if tracks.Vision && d.vision == nil {
		return nil, fmt.Errorf("vision track requested without a vision analyzer")
	}

	report := &Report{TilesTotal: len(specs)}
	encodedBefore, reusedBefore := raster.Cache().Stats()
	var mu sync.Mutex

	for start := 0; start < len(specs); start += d.cfg.BatchSize {
		if ctx.Err() != nil {
			report.TilesSkipped = len(specs) - start
			break
		}
		end := min(start+d.cfg.BatchSize, len(specs))
		batch := specs[start:end]
		report.Batches++

		var g errgroup.Group
		g.SetLimit(d.cfg.Workers)
		for _, spec := range batch {
			spec := spec
			g.Go(func() error {
				results := d.processTile(ctx, raster, spec, tracks)
				mu.Lock()
				report.Results = append(report.Results, results...)
				report.TilesAttempted++
				mu.Unlock()
				return nil
			})
		}
		// batch barrier
		_ = g.Wait()

		d.logger.Debug("batch complete", "batch", report.Batches, "tiles", len(batch))
	}

	for _, r := range report.Results {
		if !r.Success {
			report.CallsFailed++
		}
	}
	encodedAfter, reusedAfter := raster.Cache().Stats()
	report.SlicesEncoded = encodedAfter - encodedBefore
	report.SlicesReused = reusedAfter - reusedBefore
	model.SortTileResults(report.Results)

	d.logger.Info("dispatch finished",
		"tiles", report.TilesTotal,
		"attempted", report.TilesAttempted,
		"skipped", report.TilesSkipped,
		"failed_calls", report.CallsFailed,
		"slices_reused", report.SlicesReused)

	return report, ctx.Err()
}

func (d *Dispatcher) processTile(ctx context.Context, raster *tiles.Rasterizer, spec model.TileSpec, tracks Tracks) []model.TileResult {
	slice, _, err := raster.Slice(spec)
	if err != nil {
		d.logger.Error("rasterize failed", "tile", spec.ID, "error", err)
		var out []model.TileResult
		for _, tr := range requested(tracks) {
			out = append(out, failed(spec.ID, tr, 0, 0, err))
		}
		return out
	}

	var results []model.TileResult
	var ocrItems []model.TileItem

	if tracks.OCR {
		started := time.Now()
		var res *recognition.OCRResult
		attempts, err := d.withRetry(ctx, d.ocrLimiter, func(callCtx context.Context) error {
			r, err := d.ocr.Recognize(callCtx, slice.Data)
			if err != nil {
				return err
			}
			if r == nil || !r.Success {
				return fmt.Errorf("OCR engine reported failure")
			}
			res = r
			return nil
		})
		if err != nil {
			results = append(results, failed(spec.ID, model.TrackOCR, attempts, time.Since(started), apperrors.NewCollaboratorError("ocr", spec.ID, attempts, err)))
			d.logger.Warn("OCR failed", "tile", spec.ID, "attempts", attempts, "error", err)
		} else {
			ocrItems = res.ToTileItems(spec.Width, spec.Height)
			results = append(results, succeeded(spec.ID, model.TrackOCR, attempts, time.Since(started), ocrItems))
		}
	}

	if tracks.Vision {
		pc := recognition.PromptContext{TileID: spec.ID, Width: spec.Width, Height: spec.Height}
		if d.hints != nil && len(ocrItems) > 0 {
			pc.Hints = d.hints(ocrItems)
		}
		started := time.Now()
		var res *recognition.VisionResult
		attempts, err := d.withRetry(ctx, d.visionLimiter, func(callCtx context.Context) error {
			r, err := d.vision.AnalyzeComponents(callCtx, slice.Data, pc)
			if err != nil {
				return err
			}
			if r == nil || !r.Success {
				return fmt.Errorf("vision service reported failure")
			}
			res = r
			return nil
		})
		if err != nil {
			results = append(results, failed(spec.ID, model.TrackVision, attempts, time.Since(started), apperrors.NewCollaboratorError("vision", spec.ID, attempts, err)))
			d.logger.Warn("vision failed", "tile", spec.ID, "attempts", attempts, "error", err)
		} else {
			results = append(results, succeeded(spec.ID, model.TrackVision, attempts, time.Since(started), res.ToTileItems(spec.Width, spec.Height)))
		}
	}

	return results
}

// withRetry runs call with exponential backoff. It returns the number of
// attempts made and the last error.
func (d *Dispatcher) withRetry(ctx context.Context, limiter *rate.Limiter, call func(context.Context) error) (int, error) {
	var lastErr error
	maxAttempts := d.cfg.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return attempt - 1, fmt.Errorf("rate limiter: %w", err)
			}
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if d.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, d.cfg.CallTimeout)
		}
		err := call(callCtx)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if attempt < maxAttempts {
			backoff := d.cfg.InitialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			if d.cfg.MaxBackoff > 0 && backoff > d.cfg.MaxBackoff {
				backoff = d.cfg.MaxBackoff
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return attempt, ctx.Err()
			}
		}
	}

	return maxAttempts, lastErr
}

func requested(t Tracks) []model.Track {
	var out []model.Track
	if t.OCR {
		out = append(out, model.TrackOCR)
	}
	if t.Vision {
		out = append(out, model.TrackVision)
	}
	return out
}

func succeeded(tileID string, track model.Track, attempts int, took time.Duration, items []model.TileItem) model.TileResult {
	return model.TileResult{
		TileID:     tileID,
		Track:      track,
		Success:    true,
		Items:      items,
		Attempts:   attempts,
		DurationMs: took.Milliseconds(),
	}
}

func failed(tileID string, track model.Track, attempts int, took time.Duration, err error) model.TileResult {
	return model.TileResult{
		TileID:     tileID,
		Track:      track,
		Failure:    &model.Failure{Reason: err.Error(), Attempts: attempts},
		Attempts:   attempts,
		DurationMs: took.Milliseconds(),
	}
}
