package dispatcher

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"testing"
	"time"

	"github.com/adverant/nexus/drawing-worker/internal/geometry"
	"github.com/adverant/nexus/drawing-worker/internal/model"
	"github.com/adverant/nexus/drawing-worker/internal/recognition"
	"github.com/adverant/nexus/drawing-worker/internal/tiles"
)

type event struct {
	tile  string
	start bool
}

type recorder struct {
	mu       sync.Mutex
	events   []event
	active   int
	peak     int
	calls    map[string]int
	failFor  map[string]int // tile id -> number of leading failures, -1 forever
	hintsFor map[string]recognition.Hints
}

func newRecorder() *recorder {
	return &recorder{calls: map[string]int{}, failFor: map[string]int{}, hintsFor: map[string]recognition.Hints{}}
}

func (r *recorder) enter(tile string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{tile, true})
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
	r.calls[tile]++
	return r.calls[tile]
}

func (r *recorder) leave(tile string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{tile, false})
	r.active--
}

func (r *recorder) shouldFail(tile string, call int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.failFor[tile]
	return ok && (n < 0 || call <= n)
}

type fakeOCR struct {
	rec   *recorder
	delay time.Duration
}

func (f *fakeOCR) Recognize(ctx context.Context, img []byte) (*recognition.OCRResult, error) {
	tile := tileOf(img)
	call := f.rec.enter(tile)
	defer f.rec.leave(tile)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.rec.shouldFail(tile, call) {
		return nil, errors.New("engine unavailable")
	}
	return &recognition.OCRResult{
		Success: true,
		Items: []recognition.OCRItem{
			{Text: "KL1", BBox: geometry.Rect(2, 2, 10, 4), Confidence: 0.9},
		},
	}, nil
}

type fakeVision struct {
	rec *recorder
}

func (f *fakeVision) AnalyzeComponents(ctx context.Context, img []byte, pc recognition.PromptContext) (*recognition.VisionResult, error) {
	call := f.rec.enter(pc.TileID)
	defer f.rec.leave(pc.TileID)
	f.rec.mu.Lock()
	f.rec.hintsFor[pc.TileID] = pc.Hints
	f.rec.mu.Unlock()
	if f.rec.shouldFail(pc.TileID, call) {
		return &recognition.VisionResult{Success: false}, nil
	}
	return &recognition.VisionResult{
		Success: true,
		Components: []recognition.VisionDetection{
			{ComponentID: "KL1", Type: model.ComponentBeam, BBox: geometry.Rect(1, 1, 12, 6), Confidence: 0.8},
		},
	}, nil
}

// sliceTiles maps encoded slice bytes back to their tile id.
var (
	sliceMu    sync.Mutex
	sliceTiles = map[string]string{}
)

func tileOf(img []byte) string {
	sliceMu.Lock()
	defer sliceMu.Unlock()
	return sliceTiles[string(img)]
}

func fixture(t *testing.T, n int) (*tiles.Rasterizer, []model.TileSpec) {
	t.Helper()
	const size = 16
	src := image.NewRGBA(image.Rect(0, 0, size*n, size))
	specs := make([]model.TileSpec, n)
	for i := range specs {
		// distinct fill per tile so each encoded slice is unique
		fill := color.RGBA{R: uint8(10 * (i + 1)), A: 255}
		draw.Draw(src, image.Rect(i*size, 0, (i+1)*size, size), &image.Uniform{C: fill}, image.Point{}, draw.Src)
		specs[i] = model.TileSpec{ID: model.TileID(0, i), Row: 0, Col: i, OffsetX: i * size, Width: size, Height: size}
	}
	r := tiles.NewRasterizer(src, nil)
	for _, s := range specs {
		sl, _, err := r.Slice(s)
		if err != nil {
			t.Fatalf("slice %s: %v", s.ID, err)
		}
		sliceMu.Lock()
		sliceTiles[string(sl.Data)] = s.ID
		sliceMu.Unlock()
	}
	return r, specs
}

func testConfig() Config {
	return Config{Workers: 2, BatchSize: 2, MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

func hintIDs(items []model.TileItem) recognition.Hints {
	var h recognition.Hints
	for _, it := range items {
		h.ComponentIDs = append(h.ComponentIDs, it.Text)
	}
	return h
}

func TestDispatchBothTracks(t *testing.T) {
	raster, specs := fixture(t, 4)
	ocrRec, visRec := newRecorder(), newRecorder()
	d := New(testConfig(), &fakeOCR{rec: ocrRec}, &fakeVision{rec: visRec}, hintIDs, nil)

	report, err := d.Dispatch(context.Background(), raster, specs, Tracks{OCR: true, Vision: true})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(report.Results) != 8 {
		t.Fatalf("results = %d, want 8", len(report.Results))
	}
	for i := 1; i < len(report.Results); i++ {
		a, b := report.Results[i-1], report.Results[i]
		if a.TileID > b.TileID || (a.TileID == b.TileID && a.Track > b.Track) {
			t.Fatalf("results not sorted at %d: %s/%s then %s/%s", i, a.TileID, a.Track, b.TileID, b.Track)
		}
	}
	if report.TilesSuccessful() != 4 || report.CallsFailed != 0 {
		t.Errorf("successful = %d, failed calls = %d", report.TilesSuccessful(), report.CallsFailed)
	}
	if report.Batches != 2 {
		t.Errorf("batches = %d, want 2", report.Batches)
	}
	if report.SlicesReused != 4 {
		t.Errorf("slices reused = %d, want 4 (fixture pre-rasterized every tile)", report.SlicesReused)
	}
	if got := visRec.hintsFor["r0c2"].ComponentIDs; len(got) != 1 || got[0] != "KL1" {
		t.Errorf("vision hints for r0c2 = %v", got)
	}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	raster, specs := fixture(t, 2)
	ocrRec := newRecorder()
	ocrRec.failFor["r0c0"] = 1
	d := New(testConfig(), &fakeOCR{rec: ocrRec}, nil, nil, nil)

	report, err := d.Dispatch(context.Background(), raster, specs, Tracks{OCR: true})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	r := report.Results[0]
	if r.TileID != "r0c0" || !r.Success || r.Attempts != 2 {
		t.Errorf("r0c0 = %+v, want success after 2 attempts", r)
	}
	if len(r.Items) != 1 || r.Items[0].Text != "KL1" {
		t.Errorf("items = %+v", r.Items)
	}
}

func TestDispatchMarksPersistentFailure(t *testing.T) {
	raster, specs := fixture(t, 4)
	visRec := newRecorder()
	visRec.failFor["r0c1"] = -1
	cfg := testConfig()
	d := New(cfg, &fakeOCR{rec: newRecorder()}, &fakeVision{rec: visRec}, nil, nil)

	report, err := d.Dispatch(context.Background(), raster, specs, Tracks{OCR: true, Vision: true})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	var marker *model.TileResult
	for i := range report.Results {
		r := report.Results[i]
		if r.TileID == "r0c1" && r.Track == model.TrackVision {
			marker = &report.Results[i]
		}
	}
	if marker == nil {
		t.Fatalf("no vision result for r0c1")
	}
	if marker.Success || marker.Failure == nil || len(marker.Items) != 0 {
		t.Fatalf("expected explicit failure marker, got %+v", marker)
	}
	if marker.Failure.Attempts != cfg.MaxRetries+1 {
		t.Errorf("attempts = %d, want %d", marker.Failure.Attempts, cfg.MaxRetries+1)
	}
	if visRec.calls["r0c1"] != cfg.MaxRetries+1 {
		t.Errorf("vision called %d times for r0c1", visRec.calls["r0c1"])
	}
	if report.TilesSuccessful() != 3 || report.CallsFailed != 1 {
		t.Errorf("successful = %d, failed calls = %d", report.TilesSuccessful(), report.CallsFailed)
	}
	if report.TrackSuccesses(model.TrackOCR) != 4 {
		t.Errorf("OCR successes = %d", report.TrackSuccesses(model.TrackOCR))
	}
}

func TestDispatchBatchBarrierAndWorkerLimit(t *testing.T) {
	raster, specs := fixture(t, 5)
	rec := newRecorder()
	d := New(testConfig(), &fakeOCR{rec: rec, delay: 5 * time.Millisecond}, nil, nil, nil)

	if _, err := d.Dispatch(context.Background(), raster, specs, Tracks{OCR: true}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rec.peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", rec.peak)
	}

	batchOf := map[string]int{}
	for i, s := range specs {
		batchOf[s.ID] = i / 2
	}
	lastEnd := map[int]int{}
	firstStart := map[int]int{}
	for i, e := range rec.events {
		b := batchOf[e.tile]
		if e.start {
			if _, ok := firstStart[b]; !ok {
				firstStart[b] = i
			}
		} else {
			lastEnd[b] = i
		}
	}
	for b := 1; b <= 2; b++ {
		if firstStart[b] < lastEnd[b-1] {
			t.Errorf("batch %d started at event %d before batch %d finished at %d", b, firstStart[b], b-1, lastEnd[b-1])
		}
	}
}

func TestDispatchCancelledSkipsTiles(t *testing.T) {
	raster, specs := fixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := New(testConfig(), &fakeOCR{rec: newRecorder()}, nil, nil, nil)

	report, err := d.Dispatch(ctx, raster, specs, Tracks{OCR: true})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if report.TilesSkipped != 3 || len(report.Results) != 0 {
		t.Errorf("skipped = %d, results = %d", report.TilesSkipped, len(report.Results))
	}
}

func TestDispatchRejectsMissingCollaborator(t *testing.T) {
	raster, specs := fixture(t, 1)
	d := New(testConfig(), nil, nil, nil, nil)
	if _, err := d.Dispatch(context.Background(), raster, specs, Tracks{Vision: true}); err == nil {
		t.Fatalf("expected error without a vision analyzer")
	}
	if _, err := d.Dispatch(context.Background(), raster, specs, Tracks{}); err == nil {
		t.Fatalf("expected error with no tracks")
	}
}
