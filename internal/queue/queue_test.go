package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/adverant/nexus/drawing-worker/internal/errors"
	"github.com/adverant/nexus/drawing-worker/internal/logging"
	"github.com/adverant/nexus/drawing-worker/internal/model"
	"github.com/adverant/nexus/drawing-worker/internal/processor"
	"github.com/hibiken/asynq"
)

type statusUpdate struct {
	jobID  string
	status string
	meta   map[string]interface{}
}

type fakeProcessor struct {
	mu      sync.Mutex
	analyze func(ctx context.Context, req *processor.AnalyzeRequest) (*processor.ProcessResult, error)
	reqs    []*processor.AnalyzeRequest
	updates []statusUpdate
}

func (f *fakeProcessor) Analyze(ctx context.Context, req *processor.AnalyzeRequest) (*processor.ProcessResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.analyze(ctx, req)
}

func (f *fakeProcessor) UpdateJobStatus(ctx context.Context, jobID, status string, meta map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, statusUpdate{jobID, status, meta})
	return nil
}

func (f *fakeProcessor) last() statusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[len(f.updates)-1]
}

func completedResult() *processor.ProcessResult {
	return &processor.ProcessResult{
		RunID:      "run-1",
		Confidence: 0.8,
		Result: &model.AnalysisResult{
			Status:          model.StatusDegraded,
			Tier:            model.TierOCROnly,
			FallbackReason:  "TILED_VISION: tile success rate 0.00 below 0.50 (0/2)",
			TilesTotal:      2,
			TilesSuccessful: 2,
			Components:      make([]model.CanonicalComponent, 3),
		},
	}
}

func newTestConsumer(p processor.DrawingProcessorInterface, timeoutMs int64) *Consumer {
	return &Consumer{
		runner: newRunner(p, timeoutMs, logging.Nop()),
		config: &ConsumerConfig{QueueName: "drawing"},
		logger: logging.Nop(),
	}
}

func TestJobPayloadBase64Buffer(t *testing.T) {
	var p JobPayload
	err := json.Unmarshal([]byte(`{"jobId":"j1","filename":"s.png","fileBuffer":"iVBORw==","frame":[0,0,800,600]}`), &p)
	if err != nil {
		t.Fatal(err)
	}
	if string(p.FileBuffer) != "\x89PNG" {
		t.Errorf("buffer = %q", p.FileBuffer)
	}
	req := p.request()
	if req.Frame == nil || req.Frame.X2 != 800 || req.Frame.Y2 != 600 {
		t.Errorf("frame = %+v", req.Frame)
	}
}

func TestJobPayloadNodeBuffer(t *testing.T) {
	var p JobPayload
	err := json.Unmarshal([]byte(`{"jobId":"j1","fileBuffer":{"type":"Buffer","data":[137,80,78,71]}}`), &p)
	if err != nil {
		t.Fatal(err)
	}
	if string(p.FileBuffer) != "\x89PNG" {
		t.Errorf("buffer = %q", p.FileBuffer)
	}
	if p.request().Frame != nil {
		t.Error("frame should be nil when absent")
	}
}

func TestJobPayloadRejectsBadBuffers(t *testing.T) {
	for _, body := range []string{
		`{"jobId":"j1","fileBuffer":{"type":"Blob","data":[1]}}`,
		`{"jobId":"j1","fileBuffer":{"type":"Buffer","data":[300]}}`,
		`{"jobId":"j1","fileBuffer":42}`,
		`{"jobId":"j1","fileBuffer":"not base64!"}`,
	} {
		var p JobPayload
		if err := json.Unmarshal([]byte(body), &p); err == nil {
			t.Errorf("expected error for %s", body)
		}
	}
}

func TestJobPayloadMarshalKeepsBuffer(t *testing.T) {
	in := JobPayload{JobID: "j1", FileBuffer: []byte{1, 2, 3}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out JobPayload
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if string(out.FileBuffer) != "\x01\x02\x03" || out.JobID != "j1" {
		t.Errorf("got %+v", out)
	}
}

func TestJobPayloadValidate(t *testing.T) {
	cases := []struct {
		name string
		p    JobPayload
		ok   bool
	}{
		{"url", JobPayload{JobID: "j", FileURL: "http://x"}, true},
		{"buffer", JobPayload{JobID: "j", FileBuffer: []byte{1}}, true},
		{"no id", JobPayload{FileURL: "http://x"}, false},
		{"no file", JobPayload{JobID: "j"}, false},
		{"short frame", JobPayload{JobID: "j", FileURL: "u", Frame: []float64{1, 2}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.p.validate(); (err == nil) != tc.ok {
				t.Errorf("validate() = %v", err)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{apperrors.NewUnsupportedFormatError("j", "application/pdf"), false},
		{apperrors.NewGeometryError("j", "zero area", nil), false},
		{apperrors.NewTiersExhaustedError("j", "all tiers failed"), false},
		{apperrors.NewStorageFailedError("j", errors.New("conn refused")), true},
		{apperrors.NewProcessingTimeoutError("j", time.Minute, nil), true},
		{errors.New("download failed"), true},
	}
	for _, tc := range cases {
		if got := retryable(tc.err); got != tc.want {
			t.Errorf("retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestHandleAnalyzeDrawingRecordsDegradedRun(t *testing.T) {
	fp := &fakeProcessor{analyze: func(ctx context.Context, req *processor.AnalyzeRequest) (*processor.ProcessResult, error) {
		return completedResult(), nil
	}}
	c := newTestConsumer(fp, 0)

	task, err := NewAnalyzeTask(&JobPayload{JobID: "j1", DrawingID: "d1", FileURL: "http://files/s.png"})
	if err != nil {
		t.Fatal(err)
	}
	if task.Type() != TypeAnalyzeDrawing {
		t.Errorf("type = %s", task.Type())
	}
	if err := c.handleAnalyzeDrawing(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	if len(fp.reqs) != 1 || fp.reqs[0].DrawingID != "d1" {
		t.Fatalf("requests = %+v", fp.reqs)
	}
	if fp.updates[0].status != StatusProcessing {
		t.Errorf("first update = %+v", fp.updates[0])
	}
	last := fp.last()
	if last.status != StatusDegraded {
		t.Errorf("final status = %s", last.status)
	}
	if last.meta["tier"] != "OCR_ONLY" || last.meta["componentCount"] != 3 || last.meta["runId"] != "run-1" {
		t.Errorf("meta = %+v", last.meta)
	}
	if !strings.Contains(last.meta["fallbackReason"].(string), "TILED_VISION") {
		t.Errorf("fallbackReason = %v", last.meta["fallbackReason"])
	}
}

func TestHandleAnalyzeDrawingSkipsRetryForTerminalErrors(t *testing.T) {
	fp := &fakeProcessor{analyze: func(ctx context.Context, req *processor.AnalyzeRequest) (*processor.ProcessResult, error) {
		return &processor.ProcessResult{RunID: "run-2"}, apperrors.NewTiersExhaustedError(req.JobID, "all tiers failed")
	}}
	c := newTestConsumer(fp, 0)
	task, _ := NewAnalyzeTask(&JobPayload{JobID: "j2", FileURL: "http://files/s.png"})

	err := c.handleAnalyzeDrawing(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want SkipRetry", err)
	}
	last := fp.last()
	if last.status != StatusFailed || last.meta["errorCode"] != "TIERS_EXHAUSTED" || last.meta["runId"] != "run-2" {
		t.Errorf("final update = %+v", last)
	}
}

func TestHandleAnalyzeDrawingRetriesTransientErrors(t *testing.T) {
	fp := &fakeProcessor{analyze: func(ctx context.Context, req *processor.AnalyzeRequest) (*processor.ProcessResult, error) {
		return nil, errors.New("connection reset")
	}}
	c := newTestConsumer(fp, 0)
	task, _ := NewAnalyzeTask(&JobPayload{JobID: "j3", FileURL: "http://files/s.png"})

	err := c.handleAnalyzeDrawing(context.Background(), task)
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want retryable error", err)
	}
}

func TestHandleAnalyzeDrawingRejectsMalformedPayload(t *testing.T) {
	fp := &fakeProcessor{}
	c := newTestConsumer(fp, 0)

	err := c.handleAnalyzeDrawing(context.Background(), asynq.NewTask(TypeAnalyzeDrawing, []byte(`{"jobId":`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v", err)
	}
	if len(fp.reqs) != 0 {
		t.Error("processor should not be called")
	}
}

func TestRunnerAppliesProcessingTimeout(t *testing.T) {
	fp := &fakeProcessor{analyze: func(ctx context.Context, req *processor.AnalyzeRequest) (*processor.ProcessResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	r := newRunner(fp, 20, logging.Nop())

	_, status, err := r.run(context.Background(), &JobPayload{JobID: "j4", FileURL: "u"})
	if status != StatusFailed {
		t.Errorf("status = %s", status)
	}
	if apperrors.CodeOf(err) != apperrors.ErrorProcessingTimeout {
		t.Fatalf("err = %v", err)
	}
	if fp.last().meta["errorCode"] != "PROCESSING_TIMEOUT" {
		t.Errorf("meta = %+v", fp.last().meta)
	}
}

func TestRetryDelay(t *testing.T) {
	if d := retryDelay(0, nil, nil); d != 5*time.Second {
		t.Errorf("first retry = %v", d)
	}
	if d := retryDelay(2, nil, nil); d != 20*time.Second {
		t.Errorf("third retry = %v", d)
	}
	if d := retryDelay(30, nil, nil); d != time.Minute {
		t.Errorf("capped retry = %v", d)
	}
}

func TestJobEvent(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := jobEvent("j1", StatusCompleted, at)
	if ev["event"] != "job:completed" || ev["jobId"] != "j1" || ev["timestamp"] != "2025-03-01T12:00:00Z" {
		t.Errorf("event = %+v", ev)
	}
}
