package model

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// Tier is a fallback controller state, ordered richest first.
type Tier string

const (
	TierTiledVision  Tier = "TILED_VISION"
	TierDirectVision Tier = "DIRECT_VISION"
	TierOCROnly      Tier = "OCR_ONLY"
	TierBasicInfo    Tier = "BASIC_IMAGE_INFO"
	TierFailed       Tier = "FAILED"
)

// TierOrder lists the tiers in the only order they may be attempted.
var TierOrder = []Tier{TierTiledVision, TierDirectVision, TierOCROnly, TierBasicInfo, TierFailed}

// Rank is the tier's position in TierOrder, or len(TierOrder) if unknown.
func (t Tier) Rank() int {
	for i, o := range TierOrder {
		if o == t {
			return i
		}
	}
	return len(TierOrder)
}

// Attempt outcomes.
const (
	OutcomeAccepted      = "accepted"
	OutcomeTimeout       = "timeout"
	OutcomeError         = "error"
	OutcomeQualityFailed = "quality_failed"
	OutcomeCancelled     = "cancelled"
)

// TierAttempt is one entry of the degradation audit trail.
type TierAttempt struct {
	Tier       Tier      `json:"tier"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
}

// ErrRunFinalized is returned when a finalized run is mutated.
var ErrRunFinalized = errors.New("pipeline run already finalized")

// PipelineRun tracks one end-to-end analysis. Safe for concurrent use.
type PipelineRun struct {
	mu         sync.Mutex
	id         string
	drawingID  string
	startedAt  time.Time
	finishedAt time.Time
	tier       Tier
	attempts   []TierAttempt
	reasons    []string
	finalized  bool
}

// NewPipelineRun starts a run.
func NewPipelineRun(id, drawingID string) *PipelineRun {
	return &PipelineRun{id: id, drawingID: drawingID, startedAt: time.Now()}
}

func (r *PipelineRun) ID() string        { return r.id }
func (r *PipelineRun) DrawingID() string { return r.drawingID }

// Record appends an attempt. Non-accepted attempts contribute to the
// fallback reason.
func (r *PipelineRun) Record(a TierAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrRunFinalized
	}
	// tiers only ever move down
	if n := len(r.attempts); n > 0 && a.Tier.Rank() <= r.attempts[n-1].Tier.Rank() {
		return errors.New("tier " + string(a.Tier) + " is not below " + string(r.attempts[n-1].Tier))
	}
	r.attempts = append(r.attempts, a)
	if a.Outcome != OutcomeAccepted && a.Reason != "" {
		r.reasons = append(r.reasons, string(a.Tier)+": "+a.Reason)
	}
	return nil
}

// Finalize fixes the chosen tier; the run is immutable afterwards.
func (r *PipelineRun) Finalize(tier Tier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrRunFinalized
	}
	r.tier = tier
	r.finishedAt = time.Now()
	r.finalized = true
	return nil
}

func (r *PipelineRun) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalized
}

func (r *PipelineRun) Tier() Tier {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tier
}

// FallbackReason joins the reasons of every degraded attempt.
func (r *PipelineRun) FallbackReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.reasons, "; ")
}

// Attempts returns a copy of the audit trail.
func (r *PipelineRun) Attempts() []TierAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TierAttempt(nil), r.attempts...)
}

// RunSnapshot is the serializable view of a PipelineRun.
type RunSnapshot struct {
	ID             string        `json:"id"`
	DrawingID      string        `json:"drawing_id"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	Tier           Tier          `json:"tier"`
	FallbackReason string        `json:"fallback_reason,omitempty"`
	Attempts       []TierAttempt `json:"attempts"`
	Finalized      bool          `json:"finalized"`
}

func (r *PipelineRun) Snapshot() *RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &RunSnapshot{
		ID:             r.id,
		DrawingID:      r.drawingID,
		StartedAt:      r.startedAt,
		FinishedAt:     r.finishedAt,
		Tier:           r.tier,
		FallbackReason: strings.Join(r.reasons, "; "),
		Attempts:       append([]TierAttempt(nil), r.attempts...),
		Finalized:      r.finalized,
	}
}
