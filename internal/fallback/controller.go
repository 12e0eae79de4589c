// Package fallback supervises an analysis as a finite state machine over
// the recognition tiers. Tiers run synchronously in descending richness,
// each under its own timeout and cancellation scope; a tier's output is
// accepted only when it passes that tier's quality gate.
package fallback

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	apperrors "github.com/adverant/nexus/drawing-worker/internal/errors"
	"github.com/adverant/nexus/drawing-worker/internal/logging"
	"github.com/adverant/nexus/drawing-worker/internal/model"
)

// Runner produces one tier's result. It must honour ctx.
type Runner func(ctx context.Context) (*model.AnalysisResult, error)

// Gate returns a non-nil error naming why a result is not good enough.
type Gate func(result *model.AnalysisResult) error

// Tier binds a state of the ladder to its runner, timeout and gate.
type Tier struct {
	Tier    model.Tier
	Timeout time.Duration
	Run     Runner
	Accept  Gate
}

// Controller walks the configured tiers for each run.
type Controller struct {
	tiers  []Tier
	logger *logging.Logger
}

type outcome struct {
	result *model.AnalysisResult
	err    error
}

// New validates that tiers are listed in strictly descending richness and
// never include FAILED.
func New(tiers []Tier, logger *logging.Logger) (*Controller, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("fallback controller needs at least one tier")
	}
	for i, t := range tiers {
		if t.Tier == model.TierFailed || t.Tier.Rank() >= len(model.TierOrder) {
			return nil, fmt.Errorf("tier %q cannot be run", t.Tier)
		}
		if t.Run == nil {
			return nil, fmt.Errorf("tier %s has no runner", t.Tier)
		}
		if i > 0 && t.Tier.Rank() <= tiers[i-1].Tier.Rank() {
			return nil, fmt.Errorf("tier %s listed after %s", t.Tier, tiers[i-1].Tier)
		}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Controller{tiers: tiers, logger: logger}, nil
}

// Execute runs the ladder for run and finalizes it. The returned result is
// never nil: when every tier fails it carries status failed and the best
// degraded output seen (basic image info when that tier produced any).
// Geometry failures abort immediately.
func (c *Controller) Execute(ctx context.Context, run *model.PipelineRun) (*model.AnalysisResult, error) {
	log := c.logger.With("run_id", run.ID())
	var salvage *model.AnalysisResult

	for _, tier := range c.tiers {
		if err := ctx.Err(); err != nil {
			c.record(run, log, model.TierAttempt{Tier: tier.Tier, StartedAt: time.Now(), Outcome: model.OutcomeCancelled, Reason: err.Error()})
			break
		}

		started := time.Now()
		result, outcomeName, err := c.runTier(ctx, tier)
		attempt := model.TierAttempt{Tier: tier.Tier, StartedAt: started, DurationMs: time.Since(started).Milliseconds(), Outcome: outcomeName}

		if err != nil {
			attempt.Reason = err.Error()
			c.record(run, log, attempt)
			if apperrors.IsGeometry(err) {
				log.Error("geometry failure, aborting", "tier", tier.Tier, "error", err)
				return c.fail(run, salvage), err
			}
			if result != nil && tier.Tier == model.TierBasicInfo {
				salvage = result
			}
			continue
		}

		c.record(run, log, attempt)
		if ferr := run.Finalize(tier.Tier); ferr != nil {
			return c.fail(run, result), ferr
		}
		result.Tier = tier.Tier
		result.FallbackReason = run.FallbackReason()
		result.Status = model.StatusDegraded
		if tier.Tier == model.TierTiledVision {
			result.Status = model.StatusCompleted
		}
		result.RunID = run.ID()
		result.DrawingID = run.DrawingID()
		result.Run = run.Snapshot()
		log.Info("tier accepted", "tier", tier.Tier, "fallback_reason", result.FallbackReason)
		return result, nil
	}

	out := c.fail(run, salvage)
	return out, apperrors.NewTiersExhaustedError(run.ID(), out.FallbackReason)
}

// runTier runs one tier in its own cancellation scope. A result that
// arrives after the deadline is discarded with the scope.
func (c *Controller) runTier(ctx context.Context, tier Tier) (*model.AnalysisResult, string, error) {
	var (
		tierCtx context.Context
		cancel  context.CancelFunc
	)
	if tier.Timeout > 0 {
		tierCtx, cancel = context.WithTimeout(ctx, tier.Timeout)
	} else {
		tierCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tier panicked: %v", r)}
			}
		}()
		res, err := tier.Run(tierCtx)
		done <- outcome{result: res, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-tierCtx.Done():
		if ctx.Err() != nil {
			return nil, model.OutcomeCancelled, ctx.Err()
		}
		return nil, model.OutcomeTimeout, apperrors.NewTierTimeoutError(string(tier.Tier), tier.Timeout)
	}

	if o.err != nil {
		if ctx.Err() != nil {
			return nil, model.OutcomeCancelled, ctx.Err()
		}
		if stderrors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, model.OutcomeTimeout, apperrors.NewTierTimeoutError(string(tier.Tier), tier.Timeout)
		}
		return o.result, model.OutcomeError, o.err
	}
	if o.result == nil {
		return nil, model.OutcomeError, fmt.Errorf("tier returned no result")
	}
	if tier.Accept != nil {
		if err := tier.Accept(o.result); err != nil {
			return o.result, model.OutcomeQualityFailed, apperrors.NewQualityError(string(tier.Tier), err.Error())
		}
	}
	return o.result, model.OutcomeAccepted, nil
}

func (c *Controller) record(run *model.PipelineRun, log *logging.Logger, a model.TierAttempt) {
	if err := run.Record(a); err != nil {
		log.Error("failed to record tier attempt", "tier", a.Tier, "error", err)
		return
	}
	if a.Outcome != model.OutcomeAccepted {
		log.Warn("tier rejected", "tier", a.Tier, "outcome", a.Outcome, "reason", a.Reason, "duration_ms", a.DurationMs)
	}
}

func (c *Controller) fail(run *model.PipelineRun, salvage *model.AnalysisResult) *model.AnalysisResult {
	if !run.Finalized() {
		_ = run.Finalize(model.TierFailed)
	}
	out := salvage
	if out == nil {
		out = &model.AnalysisResult{}
	}
	out.RunID = run.ID()
	out.DrawingID = run.DrawingID()
	out.Status = model.StatusFailed
	out.Tier = model.TierFailed
	out.FallbackReason = run.FallbackReason()
	out.Run = run.Snapshot()
	return out
}
