package model

import (
	"errors"
	"strings"
	"testing"
)

func TestPipelineRunIsMonotonicAndFinal(t *testing.T) {
	run := NewPipelineRun("run-1", "dwg-1")

	if err := run.Record(TierAttempt{Tier: TierTiledVision, Outcome: OutcomeTimeout, Reason: "timed out"}); err != nil {
		t.Fatal(err)
	}
	if err := run.Record(TierAttempt{Tier: TierTiledVision, Outcome: OutcomeError}); err == nil {
		t.Fatalf("re-attempting a tier must be rejected")
	}
	if err := run.Record(TierAttempt{Tier: TierOCROnly, Outcome: OutcomeAccepted}); err != nil {
		t.Fatal(err)
	}
	if err := run.Finalize(TierOCROnly); err != nil {
		t.Fatal(err)
	}
	if err := run.Record(TierAttempt{Tier: TierBasicInfo}); !errors.Is(err, ErrRunFinalized) {
		t.Fatalf("Record after Finalize = %v, want ErrRunFinalized", err)
	}
	if err := run.Finalize(TierFailed); !errors.Is(err, ErrRunFinalized) {
		t.Fatalf("second Finalize = %v", err)
	}

	snap := run.Snapshot()
	if snap.Tier != TierOCROnly || !snap.Finalized || len(snap.Attempts) != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
	if !strings.HasPrefix(snap.FallbackReason, "TILED_VISION: timed out") {
		t.Errorf("fallback reason = %q", snap.FallbackReason)
	}
}

func TestPriorityAndTierRank(t *testing.T) {
	if !(PriorityHigh.Rank() < PriorityMedium.Rank() && PriorityMedium.Rank() < PriorityLow.Rank()) {
		t.Errorf("priority ranks out of order")
	}
	for i := 1; i < len(TierOrder); i++ {
		if TierOrder[i].Rank() <= TierOrder[i-1].Rank() {
			t.Errorf("tier order broken at %s", TierOrder[i])
		}
	}
}
