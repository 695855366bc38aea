package improvement_test

import (
	"testing"
	"time"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/evaluator"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/improvement"
)

func newTS() *evaluator.ThresholdSet {
	return evaluator.NewThresholdSet(
		evaluator.Threshold{Name: "cpu_pct_max", Kind: evaluator.Max, Base: 90, Current: 90, Floor: 50},
	)
}

func stdParams() improvement.Params {
	return improvement.Params{Floor: 0.02, Ceiling: 1.0, RecentWindow: 3}
}

func TestApply_PassTightensTowardFloor(t *testing.T) {
	ts := newTS()
	state := improvement.NewCycleState(0.9)
	now := time.Now()

	improvement.Apply(ts, &state, evaluator.Pass, stdParams(), now)

	current := ts.Snapshot()["cpu_pct_max"].Current
	if current >= 90 {
		t.Fatalf("expected tightening to lower Current below 90, got %v", current)
	}
	if state.CycleNumber != 1 {
		t.Fatalf("expected CycleNumber=1, got %d", state.CycleNumber)
	}
}

func TestApply_PassStopsAtFloor(t *testing.T) {
	ts := newTS()
	state := improvement.NewCycleState(0.5)
	now := time.Now()

	for i := 0; i < 20; i++ {
		improvement.Apply(ts, &state, evaluator.Pass, stdParams(), now)
	}

	current := ts.Snapshot()["cpu_pct_max"].Current
	if current != 50 {
		t.Fatalf("expected threshold to settle at its floor 50, got %v", current)
	}
	if !state.ThresholdsAtFloor["cpu_pct_max"] {
		t.Fatal("expected cpu_pct_max to be marked at-floor")
	}
}

func TestApply_WarnHoldsThresholdsAndAdvancesCycle(t *testing.T) {
	ts := newTS()
	state := improvement.NewCycleState(0.9)
	now := time.Now()

	improvement.Apply(ts, &state, evaluator.Warn, stdParams(), now)

	current := ts.Snapshot()["cpu_pct_max"].Current
	if current != 90 {
		t.Fatalf("expected Warn to hold threshold at 90, got %v", current)
	}
	if state.CycleNumber != 1 {
		t.Fatalf("expected CycleNumber=1 after Warn, got %d", state.CycleNumber)
	}
}

func TestApply_ViolationRelaxesRecentlyChangedThreshold(t *testing.T) {
	ts := newTS()
	state := improvement.NewCycleState(0.8)
	now := time.Now()

	improvement.Apply(ts, &state, evaluator.Pass, stdParams(), now) // tighten, mark RecentlyChanged
	tightened := ts.Snapshot()["cpu_pct_max"].Current

	improvement.Apply(ts, &state, evaluator.Violation, stdParams(), now)
	relaxed := ts.Snapshot()["cpu_pct_max"].Current

	if relaxed <= tightened {
		t.Fatalf("expected Violation to relax threshold above %v, got %v", tightened, relaxed)
	}
	if relaxed > 90 {
		t.Fatalf("expected relax to cap at Base=90, got %v", relaxed)
	}
}

func TestApply_ViolationIgnoresStaleChanges(t *testing.T) {
	ts := newTS()
	state := improvement.NewCycleState(0.8)
	now := time.Now()

	improvement.Apply(ts, &state, evaluator.Pass, stdParams(), now) // cycle 0 -> RecentlyChanged["cpu_pct_max"]=0
	tightened := ts.Snapshot()["cpu_pct_max"].Current

	// Advance past RecentWindow via repeated Warns so the earlier tighten falls outside it.
	for i := 0; i < 5; i++ {
		improvement.Apply(ts, &state, evaluator.Warn, stdParams(), now)
	}
	improvement.Apply(ts, &state, evaluator.Violation, stdParams(), now)

	current := ts.Snapshot()["cpu_pct_max"].Current
	if current != tightened {
		t.Fatalf("expected stale tighten to be ineligible for relax, threshold changed from %v to %v", tightened, current)
	}
}

func TestApply_DissolutionSnapsToBaseAndResetsCycle(t *testing.T) {
	ts := newTS()
	state := improvement.NewCycleState(0.5)
	now := time.Now()

	for i := 0; i < 10; i++ {
		improvement.Apply(ts, &state, evaluator.Pass, stdParams(), now)
	}
	if ts.Snapshot()["cpu_pct_max"].Current == 90 {
		t.Fatal("setup failed: expected tightening before dissolution")
	}

	improvement.Apply(ts, &state, evaluator.Dissolution, stdParams(), now)

	current := ts.Snapshot()["cpu_pct_max"].Current
	if current != 90 {
		t.Fatalf("expected Dissolution to snap Current back to Base=90, got %v", current)
	}
	if state.CycleNumber != 0 {
		t.Fatalf("expected CycleNumber reset to 0, got %d", state.CycleNumber)
	}
	if state.ThresholdsAtFloor["cpu_pct_max"] {
		t.Fatal("expected at-floor marker cleared after dissolution reset")
	}
}
