// Package improvement implements the Improvement Loop: it tightens
// thresholds after successful enforcement cycles and relaxes them, within
// bounds, after sustained failures.
//
// Rules, applied atomically to the ThresholdSet at the end of each
// enforcement cycle:
//   - pass: for each threshold not yet at its floor, tighten it by the
//     scaling factor s (current = max(floor, current*s) for max-type,
//     current = min(ceiling, current/s) for min-type).
//   - warn: hold thresholds; advance cycle_number only.
//   - violation: relax each threshold changed in the last N cycles by one
//     step, capped at its base value.
//   - dissolution: snap every threshold back to base and reset
//     cycle_number to 0.
//
// The source material's "Ω^9 / 9^9" factor is treated as a tunable
// constant pair (s, floor), never applied literally — see CycleState.
package improvement

import (
	"time"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/evaluator"
)

// CycleState is the improvement-loop counter.
type CycleState struct {
	CycleNumber         int
	Factor              float64
	LastTightenAt       time.Time
	ThresholdsAtFloor   map[string]bool
	RecentlyChanged     map[string]int // threshold name -> cycle number last changed
}

// NewCycleState returns a zeroed CycleState using the given scaling factor.
func NewCycleState(factor float64) CycleState {
	return CycleState{
		Factor:            factor,
		ThresholdsAtFloor: make(map[string]bool),
		RecentlyChanged:   make(map[string]int),
	}
}

// Params bundles the tunable constants governing tightening/relaxing.
type Params struct {
	Floor         float64 // Applies when a threshold has no explicit per-threshold floor.
	Ceiling       float64
	RecentWindow  int // Number of cycles a threshold counts as "recently changed" for relax eligibility.
}

// Apply runs one improvement-loop step against ts, mutating state in
// place and updating ts for each affected threshold. now is used only for
// LastTightenAt bookkeeping.
func Apply(ts *evaluator.ThresholdSet, state *CycleState, sev evaluator.Severity, params Params, now time.Time) {
	switch sev {
	case evaluator.Pass:
		tighten(ts, state, params, now)
	case evaluator.Warn:
		state.CycleNumber++
	case evaluator.Violation:
		relax(ts, state, params)
		state.CycleNumber++
	case evaluator.Dissolution:
		resetToBase(ts, state)
	}
}

func tighten(ts *evaluator.ThresholdSet, state *CycleState, params Params, now time.Time) {
	snap := ts.Snapshot()
	for name, t := range snap {
		if state.ThresholdsAtFloor[name] {
			continue
		}
		floor := t.Floor
		if floor == 0 {
			floor = params.Floor
		}

		var next float64
		atFloor := false
		if t.Kind == evaluator.Max {
			next = t.Current * state.Factor
			if next <= floor {
				next = floor
				atFloor = true
			}
		} else {
			next = t.Current / state.Factor
			if next >= t.Base {
				next = t.Base
			}
			if next <= floor {
				next = floor
				atFloor = true
			}
		}
		if next == t.Current {
			continue
		}
		t.Current = next
		ts.Update(t)
		state.RecentlyChanged[name] = state.CycleNumber
		if atFloor {
			state.ThresholdsAtFloor[name] = true
		}
	}
	state.CycleNumber++
	state.LastTightenAt = now
}

func relax(ts *evaluator.ThresholdSet, state *CycleState, params Params) {
	snap := ts.Snapshot()
	for name, t := range snap {
		lastChanged, ok := state.RecentlyChanged[name]
		if !ok || state.CycleNumber-lastChanged > params.RecentWindow {
			continue
		}
		var next float64
		if t.Kind == evaluator.Max {
			next = t.Current / state.Factor
			if next > t.Base {
				next = t.Base
			}
		} else {
			next = t.Current * state.Factor
			if next < t.Base {
				next = t.Base
			}
		}
		if next == t.Current {
			continue
		}
		t.Current = next
		ts.Update(t)
		delete(state.ThresholdsAtFloor, name)
	}
}

func resetToBase(ts *evaluator.ThresholdSet, state *CycleState) {
	snap := ts.Snapshot()
	for name, t := range snap {
		if t.Current != t.Base {
			t.Current = t.Base
			ts.Update(t)
		}
		delete(state.ThresholdsAtFloor, name)
		delete(state.RecentlyChanged, name)
	}
	state.CycleNumber = 0
}
