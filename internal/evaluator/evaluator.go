// Package evaluator implements the Enforcement Evaluator: it compares a
// MetricSample against the active ThresholdSet and produces a Verdict.
//
// Algorithm (see the threshold classification rules this package encodes):
//  1. Take a consistent snapshot of the active ThresholdSet.
//  2. For each threshold with a known corresponding metric reading, compute
//     delta = observed - threshold (max-type) or threshold - observed
//     (min-type); record a breach if delta > 0.
//  3. Classify severity by breach count and worst relative delta:
//     0 breaches -> pass.
//     >=1 breach, worst relative delta < warnDelta -> warn.
//     >=1 breach, worst relative delta in [warnDelta, violationDelta) -> violation.
//     >=1 breach, worst relative delta >= violationDelta, or any critical
//     breach -> dissolution.
//  4. Severity across simultaneous breaches is the maximum; the Verdict
//     carries every breach record.
//
// Determinism: each Verdict carries a DecisionHash, the SHA-256 of a
// canonical JSON encoding of its inputs, so identical ThresholdSet +
// MetricSample pairs always produce byte-identical Verdicts (ignoring seq
// and timestamp).
package evaluator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ThresholdKind distinguishes ceiling thresholds (max-type, e.g.
// cpu_pct_max) from floor thresholds (min-type, e.g. coverage_pct_min).
type ThresholdKind int

const (
	Max ThresholdKind = iota
	Min
)

// Threshold is a single named numeric ceiling or floor.
type Threshold struct {
	Name    string
	Kind    ThresholdKind
	Base    float64 // Value restored on dissolution/reset.
	Current float64 // Currently enforced value.
	Floor   float64 // Tightest value Current may ever reach (max-type), or loosest (min-type floor semantics inverted by caller).
}

// ThresholdSet is a named collection of Thresholds, read-many/write-one.
// Callers take a Snapshot before evaluating; the snapshot is never mutated
// by the Improvement Loop concurrently with a read.
type ThresholdSet struct {
	mu         sync.RWMutex
	thresholds map[string]Threshold
}

// NewThresholdSet builds a ThresholdSet from the given thresholds.
func NewThresholdSet(ts ...Threshold) *ThresholdSet {
	m := make(map[string]Threshold, len(ts))
	for _, t := range ts {
		m[t.Name] = t
	}
	return &ThresholdSet{thresholds: m}
}

// Snapshot returns a copy-on-read view safe to evaluate against without
// holding the write lock across I/O.
func (s *ThresholdSet) Snapshot() map[string]Threshold {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Threshold, len(s.thresholds))
	for k, v := range s.thresholds {
		out[k] = v
	}
	return out
}

// Update replaces the threshold named by t.Name in a single atomic step.
func (s *ThresholdSet) Update(t Threshold) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds[t.Name] = t
}

// Severity is the classification of a Verdict.
type Severity int

const (
	Pass Severity = iota
	Warn
	Violation
	Dissolution
)

func (sv Severity) String() string {
	switch sv {
	case Pass:
		return "pass"
	case Warn:
		return "warn"
	case Violation:
		return "violation"
	case Dissolution:
		return "dissolution"
	default:
		return "unknown"
	}
}

// Breach records one threshold crossing.
type Breach struct {
	Metric        string  `json:"metric"`
	Observed      float64 `json:"observed"`
	Threshold     float64 `json:"threshold"`
	Delta         float64 `json:"delta"`
	RelativeDelta float64 `json:"relative_delta"`
	Critical      bool    `json:"critical"`
}

// Verdict is the outcome of one enforcement evaluation.
type Verdict struct {
	Seq          uint64    `json:"seq"`
	Timestamp    time.Time `json:"timestamp"`
	Severity     Severity  `json:"severity"`
	Breaches     []Breach  `json:"breaches"`
	DecisionHash string    `json:"decision_hash"`
}

// Sample mirrors the MetricSample fields the Evaluator reads.
type Sample struct {
	CPUPct            float64
	MemPct            float64
	DiskPct           float64
	ProcessStates     map[string]string
	ExternalReadings  map[string]float64
}

// CriticalProcessStates names process states that always force a
// dissolution verdict regardless of numeric breach magnitude.
var CriticalProcessStates = map[string]bool{
	"Failed": true,
}

// Deltas configures the warn/violation/dissolution relative-delta
// boundaries (see config.EvaluatorConfig).
type Deltas struct {
	Warn        float64
	Violation   float64
	Dissolution float64
}

// metricValue resolves the observed reading for a threshold name from a
// Sample, covering both the fixed host metrics and the open-ended
// external_readings map. ok is false if the value is unavailable (unknown).
func metricValue(name string, s Sample) (float64, bool) {
	switch name {
	case "cpu_pct_max":
		return s.CPUPct, true
	case "mem_pct_max":
		return s.MemPct, true
	case "disk_pct_max":
		return s.DiskPct, true
	default:
		v, ok := s.ExternalReadings[name]
		return v, ok
	}
}

var seqMu sync.Mutex
var seqCounter uint64

func nextSeq() uint64 {
	seqMu.Lock()
	defer seqMu.Unlock()
	seqCounter++
	return seqCounter
}

// Evaluate runs the full algorithm against snapshot ts and sample, and
// returns a Verdict with a fresh monotonic sequence number.
func Evaluate(ts map[string]Threshold, sample Sample, deltas Deltas, now time.Time) Verdict {
	var breaches []Breach

	names := make([]string, 0, len(ts))
	for n := range ts {
		names = append(names, n)
	}
	sort.Strings(names) // Deterministic iteration order for the decision hash.

	for _, name := range names {
		t := ts[name]
		observed, ok := metricValue(name, sample)
		if !ok {
			continue
		}

		var delta float64
		if t.Kind == Max {
			delta = observed - t.Current
		} else {
			delta = t.Current - observed
		}
		if delta <= 0 {
			continue
		}

		relative := 0.0
		if t.Current != 0 {
			relative = delta / t.Current
		}
		breaches = append(breaches, Breach{
			Metric:        name,
			Observed:      observed,
			Threshold:     t.Current,
			Delta:         delta,
			RelativeDelta: relative,
		})
	}

	for name, state := range sample.ProcessStates {
		if CriticalProcessStates[state] {
			breaches = append(breaches, Breach{
				Metric:        "process_states[" + name + "]",
				Observed:      1,
				Threshold:     0,
				Delta:         1,
				RelativeDelta: 1,
				Critical:      true,
			})
		}
	}

	sev := classify(breaches, deltas)

	v := Verdict{
		Seq:       nextSeq(),
		Timestamp: now,
		Severity:  sev,
		Breaches:  breaches,
	}
	v.DecisionHash = decisionHash(ts, sample, v)
	return v
}

func classify(breaches []Breach, deltas Deltas) Severity {
	if len(breaches) == 0 {
		return Pass
	}
	var worst float64
	for _, b := range breaches {
		if b.Critical {
			return Dissolution
		}
		if b.RelativeDelta > worst {
			worst = b.RelativeDelta
		}
	}
	switch {
	case worst >= deltas.Violation:
		return Dissolution
	case worst >= deltas.Warn:
		return Violation
	default:
		return Warn
	}
}

// decisionHash computes SHA-256 over a canonical JSON encoding of the
// inputs that determine the Verdict, so identical inputs always produce
// the same hash irrespective of map iteration order.
func decisionHash(ts map[string]Threshold, sample Sample, v Verdict) string {
	names := make([]string, 0, len(ts))
	for n := range ts {
		names = append(names, n)
	}
	sort.Strings(names)
	canonicalThresholds := make([]Threshold, 0, len(names))
	for _, n := range names {
		canonicalThresholds = append(canonicalThresholds, ts[n])
	}

	canonical := map[string]any{
		"thresholds":        canonicalThresholds,
		"cpu_pct":           fmt.Sprintf("%.8f", sample.CPUPct),
		"mem_pct":           fmt.Sprintf("%.8f", sample.MemPct),
		"disk_pct":          fmt.Sprintf("%.8f", sample.DiskPct),
		"process_states":    sample.ProcessStates,
		"external_readings": sample.ExternalReadings,
		"severity":          v.Severity.String(),
		"breaches":          v.Breaches,
	}
	b, err := json.Marshal(canonical)
	if err != nil {
		// Marshaling a canonical map of primitives never fails; this
		// branch exists only to satisfy the compiler.
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
