// Package main — cmd/umcc-simulate/main.go
//
// umcc-simulate validates the Improvement Loop's convergence behavior
// before a threshold-tuning change ships: it drives the real
// evaluator.Evaluate / improvement.Apply pair against a synthetic stream
// of MetricSamples and checks that tightening converges toward each
// threshold's floor under sustained low load, and that a sudden
// dissolution-severity spike snaps every threshold back to its base
// value, exactly as spec.md's Improvement Loop rules describe.
//
// Convergence condition: starting above floor, a `cpu_pct_max` threshold
// driven by steadily low-load samples must reach its floor within
// `steps` cycles of one seeded run; a single dissolution-severity sample
// injected mid-run must reset the threshold to its base value at the end
// of the cycle that evaluates it.
//
// Output: per-step CSV to stdout (step,threshold,severity).
// Summary: convergence condition result to stderr.
//
// Usage:
//
//	umcc-simulate [flags]
//	umcc-simulate -steps 500 -scaling-factor 0.95 -load-mean 40 -seed 1
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/evaluator"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/improvement"
)

func main() {
	steps := flag.Int("steps", 500, "number of enforcement cycles to simulate")
	scalingFactor := flag.Float64("scaling-factor", 0.95, "improvement loop scaling factor s")
	loadMean := flag.Float64("load-mean", 40.0, "mean simulated cpu_pct reading under steady load")
	loadStdDev := flag.Float64("load-stddev", 5.0, "standard deviation of simulated cpu_pct readings")
	dissolutionAt := flag.Int("dissolution-at", -1, "step index to inject a dissolution-severity spike, -1 to disable")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	if *scalingFactor <= 0 || *scalingFactor >= 1 {
		fmt.Fprintln(os.Stderr, "ERROR: scaling-factor must be in (0,1)")
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(*seed))

	ts := evaluator.NewThresholdSet(evaluator.Threshold{
		Name: "cpu_pct_max", Kind: evaluator.Max, Base: 90, Current: 90, Floor: 50,
	})
	state := improvement.NewCycleState(*scalingFactor)
	params := improvement.Params{Floor: 0.02, Ceiling: 1.0, RecentWindow: 3}
	deltas := evaluator.Deltas{Warn: 0.10, Violation: 0.25, Dissolution: 0.50}

	type stepResult struct {
		step      int
		threshold float64
		severity  evaluator.Severity
	}
	results := make([]stepResult, *steps)
	now := time.Now()

	for t := 0; t < *steps; t++ {
		cpu := rng.NormFloat64()**loadStdDev + *loadMean
		if t == *dissolutionAt {
			cpu = 250 // forces a dissolution-magnitude breach regardless of current threshold
		}

		sample := evaluator.Sample{CPUPct: clamp(cpu, 0, 300)}
		snapshot := ts.Snapshot()
		v := evaluator.Evaluate(snapshot, sample, deltas, now)
		improvement.Apply(ts, &state, v.Severity, params, now)

		results[t] = stepResult{step: t, threshold: ts.Snapshot()["cpu_pct_max"].Current, severity: v.Severity}
		now = now.Add(time.Hour)
	}

	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"step", "threshold", "severity"})
	for _, r := range results {
		_ = w.Write([]string{
			strconv.Itoa(r.step),
			strconv.FormatFloat(r.threshold, 'f', 4, 64),
			r.severity.String(),
		})
	}
	w.Flush()

	floor := 50.0
	reachedFloorAt := -1
	for _, r := range results {
		if r.threshold <= floor+1e-9 {
			reachedFloorAt = r.step
			break
		}
	}

	fmt.Fprintf(os.Stderr, "\n=== IMPROVEMENT LOOP CONVERGENCE RESULT ===\n")
	fmt.Fprintf(os.Stderr, "Steps simulated:      %d\n", *steps)
	fmt.Fprintf(os.Stderr, "Starting threshold:   90.0000\n")
	fmt.Fprintf(os.Stderr, "Floor:                %.4f\n", floor)
	fmt.Fprintf(os.Stderr, "Final threshold:      %.4f\n", results[len(results)-1].threshold)

	if *dissolutionAt >= 0 && *dissolutionAt < *steps {
		after := results[*dissolutionAt].threshold
		reset := after == 90.0
		fmt.Fprintf(os.Stderr, "Dissolution injected at step %d, threshold after that step: %.4f (reset to base: %v)\n",
			*dissolutionAt, after, reset)
		if !reset {
			fmt.Fprintln(os.Stderr, "RESULT: FAIL — dissolution did not reset threshold to base")
			os.Exit(2)
		}
	}

	if reachedFloorAt < 0 {
		fmt.Fprintln(os.Stderr, "RESULT: FAIL — threshold never converged to floor under steady low load")
		os.Exit(2)
	}

	fmt.Fprintf(os.Stderr, "Threshold reached floor at step %d\n", reachedFloorAt)
	fmt.Fprintln(os.Stderr, "RESULT: PASS — improvement loop converges as specified")
	os.Exit(0)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
