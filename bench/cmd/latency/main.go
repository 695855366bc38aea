// Package main — bench/cmd/latency/main.go
//
// Scheduler dispatch-drift measurement tool.
//
// Measures how closely the Periodic Scheduler's actual fire times track
// a job's declared cadence — the "without drift" guarantee in
// internal/scheduler's package doc. A job is registered with a short
// cadence and its Run body timestamps each fire on a channel; this tool
// computes the difference between each inter-fire interval and the
// configured cadence (positive = late, negative = early) and reports
// the drift distribution.
//
// Output CSV columns:
//
//	iteration, drift_us
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/scheduler"
)

func main() {
	iterations := flag.Int("iterations", 2000, "number of job fires to measure")
	cadence := flag.Duration("cadence", 5*time.Millisecond, "job cadence")
	tickResolution := flag.Duration("tick-resolution", time.Millisecond, "scheduler tick resolution")
	outputFile := flag.String("output", "scheduler_drift.csv", "output CSV file path")
	targetP99Us := flag.Int64("target-p99-us", 2000, "p99 drift target in microseconds; exit 1 if exceeded")
	flag.Parse()

	log := zap.NewNop()
	sched := scheduler.New(log, nil, *tickResolution, 8)

	fires := make(chan time.Time, *iterations+1)

	job := &scheduler.Job{
		Name:    "drift_probe",
		Cadence: *cadence,
		Run: func(ctx context.Context) error {
			select {
			case fires <- time.Now():
			default:
			}
			return nil
		},
	}
	if err := sched.Register(job); err != nil {
		fmt.Fprintf(os.Stderr, "register job: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)

	timestamps := make([]time.Time, 0, *iterations)
	collectDeadline := time.After(time.Duration(*iterations)**cadence*10 + 10*time.Second)
collect:
	for len(timestamps) < *iterations {
		select {
		case t := <-fires:
			timestamps = append(timestamps, t)
		case <-collectDeadline:
			break collect
		}
	}
	cancel()

	if len(timestamps) < 2 {
		fmt.Fprintln(os.Stderr, "FAIL: not enough fires observed to measure drift")
		os.Exit(1)
	}

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "drift_us"})

	drifts := make([]int64, 0, len(timestamps)-1)
	for i := 1; i < len(timestamps); i++ {
		interval := timestamps[i].Sub(timestamps[i-1])
		drift := interval - *cadence
		driftUs := drift.Microseconds()
		drifts = append(drifts, driftUs)
		_ = w.Write([]string{strconv.Itoa(i), strconv.FormatInt(driftUs, 10)})
	}

	p50, p95, p99 := percentiles(drifts)

	fmt.Printf("Scheduler Dispatch Drift Results (%d fires observed)\n", len(timestamps))
	fmt.Printf("  Cadence:        %s\n", *cadence)
	fmt.Printf("  Tick resolution: %s\n", *tickResolution)
	fmt.Printf("  p50 drift: %dus\n", p50)
	fmt.Printf("  p95 drift: %dus\n", p95)
	fmt.Printf("  p99 drift: %dus\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	if p99 > *targetP99Us {
		fmt.Fprintf(os.Stderr, "FAIL: p99 drift %dus exceeds target %dus\n", p99, *targetP99Us)
		os.Exit(1)
	}
}

// percentiles returns the 50th/95th/99th percentile of vals, which need
// not be sorted on entry.
func percentiles(vals []int64) (p50, p95, p99 int64) {
	sorted := append([]int64(nil), vals...)
	insertionSort(sorted)
	idx := func(p float64) int64 {
		i := int(p * float64(len(sorted)-1))
		return sorted[i]
	}
	return idx(0.50), idx(0.95), idx(0.99)
}

func insertionSort(vals []int64) {
	for i := 1; i < len(vals); i++ {
		v := vals[i]
		j := i - 1
		for j >= 0 && vals[j] > v {
			vals[j+1] = vals[j]
			j--
		}
		vals[j+1] = v
	}
}
