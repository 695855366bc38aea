// Package metricsprobe implements the Metrics Probe: it produces
// MetricSample values.
//
// Contract: each call returns within its deadline or returns a partial
// sample with missing fields flagged. Host metrics (CPU, memory, disk)
// are sampled once per call; process states are read from the
// Supervisor's snapshot API (not from PID files — those are for crash
// recovery only). External readings (test coverage, build duration, ...)
// are pulled from files the Supervisor's children agree to write on
// completion; if absent or stale (older than 2x the relevant cadence),
// the field is reported as unknown rather than zero.
package metricsprobe

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/ewma"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/evaluator"
)

// StatusSource supplies the Supervisor's process-state snapshot without
// the Probe importing the supervisor package directly (keeps the
// dependency direction metricsprobe -> small interface, not -> supervisor).
type StatusSource interface {
	ProcessStates() map[string]string
}

// ExternalReading is one external_readings entry read from a file the
// Supervisor's children agree to write on completion.
type ExternalReading struct {
	Path    string
	MaxAge  time.Duration
}

// Probe produces MetricSamples.
type Probe struct {
	statusSource StatusSource
	externals    map[string]ExternalReading
	cpuSmoother  *ewma.Accumulator
	memSmoother  *ewma.Accumulator

	lastCPUTotal uint64
	lastCPUIdle  uint64
}

// New creates a Probe. alpha configures the EWMA smoothing applied to the
// noisy raw cpu/mem readings before they are placed in a Sample.
func New(statusSource StatusSource, externals map[string]ExternalReading, alpha float64) *Probe {
	return &Probe{
		statusSource: statusSource,
		externals:    externals,
		cpuSmoother:  ewma.New(alpha),
		memSmoother:  ewma.New(alpha),
	}
}

// Sample produces one MetricSample, respecting ctx's deadline. Fields
// that could not be read before the deadline, or whose external source is
// missing/stale, are omitted from ExternalReadings rather than reported
// as zero.
func (p *Probe) Sample(ctx context.Context) evaluator.Sample {
	s := evaluator.Sample{
		ExternalReadings: make(map[string]float64),
	}

	if cpu, ok := p.readCPUPct(); ok {
		s.CPUPct = p.cpuSmoother.Update(cpu)
	}
	if mem, ok := readMemPct(); ok {
		s.MemPct = p.memSmoother.Update(mem)
	}
	if disk, ok := readDiskPct("/"); ok {
		s.DiskPct = disk
	}

	if p.statusSource != nil {
		s.ProcessStates = p.statusSource.ProcessStates()
	}

	now := time.Now()
	for name, ext := range p.externals {
		select {
		case <-ctx.Done():
			return s
		default:
		}
		v, age, ok := readExternalFile(ext.Path, now)
		if !ok {
			continue
		}
		maxAge := ext.MaxAge
		if maxAge <= 0 {
			maxAge = 20 * time.Second
		}
		if age > maxAge {
			continue // Stale: report as unknown (absent), not zero.
		}
		s.ExternalReadings[name] = v
	}

	return s
}

// readCPUPct computes CPU utilization by differencing the current
// /proc/stat reading against the one stored by the previous call. The
// first call only stores a baseline and reports ok=false.
func (p *Probe) readCPUPct() (float64, bool) {
	total1, idle1, ok := readProcStatCPU()
	if !ok {
		return 0, false
	}
	if p.lastCPUTotal == 0 {
		p.lastCPUTotal, p.lastCPUIdle = total1, idle1
		return 0, false // First call seeds the delta baseline only.
	}
	dTotal := float64(total1 - p.lastCPUTotal)
	dIdle := float64(idle1 - p.lastCPUIdle)
	p.lastCPUTotal, p.lastCPUIdle = total1, idle1
	if dTotal <= 0 {
		return 0, false
	}
	return (1.0 - dIdle/dTotal) * 100.0, true
}

func readProcStatCPU() (total, idle uint64, ok bool) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, 0, false
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, false
	}
	var sum uint64
	for _, field := range fields[1:] {
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			continue
		}
		sum += v
	}
	idleVal, _ := strconv.ParseUint(fields[4], 10, 64)
	return sum, idleVal, true
}

func readMemPct() (float64, bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	var total, available float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = parseMeminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = parseMeminfoKB(line)
		}
	}
	if total == 0 {
		return 0, false
	}
	return (1.0 - available/total) * 100.0, true
}

func parseMeminfoKB(line string) float64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseFloat(fields[1], 64)
	return v
}

func readDiskPct(path string) (float64, bool) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, false
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	if total == 0 {
		return 0, false
	}
	used := total - free
	return float64(used) / float64(total) * 100.0, true
}

func readExternalFile(path string, now time.Time) (value float64, age time.Duration, ok bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, false
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, 0, false
	}
	return v, now.Sub(info.ModTime()), true
}
