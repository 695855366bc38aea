// Package scheduler implements the Periodic Scheduler: it fires Jobs at
// their declared cadences without overlap and without drift.
//
// Each Job runs in its own errgroup-tracked worker, bounded by a weighted
// semaphore sized at MaxConcurrentJobs; dispatch itself is single-threaded
// and driven by a min-heap keyed on next-fire time. If a job's previous run
// has not finished when its next fire time arrives, the scheduler logs a
// skip event and reschedules — it never queues. A job that exceeds its
// deadline is cancelled cooperatively via its context; it must observe
// the token at I/O and loop boundaries. Fire-time ordering per job is
// monotonic non-decreasing in the audit log.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/audit"
)

// OverlapPolicy controls what happens when a Job's previous run has not
// finished by the next scheduled fire time. Only Skip is implemented —
// the spec mandates never queueing.
type OverlapPolicy int

const (
	Skip OverlapPolicy = iota
)

// Func is the body of a Job: a closure over the core's components. It
// must observe ctx at I/O and loop boundaries to honor its deadline.
type Func func(ctx context.Context) error

// Job is a scheduled periodic task.
type Job struct {
	Name     string
	Cadence  time.Duration
	Deadline time.Duration
	Overlap  OverlapPolicy
	Run      Func

	mu             sync.Mutex
	running        bool
	lastFiredAt    time.Time
	lastFinishedAt time.Time
	lastErr        error
	failureStreak  int
}

// Snapshot is a read-only view of a Job's runtime state.
type Snapshot struct {
	Name           string
	LastFiredAt    time.Time
	LastFinishedAt time.Time
	LastErr        error
	FailureStreak  int
	Running        bool
}

type scheduledJob struct {
	job      *Job
	nextFire time.Time
	index    int
}

type jobHeap []*scheduledJob

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].nextFire.Before(h[j].nextFire) }
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *jobHeap) Push(x any) {
	sj := x.(*scheduledJob)
	sj.index = len(*h)
	*h = append(*h, sj)
}
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Scheduler dispatches Jobs from a min-heap, one fire loop per Scheduler.
type Scheduler struct {
	log     *zap.Logger
	auditor *audit.Writer

	mu   sync.Mutex
	jobs map[string]*Job
	heap jobHeap

	tickResolution time.Duration
	wake           chan struct{}

	// sem bounds how many job runs may execute concurrently; eg tracks
	// those goroutines so Wait can drain them during shutdown instead of
	// leaking a bare `go func(){}()` per fire.
	sem *semaphore.Weighted
	eg  errgroup.Group
}

// New creates a Scheduler polling the heap every tickResolution. At most
// maxConcurrent job runs execute at once; a job that is already running
// is still skipped rather than queued (per-job single-flight is enforced
// by Job's own mutex, independent of the semaphore).
func New(log *zap.Logger, w *audit.Writer, tickResolution time.Duration, maxConcurrent int) *Scheduler {
	if tickResolution <= 0 {
		tickResolution = 100 * time.Millisecond
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Scheduler{
		log:            log,
		auditor:        w,
		jobs:           make(map[string]*Job),
		tickResolution: tickResolution,
		wake:           make(chan struct{}, 1),
		sem:            semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Register adds job to the schedule, firing for the first time one
// cadence from now.
func (s *Scheduler) Register(job *Job) error {
	if job.Name == "" {
		return fmt.Errorf("scheduler.Register: job name must not be empty")
	}
	if job.Cadence <= 0 {
		return fmt.Errorf("scheduler.Register: job %q cadence must be > 0", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("scheduler.Register: job %q already registered", job.Name)
	}
	s.jobs[job.Name] = job
	heap.Push(&s.heap, &scheduledJob{job: job, nextFire: time.Now().Add(job.Cadence)})
	s.notify()
	return nil
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickResolution)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.wake:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	var due []*scheduledJob

	s.mu.Lock()
	for s.heap.Len() > 0 && !s.heap[0].nextFire.After(now) {
		sj := heap.Pop(&s.heap).(*scheduledJob)
		due = append(due, sj)
	}
	s.mu.Unlock()

	for _, sj := range due {
		s.fire(ctx, sj)
		s.mu.Lock()
		sj.nextFire = time.Now().Add(sj.job.Cadence)
		heap.Push(&s.heap, sj)
		s.mu.Unlock()
	}
}

// fire runs job in its own errgroup-tracked goroutine, bounded by sem, so
// a long-running job never blocks the dispatch loop and the Scheduler
// never has more than maxConcurrent jobs executing at once. Overlap of
// the same job is still prevented solely by the job's own running flag,
// not by the semaphore.
func (s *Scheduler) fire(ctx context.Context, sj *scheduledJob) {
	job := sj.job
	job.mu.Lock()
	if job.running {
		job.mu.Unlock()
		s.emitSkip(job.Name)
		return
	}
	job.running = true
	job.lastFiredAt = time.Now()
	job.mu.Unlock()

	s.emitFire(job.Name)

	s.eg.Go(func() error {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			job.mu.Lock()
			job.running = false
			job.mu.Unlock()
			return nil
		}
		defer s.sem.Release(1)

		defer func() {
			job.mu.Lock()
			job.running = false
			job.lastFinishedAt = time.Now()
			job.mu.Unlock()
		}()

		runCtx := ctx
		var cancel context.CancelFunc
		if job.Deadline > 0 {
			runCtx, cancel = context.WithTimeout(ctx, job.Deadline)
			defer cancel()
		}

		err := job.Run(runCtx)

		job.mu.Lock()
		job.lastErr = err
		if err != nil {
			job.failureStreak++
		} else {
			job.failureStreak = 0
		}
		job.mu.Unlock()

		s.emitFinish(job.Name, err)
		// A job's own failure never cancels its siblings — each job is
		// independent, so this goroutine always reports nil to eg.
		return nil
	})
}

// Wait blocks until every in-flight job run started by fire has
// returned. Safe to call after Run's ctx has been cancelled, to drain
// outstanding work during shutdown.
func (s *Scheduler) Wait() {
	_ = s.eg.Wait()
}

func (s *Scheduler) emitSkip(name string) {
	s.log.Debug("scheduler: skipping overlapping job", zap.String("job", name))
	s.appendAudit(audit.KindJobFire, name, map[string]any{"job": name, "skipped": true})
}

func (s *Scheduler) emitFire(name string) {
	s.appendAudit(audit.KindJobFire, name, map[string]any{"job": name, "skipped": false})
}

func (s *Scheduler) emitFinish(name string, err error) {
	payload := map[string]any{"job": name, "ok": err == nil}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.appendAudit(audit.KindJobFinish, name, payload)
}

func (s *Scheduler) appendAudit(kind audit.Kind, actor string, payload any) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Append(kind, actor, payload); err != nil {
		s.log.Error("scheduler: failed to append audit event", zap.Error(err))
	}
}

// RunOnce fires job immediately, outside its schedule, and blocks until it
// finishes, returning its error.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler.RunOnce: unknown job %q", name)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if job.Deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, job.Deadline)
		defer cancel()
	}
	err := job.Run(runCtx)

	job.mu.Lock()
	job.lastErr = err
	if err != nil {
		job.failureStreak++
	} else {
		job.failureStreak = 0
	}
	job.mu.Unlock()

	s.emitFinish(name, err)
	return err
}

// Status returns a snapshot of job's runtime state.
func (s *Scheduler) Status(name string) (Snapshot, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("scheduler.Status: unknown job %q", name)
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	return Snapshot{
		Name:           job.Name,
		LastFiredAt:    job.lastFiredAt,
		LastFinishedAt: job.lastFinishedAt,
		LastErr:        job.lastErr,
		FailureStreak:  job.failureStreak,
		Running:        job.running,
	}, nil
}

// StatusAll returns snapshots for every registered job.
func (s *Scheduler) StatusAll() []Snapshot {
	s.mu.Lock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(names))
	for _, n := range names {
		if snap, err := s.Status(n); err == nil {
			out = append(out, snap)
		}
	}
	return out
}
