// Package supervisor implements the Process Supervisor: fan-out lifecycle
// control over N managed children.
//
// Concurrency: a single goroutine owns each ManagedProcess's mutation;
// other callers post requests through a bounded command channel. This
// eliminates locks on the hot path — only the read-only Status() snapshot
// crosses goroutines directly, guarded by a small mutex.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/audit"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/budget"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/errs"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/procfsm"
)

// ReadinessKind selects how a spawned process is probed for readiness.
type ReadinessKind int

const (
	ReadinessNone ReadinessKind = iota
	ReadinessTCP
	ReadinessHTTP
	ReadinessMarkerFile
)

// Spec is a ManagedProcess launch specification.
type Spec struct {
	Name          string
	Path          string
	Args          []string
	Dir           string
	Env           []string
	StdoutPath    string
	StderrPath    string
	ReadinessKind ReadinessKind
	ReadinessAddr string // host:port for TCP, URL for HTTP.
	MarkerPath    string // For ReadinessMarkerFile.
	ReadyTimeout  time.Duration
	MaxRestarts   int // 0 = unlimited (bounded only by the restart budget).
}

// Snapshot is a read-only copy of a ManagedProcess's runtime state.
type Snapshot struct {
	Name         string
	State        procfsm.State
	PID          int
	StartedAt    time.Time
	LastExitCode int
	RestartCount int
}

// process is the single-goroutine-owned runtime record for one Spec.
type process struct {
	spec    Spec
	fsm     *procfsm.FSM
	budget  *budget.Bucket
	cmd     *exec.Cmd
	pidPath string

	mu           sync.RWMutex // Guards only the fields Status() reads.
	pid          int
	startedAt    time.Time
	lastExitCode int
	restartCount int
	quarantined  bool

	backoff time.Duration
	cmds    chan func()
}

// Supervisor owns every ManagedProcess record and PID file.
type Supervisor struct {
	log       *zap.Logger
	stateDir  string
	auditor   *audit.Writer
	cfg       Config

	mu    sync.Mutex
	order []string // Registration order, for reverse-order shutdown.
	procs map[string]*process
}

// Config bundles the tunable Supervisor parameters.
type Config struct {
	RestartBudgetCapacity     int
	RestartBudgetRefillPeriod time.Duration
	BackoffInitial            time.Duration
	BackoffMax                time.Duration
	ReadinessTimeout          time.Duration
	ShutdownGrace             time.Duration
}

// New creates a Supervisor rooted at stateDir, emitting audit events via w.
func New(log *zap.Logger, stateDir string, w *audit.Writer, cfg Config) *Supervisor {
	return &Supervisor{
		log:      log,
		stateDir: stateDir,
		auditor:  w,
		cfg:      cfg,
		procs:    make(map[string]*process),
	}
}

// ErrAlreadyRegistered is returned by Register when a different spec
// already exists for the given name.
type ErrAlreadyRegistered struct{ Name string }

func (e *ErrAlreadyRegistered) Error() string {
	return fmt.Sprintf("supervisor: %q already registered with a different spec", e.Name)
}

// Register validates spec and adds it to the Supervisor's registry.
// Idempotent by name: re-registering the identical spec is a no-op.
func (s *Supervisor) Register(spec Spec) error {
	if spec.Name == "" {
		return errs.Newf(errs.KindSupervisor, "supervisor.Register", "spec.Name must not be empty")
	}
	if spec.Path == "" {
		return errs.Newf(errs.KindSupervisor, "supervisor.Register", "spec.Path must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.procs[spec.Name]; ok {
		if !specsEqual(existing.spec, spec) {
			return &ErrAlreadyRegistered{Name: spec.Name}
		}
		return nil
	}

	p := &process{
		spec:    spec,
		fsm:     procfsm.New(spec.Name),
		budget:  budget.New(valueOr(s.cfg.RestartBudgetCapacity, 5), valueOrDur(s.cfg.RestartBudgetRefillPeriod, 60*time.Second)),
		pidPath: s.stateDir + "/pids/" + spec.Name + ".pid",
		backoff: valueOrDur(s.cfg.BackoffInitial, 500*time.Millisecond),
		cmds:    make(chan func(), 16),
	}
	s.procs[spec.Name] = p
	s.order = append(s.order, spec.Name)
	go p.run()
	return nil
}

func valueOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
func valueOrDur(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func specsEqual(a, b Spec) bool {
	if a.Name != b.Name || a.Path != b.Path || a.Dir != b.Dir {
		return false
	}
	if len(a.Args) != len(b.Args) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	return true
}

// run is the single goroutine that owns this process's mutable state. All
// mutation arrives as a closure on p.cmds, so no field here needs a mutex
// except the narrow read-path guarded by p.mu for Status().
func (p *process) run() {
	for fn := range p.cmds {
		fn()
	}
}

// submit enqueues fn onto p's owning goroutine and blocks until it
// completes, eliminating locks on the hot path while keeping the external
// API synchronous.
func (p *process) submit(fn func()) {
	done := make(chan struct{})
	p.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

func (s *Supervisor) lookup(name string) (*process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[name]
	if !ok {
		return nil, errs.Newf(errs.KindSupervisor, "supervisor.lookup", "unknown process %q", name)
	}
	return p, nil
}

// Start spawns name if it is not already Running. A readiness probe must
// succeed within the spec's timeout to transition Ready -> Running;
// failure transitions to Failed and emits a process_state audit event.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	p, err := s.lookup(name)
	if err != nil {
		return err
	}
	var startErr error
	p.submit(func() {
		startErr = p.start(ctx, s)
	})
	return startErr
}

func (p *process) start(ctx context.Context, s *Supervisor) error {
	if p.fsm.Current() == procfsm.Running {
		return nil
	}
	if p.quarantined {
		return errs.New(errs.KindSupervisor, "supervisor.Start", fmt.Errorf("process %q is quarantined", p.spec.Name))
	}
	if err := p.fsm.Transition(procfsm.Starting); err != nil {
		return errs.New(errs.KindSupervisor, "supervisor.Start", err)
	}
	s.emitProcessState(p.spec.Name, procfsm.Starting)

	stdout, err := openLog(p.spec.StdoutPath)
	if err != nil {
		p.fsm.Force(procfsm.Failed)
		return errs.New(errs.KindSupervisor, "supervisor.Start", err)
	}
	stderr, err := openLog(p.spec.StderrPath)
	if err != nil {
		p.fsm.Force(procfsm.Failed)
		return errs.New(errs.KindSupervisor, "supervisor.Start", err)
	}

	cmd := exec.Command(p.spec.Path, p.spec.Args...)
	cmd.Dir = p.spec.Dir
	cmd.Env = p.spec.Env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		p.fsm.Force(procfsm.Failed)
		s.emitProcessState(p.spec.Name, procfsm.Failed)
		return errs.New(errs.KindSupervisor, "supervisor.Start", err)
	}

	p.cmd = cmd
	p.mu.Lock()
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	p.mu.Unlock()

	if err := audit.WritePIDFileAtomic(p.pidPath, cmd.Process.Pid); err != nil {
		s.log.Error("supervisor: failed to persist pid file", zap.String("process", p.spec.Name), zap.Error(err))
	}

	go p.waitLoop(s)

	timeout := p.spec.ReadyTimeout
	if timeout <= 0 {
		timeout = s.cfg.ReadinessTimeout
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !probeReady(probeCtx, p.spec) {
		p.fsm.Force(procfsm.Failed)
		s.emitProcessState(p.spec.Name, procfsm.Failed)
		return errs.Newf(errs.KindSupervisor, "supervisor.Start", "readiness probe timed out for %q", p.spec.Name)
	}

	_ = p.fsm.Transition(procfsm.Ready)
	_ = p.fsm.Transition(procfsm.Running)
	s.emitProcessState(p.spec.Name, procfsm.Running)
	return nil
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return os.NewFile(0, os.DevNull), nil
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
}

// waitLoop blocks on the child process exiting and triggers the restart
// policy on unexpected exit while Running.
func (p *process) waitLoop(s *Supervisor) {
	err := p.cmd.Wait()
	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}
	p.mu.Lock()
	p.lastExitCode = exitCode
	p.mu.Unlock()

	p.submit(func() {
		wasRunning := p.fsm.Current() == procfsm.Running
		_ = p.fsm.Transition(procfsm.Exiting)
		s.emitProcessState(p.spec.Name, procfsm.Exiting)
		_ = audit.RemovePIDFile(p.pidPath)
		_ = p.fsm.Transition(procfsm.Stopped)
		s.emitProcessState(p.spec.Name, procfsm.Stopped)

		if wasRunning && !p.quarantined {
			go s.attemptAutoRestart(p)
		}
	})
}

func (s *Supervisor) attemptAutoRestart(p *process) {
	if p.spec.MaxRestarts > 0 {
		p.mu.RLock()
		count := p.restartCount
		p.mu.RUnlock()
		if count >= p.spec.MaxRestarts {
			p.submit(func() { _ = p.fsm.Transition(procfsm.Failed) })
			s.emitProcessState(p.spec.Name, procfsm.Failed)
			return
		}
	}
	if !p.budget.Consume() {
		s.log.Warn("supervisor: restart budget exhausted, deferring", zap.String("process", p.spec.Name))
		return
	}
	time.Sleep(p.backoff)
	p.backoff *= 2
	if cap := s.cfg.BackoffMax; cap > 0 && p.backoff > cap {
		p.backoff = cap
	}
	p.mu.Lock()
	p.restartCount++
	p.mu.Unlock()

	if err := s.Start(context.Background(), p.spec.Name); err == nil {
		p.backoff = valueOrDur(s.cfg.BackoffInitial, 500*time.Millisecond)
	}
}

// Stop sends a graceful termination signal, waits up to grace, then
// force-kills. Always removes the PID file last.
func (s *Supervisor) Stop(name string, grace time.Duration) error {
	p, err := s.lookup(name)
	if err != nil {
		return err
	}
	var stopErr error
	p.submit(func() {
		stopErr = p.stop(s, grace)
	})
	return stopErr
}

func (p *process) stop(s *Supervisor, grace time.Duration) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	_ = p.fsm.Transition(procfsm.Exiting)
	s.emitProcessState(p.spec.Name, procfsm.Exiting)

	_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = p.cmd.Process.Wait()
		close(done)
	}()

	if grace <= 0 {
		grace = s.cfg.ShutdownGrace
	}
	select {
	case <-done:
	case <-time.After(grace):
		_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
		<-done
	}

	_ = audit.RemovePIDFile(p.pidPath)
	_ = p.fsm.Transition(procfsm.Stopped)
	s.emitProcessState(p.spec.Name, procfsm.Stopped)
	return nil
}

// Restart performs Stop then Start, incrementing the restart count.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	p, err := s.lookup(name)
	if err != nil {
		return err
	}
	if err := s.Stop(name, 0); err != nil {
		return err
	}
	p.mu.Lock()
	p.restartCount++
	p.mu.Unlock()
	return s.Start(ctx, name)
}

// Quarantine marks name quarantined: the process is stopped and its spec
// will not be auto-restarted until ClearQuarantine is called.
func (s *Supervisor) Quarantine(name string) error {
	p, err := s.lookup(name)
	if err != nil {
		return err
	}
	p.submit(func() {
		p.quarantined = true
		_ = p.fsm.Transition(procfsm.Quarantined)
	})
	s.emitProcessState(name, procfsm.Quarantined)
	return s.Stop(name, 0)
}

// ClearQuarantine allows name to be started/restarted again.
func (s *Supervisor) ClearQuarantine(name string) error {
	p, err := s.lookup(name)
	if err != nil {
		return err
	}
	p.submit(func() {
		p.quarantined = false
		p.fsm.Force(procfsm.Stopped)
	})
	return nil
}

// CheckReadiness re-runs name's configured readiness probe without
// mutating its FSM state. Processes that are not currently Running are
// reported ready trivially — they are the restart policy's concern, not
// the health probe's. Used by the periodic health_probe job to catch a
// process that answers Status() as Running but has stopped actually
// serving.
func (s *Supervisor) CheckReadiness(ctx context.Context, name string) (bool, error) {
	p, err := s.lookup(name)
	if err != nil {
		return false, err
	}
	if p.fsm.Current() != procfsm.Running {
		return true, nil
	}

	timeout := p.spec.ReadyTimeout
	if timeout <= 0 {
		timeout = s.cfg.ReadinessTimeout
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return probeReady(probeCtx, p.spec), nil
}

// Status returns a copy of name's current state.
func (s *Supervisor) Status(name string) (Snapshot, error) {
	p, err := s.lookup(name)
	if err != nil {
		return Snapshot{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		Name:         p.spec.Name,
		State:        p.fsm.Current(),
		PID:          p.pid,
		StartedAt:    p.startedAt,
		LastExitCode: p.lastExitCode,
		RestartCount: p.restartCount,
	}, nil
}

// ProcessStates satisfies metricsprobe.StatusSource: it reports each
// registered process's current FSM state by name, for inclusion in a
// MetricSample without metricsprobe importing this package directly.
func (s *Supervisor) ProcessStates() map[string]string {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	out := make(map[string]string, len(names))
	for _, n := range names {
		if snap, err := s.Status(n); err == nil {
			out[n] = snap.State.String()
		}
	}
	return out
}

// StatusAll returns a snapshot of every registered process.
func (s *Supervisor) StatusAll() []Snapshot {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(names))
	for _, n := range names {
		if snap, err := s.Status(n); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

// Shutdown stops every process in reverse registration order, blocking
// until all are Stopped, guaranteeing PID-file release on every path.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(1) // One Stop at a time, so the reverse loop order is the stop order.
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		g.Go(func() error {
			return s.Stop(name, s.cfg.ShutdownGrace)
		})
	}
	return g.Wait()
}

func (s *Supervisor) emitProcessState(name string, state procfsm.State) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Append(audit.KindProcessState, name, map[string]string{
		"process": name,
		"state":   state.String(),
	}); err != nil {
		s.log.Error("supervisor: failed to append audit event", zap.Error(err))
	}
}
