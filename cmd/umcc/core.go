package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/alert"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/audit"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/config"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/dispatcher"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/evaluator"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/improvement"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/metricsprobe"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/observability"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/scheduler"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/supervisor"
)

// defaultJobs is the Periodic Scheduler's fixed default job set: names and
// cadences are part of the contract, not configurable per-process.
var defaultJobs = []struct {
	name     string
	cadence  time.Duration
	deadline time.Duration
}{
	{"supervisor_tick", 10 * time.Second, 8 * time.Second},
	{"metrics_sample", 10 * time.Second, 5 * time.Second},
	{"enforcement", 2 * time.Hour, 4 * time.Minute},
	{"health_probe", 30 * time.Second, 20 * time.Second},
	{"audit_rotate", 24 * time.Hour, 60 * time.Second},
}

// defaultThresholds seeds the ThresholdSet for a fresh state directory.
// Per-metric bases are intentionally conservative; no config field sets
// them, and they move only through the improvement loop's tightening and
// relaxing.
func defaultThresholds() []evaluator.Threshold {
	return []evaluator.Threshold{
		{Name: "cpu_pct_max", Kind: evaluator.Max, Base: 90, Current: 90, Floor: 50},
		{Name: "mem_pct_max", Kind: evaluator.Max, Base: 90, Current: 90, Floor: 50},
		{Name: "disk_pct_max", Kind: evaluator.Max, Base: 95, Current: 95, Floor: 70},
	}
}

// core wires every internal component together for one running "umcc up"
// instance and implements control.Core so the control socket and HTTP
// mirror can dispatch against it.
type core struct {
	log *zap.Logger
	cfg *config.Config

	sup   *supervisor.Supervisor
	sched *scheduler.Scheduler

	auditWriter *audit.Writer
	auditIndex  *audit.Index

	probe *metricsprobe.Probe

	mu         sync.Mutex
	thresholds *evaluator.ThresholdSet
	cycle      improvement.CycleState
	lastVerdict evaluator.Verdict

	oracle   dispatcher.Oracle
	notifier alert.Notifier
	metrics  *observability.Metrics

	atomicLevel zap.AtomicLevel
	cancel      context.CancelFunc
}

func buildCore(ctx context.Context, cfg *config.Config, log *zap.Logger, atomicLevel zap.AtomicLevel, cancel context.CancelFunc) (*core, error) {
	stateDir := cfg.StateDir.Path
	auditDir := filepath.Join(stateDir, "audit")

	w, err := audit.NewWriter(auditDir, audit.DefaultRotateSize, 1024, log)
	if err != nil {
		return nil, fmt.Errorf("build core: audit writer: %w", err)
	}

	idx, err := audit.OpenIndex(filepath.Join(auditDir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("build core: audit index: %w", err)
	}
	w.SetOnWrite(func(ev audit.Event) {
		if perr := idx.Put(ev); perr != nil {
			log.Error("core: failed to index audit event", zap.Error(perr))
		}
	})

	sup := supervisor.New(log, stateDir, w, supervisor.Config{
		RestartBudgetCapacity:     cfg.Supervisor.RestartBudgetCapacity,
		RestartBudgetRefillPeriod: cfg.Supervisor.RestartBudgetRefillPeriod,
		BackoffInitial:            cfg.Supervisor.BackoffInitial,
		BackoffMax:                cfg.Supervisor.BackoffMax,
		ReadinessTimeout:          cfg.Supervisor.ReadinessTimeout,
		ShutdownGrace:             cfg.Supervisor.ShutdownGrace,
	})

	sched := scheduler.New(log, w, cfg.Scheduler.TickResolution, cfg.Scheduler.MaxConcurrentJobs)

	probe := metricsprobe.New(sup, nil, 0.3)

	var notifier alert.Notifier = alert.NoopNotifier{}
	if cfg.Alert.Enabled && cfg.Alert.BotToken != "" && cfg.Alert.Channel != "" {
		notifier = alert.NewSlackNotifier(cfg.Alert.BotToken, cfg.Alert.Channel, log)
	}

	var oracle dispatcher.Oracle
	if cfg.Dispatcher.OracleEnabled {
		oracle = dispatcher.NewHTTPOracle(cfg.Dispatcher.OracleURL, cfg.Dispatcher.OracleTimeout)
	}

	c := &core{
		log:         log,
		cfg:         cfg,
		sup:         sup,
		sched:       sched,
		auditWriter: w,
		auditIndex:  idx,
		probe:       probe,
		thresholds:  evaluator.NewThresholdSet(defaultThresholds()...),
		cycle:       improvement.NewCycleState(cfg.Improvement.ScalingFactor),
		oracle:      oracle,
		notifier:    notifier,
		metrics:     observability.NewMetrics(),
		atomicLevel: atomicLevel,
		cancel:      cancel,
	}

	for _, spec := range cfg.Processes {
		if err := sup.Register(toSupervisorSpec(stateDir, spec)); err != nil {
			return nil, fmt.Errorf("build core: register process %q: %w", spec.Name, err)
		}
	}

	for _, jd := range defaultJobs {
		jd := jd
		if err := sched.Register(&scheduler.Job{
			Name:     jd.name,
			Cadence:  jd.cadence,
			Deadline: jd.deadline,
			Run:      c.jobBody(jd.name),
		}); err != nil {
			return nil, fmt.Errorf("build core: register job %q: %w", jd.name, err)
		}
	}

	return c, nil
}

func toSupervisorSpec(stateDir string, p config.ProcessSpec) supervisor.Spec {
	kind := supervisor.ReadinessNone
	switch p.ReadinessKind {
	case "tcp":
		kind = supervisor.ReadinessTCP
	case "http":
		kind = supervisor.ReadinessHTTP
	case "marker_file":
		kind = supervisor.ReadinessMarkerFile
	}
	return supervisor.Spec{
		Name:          p.Name,
		Path:          p.Path,
		Args:          p.Args,
		Dir:           p.Dir,
		Env:           p.Env,
		StdoutPath:    filepath.Join(stateDir, "logs", p.Name+".stdout"),
		StderrPath:    filepath.Join(stateDir, "logs", p.Name+".stderr"),
		ReadinessKind: kind,
		ReadinessAddr: p.ReadinessAddr,
		MarkerPath:    p.MarkerPath,
		ReadyTimeout:  p.ReadyTimeout,
		MaxRestarts:   p.MaxRestarts,
	}
}

// jobBody returns the Func body for one of the fixed default jobs.
func (c *core) jobBody(name string) scheduler.Func {
	switch name {
	case "supervisor_tick":
		return c.runSupervisorTick
	case "metrics_sample":
		return c.runMetricsSample
	case "enforcement":
		return c.runEnforcement
	case "health_probe":
		return c.runHealthProbe
	case "audit_rotate":
		return c.runAuditRotate
	default:
		return func(ctx context.Context) error { return fmt.Errorf("core: no body registered for job %q", name) }
	}
}

// runSupervisorTick restarts any process left in a Failed state, without
// consulting its restart budget (only automatic restart-on-exit consumes
// budget tokens); automatic restart-on-exit is already handled inline by
// the Supervisor, this job is the periodic backstop for Start failures
// that were not retried inline.
func (c *core) runSupervisorTick(ctx context.Context) error {
	for _, snap := range c.sup.StatusAll() {
		if snap.State.String() == "Failed" {
			if err := c.sup.Start(ctx, snap.Name); err != nil {
				c.log.Warn("supervisor_tick: restart attempt failed", zap.String("process", snap.Name), zap.Error(err))
			}
		}
	}
	return nil
}

// runMetricsSample pushes a MetricSample by sampling the probe and
// reflecting a few aggregate figures into Prometheus.
func (c *core) runMetricsSample(ctx context.Context) error {
	sample := c.probe.Sample(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, snap := range c.sup.StatusAll() {
		c.metrics.RestartBudgetRemaining.WithLabelValues(snap.Name).Set(float64(snap.RestartCount))
	}
	_ = sample // discarded; runEnforcement takes its own sample. This job only pushes metrics.
	return nil
}

// runEnforcement runs the full evaluate-then-improve cycle: sample
// metrics, evaluate against the active ThresholdSet, record the verdict,
// alert on high severity, then apply the improvement loop.
func (c *core) runEnforcement(ctx context.Context) error {
	sample := c.probe.Sample(ctx)

	c.mu.Lock()
	snapshot := c.thresholds.Snapshot()
	deltas := evaluator.Deltas{
		Warn:        c.cfg.Evaluator.WarnDelta,
		Violation:   c.cfg.Evaluator.ViolationDelta,
		Dissolution: c.cfg.Evaluator.DissolutionDelta,
	}
	v := evaluator.Evaluate(snapshot, sample, deltas, time.Now().UTC())
	c.lastVerdict = v
	c.metrics.VerdictsTotal.WithLabelValues(v.Severity.String()).Inc()

	params := improvement.Params{Floor: c.cfg.Improvement.Floor, Ceiling: c.cfg.Improvement.Ceiling, RecentWindow: 3}
	improvement.Apply(c.thresholds, &c.cycle, v.Severity, params, time.Now().UTC())
	c.metrics.ImprovementCycleNumber.Set(float64(c.cycle.CycleNumber))
	c.mu.Unlock()

	if err := c.auditWriter.Append(audit.KindVerdict, "enforcement", v); err != nil {
		c.log.Error("enforcement: failed to append verdict", zap.Error(err))
	}
	if v.Severity >= evaluator.Violation {
		if err := c.notifier.NotifyVerdict(ctx, v); err != nil {
			c.log.Warn("enforcement: alert delivery failed", zap.Error(err))
		}
	}
	return nil
}

// runHealthProbe re-checks readiness of every Running process, catching
// one that still answers Status() as Running but has stopped actually
// serving (e.g. a wedged HTTP listener). A failed re-check is audited and
// logged; it does not itself mutate FSM state — supervisor_tick and the
// process's own exit handling own restart decisions.
func (c *core) runHealthProbe(ctx context.Context) error {
	for _, snap := range c.sup.StatusAll() {
		if snap.State.String() != "Running" {
			continue
		}
		ok, err := c.sup.CheckReadiness(ctx, snap.Name)
		if err != nil {
			c.log.Warn("health_probe: check failed", zap.String("process", snap.Name), zap.Error(err))
			continue
		}
		if ok {
			continue
		}
		c.log.Warn("health_probe: process failed its readiness re-check", zap.String("process", snap.Name))
		if c.auditWriter != nil {
			if err := c.auditWriter.Append(audit.KindError, snap.Name, map[string]string{
				"process": snap.Name,
				"reason":  "health_probe_readiness_failed",
			}); err != nil {
				c.log.Error("health_probe: failed to append audit event", zap.Error(err))
			}
		}
	}
	return nil
}

// runAuditRotate does nothing: rotation is size-triggered inside the audit
// Writer on every write, and running this job, on schedule or via
// run-once, neither checks the size nor rotates the file.
func (c *core) runAuditRotate(ctx context.Context) error {
	return nil
}

// applyConfigReload swaps in newCfg as the active configuration for every
// non-destructive field the enforcement loop and client-facing commands read
// on each tick: evaluator deltas, improvement floor/ceiling/scaling factor,
// dispatcher confidence threshold, and log level. It deliberately never
// touches the process fleet, control-socket path, or listener addresses —
// those require a restart to take effect, the same boundary spec.md's config
// hot-reload section draws.
func (c *core) applyConfigReload(newCfg *config.Config) {
	c.mu.Lock()
	levelChanged := newCfg.Observability.LogLevel != c.cfg.Observability.LogLevel
	c.cfg = newCfg
	c.cycle.Factor = newCfg.Improvement.ScalingFactor
	c.mu.Unlock()

	if levelChanged {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(newCfg.Observability.LogLevel)); err != nil {
			c.log.Warn("config reload: invalid log_level, keeping previous level",
				zap.String("log_level", newCfg.Observability.LogLevel), zap.Error(err))
		} else {
			c.atomicLevel.SetLevel(lvl)
		}
	}

	c.log.Info("config reload applied",
		zap.String("log_level", newCfg.Observability.LogLevel),
		zap.Float64("improvement_floor", newCfg.Improvement.Floor),
		zap.Float64("improvement_ceiling", newCfg.Improvement.Ceiling),
		zap.Float64("dispatcher_min_confidence", newCfg.Dispatcher.MinConfidence),
	)
}

// ─── control.Core implementation ──────────────────────────────────────────

func (c *core) StatusAll() ([]supervisor.Snapshot, []scheduler.Snapshot) {
	return c.sup.StatusAll(), c.sched.StatusAll()
}

func (c *core) Shutdown(ctx context.Context) error {
	return c.sup.Shutdown(ctx)
}

func (c *core) RunOnce(ctx context.Context, job string) (string, error) {
	if err := c.sched.RunOnce(ctx, job); err != nil {
		return "", err
	}
	if job != "enforcement" {
		return "", nil
	}
	c.mu.Lock()
	sev := c.lastVerdict.Severity.String()
	c.mu.Unlock()
	return sev, nil
}

func (c *core) Ask(ctx context.Context, utterance string, confirmed bool) (dispatcher.Intent, error) {
	if confirmed && !strings.Contains(utterance, "--confirm") {
		utterance = utterance + " --confirm"
	}
	in := dispatcher.RankWithOracle(ctx, utterance, c.cfg.Dispatcher.MinConfidence, c.oracle)
	c.metrics.IntentsResolvedTotal.WithLabelValues(in.IntentTag).Inc()
	if err := c.auditWriter.Append(audit.KindCommand, "dispatcher", in); err != nil {
		c.log.Error("ask: failed to append command audit event", zap.Error(err))
	}
	return in, nil
}

func (c *core) TailAudit(fromSeq uint64) ([]audit.Event, error) {
	return c.auditIndex.Tail(fromSeq)
}

func (c *core) close() {
	_ = c.auditIndex.Close()
	c.auditWriter.Close()
}
