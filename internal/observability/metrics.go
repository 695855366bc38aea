// Package observability — metrics.go
//
// Prometheus metrics for the umcc core.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: omnimesh_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - State labels use the string state name (7 values max).
//   - Process/job name IS used as a label: the managed fleet is small and
//     operator-declared, not unbounded like a PID.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for umcc.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Supervisor ───────────────────────────────────────────────────────────

	// ProcessStateTransitionsTotal counts ManagedProcess FSM transitions.
	// Labels: process, from_state, to_state
	ProcessStateTransitionsTotal *prometheus.CounterVec

	// RestartsTotal counts restart attempts, by process.
	RestartsTotal *prometheus.CounterVec

	// RestartBudgetRemaining is the current token bucket level, by process.
	RestartBudgetRemaining *prometheus.GaugeVec

	// ─── Scheduler ────────────────────────────────────────────────────────────

	// JobFiresTotal counts job fire attempts, by job and skipped status.
	JobFiresTotal *prometheus.CounterVec

	// JobFailuresTotal counts job runs that returned an error, by job.
	JobFailuresTotal *prometheus.CounterVec

	// ─── Evaluator ────────────────────────────────────────────────────────────

	// VerdictsTotal counts evaluation verdicts, by severity.
	VerdictsTotal *prometheus.CounterVec

	// ─── Improvement loop ─────────────────────────────────────────────────────

	// ImprovementCycleNumber is the current CycleState.CycleNumber.
	ImprovementCycleNumber prometheus.Gauge

	// ─── NL Dispatcher ────────────────────────────────────────────────────────

	// IntentsResolvedTotal counts NL dispatch resolutions, by intent_tag.
	IntentsResolvedTotal *prometheus.CounterVec

	// ─── Audit log ────────────────────────────────────────────────────────────

	// AuditEventsWrittenTotal counts audit events appended, by kind.
	AuditEventsWrittenTotal *prometheus.CounterVec

	// AuditQueueDepth is the current depth of the audit writer's event channel.
	AuditQueueDepth prometheus.Gauge

	// ─── Core ─────────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the core started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all umcc Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		ProcessStateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnimesh",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Total ManagedProcess FSM transitions, by process, from_state, and to_state.",
		}, []string{"process", "from_state", "to_state"}),

		RestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnimesh",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Total restart attempts, by process.",
		}, []string{"process"}),

		RestartBudgetRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "omnimesh",
			Subsystem: "supervisor",
			Name:      "restart_budget_remaining",
			Help:      "Current restart budget token count, by process.",
		}, []string{"process"}),

		JobFiresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnimesh",
			Subsystem: "scheduler",
			Name:      "job_fires_total",
			Help:      "Total job fire attempts, by job and whether it was skipped due to overlap.",
		}, []string{"job", "skipped"}),

		JobFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnimesh",
			Subsystem: "scheduler",
			Name:      "job_failures_total",
			Help:      "Total job runs that returned an error, by job.",
		}, []string{"job"}),

		VerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnimesh",
			Subsystem: "evaluator",
			Name:      "verdicts_total",
			Help:      "Total evaluation verdicts, by severity.",
		}, []string{"severity"}),

		ImprovementCycleNumber: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "omnimesh",
			Subsystem: "improvement",
			Name:      "cycle_number",
			Help:      "Current improvement loop cycle number.",
		}),

		IntentsResolvedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnimesh",
			Subsystem: "dispatcher",
			Name:      "intents_resolved_total",
			Help:      "Total NL dispatch resolutions, by intent_tag.",
		}, []string{"intent_tag"}),

		AuditEventsWrittenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnimesh",
			Subsystem: "audit",
			Name:      "events_written_total",
			Help:      "Total audit events appended, by kind.",
		}, []string{"kind"}),

		AuditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "omnimesh",
			Subsystem: "audit",
			Name:      "queue_depth",
			Help:      "Current depth of the audit writer's event channel.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "omnimesh",
			Subsystem: "core",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the core started.",
		}),
	}

	reg.MustRegister(
		m.ProcessStateTransitionsTotal,
		m.RestartsTotal,
		m.RestartBudgetRemaining,
		m.JobFiresTotal,
		m.JobFailuresTotal,
		m.VerdictsTotal,
		m.ImprovementCycleNumber,
		m.IntentsResolvedTotal,
		m.AuditEventsWrittenTotal,
		m.AuditQueueDepth,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails to start.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
