// Package config provides configuration loading, validation, and hot-reload
// for umcc, the Perpetual Enforcement & Recursive Improvement engine.
//
// Configuration file: /etc/umcc/config.yaml (default). Load layers
// UMCC_OBSERVABILITY_METRICS_ADDR and UMCC_OBSERVABILITY_LOG_LEVEL on top
// via viper; cmd/umcc applies its command-line flags after Load.
//
// Hot-reload:
//   - umcc watches config.yaml with fsnotify and listens for SIGHUP.
//   - On either trigger: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (evaluator deltas, improvement
//     parameters, log level, dispatcher confidence threshold).
//   - Destructive changes (state dir, control socket path) require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. umcc does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (scaling factor, floors/ceilings, weights >= 0).
//   - state_dir.path must be absolute.
//   - Invalid config on startup: umcc refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// CurrentSchemaVersion is the schema version this build understands.
// Config files declaring an older, compatible version are accepted;
// declaring a newer major version is a fatal error at Load time.
const CurrentSchemaVersion = "1.0.0"

// Config is the root configuration structure for umcc.
type Config struct {
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this umcc instance in audit events. Default: hostname.
	NodeID string `yaml:"node_id"`

	StateDir   StateDirConfig   `yaml:"state_dir"`
	Processes  []ProcessSpec    `yaml:"processes"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Evaluator  EvaluatorConfig  `yaml:"evaluator"`
	Improvement ImprovementConfig `yaml:"improvement"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Audit      AuditConfig      `yaml:"audit"`
	Control    ControlConfig    `yaml:"control"`
	HTTPAPI    HTTPAPIConfig    `yaml:"http_api"`
	Alert      AlertConfig      `yaml:"alert"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// StateDirConfig locates umcc's on-disk state.
type StateDirConfig struct {
	// Path is the root of the persisted state tree (pids/, logs/, and
	// audit/ holding the JSONL log and index.db). Default: /var/lib/umcc.
	Path string `yaml:"path"`
}

// ProcessSpec declares one managed child process for "umcc up" to
// register and start, e.g. backend, frontend, proxy, orchestrator.
type ProcessSpec struct {
	Name string   `yaml:"name"`
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
	Dir  string   `yaml:"dir"`
	Env  []string `yaml:"env"`

	// ReadinessKind is one of "none", "tcp", "http", "marker_file".
	ReadinessKind string        `yaml:"readiness_kind"`
	ReadinessAddr string        `yaml:"readiness_addr"`
	MarkerPath    string        `yaml:"marker_path"`
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`
	MaxRestarts   int           `yaml:"max_restarts"`
}

// SupervisorConfig holds process-supervision parameters.
type SupervisorConfig struct {
	// RestartBudgetCapacity is the maximum restart tokens per process.
	// Default: 5.
	RestartBudgetCapacity int `yaml:"restart_budget_capacity"`

	// RestartBudgetRefillPeriod is the interval after which the bucket is
	// refilled to full capacity. Default: 60s.
	RestartBudgetRefillPeriod time.Duration `yaml:"restart_budget_refill_period"`

	// BackoffInitial is the initial restart backoff delay. Default: 500ms.
	BackoffInitial time.Duration `yaml:"backoff_initial"`

	// BackoffMax caps the exponential backoff delay. Default: 30s.
	BackoffMax time.Duration `yaml:"backoff_max"`

	// ReadinessTimeout bounds how long a readiness probe may take before
	// the process is judged unready. Default: 10s.
	ReadinessTimeout time.Duration `yaml:"readiness_timeout"`

	// ShutdownGrace is the SIGTERM-to-SIGKILL grace period. Default: 5s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// SchedulerConfig holds periodic scheduling parameters.
type SchedulerConfig struct {
	// TickResolution is the minimum interval between heap pops.
	// Default: 100ms.
	TickResolution time.Duration `yaml:"tick_resolution"`

	// MaxConcurrentJobs bounds in-flight job executions. Default: 8.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`
}

// EvaluatorConfig holds the severity-band parameters. Per-metric
// thresholds are not configured here or through the control socket; they
// start from built-in defaults and change only through the improvement loop.
type EvaluatorConfig struct {
	// WarnDelta is the relative delta below which a breaching metric earns
	// only a "warn" verdict. Default: 0.10 (10% over baseline).
	WarnDelta float64 `yaml:"warn_delta"`

	// ViolationDelta is the relative delta at and above which a breaching
	// metric earns "dissolution" instead of "violation" — the Violation
	// severity band is [WarnDelta, ViolationDelta). Default: 0.25.
	ViolationDelta float64 `yaml:"violation_delta"`

	// DissolutionDelta reserves room above ViolationDelta for a future
	// per-metric dissolution band; classify currently treats any relative
	// delta >= ViolationDelta as dissolution per spec.md's enforcement
	// evaluator rules. Must stay > ViolationDelta. Default: 0.50.
	DissolutionDelta float64 `yaml:"dissolution_delta"`
}

// ImprovementConfig holds the recursive threshold-adjustment parameters.
type ImprovementConfig struct {
	// ScalingFactor is s in the tightening/relaxing formula, s in (0,1).
	// Default: 0.95.
	ScalingFactor float64 `yaml:"scaling_factor"`

	// Floor is the floor value used for a threshold that declares no floor
	// of its own (Threshold.Floor == 0). Default: 0.02.
	Floor float64 `yaml:"floor"`

	// Ceiling must be greater than Floor. It is passed to the improvement
	// loop, which does not read it. Default: 1.0.
	Ceiling float64 `yaml:"ceiling"`

	// CycleInterval is parsed but not read: improvement cycles run once per
	// enforcement job, whose cadence is fixed at 2h. Default: 1h.
	CycleInterval time.Duration `yaml:"cycle_interval"`
}

// DispatcherConfig holds NL command dispatcher parameters.
type DispatcherConfig struct {
	// MinConfidence is the blended confidence below which the optional
	// oracle, when enabled, is asked to re-rank the intent. Default: 0.55.
	MinConfidence float64 `yaml:"min_confidence"`

	// OracleEnabled turns on the optional external re-ranking oracle.
	// Default: false.
	OracleEnabled bool `yaml:"oracle_enabled"`

	// OracleURL is the HTTP endpoint consulted for low-confidence intents.
	OracleURL string `yaml:"oracle_url"`

	// OracleTimeout bounds a single oracle call. Default: 2s.
	OracleTimeout time.Duration `yaml:"oracle_timeout"`
}

// AuditConfig holds audit log and index parameters.
type AuditConfig struct {
	// RetentionDays must be positive. Nothing prunes the log or index by
	// age; the value is not read after validation. Default: 30.
	RetentionDays int `yaml:"retention_days"`

	// FlushInterval is not read: the audit writer flushes after every
	// event. Default: 1s.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ControlConfig holds Unix-socket control-plane parameters.
type ControlConfig struct {
	// SocketPath is the Unix domain socket path for the control CLI.
	// Permissions: 0600. Default: /run/umcc/control.sock.
	SocketPath string `yaml:"socket_path"`

	// MaxConnections bounds concurrent control-socket clients. Default: 8.
	MaxConnections int `yaml:"max_connections"`
}

// HTTPAPIConfig holds the optional read-only HTTP status endpoint.
type HTTPAPIConfig struct {
	// Enabled controls whether the HTTP status mirror is started.
	// Default: false.
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the HTTP bind address. Default: 127.0.0.1:8088.
	ListenAddr string `yaml:"listen_addr"`

	// AllowedOrigins configures CORS for browser-based dashboards.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AlertConfig holds optional Slack alerting on violation and dissolution
// verdicts.
type AlertConfig struct {
	// Enabled gates Slack alerting. Default: false.
	Enabled bool `yaml:"enabled"`

	// A Slack notifier is built only from BotToken+Channel. WebhookURL is
	// accepted by validation but no notifier uses it.
	WebhookURL string `yaml:"webhook_url"`
	BotToken   string `yaml:"bot_token"`
	Channel    string `yaml:"channel"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// DefaultStateDir mirrors the audit package constant for use in defaults.
const DefaultStateDir = "/var/lib/umcc"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: CurrentSchemaVersion,
		NodeID:        hostname,
		StateDir:      StateDirConfig{Path: DefaultStateDir},
		Supervisor: SupervisorConfig{
			RestartBudgetCapacity:     5,
			RestartBudgetRefillPeriod: 60 * time.Second,
			BackoffInitial:            500 * time.Millisecond,
			BackoffMax:                30 * time.Second,
			ReadinessTimeout:          10 * time.Second,
			ShutdownGrace:             5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickResolution:    100 * time.Millisecond,
			MaxConcurrentJobs: 8,
		},
		Evaluator: EvaluatorConfig{
			WarnDelta:        0.10,
			ViolationDelta:   0.25,
			DissolutionDelta: 0.50,
		},
		Improvement: ImprovementConfig{
			ScalingFactor: 0.95,
			Floor:         0.02,
			Ceiling:       1.0,
			CycleInterval: time.Hour,
		},
		Dispatcher: DispatcherConfig{
			MinConfidence: 0.55,
			OracleTimeout: 2 * time.Second,
		},
		Audit: AuditConfig{
			RetentionDays: 30,
			FlushInterval: time.Second,
		},
		Control: ControlConfig{
			SocketPath:     "/run/umcc/control.sock",
			MaxConnections: 8,
		},
		HTTPAPI: HTTPAPIConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:8088",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path, layering
// UMCC_-prefixed environment variables on top via viper. Returns the merged
// config (defaults overridden by file, then by environment).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	v := viper.New()
	v.SetEnvPrefix("UMCC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if addr := v.GetString("observability.metrics_addr"); addr != "" {
		cfg.Observability.MetricsAddr = addr
	}
	if lvl := v.GetString("observability.log_level"); lvl != "" {
		cfg.Observability.LogLevel = lvl
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// CheckSchemaCompatible reports whether declared, a schema version string
// read from a config file or persisted state, is compatible with
// CurrentSchemaVersion (same major version, declared <= current).
func CheckSchemaCompatible(declared string) error {
	want, err := version.NewVersion(CurrentSchemaVersion)
	if err != nil {
		return fmt.Errorf("config: parse current schema version: %w", err)
	}
	got, err := version.NewVersion(declared)
	if err != nil {
		return fmt.Errorf("config: parse declared schema version %q: %w", declared, err)
	}
	if got.Segments()[0] != want.Segments()[0] {
		return fmt.Errorf("config: schema major version mismatch: have %s, need %s.x", declared, want.Segments())
	}
	if got.GreaterThan(want) {
		return fmt.Errorf("config: schema version %s is newer than this build supports (%s)", declared, CurrentSchemaVersion)
	}
	return nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if err := CheckSchemaCompatible(cfg.SchemaVersion); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if !filepath.IsAbs(cfg.StateDir.Path) {
		errs = append(errs, fmt.Sprintf("state_dir.path must be absolute, got %q", cfg.StateDir.Path))
	}
	seenProcess := make(map[string]bool, len(cfg.Processes))
	for _, p := range cfg.Processes {
		if p.Name == "" || p.Path == "" {
			errs = append(errs, "every entry in processes[] must set name and path")
			continue
		}
		if seenProcess[p.Name] {
			errs = append(errs, fmt.Sprintf("duplicate process name %q in processes[]", p.Name))
		}
		seenProcess[p.Name] = true
		switch p.ReadinessKind {
		case "", "none", "tcp", "http", "marker_file":
		default:
			errs = append(errs, fmt.Sprintf("processes[%q].readiness_kind must be one of none|tcp|http|marker_file, got %q", p.Name, p.ReadinessKind))
		}
	}
	if cfg.Supervisor.RestartBudgetCapacity < 1 {
		errs = append(errs, fmt.Sprintf("supervisor.restart_budget_capacity must be >= 1, got %d", cfg.Supervisor.RestartBudgetCapacity))
	}
	if cfg.Supervisor.RestartBudgetRefillPeriod < time.Second {
		errs = append(errs, fmt.Sprintf("supervisor.restart_budget_refill_period must be >= 1s, got %s", cfg.Supervisor.RestartBudgetRefillPeriod))
	}
	if cfg.Supervisor.BackoffInitial <= 0 || cfg.Supervisor.BackoffMax < cfg.Supervisor.BackoffInitial {
		errs = append(errs, "supervisor.backoff_initial must be > 0 and <= backoff_max")
	}
	if cfg.Scheduler.TickResolution <= 0 {
		errs = append(errs, "scheduler.tick_resolution must be > 0")
	}
	if cfg.Scheduler.MaxConcurrentJobs < 1 {
		errs = append(errs, fmt.Sprintf("scheduler.max_concurrent_jobs must be >= 1, got %d", cfg.Scheduler.MaxConcurrentJobs))
	}
	if !(0 < cfg.Evaluator.WarnDelta && cfg.Evaluator.WarnDelta < cfg.Evaluator.ViolationDelta &&
		cfg.Evaluator.ViolationDelta < cfg.Evaluator.DissolutionDelta) {
		errs = append(errs, "evaluator deltas must satisfy 0 < warn_delta < violation_delta < dissolution_delta")
	}
	if cfg.Improvement.ScalingFactor <= 0 || cfg.Improvement.ScalingFactor >= 1 {
		errs = append(errs, fmt.Sprintf("improvement.scaling_factor must be in (0,1), got %f", cfg.Improvement.ScalingFactor))
	}
	if cfg.Improvement.Floor <= 0 || cfg.Improvement.Floor >= cfg.Improvement.Ceiling {
		errs = append(errs, "improvement.floor must be > 0 and < ceiling")
	}
	if cfg.Dispatcher.MinConfidence < 0 || cfg.Dispatcher.MinConfidence > 1 {
		errs = append(errs, fmt.Sprintf("dispatcher.min_confidence must be in [0,1], got %f", cfg.Dispatcher.MinConfidence))
	}
	if cfg.Dispatcher.OracleEnabled && cfg.Dispatcher.OracleURL == "" {
		errs = append(errs, "dispatcher.oracle_url is required when dispatcher.oracle_enabled is true")
	}
	if cfg.Audit.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("audit.retention_days must be >= 1, got %d", cfg.Audit.RetentionDays))
	}
	if cfg.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path must not be empty")
	}
	if cfg.Control.MaxConnections < 1 {
		errs = append(errs, fmt.Sprintf("control.max_connections must be >= 1, got %d", cfg.Control.MaxConnections))
	}
	if cfg.Alert.Enabled && cfg.Alert.WebhookURL == "" && (cfg.Alert.BotToken == "" || cfg.Alert.Channel == "") {
		errs = append(errs, "alert.enabled requires either webhook_url or bot_token+channel")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
