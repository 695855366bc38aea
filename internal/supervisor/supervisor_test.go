package supervisor_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/procfsm"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/supervisor"
)

func testConfig() supervisor.Config {
	return supervisor.Config{
		RestartBudgetCapacity:     3,
		RestartBudgetRefillPeriod: time.Minute,
		BackoffInitial:            10 * time.Millisecond,
		BackoffMax:                50 * time.Millisecond,
		ReadinessTimeout:          time.Second,
		ShutdownGrace:             500 * time.Millisecond,
	}
}

func sleepSpec(t *testing.T, name string, seconds string) supervisor.Spec {
	t.Helper()
	return supervisor.Spec{
		Name:          name,
		Path:          "/bin/sleep",
		Args:          []string{seconds},
		ReadinessKind: supervisor.ReadinessNone,
		ReadyTimeout:  time.Second,
	}
}

func TestRegister_RejectsEmptyNameOrPath(t *testing.T) {
	s := supervisor.New(zap.NewNop(), t.TempDir(), nil, testConfig())

	if err := s.Register(supervisor.Spec{Path: "/bin/sleep"}); err == nil {
		t.Fatal("expected an error when Name is empty")
	}
	if err := s.Register(supervisor.Spec{Name: "x"}); err == nil {
		t.Fatal("expected an error when Path is empty")
	}
}

func TestRegister_IsIdempotentForIdenticalSpec(t *testing.T) {
	s := supervisor.New(zap.NewNop(), t.TempDir(), nil, testConfig())
	spec := sleepSpec(t, "echo-loop", "1")

	if err := s.Register(spec); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := s.Register(spec); err != nil {
		t.Fatalf("re-registering an identical spec should be a no-op, got: %v", err)
	}
}

func TestRegister_RejectsConflictingRespec(t *testing.T) {
	s := supervisor.New(zap.NewNop(), t.TempDir(), nil, testConfig())
	if err := s.Register(sleepSpec(t, "echo-loop", "1")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	conflict := sleepSpec(t, "echo-loop", "1")
	conflict.Path = "/bin/true"
	err := s.Register(conflict)
	if err == nil {
		t.Fatal("expected re-registering a conflicting spec under the same name to fail")
	}
	if _, ok := err.(*supervisor.ErrAlreadyRegistered); !ok {
		t.Fatalf("expected *ErrAlreadyRegistered, got %T: %v", err, err)
	}
}

func TestStart_ReadinessNoneTransitionsToRunning(t *testing.T) {
	s := supervisor.New(zap.NewNop(), t.TempDir(), nil, testConfig())
	if err := s.Register(sleepSpec(t, "echo-loop", "2")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Start(ctx, "echo-loop"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap, err := s.Status("echo-loop")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.State != procfsm.Running {
		t.Fatalf("expected state Running, got %s", snap.State)
	}
	if snap.PID == 0 {
		t.Fatal("expected a nonzero PID after Start")
	}

	_ = s.Stop("echo-loop", 0)
}

func TestStop_TerminatesProcessAndTransitionsStopped(t *testing.T) {
	s := supervisor.New(zap.NewNop(), t.TempDir(), nil, testConfig())
	if err := s.Register(sleepSpec(t, "echo-loop", "30")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Start(ctx, "echo-loop"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.Stop("echo-loop", 200*time.Millisecond); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	snap, err := s.Status("echo-loop")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.State != procfsm.Stopped {
		t.Fatalf("expected state Stopped after Stop, got %s", snap.State)
	}
}

func TestStart_ReadinessMarkerFileWaitsForMarker(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ready")

	s := supervisor.New(zap.NewNop(), dir, nil, testConfig())
	spec := supervisor.Spec{
		Name:          "marker-proc",
		Path:          "/bin/sh",
		Args:          []string{"-c", "sleep 0.1 && touch " + marker + " && sleep 2"},
		ReadinessKind: supervisor.ReadinessMarkerFile,
		MarkerPath:    marker,
		ReadyTimeout:  2 * time.Second,
	}
	if err := s.Register(spec); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Start(ctx, "marker-proc"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap, err := s.Status("marker-proc")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.State != procfsm.Running {
		t.Fatalf("expected state Running once the marker file appeared, got %s", snap.State)
	}

	_ = s.Stop("marker-proc", 0)
}

func TestStart_ReadinessTimeoutTransitionsToFailed(t *testing.T) {
	s := supervisor.New(zap.NewNop(), t.TempDir(), nil, testConfig())
	spec := supervisor.Spec{
		Name:          "never-ready",
		Path:          "/bin/sleep",
		Args:          []string{"5"},
		ReadinessKind: supervisor.ReadinessMarkerFile,
		MarkerPath:    filepath.Join(t.TempDir(), "never-created"),
		ReadyTimeout:  100 * time.Millisecond,
	}
	if err := s.Register(spec); err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop("never-ready", 0) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Start(ctx, "never-ready"); err == nil {
		t.Fatal("expected Start to fail when the readiness probe times out")
	}

	snap, err := s.Status("never-ready")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.State != procfsm.Failed {
		t.Fatalf("expected state Failed after a readiness timeout, got %s", snap.State)
	}
}

func TestStatusAll_ReturnsAllRegisteredProcesses(t *testing.T) {
	s := supervisor.New(zap.NewNop(), t.TempDir(), nil, testConfig())
	if err := s.Register(sleepSpec(t, "a", "1")); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if err := s.Register(sleepSpec(t, "b", "1")); err != nil {
		t.Fatalf("Register b: %v", err)
	}

	snaps := s.StatusAll()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
}

func TestQuarantine_PreventsManualRestartUntilCleared(t *testing.T) {
	s := supervisor.New(zap.NewNop(), t.TempDir(), nil, testConfig())
	if err := s.Register(sleepSpec(t, "echo-loop", "30")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Start(ctx, "echo-loop"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.Quarantine("echo-loop"); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}

	snap, err := s.Status("echo-loop")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.State != procfsm.Quarantined {
		t.Fatalf("expected state Quarantined, got %s", snap.State)
	}

	if err := s.Start(ctx, "echo-loop"); err == nil {
		t.Fatal("expected Start to fail while quarantined")
	}

	if err := s.ClearQuarantine("echo-loop"); err != nil {
		t.Fatalf("ClearQuarantine: %v", err)
	}
	if err := s.Start(ctx, "echo-loop"); err != nil {
		t.Fatalf("expected Start to succeed after ClearQuarantine, got: %v", err)
	}
	_ = s.Stop("echo-loop", 0)
}

func TestShutdown_StopsAllRegisteredProcesses(t *testing.T) {
	s := supervisor.New(zap.NewNop(), t.TempDir(), nil, testConfig())
	if err := s.Register(sleepSpec(t, "a", "30")); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if err := s.Register(sleepSpec(t, "b", "30")); err != nil {
		t.Fatalf("Register b: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Start(ctx, "a"); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	if err := s.Start(ctx, "b"); err != nil {
		t.Fatalf("Start b: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, name := range []string{"a", "b"} {
		snap, err := s.Status(name)
		if err != nil {
			t.Fatalf("Status(%s): %v", name, err)
		}
		if snap.State != procfsm.Stopped {
			t.Fatalf("expected %s to be Stopped after Shutdown, got %s", name, snap.State)
		}
	}
}

func TestProcessStates_ReportsStateByName(t *testing.T) {
	s := supervisor.New(zap.NewNop(), t.TempDir(), nil, testConfig())
	if err := s.Register(sleepSpec(t, "echo-loop", "1")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	states := s.ProcessStates()
	if states["echo-loop"] != procfsm.Stopped.String() {
		t.Fatalf("expected echo-loop=Stopped before Start, got %q", states["echo-loop"])
	}
}

func TestCheckReadiness_NonRunningProcessIsTriviallyReady(t *testing.T) {
	s := supervisor.New(zap.NewNop(), t.TempDir(), nil, testConfig())
	if err := s.Register(sleepSpec(t, "echo-loop", "1")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ok, err := s.CheckReadiness(context.Background(), "echo-loop")
	if err != nil {
		t.Fatalf("CheckReadiness: %v", err)
	}
	if !ok {
		t.Fatal("expected a Stopped process to be trivially reported ready")
	}
}

func TestCheckReadiness_RunningProcessWithNoReadinessKindPasses(t *testing.T) {
	s := supervisor.New(zap.NewNop(), t.TempDir(), nil, testConfig())
	if err := s.Register(sleepSpec(t, "echo-loop", "5")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Start(ctx, "echo-loop"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop("echo-loop", 0)

	ok, err := s.CheckReadiness(ctx, "echo-loop")
	if err != nil {
		t.Fatalf("CheckReadiness: %v", err)
	}
	if !ok {
		t.Fatal("expected ReadinessNone to always report ready")
	}
}

func TestCheckReadiness_UnknownProcessErrors(t *testing.T) {
	s := supervisor.New(zap.NewNop(), t.TempDir(), nil, testConfig())
	if _, err := s.CheckReadiness(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected an error for an unregistered process name")
	}
}

func TestLookup_UnknownProcessErrors(t *testing.T) {
	s := supervisor.New(zap.NewNop(), t.TempDir(), nil, testConfig())
	if _, err := s.Status("does-not-exist"); err == nil {
		t.Fatal("expected an error for an unregistered process name")
	}
}
