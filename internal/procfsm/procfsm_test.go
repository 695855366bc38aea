package procfsm_test

import (
	"testing"
	"time"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/procfsm"
)

func TestNew_StartsStopped(t *testing.T) {
	f := procfsm.New("echo-loop")
	if f.Current() != procfsm.Stopped {
		t.Fatalf("expected initial state Stopped, got %s", f.Current())
	}
}

func TestTransition_FollowsHappyPath(t *testing.T) {
	f := procfsm.New("echo-loop")
	path := []procfsm.State{procfsm.Starting, procfsm.Ready, procfsm.Running, procfsm.Exiting, procfsm.Stopped}
	for _, target := range path {
		if err := f.Transition(target); err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
	}
	if f.Current() != procfsm.Stopped {
		t.Fatalf("expected final state Stopped, got %s", f.Current())
	}
}

func TestTransition_RejectsIllegalEdge(t *testing.T) {
	f := procfsm.New("echo-loop")
	if err := f.Transition(procfsm.Running); err == nil {
		t.Fatal("expected an error transitioning directly from Stopped to Running")
	}
	if f.Current() != procfsm.Stopped {
		t.Fatalf("expected state to remain Stopped after a rejected transition, got %s", f.Current())
	}
}

func TestTransition_RunningCanReachQuarantined(t *testing.T) {
	f := procfsm.New("echo-loop")
	for _, target := range []procfsm.State{procfsm.Starting, procfsm.Ready, procfsm.Running} {
		if err := f.Transition(target); err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
	}
	if err := f.Transition(procfsm.Quarantined); err != nil {
		t.Fatalf("expected Running -> Quarantined to be legal, got %v", err)
	}
	if err := f.Transition(procfsm.Stopped); err != nil {
		t.Fatalf("expected Quarantined -> Stopped to be legal, got %v", err)
	}
}

func TestTransition_QuarantinedOnlyLeavesViaStopped(t *testing.T) {
	f := procfsm.New("echo-loop")
	f.Force(procfsm.Quarantined)
	if err := f.Transition(procfsm.Running); err == nil {
		t.Fatal("expected Quarantined -> Running to be illegal")
	}
	if err := f.Transition(procfsm.Stopped); err != nil {
		t.Fatalf("expected Quarantined -> Stopped to be legal, got %v", err)
	}
}

func TestTransition_FailedCanRestartViaStarting(t *testing.T) {
	f := procfsm.New("echo-loop")
	f.Force(procfsm.Failed)
	if err := f.Transition(procfsm.Starting); err != nil {
		t.Fatalf("expected Failed -> Starting to be legal (restart), got %v", err)
	}
}

func TestForce_BypassesLegalEdgeCheck(t *testing.T) {
	f := procfsm.New("echo-loop")
	f.Force(procfsm.Running)
	if f.Current() != procfsm.Running {
		t.Fatalf("expected Force to set state unconditionally, got %s", f.Current())
	}
}

func TestTimeInState_ResetsOnTransition(t *testing.T) {
	f := procfsm.New("echo-loop")
	time.Sleep(5 * time.Millisecond)
	before := f.TimeInState()
	if err := f.Transition(procfsm.Starting); err != nil {
		t.Fatalf("transition: %v", err)
	}
	after := f.TimeInState()
	if after >= before {
		t.Fatalf("expected TimeInState to reset after a transition, before=%s after=%s", before, after)
	}
}

func TestState_StringIsHumanReadable(t *testing.T) {
	if procfsm.Running.String() != "Running" {
		t.Fatalf("expected String()=Running, got %q", procfsm.Running.String())
	}
}
