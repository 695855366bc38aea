package control_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/audit"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/control"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/dispatcher"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/scheduler"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/supervisor"
)

type fakeCore struct {
	shutdownCalled bool
	shutdownErr    error
	runOnceErr     error
	runOnceSev     string
	askErr         error
	askIntent      dispatcher.Intent
	tailEvents     []audit.Event
	tailErr        error
}

func (f *fakeCore) StatusAll() ([]supervisor.Snapshot, []scheduler.Snapshot) {
	return []supervisor.Snapshot{{Name: "echo-loop"}}, []scheduler.Snapshot{{Name: "enforcement"}}
}

func (f *fakeCore) Shutdown(ctx context.Context) error {
	f.shutdownCalled = true
	return f.shutdownErr
}

func (f *fakeCore) RunOnce(ctx context.Context, job string) (string, error) {
	return f.runOnceSev, f.runOnceErr
}

func (f *fakeCore) Ask(ctx context.Context, utterance string, confirmed bool) (dispatcher.Intent, error) {
	return f.askIntent, f.askErr
}

func (f *fakeCore) TailAudit(fromSeq uint64) ([]audit.Event, error) {
	return f.tailEvents, f.tailErr
}

func startTestServer(t *testing.T, core control.Core) (*control.Client, func()) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "control.sock")
	srv := control.NewServer(socketPath, core, zap.NewNop(), 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.ListenAndServe(ctx)

	client := control.NewClient(socketPath)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := client.Send(control.Request{Cmd: "status"}); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return client, cancel
}

func TestServer_StatusReturnsProcessesAndJobs(t *testing.T) {
	client, stop := startTestServer(t, &fakeCore{})
	defer stop()

	resp, err := client.Send(control.Request{Cmd: "status"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !resp.OK {
		t.Fatalf("expected OK=true, got error=%q", resp.Error)
	}
	if len(resp.Processes) != 1 || resp.Processes[0].Name != "echo-loop" {
		t.Fatalf("unexpected processes: %+v", resp.Processes)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].Name != "enforcement" {
		t.Fatalf("unexpected jobs: %+v", resp.Jobs)
	}
}

func TestServer_RunOnceReturnsSeverity(t *testing.T) {
	client, stop := startTestServer(t, &fakeCore{runOnceSev: "violation"})
	defer stop()

	resp, err := client.Send(control.Request{Cmd: "run_once", Job: "enforcement"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !resp.OK || resp.Severity != "violation" {
		t.Fatalf("expected OK=true severity=violation, got OK=%v severity=%q", resp.OK, resp.Severity)
	}
}

func TestServer_RunOnceRequiresJobName(t *testing.T) {
	client, stop := startTestServer(t, &fakeCore{})
	defer stop()

	resp, err := client.Send(control.Request{Cmd: "run_once"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.OK || resp.Error == "" {
		t.Fatal("expected an error response when job is omitted")
	}
}

func TestServer_RunOncePropagatesCoreError(t *testing.T) {
	client, stop := startTestServer(t, &fakeCore{runOnceErr: errors.New("job not found")})
	defer stop()

	resp, err := client.Send(control.Request{Cmd: "run_once", Job: "bogus"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.OK {
		t.Fatal("expected OK=false when the core returns an error")
	}
}

func TestServer_AskUnknownIntentIsNotOK(t *testing.T) {
	client, stop := startTestServer(t, &fakeCore{askIntent: dispatcher.Intent{IntentTag: "unknown"}})
	defer stop()

	resp, err := client.Send(control.Request{Cmd: "ask", Utterance: "banana"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.OK {
		t.Fatal("expected OK=false for an unknown intent")
	}
	if resp.Intent == nil || resp.Intent.IntentTag != "unknown" {
		t.Fatalf("expected intent view with tag=unknown, got %+v", resp.Intent)
	}
}

func TestServer_AskRequiresUtterance(t *testing.T) {
	client, stop := startTestServer(t, &fakeCore{})
	defer stop()

	resp, err := client.Send(control.Request{Cmd: "ask"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.OK {
		t.Fatal("expected an error response when utterance is omitted")
	}
}

func TestServer_TailAuditReturnsEvents(t *testing.T) {
	events := []audit.Event{{Seq: 1, Kind: audit.KindCommand}}
	client, stop := startTestServer(t, &fakeCore{tailEvents: events})
	defer stop()

	resp, err := client.Send(control.Request{Cmd: "tail_audit", FromSeq: 0})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !resp.OK || len(resp.Events) != 1 || resp.Events[0].Seq != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServer_UnknownCommandErrors(t *testing.T) {
	client, stop := startTestServer(t, &fakeCore{})
	defer stop()

	resp, err := client.Send(control.Request{Cmd: "not-a-real-command"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.OK {
		t.Fatal("expected an error response for an unknown command")
	}
}

func TestServer_ShutdownInvokesCore(t *testing.T) {
	core := &fakeCore{}
	client, stop := startTestServer(t, core)
	defer stop()

	resp, err := client.Send(control.Request{Cmd: "shutdown"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !resp.OK {
		t.Fatalf("expected OK=true, got error=%q", resp.Error)
	}
	if !core.shutdownCalled {
		t.Fatal("expected core.Shutdown to have been called")
	}
}

func TestServer_ShutdownInvokesShutdownFn(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "control.sock")
	invoked := make(chan struct{}, 1)
	srv := control.NewServer(socketPath, &fakeCore{}, zap.NewNop(), 4, func() { invoked <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx)

	client := control.NewClient(socketPath)
	deadline := time.Now().Add(2 * time.Second)
	var resp control.Response
	var err error
	for time.Now().Before(deadline) {
		resp, err = client.Send(control.Request{Cmd: "status"})
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err = client.Send(control.Request{Cmd: "shutdown"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !resp.OK {
		t.Fatalf("expected OK=true, got error=%q", resp.Error)
	}
	select {
	case <-invoked:
	case <-time.After(time.Second):
		t.Fatal("expected shutdownFn to be invoked after a successful shutdown command")
	}
}

func TestServer_HandlesSequentialConnectionsUnderMaxConnections(t *testing.T) {
	client, stop := startTestServer(t, &fakeCore{})
	defer stop()

	for i := 0; i < 5; i++ {
		resp, err := client.Send(control.Request{Cmd: "status"})
		if err != nil {
			t.Fatalf("request %d: Send: %v", i, err)
		}
		if !resp.OK {
			t.Fatalf("request %d: expected OK=true, got error=%q", i, resp.Error)
		}
	}
}
