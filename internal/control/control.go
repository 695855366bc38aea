// Package control implements the operator control protocol: JSON
// requests and responses over a Unix domain socket,
// letting the "umcc" CLI talk to an already-running "umcc up" instance.
//
// Protocol: one JSON request per connection, one JSON response, then the
// connection closes. Socket path defaults to /run/umcc/control.sock,
// created with 0600 permissions.
//
// Commands (JSON request -> JSON response):
//
//	{"cmd":"status"}
//	  -> Snapshots of every managed process and scheduled job.
//	  -> {"ok":true,"processes":[...],"jobs":[...]}
//
//	{"cmd":"shutdown"}
//	  -> Stops every managed process in reverse registration order and
//	     signals the running instance to exit.
//	  -> {"ok":true}
//
//	{"cmd":"run_once","job":"nightly-audit-compaction"}
//	  -> Fires the named job immediately, outside its schedule, and
//	     blocks for the result. severity is set only for "enforcement".
//	  -> {"ok":true,"severity":"pass"} or {"ok":false,"error":"..."}
//
//	{"cmd":"ask","utterance":"build everything","confirm":false}
//	  -> Resolves an utterance to an Intent via the NL Dispatcher.
//	  -> {"ok":true,"intent":{"intent_tag":"build", ...}}
//
//	{"cmd":"tail_audit","from_seq":104}
//	  -> Returns every audit event with seq > from_seq.
//	  -> {"ok":true,"events":[...]}
//
// Security: socket is 0600, connections are bounded by a semaphore, and
// every request is logged at Info level before dispatch.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/audit"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/dispatcher"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/scheduler"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/supervisor"
)

const (
	maxRequestBytes = 4096
	connTimeout     = 10 * time.Second
)

// Core is the subset of the running instance's components the control
// protocol dispatches against. cmd/umcc's wiring satisfies this directly
// against its live Supervisor/Scheduler/Dispatcher/Audit instances.
type Core interface {
	StatusAll() ([]supervisor.Snapshot, []scheduler.Snapshot)
	Shutdown(ctx context.Context) error
	// RunOnce fires job immediately. severity is the resulting verdict's
	// severity string ("pass"|"warn"|"violation"|"dissolution") when job
	// produces one (the "enforcement" job); empty for jobs that don't.
	RunOnce(ctx context.Context, job string) (severity string, err error)
	Ask(ctx context.Context, utterance string, confirmed bool) (dispatcher.Intent, error)
	TailAudit(fromSeq uint64) ([]audit.Event, error)
}

// Request is the JSON structure for control commands.
type Request struct {
	Cmd       string `json:"cmd"` // status | shutdown | run_once | ask | tail_audit
	Job       string `json:"job,omitempty"`
	Utterance string `json:"utterance,omitempty"`
	Confirm   bool   `json:"confirm,omitempty"`
	FromSeq   uint64 `json:"from_seq,omitempty"`
}

// intentView is the JSON-safe projection of a dispatcher.Intent (the
// ResolvedOp field is a live interface value and is deliberately omitted).
type intentView struct {
	IntentTag      string            `json:"intent_tag"`
	Entities       map[string]string `json:"entities,omitempty"`
	Confidence     float64           `json:"confidence"`
	RequiredAction bool              `json:"required_action"`
	Resolved       bool              `json:"resolved"`
}

// Response is the JSON structure for control command responses.
type Response struct {
	OK        bool                   `json:"ok"`
	Error     string                 `json:"error,omitempty"`
	Processes []supervisor.Snapshot  `json:"processes,omitempty"`
	Jobs      []scheduler.Snapshot   `json:"jobs,omitempty"`
	Intent    *intentView            `json:"intent,omitempty"`
	Events    []audit.Event          `json:"events,omitempty"`
	Severity  string                 `json:"severity,omitempty"`
}

// Server is the control Unix domain socket server.
type Server struct {
	socketPath string
	core       Core
	log        *zap.Logger
	sem        chan struct{}
	shutdownFn func()
}

// NewServer creates a control Server. shutdownFn, if non-nil, is invoked
// after a successful "shutdown" command returns, letting the caller stop
// ListenAndServe's own listener/accept loop from outside.
func NewServer(socketPath string, core Core, log *zap.Logger, maxConns int, shutdownFn func()) *Server {
	if maxConns <= 0 {
		maxConns = 4
	}
	return &Server{
		socketPath: socketPath,
		core:       core,
		log:        log,
		sem:        make(chan struct{}, maxConns),
		shutdownFn: shutdownFn,
	}
}

// ListenAndServe binds the control socket and serves until ctx is
// cancelled. Removes any stale socket file before binding.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("control: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("control: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("control socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("control: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("control: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("control: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{Error: "invalid JSON: " + err.Error()})
		return
	}

	s.log.Info("control: dispatching command", zap.String("cmd", req.Cmd))
	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus()
	case "shutdown":
		return s.cmdShutdown(ctx)
	case "run_once":
		return s.cmdRunOnce(ctx, req)
	case "ask":
		return s.cmdAsk(ctx, req)
	case "tail_audit":
		return s.cmdTailAudit(req)
	default:
		return Response{Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus() Response {
	procs, jobs := s.core.StatusAll()
	return Response{OK: true, Processes: procs, Jobs: jobs}
}

func (s *Server) cmdShutdown(ctx context.Context) Response {
	if err := s.core.Shutdown(ctx); err != nil {
		return Response{Error: err.Error()}
	}
	if s.shutdownFn != nil {
		go s.shutdownFn()
	}
	return Response{OK: true}
}

func (s *Server) cmdRunOnce(ctx context.Context, req Request) Response {
	if req.Job == "" {
		return Response{Error: "job required for run_once"}
	}
	sev, err := s.core.RunOnce(ctx, req.Job)
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true, Severity: sev}
}

func (s *Server) cmdAsk(ctx context.Context, req Request) Response {
	if req.Utterance == "" {
		return Response{Error: "utterance required for ask"}
	}
	in, err := s.core.Ask(ctx, req.Utterance, req.Confirm)
	if err != nil {
		return Response{Error: err.Error()}
	}
	view := &intentView{
		IntentTag:      in.IntentTag,
		Entities:       in.Entities,
		Confidence:     in.Confidence,
		RequiredAction: in.RequiredAction,
		Resolved:       in.ResolvedOp != nil,
	}
	return Response{OK: in.IntentTag != "unknown", Intent: view}
}

func (s *Server) cmdTailAudit(req Request) Response {
	events, err := s.core.TailAudit(req.FromSeq)
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true, Events: events}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
