package httpapi_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/audit"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/httpapi"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/scheduler"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/supervisor"
)

type fakeSource struct {
	procs     []supervisor.Snapshot
	jobs      []scheduler.Snapshot
	events    []audit.Event
	tailErr   error
	lastFrom  uint64
}

func (f *fakeSource) StatusAll() ([]supervisor.Snapshot, []scheduler.Snapshot) {
	return f.procs, f.jobs
}

func (f *fakeSource) TailAudit(fromSeq uint64) ([]audit.Event, error) {
	f.lastFrom = fromSeq
	return f.events, f.tailErr
}

func TestHealthz_ReturnsOK(t *testing.T) {
	r := httpapi.NewRouter(&fakeSource{}, zap.NewNop(), nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("expected body %q, got %q", "ok", rec.Body.String())
	}
}

func TestStatus_ReturnsProcessesAndJobs(t *testing.T) {
	src := &fakeSource{
		procs: []supervisor.Snapshot{{Name: "echo-loop"}},
		jobs:  []scheduler.Snapshot{{Name: "enforcement"}},
	}
	r := httpapi.NewRouter(src, zap.NewNop(), nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Processes []supervisor.Snapshot `json:"processes"`
		Jobs      []scheduler.Snapshot  `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Processes) != 1 || body.Processes[0].Name != "echo-loop" {
		t.Fatalf("unexpected processes: %+v", body.Processes)
	}
}

func TestAudit_DefaultsFromSeqToZero(t *testing.T) {
	src := &fakeSource{}
	r := httpapi.NewRouter(src, zap.NewNop(), nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if src.lastFrom != 0 {
		t.Fatalf("expected default from_seq=0, got %d", src.lastFrom)
	}
}

func TestAudit_ParsesFromSeqQueryParam(t *testing.T) {
	src := &fakeSource{}
	r := httpapi.NewRouter(src, zap.NewNop(), nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/audit?from_seq=42", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if src.lastFrom != 42 {
		t.Fatalf("expected from_seq=42, got %d", src.lastFrom)
	}
}

func TestAudit_RejectsInvalidFromSeq(t *testing.T) {
	r := httpapi.NewRouter(&fakeSource{}, zap.NewNop(), nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/audit?from_seq=not-a-number", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAudit_PropagatesSourceError(t *testing.T) {
	src := &fakeSource{tailErr: errors.New("index unavailable")}
	r := httpapi.NewRouter(src, zap.NewNop(), nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRouter_RejectsMutatingMethodOnStatus(t *testing.T) {
	r := httpapi.NewRouter(&fakeSource{}, zap.NewNop(), nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code == http.StatusOK {
		t.Fatal("expected a non-200 response for POST on a GET-only route")
	}
}
