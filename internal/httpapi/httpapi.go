// Package httpapi exposes a read-only HTTP mirror of the control socket's
// status and audit-tail commands, for operators who prefer curl/browser
// access over the Unix socket protocol. It never accepts mutating
// commands (shutdown, run_once, ask) — those stay control-socket-only,
// reachable only to local operators with filesystem access to the
// socket.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/audit"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/scheduler"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/supervisor"
)

// StatusSource is the read-only subset of control.Core this API mirrors.
type StatusSource interface {
	StatusAll() ([]supervisor.Snapshot, []scheduler.Snapshot)
	TailAudit(fromSeq uint64) ([]audit.Event, error)
}

// statusResponse is the JSON body for GET /v1/status.
type statusResponse struct {
	Processes []supervisor.Snapshot `json:"processes"`
	Jobs      []scheduler.Snapshot  `json:"jobs"`
}

// auditResponse is the JSON body for GET /v1/audit.
type auditResponse struct {
	Events []audit.Event `json:"events"`
}

// NewRouter builds the chi router for the read-only status API.
func NewRouter(source StatusSource, log *zap.Logger, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			procs, jobs := source.StatusAll()
			writeJSON(w, log, http.StatusOK, statusResponse{Processes: procs, Jobs: jobs})
		})

		r.Get("/audit", func(w http.ResponseWriter, req *http.Request) {
			fromSeq := uint64(0)
			if raw := req.URL.Query().Get("from_seq"); raw != "" {
				v, err := strconv.ParseUint(raw, 10, 64)
				if err != nil {
					http.Error(w, "invalid from_seq", http.StatusBadRequest)
					return
				}
				fromSeq = v
			}
			events, err := source.TailAudit(fromSeq)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, log, http.StatusOK, auditResponse{Events: events})
		})
	})

	return r
}

// Serve runs the HTTP API on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, log *zap.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("httpapi: failed to encode response", zap.Error(err))
	}
}
