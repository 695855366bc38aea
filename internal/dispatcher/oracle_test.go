package dispatcher_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/dispatcher"
)

func TestHTTPOracle_RerankReturnsParsedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Utterance  string   `json:"utterance"`
			Candidates []string `json:"candidates"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("server: decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"intent_tag": "restart",
			"confidence": 0.91,
		})
	}))
	defer srv.Close()

	oracle := dispatcher.NewHTTPOracle(srv.URL, time.Second)
	tag, confidence, err := oracle.Rerank(context.Background(), "bounce the backend", []string{"restart", "stop"})
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if tag != "restart" {
		t.Fatalf("expected tag=restart, got %q", tag)
	}
	if confidence != 0.91 {
		t.Fatalf("expected confidence=0.91, got %v", confidence)
	}
}

func TestHTTPOracle_NonOKStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	oracle := dispatcher.NewHTTPOracle(srv.URL, time.Second)
	_, _, err := oracle.Rerank(context.Background(), "bounce the backend", []string{"restart"})
	if err == nil {
		t.Fatal("expected an error on a non-200 oracle response")
	}
}

func TestHTTPOracle_UnreachableServerReturnsError(t *testing.T) {
	oracle := dispatcher.NewHTTPOracle("http://127.0.0.1:1", 200*time.Millisecond)
	_, _, err := oracle.Rerank(context.Background(), "bounce the backend", []string{"restart"})
	if err == nil {
		t.Fatal("expected an error when the oracle endpoint is unreachable")
	}
}
