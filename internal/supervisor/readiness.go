package supervisor

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sethgrid/pester"
	"github.com/sony/gobreaker"
)

// httpProbeBreaker guards HTTP readiness probes against a single
// persistently-unreachable process from stalling every readiness check
// behind retry backoff; once tripped it fails fast until the cooldown
// elapses.
var httpProbeBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
	Name:        "readiness-http-probe",
	MaxRequests: 1,
	Timeout:     30 * time.Second,
	ReadyToTrip: func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures > 5
	},
})

// probeReady polls spec's readiness mechanism until it succeeds or ctx is
// done. Returns false on timeout.
func probeReady(ctx context.Context, spec Spec) bool {
	switch spec.ReadinessKind {
	case ReadinessNone:
		return true
	case ReadinessTCP:
		return pollUntil(ctx, func() bool { return tcpReady(spec.ReadinessAddr) })
	case ReadinessHTTP:
		return pollUntil(ctx, func() bool { return httpReady(spec.ReadinessAddr) })
	case ReadinessMarkerFile:
		return pollUntil(ctx, func() bool { return markerReady(spec.MarkerPath) })
	default:
		return true
	}
}

func pollUntil(ctx context.Context, check func() bool) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if check() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func tcpReady(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func httpReady(url string) bool {
	client := pester.New()
	client.MaxRetries = 2
	client.Backoff = pester.ExponentialBackoff
	client.Timeout = 2 * time.Second

	result, err := httpProbeBreaker.Execute(func() (any, error) {
		resp, err := client.Get(url)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return resp.StatusCode, nil
	})
	if err != nil {
		return false
	}
	code, _ := result.(int)
	return code == http.StatusOK
}

func markerReady(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
