package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sethgrid/pester"
	"github.com/sony/gobreaker"
)

// HTTPOracle consults an optional external re-ranking service to improve
// confidence on ambiguous utterances. It is consulted only as a
// confidence booster for already-computed candidates — no core dispatch
// behavior depends on its availability, and a tripped breaker or network
// failure simply falls back to the locally-computed Intent.
type HTTPOracle struct {
	url     string
	client  *pester.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPOracle builds an HTTPOracle against url with the given per-call
// timeout.
func NewHTTPOracle(url string, timeout time.Duration) *HTTPOracle {
	client := pester.New()
	client.MaxRetries = 2
	client.Backoff = pester.ExponentialBackoff
	client.Timeout = timeout

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dispatcher-oracle",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})

	return &HTTPOracle{url: url, client: client, breaker: breaker}
}

type oracleRequest struct {
	Utterance  string   `json:"utterance"`
	Candidates []string `json:"candidates"`
}

type oracleResponse struct {
	IntentTag  string  `json:"intent_tag"`
	Confidence float64 `json:"confidence"`
}

// Rerank implements Oracle.
func (o *HTTPOracle) Rerank(ctx context.Context, utterance string, candidates []string) (string, float64, error) {
	body, err := json.Marshal(oracleRequest{Utterance: utterance, Candidates: candidates})
	if err != nil {
		return "", 0, fmt.Errorf("dispatcher.HTTPOracle: marshal request: %w", err)
	}

	result, err := o.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := o.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("dispatcher.HTTPOracle: unexpected status %d", resp.StatusCode)
		}

		var out oracleResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return "", 0, err
	}
	out := result.(oracleResponse)
	return out.IntentTag, out.Confidence, nil
}
