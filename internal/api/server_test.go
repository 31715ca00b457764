package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"routegate/internal/config"
	"routegate/internal/contextstore"
	"routegate/internal/domain"
	"routegate/internal/intent"
	"routegate/internal/metrics"
	"routegate/internal/orchestrator"
	"routegate/internal/provider"
	"routegate/internal/resilience"
	"routegate/internal/routing"
)

type stubRouter struct{ err error }

func (r *stubRouter) Route(domain.TaskContext) (*domain.RouteDecision, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &domain.RouteDecision{
		Primary:    domain.ModelLlama8B,
		Confidence: 80,
	}, nil
}

func (r *stubRouter) Stats() routing.Analytics { return routing.Analytics{TotalDecisions: 3} }

type stubExecutor struct{ err error }

func (e *stubExecutor) Execute(ctx context.Context, decision *domain.RouteDecision, req *domain.LLMRequest) (*resilience.Result, error) {
	if e.err != nil {
		return nil, e.err
	}
	return &resilience.Result{
		Response: &domain.ProviderResult{Content: "completion text", FinishReason: "stop"},
		Model:    domain.ModelLlama8B,
		Cost:     0.001,
	}, nil
}

type stubClassifier struct{}

func (stubClassifier) Classify(text string, sig intent.Signals) *domain.ClassificationResult {
	return &domain.ClassificationResult{
		Primary: domain.Intent{
			Type:       domain.TaskGeneralQuery,
			Agent:      domain.AgentNavigator,
			Confidence: 0.8,
		},
		Confidence: 0.8,
	}
}

type stubAggregator struct{}

func (stubAggregator) Record(domain.PerformanceMetric)  {}
func (stubAggregator) SuccessRate(domain.Model) float64 { return 100 }
func (stubAggregator) Summarize() metrics.Summary       { return metrics.Summary{RequestsLastHour: 5} }

type stubAlerts struct{}

func (stubAlerts) Active() []domain.Alert { return nil }

type stubProviders struct{}

func (stubProviders) Snapshot() []provider.Status {
	return []provider.Status{{Name: "nim", Healthy: true}}
}

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, it domain.Intent, snapshot domain.ContextSnapshot, userText string) (*domain.GeneratedResponse, error) {
	return &domain.GeneratedResponse{Content: "chat reply", Confidence: 0.8}, nil
}

func newTestServer(t *testing.T, mutate func(*orchestrator.Deps)) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps := orchestrator.Deps{
		Classifier: stubClassifier{},
		Router:     &stubRouter{},
		Executor:   &stubExecutor{},
		Contexts:   contextstore.New(config.Default().Context, domain.SystemClock{}, logger),
		Aggregator: stubAggregator{},
		Alerts:     stubAlerts{},
		Providers:  stubProviders{},
		Generator:  stubGenerator{},
		Clock:      domain.SystemClock{},
		Logger:     logger,
		Config:     config.Default().Orchestrator,
		Streaming:  config.Default().Performance.Streaming,
	}
	if mutate != nil {
		mutate(&deps)
	}
	svc := orchestrator.New(deps)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})

	api := NewServer(":0", svc, logger)
	srv := httptest.NewServer(api.http.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func completionBody() *bytes.Buffer {
	raw, _ := json.Marshal(domain.LLMRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hello"}},
		Task: domain.TaskContext{
			Type:  domain.TaskGeneralQuery,
			Agent: domain.AgentNavigator,
			Tier:  domain.TierFree,
		},
	})
	return bytes.NewBuffer(raw)
}

func TestHandleComplete(t *testing.T) {
	t.Run("returns the enriched response", func(t *testing.T) {
		srv := newTestServer(t, nil)

		resp, err := http.Post(srv.URL+"/v1/completions", "application/json", completionBody())
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200, got %d", resp.StatusCode)
		}

		var out domain.LLMResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		if out.Content != "completion text" {
			t.Errorf("Expected the completion content, got %q", out.Content)
		}
		if out.Model != domain.ModelLlama8B {
			t.Errorf("Expected LLAMA_8B, got %s", out.Model)
		}
	})

	t.Run("malformed body is a 400", func(t *testing.T) {
		srv := newTestServer(t, nil)

		resp, err := http.Post(srv.URL+"/v1/completions", "application/json", strings.NewReader("{not json"))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("upstream failure maps onto the status code", func(t *testing.T) {
		srv := newTestServer(t, func(d *orchestrator.Deps) {
			d.Executor = &stubExecutor{err: domain.NewError(domain.ErrRateLimit, "slow down")}
		})

		resp, err := http.Post(srv.URL+"/v1/completions", "application/json", completionBody())
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusTooManyRequests {
			t.Errorf("Expected 429, got %d", resp.StatusCode)
		}

		var body struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Error.Kind != string(domain.ErrRateLimit) {
			t.Errorf("Expected RATE_LIMIT in the body, got %s", body.Error.Kind)
		}
	})

	t.Run("wrong method is a 405", func(t *testing.T) {
		srv := newTestServer(t, nil)

		resp, err := http.Get(srv.URL + "/v1/completions")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("Expected 405, got %d", resp.StatusCode)
		}
	})
}

func TestHandleCompleteStream(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/v1/completions/stream", "application/json", completionBody())
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Expected ndjson content type, got %s", ct)
	}

	var lines []map[string]any
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("Line did not decode: %v", err)
		}
		lines = append(lines, line)
	}
	if len(lines) < 2 {
		t.Fatalf("Expected delta lines plus a terminal line, got %d", len(lines))
	}

	var assembled strings.Builder
	for _, line := range lines[:len(lines)-1] {
		delta, _ := line["delta"].(string)
		assembled.WriteString(delta)
	}
	if assembled.String() != "completion text" {
		t.Errorf("Expected the deltas to reassemble, got %q", assembled.String())
	}

	last := lines[len(lines)-1]
	if done, _ := last["done"].(bool); !done {
		t.Error("Expected the final line marked done")
	}
	if last["response"] == nil {
		t.Error("Expected the full response on the final line")
	}
}

func TestHandleChat(t *testing.T) {
	t.Run("full turn", func(t *testing.T) {
		srv := newTestServer(t, nil)

		raw, _ := json.Marshal(map[string]string{
			"session_id": "s1",
			"user_id":    "u1",
			"message":    "find me jobs",
		})
		resp, err := http.Post(srv.URL+"/v1/chat", "application/json", bytes.NewBuffer(raw))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200, got %d", resp.StatusCode)
		}

		var out domain.ChatResult
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		if out.Response.Content != "chat reply" {
			t.Errorf("Expected the generated reply, got %q", out.Response.Content)
		}
		if out.Metadata.SessionID != "s1" {
			t.Errorf("Expected session s1, got %s", out.Metadata.SessionID)
		}
	})

	t.Run("missing session is a 400", func(t *testing.T) {
		srv := newTestServer(t, nil)

		raw, _ := json.Marshal(map[string]string{"message": "hi"})
		resp, err := http.Post(srv.URL+"/v1/chat", "application/json", bytes.NewBuffer(raw))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestHandleStats(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/v1/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var stats orchestrator.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Performance.RequestsLastHour != 5 {
		t.Errorf("Expected the aggregator summary, got %+v", stats.Performance)
	}
	if len(stats.Providers) != 1 || !stats.Providers[0].Healthy {
		t.Errorf("Expected a healthy provider, got %v", stats.Providers)
	}
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", domain.NewError(domain.ErrValidation, "bad"), http.StatusBadRequest},
		{"not found", domain.NewError(domain.ErrNotFound, "missing"), http.StatusNotFound},
		{"auth", domain.NewError(domain.ErrAuth, "denied"), http.StatusUnauthorized},
		{"rate limit", domain.NewError(domain.ErrRateLimit, "slow down"), http.StatusTooManyRequests},
		{"timeout", domain.NewError(domain.ErrTimeout, "too slow"), http.StatusGatewayTimeout},
		{"unavailable", domain.NewError(domain.ErrServiceUnavailable, "down"), http.StatusServiceUnavailable},
		{"server", domain.NewError(domain.ErrServer, "boom"), http.StatusInternalServerError},
		{"queue full", domain.WrapError(domain.ErrServiceUnavailable, domain.ErrQueueFull, "full"), http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, tt.err)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}
