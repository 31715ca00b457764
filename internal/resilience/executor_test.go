package resilience

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"routegate/internal/domain"
)

// scriptedPool returns canned outcomes per model. A model's script is
// consumed one entry per call; past the end the last entry repeats.
type scriptedPool struct {
	mu        sync.Mutex
	scripts   map[domain.Model][]poolOutcome
	calls     map[domain.Model]int
	unhealthy map[domain.Model]bool
}

type poolOutcome struct {
	result *domain.ProviderResult
	err    error
}

func newScriptedPool() *scriptedPool {
	return &scriptedPool{
		scripts:   make(map[domain.Model][]poolOutcome),
		calls:     make(map[domain.Model]int),
		unhealthy: make(map[domain.Model]bool),
	}
}

func (p *scriptedPool) script(m domain.Model, outcomes ...poolOutcome) {
	p.scripts[m] = outcomes
}

func (p *scriptedPool) Complete(ctx context.Context, m domain.Model, req *domain.LLMRequest) (*domain.ProviderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[m]++
	script := p.scripts[m]
	if len(script) == 0 {
		return nil, domain.NewError(domain.ErrNotFound, "no script for model %s", m)
	}
	idx := p.calls[m] - 1
	if idx >= len(script) {
		idx = len(script) - 1
	}
	out := script[idx]
	return out.result, out.err
}

func (p *scriptedPool) Healthy(m domain.Model) bool { return !p.unhealthy[m] }

func (p *scriptedPool) callCount(m domain.Model) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[m]
}

type recordingSink struct {
	mu      sync.Mutex
	records []domain.PerformanceMetric
}

func (s *recordingSink) Record(m domain.PerformanceMetric) {
	s.mu.Lock()
	s.records = append(s.records, m)
	s.mu.Unlock()
}

func (s *recordingSink) byModel(m domain.Model) []domain.PerformanceMetric {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PerformanceMetric
	for _, r := range s.records {
		if r.Model == m {
			out = append(out, r)
		}
	}
	return out
}

type flatCoster struct{ per1K float64 }

func (c flatCoster) CostOf(m domain.Model, tokens int) float64 {
	return float64(tokens) / 1000 * c.per1K
}

func ok(content string, tokens int) poolOutcome {
	return poolOutcome{result: &domain.ProviderResult{
		Content:      content,
		Usage:        domain.Usage{TotalTokens: tokens},
		FinishReason: "stop",
	}}
}

func fail(kind domain.ErrorKind) poolOutcome {
	return poolOutcome{err: &domain.Error{Kind: kind, Message: "scripted failure"}}
}

func testExecutor(pool *scriptedPool, clock *fakeClock, sink *recordingSink) (*Executor, *BreakerSet) {
	breakers := NewBreakerSet(5, time.Minute, clock)
	cfg := Config{
		MaxRetries:       2,
		BackoffBase:      100 * time.Millisecond,
		BackoffMax:       time.Second,
		Jitter:           false,
		RateLimitWaitCap: 5 * time.Second,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(pool, breakers, sink, flatCoster{per1K: 0.001}, clock, cfg, logger), breakers
}

func decision(primary domain.Model, fallbacks ...domain.Model) *domain.RouteDecision {
	return &domain.RouteDecision{Primary: primary, Fallbacks: fallbacks}
}

func request() *domain.LLMRequest {
	return &domain.LLMRequest{
		RequestID: "req-1",
		Messages:  []domain.ChatMessage{{Role: domain.RoleUser, Content: "hello"}},
		Task:      domain.TaskContext{Type: domain.TaskGeneralQuery, Complexity: domain.ComplexityLow},
	}
}

func TestExecutorPrimarySuccess(t *testing.T) {
	pool := newScriptedPool()
	pool.script(domain.ModelLlama8B, ok("answer", 500))
	sink := &recordingSink{}
	exec, _ := testExecutor(pool, newFakeClock(), sink)

	result, err := exec.Execute(context.Background(), decision(domain.ModelLlama8B, domain.ModelMistral7B), request())
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Model != domain.ModelLlama8B {
		t.Errorf("Expected primary model, got %s", result.Model)
	}
	if result.FallbackUsed {
		t.Error("Expected no fallback on primary success")
	}
	if result.RetryCount != 0 {
		t.Errorf("Expected 0 retries, got %d", result.RetryCount)
	}
	if want := 500.0 / 1000 * 0.001; result.Cost != want {
		t.Errorf("Expected cost %.6f, got %.6f", want, result.Cost)
	}
	if pool.callCount(domain.ModelMistral7B) != 0 {
		t.Error("Fallback model was called despite primary success")
	}

	records := sink.byModel(domain.ModelLlama8B)
	if len(records) != 1 || !records[0].Success {
		t.Errorf("Expected one success metric for the primary, got %v", records)
	}
}

func TestExecutorFallbackChain(t *testing.T) {
	t.Run("falls through to second fallback", func(t *testing.T) {
		pool := newScriptedPool()
		pool.script(domain.ModelLlama70B, fail(domain.ErrServer), fail(domain.ErrServer), fail(domain.ErrServer))
		pool.script(domain.ModelMistral7B, fail(domain.ErrAuth))
		pool.script(domain.ModelLlama8B, ok("recovered", 300))
		sink := &recordingSink{}
		exec, _ := testExecutor(pool, newFakeClock(), sink)

		result, err := exec.Execute(context.Background(),
			decision(domain.ModelLlama70B, domain.ModelMistral7B, domain.ModelLlama8B), request())
		if err != nil {
			t.Fatalf("Execute returned error: %v", err)
		}
		if result.Model != domain.ModelLlama8B {
			t.Errorf("Expected final fallback to serve, got %s", result.Model)
		}
		if !result.FallbackUsed {
			t.Error("Expected FallbackUsed to be set")
		}
		// Primary: initial + 2 retries; auth error on first fallback is not retried.
		if result.RetryCount != 4 {
			t.Errorf("Expected 4 accumulated retries, got %d", result.RetryCount)
		}
		want := []domain.Model{domain.ModelLlama70B, domain.ModelMistral7B, domain.ModelLlama8B}
		if len(result.Attempted) != len(want) {
			t.Fatalf("Expected %d attempted models, got %v", len(want), result.Attempted)
		}
		for i, m := range want {
			if result.Attempted[i] != m {
				t.Errorf("Attempted[%d]: expected %s, got %s", i, m, result.Attempted[i])
			}
		}
	})

	t.Run("exhausted chain returns the last error", func(t *testing.T) {
		pool := newScriptedPool()
		pool.script(domain.ModelLlama70B, fail(domain.ErrServer))
		pool.script(domain.ModelMistral7B, fail(domain.ErrNetwork))
		sink := &recordingSink{}
		exec, _ := testExecutor(pool, newFakeClock(), sink)

		_, err := exec.Execute(context.Background(),
			decision(domain.ModelLlama70B, domain.ModelMistral7B), request())
		if err == nil {
			t.Fatal("Expected error after exhausting the chain")
		}
		if domain.KindOf(err) != domain.ErrNetwork {
			t.Errorf("Expected last error NETWORK_ERROR, got %s", domain.KindOf(err))
		}
	})

	t.Run("exhaustion is flagged only on the terminal failure", func(t *testing.T) {
		pool := newScriptedPool()
		pool.script(domain.ModelLlama70B, fail(domain.ErrAuth))
		pool.script(domain.ModelMistral7B, fail(domain.ErrAuth))
		pool.script(domain.ModelLlama8B, fail(domain.ErrAuth))
		sink := &recordingSink{}
		exec, _ := testExecutor(pool, newFakeClock(), sink)

		_, err := exec.Execute(context.Background(),
			decision(domain.ModelLlama70B, domain.ModelMistral7B, domain.ModelLlama8B), request())
		if err == nil {
			t.Fatal("Expected error after exhausting the chain")
		}

		sink.mu.Lock()
		defer sink.mu.Unlock()
		flagged := 0
		for _, rec := range sink.records {
			if rec.ChainExhausted {
				flagged++
				if rec.Model != domain.ModelLlama8B {
					t.Errorf("Expected the last fallback flagged, got %s", rec.Model)
				}
			}
		}
		if flagged != 1 {
			t.Errorf("Expected exactly 1 exhaustion-flagged metric, got %d", flagged)
		}
	})

	t.Run("recovery on a later fallback never flags exhaustion", func(t *testing.T) {
		pool := newScriptedPool()
		pool.script(domain.ModelLlama70B, fail(domain.ErrAuth))
		pool.script(domain.ModelMistral7B, fail(domain.ErrAuth))
		pool.script(domain.ModelLlama8B, ok("recovered", 100))
		sink := &recordingSink{}
		exec, _ := testExecutor(pool, newFakeClock(), sink)

		if _, err := exec.Execute(context.Background(),
			decision(domain.ModelLlama70B, domain.ModelMistral7B, domain.ModelLlama8B), request()); err != nil {
			t.Fatalf("Execute returned error: %v", err)
		}

		sink.mu.Lock()
		defer sink.mu.Unlock()
		for _, rec := range sink.records {
			if rec.ChainExhausted {
				t.Errorf("Failed intermediate attempt flagged as exhaustion: %+v", rec)
			}
		}
	})

	t.Run("single model chains are never exhaustion", func(t *testing.T) {
		pool := newScriptedPool()
		pool.script(domain.ModelLlama8B, fail(domain.ErrAuth))
		sink := &recordingSink{}
		exec, _ := testExecutor(pool, newFakeClock(), sink)

		if _, err := exec.Execute(context.Background(), decision(domain.ModelLlama8B), request()); err == nil {
			t.Fatal("Expected error")
		}
		if recs := sink.byModel(domain.ModelLlama8B); len(recs) != 1 || recs[0].ChainExhausted {
			t.Errorf("Expected an unflagged failure without fallbacks, got %v", recs)
		}
	})

	t.Run("one metric per model touched", func(t *testing.T) {
		pool := newScriptedPool()
		pool.script(domain.ModelLlama70B, fail(domain.ErrServer))
		pool.script(domain.ModelMistral7B, ok("done", 100))
		sink := &recordingSink{}
		exec, _ := testExecutor(pool, newFakeClock(), sink)

		if _, err := exec.Execute(context.Background(),
			decision(domain.ModelLlama70B, domain.ModelMistral7B), request()); err != nil {
			t.Fatalf("Execute returned error: %v", err)
		}
		if n := len(sink.byModel(domain.ModelLlama70B)); n != 1 {
			t.Errorf("Expected 1 metric for failed primary, got %d", n)
		}
		if n := len(sink.byModel(domain.ModelMistral7B)); n != 1 {
			t.Errorf("Expected 1 metric for fallback, got %d", n)
		}
		fallbackRecord := sink.byModel(domain.ModelMistral7B)[0]
		if !fallbackRecord.FallbackUsed {
			t.Error("Fallback metric should be marked as fallback")
		}
	})
}

func TestExecutorRetries(t *testing.T) {
	t.Run("retries with exponential backoff", func(t *testing.T) {
		pool := newScriptedPool()
		pool.script(domain.ModelLlama8B, fail(domain.ErrServer), fail(domain.ErrServer), ok("eventually", 100))
		clock := newFakeClock()
		exec, _ := testExecutor(pool, clock, &recordingSink{})

		result, err := exec.Execute(context.Background(), decision(domain.ModelLlama8B), request())
		if err != nil {
			t.Fatalf("Execute returned error: %v", err)
		}
		if result.RetryCount != 2 {
			t.Errorf("Expected 2 retries, got %d", result.RetryCount)
		}
		sleeps := clock.Sleeps()
		want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
		if len(sleeps) != len(want) {
			t.Fatalf("Expected %d backoff sleeps, got %v", len(want), sleeps)
		}
		for i, d := range want {
			if sleeps[i] != d {
				t.Errorf("Sleep %d: expected %s, got %s", i, d, sleeps[i])
			}
		}
	})

	t.Run("auth errors are not retried", func(t *testing.T) {
		pool := newScriptedPool()
		pool.script(domain.ModelLlama8B, fail(domain.ErrAuth))
		exec, _ := testExecutor(pool, newFakeClock(), &recordingSink{})

		_, err := exec.Execute(context.Background(), decision(domain.ModelLlama8B), request())
		if err == nil {
			t.Fatal("Expected error")
		}
		if pool.callCount(domain.ModelLlama8B) != 1 {
			t.Errorf("Expected 1 call for non-retryable error, got %d", pool.callCount(domain.ModelLlama8B))
		}
	})

	t.Run("rate limit honors Retry-After", func(t *testing.T) {
		pool := newScriptedPool()
		pool.script(domain.ModelLlama8B,
			poolOutcome{err: &domain.Error{Kind: domain.ErrRateLimit, Message: "slow down", RetryAfter: 3 * time.Second}},
			ok("after wait", 100))
		clock := newFakeClock()
		exec, _ := testExecutor(pool, clock, &recordingSink{})

		if _, err := exec.Execute(context.Background(), decision(domain.ModelLlama8B), request()); err != nil {
			t.Fatalf("Execute returned error: %v", err)
		}
		sleeps := clock.Sleeps()
		if len(sleeps) != 1 || sleeps[0] != 3*time.Second {
			t.Errorf("Expected a single 3s wait from Retry-After, got %v", sleeps)
		}
	})

	t.Run("rate limit wait is capped", func(t *testing.T) {
		pool := newScriptedPool()
		pool.script(domain.ModelLlama8B,
			poolOutcome{err: &domain.Error{Kind: domain.ErrRateLimit, Message: "slow down", RetryAfter: time.Hour}},
			ok("after wait", 100))
		clock := newFakeClock()
		exec, _ := testExecutor(pool, clock, &recordingSink{})

		if _, err := exec.Execute(context.Background(), decision(domain.ModelLlama8B), request()); err != nil {
			t.Fatalf("Execute returned error: %v", err)
		}
		sleeps := clock.Sleeps()
		if len(sleeps) != 1 || sleeps[0] != 5*time.Second {
			t.Errorf("Expected the wait capped at 5s, got %v", sleeps)
		}
	})
}

func TestExecutorFallbackDelay(t *testing.T) {
	pool := newScriptedPool()
	pool.script(domain.ModelLlama70B, fail(domain.ErrAuth))
	pool.script(domain.ModelMistral7B, ok("served", 100))
	clock := newFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := New(pool, NewBreakerSet(5, time.Minute, clock), &recordingSink{}, flatCoster{per1K: 0.001}, clock, Config{
		MaxRetries:    1,
		BackoffBase:   100 * time.Millisecond,
		BackoffMax:    time.Second,
		FallbackDelay: 250 * time.Millisecond,
	}, logger)

	result, err := exec.Execute(context.Background(),
		decision(domain.ModelLlama70B, domain.ModelMistral7B), request())
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Model != domain.ModelMistral7B {
		t.Fatalf("Expected the fallback to serve, got %s", result.Model)
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 250*time.Millisecond {
		t.Errorf("Expected a single 250ms pause before the fallback, got %v", sleeps)
	}
}

func TestExecutorAborts(t *testing.T) {
	t.Run("validation error stops the chain", func(t *testing.T) {
		pool := newScriptedPool()
		pool.script(domain.ModelLlama70B, fail(domain.ErrValidation))
		pool.script(domain.ModelMistral7B, ok("never reached", 100))
		exec, _ := testExecutor(pool, newFakeClock(), &recordingSink{})

		_, err := exec.Execute(context.Background(),
			decision(domain.ModelLlama70B, domain.ModelMistral7B), request())
		if domain.KindOf(err) != domain.ErrValidation {
			t.Fatalf("Expected VALIDATION_ERROR, got %v", err)
		}
		if pool.callCount(domain.ModelMistral7B) != 0 {
			t.Error("Fallback was tried after a validation error")
		}
	})

	t.Run("cancelled context stops the chain as timeout", func(t *testing.T) {
		pool := newScriptedPool()
		ctx, cancel := context.WithCancel(context.Background())
		pool.script(domain.ModelLlama70B, poolOutcome{err: func() error {
			cancel()
			return &domain.Error{Kind: domain.ErrServer, Message: "mid-flight"}
		}()})
		pool.script(domain.ModelMistral7B, ok("never reached", 100))
		exec, _ := testExecutor(pool, newFakeClock(), &recordingSink{})

		_, err := exec.Execute(ctx, decision(domain.ModelLlama70B, domain.ModelMistral7B), request())
		if domain.KindOf(err) != domain.ErrTimeout {
			t.Fatalf("Expected TIMEOUT, got %v", err)
		}
		if pool.callCount(domain.ModelMistral7B) != 0 {
			t.Error("Fallback was tried after cancellation")
		}
	})
}

func TestExecutorSkips(t *testing.T) {
	t.Run("open breaker skips without calling the provider", func(t *testing.T) {
		pool := newScriptedPool()
		pool.script(domain.ModelLlama70B, ok("should not run", 100))
		pool.script(domain.ModelMistral7B, ok("served", 100))
		clock := newFakeClock()
		sink := &recordingSink{}
		exec, breakers := testExecutor(pool, clock, sink)

		for i := 0; i < 5; i++ {
			breakers.RecordFailure(domain.ModelLlama70B)
		}

		result, err := exec.Execute(context.Background(),
			decision(domain.ModelLlama70B, domain.ModelMistral7B), request())
		if err != nil {
			t.Fatalf("Execute returned error: %v", err)
		}
		if result.Model != domain.ModelMistral7B {
			t.Errorf("Expected fallback to serve, got %s", result.Model)
		}
		if pool.callCount(domain.ModelLlama70B) != 0 {
			t.Error("Provider was called while the breaker was open")
		}
		skips := sink.byModel(domain.ModelLlama70B)
		if len(skips) != 1 || skips[0].ErrorKind != domain.ErrServiceUnavailable {
			t.Errorf("Expected one SERVICE_UNAVAILABLE skip metric, got %v", skips)
		}
	})

	t.Run("unhealthy provider skips without calling", func(t *testing.T) {
		pool := newScriptedPool()
		pool.unhealthy[domain.ModelLlama70B] = true
		pool.script(domain.ModelMistral7B, ok("served", 100))
		exec, _ := testExecutor(pool, newFakeClock(), &recordingSink{})

		result, err := exec.Execute(context.Background(),
			decision(domain.ModelLlama70B, domain.ModelMistral7B), request())
		if err != nil {
			t.Fatalf("Execute returned error: %v", err)
		}
		if result.Model != domain.ModelMistral7B {
			t.Errorf("Expected fallback to serve, got %s", result.Model)
		}
		if pool.callCount(domain.ModelLlama70B) != 0 {
			t.Error("Unhealthy provider was called")
		}
	})

	t.Run("everything skipped is SERVICE_UNAVAILABLE", func(t *testing.T) {
		pool := newScriptedPool()
		pool.unhealthy[domain.ModelLlama70B] = true
		pool.unhealthy[domain.ModelMistral7B] = true
		exec, _ := testExecutor(pool, newFakeClock(), &recordingSink{})

		_, err := exec.Execute(context.Background(),
			decision(domain.ModelLlama70B, domain.ModelMistral7B), request())
		if domain.KindOf(err) != domain.ErrServiceUnavailable {
			t.Fatalf("Expected SERVICE_UNAVAILABLE, got %v", err)
		}
	})
}

func TestCalculateBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	t.Run("doubles per attempt without jitter", func(t *testing.T) {
		want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
		for attempt, expected := range want {
			got := calculateBackoff(attempt, base, max, false)
			if got != expected {
				t.Errorf("Attempt %d: expected %s, got %s", attempt, expected, got)
			}
		}
	})

	t.Run("caps at max", func(t *testing.T) {
		if got := calculateBackoff(10, base, max, false); got != max {
			t.Errorf("Expected cap at %s, got %s", max, got)
		}
	})

	t.Run("jitter stays within 25 percent", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			got := calculateBackoff(2, base, max, true)
			if got < 300*time.Millisecond || got > 500*time.Millisecond {
				t.Fatalf("Jittered backoff out of range: %s", got)
			}
		}
	})
}
