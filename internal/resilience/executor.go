package resilience

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"routegate/internal/domain"
)

// ProviderPool is the executor's view of the provider layer.
type ProviderPool interface {
	Complete(ctx context.Context, model domain.Model, req *domain.LLMRequest) (*domain.ProviderResult, error)
	Healthy(model domain.Model) bool
}

// MetricSink receives one record per attempted or skipped model.
type MetricSink interface {
	Record(domain.PerformanceMetric)
}

// Coster prices a token count for a model.
type Coster interface {
	CostOf(model domain.Model, tokens int) float64
}

// Config is the executor retry policy. FallbackDelay is the pause
// before each fallback candidate; zero disables it.
type Config struct {
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	Jitter           bool
	RateLimitWaitCap time.Duration
	FallbackDelay    time.Duration
}

// Result is the outcome of a successful chain execution.
type Result struct {
	Response     *domain.ProviderResult
	Model        domain.Model
	Cost         float64
	RetryCount   int
	FallbackUsed bool
	Attempted    []domain.Model
}

// Executor drives one request through primary then fallbacks with
// per-model retry, circuit breaking and categorized errors. It holds
// no per-request state; concurrent use is expected.
type Executor struct {
	pool     ProviderPool
	breakers *BreakerSet
	sink     MetricSink
	costs    Coster
	clock    domain.Clock
	cfg      Config
	logger   *slog.Logger
}

// New creates an executor.
func New(pool ProviderPool, breakers *BreakerSet, sink MetricSink, costs Coster, clock domain.Clock, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{
		pool:     pool,
		breakers: breakers,
		sink:     sink,
		costs:    costs,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Execute tries the decision's chain in order and returns the first
// success. VALIDATION_ERROR and parent-context cancellation abort the
// whole chain; every other failure moves on to the next candidate.
// One metric is recorded per model touched, success or not.
func (e *Executor) Execute(ctx context.Context, decision *domain.RouteDecision, req *domain.LLMRequest) (*Result, error) {
	chain := make([]domain.Model, 0, 1+len(decision.Fallbacks))
	chain = append(chain, decision.Primary)
	chain = append(chain, decision.Fallbacks...)

	var (
		lastErr   error
		attempted []domain.Model
		retries   int
	)

	for i, model := range chain {
		last := i == len(chain)-1
		if i > 0 && e.cfg.FallbackDelay > 0 {
			if err := e.clock.Sleep(ctx, e.cfg.FallbackDelay); err != nil {
				return nil, &domain.Error{
					Kind:    domain.ErrTimeout,
					Model:   model,
					Message: "request deadline exceeded before fallback",
					Err:     lastErr,
				}
			}
		}
		if !e.breakers.Allow(model) {
			lastErr = &domain.Error{
				Kind:    domain.ErrServiceUnavailable,
				Model:   model,
				Message: "circuit breaker open",
			}
			e.recordSkip(req, model, domain.ErrServiceUnavailable, retries, i > 0, last)
			e.logger.Debug("breaker open, skipping model", "model", model, "request_id", req.RequestID)
			continue
		}
		if !e.pool.Healthy(model) {
			lastErr = &domain.Error{
				Kind:    domain.ErrServiceUnavailable,
				Model:   model,
				Message: "provider unhealthy",
			}
			e.recordSkip(req, model, domain.ErrServiceUnavailable, retries, i > 0, last)
			e.logger.Debug("provider unhealthy, skipping model", "model", model, "request_id", req.RequestID)
			continue
		}

		attempted = append(attempted, model)
		result, modelRetries, err := e.tryModel(ctx, model, req, i > 0, last, retries)
		retries = modelRetries
		if err == nil {
			return &Result{
				Response:     result,
				Model:        model,
				Cost:         e.costs.CostOf(model, result.Usage.TotalTokens),
				RetryCount:   retries,
				FallbackUsed: i > 0,
				Attempted:    attempted,
			}, nil
		}
		lastErr = err

		kind := domain.KindOf(err)
		if kind == domain.ErrValidation {
			return nil, err
		}
		if ctx.Err() != nil {
			// Cancellation stops the whole chain; the attempt was
			// already recorded as TIMEOUT by tryModel.
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = domain.WrapError(domain.ErrServiceUnavailable, domain.ErrNoModelAvailable,
			"all candidates skipped (breakers open or providers unhealthy)")
	}
	return nil, lastErr
}

// tryModel runs the per-model retry loop. It records exactly one
// metric covering this model's attempts, and returns the updated
// total retry count. A terminal failure on the last fallback is
// flagged as chain exhaustion on its metric.
func (e *Executor) tryModel(ctx context.Context, model domain.Model, req *domain.LLMRequest, isFallback, last bool, retries int) (*domain.ProviderResult, int, error) {
	started := e.clock.Now()
	var lastErr error

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		result, err := e.pool.Complete(ctx, model, req)
		if err == nil {
			e.breakers.RecordSuccess(model)
			e.record(req, model, e.clock.Now().Sub(started), e.costs.CostOf(model, result.Usage.TotalTokens),
				result.Usage.TotalTokens, true, "", retries, isFallback, false)
			return result, retries, nil
		}

		lastErr = err
		retries++
		kind := domain.KindOf(err)

		if kind == domain.ErrValidation {
			// Caller bug, not a provider fault: no breaker update.
			e.record(req, model, e.clock.Now().Sub(started), 0, 0, false, kind, retries, isFallback, false)
			return nil, retries, err
		}

		e.breakers.RecordFailure(model)

		if ctx.Err() != nil {
			timeout := &domain.Error{
				Kind:    domain.ErrTimeout,
				Model:   model,
				Message: "request deadline exceeded",
				Err:     err,
			}
			e.record(req, model, e.clock.Now().Sub(started), 0, 0, false, domain.ErrTimeout, retries, isFallback, false)
			return nil, retries, timeout
		}

		if !kind.Retryable() || attempt == e.cfg.MaxRetries {
			break
		}

		var wait time.Duration
		if kind == domain.ErrRateLimit {
			wait = e.rateLimitWait(err, attempt)
		} else {
			wait = calculateBackoff(attempt, e.cfg.BackoffBase, e.cfg.BackoffMax, e.cfg.Jitter)
		}
		if sleepErr := e.clock.Sleep(ctx, wait); sleepErr != nil {
			timeout := &domain.Error{
				Kind:    domain.ErrTimeout,
				Model:   model,
				Message: "request deadline exceeded during backoff",
				Err:     lastErr,
			}
			e.record(req, model, e.clock.Now().Sub(started), 0, 0, false, domain.ErrTimeout, retries, isFallback, false)
			return nil, retries, timeout
		}
	}

	kind := domain.KindOf(lastErr)
	e.record(req, model, e.clock.Now().Sub(started), 0, 0, false, kind, retries, isFallback, last && isFallback)
	e.logger.Warn("model exhausted",
		"model", model,
		"request_id", req.RequestID,
		"error_kind", kind,
	)
	return nil, retries, lastErr
}

// rateLimitWait honors the provider's Retry-After hint, falling back
// to exponential backoff, capped at the configured maximum.
func (e *Executor) rateLimitWait(err error, attempt int) time.Duration {
	wait := calculateBackoff(attempt, e.cfg.BackoffBase, e.cfg.BackoffMax, e.cfg.Jitter)
	if de, ok := domain.AsError(err); ok && de.RetryAfter > 0 {
		wait = de.RetryAfter
	}
	if wait > e.cfg.RateLimitWaitCap {
		wait = e.cfg.RateLimitWaitCap
	}
	return wait
}

func (e *Executor) record(req *domain.LLMRequest, model domain.Model, elapsed time.Duration, cost float64, tokens int, success bool, kind domain.ErrorKind, retries int, fallback, exhausted bool) {
	e.sink.Record(domain.PerformanceMetric{
		Model:          model,
		TaskType:       req.Task.Type,
		Agent:          req.Task.Agent,
		RequestID:      req.RequestID,
		Timestamp:      e.clock.Now(),
		TotalTime:      elapsed,
		NetworkTime:    elapsed,
		TokensUsed:     tokens,
		Cost:           cost,
		Success:        success,
		ErrorKind:      kind,
		RetryCount:     retries,
		FallbackUsed:   fallback,
		ChainExhausted: exhausted,
	})
}

func (e *Executor) recordSkip(req *domain.LLMRequest, model domain.Model, kind domain.ErrorKind, retries int, fallback, last bool) {
	e.record(req, model, 0, 0, 0, false, kind, retries, fallback, last && fallback)
}

// calculateBackoff computes base * 2^attempt with optional ±25%
// jitter, capped at max.
func calculateBackoff(attempt int, base, max time.Duration, jitter bool) time.Duration {
	backoff := base * time.Duration(math.Pow(2, float64(attempt)))
	if backoff > max {
		backoff = max
	}
	if jitter {
		jitterRange := float64(backoff) * 0.25
		jitterAmount := (rand.Float64() - 0.5) * 2 * jitterRange
		backoff = backoff + time.Duration(jitterAmount)
	}
	if backoff < 0 {
		backoff = base
	}
	return backoff
}
