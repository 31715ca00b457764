package provider

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"routegate/internal/config"
)

// limiter enforces one provider's client-side rate limits. A zero
// limit on any axis leaves that axis unbounded.
type limiter struct {
	requests *rate.Limiter // requests per minute
	tokens   *rate.Limiter // tokens per minute
	sem      chan struct{} // in-flight requests
}

func newLimiter(cfg config.RateLimitConfig) *limiter {
	l := &limiter{}
	if cfg.RPM > 0 {
		l.requests = rate.NewLimiter(rate.Limit(float64(cfg.RPM)/60), cfg.RPM)
	}
	if cfg.TPM > 0 {
		l.tokens = rate.NewLimiter(rate.Limit(float64(cfg.TPM)/60), cfg.TPM)
	}
	if cfg.Concurrent > 0 {
		l.sem = make(chan struct{}, cfg.Concurrent)
	}
	return l
}

// acquire blocks until a concurrency slot, a request-rate token, and
// a positive token budget are available, or ctx ends. The returned
// release function must be called exactly once.
func (l *limiter) acquire(ctx context.Context) (func(), error) {
	release := func() {}
	if l.sem != nil {
		select {
		case l.sem <- struct{}{}:
			release = func() { <-l.sem }
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.requests != nil {
		if err := l.requests.Wait(ctx); err != nil {
			release()
			return nil, err
		}
	}
	// Gate on a single token; the real usage is debited after the
	// call, delaying future acquisitions instead of this one.
	if l.tokens != nil {
		if err := l.tokens.Wait(ctx); err != nil {
			release()
			return nil, err
		}
	}
	return release, nil
}

// spend debits the per-minute token budget with the observed usage.
func (l *limiter) spend(tokens int) {
	if l.tokens == nil || tokens <= 0 {
		return
	}
	if burst := l.tokens.Burst(); tokens > burst {
		tokens = burst
	}
	l.tokens.ReserveN(time.Now(), tokens)
}
