// Package metrics ingests per-request performance records and
// maintains rolling windowed aggregates, per-model success EMAs, and
// the alert engine that feeds back into routing.
package metrics

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"routegate/internal/config"
	"routegate/internal/domain"
)

const emaAlpha = 0.1

type emaState struct {
	rate    float64 // success percentage 0-100
	avgTime float64 // milliseconds
	avgCost float64 // USD
}

// Aggregator buffers incoming metrics and recomputes the six fixed
// windows on a flush cadence. Record is cheap and safe from any
// request goroutine.
type Aggregator struct {
	mu         sync.Mutex
	buffer     []domain.PerformanceMetric
	raw        []domain.PerformanceMetric
	ema        map[domain.Model]*emaState
	aggregates map[domain.Model]map[domain.Window]domain.AggregatedMetrics

	observers []func(domain.PerformanceMetric)

	clock  domain.Clock
	cfg    config.PerformanceConfig
	logger *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates an aggregator.
func New(cfg config.PerformanceConfig, clock domain.Clock, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		ema:        make(map[domain.Model]*emaState),
		aggregates: make(map[domain.Model]map[domain.Window]domain.AggregatedMetrics),
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Observe registers a callback invoked synchronously for every
// recorded metric. Used by telemetry export and immediate alerts.
func (a *Aggregator) Observe(fn func(domain.PerformanceMetric)) {
	a.mu.Lock()
	a.observers = append(a.observers, fn)
	a.mu.Unlock()
}

// Record ingests one request outcome. The EMA updates immediately;
// windowed aggregates update on the next flush.
func (a *Aggregator) Record(m domain.PerformanceMetric) {
	a.mu.Lock()
	a.buffer = append(a.buffer, m)

	state, ok := a.ema[m.Model]
	if !ok {
		state = &emaState{rate: 100}
		a.ema[m.Model] = state
	}
	outcome := 0.0
	if m.Success {
		outcome = 100
	}
	state.rate = (1-emaAlpha)*state.rate + emaAlpha*outcome
	// Latency and cost EMAs track successful completions only;
	// failures and skips carry zero cost and unrepresentative timings.
	if m.Success {
		state.avgTime = (1-emaAlpha)*state.avgTime + emaAlpha*float64(m.TotalTime.Milliseconds())
		state.avgCost = (1-emaAlpha)*state.avgCost + emaAlpha*m.Cost
	}

	observers := a.observers
	a.mu.Unlock()

	for _, fn := range observers {
		fn(m)
	}
}

// SuccessRate returns the model's EMA success rate. Models without
// history report 100 so new models are not penalized.
func (a *Aggregator) SuccessRate(m domain.Model) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if state, ok := a.ema[m]; ok {
		return state.rate
	}
	return 100
}

// Flush drains the buffer into the retained raw set, drops records
// past retention, and recomputes all windows for observed models.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	a.raw = append(a.raw, a.buffer...)
	a.buffer = nil

	cutoff := now.Add(-a.cfg.Retention.Duration)
	firstLive := 0
	for firstLive < len(a.raw) && a.raw[firstLive].Timestamp.Before(cutoff) {
		firstLive++
	}
	a.raw = a.raw[firstLive:]

	models := make(map[domain.Model]bool)
	for _, m := range a.raw {
		models[m.Model] = true
	}

	a.aggregates = make(map[domain.Model]map[domain.Window]domain.AggregatedMetrics, len(models))
	for model := range models {
		byWindow := make(map[domain.Window]domain.AggregatedMetrics, 6)
		for _, w := range domain.AllWindows() {
			byWindow[w] = a.computeWindow(model, w, now)
		}
		a.aggregates[model] = byWindow
	}
}

// computeWindow aggregates one (model, window) cell. Caller holds the
// lock.
func (a *Aggregator) computeWindow(model domain.Model, w domain.Window, now time.Time) domain.AggregatedMetrics {
	start := now.Add(-w.Duration())
	agg := domain.AggregatedMetrics{
		Model:  model,
		Window: w,
		Start:  start,
		End:    now,
	}

	var latencies []time.Duration
	var confSum float64
	errCounts := make(map[domain.ErrorKind]int)

	for _, m := range a.raw {
		if m.Model != model || m.Timestamp.Before(start) {
			continue
		}
		agg.TotalRequests++
		agg.TotalCost += m.Cost
		confSum += m.Confidence
		latencies = append(latencies, m.TotalTime)
		if m.Success {
			agg.Successful++
		} else {
			agg.Failed++
			if m.ErrorKind != "" {
				errCounts[m.ErrorKind]++
			}
		}
	}
	if agg.TotalRequests == 0 {
		return agg
	}

	agg.SuccessRate = float64(agg.Successful) / float64(agg.TotalRequests) * 100
	agg.ErrorRate = float64(agg.Failed) / float64(agg.TotalRequests)
	agg.AvgCost = agg.TotalCost / float64(agg.TotalRequests)
	agg.AvgConfidence = confSum / float64(agg.TotalRequests)
	agg.Throughput = float64(agg.TotalRequests) / w.Duration().Seconds()

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	agg.P50Latency = percentile(latencies, 50)
	agg.P95Latency = percentile(latencies, 95)
	agg.P99Latency = percentile(latencies, 99)

	for kind, count := range errCounts {
		agg.TopErrors = append(agg.TopErrors, domain.ErrorCount{Kind: kind, Count: count})
	}
	sort.Slice(agg.TopErrors, func(i, j int) bool {
		if agg.TopErrors[i].Count != agg.TopErrors[j].Count {
			return agg.TopErrors[i].Count > agg.TopErrors[j].Count
		}
		return agg.TopErrors[i].Kind < agg.TopErrors[j].Kind
	})
	if len(agg.TopErrors) > 3 {
		agg.TopErrors = agg.TopErrors[:3]
	}
	return agg
}

// percentile indexes into an ascending latency set using the
// nearest-rank method.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (p*len(sorted) + 99) / 100
	if idx < 1 {
		idx = 1
	}
	if idx > len(sorted) {
		idx = len(sorted)
	}
	return sorted[idx-1]
}

// Snapshot returns the last flushed aggregate for a (model, window)
// cell.
func (a *Aggregator) Snapshot(model domain.Model, w domain.Window) (domain.AggregatedMetrics, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	byWindow, ok := a.aggregates[model]
	if !ok {
		return domain.AggregatedMetrics{}, false
	}
	agg, ok := byWindow[w]
	return agg, ok
}

// rawWindow copies raw metrics within the trailing window, optionally
// filtered by model. Unflushed buffer entries are included so the
// alert engine sees fresh outcomes.
func (a *Aggregator) rawWindow(window time.Duration, model domain.Model) []domain.PerformanceMetric {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.clock.Now().Add(-window)
	var out []domain.PerformanceMetric
	for _, set := range [][]domain.PerformanceMetric{a.raw, a.buffer} {
		for _, m := range set {
			if m.Timestamp.Before(cutoff) {
				continue
			}
			if model != "" && m.Model != model {
				continue
			}
			out = append(out, m)
		}
	}
	return out
}

// Summary is the aggregator's contribution to Stats().
type Summary struct {
	RequestsLastHour int           `json:"requests_last_hour"`
	P50Latency       time.Duration `json:"p50_latency"`
	P95Latency       time.Duration `json:"p95_latency"`
	P99Latency       time.Duration `json:"p99_latency"`
	TotalCost        float64       `json:"total_cost"`
}

// Summarize reduces the trailing hour across all models.
func (a *Aggregator) Summarize() Summary {
	samples := a.rawWindow(time.Hour, "")

	var s Summary
	var latencies []time.Duration
	for _, m := range samples {
		s.RequestsLastHour++
		s.TotalCost += m.Cost
		latencies = append(latencies, m.TotalTime)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	s.P50Latency = percentile(latencies, 50)
	s.P95Latency = percentile(latencies, 95)
	s.P99Latency = percentile(latencies, 99)
	return s
}

// Start launches the flush loop.
func (a *Aggregator) Start() {
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.cfg.FlushInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Flush()
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop halts the flush loop and waits for it to exit.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done
}
