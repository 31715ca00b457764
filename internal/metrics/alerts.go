package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"routegate/internal/domain"
)

const slowRequestThreshold = 30 * time.Second

// RegistryControl is the alert engine's write surface on the
// capability registry.
type RegistryControl interface {
	SetEnabled(domain.Model, bool)
}

// Engine evaluates alert rules on a cadence and executes their
// actions. Rules fire once and stay active until the metric crosses
// back.
type Engine struct {
	mu      sync.Mutex
	rules   []domain.AlertRule
	webhook map[string]string // rule id -> URL
	active  map[string]*domain.Alert
	history []domain.Alert

	agg      *Aggregator
	registry RegistryControl
	clock    domain.Clock
	logger   *slog.Logger
	http     *http.Client
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewEngine creates an alert engine and hooks immediate alerts into
// the aggregator's record path.
func NewEngine(agg *Aggregator, registry RegistryControl, rules []domain.AlertRule, webhooks map[string]string, interval time.Duration, clock domain.Clock, logger *slog.Logger) *Engine {
	e := &Engine{
		rules:    rules,
		webhook:  webhooks,
		active:   make(map[string]*domain.Alert),
		agg:      agg,
		registry: registry,
		clock:    clock,
		logger:   logger,
		http:     &http.Client{Timeout: 5 * time.Second},
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	agg.Observe(e.checkImmediate)
	return e
}

// Evaluate runs every enabled rule against the trailing raw window.
// Firing is idempotent: an already-active rule does not fire again.
func (e *Engine) Evaluate() {
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		samples := e.agg.rawWindow(time.Duration(rule.WindowSeconds)*time.Second, rule.Model)
		value, ok := measure(rule, samples)
		if !ok {
			continue
		}
		breached := compare(rule.Operator, value, rule.Threshold)

		e.mu.Lock()
		current := e.active[rule.ID]
		e.mu.Unlock()

		switch {
		case breached && current == nil:
			e.fire(rule, value)
		case !breached && current != nil:
			e.resolve(rule.ID)
		}
	}
}

func (e *Engine) fire(rule domain.AlertRule, value float64) {
	alert := &domain.Alert{
		ID:       uuid.NewString(),
		RuleID:   rule.ID,
		Severity: rule.Severity,
		Model:    rule.Model,
		Message:  fmt.Sprintf("%s: %s %s %.4f (measured %.4f)", rule.Name, rule.Metric, rule.Operator, rule.Threshold, value),
		FiredAt:  e.clock.Now(),
		Measured: map[string]float64{string(rule.Metric): value},
	}

	e.mu.Lock()
	e.active[rule.ID] = alert
	e.mu.Unlock()

	e.execute(rule.Actions, rule, alert)
}

func (e *Engine) resolve(ruleID string) {
	e.mu.Lock()
	alert := e.active[ruleID]
	if alert != nil {
		now := e.clock.Now()
		alert.ResolvedAt = &now
		delete(e.active, ruleID)
		e.history = append(e.history, *alert)
		if len(e.history) > 100 {
			e.history = e.history[len(e.history)-100:]
		}
	}
	e.mu.Unlock()

	if alert != nil {
		e.logger.Info("alert resolved", "rule_id", ruleID, "alert_id", alert.ID)
	}
}

func (e *Engine) execute(actions []domain.AlertAction, rule domain.AlertRule, alert *domain.Alert) {
	for _, action := range actions {
		switch action {
		case domain.ActionLog:
			e.logger.Warn("alert fired",
				"rule_id", rule.ID,
				"severity", alert.Severity,
				"model", alert.Model,
				"message", alert.Message,
			)
		case domain.ActionWebhook:
			e.postWebhook(rule.ID, alert)
		case domain.ActionEmail:
			// Mail delivery is owned by the surrounding platform;
			// emit the structured record it consumes.
			e.logger.Info("alert email queued",
				"rule_id", rule.ID,
				"severity", alert.Severity,
				"message", alert.Message,
			)
		case domain.ActionDisableModel:
			if rule.Model == "" {
				e.logger.Warn("disable_model action on rule without model, skipping", "rule_id", rule.ID)
				continue
			}
			e.registry.SetEnabled(rule.Model, false)
			e.logger.Warn("model disabled by alert", "model", rule.Model, "rule_id", rule.ID)
		}
	}
}

// postWebhook delivers the alert best-effort; failures are logged,
// never propagated.
func (e *Engine) postWebhook(ruleID string, alert *domain.Alert) {
	url := e.webhook[ruleID]
	if url == "" {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.http.Do(req)
	if err != nil {
		e.logger.Warn("alert webhook failed", "rule_id", ruleID, "error", err)
		return
	}
	resp.Body.Close()
}

// checkImmediate fires windowless alerts for two conditions: a
// request whose whole chain was exhausted, and a request slower than
// 30s. These are one-shot events, recorded and acted on immediately.
// Exhaustion rides on the executor's terminal-failure flag, so a
// failed fallback attempt that a later candidate recovers from never
// fires.
func (e *Engine) checkImmediate(m domain.PerformanceMetric) {
	now := e.clock.Now()

	if m.ChainExhausted {
		e.recordImmediate(domain.Alert{
			ID:         uuid.NewString(),
			RuleID:     "immediate:chain_exhausted",
			Severity:   domain.SeverityCritical,
			Model:      m.Model,
			Message:    fmt.Sprintf("request %s failed across the whole fallback chain (%s)", m.RequestID, m.ErrorKind),
			FiredAt:    now,
			ResolvedAt: &now,
		})
	}
	if m.TotalTime > slowRequestThreshold {
		e.recordImmediate(domain.Alert{
			ID:         uuid.NewString(),
			RuleID:     "immediate:slow_request",
			Severity:   domain.SeverityHigh,
			Model:      m.Model,
			Message:    fmt.Sprintf("request %s took %s on %s", m.RequestID, m.TotalTime, m.Model),
			FiredAt:    now,
			ResolvedAt: &now,
		})
	}
}

func (e *Engine) recordImmediate(alert domain.Alert) {
	e.mu.Lock()
	e.history = append(e.history, alert)
	if len(e.history) > 100 {
		e.history = e.history[len(e.history)-100:]
	}
	e.mu.Unlock()

	e.logger.Warn("immediate alert",
		"rule_id", alert.RuleID,
		"severity", alert.Severity,
		"model", alert.Model,
		"message", alert.Message,
	)
}

// Active returns the currently firing alerts.
func (e *Engine) Active() []domain.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	return out
}

// History returns recently resolved and immediate alerts, oldest
// first.
func (e *Engine) History() []domain.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Alert(nil), e.history...)
}

// Start launches the evaluation loop.
func (e *Engine) Start() {
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.Evaluate()
			case <-e.stop:
				return
			}
		}
	}()
}

// Stop halts the evaluation loop and waits for it to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}

// measure reduces the samples to the rule's metric value. ok is false
// when there are no samples.
func measure(rule domain.AlertRule, samples []domain.PerformanceMetric) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}

	switch rule.Metric {
	case domain.MetricErrorRate:
		failed := 0
		for _, m := range samples {
			if !m.Success {
				failed++
			}
		}
		return float64(failed) / float64(len(samples)), true

	case domain.MetricSuccessRate:
		ok := 0
		for _, m := range samples {
			if m.Success {
				ok++
			}
		}
		return float64(ok) / float64(len(samples)) * 100, true

	case domain.MetricThroughput:
		return float64(len(samples)) / float64(rule.WindowSeconds), true

	case domain.MetricResponseTime:
		values := make([]float64, len(samples))
		for i, m := range samples {
			values[i] = float64(m.TotalTime.Milliseconds())
		}
		return aggregate(rule.Aggregation, values), true

	case domain.MetricCostPerRequest:
		values := make([]float64, len(samples))
		for i, m := range samples {
			values[i] = m.Cost
		}
		return aggregate(rule.Aggregation, values), true

	default:
		return 0, false
	}
}

func aggregate(agg domain.AlertAggregation, values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	switch agg {
	case domain.AggMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	case domain.AggMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case domain.AggSum:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum
	case domain.AggCount:
		return float64(len(values))
	default: // avg
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
}

func compare(op domain.AlertOperator, value, threshold float64) bool {
	switch op {
	case domain.OpGT:
		return value > threshold
	case domain.OpLT:
		return value < threshold
	case domain.OpGE:
		return value >= threshold
	case domain.OpLE:
		return value <= threshold
	case domain.OpEQ:
		return value == threshold
	default:
		return false
	}
}
