// Package orchestrator is the public entry point wiring
// classification, routing, execution, context and telemetry into the
// two request paths: Complete and ChatWithContext.
package orchestrator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"routegate/internal/cache"
	"routegate/internal/config"
	"routegate/internal/domain"
	"routegate/internal/intent"
	"routegate/internal/metrics"
	"routegate/internal/provider"
	"routegate/internal/resilience"
	"routegate/internal/routing"
)

const apologyText = "Sorry, I ran into a problem handling that. Could you try rephrasing your request?"

// Router selects models for tasks.
type Router interface {
	Route(domain.TaskContext) (*domain.RouteDecision, error)
	Stats() routing.Analytics
}

// Executor drives a decision through the fallback chain.
type Executor interface {
	Execute(ctx context.Context, decision *domain.RouteDecision, req *domain.LLMRequest) (*resilience.Result, error)
}

// Classifier maps utterances to intents.
type Classifier interface {
	Classify(text string, sig intent.Signals) *domain.ClassificationResult
}

// ContextStore is the session history surface the orchestrator
// writes to. No other component writes on behalf of a request.
type ContextStore interface {
	GetOrCreate(sessionID, userID string)
	Append(sessionID string, role domain.Role, content string) (domain.ContextMessage, error)
	Snapshot(sessionID string) (domain.ContextSnapshot, error)
	Summarize(sessionID string) (string, error)
	SetCurrentTask(sessionID, task string)
	SessionCount() int
}

// Aggregator is the telemetry sink and summary source.
type Aggregator interface {
	Record(domain.PerformanceMetric)
	SuccessRate(domain.Model) float64
	Summarize() metrics.Summary
}

// AlertSource exposes the currently firing alerts for Stats.
type AlertSource interface {
	Active() []domain.Alert
}

// ProviderStats exposes provider health for Stats.
type ProviderStats interface {
	Snapshot() []provider.Status
}

// Deps is the orchestrator's dependency set. Tests substitute fakes
// for any member.
type Deps struct {
	Classifier Classifier
	Router     Router
	Executor   Executor
	Contexts   ContextStore
	Aggregator Aggregator
	Alerts     AlertSource
	Providers  ProviderStats
	Generator  domain.ResponseGenerator
	Cache      *cache.ResponseCache // nil disables caching
	Clock      domain.Clock
	Logger     *slog.Logger
	Config     config.OrchestratorConfig
	Streaming  config.StreamingConfig
}

// Service is the orchestrator.
type Service struct {
	deps Deps
	pool *Pool

	shuttingDown atomic.Bool
}

// New creates the orchestrator and its worker pool.
func New(deps Deps) *Service {
	return &Service{
		deps: deps,
		pool: NewPool(deps.Config.Workers, deps.Config.QueueSize),
	}
}

// Complete routes and executes one completion request, returning the
// enriched response or a structured error.
func (s *Service) Complete(ctx context.Context, req *domain.LLMRequest) (*domain.LLMResponse, error) {
	if s.shuttingDown.Load() {
		return nil, domain.WrapError(domain.ErrServiceUnavailable, domain.ErrShuttingDown, "not accepting requests")
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	if s.deps.Cache != nil {
		if cached, ok := s.deps.Cache.Get(cache.Key(req)); ok {
			cached.RequestID = req.RequestID
			s.deps.Logger.Debug("cache hit", "request_id", req.RequestID)
			return &cached, nil
		}
	}

	timeout := s.deps.Config.DefaultTimeout.Duration
	if req.Task.TimeLimit > 0 && req.Task.TimeLimit < timeout {
		timeout = req.Task.TimeLimit
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	enqueued := s.deps.Clock.Now()
	var resp *domain.LLMResponse
	var execErr error
	poolErr := s.pool.Do(ctx, func() {
		resp, execErr = s.complete(ctx, req, s.deps.Clock.Now().Sub(enqueued))
	})
	if poolErr != nil {
		switch poolErr {
		case domain.ErrQueueFull:
			return nil, domain.WrapError(domain.ErrServiceUnavailable, poolErr, "request queue full")
		case domain.ErrShuttingDown:
			return nil, domain.WrapError(domain.ErrServiceUnavailable, poolErr, "not accepting requests")
		default:
			return nil, domain.WrapError(domain.ErrTimeout, poolErr, "request abandoned while queued")
		}
	}
	return resp, execErr
}

// complete runs on a pool worker.
func (s *Service) complete(ctx context.Context, req *domain.LLMRequest, queueTime time.Duration) (*domain.LLMResponse, error) {
	started := s.deps.Clock.Now()

	decision, err := s.deps.Router.Route(req.Task)
	if err != nil {
		return nil, err
	}
	if !s.deps.Config.EnableFallbacks {
		decision.Fallbacks = nil
	}

	result, err := s.deps.Executor.Execute(ctx, decision, req)
	elapsed := s.deps.Clock.Now().Sub(started)
	if err != nil {
		s.deps.Logger.Warn("request failed",
			"request_id", req.RequestID,
			"task_type", req.Task.Type,
			"error_kind", domain.KindOf(err),
			"elapsed", elapsed,
		)
		return nil, err
	}

	resp := &domain.LLMResponse{
		RequestID:     req.RequestID,
		Model:         result.Model,
		Content:       result.Response.Content,
		Usage:         result.Response.Usage,
		FinishReason:  result.Response.FinishReason,
		Routing:       decision,
		ExecutionTime: elapsed + queueTime,
		Cost:          result.Cost,
		Confidence:    decision.Confidence,
		FallbackUsed:  result.FallbackUsed,
		RetryCount:    result.RetryCount,
	}

	if s.deps.Cache != nil {
		s.deps.Cache.Put(cache.Key(req), *resp)
	}

	s.deps.Logger.Info("request completed",
		"request_id", req.RequestID,
		"model", result.Model,
		"fallback_used", result.FallbackUsed,
		"retries", result.RetryCount,
		"cost", result.Cost,
		"elapsed", elapsed,
	)
	return resp, nil
}

// ChatWithContext runs one context-aware chat turn. Classifier and
// generator failures degrade, never fail the turn.
func (s *Service) ChatWithContext(ctx context.Context, sessionID, userText, userID string) (*domain.ChatResult, error) {
	if s.shuttingDown.Load() {
		return nil, domain.WrapError(domain.ErrServiceUnavailable, domain.ErrShuttingDown, "not accepting requests")
	}
	if sessionID == "" {
		return nil, domain.NewError(domain.ErrValidation, "session id must not be empty")
	}
	if userText == "" {
		return nil, domain.NewError(domain.ErrValidation, "user text must not be empty")
	}

	started := s.deps.Clock.Now()
	s.deps.Contexts.GetOrCreate(sessionID, userID)
	if _, err := s.deps.Contexts.Append(sessionID, domain.RoleUser, userText); err != nil {
		return nil, domain.WrapError(domain.ErrUnknown, err, "append user message")
	}

	snapshot, err := s.deps.Contexts.Snapshot(sessionID)
	if err != nil {
		return nil, domain.WrapError(domain.ErrUnknown, err, "session snapshot")
	}

	classification := s.deps.Classifier.Classify(userText, signalsFrom(snapshot))
	s.deps.Contexts.SetCurrentTask(sessionID, string(classification.Primary.Type))

	generated := s.generate(ctx, classification, snapshot, userText)
	if _, err := s.deps.Contexts.Append(sessionID, domain.RoleAssistant, generated.Content); err != nil {
		return nil, domain.WrapError(domain.ErrUnknown, err, "append assistant message")
	}

	summary, err := s.deps.Contexts.Summarize(sessionID)
	if err != nil {
		s.deps.Logger.Warn("context summary failed", "session_id", sessionID, "error", err)
		summary = ""
	}

	final, err := s.deps.Contexts.Snapshot(sessionID)
	if err != nil {
		final = snapshot
	}

	return &domain.ChatResult{
		Response:       *generated,
		Classification: *classification,
		ContextSummary: summary,
		Metadata: domain.ChatMetadata{
			SessionID:      sessionID,
			MessageCount:   final.Metadata.MessageCount,
			ProcessingTime: s.deps.Clock.Now().Sub(started),
		},
	}, nil
}

// generate invokes the response generator, degrading to a canned
// apology with low confidence on failure.
func (s *Service) generate(ctx context.Context, classification *domain.ClassificationResult, snapshot domain.ContextSnapshot, userText string) *domain.GeneratedResponse {
	generated, err := s.deps.Generator.Generate(ctx, classification.Primary, snapshot, userText)
	if err != nil || generated == nil {
		s.deps.Logger.Warn("response generation failed",
			"session_id", snapshot.SessionID,
			"error", err,
		)
		return &domain.GeneratedResponse{
			Content:    apologyText,
			Confidence: 0.3,
		}
	}
	if classification.NeedsClarification && len(generated.Clarifications) == 0 {
		generated.Clarifications = classification.ClarificationQuestions
	}
	return generated
}

// signalsFrom derives classifier signals from a session snapshot.
func signalsFrom(snapshot domain.ContextSnapshot) intent.Signals {
	sig := intent.Signals{Profile: snapshot.Profile}
	if snapshot.CurrentTask != "" {
		if t, ok := domain.ParseTaskType(snapshot.CurrentTask); ok {
			sig.PreviousTasks = append(sig.PreviousTasks, t)
		}
	}
	if snapshot.Profile != nil {
		sig.CurrentPage = snapshot.Profile.Preferences["current_page"]
	}
	return sig
}

// Stats is the service-wide introspection snapshot.
type Stats struct {
	Providers   []provider.Status `json:"providers"`
	Routing     routing.Analytics `json:"routing"`
	Performance metrics.Summary   `json:"performance"`
	Alerts      []domain.Alert    `json:"active_alerts"`
	Sessions    int               `json:"sessions"`
}

// Stats snapshots providers, routing analytics, performance and
// active alerts.
func (s *Service) Stats() Stats {
	return Stats{
		Providers:   s.deps.Providers.Snapshot(),
		Routing:     s.deps.Router.Stats(),
		Performance: s.deps.Aggregator.Summarize(),
		Alerts:      s.deps.Alerts.Active(),
		Sessions:    s.deps.Contexts.SessionCount(),
	}
}

// Shutdown stops intake and drains in-flight requests, bounded by
// ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	return s.pool.Shutdown(ctx)
}

func validateRequest(req *domain.LLMRequest) error {
	if req == nil {
		return domain.NewError(domain.ErrValidation, "request must not be nil")
	}
	if len(req.Messages) == 0 {
		return domain.NewError(domain.ErrValidation, "messages must not be empty")
	}
	if _, ok := domain.ParseTaskType(string(req.Task.Type)); !ok {
		return domain.NewError(domain.ErrValidation, "unknown task type %q", req.Task.Type)
	}
	if _, ok := domain.ParseAgentType(string(req.Task.Agent)); !ok {
		return domain.NewError(domain.ErrValidation, "unknown agent type %q", req.Task.Agent)
	}
	return nil
}
