// Package domain defines core domain types for the RouteGate LLM router.
package domain

import (
	"context"
	"time"
)

// =============================================================================
// Model Types
// =============================================================================

// Model identifies an LLM in the routable pool.
type Model string

const (
	ModelMistral7B      Model = "MISTRAL_7B"
	ModelLlama8B        Model = "LLAMA_8B"
	ModelLlama70B       Model = "LLAMA_70B"
	ModelMixtral8x7B    Model = "MIXTRAL_8x7B"
	ModelNemoRetriever  Model = "NEMO_RETRIEVER"
	ModelCodeLlama      Model = "CODE_LLAMA"
	ModelDeepseekCoder  Model = "DEEPSEEK_CODER"
	ModelClaude35Sonnet Model = "CLAUDE_3_5_SONNET"
	ModelGPT4o          Model = "GPT_4O"
)

// AllModels returns every model in the pool.
func AllModels() []Model {
	return []Model{
		ModelMistral7B,
		ModelLlama8B,
		ModelLlama70B,
		ModelMixtral8x7B,
		ModelNemoRetriever,
		ModelCodeLlama,
		ModelDeepseekCoder,
		ModelClaude35Sonnet,
		ModelGPT4o,
	}
}

// ParseModel parses a model identifier.
func ParseModel(s string) (Model, bool) {
	for _, m := range AllModels() {
		if string(m) == s {
			return m, true
		}
	}
	return "", false
}

// CapabilityVector holds the static per-model capability scores.
// Dimension scores are 0-100; CostPer1K is USD per 1K tokens;
// ContextLength is in tokens.
type CapabilityVector struct {
	Planning      int     `json:"planning"`
	Navigation    int     `json:"navigation"`
	Extraction    int     `json:"extraction"`
	Reasoning     int     `json:"reasoning"`
	Coding        int     `json:"coding"`
	Summarization int     `json:"summarization"`
	Speed         int     `json:"speed"`
	Reliability   int     `json:"reliability"`
	CostPer1K     float64 `json:"cost_per_1k"`
	ContextLength int     `json:"context_length"`
}

// Dimension names a capability axis used by routing rules.
type Dimension string

const (
	DimPlanning      Dimension = "planning"
	DimNavigation    Dimension = "navigation"
	DimExtraction    Dimension = "extraction"
	DimReasoning     Dimension = "reasoning"
	DimCoding        Dimension = "coding"
	DimSummarization Dimension = "summarization"
)

// Score returns the score for a named dimension.
func (v CapabilityVector) Score(d Dimension) int {
	switch d {
	case DimPlanning:
		return v.Planning
	case DimNavigation:
		return v.Navigation
	case DimExtraction:
		return v.Extraction
	case DimReasoning:
		return v.Reasoning
	case DimCoding:
		return v.Coding
	case DimSummarization:
		return v.Summarization
	default:
		return v.Reasoning
	}
}

// =============================================================================
// Task Types
// =============================================================================

// TaskType is the closed set of task categories a request can carry.
// Unknown values at the boundary are a VALIDATION_ERROR, never a
// silent fallback.
type TaskType string

const (
	TaskJobSearch       TaskType = "JOB_SEARCH"
	TaskFormFilling     TaskType = "FORM_FILLING"
	TaskDataExtraction  TaskType = "DATA_EXTRACTION"
	TaskCompanyResearch TaskType = "COMPANY_RESEARCH"
	TaskContactScraping TaskType = "CONTACT_SCRAPING"
	TaskCustomWorkflow  TaskType = "CUSTOM_WORKFLOW"
	TaskGeneralQuery    TaskType = "GENERAL_QUERY"
)

// AllTaskTypes returns every task type.
func AllTaskTypes() []TaskType {
	return []TaskType{
		TaskJobSearch,
		TaskFormFilling,
		TaskDataExtraction,
		TaskCompanyResearch,
		TaskContactScraping,
		TaskCustomWorkflow,
		TaskGeneralQuery,
	}
}

// ParseTaskType parses a task type string.
func ParseTaskType(s string) (TaskType, bool) {
	for _, t := range AllTaskTypes() {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// AgentType is the closed set of agent roles.
type AgentType string

const (
	AgentNavigator   AgentType = "NAVIGATOR"
	AgentPlanner     AgentType = "PLANNER"
	AgentExtractor   AgentType = "EXTRACTOR"
	AgentVerifier    AgentType = "VERIFIER"
	AgentCoordinator AgentType = "COORDINATOR"
)

// ParseAgentType parses an agent type string. Empty input is valid
// and means "no agent hint".
func ParseAgentType(s string) (AgentType, bool) {
	switch AgentType(s) {
	case AgentNavigator, AgentPlanner, AgentExtractor, AgentVerifier, AgentCoordinator:
		return AgentType(s), true
	case "":
		return "", true
	default:
		return "", false
	}
}

// Complexity buckets the expected difficulty of a task.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Factor returns the token and duration multiplier for a complexity
// bucket.
func (c Complexity) Factor() float64 {
	switch c {
	case ComplexityLow:
		return 0.7
	case ComplexityHigh:
		return 1.5
	default:
		return 1.0
	}
}

// Priority orders requests for scheduling and fallback selection.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// UserTier is the caller's subscription tier.
type UserTier string

const (
	TierFree       UserTier = "free"
	TierPremium    UserTier = "premium"
	TierEnterprise UserTier = "enterprise"
)

// TaskContext is the caller's typed description of what a request is
// for. Immutable after construction.
type TaskContext struct {
	Type             TaskType      `json:"type"`
	Agent            AgentType     `json:"agent_type,omitempty"`
	Complexity       Complexity    `json:"complexity"`
	Priority         Priority      `json:"priority"`
	Tier             UserTier      `json:"user_tier"`
	BudgetLimit      float64       `json:"budget_limit,omitempty"` // USD, 0 = unset
	TimeLimit        time.Duration `json:"time_limit,omitempty"`   // 0 = unset
	PreviousFailures int           `json:"previous_failures,omitempty"`
	ContextSize      int           `json:"context_size,omitempty"` // tokens already in context
}

// =============================================================================
// Routing Types
// =============================================================================

// RouteDecision is the router's choice of primary model plus ordered
// fallbacks. Fallbacks never contain the primary and hold at most two
// entries.
type RouteDecision struct {
	Primary    Model         `json:"primary"`
	Fallbacks  []Model       `json:"fallbacks"`
	Rationale  string        `json:"rationale"`
	Confidence int           `json:"confidence"` // 0-100
	EstCost    float64       `json:"est_cost"`   // USD
	EstTime    time.Duration `json:"est_time"`
}

// =============================================================================
// Intent Types
// =============================================================================

// Intent is the classifier's typed interpretation of a user message.
type Intent struct {
	Type                 TaskType          `json:"type"`
	Agent                AgentType         `json:"agent_type"`
	Complexity           Complexity        `json:"complexity"`
	Priority             Priority          `json:"priority"`
	Confidence           float64           `json:"confidence"` // 0.0-1.0
	Parameters           map[string]string `json:"parameters,omitempty"`
	EstimatedDuration    time.Duration     `json:"estimated_duration"`
	RequiredCapabilities []Dimension       `json:"required_capabilities,omitempty"`
}

// ClassificationResult is the full classifier output for one
// utterance.
type ClassificationResult struct {
	Primary                Intent   `json:"primary"`
	Alternatives           []Intent `json:"alternatives,omitempty"` // at most 3
	Reasoning              string   `json:"reasoning"`
	Confidence             float64  `json:"confidence"`
	NeedsClarification     bool     `json:"needs_clarification"`
	ClarificationQuestions []string `json:"clarification_questions,omitempty"`
}

// UserProfile carries optional caller hints consumed by the
// classifier's context-adjustment layer.
type UserProfile struct {
	JobSeeker   bool              `json:"job_seeker,omitempty"`
	Industries  []string          `json:"industries,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// =============================================================================
// Chat / Request Types
// =============================================================================

// Role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChatMessage is a single turn in the wire-level conversation sent to
// a provider.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// LLMRequest is a completion request entering the orchestrator.
type LLMRequest struct {
	RequestID   string        `json:"request_id,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	System      string        `json:"system,omitempty"`
	Task        TaskContext   `json:"task"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

// Usage is normalized token accounting across provider dialects.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderResult is the normalized tuple every provider dialect
// reduces to.
type ProviderResult struct {
	Content      string `json:"content"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason"`
	Model        Model  `json:"model"`
	Provider     string `json:"provider"`
}

// LLMResponse is the enriched response returned by the orchestrator.
type LLMResponse struct {
	RequestID     string         `json:"request_id"`
	Model         Model          `json:"model"`
	Content       string         `json:"content"`
	Usage         Usage          `json:"usage"`
	FinishReason  string         `json:"finish_reason,omitempty"`
	Routing       *RouteDecision `json:"routing_decision,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Cost          float64        `json:"cost"`
	Confidence    int            `json:"confidence"`
	FallbackUsed  bool           `json:"fallback_used"`
	RetryCount    int            `json:"retry_count"`
	Cached        bool           `json:"cached,omitempty"`
}

// GeneratedResponse is what the response generator returns for a chat
// turn.
type GeneratedResponse struct {
	Content           string   `json:"content"`
	SuggestedActions  []string `json:"suggested_actions,omitempty"`
	FollowUpQuestions []string `json:"follow_up_questions,omitempty"`
	Clarifications    []string `json:"clarifications,omitempty"`
	Confidence        float64  `json:"confidence"`
}

// ChatResult is the full result of a context-aware chat turn.
type ChatResult struct {
	Response       GeneratedResponse    `json:"response"`
	Classification ClassificationResult `json:"classification"`
	ContextSummary string               `json:"context_summary"`
	Metadata       ChatMetadata         `json:"metadata"`
}

// ChatMetadata carries per-turn bookkeeping for a chat result.
type ChatMetadata struct {
	SessionID      string        `json:"session_id"`
	MessageCount   int           `json:"message_count"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// =============================================================================
// Context Store Types
// =============================================================================

// EmbeddingDim is the fixed dimensionality of message embeddings.
const EmbeddingDim = 384

// ContextMessage is one entry in a session's bounded message log.
// Non-system messages carry a deterministic embedding.
type ContextMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Embedding []float32 `json:"-"`
	Relevance float64   `json:"relevance,omitempty"`
	Tokens    int       `json:"tokens,omitempty"`
}

// ContextMetadata tracks per-session counters.
type ContextMetadata struct {
	StartTime    time.Time `json:"start_time"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	TotalTokens  int       `json:"total_tokens"`
}

// ContextSnapshot is an immutable view of a session handed to the
// response generator and classifier.
type ContextSnapshot struct {
	SessionID   string           `json:"session_id"`
	UserID      string           `json:"user_id,omitempty"`
	Messages    []ContextMessage `json:"messages"`
	CurrentTask string           `json:"current_task,omitempty"`
	Profile     *UserProfile     `json:"profile,omitempty"`
	Metadata    ContextMetadata  `json:"metadata"`
}

// EntityType is the closed set of knowledge-graph node types.
type EntityType string

const (
	EntityPerson   EntityType = "person"
	EntityCompany  EntityType = "company"
	EntityJob      EntityType = "job"
	EntitySkill    EntityType = "skill"
	EntityLocation EntityType = "location"
	EntityWebsite  EntityType = "website"
)

// Entity is a knowledge-graph node. The arena key is
// "type:lowercase(name)".
type Entity struct {
	ID            string     `json:"id"`
	Type          EntityType `json:"type"`
	Name          string     `json:"name"`
	Confidence    float64    `json:"confidence"`
	Mentions      int        `json:"mentions"`
	FirstSeen     time.Time  `json:"first_seen"`
	LastMentioned time.Time  `json:"last_mentioned"`
	Source        string     `json:"source"`
}

// Relationship links two entities by arena key. The graph is flat:
// relationships never hold entity pointers.
type Relationship struct {
	ID       string    `json:"id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Kind     string    `json:"kind"`
	Strength float64   `json:"strength"`
	Observed int       `json:"observed"`
	LastSeen time.Time `json:"last_seen"`
}

// =============================================================================
// Metrics Types
// =============================================================================

// PerformanceMetric is the per-request telemetry record.
type PerformanceMetric struct {
	Model          Model         `json:"model"`
	TaskType       TaskType      `json:"task_type"`
	Agent          AgentType     `json:"agent_type,omitempty"`
	RequestID      string        `json:"request_id"`
	Timestamp      time.Time     `json:"timestamp"`
	TotalTime      time.Duration `json:"total_time"`
	QueueTime      time.Duration `json:"queue_time"`
	ProcessingTime time.Duration `json:"processing_time"`
	NetworkTime    time.Duration `json:"network_time"`
	TokensUsed     int           `json:"tokens_used"`
	Cost           float64       `json:"cost"`
	Confidence     float64       `json:"confidence"`
	Success        bool          `json:"success"`
	ErrorKind      ErrorKind     `json:"error_kind,omitempty"`
	RetryCount     int           `json:"retry_count"`
	FallbackUsed   bool          `json:"fallback_used"`
	ChainExhausted bool          `json:"chain_exhausted,omitempty"`
}

// Window is one of the six fixed aggregation intervals.
type Window string

const (
	Window1m  Window = "1m"
	Window5m  Window = "5m"
	Window15m Window = "15m"
	Window1h  Window = "1h"
	Window6h  Window = "6h"
	Window24h Window = "24h"
)

// AllWindows returns the aggregation windows from shortest to
// longest.
func AllWindows() []Window {
	return []Window{Window1m, Window5m, Window15m, Window1h, Window6h, Window24h}
}

// Duration returns the length of an aggregation window.
func (w Window) Duration() time.Duration {
	switch w {
	case Window1m:
		return time.Minute
	case Window5m:
		return 5 * time.Minute
	case Window15m:
		return 15 * time.Minute
	case Window1h:
		return time.Hour
	case Window6h:
		return 6 * time.Hour
	case Window24h:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// ErrorCount pairs an error kind with its occurrence count.
type ErrorCount struct {
	Kind  ErrorKind `json:"kind"`
	Count int       `json:"count"`
}

// AggregatedMetrics summarizes one (model, window) cell.
type AggregatedMetrics struct {
	Model         Model         `json:"model"`
	Window        Window        `json:"window"`
	Start         time.Time     `json:"start"`
	End           time.Time     `json:"end"`
	TotalRequests int           `json:"total_requests"`
	Successful    int           `json:"successful"`
	Failed        int           `json:"failed"`
	SuccessRate   float64       `json:"success_rate"` // 0-100
	P50Latency    time.Duration `json:"p50_latency"`
	P95Latency    time.Duration `json:"p95_latency"`
	P99Latency    time.Duration `json:"p99_latency"`
	TotalCost     float64       `json:"total_cost"`
	AvgCost       float64       `json:"avg_cost"`
	AvgConfidence float64       `json:"avg_confidence"`
	ErrorRate     float64       `json:"error_rate"` // 0.0-1.0
	TopErrors     []ErrorCount  `json:"top_errors,omitempty"`
	Throughput    float64       `json:"throughput"` // requests/sec
}

// =============================================================================
// Alert Types
// =============================================================================

// AlertSeverity grades an alert.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// AlertMetric names the measurable an alert rule watches.
type AlertMetric string

const (
	MetricErrorRate      AlertMetric = "error_rate"
	MetricResponseTime   AlertMetric = "response_time"
	MetricCostPerRequest AlertMetric = "cost_per_request"
	MetricSuccessRate    AlertMetric = "success_rate"
	MetricThroughput     AlertMetric = "throughput"
)

// AlertOperator compares a measured value against the threshold.
type AlertOperator string

const (
	OpGT AlertOperator = "gt"
	OpLT AlertOperator = "lt"
	OpGE AlertOperator = "ge"
	OpLE AlertOperator = "le"
	OpEQ AlertOperator = "eq"
)

// AlertAggregation reduces a window's samples to one value.
type AlertAggregation string

const (
	AggAvg   AlertAggregation = "avg"
	AggMax   AlertAggregation = "max"
	AggMin   AlertAggregation = "min"
	AggSum   AlertAggregation = "sum"
	AggCount AlertAggregation = "count"
)

// AlertAction is a side effect executed when a rule fires.
type AlertAction string

const (
	ActionLog          AlertAction = "log"
	ActionWebhook      AlertAction = "webhook"
	ActionEmail        AlertAction = "email"
	ActionDisableModel AlertAction = "disable_model"
)

// AlertRule is a declarative alert condition evaluated on a cadence.
type AlertRule struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Metric        AlertMetric      `json:"metric"`
	Operator      AlertOperator    `json:"operator"`
	Aggregation   AlertAggregation `json:"aggregation"`
	Threshold     float64          `json:"threshold"`
	WindowSeconds int              `json:"window_seconds"`
	Severity      AlertSeverity    `json:"severity"`
	Actions       []AlertAction    `json:"actions"`
	Model         Model            `json:"model,omitempty"` // empty = all models
	Enabled       bool             `json:"enabled"`
}

// Alert is a fired rule instance. Lifecycle is strictly
// inactive -> firing -> resolved.
type Alert struct {
	ID         string             `json:"id"`
	RuleID     string             `json:"rule_id"`
	Severity   AlertSeverity      `json:"severity"`
	Model      Model              `json:"model,omitempty"`
	Message    string             `json:"message"`
	FiredAt    time.Time          `json:"fired_at"`
	ResolvedAt *time.Time         `json:"resolved_at,omitempty"`
	Measured   map[string]float64 `json:"measured,omitempty"`
}

// Resolved reports whether the alert has left the firing state.
func (a *Alert) Resolved() bool { return a.ResolvedAt != nil }

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// LLMClient is the per-dialect provider client. One implementation
// exists per provider wire format.
type LLMClient interface {
	ChatComplete(ctx context.Context, model string, req *LLMRequest) (*ProviderResult, error)
	Ping(ctx context.Context) bool
}

// ResponseGenerator produces user-facing assistant text for a chat
// turn. Implementations must not mutate the snapshot.
type ResponseGenerator interface {
	Generate(ctx context.Context, intent Intent, snapshot ContextSnapshot, userText string) (*GeneratedResponse, error)
}

// Clock abstracts wall time and sleeping so tests can run on a fake
// timeline. Sleep returns early with the context error when the
// context is cancelled.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}
