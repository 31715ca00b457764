// Package routing selects a primary model and ordered fallbacks for a
// task using rule-based capability matching plus constraint
// overrides.
package routing

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"routegate/internal/config"
	"routegate/internal/domain"
)

// CapabilitySource answers model capability and enablement lookups.
// *registry.Registry satisfies this.
type CapabilitySource interface {
	Capabilities(domain.Model) (domain.CapabilityVector, bool)
	Enabled(domain.Model) bool
}

// SuccessRater exposes the observed per-model success rate EMA
// (0-100). The aggregator satisfies this; models with no history
// report 100.
type SuccessRater interface {
	SuccessRate(domain.Model) float64
}

// baseTokens estimates the token footprint per task type before
// complexity scaling.
var baseTokens = map[domain.TaskType]float64{
	domain.TaskJobSearch:       800,
	domain.TaskFormFilling:     400,
	domain.TaskDataExtraction:  600,
	domain.TaskCompanyResearch: 1200,
	domain.TaskContactScraping: 500,
	domain.TaskCustomWorkflow:  1500,
	domain.TaskGeneralQuery:    300,
}

// substitutionOrder is the preference list used when a rule's pick is
// disabled.
var substitutionOrder = []domain.Model{
	domain.ModelMistral7B,
	domain.ModelLlama8B,
	domain.ModelNemoRetriever,
	domain.ModelMixtral8x7B,
	domain.ModelLlama70B,
	domain.ModelGPT4o,
	domain.ModelClaude35Sonnet,
}

// Router is the deterministic rule-based model selector. Same task,
// same registry state, same decision.
type Router struct {
	caps   CapabilitySource
	rates  SuccessRater
	cfg    config.RoutingConfig
	clock  domain.Clock
	logger *slog.Logger

	taskPrefs  map[domain.TaskType]taskPref
	agentPrefs map[domain.AgentType][]domain.Model

	mu      sync.Mutex
	history map[string][]decisionRecord
	counts  map[domain.Model]int
	total   int
	confSum float64
}

type taskPref struct {
	preferred []domain.Model
	fallback  []domain.Model
	maxCost   float64
	maxTime   time.Duration
}

type decisionRecord struct {
	Primary   domain.Model
	Rationale string
	At        time.Time
}

// New creates a router. Per-task and per-agent pins from cfg are
// resolved once here; cfg is assumed validated.
func New(caps CapabilitySource, rates SuccessRater, cfg config.RoutingConfig, clock domain.Clock, logger *slog.Logger) *Router {
	r := &Router{
		caps:       caps,
		rates:      rates,
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		taskPrefs:  make(map[domain.TaskType]taskPref),
		agentPrefs: make(map[domain.AgentType][]domain.Model),
		history:    make(map[string][]decisionRecord),
		counts:     make(map[domain.Model]int),
	}
	for name, tr := range cfg.PerTask {
		task, ok := domain.ParseTaskType(name)
		if !ok {
			continue
		}
		r.taskPrefs[task] = taskPref{
			preferred: parseModels(tr.Preferred),
			fallback:  parseModels(tr.Fallback),
			maxCost:   tr.MaxCost,
			maxTime:   tr.MaxTime.Duration,
		}
	}
	for name, ar := range cfg.PerAgent {
		agent, ok := domain.ParseAgentType(name)
		if !ok {
			continue
		}
		r.agentPrefs[agent] = parseModels(ar.Preferred)
	}
	return r
}

func parseModels(names []string) []domain.Model {
	out := make([]domain.Model, 0, len(names))
	for _, name := range names {
		if m, ok := domain.ParseModel(name); ok {
			out = append(out, m)
		}
	}
	return out
}

// Route produces a RouteDecision for a task. The pipeline is rule
// selector, then constraint overrides, then fallback list, then
// confidence and estimates.
func (r *Router) Route(task domain.TaskContext) (*domain.RouteDecision, error) {
	if _, ok := domain.ParseTaskType(string(task.Type)); !ok {
		return nil, domain.NewError(domain.ErrValidation, "unknown task type %q", task.Type)
	}
	if _, ok := domain.ParseAgentType(string(task.Agent)); !ok {
		return nil, domain.NewError(domain.ErrValidation, "unknown agent type %q", task.Agent)
	}

	primary, dim, rationale := r.selectByRules(task)
	primary, rationale = r.applyPreferences(task, primary, rationale)

	// Configured per-task limits stand in for budget and deadline
	// when the request sets neither.
	if tp, ok := r.taskPrefs[task.Type]; ok {
		if task.BudgetLimit == 0 {
			task.BudgetLimit = tp.maxCost
		}
		if task.TimeLimit == 0 {
			task.TimeLimit = tp.maxTime
		}
	}
	primary, rationale = r.applyOverrides(task, primary, rationale)

	var err error
	primary, rationale, err = r.substituteDisabled(primary, rationale)
	if err != nil {
		return nil, err
	}

	fallbacks := r.buildFallbacks(task, primary)
	confidence := r.confidence(primary, dim)
	estCost, estTime := r.estimate(task, primary)

	decision := &domain.RouteDecision{
		Primary:    primary,
		Fallbacks:  fallbacks,
		Rationale:  rationale,
		Confidence: confidence,
		EstCost:    estCost,
		EstTime:    estTime,
	}

	r.recordDecision(task, decision)
	r.logger.Debug("routed task",
		"task_type", task.Type,
		"agent", task.Agent,
		"primary", primary,
		"confidence", confidence,
		"rationale", rationale,
	)
	return decision, nil
}

// selectByRules runs the ordered rule list. Earlier rules win ties.
func (r *Router) selectByRules(task domain.TaskContext) (domain.Model, domain.Dimension, string) {
	high := task.Complexity == domain.ComplexityHigh
	low := task.Complexity == domain.ComplexityLow

	switch {
	case task.Agent == domain.AgentNavigator || task.Type == domain.TaskFormFilling:
		return domain.ModelMistral7B, domain.DimNavigation, "navigation task, fast navigator model"

	case task.Agent == domain.AgentPlanner ||
		task.Type == domain.TaskCustomWorkflow ||
		(task.Type == domain.TaskCompanyResearch && high):
		return domain.ModelLlama70B, domain.DimPlanning, "planning task, large reasoning model"

	case task.Agent == domain.AgentExtractor ||
		task.Type == domain.TaskDataExtraction ||
		task.Type == domain.TaskContactScraping ||
		task.Type == domain.TaskJobSearch ||
		(task.Type == domain.TaskCompanyResearch && low):
		return domain.ModelNemoRetriever, domain.DimExtraction, "factual retrieval task, retriever model"

	case task.Type == domain.TaskCustomWorkflow || (task.Agent == domain.AgentNavigator && high):
		if high {
			return domain.ModelDeepseekCoder, domain.DimCoding, "complex code generation task"
		}
		return domain.ModelCodeLlama, domain.DimCoding, "code generation task"

	case task.Agent == domain.AgentVerifier || task.Type == domain.TaskGeneralQuery:
		if high {
			return domain.ModelMixtral8x7B, domain.DimSummarization, "complex summary task"
		}
		return domain.ModelLlama8B, domain.DimSummarization, "summary task, balanced model"

	default:
		return domain.ModelLlama8B, domain.DimReasoning, "no rule matched, balanced default"
	}
}

// applyPreferences swaps the rule pick for the first enabled
// configured model. Task pins win over agent pins; an empty or fully
// disabled pin list keeps the rule pick.
func (r *Router) applyPreferences(task domain.TaskContext, primary domain.Model, rationale string) (domain.Model, string) {
	if tp, ok := r.taskPrefs[task.Type]; ok {
		for _, m := range tp.preferred {
			if r.caps.Enabled(m) {
				if m == primary {
					return primary, rationale
				}
				return m, rationale + "; configured task preference"
			}
		}
		return primary, rationale
	}
	if preferred, ok := r.agentPrefs[task.Agent]; ok {
		for _, m := range preferred {
			if r.caps.Enabled(m) {
				if m == primary {
					return primary, rationale
				}
				return m, rationale + "; configured agent preference"
			}
		}
	}
	return primary, rationale
}

// applyOverrides applies constraint overrides in fixed order. Tier
// and priority overrides only apply when no earlier override fired.
func (r *Router) applyOverrides(task domain.TaskContext, primary domain.Model, rationale string) (domain.Model, string) {
	if task.BudgetLimit > 0 && task.BudgetLimit < r.cfg.CheapBudgetThreshold {
		return domain.ModelMistral7B, rationale + "; budget override, cheapest model"
	}
	if task.TimeLimit > 0 && task.TimeLimit < r.cfg.FastTimeThreshold.Duration {
		return domain.ModelNemoRetriever, rationale + "; time override, fastest model"
	}
	if task.Tier == domain.TierEnterprise {
		return domain.ModelClaude35Sonnet, rationale + "; enterprise tier, premium model"
	}
	if task.Priority == domain.PriorityUrgent {
		return domain.ModelMistral7B, rationale + "; urgent priority, fastest response"
	}
	return primary, rationale
}

// substituteDisabled replaces a disabled primary with the first
// enabled model in the substitution order.
func (r *Router) substituteDisabled(primary domain.Model, rationale string) (domain.Model, string, error) {
	if r.caps.Enabled(primary) {
		return primary, rationale, nil
	}
	for _, m := range substitutionOrder {
		if m != primary && r.caps.Enabled(m) {
			return m, rationale + fmt.Sprintf("; %s disabled, substituted %s", primary, m), nil
		}
	}
	return "", "", domain.WrapError(domain.ErrServiceUnavailable, domain.ErrNoModelAvailable, "all models disabled")
}

// buildFallbacks picks at most two distinct enabled models, never the
// primary. A configured per-task fallback list replaces the heuristic
// candidates.
func (r *Router) buildFallbacks(task domain.TaskContext, primary domain.Model) []domain.Model {
	var candidates []domain.Model
	if tp, ok := r.taskPrefs[task.Type]; ok {
		candidates = tp.fallback
	} else {
		candidates = []domain.Model{domain.ModelMistral7B}
		if task.Priority == domain.PriorityHigh || task.Priority == domain.PriorityUrgent {
			premium := domain.ModelClaude35Sonnet
			if primary == premium {
				premium = domain.ModelGPT4o
			}
			candidates = append(candidates, premium)
		}
		candidates = append(candidates, domain.ModelLlama8B)
	}

	fallbacks := make([]domain.Model, 0, r.cfg.MaxFallbacks)
	seen := map[domain.Model]bool{primary: true}
	for _, m := range candidates {
		if len(fallbacks) >= r.cfg.MaxFallbacks {
			break
		}
		if seen[m] || !r.caps.Enabled(m) {
			continue
		}
		seen[m] = true
		fallbacks = append(fallbacks, m)
	}
	return fallbacks
}

// confidence blends the primary's static capability scores with its
// observed success rate.
func (r *Router) confidence(primary domain.Model, dim domain.Dimension) int {
	caps, ok := r.caps.Capabilities(primary)
	if !ok {
		return 50
	}
	static := float64(caps.Score(dim)+caps.Reliability) / 2
	observed := 100.0
	if r.rates != nil {
		observed = r.rates.SuccessRate(primary)
	}
	conf := int(math.Round((static + observed) / 2))
	if conf > 100 {
		conf = 100
	}
	return conf
}

// estimate projects token volume into cost and latency. Speed scores
// are treated as tokens per second.
func (r *Router) estimate(task domain.TaskContext, primary domain.Model) (float64, time.Duration) {
	caps, ok := r.caps.Capabilities(primary)
	if !ok {
		return 0, 0
	}
	base, ok := baseTokens[task.Type]
	if !ok {
		base = 500
	}
	tokens := base*task.Complexity.Factor() + float64(task.ContextSize)

	estCost := tokens / 1000 * caps.CostPer1K
	speed := float64(caps.Speed)
	if speed <= 0 {
		speed = 50
	}
	estTime := time.Duration(tokens / speed * float64(time.Second))
	return estCost, estTime
}

// recordDecision appends to the bounded per-shape history and bumps
// usage counters.
func (r *Router) recordDecision(task domain.TaskContext, d *domain.RouteDecision) {
	key := fmt.Sprintf("%s:%s:%s", task.Type, task.Agent, task.Complexity)

	r.mu.Lock()
	defer r.mu.Unlock()

	records := append(r.history[key], decisionRecord{
		Primary:   d.Primary,
		Rationale: d.Rationale,
		At:        r.clock.Now(),
	})
	if len(records) > r.cfg.DecisionHistory {
		records = records[len(records)-r.cfg.DecisionHistory:]
	}
	r.history[key] = records

	r.counts[d.Primary]++
	r.total++
	r.confSum += float64(d.Confidence)
}

// Analytics is the router's contribution to Stats().
type Analytics struct {
	TotalDecisions int                  `json:"total_decisions"`
	ModelUsage     map[domain.Model]int `json:"model_usage"`
	AvgConfidence  float64              `json:"avg_confidence"`
}

// Stats returns routing analytics counters.
func (r *Router) Stats() Analytics {
	r.mu.Lock()
	defer r.mu.Unlock()

	usage := make(map[domain.Model]int, len(r.counts))
	for m, n := range r.counts {
		usage[m] = n
	}
	avg := 0.0
	if r.total > 0 {
		avg = r.confSum / float64(r.total)
	}
	return Analytics{
		TotalDecisions: r.total,
		ModelUsage:     usage,
		AvgConfidence:  avg,
	}
}

// History returns the recorded decisions for one task shape, newest
// last.
func (r *Router) History(taskType domain.TaskType, agent domain.AgentType, complexity domain.Complexity) []string {
	key := fmt.Sprintf("%s:%s:%s", taskType, agent, complexity)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.history[key]))
	for _, rec := range r.history[key] {
		out = append(out, fmt.Sprintf("%s (%s)", rec.Primary, rec.Rationale))
	}
	return out
}
