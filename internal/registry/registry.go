// Package registry holds the static model capability table and the
// runtime enable/disable flags.
package registry

import (
	"sync"

	"routegate/internal/domain"
)

// capabilityTable is the static per-model score matrix. Scores are
// 0-100 and never change at runtime; only the enabled flag does.
var capabilityTable = map[domain.Model]domain.CapabilityVector{
	domain.ModelMistral7B: {
		Planning: 55, Navigation: 90, Extraction: 70, Reasoning: 60,
		Coding: 55, Summarization: 65, Speed: 95, Reliability: 88,
		CostPer1K: 0.0002, ContextLength: 32768,
	},
	domain.ModelLlama8B: {
		Planning: 65, Navigation: 70, Extraction: 72, Reasoning: 68,
		Coding: 62, Summarization: 80, Speed: 90, Reliability: 86,
		CostPer1K: 0.0002, ContextLength: 131072,
	},
	domain.ModelLlama70B: {
		Planning: 95, Navigation: 70, Extraction: 80, Reasoning: 92,
		Coding: 75, Summarization: 85, Speed: 55, Reliability: 90,
		CostPer1K: 0.0009, ContextLength: 131072,
	},
	domain.ModelMixtral8x7B: {
		Planning: 80, Navigation: 65, Extraction: 78, Reasoning: 85,
		Coding: 72, Summarization: 92, Speed: 70, Reliability: 87,
		CostPer1K: 0.0006, ContextLength: 32768,
	},
	domain.ModelNemoRetriever: {
		Planning: 45, Navigation: 50, Extraction: 96, Reasoning: 55,
		Coding: 40, Summarization: 70, Speed: 92, Reliability: 89,
		CostPer1K: 0.0001, ContextLength: 8192,
	},
	domain.ModelCodeLlama: {
		Planning: 60, Navigation: 55, Extraction: 60, Reasoning: 70,
		Coding: 88, Summarization: 60, Speed: 75, Reliability: 84,
		CostPer1K: 0.0004, ContextLength: 16384,
	},
	domain.ModelDeepseekCoder: {
		Planning: 65, Navigation: 55, Extraction: 62, Reasoning: 78,
		Coding: 94, Summarization: 62, Speed: 65, Reliability: 85,
		CostPer1K: 0.0006, ContextLength: 16384,
	},
	domain.ModelClaude35Sonnet: {
		Planning: 97, Navigation: 85, Extraction: 92, Reasoning: 98,
		Coding: 93, Summarization: 96, Speed: 60, Reliability: 97,
		CostPer1K: 0.009, ContextLength: 200000,
	},
	domain.ModelGPT4o: {
		Planning: 95, Navigation: 84, Extraction: 90, Reasoning: 96,
		Coding: 91, Summarization: 94, Speed: 65, Reliability: 95,
		CostPer1K: 0.0075, ContextLength: 128000,
	},
}

// Registry answers capability lookups and tracks which models are
// routable. All models start enabled.
type Registry struct {
	mu      sync.RWMutex
	enabled map[domain.Model]bool
}

// New returns a registry with every known model enabled.
func New() *Registry {
	enabled := make(map[domain.Model]bool, len(capabilityTable))
	for m := range capabilityTable {
		enabled[m] = true
	}
	return &Registry{enabled: enabled}
}

// Capabilities returns the static capability vector for a model.
func (r *Registry) Capabilities(m domain.Model) (domain.CapabilityVector, bool) {
	v, ok := capabilityTable[m]
	return v, ok
}

// Enabled reports whether a model may be routed to.
func (r *Registry) Enabled(m domain.Model) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[m]
}

// SetEnabled flips a model's routable flag. Used by operators and the
// disable_model alert action.
func (r *Registry) SetEnabled(m domain.Model, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := capabilityTable[m]; known {
		r.enabled[m] = on
	}
}

// CostOf prices a token count against the model's per-1K rate.
func (r *Registry) CostOf(m domain.Model, tokens int) float64 {
	v, ok := capabilityTable[m]
	if !ok {
		return 0
	}
	return float64(tokens) / 1000 * v.CostPer1K
}

// EnabledModels returns the currently routable models in the
// canonical pool order.
func (r *Registry) EnabledModels() []domain.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Model
	for _, m := range domain.AllModels() {
		if r.enabled[m] {
			out = append(out, m)
		}
	}
	return out
}
