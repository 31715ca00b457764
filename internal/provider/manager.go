package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"routegate/internal/config"
	"routegate/internal/domain"
)

// Status is a point-in-time view of one provider's health.
type Status struct {
	Name      string         `json:"name"`
	Dialect   string         `json:"dialect"`
	Healthy   bool           `json:"healthy"`
	LastProbe time.Time      `json:"last_probe,omitempty"`
	Models    []domain.Model `json:"models"`
}

type providerEntry struct {
	name    string
	dialect string
	client  domain.LLMClient
	models  []domain.Model
	limits  *limiter

	mu        sync.RWMutex
	healthy   bool
	lastProbe time.Time
}

// Manager owns the provider clients, the canonical-model to provider
// index, and the background health prober. Providers start healthy
// and are marked down only by a failed probe.
type Manager struct {
	entries    map[string]*providerEntry
	modelIndex map[domain.Model]*providerEntry
	nativeIDs  map[domain.Model]string

	logger        *slog.Logger
	probeInterval time.Duration
	probeTimeout  time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// BuildHTTPClient constructs the shared HTTP client shape used by all
// REST dialect clients.
func BuildHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
}

// NewManager builds clients for every configured provider and indexes
// their models. Duplicate model claims are rejected: each canonical
// model maps to exactly one provider.
func NewManager(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		entries:       make(map[string]*providerEntry),
		modelIndex:    make(map[domain.Model]*providerEntry),
		nativeIDs:     make(map[domain.Model]string),
		logger:        logger,
		probeInterval: 60 * time.Second,
		probeTimeout:  10 * time.Second,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	for _, pc := range cfg.Providers {
		var client domain.LLMClient
		var err error

		switch pc.Dialect {
		case "nim":
			client = NewNIMClient(pc.Name, pc.BaseURL, pc.APIKey, BuildHTTPClient(pc.Timeout.Duration))
		case "openai":
			client = NewOpenAIClient(pc.Name, pc.BaseURL, pc.APIKey, BuildHTTPClient(pc.Timeout.Duration))
		case "anthropic":
			client = NewAnthropicClient(pc.Name, pc.BaseURL, pc.APIKey, BuildHTTPClient(pc.Timeout.Duration))
		case "bedrock":
			client, err = NewBedrockClient(ctx, pc.Name, pc.Region, pc.AccessK, pc.SecretK)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
			}
		default:
			return nil, fmt.Errorf("provider %s: unknown dialect %q", pc.Name, pc.Dialect)
		}

		entry := &providerEntry{
			name:    pc.Name,
			dialect: pc.Dialect,
			client:  client,
			limits:  newLimiter(pc.RateLimits),
			healthy: true,
		}
		for _, name := range pc.Models {
			model, ok := domain.ParseModel(name)
			if !ok {
				return nil, fmt.Errorf("provider %s: unknown model %q", pc.Name, name)
			}
			if prev, taken := m.modelIndex[model]; taken {
				return nil, fmt.Errorf("model %s claimed by both %s and %s", model, prev.name, pc.Name)
			}
			m.modelIndex[model] = entry
			m.nativeIDs[model] = pc.ModelIDs[string(model)]
			entry.models = append(entry.models, model)
		}
		m.entries[pc.Name] = entry
	}

	return m, nil
}

// Complete executes one chat completion on the provider that owns the
// model. An unhealthy provider fails fast with SERVICE_UNAVAILABLE so
// the executor can move down the fallback chain without burning the
// request's deadline.
func (m *Manager) Complete(ctx context.Context, model domain.Model, req *domain.LLMRequest) (*domain.ProviderResult, error) {
	entry, ok := m.modelIndex[model]
	if !ok {
		return nil, &domain.Error{
			Kind:    domain.ErrNotFound,
			Model:   model,
			Message: fmt.Sprintf("no provider configured for model %s", model),
		}
	}

	entry.mu.RLock()
	healthy := entry.healthy
	entry.mu.RUnlock()
	if !healthy {
		return nil, &domain.Error{
			Kind:     domain.ErrServiceUnavailable,
			Provider: entry.name,
			Model:    model,
			Message:  fmt.Sprintf("provider %s is unhealthy", entry.name),
		}
	}

	release, err := entry.limits.acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &domain.Error{
				Kind:     domain.ErrTimeout,
				Provider: entry.name,
				Model:    model,
				Message:  "request ended while rate limited",
				Err:      err,
			}
		}
		return nil, &domain.Error{
			Kind:     domain.ErrRateLimit,
			Provider: entry.name,
			Model:    model,
			Message:  "client-side rate limit cannot be satisfied in time",
			Err:      err,
		}
	}
	defer release()

	result, err := entry.client.ChatComplete(ctx, m.nativeIDs[model], req)
	if err != nil {
		if de, ok := domain.AsError(err); ok {
			de.Model = model
		}
		return nil, err
	}
	entry.limits.spend(result.Usage.TotalTokens)
	result.Model = model
	return result, nil
}

// Healthy reports whether the provider owning the model is currently
// passing probes. Unknown models report false.
func (m *Manager) Healthy(model domain.Model) bool {
	entry, ok := m.modelIndex[model]
	if !ok {
		return false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.healthy
}

// Start launches the background health prober. It probes immediately
// and then on a fixed interval until Stop.
func (m *Manager) Start() {
	go func() {
		defer close(m.done)
		m.probeAll()
		ticker := time.NewTicker(m.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.probeAll()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts the prober and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Manager) probeAll() {
	for _, entry := range m.entries {
		ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
		ok := entry.client.Ping(ctx)
		cancel()

		entry.mu.Lock()
		was := entry.healthy
		entry.healthy = ok
		entry.lastProbe = time.Now()
		entry.mu.Unlock()

		if was != ok {
			if ok {
				m.logger.Info("provider recovered", "provider", entry.name)
			} else {
				m.logger.Warn("provider marked unhealthy", "provider", entry.name)
			}
		}
	}
}

// Snapshot returns the current status of all providers, for Stats and
// the admin surface.
func (m *Manager) Snapshot() []Status {
	out := make([]Status, 0, len(m.entries))
	for _, entry := range m.entries {
		entry.mu.RLock()
		out = append(out, Status{
			Name:      entry.name,
			Dialect:   entry.dialect,
			Healthy:   entry.healthy,
			LastProbe: entry.lastProbe,
			Models:    append([]domain.Model(nil), entry.models...),
		})
		entry.mu.RUnlock()
	}
	return out
}
