// Package cache provides the LRU response cache keyed by prompt
// content and task type.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"routegate/internal/domain"
)

type entry struct {
	response  domain.LLMResponse
	expiresAt time.Time
}

// ResponseCache memoizes successful completions. Entries expire by
// TTL and are evicted LRU beyond the size bound.
type ResponseCache struct {
	lru   *lru.Cache[string, entry]
	ttl   time.Duration
	clock domain.Clock
}

// New creates a response cache. size must be positive.
func New(size int, ttl time.Duration, clock domain.Clock) (*ResponseCache, error) {
	inner, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &ResponseCache{lru: inner, ttl: ttl, clock: clock}, nil
}

// Key derives the cache key from the request's messages and task
// type. Whitespace-normalized so trivially reformatted prompts hit.
func Key(req *domain.LLMRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Task.Type))
	h.Write([]byte{0})
	h.Write([]byte(req.System))
	for _, m := range req.Messages {
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(strings.Join(strings.Fields(m.Content), " ")))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a live cached response. Expired entries are removed on
// access.
func (c *ResponseCache) Get(key string) (domain.LLMResponse, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return domain.LLMResponse{}, false
	}
	if c.clock.Now().After(e.expiresAt) {
		c.lru.Remove(key)
		return domain.LLMResponse{}, false
	}
	resp := e.response
	resp.Cached = true
	return resp, true
}

// Put stores a successful response.
func (c *ResponseCache) Put(key string, resp domain.LLMResponse) {
	c.lru.Add(key, entry{
		response:  resp,
		expiresAt: c.clock.Now().Add(c.ttl),
	})
}

// Len returns the number of live and expired entries held.
func (c *ResponseCache) Len() int { return c.lru.Len() }
