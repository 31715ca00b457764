package contextstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"routegate/internal/config"
	"routegate/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.Advance(d)
	return ctx.Err()
}

func newTestStore(clock domain.Clock) *Store {
	cfg := config.Default().Context
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, clock, logger)
}

func TestStoreAppend(t *testing.T) {
	t.Run("unknown session errors", func(t *testing.T) {
		s := newTestStore(newFakeClock())
		if _, err := s.Append("missing", domain.RoleUser, "hello"); err != domain.ErrSessionNotFound {
			t.Errorf("Expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("messages accumulate with token estimates", func(t *testing.T) {
		s := newTestStore(newFakeClock())
		s.GetOrCreate("s1", "u1")

		msg, err := s.Append("s1", domain.RoleUser, "find me remote jobs")
		if err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
		if msg.Tokens != len("find me remote jobs")/4 {
			t.Errorf("Expected %d tokens, got %d", len("find me remote jobs")/4, msg.Tokens)
		}
		if len(msg.Embedding) != domain.EmbeddingDim {
			t.Errorf("Expected an embedding on a user message, got %d dims", len(msg.Embedding))
		}

		snap, err := s.Snapshot("s1")
		if err != nil {
			t.Fatalf("Snapshot returned error: %v", err)
		}
		if snap.Metadata.MessageCount != 1 {
			t.Errorf("Expected message count 1, got %d", snap.Metadata.MessageCount)
		}
	})

	t.Run("system messages are not embedded", func(t *testing.T) {
		s := newTestStore(newFakeClock())
		s.GetOrCreate("s1", "u1")
		msg, err := s.Append("s1", domain.RoleSystem, "you are an assistant")
		if err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
		if msg.Embedding != nil {
			t.Error("Expected no embedding on a system message")
		}
	})

	t.Run("log trims oldest past the bound", func(t *testing.T) {
		s := newTestStore(newFakeClock())
		s.GetOrCreate("s1", "u1")
		for i := 1; i <= 105; i++ {
			if _, err := s.Append("s1", domain.RoleUser, fmt.Sprintf("message %d", i)); err != nil {
				t.Fatalf("Append %d returned error: %v", i, err)
			}
		}

		snap, err := s.Snapshot("s1")
		if err != nil {
			t.Fatalf("Snapshot returned error: %v", err)
		}
		if len(snap.Messages) != 100 {
			t.Fatalf("Expected log bounded at 100, got %d", len(snap.Messages))
		}
		if snap.Messages[0].Content != "message 6" {
			t.Errorf("Expected oldest surviving message 6, got %q", snap.Messages[0].Content)
		}
		if snap.Messages[99].Content != "message 105" {
			t.Errorf("Expected newest message 105, got %q", snap.Messages[99].Content)
		}
		// The counter keeps counting past the trim.
		if snap.Metadata.MessageCount != 105 {
			t.Errorf("Expected message count 105, got %d", snap.Metadata.MessageCount)
		}
	})
}

func TestStoreRetrieveRelevant(t *testing.T) {
	t.Run("recent window without query returns chronological tail", func(t *testing.T) {
		clock := newFakeClock()
		s := newTestStore(clock)
		s.GetOrCreate("s1", "u1")

		s.Append("s1", domain.RoleUser, "old message")
		clock.Advance(2 * time.Hour)
		s.Append("s1", domain.RoleUser, "first recent")
		s.Append("s1", domain.RoleAssistant, "second recent")

		msgs, err := s.RetrieveRelevant("s1", "", RetrieveOptions{})
		if err != nil {
			t.Fatalf("RetrieveRelevant returned error: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("Expected 2 messages inside the window, got %d", len(msgs))
		}
		if msgs[0].Content != "first recent" || msgs[1].Content != "second recent" {
			t.Errorf("Expected chronological order, got %q then %q", msgs[0].Content, msgs[1].Content)
		}
	})

	t.Run("system messages excluded by default", func(t *testing.T) {
		s := newTestStore(newFakeClock())
		s.GetOrCreate("s1", "u1")
		s.Append("s1", domain.RoleSystem, "system prompt")
		s.Append("s1", domain.RoleUser, "user text")

		msgs, err := s.RetrieveRelevant("s1", "", RetrieveOptions{})
		if err != nil {
			t.Fatalf("RetrieveRelevant returned error: %v", err)
		}
		for _, m := range msgs {
			if m.Role == domain.RoleSystem {
				t.Error("System message leaked into retrieval")
			}
		}

		msgs, _ = s.RetrieveRelevant("s1", "", RetrieveOptions{IncludeSystem: true})
		if len(msgs) != 2 {
			t.Errorf("Expected system message with IncludeSystem, got %d messages", len(msgs))
		}
	})

	t.Run("semantic search ranks overlapping content first", func(t *testing.T) {
		s := newTestStore(newFakeClock())
		s.GetOrCreate("s1", "u1")
		s.Append("s1", domain.RoleUser, "remote software engineer jobs in Berlin")
		s.Append("s1", domain.RoleUser, "what should I cook for dinner tonight")

		msgs, err := s.RetrieveRelevant("s1", "software engineer jobs", RetrieveOptions{
			SemanticSearch:     true,
			RelevanceThreshold: 0.1,
		})
		if err != nil {
			t.Fatalf("RetrieveRelevant returned error: %v", err)
		}
		if len(msgs) == 0 {
			t.Fatal("Expected at least one relevant message")
		}
		if !strings.Contains(msgs[0].Content, "software engineer") {
			t.Errorf("Expected the job message ranked first, got %q", msgs[0].Content)
		}
		if msgs[0].Relevance <= 0 {
			t.Error("Expected a populated relevance score")
		}
	})

	t.Run("threshold filters weak matches", func(t *testing.T) {
		s := newTestStore(newFakeClock())
		s.GetOrCreate("s1", "u1")
		s.Append("s1", domain.RoleUser, "completely unrelated gardening topic")

		msgs, err := s.RetrieveRelevant("s1", "kubernetes cluster autoscaling", RetrieveOptions{
			SemanticSearch:     true,
			RelevanceThreshold: 0.9,
		})
		if err != nil {
			t.Fatalf("RetrieveRelevant returned error: %v", err)
		}
		if len(msgs) != 0 {
			t.Errorf("Expected no messages over a 0.9 threshold, got %d", len(msgs))
		}
	})
}

func TestStoreSummarize(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	s.GetOrCreate("s1", "u1")
	s.Append("s1", domain.RoleUser, "find software engineer jobs at Stripe")
	s.Append("s1", domain.RoleAssistant, "searching now")
	s.SetCurrentTask("s1", string(domain.TaskJobSearch))

	summary, err := s.Summarize("s1")
	if err != nil {
		t.Fatalf("Summarize returned error: %v", err)
	}

	lines := strings.Split(summary, "\n")
	if len(lines) != 5 {
		t.Fatalf("Expected a 5-line summary, got %d lines:\n%s", len(lines), summary)
	}
	checks := []struct{ prefix, contains string }{
		{"Session started:", "2025-06-01"},
		{"Messages:", "2"},
		{"Current task:", "JOB_SEARCH"},
		{"Last request:", "software engineer"},
		{"Key entities:", "Stripe"},
	}
	for i, c := range checks {
		if !strings.HasPrefix(lines[i], c.prefix) {
			t.Errorf("Line %d: expected prefix %q, got %q", i, c.prefix, lines[i])
		}
		if !strings.Contains(lines[i], c.contains) {
			t.Errorf("Line %d: expected to contain %q, got %q", i, c.contains, lines[i])
		}
	}

	t.Run("long requests are truncated", func(t *testing.T) {
		s.Append("s1", domain.RoleUser, strings.Repeat("x", 300))
		summary, _ := s.Summarize("s1")
		for _, line := range strings.Split(summary, "\n") {
			if strings.HasPrefix(line, "Last request:") && len(line) > len("Last request: ")+100 {
				t.Errorf("Expected the last request truncated to 100 chars, got %d", len(line))
			}
		}
	})

	t.Run("multibyte requests truncate on rune boundaries", func(t *testing.T) {
		s.Append("s1", domain.RoleUser, strings.Repeat("日本語テキスト", 30))
		summary, _ := s.Summarize("s1")
		if !utf8.ValidString(summary) {
			t.Fatal("Expected the summary to remain valid UTF-8")
		}
		for _, line := range strings.Split(summary, "\n") {
			if !strings.HasPrefix(line, "Last request:") {
				continue
			}
			request := strings.TrimPrefix(line, "Last request: ")
			if n := len([]rune(request)); n != 100 {
				t.Errorf("Expected the last request truncated to 100 runes, got %d", n)
			}
		}
	})

	t.Run("empty session has placeholder fields", func(t *testing.T) {
		s.GetOrCreate("empty", "u2")
		summary, err := s.Summarize("empty")
		if err != nil {
			t.Fatalf("Summarize returned error: %v", err)
		}
		if !strings.Contains(summary, "Current task: none") {
			t.Error("Expected placeholder current task")
		}
		if !strings.Contains(summary, "Key entities: none") {
			t.Error("Expected placeholder entities")
		}
	})
}

func TestStoreSweep(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	var evicted int
	s.OnEvict(func(count int) { evicted += count })

	s.GetOrCreate("stale", "u1")
	s.Append("stale", domain.RoleUser, "hello")

	clock.Advance(25 * time.Hour)
	s.GetOrCreate("fresh", "u2")
	s.Append("fresh", domain.RoleUser, "hi")

	s.sweep()

	if s.SessionCount() != 1 {
		t.Errorf("Expected only the fresh session to survive, got %d", s.SessionCount())
	}
	if _, err := s.Snapshot("stale"); err != domain.ErrSessionNotFound {
		t.Errorf("Expected stale session evicted, got %v", err)
	}
	if evicted != 1 {
		t.Errorf("Expected eviction callback with 1, got %d", evicted)
	}
}

func TestStoreProfile(t *testing.T) {
	s := newTestStore(newFakeClock())
	s.GetOrCreate("s1", "u1")
	s.SetProfile("s1", &domain.UserProfile{
		JobSeeker:   true,
		Preferences: map[string]string{"current_page": "linkedin.com/jobs"},
	})

	snap, err := s.Snapshot("s1")
	if err != nil {
		t.Fatalf("Snapshot returned error: %v", err)
	}
	if snap.Profile == nil || !snap.Profile.JobSeeker {
		t.Fatal("Expected the profile on the snapshot")
	}

	// The snapshot must be a copy, not a live reference.
	snap.Profile.Preferences = nil
	again, _ := s.Snapshot("s1")
	if again.Profile.Preferences == nil {
		t.Error("Mutating a snapshot leaked into the store")
	}
}
