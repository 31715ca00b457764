package contextstore

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"routegate/internal/config"
	"routegate/internal/domain"
)

type session struct {
	mu sync.Mutex

	id          string
	userID      string
	messages    []domain.ContextMessage
	graph       *Graph
	profile     *domain.UserProfile
	currentTask string
	meta        domain.ContextMetadata
}

// Store holds all live conversation sessions. Cross-session calls run
// concurrently; operations on one session serialize on its lock.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session

	clock  domain.Clock
	cfg    config.ContextConfig
	logger *slog.Logger

	onEvict func(count int)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a context store.
func New(cfg config.ContextConfig, clock domain.Clock, logger *slog.Logger) *Store {
	return &Store{
		sessions: make(map[string]*session),
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// OnEvict registers a callback invoked with the number of sessions
// removed by each sweep.
func (s *Store) OnEvict(fn func(count int)) { s.onEvict = fn }

// GetOrCreate returns the session for an id, creating it on first
// use.
func (s *Store) GetOrCreate(sessionID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; ok {
		return
	}
	now := s.clock.Now()
	s.sessions[sessionID] = &session{
		id:     sessionID,
		userID: userID,
		graph:  NewGraph(),
		meta: domain.ContextMetadata{
			StartTime:    now,
			LastActivity: now,
		},
	}
}

func (s *Store) get(sessionID string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return sess, nil
}

// Append adds a message to a session's log. Non-system messages are
// embedded before becoming visible to retrieval; user messages feed
// the knowledge graph. The log is trimmed to the configured bound,
// oldest first.
func (s *Store) Append(sessionID string, role domain.Role, content string) (domain.ContextMessage, error) {
	sess, err := s.get(sessionID)
	if err != nil {
		return domain.ContextMessage{}, err
	}

	now := s.clock.Now()
	msg := domain.ContextMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: now,
		Tokens:    len(content) / 4,
	}
	if role != domain.RoleSystem {
		msg.Embedding = Embed(content)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if role == domain.RoleUser {
		s.ingest(sess, content, now)
	}

	sess.messages = append(sess.messages, msg)
	if len(sess.messages) > s.cfg.MaxMessages {
		sess.messages = sess.messages[len(sess.messages)-s.cfg.MaxMessages:]
	}
	sess.meta.MessageCount++
	sess.meta.TotalTokens += msg.Tokens
	sess.meta.LastActivity = now
	return msg, nil
}

// ingest runs entity extraction. Extraction failures are logged and
// swallowed; they must never break a chat turn.
func (s *Store) ingest(sess *session, content string, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("entity extraction failed", "session_id", sess.id, "panic", r)
		}
	}()
	sess.graph.Ingest(content, now)
}

// RetrieveOptions controls RetrieveRelevant. Zero values take the
// store's configured defaults.
type RetrieveOptions struct {
	Window             time.Duration
	MaxMessages        int
	IncludeSystem      bool
	SemanticSearch     bool
	RelevanceThreshold float64
}

// RetrieveRelevant returns messages from the recent window. With a
// query and SemanticSearch, messages are scored by cosine similarity
// against the query embedding, filtered by the relevance threshold,
// and ranked by 0.7*relevance + 0.3*recency. Without a query the most
// recent messages return in chronological order.
func (s *Store) RetrieveRelevant(sessionID, query string, opts RetrieveOptions) ([]domain.ContextMessage, error) {
	sess, err := s.get(sessionID)
	if err != nil {
		return nil, err
	}

	if opts.Window <= 0 {
		opts.Window = s.cfg.RetrievalWindow.Duration
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = s.cfg.RetrievalMax
	}
	if opts.RelevanceThreshold <= 0 {
		opts.RelevanceThreshold = s.cfg.RelevanceThreshold
	}

	now := s.clock.Now()
	cutoff := now.Add(-opts.Window)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	var candidates []domain.ContextMessage
	for _, m := range sess.messages {
		if m.Timestamp.Before(cutoff) {
			continue
		}
		if m.Role == domain.RoleSystem && !opts.IncludeSystem {
			continue
		}
		candidates = append(candidates, m)
	}

	if query == "" || !opts.SemanticSearch {
		if len(candidates) > opts.MaxMessages {
			candidates = candidates[len(candidates)-opts.MaxMessages:]
		}
		return candidates, nil
	}

	queryVec := Embed(query)
	type scored struct {
		msg   domain.ContextMessage
		score float64
	}
	var ranked []scored
	for _, m := range candidates {
		relevance := Cosine(queryVec, m.Embedding)
		if relevance < opts.RelevanceThreshold {
			continue
		}
		age := now.Sub(m.Timestamp)
		recency := 1 - float64(age)/float64(opts.Window)
		if recency < 0 {
			recency = 0
		}
		m.Relevance = relevance
		ranked = append(ranked, scored{msg: m, score: 0.7*relevance + 0.3*recency})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > opts.MaxMessages {
		ranked = ranked[:opts.MaxMessages]
	}

	out := make([]domain.ContextMessage, len(ranked))
	for i, r := range ranked {
		out[i] = r.msg
	}
	return out, nil
}

// Summarize renders the fixed-shape session summary.
func (s *Store) Summarize(sessionID string) (string, error) {
	sess, err := s.get(sessionID)
	if err != nil {
		return "", err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	var lastUser string
	for i := len(sess.messages) - 1; i >= 0; i-- {
		if sess.messages[i].Role == domain.RoleUser {
			lastUser = sess.messages[i].Content
			break
		}
	}
	// Truncate on runes so multibyte text never splits mid-sequence.
	if runes := []rune(lastUser); len(runes) > 100 {
		lastUser = string(runes[:100])
	}

	currentTask := sess.currentTask
	if currentTask == "" {
		currentTask = "none"
	}

	var entityNames []string
	for _, e := range sess.graph.TopEntities(3) {
		entityNames = append(entityNames, fmt.Sprintf("%s (%d)", e.Name, e.Mentions))
	}
	entities := "none"
	if len(entityNames) > 0 {
		entities = strings.Join(entityNames, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session started: %s\n", sess.meta.StartTime.Format(time.RFC3339))
	fmt.Fprintf(&b, "Messages: %d\n", sess.meta.MessageCount)
	fmt.Fprintf(&b, "Current task: %s\n", currentTask)
	fmt.Fprintf(&b, "Last request: %s\n", lastUser)
	fmt.Fprintf(&b, "Key entities: %s", entities)
	return b.String(), nil
}

// Snapshot returns an immutable copy of the session for the
// classifier and response generator.
func (s *Store) Snapshot(sessionID string) (domain.ContextSnapshot, error) {
	sess, err := s.get(sessionID)
	if err != nil {
		return domain.ContextSnapshot{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	msgs := make([]domain.ContextMessage, len(sess.messages))
	copy(msgs, sess.messages)

	var profile *domain.UserProfile
	if sess.profile != nil {
		p := *sess.profile
		profile = &p
	}

	return domain.ContextSnapshot{
		SessionID:   sess.id,
		UserID:      sess.userID,
		Messages:    msgs,
		CurrentTask: sess.currentTask,
		Profile:     profile,
		Metadata:    sess.meta,
	}, nil
}

// SetCurrentTask records the session's active task label.
func (s *Store) SetCurrentTask(sessionID, task string) {
	if sess, err := s.get(sessionID); err == nil {
		sess.mu.Lock()
		sess.currentTask = task
		sess.mu.Unlock()
	}
}

// SetProfile attaches caller hints to a session.
func (s *Store) SetProfile(sessionID string, profile *domain.UserProfile) {
	if sess, err := s.get(sessionID); err == nil {
		sess.mu.Lock()
		sess.profile = profile
		sess.mu.Unlock()
	}
}

// SessionCount returns the number of live sessions.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Start launches the TTL eviction sweep.
func (s *Store) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.SweepInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// sweep evicts sessions idle past the TTL.
func (s *Store) sweep() {
	cutoff := s.clock.Now().Add(-s.cfg.SessionTTL.Duration)

	s.mu.Lock()
	var evicted int
	for id, sess := range s.sessions {
		sess.mu.Lock()
		idle := sess.meta.LastActivity.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			delete(s.sessions, id)
			evicted++
		}
	}
	s.mu.Unlock()

	if evicted > 0 {
		s.logger.Info("evicted idle sessions", "count", evicted)
		if s.onEvict != nil {
			s.onEvict(evicted)
		}
	}
}
