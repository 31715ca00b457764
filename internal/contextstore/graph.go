package contextstore

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"routegate/internal/domain"
)

const extractionSource = "text_extraction"

var titleCaser = cases.Title(language.English)

// extractionPattern is one regex family feeding the knowledge graph.
// Confidence is fixed per family.
type extractionPattern struct {
	entityType domain.EntityType
	re         *regexp.Regexp
	group      int
	confidence float64
}

var extractionPatterns = []extractionPattern{
	{
		entityType: domain.EntityCompany,
		re:         regexp.MustCompile(`\b([A-Z][A-Za-z0-9&.-]*(?:\s+[A-Z][A-Za-z0-9&.-]*)*)\s+(?:Inc|LLC|Corp|Ltd|Labs|Technologies|Systems|Software)\b`),
		group:      1,
		confidence: 0.9,
	},
	{
		entityType: domain.EntityCompany,
		re:         regexp.MustCompile(`\b(?:at|joining)\s+([A-Z][A-Za-z0-9]{2,})\b`),
		group:      1,
		confidence: 0.6,
	},
	{
		entityType: domain.EntityJob,
		re:         regexp.MustCompile(`(?i)\b((?:senior|junior|staff|principal|lead)\s+)?((?:software|data|web|frontend|backend)\s+)?(engineer(?:ing)?|developer|designer|analyst|architect|scientist)\b`),
		group:      0,
		confidence: 0.7,
	},
	{
		entityType: domain.EntityLocation,
		re:         regexp.MustCompile(`\b(?:in|near|around)\s+([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+)?)\b`),
		group:      1,
		confidence: 0.5,
	},
	{
		entityType: domain.EntityLocation,
		re:         regexp.MustCompile(`(?i)\b(remote)\b`),
		group:      1,
		confidence: 0.8,
	},
	{
		entityType: domain.EntityWebsite,
		re:         regexp.MustCompile(`\b(https?://\S+|[a-z0-9][a-z0-9.-]*\.(?:com|org|io|net|ai|dev))\b`),
		group:      1,
		confidence: 0.9,
	},
	{
		entityType: domain.EntityPerson,
		re:         regexp.MustCompile(`\b([A-Z][a-z]+\s+[A-Z][a-z]+)\b`),
		group:      1,
		confidence: 0.5,
	},
}

var skillKeywords = map[string]bool{
	"python": true, "go": true, "golang": true, "java": true,
	"javascript": true, "typescript": true, "react": true, "node": true,
	"sql": true, "aws": true, "docker": true, "kubernetes": true,
	"terraform": true, "rust": true, "linux": true,
}

var skillRe = regexp.MustCompile(`(?i)\b([a-z+#]+)\b`)

// Graph is the per-session knowledge arena: entities and
// relationships in flat maps keyed by stable string ids, no object
// pointers between them. Not internally locked; the owning session
// lock serializes access.
type Graph struct {
	entities      map[string]*domain.Entity
	relationships map[string]*domain.Relationship
}

// NewGraph creates an empty knowledge graph.
func NewGraph() *Graph {
	return &Graph{
		entities:      make(map[string]*domain.Entity),
		relationships: make(map[string]*domain.Relationship),
	}
}

// entityKey is the dedup key: "type:lowercase(name)".
func entityKey(t domain.EntityType, name string) string {
	return fmt.Sprintf("%s:%s", t, strings.ToLower(name))
}

type mention struct {
	key string
	pos int
}

// Ingest extracts entities and proximity relationships from one user
// message.
func (g *Graph) Ingest(text string, now time.Time) {
	var mentions []mention

	for _, p := range extractionPatterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2*p.group], loc[2*p.group+1]
			if start < 0 || end <= start {
				continue
			}
			name := strings.TrimSpace(text[start:end])
			if name == "" {
				continue
			}
			key := g.upsert(p.entityType, name, p.confidence, now)
			mentions = append(mentions, mention{key: key, pos: start})
		}
	}

	for _, loc := range skillRe.FindAllStringIndex(text, -1) {
		word := strings.ToLower(text[loc[0]:loc[1]])
		if !skillKeywords[word] {
			continue
		}
		key := g.upsert(domain.EntitySkill, titleCaser.String(word), 0.8, now)
		mentions = append(mentions, mention{key: key, pos: loc[0]})
	}

	g.relate(mentions, now)
}

// upsert inserts or bumps an entity and returns its arena key.
func (g *Graph) upsert(t domain.EntityType, name string, confidence float64, now time.Time) string {
	key := entityKey(t, name)
	if e, ok := g.entities[key]; ok {
		e.Mentions++
		e.LastMentioned = now
		if confidence > e.Confidence {
			e.Confidence = confidence
		}
		return key
	}
	g.entities[key] = &domain.Entity{
		ID:            uuid.NewString(),
		Type:          t,
		Name:          name,
		Confidence:    confidence,
		Mentions:      1,
		FirstSeen:     now,
		LastMentioned: now,
		Source:        extractionSource,
	}
	return key
}

// relate materializes relationships between distinct entities whose
// mentions sit within 100 characters of each other.
func (g *Graph) relate(mentions []mention, now time.Time) {
	for i := 0; i < len(mentions); i++ {
		for j := i + 1; j < len(mentions); j++ {
			a, b := mentions[i], mentions[j]
			if a.key == b.key {
				continue
			}
			dist := a.pos - b.pos
			if dist < 0 {
				dist = -dist
			}
			if dist > 100 {
				continue
			}

			from, to := a.key, b.key
			if from > to {
				from, to = to, from
			}
			relKey := from + "->" + to
			if rel, ok := g.relationships[relKey]; ok {
				rel.Observed++
				rel.LastSeen = now
				rel.Strength += 0.1
				if rel.Strength > 1.0 {
					rel.Strength = 1.0
				}
				continue
			}
			g.relationships[relKey] = &domain.Relationship{
				ID:       uuid.NewString(),
				From:     from,
				To:       to,
				Kind:     "mentioned_with",
				Strength: 0.7,
				Observed: 1,
				LastSeen: now,
			}
		}
	}
}

// TopEntities returns up to n entities by mention count, ties broken
// by name for determinism.
func (g *Graph) TopEntities(n int) []domain.Entity {
	out := make([]domain.Entity, 0, len(g.entities))
	for _, e := range g.entities {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Mentions != out[j].Mentions {
			return out[i].Mentions > out[j].Mentions
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Entity looks up one entity by type and name.
func (g *Graph) Entity(t domain.EntityType, name string) (domain.Entity, bool) {
	e, ok := g.entities[entityKey(t, name)]
	if !ok {
		return domain.Entity{}, false
	}
	return *e, true
}

// Relationship looks up the relationship between two entity keys,
// direction-insensitive.
func (g *Graph) Relationship(keyA, keyB string) (domain.Relationship, bool) {
	from, to := keyA, keyB
	if from > to {
		from, to = to, from
	}
	rel, ok := g.relationships[from+"->"+to]
	if !ok {
		return domain.Relationship{}, false
	}
	return *rel, true
}

// Size returns entity and relationship counts.
func (g *Graph) Size() (entities, relationships int) {
	return len(g.entities), len(g.relationships)
}
