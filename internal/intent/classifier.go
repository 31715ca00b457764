package intent

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"

	"routegate/internal/domain"
)

// Layer weights. Pattern evidence dominates; context and surface
// features adjust.
const (
	patternWeight = 0.5
	contextWeight = 0.3
	featureWeight = 0.2
)

const (
	clarifyThreshold  = 0.7
	alternativeMargin = 0.2
	candidateFloor    = 0.1
	fuzzyThreshold    = 0.85
)

// Signals is the non-textual evidence available to the classifier.
type Signals struct {
	PreviousTasks []domain.TaskType
	Profile       *domain.UserProfile
	CurrentPage   string
}

// Classifier scores utterances against the fixed task patterns.
// Stateless apart from injected collaborators; identical input on an
// identical clock yields an identical result.
type Classifier struct {
	clock  domain.Clock
	logger *slog.Logger
}

// New creates a classifier.
func New(clock domain.Clock, logger *slog.Logger) *Classifier {
	return &Classifier{clock: clock, logger: logger}
}

// Classify maps an utterance plus signals to a ClassificationResult.
// It never fails: any internal panic degrades to the fallback intent.
func (c *Classifier) Classify(text string, sig Signals) (result *domain.ClassificationResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("classifier failure, using fallback intent", "panic", r)
			result = c.fallback()
		}
	}()

	words := tokenize(text)
	lower := strings.ToLower(text)

	patternScores := c.patternLayer(lower, words)
	contextScores := c.contextLayer(sig)
	featureScores := c.featureLayer(lower, words)

	complexity := estimateComplexity(words, lower)
	priority := estimatePriority(lower)

	type candidate struct {
		taskType   domain.TaskType
		confidence float64
	}
	var candidates []candidate
	for taskType, ps := range patternScores {
		if ps < candidateFloor {
			continue
		}
		conf := patternWeight*ps + contextWeight*contextScores[taskType] + featureWeight*featureScores[taskType]
		if conf > 1.0 {
			conf = 1.0
		}
		candidates = append(candidates, candidate{taskType: taskType, confidence: conf})
	}
	if len(candidates) == 0 {
		return c.fallback()
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].confidence != candidates[j].confidence {
			return candidates[i].confidence > candidates[j].confidence
		}
		return candidates[i].taskType < candidates[j].taskType
	})

	makeIntent := func(cand candidate) domain.Intent {
		return domain.Intent{
			Type:       cand.taskType,
			Agent:      agentForTask[cand.taskType],
			Complexity: complexity,
			Priority:   priority,
			Confidence: cand.confidence,
			Parameters: map[string]string{
				"word_count": strconv.Itoa(len(words)),
			},
			EstimatedDuration:    time.Duration(float64(baseDurations[cand.taskType]) * complexity.Factor()),
			RequiredCapabilities: capabilitiesForTask[cand.taskType],
		}
	}

	primary := makeIntent(candidates[0])
	var alternatives []domain.Intent
	for _, cand := range candidates[1:] {
		if len(alternatives) == 3 {
			break
		}
		alternatives = append(alternatives, makeIntent(cand))
	}

	needsClarification := primary.Confidence < clarifyThreshold
	closeAlternative := len(alternatives) > 0 &&
		primary.Confidence-alternatives[0].Confidence < alternativeMargin
	if closeAlternative {
		needsClarification = true
	}

	var questions []string
	if needsClarification {
		if closeAlternative {
			questions = append(questions, pairQuestions(primary.Type, alternatives[0].Type)...)
		}
		if len(questions) == 0 {
			questions = append(questions, defaultClarifications[primary.Type])
		}
	}

	return &domain.ClassificationResult{
		Primary:      primary,
		Alternatives: alternatives,
		Reasoning: fmt.Sprintf("pattern=%.2f context=%.2f features=%.2f for %s",
			patternScores[primary.Type], contextScores[primary.Type], featureScores[primary.Type], primary.Type),
		Confidence:             primary.Confidence,
		NeedsClarification:     needsClarification,
		ClarificationQuestions: questions,
	}
}

// fallback is the degraded result used when classification cannot
// complete. Callers must treat it as valid.
func (c *Classifier) fallback() *domain.ClassificationResult {
	intent := domain.Intent{
		Type:                 domain.TaskDataExtraction,
		Agent:                domain.AgentExtractor,
		Complexity:           domain.ComplexityMedium,
		Priority:             domain.PriorityMedium,
		Confidence:           0.5,
		EstimatedDuration:    baseDurations[domain.TaskDataExtraction],
		RequiredCapabilities: capabilitiesForTask[domain.TaskDataExtraction],
	}
	return &domain.ClassificationResult{
		Primary:                intent,
		Reasoning:              "classification unavailable, fallback intent",
		Confidence:             0.5,
		NeedsClarification:     true,
		ClarificationQuestions: []string{defaultClarifications[domain.TaskDataExtraction]},
	}
}

// patternLayer scores each task pattern over the utterance.
func (c *Classifier) patternLayer(lower string, words []string) map[domain.TaskType]float64 {
	scores := make(map[domain.TaskType]float64, len(taskPatterns))
	for _, p := range taskPatterns {
		hits := 0.0
		for _, kw := range p.keywords {
			if containsWord(words, kw) {
				hits++
			}
		}
		for _, ph := range p.phrases {
			if strings.Contains(lower, ph) {
				hits += 2
			}
		}
		for _, neg := range p.negative {
			if containsWord(words, neg) {
				hits--
			}
		}
		if hits <= 0 {
			continue
		}
		denom := float64(len(p.keywords) + 2*len(p.phrases))
		scores[p.taskType] = hits / denom * p.base
	}
	return scores
}

// contextLayer derives per-type boosts from session signals and the
// wall clock, capped at 1.0.
func (c *Classifier) contextLayer(sig Signals) map[domain.TaskType]float64 {
	boosts := make(map[domain.TaskType]float64)

	recent := sig.PreviousTasks
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	for _, t := range recent {
		boosts[t] += 0.15
	}

	if sig.Profile != nil && sig.Profile.JobSeeker {
		boosts[domain.TaskJobSearch] += 0.2
	}

	page := strings.ToLower(sig.CurrentPage)
	switch {
	case strings.Contains(page, "linkedin"):
		boosts[domain.TaskJobSearch] += 0.4
	case strings.Contains(page, "greenhouse"), strings.Contains(page, "lever"):
		boosts[domain.TaskFormFilling] += 0.3
	case strings.Contains(page, "crunchbase"):
		boosts[domain.TaskCompanyResearch] += 0.3
	}

	now := c.clock.Now()
	if hour := now.Hour(); hour >= 9 && hour < 17 &&
		now.Weekday() != time.Saturday && now.Weekday() != time.Sunday {
		boosts[domain.TaskJobSearch] += 0.1
		boosts[domain.TaskCompanyResearch] += 0.1
		boosts[domain.TaskContactScraping] += 0.1
	}

	for t, b := range boosts {
		if b > 1.0 {
			boosts[t] = 1.0
		}
	}
	return boosts
}

// featureLayer evaluates the boolean feature vocabulary and
// max-normalizes the weighted per-type totals.
func (c *Classifier) featureLayer(lower string, words []string) map[domain.TaskType]float64 {
	active := make(map[textFeature]bool)
	for feat, vocab := range featureVocabulary {
		for _, w := range vocab {
			if containsWord(words, w) {
				active[feat] = true
				break
			}
		}
	}
	if len(words) > 30 {
		active[featLongText] = true
	}

	scores := make(map[domain.TaskType]float64)
	maxScore := 0.0
	for taskType, weights := range featureWeights {
		total := 0.0
		for feat, w := range weights {
			if active[feat] {
				total += w
			}
		}
		scores[taskType] = total
		if total > maxScore {
			maxScore = total
		}
	}
	if maxScore > 0 {
		for t := range scores {
			scores[t] /= maxScore
		}
	}
	return scores
}

// pairQuestions looks up the clarification table for an intent pair,
// direction-insensitive.
func pairQuestions(primary, alternative domain.TaskType) []string {
	if qs, ok := clarificationPairs[[2]domain.TaskType{primary, alternative}]; ok {
		return qs
	}
	if qs, ok := clarificationPairs[[2]domain.TaskType{alternative, primary}]; ok {
		return qs
	}
	return nil
}

func estimateComplexity(words []string, lower string) domain.Complexity {
	multiStep := strings.Contains(lower, "then") ||
		strings.Contains(lower, "after that") ||
		strings.Contains(lower, "workflow") ||
		strings.Contains(lower, "multiple")
	switch {
	case len(words) > 30 || multiStep:
		return domain.ComplexityHigh
	case len(words) > 12:
		return domain.ComplexityMedium
	default:
		return domain.ComplexityLow
	}
}

func estimatePriority(lower string) domain.Priority {
	switch {
	case strings.Contains(lower, "urgent") || strings.Contains(lower, "asap") ||
		strings.Contains(lower, "immediately"):
		return domain.PriorityUrgent
	case strings.Contains(lower, "today") || strings.Contains(lower, "soon"):
		return domain.PriorityHigh
	default:
		return domain.PriorityMedium
	}
}

// tokenize lowercases and strips punctuation from the utterance.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '+' && r != '#'
	})
}

// containsWord reports an exact or fuzzy token match. Fuzzy matching
// kicks in for words of four or more runes to keep short tokens from
// colliding.
func containsWord(words []string, target string) bool {
	for _, w := range words {
		if w == target {
			return true
		}
		if len(target) >= 4 && len(w) >= 4 && levenshteinSimilarity(w, target) >= fuzzyThreshold {
			return true
		}
	}
	return false
}

// levenshteinSimilarity is 1 - distance/maxLen.
func levenshteinSimilarity(a, b string) float64 {
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}
