// Package intent classifies user utterances into typed task intents
// using layered keyword, context and feature scoring.
package intent

import (
	"time"

	"routegate/internal/domain"
)

// taskPattern is one per task type. Score = keyword hits + 2x phrase
// hits - negative hits, normalized by |keywords| + 2|phrases|, scaled
// by base confidence.
type taskPattern struct {
	taskType domain.TaskType
	keywords []string
	phrases  []string
	negative []string
	base     float64
}

var taskPatterns = []taskPattern{
	{
		taskType: domain.TaskJobSearch,
		keywords: []string{"job", "jobs", "career", "position", "positions", "hiring", "vacancy", "openings", "employment", "apply"},
		phrases:  []string{"find jobs", "job search", "looking for work", "open positions"},
		base:     0.9,
	},
	{
		taskType: domain.TaskFormFilling,
		keywords: []string{"form", "fill", "submit", "field", "checkbox", "input", "application"},
		phrases:  []string{"fill out", "fill in", "complete the form", "submit the application"},
		base:     0.85,
	},
	{
		taskType: domain.TaskDataExtraction,
		keywords: []string{"extract", "scrape", "collect", "data", "parse", "export", "table", "listing"},
		phrases:  []string{"extract data", "pull the data", "get the list"},
		base:     0.85,
	},
	{
		taskType: domain.TaskCompanyResearch,
		keywords: []string{"company", "research", "competitor", "funding", "revenue", "industry", "profile"},
		phrases:  []string{"research the company", "company profile", "tell me about"},
		base:     0.8,
	},
	{
		taskType: domain.TaskContactScraping,
		keywords: []string{"contact", "contacts", "email", "phone", "linkedin", "outreach", "reach"},
		phrases:  []string{"contact information", "email address", "phone number"},
		base:     0.8,
	},
	{
		taskType: domain.TaskCustomWorkflow,
		keywords: []string{"workflow", "automate", "automation", "script", "schedule", "pipeline", "steps"},
		phrases:  []string{"multi-step", "custom workflow", "automate this"},
		base:     0.75,
	},
	{
		taskType: domain.TaskGeneralQuery,
		keywords: []string{"help", "what", "how", "question", "explain", "summarize", "summary", "report"},
		phrases:  []string{"help me", "can you", "what is"},
		negative: []string{"job", "form", "extract"},
		base:     0.6,
	},
}

// agentForTask maps each task type to its default agent.
var agentForTask = map[domain.TaskType]domain.AgentType{
	domain.TaskJobSearch:       domain.AgentExtractor,
	domain.TaskFormFilling:     domain.AgentNavigator,
	domain.TaskDataExtraction:  domain.AgentExtractor,
	domain.TaskCompanyResearch: domain.AgentExtractor,
	domain.TaskContactScraping: domain.AgentExtractor,
	domain.TaskCustomWorkflow:  domain.AgentPlanner,
	domain.TaskGeneralQuery:    domain.AgentCoordinator,
}

// capabilitiesForTask maps each task type to the capability axes the
// router should weigh.
var capabilitiesForTask = map[domain.TaskType][]domain.Dimension{
	domain.TaskJobSearch:       {domain.DimExtraction, domain.DimNavigation},
	domain.TaskFormFilling:     {domain.DimNavigation},
	domain.TaskDataExtraction:  {domain.DimExtraction},
	domain.TaskCompanyResearch: {domain.DimExtraction, domain.DimReasoning},
	domain.TaskContactScraping: {domain.DimExtraction},
	domain.TaskCustomWorkflow:  {domain.DimPlanning, domain.DimCoding},
	domain.TaskGeneralQuery:    {domain.DimReasoning, domain.DimSummarization},
}

// baseDurations is the pre-complexity duration estimate per task.
var baseDurations = map[domain.TaskType]time.Duration{
	domain.TaskJobSearch:       120 * time.Second,
	domain.TaskFormFilling:     60 * time.Second,
	domain.TaskDataExtraction:  90 * time.Second,
	domain.TaskCompanyResearch: 180 * time.Second,
	domain.TaskContactScraping: 90 * time.Second,
	domain.TaskCustomWorkflow:  300 * time.Second,
	domain.TaskGeneralQuery:    30 * time.Second,
}

// clarificationPairs holds questions keyed on (primary, alternative)
// type pairs, used when two intents score too close.
var clarificationPairs = map[[2]domain.TaskType][]string{
	{domain.TaskJobSearch, domain.TaskCompanyResearch}: {
		"Are you looking for open positions, or researching the company itself?",
	},
	{domain.TaskJobSearch, domain.TaskFormFilling}: {
		"Do you want me to search for jobs, or fill out an application you already have?",
	},
	{domain.TaskDataExtraction, domain.TaskContactScraping}: {
		"Should I extract general page data, or specifically contact details?",
	},
	{domain.TaskCompanyResearch, domain.TaskContactScraping}: {
		"Do you want company background, or contact information for people there?",
	},
	{domain.TaskCustomWorkflow, domain.TaskDataExtraction}: {
		"Is this a one-off extraction, or a repeating workflow you want automated?",
	},
}

// defaultClarifications covers low-confidence primaries with no pair
// entry.
var defaultClarifications = map[domain.TaskType]string{
	domain.TaskJobSearch:       "What kind of roles are you looking for?",
	domain.TaskFormFilling:     "Which form should I fill out, and with what information?",
	domain.TaskDataExtraction:  "What data would you like me to extract, and from where?",
	domain.TaskCompanyResearch: "Which company should I research, and what do you want to know?",
	domain.TaskContactScraping: "Whose contact details do you need?",
	domain.TaskCustomWorkflow:  "Can you walk me through the steps you want automated?",
	domain.TaskGeneralQuery:    "Could you tell me more about what you need help with?",
}

// textFeature is a boolean signal over the utterance.
type textFeature string

const (
	featJobWords        textFeature = "job_words"
	featFormWords       textFeature = "form_words"
	featDataWords       textFeature = "data_words"
	featAutomationWords textFeature = "automation_words"
	featResearchWords   textFeature = "research_words"
	featContactWords    textFeature = "contact_words"
	featUrgencyWords    textFeature = "urgency_words"
	featQuestionWords   textFeature = "question_words"
	featLongText        textFeature = "long_text"
)

// featureWeights maps active features to per-task scores. The
// resulting per-type totals are max-normalized.
var featureWeights = map[domain.TaskType]map[textFeature]float64{
	domain.TaskJobSearch: {
		featJobWords: 0.8, featUrgencyWords: 0.1,
	},
	domain.TaskFormFilling: {
		featFormWords: 0.8, featJobWords: 0.2,
	},
	domain.TaskDataExtraction: {
		featDataWords: 0.8, featLongText: 0.1,
	},
	domain.TaskCompanyResearch: {
		featResearchWords: 0.8, featQuestionWords: 0.2,
	},
	domain.TaskContactScraping: {
		featContactWords: 0.8, featDataWords: 0.2,
	},
	domain.TaskCustomWorkflow: {
		featAutomationWords: 0.8, featLongText: 0.3,
	},
	domain.TaskGeneralQuery: {
		featQuestionWords: 0.6,
	},
}

var featureVocabulary = map[textFeature][]string{
	featJobWords:        {"job", "jobs", "career", "position", "hiring", "apply"},
	featFormWords:       {"form", "fill", "submit", "field", "application"},
	featDataWords:       {"extract", "scrape", "data", "export", "parse"},
	featAutomationWords: {"automate", "workflow", "schedule", "pipeline", "script"},
	featResearchWords:   {"research", "company", "competitor", "funding"},
	featContactWords:    {"contact", "email", "phone", "outreach"},
	featUrgencyWords:    {"urgent", "asap", "immediately", "now", "quickly"},
	featQuestionWords:   {"what", "how", "why", "help", "explain"},
}
