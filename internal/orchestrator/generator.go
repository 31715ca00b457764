package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"routegate/internal/domain"
	"routegate/internal/resilience"
)

const chatSystemPrompt = "You are a work automation assistant. Answer concisely and concretely, using the conversation so far."

// maxChatHistory bounds how many prior turns travel upstream per chat
// request.
const maxChatHistory = 10

var suggestedActions = map[domain.TaskType][]string{
	domain.TaskJobSearch:       {"search_jobs", "refine_filters"},
	domain.TaskFormFilling:     {"open_form", "fill_fields"},
	domain.TaskDataExtraction:  {"extract_page", "export_results"},
	domain.TaskCompanyResearch: {"research_company", "summarize_findings"},
	domain.TaskContactScraping: {"collect_contacts", "export_contacts"},
	domain.TaskCustomWorkflow:  {"draft_workflow", "confirm_steps"},
	domain.TaskGeneralQuery:    {"answer_question"},
}

// LLMGenerator is the default ResponseGenerator: it routes a chat
// turn through the same model pool the completion path uses.
type LLMGenerator struct {
	router   Router
	executor Executor
}

// NewLLMGenerator creates the LLM-backed generator.
func NewLLMGenerator(router Router, executor Executor) *LLMGenerator {
	return &LLMGenerator{router: router, executor: executor}
}

// Generate produces assistant text for one chat turn.
func (g *LLMGenerator) Generate(ctx context.Context, it domain.Intent, snapshot domain.ContextSnapshot, userText string) (*domain.GeneratedResponse, error) {
	task := domain.TaskContext{
		Type:       it.Type,
		Agent:      it.Agent,
		Complexity: it.Complexity,
		Priority:   it.Priority,
		Tier:       domain.TierFree,
	}
	decision, err := g.router.Route(task)
	if err != nil {
		return nil, err
	}

	messages := historyMessages(snapshot)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: userText})

	result, err := g.executor.Execute(ctx, decision, &domain.LLMRequest{
		RequestID: uuid.NewString(),
		SessionID: snapshot.SessionID,
		System:    chatSystemPrompt,
		Messages:  messages,
		Task:      task,
	})
	if err != nil {
		return nil, fmt.Errorf("generate response: %w", err)
	}

	return &domain.GeneratedResponse{
		Content:          result.Response.Content,
		SuggestedActions: suggestedActions[it.Type],
		Confidence:       it.Confidence,
	}, nil
}

// historyMessages converts the tail of the session log to wire
// messages, excluding the just-appended user turn and system entries.
func historyMessages(snapshot domain.ContextSnapshot) []domain.ChatMessage {
	msgs := snapshot.Messages
	if len(msgs) > 0 {
		msgs = msgs[:len(msgs)-1]
	}
	if len(msgs) > maxChatHistory {
		msgs = msgs[len(msgs)-maxChatHistory:]
	}
	out := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			continue
		}
		out = append(out, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

var _ domain.ResponseGenerator = (*LLMGenerator)(nil)

// Interface checks for the concrete wiring.
var _ Executor = (*resilience.Executor)(nil)
