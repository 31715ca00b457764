package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"routegate/internal/domain"
)

func chatIntent(task domain.TaskType) domain.Intent {
	return domain.Intent{
		Type:       task,
		Agent:      domain.AgentNavigator,
		Complexity: domain.ComplexityLow,
		Priority:   domain.PriorityMedium,
		Confidence: 0.85,
	}
}

func snapshotWith(messages ...domain.ContextMessage) domain.ContextSnapshot {
	return domain.ContextSnapshot{
		SessionID: "s1",
		Messages:  messages,
	}
}

func TestLLMGeneratorGenerate(t *testing.T) {
	t.Run("routes and executes a chat turn", func(t *testing.T) {
		router := &fakeRouter{decision: defaultDecision()}
		exec := &fakeExecutor{result: okResult("here are the jobs")}
		g := NewLLMGenerator(router, exec)

		snapshot := snapshotWith(domain.ContextMessage{Role: domain.RoleUser, Content: "find jobs"})
		resp, err := g.Generate(context.Background(), chatIntent(domain.TaskJobSearch), snapshot, "find jobs")
		if err != nil {
			t.Fatalf("Generate returned error: %v", err)
		}
		if resp.Content != "here are the jobs" {
			t.Errorf("Expected the model content, got %q", resp.Content)
		}
		if resp.Confidence != 0.85 {
			t.Errorf("Expected the intent confidence, got %f", resp.Confidence)
		}
		if len(resp.SuggestedActions) == 0 || resp.SuggestedActions[0] != "search_jobs" {
			t.Errorf("Expected job search actions, got %v", resp.SuggestedActions)
		}

		if exec.lastReq.System != chatSystemPrompt {
			t.Error("Expected the chat system prompt on the request")
		}
		if exec.lastReq.SessionID != "s1" {
			t.Errorf("Expected session s1, got %s", exec.lastReq.SessionID)
		}
		if exec.lastReq.RequestID == "" {
			t.Error("Expected a generated request id")
		}
		if exec.lastReq.Task.Tier != domain.TierFree {
			t.Errorf("Expected the free tier on chat turns, got %s", exec.lastReq.Task.Tier)
		}
		if len(router.calls) != 1 || router.calls[0].Type != domain.TaskJobSearch {
			t.Errorf("Expected one route call for JOB_SEARCH, got %v", router.calls)
		}
	})

	t.Run("history excludes the just-appended user turn", func(t *testing.T) {
		exec := &fakeExecutor{result: okResult("ok")}
		g := NewLLMGenerator(&fakeRouter{decision: defaultDecision()}, exec)

		snapshot := snapshotWith(
			domain.ContextMessage{Role: domain.RoleUser, Content: "earlier question"},
			domain.ContextMessage{Role: domain.RoleAssistant, Content: "earlier answer"},
			domain.ContextMessage{Role: domain.RoleUser, Content: "current question"},
		)
		if _, err := g.Generate(context.Background(), chatIntent(domain.TaskGeneralQuery), snapshot, "current question"); err != nil {
			t.Fatal(err)
		}

		msgs := exec.lastReq.Messages
		if len(msgs) != 3 {
			t.Fatalf("Expected 2 history messages plus the user turn, got %d", len(msgs))
		}
		if msgs[0].Content != "earlier question" || msgs[1].Content != "earlier answer" {
			t.Errorf("Expected the prior turns first, got %v", msgs)
		}
		if msgs[2].Role != domain.RoleUser || msgs[2].Content != "current question" {
			t.Errorf("Expected the user turn last, got %v", msgs[2])
		}
	})

	t.Run("history drops system entries and caps length", func(t *testing.T) {
		exec := &fakeExecutor{result: okResult("ok")}
		g := NewLLMGenerator(&fakeRouter{decision: defaultDecision()}, exec)

		history := []domain.ContextMessage{{Role: domain.RoleSystem, Content: "internal note"}}
		for i := 0; i < 20; i++ {
			history = append(history, domain.ContextMessage{Role: domain.RoleUser, Content: fmt.Sprintf("turn %d", i)})
		}
		history = append(history, domain.ContextMessage{Role: domain.RoleUser, Content: "latest"})

		if _, err := g.Generate(context.Background(), chatIntent(domain.TaskGeneralQuery), snapshotWith(history...), "latest"); err != nil {
			t.Fatal(err)
		}

		msgs := exec.lastReq.Messages
		if len(msgs) != maxChatHistory+1 {
			t.Fatalf("Expected %d messages, got %d", maxChatHistory+1, len(msgs))
		}
		for _, m := range msgs {
			if m.Role == domain.RoleSystem {
				t.Error("System entry leaked into the upstream history")
			}
		}
		// The tail of the history survives, oldest entries drop.
		if msgs[0].Content != "turn 10" {
			t.Errorf("Expected the history tail to start at turn 10, got %q", msgs[0].Content)
		}
	})

	t.Run("routing failure propagates", func(t *testing.T) {
		g := NewLLMGenerator(&fakeRouter{err: domain.NewError(domain.ErrServiceUnavailable, "nothing enabled")}, &fakeExecutor{})
		_, err := g.Generate(context.Background(), chatIntent(domain.TaskGeneralQuery), snapshotWith(), "hi")
		if domain.KindOf(err) != domain.ErrServiceUnavailable {
			t.Errorf("Expected SERVICE_UNAVAILABLE, got %v", err)
		}
	})

	t.Run("execution failure propagates", func(t *testing.T) {
		exec := &fakeExecutor{err: domain.NewError(domain.ErrTimeout, "too slow")}
		g := NewLLMGenerator(&fakeRouter{decision: defaultDecision()}, exec)
		_, err := g.Generate(context.Background(), chatIntent(domain.TaskGeneralQuery), snapshotWith(), "hi")
		if domain.KindOf(err) != domain.ErrTimeout {
			t.Errorf("Expected TIMEOUT, got %v", err)
		}
	})
}
