package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

func TestThreadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.GetThread(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetThread missing: err = %v, want ErrNotFound", err)
	}

	thread := &models.Thread{ID: "t-1", AccountID: "acc-1"}
	if err := s.CreateThread(ctx, thread); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetThread(ctx, "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.AccountID != "acc-1" {
		t.Errorf("AccountID = %q", got.AccountID)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not assigned")
	}
}

func addMessage(t *testing.T, s Store, threadID, id string, msgType models.MessageType, isLLM bool) {
	t.Helper()
	err := s.AddMessage(context.Background(), &models.Message{
		ID:       id,
		ThreadID: threadID,
		Type:     msgType,
		Content:  json.RawMessage(`{"content":"hi"}`),
		IsLLM:    isLLM,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestListMessagesFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateThread(ctx, &models.Thread{ID: "t-1"})

	addMessage(t, s, "t-1", "m-1", models.MessageTypeUser, true)
	addMessage(t, s, "t-1", "m-2", models.MessageTypeStatus, false)
	addMessage(t, s, "t-1", "m-3", models.MessageTypeAssistant, true)
	addMessage(t, s, "t-1", "m-4", models.MessageTypeTool, true)

	tests := []struct {
		name   string
		filter MessageFilter
		want   []string
	}{
		{"all", MessageFilter{}, []string{"m-1", "m-2", "m-3", "m-4"}},
		{"llm only", MessageFilter{LLMOnly: true}, []string{"m-1", "m-3", "m-4"}},
		{"by type", MessageFilter{Types: []models.MessageType{models.MessageTypeAssistant}}, []string{"m-3"}},
		{"paginated", MessageFilter{Limit: 2, Offset: 1}, []string{"m-2", "m-3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := s.ListMessages(ctx, "t-1", tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(page.Messages) != len(tt.want) {
				t.Fatalf("got %d messages, want %d", len(page.Messages), len(tt.want))
			}
			for i, id := range tt.want {
				if page.Messages[i].ID != id {
					t.Errorf("message %d = %s, want %s", i, page.Messages[i].ID, id)
				}
			}
		})
	}

	page, _ := s.ListMessages(ctx, "t-1", MessageFilter{Limit: 2})
	if page.Total != 4 {
		t.Errorf("Total = %d, want 4 regardless of page size", page.Total)
	}
}

func TestAgentVersionPinning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	agent := &models.Agent{ID: "a-1", Name: "coder"}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatal(err)
	}
	v1 := &models.AgentVersion{ID: "v-1", AgentID: "a-1", SystemPrompt: "one"}
	v2 := &models.AgentVersion{ID: "v-2", AgentID: "a-1", SystemPrompt: "two"}
	_ = s.CreateAgentVersion(ctx, v1)
	_ = s.CreateAgentVersion(ctx, v2)

	if err := s.SetCurrentVersion(ctx, "a-1", "v-2"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetAgent(ctx, "a-1")
	if got.CurrentVersionID != "v-2" {
		t.Errorf("CurrentVersionID = %q", got.CurrentVersionID)
	}

	// Old versions stay readable so existing runs keep their pinned config.
	old, err := s.GetAgentVersion(ctx, "v-1")
	if err != nil || old.SystemPrompt != "one" {
		t.Errorf("GetAgentVersion(v-1) = %+v, %v", old, err)
	}

	if err := s.SetCurrentVersion(ctx, "a-1", "v-404"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetCurrentVersion unknown version: err = %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateThread(ctx, &models.Thread{ID: "t-1"})

	run := &models.AgentRun{ID: "r-1", ThreadID: "t-1", Status: models.RunStatusRunning, InstanceID: "i-1"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	running, err := s.ListRunningRuns(ctx)
	if err != nil || len(running) != 1 {
		t.Fatalf("ListRunningRuns = %d, %v", len(running), err)
	}

	ended := time.Now().UTC()
	in, out := 120, 450
	err = s.UpdateRun(ctx, "r-1", RunUpdate{
		Status:       models.RunStatusFailed,
		Error:        "context window exceeded",
		ErrorKind:    models.FailureKindContextWindow,
		EndedAt:      &ended,
		InputTokens:  &in,
		OutputTokens: &out,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetRun(ctx, "r-1")
	if got.Status != models.RunStatusFailed || got.ErrorKind != models.FailureKindContextWindow {
		t.Errorf("run = %+v", got)
	}
	if got.EndedAt == nil || got.InputTokens != 120 || got.OutputTokens != 450 {
		t.Errorf("run fields not updated: %+v", got)
	}

	running, _ = s.ListRunningRuns(ctx)
	if len(running) != 0 {
		t.Errorf("still %d running runs", len(running))
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateThread(ctx, &models.Thread{ID: "t-1"})

	base := time.Now().UTC()
	_ = s.CreateRun(ctx, &models.AgentRun{ID: "r-1", ThreadID: "t-1", Status: models.RunStatusCompleted, StartedAt: base.Add(-time.Hour)})
	_ = s.CreateRun(ctx, &models.AgentRun{ID: "r-2", ThreadID: "t-1", Status: models.RunStatusRunning, StartedAt: base})
	_ = s.CreateRun(ctx, &models.AgentRun{ID: "r-other", ThreadID: "t-2", Status: models.RunStatusRunning, StartedAt: base})

	runs, err := s.ListRuns(ctx, "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "r-2" || runs[1].ID != "r-1" {
		t.Fatalf("runs = %+v", runs)
	}
}
