package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/models"
)

func TestTokenCounterCountsAndCaches(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4")
	if err != nil {
		t.Fatalf("NewTokenCounter: %v", err)
	}
	if n := counter.Count("hello world"); n <= 0 {
		t.Errorf("Count = %d, want > 0", n)
	}
	if n := counter.Count(""); n != 0 {
		t.Errorf("Count(empty) = %d, want 0", n)
	}

	// Unknown models fall back to cl100k_base rather than failing.
	fallback, err := NewTokenCounter("some-unknown-model")
	if err != nil {
		t.Fatalf("NewTokenCounter fallback: %v", err)
	}
	if n := fallback.Count("hello world"); n <= 0 {
		t.Errorf("fallback Count = %d, want > 0", n)
	}
}

func TestTokenCounterMessagesIncludeOverhead(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4")
	if err != nil {
		t.Fatalf("NewTokenCounter: %v", err)
	}
	one := counter.CountMessages([]llm.CompletionMessage{{Role: "user", Content: "hi"}})
	two := counter.CountMessages([]llm.CompletionMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	if two <= one {
		t.Errorf("CountMessages should grow with messages: one=%d two=%d", one, two)
	}
}

func textMessage(id string, msgType models.MessageType, text string) *models.Message {
	content, _ := json.Marshal(models.TextContent{Role: models.RoleUser, Content: text})
	return &models.Message{
		ID:       id,
		ThreadID: "thread-1",
		Type:     msgType,
		Role:     models.RoleUser,
		Content:  content,
		IsLLM:    true,
	}
}

func seedMessages(t *testing.T, st *store.MemoryStore, msgs []*models.Message) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateThread(ctx, &models.Thread{ID: "thread-1"}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	for _, msg := range msgs {
		if err := st.AddMessage(ctx, msg); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}
}

func TestCompressReplacesOldestBlock(t *testing.T) {
	st := store.NewMemoryStore()
	var msgs []*models.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, textMessage(fmt.Sprintf("m%d", i), models.MessageTypeUser, fmt.Sprintf("message %d", i)))
	}
	seedMessages(t, st, msgs)

	counter, _ := NewTokenCounter("gpt-4")
	c := NewCompressor(CompressorOptions{TailPreserveTurns: 4}, nil, counter)

	did, err := c.Compress(context.Background(), st, "thread-1", msgs)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !did {
		t.Fatal("Compress did not compress")
	}

	page, err := st.ListMessages(context.Background(), "thread-1", store.MessageFilter{
		Types: []models.MessageType{models.MessageTypeSummary},
	})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(page.Messages) != 1 {
		t.Fatalf("summary messages = %d, want 1", len(page.Messages))
	}
	summary := page.Messages[0]
	// 10 messages, tail of 4 preserved: the first 6 are replaced.
	if until, _ := summary.Metadata["replaces_until"].(string); until != "m5" {
		t.Errorf("replaces_until = %v, want m5", summary.Metadata["replaces_until"])
	}
}

func TestCompressNeverCrossesTaskListBoundary(t *testing.T) {
	st := store.NewMemoryStore()
	var msgs []*models.Message
	for i := 0; i < 3; i++ {
		msgs = append(msgs, textMessage(fmt.Sprintf("m%d", i), models.MessageTypeUser, fmt.Sprintf("message %d", i)))
	}
	msgs = append(msgs, textMessage("tl", models.MessageTypeTaskList, `{"sections":[],"tasks":[]}`))
	for i := 4; i < 12; i++ {
		msgs = append(msgs, textMessage(fmt.Sprintf("m%d", i), models.MessageTypeUser, fmt.Sprintf("message %d", i)))
	}
	seedMessages(t, st, msgs)

	counter, _ := NewTokenCounter("gpt-4")
	c := NewCompressor(CompressorOptions{TailPreserveTurns: 2}, nil, counter)

	did, err := c.Compress(context.Background(), st, "thread-1", msgs)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !did {
		t.Fatal("Compress did not compress")
	}

	page, _ := st.ListMessages(context.Background(), "thread-1", store.MessageFilter{
		Types: []models.MessageType{models.MessageTypeSummary},
	})
	summary := page.Messages[0]
	// The block stops before the task_list message, so only m0..m2 go.
	if until, _ := summary.Metadata["replaces_until"].(string); until != "m2" {
		t.Errorf("replaces_until = %v, want m2", summary.Metadata["replaces_until"])
	}
}

func TestCompressRespectsTailPreserve(t *testing.T) {
	st := store.NewMemoryStore()
	var msgs []*models.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, textMessage(fmt.Sprintf("m%d", i), models.MessageTypeUser, "short"))
	}
	seedMessages(t, st, msgs)

	counter, _ := NewTokenCounter("gpt-4")
	c := NewCompressor(CompressorOptions{TailPreserveTurns: 6}, nil, counter)

	did, err := c.Compress(context.Background(), st, "thread-1", msgs)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if did {
		t.Fatal("Compress rewrote the preserved tail")
	}
}

func TestCompressUsesNestedSummarization(t *testing.T) {
	st := store.NewMemoryStore()
	var msgs []*models.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, textMessage(fmt.Sprintf("m%d", i), models.MessageTypeUser, fmt.Sprintf("fact %d", i)))
	}
	seedMessages(t, st, msgs)

	provider := &scriptedProvider{scripts: [][]*llm.Chunk{{
		{Text: "Condensed: facts 0 through 5."},
		{Done: true},
	}}}

	counter, _ := NewTokenCounter("gpt-4")
	c := NewCompressor(CompressorOptions{TailPreserveTurns: 4}, provider, counter)

	if _, err := c.Compress(context.Background(), st, "thread-1", msgs); err != nil {
		t.Fatalf("Compress: %v", err)
	}

	page, _ := st.ListMessages(context.Background(), "thread-1", store.MessageFilter{
		Types: []models.MessageType{models.MessageTypeSummary},
	})
	if len(page.Messages) != 1 {
		t.Fatalf("summary messages = %d, want 1", len(page.Messages))
	}
	var tc models.TextContent
	if err := json.Unmarshal(page.Messages[0].Content, &tc); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if tc.Content != "Condensed: facts 0 through 5." {
		t.Errorf("summary content = %q, want the provider's synthesis", tc.Content)
	}
}
