package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/models"
)

// TokenCounter estimates token usage with tiktoken. Claude models are
// approximated with cl100k_base; the soft ceiling absorbs the error.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.Mutex
)

// NewTokenCounter creates a counter for the given model, falling back to
// cl100k_base for models tiktoken does not know.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()

	if cached, ok := encodingCache[model]; ok {
		return &TokenCounter{encoding: cached}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("tiktoken: %w", err)
		}
	}
	encodingCache[model] = encoding
	return &TokenCounter{encoding: encoding}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages estimates tokens for a message list including per-message
// framing overhead.
func (tc *TokenCounter) CountMessages(messages []llm.CompletionMessage) int {
	total := 3
	for _, msg := range messages {
		total += 3
		total += tc.Count(msg.Role)
		total += tc.Count(msg.Content)
		for _, call := range msg.ToolCalls {
			total += tc.Count(call.Name)
			total += tc.Count(string(call.Args))
		}
		for _, result := range msg.ToolResults {
			total += tc.Count(result.Content)
		}
	}
	return total
}

// CompressorOptions configures history compression.
type CompressorOptions struct {
	// SoftCeilingTokens triggers compression when the estimated prompt
	// exceeds it.
	SoftCeilingTokens int
	// TailPreserveTurns is the number of trailing messages compression
	// never rewrites.
	TailPreserveTurns int
	// Model used for the nested summarization call.
	Model string
}

// Compressor shrinks thread history when it outgrows the context window by
// replacing the oldest contiguous block of messages with a single summary
// message. The tail is never rewritten and compression never crosses a
// task_list message.
type Compressor struct {
	opts     CompressorOptions
	provider llm.Provider
	counter  *TokenCounter
}

// NewCompressor creates a compressor. provider runs the nested summary
// call; a nil provider reuses existing summary messages only.
func NewCompressor(opts CompressorOptions, provider llm.Provider, counter *TokenCounter) *Compressor {
	if opts.SoftCeilingTokens <= 0 {
		opts.SoftCeilingTokens = 120000
	}
	if opts.TailPreserveTurns <= 0 {
		opts.TailPreserveTurns = 6
	}
	return &Compressor{opts: opts, provider: provider, counter: counter}
}

// NeedsCompression reports whether the estimated prompt size exceeds the
// soft ceiling.
func (c *Compressor) NeedsCompression(system string, messages []llm.CompletionMessage) bool {
	return c.counter.Count(system)+c.counter.CountMessages(messages) > c.opts.SoftCeilingTokens
}

const compressionPrompt = `You maintain a running summary of an agent conversation.
Condense the following messages into a compact summary that preserves:
- decisions made and their reasons
- files, commands, and artifacts produced
- unresolved questions and pending work
Reply with the summary text only.`

// Compress replaces the oldest compressible block of thread messages with a
// summary message persisted to the thread. It returns true when a block was
// compressed; callers should rebuild context afterwards and fail the run
// with a context-window error if the prompt still overflows.
func (c *Compressor) Compress(ctx context.Context, st store.Store, threadID string, messages []*models.Message) (bool, error) {
	// The compressible region stops before the preserved tail and never
	// crosses a task_list snapshot.
	end := len(messages) - c.opts.TailPreserveTurns
	if end <= 1 {
		return false, nil
	}
	for i := 0; i < end; i++ {
		if messages[i].Type == models.MessageTypeTaskList {
			end = i
			break
		}
	}
	if end <= 1 {
		return false, nil
	}
	block := messages[:end]

	summaryText, err := c.summarize(ctx, block)
	if err != nil {
		return false, err
	}

	content, err := json.Marshal(models.TextContent{Role: models.RoleUser, Content: summaryText})
	if err != nil {
		return false, err
	}
	summary := &models.Message{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		Type:     models.MessageTypeSummary,
		Role:     models.RoleUser,
		Content:  content,
		IsLLM:    true,
		Metadata: map[string]any{
			"replaces_until": block[len(block)-1].ID,
			"replaced_count": len(block),
		},
	}
	if err := st.AddMessage(ctx, summary); err != nil {
		return false, fmt.Errorf("persist summary: %w", err)
	}
	return true, nil
}

// summarize produces the replacement text: an existing summary message in
// the block is reused, otherwise a nested LLM call synthesizes one.
func (c *Compressor) summarize(ctx context.Context, block []*models.Message) (string, error) {
	for i := len(block) - 1; i >= 0; i-- {
		if block[i].Type == models.MessageTypeSummary {
			var tc models.TextContent
			if err := json.Unmarshal(block[i].Content, &tc); err == nil && tc.Content != "" {
				return tc.Content, nil
			}
		}
	}

	if c.provider == nil {
		return renderBlockDigest(block), nil
	}

	var transcript strings.Builder
	for _, msg := range block {
		var tc models.TextContent
		if err := json.Unmarshal(msg.Content, &tc); err != nil {
			continue
		}
		transcript.WriteString(string(msg.Type))
		transcript.WriteString(": ")
		transcript.WriteString(tc.Content)
		transcript.WriteString("\n")
	}

	chunks, err := c.provider.Complete(ctx, &llm.CompletionRequest{
		Model:  c.opts.Model,
		System: compressionPrompt,
		Messages: []llm.CompletionMessage{
			{Role: "user", Content: transcript.String()},
		},
		MaxTokens: 2048,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}

	var out strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", fmt.Errorf("summarize: %w", chunk.Error)
		}
		out.WriteString(chunk.Text)
	}
	if out.Len() == 0 {
		return renderBlockDigest(block), nil
	}
	return out.String(), nil
}

// renderBlockDigest is the degraded summary used when no summarization
// provider is available.
func renderBlockDigest(block []*models.Message) string {
	return fmt.Sprintf("[Earlier conversation compressed: %d messages elided.]", len(block))
}
