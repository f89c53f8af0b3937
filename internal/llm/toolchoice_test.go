package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// requestCapture records the JSON bodies a provider sends and rejects each
// request with a non-retryable error so no streaming response is needed.
type requestCapture struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (c *requestCapture) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.bodies = append(c.bodies, body)
	c.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"denied"}}`))
}

func (c *requestCapture) last(t *testing.T) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bodies) == 0 {
		t.Fatal("no request captured")
	}
	var body map[string]any
	if err := json.Unmarshal(c.bodies[len(c.bodies)-1], &body); err != nil {
		t.Fatalf("request body is not JSON: %v", err)
	}
	return body
}

func toolChoiceRequest(choice string) *CompletionRequest {
	return &CompletionRequest{
		Model:      "test-model",
		Messages:   []CompletionMessage{{Role: "user", Content: "hi"}},
		Tools:      []ToolDef{{Name: "lookup", Description: "look things up", Schema: json.RawMessage(`{"type":"object","properties":{}}`)}},
		ToolChoice: choice,
	}
}

func TestAnthropicRequiredToolChoiceOnWire(t *testing.T) {
	capture := &requestCapture{}
	srv := httptest.NewServer(capture)
	defer srv.Close()

	p, err := NewAnthropicProvider(ProviderConfig{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	chunks, err := p.Complete(context.Background(), toolChoiceRequest("required"))
	if err != nil {
		t.Fatal(err)
	}
	for range chunks {
	}

	body := capture.last(t)
	choice, ok := body["tool_choice"].(map[string]any)
	if !ok {
		t.Fatalf("tool_choice missing from request: %v", body)
	}
	if choice["type"] != "any" {
		t.Fatalf("tool_choice type = %v, want any", choice["type"])
	}
}

func TestAnthropicDefaultToolChoiceOmitted(t *testing.T) {
	capture := &requestCapture{}
	srv := httptest.NewServer(capture)
	defer srv.Close()

	p, err := NewAnthropicProvider(ProviderConfig{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	chunks, err := p.Complete(context.Background(), toolChoiceRequest(""))
	if err != nil {
		t.Fatal(err)
	}
	for range chunks {
	}

	if _, present := capture.last(t)["tool_choice"]; present {
		t.Fatal("tool_choice should be omitted when unset")
	}
}

func TestOpenAIRequiredToolChoiceOnWire(t *testing.T) {
	capture := &requestCapture{}
	srv := httptest.NewServer(capture)
	defer srv.Close()

	p, err := NewOpenAIProvider(ProviderConfig{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Complete(context.Background(), toolChoiceRequest("required")); err == nil {
		t.Fatal("expected request rejection")
	}

	body := capture.last(t)
	if body["tool_choice"] != "required" {
		t.Fatalf("tool_choice = %v, want required", body["tool_choice"])
	}
}
