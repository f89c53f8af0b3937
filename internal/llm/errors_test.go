package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		err        error
		want       ErrorKind
		retryable  bool
	}{
		{"rate limit status", 429, errors.New("request failed"), KindRateLimited, true},
		{"rate limit text", 0, errors.New("rate_limit_error: slow down"), KindRateLimited, true},
		{"context window anthropic", 400, errors.New("prompt is too long: 210000 tokens"), KindContextWindow, false},
		{"context window openai", 400, errors.New("context_length_exceeded"), KindContextWindow, false},
		{"billing quota", 429, errors.New("insufficient_quota: check your plan"), KindRateLimited, true},
		{"billing credit", 400, errors.New("your credit balance is too low"), KindBilling, false},
		{"server error", 503, errors.New("service unavailable"), KindServer, true},
		{"overloaded", 0, errors.New("overloaded_error"), KindServer, true},
		{"timeout", 0, errors.New("context deadline exceeded"), KindTimeout, true},
		{"auth", 401, errors.New("invalid api key"), KindInvalid, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := Classify("anthropic", "m", tt.statusCode, tt.err)
			if pe.Kind != tt.want {
				t.Errorf("Kind = %s, want %s", pe.Kind, tt.want)
			}
			if pe.Retryable() != tt.retryable {
				t.Errorf("Retryable = %v, want %v", pe.Retryable(), tt.retryable)
			}
		})
	}
}

func TestClassifyPreservesExistingProviderError(t *testing.T) {
	orig := &ProviderError{Provider: "openai", Kind: KindBilling}
	wrapped := fmt.Errorf("call failed: %w", orig)
	got := Classify("anthropic", "m", 500, wrapped)
	if got != orig {
		t.Errorf("Classify rewrapped an existing ProviderError")
	}
}

func TestKindOf(t *testing.T) {
	pe := Classify("openai", "gpt-4o", 429, errors.New("too many requests"))
	wrapped := fmt.Errorf("llm call: %w", pe)
	if KindOf(wrapped) != KindRateLimited {
		t.Errorf("KindOf = %s", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != KindInvalid {
		t.Errorf("KindOf(plain) = %s", KindOf(errors.New("plain")))
	}
	if !IsRetryable(wrapped) {
		t.Error("IsRetryable = false for rate limit")
	}
}

func TestRegistryRouting(t *testing.T) {
	r := NewRegistry("anthropic")
	r.Register(&fakeProvider{name: "anthropic"})
	r.Register(&fakeProvider{name: "openai"})

	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-20250514", "anthropic"},
		{"gpt-4o", "openai"},
		{"o3-mini", "openai"},
		{"mystery-model", "anthropic"},
	}
	for _, tt := range tests {
		p, err := r.ProviderForModel(tt.model)
		if err != nil {
			t.Fatalf("ProviderForModel(%s): %v", tt.model, err)
		}
		if p.Name() != tt.want {
			t.Errorf("ProviderForModel(%s) = %s, want %s", tt.model, p.Name(), tt.want)
		}
	}

	if _, err := r.Get("mistral"); err == nil {
		t.Error("expected error for unconfigured provider")
	}
}

type fakeProvider struct{ name string }

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(_ context.Context, _ *CompletionRequest) (<-chan *Chunk, error) {
	ch := make(chan *Chunk)
	close(ch)
	return ch, nil
}

func (f *fakeProvider) SupportsTools() bool { return true }
