// Package llm defines the full-string text-generation capability the chat
// core uses for summarization and title generation, plus concrete backend
// clients. Token streaming is not part of this interface; streamed turns
// travel over the SSE wire instead.
package llm

import "context"

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Generator defines the standard interface for any LLM backend.
type Generator interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// GenerateFunc adapts a closure to the Generator interface. Handy in tests
// and for binding a prompt template to a fixed backend.
type GenerateFunc func(ctx context.Context, prompt string, params GenerationParams) (string, error)

// Generate implements Generator.
func (f GenerateFunc) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	return f(ctx, prompt, params)
}

var _ Generator = (GenerateFunc)(nil)
