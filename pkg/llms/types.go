// Package llms provides the LLM provider abstraction and the
// OpenAI-compatible chat completions adapter behind it.
package llms

import (
	"context"

	"github.com/forgecli/forge/pkg/protocol"
)

// ChunkType labels a streaming chunk.
type ChunkType string

const (
	// ChunkText carries a delta of assistant text.
	ChunkText ChunkType = "text"
	// ChunkToolCall carries one fully assembled tool call.
	ChunkToolCall ChunkType = "tool_call"
	// ChunkDone closes the stream and carries final usage.
	ChunkDone ChunkType = "done"
	// ChunkError aborts the stream.
	ChunkError ChunkType = "error"
)

// Usage is the provider's token accounting for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one event on a streaming response channel. Tool calls are
// emitted only once their arguments are complete.
type StreamChunk struct {
	Type     ChunkType
	Text     string
	ToolCall *protocol.ToolCall
	Usage    Usage
	Err      error
}

// Result is a complete non-streaming response.
type Result struct {
	Text      string
	ToolCalls []protocol.ToolCall
	Usage     Usage
}

// Provider generates assistant turns from conversation context. Streaming
// and non-streaming paths return the same logical content.
type Provider interface {
	Generate(ctx context.Context, messages []protocol.Message, tools []protocol.ToolSchema) (*Result, error)
	GenerateStreaming(ctx context.Context, messages []protocol.Message, tools []protocol.ToolSchema) (<-chan StreamChunk, error)
	ModelName() string
	Close() error
}
