// Package llm defines the Provider interface for Large Language Model
// backends used by the LLM-backed dialogue client.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, ...) behind a single non-streaming completion call. Spoken
// replies are synthesized as a whole, so streaming is not part of the
// contract.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation history sent to the model.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text of the message.
	Content string
}

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is injected before Messages as a system-role message.
	SystemPrompt string

	// Messages is the ordered conversation history. The last message is the
	// user utterance being answered.
	Messages []Message

	// Temperature controls randomness. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero uses the provider default.
	MaxTokens int
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full reply. It must
	// return promptly once ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
