// Package anyllm provides an LLM provider backed by
// github.com/mozilla-ai/any-llm-go, which fronts OpenAI, Anthropic, Gemini,
// Ollama, DeepSeek, Mistral, Groq, llama.cpp and llamafile behind one API.
//
// Usage:
//
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-..."))
//	p, err := anyllm.New("ollama", "qwen2.5:7b")
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Backends lists the provider names accepted by [New].
var Backends = []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// Provider implements llm.Provider by wrapping an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New creates a Provider for the named backend.
//
// opts are any-llm-go options such as anyllmlib.WithAPIKey and
// anyllmlib.WithBaseURL. Without an API key option the backend reads its
// usual environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Provider{backend: backend, name: strings.ToLower(providerName), model: model}, nil
}

// Name returns the lower-cased backend name.
func (p *Provider) Name() string { return p.name }

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: %s", providerName, strings.Join(Backends, ", "))
	}
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("anyllm: completion: no messages")
	}

	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	result := &llm.CompletionResponse{
		Content: resp.Choices[0].Message.ContentString(),
	}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}
