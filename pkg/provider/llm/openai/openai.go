// Package openai provides an LLM provider backed by the OpenAI chat
// completions API or any server that speaks the same protocol.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	httpClient   *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHTTPClient replaces the HTTP client. WithTimeout is ignored when set.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New constructs an OpenAI provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Faults surface as spoken fault replies; retrying hides them for
		// many seconds.
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	return &llm.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, fmt.Errorf("no messages")
	}

	var messages []oai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		asst.Content.OfString = oai.String(m.Content)
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}
