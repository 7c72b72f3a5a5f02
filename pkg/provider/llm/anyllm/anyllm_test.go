package anyllm

import (
	"context"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
	}{
		{"empty provider", "", "llama3"},
		{"empty model", "ollama", ""},
		{"unsupported provider", "fakecloud", "some-model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.provider, tt.model, anyllmlib.WithAPIKey("dummy")); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNew_Backends(t *testing.T) {
	tests := []struct {
		provider string
		model    string
		opts     []anyllmlib.Option
	}{
		{"openai", "gpt-4o-mini", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{"Anthropic", "claude-3-5-haiku-latest", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{"ollama", "qwen2.5:7b", nil},
		{"llamacpp", "local", nil},
		{"llamafile", "local", nil},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			p, err := New(tt.provider, tt.model, tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.Model() != tt.model {
				t.Errorf("Model() = %q, want %q", p.Model(), tt.model)
			}
		})
	}
}

func TestNew_OpenAI_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o-mini"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "qwen2.5:7b"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "あなたは面接官です。",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "こんにちは"},
			{Role: llm.RoleAssistant, Content: "ようこそ"},
			{Role: llm.RoleUser, Content: "よろしくお願いします"},
		},
		Temperature: 0.4,
		MaxTokens:   256,
	})

	if params.Model != "qwen2.5:7b" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", params.Messages[0].Role)
	}
	if got := params.Messages[3].ContentString(); got != "よろしくお願いします" {
		t.Errorf("last content = %q", got)
	}
	if params.Temperature == nil || *params.Temperature != 0.4 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}
}

func TestBuildParams_OmitsZeroTuning(t *testing.T) {
	p := &Provider{model: "m"}
	params := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	if len(params.Messages) != 1 {
		t.Errorf("messages = %d, want 1 without system prompt", len(params.Messages))
	}
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Error("zero tuning values must be left unset")
	}
}

func TestComplete_NoMessages(t *testing.T) {
	p := &Provider{model: "m"}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected error for empty request")
	}
}
