package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across several LLM
// backends, each behind its own circuit breaker.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Healthy reports whether any backend would admit a call.
func (f *LLMFallback) Healthy() bool { return f.group.Healthy() }

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}
