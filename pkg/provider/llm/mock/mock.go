// Package mock provides a test double for the llm.Provider interface.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: "こんにちは"},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider. Set CompleteErr to
// inject failures, or CompleteFunc to compute replies per request.
type Provider struct {
	mu sync.Mutex

	// CompleteResponse is returned by Complete. May be nil.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// CompleteFunc, when set, takes precedence over the static fields.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// Complete records the call and returns the configured reply.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	msgs := make([]llm.Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	fn, resp, err := p.CompleteFunc, p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}

var _ llm.Provider = (*Provider)(nil)
