// Package chat implements a dialogue client that answers with a language
// model instead of the interview backend. Conversation history is kept per
// session so that follow-up questions have context.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/parley/internal/dialogue"
	"github.com/MrWong99/parley/internal/identity"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// DefaultMaxHistory is the number of messages kept per session.
const DefaultMaxHistory = 40

// Completer produces a model reply. Every [llm.Provider] is a Completer.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

var _ dialogue.Client = (*Client)(nil)

// Client is a [dialogue.Client] backed by a [Completer].
type Client struct {
	completer    Completer
	backend      string
	systemPrompt string
	maxHistory   int
	temperature  float64
	maxTokens    int
	faults       dialogue.Faults
	metrics      *observe.Metrics

	mu      sync.Mutex
	history map[string][]llm.Message
}

// Option configures a [Client].
type Option func(*Client)

// WithSystemPrompt sets the instructions sent ahead of every conversation.
func WithSystemPrompt(p string) Option {
	return func(c *Client) { c.systemPrompt = p }
}

// WithMaxHistory bounds the stored messages per session. Older messages are
// dropped in user/assistant pairs.
func WithMaxHistory(n int) Option {
	return func(c *Client) { c.maxHistory = n }
}

// WithTemperature sets the sampling temperature. Zero uses the model default.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// WithMaxTokens caps reply length. Zero uses the model default.
func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithFaults sets the fault message templates.
func WithFaults(f dialogue.Faults) Option {
	return func(c *Client) { c.faults = f }
}

// WithMetrics records exchanges on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithBackendName labels metrics and spans. Default: "llm".
func WithBackendName(name string) Option {
	return func(c *Client) { c.backend = name }
}

// New returns a client completing through completer.
func New(completer Completer, opts ...Option) (*Client, error) {
	if completer == nil {
		return nil, errors.New("chat: completer must not be nil")
	}
	c := &Client{
		completer:  completer,
		backend:    "llm",
		maxHistory: DefaultMaxHistory,
		faults:     dialogue.DefaultFaults,
		history:    make(map[string][]llm.Message),
	}
	for _, o := range opts {
		o(c)
	}
	if c.maxHistory < 2 {
		c.maxHistory = 2
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Send implements [dialogue.Client]. A failed completion leaves the history
// unchanged and yields a fault reply.
func (c *Client) Send(ctx context.Context, text string, session identity.Session) dialogue.Reply {
	ctx, span := observe.StartSpan(ctx, "dialogue.chat")
	span.SetAttributes(
		attribute.String("parley.session_id", session.SessionID),
		attribute.String("parley.dialogue.backend", c.backend),
	)
	defer span.End()
	start := time.Now()

	user := llm.Message{Role: llm.RoleUser, Content: text}
	msgs := append(c.History(session.SessionID), user)

	resp, err := c.completer.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: c.systemPrompt,
		Messages:     msgs,
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
	})
	if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
		err = errors.New("empty completion")
	}
	if err != nil {
		c.metrics.RecordDialogue(ctx, c.backend, "fault", time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.Logger(ctx).Warn("chat: completion failed", "backend", c.backend, "err", err)
		return dialogue.Reply{Text: c.faults.Message(err), Fault: true}
	}
	c.metrics.RecordDialogue(ctx, c.backend, "ok", time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("parley.llm.total_tokens", resp.Usage.TotalTokens))

	reply := strings.TrimSpace(resp.Content)
	c.record(session.SessionID, user, llm.Message{Role: llm.RoleAssistant, Content: reply})
	return dialogue.Reply{Text: reply}
}

// History returns a copy of the stored messages for sessionID.
func (c *Client) History(sessionID string) []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.history[sessionID]
	out := make([]llm.Message, len(h))
	copy(out, h)
	return out
}

// Seed replaces the history of sessionID, keeping the newest messages.
func (c *Client) Seed(sessionID string, msgs []llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := append([]llm.Message(nil), msgs...)
	c.history[sessionID] = c.trim(h)
}

// Reset forgets the history of sessionID.
func (c *Client) Reset(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.history, sessionID)
}

func (c *Client) record(sessionID string, msgs ...llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history[sessionID] = c.trim(append(c.history[sessionID], msgs...))
}

// trim drops the oldest messages beyond maxHistory, rounding the cut up to
// an even count so the history still starts with a user message.
func (c *Client) trim(h []llm.Message) []llm.Message {
	over := len(h) - c.maxHistory
	if over <= 0 {
		return h
	}
	if over%2 == 1 {
		over++
	}
	if over >= len(h) {
		return nil
	}
	return append([]llm.Message(nil), h[over:]...)
}
