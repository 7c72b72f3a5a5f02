package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/identity"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
)

const (
	interviewPath    = "/audio_interview"
	checkUserPath    = "/check_user_name"
	registerUserPath = "/register_user_name"

	defaultTimeout = 30 * time.Second

	// maxErrorBody bounds how much of a failed response is kept for logs.
	maxErrorBody = 512
)

var _ Client = (*HTTPClient)(nil)

// HTTPClient talks to the interview backend over JSON/HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	metrics    *observe.Metrics
	faults     Faults
}

// Option configures an [HTTPClient].
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.httpClient = c }
}

// WithTimeout sets the per-request timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(h *HTTPClient) { h.httpClient.Timeout = d }
}

// WithBreaker guards dialogue exchanges with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(h *HTTPClient) { h.breaker = cb }
}

// WithMetrics records exchanges on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *HTTPClient) { h.metrics = m }
}

// WithFaults sets the fault message templates.
func WithFaults(f Faults) Option {
	return func(h *HTTPClient) { h.faults = f }
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, errors.New("dialogue: base URL must not be empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("dialogue: invalid base URL %q", baseURL)
	}
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		faults:     DefaultFaults,
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "dialogue"})
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Breaker returns the circuit breaker guarding exchanges.
func (c *HTTPClient) Breaker() *resilience.CircuitBreaker { return c.breaker }

// ── Dialogue exchange ───────────────────────────────────────────────────────

type interviewRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type interviewResponse struct {
	Response *string `json:"response"`
}

// Send implements [Client]. It performs exactly one request.
func (c *HTTPClient) Send(ctx context.Context, text string, session identity.Session) Reply {
	ctx, span := observe.StartSpan(ctx, "dialogue.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("parley.session_id", session.SessionID),
			attribute.Int("parley.utterance.chars", len([]rune(text))),
		),
	)
	defer span.End()
	start := time.Now()

	var answer string
	var rejected error
	err := c.breaker.Execute(func() error {
		var resp interviewResponse
		err := c.doJSON(ctx, http.MethodPost, interviewPath, interviewRequest{
			Text:      text,
			SessionID: session.SessionID,
			UserID:    session.UserID,
		}, &resp)
		var se *StatusError
		if errors.As(err, &se) && se.Code < http.StatusInternalServerError {
			// Client errors do not indicate an unhealthy backend.
			rejected = err
			return nil
		}
		if err != nil {
			return err
		}
		if resp.Response == nil {
			return errors.New("response field missing")
		}
		answer = *resp.Response
		return nil
	})
	if err == nil {
		err = rejected
	}

	status := "ok"
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = "circuit_open"
	case err != nil:
		status = "fault"
	}
	c.metrics.RecordDialogue(ctx, "http", status, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.Logger(ctx).Warn("dialogue: exchange failed", "status", status, "err", err)
		return Reply{Text: c.faults.Message(err), Fault: true}
	}
	return Reply{Text: answer}
}

// ── Identity exchange ───────────────────────────────────────────────────────

type checkUserResponse struct {
	Exists bool `json:"exists"`
}

type registerUserRequest struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

type registerUserResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// CheckUserName reports whether the backend knows a name for userID.
func (c *HTTPClient) CheckUserName(ctx context.Context, userID string) (bool, error) {
	ctx, span := observe.StartSpan(ctx, "dialogue.check_user_name", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var resp checkUserResponse
	path := checkUserPath + "?" + url.Values{"user_id": {userID}}.Encode()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		span.RecordError(err)
		return false, &IdentityError{Op: "check user name", Err: err}
	}
	return resp.Exists, nil
}

// RegisterUserName stores name for userID on the backend.
func (c *HTTPClient) RegisterUserName(ctx context.Context, userID, name string) error {
	ctx, span := observe.StartSpan(ctx, "dialogue.register_user_name", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	name = strings.TrimSpace(name)
	if name == "" {
		return &IdentityError{Op: "register user name", Err: errors.New("name must not be empty")}
	}
	var resp registerUserResponse
	err := c.doJSON(ctx, http.MethodPost, registerUserPath, registerUserRequest{UserID: userID, UserName: name}, &resp)
	var se *StatusError
	if errors.As(err, &se) {
		var body registerUserResponse
		if json.Unmarshal([]byte(se.Body), &body) == nil && body.Error != "" {
			err = fmt.Errorf("%s (status %d)", body.Error, se.Code)
		}
	}
	if err == nil && !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "registration rejected"
		}
		err = errors.New(msg)
	}
	if err != nil {
		span.RecordError(err)
		return &IdentityError{Op: "register user name", Err: err}
	}
	return nil
}

// ── HTTP plumbing ───────────────────────────────────────────────────────────

// doJSON sends body (if non-nil) as JSON and decodes a 2xx response into out.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	observe.InjectHeaders(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
