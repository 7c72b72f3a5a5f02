// Package deepgram provides a [stt.Recognizer] backed by the Deepgram
// streaming WebSocket API. Audio is captured from an [audio.Source] for the
// duration of each run and streamed as linear16 PCM.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

const (
	deepgramEndpoint    = "wss://api.deepgram.com/v1/listen"
	defaultModel        = "nova-3"
	defaultLanguage     = "en"
	defaultCloseTimeout = 5 * time.Second
)

var _ stt.Recognizer = (*Recognizer)(nil)

// Option is a functional option for configuring the Deepgram Recognizer.
type Option func(*Recognizer)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(r *Recognizer) { r.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "ja", "en-US").
func WithLanguage(language string) Option {
	return func(r *Recognizer) { r.language = language }
}

// WithEndpoint overrides the streaming endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(r *Recognizer) { r.endpoint = endpoint }
}

// WithNoSpeechTimeout ends a run with a [stt.CodeNoSpeech] error when no
// speech was recognized within d of the run start. Zero disables it.
func WithNoSpeechTimeout(d time.Duration) Option {
	return func(r *Recognizer) { r.noSpeech = d }
}

// WithCloseTimeout bounds how long a stopping run waits for Deepgram to
// flush its final results. Default: 5s.
func WithCloseTimeout(d time.Duration) Option {
	return func(r *Recognizer) { r.closeTimeout = d }
}

// Recognizer implements stt.Recognizer backed by the Deepgram streaming API.
type Recognizer struct {
	apiKey       string
	model        string
	language     string
	endpoint     string
	noSpeech     time.Duration
	closeTimeout time.Duration
	source       audio.Source

	runs *stt.Runs
}

// New creates a new Deepgram Recognizer capturing from source. apiKey must
// be non-empty.
func New(apiKey string, source audio.Source, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	if source == nil {
		return nil, errors.New("deepgram: source must not be nil")
	}
	r := &Recognizer{
		apiKey:       apiKey,
		model:        defaultModel,
		language:     defaultLanguage,
		endpoint:     deepgramEndpoint,
		closeTimeout: defaultCloseTimeout,
		source:       source,
		runs:         stt.NewRuns(64),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Events implements [stt.Recognizer].
func (r *Recognizer) Events() <-chan stt.Event { return r.runs.Events() }

// Stop implements [stt.Recognizer].
func (r *Recognizer) Stop() error {
	r.runs.Stop()
	return nil
}

// Abort implements [stt.Recognizer].
func (r *Recognizer) Abort() error {
	r.runs.Abort()
	return nil
}

// Close aborts the active run and releases the event stream.
func (r *Recognizer) Close() error {
	r.runs.Close()
	return nil
}

// Start implements [stt.Recognizer]. The connection is established in the
// background; a failure is reported as an error event.
func (r *Recognizer) Start(ctx context.Context) (stt.RunID, error) {
	run, err := r.runs.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("deepgram: %w", err)
	}
	go r.run(run)
	return run.ID, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for format f.
func (r *Recognizer) buildURL(f audio.Format) (string, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", r.model)
	q.Set("language", r.language)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(f.SampleRate))
	q.Set("channels", strconv.Itoa(f.Channels))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ── run ─────────────────────────────────────────────────────────────────────

func (r *Recognizer) run(run *stt.Run) {
	defer r.runs.Finish(run)
	ctx := run.Context()
	log := slog.With("run", uint64(run.ID))

	conn, err := r.dial(ctx)
	if err != nil {
		if ctx.Err() == nil {
			code := stt.CodeNetwork
			var se *statusError
			if errors.As(err, &se) && (se.status == http.StatusUnauthorized || se.status == http.StatusForbidden) {
				code = stt.CodeNotAllowed
			}
			log.Warn("deepgram: connect failed", "code", code, "err", err)
			r.runs.Fail(run, code, err)
		}
		return
	}
	defer conn.CloseNow()

	captureCtx, stopCapture := context.WithCancel(ctx)
	defer stopCapture()
	frames, err := r.source.Capture(captureCtx)
	if err != nil {
		log.Warn("deepgram: audio capture failed", "err", err)
		r.runs.Fail(run, stt.CodeAudioCapture, err)
		return
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(sctx)
	var heard atomic.Bool

	g.Go(func() error {
		defer cancel()
		return r.readLoop(gctx, conn, run, &heard)
	})
	g.Go(func() error {
		return r.writeLoop(gctx, conn, run, frames, stopCapture, cancel, &heard)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Warn("deepgram: stream failed", "err", err)
		r.runs.Fail(run, stt.CodeNetwork, err)
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "run finished")
}

// statusError carries the HTTP status of a rejected handshake.
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string {
	return fmt.Sprintf("handshake status %d: %v", e.status, e.err)
}

func (e *statusError) Unwrap() error { return e.err }

func (r *Recognizer) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := r.buildURL(r.source.Format())
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram: dial: %w", &statusError{status: resp.StatusCode, err: err})
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	return conn, nil
}

// writeLoop streams captured audio until the run stops, the source fails or
// the no-speech timeout fires, then asks Deepgram to flush and close.
func (r *Recognizer) writeLoop(
	ctx context.Context,
	conn *websocket.Conn,
	run *stt.Run,
	frames <-chan audio.Frame,
	stopCapture, cancel context.CancelFunc,
	heard *atomic.Bool,
) error {
	var noSpeech <-chan time.Time
	if r.noSpeech > 0 {
		t := time.NewTimer(r.noSpeech)
		defer t.Stop()
		noSpeech = t.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-run.Stopping():
			break loop
		case <-noSpeech:
			if !heard.Load() {
				r.runs.Fail(run, stt.CodeNoSpeech, errors.New("deepgram: no speech detected"))
				break loop
			}
		case f, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				r.runs.Fail(run, stt.CodeAudioCapture, errors.New("deepgram: audio source closed"))
				break loop
			}
			if err := conn.Write(ctx, websocket.MessageBinary, f.Data); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("deepgram: write audio: %w", err)
			}
		}
	}

	stopCapture()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil && ctx.Err() == nil {
		return fmt.Errorf("deepgram: close stream: %w", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(r.closeTimeout):
		slog.Warn("deepgram: stream not closed by server in time", "run", uint64(run.ID))
		cancel()
	}
	return nil
}

// readLoop turns Deepgram messages into result events until the server
// closes the stream.
func (r *Recognizer) readLoop(ctx context.Context, conn *websocket.Conn, run *stt.Run, heard *atomic.Bool) error {
	var results []stt.Result
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("deepgram: read: %w", err)
		}

		res, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		var idx int
		results, idx, ok = merge(results, res)
		if !ok {
			continue
		}
		if res.Transcript != "" {
			heard.Store(true)
		}
		r.runs.Emit(run, stt.Event{
			Kind:        stt.EventResult,
			Results:     append([]stt.Result(nil), results...),
			ResultIndex: idx,
		})
	}
}

// merge folds res into the run's result list. A trailing interim entry is
// replaced; otherwise res is appended. Empty hypotheses only retract a
// trailing interim entry and produce no event.
func merge(results []stt.Result, res stt.Result) ([]stt.Result, int, bool) {
	n := len(results)
	pendingInterim := n > 0 && !results[n-1].IsFinal
	if res.Transcript == "" {
		if pendingInterim {
			results = results[:n-1]
		}
		return results, 0, false
	}
	if pendingInterim {
		results[n-1] = res
		return results, n - 1, true
	}
	return append(results, res), n, true
}

// ── wire format ─────────────────────────────────────────────────────────────

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message into a Result.
// Returns (Result, true) on success, or (zero, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (stt.Result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Result{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.Result{}, false
	}
	return stt.Result{
		Transcript: resp.Channel.Alternatives[0].Transcript,
		IsFinal:    resp.IsFinal,
	}, true
}
