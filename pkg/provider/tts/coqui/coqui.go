// Package coqui provides a [tts.Synthesizer] backed by a local Coqui TTS
// server. Each utterance is one HTTP request; the returned WAV is decoded,
// converted to the sink's format when configured, and played on an
// [audio.Sink].
//
// Two API modes are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu), GET /api/tts with query parameters.
//
//   - APIModeXTTS: the Coqui XTTS v2 API server, POST /tts_to_audio/ with a
//     JSON body. A speaker is required.
//
// Typical usage:
//
//	s, err := coqui.New("http://localhost:5002", audio.NewAplaySink(),
//	    coqui.WithTimeout(15*time.Second),
//	)
//	done, err := s.Speak(ctx, "こんにちは", "ja-JP")
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

var _ tts.Synthesizer = (*Synthesizer)(nil)

const (
	defaultTimeout  = 30 * time.Second
	xttsEndpoint    = "/tts_to_audio/"
	apiTTSEndpoint  = "/api/tts"
	detailsEndpoint = "/details"

	// maxWAVBytes bounds a single synthesized reply (about ten minutes of
	// 24 kHz mono).
	maxWAVBytes = 32 << 20
)

// APIMode selects which Coqui server API the synthesizer targets.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// ── Options ─────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Synthesizer].
type Option func(*Synthesizer)

// WithLanguage pins the language id sent to the server. When unset, the
// primary subtag of the Speak lang argument is used ("ja-JP" becomes "ja").
func WithLanguage(lang string) Option {
	return func(s *Synthesizer) { s.language = lang }
}

// WithSpeaker selects the speaker id (standard mode) or speaker WAV name
// (XTTS mode).
func WithSpeaker(speaker string) Option {
	return func(s *Synthesizer) { s.speaker = speaker }
}

// WithTimeout sets the per-request HTTP timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) { s.httpClient.Timeout = d }
}

// WithAPIMode sets the server API mode. Default: APIModeStandard.
func WithAPIMode(mode APIMode) Option {
	return func(s *Synthesizer) { s.apiMode = mode }
}

// WithOutputFormat converts synthesized PCM to f before playback. The zero
// Format plays audio at the model's native format.
func WithOutputFormat(f audio.Format) Option {
	return func(s *Synthesizer) { s.output = f }
}

// WithHTTPClient replaces the HTTP client. The configured timeout is kept
// unless the client sets its own.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Synthesizer) {
		if c.Timeout == 0 {
			c.Timeout = s.httpClient.Timeout
		}
		s.httpClient = c
	}
}

// ── Synthesizer ─────────────────────────────────────────────────────────────

// Synthesizer speaks replies through a Coqui TTS server.
type Synthesizer struct {
	serverURL  string
	language   string
	speaker    string
	apiMode    APIMode
	output     audio.Format
	httpClient *http.Client
	sink       audio.Sink

	runner tts.Runner
}

// New creates a Synthesizer targeting serverURL (e.g. "http://localhost:5002")
// that plays audio on sink.
func New(serverURL string, sink audio.Sink, opts ...Option) (*Synthesizer, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	if sink == nil {
		return nil, errors.New("coqui: sink must not be nil")
	}
	s := &Synthesizer{
		serverURL:  strings.TrimRight(serverURL, "/"),
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
		sink:       sink,
	}
	for _, o := range opts {
		o(s)
	}
	switch s.apiMode {
	case APIModeStandard:
	case APIModeXTTS:
		if s.speaker == "" {
			return nil, errors.New("coqui: speaker is required in xtts mode")
		}
	default:
		return nil, fmt.Errorf("coqui: unknown api mode %q", s.apiMode)
	}
	return s, nil
}

// Speak implements [tts.Synthesizer]. The server request is issued
// synchronously so that an unreachable server fails Speak itself; playback
// runs in the background.
func (s *Synthesizer) Speak(ctx context.Context, text, lang string) (<-chan error, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("coqui: text must not be empty")
	}
	// A new utterance replaces the current one before the request goes out.
	s.runner.Cancel()

	pcm, f, err := s.synthesize(ctx, text, s.languageFor(lang))
	if err != nil {
		return nil, err
	}
	if s.output.Valid() && f != s.output {
		pcm = audio.Convert(pcm, f, s.output)
		f = s.output
	}

	slog.Debug("coqui: speaking", "chars", len(text), "duration", f.Duration(len(pcm)))
	return s.runner.Start(ctx, func(ctx context.Context) error {
		return s.sink.Play(ctx, pcm, f)
	}), nil
}

// Cancel implements [tts.Synthesizer].
func (s *Synthesizer) Cancel() error {
	s.runner.Cancel()
	return nil
}

// Ping checks that the server answers GET /details.
func (s *Synthesizer) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.serverURL+detailsEndpoint, nil)
	if err != nil {
		return fmt.Errorf("coqui: create details request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", detailsEndpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s returned status %d", detailsEndpoint, resp.StatusCode)
	}
	return nil
}

func (s *Synthesizer) languageFor(lang string) string {
	if s.language != "" {
		return s.language
	}
	primary, _, _ := strings.Cut(lang, "-")
	return strings.ToLower(primary)
}

// ── HTTP ────────────────────────────────────────────────────────────────────

// xttsRequest is the JSON body sent to POST /tts_to_audio/.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

func (s *Synthesizer) synthesize(ctx context.Context, text, lang string) ([]byte, audio.Format, error) {
	var (
		req      *http.Request
		err      error
		endpoint string
	)
	switch s.apiMode {
	case APIModeXTTS:
		endpoint = xttsEndpoint
		data, merr := json.Marshal(xttsRequest{Text: text, SpeakerWav: s.speaker, Language: lang})
		if merr != nil {
			return nil, audio.Format{}, fmt.Errorf("coqui: marshal tts request: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+endpoint, bytes.NewReader(data))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		endpoint = apiTTSEndpoint
		params := url.Values{}
		params.Set("text", text)
		if s.speaker != "" {
			params.Set("speaker_id", s.speaker)
		}
		if lang != "" {
			params.Set("language_id", lang)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, s.serverURL+endpoint+"?"+params.Encode(), nil)
	}
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("coqui: %s %s: %w", req.Method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, audio.Format{}, fmt.Errorf("coqui: %s %s returned status %d", req.Method, endpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(io.LimitReader(resp.Body, maxWAVBytes))
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	pcm, f, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("coqui: %w", err)
	}
	return pcm, f, nil
}
