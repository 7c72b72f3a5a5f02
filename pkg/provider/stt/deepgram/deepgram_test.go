package deepgram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	r, err := New("test-key", &audiomock.Source{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := r.buildURL(audio.SpeechFormat)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "host", "api.deepgram.com", u.Host)
	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_Options(t *testing.T) {
	r, err := New("key", &audiomock.Source{}, WithModel("base"), WithLanguage("ja"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, _ := r.buildURL(audio.Format{SampleRate: 48000, Channels: 2})
	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "ja", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
	assertEqual(t, "channels", "2", q.Get("channels"))
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   stt.Result
		wantOK bool
	}{
		{
			name:   "final",
			raw:    `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"Hello world","confidence":0.95}]}}`,
			want:   stt.Result{Transcript: "Hello world", IsFinal: true},
			wantOK: true,
		},
		{
			name:   "interim",
			raw:    `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Hello"}]}}`,
			want:   stt.Result{Transcript: "Hello"},
			wantOK: true,
		},
		{name: "metadata", raw: `{"type":"Metadata","request_id":"abc"}`},
		{name: "no alternatives", raw: `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{name: "invalid json", raw: `{invalid`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseDeepgramResponse([]byte(tc.raw))
			if ok != tc.wantOK || got != tc.want {
				t.Errorf("got (%+v, %v), want (%+v, %v)", got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	var results []stt.Result
	var idx int
	var ok bool

	results, idx, ok = merge(results, stt.Result{Transcript: "こん"})
	if !ok || idx != 0 || len(results) != 1 {
		t.Fatalf("first interim: idx=%d ok=%v results=%+v", idx, ok, results)
	}
	results, idx, ok = merge(results, stt.Result{Transcript: "こんにちは", IsFinal: true})
	if !ok || idx != 0 || len(results) != 1 || !results[0].IsFinal {
		t.Fatalf("final replaces interim: idx=%d ok=%v results=%+v", idx, ok, results)
	}
	results, idx, ok = merge(results, stt.Result{Transcript: "元気"})
	if !ok || idx != 1 || len(results) != 2 {
		t.Fatalf("interim after final appends: idx=%d ok=%v results=%+v", idx, ok, results)
	}
	results, _, ok = merge(results, stt.Result{IsFinal: true})
	if ok || len(results) != 1 {
		t.Fatalf("empty final retracts interim: ok=%v results=%+v", ok, results)
	}
	results, _, ok = merge(results, stt.Result{})
	if ok || len(results) != 1 {
		t.Fatalf("empty interim without pending: ok=%v results=%+v", ok, results)
	}
}

// ---- Constructor tests ----

func TestNew_Validation(t *testing.T) {
	if _, err := New("", &audiomock.Source{}); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("key", nil); err == nil {
		t.Error("expected error for nil source")
	}
}

// ---- streaming tests ----

func resultsMsg(transcript string, final bool) string {
	return fmt.Sprintf(`{"type":"Results","is_final":%v,"channel":{"alternatives":[{"transcript":%q}]}}`, final, transcript)
}

// fakeDeepgram answers the first audio frame with replies and, when the
// client sends CloseStream, with flush before closing normally.
func fakeDeepgram(t *testing.T, replies, flush []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		answered := false
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			switch {
			case typ == websocket.MessageBinary && !answered:
				answered = true
				for _, msg := range replies {
					_ = c.Write(ctx, websocket.MessageText, []byte(msg))
				}
			case typ == websocket.MessageText && strings.Contains(string(data), "CloseStream"):
				for _, msg := range flush {
					_ = c.Write(ctx, websocket.MessageText, []byte(msg))
				}
				_ = c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// pushUntilCaptured retries until the run has started capturing.
func pushUntilCaptured(t *testing.T, src *audiomock.Source) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !src.Push(make([]byte, 3200)) {
		if time.Now().After(deadline) {
			t.Fatal("capture never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func nextEvent(t *testing.T, r *Recognizer) stt.Event {
	t.Helper()
	select {
	case ev := <-r.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for recognizer event")
		return stt.Event{}
	}
}

func TestRecognizer_StreamAndStop(t *testing.T) {
	srv := fakeDeepgram(t,
		[]string{resultsMsg("こん", false), resultsMsg("こんにちは", true)},
		[]string{resultsMsg("元気です", true)},
	)
	src := &audiomock.Source{}
	r, err := New("key", src, WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	id, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ev := nextEvent(t, r); ev.Kind != stt.EventStart || ev.Run != id {
		t.Fatalf("first event = %+v", ev)
	}
	if _, err := r.Start(context.Background()); err == nil {
		t.Error("second Start succeeded while running")
	}

	pushUntilCaptured(t, src)

	ev := nextEvent(t, r)
	if ev.Kind != stt.EventResult || ev.ResultIndex != 0 || ev.Results[0].IsFinal {
		t.Fatalf("interim event = %+v", ev)
	}
	ev = nextEvent(t, r)
	if ev.Kind != stt.EventResult || len(ev.Results) != 1 || ev.Results[0] != (stt.Result{Transcript: "こんにちは", IsFinal: true}) {
		t.Fatalf("final event = %+v", ev)
	}

	_ = r.Stop()
	ev = nextEvent(t, r)
	if ev.Kind != stt.EventResult || ev.ResultIndex != 1 || ev.Changed()[0].Transcript != "元気です" {
		t.Fatalf("flushed event = %+v", ev)
	}
	if ev := nextEvent(t, r); ev.Kind != stt.EventEnd || ev.Run != id {
		t.Fatalf("last event = %+v, want end of run %d", ev, id)
	}
}

func TestRecognizer_Unauthorized(t *testing.T) {
	srv := fakeDeepgram(t, nil, nil)
	r, _ := New("wrong", &audiomock.Source{}, WithEndpoint(wsURL(srv)))
	defer r.Close()

	if _, err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	nextEvent(t, r) // start
	if ev := nextEvent(t, r); ev.Kind != stt.EventError || ev.Code != stt.CodeNotAllowed {
		t.Fatalf("event = %+v, want not-allowed error", ev)
	}
	if ev := nextEvent(t, r); ev.Kind != stt.EventEnd {
		t.Fatalf("event = %+v, want end", ev)
	}
}

func TestRecognizer_Abort(t *testing.T) {
	srv := fakeDeepgram(t, nil, nil)
	src := &audiomock.Source{}
	r, _ := New("key", src, WithEndpoint(wsURL(srv)))
	defer r.Close()

	if _, err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	nextEvent(t, r)
	pushUntilCaptured(t, src)
	_ = r.Abort()

	if ev := nextEvent(t, r); ev.Kind != stt.EventError || ev.Code != stt.CodeAborted {
		t.Fatalf("event = %+v, want aborted", ev)
	}
	if ev := nextEvent(t, r); ev.Kind != stt.EventEnd {
		t.Fatalf("event = %+v, want end", ev)
	}
}

func TestRecognizer_SourceFailure(t *testing.T) {
	srv := fakeDeepgram(t, nil, nil)
	src := &audiomock.Source{}
	r, _ := New("key", src, WithEndpoint(wsURL(srv)))
	defer r.Close()

	if _, err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	nextEvent(t, r)
	pushUntilCaptured(t, src)
	src.Fail()

	if ev := nextEvent(t, r); ev.Kind != stt.EventError || ev.Code != stt.CodeAudioCapture {
		t.Fatalf("event = %+v, want audio-capture", ev)
	}
	if ev := nextEvent(t, r); ev.Kind != stt.EventEnd {
		t.Fatalf("event = %+v, want end", ev)
	}
}

func TestRecognizer_NoSpeech(t *testing.T) {
	srv := fakeDeepgram(t, nil, nil)
	src := &audiomock.Source{}
	r, _ := New("key", src, WithEndpoint(wsURL(srv)), WithNoSpeechTimeout(50*time.Millisecond))
	defer r.Close()

	if _, err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	nextEvent(t, r)
	if ev := nextEvent(t, r); ev.Kind != stt.EventError || ev.Code != stt.CodeNoSpeech {
		t.Fatalf("event = %+v, want no-speech", ev)
	}
	if ev := nextEvent(t, r); ev.Kind != stt.EventEnd {
		t.Fatalf("event = %+v, want end", ev)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
