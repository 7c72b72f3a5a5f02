package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/dialogue"
	"github.com/MrWong99/parley/internal/identity"
	"github.com/MrWong99/parley/internal/kv"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/stt/console"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// interviewServer fakes the interview backend.
type interviewServer struct {
	*httptest.Server

	mu         sync.Mutex
	texts      []string
	registered map[string]string
}

func newInterviewServer(t *testing.T, reply string) *interviewServer {
	t.Helper()
	s := &interviewServer{registered: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /audio_interview", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text      string `json:"text"`
			SessionID string `json:"session_id"`
			UserID    string `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.UserID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.texts = append(s.texts, req.Text)
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"response": reply})
	})
	mux.HandleFunc("GET /check_user_name", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		_, ok := s.registered[r.URL.Query().Get("user_id")]
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]bool{"exists": ok})
	})
	mux.HandleFunc("POST /register_user_name", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID   string `json:"user_id"`
			UserName string `json:"user_name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.UserName == "taken" {
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "name taken"})
			return
		}
		s.mu.Lock()
		s.registered[req.UserID] = req.UserName
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *interviewServer) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func testConfig(baseURL string) *config.Config {
	cfg := &config.Config{
		Dialogue: config.DialogueConfig{BaseURL: baseURL},
		Restart:  config.RestartConfig{MinSession: 10 * time.Millisecond, Backoff: time.Hour, MaxBackoff: time.Hour},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, reg *config.Registry, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(t.Context(), cfg, reg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── New ──────────────────────────────────────────────────────────────────────

func TestNew_FileStoreRestoresTranscript(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	cfg := testConfig("http://localhost:5000")
	cfg.Store.Path = "/state/parley.json"

	first := newApp(t, cfg, nil, app.WithFs(fs))
	if _, err := first.Log().Append(t.Context(), transcript.Turn{Role: transcript.RoleUser, Content: "こんにちは"}); err != nil {
		t.Fatal(err)
	}
	if err := first.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	second := newApp(t, cfg, nil, app.WithFs(fs))
	turns := second.Log().Turns()
	if len(turns) != 1 || turns[0].Content != "こんにちは" {
		t.Errorf("restored turns = %+v", turns)
	}
}

func TestNew_LLMBackendUsesRegistry(t *testing.T) {
	t.Parallel()
	cfg := testConfig("")
	cfg.Dialogue.Backend = config.BackendLLM
	cfg.Dialogue.LLM.Name = "missing"

	_, err := app.New(t.Context(), cfg, config.NewRegistry(), app.WithStore(kv.NewMemStore()), app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

// ── Run ──────────────────────────────────────────────────────────────────────

func TestRun_CompletesATurn(t *testing.T) {
	t.Parallel()
	srv := newInterviewServer(t, "はい、どうぞ続けてください。")
	cfg := testConfig(srv.URL)

	rec := sttmock.NewRecognizer()
	synth := &ttsmock.Synthesizer{}
	var (
		mu          sync.Mutex
		transitions []string
	)
	a := newApp(t, cfg, nil,
		app.WithStore(kv.NewMemStore()),
		app.WithRecognizer(rec),
		app.WithSynthesizer(synth),
		app.WithTransitionObserver(func(tr turn.Transition) {
			mu.Lock()
			transitions = append(transitions, tr.To.String())
			mu.Unlock()
		}),
	)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-rec.Started():
	case <-time.After(3 * time.Second):
		t.Fatal("recognizer never started")
	}
	eventually(t, "recognizing", func() bool { return a.Controller().Snapshot().Recognizing })
	rec.Final("自己紹介をお願いします。")

	eventually(t, "reply spoken", func() bool { return len(synth.Calls()) == 1 })
	eventually(t, "back to listening", func() bool {
		s := a.Controller().Snapshot()
		return s.State == turn.Listening && s.Recognizing
	})

	if got := srv.Texts(); len(got) != 1 || got[0] != "自己紹介をお願いします。" {
		t.Errorf("server texts = %q", got)
	}
	call := synth.Calls()[0]
	if call.Text != "はい、どうぞ続けてください。" || call.Lang != "ja-JP" {
		t.Errorf("speak call = %+v", call)
	}
	turns := a.Log().Turns()
	if len(turns) != 2 || turns[0].Role != transcript.RoleUser || turns[1].Role != transcript.RoleAssistant {
		t.Errorf("turns = %+v", turns)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"listening", "awaiting_reply", "speaking", "listening", "idle"}
	if strings.Join(transitions, ",") != strings.Join(want, ",") {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestRun_ConsoleInputEndsRun(t *testing.T) {
	t.Parallel()
	srv := newInterviewServer(t, "ありがとうございます。")
	cfg := testConfig(srv.URL)

	synth := &ttsmock.Synthesizer{}
	reg := config.NewRegistry()
	reg.RegisterRecognizer("console", func(config.RecognizerConfig) (stt.Recognizer, error) {
		return console.New(strings.NewReader("よろしくお願いします\n")), nil
	})
	reg.RegisterSynthesizer("console", func(config.SynthesizerConfig) (tts.Synthesizer, error) {
		return synth, nil
	})
	a := newApp(t, cfg, reg, app.WithStore(kv.NewMemStore()))

	errc := make(chan error, 1)
	go func() { errc <- a.Run(t.Context()) }()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the input closed")
	}

	if got := srv.Texts(); len(got) != 1 || got[0] != "よろしくお願いします" {
		t.Errorf("server texts = %q", got)
	}
	if calls := synth.Calls(); len(calls) != 1 || calls[0].Text != "ありがとうございます。" {
		t.Errorf("speak calls = %+v", calls)
	}
}

func TestRun_FaultReplyIsSpoken(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	cfg := testConfig(srv.URL)
	cfg.Dialogue.FaultStatusMessage = "エラー {status}"

	rec := sttmock.NewRecognizer()
	synth := &ttsmock.Synthesizer{}
	a := newApp(t, cfg, nil, app.WithStore(kv.NewMemStore()), app.WithRecognizer(rec), app.WithSynthesizer(synth))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	<-rec.Started()
	eventually(t, "recognizing", func() bool { return a.Controller().Snapshot().Recognizing })
	rec.Final("もしもし")
	eventually(t, "fault spoken", func() bool { return len(synth.Calls()) == 1 })

	if got := synth.Calls()[0].Text; got != "エラー 500" {
		t.Errorf("spoken = %q", got)
	}
	eventually(t, "fault turn", func() bool { return a.Log().Len() == 2 })
	if last := a.Log().Turns()[1]; !last.Fault {
		t.Errorf("assistant turn = %+v, want fault", last)
	}
}

// ── Operations endpoint ──────────────────────────────────────────────────────

func TestHandler(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig("http://localhost:5000"), nil, app.WithStore(kv.NewMemStore()))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&ready)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || ready.Checks["store"] != "ok" || ready.Checks["dialogue"] != "ok" {
		t.Errorf("readyz = %d %+v", resp.StatusCode, ready)
	}

	resp, err = http.Get(srv.URL + "/statusz")
	if err != nil {
		t.Fatal(err)
	}
	var status turn.Status
	_ = json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if status.StateName != "idle" || !status.ManualStop {
		t.Errorf("statusz = %+v", status)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}

// ── Store operations ─────────────────────────────────────────────────────────

func TestExportImport_RoundTrip(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig("http://localhost:5000"), nil, app.WithStore(kv.NewMemStore()))
	doc := `[
  {"role": "user", "content": "はじめまして"},
  {"role": "assistant", "content": "よろしくお願いします"}
]`
	n, err := a.Import(t.Context(), strings.NewReader(doc))
	if err != nil || n != 2 {
		t.Fatalf("Import = %d, %v", n, err)
	}

	var buf bytes.Buffer
	if err := a.Export(&buf); err != nil {
		t.Fatal(err)
	}
	back, err := transcript.Import(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != 2 || back[0].Content != "はじめまして" || back[1].Role != transcript.RoleAssistant {
		t.Errorf("round trip = %+v", back)
	}
}

func TestImport_RejectsInvalidDocument(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig("http://localhost:5000"), nil, app.WithStore(kv.NewMemStore()))
	if _, err := a.Import(t.Context(), strings.NewReader(`[{"role":"narrator","content":"x"}]`)); err == nil {
		t.Error("expected error for unknown role")
	}
	if a.Log().Len() != 0 {
		t.Error("failed import must not touch the log")
	}
}

func TestClear_RemovesStateAsUnit(t *testing.T) {
	t.Parallel()
	store := kv.NewMemStore()
	a := newApp(t, testConfig("http://localhost:5000"), nil, app.WithStore(store))
	ctx := t.Context()

	if _, err := a.Import(ctx, strings.NewReader(`[{"role":"user","content":"a"}]`)); err != nil {
		t.Fatal(err)
	}
	before, err := identity.New(store).Session(ctx)
	if err != nil {
		t.Fatal(err)
	}

	for name, op := range map[string]func(context.Context) error{"clear": a.Clear, "logout": a.Logout} {
		if err := op(ctx); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		for _, key := range []string{transcript.StorageKey, identity.KeySessionID, identity.KeyUserID} {
			if _, err := store.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
				t.Errorf("%s: key %s still present (err=%v)", name, key, err)
			}
		}
		if a.Log().Len() != 0 {
			t.Errorf("%s: log not emptied", name)
		}
	}

	after, err := identity.New(store).Session(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if after == before {
		t.Error("identifiers were not regenerated")
	}
}

func TestClear_FreshStoreCreatesNoIdentifiers(t *testing.T) {
	t.Parallel()
	store := kv.NewMemStore()
	a := newApp(t, testConfig("http://localhost:5000"), nil, app.WithStore(store))
	ctx := t.Context()

	for name, op := range map[string]func(context.Context) error{"clear": a.Clear, "logout": a.Logout} {
		if err := op(ctx); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		for _, key := range []string{identity.KeySessionID, identity.KeyUserID} {
			if _, err := store.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
				t.Errorf("%s: key %s was created (err=%v)", name, key, err)
			}
		}
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	srv := newInterviewServer(t, "")
	store := kv.NewMemStore()
	a := newApp(t, testConfig(srv.URL), nil, app.WithStore(store))
	ctx := t.Context()

	if err := a.Register(ctx, "  山田  "); err != nil {
		t.Fatalf("Register: %v", err)
	}
	uid, _ := identity.New(store).UserID(ctx)
	srv.mu.Lock()
	got := srv.registered[uid]
	srv.mu.Unlock()
	if got != "山田" {
		t.Errorf("registered name = %q", got)
	}

	// Already registered: no second registration, no error.
	if err := a.Register(ctx, "taken"); err != nil {
		t.Errorf("second Register: %v", err)
	}
}

func TestRegister_Failure(t *testing.T) {
	t.Parallel()
	srv := newInterviewServer(t, "")
	a := newApp(t, testConfig(srv.URL), nil, app.WithStore(kv.NewMemStore()))

	err := a.Register(t.Context(), "taken")
	var ie *dialogue.IdentityError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want IdentityError", err)
	}
	if !strings.Contains(ie.Error(), "name taken") {
		t.Errorf("err = %v", ie)
	}
}

type echoDialogue struct{}

func (echoDialogue) Send(_ context.Context, text string, _ identity.Session) dialogue.Reply {
	return dialogue.Reply{Text: text}
}

func TestRegister_Unsupported(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig("http://localhost:5000"), nil,
		app.WithStore(kv.NewMemStore()),
		app.WithDialogue(echoDialogue{}),
	)
	if err := a.Register(t.Context(), "山田"); !errors.Is(err, app.ErrRegistrationUnsupported) {
		t.Errorf("err = %v", err)
	}
}
