// Package app wires the parley subsystems into a running interview client.
//
// [New] opens the persistent state (key-value store, identity, transcript
// log) and the dialogue backend. That is all the store operations ([App.Clear],
// [App.Export], ...) need. [App.Run] additionally builds the voice pipeline
// (recognizer, endpointing policy, synthesizer, playback, turn controller),
// serves the operations endpoint and blocks until ctx is cancelled.
// [App.Shutdown] releases everything in reverse order.
//
// For testing, inject doubles via functional options ([WithStore],
// [WithRecognizer], ...). Anything not injected is created from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/dialogue"
	"github.com/MrWong99/parley/internal/dialogue/chat"
	"github.com/MrWong99/parley/internal/endpoint"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/identity"
	"github.com/MrWong99/parley/internal/kv"
	"github.com/MrWong99/parley/internal/kv/postgres"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// IdentityAPI is the user registration surface of the interview server.
// [*dialogue.HTTPClient] implements it.
type IdentityAPI interface {
	CheckUserName(ctx context.Context, userID string) (bool, error)
	RegisterUserName(ctx context.Context, userID, name string) error
}

var _ IdentityAPI = (*dialogue.HTTPClient)(nil)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	reg     *config.Registry
	fs      afero.Fs
	metrics *observe.Metrics

	// Persistent state, opened in New.
	store    kv.Store
	identity *identity.Store
	log      *transcript.Log

	// Dialogue backend, built in New.
	dialogue    dialogue.Client
	identityAPI IdentityAPI
	chat        *chat.Client

	// Voice pipeline, built in Run.
	recognizer stt.Recognizer
	synth      tts.Synthesizer
	player     *playback.Coordinator
	policy     endpoint.Policy

	mu         sync.Mutex
	controller *turn.Controller

	checkers     []health.Checker
	configPath   string
	levelVar     *slog.LevelVar
	onTransition func(turn.Transition)

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a key-value store instead of opening one from config.
// The app does not close an injected store.
func WithStore(s kv.Store) Option {
	return func(a *App) { a.store = s }
}

// WithFs sets the filesystem used for the file store and WAV output.
// Default: the OS filesystem.
func WithFs(fsys afero.Fs) Option {
	return func(a *App) { a.fs = fsys }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithDialogue injects a dialogue client. When d also implements
// [IdentityAPI] it is used for registration.
func WithDialogue(d dialogue.Client) Option {
	return func(a *App) { a.dialogue = d }
}

// WithRecognizer injects a recognizer instead of creating one via the registry.
func WithRecognizer(r stt.Recognizer) Option {
	return func(a *App) { a.recognizer = r }
}

// WithSynthesizer injects a synthesizer instead of creating one via the registry.
func WithSynthesizer(s tts.Synthesizer) Option {
	return func(a *App) { a.synth = s }
}

// WithConfigWatch polls path during Run and applies hot-reloadable changes.
// The log level is written to lv.
func WithConfigWatch(path string, lv *slog.LevelVar) Option {
	return func(a *App) {
		a.configPath = path
		a.levelVar = lv
	}
}

// WithTransitionObserver is called on every controller state change.
func WithTransitionObserver(fn func(turn.Transition)) Option {
	return func(a *App) { a.onTransition = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New opens persistent state and builds the dialogue backend. reg resolves
// provider names for everything that is not injected.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}
	if a.fs == nil {
		a.fs = afero.NewOsFs()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.reg == nil {
		a.reg = config.NewRegistry()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Identity + transcript log ─────────────────────────────────────
	a.identity = identity.New(a.store)
	a.log = transcript.NewLog(transcript.WithStore(transcript.NewKVStore(a.store)))
	if err := a.log.Restore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 3. Dialogue backend ──────────────────────────────────────────────
	if err := a.initDialogue(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init dialogue: %w", err)
	}

	slog.Info("state restored", "turns", a.log.Len(), "backend", cfg.Dialogue.Backend)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens PostgreSQL when a DSN is configured and the JSON file store
// otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		if dsn := a.cfg.Store.PostgresDSN; dsn != "" {
			s, err := postgres.New(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = s
			slog.Info("store opened", "backend", "postgres")
		} else {
			s, err := kv.NewFileStore(a.fs, a.cfg.Store.Path)
			if err != nil {
				return err
			}
			a.store = s
			slog.Info("store opened", "backend", "file", "path", a.cfg.Store.Path)
		}
		a.closers = append(a.closers, a.store.Close)
	}
	a.checkers = append(a.checkers, health.PingCheck("store", a.store))
	return nil
}

// initDialogue builds the HTTP interview client or the LLM chat client.
func (a *App) initDialogue() error {
	if a.dialogue != nil {
		if api, ok := a.dialogue.(IdentityAPI); ok {
			a.identityAPI = api
		}
		if c, ok := a.dialogue.(*chat.Client); ok {
			a.chat = c
		}
		return nil
	}

	dc := a.cfg.Dialogue
	faults := dialogue.Faults{Status: dc.FaultStatusMessage, Transport: dc.FaultTransportMessage}
	breakerCfg := resilience.CircuitBreakerConfig{
		MaxFailures:  dc.Breaker.MaxFailures,
		ResetTimeout: dc.Breaker.ResetTimeout,
		OnStateChange: func(name string, _, to resilience.State) {
			a.metrics.RecordBreaker(context.Background(), name, to.String())
		},
	}

	switch dc.Backend {
	case config.BackendLLM:
		primary, err := a.reg.CreateLLM(dc.LLM.ProviderEntry)
		if err != nil {
			return fmt.Errorf("llm %q: %w", dc.LLM.Name, err)
		}
		fb := resilience.NewLLMFallback(primary, dc.LLM.Name, resilience.FallbackConfig{CircuitBreaker: breakerCfg})
		for _, entry := range dc.LLM.Fallbacks {
			p, err := a.reg.CreateLLM(entry)
			if err != nil {
				return fmt.Errorf("llm fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
		}
		c, err := chat.New(fb,
			chat.WithSystemPrompt(dc.LLM.SystemPrompt),
			chat.WithMaxHistory(dc.LLM.MaxHistory),
			chat.WithTemperature(dc.LLM.Temperature),
			chat.WithMaxTokens(dc.LLM.MaxTokens),
			chat.WithFaults(faults),
			chat.WithMetrics(a.metrics),
			chat.WithBackendName(dc.LLM.Name),
		)
		if err != nil {
			return err
		}
		a.dialogue, a.chat = c, c
		a.checkers = append(a.checkers, health.HealthyCheck("dialogue", fb.Healthy))

	default:
		breakerCfg.Name = "dialogue"
		cb := resilience.NewCircuitBreaker(breakerCfg)
		c, err := dialogue.New(dc.BaseURL,
			dialogue.WithTimeout(dc.Timeout),
			dialogue.WithBreaker(cb),
			dialogue.WithMetrics(a.metrics),
			dialogue.WithFaults(faults),
		)
		if err != nil {
			return err
		}
		a.dialogue, a.identityAPI = c, c
		a.checkers = append(a.checkers, health.BreakerCheck("dialogue", c.Breaker()))
	}
	return nil
}

// initVoice builds the recognizer, synthesizer, playback, endpointing policy
// and the turn controller.
func (a *App) initVoice() error {
	if a.recognizer == nil {
		r, err := a.reg.CreateRecognizer(a.cfg.Recognizer)
		if err != nil {
			return fmt.Errorf("recognizer %q: %w", a.cfg.Recognizer.Name, err)
		}
		a.recognizer = r
		a.addCloser(r)
	}

	if a.synth == nil {
		s, err := a.buildSynthesizer()
		if err != nil {
			return err
		}
		a.synth = s
	}

	var popts []playback.Option
	if a.cfg.Playback.Timeout > 0 {
		popts = append(popts, playback.WithTimeout(a.cfg.Playback.Timeout))
	}
	popts = append(popts, playback.WithMetrics(a.metrics))
	player, err := playback.New(a.synth, a.cfg.Synthesizer.Language, popts...)
	if err != nil {
		return err
	}
	a.player = player

	ep := a.cfg.Endpointing
	policy, err := endpoint.New(ep.Strategy,
		endpoint.WithSilenceTimeout(ep.SilenceTimeout),
		endpoint.WithTriggerPhrase(ep.TriggerPhrase),
	)
	if err != nil {
		return err
	}
	a.policy = policy

	ctrl, err := turn.New(turn.Config{
		Recognizer:   a.recognizer,
		Policy:       a.policy,
		Dialogue:     a.dialogue,
		Playback:     a.player,
		Log:          a.log,
		Sessions:     a.identity,
		Metrics:      a.metrics,
		MinSession:   a.cfg.Restart.MinSession,
		Backoff:      a.cfg.Restart.Backoff,
		MaxBackoff:   a.cfg.Restart.MaxBackoff,
		OnTransition: a.onTransition,
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.controller = ctrl
	a.mu.Unlock()
	return nil
}

// buildSynthesizer creates the configured synthesizer, wrapped in a
// failover group when fallbacks are configured.
func (a *App) buildSynthesizer() (tts.Synthesizer, error) {
	sc := a.cfg.Synthesizer
	primary, err := a.reg.CreateSynthesizer(sc)
	if err != nil {
		return nil, fmt.Errorf("synthesizer %q: %w", sc.Name, err)
	}
	a.addCloser(primary)
	if len(sc.Fallbacks) == 0 {
		return primary, nil
	}

	fb := resilience.NewTTSFallback(primary, sc.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				a.metrics.RecordBreaker(context.Background(), name, to.String())
			},
		},
	})
	for i, fcfg := range sc.Fallbacks {
		s, err := a.reg.CreateSynthesizer(fcfg)
		if err != nil {
			return nil, fmt.Errorf("synthesizer fallback %d (%q): %w", i, fcfg.Name, err)
		}
		a.addCloser(s)
		fb.AddFallback(fmt.Sprintf("%s-%d", fcfg.Name, i), s)
	}
	a.checkers = append(a.checkers, health.HealthyCheck("synthesizer", fb.Healthy))
	return fb, nil
}

func (a *App) addCloser(v any) {
	if c, ok := v.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// drainPoll is how often drain checks the controller state.
const drainPoll = 20 * time.Millisecond

// inputDone is implemented by recognizers whose input can run dry, such as
// the console recognizer at end of file.
type inputDone interface {
	Done() <-chan struct{}
}

// Run builds the voice pipeline, starts listening and blocks until ctx is
// cancelled or the recognizer input is exhausted. A clean stop returns nil.
func (a *App) Run(ctx context.Context) error {
	if err := a.initVoice(); err != nil {
		return fmt.Errorf("app: init voice: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.controller.Run(gctx)
	})

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		g.Go(func() error {
			return a.serveOps(gctx, addr)
		})
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("app: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			w.Stop()
			return nil
		})
	}

	if d, ok := a.recognizer.(inputDone); ok {
		g.Go(func() error {
			select {
			case <-d.Done():
				slog.Info("recognizer input closed, stopping")
				a.drain(gctx)
				cancel()
			case <-gctx.Done():
			}
			return nil
		})
	}

	a.controller.Start()
	slog.Info("listening",
		"language", a.cfg.Recognizer.Language,
		"strategy", a.cfg.Endpointing.Strategy,
		"recognizer", a.cfg.Recognizer.Name,
		"synthesizer", a.cfg.Synthesizer.Name,
	)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drain waits until the controller has settled after the input ran dry:
// the last utterance is answered and spoken, and the failed restart left it
// in Error.
func (a *App) drain(ctx context.Context) {
	ctrl := a.Controller()
	tick := time.NewTicker(drainPoll)
	defer tick.Stop()
	for {
		if st := ctrl.Snapshot().State; st == turn.Idle || st == turn.Error {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// applyConfig is the config watcher callback.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changed; restart to apply", "sections", d.RestartRequired)
	}
}

// Controller returns the turn controller, or nil before Run.
func (a *App) Controller() *turn.Controller {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controller
}

// Log returns the transcript log.
func (a *App) Log() *transcript.Log { return a.log }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires first, the remaining closers are skipped
// and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	_ = a.Shutdown(context.Background())
}
