// Package turn implements the turn-taking controller: the state machine that
// alternates between listening to the user, waiting for the dialogue reply
// and speaking it.
//
// All state is owned by a single event loop ([Controller.Run]). Recognizer
// events, endpointing timer expiries, user commands and the results of
// background work (dialogue exchanges, playback, delayed restarts) are all
// delivered to that loop as events, so no handler ever races another.
//
// The cycle is:
//
//	Idle ──Start──▶ Listening ──utterance──▶ AwaitingReply ──reply──▶ Speaking
//	                    ▲                                                 │
//	                    └────────────────── playback done ────────────────┘
//
// Stop moves to Idle from anywhere. While a reply is pending or being spoken
// the stop is recorded and takes effect when that work finishes, so the
// exchange is never left half-written in the log.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/dialogue"
	"github.com/MrWong99/parley/internal/endpoint"
	"github.com/MrWong99/parley/internal/identity"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

const (
	defaultMinSession = time.Second
	defaultBackoff    = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Speaker plays a reply and returns when playback has finished.
// *[playback.Coordinator] satisfies it.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Sessions supplies the identity attached to every dialogue exchange.
// *[identity.Store] satisfies it.
type Sessions interface {
	Session(ctx context.Context) (identity.Session, error)
}

var (
	_ Speaker  = (*playback.Coordinator)(nil)
	_ Sessions = (*identity.Store)(nil)
)

// Config holds the collaborators and tuning knobs of a [Controller].
type Config struct {
	// Required collaborators.
	Recognizer stt.Recognizer
	Policy     endpoint.Policy
	Dialogue   dialogue.Client
	Playback   Speaker
	Log        *transcript.Log
	Sessions   Sessions

	// Metrics records transitions, turns and restarts. Default:
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MinSession is the shortest recognizer run that is restarted
	// immediately. Shorter runs are restarted after a backoff. Default: 1s.
	MinSession time.Duration

	// Backoff is the first restart delay. Default: 1s.
	Backoff time.Duration

	// MaxBackoff caps the exponential restart delay. Default: 30s.
	MaxBackoff time.Duration

	// OnTransition, when set, is called from the event loop after every
	// state change. It must not block.
	OnTransition func(Transition)

	// Now overrides the clock. Intended for tests.
	Now func() time.Time
}

func (cfg *Config) validate() error {
	var errs []error
	if cfg.Recognizer == nil {
		errs = append(errs, errors.New("recognizer is required"))
	}
	if cfg.Policy == nil {
		errs = append(errs, errors.New("endpointing policy is required"))
	}
	if cfg.Dialogue == nil {
		errs = append(errs, errors.New("dialogue client is required"))
	}
	if cfg.Playback == nil {
		errs = append(errs, errors.New("playback is required"))
	}
	if cfg.Log == nil {
		errs = append(errs, errors.New("transcript log is required"))
	}
	if cfg.Sessions == nil {
		errs = append(errs, errors.New("session source is required"))
	}
	if cfg.MinSession < 0 || cfg.Backoff < 0 || cfg.MaxBackoff < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("turn: invalid config: %w", err)
	}
	return nil
}

// ── Events ──────────────────────────────────────────────────────────────────

type (
	startRequested struct{}
	stopRequested  struct{}

	replyReceived struct {
		seq   uint64
		reply dialogue.Reply
	}

	playbackDone struct {
		seq uint64
		err error
	}

	restartDue struct{ gen uint64 }
)

// exchange is one utterance on its way to the dialogue backend.
type exchange struct {
	seq  uint64
	text string
	sess identity.Session
}

// ── Controller ──────────────────────────────────────────────────────────────

// Controller drives one conversation. Create it with [New], run its loop with
// [Controller.Run] and steer it with [Controller.Start] and [Controller.Stop].
type Controller struct {
	rec        stt.Recognizer
	policy     endpoint.Policy
	dialogue   dialogue.Client
	speaker    Speaker
	log        *transcript.Log
	sessions   Sessions
	metrics    *observe.Metrics
	minSession time.Duration
	backoff0   time.Duration
	maxBackoff time.Duration
	observer   func(Transition)
	now        func() time.Time

	events chan any

	// Loop-owned. Written only from Run; mu guards them for Snapshot.
	mu          sync.Mutex
	state       State
	manualStop  bool
	run         stt.RunID
	closing     bool
	runStarted  time.Time
	backoff     time.Duration
	restartGen  uint64
	restartT    *time.Timer
	exchangeSeq uint64
	pending     *exchange
	lastError   stt.ErrorCode
	discarded   int
	session     identity.Session
}

// New validates cfg and returns an idle controller.
func New(cfg Config) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MinSession == 0 {
		cfg.MinSession = defaultMinSession
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		rec:        cfg.Recognizer,
		policy:     cfg.Policy,
		dialogue:   cfg.Dialogue,
		speaker:    cfg.Playback,
		log:        cfg.Log,
		sessions:   cfg.Sessions,
		metrics:    cfg.Metrics,
		minSession: cfg.MinSession,
		backoff0:   cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
		observer:   cfg.OnTransition,
		now:        cfg.Now,
		events:     make(chan any, 16),
		state:      Idle,
		manualStop: true,
	}, nil
}

// Start asks the controller to begin listening. It clears a previous manual
// stop; if a reply is pending or being spoken, listening resumes once that
// finishes. Safe to call from any goroutine, before or while Run executes.
func (c *Controller) Start() { c.events <- startRequested{} }

// Stop asks the controller to stop listening and return to Idle.
func (c *Controller) Stop() { c.events <- stopRequested{} }

// Snapshot returns a copy of the controller's current status.
func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	s := Status{
		State:          c.state,
		StateName:      c.state.String(),
		ManualStop:     c.manualStop,
		Recognizing:    c.run != 0 && !c.closing,
		Run:            c.run,
		LastError:      c.lastError,
		Discarded:      c.discarded,
		RestartBackoff: c.backoff,
	}
	c.mu.Unlock()
	s.Turns = c.log.Len()
	return s
}

// Run executes the event loop until ctx is cancelled. The session identity
// is resolved once up front; failing to resolve it is fatal. Run returns nil
// on cancellation.
func (c *Controller) Run(ctx context.Context) error {
	sess, err := c.sessions.Session(ctx)
	if err != nil {
		return fmt.Errorf("turn: resolve session: %w", err)
	}
	c.session = sess
	slog.Info("turn controller running", "session_id", sess.SessionID)

	defer c.shutdown()
	for {
		var ev any
		select {
		case <-ctx.Done():
			return nil
		case ev = <-c.events:
		case rev := <-c.rec.Events():
			ev = rev
		case comp := <-c.policy.Expired():
			ev = comp
		}
		c.handle(ctx, ev)
	}
}

func (c *Controller) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case startRequested:
		c.onStart(ctx)
	case stopRequested:
		c.onStop()
	case stt.Event:
		c.onRecognizer(ctx, ev)
	case endpoint.Completion:
		c.onExpired(ctx, ev)
	case replyReceived:
		c.onReply(ctx, ev)
	case playbackDone:
		c.onPlaybackDone(ctx, ev)
	case restartDue:
		c.onRestartDue(ctx, ev)
	default:
		slog.Warn("turn: unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

// post delivers a background result to the loop unless it has exited.
func (c *Controller) post(ctx context.Context, ev any) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Controller) shutdown() {
	c.cancelRestart()
	if c.run != 0 && !c.closing {
		if err := c.rec.Abort(); err != nil {
			slog.Warn("turn: abort recognizer on shutdown", "err", err)
		}
	}
	c.policy.Reset()
	c.transition(Idle, "shutdown")
}

// ── Commands ────────────────────────────────────────────────────────────────

func (c *Controller) onStart(ctx context.Context) {
	c.setManualStop(false)
	switch c.state {
	case Idle, Error:
		c.mu.Lock()
		c.backoff = 0
		c.mu.Unlock()
		c.activate(ctx, "start")
	case Listening:
		// Already listening; activate is idempotent.
		c.activate(ctx, "start")
	default:
		slog.Info("turn: start recorded, resuming after reply", "state", c.state)
	}
}

func (c *Controller) onStop() {
	c.setManualStop(true)
	c.cancelRestart()
	switch c.state {
	case Listening, Error:
		c.deactivate()
		c.policy.Reset()
		c.transition(Idle, "stop")
	case AwaitingReply, Speaking:
		slog.Info("turn: stop recorded, finishing current exchange", "state", c.state)
	}
}

// ── Recognizer ──────────────────────────────────────────────────────────────

// activate enters Listening and makes sure a recognizer run is active or
// about to be. Calling it while a run is active is a no-op.
func (c *Controller) activate(ctx context.Context, reason string) {
	c.cancelRestart()
	c.transition(Listening, reason)
	if c.run != 0 {
		// A live run keeps serving; a closing one triggers a restart from
		// its end event.
		return
	}
	id, err := c.rec.Start(ctx)
	if err != nil {
		slog.Warn("turn: recognizer start failed", "err", err)
		c.fault(stt.CodeAudioCapture, err)
		c.scheduleRestart(ctx, 0)
		return
	}
	c.mu.Lock()
	c.run = id
	c.closing = false
	c.runStarted = c.now()
	c.mu.Unlock()
	slog.Debug("turn: recognizer started", "run", id)
}

// deactivate aborts the current run. Events still arriving from it are
// ignored until its end event clears it.
func (c *Controller) deactivate() {
	if c.run == 0 || c.closing {
		return
	}
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	if err := c.rec.Abort(); err != nil {
		slog.Warn("turn: abort recognizer", "run", c.run, "err", err)
	}
}

func (c *Controller) onRecognizer(ctx context.Context, ev stt.Event) {
	if ev.Run != c.run {
		slog.Debug("turn: ignoring event from stale run", "run", ev.Run, "kind", ev.Kind)
		return
	}
	switch ev.Kind {
	case stt.EventStart:
		slog.Debug("turn: recognizer run began", "run", ev.Run)
	case stt.EventResult:
		c.onResults(ctx, ev)
	case stt.EventError:
		if c.closing {
			return
		}
		c.metrics.RecordRecognizerFault(ctx, string(ev.Code))
		slog.Warn("turn: recognizer fault", "run", ev.Run, "code", ev.Code, "err", ev.Err)
		c.fault(ev.Code, ev.Err)
	case stt.EventEnd:
		c.onRunEnd(ctx)
	}
}

func (c *Controller) onResults(ctx context.Context, ev stt.Event) {
	changed := ev.Changed()
	if c.state != Listening || c.closing {
		c.discard(ctx, len(changed))
		return
	}
	var utterance []string
	stop := false
	for _, r := range changed {
		for _, comp := range c.policy.Observe(endpoint.Fragment{Text: r.Transcript, Final: r.IsFinal}) {
			utterance = append(utterance, comp.Text)
			stop = stop || comp.StopListening
		}
	}
	if len(utterance) == 0 {
		return
	}
	reason := "utterance"
	if stop {
		reason = "silence"
	}
	c.send(ctx, strings.Join(utterance, " "), reason)
}

// fault records a recognizer error and aborts the run. Without a manual stop
// the controller parks in Error and the run's end event decides on a restart.
func (c *Controller) fault(code stt.ErrorCode, err error) {
	c.mu.Lock()
	c.lastError = code
	c.mu.Unlock()
	c.policy.Pause()
	c.deactivate()
	if c.manualStop {
		c.transition(Idle, "fault: "+string(code))
		return
	}
	c.transition(Error, "fault: "+string(code))
}

func (c *Controller) onRunEnd(ctx context.Context) {
	lasted := c.now().Sub(c.runStarted)
	c.mu.Lock()
	aborted := c.closing
	c.run = 0
	c.closing = false
	c.mu.Unlock()
	slog.Debug("turn: recognizer run ended", "lasted", lasted, "state", c.state)

	if ex := c.pending; ex != nil {
		c.pending = nil
		c.dispatch(ctx, *ex)
		return
	}
	if c.manualStop {
		return
	}
	switch c.state {
	case Listening:
		if aborted {
			// Listening resumed before the aborted run finished.
			c.activate(ctx, "resume")
			return
		}
		c.scheduleRestart(ctx, lasted)
	case Error:
		if c.lastError == stt.CodeNotAllowed {
			slog.Error("turn: microphone access denied, waiting for explicit start")
			return
		}
		c.scheduleRestart(ctx, lasted)
	}
}

// scheduleRestart reactivates the recognizer after a run that lasted for
// the given duration. Runs shorter than MinSession back off exponentially.
func (c *Controller) scheduleRestart(ctx context.Context, lasted time.Duration) {
	if lasted >= c.minSession {
		c.mu.Lock()
		c.backoff = 0
		c.mu.Unlock()
		c.metrics.RecordRestart(ctx, false)
		c.activate(ctx, "restart")
		return
	}

	c.mu.Lock()
	if c.backoff == 0 {
		c.backoff = c.backoff0
	} else {
		c.backoff = min(c.backoff*2, c.maxBackoff)
	}
	delay := c.backoff
	c.restartGen++
	gen := c.restartGen
	if c.restartT != nil {
		c.restartT.Stop()
	}
	c.restartT = time.AfterFunc(delay, func() { c.post(ctx, restartDue{gen: gen}) })
	c.mu.Unlock()

	c.metrics.RecordRestart(ctx, true)
	slog.Info("turn: recognizer restart scheduled", "lasted", lasted, "backoff", delay)
}

func (c *Controller) onRestartDue(ctx context.Context, ev restartDue) {
	if ev.gen != c.restartGen || c.manualStop {
		return
	}
	if c.state != Listening && c.state != Error {
		return
	}
	c.activate(ctx, "restart")
}

func (c *Controller) cancelRestart() {
	c.mu.Lock()
	c.restartGen++
	if c.restartT != nil {
		c.restartT.Stop()
		c.restartT = nil
	}
	c.mu.Unlock()
}

func (c *Controller) discard(ctx context.Context, n int) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	c.discarded += n
	c.mu.Unlock()
	for range n {
		c.metrics.RecordDiscarded(ctx, c.state.String())
	}
	slog.Debug("turn: discarded fragments", "count", n, "state", c.state)
}

// ── Exchange ────────────────────────────────────────────────────────────────

func (c *Controller) onExpired(ctx context.Context, comp endpoint.Completion) {
	if c.state != Listening {
		c.discard(ctx, 1)
		return
	}
	c.send(ctx, comp.Text, "silence")
}

// send records the user turn and starts the dialogue exchange. While the
// aborted run is still closing, the exchange waits for its end event.
func (c *Controller) send(ctx context.Context, text, reason string) {
	c.policy.Pause()
	c.deactivate()
	c.transition(AwaitingReply, reason)

	c.appendTurn(ctx, transcript.Turn{Role: transcript.RoleUser, Content: text})

	c.exchangeSeq++
	ex := exchange{seq: c.exchangeSeq, text: text, sess: c.session}
	if c.run != 0 {
		c.pending = &ex
		return
	}
	c.dispatch(ctx, ex)
}

func (c *Controller) dispatch(ctx context.Context, ex exchange) {
	go func() {
		sctx, span := observe.StartSpan(ctx, "turn.exchange",
			trace.WithAttributes(attribute.Int("utterance.runes", len([]rune(ex.text)))))
		reply := c.dialogue.Send(sctx, ex.text, ex.sess)
		span.SetAttributes(attribute.Bool("reply.fault", reply.Fault))
		span.End()
		c.post(ctx, replyReceived{seq: ex.seq, reply: reply})
	}()
}

func (c *Controller) onReply(ctx context.Context, ev replyReceived) {
	if ev.seq != c.exchangeSeq || c.state != AwaitingReply {
		return
	}
	c.appendTurn(ctx, transcript.Turn{
		Role:    transcript.RoleAssistant,
		Content: ev.reply.Text,
		Fault:   ev.reply.Fault,
	})

	if c.manualStop {
		c.transition(Idle, "stop")
		return
	}
	c.transition(Speaking, "reply")
	text := ev.reply.Text
	go func() {
		c.post(ctx, playbackDone{seq: ev.seq, err: c.speaker.Speak(ctx, text)})
	}()
}

func (c *Controller) onPlaybackDone(ctx context.Context, ev playbackDone) {
	if ev.seq != c.exchangeSeq || c.state != Speaking {
		return
	}
	if ev.err != nil && ctx.Err() == nil {
		if errors.Is(ev.err, playback.ErrTimeout) {
			slog.Warn("turn: playback timed out, resuming")
		} else {
			slog.Warn("turn: playback failed", "err", ev.err)
		}
	}
	if c.manualStop {
		c.transition(Idle, "stop")
		return
	}
	c.activate(ctx, "playback done")
}

func (c *Controller) appendTurn(ctx context.Context, t transcript.Turn) {
	if _, err := c.log.Append(ctx, t); err != nil {
		slog.Warn("turn: persisting transcript failed", "role", t.Role, "err", err)
	}
	c.metrics.RecordTurn(ctx, string(t.Role), t.Fault)
}

// ── State ───────────────────────────────────────────────────────────────────

func (c *Controller) setManualStop(v bool) {
	c.mu.Lock()
	c.manualStop = v
	c.mu.Unlock()
}

func (c *Controller) transition(to State, reason string) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	c.metrics.RecordTransition(context.Background(), from.String(), to.String())
	slog.Info("turn: state change", "from", from.String(), "to", to.String(), "reason", reason)
	if c.observer != nil {
		c.observer(Transition{From: from, To: to, Reason: reason, At: c.now()})
	}
}
