// Package health serves the operations probes of a running parley process.
//
//   - /healthz: liveness, always 200 while the process serves HTTP.
//   - /readyz: readiness, 200 only when every [Checker] passes.
//   - /statusz: the turn controller snapshot, when a status source is set.
//
// Probe responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map holding the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/resilience"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name appears as a key in the /readyz response (e.g. "store").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Pinger is implemented by stores that can verify their backing connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports p as ready when Ping succeeds.
func PingCheck(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// BreakerCheck fails while cb is open. A half-open breaker is ready, since
// the next request is the probe that may close it.
func BreakerCheck(name string, cb *resilience.CircuitBreaker) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if st := cb.State(); st == resilience.StateOpen {
			return fmt.Errorf("circuit %s is %s", cb.Name(), st)
		}
		return nil
	}}
}

// HealthyCheck fails when healthy reports false, e.g. a fallback group
// whose backends are all tripped.
func HealthyCheck(name string, healthy func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !healthy() {
			return errors.New("no healthy backend")
		}
		return nil
	}}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	status   func() any
}

// Option configures a [Handler].
type Option func(*Handler)

// WithStatus serves the value returned by fn as JSON on /statusz.
func WithStatus(fn func() any) Option {
	return func(h *Handler) { h.status = fn }
}

// New creates a [Handler] that evaluates checkers on each /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each under [checkTimeout], and
// answers 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		failed bool
	)

	g, ctx := errgroup.WithContext(r.Context())
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				failed = true
			} else {
				checks[c.Name] = "ok"
			}
			// Never cancel the siblings; every check is reported.
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if failed {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Statusz writes the current status snapshot, or 404 without a source.
func (h *Handler) Statusz(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if h.status != nil {
		mux.HandleFunc("GET /statusz", h.Statusz)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
