package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/kv"
	"github.com/MrWong99/parley/internal/resilience"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := New(nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := decode(t, rec); body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	ok := func(context.Context) error { return nil }
	bad := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "all pass",
			checkers:   []Checker{{Name: "store", Check: ok}, {Name: "dialogue", Check: ok}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"store": "ok", "dialogue": "ok"},
		},
		{
			name:       "one fails",
			checkers:   []Checker{{Name: "store", Check: bad}, {Name: "dialogue", Check: ok}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"store": "fail: connection refused", "dialogue": "ok"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := New(tc.checkers)
			rec := httptest.NewRecorder()
			h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

			if rec.Code != tc.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tc.wantCode)
			}
			body := decode(t, rec)
			if body.Status != tc.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tc.wantStatus)
			}
			for name, want := range tc.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("checks[%s] = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_CheckTimeoutDerivesFromRequest(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "slow", Check: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		<-ctx.Done()
		return ctx.Err()
	}}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", rec.Code)
	}
	if got := decode(t, rec).Checks["slow"]; !strings.Contains(got, "deadline exceeded") {
		t.Errorf("checks[slow] = %q", got)
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPingCheck(t *testing.T) {
	t.Parallel()
	if err := PingCheck("store", kv.NewMemStore()).Check(t.Context()); err != nil {
		t.Errorf("memory store: %v", err)
	}

	down := errors.New("pool closed")
	c := PingCheck("store", pingFunc(func(context.Context) error { return down }))
	if c.Name != "store" {
		t.Errorf("name = %q", c.Name)
	}
	if err := c.Check(t.Context()); !errors.Is(err, down) {
		t.Errorf("err = %v, want %v", err, down)
	}
}

func TestBreakerCheck(t *testing.T) {
	t.Parallel()
	now := time.Unix(0, 0)
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "dialogue",
		MaxFailures:  1,
		ResetTimeout: time.Minute,
		Now:          func() time.Time { return now },
	})
	c := BreakerCheck("dialogue", cb)
	if err := c.Check(t.Context()); err != nil {
		t.Fatalf("closed breaker: %v", err)
	}

	_ = cb.Execute(func() error { return errors.New("500") })
	err := c.Check(t.Context())
	if err == nil || !strings.Contains(err.Error(), "open") {
		t.Fatalf("open breaker: err = %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := c.Check(t.Context()); err != nil {
		t.Errorf("half-open breaker should be ready: %v", err)
	}
}

func TestHealthyCheck(t *testing.T) {
	t.Parallel()
	healthy := true
	c := HealthyCheck("llm", func() bool { return healthy })
	if err := c.Check(t.Context()); err != nil {
		t.Error(err)
	}
	healthy = false
	if err := c.Check(t.Context()); err == nil {
		t.Error("expected failure")
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	type snapshot struct {
		State string `json:"state"`
	}
	h := New(nil, WithStatus(func() any { return snapshot{State: "listening"} }))
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/statusz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got snapshot
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.State != "listening" {
		t.Errorf("statusz state = %q", got.State)
	}

	resp2, err := http.Post(srv.URL+"/healthz", "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz = %d, want 405", resp2.StatusCode)
	}
}

func TestStatusz_WithoutSource(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	New(nil).Statusz(rec, httptest.NewRequest("GET", "/statusz", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", rec.Code)
	}
}
