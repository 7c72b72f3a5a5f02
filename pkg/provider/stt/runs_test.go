package stt

import (
	"context"
	"errors"
	"testing"
	"time"
)

func next(t *testing.T, r *Runs) Event {
	t.Helper()
	select {
	case ev := <-r.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func TestRuns_Lifecycle(t *testing.T) {
	r := NewRuns(8)
	run, err := r.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev := next(t, r); ev.Kind != EventStart || ev.Run != run.ID {
		t.Fatalf("first event = %+v, want start of run %d", ev, run.ID)
	}
	if _, err := r.Begin(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Begin err = %v, want ErrRunning", err)
	}

	r.Emit(run, Event{Kind: EventResult, Results: []Result{{Transcript: "はい", IsFinal: true}}})
	r.Finish(run)

	if ev := next(t, r); ev.Kind != EventResult || ev.Changed()[0].Transcript != "はい" {
		t.Errorf("result event = %+v", ev)
	}
	if ev := next(t, r); ev.Kind != EventEnd {
		t.Errorf("last event = %+v, want end", ev)
	}
	if r.Active() != 0 {
		t.Error("run still active after Finish")
	}

	second, err := r.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == run.ID {
		t.Error("run IDs must be unique")
	}
}

func TestRuns_AbortReportsAborted(t *testing.T) {
	r := NewRuns(8)
	run, _ := r.Begin(context.Background())
	next(t, r)

	r.Abort()
	select {
	case <-run.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("run context not cancelled by Abort")
	}
	r.Finish(run)

	if ev := next(t, r); ev.Kind != EventError || ev.Code != CodeAborted {
		t.Errorf("event = %+v, want aborted error", ev)
	}
	if ev := next(t, r); ev.Kind != EventEnd {
		t.Errorf("event = %+v, want end", ev)
	}
}

func TestRuns_StopSignalsWithoutCancel(t *testing.T) {
	r := NewRuns(8)
	run, _ := r.Begin(context.Background())
	r.Stop()
	r.Stop()
	select {
	case <-run.Stopping():
	default:
		t.Fatal("Stopping not closed")
	}
	if run.Context().Err() != nil {
		t.Error("graceful stop cancelled the run context")
	}
	if run.Aborted() {
		t.Error("stopped run reports aborted")
	}
}

func TestRuns_CloseReleasesEmit(t *testing.T) {
	r := NewRuns(0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		run, err := r.Begin(context.Background())
		if err == nil {
			r.Finish(run)
		}
	}()
	time.Sleep(10 * time.Millisecond)
	r.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emitter still blocked after Close")
	}
	if _, err := r.Begin(context.Background()); err == nil {
		t.Error("Begin succeeded after Close")
	}
}

func TestEvent_Changed(t *testing.T) {
	ev := Event{Results: []Result{{Transcript: "a"}, {Transcript: "b"}}, ResultIndex: 1}
	if got := ev.Changed(); len(got) != 1 || got[0].Transcript != "b" {
		t.Errorf("Changed() = %+v", got)
	}
	ev.ResultIndex = 5
	if got := ev.Changed(); got != nil {
		t.Errorf("out of range Changed() = %+v, want nil", got)
	}
}
