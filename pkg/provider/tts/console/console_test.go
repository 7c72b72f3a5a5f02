package console

import (
	"bytes"
	"context"
	"testing"
)

func TestSynthesizer_PrintsLine(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, "> ")
	done, err := s.Speak(context.Background(), "ようこそ", "ja-JP")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("completion = %v", err)
	}
	if got := buf.String(); got != "> ようこそ\n" {
		t.Errorf("output = %q", got)
	}
}

func TestSynthesizer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(&bytes.Buffer{}, "").Speak(ctx, "x", "en"); err == nil {
		t.Fatal("expected context error")
	}
}
