package transcript

import (
	"sync"
	"testing"
)

func TestAccumulator_JoinsWithSingleSpace(t *testing.T) {
	t.Parallel()
	var a Accumulator
	a.Append("a")
	a.Append("b")
	if got := a.Take(); got != "a b" {
		t.Errorf("Take() = %q, want %q", got, "a b")
	}
	if got := a.Peek(); got != "" {
		t.Errorf("Peek() after Take = %q, want empty", got)
	}
}

func TestAccumulator_IgnoresBlankFragments(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []string
		want string
	}{
		{"empty", []string{""}, ""},
		{"whitespace only", []string{"   ", "\t\n"}, ""},
		{"blank between", []string{"hello", "  ", "world"}, "hello world"},
		{"trimmed edges", []string{" hello ", "  world"}, "hello world"},
		{"japanese", []string{"会議の準備を", "していました"}, "会議の準備を していました"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var a Accumulator
			for _, f := range tc.in {
				a.Append(f)
			}
			if got := a.Take(); got != tc.want {
				t.Errorf("Take() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAccumulator_PeekDoesNotClear(t *testing.T) {
	t.Parallel()
	var a Accumulator
	a.Append("x")
	if got := a.Peek(); got != "x" {
		t.Fatalf("Peek() = %q, want %q", got, "x")
	}
	if got := a.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
	if got := a.Take(); got != "x" {
		t.Errorf("Take() = %q, want %q", got, "x")
	}
}

func TestAccumulator_AppendReportsKept(t *testing.T) {
	t.Parallel()
	var a Accumulator
	if a.Append("  ") {
		t.Error("Append(blank) reported kept")
	}
	if !a.Append("ok") {
		t.Error("Append(ok) reported dropped")
	}
}

func TestAccumulator_ConcurrentAppend(t *testing.T) {
	t.Parallel()
	var a Accumulator
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Append("w")
		}()
	}
	wg.Wait()
	if got := a.Len(); got != 50 {
		t.Errorf("Len() = %d, want 50", got)
	}
	a.Reset()
	if got := a.Len(); got != 0 {
		t.Errorf("Len() after Reset = %d, want 0", got)
	}
}
