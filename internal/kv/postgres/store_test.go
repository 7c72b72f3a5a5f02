package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/MrWong99/parley/internal/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PARLEY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARLEY_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	s, err := New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.pool.Exec(context.Background(), `DELETE FROM parley_kv WHERE key LIKE 'test.%'`)
		_ = s.Close()
	})
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "test.a", []byte("one")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "test.a", []byte("two")); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	got, err := s.Get(ctx, "test.a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "two" {
		t.Errorf("Get = %q, want %q", got, "two")
	}
}

func TestStore_DeleteMany(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"test.x", "test.y"} {
		if err := s.Set(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}
	if err := s.Delete(ctx, "test.x", "test.y", "test.missing"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "test.x"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("Get after delete: err = %v, want ErrNotFound", err)
	}
}

func TestNew_InvalidDSN(t *testing.T) {
	t.Parallel()
	if _, err := New(context.Background(), "://not a dsn"); err == nil {
		t.Fatal("expected error for invalid DSN")
	}
}
