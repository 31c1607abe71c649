package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestIsolated_WorkerCrash(t *testing.T) {
	s := newIsolated(t, IsolatedConfig{
		Warm:    -1,
		Command: []string{"/bin/sh", "-c", "echo 'fatal error: out of memory' >&2; exit 3"},
	})

	res := s.Execute(context.Background(), "return 1", &fakeBindings{}, 5*time.Second)
	if res.Success {
		t.Fatal("expected failure from crashed worker")
	}
	if !strings.Contains(res.Error, "Worker exited unexpectedly") {
		t.Errorf("error = %q, want crash report", res.Error)
	}
}

func TestIsolated_HardKill(t *testing.T) {
	// A worker that never answers is killed once timeout plus grace elapses.
	s := newIsolated(t, IsolatedConfig{
		Warm:    -1,
		Grace:   200 * time.Millisecond,
		Command: []string{"/bin/sh", "-c", "exec sleep 30"},
	})

	start := time.Now()
	res := s.Execute(context.Background(), "return 1", &fakeBindings{}, 300*time.Millisecond)
	if res.Success {
		t.Fatal("expected timeout")
	}
	if !strings.Contains(res.Error, "timed out after 300ms") {
		t.Errorf("error = %q, want timeout", res.Error)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("hard kill took %s", elapsed)
	}
}

func TestIsolated_Cancelled(t *testing.T) {
	s := newIsolated(t, IsolatedConfig{Warm: -1})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	res := s.Execute(ctx, "await db.core.slow()", &fakeBindings{}, 10*time.Second)
	if res.Success {
		t.Fatal("expected cancellation")
	}
	if !strings.Contains(res.Error, "cancelled") {
		t.Errorf("error = %q, want cancellation", res.Error)
	}
}

func TestIsolated_WarmPoolRefills(t *testing.T) {
	s := newIsolated(t, IsolatedConfig{Warm: 2})

	for i := range 4 {
		res := s.Execute(context.Background(), "return 7", &fakeBindings{}, 5*time.Second)
		if !res.Success {
			t.Fatalf("run %d failed: %s", i, res.Error)
		}
	}
}

func TestBuildEnv_NoHostInheritance(t *testing.T) {
	t.Setenv("CODEGATE_SECRET", "hunter2")
	env := buildEnv("/tmp/w", map[string]string{"EXTRA": "1"})

	joined := strings.Join(env, "\n")
	if strings.Contains(joined, "hunter2") {
		t.Error("host environment leaked into worker env")
	}
	for _, want := range []string{"HOME=/tmp/w", "TMPDIR=/tmp/w", "EXTRA=1"} {
		if !strings.Contains(joined, want) {
			t.Errorf("env missing %q", want)
		}
	}
}

func TestLimitedWriter(t *testing.T) {
	var sb strings.Builder
	w := &limitedWriter{w: &sb, remaining: 5}
	n, err := w.Write([]byte("hello world"))
	if err != nil || n != 11 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if _, err := w.Write([]byte("more")); err != nil {
		t.Fatalf("Write after cap: %v", err)
	}
	if sb.String() != "hello" {
		t.Errorf("captured = %q, want %q", sb.String(), "hello")
	}
}
