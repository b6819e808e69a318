package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a goroutine-safe bytes.Buffer for the slog handler.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func newCapturedLogger(t *testing.T) (*Logger, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	sl := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	l, err := New(context.Background(), sl)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, buf
}

func TestTruncateBody(t *testing.T) {
	small := []byte("hello")
	if got := TruncateBody(small); got != "hello" {
		t.Errorf("small body altered: %q", got)
	}

	exact := bytes.Repeat([]byte("x"), MaxBodyLog)
	if got := TruncateBody(exact); got != string(exact) {
		t.Error("body at the cap must pass unchanged")
	}

	over := bytes.Repeat([]byte("y"), MaxBodyLog+1)
	got := TruncateBody(over)
	if len(got) != MaxBodyLog+len(truncationMark) {
		t.Errorf("truncated length = %d", len(got))
	}
	if !strings.HasSuffix(got, truncationMark) {
		t.Errorf("missing truncation marker: ...%s", got[len(got)-30:])
	}
}

func TestLogger_CloseDrainsPendingEntries(t *testing.T) {
	l, buf := newCapturedLogger(t)

	for i := 0; i < 10; i++ {
		l.Log(Trace{
			RequestID: "req-1",
			Provider:  "openai",
			Model:     "gpt-4o",
			Status:    401,
			Reason:    "invalid_key",
		})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out := buf.String()
	if got := strings.Count(out, "upstream_exchange"); got != 10 {
		t.Errorf("flushed %d entries, want 10:\n%s", got, out)
	}
	if !strings.Contains(out, `"reason":"invalid_key"`) {
		t.Errorf("entry fields missing:\n%s", out)
	}
}

func TestLogger_BodyOnlyWhenPresent(t *testing.T) {
	l, buf := newCapturedLogger(t)

	l.Log(Trace{RequestID: "no-body", Provider: "openai"})
	l.Log(Trace{RequestID: "with-body", Provider: "openai", Body: []byte(`{"error":"x"}`)})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out := buf.String()
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		hasBody := strings.Contains(line, `"body"`)
		switch {
		case strings.Contains(line, "no-body") && hasBody:
			t.Errorf("empty body logged: %s", line)
		case strings.Contains(line, "with-body") && !hasBody:
			t.Errorf("body missing: %s", line)
		}
	}
}

func TestLogger_PeriodicFlush(t *testing.T) {
	l, buf := newCapturedLogger(t)
	defer l.Close()

	l.Log(Trace{RequestID: "periodic", Provider: "openai"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), "periodic") {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Error("entry not flushed within the flush interval")
}

func TestLogger_NeverBlocksWhenFull(t *testing.T) {
	l, _ := newCapturedLogger(t)
	defer l.Close()

	// Vastly overfill the channel; Log must stay non-blocking and count drops.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < channelBuffer*2; i++ {
			l.Log(Trace{RequestID: "flood"})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Log blocked on a full channel")
	}
}
