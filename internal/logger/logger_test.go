package logger

import (
	"bytes"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"warn":    LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogger_LevelFilteringAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.SetLevel(LevelWarn)

	l.Info("hidden", "k", "v")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}

	l.Warn("key deactivated", "key", "...abcd", "kind", "MINUTE")
	out := buf.String()
	if !strings.Contains(out, "key deactivated") {
		t.Fatalf("missing message: %q", out)
	}
	if !strings.Contains(out, "key=...abcd") || !strings.Contains(out, "kind=MINUTE") {
		t.Fatalf("missing fields: %q", out)
	}
}

func TestLogger_Printf(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.SetLevel(LevelDebug)

	l.Debugf("attempt %d", 2)
	if !strings.Contains(buf.String(), "attempt 2") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogger_Writer(t *testing.T) {
	var buf syncBuffer
	l := New(&buf)

	w := l.Writer(LevelWarn)
	stdlog := log.New(w, "http: ", 0)
	stdlog.Print("TLS handshake error from 10.0.0.1: EOF")
	fmt.Fprintln(w, "second line")
	w.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(buf.String(), "second line") {
		if time.Now().After(deadline) {
			t.Fatalf("pipe output never reached the logger: %q", buf.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	out := buf.String()
	if !strings.Contains(out, "http: TLS handshake error") || !strings.Contains(out, "level=warning") {
		t.Errorf("unexpected output: %q", out)
	}
}
