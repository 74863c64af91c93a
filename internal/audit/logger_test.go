package audit

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func newTestLogger(buf *bytes.Buffer) *Logger {
	cfg := DefaultConfig()
	cfg.BufferSize = 1
	cfg.FlushInterval = 10 * time.Millisecond
	return NewLogger(cfg, slog.New(slog.NewJSONHandler(buf, nil)), nil)
}

func TestSanitizeTruncatesAndStripsControls(t *testing.T) {
	l := newTestLogger(&bytes.Buffer{})
	defer l.Close()

	in := "line1\nline2\x00\x1b[31m" + strings.Repeat("x", 300)
	out := l.sanitize(in)

	if strings.ContainsAny(out, "\n\x00\x1b") {
		t.Errorf("control characters survived: %q", out)
	}
	if !strings.HasSuffix(out, "...(truncated)") {
		t.Errorf("long preview not truncated: %q", out)
	}
	if len(out) > 256+len("...(truncated)") {
		t.Errorf("preview too long: %d", len(out))
	}
}

func TestSanitizeTruncatesOnRuneBoundary(t *testing.T) {
	l := newTestLogger(&bytes.Buffer{})
	defer l.Close()

	// 100 three-byte runes: the 256-byte cut lands mid-rune.
	out := l.sanitize(strings.Repeat("€", 100))

	if !utf8.ValidString(out) {
		t.Errorf("truncated preview is not valid UTF-8: %q", out)
	}
	if !strings.HasSuffix(out, "...(truncated)") {
		t.Errorf("long preview not truncated: %q", out)
	}
	body := strings.TrimSuffix(out, "...(truncated)")
	if len(body) != 255 {
		t.Errorf("cut at %d bytes, want 255 (rune boundary below 256)", len(body))
	}
}

func TestToolRequestedCorrelation(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)
	actor := l.ForActor(Actor{UserID: "u1", SessionID: "s1"})

	requestID := actor.ToolRequested("get_incidents", `{"limit":10}`)
	if requestID == "" {
		t.Fatal("expected a minted request id")
	}
	actor.ToolExecuted("get_incidents", requestID, 25*time.Millisecond, true, "[]")
	l.Close()

	out := buf.String()
	if strings.Count(out, requestID) < 2 {
		t.Errorf("request id should appear in both events:\n%s", out)
	}
	if !strings.Contains(out, TypeToolRequested) || !strings.Contains(out, TypeToolExecuted) {
		t.Errorf("missing tool event types:\n%s", out)
	}
}

func TestDisabledLoggerIsNoop(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Enabled: false}, slog.New(slog.NewJSONHandler(&buf, nil)), nil)
	l.Record(&Event{Category: CategoryChat, Type: TypeChatMessage, Status: StatusSuccess})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("disabled logger wrote output: %s", buf.String())
	}
}
