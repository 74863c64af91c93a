package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inreslabs/inres-agent/internal/auth"
	"github.com/inreslabs/inres-agent/internal/config"
	"github.com/inreslabs/inres-agent/internal/llm"
	"github.com/inreslabs/inres-agent/pkg/models"
)

type scriptedProvider struct {
	scripts [][]*llm.Chunk
	results []*llm.Result
}

func (f *scriptedProvider) Stream(_ context.Context, _ *llm.Request) (<-chan *llm.Chunk, error) {
	if len(f.scripts) == 0 {
		return nil, errors.New("scriptedProvider: no script left")
	}
	script := f.scripts[0]
	f.scripts = f.scripts[1:]

	ch := make(chan *llm.Chunk, len(script))
	go func() {
		defer close(ch)
		for _, chunk := range script {
			ch <- chunk
		}
	}()
	return ch, nil
}

func (f *scriptedProvider) Complete(_ context.Context, _ *llm.Request) (*llm.Result, error) {
	if len(f.results) == 0 {
		return nil, errors.New("scriptedProvider: no result left")
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) bool { return false }

type gatewayHarness struct {
	server   *httptest.Server
	authSvc  *auth.JWTService
	provider *scriptedProvider
}

func newGatewayHarness(t *testing.T, provider *scriptedProvider, limiter RateLimiter) *gatewayHarness {
	t.Helper()

	cfg := config.Default()
	cfg.JWTSecret = "test-secret"
	cfg.InresAPIURL = "http://127.0.0.1:0"
	cfg.SystemPrompt = "you are a test"

	authSvc := auth.NewJWTService(cfg.JWTSecret, time.Hour)
	gw := NewServer(Options{
		Config:   cfg,
		Auth:     authSvc,
		Streamer: provider,
		Limiter:  limiter,
	})

	h := &gatewayHarness{
		server:   httptest.NewServer(gw.Handler()),
		authSvc:  authSvc,
		provider: provider,
	}
	t.Cleanup(h.server.Close)
	return h
}

func (h *gatewayHarness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") +
		"/ws/stream?token=" + token + "&org_id=org-1&project_id=proj-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *gatewayHarness) token(t *testing.T) string {
	t.Helper()
	token, err := h.authSvc.Generate(&models.User{ID: "user-1", Email: "u@example.com"})
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func readEvent(t *testing.T, conn *websocket.Conn) *models.AgentEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var ev models.AgentEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return &ev
}

func sendJSON(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestRejectsBadToken(t *testing.T) {
	h := newGatewayHarness(t, &scriptedProvider{}, nil)
	conn := h.dial(t, "not-a-token")

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != closeUnauthorized {
		t.Errorf("close code = %d, want %d", closeErr.Code, closeUnauthorized)
	}
}

func TestSessionCreatedThenDirectStream(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*llm.Chunk{{
		{Text: "hi "},
		{Text: "there"},
		{Done: true, StopReason: "end_turn"},
	}}}
	h := newGatewayHarness(t, provider, nil)
	conn := h.dial(t, h.token(t))

	created := readEvent(t, conn)
	if created.Type != models.EventSessionCreated {
		t.Fatalf("first frame = %s, want session_created", created.Type)
	}
	if created.SessionID == "" || created.ConversationID == "" {
		t.Errorf("session_created missing ids: %+v", created)
	}
	if created.AgentType != agentType || created.TotalTools != 5 {
		t.Errorf("session_created = %+v", created)
	}

	sendJSON(t, conn, `{"prompt":"hello"}`)

	want := []models.EventType{models.EventDelta, models.EventDelta, models.EventComplete}
	for i, wantType := range want {
		ev := readEvent(t, conn)
		if ev.Type != wantType {
			t.Fatalf("frame %d = %s, want %s", i, ev.Type, wantType)
		}
	}
}

func TestInvalidJSONFrame(t *testing.T) {
	h := newGatewayHarness(t, &scriptedProvider{}, nil)
	conn := h.dial(t, h.token(t))
	readEvent(t, conn) // session_created

	sendJSON(t, conn, `{not json`)

	ev := readEvent(t, conn)
	if ev.Type != models.EventError || ev.Error != "Invalid JSON message" {
		t.Errorf("got %+v", ev)
	}
}

func TestEmptyPrompt(t *testing.T) {
	h := newGatewayHarness(t, &scriptedProvider{}, nil)
	conn := h.dial(t, h.token(t))
	readEvent(t, conn)

	sendJSON(t, conn, `{"type":"chat","prompt":"   "}`)

	ev := readEvent(t, conn)
	if ev.Type != models.EventError || ev.Error != "Empty prompt" {
		t.Errorf("got %+v", ev)
	}
}

func TestRateLimitedChat(t *testing.T) {
	h := newGatewayHarness(t, &scriptedProvider{}, denyLimiter{})
	conn := h.dial(t, h.token(t))
	readEvent(t, conn)

	sendJSON(t, conn, `{"prompt":"hello"}`)

	ev := readEvent(t, conn)
	if ev.Type != models.EventError || ev.Error != "rate limited" {
		t.Errorf("got %+v", ev)
	}
}

func TestClearHistory(t *testing.T) {
	h := newGatewayHarness(t, &scriptedProvider{}, nil)
	conn := h.dial(t, h.token(t))
	readEvent(t, conn)

	sendJSON(t, conn, `{"type":"clear_history"}`)

	ev := readEvent(t, conn)
	if ev.Type != models.EventHistoryCleared {
		t.Errorf("got %+v", ev)
	}
}

func TestInterruptWithoutTurn(t *testing.T) {
	h := newGatewayHarness(t, &scriptedProvider{}, nil)
	conn := h.dial(t, h.token(t))
	readEvent(t, conn)

	sendJSON(t, conn, `{"type":"interrupt"}`)

	ev := readEvent(t, conn)
	if ev.Type != models.EventInterrupted {
		t.Errorf("got %+v", ev)
	}
}

func TestDecodeInbound(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"chat default type", `{"prompt":"hi"}`, false},
		{"explicit chat", `{"type":"chat","prompt":"hi","org_id":"o"}`, false},
		{"interrupt", `{"type":"interrupt"}`, false},
		{"clear history", `{"type":"clear_history"}`, false},
		{"unknown type", `{"type":"dance"}`, true},
		{"wrong prompt type", `{"prompt":42}`, true},
		{"array", `[1,2]`, true},
		{"truncated", `{"prompt":`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeInbound([]byte(tc.raw))
			if (err != nil) != tc.wantErr {
				t.Errorf("decodeInbound(%s) error = %v, wantErr %v", tc.raw, err, tc.wantErr)
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	h := newGatewayHarness(t, &scriptedProvider{}, nil)
	resp, err := h.server.Client().Get(h.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
