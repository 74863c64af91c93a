// Package gateway serves the WebSocket streaming endpoint. Each connection
// becomes one session actor owning a transcript, an orchestrator, and a FIFO
// output queue drained by a single sender goroutine.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inreslabs/inres-agent/internal/audit"
	"github.com/inreslabs/inres-agent/internal/auth"
	"github.com/inreslabs/inres-agent/internal/config"
	"github.com/inreslabs/inres-agent/internal/llm"
	"github.com/inreslabs/inres-agent/internal/mcp"
	"github.com/inreslabs/inres-agent/internal/metrics"
	"github.com/inreslabs/inres-agent/internal/sessionstore"
	"github.com/inreslabs/inres-agent/pkg/models"
)

const (
	// agentType tags sessions and conversations for this runtime.
	agentType = "incident"

	wsMaxPayloadBytes = 1 << 20
	wsWriteWait       = 10 * time.Second
	queueSize         = 256

	// closeUnauthorized is sent when the bearer token does not verify.
	closeUnauthorized = 4001
)

// RateLimiter gates turn starts per user.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// ConversationStore receives the fire-and-forget durability hooks.
type ConversationStore interface {
	SaveConversation(ctx context.Context, conv *models.Conversation) error
	SaveMessage(ctx context.Context, msg *models.Message) error
	TouchConversation(ctx context.Context, conversationID string) error
}

// Options wires the server's collaborators. Pool, Limiter, Sessions, Store,
// and Metrics may be nil; the corresponding surface is skipped.
type Options struct {
	Config   *config.Config
	Auth     *auth.JWTService
	Streamer llm.Provider
	Planner  llm.Provider
	Pool     *mcp.Pool
	Limiter  RateLimiter
	Sessions *sessionstore.Registry
	Store    ConversationStore
	Audit    *audit.Logger
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Server is the HTTP surface: the WebSocket stream endpoint plus health and
// metrics.
type Server struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer builds the gateway server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:   opts,
		logger: logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the HTTP mux for the gateway.
func (g *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/stream", g.handleStream)
	mux.HandleFunc("/healthz", g.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (g *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

// handleStream upgrades the connection, verifies the bearer token, and runs
// the session actor until the peer goes away.
func (g *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	query := r.URL.Query()
	token := query.Get("token")
	orgID := query.Get("org_id")
	projectID := query.Get("project_id")

	user, err := g.opts.Auth.Validate(token)
	if err != nil {
		g.rejectUnauthorized(conn, orgID, projectID, err)
		return
	}

	sess := g.newSession(conn, user, token, orgID, projectID)
	sess.run()
}

func (g *Server) rejectUnauthorized(conn *websocket.Conn, orgID, projectID string, err error) {
	if g.opts.Audit != nil {
		g.opts.Audit.AuthFailed(audit.Actor{OrgID: orgID, ProjectID: projectID}, err.Error())
	}
	msg := websocket.FormatCloseMessage(closeUnauthorized, "Unauthorized")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)) //nolint:errcheck
	conn.Close()
}
