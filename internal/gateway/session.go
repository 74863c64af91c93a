package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/inreslabs/inres-agent/internal/agent"
	"github.com/inreslabs/inres-agent/internal/audit"
	"github.com/inreslabs/inres-agent/internal/sessionstore"
	"github.com/inreslabs/inres-agent/internal/tools"
	"github.com/inreslabs/inres-agent/internal/transcript"
	"github.com/inreslabs/inres-agent/pkg/models"
)

// session is one connected client. The read loop is the only frame handler;
// the sender goroutine is the only socket writer. Everything the engine
// produces flows through the queue, a nil on the queue stops the sender.
type session struct {
	server *Server
	conn   *websocket.Conn
	logger *slog.Logger

	id             string
	conversationID string
	user           *models.User
	token          string

	queue      chan *models.AgentEvent
	senderDone chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc

	incident *tools.IncidentClient
	handle   poolHandle
	tr       *transcript.Transcript
	engine   *agent.Engine
	orch     *agent.Orchestrator
	actor    *audit.ActorLogger

	// turn state, owned by the read loop
	turnCancel context.CancelFunc
	turnDone   chan struct{}
	savedConv  bool

	// current dispatch scope, updated by chat frames
	scopeMu   sync.Mutex
	orgID     string
	projectID string

	startedAt time.Time
}

// poolHandle is the slice of *mcp.Handle the session needs back.
type poolHandle interface {
	tools.ExternalBackend
	Servers() []string
	Close()
}

// newSession assembles the per-connection actor: tool surface, transcript,
// engine, orchestrator, and audit binding.
func (g *Server) newSession(conn *websocket.Conn, user *models.User, token, orgID, projectID string) *session {
	cfg := g.opts.Config
	ctx, cancel := context.WithCancel(context.Background())

	s := &session{
		server:         g,
		conn:           conn,
		id:             uuid.NewString(),
		conversationID: uuid.NewString(),
		user:           user,
		token:          token,
		queue:          make(chan *models.AgentEvent, queueSize),
		senderDone:     make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
		orgID:          orgID,
		projectID:      projectID,
		startedAt:      time.Now(),
	}
	s.logger = g.logger.With("session_id", s.id, "user_id", user.ID)

	if g.opts.Audit != nil {
		s.actor = g.opts.Audit.ForActor(audit.Actor{
			UserID:    user.ID,
			SessionID: s.id,
			OrgID:     orgID,
			ProjectID: projectID,
		})
	}

	// Built-in incident tools bound to the session's credentials.
	registry := tools.NewRegistry()
	s.incident = tools.NewIncidentClient(cfg.InresAPIURL, tools.Credentials{
		Token:     token,
		OrgID:     orgID,
		ProjectID: projectID,
	})
	tools.RegisterIncidentTools(registry, s.incident)

	// External tool servers from the user's stored configuration. A pool
	// failure degrades the session to built-ins only.
	var external tools.ExternalBackend
	var serverNames []string
	if g.opts.Pool != nil && len(cfg.MCPServers) > 0 {
		handle, err := g.opts.Pool.Acquire(ctx, user.ID, cfg.MCPServers)
		if err != nil {
			s.logger.Warn("tool server acquire failed, continuing with built-ins", "error", err)
		} else {
			s.handle = handle
			external = handle
			serverNames = handle.Servers()
		}
	}

	dispatcher := tools.NewDispatcher(registry, external, s.actor, g.opts.Metrics)

	s.tr = transcript.New()
	s.engine = agent.NewEngine(g.opts.Streamer, dispatcher, s.tr, s.emit, s.logger, agent.EngineOptions{
		SystemPrompt: cfg.SystemPrompt,
		MaxTokens:    cfg.StreamMaxTokens,
		MaxTurns:     cfg.MaxTurns,
	})
	s.engine.OnAppend = s.persistMessage

	planner := g.opts.Planner
	if planner == nil {
		planner = g.opts.Streamer
	}
	s.orch = agent.NewOrchestrator(planner, s.engine, dispatcher, s.tr, s.emit, s.logger, agent.OrchestratorOptions{
		AlwaysPlan:    cfg.AlwaysPlan,
		SystemPrompt:  cfg.SystemPrompt,
		PlanMaxTokens: cfg.PlanMaxTokens,
		ServerNames:   serverNames,
	})

	s.sendSessionCreated(serverNames, dispatcher.TotalTools())
	return s
}

func (s *session) sendSessionCreated(serverNames []string, totalTools int) {
	if serverNames == nil {
		serverNames = []string{}
	}
	s.emit(models.SessionCreatedEvent(s.id, s.conversationID, agentType, serverNames, totalTools))
}

// run drives the session to completion and tears everything down.
func (s *session) run() {
	g := s.server
	if g.opts.Metrics != nil {
		g.opts.Metrics.ActiveSessions.Inc()
	}
	if s.actor != nil {
		s.actor.SessionStarted(agentType)
	}
	s.registerSession()

	go s.sendLoop()
	s.readLoop()

	// Teardown. The read loop has returned; finish the active turn, then
	// stop the sender with the nil sentinel before releasing anything the
	// queue might still reference.
	s.stopTurn()
	select {
	case s.queue <- nil:
	case <-s.senderDone:
		// Sender already died on a write error; nothing left to drain.
	}
	<-s.senderDone
	s.cancel()
	s.conn.Close()

	if s.handle != nil {
		s.handle.Close()
	}
	if g.opts.Sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.opts.Sessions.Remove(ctx, s.id); err != nil {
			s.logger.Warn("session record removal failed", "error", err)
		}
		cancel()
	}
	if s.actor != nil {
		s.actor.SessionEnded(time.Since(s.startedAt))
	}
	if g.opts.Metrics != nil {
		g.opts.Metrics.ActiveSessions.Dec()
		g.opts.Metrics.SessionDuration.Observe(time.Since(s.startedAt).Seconds())
	}
	s.logger.Info("session closed", "duration", time.Since(s.startedAt))
}

func (s *session) registerSession() {
	if s.server.opts.Sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	err := s.server.opts.Sessions.Register(ctx, &sessionstore.Session{
		ID:             s.id,
		UserID:         s.user.ID,
		OrgID:          s.orgID,
		ProjectID:      s.projectID,
		ConversationID: s.conversationID,
		AgentType:      agentType,
	})
	if err != nil {
		s.logger.Warn("session registration failed", "error", err)
	}
}

// readLoop handles every inbound frame until the connection drops.
func (s *session) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := decodeInbound(data)
		if err != nil {
			s.emit(models.ErrorEvent("Invalid JSON message"))
			continue
		}

		switch frame.Type {
		case "", frameChat:
			s.handleChat(frame)
		case frameInterrupt:
			s.handleInterrupt()
		case frameClearHistory:
			s.handleClearHistory()
		}
	}
}

// sendLoop is the single socket writer. Frames leave in queue order; a nil
// event stops the loop.
func (s *session) sendLoop() {
	defer close(s.senderDone)
	for ev := range s.queue {
		if ev == nil {
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("event marshal failed", "error", err)
			continue
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// emit enqueues one event for the sender. It never blocks past session end.
func (s *session) emit(ev *models.AgentEvent) {
	select {
	case s.queue <- ev:
	case <-s.senderDone:
	case <-s.ctx.Done():
	}
}

func (s *session) handleChat(frame *inboundFrame) {
	prompt := strings.TrimSpace(frame.Prompt)
	if prompt == "" {
		s.emit(models.ErrorEvent("Empty prompt"))
		return
	}

	s.updateScope(frame.OrgID, frame.ProjectID)

	if s.server.opts.Limiter != nil && !s.server.opts.Limiter.Allow(s.ctx, s.user.ID) {
		if s.actor != nil {
			s.actor.RateLimited()
		}
		if s.server.opts.Metrics != nil {
			s.server.opts.Metrics.RateLimitDenials.Inc()
		}
		s.emit(models.ErrorEvent("rate limited"))
		return
	}

	if s.actor != nil {
		s.actor.ChatMessage(prompt)
	}
	s.saveConversationOnce()
	s.touchSession()
	s.startTurn(prompt)
}

func (s *session) updateScope(orgID, projectID string) {
	s.scopeMu.Lock()
	if orgID != "" {
		s.orgID = orgID
	}
	if projectID != "" {
		s.projectID = projectID
	}
	s.scopeMu.Unlock()
	s.incident.SetScope(orgID, projectID)
}

// startTurn cancels any turn still in progress, waits for it to drain, and
// launches the next one.
func (s *session) startTurn(prompt string) {
	s.stopTurn()

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.turnCancel = cancel
	s.turnDone = done

	go func() {
		defer close(done)
		defer cancel()

		start := time.Now()
		_, outcome, path := s.orch.RunTurn(ctx, prompt)
		if m := s.server.opts.Metrics; m != nil {
			m.TurnCounter.WithLabelValues(string(path), string(outcome)).Inc()
			m.TurnDuration.WithLabelValues(string(path)).Observe(time.Since(start).Seconds())
		}
	}()
}

// stopTurn cancels the active turn and waits for its final event to be
// enqueued. No new turn starts while the previous one is unwinding.
func (s *session) stopTurn() {
	if s.turnDone == nil {
		return
	}
	select {
	case <-s.turnDone:
	default:
		s.orch.Interrupt()
		s.turnCancel()
		<-s.turnDone
	}
	s.turnCancel = nil
	s.turnDone = nil
}

func (s *session) handleInterrupt() {
	s.orch.Interrupt()
	if s.turnDone != nil {
		select {
		case <-s.turnDone:
		default:
			// The engine notices at the next event boundary and emits the
			// interrupted frame itself.
			s.turnCancel()
			return
		}
	}
	s.emit(models.InterruptedEvent())
}

func (s *session) handleClearHistory() {
	s.stopTurn()
	s.tr.Clear()
	if s.actor != nil {
		s.actor.HistoryCleared()
	}
	s.emit(models.HistoryClearedEvent())
}

// saveConversationOnce records the conversation on the first chat message.
func (s *session) saveConversationOnce() {
	if s.savedConv || s.server.opts.Store == nil {
		return
	}
	s.savedConv = true

	s.scopeMu.Lock()
	conv := &models.Conversation{
		ID:        s.conversationID,
		UserID:    s.user.ID,
		OrgID:     s.orgID,
		ProjectID: s.projectID,
		Mode:      agentType,
	}
	s.scopeMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.opts.Store.SaveConversation(ctx, conv); err != nil {
			s.logger.Warn("conversation save failed", "error", err)
		}
	}()
}

// persistMessage is the engine's append hook. Failures are logged, never
// surfaced.
func (s *session) persistMessage(msg *models.Message) {
	if s.server.opts.Store == nil {
		return
	}
	msg.ConversationID = s.conversationID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.opts.Store.SaveMessage(ctx, msg); err != nil {
			s.logger.Warn("message save failed", "error", err)
			return
		}
		if err := s.server.opts.Store.TouchConversation(ctx, s.conversationID); err != nil {
			s.logger.Warn("conversation touch failed", "error", err)
		}
	}()
}

func (s *session) touchSession() {
	if s.server.opts.Sessions == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.opts.Sessions.Touch(ctx, s.id); err != nil {
			s.logger.Warn("session touch failed", "error", err)
		}
	}()
}
