package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Config configures the audit logger.
type Config struct {
	// Enabled determines if audit logging is active.
	Enabled bool `yaml:"enabled"`

	// MaxPreviewSize limits input/output previews. Default: 256.
	MaxPreviewSize int `yaml:"max_preview_size"`

	// BufferSize is the size of the async write buffer. Default: 1000.
	BufferSize int `yaml:"buffer_size"`

	// FlushInterval is how often the writer drains the buffer. Default: 5s.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		MaxPreviewSize: 256,
		BufferSize:     1000,
		FlushInterval:  5 * time.Second,
	}
}

// Logger writes audit events asynchronously to a structured log and, when a
// database handle is provided, to the audit_events table. Buffer overflow
// falls back to a synchronous write so events are never dropped.
type Logger struct {
	config Config
	log    *slog.Logger
	db     *sql.DB
	buffer chan *Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewLogger creates an audit logger. db may be nil; events then go to the
// structured log only.
func NewLogger(config Config, logger *slog.Logger, db *sql.DB) *Logger {
	if config.MaxPreviewSize <= 0 {
		config.MaxPreviewSize = 256
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Logger{
		config: config,
		log:    logger.With("component", "audit"),
		db:     db,
		buffer: make(chan *Event, config.BufferSize),
		done:   make(chan struct{}),
	}
	if config.Enabled {
		l.wg.Add(1)
		go l.writeLoop()
	}
	return l
}

// Close flushes remaining events and stops the writer.
func (l *Logger) Close() error {
	if !l.config.Enabled {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	return nil
}

// Record queues an event, filling in id and timestamp if unset. Previews are
// sanitized and truncated here so every sink sees the same redacted view.
func (l *Logger) Record(event *Event) {
	if l == nil || !l.config.Enabled || event == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.InputPreview = l.sanitize(event.InputPreview)
	event.OutputPreview = l.sanitize(event.OutputPreview)

	select {
	case l.buffer <- event:
	default:
		l.writeEvent(event)
	}
}

// ForActor returns a recorder with the actor pre-bound, used by session
// actors so every event in a session carries the same identity.
func (l *Logger) ForActor(actor Actor) *ActorLogger {
	return &ActorLogger{logger: l, actor: actor}
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-ticker.C:
			l.flush()
		case <-l.done:
			l.flush()
			return
		}
	}
}

func (l *Logger) flush() {
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		default:
			return
		}
	}
}

func (l *Logger) writeEvent(event *Event) {
	attrs := []any{
		"audit_id", event.ID,
		"category", string(event.Category),
		"type", event.Type,
		"status", string(event.Status),
	}
	if event.Actor.UserID != "" {
		attrs = append(attrs, "user_id", event.Actor.UserID)
	}
	if event.Actor.SessionID != "" {
		attrs = append(attrs, "session_id", event.Actor.SessionID)
	}
	if event.Actor.OrgID != "" {
		attrs = append(attrs, "org_id", event.Actor.OrgID)
	}
	if event.Actor.ProjectID != "" {
		attrs = append(attrs, "project_id", event.Actor.ProjectID)
	}
	if event.Resource != "" {
		attrs = append(attrs, "resource", event.Resource)
	}
	if event.RequestID != "" {
		attrs = append(attrs, "request_id", event.RequestID)
	}
	if event.InputPreview != "" {
		attrs = append(attrs, "input_preview", event.InputPreview)
	}
	if event.OutputPreview != "" {
		attrs = append(attrs, "output_preview", event.OutputPreview)
	}
	if event.DurationMS > 0 {
		attrs = append(attrs, "duration_ms", event.DurationMS)
	}
	if event.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", event.CorrelationID)
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}

	if event.Status == StatusFailure {
		l.log.Warn("audit", attrs...)
	} else {
		l.log.Info("audit", attrs...)
	}

	if l.db != nil {
		if err := l.persist(event); err != nil {
			l.log.Warn("failed to persist audit event", "audit_id", event.ID, "error", err)
		}
	}
}

func (l *Logger) persist(event *Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, timestamp, category, type, status,
			user_id, session_id, org_id, project_id,
			resource, request_id, input_preview, output_preview,
			duration_ms, correlation_id, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		event.ID, event.Timestamp, string(event.Category), event.Type, string(event.Status),
		event.Actor.UserID, event.Actor.SessionID, event.Actor.OrgID, event.Actor.ProjectID,
		event.Resource, event.RequestID, event.InputPreview, event.OutputPreview,
		event.DurationMS, event.CorrelationID, event.Error,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// sanitize strips control characters and truncates to the configured preview
// size.
func (l *Logger) sanitize(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(' ')
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > l.config.MaxPreviewSize {
		// Back up to a rune boundary so the preview stays valid UTF-8.
		cut := l.config.MaxPreviewSize
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + "...(truncated)"
	}
	return out
}

// ActorLogger records events with a fixed actor identity.
type ActorLogger struct {
	logger *Logger
	actor  Actor
}

// Record fills in the bound actor and queues the event.
func (a *ActorLogger) Record(event *Event) {
	if a == nil || event == nil {
		return
	}
	event.Actor = a.actor
	a.logger.Record(event)
}

// SessionStarted records a session_started event.
func (a *ActorLogger) SessionStarted(agentType string) {
	a.Record(&Event{
		Category: CategorySession,
		Type:     TypeSessionStarted,
		Status:   StatusSuccess,
		Resource: agentType,
	})
}

// SessionEnded records a session_ended event.
func (a *ActorLogger) SessionEnded(duration time.Duration) {
	a.Record(&Event{
		Category:   CategorySession,
		Type:       TypeSessionEnded,
		Status:     StatusSuccess,
		DurationMS: duration.Milliseconds(),
	})
}

// RateLimited records a security event for a denied request.
func (a *ActorLogger) RateLimited() {
	a.Record(&Event{
		Category: CategorySecurity,
		Type:     TypeRateLimited,
		Status:   StatusFailure,
	})
}

// ChatMessage records an inbound chat turn with a sanitized preview.
func (a *ActorLogger) ChatMessage(preview string) {
	a.Record(&Event{
		Category:     CategoryChat,
		Type:         TypeChatMessage,
		Status:       StatusSuccess,
		InputPreview: preview,
	})
}

// HistoryCleared records a transcript reset.
func (a *ActorLogger) HistoryCleared() {
	a.Record(&Event{
		Category: CategoryChat,
		Type:     TypeHistoryCleared,
		Status:   StatusSuccess,
	})
}

// ToolRequested records a tool dispatch about to happen. The returned request
// id correlates the matching tool_executed event.
func (a *ActorLogger) ToolRequested(toolName, inputPreview string) string {
	requestID := uuid.NewString()
	a.Record(&Event{
		Category:     CategoryTool,
		Type:         TypeToolRequested,
		Status:       StatusPending,
		Resource:     toolName,
		RequestID:    requestID,
		InputPreview: inputPreview,
	})
	return requestID
}

// ToolExecuted records the outcome of a tool dispatch, correlated to the
// request id minted by ToolRequested.
func (a *ActorLogger) ToolExecuted(toolName, requestID string, duration time.Duration, success bool, outputPreview string) {
	status := StatusSuccess
	if !success {
		status = StatusFailure
	}
	a.Record(&Event{
		Category:      CategoryTool,
		Type:          TypeToolExecuted,
		Status:        status,
		Resource:      toolName,
		RequestID:     requestID,
		OutputPreview: outputPreview,
		DurationMS:    duration.Milliseconds(),
		CorrelationID: requestID,
	})
}

// AuthFailed records a failed connection authentication. The actor may be
// partially filled when the token never parsed.
func (l *Logger) AuthFailed(actor Actor, reason string) {
	l.Record(&Event{
		Category: CategorySecurity,
		Type:     TypeAuthFailed,
		Status:   StatusFailure,
		Actor:    actor,
		Error:    reason,
	})
}
