// Package store persists conversations and messages to Postgres so a
// transcript survives reconnects and restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inreslabs/inres-agent/pkg/models"
	_ "github.com/lib/pq"
)

// PostgresStore persists conversations and messages.
type PostgresStore struct {
	db *sql.DB

	// Prepared statements for the hot path
	stmtUpsertConversation *sql.Stmt
	stmtTouchConversation  *sql.Stmt
	stmtGetConversation    *sql.Stmt
	stmtInsertMessage      *sql.Stmt
	stmtGetHistory         *sql.Stmt
}

// Config holds connection pool settings.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStore opens a connection from a DSN and prepares statements.
func NewPostgresStore(dsn string, config Config) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: dsn is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	return NewPostgresStoreWithDB(db)
}

// NewPostgresStoreWithDB wraps an existing handle, used by tests.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("store: prepare statements: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtUpsertConversation, err = s.db.Prepare(`
		INSERT INTO conversations (id, user_id, org_id, project_id, mode, title, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET last_activity_at = EXCLUDED.last_activity_at`)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	s.stmtTouchConversation, err = s.db.Prepare(`
		UPDATE conversations SET last_activity_at = $2 WHERE id = $1`)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	s.stmtGetConversation, err = s.db.Prepare(`
		SELECT id, user_id, org_id, project_id, mode, title, created_at, last_activity_at
		FROM conversations WHERE id = $1`)
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}

	s.stmtInsertMessage, err = s.db.Prepare(`
		INSERT INTO messages (id, conversation_id, role, content, tool_calls, tool_results, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	s.stmtGetHistory, err = s.db.Prepare(`
		SELECT id, conversation_id, role, content, tool_calls, tool_results, created_at
		FROM messages WHERE conversation_id = $1
		ORDER BY created_at ASC
		LIMIT $2`)
	if err != nil {
		return fmt.Errorf("get history: %w", err)
	}

	return nil
}

// Close releases statements and the connection pool.
func (s *PostgresStore) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.stmtUpsertConversation,
		s.stmtTouchConversation,
		s.stmtGetConversation,
		s.stmtInsertMessage,
		s.stmtGetHistory,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// SaveConversation inserts the conversation or refreshes its activity time.
func (s *PostgresStore) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = conv.CreatedAt
	}
	_, err := s.stmtUpsertConversation.ExecContext(ctx,
		conv.ID, conv.UserID, conv.OrgID, conv.ProjectID,
		conv.Mode, conv.Title, conv.CreatedAt, conv.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("store: save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// TouchConversation updates the conversation's last activity timestamp.
func (s *PostgresStore) TouchConversation(ctx context.Context, conversationID string) error {
	_, err := s.stmtTouchConversation.ExecContext(ctx, conversationID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: touch conversation %s: %w", conversationID, err)
	}
	return nil
}

// GetConversation loads one conversation.
func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.stmtGetConversation.QueryRowContext(ctx, conversationID).Scan(
		&conv.ID, &conv.UserID, &conv.OrgID, &conv.ProjectID,
		&conv.Mode, &conv.Title, &conv.CreatedAt, &conv.LastActivityAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get conversation %s: %w", conversationID, err)
	}
	return &conv, nil
}

// SaveMessage appends one message. Tool calls and results are stored as
// JSONB columns.
func (s *PostgresStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	toolCalls, err := marshalNullable(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("store: marshal tool calls: %w", err)
	}
	toolResults, err := marshalNullable(msg.ToolResults)
	if err != nil {
		return fmt.Errorf("store: marshal tool results: %w", err)
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.stmtInsertMessage.ExecContext(ctx,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content,
		toolCalls, toolResults, createdAt,
	)
	if err != nil {
		return fmt.Errorf("store: save message %s: %w", msg.ID, err)
	}
	return nil
}

// GetHistory returns up to limit messages for a conversation in
// chronological order.
func (s *PostgresStore) GetHistory(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.stmtGetHistory.QueryContext(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get history for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		var role string
		var toolCalls, toolResults sql.NullString

		if err := rows.Scan(
			&msg.ID, &msg.ConversationID, &role, &msg.Content,
			&toolCalls, &toolResults, &msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msg.Role = models.Role(role)

		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("store: decode tool calls for %s: %w", msg.ID, err)
			}
		}
		if toolResults.Valid && toolResults.String != "" {
			if err := json.Unmarshal([]byte(toolResults.String), &msg.ToolResults); err != nil {
				return nil, fmt.Errorf("store: decode tool results for %s: %w", msg.ID, err)
			}
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate history: %w", err)
	}
	return messages, nil
}

// marshalNullable returns NULL for empty slices so the columns stay sparse.
func marshalNullable(v any) (any, error) {
	switch s := v.(type) {
	case []models.ToolCall:
		if len(s) == 0 {
			return nil, nil
		}
	case []models.ToolResult:
		if len(s) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
