// Package sessionstore keeps a Redis registry of live sessions so operators
// can see who is connected across gateway instances.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "session:"

// DefaultTTL is how long a session record lives without a refresh.
const DefaultTTL = 24 * time.Hour

// ErrNotFound is returned when a session record does not exist.
var ErrNotFound = errors.New("sessionstore: session not found")

// Session is the registered metadata for one live connection.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	OrgID          string    `json:"org_id"`
	ProjectID      string    `json:"project_id"`
	ConversationID string    `json:"conversation_id"`
	AgentType      string    `json:"agent_type"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Registry stores session records in Redis with a TTL.
type Registry struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRegistry creates a registry. ttl <= 0 uses DefaultTTL.
func NewRegistry(client redis.UniversalClient, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{client: client, ttl: ttl}
}

// Register writes the session record.
func (r *Registry) Register(ctx context.Context, session *Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	session.LastActivityAt = time.Now().UTC()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal session: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+session.ID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("sessionstore: register session: %w", err)
	}
	return nil
}

// Touch refreshes the record's activity timestamp and TTL.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	session, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	return r.Register(ctx, session)
}

// Get returns one session record.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := r.client.Get(ctx, keyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessionstore: get session: %w", err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("sessionstore: decode session: %w", err)
	}
	return &session, nil
}

// Remove deletes the session record.
func (r *Registry) Remove(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, keyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("sessionstore: remove session: %w", err)
	}
	return nil
}
