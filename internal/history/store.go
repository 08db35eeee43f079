// Package history persists conversation transcripts.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/neonforge/neonforge/pkg/models"
)

// ErrNotFound is returned when a conversation does not exist or belongs to
// another user. The two cases are deliberately indistinguishable to callers.
var ErrNotFound = errors.New("history: conversation not found")

// Recorder is the write side the relay depends on. Appends are best effort:
// the relay logs failures and never surfaces them to the caller, whose
// response has already succeeded.
type Recorder interface {
	AppendMessage(ctx context.Context, userID int, conversationID string, msg models.ChatMessage) error
}

// Store manages conversations and messages in Postgres.
type Store struct {
	db *sql.DB
}

// NewStore creates a history store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureConversation returns a valid conversation ID owned by userID,
// creating a row when id is empty or unknown.
func (s *Store) EnsureConversation(ctx context.Context, userID int, id string) (string, error) {
	if id != "" {
		var owner int
		err := s.db.QueryRowContext(ctx,
			`SELECT user_id FROM conversations WHERE id = $1`, id).Scan(&owner)
		if err == nil {
			if owner != userID {
				return "", fmt.Errorf("conversation %s not owned by user %d", id, userID)
			}
			return id, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("lookup conversation: %w", err)
		}
	}

	newID := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, created_at, updated_at)
		 VALUES ($1, $2, NOW(), NOW())`, newID, userID)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return newID, nil
}

// AppendMessage stores one message and bumps the conversation timestamp.
func (s *Store) AppendMessage(ctx context.Context, userID int, conversationID string, msg models.ChatMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at)
		 VALUES ($1, $2, $3, NOW())`, conversationID, msg.Role, msg.Content)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = NOW() WHERE id = $1 AND user_id = $2`,
		conversationID, userID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// ListConversations returns the user's conversations, most recent first.
func (s *Store) ListConversations(ctx context.Context, userID int) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, COALESCE(title, ''), created_at, updated_at
		 FROM conversations WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListMessages returns a conversation's messages in insertion order, after
// verifying ownership.
func (s *Store) ListMessages(ctx context.Context, userID int, conversationID string) ([]models.StoredMessage, error) {
	var owner int
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM conversations WHERE id = $1`, conversationID).Scan(&owner)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}
	if owner != userID {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM messages WHERE conversation_id = $1 ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []models.StoredMessage
	for rows.Next() {
		var m models.StoredMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CleanupOld removes conversations idle longer than the given duration,
// messages included.
func (s *Store) CleanupOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup conversations: %w", err)
	}
	return result.RowsAffected()
}
