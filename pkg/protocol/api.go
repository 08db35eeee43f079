// Package protocol defines the API request/response types.
package protocol

import (
	"time"

	"github.com/neonforge/neonforge/pkg/models"
)

// Rate limit response headers, present on success and 429 responses alike.
// X-RateLimit-Reset carries an ISO-8601 timestamp.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// ChatRequest is the body for POST /api/v1/chat.
type ChatRequest struct {
	Messages       []models.ChatMessage `json:"messages"`
	Mode           string               `json:"mode,omitempty"`
	Model          string               `json:"model,omitempty"`
	ConversationID string               `json:"conversation_id,omitempty"`
}

// ErrorResponse is returned on API errors. Upstream error bodies are never
// forwarded; Error always holds a caller-safe message.
type ErrorResponse struct {
	Error   string     `json:"error"`
	Code    int        `json:"code,omitempty"`
	ResetAt *time.Time `json:"resetAt,omitempty"`
}

// LoginRequest is the body for POST /api/v1/auth/token.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned on successful authentication.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      UserInfo  `json:"user"`
}

// UserInfo describes the authenticated user.
type UserInfo struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

// ConversationListResponse is returned by GET /api/v1/conversations.
type ConversationListResponse struct {
	Conversations []models.Conversation `json:"conversations"`
}

// MessageListResponse is returned by GET /api/v1/conversations/{id}/messages.
type MessageListResponse struct {
	ConversationID string                 `json:"conversation_id"`
	Messages       []models.StoredMessage `json:"messages"`
}

// TreeResponse is returned by the project tree endpoints.
type TreeResponse struct {
	Root *models.FileNode `json:"root"`
}

// TreeOpRequest is the body for the project tree mutation endpoints.
// Path addresses a node as names from the root, slash-joined. Node is set
// for insert only.
type TreeOpRequest struct {
	Path string           `json:"path"`
	Node *models.FileNode `json:"node,omitempty"`
}

// AttachmentResponse is returned after an attachment upload.
type AttachmentResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType,omitempty"`
	URL      string `json:"url"`
}
