// Package models contains shared data types used by the server and clients.
package models

import "time"

// Node types for FileNode.
const (
	NodeFile   = "file"
	NodeFolder = "folder"
)

// Chat message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// FileNode represents a file or folder in a project's file tree.
// Name is unique among siblings by UI convention; the tree package does not
// enforce it. Extension is set for files only, Expanded and Children for
// folders only.
type FileNode struct {
	Name      string      `json:"name"`
	Type      string      `json:"type"`
	Extension string      `json:"extension,omitempty"`
	Expanded  bool        `json:"expanded,omitempty"`
	Children  []*FileNode `json:"children,omitempty"`
}

// IsFolder reports whether the node is a folder.
func (n *FileNode) IsFolder() bool {
	return n != nil && n.Type == NodeFolder
}

// Attachment is an optional payload attached to a chat message.
// Exactly one of Content, URL or Base64 is set depending on Kind.
type Attachment struct {
	Kind     string `json:"kind"` // file, image, code
	Name     string `json:"name"`
	Content  string `json:"content,omitempty"`
	URL      string `json:"url,omitempty"`
	Base64   string `json:"base64,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ChatMessage is one entry in a conversation. Messages are immutable once
// constructed; conversation order is insertion order.
type ChatMessage struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Conversation is a persisted chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    int       `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoredMessage is a ChatMessage as persisted, with history metadata.
type StoredMessage struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
