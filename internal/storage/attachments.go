package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// ErrAttachmentNotFound is returned when an attachment does not exist or
// belongs to another user.
var ErrAttachmentNotFound = errors.New("storage: attachment not found")

// Attachment is stored metadata for one uploaded blob.
type Attachment struct {
	ID        string
	UserID    int
	Name      string
	MimeType  string
	Size      int64
	CreatedAt time.Time
}

// AttachmentStore pairs Postgres metadata rows with a blob Backend. The
// object key is always "<userID>/<id>", so backends never need an
// ownership check of their own.
type AttachmentStore struct {
	db      *sql.DB
	backend Backend
}

// NewAttachmentStore creates an attachment store.
func NewAttachmentStore(db *sql.DB, backend Backend) *AttachmentStore {
	return &AttachmentStore{db: db, backend: backend}
}

func objectKey(userID int, id string) string {
	return fmt.Sprintf("%d/%s", userID, id)
}

// Save uploads the blob and records its metadata. The metadata row is
// written first; an upload failure rolls it back so no orphan rows remain.
func (s *AttachmentStore) Save(ctx context.Context, userID int, name, mimeType string, body io.Reader, size int64) (*Attachment, error) {
	att := &Attachment{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		MimeType:  mimeType,
		Size:      size,
		CreatedAt: time.Now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (id, user_id, name, mime_type, size, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		att.ID, att.UserID, att.Name, att.MimeType, att.Size, att.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert attachment: %w", err)
	}

	if err := s.backend.PutObject(ctx, objectKey(userID, att.ID), body, size); err != nil {
		s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = $1`, att.ID)
		return nil, fmt.Errorf("upload attachment: %w", err)
	}
	return att, nil
}

// Open returns the attachment metadata and a reader over its bytes, after
// verifying ownership.
func (s *AttachmentStore) Open(ctx context.Context, userID int, id string) (*Attachment, io.ReadCloser, error) {
	att, err := s.get(ctx, userID, id)
	if err != nil {
		return nil, nil, err
	}
	rc, _, err := s.backend.GetObject(ctx, objectKey(userID, id))
	if err != nil {
		return nil, nil, fmt.Errorf("open attachment: %w", err)
	}
	return att, rc, nil
}

// Delete removes the attachment metadata and its blob.
func (s *AttachmentStore) Delete(ctx context.Context, userID int, id string) error {
	if _, err := s.get(ctx, userID, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM attachments WHERE id = $1 AND user_id = $2`, id, userID); err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return s.backend.DeleteObject(ctx, objectKey(userID, id))
}

func (s *AttachmentStore) get(ctx context.Context, userID int, id string) (*Attachment, error) {
	att := &Attachment{ID: id, UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, mime_type, size, created_at
		 FROM attachments WHERE id = $1 AND user_id = $2`, id, userID).
		Scan(&att.Name, &att.MimeType, &att.Size, &att.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return att, nil
}
