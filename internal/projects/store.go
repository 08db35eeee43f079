// Package projects persists per-project file trees.
//
// A tree is stored as one JSON document per project. Mutations go through
// the pure tree package: load, transform, write back. The document is small
// (a studio project has hundreds of nodes, not millions), so whole-document
// writes beat a normalized schema here.
package projects

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/neonforge/neonforge/pkg/models"
	"github.com/neonforge/neonforge/pkg/tree"
)

// ErrNotFound is returned when a project does not exist or belongs to
// another user.
var ErrNotFound = errors.New("projects: not found")

// Store manages project trees in Postgres.
type Store struct {
	db *sql.DB
}

// NewStore creates a project store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetTree loads a project's file tree.
func (s *Store) GetTree(ctx context.Context, userID int, projectID string) (*models.FileNode, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT tree FROM projects WHERE id = $1 AND user_id = $2`,
		projectID, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tree: %w", err)
	}

	var root models.FileNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	return &root, nil
}

// PutTree replaces a project's file tree, creating the project row if
// needed. Project ids are client-chosen, so an id can already belong to
// another user; that write conflicts away to zero rows and is reported as
// ErrNotFound instead of a silent success.
func (s *Store) PutTree(ctx context.Context, userID int, projectID string, root *models.FileNode) error {
	raw, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("encode tree: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, user_id, tree, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (id) DO UPDATE SET
			tree = EXCLUDED.tree,
			updated_at = NOW()
		 WHERE projects.user_id = $2`,
		projectID, userID, raw)
	if err != nil {
		return fmt.Errorf("put tree: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put tree: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Op is a tree mutation kind.
type Op string

const (
	OpToggle Op = "toggle"
	OpInsert Op = "insert"
	OpRemove Op = "remove"
)

// Apply loads the project tree, applies one mutation and stores the result.
// The returned tree is the post-mutation state. Tree errors
// (tree.ErrInvalidPath, tree.ErrInvalidOperation) pass through unwrapped so
// the HTTP layer can map them.
func (s *Store) Apply(ctx context.Context, userID int, projectID string, op Op, path string, node *models.FileNode) (*models.FileNode, error) {
	root, err := s.GetTree(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}

	segments := tree.SplitPath(path)
	var updated *models.FileNode
	switch op {
	case OpToggle:
		updated, err = tree.ToggleExpanded(root, segments)
	case OpInsert:
		updated, err = tree.Insert(root, segments, node)
	case OpRemove:
		updated, err = tree.Remove(root, segments)
	default:
		return nil, fmt.Errorf("projects: unknown op %q", op)
	}
	if err != nil {
		return nil, err
	}

	if err := s.PutTree(ctx, userID, projectID, updated); err != nil {
		return nil, err
	}
	return updated, nil
}
