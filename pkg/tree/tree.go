// Package tree provides pure transformations over project file trees.
//
// Every mutating operation returns a new tree and leaves its input intact:
// nodes along the affected path are copied, untouched subtrees are shared
// with the original. Callers can therefore hold references to old trees
// while readers elsewhere see the update.
package tree

import (
	"errors"
	"strings"

	"github.com/neonforge/neonforge/pkg/models"
)

var (
	// ErrInvalidPath is returned when a path does not resolve to the kind
	// of node the operation needs.
	ErrInvalidPath = errors.New("tree: invalid path")

	// ErrInvalidOperation is returned for operations that are never legal,
	// such as removing the root.
	ErrInvalidOperation = errors.New("tree: invalid operation")
)

// FindByPath resolves a path (names from root, excluding the root itself)
// through Children. An empty path returns root.
func FindByPath(root *models.FileNode, path []string) *models.FileNode {
	node := root
	for _, name := range path {
		if node == nil {
			return nil
		}
		node = childByName(node, name)
	}
	return node
}

// ToggleExpanded returns a new tree with the folder at path expanded or
// collapsed. The path addresses a node below root; an empty path toggles
// root itself.
func ToggleExpanded(root *models.FileNode, path []string) (*models.FileNode, error) {
	if root == nil {
		return nil, ErrInvalidPath
	}
	if len(path) == 0 {
		if !root.IsFolder() {
			return nil, ErrInvalidPath
		}
		clone := *root
		clone.Expanded = !clone.Expanded
		return &clone, nil
	}
	idx := childIndex(root, path[0])
	if idx < 0 {
		return nil, ErrInvalidPath
	}
	updated, err := ToggleExpanded(root.Children[idx], path[1:])
	if err != nil {
		return nil, err
	}
	return replaceChild(root, idx, updated), nil
}

// Insert returns a new tree with node appended to the children of the folder
// at parentPath. Sibling name uniqueness is a caller concern; children keep
// insertion order.
func Insert(root *models.FileNode, parentPath []string, node *models.FileNode) (*models.FileNode, error) {
	if root == nil || node == nil {
		return nil, ErrInvalidPath
	}
	if len(parentPath) == 0 {
		if !root.IsFolder() {
			return nil, ErrInvalidPath
		}
		clone := *root
		clone.Children = make([]*models.FileNode, 0, len(root.Children)+1)
		clone.Children = append(clone.Children, root.Children...)
		clone.Children = append(clone.Children, node)
		return &clone, nil
	}
	idx := childIndex(root, parentPath[0])
	if idx < 0 {
		return nil, ErrInvalidPath
	}
	updated, err := Insert(root.Children[idx], parentPath[1:], node)
	if err != nil {
		return nil, err
	}
	return replaceChild(root, idx, updated), nil
}

// Remove returns a new tree without the node at path, descendants included.
// Removing the root (empty path) is not a tree operation and fails with
// ErrInvalidOperation.
func Remove(root *models.FileNode, path []string) (*models.FileNode, error) {
	if root == nil {
		return nil, ErrInvalidPath
	}
	if len(path) == 0 {
		return nil, ErrInvalidOperation
	}
	idx := childIndex(root, path[0])
	if idx < 0 {
		return nil, ErrInvalidPath
	}
	if len(path) == 1 {
		clone := *root
		clone.Children = make([]*models.FileNode, 0, len(root.Children)-1)
		clone.Children = append(clone.Children, root.Children[:idx]...)
		clone.Children = append(clone.Children, root.Children[idx+1:]...)
		return &clone, nil
	}
	updated, err := Remove(root.Children[idx], path[1:])
	if err != nil {
		return nil, err
	}
	return replaceChild(root, idx, updated), nil
}

// CountNodes counts all nodes in a tree.
func CountNodes(root *models.FileNode) int {
	if root == nil {
		return 0
	}
	count := 1
	for _, child := range root.Children {
		count += CountNodes(child)
	}
	return count
}

// SplitPath turns a slash-joined path into segments, dropping empties so
// "/src/main.go" and "src/main.go" address the same node.
func SplitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func childByName(node *models.FileNode, name string) *models.FileNode {
	for _, child := range node.Children {
		if child.Name == name {
			return child
		}
	}
	return nil
}

func childIndex(node *models.FileNode, name string) int {
	for i, child := range node.Children {
		if child.Name == name {
			return i
		}
	}
	return -1
}

// replaceChild copies node with child i swapped for updated. This is the
// spine copy that gives every operation its persistent-update behavior.
func replaceChild(node *models.FileNode, i int, updated *models.FileNode) *models.FileNode {
	clone := *node
	clone.Children = make([]*models.FileNode, len(node.Children))
	copy(clone.Children, node.Children)
	clone.Children[i] = updated
	return &clone
}
