package projects

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/neonforge/neonforge/pkg/models"
)

// rowcount driver: every Exec succeeds and reports a configurable number of
// affected rows, which is all the PutTree upsert contract depends on.
var stubRows int64

type rowcountDriver struct{}

func (rowcountDriver) Open(string) (driver.Conn, error) { return rowcountConn{}, nil }

type rowcountConn struct{}

func (rowcountConn) Prepare(string) (driver.Stmt, error) { return rowcountStmt{}, nil }
func (rowcountConn) Close() error                        { return nil }
func (rowcountConn) Begin() (driver.Tx, error)           { return nil, errors.New("not supported") }

type rowcountStmt struct{}

func (rowcountStmt) Close() error    { return nil }
func (rowcountStmt) NumInput() int   { return -1 }
func (rowcountStmt) Exec([]driver.Value) (driver.Result, error) {
	return rowcountResult{rows: stubRows}, nil
}
func (rowcountStmt) Query([]driver.Value) (driver.Rows, error) {
	return nil, errors.New("not supported")
}

type rowcountResult struct{ rows int64 }

func (rowcountResult) LastInsertId() (int64, error)  { return 0, errors.New("not supported") }
func (r rowcountResult) RowsAffected() (int64, error) { return r.rows, nil }

func init() {
	sql.Register("projects-rowcount", rowcountDriver{})
}

func rowcountStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("projects-rowcount", "")
	if err != nil {
		t.Fatalf("open stub db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestPutTreeWritesOwnedProject(t *testing.T) {
	stubRows = 1
	s := rowcountStore(t)

	root := &models.FileNode{Name: "root", Type: models.NodeFolder}
	if err := s.PutTree(context.Background(), 1, "p1", root); err != nil {
		t.Fatalf("PutTree: %v", err)
	}
}

func TestPutTreeRejectsForeignProjectID(t *testing.T) {
	// The id already exists under another user: the upsert's ownership
	// guard makes it a zero-row write, which must surface, not succeed.
	stubRows = 0
	s := rowcountStore(t)

	root := &models.FileNode{Name: "root", Type: models.NodeFolder}
	err := s.PutTree(context.Background(), 2, "p1", root)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("PutTree = %v, want ErrNotFound", err)
	}
}
