package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jfilby/intentcode-sub000/internal/cas"
)

var (
	// ErrNotFound is returned when a node lookup misses.
	ErrNotFound = errors.New("node not found")

	// ErrInvariant marks data-integrity violations (missing parent, broken edge
	// cardinality). These are never retried.
	ErrInvariant = errors.New("graph invariant violated")
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id                 TEXT PRIMARY KEY,
	parent_id          TEXT REFERENCES nodes(id),
	project            TEXT NOT NULL,
	type               TEXT NOT NULL,
	name               TEXT NOT NULL,
	status             TEXT NOT NULL,
	content            BLOB,
	content_hash       TEXT,
	structured         TEXT,
	structured_hash    TEXT,
	content_updated_at INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL,
	UNIQUE (parent_id, project, type, name)
);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);
CREATE INDEX IF NOT EXISTS idx_nodes_project_type ON nodes(project, type);

CREATE TABLE IF NOT EXISTS edges (
	src        TEXT NOT NULL REFERENCES nodes(id),
	type       TEXT NOT NULL,
	dst        TEXT NOT NULL REFERENCES nodes(id),
	name       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	PRIMARY KEY (src, type, dst, name)
);
CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(dst, type);
`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the graph database at the given path and applies the schema.
func Open(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single writer: transactions never wait on each other for a lock upgrade
	conn.SetMaxOpenConns(1)

	// Fail early if connection is bad
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// BeginTx starts a new transaction.
func (db *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return db.conn.BeginTx(ctx, nil)
}

// Exec executes a statement outside any transaction. Used by collaborators
// that keep their own tables in the graph database.
func (db *DB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.conn.ExecContext(ctx, query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, query, args...)
}

// QueryRow executes a query that returns a single row.
func (db *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRowContext(ctx, query, args...)
}

const nodeColumns = `id, parent_id, project, type, name, status, content, content_hash,
	structured, structured_hash, content_updated_at, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*Node, error) {
	var (
		n                          Node
		parentID, contentHash      sql.NullString
		structured, structuredHash sql.NullString
		nodeType, status           string
		contentUpdatedAt           int64
	)
	if err := row.Scan(&n.ID, &parentID, &n.Project, &nodeType, &n.Name, &status, &n.Content,
		&contentHash, &structured, &structuredHash, &contentUpdatedAt, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.ParentID = parentID.String
	n.Type = NodeType(nodeType)
	n.Status = Status(status)
	n.ContentHash = contentHash.String
	if structured.Valid && structured.String != "" {
		n.Structured = []byte(structured.String)
	}
	n.StructuredHash = structuredHash.String
	if contentUpdatedAt > 0 {
		n.ContentUpdatedAt = time.UnixMilli(contentUpdatedAt)
	}
	return &n, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// getOrCreate resolves the node with the given composite key, inserting it when absent.
func getOrCreate(ctx context.Context, q queryer, project, parentID string, nodeType NodeType, name string) (*Node, error) {
	id := cas.NodeID(project, parentID, string(nodeType), name)

	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO nodes (id, parent_id, project, type, name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, nullable(parentID), project, string(nodeType), name, string(StatusActive), cas.NowMs())
	if err != nil {
		return nil, fmt.Errorf("inserting %s node %q: %w", nodeType, name, err)
	}

	return getNode(ctx, q, id)
}

func getNode(ctx context.Context, q queryer, id string) (*Node, error) {
	n, err := scanNode(q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying node: %w", err)
	}
	return n, nil
}

func queryNodes(ctx context.Context, q queryer, query string, args ...interface{}) ([]*Node, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// GetNode retrieves a node by ID. Returns ErrNotFound when absent.
func (db *DB) GetNode(ctx context.Context, id string) (*Node, error) {
	return getNode(ctx, db.conn, id)
}

// FindChild looks up a child by its key without creating it.
func (db *DB) FindChild(ctx context.Context, parent *Node, nodeType NodeType, name string) (*Node, error) {
	return getNode(ctx, db.conn, cas.NodeID(parent.Project, parent.ID, string(nodeType), name))
}

// GetOrCreateChild resolves a child of parent, creating it if needed.
func (db *DB) GetOrCreateChild(ctx context.Context, parent *Node, nodeType NodeType, name string) (*Node, error) {
	return getOrCreate(ctx, db.conn, parent.Project, parent.ID, nodeType, name)
}

// Children returns the direct children of a node, optionally filtered by type.
func (db *DB) Children(ctx context.Context, parent *Node, nodeType NodeType) ([]*Node, error) {
	if nodeType == "" {
		return queryNodes(ctx, db.conn,
			`SELECT `+nodeColumns+` FROM nodes WHERE parent_id = ? ORDER BY type, name`, parent.ID)
	}
	return queryNodes(ctx, db.conn,
		`SELECT `+nodeColumns+` FROM nodes WHERE parent_id = ? AND type = ? ORDER BY name`,
		parent.ID, string(nodeType))
}

// NodesByType returns every node of a type within a project.
func (db *DB) NodesByType(ctx context.Context, project string, nodeType NodeType) ([]*Node, error) {
	return queryNodes(ctx, db.conn,
		`SELECT `+nodeColumns+` FROM nodes WHERE project = ? AND type = ? ORDER BY name`,
		project, string(nodeType))
}

// SetContent replaces a node's raw content and records when it was last updated.
// The node is updated in place.
func (db *DB) SetContent(ctx context.Context, n *Node, content []byte, updatedAt time.Time) error {
	hash := cas.ContentHash(content)
	if err := db.exec1(ctx, `
		UPDATE nodes SET content = ?, content_hash = ?, content_updated_at = ? WHERE id = ?
	`, content, hash, updatedAt.UnixMilli(), n.ID); err != nil {
		return fmt.Errorf("updating content of %q: %w", n.Name, err)
	}
	n.Content = content
	n.ContentHash = hash
	n.ContentUpdatedAt = time.UnixMilli(updatedAt.UnixMilli())
	return nil
}

// SetStructured replaces a node's structured content and recomputes its hash.
func (db *DB) SetStructured(ctx context.Context, n *Node, v interface{}) error {
	hash, canonical, err := cas.StructuredHash(v)
	if err != nil {
		return err
	}
	if err := db.exec1(ctx, `
		UPDATE nodes SET structured = ?, structured_hash = ? WHERE id = ?
	`, string(canonical), hash, n.ID); err != nil {
		return fmt.Errorf("updating structured content of %q: %w", n.Name, err)
	}
	n.Structured = canonical
	n.StructuredHash = hash
	return nil
}

// SetStatus updates a node's lifecycle status.
func (db *DB) SetStatus(ctx context.Context, n *Node, status Status) error {
	if err := db.exec1(ctx, `UPDATE nodes SET status = ? WHERE id = ?`, string(status), n.ID); err != nil {
		return fmt.Errorf("updating status of %q: %w", n.Name, err)
	}
	n.Status = status
	return nil
}

func (db *DB) exec1(ctx context.Context, query string, args ...interface{}) error {
	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DerivedDataName is the well-known name of the generic derived-data child.
const DerivedDataName = "derived"

// UpsertDerivedData stores or overwrites the derived-data child of parent with
// the given name, recomputing its structured-content hash and stamping its
// content-updated time.
func (db *DB) UpsertDerivedData(ctx context.Context, parent *Node, name string, structured interface{}) (*Node, error) {
	if name == "" {
		name = DerivedDataName
	}
	hash, canonical, err := cas.StructuredHash(structured)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	n, err := getOrCreate(ctx, tx, parent.Project, parent.ID, TypeDerivedData, name)
	if err != nil {
		return nil, err
	}
	now := cas.NowMs()
	if _, err := tx.ExecContext(ctx, `
		UPDATE nodes SET structured = ?, structured_hash = ?, content_updated_at = ? WHERE id = ?
	`, string(canonical), hash, now, n.ID); err != nil {
		return nil, fmt.Errorf("updating derived data %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing derived data: %w", err)
	}

	n.Structured = canonical
	n.StructuredHash = hash
	n.ContentUpdatedAt = time.UnixMilli(now)
	return n, nil
}

// DerivedData returns the named derived-data child of parent, or ErrNotFound.
func (db *DB) DerivedData(ctx context.Context, parent *Node, name string) (*Node, error) {
	if name == "" {
		name = DerivedDataName
	}
	return db.FindChild(ctx, parent, TypeDerivedData, name)
}

// AddEdge inserts an edge if it doesn't already exist (idempotent).
func (db *DB) AddEdge(ctx context.Context, src string, edgeType EdgeType, dst string, name string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO edges (src, type, dst, name, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, src, string(edgeType), dst, name, cas.NowMs())
	if err != nil {
		return fmt.Errorf("inserting edge: %w", err)
	}
	return nil
}

// DeleteEdge removes one edge. Deleting a missing edge is not an error.
func (db *DB) DeleteEdge(ctx context.Context, src string, edgeType EdgeType, dst string, name string) error {
	_, err := db.conn.ExecContext(ctx, `
		DELETE FROM edges WHERE src = ? AND type = ? AND dst = ? AND name = ?
	`, src, string(edgeType), dst, name)
	if err != nil {
		return fmt.Errorf("deleting edge: %w", err)
	}
	return nil
}

func queryEdges(ctx context.Context, q queryer, query string, args ...interface{}) ([]*Edge, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying edges: %w", err)
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		var e Edge
		var edgeType string
		if err := rows.Scan(&e.Src, &edgeType, &e.Dst, &e.Name, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		e.Type = EdgeType(edgeType)
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

// EdgesFrom retrieves edges leaving a source node.
func (db *DB) EdgesFrom(ctx context.Context, src string, edgeType EdgeType) ([]*Edge, error) {
	return queryEdges(ctx, db.conn, `
		SELECT src, type, dst, name, created_at FROM edges WHERE src = ? AND type = ? ORDER BY dst, name
	`, src, string(edgeType))
}

// EdgesTo retrieves edges pointing to a destination node.
func (db *DB) EdgesTo(ctx context.Context, dst string, edgeType EdgeType) ([]*Edge, error) {
	return queryEdges(ctx, db.conn, `
		SELECT src, type, dst, name, created_at FROM edges WHERE dst = ? AND type = ? ORDER BY name, src
	`, dst, string(edgeType))
}
