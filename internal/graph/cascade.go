package graph

import (
	"context"
	"fmt"
	"strings"
)

// subtree collects the ids of n and all its descendants in BFS order.
func subtree(ctx context.Context, q queryer, rootID string) ([]string, error) {
	ids := []string{rootID}
	for i := 0; i < len(ids); i++ {
		rows, err := q.QueryContext(ctx, `SELECT id FROM nodes WHERE parent_id = ?`, ids[i])
		if err != nil {
			return nil, fmt.Errorf("listing children: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning child: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// CascadeDelete removes every descendant of n and every edge touching any node
// in the subtree, then n itself when includingSelf is set. Edges go first so the
// store never holds an edge to a deleted node; nodes go deepest-first.
func (db *DB) CascadeDelete(ctx context.Context, n *Node, includingSelf bool) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	ids, err := subtree(ctx, tx, n.ID)
	if err != nil {
		return err
	}
	if !includingSelf {
		ids = ids[1:]
	}
	if len(ids) == 0 {
		return tx.Commit()
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE src = ? OR dst = ?`, id, id); err != nil {
			return fmt.Errorf("deleting edges of %s: %w", id, err)
		}
	}
	for i := len(ids) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, ids[i]); err != nil {
			return fmt.Errorf("deleting node %s: %w", ids[i], err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cascade delete: %w", err)
	}
	return nil
}

// Walk visits root and its descendants breadth-first.
func (db *DB) Walk(ctx context.Context, root *Node, fn func(*Node) error) error {
	queue := []*Node{root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if err := fn(n); err != nil {
			return err
		}
		children, err := db.Children(ctx, n, "")
		if err != nil {
			return err
		}
		queue = append(queue, children...)
	}
	return nil
}

// CheckReport lists integrity problems found under a project.
type CheckReport struct {
	Reachable     int
	OrphanNodes   []string // project nodes not reachable from the root
	DanglingEdges []*Edge  // edges whose endpoint no longer exists
}

// OK reports whether no problems were found.
func (r *CheckReport) OK() bool {
	return len(r.OrphanNodes) == 0 && len(r.DanglingEdges) == 0
}

func (r *CheckReport) String() string {
	if r.OK() {
		return fmt.Sprintf("ok (%d nodes reachable)", r.Reachable)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d orphan nodes, %d dangling edges", len(r.OrphanNodes), len(r.DanglingEdges))
	for _, id := range r.OrphanNodes {
		fmt.Fprintf(&b, "\n  orphan %s", id)
	}
	for _, e := range r.DanglingEdges {
		fmt.Fprintf(&b, "\n  edge %s -%s-> %s", e.Src, e.Type, e.Dst)
	}
	return b.String()
}

// Check walks the project from its root and reports orphaned nodes and
// dangling edges.
func (db *DB) Check(ctx context.Context, root *Node) (*CheckReport, error) {
	report := &CheckReport{}
	reachable := make(map[string]bool)
	if err := db.Walk(ctx, root, func(n *Node) error {
		reachable[n.ID] = true
		return nil
	}); err != nil {
		return nil, err
	}
	report.Reachable = len(reachable)

	rows, err := db.conn.QueryContext(ctx, `SELECT id FROM nodes WHERE project = ?`, root.Project)
	if err != nil {
		return nil, fmt.Errorf("listing project nodes: %w", err)
	}
	var all []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		all = append(all, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for _, id := range all {
		if !reachable[id] {
			report.OrphanNodes = append(report.OrphanNodes, id)
		}
	}

	dangling, err := queryEdges(ctx, db.conn, `
		SELECT src, type, dst, name, created_at FROM edges
		WHERE src NOT IN (SELECT id FROM nodes) OR dst NOT IN (SELECT id FROM nodes)
	`)
	if err != nil {
		return nil, err
	}
	report.DanglingEdges = dangling
	return report, nil
}
