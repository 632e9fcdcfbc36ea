// Package gencache stores the last validated generative output per derived-data
// node, keyed by (node, tool, prompt hash).
package gencache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jfilby/intentcode-sub000/internal/cas"
	"github.com/jfilby/intentcode-sub000/internal/graph"
)

const schema = `
CREATE TABLE IF NOT EXISTS generations (
	node_id     TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
	tool_id     TEXT NOT NULL,
	prompt_hash TEXT NOT NULL,
	prompt      BLOB NOT NULL,
	output      BLOB,
	structured  TEXT,
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (node_id, tool_id, prompt_hash)
);
CREATE INDEX IF NOT EXISTS idx_generations_node ON generations(node_id, created_at);
`

// DefaultHistoryPerNode is how many records are retained per node.
const DefaultHistoryPerNode = 5

// Record is one cached generation.
type Record struct {
	NodeID     string
	ToolID     string
	PromptHash string
	Prompt     string
	Output     string
	Structured json.RawMessage
	CreatedAt  time.Time
}

// Cache is the generation cache. It shares the graph database.
type Cache struct {
	db             *graph.DB
	historyPerNode int
	locks          *keyedMutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithHistoryPerNode bounds the number of records kept per node (0 keeps all).
func WithHistoryPerNode(n int) Option {
	return func(c *Cache) {
		c.historyPerNode = n
	}
}

// New creates the cache tables if needed and returns a Cache.
func New(ctx context.Context, db *graph.DB, opts ...Option) (*Cache, error) {
	if _, err := db.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("applying generation cache schema: %w", err)
	}
	c := &Cache{db: db, historyPerNode: DefaultHistoryPerNode, locks: newKeyedMutex()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Lock serializes lookup-then-store for one node. The returned func releases it.
func (c *Cache) Lock(nodeID string) (unlock func()) {
	return c.locks.lock(nodeID)
}

// Lookup returns the record for (node, tool, hash(prompt)) only when its stored
// prompt text equals prompt exactly. A miss is (nil, false, nil).
func (c *Cache) Lookup(ctx context.Context, node *graph.Node, toolID, prompt string) (*Record, bool, error) {
	hash := cas.PromptHash(prompt)

	var (
		storedPrompt, output []byte
		structured           sql.NullString
		createdAt            int64
	)
	err := c.db.QueryRow(ctx, `
		SELECT prompt, output, structured, created_at FROM generations
		WHERE node_id = ? AND tool_id = ? AND prompt_hash = ?
	`, node.ID, toolID, hash).Scan(&storedPrompt, &output, &structured, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying generation: %w", err)
	}

	promptText, err := cas.Decompress(storedPrompt)
	if err != nil {
		return nil, false, fmt.Errorf("decoding stored prompt: %w", err)
	}
	if string(promptText) != prompt {
		return nil, false, nil
	}
	outputText, err := cas.Decompress(output)
	if err != nil {
		return nil, false, fmt.Errorf("decoding stored output: %w", err)
	}

	rec := &Record{
		NodeID:     node.ID,
		ToolID:     toolID,
		PromptHash: hash,
		Prompt:     prompt,
		Output:     string(outputText),
		CreatedAt:  time.UnixMilli(createdAt),
	}
	if structured.Valid && structured.String != "" {
		rec.Structured = json.RawMessage(structured.String)
	}
	return rec, true, nil
}

// Store upserts the (node, tool, prompt hash) record and prunes the node's
// history down to the configured bound, oldest first.
func (c *Cache) Store(ctx context.Context, node *graph.Node, toolID, prompt, output string, structured interface{}) (*Record, error) {
	hash := cas.PromptHash(prompt)
	structuredJSON, err := json.Marshal(structured)
	if err != nil {
		return nil, fmt.Errorf("marshaling structured output: %w", err)
	}
	now := cas.NowMs()

	tx, err := c.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO generations (node_id, tool_id, prompt_hash, prompt, output, structured, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id, tool_id, prompt_hash) DO UPDATE SET
			prompt = excluded.prompt,
			output = excluded.output,
			structured = excluded.structured,
			created_at = excluded.created_at
	`, node.ID, toolID, hash, cas.Compress([]byte(prompt)), cas.Compress([]byte(output)),
		string(structuredJSON), now); err != nil {
		return nil, fmt.Errorf("storing generation: %w", err)
	}

	if c.historyPerNode > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM generations WHERE node_id = ? AND rowid NOT IN (
				SELECT rowid FROM generations WHERE node_id = ?
				ORDER BY created_at DESC, rowid DESC LIMIT ?
			)
		`, node.ID, node.ID, c.historyPerNode); err != nil {
			return nil, fmt.Errorf("pruning generation history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing generation: %w", err)
	}

	return &Record{
		NodeID:     node.ID,
		ToolID:     toolID,
		PromptHash: hash,
		Prompt:     prompt,
		Output:     output,
		Structured: structuredJSON,
		CreatedAt:  time.UnixMilli(now),
	}, nil
}

// Delete removes a single record. Used to retract a record that failed
// validation after being stored.
func (c *Cache) Delete(ctx context.Context, node *graph.Node, toolID, prompt string) error {
	_, err := c.db.Exec(ctx, `
		DELETE FROM generations WHERE node_id = ? AND tool_id = ? AND prompt_hash = ?
	`, node.ID, toolID, cas.PromptHash(prompt))
	if err != nil {
		return fmt.Errorf("deleting generation: %w", err)
	}
	return nil
}

// Invalidate drops every record of a node.
func (c *Cache) Invalidate(ctx context.Context, node *graph.Node) error {
	if _, err := c.db.Exec(ctx, `DELETE FROM generations WHERE node_id = ?`, node.ID); err != nil {
		return fmt.Errorf("invalidating generations: %w", err)
	}
	return nil
}

// Clear removes all entries from the cache.
func (c *Cache) Clear(ctx context.Context) error {
	_, err := c.db.Exec(ctx, `DELETE FROM generations`)
	return err
}

// Fresh reports whether a derived node is still current with respect to its
// source artifact: stale when the source was modified after the node's content
// was last updated. A derived node that was never written is not fresh.
func Fresh(derived *graph.Node, sourceModTime time.Time) bool {
	if derived == nil || derived.ContentUpdatedAt.IsZero() {
		return false
	}
	return !sourceModTime.Truncate(time.Millisecond).After(derived.ContentUpdatedAt)
}

// Stats returns cache statistics.
type Stats struct {
	TotalEntries int64
	Nodes        int64
}

func (c *Cache) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := c.db.QueryRow(ctx, `SELECT COUNT(*), COUNT(DISTINCT node_id) FROM generations`).
		Scan(&s.TotalEntries, &s.Nodes)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
