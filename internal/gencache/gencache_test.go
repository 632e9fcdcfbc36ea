package gencache

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jfilby/intentcode-sub000/internal/cas"
	"github.com/jfilby/intentcode-sub000/internal/graph"
)

func setupTestCache(t *testing.T, opts ...Option) (*Cache, *graph.DB, *graph.Node) {
	t.Helper()
	ctx := context.Background()

	tmpDir := t.TempDir()
	db, err := graph.Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	c, err := New(ctx, db, opts...)
	if err != nil {
		t.Fatalf("creating cache: %v", err)
	}

	root, err := db.OpenProject(ctx, "shop", tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	file, err := db.GetOrCreatePath(ctx, root, filepath.Join(tmpDir, "specs", "a.md"))
	if err != nil {
		t.Fatal(err)
	}
	derived, err := db.UpsertDerivedData(ctx, file, "lower", map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	return c, db, derived
}

func TestLookup_MissThenHit(t *testing.T) {
	c, _, node := setupTestCache(t)
	ctx := context.Background()

	_, ok, err := c.Lookup(ctx, node, "lower", "prompt v1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatal("expected miss on empty cache")
	}

	if _, err := c.Store(ctx, node, "lower", "prompt v1", `{"a":1}`, map[string]int{"a": 1}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	rec, ok, err := c.Lookup(ctx, node, "lower", "prompt v1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if rec.Output != `{"a":1}` || string(rec.Structured) != `{"a":1}` {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestLookup_MissOnChangedPromptOrTool(t *testing.T) {
	c, _, node := setupTestCache(t)
	ctx := context.Background()

	if _, err := c.Store(ctx, node, "lower", "spec text A", "out", nil); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Lookup(ctx, node, "lower", "spec text B"); ok {
		t.Error("changed prompt must miss")
	}
	if _, ok, _ := c.Lookup(ctx, node, "compile", "spec text A"); ok {
		t.Error("different tool must miss")
	}
}

func TestLookup_StoredPromptMustMatch(t *testing.T) {
	c, db, node := setupTestCache(t)
	ctx := context.Background()

	if _, err := c.Store(ctx, node, "lower", "real prompt", "out", nil); err != nil {
		t.Fatal(err)
	}
	// Simulate a hash collision: the index matches but the stored text differs
	if _, err := db.Exec(ctx, `UPDATE generations SET prompt = ? WHERE node_id = ?`,
		compressString("some other prompt"), node.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := c.Lookup(ctx, node, "lower", "real prompt"); ok || err != nil {
		t.Errorf("expected silent miss, got ok=%v err=%v", ok, err)
	}
}

func TestStore_Upsert(t *testing.T) {
	c, _, node := setupTestCache(t)
	ctx := context.Background()

	c.Store(ctx, node, "lower", "p", "first", nil)
	c.Store(ctx, node, "lower", "p", "second", nil)

	rec, ok, _ := c.Lookup(ctx, node, "lower", "p")
	if !ok || rec.Output != "second" {
		t.Fatalf("expected upserted record, got %+v", rec)
	}
	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalEntries != 1 {
		t.Errorf("expected 1 entry, got %d", stats.TotalEntries)
	}
}

func TestStore_PrunesHistoryOldestFirst(t *testing.T) {
	c, _, node := setupTestCache(t, WithHistoryPerNode(2))
	ctx := context.Background()

	for _, p := range []string{"p1", "p2", "p3"} {
		if _, err := c.Store(ctx, node, "lower", p, p, nil); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if _, ok, _ := c.Lookup(ctx, node, "lower", "p1"); ok {
		t.Error("oldest record should have been pruned")
	}
	for _, p := range []string{"p2", "p3"} {
		if _, ok, _ := c.Lookup(ctx, node, "lower", p); !ok {
			t.Errorf("record %s should be retained", p)
		}
	}
}

func TestInvalidateAndDelete(t *testing.T) {
	c, _, node := setupTestCache(t)
	ctx := context.Background()

	c.Store(ctx, node, "lower", "a", "x", nil)
	c.Store(ctx, node, "index", "b", "y", nil)

	if err := c.Delete(ctx, node, "lower", "a"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Lookup(ctx, node, "lower", "a"); ok {
		t.Error("deleted record still served")
	}
	if err := c.Invalidate(ctx, node); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Lookup(ctx, node, "index", "b"); ok {
		t.Error("invalidated record still served")
	}
}

func TestCascadeDeleteDropsRecords(t *testing.T) {
	c, db, node := setupTestCache(t)
	ctx := context.Background()

	c.Store(ctx, node, "lower", "a", "x", nil)
	if err := db.CascadeDelete(ctx, node, true); err != nil {
		t.Fatalf("CascadeDelete: %v", err)
	}
	stats, _ := c.Stats(ctx)
	if stats.TotalEntries != 0 {
		t.Errorf("expected generation records to follow their node, got %d", stats.TotalEntries)
	}
}

func TestFresh(t *testing.T) {
	updated := time.UnixMilli(1_700_000_000_000)
	derived := &graph.Node{ContentUpdatedAt: updated}

	if !Fresh(derived, updated.Add(-time.Second)) {
		t.Error("older source should be fresh")
	}
	if !Fresh(derived, updated) {
		t.Error("equal mtime should be fresh")
	}
	if Fresh(derived, updated.Add(time.Second)) {
		t.Error("newer source must be stale")
	}
	if Fresh(&graph.Node{}, updated) {
		t.Error("never-written node is not fresh")
	}
}

func TestLock_SerializesSameNode(t *testing.T) {
	c, _, _ := setupTestCache(t)

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := c.Lock("node-1")
			defer unlock()
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected exclusive access, saw %d holders", maxInside)
	}
	if len(c.locks.locks) != 0 {
		t.Errorf("expected released keys to be forgotten, %d remain", len(c.locks.locks))
	}
}

func compressString(s string) []byte {
	return cas.Compress([]byte(s))
}
