package report

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jfilby/intentcode-sub000/internal/schema"
)

func line(n int) *int { return &n }

func TestPrinter_Report(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)

	p.Report("specs/a.md", "lower", schema.Diagnostics{})
	assert.Empty(t, buf.String(), "clean units print nothing")

	p.Report("intent/api.md", "compile", schema.Diagnostics{
		Warnings: []schema.Message{{Text: "unused import", Line: line(3)}},
		Errors:   []schema.Message{{Text: "undefined type Order"}},
	})
	out := buf.String()
	assert.Contains(t, out, "intent/api.md (compile)")
	assert.Contains(t, out, "warning: line 3: unused import")
	assert.Contains(t, out, "error: undefined type Order")
	assert.NotContains(t, out, "\x1b[", "no colour when not a terminal")

	w, e := p.Counts()
	assert.Equal(t, 1, w)
	assert.Equal(t, 1, e)
}

func TestPrinter_Concurrent(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Report("u", "index", schema.Diagnostics{Warnings: []schema.Message{{Text: "w"}}})
		}()
	}
	wg.Wait()
	w, _ := p.Counts()
	assert.Equal(t, 20, w)
	assert.Equal(t, 20, strings.Count(buf.String(), "warning: w"))
}

func TestPrinter_StageAndSummary(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)
	p.Stage(StageResult{Stage: "compile", Units: 3, Cached: 2, Generated: 1, DependenciesChanged: true, Duration: time.Second})
	p.Summary(nil, 2*time.Second)
	p.Summary(errors.New("boom"), time.Second)

	out := buf.String()
	assert.Contains(t, out, "compile")
	assert.Contains(t, out, "dependencies changed")
	assert.Contains(t, out, "build complete: 0 warning(s), 0 error(s)")
	assert.Contains(t, out, "build failed")
	assert.Contains(t, out, "boom")
}

func TestPrinter_Table(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Table(map[string]string{"zod": "3.22.0", "express": "4.18.0"})
	out := buf.String()
	assert.Less(t, strings.Index(out, "express"), strings.Index(out, "zod"))
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}
