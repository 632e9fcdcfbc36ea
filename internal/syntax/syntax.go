// Package syntax checks generated source for parse errors with Tree-sitter.
package syntax

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Error locates the first syntax error in a source file. Line and Column are
// 1-based.
type Error struct {
	Lang   string
	Line   int
	Column int
	Near   string
}

func (e *Error) Error() string {
	if e.Near != "" {
		return fmt.Sprintf("%s syntax error at %d:%d near %q", e.Lang, e.Line, e.Column, e.Near)
	}
	return fmt.Sprintf("%s syntax error at %d:%d", e.Lang, e.Line, e.Column)
}

func language(lang string) *sitter.Language {
	switch lang {
	case "go":
		return golang.GetLanguage()
	case "javascript", "js":
		return javascript.GetLanguage()
	case "typescript", "ts":
		return typescript.GetLanguage()
	case "python", "py":
		return python.GetLanguage()
	}
	return nil
}

// Supported reports whether Check can parse lang.
func Supported(lang string) bool { return language(lang) != nil }

// Check parses src as lang and returns an *Error for the first error or
// missing node. Unsupported languages always pass.
func Check(ctx context.Context, lang string, src []byte) error {
	l := language(lang)
	if l == nil {
		return nil
	}
	parser := sitter.NewParser()
	parser.SetLanguage(l)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return fmt.Errorf("parsing failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil
	}

	iter := sitter.NewIterator(root, sitter.DFSMode)
	for {
		n, err := iter.Next()
		if err != nil {
			break
		}
		if n.IsError() || n.IsMissing() {
			pt := n.StartPoint()
			near := n.Content(src)
			if len(near) > 40 {
				near = near[:40]
			}
			return &Error{Lang: lang, Line: int(pt.Row) + 1, Column: int(pt.Column) + 1, Near: near}
		}
	}
	return &Error{Lang: lang, Line: 1, Column: 1}
}
