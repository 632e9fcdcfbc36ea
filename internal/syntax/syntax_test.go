package syntax

import (
	"context"
	"errors"
	"testing"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		lang    string
		src     string
		wantErr bool
	}{
		{"go", "package main\n\nfunc main() {}\n", false},
		{"go", "package main\n\nfunc main() {\n", true},
		{"javascript", "export function add(a, b) { return a + b; }\n", false},
		{"javascript", "function (a, { return\n", true},
		{"typescript", "export const n: number = 1;\n", false},
		{"typescript", "export const n: = ;\n", true},
		{"python", "def add(a, b):\n    return a + b\n", false},
		{"python", "def add(a, b)\n    return a + b\n", true},
		{"other", "anything { goes", false},
	}
	for _, tt := range tests {
		err := Check(context.Background(), tt.lang, []byte(tt.src))
		if (err != nil) != tt.wantErr {
			t.Errorf("Check(%s, %q) = %v, wantErr %v", tt.lang, tt.src, err, tt.wantErr)
		}
	}
}

func TestCheck_ReportsPosition(t *testing.T) {
	err := Check(context.Background(), "python", []byte("x = 1\ndef f(:\n    pass\n"))
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if se.Line != 2 {
		t.Errorf("line = %d, want 2", se.Line)
	}
}

func TestSupported(t *testing.T) {
	if !Supported("go") || Supported("cobol") {
		t.Error("unexpected Supported result")
	}
}
