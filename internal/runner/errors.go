package runner

import (
	"errors"
	"fmt"
)

// Kind classifies a fatal build error.
type Kind string

const (
	KindRetriesExhausted Kind = "retries-exhausted"
	KindDiagnostics      Kind = "diagnostics"
	KindInvariant        Kind = "invariant"
)

// FatalError aborts the whole build. It unwinds to the CLI, which exits 1.
type FatalError struct {
	Unit string
	Kind Kind
	Err  error
}

func (e *FatalError) Error() string {
	switch e.Kind {
	case KindRetriesExhausted:
		return fmt.Sprintf("%s: no valid response after all attempts: %v", e.Unit, e.Err)
	case KindDiagnostics:
		return fmt.Sprintf("%s: %v", e.Unit, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Unit, e.Kind, e.Err)
	}
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// AsFatal returns the FatalError in err's chain, if any.
func AsFatal(err error) (*FatalError, bool) {
	var fe *FatalError
	ok := errors.As(err, &fe)
	return fe, ok
}
