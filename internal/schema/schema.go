// Package schema defines the structured results each build tool expects back
// from a generative endpoint, and validates them at the point of receipt.
//
// Every result type embeds Diagnostics so the runner can surface warnings and
// errors uniformly, whatever stage produced them.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jfilby/intentcode-sub000/internal/deps"
)

var validate = validator.New()

// Message is a diagnostic reported by the model about its input. Positional
// fields are optional.
type Message struct {
	Text string `json:"text" validate:"required"`
	Line *int   `json:"line,omitempty" validate:"omitempty,min=0"`
	From *int   `json:"from,omitempty" validate:"omitempty,min=0"`
	To   *int   `json:"to,omitempty" validate:"omitempty,min=0"`
}

func (m Message) String() string {
	if m.Line != nil {
		return fmt.Sprintf("line %d: %s", *m.Line, m.Text)
	}
	return m.Text
}

// Assumption is something the compiler took for granted while generating code.
type Assumption struct {
	Text string `json:"text" validate:"required"`
	Line *int   `json:"line,omitempty"`
}

// Diagnostics carries model-reported warnings and errors.
type Diagnostics struct {
	Warnings []Message `json:"warnings" validate:"dive"`
	Errors   []Message `json:"errors" validate:"dive"`
}

// Diags returns the diagnostics block of a result.
func (d Diagnostics) Diags() Diagnostics { return d }

// Diagnosed is implemented by every result type.
type Diagnosed interface {
	Diags() Diagnostics
}

// HasErrors reports whether any error-level diagnostic exists.
func HasErrors(r Diagnosed) bool {
	return len(r.Diags().Errors) > 0
}

// DependencyDelta is an add/remove instruction for one external dependency.
type DependencyDelta = deps.Delta

// TechStackResult is the output of tech-stack resolution.
type TechStackResult struct {
	Diagnostics
	Extensions       map[string]string `json:"extensions"`
	DependencyDeltas map[string]string `json:"dependencyDeltas"`
}

// IntentFile is one intent-notation file written by lowering.
type IntentFile struct {
	ProjectNo    int    `json:"projectNo" validate:"required,min=1"`
	RelativePath string `json:"relativePath" validate:"required"`
	Content      string `json:"content" validate:"required"`
}

// LoweringResult is the output of lowering specs to intent notation.
type LoweringResult struct {
	Diagnostics
	IntentFiles []IntentFile `json:"intentFiles" validate:"dive"`
}

// Export is a symbol an intent file makes available to others.
type Export struct {
	Name    string `json:"name" validate:"required"`
	Kind    string `json:"kind" validate:"required,oneof=type function class constant variable interface module"`
	Summary string `json:"summary,omitempty"`
}

// IndexResult is the output of indexing one intent file.
type IndexResult struct {
	Diagnostics
	Exports []Export `json:"exports" validate:"dive"`
	// Imports are paths of other intent files, relative to the intent directory.
	Imports []string `json:"imports" validate:"dive,required"`
}

// CompileResult is the output of compiling one intent file to source.
type CompileResult struct {
	Diagnostics
	Assumptions         []Assumption      `json:"assumptions" validate:"dive"`
	FixedIntentNotation *string           `json:"fixedIntentNotation,omitempty"`
	TargetSource        *string           `json:"targetSource,omitempty"`
	DependencyDeltas    []DependencyDelta `json:"dependencyDeltas" validate:"dive"`
}

// ValidationError reports why a generated response was rejected.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid response: %s: %v", e.Reason, e.Err)
	}
	return "invalid response: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid builds a ValidationError from a formatted reason.
func Invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Decode parses raw JSON into T and runs the struct validation tags.
func Decode[T any](raw []byte) (*T, error) {
	var out T
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&out); err != nil {
		return nil, &ValidationError{Reason: "not well-formed JSON", Err: err}
	}
	if err := validate.Struct(&out); err != nil {
		return nil, &ValidationError{Reason: describe(err)}
	}
	return &out, nil
}

func describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Namespace()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s], got %v", fe.Namespace(), fe.Param(), fe.Value()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(parts, "; ")
}
