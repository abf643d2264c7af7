package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrExportBlocked is returned when a table with blocking findings is
	// exported without override.
	ErrExportBlocked = errors.New("export blocked by validation errors")

	// ErrRequestTimeout means the model call did not finish in time.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrRequestFailure means the model call failed for any other reason.
	ErrRequestFailure = errors.New("request failure")
)

// SchemaError is a row-level defect found by the normalizer. It is
// reported and the row excluded; the run continues.
type SchemaError struct {
	Row    int    `json:"row"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error: row %d field %q: %s", e.Row, e.Field, e.Reason)
}

// ValidationError carries the blocking findings of a quality report.
type ValidationError struct {
	Findings []Finding
}

func (e *ValidationError) Error() string {
	codes := make([]string, 0, len(e.Findings))
	seen := make(map[string]bool)
	for _, f := range e.Findings {
		if seen[f.Code] {
			continue
		}
		seen[f.Code] = true
		codes = append(codes, f.Code)
	}
	return fmt.Sprintf("validation failed: %d error(s): %s", len(e.Findings), strings.Join(codes, ", "))
}

// Unwrap lets errors.Is(err, ErrExportBlocked) match.
func (e *ValidationError) Unwrap() error {
	return ErrExportBlocked
}

// RequestError wraps a failed model call. It matches ErrRequestTimeout or
// ErrRequestFailure with errors.Is, as well as the underlying cause.
type RequestError struct {
	Provider string
	Timeout  bool
	Err      error
}

func (e *RequestError) Error() string {
	kind := "request failure"
	if e.Timeout {
		kind = "request timeout"
	}
	return fmt.Sprintf("%s (%s): %v", kind, e.Provider, e.Err)
}

func (e *RequestError) Unwrap() []error {
	if e.Timeout {
		return []error{ErrRequestTimeout, e.Err}
	}
	return []error{ErrRequestFailure, e.Err}
}
