package event

import (
	"fmt"
	"strings"
)

// Violation describes one invalid field.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports invalid lead input. It is never retried.
type ValidationError struct {
	Violations []Violation
}

// Add records a violation for field.
func (e *ValidationError) Add(field, message string) {
	e.Violations = append(e.Violations, Violation{Field: field, Message: message})
}

// Err returns e when it holds at least one violation, nil otherwise.
func (e *ValidationError) Err() error {
	if len(e.Violations) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return "invalid lead: " + strings.Join(parts, "; ")
}

// DecodeError reports a record that cannot be interpreted as a valid envelope.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode envelope: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }
