package medication

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCommandNotFound     = errors.New("medication command not found")
	ErrEventNotFound       = errors.New("medication event not found")
	ErrVersionConflict     = errors.New("medication command was modified concurrently")
	ErrCommandDiscontinued = errors.New("medication is discontinued")
	ErrDuplicateEvent      = errors.New("event already recorded")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrDoseAlreadyTaken    = errors.New("dose is already recorded as taken")
	ErrAlreadyUndone       = errors.New("dose event was already undone")
	ErrPreferencesNotFound = errors.New("time preferences not found")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every field problem found in one request.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Err returns nil when no field failed.
func (e *ValidationError) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func invalid(field, format string, args ...any) error {
	v := &ValidationError{}
	v.Add(field, format, args...)
	return v
}
