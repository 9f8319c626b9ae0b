package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound indicates the configuration file was not found.
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrValidationFailed indicates configuration validation failed.
	ErrValidationFailed = errors.New("configuration validation failed")

	// ErrModelNotFound indicates a model id is absent from the registry.
	ErrModelNotFound = errors.New("model not found in registry")

	// ErrInvalidReference indicates a cross-reference points at nothing,
	// e.g. a fallback chain entry with no registry definition.
	ErrInvalidReference = errors.New("invalid configuration reference")

	// ErrInvalidValue indicates a field holds an out-of-range value.
	ErrInvalidValue = errors.New("invalid field value")
)

// ValidationError wraps a validation failure with component context.
type ValidationError struct {
	Component string // component being validated (model, budget, executor, ...)
	ID        string // id of the component instance, if any
	Field     string // field name, if known
	Err       error
}

func (e *ValidationError) Error() string {
	switch {
	case e.ID != "" && e.Field != "":
		return fmt.Sprintf("%s '%s': field '%s': %v", e.Component, e.ID, e.Field, e.Err)
	case e.ID != "":
		return fmt.Sprintf("%s '%s': %v", e.Component, e.ID, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: field '%s': %v", e.Component, e.Field, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Component, e.Err)
	}
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a validation error with context.
func NewValidationError(component, id, field string, err error) *ValidationError {
	return &ValidationError{Component: component, ID: id, Field: field, Err: err}
}

// LoadError wraps a loading failure with file context.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
