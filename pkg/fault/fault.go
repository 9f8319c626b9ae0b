// Package fault defines the error taxonomy shared by the orchestrator core
// and the embedding API. Every error that crosses a component boundary is
// classified with a Kind; callers branch on KindOf rather than on error
// strings.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies a class of failure. Kinds are stable strings and appear
// verbatim in API responses and persisted run errors.
type Kind string

const (
	KindInvalidInput        Kind = "InvalidInput"
	KindUnauthorized        Kind = "Unauthorized"
	KindNotFound            Kind = "NotFound"
	KindVersionConflict     Kind = "VersionConflict"
	KindNodeError           Kind = "NodeError"
	KindNodeDrainTimeout    Kind = "NodeDrainTimeout"
	KindMaxTurnsExceeded    Kind = "MaxTurnsExceeded"
	KindModelsUnavailable   Kind = "ModelsUnavailable"
	KindSchemaViolation     Kind = "SchemaViolation"
	KindBudgetExceeded      Kind = "BudgetExceeded"
	KindNoEvidenceCollected Kind = "NoEvidenceCollected"
	KindCancelled           Kind = "Cancelled"
	KindInternal            Kind = "Internal"
)

// Error is a classified error. Op names the operation that failed
// ("llm.Generate", "checkpoint.Put"); Msg is a human-readable summary safe
// for public views; Err is the wrapped cause and may contain internal detail.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "" && e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a public-safe message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a classified error with a formatted public-safe message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. A nil err yields nil so call sites can
// wrap unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WrapMsg classifies an underlying error and attaches a public-safe message.
func WrapMsg(kind Kind, op, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf walks the error chain and returns the outermost Kind. Context
// cancellation classifies as Cancelled; anything unclassified is Internal.
// A nil error has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// Is reports whether any error in the chain carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	for {
		var fe *Error
		if !errors.As(err, &fe) {
			break
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
		if err == nil {
			break
		}
	}
	if kind == KindCancelled && errors.Is(err, context.Canceled) {
		return true
	}
	return false
}

// Public returns the message suitable for API responses: Msg when present,
// otherwise the kind alone. Wrapped causes are never exposed.
func (e *Error) Public() string {
	if e.Msg != "" {
		return e.Msg
	}
	return string(e.Kind)
}

// Fatal reports whether a kind always terminates a run regardless of the
// failing node's policy.
func Fatal(kind Kind) bool {
	switch kind {
	case KindBudgetExceeded, KindModelsUnavailable, KindMaxTurnsExceeded, KindNodeDrainTimeout:
		return true
	default:
		return false
	}
}
