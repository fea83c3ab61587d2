package jobs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type ErrorType int

const (
	ErrInvalidTransition ErrorType = iota
	ErrJobNotFound
	ErrBudgetDenied
	ErrProviderError
	ErrProviderRejected
	ErrQualityExhausted
	ErrValidation
	ErrWorkerLost
	ErrVersionConflict
	ErrUnrecoverable
)

// Error is the typed error carried through the orchestrator.
type Error struct {
	Type    ErrorType
	Message string
	Context map[string]any
	Cause   error
}

func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

func NewErrorWithCause(errorType ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
		Cause:   cause,
	}
}

// Errorf builds an Error with a formatted message.
func Errorf(errorType ErrorType, format string, args ...any) *Error {
	return NewError(errorType, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Type.String(), e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func (t ErrorType) String() string {
	switch t {
	case ErrInvalidTransition:
		return "InvalidTransition"
	case ErrJobNotFound:
		return "JobNotFound"
	case ErrBudgetDenied:
		return "BudgetDenied"
	case ErrProviderError:
		return "ProviderError"
	case ErrProviderRejected:
		return "ProviderRejected"
	case ErrQualityExhausted:
		return "QualityExhausted"
	case ErrValidation:
		return "Validation"
	case ErrWorkerLost:
		return "WorkerLost"
	case ErrVersionConflict:
		return "VersionConflict"
	case ErrUnrecoverable:
		return "Unrecoverable"
	default:
		return "Unknown"
	}
}

// Transient reports whether errors of this type may succeed on retry.
func (t ErrorType) Transient() bool {
	return t == ErrProviderError
}

func IsErrorType(err error, errorType ErrorType) bool {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Type == errorType
	}
	return false
}

// TypeOf returns the ErrorType of err, or ErrUnrecoverable for untyped errors.
func TypeOf(err error) ErrorType {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Type
	}
	return ErrUnrecoverable
}

func WrapError(err error, errorType ErrorType, message string) *Error {
	return NewErrorWithCause(errorType, message, err)
}

// SafeExecute runs fn and converts a panic into an ErrUnrecoverable error.
func SafeExecute(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(ErrUnrecoverable, fmt.Sprintf("runtime error: %v", r))
		}
	}()

	return fn()
}
