package store

import (
	"errors"
	"fmt"
)

// ErrDestroyed is returned by Dispatch and RegisterEffect after Destroy.
var ErrDestroyed = errors.New("store destroyed")

// ConfigError reports a programmer error: an unknown key, slice or action,
// a duplicate registration, or an invalid dependency graph.
//
// Constructors and Dispatch return it. Reads of unknown keys and writes
// outside an action's own slice panic with it, since a read has no error
// return and silently defaulting would hide the mistake.
type ConfigError struct {
	// Code identifies the error category.
	Code ConfigErrorCode

	// Message is a human-readable description.
	Message string

	// Slice and Name locate the offending declaration, when known.
	Slice string
	Name  string
}

// ConfigErrorCode categorizes configuration errors.
type ConfigErrorCode string

const (
	// ErrCodeDuplicateSlice indicates two slices share a name.
	ErrCodeDuplicateSlice ConfigErrorCode = "DUPLICATE_SLICE"

	// ErrCodeDuplicateName indicates a field, action or effect name is reused.
	ErrCodeDuplicateName ConfigErrorCode = "DUPLICATE_NAME"

	// ErrCodeMissingDependency indicates a slice depends on an absent slice.
	ErrCodeMissingDependency ConfigErrorCode = "MISSING_DEPENDENCY"

	// ErrCodeDependencyCycle indicates slices or derived fields form a cycle.
	ErrCodeDependencyCycle ConfigErrorCode = "DEPENDENCY_CYCLE"

	// ErrCodeUnknownSlice indicates a transaction names no known slice.
	ErrCodeUnknownSlice ConfigErrorCode = "UNKNOWN_SLICE"

	// ErrCodeUnknownAction indicates a transaction names no known action.
	ErrCodeUnknownAction ConfigErrorCode = "UNKNOWN_ACTION"

	// ErrCodeUnknownKey indicates a read, write or track of an unknown key.
	ErrCodeUnknownKey ConfigErrorCode = "UNKNOWN_KEY"

	// ErrCodeOutOfScope indicates access outside the allowed slices: a
	// derived dependency outside its slice and declared deps, or an action
	// writing another slice.
	ErrCodeOutOfScope ConfigErrorCode = "OUT_OF_SCOPE"

	// ErrCodeUndeclaredDependency indicates a derived compute read a key it
	// did not declare.
	ErrCodeUndeclaredDependency ConfigErrorCode = "UNDECLARED_DEPENDENCY"

	// ErrCodePayloadType indicates a transaction payload of the wrong type.
	ErrCodePayloadType ConfigErrorCode = "PAYLOAD_TYPE"

	// ErrCodeInvalid indicates a malformed declaration or a closed transaction.
	ErrCodeInvalid ConfigErrorCode = "INVALID"
)

// Error implements the error interface.
func (e *ConfigError) Error() string {
	switch {
	case e.Slice != "" && e.Name != "":
		return fmt.Sprintf("%s: %s (%s.%s)", e.Code, e.Message, e.Slice, e.Name)
	case e.Slice != "":
		return fmt.Sprintf("%s: %s (slice=%s)", e.Code, e.Message, e.Slice)
	case e.Name != "":
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Name)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsConfigError returns true if err is or wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ConfigErrorCodeOf returns the code of a wrapped *ConfigError, or "".
func ConfigErrorCodeOf(err error) ConfigErrorCode {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

func configErr(code ConfigErrorCode, key Key, format string, args ...any) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Slice:   key.Slice,
		Name:    key.Name,
	}
}
