// Package apperrors defines the typed error taxonomy shared by the token
// service, the message lifecycle engine and the transport layers.
// Callers match on these types with errors.As / errors.Is; transports map
// them to HTTP statuses or WebSocket error codes in one place.
package apperrors

import (
	"errors"
	"fmt"
)

// AuthKind distinguishes authentication failures so callers can decide
// whether a refresh is worth attempting.
type AuthKind string

const (
	AuthExpired     AuthKind = "expired"
	AuthInvalid     AuthKind = "invalid"
	AuthNotFound    AuthKind = "not_found"
	AuthUserMissing AuthKind = "user_missing"
)

// Sentinels usable with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrAuth       = errors.New("authentication failed")
	ErrNotFound   = errors.New("not found")
	ErrPermission = errors.New("permission denied")
	ErrConflict   = errors.New("conflict")
)

// ValidationError reports missing or malformed input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// AuthError reports a credential problem.
type AuthError struct {
	Kind AuthKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %v", e.Kind, e.Err)
	}
	return "auth " + string(e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// Retryable reports whether the access-token layer should attempt a refresh.
func (e *AuthError) Retryable() bool {
	return e.Kind == AuthExpired || e.Kind == AuthInvalid
}

// NotFoundError reports an absent room, message or user.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// PermissionError reports a caller lacking rights for the operation.
type PermissionError struct {
	Action string
	Reason string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s not permitted: %s", e.Action, e.Reason)
}

func (e *PermissionError) Is(target error) bool { return target == ErrPermission }

// ConflictError reports a state conflict such as editing a deleted message
// or replaying an already-rotated refresh token.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Constructors keep call sites short.

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func Auth(kind AuthKind, err error) error {
	return &AuthError{Kind: kind, Err: err}
}

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

func Permission(action, reason string) error {
	return &PermissionError{Action: action, Reason: reason}
}

func Conflict(reason string) error {
	return &ConflictError{Reason: reason}
}

// AuthKindOf returns the kind of an AuthError in err's chain.
func AuthKindOf(err error) (AuthKind, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}

// Code returns a stable machine-readable code for err, used by the
// WebSocket error frames and HTTP error bodies.
func Code(err error) string {
	var ae *AuthError
	switch {
	case errors.As(err, &ae):
		return "auth_" + string(ae.Kind)
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPermission):
		return "permission"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
