package apperrors

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is by callers that only care about the class.
var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("preference not found")
	ErrPermission    = errors.New("permission denied")
	ErrLimitExceeded = errors.New("limit exceeded")
	ErrDisabled      = errors.New("project overrides disabled")
)

// ValidationError represents a malformed key, type mismatch or constraint violation
type ValidationError struct {
	Field       string   `json:"field"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (e *ValidationError) Error() string {
	if len(e.Suggestions) > 0 {
		return fmt.Sprintf("%s: %s. Suggestions: %v", e.Field, e.Message, e.Suggestions)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError creates a new validation error
func NewValidationError(field, message string, suggestions ...string) *ValidationError {
	return &ValidationError{
		Field:       field,
		Message:     message,
		Suggestions: suggestions,
	}
}

// IsValidationError checks if an error is a ValidationError
func IsValidationError(err error) (*ValidationError, bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr, true
	}
	return nil, false
}

// NotFoundError is returned when no usable system default exists for a key.
type NotFoundError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("preference %q not found: %s", e.Key, e.Message)
	}
	return fmt.Sprintf("preference %q not found", e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFoundError creates a new not found error
func NewNotFoundError(key, message string) *NotFoundError {
	return &NotFoundError{Key: key, Message: message}
}

// IsNotFoundError checks if an error is a NotFoundError
func IsNotFoundError(err error) (*NotFoundError, bool) {
	var notFoundErr *NotFoundError
	if errors.As(err, &notFoundErr) {
		return notFoundErr, true
	}
	return nil, false
}

// PermissionError represents a missing approval for a restricted preference
type PermissionError struct {
	Key         string `json:"key"`
	AccessLevel string `json:"accessLevel"`
	Message     string `json:"message"`
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s (%s access): %s", e.Key, e.AccessLevel, e.Message)
}

func (e *PermissionError) Unwrap() error { return ErrPermission }

// NewPermissionError creates a new permission error
func NewPermissionError(key, accessLevel, message string) *PermissionError {
	return &PermissionError{Key: key, AccessLevel: accessLevel, Message: message}
}

// IsPermissionError checks if an error is a PermissionError
func IsPermissionError(err error) (*PermissionError, bool) {
	var permissionErr *PermissionError
	if errors.As(err, &permissionErr) {
		return permissionErr, true
	}
	return nil, false
}

// LimitExceededError is returned when a project reached its override cap
type LimitExceededError struct {
	ProjectID string `json:"projectId"`
	Limit     int    `json:"limit"`
	Current   int    `json:"current"`
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("project %s has %d active overrides, limit is %d", e.ProjectID, e.Current, e.Limit)
}

func (e *LimitExceededError) Unwrap() error { return ErrLimitExceeded }

// NewLimitExceededError creates a new limit exceeded error
func NewLimitExceededError(projectID string, limit, current int) *LimitExceededError {
	return &LimitExceededError{ProjectID: projectID, Limit: limit, Current: current}
}

// IsLimitExceededError checks if an error is a LimitExceededError
func IsLimitExceededError(err error) (*LimitExceededError, bool) {
	var limitErr *LimitExceededError
	if errors.As(err, &limitErr) {
		return limitErr, true
	}
	return nil, false
}

// DisabledError is returned when project overrides are off or the category is not allowed
type DisabledError struct {
	ProjectID string `json:"projectId"`
	Category  string `json:"category,omitempty"`
	Message   string `json:"message"`
}

func (e *DisabledError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("project %s, category %s: %s", e.ProjectID, e.Category, e.Message)
	}
	return fmt.Sprintf("project %s: %s", e.ProjectID, e.Message)
}

func (e *DisabledError) Unwrap() error { return ErrDisabled }

// NewDisabledError creates a new disabled error
func NewDisabledError(projectID, category, message string) *DisabledError {
	return &DisabledError{ProjectID: projectID, Category: category, Message: message}
}

// IsDisabledError checks if an error is a DisabledError
func IsDisabledError(err error) (*DisabledError, bool) {
	var disabledErr *DisabledError
	if errors.As(err, &disabledErr) {
		return disabledErr, true
	}
	return nil, false
}
