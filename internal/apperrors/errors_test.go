package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsMatchTheirSentinel(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"validation", NewValidationError("value", "bad"), ErrValidation},
		{"not found", NewNotFoundError("ui.theme", ""), ErrNotFound},
		{"permission", NewPermissionError("security.mfa", "admin", "approval required"), ErrPermission},
		{"limit", NewLimitExceededError("p1", 1, 1), ErrLimitExceeded},
		{"disabled", NewDisabledError("p1", "", "project overrides are not enabled"), ErrDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("create override: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			for _, other := range []error{ErrValidation, ErrNotFound, ErrPermission, ErrLimitExceeded, ErrDisabled} {
				if other != tt.sentinel {
					assert.False(t, errors.Is(wrapped, other))
				}
			}
		})
	}
}

func TestIsHelpersUnwrap(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewLimitExceededError("p1", 3, 3))

	limitErr, ok := IsLimitExceededError(err)
	assert.True(t, ok)
	assert.Equal(t, 3, limitErr.Limit)

	_, ok = IsValidationError(err)
	assert.False(t, ok)
	_, ok = IsDisabledError(nil)
	assert.False(t, ok)
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "value: not allowed. Suggestions: [light dark]",
		NewValidationError("value", "not allowed", "light", "dark").Error())
	assert.Equal(t, `preference "ui.theme" not found`, NewNotFoundError("ui.theme", "").Error())
	assert.Equal(t, "project p1 has 2 active overrides, limit is 2", NewLimitExceededError("p1", 2, 2).Error())
	assert.Equal(t, "project p1, category ui: category is not enabled for overrides",
		NewDisabledError("p1", "ui", "category is not enabled for overrides").Error())
}
