package apperrors_test

import (
	"errors"
	"fmt"
	"testing"

	"teamchat/backend/internal/apperrors"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", apperrors.Validation("content", "required"), "validation"},
		{"auth expired", apperrors.Auth(apperrors.AuthExpired, nil), "auth_expired"},
		{"auth replay", apperrors.Auth(apperrors.AuthNotFound, nil), "auth_not_found"},
		{"not found", apperrors.NotFound("message", "7"), "not_found"},
		{"permission", apperrors.Permission("edit", "not the sender"), "permission"},
		{"conflict", apperrors.Conflict("message deleted"), "conflict"},
		{"wrapped", fmt.Errorf("store: %w", apperrors.NotFound("room", "r1")), "not_found"},
		{"plain", errors.New("boom"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperrors.Code(tt.err))
		})
	}
}

func TestAuthError_Retryable(t *testing.T) {
	assert.True(t, (&apperrors.AuthError{Kind: apperrors.AuthExpired}).Retryable())
	assert.True(t, (&apperrors.AuthError{Kind: apperrors.AuthInvalid}).Retryable())
	assert.False(t, (&apperrors.AuthError{Kind: apperrors.AuthNotFound}).Retryable())
	assert.False(t, (&apperrors.AuthError{Kind: apperrors.AuthUserMissing}).Retryable())
}

func TestAuthKindOf(t *testing.T) {
	err := fmt.Errorf("rotate: %w", apperrors.Auth(apperrors.AuthUserMissing, nil))

	kind, ok := apperrors.AuthKindOf(err)
	assert.True(t, ok)
	assert.Equal(t, apperrors.AuthUserMissing, kind)
	assert.ErrorIs(t, err, apperrors.ErrAuth)

	_, ok = apperrors.AuthKindOf(errors.New("other"))
	assert.False(t, ok)
}
