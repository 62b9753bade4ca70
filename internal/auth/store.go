package auth

import (
	"context"
	"time"

	"teamchat/backend/internal/models"
)

// RefreshRecord is the server-side record of a user's active refresh token.
// The record ID is stable across rotations; only the token value changes.
type RefreshRecord struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
}

// RefreshTokenStore persists one active refresh token record per user.
// FindByToken returns (nil, nil) when no record holds the exact value.
// Replace swaps the token value of a record only if oldToken is still the
// current value and reports whether the swap happened.
type RefreshTokenStore interface {
	Create(ctx context.Context, userID, token string, expiresAt time.Time) (*RefreshRecord, error)
	FindByToken(ctx context.Context, token string) (*RefreshRecord, error)
	DeleteAllForUser(ctx context.Context, userID string) error
	DeleteByToken(ctx context.Context, token string) error
	Replace(ctx context.Context, recordID, oldToken, newToken string, expiresAt time.Time) (bool, error)
}

// UserLookup resolves account existence. FindUser returns (nil, nil) for
// an unknown id.
type UserLookup interface {
	FindUser(ctx context.Context, userID string) (*models.User, error)
}
