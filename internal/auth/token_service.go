// Package auth issues, verifies and rotates access/refresh token pairs.
// Access tokens are stateless JWTs; refresh tokens are JWTs with a random
// jti whose exact value is also recorded in a RefreshTokenStore, one active
// record per user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"teamchat/backend/internal/apperrors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// TokenConfig configures a TokenService.
type TokenConfig struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Identity is the verified subject of an access token.
type Identity struct {
	UserID string
}

// TokenPair is a freshly minted access/refresh pair.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	TokenType        string    `json:"tokenType"`
}

// Claims are the JWT claims carried by both token kinds.
type Claims struct {
	UserID    string `json:"user_id"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenService implements the token lifecycle.
type TokenService struct {
	cfg   TokenConfig
	store RefreshTokenStore
	users UserLookup
	locks *keyedMutex
}

// NewTokenService creates a TokenService.
func NewTokenService(cfg TokenConfig, store RefreshTokenStore, users UserLookup) *TokenService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TokenService{
		cfg:   cfg,
		store: store,
		users: users,
		locks: newKeyedMutex(),
	}
}

// Mint creates a token pair bound to userID. It has no side effects.
func (s *TokenService) Mint(userID string) (TokenPair, error) {
	now := s.cfg.Now()
	accessExp := now.Add(s.cfg.AccessTTL)
	refreshExp := now.Add(s.cfg.RefreshTTL)

	access, err := s.sign(userID, tokenTypeAccess, now, accessExp)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := s.sign(userID, tokenTypeRefresh, now, refreshExp)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign refresh token: %w", err)
	}

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		TokenType:        "Bearer",
	}, nil
}

// Issue mints a new pair for userID and makes its refresh token the only
// active one: every prior refresh record of the user is deleted first.
func (s *TokenService) Issue(ctx context.Context, userID string) (TokenPair, error) {
	if userID == "" {
		return TokenPair{}, apperrors.Validation("user_id", "required")
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	if err := s.store.DeleteAllForUser(ctx, userID); err != nil {
		return TokenPair{}, fmt.Errorf("delete prior refresh tokens: %w", err)
	}

	pair, err := s.Mint(userID)
	if err != nil {
		return TokenPair{}, err
	}
	if _, err := s.store.Create(ctx, userID, pair.RefreshToken, pair.RefreshExpiresAt); err != nil {
		return TokenPair{}, fmt.Errorf("store refresh token: %w", err)
	}

	log.Info().Str("user_id", userID).Msg("issued token pair")
	return pair, nil
}

// VerifyAccess validates an access token. Expired and otherwise invalid
// tokens fail with distinct AuthError kinds.
func (s *TokenService) VerifyAccess(token string) (Identity, error) {
	claims, err := s.parse(token)
	if err != nil {
		return Identity{}, err
	}
	if claims.TokenType != tokenTypeAccess {
		return Identity{}, apperrors.Auth(apperrors.AuthInvalid, errors.New("not an access token"))
	}
	return Identity{UserID: claims.UserID}, nil
}

// Rotate exchanges a refresh token for a new pair. The stored record keeps
// its identity and receives the new token value through a compare-and-swap,
// so a replayed or concurrently rotated token never yields a second pair.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string) (TokenPair, error) {
	if refreshToken == "" {
		return TokenPair{}, apperrors.Auth(apperrors.AuthInvalid, errors.New("empty refresh token"))
	}

	claims, err := s.parseUnverifiedExpiry(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if claims.TokenType != tokenTypeRefresh {
		return TokenPair{}, apperrors.Auth(apperrors.AuthInvalid, errors.New("not a refresh token"))
	}

	unlock := s.locks.Lock(claims.UserID)
	defer unlock()

	rec, err := s.store.FindByToken(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, fmt.Errorf("find refresh token: %w", err)
	}
	if rec == nil {
		log.Warn().Str("user_id", claims.UserID).Msg("refresh token not found, possible replay")
		return TokenPair{}, apperrors.Auth(apperrors.AuthNotFound, nil)
	}
	if rec.UserID != claims.UserID {
		return TokenPair{}, apperrors.Auth(apperrors.AuthInvalid, errors.New("record owner mismatch"))
	}
	if !s.cfg.Now().Before(rec.ExpiresAt) {
		return TokenPair{}, apperrors.Auth(apperrors.AuthExpired, nil)
	}

	user, err := s.users.FindUser(ctx, rec.UserID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("find user: %w", err)
	}
	if user == nil {
		if err := s.store.DeleteAllForUser(ctx, rec.UserID); err != nil {
			log.Error().Err(err).Str("user_id", rec.UserID).Msg("failed to purge refresh tokens of missing user")
		}
		return TokenPair{}, apperrors.Auth(apperrors.AuthUserMissing, nil)
	}

	pair, err := s.Mint(rec.UserID)
	if err != nil {
		return TokenPair{}, err
	}
	swapped, err := s.store.Replace(ctx, rec.ID, refreshToken, pair.RefreshToken, pair.RefreshExpiresAt)
	if err != nil {
		return TokenPair{}, fmt.Errorf("replace refresh token: %w", err)
	}
	if !swapped {
		log.Warn().Str("user_id", rec.UserID).Str("record_id", rec.ID).Msg("refresh token rotated concurrently, possible replay")
		return TokenPair{}, apperrors.Conflict("refresh token already rotated")
	}

	log.Debug().Str("user_id", rec.UserID).Str("record_id", rec.ID).Msg("rotated refresh token")
	return pair, nil
}

// Revoke deletes the record holding refreshToken. Unknown tokens are ignored.
func (s *TokenService) Revoke(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.store.DeleteByToken(ctx, refreshToken)
}

// RevokeAll ends every session of userID.
func (s *TokenService) RevokeAll(ctx context.Context, userID string) error {
	unlock := s.locks.Lock(userID)
	defer unlock()
	return s.store.DeleteAllForUser(ctx, userID)
}

func (s *TokenService) sign(userID, tokenType string, now, exp time.Time) (string, error) {
	claims := Claims{
		UserID:    userID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.cfg.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
}

func (s *TokenService) keyFunc(t *jwt.Token) (any, error) {
	return s.cfg.Secret, nil
}

func (s *TokenService) parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithTimeFunc(s.cfg.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.Auth(apperrors.AuthExpired, err)
		}
		return nil, apperrors.Auth(apperrors.AuthInvalid, err)
	}
	if claims.UserID == "" {
		return nil, apperrors.Auth(apperrors.AuthInvalid, errors.New("missing user claim"))
	}
	return claims, nil
}

// parseUnverifiedExpiry checks the signature but leaves expiry to the
// stored record, so an expired refresh token reports Expired rather than
// Invalid.
func (s *TokenService) parseUnverifiedExpiry(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, apperrors.Auth(apperrors.AuthInvalid, err)
	}
	if claims.UserID == "" || claims.Issuer != s.cfg.Issuer {
		return nil, apperrors.Auth(apperrors.AuthInvalid, errors.New("bad refresh claims"))
	}
	return claims, nil
}
