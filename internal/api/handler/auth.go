package handler

import (
	"errors"
	"net/http"
	"strings"

	"teamchat/backend/internal/apperrors"
	"teamchat/backend/internal/auth"
	"teamchat/backend/internal/config"
	"teamchat/backend/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const minPasswordLength = 8

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type sessionResponse struct {
	User   *models.User   `json:"user"`
	Tokens auth.TokenPair `json:"tokens"`
}

// Register creates an account and starts its first session.
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("body", err.Error()))
		return
	}
	if !strings.Contains(req.Email, "@") {
		respondError(c, apperrors.Validation("email", "malformed"))
		return
	}
	if len(req.Password) < minPasswordLength {
		respondError(c, apperrors.Validation("password", "too short"))
		return
	}

	hash, err := h.Passwords.Hash(req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	user := &models.User{Email: req.Email, PasswordHash: hash, DisplayName: req.DisplayName}
	if err := h.Store.CreateUser(c.Request.Context(), user); err != nil {
		respondError(c, err)
		return
	}

	pair, err := h.Tokens.Issue(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.setRefreshCookie(c, pair)
	c.JSON(http.StatusCreated, sessionResponse{User: user, Tokens: pair})
}

// Login checks credentials and issues a pair. Any earlier session of the
// user is ended.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("body", err.Error()))
		return
	}

	user, err := h.Store.FindUserByEmail(c.Request.Context(), req.Email)
	if err != nil {
		respondError(c, err)
		return
	}
	if user == nil || !h.Passwords.Verify(req.Password, user.PasswordHash) {
		respondError(c, apperrors.Auth(apperrors.AuthInvalid, errors.New("bad credentials")))
		return
	}

	pair, err := h.Tokens.Issue(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.setRefreshCookie(c, pair)
	c.JSON(http.StatusOK, sessionResponse{User: user, Tokens: pair})
}

// Logout revokes the presented refresh token.
func (h *Handler) Logout(c *gin.Context) {
	if err := h.Tokens.Revoke(c.Request.Context(), refreshTokenFrom(c)); err != nil {
		respondError(c, err)
		return
	}
	h.clearRefreshCookie(c)
	c.Status(http.StatusNoContent)
}

// Refresh rotates a refresh token taken from the cookie, the
// X-Refresh-Token header or the JSON body, in that order. Every rejection
// is a 401.
func (h *Handler) Refresh(c *gin.Context) {
	pair, err := h.Tokens.Rotate(c.Request.Context(), refreshTokenFrom(c))
	if err != nil {
		if errors.Is(err, apperrors.ErrAuth) || errors.Is(err, apperrors.ErrConflict) {
			h.clearRefreshCookie(c)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": apperrors.Code(err), "message": err.Error()})
			return
		}
		respondError(c, err)
		return
	}
	h.setRefreshCookie(c, pair)
	c.JSON(http.StatusOK, pair)
}

// Me returns the authenticated user.
func (h *Handler) Me(c *gin.Context) {
	user, err := h.Store.FindUser(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if user == nil {
		respondError(c, apperrors.Auth(apperrors.AuthUserMissing, nil))
		return
	}
	c.JSON(http.StatusOK, user)
}

func refreshTokenFrom(c *gin.Context) string {
	if v, err := c.Cookie(config.RefreshCookieName); err == nil && v != "" {
		return v
	}
	if v := c.GetHeader(config.RefreshHeaderName); v != "" {
		return v
	}
	var body refreshRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		log.Debug().Err(err).Msg("no refresh token in body")
		return ""
	}
	return body.RefreshToken
}

func (h *Handler) setRefreshCookie(c *gin.Context, pair auth.TokenPair) {
	maxAge := int(h.Config.RefreshTokenTTL.Seconds())
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(config.RefreshCookieName, pair.RefreshToken, maxAge, "/", "", h.Config.Env != "dev", true)
}

func (h *Handler) clearRefreshCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(config.RefreshCookieName, "", -1, "/", "", h.Config.Env != "dev", true)
}
