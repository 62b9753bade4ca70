package handler

import (
	"teamchat/backend/internal/auth"
	"teamchat/backend/internal/chathub"
	"teamchat/backend/internal/config"
	"teamchat/backend/internal/messaging"
	"teamchat/backend/internal/storage"

	"github.com/gin-gonic/gin"
)

// Handler holds the services behind the HTTP API.
type Handler struct {
	Hub       *chathub.ManagerService
	Tokens    *auth.TokenService
	Store     *storage.Service
	Engine    *messaging.Engine
	Passwords *auth.PasswordHasher
	Config    config.Config
}

func NewHandler(hub *chathub.ManagerService, tokens *auth.TokenService, store *storage.Service,
	engine *messaging.Engine, passwords *auth.PasswordHasher, cfg config.Config) *Handler {
	return &Handler{
		Hub:       hub,
		Tokens:    tokens,
		Store:     store,
		Engine:    engine,
		Passwords: passwords,
		Config:    cfg,
	}
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	if h.Config.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger())

	r.GET("/health", h.Health)

	authGroup := r.Group("/auth")
	{
		authGroup.POST("/register", h.Register)
		authGroup.POST("/login", h.Login)
		authGroup.POST("/logout", h.Logout)
	}
	r.POST("/refresh", h.Refresh)

	// The WebSocket handshake authenticates inside the hub.
	r.GET("/ws", h.ServeWebSocket)

	api := r.Group("/", h.RequireAuth())
	{
		api.GET("/me", h.Me)
		api.POST("/rooms", h.CreateRoom)
		api.GET("/rooms", h.ListRooms)
		api.POST("/rooms/:roomID/members", h.AddMember)
		api.GET("/rooms/:roomID/messages", h.ListMessages)
		api.GET("/rooms/:roomID/messages/search", h.SearchMessages)
	}
	return r
}

// Health reports liveness together with the number of open connections.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok", "connections": h.Hub.Registry.Len()})
}
