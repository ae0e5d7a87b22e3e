package ginserver

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	gin "github.com/gin-gonic/gin"

	"bizbridge/internal/infra/config"
	"bizbridge/internal/infra/obs"
)

// Handlers groups the route handlers the server mounts.
type Handlers struct {
	Chat           ChatHTTP
	AuthMiddleware gin.HandlerFunc
}

// NewServer assembles the gin router and wraps it in an http.Server.
func NewServer(cfg config.Config, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *http.Server {
	mode := configureGinMode(cfg.Env)
	if obsMW.Logger != nil {
		obsMW.Logger.Info("gin initialized", "mode", mode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(obsMW.RequestID())
	router.Use(obsMW.LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{
			"Content-Length",
			"Content-Type",
			"X-Request-ID",
		},
		MaxAge: 12 * time.Hour,
	}))
	if h.AuthMiddleware != nil {
		router.Use(h.AuthMiddleware)
	}

	router.GET("/livez", health.Livez)
	router.GET("/readyz", health.Readyz)

	api := router.Group("/api/v1")
	if h.Chat != nil {
		api.GET("/conversations", h.Chat.ListConversations)
		api.POST("/conversations", h.Chat.CreateConversation)
		api.GET("/conversations/:id/messages", h.Chat.ListMessages)
		api.POST("/conversations/:id/messages", h.Chat.SendMessage)
		api.PATCH("/conversations/:id/read", h.Chat.MarkRead)
		api.DELETE("/conversations/:id", h.Chat.DeleteConversation)
		api.DELETE("/selection", h.Chat.Deselect)
		api.GET("/unread-count", h.Chat.UnreadCount)
		api.DELETE("/session", h.Chat.EndSession)
	}

	return &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}
}

func configureGinMode(env string) string {
	mode := gin.ReleaseMode
	if env == "dev" || env == "local" {
		mode = gin.DebugMode
	}
	gin.SetMode(mode)
	return mode
}
