package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/speakenai/speaken/internal/common"
	"github.com/speakenai/speaken/internal/config"
	"github.com/speakenai/speaken/internal/httpapi/handlers"
	"github.com/speakenai/speaken/internal/httpapi/middleware"
	"github.com/speakenai/speaken/internal/relay"
)

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func NewRouter(cfg config.Config, h *handlers.Handler, proxy *relay.Proxy, limiter relay.Limiter, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	r.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// relay, limited per user when a token is sent, per client IP otherwise
	relayGroup := r.Group("/api", middleware.OptionalAuth(cfg.JWTSecret))
	relayGroup.GET("/token", relay.RateLimit(limiter, "token", log), proxy.AvatarToken)
	relayGroup.POST("/chat-proxy", relay.RateLimit(limiter, "chat-proxy", log), proxy.ChatCompletions)

	// users
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	r.POST("/grammar/check", h.CheckGrammar)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// Chat (JWT required)
	authGroup.GET("/chat/sessions", h.ListChatSessions)
	authGroup.POST("/chat/sessions", h.CreateChatSession)
	authGroup.PATCH("/chat/sessions/:session_id", h.RenameChatSession)
	authGroup.DELETE("/chat/sessions/:session_id", h.DeleteChatSession)
	authGroup.GET("/chat/sessions/:session_id/messages", h.ListChatMessages)
	authGroup.POST("/chat/messages", h.SendChatMessage)
	authGroup.POST("/chat/messages/stream", h.SendChatMessageStream)
	authGroup.POST("/chat/messages/async", h.SendChatMessageAsync)
	authGroup.GET("/chat/jobs/:job_id", h.GetChatJob)
	authGroup.GET("/chat/events", h.ChatEvents)
	return r
}
