package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/suPer8Hu/projectchat/internal/common"
	"github.com/suPer8Hu/projectchat/internal/config"
	"github.com/suPer8Hu/projectchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/projectchat/internal/httpapi/middleware"
)

// NewRouter wires routes. limiter may be nil, which disables rate limiting.
func NewRouter(cfg config.Config, h *handlers.Handler, limiter middleware.Limiter) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/providers", h.ListProviders)

	// Streaming reports auth failures and throttling inside the event stream.
	r.POST("/chats/messages/stream",
		middleware.AuthOptional(cfg.JWTSecret),
		middleware.RateLimitWith(limiter, "stream", cfg.RateLimitPerMinute, h.StreamRateLimited),
		h.SendChatMessageStream,
	)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/projects", h.ListProjects)

	authGroup.POST("/chats", h.CreateChat)
	authGroup.GET("/chats", h.ListChats)
	authGroup.GET("/chats/:chat_id/messages", h.ListChatMessages)
	authGroup.PATCH("/chats/:chat_id", h.RenameChat)
	authGroup.DELETE("/chats/:chat_id", h.DeleteChat)

	limited := middleware.RateLimit(limiter, "async", cfg.RateLimitPerMinute)
	authGroup.POST("/chats/messages/async", limited, h.SendChatMessageAsync)
	authGroup.GET("/chat/jobs/:job_id", h.GetChatJob)
	authGroup.POST("/chats/enhance", middleware.RateLimit(limiter, "enhance", cfg.RateLimitPerMinute), h.EnhancePrompt)
	return r
}
