package routes

import (
	"github.com/damoang/bagtag-backend/internal/handler"
	"github.com/damoang/bagtag-backend/internal/middleware"
	"github.com/damoang/bagtag-backend/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Handlers 라우트에 연결할 핸들러 묶음
type Handlers struct {
	Conversation *handler.ConversationHandler
	Owner        *handler.OwnerHandler
	Auth         *handler.AuthHandler
	Health       *handler.HealthHandler
}

// Setup configures all API routes
func Setup(router *gin.Engine, h Handlers, auth service.AuthService, redisClient *redis.Client) {
	router.GET("/health", h.Health.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")

	// 발견자 첫 메시지 (인증 없음, IP 제한 + Turnstile)
	api.POST("/bags/:shortId/conversations",
		middleware.RateLimit(redisClient, middleware.StartConversationRateLimit()),
		h.Conversation.StartConversation)

	// 매직링크 -> 세션 토큰
	api.POST("/auth/magic-link/verify", h.Auth.VerifyMagicLink)

	session := api.Group("", middleware.SessionAuth(auth))
	{
		owner := session.Group("", middleware.RequireOwner())
		owner.GET("/dashboard", h.Owner.Dashboard)
		owner.GET("/conversations/archived", h.Owner.ArchivedList)
		owner.DELETE("/bags/:bagId", h.Owner.DeleteBag)
		owner.PUT("/bags/:bagId/status", h.Owner.SetBagStatus)
		owner.PUT("/bags/:bagId/short-id", h.Owner.RotateShortID)
		owner.POST("/conversations/:id/resolve", h.Conversation.Resolve)
		owner.POST("/conversations/:id/archive", h.Conversation.Archive)
		owner.POST("/conversations/:id/restore", h.Conversation.Restore)

		session.GET("/conversations/:id", h.Conversation.GetThread)
		session.POST("/conversations/:id/messages", h.Conversation.SendReply)
	}
}
