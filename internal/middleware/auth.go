package middleware

import (
	"strings"

	"github.com/damoang/bagtag-backend/internal/common"
	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/damoang/bagtag-backend/internal/service"
	"github.com/gin-gonic/gin"
)

const (
	ctxViewer              = "viewer"
	ctxSessionConversation = "session_conversation_id"
)

// SessionAuth 매직링크 교환으로 받은 세션 토큰(Bearer) 검증
func SessionAuth(auth service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. Extract Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			common.AppErrorResponse(c, common.ErrUnauthorized)
			c.Abort()
			return
		}

		// 2. Parse Bearer token
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			common.AppErrorResponse(c, common.New(common.CodeUnauthorized, "invalid authorization header format"))
			c.Abort()
			return
		}

		// 3. Verify token
		session, err := auth.Authenticate(parts[1])
		if err != nil {
			common.AppErrorResponse(c, err)
			c.Abort()
			return
		}

		// 4. Store viewer in context
		c.Set(ctxViewer, session.Viewer)
		c.Set(ctxSessionConversation, session.ConversationID)

		c.Next()
	}
}

// GetViewer extracts the authenticated viewer from context
func GetViewer(c *gin.Context) (domain.Viewer, bool) {
	v, exists := c.Get(ctxViewer)
	if !exists {
		return domain.Viewer{}, false
	}
	viewer, ok := v.(domain.Viewer)
	return viewer, ok
}

// GetSessionConversationID 세션이 발급된 대화 id (발견자 세션은 이 대화로 한정)
func GetSessionConversationID(c *gin.Context) string {
	id, exists := c.Get(ctxSessionConversation)
	if !exists {
		return ""
	}
	if str, ok := id.(string); ok {
		return str
	}
	return ""
}

// RequireOwner 소유자 세션만 허용
func RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		viewer, ok := GetViewer(c)
		if !ok || viewer.Role != domain.RoleOwner {
			common.AppErrorResponse(c, common.New(common.CodeAccessDenied, "owner session required"))
			c.Abort()
			return
		}
		c.Next()
	}
}
