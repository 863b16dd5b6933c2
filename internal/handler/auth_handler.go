package handler

import (
	"github.com/damoang/bagtag-backend/internal/common"
	"github.com/damoang/bagtag-backend/internal/service"
	"github.com/gin-gonic/gin"
)

// AuthHandler handles magic link exchange
type AuthHandler struct {
	service service.AuthService
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service service.AuthService) *AuthHandler {
	return &AuthHandler{service: service}
}

// VerifyMagicLinkRequest magic link exchange request
type VerifyMagicLinkRequest struct {
	Token string `json:"token" validate:"required,max=4096"`
}

// VerifyMagicLink handles POST /auth/magic-link/verify
// 링크는 한 번만 교환된다. 성공하면 세션 토큰을 body로 돌려준다.
// @Summary 매직링크로 세션 발급
// @Tags auth
// @Accept json
// @Produce json
// @Param request body VerifyMagicLinkRequest true "매직링크 토큰"
// @Success 200 {object} common.APIResponse
// @Failure 401 {object} common.APIResponse
// @Router /auth/magic-link/verify [post]
func (h *AuthHandler) VerifyMagicLink(c *gin.Context) {
	var req VerifyMagicLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.AppErrorResponse(c, common.Wrap(common.CodeInvalidInput, "invalid request body", err))
		return
	}
	if err := common.ValidateRequest(&req); err != nil {
		common.AppErrorResponse(c, err)
		return
	}

	session, err := h.service.VerifyMagicLink(c.Request.Context(), req.Token)
	if err != nil {
		common.AppErrorResponse(c, err)
		return
	}
	common.SuccessResponse(c, session, nil)
}
