package handler

import (
	"context"
	"net/http"

	"github.com/damoang/bagtag-backend/internal/common"
	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/damoang/bagtag-backend/internal/middleware"
	"github.com/damoang/bagtag-backend/internal/service"
	"github.com/gin-gonic/gin"
)

// ConversationHandler handles finder/owner conversation HTTP requests
type ConversationHandler struct {
	service *service.ConversationService
}

// NewConversationHandler creates a new ConversationHandler
func NewConversationHandler(service *service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// StartConversation handles POST /bags/:shortId/conversations
// 발견자의 첫 메시지 (로그인 없음, Turnstile 토큰 필요)
// @Summary 발견자 대화 시작
// @Description 가방 태그의 short id로 소유자에게 첫 메시지를 보냅니다
// @Tags conversations
// @Accept json
// @Produce json
// @Param shortId path string true "가방 short id"
// @Param request body domain.StartConversationRequest true "첫 메시지"
// @Success 201 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Failure 403 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Failure 410 {object} common.APIResponse
// @Failure 429 {object} common.APIResponse
// @Router /bags/{shortId}/conversations [post]
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req domain.StartConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.AppErrorResponse(c, common.Wrap(common.CodeInvalidInput, "invalid request body", err))
		return
	}
	req.BagShortID = c.Param("shortId")
	req.RemoteIP = c.ClientIP()

	result, err := h.service.StartConversation(c.Request.Context(), &req)
	if err != nil {
		common.AppErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusCreated, common.APIResponse{Data: result})
}

// SendReply handles POST /conversations/:id/messages
// @Summary 답장 보내기
// @Tags conversations
// @Accept json
// @Produce json
// @Param id path string true "대화 ID"
// @Success 201 {object} common.APIResponse
// @Failure 401 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Security BearerAuth
// @Router /conversations/{id}/messages [post]
func (h *ConversationHandler) SendReply(c *gin.Context) {
	viewer, ok := h.viewerFor(c)
	if !ok {
		return
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		common.AppErrorResponse(c, common.Wrap(common.CodeInvalidInput, "invalid request body", err))
		return
	}

	result, err := h.service.SendReply(c.Request.Context(), &domain.SendReplyRequest{
		ConversationID: c.Param("id"),
		Content:        body.Content,
		Sender:         viewer,
	})
	if err != nil {
		common.AppErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusCreated, common.APIResponse{Data: result})
}

// GetThread handles GET /conversations/:id
// @Summary 대화 스레드 조회
// @Description 조회한 쪽 기준으로 상대 메시지를 읽음 처리합니다
// @Tags conversations
// @Produce json
// @Param id path string true "대화 ID"
// @Success 200 {object} common.APIResponse
// @Failure 401 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Security BearerAuth
// @Router /conversations/{id} [get]
func (h *ConversationHandler) GetThread(c *gin.Context) {
	viewer, ok := h.viewerFor(c)
	if !ok {
		return
	}

	thread, err := h.service.GetConversationThread(c.Request.Context(), &domain.ThreadRequest{
		ConversationID: c.Param("id"),
		Viewer:         viewer,
	})
	if err != nil {
		common.AppErrorResponse(c, err)
		return
	}

	common.SuccessResponse(c, thread, nil)
}

// Resolve handles POST /conversations/:id/resolve
// @Summary 대화 해결 처리
// @Tags conversations
// @Produce json
// @Param id path string true "대화 ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Security BearerAuth
// @Router /conversations/{id}/resolve [post]
func (h *ConversationHandler) Resolve(c *gin.Context) {
	h.ownerAction(c, h.service.ResolveConversation)
}

// Archive handles POST /conversations/:id/archive
// @Summary 대화 보관
// @Tags conversations
// @Produce json
// @Param id path string true "대화 ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Security BearerAuth
// @Router /conversations/{id}/archive [post]
func (h *ConversationHandler) Archive(c *gin.Context) {
	h.ownerAction(c, h.service.ArchiveConversation)
}

// Restore handles POST /conversations/:id/restore
// @Summary 대화 복원
// @Tags conversations
// @Produce json
// @Param id path string true "대화 ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Security BearerAuth
// @Router /conversations/{id}/restore [post]
func (h *ConversationHandler) Restore(c *gin.Context) {
	h.ownerAction(c, h.service.RestoreConversation)
}

type ownerActionFunc func(ctx context.Context, req *domain.OwnerActionRequest) (*domain.Conversation, error)

func (h *ConversationHandler) ownerAction(c *gin.Context, action ownerActionFunc) {
	viewer, ok := h.viewerFor(c)
	if !ok {
		return
	}

	conv, err := action(c.Request.Context(), &domain.OwnerActionRequest{
		ConversationID: c.Param("id"),
		OwnerEmail:     viewer.Email,
	})
	if err != nil {
		common.AppErrorResponse(c, err)
		return
	}

	common.SuccessResponse(c, gin.H{
		"id":                     conv.ID,
		"status":                 conv.Status,
		"resolved_at":            conv.ResolvedAt,
		"archived_at":            conv.ArchivedAt,
		"permanently_deleted_at": conv.PermanentlyDeletedAt,
	}, nil)
}

// viewerFor 세션 주체 확인. 발견자 세션은 발급된 대화에만 접근할 수 있다.
func (h *ConversationHandler) viewerFor(c *gin.Context) (domain.Viewer, bool) {
	viewer, ok := middleware.GetViewer(c)
	if !ok {
		common.AppErrorResponse(c, common.ErrUnauthorized)
		return domain.Viewer{}, false
	}
	if viewer.Role == domain.RoleFinder && middleware.GetSessionConversationID(c) != c.Param("id") {
		common.AppErrorResponse(c, common.ErrAccessDenied)
		return domain.Viewer{}, false
	}
	return viewer, true
}
