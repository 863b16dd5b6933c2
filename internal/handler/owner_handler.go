package handler

import (
	"net/http"

	"github.com/damoang/bagtag-backend/internal/common"
	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/damoang/bagtag-backend/internal/middleware"
	"github.com/damoang/bagtag-backend/internal/service"
	"github.com/gin-gonic/gin"
)

// OwnerHandler handles owner dashboard HTTP requests
type OwnerHandler struct {
	service *service.OwnerService
}

// NewOwnerHandler creates a new OwnerHandler
func NewOwnerHandler(service *service.OwnerService) *OwnerHandler {
	return &OwnerHandler{service: service}
}

// Dashboard handles GET /dashboard
// @Summary 소유자 대시보드
// @Tags owner
// @Produce json
// @Success 200 {object} common.APIResponse
// @Failure 401 {object} common.APIResponse
// @Security BearerAuth
// @Router /dashboard [get]
func (h *OwnerHandler) Dashboard(c *gin.Context) {
	viewer, _ := middleware.GetViewer(c)

	dashboard, err := h.service.Dashboard(c.Request.Context(), viewer.Email)
	if err != nil {
		common.AppErrorResponse(c, err)
		return
	}
	common.SuccessResponse(c, dashboard, nil)
}

// ArchivedList handles GET /conversations/archived
// @Summary 보관된 대화 목록
// @Tags owner
// @Produce json
// @Success 200 {object} common.APIResponse
// @Failure 401 {object} common.APIResponse
// @Security BearerAuth
// @Router /conversations/archived [get]
func (h *OwnerHandler) ArchivedList(c *gin.Context) {
	viewer, _ := middleware.GetViewer(c)

	items, err := h.service.ArchivedList(c.Request.Context(), viewer.Email)
	if err != nil {
		common.AppErrorResponse(c, err)
		return
	}
	common.SuccessResponse(c, items, &common.Meta{Total: int64(len(items))})
}

// DeleteBag handles DELETE /bags/:bagId
// @Summary 가방 삭제
// @Description 가방과 모든 대화를 영구 삭제합니다
// @Tags owner
// @Param bagId path string true "가방 ID"
// @Success 204
// @Failure 404 {object} common.APIResponse
// @Security BearerAuth
// @Router /bags/{bagId} [delete]
func (h *OwnerHandler) DeleteBag(c *gin.Context) {
	viewer, _ := middleware.GetViewer(c)

	if err := h.service.DeleteBag(c.Request.Context(), c.Param("bagId"), viewer.Email); err != nil {
		common.AppErrorResponse(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetBagStatus handles PUT /bags/:bagId/status
// @Summary 가방 상태 변경
// @Tags owner
// @Accept json
// @Produce json
// @Param bagId path string true "가방 ID"
// @Param request body domain.BagStatusRequest true "active 또는 disabled"
// @Success 200 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Security BearerAuth
// @Router /bags/{bagId}/status [put]
func (h *OwnerHandler) SetBagStatus(c *gin.Context) {
	viewer, _ := middleware.GetViewer(c)

	var req domain.BagStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.AppErrorResponse(c, common.Wrap(common.CodeInvalidInput, "invalid request body", err))
		return
	}
	req.BagID = c.Param("bagId")
	req.OwnerEmail = viewer.Email

	bag, err := h.service.SetBagStatus(c.Request.Context(), &req)
	if err != nil {
		common.AppErrorResponse(c, err)
		return
	}
	common.SuccessResponse(c, bag, nil)
}

// RotateShortID handles PUT /bags/:bagId/short-id
// @Summary 가방 short id 교체
// @Tags owner
// @Accept json
// @Produce json
// @Param bagId path string true "가방 ID"
// @Param request body domain.RotateShortIDRequest false "원하는 short id (생략하면 자동 생성)"
// @Success 200 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Security BearerAuth
// @Router /bags/{bagId}/short-id [put]
func (h *OwnerHandler) RotateShortID(c *gin.Context) {
	viewer, _ := middleware.GetViewer(c)

	var req domain.RotateShortIDRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			common.AppErrorResponse(c, common.Wrap(common.CodeInvalidInput, "invalid request body", err))
			return
		}
	}
	req.BagID = c.Param("bagId")
	req.OwnerEmail = viewer.Email

	bag, err := h.service.RotateShortID(c.Request.Context(), &req)
	if err != nil {
		common.AppErrorResponse(c, err)
		return
	}
	common.SuccessResponse(c, bag, nil)
}
