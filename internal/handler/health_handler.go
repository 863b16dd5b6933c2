package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/damoang/bagtag-backend/internal/jobs"
	"github.com/damoang/bagtag-backend/internal/middleware"
	"github.com/damoang/bagtag-backend/internal/queue"
	"github.com/damoang/bagtag-backend/pkg/cache"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// QueueStatus 알림 큐 상태 조회
type QueueStatus interface {
	Stats(ctx context.Context) (map[domain.JobStatus]int64, error)
	BreakerState() queue.BreakerState
}

// HealthHandler reports dependency health
type HealthHandler struct {
	db        *gorm.DB
	cache     cache.Service
	queue     QueueStatus
	scheduler *jobs.Scheduler
}

// NewHealthHandler creates a new HealthHandler. scheduler may be nil.
func NewHealthHandler(db *gorm.DB, c cache.Service, q QueueStatus, scheduler *jobs.Scheduler) *HealthHandler {
	return &HealthHandler{db: db, cache: c, queue: q, scheduler: scheduler}
}

// Health handles GET /health
// DB가 응답하지 않으면 503. Redis 장애는 degraded로 표시만 한다 (카운터/캐시 없이도 읽기 가능).
// @Summary 헬스 체크
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	checks := gin.H{}

	if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		checks["database"] = "down"
		status = "down"
		code = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
		middleware.RecordDBStats(sqlDB.Stats())
	}

	if err := h.cache.Ping(ctx); err != nil {
		checks["redis"] = "down"
		if status == "ok" {
			status = "degraded"
		}
	} else {
		checks["redis"] = "ok"
	}

	resp := gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	}

	if h.queue != nil {
		q := gin.H{"breaker": h.queue.BreakerState().String()}
		if stats, err := h.queue.Stats(ctx); err == nil {
			q["jobs"] = stats
		}
		resp["notification_queue"] = q
	}
	if h.scheduler != nil {
		resp["scheduled_tasks"] = h.scheduler.GetTasks()
	}

	c.JSON(code, resp)
}
