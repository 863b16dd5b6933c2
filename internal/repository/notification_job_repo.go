package repository

import (
	"context"
	"errors"
	"time"

	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NotificationJobRepository 알림 발송 큐 저장소
type NotificationJobRepository interface {
	// Insert stores a pending job. inserted is false when a job with the same
	// idempotency key already exists.
	Insert(ctx context.Context, job *domain.NotificationJob) (inserted bool, err error)
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.NotificationJob, error)
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]domain.NotificationJob, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
	Release(ctx context.Context, id string) error
	RecoverStale(ctx context.Context) (int64, error)
	PruneCompleted(ctx context.Context, olderThan time.Duration) (int64, error)
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int64, error)
}

type notificationJobRepository struct {
	db  *gorm.DB
	now Clock
}

// NewNotificationJobRepository creates a new NotificationJobRepository
func NewNotificationJobRepository(db *gorm.DB, clock Clock) NotificationJobRepository {
	return &notificationJobRepository{db: db, now: clockOrDefault(clock)}
}

func (r *notificationJobRepository) Insert(ctx context.Context, job *domain.NotificationJob) (bool, error) {
	now := r.now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = domain.JobPending
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = now
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(job)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *notificationJobRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.NotificationJob, error) {
	var job domain.NotificationJob
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ClaimDue 실행 시각이 된 pending 작업을 processing으로 전환하며 가져온다.
// 작업마다 상태 조건부 UPDATE로 선점하므로 여러 워커가 같은 작업을 받지 않는다.
func (r *notificationJobRepository) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]domain.NotificationJob, error) {
	db := r.db.WithContext(ctx)
	now := r.now()

	var due []domain.NotificationJob
	if err := db.Where("status = ? AND next_attempt_at <= ?", domain.JobPending, now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&due).Error; err != nil {
		return nil, err
	}

	claimed := make([]domain.NotificationJob, 0, len(due))
	lockedUntil := now.Add(lease)
	for _, job := range due {
		result := db.Model(&domain.NotificationJob{}).
			Where("id = ? AND status = ?", job.ID, domain.JobPending).
			Updates(map[string]interface{}{
				"status":       domain.JobProcessing,
				"locked_until": lockedUntil,
				"updated_at":   now,
			})
		if result.Error != nil {
			return claimed, result.Error
		}
		if result.RowsAffected == 1 {
			job.Status = domain.JobProcessing
			job.LockedUntil = &lockedUntil
			claimed = append(claimed, job)
		}
	}
	return claimed, nil
}

func (r *notificationJobRepository) MarkCompleted(ctx context.Context, id string) error {
	now := r.now()
	return r.db.WithContext(ctx).Model(&domain.NotificationJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       domain.JobCompleted,
			"completed_at": now,
			"locked_until": nil,
			"last_error":   nil,
			"updated_at":   now,
		}).Error
}

func (r *notificationJobRepository) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return r.db.WithContext(ctx).Model(&domain.NotificationJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          domain.JobPending,
			"attempts":        attempts,
			"next_attempt_at": next,
			"locked_until":    nil,
			"last_error":      lastErr,
			"updated_at":      r.now(),
		}).Error
}

// MarkFailed 재시도 한도 초과. 실패 작업은 조사용으로 남겨둔다.
func (r *notificationJobRepository) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	return r.db.WithContext(ctx).Model(&domain.NotificationJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       domain.JobFailed,
			"attempts":     attempts,
			"locked_until": nil,
			"last_error":   lastErr,
			"updated_at":   r.now(),
		}).Error
}

// Release 시도 횟수를 소모하지 않고 pending으로 되돌림 (종료 중 회수)
func (r *notificationJobRepository) Release(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&domain.NotificationJob{}).
		Where("id = ? AND status = ?", id, domain.JobProcessing).
		Updates(map[string]interface{}{
			"status":       domain.JobPending,
			"locked_until": nil,
			"updated_at":   r.now(),
		}).Error
}

// RecoverStale 리스가 만료된 processing 작업을 pending으로 복구
func (r *notificationJobRepository) RecoverStale(ctx context.Context) (int64, error) {
	now := r.now()
	result := r.db.WithContext(ctx).Model(&domain.NotificationJob{}).
		Where("status = ? AND locked_until IS NOT NULL AND locked_until < ?", domain.JobProcessing, now).
		Updates(map[string]interface{}{
			"status":       domain.JobPending,
			"locked_until": nil,
			"updated_at":   now,
		})
	return result.RowsAffected, result.Error
}

func (r *notificationJobRepository) PruneCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := r.now().Add(-olderThan)
	result := r.db.WithContext(ctx).
		Where("status = ? AND completed_at < ?", domain.JobCompleted, cutoff).
		Delete(&domain.NotificationJob{})
	return result.RowsAffected, result.Error
}

func (r *notificationJobRepository) CountByStatus(ctx context.Context) (map[domain.JobStatus]int64, error) {
	var rows []struct {
		Status domain.JobStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&domain.NotificationJob{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.JobStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
