package repository

import (
	"context"

	"github.com/damoang/bagtag-backend/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PreferenceRepository 수신자별 알림 수신 설정
type PreferenceRepository interface {
	// ShouldSend reports whether kind may be sent to the recipient; no row means yes.
	ShouldSend(ctx context.Context, emailHash string, kind domain.NotificationKind) (bool, error)
	Set(ctx context.Context, emailHash string, kind domain.NotificationKind, enabled bool) error
}

type preferenceRepository struct {
	db  *gorm.DB
	now Clock
}

// NewPreferenceRepository creates a new PreferenceRepository
func NewPreferenceRepository(db *gorm.DB, clock Clock) PreferenceRepository {
	return &preferenceRepository{db: db, now: clockOrDefault(clock)}
}

func (r *preferenceRepository) ShouldSend(ctx context.Context, emailHash string, kind domain.NotificationKind) (bool, error) {
	var prefs []domain.NotificationPreference
	err := r.db.WithContext(ctx).
		Where("email_hash = ? AND kind = ?", emailHash, kind).
		Limit(1).
		Find(&prefs).Error
	if err != nil {
		return false, err
	}
	if len(prefs) == 0 {
		return true, nil
	}
	return prefs[0].Enabled, nil
}

func (r *preferenceRepository) Set(ctx context.Context, emailHash string, kind domain.NotificationKind, enabled bool) error {
	pref := domain.NotificationPreference{
		EmailHash: emailHash,
		Kind:      kind,
		Enabled:   enabled,
		UpdatedAt: r.now(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email_hash"}, {Name: "kind"}},
			DoUpdates: clause.AssignmentColumns([]string{"enabled", "updated_at"}),
		}).
		Create(&pref).Error
}
