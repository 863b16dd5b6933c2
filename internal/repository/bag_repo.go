package repository

import (
	"context"
	"errors"

	"github.com/damoang/bagtag-backend/internal/common"
	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BagRepository bag data access interface
type BagRepository interface {
	Create(ctx context.Context, bag *domain.Bag) error
	FindByID(ctx context.Context, id string) (*domain.Bag, error)
	FindByShortID(ctx context.Context, shortID string) (*domain.Bag, error)
	ListByOwnerHash(ctx context.Context, ownerHash string) ([]domain.Bag, error)
	ListIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	UpdateStatus(ctx context.Context, id string, status domain.BagStatus) error
	RotateShortID(ctx context.Context, id, newShortID string) error
	// Delete hard-deletes a bag with its contacts, conversations and messages.
	// Returns the deleted conversation IDs so callers can drop their cache entries.
	Delete(ctx context.Context, id string) ([]string, error)
}

type bagRepository struct {
	db  *gorm.DB
	now Clock
}

// NewBagRepository creates a new BagRepository
func NewBagRepository(db *gorm.DB, clock Clock) BagRepository {
	return &bagRepository{db: db, now: clockOrDefault(clock)}
}

func (r *bagRepository) Create(ctx context.Context, bag *domain.Bag) error {
	if bag.ID == "" {
		bag.ID = uuid.NewString()
	}
	if bag.Status == "" {
		bag.Status = domain.BagStatusActive
	}
	now := r.now()
	bag.CreatedAt = now
	bag.UpdatedAt = now
	for i := range bag.Contacts {
		if bag.Contacts[i].ID == "" {
			bag.Contacts[i].ID = uuid.NewString()
		}
		bag.Contacts[i].CreatedAt = now
	}
	err := r.db.WithContext(ctx).Create(bag).Error
	if isUniqueViolation(err) {
		return ErrShortIDTaken
	}
	return err
}

func (r *bagRepository) FindByID(ctx context.Context, id string) (*domain.Bag, error) {
	var bag domain.Bag
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&bag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrBagNotFound
	}
	if err != nil {
		return nil, err
	}
	return &bag, nil
}

func (r *bagRepository) FindByShortID(ctx context.Context, shortID string) (*domain.Bag, error) {
	var bag domain.Bag
	err := r.db.WithContext(ctx).Where("short_id = ?", shortID).First(&bag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrBagNotFound
	}
	if err != nil {
		return nil, err
	}
	return &bag, nil
}

// ListByOwnerHash returns an owner's bags, newest first
func (r *bagRepository) ListByOwnerHash(ctx context.Context, ownerHash string) ([]domain.Bag, error) {
	var bags []domain.Bag
	err := r.db.WithContext(ctx).
		Where("owner_email_hash = ?", ownerHash).
		Order("created_at DESC").
		Find(&bags).Error
	return bags, err
}

// ListIDs 전체 가방 id를 id 순으로 페이지 조회
func (r *bagRepository) ListIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&domain.Bag{}).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *bagRepository) UpdateStatus(ctx context.Context, id string, status domain.BagStatus) error {
	result := r.db.WithContext(ctx).Model(&domain.Bag{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "updated_at": r.now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return common.ErrBagNotFound
	}
	return nil
}

func (r *bagRepository) RotateShortID(ctx context.Context, id, newShortID string) error {
	result := r.db.WithContext(ctx).Model(&domain.Bag{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"short_id": newShortID, "updated_at": r.now()})
	if isUniqueViolation(result.Error) {
		return ErrShortIDTaken
	}
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return common.ErrBagNotFound
	}
	return nil
}

func (r *bagRepository) Delete(ctx context.Context, id string) ([]string, error) {
	var conversationIDs []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Conversation{}).
			Where("bag_id = ?", id).
			Pluck("id", &conversationIDs).Error; err != nil {
			return err
		}

		if len(conversationIDs) > 0 {
			if err := tx.Where("conversation_id IN ?", conversationIDs).
				Delete(&domain.ConversationMessage{}).Error; err != nil {
				return err
			}
			if err := tx.Where("bag_id = ?", id).Delete(&domain.Conversation{}).Error; err != nil {
				return err
			}
		}

		if err := tx.Where("bag_id = ?", id).Delete(&domain.Contact{}).Error; err != nil {
			return err
		}

		result := tx.Where("id = ?", id).Delete(&domain.Bag{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return common.ErrBagNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conversationIDs, nil
}
