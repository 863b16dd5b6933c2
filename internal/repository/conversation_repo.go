package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/damoang/bagtag-backend/internal/common"
	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversationRepository is the authoritative store for conversations and messages.
// Status transitions are single conditional updates on the expected prior status.
type ConversationRepository interface {
	CreateWithMessage(ctx context.Context, conv *domain.Conversation, first *domain.ConversationMessage) error
	FindByID(ctx context.Context, id string) (*domain.Conversation, error)
	Exists(ctx context.Context, id string) (bool, error)
	LoadSnapshot(ctx context.Context, id string) (*domain.ConversationSnapshot, error)

	AddMessage(ctx context.Context, conversationID string, sender domain.Role, content string) (*domain.ConversationMessage, error)
	MarkRead(ctx context.Context, conversationID string, reader domain.Role) (int64, error)

	UpdateStatus(ctx context.Context, id string, to domain.ConversationStatus) (*domain.Conversation, error)
	Archive(ctx context.Context, id string) (*domain.Conversation, error)
	Restore(ctx context.Context, id string) (*domain.Conversation, error)

	ListByBagIDs(ctx context.Context, bagIDs []string) ([]domain.Conversation, error)
	ListArchivedByBagIDs(ctx context.Context, bagIDs []string) ([]domain.Conversation, error)
	ListActive(ctx context.Context, afterID string, limit int) ([]domain.Conversation, error)

	UpdateNotificationMirror(ctx context.Context, id string, counters domain.NotificationCounters) error
	UnreadCounts(ctx context.Context, conversationIDs []string) (map[string]int64, error)
	UnreadCountsByBag(ctx context.Context, bagIDs []string) (map[string]int64, error)

	AutoArchiveResolvedOlderThan(ctx context.Context, days int) ([]domain.ConversationRef, error)
	PermanentlyDeleteExpired(ctx context.Context) ([]domain.ConversationRef, error)
}

type conversationRepository struct {
	db  *gorm.DB
	now Clock
}

// NewConversationRepository creates a new ConversationRepository
func NewConversationRepository(db *gorm.DB, clock Clock) ConversationRepository {
	return &conversationRepository{db: db, now: clockOrDefault(clock)}
}

// CreateWithMessage 대화와 첫 메시지를 하나의 트랜잭션으로 생성
func (r *conversationRepository) CreateWithMessage(ctx context.Context, conv *domain.Conversation, first *domain.ConversationMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bag domain.Bag
		err := tx.Where("id = ?", conv.BagID).First(&bag).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return common.ErrBagNotFound
		}
		if err != nil {
			return err
		}
		if !bag.AcceptsMessages() {
			return common.ErrBagDisabled
		}

		now := r.now()
		if conv.ID == "" {
			conv.ID = uuid.NewString()
		}
		conv.Status = domain.ConversationActive
		conv.CreatedAt = now
		conv.UpdatedAt = now
		conv.LastMessageAt = now
		if err := tx.Omit("Messages").Create(conv).Error; err != nil {
			return err
		}

		if first.ID == "" {
			first.ID = uuid.NewString()
		}
		first.ConversationID = conv.ID
		first.SenderRole = domain.RoleFinder
		first.SentAt = now
		return tx.Create(first).Error
	})
}

func (r *conversationRepository) FindByID(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepository) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Conversation{}).Where("id = ?", id).Count(&count).Error
	return count > 0, err
}

// LoadSnapshot 대화 + 가방 메타 + 정렬된 메시지 (암호문 상태)
func (r *conversationRepository) LoadSnapshot(ctx context.Context, id string) (*domain.ConversationSnapshot, error) {
	db := r.db.WithContext(ctx)

	conv, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var bag domain.Bag
	if err := db.Where("id = ?", conv.BagID).First(&bag).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrBagNotFound
		}
		return nil, err
	}

	var messages []domain.ConversationMessage
	if err := db.Where("conversation_id = ?", id).
		Order("sent_at ASC").Order("id ASC").
		Find(&messages).Error; err != nil {
		return nil, err
	}

	return domain.NewSnapshot(conv, &bag, messages), nil
}

// AddMessage 활성 대화에만 메시지 추가. sent_at은 대화 내에서 단조 증가
func (r *conversationRepository) AddMessage(ctx context.Context, conversationID string, sender domain.Role, content string) (*domain.ConversationMessage, error) {
	var msg *domain.ConversationMessage
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv domain.Conversation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", conversationID).
			First(&conv).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return common.ErrConversationNotFound
		}
		if err != nil {
			return err
		}

		switch conv.Status {
		case domain.ConversationResolved:
			return common.ErrConversationResolved
		case domain.ConversationArchived:
			return common.ErrConversationArchived
		}

		sentAt := r.now()
		if !sentAt.After(conv.LastMessageAt) {
			sentAt = conv.LastMessageAt.Add(time.Microsecond)
		}

		msg = &domain.ConversationMessage{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			SenderRole:     sender,
			Content:        content,
			SentAt:         sentAt,
		}
		if err := tx.Create(msg).Error; err != nil {
			return err
		}

		return tx.Model(&domain.Conversation{}).
			Where("id = ?", conversationID).
			Updates(map[string]interface{}{"last_message_at": sentAt, "updated_at": r.now()}).Error
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkRead reader 역할 기준 상대방이 보낸 미읽음 메시지를 읽음 처리
func (r *conversationRepository) MarkRead(ctx context.Context, conversationID string, reader domain.Role) (int64, error) {
	result := r.db.WithContext(ctx).Model(&domain.ConversationMessage{}).
		Where("conversation_id = ? AND sender_role = ? AND read_at IS NULL", conversationID, reader.Opposite()).
		Update("read_at", r.now())
	return result.RowsAffected, result.Error
}

// UpdateStatus 허용된 전이만 수행. 현재 상태를 조건으로 한 단일 UPDATE라서
// 동시에 들어온 상충 전이 중 하나만 성공한다.
func (r *conversationRepository) UpdateStatus(ctx context.Context, id string, to domain.ConversationStatus) (*domain.Conversation, error) {
	db := r.db.WithContext(ctx)

	conv, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	from := conv.Status
	if !domain.CanTransition(from, to) {
		return nil, common.Wrap(common.CodeInvalidTransition,
			fmt.Sprintf("cannot move conversation from %s to %s", from, to), nil)
	}

	now := r.now()
	updates := map[string]interface{}{"status": to, "updated_at": now}
	switch {
	case from == domain.ConversationActive && to == domain.ConversationResolved:
		updates["resolved_at"] = now
	case to == domain.ConversationArchived:
		deleteAt := now.AddDate(0, domain.RetentionAfterArchiveMonths, 0)
		updates["archived_at"] = now
		updates["permanently_deleted_at"] = deleteAt
	case from == domain.ConversationArchived && to == domain.ConversationResolved:
		updates["archived_at"] = nil
		updates["permanently_deleted_at"] = nil
	case from == domain.ConversationResolved && to == domain.ConversationActive:
		updates["resolved_at"] = nil
	}

	result := db.Model(&domain.Conversation{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// 다른 요청이 먼저 상태를 바꿈
		return nil, common.Wrap(common.CodeInvalidTransition, "conversation status changed concurrently", nil)
	}

	return r.FindByID(ctx, id)
}

// Archive resolved -> archived, permanently_deleted_at = archived_at + 6개월
func (r *conversationRepository) Archive(ctx context.Context, id string) (*domain.Conversation, error) {
	return r.UpdateStatus(ctx, id, domain.ConversationArchived)
}

// Restore archived -> resolved (보관 해제), resolved -> active (재개)
func (r *conversationRepository) Restore(ctx context.Context, id string) (*domain.Conversation, error) {
	conv, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch conv.Status {
	case domain.ConversationArchived:
		return r.UpdateStatus(ctx, id, domain.ConversationResolved)
	case domain.ConversationResolved:
		return r.UpdateStatus(ctx, id, domain.ConversationActive)
	default:
		return nil, common.Wrap(common.CodeInvalidTransition, "conversation is already active", nil)
	}
}

func (r *conversationRepository) ListByBagIDs(ctx context.Context, bagIDs []string) ([]domain.Conversation, error) {
	var convs []domain.Conversation
	if len(bagIDs) == 0 {
		return convs, nil
	}
	err := r.db.WithContext(ctx).
		Where("bag_id IN ?", bagIDs).
		Order("last_message_at DESC").
		Find(&convs).Error
	return convs, err
}

// ListArchivedByBagIDs 보관된 대화, 최근 보관 순
func (r *conversationRepository) ListArchivedByBagIDs(ctx context.Context, bagIDs []string) ([]domain.Conversation, error) {
	var convs []domain.Conversation
	if len(bagIDs) == 0 {
		return convs, nil
	}
	err := r.db.WithContext(ctx).
		Where("bag_id IN ? AND status = ?", bagIDs, domain.ConversationArchived).
		Order("archived_at DESC").
		Find(&convs).Error
	return convs, err
}

// ListActive 활성 대화를 id 순으로 키셋 페이지네이션
func (r *conversationRepository) ListActive(ctx context.Context, afterID string, limit int) ([]domain.Conversation, error) {
	var convs []domain.Conversation
	err := r.db.WithContext(ctx).
		Select("id", "bag_id", "status", "finder_notifications_sent", "owner_notifications_sent", "counters_synced_at").
		Where("status = ? AND id > ?", domain.ConversationActive, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&convs).Error
	return convs, err
}

func (r *conversationRepository) UpdateNotificationMirror(ctx context.Context, id string, counters domain.NotificationCounters) error {
	return r.db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"finder_notifications_sent": counters.FinderSent,
			"owner_notifications_sent":  counters.OwnerSent,
			"counters_synced_at":        r.now(),
		}).Error
}

// UnreadCounts 소유자가 읽지 않은 발견자 메시지 수 (메시지 행 기준 진실값)
func (r *conversationRepository) UnreadCounts(ctx context.Context, conversationIDs []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return counts, nil
	}

	var rows []struct {
		ConversationID string
		Count          int64
	}
	err := r.db.WithContext(ctx).Model(&domain.ConversationMessage{}).
		Select("conversation_id, COUNT(*) AS count").
		Where("conversation_id IN ? AND sender_role = ? AND read_at IS NULL", conversationIDs, domain.RoleFinder).
		Group("conversation_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, id := range conversationIDs {
		counts[id] = 0
	}
	for _, row := range rows {
		counts[row.ConversationID] = row.Count
	}
	return counts, nil
}

// UnreadCountsByBag 가방별 미읽음 합계 (상태와 무관하게 모든 대화)
func (r *conversationRepository) UnreadCountsByBag(ctx context.Context, bagIDs []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(bagIDs))
	if len(bagIDs) == 0 {
		return counts, nil
	}

	var rows []struct {
		BagID string
		Count int64
	}
	err := r.db.WithContext(ctx).Model(&domain.ConversationMessage{}).
		Select("conversations.bag_id AS bag_id, COUNT(*) AS count").
		Joins("JOIN conversations ON conversations.id = conversation_messages.conversation_id").
		Where("conversations.bag_id IN ? AND conversation_messages.sender_role = ? AND conversation_messages.read_at IS NULL",
			bagIDs, domain.RoleFinder).
		Group("conversations.bag_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, id := range bagIDs {
		counts[id] = 0
	}
	for _, row := range rows {
		counts[row.BagID] = row.Count
	}
	return counts, nil
}

// AutoArchiveResolvedOlderThan resolved 상태로 days일 이상 지난 대화를 보관.
// 대화마다 조건부 UPDATE를 하므로 무관한 대화를 잠그지 않고 반복 실행해도 안전하다.
func (r *conversationRepository) AutoArchiveResolvedOlderThan(ctx context.Context, days int) ([]domain.ConversationRef, error) {
	db := r.db.WithContext(ctx)
	now := r.now()
	cutoff := now.AddDate(0, 0, -days)

	var candidates []domain.Conversation
	if err := db.Select("id", "bag_id").
		Where("status = ? AND resolved_at IS NOT NULL AND resolved_at <= ?", domain.ConversationResolved, cutoff).
		Find(&candidates).Error; err != nil {
		return nil, err
	}

	archived := make([]domain.ConversationRef, 0, len(candidates))
	for _, c := range candidates {
		result := db.Model(&domain.Conversation{}).
			Where("id = ? AND status = ?", c.ID, domain.ConversationResolved).
			Updates(map[string]interface{}{
				"status":                 domain.ConversationArchived,
				"archived_at":            now,
				"permanently_deleted_at": now.AddDate(0, domain.RetentionAfterArchiveMonths, 0),
				"updated_at":             now,
			})
		if result.Error != nil {
			return archived, result.Error
		}
		if result.RowsAffected == 1 {
			archived = append(archived, domain.ConversationRef{ID: c.ID, BagID: c.BagID})
		}
	}
	return archived, nil
}

// PermanentlyDeleteExpired permanently_deleted_at이 지난 보관 대화와 메시지를 영구 삭제
func (r *conversationRepository) PermanentlyDeleteExpired(ctx context.Context) ([]domain.ConversationRef, error) {
	db := r.db.WithContext(ctx)
	now := r.now()

	var candidates []domain.Conversation
	if err := db.Select("id", "bag_id").
		Where("status = ? AND permanently_deleted_at IS NOT NULL AND permanently_deleted_at <= ?", domain.ConversationArchived, now).
		Find(&candidates).Error; err != nil {
		return nil, err
	}

	deleted := make([]domain.ConversationRef, 0, len(candidates))
	for _, c := range candidates {
		err := db.Transaction(func(tx *gorm.DB) error {
			result := tx.Where("id = ? AND status = ? AND permanently_deleted_at <= ?", c.ID, domain.ConversationArchived, now).
				Delete(&domain.Conversation{})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return errSkip // 그 사이 복원됨
			}
			return tx.Where("conversation_id = ?", c.ID).Delete(&domain.ConversationMessage{}).Error
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		deleted = append(deleted, domain.ConversationRef{ID: c.ID, BagID: c.BagID})
	}
	return deleted, nil
}

var errSkip = errors.New("skip")
