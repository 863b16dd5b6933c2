package migration

import (
	"fmt"

	"github.com/damoang/bagtag-backend/internal/domain"
	"gorm.io/gorm"
)

// Models 마이그레이션 대상 테이블 (생성 순서 = FK 의존 순서)
func Models() []interface{} {
	return []interface{}{
		&domain.Bag{},
		&domain.Contact{},
		&domain.Conversation{},
		&domain.ConversationMessage{},
		&domain.NotificationJob{},
		&domain.NotificationPreference{},
	}
}

// 복합 인덱스는 태그로 표현하기 어려워 별도로 만든다
var indexes = []struct {
	name string
	sql  string
}{
	{
		name: "idx_messages_unread",
		sql:  "CREATE INDEX IF NOT EXISTS idx_messages_unread ON conversation_messages (conversation_id, sender_role) WHERE read_at IS NULL",
	},
	{
		name: "idx_conversations_bag_status",
		sql:  "CREATE INDEX IF NOT EXISTS idx_conversations_bag_status ON conversations (bag_id, status, last_message_at)",
	},
	{
		name: "idx_jobs_due",
		sql:  "CREATE INDEX IF NOT EXISTS idx_jobs_due ON notification_jobs (status, next_attempt_at)",
	},
}

// Run executes AutoMigrate for every table and creates composite indexes.
func Run(db *gorm.DB) error {
	// 1. AutoMigrate - 테이블 없으면 생성, 있으면 컬럼만 보강
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	// 2. 복합/부분 인덱스
	for _, idx := range indexes {
		if err := db.Exec(idx.sql).Error; err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// Drop 모든 테이블 삭제 (역순). 로컬 초기화 전용
func Drop(db *gorm.DB) error {
	models := Models()
	for i := len(models) - 1; i >= 0; i-- {
		if err := db.Migrator().DropTable(models[i]); err != nil {
			return err
		}
	}
	return nil
}
