package domain

import "time"

// ConversationStatus 대화 상태
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationResolved ConversationStatus = "resolved"
	ConversationArchived ConversationStatus = "archived"
)

// Role 대화 참여자 역할
type Role string

const (
	RoleFinder Role = "finder"
	RoleOwner  Role = "owner"
)

// Opposite returns the other party's role
func (r Role) Opposite() Role {
	if r == RoleFinder {
		return RoleOwner
	}
	return RoleFinder
}

// Valid reports whether r is finder or owner
func (r Role) Valid() bool {
	return r == RoleFinder || r == RoleOwner
}

// RetentionAfterArchiveMonths 보관 후 영구 삭제까지의 기간 (개월)
const RetentionAfterArchiveMonths = 6

// legalTransitions 허용되는 상태 전이
// resolved -> active 는 소유자의 재개(restore) 동작
var legalTransitions = map[ConversationStatus][]ConversationStatus{
	ConversationActive:   {ConversationResolved},
	ConversationResolved: {ConversationArchived, ConversationActive},
	ConversationArchived: {ConversationResolved},
}

// CanTransition reports whether from -> to is a legal lifecycle move
func CanTransition(from, to ConversationStatus) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Conversation 발견자와 소유자 사이의 대화 (conversations table)
type Conversation struct {
	LastMessageAt        time.Time             `gorm:"column:last_message_at;not null;index" json:"last_message_at"`
	CreatedAt            time.Time             `gorm:"column:created_at" json:"created_at"`
	UpdatedAt            time.Time             `gorm:"column:updated_at" json:"updated_at"`
	ResolvedAt           *time.Time            `gorm:"column:resolved_at;index" json:"resolved_at,omitempty"`
	ArchivedAt           *time.Time            `gorm:"column:archived_at" json:"archived_at,omitempty"`
	PermanentlyDeletedAt *time.Time            `gorm:"column:permanently_deleted_at;index" json:"permanently_deleted_at,omitempty"`
	CountersSyncedAt     *time.Time            `gorm:"column:counters_synced_at" json:"-"`
	FinderEmail          *string               `gorm:"column:finder_email;type:text" json:"-"` // 암호문
	FinderEmailHash      *string               `gorm:"column:finder_email_hash;type:varchar(64);index" json:"-"`
	FinderName           *string               `gorm:"column:finder_name" json:"finder_name,omitempty"`
	ID                   string                `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	BagID                string                `gorm:"column:bag_id;type:varchar(36);index;not null" json:"bag_id"`
	Status               ConversationStatus    `gorm:"column:status;type:varchar(16);index;not null" json:"status"`
	Messages             []ConversationMessage `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
	// 캐시 카운터의 내구성 미러 (CounterSyncJob이 주기적으로 기록)
	FinderNotificationsSent int64 `gorm:"column:finder_notifications_sent;not null;default:0" json:"-"`
	OwnerNotificationsSent  int64 `gorm:"column:owner_notifications_sent;not null;default:0" json:"-"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// ConversationMessage 대화의 한 턴 (conversation_messages table)
type ConversationMessage struct {
	SentAt         time.Time  `gorm:"column:sent_at;not null;index" json:"sent_at"`
	ReadAt         *time.Time `gorm:"column:read_at" json:"read_at,omitempty"`
	ID             string     `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	ConversationID string     `gorm:"column:conversation_id;type:varchar(36);index;not null" json:"conversation_id"`
	SenderRole     Role       `gorm:"column:sender_role;type:varchar(16);not null" json:"sender_role"`
	Content        string     `gorm:"column:content;type:text;not null" json:"content"` // 암호문
}

func (ConversationMessage) TableName() string {
	return "conversation_messages"
}

// ConversationRef 일괄 처리 결과로 돌려주는 최소 식별 정보
type ConversationRef struct {
	ID    string `json:"id"`
	BagID string `json:"bag_id"`
}
