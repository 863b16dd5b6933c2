package domain

import "time"

// BagStatus 가방 태그 상태
type BagStatus string

const (
	BagStatusActive   BagStatus = "active"
	BagStatusDisabled BagStatus = "disabled"
)

// Bag represents a physical item's tag record (bags table)
type Bag struct {
	CreatedAt              time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt              time.Time `gorm:"column:updated_at" json:"updated_at"`
	OwnerName              *string   `gorm:"column:owner_name" json:"owner_name,omitempty"`
	OwnerMessage           *string   `gorm:"column:owner_message;type:text" json:"owner_message,omitempty"`
	OwnerEmail             *string   `gorm:"column:owner_email" json:"-"`
	OwnerEmailHash         *string   `gorm:"column:owner_email_hash;type:varchar(64);index" json:"-"`
	ID                     string    `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	ShortID                string    `gorm:"column:short_id;type:varchar(32);uniqueIndex;not null" json:"short_id"`
	Status                 BagStatus `gorm:"column:status;type:varchar(16);not null" json:"status"`
	Contacts               []Contact `gorm:"foreignKey:BagID;constraint:OnDelete:CASCADE" json:"contacts,omitempty"`
	SecureMessagingEnabled bool      `gorm:"column:secure_messaging_enabled;not null" json:"secure_messaging_enabled"`
}

func (Bag) TableName() string {
	return "bags"
}

// AcceptsMessages 새 대화를 받을 수 있는 상태인지
func (b *Bag) AcceptsMessages() bool {
	return b.Status == BagStatusActive && b.SecureMessagingEnabled
}

// Contact 가방에 등록된 연락 수단 (bag_contacts table)
type Contact struct {
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	ID        string    `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	BagID     string    `gorm:"column:bag_id;type:varchar(36);index;not null" json:"bag_id"`
	Type      string    `gorm:"column:type;type:varchar(16)" json:"type"` // phone, email, other
	Label     string    `gorm:"column:label" json:"label,omitempty"`
	Value     string    `gorm:"column:value" json:"value"`
}

func (Contact) TableName() string {
	return "bag_contacts"
}

// OwnerBagSummary 대시보드용 가방별 집계
type OwnerBagSummary struct {
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	OwnerName     *string    `json:"owner_name,omitempty"`
	BagID         string     `json:"bag_id"`
	ShortID       string     `json:"short_id"`
	Status        BagStatus  `json:"status"`
	ActiveCount   int64      `json:"active_count"`
	ResolvedCount int64      `json:"resolved_count"`
	ArchivedCount int64      `json:"archived_count"`
	UnreadCount   int64      `json:"unread_count"`
}

// OwnerDashboard 소유자 대시보드 응답
type OwnerDashboard struct {
	Bags        []OwnerBagSummary `json:"bags"`
	TotalUnread int64             `json:"total_unread"`
	GeneratedAt time.Time         `json:"generated_at"`
}
