package domain

import "time"

// NotificationKind 알림 종류
type NotificationKind string

const (
	KindNewConversation NotificationKind = "new_conversation" // 소유자: 새 대화 시작
	KindFinderWelcome   NotificationKind = "finder_welcome"   // 발견자: 대화 복귀용 매직링크
	KindNewMessage      NotificationKind = "new_message"      // 상대방 답장
	KindResolved        NotificationKind = "conversation_resolved"
)

// MessageContext 새 메시지의 맥락 분류
type MessageContext string

const (
	ContextInitial  MessageContext = "initial"
	ContextFollowUp MessageContext = "follow-up"
	ContextResponse MessageContext = "response"
)

// JobStatus 알림 작업 상태
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// NotificationJob 발송 큐 작업 (notification_jobs table)
type NotificationJob struct {
	NextAttemptAt  time.Time        `gorm:"column:next_attempt_at;not null;index"`
	CreatedAt      time.Time        `gorm:"column:created_at;index"`
	UpdatedAt      time.Time        `gorm:"column:updated_at"`
	LockedUntil    *time.Time       `gorm:"column:locked_until"`
	CompletedAt    *time.Time       `gorm:"column:completed_at;index"`
	LastError      *string          `gorm:"column:last_error;type:text"`
	ID             string           `gorm:"column:id;type:varchar(36);primaryKey"`
	IdempotencyKey string           `gorm:"column:idempotency_key;type:varchar(128);uniqueIndex;not null"`
	Kind           NotificationKind `gorm:"column:kind;type:varchar(32);not null"`
	ConversationID string           `gorm:"column:conversation_id;type:varchar(36);index"`
	RecipientRole  Role             `gorm:"column:recipient_role;type:varchar(16)"`
	Recipient      string           `gorm:"column:recipient;type:text;not null"` // 암호문
	Subject        string           `gorm:"column:subject;not null"`
	HTMLBody       string           `gorm:"column:html_body;type:text"`
	TextBody       string           `gorm:"column:text_body;type:text"`
	Status         JobStatus        `gorm:"column:status;type:varchar(16);index;not null"`
	Attempts       int              `gorm:"column:attempts;not null"`
	MaxAttempts    int              `gorm:"column:max_attempts;not null"`
}

func (NotificationJob) TableName() string {
	return "notification_jobs"
}

// NotificationPreference 수신자별 알림 수신 설정 (notification_preferences table)
// 행이 없으면 수신 허용으로 간주
type NotificationPreference struct {
	UpdatedAt time.Time        `gorm:"column:updated_at"`
	EmailHash string           `gorm:"column:email_hash;type:varchar(64);primaryKey"`
	Kind      NotificationKind `gorm:"column:kind;type:varchar(32);primaryKey"`
	Enabled   bool             `gorm:"column:enabled;not null"`
}

func (NotificationPreference) TableName() string {
	return "notification_preferences"
}

// Notification 큐에 넣을 논리적 알림
type Notification struct {
	Kind           NotificationKind
	ConversationID string
	RecipientRole  Role
	Recipient      string // 평문 이메일, 큐 저장 시 암호화
	Subject        string
	HTMLBody       string
	TextBody       string
	// UniquenessToken 같은 논리 알림의 재시도가 같은 키를 갖도록 하는 값 (예: 메시지 ID)
	UniquenessToken string
}

// NotificationCounters 대화별 역할별 미응답 알림 수
type NotificationCounters struct {
	FinderSent int64 `json:"finder_sent"`
	OwnerSent  int64 `json:"owner_sent"`
}

// For returns the counter for the given recipient role
func (c NotificationCounters) For(role Role) int64 {
	if role == RoleFinder {
		return c.FinderSent
	}
	return c.OwnerSent
}
