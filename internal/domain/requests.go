package domain

// Viewer 요청 주체 (세션에서 확인된 역할과 이메일)
type Viewer struct {
	Role  Role   `json:"role" validate:"required,oneof=finder owner"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
}

// StartConversationRequest 발견자의 첫 메시지
type StartConversationRequest struct {
	BagShortID     string `json:"-" validate:"required,max=32"`
	Message        string `json:"message" validate:"notblank,max=5000"`
	FinderEmail    string `json:"finder_email,omitempty" validate:"omitempty,email,max=254"`
	FinderName     string `json:"finder_name,omitempty" validate:"omitempty,max=100"`
	TurnstileToken string `json:"turnstile_token" validate:"max=4096"`
	RemoteIP       string `json:"-"`
}

// SendReplyRequest 기존 대화에 답장
type SendReplyRequest struct {
	ConversationID string `json:"-" validate:"required,uuid"`
	Content        string `json:"content" validate:"notblank,max=5000"`
	Sender         Viewer `json:"-"`
}

// ThreadRequest 스레드 조회
type ThreadRequest struct {
	ConversationID string `validate:"required,uuid"`
	Viewer         Viewer
}

// OwnerActionRequest resolve / archive / restore
type OwnerActionRequest struct {
	ConversationID string `validate:"required,uuid"`
	OwnerEmail     string `validate:"required,email"`
}

// BagStatusRequest 소유자의 가방 상태 변경
type BagStatusRequest struct {
	BagID      string    `json:"-" validate:"required,uuid"`
	OwnerEmail string    `json:"-" validate:"required,email"`
	Status     BagStatus `json:"status" validate:"required,oneof=active disabled"`
}

// RotateShortIDRequest short id 교체. ShortID가 비어 있으면 서버가 생성
type RotateShortIDRequest struct {
	BagID      string `json:"-" validate:"required,uuid"`
	OwnerEmail string `json:"-" validate:"required,email"`
	ShortID    string `json:"short_id,omitempty" validate:"omitempty,alphanum,min=4,max=32"`
}

// StartConversationResult 대화 생성 결과
type StartConversationResult struct {
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	Context        MessageContext `json:"context"`
}

// SendReplyResult 답장 결과
type SendReplyResult struct {
	MessageID string         `json:"message_id"`
	Context   MessageContext `json:"context"`
	Notified  bool           `json:"notified"`
}

// ArchivedConversation 보관된 대화 목록 항목
type ArchivedConversation struct {
	ID                   string  `json:"id"`
	BagID                string  `json:"bag_id"`
	BagShortID           string  `json:"bag_short_id"`
	FinderName           *string `json:"finder_name,omitempty"`
	ArchivedAt           string  `json:"archived_at"`
	PermanentlyDeletedAt string  `json:"permanently_deleted_at"`
}
