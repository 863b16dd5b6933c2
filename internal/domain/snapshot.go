package domain

import "time"

// ConversationSnapshot 대화 스레드의 단일 내부 표현.
// 저장소와 캐시에는 암호문 상태로 존재하고, 호출자에게 반환하기 직전
// Transform(Decrypt)으로 평문 사본을 만든다.
type ConversationSnapshot struct {
	LastMessageAt        time.Time          `json:"last_message_at"`
	CreatedAt            time.Time          `json:"created_at"`
	ResolvedAt           *time.Time         `json:"resolved_at,omitempty"`
	ArchivedAt           *time.Time         `json:"archived_at,omitempty"`
	PermanentlyDeletedAt *time.Time         `json:"permanently_deleted_at,omitempty"`
	FinderEmail          *string            `json:"finder_email,omitempty"`
	FinderEmailHash      *string            `json:"finder_email_hash,omitempty"`
	FinderName           *string            `json:"finder_name,omitempty"`
	Bag                  BagSnapshot        `json:"bag"`
	ID                   string             `json:"id"`
	Status               ConversationStatus `json:"status"`
	Messages             []MessageSnapshot  `json:"messages"`
}

// BagSnapshot 스레드에 포함되는 가방 메타데이터
type BagSnapshot struct {
	OwnerName      *string   `json:"owner_name,omitempty"`
	OwnerMessage   *string   `json:"owner_message,omitempty"`
	OwnerEmail     *string   `json:"owner_email,omitempty"`
	OwnerEmailHash *string   `json:"owner_email_hash,omitempty"`
	ID             string    `json:"id"`
	ShortID        string    `json:"short_id"`
	Status         BagStatus `json:"status"`
}

// MessageSnapshot 스레드 내 메시지
type MessageSnapshot struct {
	SentAt     time.Time  `json:"sent_at"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
	ID         string     `json:"id"`
	SenderRole Role       `json:"sender_role"`
	Content    string     `json:"content"`
}

// NewSnapshot builds a snapshot from stored rows (messages must be ordered by sent_at)
func NewSnapshot(conv *Conversation, bag *Bag, messages []ConversationMessage) *ConversationSnapshot {
	s := &ConversationSnapshot{
		ID:                   conv.ID,
		Status:               conv.Status,
		FinderEmail:          conv.FinderEmail,
		FinderEmailHash:      conv.FinderEmailHash,
		FinderName:           conv.FinderName,
		LastMessageAt:        conv.LastMessageAt,
		CreatedAt:            conv.CreatedAt,
		ResolvedAt:           conv.ResolvedAt,
		ArchivedAt:           conv.ArchivedAt,
		PermanentlyDeletedAt: conv.PermanentlyDeletedAt,
		Bag: BagSnapshot{
			ID:             bag.ID,
			ShortID:        bag.ShortID,
			Status:         bag.Status,
			OwnerName:      bag.OwnerName,
			OwnerMessage:   bag.OwnerMessage,
			OwnerEmail:     bag.OwnerEmail,
			OwnerEmailHash: bag.OwnerEmailHash,
		},
		Messages: make([]MessageSnapshot, len(messages)),
	}
	for i, m := range messages {
		s.Messages[i] = MessageSnapshot{
			ID:         m.ID,
			SenderRole: m.SenderRole,
			Content:    m.Content,
			SentAt:     m.SentAt,
			ReadAt:     m.ReadAt,
		}
	}
	return s
}

// Transform returns a copy with fn applied to every encrypted field
// (message contents, finder email, owner email).
func (s *ConversationSnapshot) Transform(fn func(string) (string, error)) (*ConversationSnapshot, error) {
	out := *s
	out.Messages = make([]MessageSnapshot, len(s.Messages))

	apply := func(v *string) (*string, error) {
		if v == nil {
			return nil, nil
		}
		r, err := fn(*v)
		if err != nil {
			return nil, err
		}
		return &r, nil
	}

	var err error
	if out.FinderEmail, err = apply(s.FinderEmail); err != nil {
		return nil, err
	}
	if out.Bag.OwnerEmail, err = apply(s.Bag.OwnerEmail); err != nil {
		return nil, err
	}
	for i, m := range s.Messages {
		content, err := fn(m.Content)
		if err != nil {
			return nil, err
		}
		m.Content = content
		out.Messages[i] = m
	}
	return &out, nil
}

// History returns sender roles in order; used by the message-context classifier
func (s *ConversationSnapshot) History() []Role {
	roles := make([]Role, len(s.Messages))
	for i, m := range s.Messages {
		roles[i] = m.SenderRole
	}
	return roles
}

// Redacted strips identity fields before the snapshot leaves the core
func (s *ConversationSnapshot) Redacted() *ConversationSnapshot {
	out := *s
	out.FinderEmail = nil
	out.FinderEmailHash = nil
	out.Bag.OwnerEmail = nil
	out.Bag.OwnerEmailHash = nil
	return &out
}
