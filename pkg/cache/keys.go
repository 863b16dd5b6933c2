package cache

import "time"

// TTL 상수 정의
const (
	TTLThread       = 10 * time.Minute    // 대화 스레드 스냅샷
	TTLOwnerList    = 5 * time.Minute     // 소유자 대시보드 목록
	TTLExists       = 1 * time.Minute     // 존재 여부 (짧게)
	TTLNotification = 90 * 24 * time.Hour // 알림 카운터 (리텐션 이후 정리)
	TTLMagicLinkUse = 7 * 24 * time.Hour  // 사용된 매직링크 jti
)

// 캐시 키 접두사
const (
	PrefixThread        = "conversation:thread:"
	PrefixOwnerList     = "conversations:owner:"
	PrefixExists        = "conversation:exists:"
	PrefixUnreadBag     = "unread:bag:"
	PrefixUnreadConv    = "unread:conversation:"
	PrefixNotifications = "notifications:conversation:"
	PrefixMagicLinkUsed = "magiclink:used:"
)

func ThreadKey(conversationID string) string {
	return PrefixThread + conversationID
}

func OwnerListKey(ownerHash string) string {
	return PrefixOwnerList + ownerHash
}

func ExistsKey(conversationID string) string {
	return PrefixExists + conversationID
}

func UnreadBagKey(bagID string) string {
	return PrefixUnreadBag + bagID
}

func UnreadConvKey(conversationID string) string {
	return PrefixUnreadConv + conversationID
}

func NotificationKey(conversationID string) string {
	return PrefixNotifications + conversationID
}

func MagicLinkUsedKey(jti string) string {
	return PrefixMagicLinkUsed + jti
}
