package service

import (
	"context"
	"errors"
	"strconv"

	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/damoang/bagtag-backend/pkg/cache"
)

// CounterStore 대화별 역할별 알림 카운터.
//
// 캐시가 실시간 원본이고 DB의 notifications_sent 컬럼은 CounterSyncJob이 주기적으로
// 기록하는 내구성 백업이다. ReconcileFromSource는 캐시에 값이 있으면 절대 덮어쓰지 않고
// 차이만 보고하며, 캐시 항목이 사라진 경우(Redis 재시작 등)에만 미러 값으로 채운다.
// 캐시가 없으면 모든 연산이 cache.ErrUnavailable로 실패한다.
type CounterStore interface {
	Get(ctx context.Context, conversationID string) (domain.NotificationCounters, error)
	Lookup(ctx context.Context, conversationID string) (domain.NotificationCounters, bool, error)
	Increment(ctx context.Context, conversationID string, recipient domain.Role) (int64, error)
	TryReserve(ctx context.Context, conversationID string, recipient domain.Role, limit int64) (bool, error)
	Release(ctx context.Context, conversationID string, recipient domain.Role) error
	Reset(ctx context.Context, conversationID string, sender domain.Role) error
	ReconcileFromSource(ctx context.Context, conversationID string, mirror domain.NotificationCounters) (CounterDrift, error)
	Delete(ctx context.Context, conversationIDs ...string) error
}

// CounterDrift 캐시와 미러 비교 결과
type CounterDrift struct {
	Cached  domain.NotificationCounters
	Mirror  domain.NotificationCounters
	Seeded  bool // 캐시가 비어 있어 미러로 채움
	Drifted bool
}

type notificationCounterStore struct {
	cache cache.Service
}

// NewCounterStore creates a Redis-hash backed CounterStore
func NewCounterStore(c cache.Service) CounterStore {
	return &notificationCounterStore{cache: c}
}

// Get 카운터 조회. 처음 접근하면 {0,0}으로 초기화
// HINCRBY 0은 없는 필드만 0으로 만들고 기존 값은 건드리지 않는다.
func (s *notificationCounterStore) Get(ctx context.Context, conversationID string) (domain.NotificationCounters, error) {
	key := cache.NotificationKey(conversationID)
	finder, err := s.cache.HIncrBy(ctx, key, string(domain.RoleFinder), 0)
	if err != nil {
		return domain.NotificationCounters{}, err
	}
	owner, err := s.cache.HIncrBy(ctx, key, string(domain.RoleOwner), 0)
	if err != nil {
		return domain.NotificationCounters{}, err
	}
	counters := domain.NotificationCounters{FinderSent: finder, OwnerSent: owner}
	return counters, s.cache.Expire(ctx, key, cache.TTLNotification)
}

// Lookup 초기화 없이 조회. 캐시 항목이 없으면 ok=false
func (s *notificationCounterStore) Lookup(ctx context.Context, conversationID string) (domain.NotificationCounters, bool, error) {
	fields, err := s.cache.HGetAll(ctx, cache.NotificationKey(conversationID))
	if err != nil {
		return domain.NotificationCounters{}, false, err
	}
	if len(fields) == 0 {
		return domain.NotificationCounters{}, false, nil
	}
	return parseCounters(fields), true, nil
}

// Increment 수신자 카운터 +1 (HINCRBY)
func (s *notificationCounterStore) Increment(ctx context.Context, conversationID string, recipient domain.Role) (int64, error) {
	key := cache.NotificationKey(conversationID)
	n, err := s.cache.HIncrBy(ctx, key, string(recipient), 1)
	if err != nil {
		return 0, err
	}
	return n, s.cache.Expire(ctx, key, cache.TTLNotification)
}

// TryReserve 수신자 카운터가 limit 미만이면 원자적으로 +1 하고 true.
// 동시에 들어온 답장이 같은 슬롯을 두 번 쓰지 못한다.
func (s *notificationCounterStore) TryReserve(ctx context.Context, conversationID string, recipient domain.Role, limit int64) (bool, error) {
	_, ok, err := s.cache.HIncrBelow(ctx, cache.NotificationKey(conversationID), string(recipient), limit, cache.TTLNotification)
	return ok, err
}

// Release 예약했지만 발송하지 못한 슬롯 반환
func (s *notificationCounterStore) Release(ctx context.Context, conversationID string, recipient domain.Role) error {
	key := cache.NotificationKey(conversationID)
	n, err := s.cache.HIncrBy(ctx, key, string(recipient), -1)
	if err != nil {
		return err
	}
	if n < 0 {
		return s.cache.HSet(ctx, key, map[string]int64{string(recipient): 0})
	}
	return nil
}

// Reset 발신자가 메시지를 보내면 그 발신자에 대한 스로틀을 0으로
func (s *notificationCounterStore) Reset(ctx context.Context, conversationID string, sender domain.Role) error {
	key := cache.NotificationKey(conversationID)
	if err := s.cache.HSet(ctx, key, map[string]int64{string(sender): 0}); err != nil {
		return err
	}
	return s.cache.Expire(ctx, key, cache.TTLNotification)
}

func (s *notificationCounterStore) ReconcileFromSource(ctx context.Context, conversationID string, mirror domain.NotificationCounters) (CounterDrift, error) {
	key := cache.NotificationKey(conversationID)
	fields, err := s.cache.HGetAll(ctx, key)
	if err != nil {
		return CounterDrift{}, err
	}

	drift := CounterDrift{Mirror: mirror}
	if len(fields) == 0 {
		seed := map[string]int64{
			string(domain.RoleFinder): mirror.FinderSent,
			string(domain.RoleOwner):  mirror.OwnerSent,
		}
		if err := s.cache.HSet(ctx, key, seed); err != nil {
			return drift, err
		}
		drift.Cached = mirror
		drift.Seeded = true
		return drift, s.cache.Expire(ctx, key, cache.TTLNotification)
	}

	drift.Cached = parseCounters(fields)
	drift.Drifted = drift.Cached != mirror
	return drift, nil
}

func (s *notificationCounterStore) Delete(ctx context.Context, conversationIDs ...string) error {
	if len(conversationIDs) == 0 {
		return nil
	}
	keys := make([]string, len(conversationIDs))
	for i, id := range conversationIDs {
		keys[i] = cache.NotificationKey(id)
	}
	return s.cache.Delete(ctx, keys...)
}

func parseCounters(fields map[string]string) domain.NotificationCounters {
	var c domain.NotificationCounters
	c.FinderSent, _ = strconv.ParseInt(fields[string(domain.RoleFinder)], 10, 64)
	c.OwnerSent, _ = strconv.ParseInt(fields[string(domain.RoleOwner)], 10, 64)
	return c
}

// UnreadCounter 소유자가 읽지 않은 발견자 메시지 수 (가방별, 대화별)
type UnreadCounter interface {
	OnFinderMessage(ctx context.Context, bagID, conversationID string) error
	OnRead(ctx context.Context, bagID, conversationID string, n int64) error
	Bag(ctx context.Context, bagID string) (int64, error)
	Conversation(ctx context.Context, conversationID string) (int64, error)
	SetBag(ctx context.Context, bagID string, n int64) error
	SetConversation(ctx context.Context, conversationID string, n int64) error
	Delete(ctx context.Context, conversationIDs ...string) error
}

type unreadCounter struct {
	cache cache.Service
}

// NewUnreadCounter creates a Redis-backed UnreadCounter
func NewUnreadCounter(c cache.Service) UnreadCounter {
	return &unreadCounter{cache: c}
}

func (u *unreadCounter) OnFinderMessage(ctx context.Context, bagID, conversationID string) error {
	if _, err := u.cache.IncrBy(ctx, cache.UnreadConvKey(conversationID), 1); err != nil {
		return err
	}
	_, err := u.cache.IncrBy(ctx, cache.UnreadBagKey(bagID), 1)
	return err
}

func (u *unreadCounter) OnRead(ctx context.Context, bagID, conversationID string, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := u.cache.DecrByFloor(ctx, cache.UnreadConvKey(conversationID), n); err != nil {
		return err
	}
	_, err := u.cache.DecrByFloor(ctx, cache.UnreadBagKey(bagID), n)
	return err
}

// Bag returns cache.ErrMiss when the counter has never been written
func (u *unreadCounter) Bag(ctx context.Context, bagID string) (int64, error) {
	return u.cache.GetInt(ctx, cache.UnreadBagKey(bagID))
}

func (u *unreadCounter) Conversation(ctx context.Context, conversationID string) (int64, error) {
	return u.cache.GetInt(ctx, cache.UnreadConvKey(conversationID))
}

func (u *unreadCounter) SetBag(ctx context.Context, bagID string, n int64) error {
	return u.cache.SetInt(ctx, cache.UnreadBagKey(bagID), n)
}

func (u *unreadCounter) SetConversation(ctx context.Context, conversationID string, n int64) error {
	return u.cache.SetInt(ctx, cache.UnreadConvKey(conversationID), n)
}

func (u *unreadCounter) Delete(ctx context.Context, conversationIDs ...string) error {
	if len(conversationIDs) == 0 {
		return nil
	}
	keys := make([]string, len(conversationIDs))
	for i, id := range conversationIDs {
		keys[i] = cache.UnreadConvKey(id)
	}
	return u.cache.Delete(ctx, keys...)
}

// isMiss cache miss or unset counter
func isMiss(err error) bool {
	return errors.Is(err, cache.ErrMiss)
}
