package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/damoang/bagtag-backend/internal/common"
	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/damoang/bagtag-backend/internal/repository"
	"github.com/damoang/bagtag-backend/pkg/cache"
	"github.com/damoang/bagtag-backend/pkg/fieldcrypt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OwnerService 소유자 대시보드, 보관함, 가방 삭제
type OwnerService struct {
	bagRepo  repository.BagRepository
	convRepo repository.ConversationRepository
	cache    cache.Service
	crypt    fieldcrypt.Gateway
	unread   UnreadCounter
	log      zerolog.Logger
	now      func() time.Time
}

// NewOwnerService creates a new OwnerService
func NewOwnerService(bagRepo repository.BagRepository, convRepo repository.ConversationRepository, c cache.Service,
	crypt fieldcrypt.Gateway, unread UnreadCounter, log zerolog.Logger) *OwnerService {
	return &OwnerService{
		bagRepo:  bagRepo,
		convRepo: convRepo,
		cache:    c,
		crypt:    crypt,
		unread:   unread,
		log:      log,
		now:      repository.SystemClock,
	}
}

func (s *OwnerService) ownerHash(email string) (string, error) {
	if strings.TrimSpace(email) == "" {
		return "", common.ErrAccessDenied
	}
	return s.crypt.HashForLookup(email)
}

// Dashboard 소유자의 모든 가방과 대화/미읽음 집계.
// 캐시(5분)에 없거나 캐시를 쓸 수 없으면 실시간 집계로 대체한다.
func (s *OwnerService) Dashboard(ctx context.Context, ownerEmail string) (*domain.OwnerDashboard, error) {
	hash, err := s.ownerHash(ownerEmail)
	if err != nil {
		return nil, err
	}

	var cached domain.OwnerDashboard
	err = s.cache.Get(ctx, cache.OwnerListKey(hash), &cached)
	switch {
	case err == nil:
		return &cached, nil
	case isMiss(err), errors.Is(err, cache.ErrUnavailable):
	default:
		s.log.Warn().Err(err).Msg("dashboard cache read failed")
	}

	dashboard, err := s.aggregate(ctx, hash)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, cache.OwnerListKey(hash), dashboard, cache.TTLOwnerList); err != nil {
		s.log.Warn().Err(err).Msg("dashboard cache write failed")
	}
	return dashboard, nil
}

func (s *OwnerService) aggregate(ctx context.Context, ownerHash string) (*domain.OwnerDashboard, error) {
	bags, err := s.bagRepo.ListByOwnerHash(ctx, ownerHash)
	if err != nil {
		return nil, err
	}

	dashboard := &domain.OwnerDashboard{
		Bags:        make([]domain.OwnerBagSummary, 0, len(bags)),
		GeneratedAt: s.now(),
	}
	if len(bags) == 0 {
		return dashboard, nil
	}

	bagIDs := make([]string, len(bags))
	for i, b := range bags {
		bagIDs[i] = b.ID
	}
	convs, err := s.convRepo.ListByBagIDs(ctx, bagIDs)
	if err != nil {
		return nil, err
	}

	byBag := make(map[string]*domain.OwnerBagSummary, len(bags))
	for _, b := range bags {
		dashboard.Bags = append(dashboard.Bags, domain.OwnerBagSummary{
			BagID:     b.ID,
			ShortID:   b.ShortID,
			Status:    b.Status,
			OwnerName: b.OwnerName,
		})
	}
	for i := range dashboard.Bags {
		byBag[dashboard.Bags[i].BagID] = &dashboard.Bags[i]
	}

	convIDsByBag := make(map[string][]string, len(bags))
	for _, c := range convs {
		summary := byBag[c.BagID]
		switch c.Status {
		case domain.ConversationActive:
			summary.ActiveCount++
		case domain.ConversationResolved:
			summary.ResolvedCount++
		case domain.ConversationArchived:
			summary.ArchivedCount++
		}
		if summary.LastMessageAt == nil || c.LastMessageAt.After(*summary.LastMessageAt) {
			at := c.LastMessageAt
			summary.LastMessageAt = &at
		}
		convIDsByBag[c.BagID] = append(convIDsByBag[c.BagID], c.ID)
	}

	for i := range dashboard.Bags {
		summary := &dashboard.Bags[i]
		unread, err := s.unreadForBag(ctx, summary.BagID, convIDsByBag[summary.BagID])
		if err != nil {
			return nil, err
		}
		summary.UnreadCount = unread
		dashboard.TotalUnread += unread
	}
	return dashboard, nil
}

// unreadForBag 캐시 카운터 우선, 없으면 메시지 행에서 계산
func (s *OwnerService) unreadForBag(ctx context.Context, bagID string, conversationIDs []string) (int64, error) {
	n, err := s.unread.Bag(ctx, bagID)
	if err == nil {
		return n, nil
	}
	if len(conversationIDs) == 0 {
		return 0, nil
	}
	counts, err := s.convRepo.UnreadCounts(ctx, conversationIDs)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, c := range counts {
		total += c
	}
	return total, nil
}

// ArchivedList 보관된 대화, 최근 보관 순
func (s *OwnerService) ArchivedList(ctx context.Context, ownerEmail string) ([]domain.ArchivedConversation, error) {
	hash, err := s.ownerHash(ownerEmail)
	if err != nil {
		return nil, err
	}
	bags, err := s.bagRepo.ListByOwnerHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if len(bags) == 0 {
		return []domain.ArchivedConversation{}, nil
	}

	shortIDs := make(map[string]string, len(bags))
	bagIDs := make([]string, len(bags))
	for i, b := range bags {
		bagIDs[i] = b.ID
		shortIDs[b.ID] = b.ShortID
	}

	convs, err := s.convRepo.ListArchivedByBagIDs(ctx, bagIDs)
	if err != nil {
		return nil, err
	}

	items := make([]domain.ArchivedConversation, 0, len(convs))
	for _, c := range convs {
		item := domain.ArchivedConversation{
			ID:         c.ID,
			BagID:      c.BagID,
			BagShortID: shortIDs[c.BagID],
			FinderName: c.FinderName,
		}
		if c.ArchivedAt != nil {
			item.ArchivedAt = c.ArchivedAt.Format(time.RFC3339)
		}
		if c.PermanentlyDeletedAt != nil {
			item.PermanentlyDeletedAt = c.PermanentlyDeletedAt.Format(time.RFC3339)
		}
		items = append(items, item)
	}
	return items, nil
}

// shortIDAttempts 생성한 short id가 충돌할 때 재시도 횟수
const shortIDAttempts = 3

// ownedBag 요청자가 소유한 가방만 반환. 남의 가방은 없는 가방과 같게 취급
func (s *OwnerService) ownedBag(ctx context.Context, bagID, ownerEmail string) (*domain.Bag, string, error) {
	hash, err := s.ownerHash(ownerEmail)
	if err != nil {
		return nil, "", err
	}
	bag, err := s.bagRepo.FindByID(ctx, bagID)
	if err != nil {
		return nil, "", err
	}
	if bag.OwnerEmailHash == nil || *bag.OwnerEmailHash != hash {
		return nil, "", common.ErrBagNotFound
	}
	return bag, hash, nil
}

// SetBagStatus 가방 활성/비활성 전환. 비활성 가방은 새 대화를 받지 않는다
func (s *OwnerService) SetBagStatus(ctx context.Context, req *domain.BagStatusRequest) (*domain.Bag, error) {
	if err := common.ValidateRequest(req); err != nil {
		return nil, err
	}
	bag, hash, err := s.ownedBag(ctx, req.BagID, req.OwnerEmail)
	if err != nil {
		return nil, err
	}
	if bag.Status == req.Status {
		return bag, nil
	}
	if err := s.bagRepo.UpdateStatus(ctx, bag.ID, req.Status); err != nil {
		return nil, err
	}
	s.invalidateBag(ctx, bag.ID, hash)

	s.log.Info().Str("bag_id", bag.ID).Str("status", string(req.Status)).Msg("bag status changed")
	bag.Status = req.Status
	return bag, nil
}

// RotateShortID 태그에 인쇄된 short id 교체. 이전 short id로는 더 이상 대화를 시작할 수 없다
func (s *OwnerService) RotateShortID(ctx context.Context, req *domain.RotateShortIDRequest) (*domain.Bag, error) {
	if err := common.ValidateRequest(req); err != nil {
		return nil, err
	}
	bag, hash, err := s.ownedBag(ctx, req.BagID, req.OwnerEmail)
	if err != nil {
		return nil, err
	}

	shortID := req.ShortID
	if shortID != "" {
		err = s.bagRepo.RotateShortID(ctx, bag.ID, shortID)
	} else {
		for i := 0; i < shortIDAttempts; i++ {
			shortID = NewShortID()
			err = s.bagRepo.RotateShortID(ctx, bag.ID, shortID)
			if !errors.Is(err, repository.ErrShortIDTaken) {
				break
			}
		}
	}
	if err != nil {
		return nil, err
	}
	s.invalidateBag(ctx, bag.ID, hash)

	s.log.Info().Str("bag_id", bag.ID).Msg("bag short id rotated")
	bag.ShortID = shortID
	return bag, nil
}

// invalidateBag 가방 정보가 담긴 대시보드와 스레드 캐시 삭제
func (s *OwnerService) invalidateBag(ctx context.Context, bagID, ownerHash string) {
	keys := []string{cache.OwnerListKey(ownerHash)}
	convs, err := s.convRepo.ListByBagIDs(ctx, []string{bagID})
	if err != nil {
		s.log.Warn().Err(err).Str("bag_id", bagID).Msg("list conversations for cache invalidation failed")
	}
	for _, c := range convs {
		keys = append(keys, cache.ThreadKey(c.ID))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.log.Warn().Err(err).Str("bag_id", bagID).Msg("bag cache invalidation failed")
	}
}

// NewShortID 태그용 대문자 short id (10자)
func NewShortID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:10]
}

// DeleteBag 소유자 요청으로 가방과 모든 대화를 영구 삭제
func (s *OwnerService) DeleteBag(ctx context.Context, bagID, ownerEmail string) error {
	_, hash, err := s.ownedBag(ctx, bagID, ownerEmail)
	if err != nil {
		return err
	}

	conversationIDs, err := s.bagRepo.Delete(ctx, bagID)
	if err != nil {
		return err
	}

	keys := []string{cache.OwnerListKey(hash), cache.UnreadBagKey(bagID)}
	for _, id := range conversationIDs {
		keys = append(keys, cache.ThreadKey(id), cache.UnreadConvKey(id), cache.NotificationKey(id))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.log.Warn().Err(err).Str("bag_id", bagID).Msg("cache cleanup after bag delete failed")
	}
	s.log.Info().Str("bag_id", bagID).Int("conversations", len(conversationIDs)).Msg("bag deleted")
	return nil
}
