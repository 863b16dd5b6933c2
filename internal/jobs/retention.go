package jobs

import (
	"context"

	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/damoang/bagtag-backend/internal/repository"
	"github.com/damoang/bagtag-backend/internal/service"
	"github.com/damoang/bagtag-backend/pkg/cache"
	"github.com/rs/zerolog"
)

// DefaultAutoArchiveDays resolved 후 자동 보관까지의 일수
const DefaultAutoArchiveDays = 30

// RetentionReport 한 번의 정리 결과
type RetentionReport struct {
	Archived []domain.ConversationRef `json:"archived"`
	Deleted  []domain.ConversationRef `json:"deleted"`
}

// RetentionSweeper resolved 대화 자동 보관과 만료된 보관 대화 영구 삭제
type RetentionSweeper struct {
	convRepo repository.ConversationRepository
	bagRepo  repository.BagRepository
	cache    cache.Service
	counters service.CounterStore
	unread   service.UnreadCounter
	days     int
	log      zerolog.Logger
}

// NewRetentionSweeper creates a RetentionSweeper
func NewRetentionSweeper(convRepo repository.ConversationRepository, bagRepo repository.BagRepository, c cache.Service,
	counters service.CounterStore, unread service.UnreadCounter, autoArchiveDays int, log zerolog.Logger) *RetentionSweeper {
	if autoArchiveDays <= 0 {
		autoArchiveDays = DefaultAutoArchiveDays
	}
	return &RetentionSweeper{
		convRepo: convRepo,
		bagRepo:  bagRepo,
		cache:    c,
		counters: counters,
		unread:   unread,
		days:     autoArchiveDays,
		log:      log,
	}
}

// Handle scheduler handler
func (s *RetentionSweeper) Handle(ctx context.Context) error {
	_, err := s.Run(ctx)
	return err
}

// Run 보관 후 삭제. 두 단계 모두 대화 단위 조건부 쓰기라 반복 실행해도 안전하다.
func (s *RetentionSweeper) Run(ctx context.Context) (RetentionReport, error) {
	var report RetentionReport

	archived, err := s.convRepo.AutoArchiveResolvedOlderThan(ctx, s.days)
	report.Archived = archived
	if len(archived) > 0 {
		retentionTotal.WithLabelValues("archived").Add(float64(len(archived)))
		s.evict(ctx, archived, false)
	}
	if err != nil {
		return report, err
	}

	deleted, err := s.convRepo.PermanentlyDeleteExpired(ctx)
	report.Deleted = deleted
	if len(deleted) > 0 {
		retentionTotal.WithLabelValues("deleted").Add(float64(len(deleted)))
		s.evict(ctx, deleted, true)
	}
	if err != nil {
		return report, err
	}

	s.log.Info().
		Int("archived", len(report.Archived)).
		Int("deleted", len(report.Deleted)).
		Int("auto_archive_days", s.days).
		Msg("retention sweep finished")
	return report, nil
}

// evict 영향받은 대화의 캐시 정리. 실패는 로그만 남긴다.
func (s *RetentionSweeper) evict(ctx context.Context, refs []domain.ConversationRef, purged bool) {
	keys := make([]string, 0, len(refs)*2)
	ids := make([]string, 0, len(refs))
	bagSet := make(map[string]struct{})
	for _, r := range refs {
		ids = append(ids, r.ID)
		keys = append(keys, cache.ThreadKey(r.ID))
		bagSet[r.BagID] = struct{}{}
	}

	bagIDs := make([]string, 0, len(bagSet))
	for id := range bagSet {
		bagIDs = append(bagIDs, id)
		bag, err := s.bagRepo.FindByID(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Str("bag_id", id).Msg("bag lookup for cache eviction failed")
			continue
		}
		if bag.OwnerEmailHash != nil {
			keys = append(keys, cache.OwnerListKey(*bag.OwnerEmailHash))
		}
	}

	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.log.Warn().Err(err).Msg("retention cache eviction failed")
	}
	if !purged {
		return
	}

	if err := s.counters.Delete(ctx, ids...); err != nil {
		s.log.Warn().Err(err).Msg("notification counter cleanup failed")
	}
	if err := s.unread.Delete(ctx, ids...); err != nil {
		s.log.Warn().Err(err).Msg("unread counter cleanup failed")
	}
	// 삭제된 대화의 미읽음이 가방 합계에 남지 않도록 다시 계산
	truth, err := s.convRepo.UnreadCountsByBag(ctx, bagIDs)
	if err != nil {
		s.log.Warn().Err(err).Msg("bag unread recount failed")
		return
	}
	for id, n := range truth {
		if err := s.unread.SetBag(ctx, id, n); err != nil {
			s.log.Warn().Err(err).Str("bag_id", id).Msg("bag unread reset failed")
		}
	}
}
