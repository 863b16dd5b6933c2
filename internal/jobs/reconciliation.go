package jobs

import (
	"context"
	"errors"

	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/damoang/bagtag-backend/internal/repository"
	"github.com/damoang/bagtag-backend/internal/service"
	"github.com/damoang/bagtag-backend/pkg/cache"
	"github.com/rs/zerolog"
)

const defaultBatchSize = 200

// ReconcileReport 한 번의 대조 결과
type ReconcileReport struct {
	Scanned           int `json:"scanned"`
	NotificationDrift int `json:"notification_drift"`
	Seeded            int `json:"seeded"`
	UnreadCorrected   int `json:"unread_corrected"`
	BagsCorrected     int `json:"bags_corrected"`
}

// ReconciliationJob 활성 대화의 캐시 카운터를 원본과 대조한다.
// 알림 카운터는 캐시가 우선이라 차이는 기록만 하고, 캐시 항목이 없을 때만 미러 값으로 채운다.
// 미읽음 카운터는 메시지 행이 원본이므로 캐시를 바로잡는다. 가방 단위 미읽음은
// 대화 상태와 무관하게 모든 가방을 대상으로 한다.
type ReconciliationJob struct {
	convRepo  repository.ConversationRepository
	bagRepo   repository.BagRepository
	counters  service.CounterStore
	unread    service.UnreadCounter
	batchSize int
	log       zerolog.Logger
}

// NewReconciliationJob creates a ReconciliationJob
func NewReconciliationJob(convRepo repository.ConversationRepository, bagRepo repository.BagRepository,
	counters service.CounterStore, unread service.UnreadCounter, batchSize int, log zerolog.Logger) *ReconciliationJob {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &ReconciliationJob{
		convRepo:  convRepo,
		bagRepo:   bagRepo,
		counters:  counters,
		unread:    unread,
		batchSize: batchSize,
		log:       log,
	}
}

// Handle scheduler handler
func (j *ReconciliationJob) Handle(ctx context.Context) error {
	_, err := j.Run(ctx)
	return err
}

// Run 활성 대화를 id 순으로 묶음 단위 대조
func (j *ReconciliationJob) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := j.convRepo.ListActive(ctx, afterID, j.batchSize)
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			break
		}

		ids := make([]string, len(batch))
		for i, c := range batch {
			ids[i] = c.ID
			if err := j.reconcileNotifications(ctx, &c, &report); err != nil {
				return report, err
			}
		}
		if err := j.reconcileUnread(ctx, ids, &report); err != nil {
			return report, err
		}

		report.Scanned += len(batch)
		afterID = batch[len(batch)-1].ID
		if len(batch) < j.batchSize {
			break
		}
	}

	if err := j.reconcileBags(ctx, &report); err != nil {
		return report, err
	}

	j.log.Info().
		Int("scanned", report.Scanned).
		Int("notification_drift", report.NotificationDrift).
		Int("seeded", report.Seeded).
		Int("unread_corrected", report.UnreadCorrected).
		Int("bags_corrected", report.BagsCorrected).
		Msg("counter reconciliation finished")
	return report, nil
}

func (j *ReconciliationJob) reconcileNotifications(ctx context.Context, c *domain.Conversation, report *ReconcileReport) error {
	mirror := domain.NotificationCounters{
		FinderSent: c.FinderNotificationsSent,
		OwnerSent:  c.OwnerNotificationsSent,
	}
	drift, err := j.counters.ReconcileFromSource(ctx, c.ID, mirror)
	if err != nil {
		return err
	}
	switch {
	case drift.Seeded:
		report.Seeded++
		j.log.Info().Str("conversation_id", c.ID).Msg("notification counters seeded from store mirror")
	case drift.Drifted:
		report.NotificationDrift++
		counterDrift.WithLabelValues("notifications").Inc()
		j.log.Warn().
			Str("conversation_id", c.ID).
			Int64("cached_finder", drift.Cached.FinderSent).
			Int64("cached_owner", drift.Cached.OwnerSent).
			Int64("mirror_finder", drift.Mirror.FinderSent).
			Int64("mirror_owner", drift.Mirror.OwnerSent).
			Msg("notification counter drift, cache kept")
	}
	return nil
}

func (j *ReconciliationJob) reconcileUnread(ctx context.Context, ids []string, report *ReconcileReport) error {
	truth, err := j.convRepo.UnreadCounts(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		cached, err := j.unread.Conversation(ctx, id)
		if err != nil && !errors.Is(err, cache.ErrMiss) {
			return err
		}
		if err == nil && cached == truth[id] {
			continue
		}
		if err := j.unread.SetConversation(ctx, id, truth[id]); err != nil {
			return err
		}
		report.UnreadCorrected++
		counterDrift.WithLabelValues("unread_conversation").Inc()
		j.log.Debug().Str("conversation_id", id).Int64("cached", cached).Int64("actual", truth[id]).Msg("unread counter corrected")
	}
	return nil
}

// reconcileBags 해결/보관 대화만 남은 가방도 포함해 전체 가방을 묶음 단위로 대조
func (j *ReconciliationJob) reconcileBags(ctx context.Context, report *ReconcileReport) error {
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		bagIDs, err := j.bagRepo.ListIDs(ctx, afterID, j.batchSize)
		if err != nil {
			return err
		}
		if len(bagIDs) == 0 {
			return nil
		}
		if err := j.reconcileBagBatch(ctx, bagIDs, report); err != nil {
			return err
		}
		if len(bagIDs) < j.batchSize {
			return nil
		}
		afterID = bagIDs[len(bagIDs)-1]
	}
}

func (j *ReconciliationJob) reconcileBagBatch(ctx context.Context, bagIDs []string, report *ReconcileReport) error {
	truth, err := j.convRepo.UnreadCountsByBag(ctx, bagIDs)
	if err != nil {
		return err
	}
	for _, id := range bagIDs {
		cached, err := j.unread.Bag(ctx, id)
		if err != nil && !errors.Is(err, cache.ErrMiss) {
			return err
		}
		if err == nil && cached == truth[id] {
			continue
		}
		if err := j.unread.SetBag(ctx, id, truth[id]); err != nil {
			return err
		}
		report.BagsCorrected++
		counterDrift.WithLabelValues("unread_bag").Inc()
		j.log.Debug().Str("bag_id", id).Int64("cached", cached).Int64("actual", truth[id]).Msg("bag unread counter corrected")
	}
	return nil
}
