package jobs

import (
	"context"

	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/damoang/bagtag-backend/internal/repository"
	"github.com/damoang/bagtag-backend/internal/service"
	"github.com/rs/zerolog"
)

// CounterSyncJob 캐시 알림 카운터를 DB 미러 컬럼에 기록.
// 캐시 항목이 없는 대화는 건너뛴다 (미러가 유일한 값이므로).
type CounterSyncJob struct {
	convRepo  repository.ConversationRepository
	counters  service.CounterStore
	batchSize int
	log       zerolog.Logger
}

// NewCounterSyncJob creates a CounterSyncJob
func NewCounterSyncJob(convRepo repository.ConversationRepository, counters service.CounterStore,
	batchSize int, log zerolog.Logger) *CounterSyncJob {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &CounterSyncJob{convRepo: convRepo, counters: counters, batchSize: batchSize, log: log}
}

// Handle scheduler handler
func (j *CounterSyncJob) Handle(ctx context.Context) error {
	_, err := j.Run(ctx)
	return err
}

// Run 변경된 카운터 수 반환
func (j *CounterSyncJob) Run(ctx context.Context) (int, error) {
	synced := 0
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		batch, err := j.convRepo.ListActive(ctx, afterID, j.batchSize)
		if err != nil {
			return synced, err
		}
		for _, c := range batch {
			cached, ok, err := j.counters.Lookup(ctx, c.ID)
			if err != nil {
				return synced, err
			}
			mirror := domain.NotificationCounters{FinderSent: c.FinderNotificationsSent, OwnerSent: c.OwnerNotificationsSent}
			if !ok || cached == mirror {
				continue
			}
			if err := j.convRepo.UpdateNotificationMirror(ctx, c.ID, cached); err != nil {
				return synced, err
			}
			synced++
		}
		if len(batch) < j.batchSize {
			break
		}
		afterID = batch[len(batch)-1].ID
	}

	if synced > 0 {
		j.log.Info().Int("conversations", synced).Msg("notification counters synced to store")
	}
	return synced, nil
}
