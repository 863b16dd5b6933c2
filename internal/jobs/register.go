package jobs

import (
	"context"
	"time"

	"github.com/damoang/bagtag-backend/internal/config"
)

// Housekeeper 알림 큐 정리 작업
type Housekeeper interface {
	Prune(ctx context.Context) error
	RecoverStale(ctx context.Context) error
}

// Set 스케줄러에 올릴 작업 묶음
type Set struct {
	Reconcile   *ReconciliationJob
	CounterSync *CounterSyncJob
	Retention   *RetentionSweeper
	Queue       Housekeeper
}

// Register 작업 주기 등록. 대조 작업은 기동 후 StartupDelay 뒤 한 번 더 돈다.
func Register(s *Scheduler, cfg config.JobsConfig, set Set) {
	if set.Reconcile != nil {
		s.RegisterWithDelay("counters", "reconcile", cfg.ReconcileInterval, cfg.StartupDelay, set.Reconcile.Handle)
	}
	if set.CounterSync != nil {
		s.Register("counters", "counter_sync", cfg.CounterSyncInterval, set.CounterSync.Handle)
	}
	if set.Retention != nil {
		s.Register("retention", "retention_sweep", cfg.RetentionInterval, set.Retention.Handle)
	}
	if set.Queue != nil {
		s.Register("queue", "prune_completed", time.Hour, set.Queue.Prune)
		s.Register("queue", "recover_stale", time.Minute, set.Queue.RecoverStale)
	}
}
