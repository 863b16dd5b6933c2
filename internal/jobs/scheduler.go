// Package jobs runs the periodic maintenance work of the conversation core:
// counter reconciliation, counter mirroring, retention and queue housekeeping.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler 주기 작업 본문
type Handler func(ctx context.Context) error

// ScheduledTask 등록된 주기적 작업
type ScheduledTask struct {
	Name      string
	Group     string
	Interval  time.Duration
	Handler   Handler
	LastRun   time.Time
	NextRun   time.Time
	RunCount  int64
	LastError error
}

// Scheduler in-process 주기 작업 스케줄러
type Scheduler struct {
	tasks []*ScheduledTask
	mu    sync.RWMutex
	log   zerolog.Logger
	tick  time.Duration
	now   func() time.Time
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewScheduler 스케줄러 생성. tick은 실행 대상 확인 주기
func NewScheduler(tick time.Duration, log zerolog.Logger) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{
		tasks: make([]*ScheduledTask, 0),
		log:   log,
		tick:  tick,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
}

// Register 주기적 작업 등록. 첫 실행은 interval 이후
func (s *Scheduler) Register(group, name string, interval time.Duration, handler Handler) {
	s.RegisterWithDelay(group, name, interval, interval, handler)
}

// RegisterWithDelay 첫 실행을 firstRun 뒤로 지정 (기동 직후 1회 실행용)
func (s *Scheduler) RegisterWithDelay(group, name string, interval, firstRun time.Duration, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = append(s.tasks, &ScheduledTask{
		Name:     name,
		Group:    group,
		Interval: interval,
		Handler:  handler,
		NextRun:  s.now().Add(firstRun),
	})

	s.log.Info().
		Str("task", group+"/"+name).
		Dur("interval", interval).
		Dur("first_run_in", firstRun).
		Msg("scheduled task registered")
}

// Start 스케줄러 시작 (백그라운드 goroutine)
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunDue(ctx)
			}
		}
	}()
	s.log.Info().Dur("tick", s.tick).Msg("job scheduler started")
}

// Stop 스케줄러 중지. 실행 중인 작업이 끝날 때까지 기다린다
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.log.Info().Msg("job scheduler stopped")
}

// RunDue 실행 시각이 된 작업을 순서대로 실행
func (s *Scheduler) RunDue(ctx context.Context) {
	s.mu.RLock()
	tasks := make([]*ScheduledTask, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.RUnlock()

	for _, task := range tasks {
		now := s.now()
		s.mu.RLock()
		due := !now.Before(task.NextRun)
		s.mu.RUnlock()
		if !due {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.run(ctx, task, now)
	}
}

func (s *Scheduler) run(ctx context.Context, task *ScheduledTask, now time.Time) {
	log := s.log.With().Str("task", task.Group+"/"+task.Name).Logger()
	log.Debug().Msg("running scheduled task")

	start := time.Now()
	err := task.Handler(ctx)
	taskDuration.WithLabelValues(task.Name).Observe(time.Since(start).Seconds())

	s.mu.Lock()
	if err != nil {
		task.LastError = err
	} else {
		task.LastError = nil
	}
	task.LastRun = now
	task.NextRun = now.Add(task.Interval)
	task.RunCount++
	s.mu.Unlock()

	if err != nil {
		taskRuns.WithLabelValues(task.Name, "error").Inc()
		log.Error().Err(err).Msg("scheduled task failed")
		return
	}
	taskRuns.WithLabelValues(task.Name, "ok").Inc()
}

// GetTasks 등록된 작업 목록 조회 (health 응답용)
func (s *Scheduler) GetTasks() []ScheduledTaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ScheduledTaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		info := ScheduledTaskInfo{
			Name:     t.Name,
			Group:    t.Group,
			Interval: t.Interval.String(),
			LastRun:  t.LastRun,
			NextRun:  t.NextRun,
			RunCount: t.RunCount,
		}
		if t.LastError != nil {
			errMsg := t.LastError.Error()
			info.LastError = &errMsg
		}
		result = append(result, info)
	}
	return result
}

// ScheduledTaskInfo 작업 정보 (JSON 응답용)
type ScheduledTaskInfo struct {
	Name      string    `json:"name"`
	Group     string    `json:"group"`
	Interval  string    `json:"interval"`
	LastRun   time.Time `json:"last_run"`
	NextRun   time.Time `json:"next_run"`
	RunCount  int64     `json:"run_count"`
	LastError *string   `json:"last_error,omitempty"`
}
