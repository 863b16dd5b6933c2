// Package queue is the at-least-once notification dispatch queue. Jobs are
// persisted in notification_jobs, claimed by workers with a lease, retried with
// exponential backoff and guarded by a CircuitBreaker around the email transport.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/damoang/bagtag-backend/internal/common"
	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/damoang/bagtag-backend/internal/repository"
	"github.com/damoang/bagtag-backend/pkg/fieldcrypt"
	"github.com/damoang/bagtag-backend/pkg/mail"
	"github.com/rs/zerolog"
)

// Config 큐 동작 설정
type Config struct {
	Workers            int
	BatchSize          int
	PollInterval       time.Duration
	MaxAttempts        int
	BackoffBase        time.Duration
	SendTimeout        time.Duration
	LeaseTimeout       time.Duration
	CompletedRetention time.Duration
}

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Second
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 5 * time.Minute
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = 24 * time.Hour
	}
}

// Queue 알림 발송 큐
type Queue struct {
	repo      repository.NotificationJobRepository
	crypt     fieldcrypt.Gateway
	transport mail.Transport
	breaker   *CircuitBreaker
	log       zerolog.Logger
	cfg       Config
	now       func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Queue. Recipients are encrypted before they are persisted.
func New(repo repository.NotificationJobRepository, crypt fieldcrypt.Gateway, transport mail.Transport,
	breaker *CircuitBreaker, cfg Config, log zerolog.Logger) *Queue {
	cfg.withDefaults()
	breaker.OnStateChange(func(from, to BreakerState) {
		breakerState.Set(float64(to))
		log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("notification circuit breaker state changed")
	})
	return &Queue{
		repo:      repo,
		crypt:     crypt,
		transport: transport,
		breaker:   breaker,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// IdempotencyKey sha256(kind|recipient|conversation|token), recipient normalized
func IdempotencyKey(n domain.Notification) string {
	raw := strings.Join([]string{
		string(n.Kind),
		fieldcrypt.Normalize(n.Recipient),
		n.ConversationID,
		n.UniquenessToken,
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Enqueue 알림 작업 저장. 차단기가 열려 있으면 저장하지 않고 ErrServiceUnavailable.
// 같은 논리 알림이 이미 있으면 (false, nil).
func (q *Queue) Enqueue(ctx context.Context, n domain.Notification) (bool, error) {
	if !q.breaker.Accepting() {
		jobsTotal.WithLabelValues(string(n.Kind), "rejected").Inc()
		return false, common.ErrServiceUnavailable
	}
	if strings.TrimSpace(n.Recipient) == "" {
		return false, common.New(common.CodeInvalidInput, "notification recipient is empty")
	}

	recipient, err := q.crypt.Encrypt(n.Recipient)
	if err != nil {
		return false, err
	}

	job := &domain.NotificationJob{
		IdempotencyKey: IdempotencyKey(n),
		Kind:           n.Kind,
		ConversationID: n.ConversationID,
		RecipientRole:  n.RecipientRole,
		Recipient:      recipient,
		Subject:        n.Subject,
		HTMLBody:       n.HTMLBody,
		TextBody:       n.TextBody,
		MaxAttempts:    q.cfg.MaxAttempts,
		NextAttemptAt:  q.now().UTC(),
	}
	inserted, err := q.repo.Insert(ctx, job)
	if err != nil {
		return false, fmt.Errorf("enqueue notification: %w", err)
	}

	result := "enqueued"
	if !inserted {
		result = "duplicate"
	}
	jobsTotal.WithLabelValues(string(n.Kind), result).Inc()
	q.log.Debug().
		Str("kind", string(n.Kind)).
		Str("conversation_id", n.ConversationID).
		Str("result", result).
		Msg("notification enqueue")
	return inserted, nil
}

// Start 워커 시작
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.log.Info().Int("workers", q.cfg.Workers).Msg("notification queue started")
}

// Stop 워커 종료 대기
func (q *Queue) Stop() {
	close(q.stop)
	q.wg.Wait()
	q.log.Info().Msg("notification queue stopped")
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.ProcessDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.log.Error().Err(err).Int("worker", id).Msg("process notification batch failed")
			}
		}
	}
}

// ProcessDue 실행 시각이 된 작업 한 묶음 처리. 처리한 작업 수 반환
func (q *Queue) ProcessDue(ctx context.Context) (int, error) {
	jobs, err := q.repo.ClaimDue(ctx, q.cfg.BatchSize, q.cfg.LeaseTimeout)
	if err != nil {
		return 0, err
	}
	for i := range jobs {
		q.process(ctx, &jobs[i])
	}
	return len(jobs), nil
}

func (q *Queue) process(ctx context.Context, job *domain.NotificationJob) {
	log := q.log.With().Str("job_id", job.ID).Str("kind", string(job.Kind)).Logger()

	if !q.breaker.Allow() {
		// 시도 횟수를 쓰지 않고 반환
		if err := q.repo.Release(ctx, job.ID); err != nil {
			log.Error().Err(err).Msg("release job failed")
		}
		return
	}

	sendErr := q.send(ctx, job)
	if sendErr == nil {
		q.breaker.RecordSuccess()
		if err := q.repo.MarkCompleted(ctx, job.ID); err != nil {
			log.Error().Err(err).Msg("mark job completed failed")
		}
		jobsTotal.WithLabelValues(string(job.Kind), "sent").Inc()
		return
	}

	q.breaker.RecordFailure()
	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		if err := q.repo.MarkFailed(ctx, job.ID, attempts, sendErr.Error()); err != nil {
			log.Error().Err(err).Msg("mark job failed failed")
		}
		jobsTotal.WithLabelValues(string(job.Kind), "failed").Inc()
		log.Error().Err(sendErr).Int("attempts", attempts).Msg("notification dispatch gave up")
		return
	}

	next := q.now().UTC().Add(q.Backoff(attempts))
	if err := q.repo.MarkRetry(ctx, job.ID, attempts, next, sendErr.Error()); err != nil {
		log.Error().Err(err).Msg("schedule job retry failed")
	}
	jobsTotal.WithLabelValues(string(job.Kind), "retry").Inc()
	log.Warn().Err(sendErr).Int("attempts", attempts).Time("next_attempt_at", next).Msg("notification dispatch failed, will retry")
}

// send 발송 1회. SendTimeout으로 제한
func (q *Queue) send(ctx context.Context, job *domain.NotificationJob) error {
	to, err := q.crypt.Decrypt(job.Recipient)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, q.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.transport.Send(sendCtx, mail.Message{
			To:      to,
			Subject: job.Subject,
			HTML:    job.HTMLBody,
			Text:    job.TextBody,
		})
	}()

	select {
	case err = <-errCh:
	case <-sendCtx.Done():
		err = fmt.Errorf("send timed out after %s: %w", q.cfg.SendTimeout, sendCtx.Err())
	}
	dispatchDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())
	return err
}

// Backoff BackoffBase * 2^(attempts-1)
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return q.cfg.BackoffBase << (attempts - 1)
}

// RecoverStale 리스 만료된 processing 작업 복구
func (q *Queue) RecoverStale(ctx context.Context) error {
	n, err := q.repo.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		q.log.Warn().Int64("jobs", n).Msg("recovered stale notification jobs")
	}
	return nil
}

// Prune 보존 기간이 지난 완료 작업 삭제. 실패 작업은 남긴다.
func (q *Queue) Prune(ctx context.Context) error {
	n, err := q.repo.PruneCompleted(ctx, q.cfg.CompletedRetention)
	if err != nil {
		return err
	}
	if n > 0 {
		q.log.Info().Int64("jobs", n).Msg("pruned completed notification jobs")
	}
	return nil
}

// Stats 상태별 작업 수 (health 응답용)
func (q *Queue) Stats(ctx context.Context) (map[domain.JobStatus]int64, error) {
	return q.repo.CountByStatus(ctx)
}

// BreakerState 현재 차단기 상태
func (q *Queue) BreakerState() BreakerState {
	return q.breaker.State()
}
