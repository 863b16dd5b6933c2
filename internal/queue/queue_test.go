package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/damoang/bagtag-backend/internal/common"
	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/damoang/bagtag-backend/internal/repository"
	"github.com/damoang/bagtag-backend/pkg/fieldcrypt"
	"github.com/damoang/bagtag-backend/pkg/mail"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeTransport 실패 여부를 바꿀 수 있는 Transport
type fakeTransport struct {
	mu    sync.Mutex
	fail  bool
	block bool
	sent  []mail.Message
	calls int
}

func (f *fakeTransport) Send(ctx context.Context, msg mail.Message) error {
	f.mu.Lock()
	f.calls++
	fail, block := f.fail, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return errors.New("smtp unavailable")
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	q         *Queue
	repo      repository.NotificationJobRepository
	breaker   *CircuitBreaker
	transport *fakeTransport
	clock     *fakeClock
}

func setupQueue(t *testing.T, threshold int) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:queue_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.NotificationJob{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	key := make([]byte, 32)
	crypt, err := fieldcrypt.New(key)
	require.NoError(t, err)

	clock := newFakeClock()
	repo := repository.NewNotificationJobRepository(db, clock.Now)
	breaker := NewCircuitBreaker(threshold, time.Minute, clock.Now)
	transport := &fakeTransport{}
	q := New(repo, crypt, transport, breaker, Config{
		BatchSize:   20,
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		SendTimeout: 50 * time.Millisecond,
	}, zerolog.Nop())
	q.now = clock.Now

	return &fixture{q: q, repo: repo, breaker: breaker, transport: transport, clock: clock}
}

func notification(token string) domain.Notification {
	return domain.Notification{
		Kind:            domain.KindNewMessage,
		ConversationID:  "c1",
		RecipientRole:   domain.RoleOwner,
		Recipient:       "Owner@Example.com",
		Subject:         "New message about your bag",
		TextBody:        "hello",
		UniquenessToken: token,
	}
}

func TestEnqueue_IdempotentAndEncrypted(t *testing.T) {
	f := setupQueue(t, 5)
	ctx := context.Background()

	ok, err := f.q.Enqueue(ctx, notification("m1"))
	require.NoError(t, err)
	assert.True(t, ok)

	dup := notification("m1")
	dup.Recipient = " owner@example.com "
	ok, err = f.q.Enqueue(ctx, dup)
	require.NoError(t, err)
	assert.False(t, ok, "same logical notification is not queued twice")

	job, err := f.repo.FindByIdempotencyKey(ctx, IdempotencyKey(notification("m1")))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.True(t, fieldcrypt.IsEncrypted(job.Recipient))

	n, err := f.q.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, f.transport.sent, 1)
	assert.Equal(t, "Owner@Example.com", f.transport.sent[0].To)
}

func TestRetryBackoffAndMaxAttempts(t *testing.T) {
	f := setupQueue(t, 100)
	ctx := context.Background()
	f.transport.setFail(true)

	_, err := f.q.Enqueue(ctx, notification("m1"))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, f.q.Backoff(1))
	assert.Equal(t, 4*time.Second, f.q.Backoff(2))

	n, err := f.q.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.q.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not due until backoff elapses")

	f.clock.Advance(2 * time.Second)
	_, err = f.q.ProcessDue(ctx)
	require.NoError(t, err)

	f.clock.Advance(4 * time.Second)
	_, err = f.q.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, f.transport.Calls())

	job, err := f.repo.FindByIdempotencyKey(ctx, IdempotencyKey(notification("m1")))
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status, "failed jobs are retained")
	assert.Equal(t, 3, job.Attempts)

	f.clock.Advance(time.Hour)
	n, err = f.q.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSendTimeout(t *testing.T) {
	f := setupQueue(t, 100)
	ctx := context.Background()
	f.transport.block = true

	_, err := f.q.Enqueue(ctx, notification("m1"))
	require.NoError(t, err)

	start := time.Now()
	_, err = f.q.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	job, err := f.repo.FindByIdempotencyKey(ctx, IdempotencyKey(notification("m1")))
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.Status)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "timed out")
}

func TestCircuitBreakerGuardsEnqueue(t *testing.T) {
	f := setupQueue(t, 5)
	ctx := context.Background()
	f.transport.setFail(true)

	for i := 0; i < 5; i++ {
		_, err := f.q.Enqueue(ctx, notification(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	_, err := f.q.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, f.transport.Calls())
	assert.Equal(t, StateOpen, f.q.BreakerState())

	_, err = f.q.Enqueue(ctx, notification("m5"))
	assert.ErrorIs(t, err, common.ErrServiceUnavailable)
	assert.Equal(t, 5, f.transport.Calls(), "no send attempted while open")

	f.clock.Advance(time.Minute)
	f.transport.setFail(false)

	ok, err := f.q.Enqueue(ctx, notification("m6"))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.q.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, f.q.BreakerState())

	ok, err = f.q.Enqueue(ctx, notification("m7"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProcessReleasesJobsWhileOpen(t *testing.T) {
	f := setupQueue(t, 1)
	ctx := context.Background()

	_, err := f.q.Enqueue(ctx, notification("m1"))
	require.NoError(t, err)
	f.breaker.RecordFailure()

	n, err := f.q.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, f.transport.Calls())

	job, err := f.repo.FindByIdempotencyKey(ctx, IdempotencyKey(notification("m1")))
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, 0, job.Attempts, "released jobs keep their attempts")
}

func TestPruneAndRecover(t *testing.T) {
	f := setupQueue(t, 5)
	ctx := context.Background()

	_, err := f.q.Enqueue(ctx, notification("m1"))
	require.NoError(t, err)
	_, err = f.q.ProcessDue(ctx)
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	require.NoError(t, f.q.Prune(ctx))
	require.NoError(t, f.q.RecoverStale(ctx))

	stats, err := f.q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats[domain.JobCompleted])
}
