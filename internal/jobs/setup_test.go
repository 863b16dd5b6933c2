package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/damoang/bagtag-backend/internal/config"
	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/damoang/bagtag-backend/internal/repository"
	"github.com/damoang/bagtag-backend/internal/service"
	"github.com/damoang/bagtag-backend/pkg/cache"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type env struct {
	db       *gorm.DB
	mr       *miniredis.Miniredis
	cache    cache.Service
	clock    *fakeClock
	bags     repository.BagRepository
	convs    repository.ConversationRepository
	counters service.CounterStore
	unread   service.UnreadCounter
}

func setupEnv(t *testing.T) *env {
	t.Helper()
	dsn := fmt.Sprintf("file:jobs_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Bag{}, &domain.Contact{},
		&domain.Conversation{}, &domain.ConversationMessage{},
	))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.NewService(client)

	clock := &fakeClock{t: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	return &env{
		db:       db,
		mr:       mr,
		cache:    c,
		clock:    clock,
		bags:     repository.NewBagRepository(db, clock.Now),
		convs:    repository.NewConversationRepository(db, clock.Now),
		counters: service.NewCounterStore(c),
		unread:   service.NewUnreadCounter(c),
	}
}

func (e *env) seedBag(t *testing.T, shortID string) *domain.Bag {
	t.Helper()
	hash := "hash-" + shortID
	owner := "enc:v1:owner"
	bag := &domain.Bag{ShortID: shortID, SecureMessagingEnabled: true, OwnerEmail: &owner, OwnerEmailHash: &hash}
	require.NoError(t, e.bags.Create(context.Background(), bag))
	return bag
}

func (e *env) startConversation(t *testing.T, bagID string) *domain.Conversation {
	t.Helper()
	conv := &domain.Conversation{BagID: bagID}
	require.NoError(t, e.convs.CreateWithMessage(context.Background(), conv, &domain.ConversationMessage{Content: "enc:v1:hi"}))
	return conv
}

func configForTest() config.JobsConfig {
	return config.Default().Jobs
}
