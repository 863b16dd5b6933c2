package repository

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repo_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Bag{}, &domain.Contact{},
		&domain.Conversation{}, &domain.ConversationMessage{},
		&domain.NotificationJob{}, &domain.NotificationPreference{},
	))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// fakeClock 테스트용 조정 가능한 시계
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func seedBag(t *testing.T, repo BagRepository, shortID string, enabled bool) *domain.Bag {
	t.Helper()
	owner := "enc:v1:owner"
	hash := "ownerhash"
	bag := &domain.Bag{
		ShortID:                shortID,
		Status:                 domain.BagStatusActive,
		SecureMessagingEnabled: enabled,
		OwnerEmail:             &owner,
		OwnerEmailHash:         &hash,
	}
	require.NoError(t, repo.Create(context.Background(), bag))
	return bag
}
