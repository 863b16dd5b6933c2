package repository

import (
	"context"
	"testing"
	"time"

	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(key string) *domain.NotificationJob {
	return &domain.NotificationJob{
		IdempotencyKey: key,
		Kind:           domain.KindNewMessage,
		ConversationID: "c1",
		RecipientRole:  domain.RoleOwner,
		Recipient:      "enc:v1:rcpt",
		Subject:        "New message",
		MaxAttempts:    3,
	}
}

func TestJobInsert_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewNotificationJobRepository(db, newFakeClock().Now)
	ctx := context.Background()

	inserted, err := repo.Insert(ctx, newJob("k1"))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Insert(ctx, newJob("k1"))
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate key is a no-op")

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[domain.JobPending])
}

func TestJobClaimRetryFail(t *testing.T) {
	db := setupTestDB(t)
	clock := newFakeClock()
	repo := NewNotificationJobRepository(db, clock.Now)
	ctx := context.Background()

	_, err := repo.Insert(ctx, newJob("k1"))
	require.NoError(t, err)

	claimed, err := repo.ClaimDue(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, domain.JobProcessing, claimed[0].Status)

	again, err := repo.ClaimDue(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "processing jobs are not handed out twice")

	require.NoError(t, repo.MarkRetry(ctx, claimed[0].ID, 1, clock.Now().Add(2*time.Second), "timeout"))
	notYet, err := repo.ClaimDue(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, notYet, "backoff delays the next attempt")

	clock.Advance(3 * time.Second)
	claimed, err = repo.ClaimDue(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)

	require.NoError(t, repo.MarkFailed(ctx, claimed[0].ID, 3, "smtp down"))
	job, err := repo.FindByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, domain.JobFailed, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "smtp down", *job.LastError)
}

func TestJobRecoverStaleAndPrune(t *testing.T) {
	db := setupTestDB(t)
	clock := newFakeClock()
	repo := NewNotificationJobRepository(db, clock.Now)
	ctx := context.Background()

	_, err := repo.Insert(ctx, newJob("stale"))
	require.NoError(t, err)
	_, err = repo.Insert(ctx, newJob("done"))
	require.NoError(t, err)

	claimed, err := repo.ClaimDue(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, j := range claimed {
		if j.IdempotencyKey == "done" {
			require.NoError(t, repo.MarkCompleted(ctx, j.ID))
		}
	}

	clock.Advance(2 * time.Minute)
	recovered, err := repo.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	pruned, err := repo.PruneCompleted(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pruned)

	clock.Advance(25 * time.Hour)
	pruned, err = repo.PruneCompleted(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	missing, err := repo.FindByIdempotencyKey(ctx, "done")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPreferences(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPreferenceRepository(db, newFakeClock().Now)
	ctx := context.Background()

	ok, err := repo.ShouldSend(ctx, "h1", domain.KindNewMessage)
	require.NoError(t, err)
	assert.True(t, ok, "no preference row means opted in")

	require.NoError(t, repo.Set(ctx, "h1", domain.KindNewMessage, false))
	ok, err = repo.ShouldSend(ctx, "h1", domain.KindNewMessage)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.Set(ctx, "h1", domain.KindNewMessage, true))
	ok, err = repo.ShouldSend(ctx, "h1", domain.KindNewMessage)
	require.NoError(t, err)
	assert.True(t, ok)
}
