package service

import (
	"context"
	"testing"
	"time"

	"github.com/damoang/bagtag-backend/internal/common"
	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/damoang/bagtag-backend/internal/repository"
	"github.com/damoang/bagtag-backend/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDashboard_AggregatesAndCaches(t *testing.T) {
	h := newHarness(t)
	bagA := h.seedBag(t, "bagA", true)
	bagB := h.seedBag(t, "bagB", true)
	ctx := context.Background()

	a1 := h.start(t, "bagA", "found A").ConversationID
	h.start(t, "bagA", "also found A")
	h.start(t, "bagB", "found B")
	_, err := h.svc.ResolveConversation(ctx, h.ownerAction(a1))
	require.NoError(t, err)

	dash, err := h.owners.Dashboard(ctx, ownerEmail)
	require.NoError(t, err)
	require.Len(t, dash.Bags, 2)
	assert.EqualValues(t, 3, dash.TotalUnread)

	byID := map[string]domain.OwnerBagSummary{}
	for _, b := range dash.Bags {
		byID[b.BagID] = b
	}
	assert.EqualValues(t, 1, byID[bagA.ID].ActiveCount)
	assert.EqualValues(t, 1, byID[bagA.ID].ResolvedCount)
	assert.EqualValues(t, 2, byID[bagA.ID].UnreadCount)
	assert.EqualValues(t, 1, byID[bagB.ID].ActiveCount)
	assert.NotNil(t, byID[bagB.ID].LastMessageAt)

	hash, err := h.crypt.HashForLookup(ownerEmail)
	require.NoError(t, err)
	assert.True(t, h.mr.Exists(cache.OwnerListKey(hash)))
	assert.Equal(t, cache.TTLOwnerList, h.mr.TTL(cache.OwnerListKey(hash)))

	// 새 메시지가 대시보드 캐시를 무효화한다
	h.start(t, "bagB", "second finder")
	assert.False(t, h.mr.Exists(cache.OwnerListKey(hash)))
	dash, err = h.owners.Dashboard(ctx, ownerEmail)
	require.NoError(t, err)
	assert.EqualValues(t, 4, dash.TotalUnread)
}

func TestDashboard_FallsBackToMessageRows(t *testing.T) {
	h := newHarness(t)
	h.seedBag(t, "bagA", true)
	h.start(t, "bagA", "found A")
	h.mr.FlushAll()

	dash, err := h.owners.Dashboard(context.Background(), ownerEmail)
	require.NoError(t, err)
	assert.EqualValues(t, 1, dash.TotalUnread)
}

func TestDashboard_RequiresOwnerEmail(t *testing.T) {
	h := newHarness(t)
	_, err := h.owners.Dashboard(context.Background(), " ")
	assert.ErrorIs(t, err, common.ErrAccessDenied)

	dash, err := h.owners.Dashboard(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Empty(t, dash.Bags)
}

func TestArchivedList_NewestFirst(t *testing.T) {
	h := newHarness(t)
	h.seedBag(t, "bagA", true)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 2; i++ {
		id := h.start(t, "bagA", "found it").ConversationID
		_, err := h.svc.ResolveConversation(ctx, h.ownerAction(id))
		require.NoError(t, err)
		_, err = h.svc.ArchiveConversation(ctx, h.ownerAction(id))
		require.NoError(t, err)
		h.clock.Advance(time.Hour)
		ids = append(ids, id)
	}
	h.start(t, "bagA", "still active")

	items, err := h.owners.ArchivedList(ctx, ownerEmail)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, ids[1], items[0].ID)
	assert.Equal(t, ids[0], items[1].ID)
	assert.Equal(t, "bagA", items[0].BagShortID)

	archived, err := time.Parse(time.RFC3339, items[0].ArchivedAt)
	require.NoError(t, err)
	deleteAt, err := time.Parse(time.RFC3339, items[0].PermanentlyDeletedAt)
	require.NoError(t, err)
	assert.Equal(t, archived.AddDate(0, domain.RetentionAfterArchiveMonths, 0), deleteAt)
}

func TestDeleteBag(t *testing.T) {
	h := newHarness(t)
	bag := h.seedBag(t, "bagA", true)
	ctx := context.Background()
	id := h.start(t, "bagA", "found it").ConversationID

	assert.ErrorIs(t, h.owners.DeleteBag(ctx, bag.ID, "someone@example.com"), common.ErrBagNotFound)

	require.NoError(t, h.owners.DeleteBag(ctx, bag.ID, ownerEmail))
	assert.False(t, h.mr.Exists(cache.UnreadBagKey(bag.ID)))
	assert.False(t, h.mr.Exists(cache.NotificationKey(id)))

	_, err := h.convs.FindByID(ctx, id)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = h.bags.FindByID(ctx, bag.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSetBagStatus(t *testing.T) {
	h := newHarness(t)
	bag := h.seedBag(t, "bagA", true)
	ctx := context.Background()
	id := h.start(t, "bagA", "found it").ConversationID

	hash, err := h.crypt.HashForLookup(ownerEmail)
	require.NoError(t, err)
	_, err = h.owners.Dashboard(ctx, ownerEmail)
	require.NoError(t, err)
	h.thread(t, id, finderView())
	require.True(t, h.mr.Exists(cache.OwnerListKey(hash)))
	require.True(t, h.mr.Exists(cache.ThreadKey(id)))

	_, err = h.owners.SetBagStatus(ctx, &domain.BagStatusRequest{BagID: bag.ID, OwnerEmail: "someone@example.com", Status: domain.BagStatusDisabled})
	assert.ErrorIs(t, err, common.ErrBagNotFound)
	_, err = h.owners.SetBagStatus(ctx, &domain.BagStatusRequest{BagID: bag.ID, OwnerEmail: ownerEmail, Status: "lost"})
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	updated, err := h.owners.SetBagStatus(ctx, &domain.BagStatusRequest{BagID: bag.ID, OwnerEmail: ownerEmail, Status: domain.BagStatusDisabled})
	require.NoError(t, err)
	assert.Equal(t, domain.BagStatusDisabled, updated.Status)
	assert.False(t, h.mr.Exists(cache.OwnerListKey(hash)), "dashboard cache dropped")
	assert.False(t, h.mr.Exists(cache.ThreadKey(id)))

	_, err = h.svc.StartConversation(ctx, &domain.StartConversationRequest{
		BagShortID:     "bagA",
		Message:        "found it again",
		TurnstileToken: "valid-token",
	})
	assert.ErrorIs(t, err, common.ErrBagDisabled)

	_, err = h.owners.SetBagStatus(ctx, &domain.BagStatusRequest{BagID: bag.ID, OwnerEmail: ownerEmail, Status: domain.BagStatusActive})
	require.NoError(t, err)
	h.start(t, "bagA", "found it again")
}

func TestRotateShortID(t *testing.T) {
	h := newHarness(t)
	bag := h.seedBag(t, "bagA", true)
	h.seedBag(t, "bagB", true)
	ctx := context.Background()
	id := h.start(t, "bagA", "found it").ConversationID
	h.thread(t, id, finderView())
	require.True(t, h.mr.Exists(cache.ThreadKey(id)))

	_, err := h.owners.RotateShortID(ctx, &domain.RotateShortIDRequest{BagID: bag.ID, OwnerEmail: ownerEmail, ShortID: "bagB"})
	assert.ErrorIs(t, err, repository.ErrShortIDTaken)

	rotated, err := h.owners.RotateShortID(ctx, &domain.RotateShortIDRequest{BagID: bag.ID, OwnerEmail: ownerEmail})
	require.NoError(t, err)
	assert.Len(t, rotated.ShortID, 10)
	assert.NotEqual(t, "bagA", rotated.ShortID)
	assert.False(t, h.mr.Exists(cache.ThreadKey(id)), "cached thread carried the old short id")

	_, err = h.svc.StartConversation(ctx, &domain.StartConversationRequest{
		BagShortID:     "bagA",
		Message:        "hello",
		TurnstileToken: "valid-token",
	})
	assert.ErrorIs(t, err, common.ErrBagNotFound, "old short id no longer resolves")
	h.start(t, rotated.ShortID, "hello")

	snap := h.thread(t, id, ownerView())
	assert.Equal(t, rotated.ShortID, snap.Bag.ShortID)

	_, err = h.owners.RotateShortID(ctx, &domain.RotateShortIDRequest{BagID: bag.ID, OwnerEmail: "someone@example.com"})
	assert.ErrorIs(t, err, common.ErrBagNotFound)
}
