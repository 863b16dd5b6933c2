package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/damoang/bagtag-backend/internal/common"
	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/damoang/bagtag-backend/pkg/cache"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ownerView() domain.Viewer  { return domain.Viewer{Role: domain.RoleOwner, Email: ownerEmail} }
func finderView() domain.Viewer { return domain.Viewer{Role: domain.RoleFinder, Email: finderEmail} }

func (h *harness) thread(t *testing.T, id string, viewer domain.Viewer) *domain.ConversationSnapshot {
	t.Helper()
	snap, err := h.svc.GetConversationThread(context.Background(), &domain.ThreadRequest{ConversationID: id, Viewer: viewer})
	require.NoError(t, err)
	return snap
}

func TestStartConversation_CreatesActiveThread(t *testing.T) {
	h := newHarness(t)
	h.seedBag(t, "bag1", true)

	res := h.start(t, "bag1", "  I found your bag at the station  ")
	assert.Equal(t, domain.ContextInitial, res.Context)

	snap := h.thread(t, res.ConversationID, ownerView())
	assert.Equal(t, domain.ConversationActive, snap.Status)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, domain.RoleFinder, snap.Messages[0].SenderRole)
	assert.Equal(t, "I found your bag at the station", snap.Messages[0].Content)
	assert.Nil(t, snap.FinderEmail, "identity fields never leave the core")
	assert.Nil(t, snap.Bag.OwnerEmailHash)

	conv, err := h.convs.FindByID(context.Background(), res.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, conv.FinderEmail)
	assert.True(t, strings.HasPrefix(*conv.FinderEmail, "enc:v1:"), "finder email stored encrypted")

	owner := h.notifier.To(domain.RoleOwner, domain.KindNewConversation)
	require.Len(t, owner, 1)
	assert.Equal(t, ownerEmail, owner[0].Recipient)
	assert.Contains(t, owner[0].TextBody, "https://bagtag.example/conversations/"+res.ConversationID+"?token=")
	assert.NotContains(t, owner[0].TextBody, "Sam", "new conversation notice is depersonalized")
	assert.Len(t, h.notifier.To(domain.RoleFinder, domain.KindFinderWelcome), 1)

	counters, err := h.counters.Get(context.Background(), res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationCounters{OwnerSent: 1}, counters)
}

func TestStartConversation_Rejections(t *testing.T) {
	h := newHarness(t)
	h.seedBag(t, "off", false)
	h.seedBag(t, "on", true)
	ctx := context.Background()

	tests := []struct {
		name string
		req  domain.StartConversationRequest
		want error
	}{
		{"disabled bag", domain.StartConversationRequest{BagShortID: "off", Message: "hi", TurnstileToken: "valid-token"}, common.ErrBagDisabled},
		{"unknown bag", domain.StartConversationRequest{BagShortID: "nope", Message: "hi", TurnstileToken: "valid-token"}, common.ErrBagNotFound},
		{"failed turnstile", domain.StartConversationRequest{BagShortID: "on", Message: "hi", TurnstileToken: "bot"}, common.ErrSecurityCheck},
		{"missing turnstile", domain.StartConversationRequest{BagShortID: "on", Message: "hi"}, common.ErrSecurityCheck},
		{"blank message", domain.StartConversationRequest{BagShortID: "on", Message: "   ", TurnstileToken: "valid-token"}, common.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := h.svc.StartConversation(ctx, &req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	var n int64
	require.NoError(t, h.db.Model(&domain.Conversation{}).Count(&n).Error)
	assert.Zero(t, n)
	assert.Empty(t, h.notifier.To(domain.RoleOwner, ""))
}

func TestOwnerFollowUpsAreThrottled(t *testing.T) {
	h := newHarness(t)
	h.seedBag(t, "bag1", true)
	id := h.start(t, "bag1", "found it").ConversationID

	first, err := h.reply(id, domain.RoleOwner, "thank you!")
	require.NoError(t, err)
	assert.Equal(t, domain.ContextInitial, first.Context)
	assert.True(t, first.Notified)

	second, err := h.reply(id, domain.RoleOwner, "are you still there?")
	require.NoError(t, err)
	assert.Equal(t, domain.ContextFollowUp, second.Context)
	assert.True(t, second.Notified)

	counters, err := h.counters.Get(context.Background(), id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, counters.FinderSent)
	assert.Zero(t, counters.OwnerSent, "owner replied so the owner counter resets")

	third, err := h.reply(id, domain.RoleOwner, "hello?")
	require.NoError(t, err)
	assert.False(t, third.Notified)
	assert.Len(t, h.notifier.To(domain.RoleFinder, domain.KindNewMessage), 2)

	subjects := h.notifier.To(domain.RoleFinder, domain.KindNewMessage)
	assert.Equal(t, "The bag owner responded", subjects[0].Subject)
	assert.Equal(t, "Alex sent you a message", subjects[1].Subject)

	// 발견자가 답하면 발견자 쪽 제한이 풀린다
	back, err := h.reply(id, domain.RoleFinder, "yes, at the cafe")
	require.NoError(t, err)
	assert.Equal(t, domain.ContextResponse, back.Context)
	assert.True(t, back.Notified)

	fourth, err := h.reply(id, domain.RoleOwner, "on my way")
	require.NoError(t, err)
	assert.True(t, fourth.Notified)
}

func TestThrottleHoldsForAnyRunLength(t *testing.T) {
	for _, run := range []int{1, 2, 3, 7} {
		h := newHarness(t)
		h.seedBag(t, "bag1", true)
		id := h.start(t, "bag1", "found it").ConversationID

		for i := 0; i < run; i++ {
			_, err := h.reply(id, domain.RoleOwner, "ping")
			require.NoError(t, err)
		}
		want := run
		if want > NotificationThrottle {
			want = NotificationThrottle
		}
		assert.Len(t, h.notifier.To(domain.RoleFinder, domain.KindNewMessage), want, "run of %d", run)
	}
}

func TestConcurrentRepliesRespectThrottle(t *testing.T) {
	h := newHarness(t)
	h.seedBag(t, "bag1", true)
	id := h.start(t, "bag1", "found it").ConversationID

	const replies = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		notified int
	)
	for i := 0; i < replies; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.reply(id, domain.RoleOwner, fmt.Sprintf("ping %d", i))
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ok++
			if res.Notified {
				notified++
			}
		}(i)
	}
	wg.Wait()

	require.Positive(t, ok)
	assert.LessOrEqual(t, notified, NotificationThrottle)
	assert.LessOrEqual(t, len(h.notifier.To(domain.RoleFinder, domain.KindNewMessage)), NotificationThrottle)

	counters, err := h.counters.Get(context.Background(), id)
	require.NoError(t, err)
	assert.LessOrEqual(t, counters.FinderSent, int64(NotificationThrottle))
	assert.EqualValues(t, notified, counters.FinderSent)
}

func TestFailedReplyKeepsSenderThrottle(t *testing.T) {
	h := newHarness(t)
	h.seedBag(t, "bag1", true)
	id := h.start(t, "bag1", "found it").ConversationID
	ctx := context.Background()

	// 캐시된 스냅샷은 active인데 저장소에서는 이미 해결된 상태
	h.thread(t, id, finderView())
	require.True(t, h.mr.Exists(cache.ThreadKey(id)))
	_, err := h.convs.UpdateStatus(ctx, id, domain.ConversationResolved)
	require.NoError(t, err)

	_, err = h.reply(id, domain.RoleOwner, "late reply")
	assert.ErrorIs(t, err, common.ErrInvalidState)

	counters, err := h.counters.Get(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counters.OwnerSent, "no message stored, owner throttle untouched")
}

func TestResolveBlocksRepliesUntilRestored(t *testing.T) {
	h := newHarness(t)
	h.seedBag(t, "bag1", true)
	id := h.start(t, "bag1", "found it").ConversationID
	ctx := context.Background()

	conv, err := h.svc.ResolveConversation(ctx, h.ownerAction(id))
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationResolved, conv.Status)
	assert.Len(t, h.notifier.To(domain.RoleFinder, domain.KindResolved), 1)

	_, err = h.reply(id, domain.RoleOwner, "one more thing")
	assert.ErrorIs(t, err, common.ErrInvalidState)
	_, err = h.reply(id, domain.RoleFinder, "hello?")
	assert.ErrorIs(t, err, common.ErrInvalidState)

	_, err = h.svc.ResolveConversation(ctx, h.ownerAction(id))
	assert.ErrorIs(t, err, common.ErrInvalidTransition)

	conv, err = h.svc.RestoreConversation(ctx, h.ownerAction(id))
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationActive, conv.Status)

	res, err := h.reply(id, domain.RoleOwner, "reopened")
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)
	assert.Len(t, h.thread(t, id, ownerView()).Messages, 2)
}

func TestArchiveAndRestore(t *testing.T) {
	h := newHarness(t)
	h.seedBag(t, "bag1", true)
	id := h.start(t, "bag1", "found it").ConversationID
	ctx := context.Background()

	_, err := h.svc.ArchiveConversation(ctx, h.ownerAction(id))
	assert.ErrorIs(t, err, common.ErrInvalidTransition, "active cannot be archived directly")

	_, err = h.svc.ResolveConversation(ctx, h.ownerAction(id))
	require.NoError(t, err)
	conv, err := h.svc.ArchiveConversation(ctx, h.ownerAction(id))
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationArchived, conv.Status)
	require.NotNil(t, conv.PermanentlyDeletedAt)

	_, err = h.reply(id, domain.RoleFinder, "hi")
	assert.ErrorIs(t, err, common.ErrConversationArchived)

	conv, err = h.svc.RestoreConversation(ctx, h.ownerAction(id))
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationResolved, conv.Status)
	assert.Nil(t, conv.ArchivedAt)
	assert.Nil(t, conv.PermanentlyDeletedAt)
}

func TestOwnerActionsRequireOwnership(t *testing.T) {
	h := newHarness(t)
	h.seedBag(t, "bag1", true)
	id := h.start(t, "bag1", "found it").ConversationID

	_, err := h.svc.ResolveConversation(context.Background(), &domain.OwnerActionRequest{
		ConversationID: id,
		OwnerEmail:     "someone@example.com",
	})
	assert.ErrorIs(t, err, common.ErrAccessDenied)

	snap := h.thread(t, id, ownerView())
	assert.Equal(t, domain.ConversationActive, snap.Status)
}

func TestGetThread_DeniesMismatchedFinder(t *testing.T) {
	h := newHarness(t)
	h.seedBag(t, "bag1", true)
	id := h.start(t, "bag1", "found it").ConversationID
	ctx := context.Background()

	intruder := domain.Viewer{Role: domain.RoleFinder, Email: "intruder@example.com"}
	_, err := h.svc.GetConversationThread(ctx, &domain.ThreadRequest{ConversationID: id, Viewer: intruder})
	assert.ErrorIs(t, err, common.ErrAccessDenied)

	missing := uuid.NewString()
	_, err = h.svc.GetConversationThread(ctx, &domain.ThreadRequest{ConversationID: missing, Viewer: intruder})
	assert.ErrorIs(t, err, common.ErrAccessDenied, "unknown ids look the same as foreign ones")
	assert.True(t, h.mr.Exists(cache.ExistsKey(missing)), "missing id is negatively cached")

	_, err = h.svc.GetConversationThread(ctx, &domain.ThreadRequest{ConversationID: missing, Viewer: finderView()})
	assert.ErrorIs(t, err, common.ErrAccessDenied)

	_, err = h.reply(id, domain.RoleFinder, "hi")
	require.NoError(t, err)
	_, err = h.svc.SendReply(ctx, &domain.SendReplyRequest{ConversationID: id, Content: "x", Sender: intruder})
	assert.ErrorIs(t, err, common.ErrAccessDenied)

	// 대소문자가 달라도 같은 발견자
	snap := h.thread(t, id, domain.Viewer{Role: domain.RoleFinder, Email: "Finder@Example.com"})
	assert.Len(t, snap.Messages, 2)
}

func TestWritesInvalidateCachedThread(t *testing.T) {
	h := newHarness(t)
	h.seedBag(t, "bag1", true)
	id := h.start(t, "bag1", "found it").ConversationID

	require.Len(t, h.thread(t, id, finderView()).Messages, 1)
	assert.True(t, h.mr.Exists(cache.ThreadKey(id)), "read populates the cache")

	_, err := h.reply(id, domain.RoleOwner, "great news")
	require.NoError(t, err)
	assert.False(t, h.mr.Exists(cache.ThreadKey(id)), "write drops the cached thread")

	snap := h.thread(t, id, finderView())
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "great news", snap.Messages[1].Content)

	h.thread(t, id, finderView())
	cached, err := h.mr.Get(cache.ThreadKey(id))
	require.NoError(t, err)
	assert.NotContains(t, cached, "great news", "cached snapshot holds ciphertext")
}

func TestUnreadCountersFollowReads(t *testing.T) {
	h := newHarness(t)
	bag := h.seedBag(t, "bag1", true)
	id := h.start(t, "bag1", "found it").ConversationID
	ctx := context.Background()

	_, err := h.reply(id, domain.RoleFinder, "it has a blue tag")
	require.NoError(t, err)

	n, err := h.unread.Bag(ctx, bag.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	snap := h.thread(t, id, ownerView())
	for _, m := range snap.Messages {
		assert.NotNil(t, m.ReadAt, "owner view marks finder messages read")
	}

	n, err = h.unread.Bag(ctx, bag.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = h.unread.Conversation(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)

	counts, err := h.convs.UnreadCounts(ctx, []string{id})
	require.NoError(t, err)
	assert.Zero(t, counts[id])
}

func TestNotificationFailuresDoNotFailWrites(t *testing.T) {
	h := newHarness(t)
	h.seedBag(t, "bag1", true)
	h.notifier.failWith(common.ErrServiceUnavailable)

	id := h.start(t, "bag1", "found it").ConversationID
	res, err := h.reply(id, domain.RoleOwner, "thanks")
	require.NoError(t, err)
	assert.False(t, res.Notified)

	counters, err := h.counters.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, counters.FinderSent, "nothing queued, nothing counted")
}

func TestOptedOutRecipientIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.seedBag(t, "bag1", true)
	id := h.start(t, "bag1", "found it").ConversationID

	hash, err := h.crypt.HashForLookup(finderEmail)
	require.NoError(t, err)
	require.NoError(t, h.prefs.Set(context.Background(), hash, domain.KindNewMessage, false))

	res, err := h.reply(id, domain.RoleOwner, "thanks")
	require.NoError(t, err)
	assert.False(t, res.Notified)
	assert.Empty(t, h.notifier.To(domain.RoleFinder, domain.KindNewMessage))
}

func TestMagicLinkInNotificationOpensConversation(t *testing.T) {
	h := newHarness(t)
	h.seedBag(t, "bag1", true)
	id := h.start(t, "bag1", "found it").ConversationID

	note := h.notifier.To(domain.RoleOwner, domain.KindNewConversation)[0]
	i := strings.Index(note.TextBody, "?token=")
	require.Positive(t, i)
	token := strings.Fields(note.TextBody[i+len("?token="):])[0]

	auth := NewAuthService(h.links, zerolog.Nop())
	session, err := auth.VerifyMagicLink(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOwner, session.Role)
	assert.Equal(t, id, session.ConversationID)
}
