package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/damoang/bagtag-backend/internal/repository"
	"github.com/damoang/bagtag-backend/pkg/cache"
	"github.com/damoang/bagtag-backend/pkg/fieldcrypt"
	"github.com/damoang/bagtag-backend/pkg/jwt"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	ownerEmail  = "owner@example.com"
	finderEmail = "finder@example.com"
)

var dbSeq atomic.Int64

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
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

// --- Mock turnstile verifier ---

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	args := m.Called(ctx, token, remoteIP)
	return args.Bool(0), args.Error(1)
}

// recordingNotifier 큐 대신 알림을 기록. 같은 (kind, recipient, conversation, token)은 한 번만 받는다.
type recordingNotifier struct {
	mu   sync.Mutex
	err  error
	seen map[string]struct{}
	sent []domain.Notification
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{seen: map[string]struct{}{}}
}

func (n *recordingNotifier) Enqueue(_ context.Context, note domain.Notification) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return false, n.err
	}
	key := string(note.Kind) + "|" + fieldcrypt.Normalize(note.Recipient) + "|" + note.ConversationID + "|" + note.UniquenessToken
	if _, ok := n.seen[key]; ok {
		return false, nil
	}
	n.seen[key] = struct{}{}
	n.sent = append(n.sent, note)
	return true, nil
}

func (n *recordingNotifier) failWith(err error) {
	n.mu.Lock()
	n.err = err
	n.mu.Unlock()
}

// To returns notifications sent to role, optionally filtered by kind
func (n *recordingNotifier) To(role domain.Role, kind domain.NotificationKind) []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Notification
	for _, note := range n.sent {
		if note.RecipientRole == role && (kind == "" || note.Kind == kind) {
			out = append(out, note)
		}
	}
	return out
}

type harness struct {
	db       *gorm.DB
	mr       *miniredis.Miniredis
	cache    cache.Service
	crypt    fieldcrypt.Gateway
	clock    *fakeClock
	bags     repository.BagRepository
	convs    repository.ConversationRepository
	prefs    repository.PreferenceRepository
	counters CounterStore
	unread   UnreadCounter
	notifier *recordingNotifier
	verifier *mockVerifier
	links    *jwt.Manager
	svc      *ConversationService
	owners   *OwnerService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:service_%d?mode=memory&cache=shared", dbSeq.Add(1))
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

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.NewService(client)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	crypt, err := fieldcrypt.New(key)
	require.NoError(t, err)

	clock := &fakeClock{t: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	h := &harness{
		db:       db,
		mr:       mr,
		cache:    c,
		crypt:    crypt,
		clock:    clock,
		bags:     repository.NewBagRepository(db, clock.Now),
		convs:    repository.NewConversationRepository(db, clock.Now),
		prefs:    repository.NewPreferenceRepository(db, clock.Now),
		counters: NewCounterStore(c),
		unread:   NewUnreadCounter(c),
		notifier: newRecordingNotifier(),
		verifier: &mockVerifier{},
		links:    jwt.NewManager("test-secret", 72*time.Hour, 24*time.Hour, NewMagicLinkTracker(c)),
	}
	h.verifier.On("Verify", mock.Anything, "valid-token", mock.Anything).Return(true, nil)
	h.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

	h.svc = NewConversationService(ConversationDeps{
		Conversations: h.convs,
		Bags:          h.bags,
		Preferences:   h.prefs,
		Cache:         c,
		Crypt:         crypt,
		Counters:      h.counters,
		Unread:        h.unread,
		Notifier:      h.notifier,
		Links:         h.links,
		Verifier:      h.verifier,
		PublicURL:     "https://bagtag.example/",
		Logger:        zerolog.Nop(),
	})
	h.owners = NewOwnerService(h.bags, h.convs, c, crypt, h.unread, zerolog.Nop())
	return h
}

// seedBag 소유자 이메일이 암호화된 가방 생성
func (h *harness) seedBag(t *testing.T, shortID string, enabled bool) *domain.Bag {
	t.Helper()
	enc, err := h.crypt.Encrypt(ownerEmail)
	require.NoError(t, err)
	hash, err := h.crypt.HashForLookup(ownerEmail)
	require.NoError(t, err)
	name := "Alex"
	bag := &domain.Bag{
		ShortID:                shortID,
		Status:                 domain.BagStatusActive,
		SecureMessagingEnabled: enabled,
		OwnerName:              &name,
		OwnerEmail:             &enc,
		OwnerEmailHash:         &hash,
	}
	require.NoError(t, h.bags.Create(context.Background(), bag))
	return bag
}

func (h *harness) start(t *testing.T, shortID, message string) *domain.StartConversationResult {
	t.Helper()
	res, err := h.svc.StartConversation(context.Background(), &domain.StartConversationRequest{
		BagShortID:     shortID,
		Message:        message,
		FinderEmail:    finderEmail,
		FinderName:     "Sam",
		TurnstileToken: "valid-token",
		RemoteIP:       "203.0.113.7",
	})
	require.NoError(t, err)
	return res
}

func (h *harness) reply(conversationID string, role domain.Role, content string) (*domain.SendReplyResult, error) {
	email := finderEmail
	if role == domain.RoleOwner {
		email = ownerEmail
	}
	return h.svc.SendReply(context.Background(), &domain.SendReplyRequest{
		ConversationID: conversationID,
		Content:        content,
		Sender:         domain.Viewer{Role: role, Email: email},
	})
}

func (h *harness) ownerAction(conversationID string) *domain.OwnerActionRequest {
	return &domain.OwnerActionRequest{ConversationID: conversationID, OwnerEmail: ownerEmail}
}
