package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/damoang/bagtag-backend/internal/common"
	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/damoang/bagtag-backend/internal/repository"
	"github.com/damoang/bagtag-backend/pkg/cache"
	"github.com/damoang/bagtag-backend/pkg/fieldcrypt"
	"github.com/damoang/bagtag-backend/pkg/jwt"
	"github.com/damoang/bagtag-backend/pkg/turnstile"
	"github.com/rs/zerolog"
)

// NotificationThrottle 응답 없는 수신자에게 보내는 연속 알림 상한
const NotificationThrottle = 2

// Notifier 알림 발송 큐
type Notifier interface {
	Enqueue(ctx context.Context, n domain.Notification) (bool, error)
}

// LinkIssuer 매직링크 토큰 발급
type LinkIssuer interface {
	IssueLink(identity jwt.Identity) (string, error)
}

// ConversationDeps ConversationService 의존성
type ConversationDeps struct {
	Conversations repository.ConversationRepository
	Bags          repository.BagRepository
	Preferences   repository.PreferenceRepository
	Cache         cache.Service
	Crypt         fieldcrypt.Gateway
	Counters      CounterStore
	Unread        UnreadCounter
	Notifier      Notifier
	Links         LinkIssuer
	Verifier      turnstile.Verifier
	PublicURL     string
	Logger        zerolog.Logger
}

// ConversationService 대화 생성/답장/상태 전이와 알림 판단을 담당
type ConversationService struct {
	convRepo  repository.ConversationRepository
	bagRepo   repository.BagRepository
	prefs     repository.PreferenceRepository
	cache     cache.Service
	crypt     fieldcrypt.Gateway
	counters  CounterStore
	unread    UnreadCounter
	notifier  Notifier
	links     LinkIssuer
	verifier  turnstile.Verifier
	builder   *NotificationBuilder
	publicURL string
	log       zerolog.Logger
	now       func() time.Time
}

// NewConversationService creates a new ConversationService
func NewConversationService(d ConversationDeps) *ConversationService {
	return &ConversationService{
		convRepo:  d.Conversations,
		bagRepo:   d.Bags,
		prefs:     d.Preferences,
		cache:     d.Cache,
		crypt:     d.Crypt,
		counters:  d.Counters,
		unread:    d.Unread,
		notifier:  d.Notifier,
		links:     d.Links,
		verifier:  d.Verifier,
		builder:   NewNotificationBuilder(),
		publicURL: strings.TrimRight(d.PublicURL, "/"),
		log:       d.Logger,
		now:       repository.SystemClock,
	}
}

// StartConversation 발견자가 가방 태그로 첫 메시지를 보낸다
func (s *ConversationService) StartConversation(ctx context.Context, req *domain.StartConversationRequest) (*domain.StartConversationResult, error) {
	if err := common.ValidateRequest(req); err != nil {
		return nil, err
	}

	ok, err := s.verifier.Verify(ctx, req.TurnstileToken, req.RemoteIP)
	if err != nil {
		s.log.Warn().Err(err).Msg("turnstile verification error")
		return nil, common.Wrap(common.CodeSecurityCheckFailed, "security check failed", err)
	}
	if !ok {
		return nil, common.ErrSecurityCheck
	}

	bag, err := s.bagRepo.FindByShortID(ctx, req.BagShortID)
	if err != nil {
		return nil, err
	}
	if !bag.AcceptsMessages() {
		return nil, common.ErrBagDisabled
	}

	content, err := s.crypt.Encrypt(strings.TrimSpace(req.Message))
	if err != nil {
		return nil, err
	}

	conv := &domain.Conversation{BagID: bag.ID}
	if name := strings.TrimSpace(req.FinderName); name != "" {
		conv.FinderName = &name
	}
	finderEmail := fieldcrypt.Normalize(req.FinderEmail)
	if finderEmail != "" {
		enc, err := s.crypt.Encrypt(finderEmail)
		if err != nil {
			return nil, err
		}
		hash, err := s.crypt.HashForLookup(finderEmail)
		if err != nil {
			return nil, err
		}
		conv.FinderEmail = &enc
		conv.FinderEmailHash = &hash
	}

	first := &domain.ConversationMessage{Content: content}
	if err := s.convRepo.CreateWithMessage(ctx, conv, first); err != nil {
		return nil, err
	}

	log := s.log.With().Str("conversation_id", conv.ID).Str("bag_id", bag.ID).Logger()
	log.Info().Msg("conversation started")

	if err := s.unread.OnFinderMessage(ctx, bag.ID, conv.ID); err != nil {
		log.Error().Err(err).Msg("unread counter increment failed")
	}
	s.invalidate(ctx, conv.ID, bag.OwnerEmailHash)

	// 알림 실패는 대화 생성을 실패시키지 않는다
	if bag.OwnerEmail != nil {
		s.notifyNewConversation(ctx, bag, conv, log)
	}
	if finderEmail != "" {
		s.dispatch(ctx, outbound{
			kind:           domain.KindFinderWelcome,
			msgContext:     domain.ContextInitial,
			recipient:      domain.RoleFinder,
			email:          finderEmail,
			emailHash:      conv.FinderEmailHash,
			conversationID: conv.ID,
			bagShortID:     bag.ShortID,
			token:          conv.ID,
			withLink:       true,
		}, log)
	}

	return &domain.StartConversationResult{
		ConversationID: conv.ID,
		MessageID:      first.ID,
		Context:        domain.ContextInitial,
	}, nil
}

func (s *ConversationService) notifyNewConversation(ctx context.Context, bag *domain.Bag, conv *domain.Conversation, log zerolog.Logger) {
	ownerEmail, err := s.crypt.Decrypt(*bag.OwnerEmail)
	if err != nil {
		log.Error().Err(err).Msg("decrypt owner email failed")
		return
	}
	enqueued := s.dispatch(ctx, outbound{
		kind:           domain.KindNewConversation,
		msgContext:     domain.ContextInitial,
		recipient:      domain.RoleOwner,
		email:          ownerEmail,
		emailHash:      bag.OwnerEmailHash,
		conversationID: conv.ID,
		bagShortID:     bag.ShortID,
		token:          conv.ID,
		withLink:       true,
	}, log)
	if enqueued {
		if _, err := s.counters.Increment(ctx, conv.ID, domain.RoleOwner); err != nil {
			log.Error().Err(err).Msg("owner notification counter increment failed")
		}
	}
}

// SendReply 기존 대화에 메시지 추가
func (s *ConversationService) SendReply(ctx context.Context, req *domain.SendReplyRequest) (*domain.SendReplyResult, error) {
	if err := common.ValidateRequest(req); err != nil {
		return nil, err
	}
	id, sender := req.ConversationID, req.Sender.Role

	snap, err := s.loadSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(snap, req.Sender); err != nil {
		return nil, err
	}
	switch snap.Status {
	case domain.ConversationResolved:
		return nil, common.ErrConversationResolved
	case domain.ConversationArchived:
		return nil, common.ErrConversationArchived
	}

	msgContext := ClassifyContext(snap.History(), sender)

	content, err := s.crypt.Encrypt(strings.TrimSpace(req.Content))
	if err != nil {
		return nil, err
	}
	msg, err := s.convRepo.AddMessage(ctx, id, sender, content)
	if err != nil {
		return nil, err
	}

	log := s.log.With().Str("conversation_id", id).Str("sender", string(sender)).Logger()

	// 답장한 쪽은 대화에 참여 중이므로 그 쪽으로의 알림 제한을 초기화
	if err := s.counters.Reset(ctx, id, sender); err != nil {
		log.Error().Err(err).Msg("reset notification counter failed")
	}
	if sender == domain.RoleFinder {
		if err := s.unread.OnFinderMessage(ctx, snap.Bag.ID, id); err != nil {
			log.Error().Err(err).Msg("unread counter increment failed")
		}
	}
	s.invalidate(ctx, id, snap.Bag.OwnerEmailHash)

	notified := s.notifyReply(ctx, snap, sender.Opposite(), msgContext, msg.ID, log)

	n, err := s.convRepo.MarkRead(ctx, id, sender)
	if err != nil {
		log.Error().Err(err).Msg("mark read after reply failed")
	} else if n > 0 {
		if sender == domain.RoleOwner {
			if err := s.unread.OnRead(ctx, snap.Bag.ID, id, n); err != nil {
				log.Error().Err(err).Msg("unread counter decrement failed")
			}
		}
		s.invalidate(ctx, id, snap.Bag.OwnerEmailHash)
	}

	return &domain.SendReplyResult{MessageID: msg.ID, Context: msgContext, Notified: notified}, nil
}

// notifyReply 수신자 슬롯을 먼저 예약하고 알림을 큐에 넣는다. 큐에 넣지 못하면 슬롯을 반환한다
func (s *ConversationService) notifyReply(ctx context.Context, snap *domain.ConversationSnapshot, recipient domain.Role,
	msgContext domain.MessageContext, messageID string, log zerolog.Logger) bool {
	encEmail, emailHash := snap.FinderEmail, snap.FinderEmailHash
	if recipient == domain.RoleOwner {
		encEmail, emailHash = snap.Bag.OwnerEmail, snap.Bag.OwnerEmailHash
	}
	if encEmail == nil {
		log.Debug().Str("recipient", string(recipient)).Msg("no email on file, notification skipped")
		return false
	}

	reserved, err := s.counters.TryReserve(ctx, snap.ID, recipient, NotificationThrottle)
	if err != nil {
		log.Error().Err(err).Msg("reserve notification slot failed")
		return false
	}
	if !reserved {
		log.Info().
			Str("recipient", string(recipient)).
			Int64("limit", NotificationThrottle).
			Msg("notification throttled, recipient has not replied")
		return false
	}
	release := func() {
		if err := s.counters.Release(ctx, snap.ID, recipient); err != nil {
			log.Error().Err(err).Msg("release notification slot failed")
		}
	}

	email, err := s.crypt.Decrypt(*encEmail)
	if err != nil {
		log.Error().Err(err).Msg("decrypt recipient email failed")
		release()
		return false
	}

	var ownerName, finderName string
	if snap.Bag.OwnerName != nil {
		ownerName = *snap.Bag.OwnerName
	}
	if snap.FinderName != nil {
		finderName = *snap.FinderName
	}

	enqueued := s.dispatch(ctx, outbound{
		kind:           domain.KindNewMessage,
		msgContext:     msgContext,
		recipient:      recipient,
		email:          email,
		emailHash:      emailHash,
		conversationID: snap.ID,
		bagShortID:     snap.Bag.ShortID,
		ownerName:      ownerName,
		finderName:     finderName,
		token:          messageID,
		withLink:       true,
	}, log)
	if !enqueued {
		release()
		return false
	}
	return true
}

// ResolveConversation 소유자가 대화를 해결 처리
func (s *ConversationService) ResolveConversation(ctx context.Context, req *domain.OwnerActionRequest) (*domain.Conversation, error) {
	snap, err := s.ownerSnapshot(ctx, req)
	if err != nil {
		return nil, err
	}

	conv, err := s.convRepo.UpdateStatus(ctx, req.ConversationID, domain.ConversationResolved)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, conv.ID, snap.Bag.OwnerEmailHash)

	log := s.log.With().Str("conversation_id", conv.ID).Logger()
	log.Info().Msg("conversation resolved")

	if snap.FinderEmail != nil {
		email, err := s.crypt.Decrypt(*snap.FinderEmail)
		if err != nil {
			log.Error().Err(err).Msg("decrypt finder email failed")
			return conv, nil
		}
		token := "resolved"
		if conv.ResolvedAt != nil {
			token += ":" + conv.ResolvedAt.Format(time.RFC3339Nano)
		}
		s.dispatch(ctx, outbound{
			kind:           domain.KindResolved,
			msgContext:     domain.ContextResponse,
			recipient:      domain.RoleFinder,
			email:          email,
			emailHash:      snap.FinderEmailHash,
			conversationID: conv.ID,
			bagShortID:     snap.Bag.ShortID,
			token:          token,
		}, log)
	}
	return conv, nil
}

// ArchiveConversation resolved -> archived
func (s *ConversationService) ArchiveConversation(ctx context.Context, req *domain.OwnerActionRequest) (*domain.Conversation, error) {
	snap, err := s.ownerSnapshot(ctx, req)
	if err != nil {
		return nil, err
	}
	conv, err := s.convRepo.Archive(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, conv.ID, snap.Bag.OwnerEmailHash)
	return conv, nil
}

// RestoreConversation archived -> resolved, resolved -> active
func (s *ConversationService) RestoreConversation(ctx context.Context, req *domain.OwnerActionRequest) (*domain.Conversation, error) {
	snap, err := s.ownerSnapshot(ctx, req)
	if err != nil {
		return nil, err
	}
	conv, err := s.convRepo.Restore(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, conv.ID, snap.Bag.OwnerEmailHash)
	return conv, nil
}

// GetConversationThread 접근 권한 확인 후 복호화된 스레드 반환.
// 존재하지 않는 대화도 AccessDenied로 응답한다.
func (s *ConversationService) GetConversationThread(ctx context.Context, req *domain.ThreadRequest) (*domain.ConversationSnapshot, error) {
	if err := common.ValidateRequest(req); err != nil {
		return nil, err
	}

	snap, err := s.loadSnapshot(ctx, req.ConversationID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.ErrAccessDenied
	}
	if err != nil {
		return nil, err
	}
	if err := s.authorize(snap, req.Viewer); err != nil {
		return nil, err
	}

	n, err := s.convRepo.MarkRead(ctx, snap.ID, req.Viewer.Role)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		if req.Viewer.Role == domain.RoleOwner {
			if err := s.unread.OnRead(ctx, snap.Bag.ID, snap.ID, n); err != nil {
				s.log.Error().Err(err).Str("conversation_id", snap.ID).Msg("unread counter decrement failed")
			}
		}
		s.invalidate(ctx, snap.ID, snap.Bag.OwnerEmailHash)
		snap = markSnapshotRead(snap, req.Viewer.Role, s.now())
	}

	plain, err := snap.Transform(s.crypt.Decrypt)
	if err != nil {
		return nil, err
	}
	return plain.Redacted(), nil
}

func markSnapshotRead(snap *domain.ConversationSnapshot, reader domain.Role, at time.Time) *domain.ConversationSnapshot {
	out := *snap
	out.Messages = make([]domain.MessageSnapshot, len(snap.Messages))
	for i, m := range snap.Messages {
		if m.SenderRole != reader && m.ReadAt == nil {
			readAt := at
			m.ReadAt = &readAt
		}
		out.Messages[i] = m
	}
	return &out
}

// loadSnapshot cache-aside 조회. 캐시에는 암호문 스냅샷을 저장한다.
func (s *ConversationService) loadSnapshot(ctx context.Context, id string) (*domain.ConversationSnapshot, error) {
	var exists string
	if err := s.cache.Get(ctx, cache.ExistsKey(id), &exists); err == nil && exists == "0" {
		return nil, common.ErrConversationNotFound
	}

	var cached domain.ConversationSnapshot
	err := s.cache.Get(ctx, cache.ThreadKey(id), &cached)
	switch {
	case err == nil:
		return &cached, nil
	case isMiss(err), errors.Is(err, cache.ErrUnavailable):
	default:
		s.log.Warn().Err(err).Str("conversation_id", id).Msg("thread cache read failed")
	}

	snap, err := s.convRepo.LoadSnapshot(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		if err := s.cache.Set(ctx, cache.ExistsKey(id), "0", cache.TTLExists); err != nil {
			s.log.Warn().Err(err).Msg("exists cache write failed")
		}
		return nil, common.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, cache.ThreadKey(id), snap, cache.TTLThread); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", id).Msg("thread cache write failed")
	}
	return snap, nil
}

// ownerSnapshot 소유자 동작 공통: 검증, 조회, 소유권 확인
func (s *ConversationService) ownerSnapshot(ctx context.Context, req *domain.OwnerActionRequest) (*domain.ConversationSnapshot, error) {
	if err := common.ValidateRequest(req); err != nil {
		return nil, err
	}
	snap, err := s.loadSnapshot(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(snap, domain.Viewer{Role: domain.RoleOwner, Email: req.OwnerEmail}); err != nil {
		return nil, err
	}
	return snap, nil
}

// authorize 소유자는 가방 소유 이메일 해시와, 발견자는 기록된 이메일 해시와 일치해야 한다
func (s *ConversationService) authorize(snap *domain.ConversationSnapshot, viewer domain.Viewer) error {
	var stored *string
	switch viewer.Role {
	case domain.RoleOwner:
		stored = snap.Bag.OwnerEmailHash
		if stored == nil {
			return common.ErrAccessDenied
		}
	case domain.RoleFinder:
		stored = snap.FinderEmailHash
		if stored == nil {
			return nil
		}
	default:
		return common.ErrAccessDenied
	}

	if strings.TrimSpace(viewer.Email) == "" {
		return common.ErrAccessDenied
	}
	hash, err := s.crypt.HashForLookup(viewer.Email)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(*stored)) != 1 {
		return common.ErrAccessDenied
	}
	return nil
}

// invalidate 스레드와 소유자 대시보드 캐시 삭제. 실패해도 저장은 이미 성공했으므로 로그만 남긴다.
func (s *ConversationService) invalidate(ctx context.Context, conversationID string, ownerHash *string) {
	keys := []string{cache.ThreadKey(conversationID)}
	if ownerHash != nil {
		keys = append(keys, cache.OwnerListKey(*ownerHash))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("cache invalidation failed")
	}
}

// outbound 큐에 넣을 알림 하나
type outbound struct {
	kind           domain.NotificationKind
	msgContext     domain.MessageContext
	recipient      domain.Role
	email          string
	emailHash      *string
	conversationID string
	bagShortID     string
	ownerName      string
	finderName     string
	token          string
	withLink       bool
}

// dispatch 수신 설정 확인, 매직링크 발급, 본문 생성, 큐 등록.
// 모든 실패는 로그로 끝나며 새로 큐에 들어갔을 때만 true.
func (s *ConversationService) dispatch(ctx context.Context, o outbound, log zerolog.Logger) bool {
	log = log.With().Str("kind", string(o.kind)).Str("recipient", string(o.recipient)).Logger()

	hash := ""
	if o.emailHash != nil {
		hash = *o.emailHash
	} else if h, err := s.crypt.HashForLookup(o.email); err == nil {
		hash = h
	}
	if hash != "" {
		allowed, err := s.prefs.ShouldSend(ctx, hash, o.kind)
		if err != nil {
			log.Warn().Err(err).Msg("preference lookup failed, sending anyway")
		} else if !allowed {
			log.Info().Msg("recipient opted out of notification")
			return false
		}
	}

	var link string
	if o.withLink {
		token, err := s.links.IssueLink(jwt.Identity{
			Email:          o.email,
			Role:           string(o.recipient),
			ConversationID: o.conversationID,
		})
		if err != nil {
			log.Error().Err(err).Msg("issue magic link failed")
			return false
		}
		link = s.publicURL + "/conversations/" + o.conversationID + "?token=" + url.QueryEscape(token)
	}

	rendered, err := s.builder.Build(NotificationData{
		Kind:          o.kind,
		Context:       o.msgContext,
		RecipientRole: o.recipient,
		BagShortID:    o.bagShortID,
		OwnerName:     o.ownerName,
		FinderName:    o.finderName,
		Link:          link,
	})
	if err != nil {
		log.Error().Err(err).Msg("build notification failed")
		return false
	}

	enqueued, err := s.notifier.Enqueue(ctx, domain.Notification{
		Kind:            o.kind,
		ConversationID:  o.conversationID,
		RecipientRole:   o.recipient,
		Recipient:       o.email,
		Subject:         rendered.Subject,
		HTMLBody:        rendered.HTMLBody,
		TextBody:        rendered.TextBody,
		UniquenessToken: o.token,
	})
	if err != nil {
		if errors.Is(err, common.ErrServiceUnavailable) {
			log.Warn().Msg("notification dispatch suspended, circuit breaker open")
		} else {
			log.Error().Err(err).Msg("enqueue notification failed")
		}
		return false
	}
	if !enqueued {
		log.Debug().Msg("duplicate notification ignored")
	}
	return enqueued
}
