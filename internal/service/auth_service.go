package service

import (
	"context"
	"errors"
	"time"

	"github.com/damoang/bagtag-backend/internal/common"
	"github.com/damoang/bagtag-backend/internal/domain"
	"github.com/damoang/bagtag-backend/pkg/cache"
	"github.com/damoang/bagtag-backend/pkg/jwt"
	"github.com/rs/zerolog"
)

// AuthService magic link authentication business logic
type AuthService interface {
	VerifyMagicLink(ctx context.Context, token string) (*SessionResponse, error)
	Authenticate(sessionToken string) (*Session, error)
}

// Session 세션 토큰에서 확인된 주체
type Session struct {
	Viewer         domain.Viewer
	ConversationID string
}

// SessionResponse magic link exchange response
type SessionResponse struct {
	SessionToken   string      `json:"session_token"`
	Role           domain.Role `json:"role"`
	ConversationID string      `json:"conversation_id,omitempty"`
}

type authService struct {
	jwtManager *jwt.Manager
	log        zerolog.Logger
}

// NewAuthService creates a new AuthService
func NewAuthService(jwtManager *jwt.Manager, log zerolog.Logger) AuthService {
	return &authService{
		jwtManager: jwtManager,
		log:        log,
	}
}

// VerifyMagicLink 매직링크를 1회 소비하고 세션 토큰 발급
func (s *authService) VerifyMagicLink(ctx context.Context, token string) (*SessionResponse, error) {
	identity, err := s.jwtManager.VerifyLink(ctx, token)
	if err != nil {
		return nil, s.mapTokenError(err)
	}
	if !domain.Role(identity.Role).Valid() {
		return nil, common.ErrInvalidLink
	}

	session, err := s.jwtManager.IssueSession(*identity)
	if err != nil {
		return nil, common.Wrap(common.CodeInternal, "failed to issue session", err)
	}

	s.log.Info().
		Str("role", identity.Role).
		Str("conversation_id", identity.ConversationID).
		Msg("magic link exchanged")

	return &SessionResponse{
		SessionToken:   session,
		Role:           domain.Role(identity.Role),
		ConversationID: identity.ConversationID,
	}, nil
}

// Authenticate 세션 토큰 검증
func (s *authService) Authenticate(sessionToken string) (*Session, error) {
	identity, err := s.jwtManager.VerifySession(sessionToken)
	if err != nil {
		return nil, common.ErrUnauthorized
	}
	role := domain.Role(identity.Role)
	if !role.Valid() {
		return nil, common.ErrUnauthorized
	}
	return &Session{
		Viewer:         domain.Viewer{Role: role, Email: identity.Email},
		ConversationID: identity.ConversationID,
	}, nil
}

func (s *authService) mapTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrExpiredToken):
		return common.ErrExpiredLink
	case errors.Is(err, jwt.ErrInvalidToken), errors.Is(err, jwt.ErrTokenUsed):
		return common.ErrInvalidLink
	case errors.Is(err, cache.ErrUnavailable):
		return common.ErrServiceUnavailable
	default:
		return common.Wrap(common.CodeInternal, "magic link verification failed", err)
	}
}

// magicLinkTracker Redis SETNX 기반 jti 1회 사용 기록
type magicLinkTracker struct {
	cache cache.Service
}

// NewMagicLinkTracker returns a jwt.UseTracker backed by the cache
func NewMagicLinkTracker(c cache.Service) jwt.UseTracker {
	return &magicLinkTracker{cache: c}
}

func (t *magicLinkTracker) MarkUsed(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if ttl < time.Second {
		ttl = time.Second
	}
	return t.cache.SetNX(ctx, cache.MagicLinkUsedKey(jti), 1, ttl)
}
