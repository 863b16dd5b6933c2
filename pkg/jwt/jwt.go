// Package jwt issues and verifies the magic-link and session tokens that
// give finders and owners password-less access to a conversation.
package jwt

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrTokenUsed    = errors.New("magic link already used")
)

// Token types
const (
	TypeMagicLink = "magic_link"
	TypeSession   = "session"
)

// Identity 토큰이 증명하는 주체
type Identity struct {
	Email          string `json:"email"`
	Role           string `json:"role"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Claims JWT 페이로드
type Claims struct {
	jwt.RegisteredClaims
	Identity
	Type string `json:"typ"`
}

// UseTracker 매직링크 jti 1회 사용 기록 (Redis SETNX)
type UseTracker interface {
	MarkUsed(ctx context.Context, jti string, ttl time.Duration) (firstUse bool, err error)
}

// Manager HS256 토큰 매니저
type Manager struct {
	tracker      UseTracker
	secretKey    []byte
	magicLinkTTL time.Duration
	sessionTTL   time.Duration
	now          func() time.Time
}

// NewManager creates a token manager. tracker may be nil, in which case
// magic links are not single-use.
func NewManager(secret string, magicLinkTTL, sessionTTL time.Duration, tracker UseTracker) *Manager {
	return &Manager{
		secretKey:    []byte(secret),
		magicLinkTTL: magicLinkTTL,
		sessionTTL:   sessionTTL,
		tracker:      tracker,
		now:          time.Now,
	}
}

// IssueLink 매직링크 토큰 생성
func (m *Manager) IssueLink(identity Identity) (string, error) {
	return m.sign(identity, TypeMagicLink, m.magicLinkTTL)
}

// IssueSession 세션 토큰 생성
func (m *Manager) IssueSession(identity Identity) (string, error) {
	return m.sign(identity, TypeSession, m.sessionTTL)
}

func (m *Manager) sign(identity Identity, typ string, ttl time.Duration) (string, error) {
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Identity: identity,
		Type:     typ,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secretKey)
}

// VerifyLink 매직링크 검증. 한 번 사용된 jti는 ErrTokenUsed
func (m *Manager) VerifyLink(ctx context.Context, tokenString string) (*Identity, error) {
	claims, err := m.parse(tokenString, TypeMagicLink)
	if err != nil {
		return nil, err
	}

	if m.tracker != nil {
		remaining := m.magicLinkTTL
		if claims.ExpiresAt != nil {
			remaining = claims.ExpiresAt.Sub(m.now())
		}
		first, err := m.tracker.MarkUsed(ctx, claims.ID, remaining)
		if err != nil {
			return nil, err
		}
		if !first {
			return nil, ErrTokenUsed
		}
	}
	return &claims.Identity, nil
}

// VerifySession 세션 토큰 검증
func (m *Manager) VerifySession(tokenString string) (*Identity, error) {
	claims, err := m.parse(tokenString, TypeSession)
	if err != nil {
		return nil, err
	}
	return &claims.Identity, nil
}

func (m *Manager) parse(tokenString, typ string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secretKey, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Type != typ {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
