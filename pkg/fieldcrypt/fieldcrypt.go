// Package fieldcrypt encrypts individual column values at rest and derives
// deterministic lookup hashes for values that must stay searchable.
package fieldcrypt

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/damoang/bagtag-backend/internal/common"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Prefix 암호문 식별 접두사
const Prefix = "enc:v1:"

// Gateway Encryption Gateway 인터페이스
type Gateway interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	HashForLookup(value string) (string, error)
}

type gateway struct {
	encKey  []byte
	hashKey []byte
}

// New creates a Gateway from a 32-byte master key.
// A nil key yields a gateway that fails every Encrypt/HashForLookup with ErrEncryption
// but still passes legacy plaintext through Decrypt.
func New(masterKey []byte) (Gateway, error) {
	if masterKey == nil {
		return &gateway{}, nil
	}
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}

	encKey, err := derive(masterKey, "bagtag field encryption")
	if err != nil {
		return nil, err
	}
	hashKey, err := derive(masterKey, "bagtag lookup hash")
	if err != nil {
		return nil, err
	}
	return &gateway{encKey: encKey, hashKey: hashKey}, nil
}

func derive(master []byte, info string) ([]byte, error) {
	out := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return out, nil
}

// IsEncrypted reports whether value carries the ciphertext prefix
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

func (g *gateway) Encrypt(plaintext string) (string, error) {
	if g.encKey == nil {
		return "", common.Wrap(common.CodeEncryption, "encryption key not configured", nil)
	}
	aead, err := chacha20poly1305.NewX(g.encKey)
	if err != nil {
		return "", common.Wrap(common.CodeEncryption, "init cipher", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", common.Wrap(common.CodeEncryption, "generate nonce", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt 접두사가 없는 값은 암호화 이전 데이터로 보고 그대로 반환
func (g *gateway) Decrypt(ciphertext string) (string, error) {
	if !IsEncrypted(ciphertext) {
		return ciphertext, nil
	}
	if g.encKey == nil {
		return "", common.Wrap(common.CodeEncryption, "encryption key not configured", nil)
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ciphertext, Prefix))
	if err != nil {
		return "", common.Wrap(common.CodeEncryption, "corrupt ciphertext", err)
	}
	aead, err := chacha20poly1305.NewX(g.encKey)
	if err != nil {
		return "", common.Wrap(common.CodeEncryption, "init cipher", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", common.Wrap(common.CodeEncryption, "corrupt ciphertext", errors.New("too short"))
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", common.Wrap(common.CodeEncryption, "decrypt", err)
	}
	return string(plain), nil
}

// HashForLookup 이메일 등 검색용 결정적 해시 (대소문자/공백 정규화)
func (g *gateway) HashForLookup(value string) (string, error) {
	if g.hashKey == nil {
		return "", common.Wrap(common.CodeEncryption, "encryption key not configured", nil)
	}
	mac := hmac.New(sha256.New, g.hashKey)
	mac.Write([]byte(Normalize(value)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Normalize trims and lower-cases an identity value before hashing
func Normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
