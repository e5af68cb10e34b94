// Package credseal 加密存储在 users 表里的发件凭据（app password / refresh token）
package credseal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const prefix = "v1:"

var ErrNoKey = errors.New("credential is sealed but no key is configured")

// Sealer 使用 XChaCha20-Poly1305；key 为空时直接透传明文（本地开发）
type Sealer struct {
	key []byte
}

// New 解析 base64 编码的 32 字节 key
func New(encodedKey string) (*Sealer, error) {
	if encodedKey == "" {
		return &Sealer{}, nil
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("invalid credential key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid credential key: want %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Sealer{key: key}, nil
}

func (s *Sealer) Enabled() bool { return len(s.key) > 0 }

func (s *Sealer) Seal(plain string) (string, error) {
	if !s.Enabled() {
		return plain, nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := aead.Seal(nonce, nonce, []byte(plain), nil)
	return prefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open 解密；没有 v1: 前缀的值视为历史明文
func (s *Sealer) Open(value string) (string, error) {
	if !strings.HasPrefix(value, prefix) {
		return value, nil
	}
	if !s.Enabled() {
		return "", ErrNoKey
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil {
		return "", fmt.Errorf("malformed sealed credential: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", errors.New("malformed sealed credential: too short")
	}
	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("failed to open credential: %w", err)
	}
	return string(plain), nil
}
