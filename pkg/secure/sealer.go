// Package secure 提供凭证静态加密：argon2id 派生密钥 + XChaCha20-Poly1305。
package secure

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const prefix = "enc:v1:"

// 固定盐：密钥来自运营者口令，盐只用于区分用途
var salt = []byte("linkpilot/credential/v1")

// Sealer 加解密字符串；未配置口令时为透传
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer passphrase 为空返回透传 Sealer
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return &Sealer{}, nil
	}
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Enabled 是否启用加密
func (s *Sealer) Enabled() bool { return s != nil && s.aead != nil }

// Seal 加密；空串原样返回
func (s *Sealer) Seal(plain string) (string, error) {
	if !s.Enabled() || plain == "" {
		return plain, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ct := s.aead.Seal(nonce, nonce, []byte(plain), nil)
	return prefix + base64.RawStdEncoding.EncodeToString(ct), nil
}

// Open 解密；没有前缀的旧数据按明文返回
func (s *Sealer) Open(value string) (string, error) {
	if !strings.HasPrefix(value, prefix) {
		return value, nil
	}
	if !s.Enabled() {
		return "", errors.New("sealed value but no token key configured")
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n {
		return "", errors.New("sealed value too short")
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plain), nil
}
