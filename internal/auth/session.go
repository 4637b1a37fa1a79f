package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CookieName 会话 cookie
const CookieName = "linkpilot_session"

var ErrInvalidSession = errors.New("invalid session")

// Sessions 签发/校验 HS256 会话令牌，subject 无意义，jti 即会话 id
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions secret 为空时随机生成（进程重启后旧 cookie 失效）
func NewSessions(secret string, ttl time.Duration, now func() time.Time) (*Sessions, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &Sessions{secret: key, ttl: ttl, now: now}, nil
}

// TTL cookie MaxAge 用
func (s *Sessions) TTL() time.Duration { return s.ttl }

// Issue 新会话，返回令牌和会话 id
func (s *Sessions) Issue() (string, string, error) {
	now := s.now()
	sid := uuid.NewString()
	claims := jwt.RegisteredClaims{
		ID:        sid,
		Issuer:    "linkpilot",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign session: %w", err)
	}
	return tok, sid, nil
}

// Parse 校验签名与有效期，返回会话 id
func (s *Sessions) Parse(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer("linkpilot"),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if _, err := uuid.Parse(claims.ID); err != nil {
		return "", fmt.Errorf("%w: bad session id", ErrInvalidSession)
	}
	return claims.ID, nil
}
