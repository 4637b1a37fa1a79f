// Package auth OAuth state 绑定：签名会话 cookie + 一次性 state 存储（内存或 redis）。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateTTL login 到 callback 的最长间隔
const StateTTL = 10 * time.Minute

var ErrStateMissing = errors.New("oauth state missing or expired")

// StateStore 以会话 id 为键保存 state；Consume 读取即删除
type StateStore interface {
	Put(ctx context.Context, sessionID, state string, ttl time.Duration) error
	Consume(ctx context.Context, sessionID string) (string, error)
}

// NewState 32 字节随机数的 hex
func NewState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

type memEntry struct {
	state   string
	expires time.Time
}

// MemoryStates 进程内实现，单实例部署使用
type MemoryStates struct {
	mu  sync.Mutex
	m   map[string]memEntry
	now func() time.Time
}

func NewMemoryStates(now func() time.Time) *MemoryStates {
	if now == nil {
		now = time.Now
	}
	return &MemoryStates{m: map[string]memEntry{}, now: now}
}

func (s *MemoryStates) Put(_ context.Context, sessionID, state string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	// 顺手清理过期项
	for k, e := range s.m {
		if !now.Before(e.expires) {
			delete(s.m, k)
		}
	}
	s.m[sessionID] = memEntry{state: state, expires: now.Add(ttl)}
	return nil
}

func (s *MemoryStates) Consume(_ context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[sessionID]
	delete(s.m, sessionID)
	if !ok || !s.now().Before(e.expires) {
		return "", ErrStateMissing
	}
	return e.state, nil
}

// RedisStates 多实例共享；过期交给 redis TTL
type RedisStates struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStates(rdb *redis.Client) *RedisStates {
	return &RedisStates{rdb: rdb, prefix: "linkpilot:oauth_state:"}
}

// NewRedisStatesFromURL url 形如 redis://host:6379/0
func NewRedisStatesFromURL(url string) (*RedisStates, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStates(redis.NewClient(opt)), nil
}

func (s *RedisStates) Put(ctx context.Context, sessionID, state string, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.prefix+sessionID, state, ttl).Err()
}

func (s *RedisStates) Consume(ctx context.Context, sessionID string) (string, error) {
	v, err := s.rdb.GetDel(ctx, s.prefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrStateMissing
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// Ping 供诊断使用
func (s *RedisStates) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStates) Close() error { return s.rdb.Close() }
