// Package retry 失败副作用的持久化重试队列与定时重放。
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/model"
	"github.com/d60-Lab/linkpilot/internal/repository"
)

// Policy 指数退避：n 次尝试后的间隔为 min(Base*2^(n-1), Cap)
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// Delay attempts 为已发生的尝试次数（>=1）
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	b := &backoff.Backoff{Min: p.Base, Max: p.Cap, Factor: 2}
	return b.ForAttempt(float64(attempts - 1))
}

type Queue struct {
	repo   repository.FailedActionRepository
	policy Policy
	now    func() time.Time
}

func NewQueue(repo repository.FailedActionRepository, policy Policy, now func() time.Time) *Queue {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 8
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{repo: repo, policy: policy, now: now}
}

func (q *Queue) Policy() Policy { return q.policy }

// Enqueue 首次失败也算一次尝试：attempts=1，next=now+base
func (q *Queue) Enqueue(ctx context.Context, kind, subject string, payload any, cause error) (*model.FailedAction, error) {
	raw, err := encode(payload)
	if err != nil {
		return nil, apperr.Store(err)
	}
	now := q.now().UTC()
	a := &model.FailedAction{
		Kind:          kind,
		Subject:       subject,
		Payload:       raw,
		LastError:     errText(cause),
		Attempts:      1,
		Status:        model.ActionStatusPending,
		LastAttemptAt: &now,
		NextAttemptAt: now.Add(q.policy.Delay(1)),
	}
	if err := q.repo.Enqueue(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Requeue 手动重试；不存在返回 ErrNotFound
func (q *Queue) Requeue(ctx context.Context, id uint) error {
	ok, err := q.repo.Requeue(ctx, id, q.now())
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Wrapf(apperr.ErrNotFound, "failed action %d", id)
	}
	return nil
}

func (q *Queue) Delete(ctx context.Context, id uint) error {
	ok, err := q.repo.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Wrapf(apperr.ErrNotFound, "failed action %d", id)
	}
	return nil
}

// Decode 把 payload 解到 v
func Decode(a *model.FailedAction, v any) error {
	if a.Payload == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(a.Payload), v); err != nil {
		return fmt.Errorf("decode payload of action %d: %w", a.ID, err)
	}
	return nil
}

func encode(payload any) (string, error) {
	switch p := payload.(type) {
	case nil:
		return "", nil
	case string:
		return p, nil
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(buf), nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > 1000 {
		s = s[:1000]
	}
	return s
}
