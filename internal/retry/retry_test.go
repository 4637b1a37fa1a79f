package retry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/model"
	"github.com/d60-Lab/linkpilot/internal/repository"
	"github.com/d60-Lab/linkpilot/pkg/alert"
	"github.com/d60-Lab/linkpilot/pkg/database"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type hours bool

func (h hours) HoursOpen() bool { return bool(h) }

func setup(t *testing.T) (*repository.Store, *clock) {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "retry.db"), nil)
	require.NoError(t, err)
	s := repository.NewStore(db, nil)
	require.NoError(t, s.Migrate())
	return s, &clock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

var policy = Policy{Base: time.Minute, Cap: time.Hour, MaxAttempts: 8}

func TestDelay(t *testing.T) {
	assert.Equal(t, time.Minute, policy.Delay(1))
	assert.Equal(t, 2*time.Minute, policy.Delay(2))
	assert.Equal(t, 32*time.Minute, policy.Delay(6))
	assert.Equal(t, time.Hour, policy.Delay(7))
	assert.Equal(t, time.Hour, policy.Delay(20))
}

func TestEnqueueCountsOriginalAttempt(t *testing.T) {
	s, c := setup(t)
	q := NewQueue(s.FailedActions, policy, c.now)

	a, err := q.Enqueue(context.Background(), model.ActionKindPost, "post:1", map[string]any{"post_id": 1}, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, 1, a.Attempts)
	assert.Equal(t, c.t.Add(time.Minute), a.NextAttemptAt)

	got, err := s.FailedActions.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"post_id":1}`, got.Payload)
	assert.Equal(t, "boom", got.LastError)

	var payload struct {
		PostID uint `json:"post_id"`
	}
	require.NoError(t, Decode(got, &payload))
	assert.EqualValues(t, 1, payload.PostID)
}

func TestWorkerAttemptsAreBoundedAndMonotone(t *testing.T) {
	s, c := setup(t)
	ctx := context.Background()
	q := NewQueue(s.FailedActions, policy, c.now)

	var alerts []string
	w := NewWorker(q, hours(true), s.Events, alert.Func(func(_ context.Context, kind, _ string) {
		alerts = append(alerts, kind)
	}), 10)
	w.Register(model.ActionKindComment, ReplayFunc(func(context.Context, *model.FailedAction) error {
		return apperr.Wrapf(apperr.ErrPublishFailed, "still down")
	}))

	a, err := q.Enqueue(ctx, model.ActionKindComment, "reply:1", nil, errors.New("first"))
	require.NoError(t, err)

	prev := a.NextAttemptAt
	for i := 0; i < 12; i++ {
		c.advance(2 * time.Hour)
		_, err := w.RunOnce(ctx)
		require.NoError(t, err)

		cur, err := s.FailedActions.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, min(i+2, policy.MaxAttempts), cur.Attempts)
		assert.False(t, cur.NextAttemptAt.Before(prev))
		prev = cur.NextAttemptAt
		if cur.Attempts == policy.MaxAttempts {
			assert.Equal(t, model.ActionStatusExhausted, cur.Status)
		} else {
			assert.Equal(t, model.ActionStatusPending, cur.Status)
		}
	}
	assert.Equal(t, []string{model.EventActionExhausted}, alerts)
	n, err := s.Events.CountKind(ctx, model.EventActionExhausted)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// 手动重试回到 pending
	require.NoError(t, q.Requeue(ctx, a.ID))
	cur, err := s.FailedActions.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActionStatusPending, cur.Status)
	assert.True(t, errors.Is(q.Requeue(ctx, 999), apperr.ErrNotFound))
}

func TestWorkerSuccessDeletesAndGateDefers(t *testing.T) {
	s, c := setup(t)
	ctx := context.Background()
	q := NewQueue(s.FailedActions, policy, c.now)
	w := NewWorker(q, hours(true), s.Events, nil, 10)

	var calls int
	w.Register(model.ActionKindPost, ReplayFunc(func(context.Context, *model.FailedAction) error {
		calls++
		return nil
	}))
	w.Register(model.ActionKindInvite, ReplayFunc(func(context.Context, *model.FailedAction) error {
		return apperr.Wrapf(apperr.ErrQuotaDenied, "cap")
	}))

	ok, err := q.Enqueue(ctx, model.ActionKindPost, "post:1", nil, errors.New("x"))
	require.NoError(t, err)
	gated, err := q.Enqueue(ctx, model.ActionKindInvite, "invite:1", nil, errors.New("x"))
	require.NoError(t, err)

	// 未到期不处理
	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due)

	c.advance(2 * time.Minute)
	res, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Due: 2, Succeeded: 1, Deferred: 1}, res)
	assert.Equal(t, 1, calls)

	_, err = s.FailedActions.Get(ctx, ok.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	left, err := s.FailedActions.Get(ctx, gated.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, left.Attempts)
}

func TestWorkerSkipsOutsideHours(t *testing.T) {
	s, c := setup(t)
	ctx := context.Background()
	q := NewQueue(s.FailedActions, policy, c.now)
	w := NewWorker(q, hours(false), s.Events, nil, 10)
	w.Register(model.ActionKindPost, ReplayFunc(func(context.Context, *model.FailedAction) error {
		t.Fatal("must not replay outside operating hours")
		return nil
	}))
	_, err := q.Enqueue(ctx, model.ActionKindPost, "post:1", nil, errors.New("x"))
	require.NoError(t, err)

	c.advance(time.Hour)
	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestDeleteUnknown(t *testing.T) {
	s, c := setup(t)
	q := NewQueue(s.FailedActions, policy, c.now)
	assert.ErrorIs(t, q.Delete(context.Background(), 42), apperr.ErrNotFound)
}
