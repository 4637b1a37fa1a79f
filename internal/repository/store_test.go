package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/model"
	"github.com/d60-Lab/linkpilot/pkg/database"
	"github.com/d60-Lab/linkpilot/pkg/secure"
)

func setupStore(tb testing.TB) *Store {
	tb.Helper()
	db, err := database.OpenSQLite(filepath.Join(tb.TempDir(), "store.db"), nil)
	require.NoError(tb, err)
	sealer, err := secure.NewSealer("test-key")
	require.NoError(tb, err)
	s := NewStore(db, sealer)
	require.NoError(tb, s.Migrate())
	return s
}

func TestTokensReplaceKeepsSingleCredential(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.Tokens.Current(ctx)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, s.Tokens.Replace(ctx, &model.Credential{AccessToken: "a1", ExpiresAt: now.Add(time.Hour), IssuedAt: now}))
	require.NoError(t, s.Tokens.Replace(ctx, &model.Credential{AccessToken: "a2", RefreshToken: "r2", ExpiresAt: now.Add(2 * time.Hour), IssuedAt: now}))

	n, err := s.Tokens.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	cur, err := s.Tokens.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a2", cur.AccessToken)
	assert.Equal(t, "r2", cur.RefreshToken)
	assert.True(t, cur.Valid(now))
	assert.False(t, cur.Valid(now.Add(3*time.Hour)))

	// 落盘的是密文
	var raw model.Credential
	require.NoError(t, s.DB().First(&raw).Error)
	assert.NotEqual(t, "a2", raw.AccessToken)

	require.NoError(t, s.Tokens.Clear(ctx))
	_, err = s.Tokens.Current(ctx)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPostLifecycleGuards(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := &model.Post{Body: "B", SourceURL: "https://example.com/a"}
	require.NoError(t, s.Posts.Create(ctx, p))
	assert.Equal(t, model.PostStatusDraft, p.Status)

	ok, err := s.Posts.MarkPublishing(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Posts.MarkPublishing(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok, "publishing twice must be refused")

	ok, err = s.Posts.MarkPublished(ctx, p.ID, "urn:li:share:1", "urn:li:share:1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	// 已有 external id 后不能再进入 publishing
	ok, err = s.Posts.MarkPublishing(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Posts.ByExternalID(ctx, "urn:li:share:1")
	require.NoError(t, err)
	assert.Equal(t, model.PostStatusPublished, got.Status)

	due, err := s.Posts.DueFollowUps(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = s.Posts.DueFollowUps(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	ok, err = s.Posts.MarkFollowUpPosted(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Posts.MarkFollowUpPosted(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFollowUpSkippedLeavesDueList(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := &model.Post{Body: "B", SourceURL: "https://example.com/a"}
	require.NoError(t, s.Posts.Create(ctx, p))
	ok, err := s.Posts.MarkPublished(ctx, p.ID, "9", "urn:li:share:9", now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Posts.MarkFollowUpSkipped(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Posts.MarkFollowUpSkipped(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	due, err := s.Posts.DueFollowUps(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	// 放弃后不能再记成已跟帖
	ok, err = s.Posts.MarkFollowUpPosted(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	got, err := s.Posts.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.FollowUpPosted)
	assert.True(t, got.FollowUpSkipped)
}

func TestDraftedTargets(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	t1, t2 := uint(11), uint(12)
	require.NoError(t, s.Posts.Create(ctx, &model.Post{Body: "a", TargetID: &t1}))
	published := &model.Post{Body: "b", TargetID: &t2}
	require.NoError(t, s.Posts.Create(ctx, published))
	require.NoError(t, s.Posts.Create(ctx, &model.Post{Body: "c"}))
	ok, err := s.Posts.MarkPublished(ctx, published.ID, "10", "urn:li:share:10", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	drafted, err := s.Posts.DraftedTargets(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[uint]bool{t1: true}, drafted)

	// 一个审批条目只对应一条帖子
	assert.Error(t, s.Posts.Create(ctx, &model.Post{Body: "d", TargetID: &t1}))
}

func TestDraftsDoNotCollideOnExternalID(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Posts.Create(ctx, &model.Post{Body: fmt.Sprintf("draft %d", i)}))
	}
	list, err := s.Posts.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestCommentObserveIsIdempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := func() *model.Comment {
		return &model.Comment{ExternalID: "c-1", ParentExternalID: "urn:li:share:1", Author: "urn:li:person:x", Body: "hi", SeenAt: now}
	}
	created, err := s.Comments.Observe(ctx, c())
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.Comments.Observe(ctx, c())
	require.NoError(t, err)
	assert.False(t, created)

	list, err := s.Comments.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCommentDueAndReplied(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	due := now.Add(-time.Minute)
	later := now.Add(time.Hour)

	a := &model.Comment{ExternalID: "a", SeenAt: now, NextReplyAt: &due}
	b := &model.Comment{ExternalID: "b", SeenAt: now, NextReplyAt: &later}
	_, err := s.Comments.Observe(ctx, a)
	require.NoError(t, err)
	_, err = s.Comments.Observe(ctx, b)
	require.NoError(t, err)

	list, err := s.Comments.DueReplies(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ExternalID)

	ok, err := s.Comments.MarkReplied(ctx, list[0].ID, "r-a", now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Comments.MarkReplied(ctx, list[0].ID, "r-a2", now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Comments.Get(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommentStatusReplied, got.Status)
	require.NotNil(t, got.ReplyExternalID)
	assert.Equal(t, "r-a", *got.ReplyExternalID)
	assert.False(t, got.RepliedAt.Before(got.SeenAt))
}

func TestProactiveQueue(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &model.ProactiveTarget{TargetURN: "urn:li:activity:1", SuggestedBody: "one"}
	second := &model.ProactiveTarget{TargetURN: "urn:li:activity:2", SuggestedBody: "two"}
	require.NoError(t, s.Targets.Enqueue(ctx, first))
	require.NoError(t, s.Targets.Enqueue(ctx, second))

	_, err := s.Targets.OldestApproved(ctx, model.TargetKindComment, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	for _, id := range []uint{first.ID, second.ID} {
		ok, err := s.Targets.Approve(ctx, id, now)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := s.Targets.Approve(ctx, first.ID, now)
	require.NoError(t, err)
	assert.False(t, ok, "approve only from pending")

	got, err := s.Targets.OldestApproved(ctx, model.TargetKindComment, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = s.Targets.OldestApproved(ctx, model.TargetKindComment, func(id uint) bool { return id == first.ID })
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	ok, err = s.Targets.MarkPosted(ctx, first.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Targets.Reject(ctx, second.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	pending, err := s.Targets.ListByStatus(ctx, model.TargetStatusPending, model.TargetStatusApproved)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestInviteQueue(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inv := &model.InviteTarget{PersonURN: "urn:li:person:abc", DisplayName: "Ada"}
	created, err := s.Invites.Enqueue(ctx, inv)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.Invites.Enqueue(ctx, &model.InviteTarget{PersonURN: "urn:li:person:abc"})
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.Invites.OldestPending(ctx, nil)
	require.NoError(t, err)
	ok, err := s.Invites.MarkSent(ctx, got.ID, "hello", now)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Invites.OldestPending(ctx, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	ok, err = s.Invites.SetStatus(ctx, got.ID, model.InviteStatusAccepted, now)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = s.Invites.Get(ctx, got.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.AcceptedAt)

	_, err = s.Invites.SetStatus(ctx, got.ID, "bogus", now)
	assert.Error(t, err)
}

func TestCounterUpsert(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	c, err := s.Counters.Get(ctx, "2026-01-02")
	require.NoError(t, err)
	assert.Equal(t, 0, c.PostsCreated)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Counters.Increment(ctx, "2026-01-02", model.CounterPosts))
	}
	require.NoError(t, s.Counters.Increment(ctx, "2026-01-02", model.CounterInvitesSent))
	require.NoError(t, s.Counters.Increment(ctx, "2026-01-03", model.CounterPosts))

	c, err = s.Counters.Get(ctx, "2026-01-02")
	require.NoError(t, err)
	assert.Equal(t, 3, c.Value(model.CounterPosts))
	assert.Equal(t, 1, c.Value(model.CounterInvitesSent))
	assert.Equal(t, 0, c.Value(model.CounterProactiveComments))

	c, err = s.Counters.Get(ctx, "2026-01-03")
	require.NoError(t, err)
	assert.Equal(t, 1, c.PostsCreated)

	assert.Error(t, s.Counters.Increment(ctx, "2026-01-03", model.CounterKind("posts_created = 0; --")))
}

func TestCounterConcurrentIncrements(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Counters.Increment(ctx, "2026-02-01", model.CounterCommentsReplied))
		}()
	}
	wg.Wait()
	c, err := s.Counters.Get(ctx, "2026-02-01")
	require.NoError(t, err)
	assert.Equal(t, 20, c.CommentsReplied)
}

func TestFailedActions(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := &model.FailedAction{Kind: model.ActionKindPost, Subject: "post:1", Payload: `{"post_id":1}`, Attempts: 1, NextAttemptAt: now.Add(time.Minute)}
	require.NoError(t, s.FailedActions.Enqueue(ctx, a))

	due, err := s.FailedActions.Due(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = s.FailedActions.Due(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, s.FailedActions.RecordFailure(ctx, a.ID, FailureUpdate{
		Attempts: 8, Status: model.ActionStatusExhausted, LastError: "boom", At: now, Next: now.Add(time.Hour),
	}))
	due, err = s.FailedActions.Due(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "exhausted rows are not due")

	subjects, err := s.FailedActions.OpenSubjects(ctx, "post:")
	require.NoError(t, err)
	assert.True(t, subjects["post:1"])

	ok, err := s.FailedActions.Requeue(ctx, a.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)
	due, err = s.FailedActions.Due(ctx, now, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	n, err := s.FailedActions.CountOpen(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	ok, err = s.FailedActions.Delete(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.FailedActions.Delete(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEventsAndSchedules(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Events.Append(ctx, model.EventHoursDenied, "hour 23"))
	require.NoError(t, s.Events.Append(ctx, model.EventAlert, "token expired"))
	recent, err := s.Events.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, model.EventAlert, recent[0].Kind)
	n, err := s.Events.CountKind(ctx, model.EventHoursDenied)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	next := now.Add(time.Hour)
	require.NoError(t, s.Schedules.Upsert(ctx, "post", &next))
	next2 := now.Add(2 * time.Hour)
	require.NoError(t, s.Schedules.Upsert(ctx, "post", &next2))
	require.NoError(t, s.Schedules.MarkRun(ctx, "post", now, "ok"))
	entries, err := s.Schedules.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.WithinDuration(t, next2, *entries[0].NextRunAt, time.Second)
	assert.Equal(t, "ok", entries[0].LastStatus)
}

func TestTransactionRollsBack(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	err := s.Transaction(ctx, func(tx *Store) error {
		if err := tx.Counters.Increment(ctx, "2026-03-01", model.CounterPosts); err != nil {
			return err
		}
		return apperr.ErrPublishFailed
	})
	assert.ErrorIs(t, err, apperr.ErrPublishFailed)
	c, err := s.Counters.Get(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 0, c.PostsCreated)
}

func BenchmarkCommentObserve(b *testing.B) {
	s := setupStore(b)
	ctx := context.Background()
	now := time.Now().UTC()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// 一半是重复观察
		_, _ = s.Comments.Observe(ctx, &model.Comment{ExternalID: fmt.Sprintf("c%d", i/2), SeenAt: now})
	}
}
