package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/feed"
	"github.com/d60-Lab/linkpilot/internal/llm"
	"github.com/d60-Lab/linkpilot/internal/model"
	"github.com/d60-Lab/linkpilot/internal/moderation"
	"github.com/d60-Lab/linkpilot/internal/quota"
	"github.com/d60-Lab/linkpilot/internal/repository"
	"github.com/d60-Lab/linkpilot/internal/retry"
	"github.com/d60-Lab/linkpilot/internal/social"
	"github.com/d60-Lab/linkpilot/pkg/alert"
	"github.com/d60-Lab/linkpilot/pkg/database"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type staticFeed []feed.Entry

func (f staticFeed) FetchRecent(context.Context) []feed.Entry { return f }

// scriptLLM 按顺序返回预设结果，用完后返回 fallback 文本
type scriptLLM struct {
	mu      sync.Mutex
	script  []llmReply
	prompts []string
}

type llmReply struct {
	text string
	err  error
}

func (s *scriptLLM) Generate(_ context.Context, prompt string, _ float32, _ int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if len(s.script) == 0 {
		return "generated text", nil
	}
	r := s.script[0]
	s.script = s.script[1:]
	return r.text, r.err
}

func (s *scriptLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

type sentComment struct {
	object, text, parent string
}

type fakeSocial struct {
	mu       sync.Mutex
	me       social.Identity
	meErr    error
	postErrs []error
	comErrs  []error
	invErrs  []error
	remote   map[string][]social.RemoteComment
	// 每次发帖前的延迟，拉长发布与计数之间的窗口
	postDelay time.Duration

	posts    []string
	comments []sentComment
	invites  map[string]string
	likes    []string
	calls    int
	seq      int
}

func newFakeSocial() *fakeSocial {
	return &fakeSocial{
		me:      social.Identity{ID: "me", URN: "urn:li:person:me"},
		remote:  map[string][]social.RemoteComment{},
		invites: map[string]string{},
	}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeSocial) Me(context.Context) (social.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.me, f.meErr
}

func (f *fakeSocial) PublishPost(_ context.Context, text string) (social.Ref, error) {
	time.Sleep(f.postDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := pop(&f.postErrs); err != nil {
		return social.Ref{}, err
	}
	f.seq++
	f.posts = append(f.posts, text)
	id := fmt.Sprintf("%d", 7000+f.seq)
	return social.Ref{ID: id, URN: "urn:li:share:" + id}, nil
}

func (f *fakeSocial) PublishComment(_ context.Context, objectURN, text, parentURN string) (social.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := pop(&f.comErrs); err != nil {
		return social.Ref{}, err
	}
	f.seq++
	f.comments = append(f.comments, sentComment{object: objectURN, text: text, parent: parentURN})
	id := fmt.Sprintf("%d", 9000+f.seq)
	return social.Ref{ID: id, URN: "urn:li:comment:(" + objectURN + "," + id + ")"}, nil
}

func (f *fakeSocial) ListComments(_ context.Context, objectURN string) ([]social.RemoteComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote[objectURN], nil
}

func (f *fakeSocial) Like(_ context.Context, objectURN string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.likes = append(f.likes, objectURN)
	return nil
}

func (f *fakeSocial) SendInvite(_ context.Context, personURN, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := pop(&f.invErrs); err != nil {
		return err
	}
	f.invites[personURN] = message
	return nil
}

func (f *fakeSocial) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	t      *testing.T
	store  *repository.Store
	clock  *clock
	social *fakeSocial
	llm    *scriptLLM
	gate   *quota.Gate
	queue  *retry.Queue
	alerts []string
	deps   Deps
}

var istanbul = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Istanbul")
	if err != nil {
		panic(err)
	}
	return loc
}()

// 2026-03-10 是周二
func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, istanbul)
}

func newFixture(t *testing.T, feeds FeedSource, start time.Time) *fixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "service.db"), nil)
	require.NoError(t, err)
	store := repository.NewStore(db, nil)
	require.NoError(t, store.Migrate())

	f := &fixture{t: t, store: store, clock: &clock{t: start}, social: newFakeSocial(), llm: &scriptLLM{}}
	f.gate = quota.New(store.Counters, quota.Options{
		Location: istanbul, Start: 7, End: 22, Now: f.clock.now,
		Caps: map[model.CounterKind]int{
			model.CounterPosts:             3,
			model.CounterCommentsReplied:   20,
			model.CounterProactiveComments: 9,
			model.CounterInvitesSent:       5,
		},
	})
	f.queue = retry.NewQueue(store.FailedActions, retry.Policy{Base: time.Minute, Cap: time.Hour, MaxAttempts: 8}, f.clock.now)
	f.deps = Deps{
		Store:  store,
		Social: f.social,
		LLM:    f.llm,
		Prompts: llm.Prompts{Persona: llm.Persona{
			Name: "Deniz", Role: "indie hacker", SummaryLanguage: "Turkish",
		}},
		Feeds: feeds,
		Moderator: moderation.New(moderation.Lists{
			Politics:  []string{"election"},
			Crypto:    []string{"bitcoin"},
			Sensitive: []string{"layoffs"},
			Negative:  []string{"wrong"},
		}),
		Gate:  f.gate,
		Retry: f.queue,
		Alerts: alert.Func(func(_ context.Context, kind, _ string) {
			f.alerts = append(f.alerts, kind)
		}),
		Now: f.clock.now,
	}
	return f
}

func (f *fixture) script(replies ...llmReply) { f.llm.script = append(f.llm.script, replies...) }

func (f *fixture) counter(kind model.CounterKind) int {
	c, err := f.store.Counters.Get(context.Background(), f.gate.Today())
	require.NoError(f.t, err)
	return c.Value(kind)
}

func (f *fixture) events(kind string) int64 {
	n, err := f.store.Events.CountKind(context.Background(), kind)
	require.NoError(f.t, err)
	return n
}

func (f *fixture) worker(p Replayers) *retry.Worker {
	w := retry.NewWorker(f.queue, f.gate, f.store.Events, f.deps.Alerts, 10)
	p.Register(w)
	return w
}

// publishedPost 直接落一条已发布帖子
func (f *fixture) publishedPost(body string) *model.Post {
	ctx := context.Background()
	p := &model.Post{Body: body, SourceURL: "https://example.com/a"}
	require.NoError(f.t, f.store.Posts.Create(ctx, p))
	ok, err := f.store.Posts.MarkPublished(ctx, p.ID, "5001", "urn:li:share:5001", f.clock.now())
	require.NoError(f.t, err)
	require.True(f.t, ok)
	got, err := f.store.Posts.Get(ctx, p.ID)
	require.NoError(f.t, err)
	return got
}

func articleA() staticFeed {
	return staticFeed{{Source: "hn", Title: "A", Summary: "shipping small products", Link: "https://example.com/a"}}
}

func networkErr() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

func TestHappyPostThenFollowUp(t *testing.T) {
	f := newFixture(t, articleA(), at(9, 0))
	f.script(llmReply{text: "B"}, llmReply{text: "C"})
	ctx := context.Background()
	p := NewPostPipeline(f.deps, PostOptions{FollowUpDelay: 66 * time.Second})

	var hooked []uint
	p.OnPublished(func(post *model.Post) { hooked = append(hooked, post.ID) })

	out, err := p.Run(ctx)
	require.NoError(t, err)
	assert.True(t, out.Success)

	posts, err := f.store.Posts.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	post := posts[0]
	assert.Equal(t, model.PostStatusPublished, post.Status)
	assert.Equal(t, "B", post.Body)
	assert.Equal(t, []uint{post.ID}, hooked)
	assert.Equal(t, 1, f.counter(model.CounterPosts))

	// 未到延迟不跟帖
	f.clock.advance(30 * time.Second)
	out, err = p.RunFollowUps(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonNothingToDo, out.Reason)

	f.clock.advance(36 * time.Second)
	out, err = p.RunFollowUps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Count)

	replies, err := f.store.Comments.ByParent(ctx, post.External())
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "C", replies[0].Body)
	assert.Equal(t, model.CommentOriginAgent, replies[0].Origin)
	assert.False(t, replies[0].SeenAt.Before(post.PostedAt.Add(66*time.Second)))

	got, err := f.store.Posts.Get(ctx, post.ID)
	require.NoError(t, err)
	assert.True(t, got.FollowUpPosted)
	require.Len(t, f.social.comments, 1)
	assert.Equal(t, post.URN, f.social.comments[0].object)
	assert.Contains(t, f.llm.prompts[1], "https://example.com/a")

	// 再跑一次不会重复跟帖
	out, err = p.RunFollowUps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Count)
	assert.Len(t, f.social.comments, 1)
}

func TestFollowUpEmptySummaryIsSkipped(t *testing.T) {
	f := newFixture(t, staticFeed{}, at(10, 0))
	ctx := context.Background()
	post := f.publishedPost("my post")
	f.script(llmReply{text: "   "})
	p := NewPostPipeline(f.deps, PostOptions{FollowUpDelay: time.Minute})

	f.clock.advance(2 * time.Minute)
	out, err := p.RunFollowUps(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Count)

	got, err := f.store.Posts.Get(ctx, post.ID)
	require.NoError(t, err)
	assert.False(t, got.FollowUpPosted, "no comment was posted")
	assert.True(t, got.FollowUpSkipped)
	replies, err := f.store.Comments.ByParent(ctx, post.External())
	require.NoError(t, err)
	assert.Empty(t, replies)
	assert.Empty(t, f.social.comments)
	assert.EqualValues(t, 1, f.events(model.EventFollowUpSkipped))

	// 放弃后不再重试
	out, err = p.RunFollowUps(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonNothingToDo, out.Reason)
	assert.Equal(t, 1, f.llm.calls())
}

func TestFollowUpReplayEmptySummaryIsSkipped(t *testing.T) {
	f := newFixture(t, staticFeed{}, at(10, 0))
	ctx := context.Background()
	post := f.publishedPost("my post")
	f.script(llmReply{text: "özet"}, llmReply{text: "```\n```"})
	f.social.comErrs = []error{networkErr()}
	p := NewPostPipeline(f.deps, PostOptions{FollowUpDelay: time.Minute})

	f.clock.advance(2 * time.Minute)
	_, err := p.RunFollowUps(ctx)
	require.NoError(t, err)
	actions, err := f.store.FailedActions.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, subject(SubjectFollowUp, post.ID), actions[0].Subject)

	f.clock.advance(2 * time.Minute)
	res, err := f.worker(Replayers{Post: p}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	got, err := f.store.Posts.Get(ctx, post.ID)
	require.NoError(t, err)
	assert.False(t, got.FollowUpPosted)
	assert.True(t, got.FollowUpSkipped)
	assert.Empty(t, f.social.comments)
}

func TestPostOutsideHours(t *testing.T) {
	f := newFixture(t, articleA(), at(23, 30))
	p := NewPostPipeline(f.deps, PostOptions{})

	out, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "hours_denied", out.Reason)

	posts, err := f.store.Posts.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, posts)
	assert.Zero(t, f.llm.calls())
	assert.Zero(t, f.social.callCount())
	assert.EqualValues(t, 1, f.events(model.EventHoursDenied))
}

func TestPostModerationBlock(t *testing.T) {
	f := newFixture(t, staticFeed{{Title: "Why bitcoin is back", Link: "https://example.com/btc"}}, at(10, 0))
	p := NewPostPipeline(f.deps, PostOptions{})

	out, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, StageModerate, out.Stage)
	assert.Equal(t, "moderation_blocked", out.Reason)

	posts, err := f.store.Posts.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, posts)
	assert.Zero(t, f.llm.calls())
	assert.Zero(t, f.counter(model.CounterPosts))
	assert.EqualValues(t, 1, f.events(model.EventModerationBlocked))
}

func TestPostPublishNetworkErrorThenRetry(t *testing.T) {
	f := newFixture(t, articleA(), at(10, 0))
	f.script(llmReply{text: "B"})
	f.social.postErrs = []error{networkErr()}
	ctx := context.Background()
	p := NewPostPipeline(f.deps, PostOptions{})

	out, err := p.Run(ctx)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, ReasonQueuedForRetry, out.Reason)

	actions, err := f.store.FailedActions.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	a := actions[0]
	assert.Equal(t, model.ActionKindPost, a.Kind)
	assert.Equal(t, 1, a.Attempts)
	assert.WithinDuration(t, f.clock.now().Add(time.Minute), a.NextAttemptAt, time.Second)
	assert.EqualValues(t, 1, f.events(model.EventActionQueued))

	post, err := f.store.Posts.Get(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PostStatusFailed, post.Status)

	w := f.worker(Replayers{Post: p})
	f.clock.advance(61 * time.Second)
	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	_, err = f.store.FailedActions.Get(ctx, a.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	post, err = f.store.Posts.Get(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PostStatusPublished, post.Status)
	assert.Equal(t, 1, f.counter(model.CounterPosts))
	assert.Equal(t, []string{"B"}, f.social.posts)
}

func TestConcurrentPublishersRespectPostCap(t *testing.T) {
	f := newFixture(t, articleA(), at(10, 0))
	f.social.postErrs = []error{networkErr()}
	ctx := context.Background()
	p := NewPostPipeline(f.deps, PostOptions{})

	// 一条待重放的帖子
	out, err := p.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, ReasonQueuedForRetry, out.Reason)
	for i := 0; i < 2; i++ {
		require.NoError(t, f.store.Counters.Increment(ctx, f.gate.Today(), model.CounterPosts))
	}
	f.clock.advance(2 * time.Minute)
	f.social.postDelay = 30 * time.Millisecond
	w := f.worker(Replayers{Post: p})

	// 定时发帖、重试 worker 与手写发帖同时抢最后一个名额
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	wg.Add(3)
	go func() {
		defer wg.Done()
		_, err := p.Run(ctx)
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := w.RunOnce(ctx)
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := p.PublishManual(ctx, "hand written")
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 3, f.counter(model.CounterPosts))
	f.social.mu.Lock()
	assert.Len(t, f.social.posts, 1)
	f.social.mu.Unlock()

	// 没抢到名额的帖子不会被标记失败，留给下一个窗口
	posts, err := f.store.Posts.List(ctx, 10)
	require.NoError(t, err)
	published := 0
	for _, post := range posts {
		if post.Status == model.PostStatusPublished {
			published++
			continue
		}
		assert.NotEqual(t, model.PostStatusPublishing, post.Status, "post %d", post.ID)
	}
	assert.Equal(t, 1, published)
}

func TestPostLLMTransientQueuesArticle(t *testing.T) {
	f := newFixture(t, articleA(), at(10, 0))
	f.script(llmReply{err: apperr.Wrapf(apperr.ErrLLMTransient, "all models busy")}, llmReply{text: "B"})
	ctx := context.Background()
	p := NewPostPipeline(f.deps, PostOptions{})

	out, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonQueuedForRetry, out.Reason)
	posts, err := f.store.Posts.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, posts)

	w := f.worker(Replayers{Post: p})
	f.clock.advance(2 * time.Minute)
	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	posts, err = f.store.Posts.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, model.PostStatusPublished, posts[0].Status)
	assert.Equal(t, "https://example.com/a", posts[0].SourceURL)
}

func TestPostSensitiveQueuedThenApprovedFirst(t *testing.T) {
	f := newFixture(t, staticFeed{{Title: "Big tech layoffs", Summary: "s", Link: "https://example.com/l"}}, at(10, 0))
	f.script(llmReply{text: "draft about change"})
	ctx := context.Background()
	p := NewPostPipeline(f.deps, PostOptions{})

	out, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonQueuedForReview, out.Reason)
	assert.Zero(t, f.social.callCount())
	assert.EqualValues(t, 1, f.events(model.EventSensitiveQueued))

	target, err := f.store.Targets.Get(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TargetKindPost, target.Kind)
	assert.Equal(t, "draft about change", target.SuggestedBody)

	ok, err := f.store.Targets.Approve(ctx, target.ID, f.clock.now())
	require.NoError(t, err)
	require.True(t, ok)

	out, err = p.Run(ctx)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, []string{"draft about change"}, f.social.posts)

	post, err := f.store.Posts.Get(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PostOriginApproved, post.Origin)
	assert.Equal(t, "https://example.com/l", post.SourceURL)
	target, err = f.store.Targets.Get(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TargetStatusPosted, target.Status)
}

func TestApprovedDraftStaysApprovedUntilPublished(t *testing.T) {
	f := newFixture(t, staticFeed{{Title: "Big tech layoffs", Summary: "s", Link: "https://example.com/l"}}, at(10, 0))
	f.script(llmReply{text: "draft about change"})
	ctx := context.Background()
	p := NewPostPipeline(f.deps, PostOptions{})

	out, err := p.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, ReasonQueuedForReview, out.Reason)
	targetID := out.ID
	ok, err := f.store.Targets.Approve(ctx, targetID, f.clock.now())
	require.NoError(t, err)
	require.True(t, ok)

	f.social.postErrs = []error{networkErr()}
	out, err = p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonQueuedForRetry, out.Reason)

	// 发布失败时审批条目仍是 approved，并关联到这条帖子
	target, err := f.store.Targets.Get(ctx, targetID)
	require.NoError(t, err)
	assert.Equal(t, model.TargetStatusApproved, target.Status)
	post, err := f.store.Posts.Get(ctx, out.ID)
	require.NoError(t, err)
	require.NotNil(t, post.TargetID)
	assert.Equal(t, targetID, *post.TargetID)
	drafted, err := f.store.Posts.DraftedTargets(ctx)
	require.NoError(t, err)
	assert.True(t, drafted[targetID])

	f.clock.advance(2 * time.Minute)
	res, err := f.worker(Replayers{Post: p}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	target, err = f.store.Targets.Get(ctx, targetID)
	require.NoError(t, err)
	assert.Equal(t, model.TargetStatusPosted, target.Status)
	assert.Equal(t, []string{"draft about change"}, f.social.posts)
}

func TestPostFeedUnavailable(t *testing.T) {
	f := newFixture(t, staticFeed{}, at(10, 0))
	p := NewPostPipeline(f.deps, PostOptions{})

	out, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "feed_unavailable", out.Reason)
	assert.EqualValues(t, 1, f.events(model.EventFeedUnavailable))

	// 开启兜底后用固定条目
	p = NewPostPipeline(f.deps, PostOptions{UseFallback: true})
	out, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Success)
	post, err := f.store.Posts.Get(context.Background(), out.ID)
	require.NoError(t, err)
	assert.Equal(t, feed.Fallback.Link, post.SourceURL)
}

func TestPostForbiddenAlertsOnce(t *testing.T) {
	f := newFixture(t, articleA(), at(10, 0))
	f.social.postErrs = []error{
		apperr.Wrapf(apperr.ErrPublishForbidden, "403"),
		apperr.Wrapf(apperr.ErrPublishForbidden, "403"),
	}
	ctx := context.Background()
	p := NewPostPipeline(f.deps, PostOptions{})

	for i := 0; i < 2; i++ {
		out, err := p.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, "publish_forbidden", out.Reason)
	}
	assert.Equal(t, []string{"publish_forbidden"}, f.alerts)
	open, err := f.store.FailedActions.CountOpen(ctx)
	require.NoError(t, err)
	assert.Zero(t, open)
}

func TestPublishManual(t *testing.T) {
	f := newFixture(t, staticFeed{}, at(10, 0))
	ctx := context.Background()
	p := NewPostPipeline(f.deps, PostOptions{})

	_, err := p.PublishManual(ctx, "buy bitcoin now")
	assert.ErrorIs(t, err, apperr.ErrModerationBlocked)

	out, err := p.PublishManual(ctx, "hand written")
	require.NoError(t, err)
	assert.True(t, out.Success)
	post, err := f.store.Posts.Get(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PostOriginManual, post.Origin)
	assert.Equal(t, 1, f.counter(model.CounterPosts))
	// 手写帖子没有来源链接，不跟帖
	f.clock.advance(2 * time.Minute)
	out, err = p.RunFollowUps(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonNothingToDo, out.Reason)
}

func TestReplyToNegativeComment(t *testing.T) {
	f := newFixture(t, staticFeed{}, at(10, 0))
	ctx := context.Background()
	post := f.publishedPost("my post")
	commentURN := "urn:li:comment:(" + post.URN + ",c1)"
	f.social.remote[post.URN] = []social.RemoteComment{
		{ID: "c1", URN: commentURN, Actor: "urn:li:person:bob", Text: "This is wrong"},
		{ID: "c2", Actor: "urn:li:person:me", Text: "my own reply"},
	}
	f.script(llmReply{text: "Fair point, but here is the fix."})
	r := NewReplyPipeline(f.deps, ReplyOptions{
		Sample: func(lo, _ time.Duration) time.Duration { return lo },
	})

	out, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonNothingToDo, out.Reason)

	c, err := f.store.Comments.ByExternalID(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, c.Negative)
	assert.Equal(t, model.CommentStatusSeen, c.Status)
	require.NotNil(t, c.NextReplyAt)
	// 10:00 处于高峰，延迟取下限 5 分钟
	assert.WithinDuration(t, f.clock.now().Add(5*time.Minute), *c.NextReplyAt, time.Second)
	_, err = f.store.Comments.ByExternalID(ctx, "c2")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	f.clock.advance(6 * time.Minute)
	out, err = r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Count)

	require.Len(t, f.llm.prompts, 1)
	assert.Contains(t, f.llm.prompts[0], llm.ToneWitty)
	require.Len(t, f.social.comments, 1)
	assert.Equal(t, sentComment{object: post.URN, text: "Fair point, but here is the fix.", parent: commentURN}, f.social.comments[0])

	c, err = f.store.Comments.ByExternalID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.CommentStatusReplied, c.Status)
	require.NotNil(t, c.ReplyExternalID)
	assert.NotEmpty(t, *c.ReplyExternalID)
	assert.Equal(t, 1, f.counter(model.CounterCommentsReplied))

	thread, err := f.store.Comments.ByParent(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, model.CommentOriginAgent, thread[0].Origin)

	// 下一轮不会重复回复
	f.clock.advance(time.Hour)
	out, err = r.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, f.social.comments, 1)
}

func TestReplyEmptyIsSkippedAndTransientQueued(t *testing.T) {
	f := newFixture(t, staticFeed{}, at(10, 0))
	ctx := context.Background()
	post := f.publishedPost("my post")
	f.social.remote[post.URN] = []social.RemoteComment{
		{ID: "c1", Actor: "urn:li:person:a", Text: "nice"},
		{ID: "c2", Actor: "urn:li:person:b", Text: "great"},
	}
	f.script(llmReply{text: "```\n```"}, llmReply{text: "thanks!"})
	f.social.comErrs = []error{apperr.Wrapf(apperr.ErrPublishFailed, "500")}
	r := NewReplyPipeline(f.deps, ReplyOptions{Sample: func(lo, _ time.Duration) time.Duration { return lo }})
	_, err := r.Run(ctx)
	require.NoError(t, err)

	f.clock.advance(10 * time.Minute)
	_, err = r.Run(ctx)
	require.NoError(t, err)

	c1, err := f.store.Comments.ByExternalID(ctx, "c1")
	require.NoError(t, err)
	c2, err := f.store.Comments.ByExternalID(ctx, "c2")
	require.NoError(t, err)
	statuses := []string{c1.Status, c2.Status}
	assert.ElementsMatch(t, []string{model.CommentStatusSkipped, model.CommentStatusSeen}, statuses)

	open, err := f.store.FailedActions.OpenSubjects(ctx, SubjectReply+":")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	// 重放成功后计数
	w := f.worker(Replayers{Reply: r})
	f.clock.advance(2 * time.Minute)
	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, f.counter(model.CounterCommentsReplied))
}

func TestIngestUsesObservationPath(t *testing.T) {
	f := newFixture(t, staticFeed{}, at(20, 0))
	ctx := context.Background()
	post := f.publishedPost("my post")
	r := NewReplyPipeline(f.deps, ReplyOptions{Sample: func(_, hi time.Duration) time.Duration { return hi }})

	created, err := r.Ingest(ctx, post.URN, social.RemoteComment{ID: "x1", Actor: "urn:li:person:z", Text: "Harika bir yazı olmuş, teşekkürler"})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = r.Ingest(ctx, post.URN, social.RemoteComment{ID: "x1", Actor: "urn:li:person:z", Text: "again"})
	require.NoError(t, err)
	assert.False(t, created)

	c, err := f.store.Comments.ByExternalID(ctx, "x1")
	require.NoError(t, err)
	// 20:00 不在高峰，延迟取上限 30 分钟
	require.NotNil(t, c.NextReplyAt)
	assert.WithinDuration(t, f.clock.now().Add(30*time.Minute), *c.NextReplyAt, time.Second)
	assert.True(t, strings.HasPrefix(c.URN, "urn:li:comment:("))

	_, err = r.Ingest(ctx, "urn:li:share:404", social.RemoteComment{ID: "x2", Text: "hi"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func approvedTarget(t *testing.T, f *fixture, body string) *model.ProactiveTarget {
	t.Helper()
	ctx := context.Background()
	target := &model.ProactiveTarget{TargetURN: "urn:li:activity:123", Context: "ctx", SuggestedBody: body}
	require.NoError(t, f.store.Targets.Enqueue(ctx, target))
	ok, err := f.store.Targets.Approve(ctx, target.ID, f.clock.now())
	require.NoError(t, err)
	require.True(t, ok)
	return target
}

func TestProactiveDailyCap(t *testing.T) {
	f := newFixture(t, staticFeed{}, at(11, 0))
	ctx := context.Background()
	for i := 0; i < 9; i++ {
		require.NoError(t, f.store.Counters.Increment(ctx, f.gate.Today(), model.CounterProactiveComments))
	}
	target := approvedTarget(t, f, "sharp question?")
	p := NewProactivePipeline(f.deps, ProactiveOptions{})

	out, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "quota_denied", out.Reason)

	got, err := f.store.Targets.Get(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TargetStatusApproved, got.Status)
	assert.Zero(t, f.social.callCount())
	assert.Equal(t, 9, f.counter(model.CounterProactiveComments))
}

func TestProactiveFailureKeepsTargetApproved(t *testing.T) {
	f := newFixture(t, staticFeed{}, at(11, 0))
	ctx := context.Background()
	target := approvedTarget(t, f, "sharp question?")
	f.social.comErrs = []error{networkErr()}
	p := NewProactivePipeline(f.deps, ProactiveOptions{LikeTargets: true})

	out, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonQueuedForRetry, out.Reason)
	got, err := f.store.Targets.Get(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TargetStatusApproved, got.Status)

	// 在重试中的条目不会被流水线再次选中
	out, err = p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonNothingToDo, out.Reason)

	w := f.worker(Replayers{Proactive: p})
	f.clock.advance(2 * time.Minute)
	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	got, err = f.store.Targets.Get(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TargetStatusPosted, got.Status)
	assert.Equal(t, 1, f.counter(model.CounterProactiveComments))
	assert.Equal(t, []string{"urn:li:activity:123", "urn:li:activity:123"}, f.social.likes)
}

func TestEnqueueTargetDerivesURNAndSuggests(t *testing.T) {
	f := newFixture(t, staticFeed{}, at(11, 0))
	f.script(llmReply{text: "What did the churn look like after month two?"})
	p := NewProactivePipeline(f.deps, ProactiveOptions{})

	target, err := p.EnqueueTarget(context.Background(), TargetInput{
		TargetURL: "https://www.linkedin.com/feed/update/urn:li:activity:7123456789/",
		Context:   "We grew to 10k MRR",
	})
	require.NoError(t, err)
	assert.Equal(t, "urn:li:activity:7123456789", target.TargetURN)
	assert.Equal(t, "What did the churn look like after month two?", target.SuggestedBody)
	assert.Equal(t, model.TargetStatusPending, target.Status)

	_, err = p.EnqueueTarget(context.Background(), TargetInput{TargetURL: "https://example.com/nope"})
	assert.Error(t, err)
}

func TestInvitePipeline(t *testing.T) {
	f := newFixture(t, staticFeed{}, at(12, 0))
	ctx := context.Background()
	p := NewInvitePipeline(f.deps, InviteOptions{StaticNote: "Hi, let's connect."})

	a, created, err := p.Enqueue(ctx, InviteInput{PersonURN: "ada", DisplayName: "Ada"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "urn:li:person:ada", a.PersonURN)
	_, created, err = p.Enqueue(ctx, InviteInput{PersonURN: "urn:li:person:ada"})
	require.NoError(t, err)
	assert.False(t, created)
	b, _, err := p.Enqueue(ctx, InviteInput{PersonURN: "bob"})
	require.NoError(t, err)

	// 模型不可用时用固定附言
	f.script(llmReply{err: apperr.Wrapf(apperr.ErrLLMUnavailable, "no key")})
	out, err := p.Run(ctx)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "Hi, let's connect.", f.social.invites["urn:li:person:ada"])
	assert.Equal(t, 1, f.counter(model.CounterInvitesSent))

	got, err := f.store.Invites.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InviteStatusSent, got.Status)
	assert.Nil(t, got.AcceptedAt)

	// 403 全部失败：标记 failed，不入重试
	f.social.invErrs = []error{apperr.Wrapf(apperr.ErrInviteForbidden, "all endpoints 403")}
	out, err = p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "invite_forbidden", out.Reason)
	got, err = f.store.Invites.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InviteStatusFailed, got.Status)
	open, err := f.store.FailedActions.CountOpen(ctx)
	require.NoError(t, err)
	assert.Zero(t, open)
	assert.Empty(t, f.alerts)

	require.NoError(t, p.SetStatus(ctx, a.ID, model.InviteStatusAccepted))
	got, err = f.store.Invites.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.AcceptedAt)
	assert.ErrorIs(t, p.SetStatus(ctx, 999, model.InviteStatusAccepted), apperr.ErrNotFound)
}

func TestInviteNoteTruncated(t *testing.T) {
	f := newFixture(t, staticFeed{}, at(12, 0))
	ctx := context.Background()
	p := NewInvitePipeline(f.deps, InviteOptions{})
	f.script(llmReply{text: strings.Repeat("a", 400)})

	_, _, err := p.Enqueue(ctx, InviteInput{PersonURN: "ada", Rationale: "builds devtools"})
	require.NoError(t, err)
	_, err = p.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, []rune(f.social.invites["urn:li:person:ada"]), llm.InviteNoteLimit)
	assert.Contains(t, f.llm.prompts[0], "builds devtools")
}

func TestRetryReplayRespectsGate(t *testing.T) {
	f := newFixture(t, articleA(), at(10, 0))
	f.script(llmReply{text: "B"})
	f.social.postErrs = []error{networkErr()}
	ctx := context.Background()
	p := NewPostPipeline(f.deps, PostOptions{})
	_, err := p.Run(ctx)
	require.NoError(t, err)

	// 配额用完后重放被推迟，attempts 不变
	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.Counters.Increment(ctx, f.gate.Today(), model.CounterPosts))
	}
	w := f.worker(Replayers{Post: p})
	f.clock.advance(2 * time.Minute)
	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)

	actions, err := f.store.FailedActions.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, 1, actions[0].Attempts)
	assert.Empty(t, f.social.posts)
}

func TestRefine(t *testing.T) {
	f := newFixture(t, staticFeed{}, at(10, 0))
	p := NewPostPipeline(f.deps, PostOptions{})
	f.script(llmReply{text: `"shorter draft"`})

	out, err := p.Refine(context.Background(), "long draft", "make it shorter")
	require.NoError(t, err)
	assert.Equal(t, "shorter draft", out)
	assert.Contains(t, f.llm.prompts[0], "make it shorter")

	out, err = p.Refine(context.Background(), "keep", " ")
	require.NoError(t, err)
	assert.Equal(t, "keep", out)
	assert.Zero(t, f.social.callCount())
}
