package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/feed"
	"github.com/d60-Lab/linkpilot/internal/llm"
	"github.com/d60-Lab/linkpilot/internal/model"
	"github.com/d60-Lab/linkpilot/internal/moderation"
	"github.com/d60-Lab/linkpilot/internal/repository"
	"github.com/d60-Lab/linkpilot/internal/retry"
	"github.com/d60-Lab/linkpilot/pkg/logger"
)

// DefaultFollowUpDelay 发帖后多久发跟帖摘要
const DefaultFollowUpDelay = 66 * time.Second

type PostOptions struct {
	FollowUpDelay time.Duration
	// UseFallback 所有源都为空时用固定条目发帖
	UseFallback   bool
	FollowUpBatch int
}

// PostPipeline 选文、生成、审核、发布，并在延迟后跟帖翻译摘要
type PostPipeline struct {
	d    Deps
	n    *notifier
	opts PostOptions

	afterPublish func(post *model.Post)
}

func NewPostPipeline(d Deps, opts PostOptions) *PostPipeline {
	d.fill()
	if opts.FollowUpDelay <= 0 {
		opts.FollowUpDelay = DefaultFollowUpDelay
	}
	if opts.FollowUpBatch <= 0 {
		opts.FollowUpBatch = 10
	}
	return &PostPipeline{d: d, n: newNotifier(d), opts: opts}
}

// OnPublished 发布成功后的回调（调度一次性跟帖任务）
func (p *PostPipeline) OnPublished(fn func(post *model.Post)) { p.afterPublish = fn }

func (p *PostPipeline) FollowUpDelay() time.Duration { return p.opts.FollowUpDelay }

type postPayload struct {
	PostID uint `json:"post_id"`
}

// Run 一次定时发帖
func (p *PostPipeline) Run(ctx context.Context) (out Outcome, err error) {
	ctx, span := startSpan(ctx, "post.run")
	defer func() { endSpan(span, out, err) }()

	if err := p.d.Gate.Hours(p.d.Now()); err != nil {
		return p.n.gated(ctx, "post", err, true), nil
	}
	if err := p.d.Gate.Daily(ctx, model.CounterPosts); err != nil {
		if !apperr.Gate(err) {
			return stopped(StageGate, apperr.Kind(err)), err
		}
		return p.n.gated(ctx, "post", err, true), nil
	}

	// 已审批的敏感草稿优先
	approved, err := p.takeApproved(ctx)
	if err != nil {
		return stopped(StageSelect, apperr.Kind(err)), err
	}
	if approved != nil {
		return p.publishAndRecord(ctx, approved)
	}

	entry, ok := feed.SelectBest(p.d.Feeds.FetchRecent(ctx))
	if !ok {
		if !p.opts.UseFallback {
			p.n.event(ctx, model.EventFeedUnavailable, "no fresh entry in any feed")
			logger.Warn("no feed entry available")
			return stopped(StageSelect, apperr.ErrFeedUnavailable.Error()), nil
		}
		logger.Info("feeds empty, using fallback entry")
	}

	post, out, err := p.draft(ctx, entry)
	if err != nil {
		return p.n.failure(ctx, p.d.Retry, StageGenerate, model.ActionKindPost, articleSubject(entry.Link), entry, err)
	}
	if post == nil {
		return out, nil
	}
	return p.publishAndRecord(ctx, post)
}

// takeApproved 取最早的已审批帖子草稿转成 Post；审批条目在发布成功时才标记 posted
func (p *PostPipeline) takeApproved(ctx context.Context) (*model.Post, error) {
	drafted, err := p.d.Store.Posts.DraftedTargets(ctx)
	if err != nil {
		return nil, err
	}
	// 已经转成帖子的条目由 post:ID 的重试负责
	t, err := p.d.Store.Targets.OldestApproved(ctx, model.TargetKindPost, func(id uint) bool { return drafted[id] })
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	title, summary, _ := strings.Cut(t.Context, "\n\n")
	post := &model.Post{
		Body:          t.SuggestedBody,
		SourceURL:     t.TargetURL,
		SourceTitle:   title,
		SourceSummary: summary,
		Origin:        model.PostOriginApproved,
		TargetID:      &t.ID,
	}
	if err := p.d.Store.Posts.Create(ctx, post); err != nil {
		return nil, err
	}
	logger.Info("publishing approved draft", zap.Uint("target_id", t.ID), zap.Uint("post_id", post.ID))
	return post, nil
}

// draft 审核文章、生成正文、审核正文并落库草稿
// 被拦截或转人工审批时返回 nil post 与对应的 Outcome；生成失败返回原始错误
func (p *PostPipeline) draft(ctx context.Context, entry feed.Entry) (*model.Post, Outcome, error) {
	verdict := p.d.Moderator.Classify(entry.Title + "\n" + entry.Summary)
	if verdict.Kind == moderation.Blocked {
		return nil, p.blocked(ctx, "article "+entry.Link, verdict), nil
	}

	body, err := generate(ctx, p.d.LLM, p.d.Prompts.Post(entry.Title, entry.Summary, entry.Link), llm.PostTemperature, llm.PostMaxTokens)
	if err != nil {
		return nil, stopped(StageGenerate, apperr.Kind(err)), err
	}

	bodyVerdict := p.d.Moderator.Classify(body)
	if bodyVerdict.Kind == moderation.Blocked {
		return nil, p.blocked(ctx, "generated body for "+entry.Link, bodyVerdict), nil
	}
	if verdict.Kind == moderation.Sensitive || bodyVerdict.Kind == moderation.Sensitive {
		reason := verdict.Reason
		if reason == "" {
			reason = bodyVerdict.Reason
		}
		out, err := p.queueForReview(ctx, entry, body, reason)
		return nil, out, err
	}

	post := &model.Post{
		Body:          body,
		SourceURL:     entry.Link,
		SourceTitle:   entry.Title,
		SourceSummary: entry.Summary,
		Origin:        model.PostOriginFeed,
	}
	if err := p.d.Store.Posts.Create(ctx, post); err != nil {
		return nil, stopped(StagePersist, apperr.Kind(err)), err
	}
	return post, Outcome{}, nil
}

func (p *PostPipeline) blocked(ctx context.Context, what string, v moderation.Verdict) Outcome {
	logger.Info("content blocked by moderation", zap.String("what", what), zap.String("reason", v.Reason))
	p.n.event(ctx, model.EventModerationBlocked, what+": "+v.Reason)
	return stopped(StageModerate, apperr.ErrModerationBlocked.Error())
}

func (p *PostPipeline) queueForReview(ctx context.Context, entry feed.Entry, body, reason string) (Outcome, error) {
	t := &model.ProactiveTarget{
		Kind:          model.TargetKindPost,
		TargetURL:     entry.Link,
		Context:       entry.Title + "\n\n" + entry.Summary,
		SuggestedBody: body,
	}
	if err := p.d.Store.Targets.Enqueue(ctx, t); err != nil {
		return stopped(StageModerate, apperr.Kind(err)), err
	}
	logger.Info("post draft queued for approval", zap.Uint("target_id", t.ID), zap.String("reason", reason))
	p.n.event(ctx, model.EventSensitiveQueued, fmt.Sprintf("target %d: %s", t.ID, reason))
	out := stopped(StageModerate, ReasonQueuedForReview)
	out.ID = t.ID
	return out, nil
}

// publishAndRecord 发布草稿，失败时标记并按种类分流
func (p *PostPipeline) publishAndRecord(ctx context.Context, post *model.Post) (Outcome, error) {
	if err := p.publish(ctx, post); err != nil {
		if apperr.Gate(err) {
			// 并发的发布先占满了配额：草稿保留，交给重试在下一个窗口发
			if _, qerr := p.d.Retry.Enqueue(ctx, model.ActionKindPost, subject(SubjectPost, post.ID), postPayload{PostID: post.ID}, err); qerr != nil {
				return stopped(StagePersist, apperr.Kind(qerr)), qerr
			}
			out := p.n.gated(ctx, "post", err, true)
			out.ID = post.ID
			out.Reason = ReasonQueuedForRetry
			return out, nil
		}
		if !errors.Is(err, apperr.ErrStore) {
			if merr := p.d.Store.Posts.MarkFailed(ctx, post.ID, err.Error()); merr != nil {
				return stopped(StagePublish, apperr.Kind(merr)), merr
			}
		}
		out, ferr := p.n.failure(ctx, p.d.Retry, StagePublish, model.ActionKindPost, subject(SubjectPost, post.ID), postPayload{PostID: post.ID}, err)
		out.ID = post.ID
		return out, ferr
	}
	return done(post.ID), nil
}

// publish 发布并在一个事务内记录结果；已发布过的直接返回 nil
// 从占用配额到计数落库一直持有 posts 的预留
func (p *PostPipeline) publish(ctx context.Context, post *model.Post) error {
	release, err := p.d.Gate.Reserve(ctx, model.CounterPosts)
	if err != nil {
		return err
	}
	defer release()

	ok, err := p.d.Store.Posts.MarkPublishing(ctx, post.ID)
	if err != nil {
		return err
	}
	if !ok {
		cur, err := p.d.Store.Posts.Get(ctx, post.ID)
		if err != nil {
			return err
		}
		if cur.External() != "" {
			logger.Info("post already published", zap.Uint("post_id", post.ID))
			return nil
		}
		return fmt.Errorf("post %d is %s, not publishable", post.ID, cur.Status)
	}

	ref, err := p.d.Social.PublishPost(ctx, post.Body)
	if err != nil {
		return err
	}
	now := p.d.Now()
	err = p.d.Store.Transaction(ctx, func(tx *repository.Store) error {
		ok, err := tx.Posts.MarkPublished(ctx, post.ID, ref.ID, ref.URN, now)
		if err != nil || !ok {
			return err
		}
		if err := tx.Counters.Increment(ctx, p.d.Gate.DateOf(now), model.CounterPosts); err != nil {
			return err
		}
		if post.TargetID != nil {
			if _, err := tx.Targets.MarkPosted(ctx, *post.TargetID, now); err != nil {
				return err
			}
		}
		return tx.Events.Append(ctx, model.EventPostPublished, fmt.Sprintf("post %d as %s", post.ID, ref.URN))
	})
	if err != nil {
		logger.Error("post published but not recorded", zap.Uint("post_id", post.ID), zap.String("urn", ref.URN), zap.Error(err))
		return err
	}

	post.ExternalID = &ref.ID
	post.URN = ref.URN
	post.Status = model.PostStatusPublished
	post.PostedAt = &now
	logger.Info("post published", zap.Uint("post_id", post.ID), zap.String("urn", ref.URN), zap.String("origin", post.Origin))
	release()
	if p.afterPublish != nil {
		p.afterPublish(post)
	}
	return nil
}

// PublishManual 运营者手写的帖子：同样过门控与审核（只拦截 blocked）
func (p *PostPipeline) PublishManual(ctx context.Context, text string) (out Outcome, err error) {
	ctx, span := startSpan(ctx, "post.manual")
	defer func() { endSpan(span, out, err) }()

	text = strings.TrimSpace(text)
	if text == "" {
		return stopped(StageGenerate, apperr.ErrLLMEmpty.Error()), errors.New("empty post body")
	}
	if err := p.d.Gate.Check(ctx, model.CounterPosts); err != nil {
		if !apperr.Gate(err) {
			return stopped(StageGate, apperr.Kind(err)), err
		}
		return p.n.gated(ctx, "manual_post", err, true), err
	}
	if v := p.d.Moderator.Classify(text); v.Kind == moderation.Blocked {
		return p.blocked(ctx, "manual post", v), apperr.Wrapf(apperr.ErrModerationBlocked, "%s", v.Reason)
	}
	post := &model.Post{Body: text, Origin: model.PostOriginManual}
	if err := p.d.Store.Posts.Create(ctx, post); err != nil {
		return stopped(StagePersist, apperr.Kind(err)), err
	}
	return p.publishAndRecord(ctx, post)
}

// Refine 按运营者的指示改写草稿，不发布
func (p *PostPipeline) Refine(ctx context.Context, text, instruction string) (string, error) {
	if strings.TrimSpace(instruction) == "" {
		return text, nil
	}
	return generate(ctx, p.d.LLM, p.d.Prompts.Refine(text, instruction), llm.RefineTemperature, llm.PostMaxTokens)
}

// RunFollowUps 对到期的帖子发翻译摘要评论；崩溃后由这个 tick 补发
func (p *PostPipeline) RunFollowUps(ctx context.Context) (out Outcome, err error) {
	ctx, span := startSpan(ctx, "post.follow_ups")
	defer func() { endSpan(span, out, err) }()

	now := p.d.Now()
	if err := p.d.Gate.Hours(now); err != nil {
		return p.n.gated(ctx, "follow_up", err, false), nil
	}
	due, err := p.d.Store.Posts.DueFollowUps(ctx, now.Add(-p.opts.FollowUpDelay), p.opts.FollowUpBatch)
	if err != nil {
		return stopped(StageSelect, apperr.Kind(err)), err
	}
	if len(due) == 0 {
		return stopped(StageSelect, ReasonNothingToDo), nil
	}
	open, err := openSubjects(ctx, p.d.Store, SubjectFollowUp)
	if err != nil {
		return stopped(StageSelect, apperr.Kind(err)), err
	}

	out = done(0)
	for _, post := range due {
		sub := subject(SubjectFollowUp, post.ID)
		if open[sub] {
			continue
		}
		err := p.followUp(ctx, post)
		switch {
		case err == nil:
			out.Count++
		case errors.Is(err, apperr.ErrLLMEmpty):
			// 模型给不出摘要就放弃这条跟帖
			if merr := p.skipFollowUp(ctx, post); merr != nil {
				return stopped(StagePersist, apperr.Kind(merr)), merr
			}
		default:
			if _, ferr := p.n.failure(ctx, p.d.Retry, StagePublish, model.ActionKindComment, sub, postPayload{PostID: post.ID}, err); ferr != nil {
				return stopped(StagePersist, apperr.Kind(ferr)), ferr
			}
		}
	}
	return out, nil
}

// skipFollowUp 标记放弃；follow_up_posted 保持 false，只有真的发出评论才置位
func (p *PostPipeline) skipFollowUp(ctx context.Context, post *model.Post) error {
	logger.Warn("follow-up summary empty, giving up", zap.Uint("post_id", post.ID))
	ok, err := p.d.Store.Posts.MarkFollowUpSkipped(ctx, post.ID)
	if err != nil || !ok {
		return err
	}
	p.n.event(ctx, model.EventFollowUpSkipped, fmt.Sprintf("post %d: empty summary", post.ID))
	return nil
}

func (p *PostPipeline) followUp(ctx context.Context, post *model.Post) error {
	text, err := generate(ctx, p.d.LLM, p.d.Prompts.FollowUpSummary(post.Body, post.SourceURL), llm.SummaryTemperature, llm.SummaryMaxTokens)
	if err != nil {
		return err
	}
	ref, err := p.d.Social.PublishComment(ctx, post.URN, text, "")
	if err != nil {
		return err
	}
	now := p.d.Now()
	err = p.d.Store.Transaction(ctx, func(tx *repository.Store) error {
		ok, err := tx.Posts.MarkFollowUpPosted(ctx, post.ID)
		if err != nil || !ok {
			return err
		}
		c := &model.Comment{
			ExternalID:       ref.ID,
			URN:              ref.URN,
			ObjectURN:        post.URN,
			ParentExternalID: post.External(),
			Body:             text,
			Language:         p.d.Prompts.Persona.SummaryLanguage,
			SeenAt:           now,
		}
		if err := tx.Comments.CreateAgent(ctx, c); err != nil {
			return err
		}
		return tx.Events.Append(ctx, model.EventFollowUpPosted, fmt.Sprintf("post %d summary %s", post.ID, ref.URN))
	})
	if err != nil {
		return err
	}
	logger.Info("follow-up summary posted", zap.Uint("post_id", post.ID), zap.String("comment", ref.URN))
	return nil
}

// Replay 重放 post 类失败操作
func (p *PostPipeline) Replay(ctx context.Context, a *model.FailedAction) error {
	if err := p.d.Gate.Check(ctx, model.CounterPosts); err != nil {
		return err
	}
	if strings.HasPrefix(a.Subject, SubjectArticle+":") {
		return p.replayArticle(ctx, a)
	}
	var payload postPayload
	if err := retry.Decode(a, &payload); err != nil {
		return err
	}
	post, err := p.d.Store.Posts.Get(ctx, payload.PostID)
	if errors.Is(err, apperr.ErrNotFound) {
		logger.Warn("post of failed action is gone", zap.Uint("action_id", a.ID), zap.Uint("post_id", payload.PostID))
		return nil
	}
	if err != nil {
		return err
	}
	if post.External() != "" {
		return nil
	}
	if err := p.publish(ctx, post); err != nil {
		if !errors.Is(err, apperr.ErrStore) && !apperr.Gate(err) {
			_ = p.d.Store.Posts.MarkFailed(ctx, post.ID, err.Error())
		}
		return err
	}
	return nil
}

// replayArticle 生成阶段失败的重放；生成成功后的发布失败另起一条 post:ID
func (p *PostPipeline) replayArticle(ctx context.Context, a *model.FailedAction) error {
	var entry feed.Entry
	if err := retry.Decode(a, &entry); err != nil {
		return err
	}
	post, _, err := p.draft(ctx, entry)
	if err != nil || post == nil {
		return err
	}
	_, err = p.publishAndRecord(ctx, post)
	return err
}

func articleSubject(link string) string {
	sum := sha256.Sum256([]byte(link))
	return SubjectArticle + ":" + hex.EncodeToString(sum[:8])
}
