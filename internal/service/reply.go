package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/llm"
	"github.com/d60-Lab/linkpilot/internal/model"
	"github.com/d60-Lab/linkpilot/internal/moderation"
	"github.com/d60-Lab/linkpilot/internal/repository"
	"github.com/d60-Lab/linkpilot/internal/retry"
	"github.com/d60-Lab/linkpilot/internal/social"
	"github.com/d60-Lab/linkpilot/pkg/logger"
)

// DelayWindow 回复延迟的均匀分布区间
type DelayWindow struct {
	Min, Max time.Duration
}

type ReplyOptions struct {
	RecentPosts int
	// [PeakStart, PeakEnd) 本地小时内用 Peak 区间
	PeakStart int
	PeakEnd   int
	Peak      DelayWindow
	OffPeak   DelayWindow
	BatchSize int
	// Sample 在 [lo, hi] 内取值；测试可替换
	Sample func(lo, hi time.Duration) time.Duration
}

// ReplyPipeline 观察自己帖子下的评论，按延迟逐条回复
type ReplyPipeline struct {
	d    Deps
	n    *notifier
	opts ReplyOptions
}

func NewReplyPipeline(d Deps, opts ReplyOptions) *ReplyPipeline {
	d.fill()
	if opts.RecentPosts <= 0 {
		opts.RecentPosts = 5
	}
	if opts.PeakEnd <= opts.PeakStart {
		opts.PeakStart, opts.PeakEnd = 9, 17
	}
	if opts.Peak.Max <= 0 {
		opts.Peak = DelayWindow{Min: 5 * time.Minute, Max: 15 * time.Minute}
	}
	if opts.OffPeak.Max <= 0 {
		opts.OffPeak = DelayWindow{Min: 15 * time.Minute, Max: 30 * time.Minute}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Sample == nil {
		opts.Sample = uniform
	}
	return &ReplyPipeline{d: d, n: newNotifier(d), opts: opts}
}

func uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

type commentPayload struct {
	CommentID uint `json:"comment_id"`
}

// Delay 按观察时的本地小时决定回复延迟
func (r *ReplyPipeline) Delay(now time.Time) time.Duration {
	h := now.In(r.d.Gate.Location()).Hour()
	w := r.opts.OffPeak
	if h >= r.opts.PeakStart && h < r.opts.PeakEnd {
		w = r.opts.Peak
	}
	return r.opts.Sample(w.Min, w.Max)
}

// Run 拉取最近帖子的评论，然后处理到期的回复
func (r *ReplyPipeline) Run(ctx context.Context) (out Outcome, err error) {
	ctx, span := startSpan(ctx, "reply.run")
	defer func() { endSpan(span, out, err) }()

	if err := r.d.Gate.Hours(r.d.Now()); err != nil {
		return r.n.gated(ctx, "reply", err, false), nil
	}
	me, err := r.d.Social.Me(ctx)
	if err != nil {
		// 身份解析失败不入重试队列，下个 tick 再来
		if apperr.OperatorAction(err) {
			r.n.alert(ctx, err, "reply: resolve identity: "+err.Error())
		}
		logger.Warn("resolve identity failed", zap.String("error_kind", apperr.Kind(err)), zap.Error(err))
		return stopped(StageSelect, apperr.Kind(err)), nil
	}

	posts, err := r.d.Store.Posts.RecentPublished(ctx, r.opts.RecentPosts)
	if err != nil {
		return stopped(StageSelect, apperr.Kind(err)), err
	}
	observed := 0
	for _, post := range posts {
		if post.URN == "" {
			continue
		}
		remote, err := r.d.Social.ListComments(ctx, post.URN)
		if err != nil {
			logger.Warn("list comments failed", zap.Uint("post_id", post.ID), zap.String("urn", post.URN), zap.Error(err))
			continue
		}
		for _, rc := range remote {
			if isSelf(rc.Actor, me) {
				continue
			}
			created, err := r.observe(ctx, post, rc)
			if err != nil {
				return stopped(StagePersist, apperr.Kind(err)), err
			}
			if created {
				observed++
			}
		}
	}
	if observed > 0 {
		logger.Info("new comments observed", zap.Int("count", observed))
	}

	out, err = r.replyDue(ctx)
	return out, err
}

func isSelf(actor string, me social.Identity) bool {
	if actor == "" {
		return false
	}
	return actor == me.URN || (me.ID != "" && social.LastSegment(actor) == me.ID)
}

// observe 幂等记录评论：语言、负面标记与回复时间
func (r *ReplyPipeline) observe(ctx context.Context, post *model.Post, rc social.RemoteComment) (bool, error) {
	now := r.d.Now()
	next := now.Add(r.Delay(now))
	c := &model.Comment{
		ExternalID:       rc.ID,
		URN:              rc.URN,
		ObjectURN:        post.URN,
		ParentExternalID: post.External(),
		Author:           rc.Actor,
		Body:             rc.Text,
		Language:         moderation.DetectLanguage(rc.Text),
		Negative:         r.d.Moderator.IsNegative(rc.Text),
		SeenAt:           now,
		NextReplyAt:      &next,
	}
	created, err := r.d.Store.Comments.Observe(ctx, c)
	if err != nil {
		return false, err
	}
	if created {
		logger.Debug("comment observed",
			zap.Uint("comment_id", c.ID), zap.String("language", c.Language), zap.Bool("negative", c.Negative), zap.Time("reply_at", next))
	}
	return created, nil
}

// Ingest 外部推送的评论走同一条观察路径；objectURN 为被评论的自有帖子
func (r *ReplyPipeline) Ingest(ctx context.Context, objectURN string, rc social.RemoteComment) (bool, error) {
	if strings.TrimSpace(rc.ID) == "" || strings.TrimSpace(rc.Text) == "" {
		return false, errors.New("comment id and text are required")
	}
	post, err := r.d.Store.Posts.ByExternalID(ctx, social.LastSegment(objectURN))
	if errors.Is(err, apperr.ErrNotFound) {
		post, err = r.d.Store.Posts.ByExternalID(ctx, objectURN)
	}
	if err != nil {
		return false, err
	}
	if me, err := r.d.Social.Me(ctx); err == nil && isSelf(rc.Actor, me) {
		return false, nil
	}
	if rc.URN == "" {
		rc.URN = "urn:li:comment:(" + post.URN + "," + rc.ID + ")"
	}
	return r.observe(ctx, post, rc)
}

func (r *ReplyPipeline) replyDue(ctx context.Context) (Outcome, error) {
	due, err := r.d.Store.Comments.DueReplies(ctx, r.d.Now(), r.opts.BatchSize)
	if err != nil {
		return stopped(StageSelect, apperr.Kind(err)), err
	}
	if len(due) == 0 {
		return stopped(StageSelect, ReasonNothingToDo), nil
	}
	open, err := openSubjects(ctx, r.d.Store, SubjectReply)
	if err != nil {
		return stopped(StageSelect, apperr.Kind(err)), err
	}

	out := done(0)
	for _, c := range due {
		sub := subject(SubjectReply, c.ID)
		if open[sub] {
			continue
		}
		if err := r.d.Gate.Daily(ctx, model.CounterCommentsReplied); err != nil {
			if !apperr.Gate(err) {
				return stopped(StageGate, apperr.Kind(err)), err
			}
			gated := r.n.gated(ctx, "reply", err, false)
			gated.Count = out.Count
			return gated, nil
		}
		err := r.reply(ctx, c)
		switch {
		case err == nil:
			out.Count++
		case apperr.Gate(err):
			gated := r.n.gated(ctx, "reply", err, false)
			gated.Count = out.Count
			return gated, nil
		case errors.Is(err, apperr.ErrLLMEmpty), errors.Is(err, apperr.ErrModerationBlocked):
			logger.Info("reply skipped", zap.Uint("comment_id", c.ID), zap.String("reason", apperr.Kind(err)))
			if err := r.d.Store.Comments.MarkSkipped(ctx, c.ID); err != nil {
				return stopped(StagePersist, apperr.Kind(err)), err
			}
		default:
			if _, ferr := r.n.failure(ctx, r.d.Retry, StagePublish, model.ActionKindComment, sub, commentPayload{CommentID: c.ID}, err); ferr != nil {
				return stopped(StagePersist, apperr.Kind(ferr)), ferr
			}
		}
	}
	return out, nil
}

// reply 生成并以楼中楼形式发布，一个事务内落库
func (r *ReplyPipeline) reply(ctx context.Context, c *model.Comment) error {
	prompt := r.d.Prompts.Reply(c.Body, moderation.LanguageName(c.Language), c.Negative)
	text, err := generate(ctx, r.d.LLM, prompt, llm.ReplyTemperature, llm.ReplyMaxTokens)
	if err != nil {
		return err
	}
	if v := r.d.Moderator.Classify(text); v.Kind == moderation.Blocked {
		return apperr.Wrapf(apperr.ErrModerationBlocked, "reply to comment %d: %s", c.ID, v.Reason)
	}
	release, err := r.d.Gate.Reserve(ctx, model.CounterCommentsReplied)
	if err != nil {
		return err
	}
	defer release()

	ref, err := r.d.Social.PublishComment(ctx, c.ObjectURN, text, c.URN)
	if err != nil {
		return err
	}
	now := r.d.Now()
	err = r.d.Store.Transaction(ctx, func(tx *repository.Store) error {
		ok, err := tx.Comments.MarkReplied(ctx, c.ID, ref.ID, now)
		if err != nil || !ok {
			return err
		}
		agent := &model.Comment{
			ExternalID:       ref.ID,
			URN:              ref.URN,
			ObjectURN:        c.ObjectURN,
			ParentExternalID: c.ExternalID,
			Body:             text,
			Language:         c.Language,
			SeenAt:           now,
		}
		if err := tx.Comments.CreateAgent(ctx, agent); err != nil {
			return err
		}
		if err := tx.Counters.Increment(ctx, r.d.Gate.DateOf(now), model.CounterCommentsReplied); err != nil {
			return err
		}
		return tx.Events.Append(ctx, model.EventReplyPosted, fmt.Sprintf("comment %d replied with %s", c.ID, ref.URN))
	})
	if err != nil {
		return err
	}
	logger.Info("reply posted",
		zap.Uint("comment_id", c.ID), zap.String("reply", ref.URN), zap.String("tone", llm.Tone(c.Negative)))
	return nil
}

// replay reply:ID
func (r *ReplyPipeline) replay(ctx context.Context, a *model.FailedAction) error {
	if err := r.d.Gate.Check(ctx, model.CounterCommentsReplied); err != nil {
		return err
	}
	var payload commentPayload
	if err := retry.Decode(a, &payload); err != nil {
		return err
	}
	c, err := r.d.Store.Comments.Get(ctx, payload.CommentID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.Status != model.CommentStatusSeen {
		return nil
	}
	err = r.reply(ctx, c)
	if errors.Is(err, apperr.ErrLLMEmpty) || errors.Is(err, apperr.ErrModerationBlocked) {
		return r.d.Store.Comments.MarkSkipped(ctx, c.ID)
	}
	return err
}
