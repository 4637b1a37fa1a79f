package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

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

type ProactiveOptions struct {
	// LikeTargets 评论前先点赞，失败不影响评论
	LikeTargets bool
}

// ProactivePipeline 把运营者审批过的评论发到目标帖子
type ProactivePipeline struct {
	d    Deps
	n    *notifier
	opts ProactiveOptions
}

func NewProactivePipeline(d Deps, opts ProactiveOptions) *ProactivePipeline {
	d.fill()
	return &ProactivePipeline{d: d, n: newNotifier(d), opts: opts}
}

var errNoTargetURN = errors.New("target has no post urn")

type targetPayload struct {
	TargetID uint `json:"target_id"`
}

// TargetInput 新增待审批目标
type TargetInput struct {
	TargetURL     string `json:"target_url" form:"target_url"`
	TargetURN     string `json:"target_urn" form:"target_urn"`
	Context       string `json:"context" form:"context"`
	SuggestedBody string `json:"suggested_body" form:"suggested_body"`
}

// EnqueueTarget 推导缺失的 URN，缺正文时用模型生成建议
func (p *ProactivePipeline) EnqueueTarget(ctx context.Context, in TargetInput) (*model.ProactiveTarget, error) {
	in.TargetURL = strings.TrimSpace(in.TargetURL)
	in.TargetURN = strings.TrimSpace(in.TargetURN)
	if in.TargetURN == "" {
		urn, ok := social.URNFromURL(in.TargetURL)
		if !ok {
			return nil, fmt.Errorf("cannot derive post urn from %q", in.TargetURL)
		}
		in.TargetURN = urn
	}
	body := strings.TrimSpace(in.SuggestedBody)
	if body == "" {
		var err error
		if body, err = p.Suggest(ctx, in.Context); err != nil {
			// 建议生成失败不阻止入队，运营者可在审批前补写
			logger.Warn("suggest proactive comment failed", zap.String("error_kind", apperr.Kind(err)), zap.Error(err))
		}
	}
	t := &model.ProactiveTarget{
		Kind:          model.TargetKindComment,
		TargetURL:     in.TargetURL,
		TargetURN:     in.TargetURN,
		Context:       in.Context,
		SuggestedBody: body,
	}
	if err := p.d.Store.Targets.Enqueue(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Suggest 针对目标内容生成评论草稿
func (p *ProactivePipeline) Suggest(ctx context.Context, context string) (string, error) {
	if strings.TrimSpace(context) == "" {
		return "", apperr.Wrapf(apperr.ErrLLMEmpty, "no context to comment on")
	}
	return generate(ctx, p.d.LLM, p.d.Prompts.ProactiveComment(context), llm.ProactiveTemperature, llm.ProactiveMaxTokens)
}

// Run 发布一条最早审批的主动评论
func (p *ProactivePipeline) Run(ctx context.Context) (out Outcome, err error) {
	ctx, span := startSpan(ctx, "proactive.run")
	defer func() { endSpan(span, out, err) }()

	if err := p.d.Gate.Check(ctx, model.CounterProactiveComments); err != nil {
		if !apperr.Gate(err) {
			return stopped(StageGate, apperr.Kind(err)), err
		}
		return p.n.gated(ctx, "proactive", err, false), nil
	}
	open, err := openSubjects(ctx, p.d.Store, SubjectProactive)
	if err != nil {
		return stopped(StageSelect, apperr.Kind(err)), err
	}
	t, err := p.d.Store.Targets.OldestApproved(ctx, model.TargetKindComment, func(id uint) bool {
		return open[subject(SubjectProactive, id)]
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return stopped(StageSelect, ReasonNothingToDo), nil
	}
	if err != nil {
		return stopped(StageSelect, apperr.Kind(err)), err
	}

	if err := p.post(ctx, t); err != nil {
		if apperr.Gate(err) {
			out := p.n.gated(ctx, "proactive", err, false)
			out.ID = t.ID
			return out, nil
		}
		if unpostable(err) {
			// 不可发布的条目拒绝掉，避免堵住后面的队列
			logger.Warn("proactive target not postable", zap.Uint("target_id", t.ID), zap.Error(err))
			if _, rerr := p.d.Store.Targets.Reject(ctx, t.ID, p.d.Now()); rerr != nil {
				return stopped(StagePersist, apperr.Kind(rerr)), rerr
			}
			out := stopped(StageModerate, apperr.Kind(err))
			out.ID = t.ID
			return out, nil
		}
		// 失败时条目保持 approved
		out, ferr := p.n.failure(ctx, p.d.Retry, StagePublish, model.ActionKindComment, subject(SubjectProactive, t.ID), targetPayload{TargetID: t.ID}, err)
		out.ID = t.ID
		return out, ferr
	}
	return done(t.ID), nil
}

func (p *ProactivePipeline) post(ctx context.Context, t *model.ProactiveTarget) error {
	urn := t.TargetURN
	if urn == "" {
		derived, ok := social.URNFromURL(t.TargetURL)
		if !ok {
			return fmt.Errorf("target %d: %w", t.ID, errNoTargetURN)
		}
		urn = derived
	}
	body := strings.TrimSpace(t.SuggestedBody)
	if body == "" {
		var err error
		if body, err = p.Suggest(ctx, t.Context); err != nil {
			return err
		}
	}
	if v := p.d.Moderator.Classify(body); v.Kind == moderation.Blocked {
		p.n.event(ctx, model.EventModerationBlocked, fmt.Sprintf("proactive target %d: %s", t.ID, v.Reason))
		return apperr.Wrapf(apperr.ErrModerationBlocked, "target %d: %s", t.ID, v.Reason)
	}

	release, err := p.d.Gate.Reserve(ctx, model.CounterProactiveComments)
	if err != nil {
		return err
	}
	defer release()

	if p.opts.LikeTargets {
		if err := p.d.Social.Like(ctx, urn); err != nil {
			logger.Warn("like target failed", zap.Uint("target_id", t.ID), zap.String("urn", urn), zap.Error(err))
		}
	}
	ref, err := p.d.Social.PublishComment(ctx, urn, body, "")
	if err != nil {
		return err
	}
	now := p.d.Now()
	err = p.d.Store.Transaction(ctx, func(tx *repository.Store) error {
		ok, err := tx.Targets.MarkPosted(ctx, t.ID, now)
		if err != nil || !ok {
			return err
		}
		if err := tx.Counters.Increment(ctx, p.d.Gate.DateOf(now), model.CounterProactiveComments); err != nil {
			return err
		}
		c := &model.Comment{
			ExternalID: ref.ID,
			URN:        ref.URN,
			ObjectURN:  urn,
			Body:       body,
			Language:   moderation.DetectLanguage(body),
			SeenAt:     now,
		}
		if err := tx.Comments.CreateAgent(ctx, c); err != nil {
			return err
		}
		return tx.Events.Append(ctx, model.EventProactivePosted, fmt.Sprintf("target %d commented as %s", t.ID, ref.URN))
	})
	if err != nil {
		return err
	}
	logger.Info("proactive comment posted", zap.Uint("target_id", t.ID), zap.String("comment", ref.URN))
	return nil
}

// replay proactive:ID
func (p *ProactivePipeline) replay(ctx context.Context, a *model.FailedAction) error {
	if err := p.d.Gate.Check(ctx, model.CounterProactiveComments); err != nil {
		return err
	}
	var payload targetPayload
	if err := retry.Decode(a, &payload); err != nil {
		return err
	}
	t, err := p.d.Store.Targets.Get(ctx, payload.TargetID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if t.Status != model.TargetStatusApproved {
		return nil
	}
	err = p.post(ctx, t)
	if unpostable(err) {
		_, rerr := p.d.Store.Targets.Reject(ctx, t.ID, p.d.Now())
		return rerr
	}
	return err
}

func unpostable(err error) bool {
	return errors.Is(err, apperr.ErrModerationBlocked) || errors.Is(err, apperr.ErrLLMEmpty) || errors.Is(err, errNoTargetURN)
}
