package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/model"
	"github.com/d60-Lab/linkpilot/internal/retry"
)

// Replayers 把各流水线的重放处理注册到重试 worker
// 每个处理先过门控：门控拒绝时 worker 原样保留条目
type Replayers struct {
	Post      *PostPipeline
	Reply     *ReplyPipeline
	Proactive *ProactivePipeline
	Invite    *InvitePipeline
}

func (r Replayers) Register(w *retry.Worker) {
	if r.Post != nil {
		w.Register(model.ActionKindPost, retry.ReplayFunc(r.Post.Replay))
	}
	w.Register(model.ActionKindComment, retry.ReplayFunc(r.comment))
	if r.Invite != nil {
		w.Register(model.ActionKindInvite, retry.ReplayFunc(r.Invite.Replay))
	}
}

// comment 按 subject 前缀分发：follow_up / reply / proactive
func (r Replayers) comment(ctx context.Context, a *model.FailedAction) error {
	prefix, _, _ := strings.Cut(a.Subject, ":")
	switch {
	case prefix == SubjectFollowUp && r.Post != nil:
		return r.Post.replayFollowUp(ctx, a)
	case prefix == SubjectReply && r.Reply != nil:
		return r.Reply.replay(ctx, a)
	case prefix == SubjectProactive && r.Proactive != nil:
		return r.Proactive.replay(ctx, a)
	}
	return fmt.Errorf("no comment replayer for subject %q", a.Subject)
}

// replayFollowUp follow_up:ID
func (p *PostPipeline) replayFollowUp(ctx context.Context, a *model.FailedAction) error {
	if err := p.d.Gate.Hours(p.d.Now()); err != nil {
		return err
	}
	var payload postPayload
	if err := retry.Decode(a, &payload); err != nil {
		return err
	}
	post, err := p.d.Store.Posts.Get(ctx, payload.PostID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if post.FollowUpPosted || post.FollowUpSkipped || post.Status != model.PostStatusPublished {
		return nil
	}
	err = p.followUp(ctx, post)
	if errors.Is(err, apperr.ErrLLMEmpty) {
		return p.skipFollowUp(ctx, post)
	}
	return err
}
