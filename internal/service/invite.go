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
	"github.com/d60-Lab/linkpilot/internal/repository"
	"github.com/d60-Lab/linkpilot/internal/retry"
	"github.com/d60-Lab/linkpilot/internal/social"
	"github.com/d60-Lab/linkpilot/pkg/logger"
)

type InviteOptions struct {
	// StaticNote 模型不可用时的固定附言
	StaticNote string
}

// InvitePipeline 逐条发送连接邀请
type InvitePipeline struct {
	d    Deps
	n    *notifier
	opts InviteOptions
}

func NewInvitePipeline(d Deps, opts InviteOptions) *InvitePipeline {
	d.fill()
	return &InvitePipeline{d: d, n: newNotifier(d), opts: opts}
}

type invitePayload struct {
	InviteID uint `json:"invite_id"`
}

// InviteInput 新增邀请目标
type InviteInput struct {
	PersonURN   string `json:"person_urn" form:"person_urn" binding:"required"`
	DisplayName string `json:"display_name" form:"display_name"`
	Rationale   string `json:"rationale" form:"rationale"`
	Note        string `json:"note" form:"note"`
	Tags        string `json:"tags" form:"tags"`
	Country     string `json:"country" form:"country"`
}

// Enqueue 按成员 URN 幂等；返回是否新建
func (p *InvitePipeline) Enqueue(ctx context.Context, in InviteInput) (*model.InviteTarget, bool, error) {
	urn := social.PersonURN(in.PersonURN)
	if urn == "" {
		return nil, false, errors.New("person_urn is required")
	}
	inv := &model.InviteTarget{
		PersonURN:   urn,
		DisplayName: strings.TrimSpace(in.DisplayName),
		Rationale:   in.Rationale,
		Note:        llm.Truncate(strings.TrimSpace(in.Note), llm.InviteNoteLimit),
		Tags:        in.Tags,
		Country:     in.Country,
	}
	created, err := p.d.Store.Invites.Enqueue(ctx, inv)
	if err != nil {
		return nil, false, err
	}
	return inv, created, nil
}

// Run 发送一条最早的待发邀请
func (p *InvitePipeline) Run(ctx context.Context) (out Outcome, err error) {
	ctx, span := startSpan(ctx, "invite.run")
	defer func() { endSpan(span, out, err) }()

	if err := p.d.Gate.Check(ctx, model.CounterInvitesSent); err != nil {
		if !apperr.Gate(err) {
			return stopped(StageGate, apperr.Kind(err)), err
		}
		return p.n.gated(ctx, "invite", err, false), nil
	}
	open, err := openSubjects(ctx, p.d.Store, SubjectInvite)
	if err != nil {
		return stopped(StageSelect, apperr.Kind(err)), err
	}
	inv, err := p.d.Store.Invites.OldestPending(ctx, func(id uint) bool {
		return open[subject(SubjectInvite, id)]
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return stopped(StageSelect, ReasonNothingToDo), nil
	}
	if err != nil {
		return stopped(StageSelect, apperr.Kind(err)), err
	}

	err = p.send(ctx, inv)
	switch {
	case err == nil:
		return done(inv.ID), nil
	case apperr.Gate(err):
		out := p.n.gated(ctx, "invite", err, false)
		out.ID = inv.ID
		return out, nil
	case errors.Is(err, apperr.ErrInviteForbidden):
		// 客户端已告警；这一条不再尝试
		if merr := p.d.Store.Invites.MarkFailed(ctx, inv.ID, err.Error(), p.d.Now()); merr != nil {
			return stopped(StagePersist, apperr.Kind(merr)), merr
		}
		out := stopped(StagePublish, apperr.Kind(err))
		out.ID = inv.ID
		return out, nil
	default:
		out, ferr := p.n.failure(ctx, p.d.Retry, StagePublish, model.ActionKindInvite, subject(SubjectInvite, inv.ID), invitePayload{InviteID: inv.ID}, err)
		out.ID = inv.ID
		return out, ferr
	}
}

// note 已有附言优先；模型失败且不可重试时退回固定附言
func (p *InvitePipeline) note(ctx context.Context, inv *model.InviteTarget) (string, error) {
	if s := strings.TrimSpace(inv.Note); s != "" {
		return llm.Truncate(s, llm.InviteNoteLimit), nil
	}
	text, err := generate(ctx, p.d.LLM, p.d.Prompts.InviteMessage(inv.DisplayName, inv.Rationale), llm.InviteTemperature, llm.InviteMaxTokens)
	if err != nil {
		if apperr.Retriable(err) {
			return "", err
		}
		logger.Info("invite note falls back to static text", zap.Uint("invite_id", inv.ID), zap.String("reason", apperr.Kind(err)))
		return llm.Truncate(p.opts.StaticNote, llm.InviteNoteLimit), nil
	}
	return llm.Truncate(text, llm.InviteNoteLimit), nil
}

func (p *InvitePipeline) send(ctx context.Context, inv *model.InviteTarget) error {
	note, err := p.note(ctx, inv)
	if err != nil {
		return err
	}
	release, err := p.d.Gate.Reserve(ctx, model.CounterInvitesSent)
	if err != nil {
		return err
	}
	defer release()

	if err := p.d.Social.SendInvite(ctx, inv.PersonURN, note); err != nil {
		return err
	}
	now := p.d.Now()
	err = p.d.Store.Transaction(ctx, func(tx *repository.Store) error {
		ok, err := tx.Invites.MarkSent(ctx, inv.ID, note, now)
		if err != nil || !ok {
			return err
		}
		if err := tx.Counters.Increment(ctx, p.d.Gate.DateOf(now), model.CounterInvitesSent); err != nil {
			return err
		}
		return tx.Events.Append(ctx, model.EventInviteSent, fmt.Sprintf("invite %d to %s", inv.ID, inv.PersonURN))
	})
	if err != nil {
		return err
	}
	logger.Info("invite sent", zap.Uint("invite_id", inv.ID), zap.String("person", inv.PersonURN))
	return nil
}

// SetStatus 运营者或外部同步更新邀请状态（accepted、rejected）
func (p *InvitePipeline) SetStatus(ctx context.Context, id uint, status string) error {
	ok, err := p.d.Store.Invites.SetStatus(ctx, id, status, p.d.Now())
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Wrapf(apperr.ErrNotFound, "invite %d", id)
	}
	return nil
}

// Replay 重放 invite 类失败操作
func (p *InvitePipeline) Replay(ctx context.Context, a *model.FailedAction) error {
	if err := p.d.Gate.Check(ctx, model.CounterInvitesSent); err != nil {
		return err
	}
	var payload invitePayload
	if err := retry.Decode(a, &payload); err != nil {
		return err
	}
	inv, err := p.d.Store.Invites.Get(ctx, payload.InviteID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if inv.Status != model.InviteStatusPending {
		return nil
	}
	err = p.send(ctx, inv)
	if errors.Is(err, apperr.ErrInviteForbidden) {
		return p.d.Store.Invites.MarkFailed(ctx, inv.ID, err.Error(), p.d.Now())
	}
	return err
}
