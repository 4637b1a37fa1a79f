// Package service 发帖、回复评论、主动评论、连接邀请四条流水线与各自的重放处理。
// 每个阶段返回显式的 Outcome 与已分类的 error，不借助 panic 控制流程。
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

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
	"github.com/d60-Lab/linkpilot/pkg/logger"
	"github.com/d60-Lab/linkpilot/pkg/tracing"
)

// 流水线阶段
const (
	StageGate     = "gate"
	StageSelect   = "select"
	StageModerate = "moderate"
	StageGenerate = "generate"
	StagePublish  = "publish"
	StagePersist  = "persist"
	StageDone     = "done"
)

// 未进入错误种类的正常结束原因
const (
	ReasonNothingToDo     = "nothing_to_do"
	ReasonQueuedForRetry  = "queued_for_retry"
	ReasonQueuedForReview = "queued_for_review"
)

// Outcome 一次流水线执行的结果
type Outcome struct {
	Stage   string `json:"stage"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	// Count 本轮处理的条目数（回复、跟帖）
	Count int `json:"count,omitempty"`
	// ID 涉及的本地实体
	ID uint `json:"id,omitempty"`
}

func done(id uint) Outcome { return Outcome{Stage: StageDone, Success: true, ID: id} }

func stopped(stage, reason string) Outcome { return Outcome{Stage: stage, Reason: reason} }

// FeedSource 文章来源
type FeedSource interface {
	FetchRecent(ctx context.Context) []feed.Entry
}

// Deps 流水线共享的依赖
type Deps struct {
	Store     *repository.Store
	Social    social.API
	LLM       llm.Generator
	Prompts   llm.Prompts
	Feeds     FeedSource
	Moderator *moderation.Moderator
	Gate      *quota.Gate
	Retry     *retry.Queue
	Alerts    alert.Sink
	Now       func() time.Time
}

func (d *Deps) fill() {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Alerts == nil {
		d.Alerts = alert.Log{}
	}
}

var tracer = tracing.Tracer("service")

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

func endSpan(span trace.Span, out Outcome, err error) {
	span.SetAttributes(
		attribute.String("stage", out.Stage),
		attribute.Bool("success", out.Success),
		attribute.String("reason", out.Reason),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// notifier 系统事件 + 运营告警；同一种告警一小时内只发一次
type notifier struct {
	store  *repository.Store
	alerts alert.Sink
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

const alertCooldown = time.Hour

func newNotifier(d Deps) *notifier {
	return &notifier{store: d.Store, alerts: d.Alerts, now: d.Now, last: map[string]time.Time{}}
}

func (n *notifier) event(ctx context.Context, kind, detail string) {
	if err := n.store.Events.Append(ctx, kind, detail); err != nil {
		logger.Error("append system event failed", zap.String("kind", kind), zap.Error(err))
	}
}

// gated 门控拒绝：info 日志，record 为 true 时同时写事件
func (n *notifier) gated(ctx context.Context, pipeline string, err error, record bool) Outcome {
	kind := apperr.Kind(err)
	logger.Info("pipeline gated", zap.String("pipeline", pipeline), zap.String("reason", kind), zap.String("detail", err.Error()))
	if record {
		n.event(ctx, kind, pipeline+": "+err.Error())
	}
	return stopped(StageGate, kind)
}

func (n *notifier) alert(ctx context.Context, err error, detail string) {
	kind := apperr.Kind(err)
	n.mu.Lock()
	last, seen := n.last[kind]
	now := n.now()
	if seen && now.Sub(last) < alertCooldown {
		n.mu.Unlock()
		logger.Warn("operator alert suppressed", zap.String("kind", kind), zap.String("detail", detail))
		return
	}
	n.last[kind] = now
	n.mu.Unlock()

	n.event(ctx, model.EventAlert, kind+": "+detail)
	n.alerts.Notify(ctx, kind, detail)
}

// failure 按错误种类分流：可重试入队，需人工处理则告警，store_error 原样返回
func (n *notifier) failure(ctx context.Context, q *retry.Queue, stage, kind, subject string, payload any, err error) (Outcome, error) {
	out := stopped(stage, apperr.Kind(err))
	switch {
	case errors.Is(err, apperr.ErrStore):
		return out, err
	case apperr.Retriable(err):
		a, qerr := q.Enqueue(ctx, kind, subject, payload, err)
		if qerr != nil {
			return out, qerr
		}
		logger.Warn("action queued for retry",
			zap.String("subject", subject), zap.String("error_kind", apperr.Kind(err)), zap.Error(err))
		n.event(ctx, model.EventActionQueued, fmt.Sprintf("%s (#%d): %s", subject, a.ID, err))
		out.Reason = ReasonQueuedForRetry
	case apperr.OperatorAction(err):
		// 邀请失败由客户端自己告警
		if !errors.Is(err, apperr.ErrInviteForbidden) {
			n.alert(ctx, err, subject+": "+err.Error())
		}
	default:
		logger.Warn("pipeline stage failed",
			zap.String("subject", subject), zap.String("stage", stage), zap.String("error_kind", apperr.Kind(err)), zap.Error(err))
	}
	return out, nil
}

func subject(prefix string, id uint) string { return prefix + ":" + strconv.FormatUint(uint64(id), 10) }

// 重试主题前缀
const (
	SubjectPost      = "post"
	SubjectArticle   = "article"
	SubjectFollowUp  = "follow_up"
	SubjectReply     = "reply"
	SubjectProactive = "proactive"
	SubjectInvite    = "invite"
)

func generate(ctx context.Context, gen llm.Generator, prompt string, temperature float32, maxTokens int) (string, error) {
	text, err := gen.Generate(ctx, prompt, temperature, maxTokens)
	if err != nil {
		return "", err
	}
	text = llm.Sanitize(text)
	if text == "" {
		return "", apperr.Wrapf(apperr.ErrLLMEmpty, "empty after sanitize")
	}
	return text, nil
}

func openSubjects(ctx context.Context, s *repository.Store, prefix string) (map[string]bool, error) {
	return s.FailedActions.OpenSubjects(ctx, prefix+":")
}
