// Package alert 把需要运营者处理的告警送到各个出口（事件表、Sentry）。
package alert

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/d60-Lab/linkpilot/pkg/logger"
)

// Sink 告警出口
type Sink interface {
	Notify(ctx context.Context, kind, detail string)
}

// Func 函数适配器
type Func func(ctx context.Context, kind, detail string)

func (f Func) Notify(ctx context.Context, kind, detail string) { f(ctx, kind, detail) }

// Multi 依次投递到所有出口
type Multi []Sink

func (m Multi) Notify(ctx context.Context, kind, detail string) {
	for _, s := range m {
		if s != nil {
			s.Notify(ctx, kind, detail)
		}
	}
}

// Nop 丢弃告警
type Nop struct{}

func (Nop) Notify(context.Context, string, string) {}

// Log 写 warn 日志
type Log struct{}

func (Log) Notify(_ context.Context, kind, detail string) {
	logger.Warn("operator alert", zap.String("kind", kind), zap.String("detail", detail))
}

// Sentry 上报到 Sentry；需先调用 InitSentry
type Sentry struct{}

func (Sentry) Notify(ctx context.Context, kind, detail string) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("alert_kind", kind)
		scope.SetLevel(sentry.LevelWarning)
		hub.CaptureMessage(kind + ": " + detail)
	})
}

// InitSentry dsn 为空时不启用，返回 flush 函数
func InitSentry(dsn, environment string) (Sink, func(), error) {
	if dsn == "" {
		return Nop{}, func() {}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Environment: environment}); err != nil {
		return nil, nil, err
	}
	return Sentry{}, func() { sentry.Flush(2 * time.Second) }, nil
}
