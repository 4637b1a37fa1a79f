package retry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/model"
	"github.com/d60-Lab/linkpilot/internal/repository"
	"github.com/d60-Lab/linkpilot/pkg/alert"
	"github.com/d60-Lab/linkpilot/pkg/logger"
)

// Replayer 重放某一类失败操作；必须幂等
type Replayer interface {
	Replay(ctx context.Context, a *model.FailedAction) error
}

// ReplayFunc 函数适配器
type ReplayFunc func(ctx context.Context, a *model.FailedAction) error

func (f ReplayFunc) Replay(ctx context.Context, a *model.FailedAction) error { return f(ctx, a) }

// HoursGate 运营时段
type HoursGate interface {
	HoursOpen() bool
}

// Result 一轮重放的统计
type Result struct {
	Due       int  `json:"due"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Exhausted int  `json:"exhausted"`
	Deferred  int  `json:"deferred"`
	Skipped   bool `json:"skipped"`
}

type Worker struct {
	queue  *Queue
	hours  HoursGate
	events repository.EventRepository
	alerts alert.Sink
	batch  int

	mu        sync.RWMutex
	replayers map[string]Replayer
}

func NewWorker(queue *Queue, hours HoursGate, events repository.EventRepository, alerts alert.Sink, batch int) *Worker {
	if alerts == nil {
		alerts = alert.Nop{}
	}
	if batch <= 0 {
		batch = 50
	}
	return &Worker{queue: queue, hours: hours, events: events, alerts: alerts, batch: batch, replayers: map[string]Replayer{}}
}

func (w *Worker) Register(kind string, r Replayer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.replayers[kind] = r
}

func (w *Worker) replayer(kind string) Replayer {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.replayers[kind]
}

// RunOnce 处理一批到期条目；运营时段外整轮跳过
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	if w.hours != nil && !w.hours.HoursOpen() {
		res.Skipped = true
		return res, nil
	}
	due, err := w.queue.repo.Due(ctx, w.queue.now(), w.batch)
	if err != nil {
		return res, err
	}
	res.Due = len(due)
	for _, a := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		switch err := w.replay(ctx, a); {
		case err == nil:
			res.Succeeded++
			if _, derr := w.queue.repo.Delete(ctx, a.ID); derr != nil {
				return res, derr
			}
		case apperr.Gate(err):
			// 门控拒绝不算失败，原样保留
			res.Deferred++
		default:
			exhausted, ferr := w.recordFailure(ctx, a, err)
			if ferr != nil {
				return res, ferr
			}
			res.Failed++
			if exhausted {
				res.Exhausted++
			}
		}
	}
	return res, nil
}

func (w *Worker) replay(ctx context.Context, a *model.FailedAction) error {
	r := w.replayer(a.Kind)
	if r == nil {
		return fmt.Errorf("no replayer for kind %q", a.Kind)
	}
	return r.Replay(ctx, a)
}

func (w *Worker) recordFailure(ctx context.Context, a *model.FailedAction, cause error) (bool, error) {
	now := w.queue.now().UTC()
	p := w.queue.policy
	u := repository.FailureUpdate{
		Attempts:  a.Attempts + 1,
		Status:    model.ActionStatusPending,
		LastError: errText(cause),
		At:        now,
		Next:      now.Add(p.Delay(a.Attempts + 1)),
	}
	exhausted := u.Attempts >= p.MaxAttempts
	if exhausted {
		u.Attempts = p.MaxAttempts
		u.Status = model.ActionStatusExhausted
	}
	if err := w.queue.repo.RecordFailure(ctx, a.ID, u); err != nil {
		return false, err
	}
	logger.Warn("retry attempt failed",
		zap.Uint("action_id", a.ID), zap.String("kind", a.Kind), zap.String("subject", a.Subject),
		zap.Int("attempts", u.Attempts), zap.String("error_kind", apperr.Kind(cause)), zap.Error(cause))
	if exhausted {
		detail := fmt.Sprintf("action %d (%s %s) exhausted after %d attempts: %s", a.ID, a.Kind, a.Subject, u.Attempts, u.LastError)
		if w.events != nil {
			if err := w.events.Append(ctx, model.EventActionExhausted, detail); err != nil {
				logger.Error("record exhausted event failed", zap.Error(err))
			}
		}
		w.alerts.Notify(ctx, model.EventActionExhausted, detail)
	}
	return exhausted, nil
}
