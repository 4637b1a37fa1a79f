// Package quota 运营时段与每日配额门控；只判断，不等待。
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/model"
)

// Counters 读取某天的计数
type Counters interface {
	Get(ctx context.Context, date string) (model.DailyCounter, error)
}

type Options struct {
	Location *time.Location
	// 允许的本地小时区间 [Start, End)，End 可为 24
	Start int
	End   int
	Caps  map[model.CounterKind]int
	Now   func() time.Time
}

type Gate struct {
	counters Counters
	loc      *time.Location
	start    int
	end      int
	caps     map[model.CounterKind]int
	now      func() time.Time

	mu    sync.Mutex
	slots map[model.CounterKind]chan struct{}
}

// Usage 仪表盘用的计数/上限
type Usage struct {
	Kind model.CounterKind `json:"kind"`
	Used int               `json:"used"`
	Cap  int               `json:"cap"`
}

func New(counters Counters, opts Options) *Gate {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	caps := make(map[model.CounterKind]int, len(opts.Caps))
	for k, v := range opts.Caps {
		caps[k] = v
	}
	return &Gate{counters: counters, loc: opts.Location, start: opts.Start, end: opts.End, caps: caps, now: opts.Now,
		slots: map[model.CounterKind]chan struct{}{}}
}

func (g *Gate) Now() time.Time { return g.now() }

func (g *Gate) Location() *time.Location { return g.loc }

// DateOf 本地日历日期 YYYY-MM-DD
func (g *Gate) DateOf(t time.Time) string { return t.In(g.loc).Format("2006-01-02") }

// Today 计数器与仪表盘共用的本地日期
func (g *Gate) Today() string { return g.DateOf(g.now()) }

func (g *Gate) Cap(kind model.CounterKind) int { return g.caps[kind] }

// Hours now 的本地小时在 [start, end) 内返回 nil
func (g *Gate) Hours(now time.Time) error {
	h := now.In(g.loc).Hour()
	if h >= g.start && h < g.end {
		return nil
	}
	return apperr.Wrapf(apperr.ErrHoursDenied, "local hour %d outside [%d,%d)", h, g.start, g.end)
}

// HoursOpen 当前是否在运营时段
func (g *Gate) HoursOpen() bool { return g.Hours(g.now()) == nil }

// Daily 今日计数 < 上限才放行；上限 0 表示禁用
func (g *Gate) Daily(ctx context.Context, kind model.CounterKind) error {
	limit := g.caps[kind]
	date := g.Today()
	c, err := g.counters.Get(ctx, date)
	if err != nil {
		return err
	}
	if used := c.Value(kind); used >= limit {
		return apperr.Wrapf(apperr.ErrQuotaDenied, "%s %d/%d on %s", kind, used, limit, date)
	}
	return nil
}

// Check 先时段后配额
func (g *Gate) Check(ctx context.Context, kind model.CounterKind) error {
	if err := g.Hours(g.now()); err != nil {
		return err
	}
	return g.Daily(ctx, kind)
}

func (g *Gate) slot(kind model.CounterKind) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[kind]
	if !ok {
		s = make(chan struct{}, 1)
		g.slots[kind] = s
	}
	return s
}

// Reserve 独占该种类的配额直到 release 被调用，拿到后在锁内复查 Daily。
// 发布与计数自增都必须在 release 之前完成，否则并发的调用方会一起越过上限。
func (g *Gate) Reserve(ctx context.Context, kind model.CounterKind) (release func(), err error) {
	s := g.slot(kind)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	release = func() { once.Do(func() { <-s }) }
	if err := g.Daily(ctx, kind); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

// Snapshot 今日全部计数
func (g *Gate) Snapshot(ctx context.Context) ([]Usage, error) {
	c, err := g.counters.Get(ctx, g.Today())
	if err != nil {
		return nil, err
	}
	out := make([]Usage, 0, len(model.CounterKinds))
	for _, k := range model.CounterKinds {
		out = append(out, Usage{Kind: k, Used: c.Value(k), Cap: g.caps[k]})
	}
	return out, nil
}
