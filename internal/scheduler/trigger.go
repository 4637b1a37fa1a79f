// Package scheduler 定时任务：cron / 固定间隔 / 一次性触发器，加一个有界队列的 worker 池。
package scheduler

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger 给出 after 之后的下一次触发时间；零值表示不再触发
type Trigger interface {
	Next(after time.Time) time.Time
}

// TriggerFunc 函数适配器
type TriggerFunc func(after time.Time) time.Time

func (f TriggerFunc) Next(after time.Time) time.Time { return f(after) }

// Jitter 在 [-max, max] 内取随机偏移；测试可替换
var Jitter = func(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(2*max)+1)) - max
}

// Cron 每天若干个 HH:MM（本地时区），每个时间点加一次 ±jitter 偏移
type Cron struct {
	schedules []cron.Schedule
	jitter    time.Duration

	mu      sync.Mutex
	offsets map[int64]time.Duration // 时间点 unix 秒 -> 已抽取的偏移
}

// NewCron times 形如 "09:30"
func NewCron(times []string, loc *time.Location, jitter time.Duration) (*Cron, error) {
	if len(times) == 0 {
		return nil, fmt.Errorf("cron trigger needs at least one time")
	}
	if loc == nil {
		loc = time.UTC
	}
	c := &Cron{jitter: jitter, offsets: map[int64]time.Duration{}}
	for _, hhmm := range times {
		h, m, err := parseHHMM(hhmm)
		if err != nil {
			return nil, err
		}
		s, err := cron.ParseStandard(fmt.Sprintf("CRON_TZ=%s %d %d * * *", loc.String(), m, h))
		if err != nil {
			return nil, fmt.Errorf("parse schedule %q: %w", hhmm, err)
		}
		c.schedules = append(c.schedules, s)
	}
	return c, nil
}

func parseHHMM(s string) (int, int, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// Next 返回触发时间晚于 after 的最早时间点。
// 每个时间点的偏移只抽一次，所以提前触发过的时间点不会因为重新抽样而再触发一次；
// 从 after-jitter 开始找，落在抖动窗口里还没触发的时间点不会被跳过。
func (c *Cron) Next(after time.Time) time.Time {
	from := after.Add(-c.jitter)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.offsets {
		if k < from.Unix() {
			delete(c.offsets, k)
		}
	}
	var best time.Time
	for _, s := range c.schedules {
		for slot := s.Next(from); !slot.IsZero(); slot = s.Next(slot) {
			at := slot.Add(c.offset(slot))
			if !at.After(after) {
				continue
			}
			if best.IsZero() || at.Before(best) {
				best = at
			}
			break
		}
	}
	return best
}

func (c *Cron) offset(slot time.Time) time.Duration {
	k := slot.Unix()
	d, ok := c.offsets[k]
	if !ok {
		d = Jitter(c.jitter)
		c.offsets[k] = d
	}
	return d
}

// Interval 固定间隔加 [0, jitter] 的随机延后
type Interval struct {
	Every  time.Duration
	Jitter time.Duration
}

func (i Interval) Next(after time.Time) time.Time {
	d := i.Every
	if i.Jitter > 0 {
		d += Jitter(i.Jitter/2) + i.Jitter/2
	}
	return after.Add(d)
}

// OneShot 在 At 触发一次
type OneShot struct {
	At time.Time
}

func (o OneShot) Next(after time.Time) time.Time {
	if after.Before(o.At) {
		return o.At
	}
	return time.Time{}
}
