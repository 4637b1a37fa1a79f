package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/model"
)

type memCounters map[string]model.DailyCounter

func (m memCounters) Get(_ context.Context, date string) (model.DailyCounter, error) {
	if c, ok := m[date]; ok {
		return c, nil
	}
	return model.DailyCounter{Date: date}, nil
}

func istanbul(t *testing.T) *time.Location {
	loc, err := time.LoadLocation("Europe/Istanbul")
	require.NoError(t, err)
	return loc
}

func TestHours(t *testing.T) {
	loc := istanbul(t)
	g := New(memCounters{}, Options{Location: loc, Start: 7, End: 22})

	assert.NoError(t, g.Hours(time.Date(2026, 3, 10, 7, 0, 0, 0, loc)))
	assert.NoError(t, g.Hours(time.Date(2026, 3, 10, 21, 59, 0, 0, loc)))
	err := g.Hours(time.Date(2026, 3, 10, 22, 0, 0, 0, loc))
	assert.True(t, errors.Is(err, apperr.ErrHoursDenied))
	assert.True(t, apperr.Gate(err))
	// 04:30 UTC == 07:30 Istanbul
	assert.NoError(t, g.Hours(time.Date(2026, 3, 10, 4, 30, 0, 0, time.UTC)))

	all := New(memCounters{}, Options{Location: loc, Start: 0, End: 24})
	assert.NoError(t, all.Hours(time.Date(2026, 3, 10, 23, 59, 0, 0, loc)))
}

func TestDailyAndTodayUseLocalDate(t *testing.T) {
	loc := istanbul(t)
	// 22:30 UTC 已是伊斯坦布尔的次日 01:30
	now := time.Date(2026, 3, 10, 22, 30, 0, 0, time.UTC)
	counters := memCounters{
		"2026-03-11": {Date: "2026-03-11", ProactiveComments: 9, InvitesSent: 2},
	}
	g := New(counters, Options{
		Location: loc, Start: 0, End: 24, Now: func() time.Time { return now },
		Caps: map[model.CounterKind]int{model.CounterProactiveComments: 9, model.CounterInvitesSent: 7},
	})

	assert.Equal(t, "2026-03-11", g.Today())
	err := g.Daily(context.Background(), model.CounterProactiveComments)
	assert.True(t, errors.Is(err, apperr.ErrQuotaDenied))
	assert.NoError(t, g.Daily(context.Background(), model.CounterInvitesSent))

	// 上限 0 视为禁用
	err = g.Daily(context.Background(), model.CounterPosts)
	assert.True(t, errors.Is(err, apperr.ErrQuotaDenied))

	usage, err := g.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, usage, len(model.CounterKinds))
	for _, u := range usage {
		if u.Kind == model.CounterInvitesSent {
			assert.Equal(t, Usage{Kind: model.CounterInvitesSent, Used: 2, Cap: 7}, u)
		}
	}
}

func TestCheckHoursFirst(t *testing.T) {
	loc := istanbul(t)
	now := time.Date(2026, 3, 10, 23, 0, 0, 0, loc)
	g := New(memCounters{}, Options{
		Location: loc, Start: 7, End: 22, Now: func() time.Time { return now },
		Caps: map[model.CounterKind]int{model.CounterPosts: 3},
	})
	err := g.Check(context.Background(), model.CounterPosts)
	assert.True(t, errors.Is(err, apperr.ErrHoursDenied))
	assert.False(t, g.HoursOpen())

	now = time.Date(2026, 3, 10, 9, 0, 0, 0, loc)
	assert.NoError(t, g.Check(context.Background(), model.CounterPosts))
}

type lockedCounters struct {
	mu   sync.Mutex
	used int
}

func (l *lockedCounters) Get(_ context.Context, date string) (model.DailyCounter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return model.DailyCounter{Date: date, PostsCreated: l.used}, nil
}

func (l *lockedCounters) add() {
	l.mu.Lock()
	l.used++
	l.mu.Unlock()
}

func TestReserveSerializesOneKind(t *testing.T) {
	counters := &lockedCounters{}
	g := New(counters, Options{Start: 0, End: 24, Caps: map[model.CounterKind]int{model.CounterPosts: 2}})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		denied  int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Reserve(context.Background(), model.CounterPosts)
			if err != nil {
				assert.True(t, errors.Is(err, apperr.ErrQuotaDenied))
				mu.Lock()
				denied++
				mu.Unlock()
				return
			}
			// 发布成功后计数，再放锁
			time.Sleep(time.Millisecond)
			counters.add()
			release()
			mu.Lock()
			granted++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, granted)
	assert.Equal(t, 6, denied)
	assert.Equal(t, 2, counters.used)
}

func TestReserveWaitsForRelease(t *testing.T) {
	g := New(&lockedCounters{}, Options{Start: 0, End: 24, Caps: map[model.CounterKind]int{model.CounterPosts: 5}})

	release, err := g.Reserve(context.Background(), model.CounterPosts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Reserve(ctx, model.CounterPosts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 其他种类不受影响
	other, err := g.Reserve(context.Background(), model.CounterInvitesSent)
	if assert.Error(t, err) {
		assert.True(t, errors.Is(err, apperr.ErrQuotaDenied))
	}
	assert.Nil(t, other)

	release()
	release()
	again, err := g.Reserve(context.Background(), model.CounterPosts)
	require.NoError(t, err)
	again()
}
